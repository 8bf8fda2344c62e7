package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramJIDPrefix namespaces Telegram chat IDs into the channel-agnostic
// JID space the rest of the system operates on.
const telegramJIDPrefix = "telegram:"

// BotCommand is one entry of the ordered command list a chat client
// registers for autocomplete, mirroring dispatch.BotCommand without
// depending on the dispatch package.
type BotCommand struct {
	Name        string
	Description string
}

// TelegramChannel implements Channel for Telegram, grounded on the
// teacher's long-poll/reconnect loop but trimmed to the plain
// inbound-message/outbound-reply contract the dispatcher consumes.
type TelegramChannel struct {
	token               string
	allowedIDs          map[int64]struct{}
	prefixAssistantName bool
	logger              *slog.Logger

	bot       *tgbotapi.BotAPI
	connected bool
	commands  []BotCommand
}

// NewTelegramChannel creates a new Telegram channel. allowedIDs, if
// non-empty, restricts which Telegram user IDs may send inbound messages;
// an empty allowlist allows everyone. commands, if non-empty, is registered
// with Telegram as the bot's autocomplete command list once Start connects.
func NewTelegramChannel(token string, allowedIDs []int64, prefixAssistantName bool, commands []BotCommand, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:               token,
		allowedIDs:          allowed,
		prefixAssistantName: prefixAssistantName,
		commands:            commands,
		logger:              logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, telegramJIDPrefix)
}

func (t *TelegramChannel) IsConnected() bool { return t.connected }

func (t *TelegramChannel) PrefixAssistantName() bool { return t.prefixAssistantName }

func chatIDFromJID(jid string) (int64, error) {
	id := strings.TrimPrefix(jid, telegramJIDPrefix)
	return strconv.ParseInt(id, 10, 64)
}

func (t *TelegramChannel) SendText(jid, text string) error {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return fmt.Errorf("telegram: invalid jid %q: %w", jid, err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram: channel not started")
	}
	msg := tgbotapi.NewMessage(chatID, MarkdownTableToList(text))
	_, err = t.bot.Send(msg)
	return err
}

func (t *TelegramChannel) SendPayload(jid string, payload OutboundPayload) error {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return fmt.Errorf("telegram: invalid jid %q: %w", jid, err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram: channel not started")
	}
	switch payload.Kind {
	case PayloadText:
		_, err = t.bot.Send(tgbotapi.NewMessage(chatID, payload.Text))
	case PayloadPhoto:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(payload.FilePath))
		photo.Caption = payload.Caption
		_, err = t.bot.Send(photo)
	case PayloadDocument:
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(payload.FilePath))
		doc.Caption = payload.Caption
		_, err = t.bot.Send(doc)
	default:
		return fmt.Errorf("telegram: unsupported payload kind %q", payload.Kind)
	}
	return err
}

// Start connects to the Telegram API and long-polls for updates,
// reconnecting with exponential backoff on stalls or transport errors. It
// blocks until ctx is canceled.
func (t *TelegramChannel) Start(ctx context.Context, onMessage InboundHandler) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logf("telegram bot started", "user", t.bot.Self.UserName)
	if len(t.commands) > 0 {
		if err := t.registerCommands(); err != nil {
			t.logf("telegram command registration failed", "error", err)
		}
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		t.connected = true
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates, onMessage)
		t.connected = false
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logf("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection — the library blocks rather than closing the channel on a
// dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, onMessage InboundHandler) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logf("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
			}
			t.handleMessage(ctx, update.Message, onMessage)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message, onMessage InboundHandler) {
	content := strings.TrimSpace(msg.Text)
	if content == "" || onMessage == nil {
		return
	}
	onMessage(ctx, NewMessage{
		ID:         strconv.Itoa(msg.MessageID),
		ChatJID:    telegramJIDPrefix + strconv.FormatInt(msg.Chat.ID, 10),
		Sender:     strconv.FormatInt(msg.From.ID, 10),
		SenderName: msg.From.UserName,
		Content:    content,
		Timestamp:  time.Unix(int64(msg.Date), 0),
		IsFromMe:   false,
	})
}

// registerCommands pushes t.commands to Telegram's SetMyCommands, the
// TELEGRAM_COMMANDS projection that drives the client's slash-command
// autocomplete, in the same order the registry defines them.
func (t *TelegramChannel) registerCommands() error {
	tgCmds := make([]tgbotapi.BotCommand, 0, len(t.commands))
	for _, c := range t.commands {
		tgCmds = append(tgCmds, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	_, err := t.bot.Request(tgbotapi.NewSetMyCommands(tgCmds...))
	return err
}

func (t *TelegramChannel) logf(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Info(msg, args...)
	}
}

var _ Channel = (*TelegramChannel)(nil)
