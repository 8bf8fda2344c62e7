package channels

import (
	"context"
	"fmt"
	"time"
)

// NewMessage is an inbound message from a channel, routed to the
// dispatcher. Immutable once received.
type NewMessage struct {
	ID         string
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsFromMe   bool
}

// PayloadKind discriminates OutboundPayload's variants.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadPhoto    PayloadKind = "photo"
	PayloadDocument PayloadKind = "document"
)

// OutboundPayload is a tagged variant covering everything a channel can
// send back: plain text, or a file with an optional caption.
type OutboundPayload struct {
	Kind     PayloadKind
	Text     string
	FilePath string
	Caption  string
	FileName string
}

// InboundHandler is invoked once per inbound message a channel receives.
// The core treats a channel purely as this capability plus the ability to
// send a reply; routing and admission decisions live in the dispatcher.
type InboundHandler func(ctx context.Context, msg NewMessage)

// Channel defines the interface for a messaging platform integration. The
// core only ever depends on this interface, never on a specific
// implementation.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// OwnsJID reports whether this channel is responsible for the given
	// chat JID (used to pick an outbound channel for a reply).
	OwnsJID(jid string) bool

	// IsConnected reports whether the channel currently has a live
	// connection to its backing platform.
	IsConnected() bool

	// SendText sends a plain text reply to the given chat JID.
	SendText(jid, text string) error

	// SendPayload sends a richer payload (photo, document) to the given
	// chat JID. Channels that only support text may return an error.
	SendPayload(jid string, payload OutboundPayload) error

	// PrefixAssistantName reports whether replies on this channel should
	// be prefixed with the assistant's name (useful in group chats with
	// multiple bots; typically false in 1:1 DMs).
	PrefixAssistantName() bool

	// Start begins listening for messages, invoking onMessage for each
	// one, and blocks until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context, onMessage InboundHandler) error
}

// OutboundRouter picks the channel that owns a given chat JID and routes
// replies to it, per the data-flow note "output -> OutboundRouter (pick
// connected channel) -> Channel.send".
type OutboundRouter struct {
	channels []Channel
}

// NewOutboundRouter builds a router over the given set of channels.
func NewOutboundRouter(channels ...Channel) *OutboundRouter {
	return &OutboundRouter{channels: channels}
}

func (r *OutboundRouter) find(jid string) (Channel, error) {
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("outbound router: no channel owns jid %q", jid)
}

// SendText routes a text reply to whichever channel owns jid.
func (r *OutboundRouter) SendText(jid, text string) error {
	ch, err := r.find(jid)
	if err != nil {
		return err
	}
	return ch.SendText(jid, text)
}

// SendPayload routes a richer payload to whichever channel owns jid.
func (r *OutboundRouter) SendPayload(jid string, payload OutboundPayload) error {
	ch, err := r.find(jid)
	if err != nil {
		return err
	}
	return ch.SendPayload(jid, payload)
}
