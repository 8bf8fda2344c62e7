package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/policy"
	"github.com/basket/goclaw-orchestrator/internal/resourcemonitor"
)

// unknownCommandReply is returned for a slash command that isn't in the
// registry, per §4.4: it must not fall through to a worker.
const unknownCommandReply = "ไม่รู้จักคำสั่ง (unknown command) — พิมพ์ /help เพื่อดูคำสั่งทั้งหมด"

// Dispatcher is §4.4's InlineDispatcher: it owns the command registry and
// every dependency a handler needs to produce a real reply.
type Dispatcher struct {
	Store         *persistence.Store
	Queue         *groupqueue.Queue
	Monitor       *resourcemonitor.Monitor
	Policy        *policy.LivePolicy
	Outbound      *channels.OutboundRouter
	Worker        config.WorkerConfig
	WorkspacesDir string
	Timezone      *time.Location
	Logger        *slog.Logger

	reg *registry
}

// New builds a Dispatcher with the full command registry. It returns an
// error only if the registry itself is malformed (duplicate/invalid names),
// which would be a programming error, not a runtime condition.
func New(deps Dispatcher) (*Dispatcher, error) {
	d := deps
	if d.Timezone == nil {
		d.Timezone = time.UTC
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	reg, err := newRegistry(d.commandSpecs())
	if err != nil {
		return nil, err
	}
	d.reg = reg
	return &d, nil
}

// Dispatch runs the named command against args in the context of chatJID/
// groupFolder, applying the admin-scoping rule before invoking the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, name, args, chatJID, groupFolder string) (DispatchResult, error) {
	spec, ok := d.reg.lookup(name)
	if !ok {
		return textResult(unknownCommandReply)
	}
	if spec.Category == CategoryAdmin && !spec.ReadOnly && groupFolder != "main" {
		return textResult("Only main group")
	}
	return spec.Handler(ctx, d, args, chatJID, groupFolder)
}

// BotCommand is one entry of the TELEGRAM_COMMANDS projection: a chat
// client's autocomplete command list, name-and-description only.
type BotCommand struct {
	Name        string
	Description string
}

// Commands returns the registry's commands in registration order, for a
// channel adapter to register as its chat client's command list (e.g.
// Telegram's SetMyCommands).
func (d *Dispatcher) Commands() []BotCommand {
	out := make([]BotCommand, 0, len(d.reg.order))
	for _, name := range d.reg.order {
		spec := d.reg.byName[name]
		out = append(out, BotCommand{Name: spec.Name, Description: spec.Description})
	}
	return out
}

// HelpText renders the /help listing, grouped by category in registration
// order — the same plain Fprintln-style listing the teacher's chat REPL
// builds by hand, just driven off the registry instead of a literal switch.
func (d *Dispatcher) HelpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range d.reg.order {
		spec := d.reg.byName[name]
		desc := spec.HelpDescription
		if desc == "" {
			desc = spec.Description
		}
		fmt.Fprintf(&b, "  /%-14s %s\n", spec.Name, desc)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Warn(fmt.Sprintf(format, args...))
	}
}

// resolveWorkspaceRelative joins rel onto groupFolder's workspace directory,
// refusing absolute paths and ".." traversal so /tgsendfile and /tgsendphoto
// can never reach outside the group's own workspace.
func (d *Dispatcher) resolveWorkspaceRelative(groupFolder, rel string) (string, error) {
	if d.WorkspacesDir == "" {
		return "", fmt.Errorf("no workspace directory configured")
	}
	if rel == "" {
		return "", fmt.Errorf("missing file path")
	}
	if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", fmt.Errorf("path must be relative to the group workspace and may not contain ..")
	}
	full := filepath.Join(d.WorkspacesDir, groupFolder, rel)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("file not found: %s", rel)
	}
	return full, nil
}

// listWorkspaceFiles lists the (non-recursive, non-hidden) contents of a
// group's workspace, for /tgmedia.
func listWorkspaceFiles(workspacesDir, groupFolder string) ([]string, error) {
	if workspacesDir == "" {
		return nil, fmt.Errorf("no workspace directory configured")
	}
	entries, err := os.ReadDir(filepath.Join(workspacesDir, groupFolder))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// splitArgs splits args on whitespace into exactly n fields, the last field
// absorbing any remaining text (so a trailing caption can contain spaces).
func splitArgs(args string, n int) []string {
	fields := strings.SplitN(args, " ", n)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	for len(fields) < n {
		fields = append(fields, "")
	}
	return fields
}

func parseIntArg(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", s)
	}
	return v, nil
}
