package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/dispatch"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/heartbeat"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/resourcemonitor"
	"github.com/basket/goclaw-orchestrator/internal/sandbox"
)

type fixedLimiter int

func (f fixedLimiter) Update() int { return int(f) }

func newTestDeps(t *testing.T) inboundDeps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	path := filepath.Join(t.TempDir(), "inbound-test.db")
	store, err := persistence.Open(path, bus.New())
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	queue := groupqueue.New(10, fixedLimiter(4), bus.New(), logger)
	outbound := channels.NewOutboundRouter()
	runtime := sandbox.NewRuntime(&sandbox.ExecBackend{
		Command:       []string{"false"},
		WorkspacesDir: t.TempDir(),
	}, 2*time.Second, 2*time.Second, logger)

	d, err := dispatch.New(dispatch.Dispatcher{
		Store:         store,
		Queue:         queue,
		Monitor:       resourcemonitor.New(4),
		Outbound:      outbound,
		WorkspacesDir: t.TempDir(),
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	hb := heartbeat.New(heartbeat.Config{
		Store: store, Queue: queue, Runtime: runtime, Outbound: outbound,
		Settings: heartbeat.NewLiveSettings(heartbeat.Settings{}), Logger: logger,
	})

	return inboundDeps{
		store:    store,
		queue:    queue,
		runtime:  runtime,
		outbound: outbound,
		dispatch: d,
		router:   dispatch.NewQueryRouter(),
		hb:       hb,
		logger:   logger,
	}
}

func TestHandleInboundMessage_IgnoresOwnMessages(t *testing.T) {
	deps := newTestDeps(t)
	// A message authored by the bot itself must never reach routing; an
	// unregistered chat JID would otherwise trip the "unregistered chat"
	// reply path and fail this test if IsFromMe weren't checked first.
	handleInboundMessage(context.Background(), deps, channels.NewMessage{
		ChatJID: "unregistered@s.whatsapp.net", Content: "/ping", IsFromMe: true,
	})
}

func TestHandleInboundMessage_UnregisteredChat(t *testing.T) {
	deps := newTestDeps(t)
	// No group is registered for this JID, and no channel is registered
	// with the outbound router either, so the reply attempt itself returns
	// an error that handleInboundMessage must swallow rather than panic on.
	handleInboundMessage(context.Background(), deps, channels.NewMessage{
		ChatJID: "nobody@s.whatsapp.net", Content: "hello", Timestamp: time.Now(),
	})
}

func TestHandleInboundMessage_InlineCommandRoutesToDispatcher(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	group := persistence.Group{Folder: "main", Name: "Main", ChatJID: "main@s.whatsapp.net", IsMain: true}
	if err := deps.store.CreateGroup(ctx, group); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	// /ping classifies as TierInline and must not touch the group queue.
	handleInboundMessage(ctx, deps, channels.NewMessage{
		ChatJID: group.ChatJID, Content: "/ping", Timestamp: time.Now(),
	})
	if deps.queue.ActiveCount() != 0 || deps.queue.QueueDepth() != 0 {
		t.Fatalf("expected inline command to bypass the group queue, got active=%d depth=%d",
			deps.queue.ActiveCount(), deps.queue.QueueDepth())
	}
}

func TestHandleInboundMessage_WorkerTurnEnqueues(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	group := persistence.Group{Folder: "main", Name: "Main", ChatJID: "main@s.whatsapp.net", IsMain: true}
	if err := deps.store.CreateGroup(ctx, group); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	handleInboundMessage(ctx, deps, channels.NewMessage{
		ChatJID: group.ChatJID, Content: "write me a poem", Timestamp: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && deps.queue.ActiveCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if deps.queue.ActiveCount() != 0 {
		t.Fatal("expected enqueued worker turn to finish (the exec backend fails fast)")
	}
}
