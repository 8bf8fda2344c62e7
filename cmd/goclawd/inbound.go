package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/dispatch"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/heartbeat"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/sandbox"
	"github.com/basket/goclaw-orchestrator/internal/shared"
)

// inboundDeps bundles what handleInboundMessage needs to route one message,
// mirroring dispatch.Dispatcher's dependency bundle rather than threading
// each field through as its own parameter.
type inboundDeps struct {
	store    *persistence.Store
	queue    *groupqueue.Queue
	runtime  *sandbox.Runtime
	outbound *channels.OutboundRouter
	dispatch *dispatch.Dispatcher
	router   *dispatch.QueryRouter
	hb       *heartbeat.Runner
	logger   *slog.Logger
}

// handleInboundMessage implements the data-flow note's "input ->
// QueryRouter (classify) -> {InlineDispatcher | Oracle | GroupQueue.enqueue}
// -> WorkerRuntime -> streamed OutboundRouter replies" path. Oracle has no
// implementation here (it is a consumer of the core, out of scope per
// §1) so an oracle classification falls through to the worker path, per
// §7's "Oracle unavailability falls through to the worker path".
func handleInboundMessage(ctx context.Context, deps inboundDeps, msg channels.NewMessage) {
	if msg.IsFromMe {
		return
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	deps.hb.RecordActivity(msg.Timestamp)

	group, err := deps.store.GetGroupByChatJID(ctx, msg.ChatJID)
	if err != nil {
		deps.logger.Warn("inbound message from unregistered chat", "trace_id", shared.TraceID(ctx), "chat_jid", msg.ChatJID, "error", err)
		_ = deps.outbound.SendText(msg.ChatJID, "This chat isn't registered. Ask an operator to add it.")
		return
	}

	class := deps.router.Classify(msg.Content)
	switch class.Tier {
	case dispatch.TierInline:
		handleInlineCommand(ctx, deps, msg, group)
	default:
		enqueueWorkerTurn(ctx, deps, msg, group)
	}
}

func handleInlineCommand(ctx context.Context, deps inboundDeps, msg channels.NewMessage, group persistence.Group) {
	cmd, ok := dispatch.ParseSlashCommand(msg.Content)
	if !ok {
		return
	}
	result, err := deps.dispatch.Dispatch(ctx, cmd.Name, cmd.Args, msg.ChatJID, group.Folder)
	if err != nil {
		deps.logger.Warn("inline command failed", "trace_id", shared.TraceID(ctx), "command", cmd.Name, "error", err)
		return
	}
	if result.Reply == "" {
		return
	}
	if err := deps.outbound.SendText(msg.ChatJID, result.Reply); err != nil {
		deps.logger.Warn("failed to deliver inline reply", "trace_id", shared.TraceID(ctx), "chat_jid", msg.ChatJID, "error", err)
	}
}

// enqueueWorkerTurn admits msg onto the group's queue key and spawns the
// worker, forwarding every streamed result event back to the chat as it
// arrives and touching the queue entry to reset its idle timer, mirroring
// internal/heartbeat.Runner.runJob's spawn/forward/touch shape. The queue
// runs work against its own background context, so the inbound trace_id is
// captured here and reattached inside the work closure.
func enqueueWorkerTurn(ctx context.Context, deps inboundDeps, msg channels.NewMessage, group persistence.Group) {
	traceID := shared.TraceID(ctx)
	key := group.Folder
	err := deps.queue.EnqueueTask(key, msg.ID, func(ctx context.Context, setStopper func(groupqueue.Stopper)) error {
		ctx = shared.WithTraceID(ctx, traceID)
		result, spawnErr := deps.runtime.Spawn(ctx, sandbox.Request{
			Prompt:      msg.Content,
			GroupFolder: group.Folder,
			ChatJID:     msg.ChatJID,
			IsMain:      group.IsMain,
			Mounts:      group.AdditionalMounts,
		}, func(handle sandbox.ProcessHandle, containerName string) {
			setStopper(handle)
		}, func(event sandbox.ContainerOutput) {
			deps.queue.Touch(key)
			if event.Status == sandbox.StatusResult && event.Result != "" {
				if sendErr := deps.outbound.SendText(msg.ChatJID, event.Result); sendErr != nil {
					deps.logger.Warn("failed to forward streamed result", "trace_id", traceID, "chat_jid", msg.ChatJID, "error", sendErr)
				}
			}
		})
		if spawnErr != nil {
			return spawnErr
		}
		if result.Status == sandbox.StatusError {
			errText := result.Error
			if errText == "" {
				errText = result.Result
			}
			return fmt.Errorf("%s", errText)
		}
		return nil
	})
	if err != nil {
		deps.logger.Warn("failed to enqueue worker turn", "trace_id", traceID, "chat_jid", msg.ChatJID, "error", err)
		_ = deps.outbound.SendText(msg.ChatJID, "Busy right now, try again in a moment.")
	}
}
