package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/audit"
	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
)

// commandSpecs is the static registry described by §4.4. Order here is the
// order /help renders them in.
func (d *Dispatcher) commandSpecs() []commandSpec {
	return []commandSpec{
		{Name: "ping", Category: CategoryGeneral, ReadOnly: true,
			Description: "Health check", Handler: handlePing},
		{Name: "help", Category: CategoryGeneral, ReadOnly: true,
			Description: "Show this message", Handler: handleHelp},
		{Name: "status", Category: CategoryGeneral, ReadOnly: true,
			Description: "Queue depth, active workers, resource headroom", Handler: handleStatus},
		{Name: "health", Category: CategoryGeneral, ReadOnly: true,
			Description: "Liveness summary", Handler: handleHealth},
		{Name: "me", Category: CategoryGeneral, ReadOnly: true,
			Description: "Show this chat's group binding", Handler: handleMe},
		{Name: "soul", Category: CategoryGeneral, ReadOnly: true,
			Description: "What this assistant is", Handler: handleSoul},
		{Name: "start", Category: CategoryGeneral, ReadOnly: true,
			Description: "Onboarding message", Handler: handleStart},
		{Name: "session", Category: CategorySession, ReadOnly: true,
			Description: "Session info for this chat", Handler: handleSession},
		{Name: "clear", Category: CategorySession,
			Description: "Clear this chat's session context", Handler: handleClear},
		{Name: "reset", Category: CategorySession,
			Description: "Alias for /clear", Handler: handleClear},
		{Name: "model", Category: CategoryGeneral, ReadOnly: true,
			Description: "Show the configured worker backend", Handler: handleModel},
		{Name: "usage", Category: CategoryCost, ReadOnly: true,
			Description: "Usage totals for today", Handler: handleUsage},
		{Name: "cost", Category: CategoryCost, ReadOnly: true,
			Description: "Estimated spend today and this month", Handler: handleCost},
		{Name: "budget", Category: CategoryCost, ReadOnly: true,
			Description: "Spend-to-date summary", Handler: handleBudget},
		{Name: "containers", Category: CategoryAdmin, ReadOnly: true,
			Description: "Active worker count and concurrency ceiling", Handler: handleContainers},
		{Name: "queue", Category: CategoryAdmin, ReadOnly: true,
			Description: "Per-group queue depth and active count", Handler: handleQueue},
		{Name: "errors", Category: CategoryAdmin, ReadOnly: true,
			Description: "Policy deny count since startup", Handler: handleErrors},
		{Name: "docker", Category: CategoryAdmin, ReadOnly: true,
			Description: "Worker sandbox backend configuration", Handler: handleDocker},
		{Name: "kill", Category: CategoryAdmin,
			Description: "Close stdin on this group's running worker", Handler: handleKill},
		{Name: "restart", Category: CategoryAdmin,
			Description: "Close stdin on this group's running worker and let it re-dispatch", Handler: handleRestart},
		{Name: "heartbeat", Category: CategoryGeneral, ReadOnly: true,
			Description: "List heartbeat jobs bound to this chat", Handler: handleHeartbeat},
		{Name: "hbjob", Category: CategoryAdmin,
			Description: "add|list|label|prompt|interval|category|pause|resume|remove",
			Handler:     handleHbjob},
		{Name: "tgmedia", Category: CategoryGeneral, ReadOnly: true,
			Description: "List files in this group's workspace", Handler: handleTgMedia},
		{Name: "tgsendfile", Category: CategoryGeneral,
			Description: "tgsendfile <rel> <caption> — send a workspace file as a document", Handler: handleTgSendFile},
		{Name: "tgsendphoto", Category: CategoryGeneral,
			Description: "tgsendphoto <rel> <caption> — send a workspace file as a photo", Handler: handleTgSendPhoto},
	}
}

func handlePing(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return textResult("pong 🏓")
}

func handleHelp(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return textResult(d.HelpText())
}

func handleStatus(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	depth := d.Queue.QueueDepth()
	active := d.Queue.ActiveCount()
	stats := d.Monitor.Stats()
	policyVersion := ""
	if d.Policy != nil {
		policyVersion = d.Policy.PolicyVersion()
	}
	return textResult(fmt.Sprintf(
		"queue depth: %d\nactive workers: %d / %d\ncpu: %.0f%%  mem free: %.0f%%\npolicy: %s",
		depth, active, stats.CurrentMax, stats.CPUUsagePercent, stats.MemoryFreePercent, policyVersion,
	))
}

func handleHealth(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	if _, err := d.Store.GetAllGroups(ctx); err != nil {
		return textResult(fmt.Sprintf("unhealthy: persistence error: %v", err))
	}
	return textResult("ok")
}

func handleMe(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	g, err := d.Store.GetGroupByFolder(ctx, groupFolder)
	if err != nil {
		return textResult(fmt.Sprintf("group=%s chat=%s (not registered)", groupFolder, chatJID))
	}
	return textResult(fmt.Sprintf(
		"group=%s name=%s chat=%s main=%v trigger=%q requiresTrigger=%v",
		g.Folder, g.Name, g.ChatJID, g.IsMain, g.TriggerPrefix, g.RequiresTrigger,
	))
}

func handleSoul(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	groups, err := d.Store.GetAllGroups(ctx)
	if err != nil {
		return textResult("a scheduled-task assistant")
	}
	return textResult(fmt.Sprintf("a scheduled-task assistant, wired into %d group(s)", len(groups)))
}

func handleStart(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return textResult("Hi! Send a message to queue a worker run, or /help to see available commands.")
}

func handleSession(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	today, err := d.Store.UsageToday(ctx, time.Now())
	if err != nil {
		return DispatchResult{}, fmt.Errorf("session: usage today: %w", err)
	}
	running := d.Queue.IsTaskRunning(groupFolder)
	return textResult(fmt.Sprintf(
		"chat=%s group=%s\nmessages today (billed): %d\nworker running: %v",
		chatJID, groupFolder, today.Count, running,
	))
}

func handleClear(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return DispatchResult{Kind: ResultClearSession, Reply: "Session context cleared."}, nil
}

func handleModel(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	w := d.Worker
	if w.Backend == "docker" {
		return textResult(fmt.Sprintf("backend=docker image=%s", w.DockerImage))
	}
	return textResult(fmt.Sprintf("backend=%s command=%s", w.Backend, strings.Join(w.Command, " ")))
}

func handleUsage(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	today, err := d.Store.UsageToday(ctx, time.Now())
	if err != nil {
		return DispatchResult{}, fmt.Errorf("usage: %w", err)
	}
	return textResult(fmt.Sprintf(
		"today: %d calls, %d in / %d out tokens, avg %.0fms",
		today.Count, today.InputTokens, today.OutputTokens, today.AvgResponseMs,
	))
}

func handleCost(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	now := time.Now()
	today, err := d.Store.UsageToday(ctx, now)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("cost: today: %w", err)
	}
	month, err := d.Store.UsageThisMonth(ctx, now)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("cost: month: %w", err)
	}
	return textResult(fmt.Sprintf("today: $%.4f\nthis month: $%.4f", today.EstimatedCost, month.EstimatedCost))
}

func handleBudget(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	month, err := d.Store.UsageThisMonth(ctx, time.Now())
	if err != nil {
		return DispatchResult{}, fmt.Errorf("budget: %w", err)
	}
	return textResult(fmt.Sprintf("spend this month so far: $%.4f across %d calls", month.EstimatedCost, month.Count))
}

func handleContainers(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	stats := d.Monitor.Stats()
	return textResult(fmt.Sprintf(
		"active: %d  ceiling: %d (base %d)", d.Queue.ActiveCount(), stats.CurrentMax, stats.BaseMax,
	))
}

func handleQueue(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return textResult(fmt.Sprintf(
		"group %s: %d waiting, running=%v", groupFolder, d.Queue.QueueDepth(), d.Queue.IsTaskRunning(groupFolder),
	))
}

func handleErrors(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return textResult(fmt.Sprintf("policy denies since startup: %d", audit.DenyCount()))
}

func handleDocker(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	w := d.Worker
	return textResult(fmt.Sprintf(
		"backend=%s image=%s memoryMB=%d networkMode=%s",
		w.Backend, w.DockerImage, w.DockerMemoryMB, w.DockerNetworkMode,
	))
}

func handleKill(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	if err := d.Queue.CloseStdin(groupFolder); err != nil {
		return textResult(fmt.Sprintf("nothing running for this group: %v", err))
	}
	return textResult("sent stdin close to the running worker")
}

func handleRestart(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	if err := d.Queue.CloseStdin(groupFolder); err != nil {
		return textResult(fmt.Sprintf("nothing running for this group: %v", err))
	}
	return textResult("worker stopped; the next message will start a fresh one")
}

func handleHeartbeat(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	jobs, err := d.Store.GetHeartbeatJobsForChat(ctx, chatJID, true)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("heartbeat: %w", err)
	}
	if len(jobs) == 0 {
		return textResult("no heartbeat jobs for this chat")
	}
	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s [%s] %s — %s\n", shortID(j.ID), j.Status, j.Label, j.Category)
	}
	return textResult(strings.TrimRight(b.String(), "\n"))
}

// handleHbjob implements /hbjob add|list|label|prompt|interval|category|
// pause|resume|remove (§4.4).
func handleHbjob(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	fields := splitArgs(args, 2)
	verb, rest := strings.ToLower(fields[0]), fields[1]

	switch verb {
	case "add":
		return hbjobAdd(ctx, d, rest, chatJID)
	case "list":
		return handleHeartbeat(ctx, d, "", chatJID, groupFolder)
	case "pause":
		return hbjobSetStatus(ctx, d, rest, persistence.HeartbeatStatusPaused)
	case "resume":
		return hbjobSetStatus(ctx, d, rest, persistence.HeartbeatStatusActive)
	case "remove":
		if err := d.Store.DeleteHeartbeatJob(ctx, strings.TrimSpace(rest)); err != nil {
			return textResult(fmt.Sprintf("remove failed: %v", err))
		}
		return textResult("removed")
	case "label", "prompt", "category":
		return hbjobSetField(ctx, d, rest, verb)
	case "interval":
		return hbjobSetInterval(ctx, d, rest)
	default:
		return textResult("usage: /hbjob add|list|label|prompt|interval|category|pause|resume|remove ...")
	}
}

// hbjobAdd parses the pipe-separated payload "label|category|intervalMinutes|prompt".
func hbjobAdd(ctx context.Context, d *Dispatcher, payload, chatJID string) (DispatchResult, error) {
	parts := strings.SplitN(payload, "|", 4)
	if len(parts) != 4 {
		return textResult("usage: /hbjob add label|category|intervalMinutes|prompt")
	}
	label, category, intervalStr, prompt := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]),
		strings.TrimSpace(parts[2]), strings.TrimSpace(parts[3])
	minutes, err := parseIntArg(intervalStr)
	if err != nil {
		return textResult(fmt.Sprintf("bad interval: %v", err))
	}
	intervalMs := minutes * 60_000
	id := persistence.NewID()
	_, err = d.Store.CreateHeartbeatJob(ctx, persistence.HeartbeatJob{
		ID: id, ChatJID: chatJID, Label: label, Prompt: prompt, Category: category,
		IntervalMs: &intervalMs, CreatedBy: chatJID,
	})
	if err != nil {
		return textResult(fmt.Sprintf("create failed: %v", err))
	}
	return textResult(fmt.Sprintf("created heartbeat job %s", shortID(id)))
}

func hbjobSetStatus(ctx context.Context, d *Dispatcher, id, status string) (DispatchResult, error) {
	id = strings.TrimSpace(id)
	if err := d.Store.SetHeartbeatJobStatus(ctx, id, status); err != nil {
		return textResult(fmt.Sprintf("%s failed: %v", status, err))
	}
	return textResult(fmt.Sprintf("job %s is now %s", shortID(id), status))
}

func hbjobSetField(ctx context.Context, d *Dispatcher, rest, field string) (DispatchResult, error) {
	parts := splitArgs(rest, 2)
	id, value := parts[0], parts[1]
	if err := d.Store.UpdateHeartbeatJobField(ctx, id, field, value); err != nil {
		return textResult(fmt.Sprintf("update %s failed: %v", field, err))
	}
	return textResult(fmt.Sprintf("job %s %s updated", shortID(id), field))
}

func hbjobSetInterval(ctx context.Context, d *Dispatcher, rest string) (DispatchResult, error) {
	parts := splitArgs(rest, 2)
	id, minutesStr := parts[0], parts[1]
	minutes, err := parseIntArg(minutesStr)
	if err != nil {
		return textResult(fmt.Sprintf("bad interval: %v", err))
	}
	if err := d.Store.UpdateHeartbeatJobField(ctx, id, "interval_ms", minutes*60_000); err != nil {
		return textResult(fmt.Sprintf("update interval failed: %v", err))
	}
	return textResult(fmt.Sprintf("job %s interval set to %dm", shortID(id), minutes))
}

func handleTgMedia(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	entries, err := listWorkspaceFiles(d.WorkspacesDir, groupFolder)
	if err != nil {
		return textResult(fmt.Sprintf("could not list workspace: %v", err))
	}
	if len(entries) == 0 {
		return textResult("no files in this group's workspace")
	}
	return textResult(strings.Join(entries, "\n"))
}

func handleTgSendFile(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return sendWorkspaceFile(d, args, chatJID, groupFolder, channels.PayloadDocument)
}

func handleTgSendPhoto(ctx context.Context, d *Dispatcher, args, chatJID, groupFolder string) (DispatchResult, error) {
	return sendWorkspaceFile(d, args, chatJID, groupFolder, channels.PayloadPhoto)
}

func sendWorkspaceFile(d *Dispatcher, args, chatJID, groupFolder string, kind channels.PayloadKind) (DispatchResult, error) {
	parts := splitArgs(args, 2)
	rel, caption := parts[0], parts[1]
	full, err := d.resolveWorkspaceRelative(groupFolder, rel)
	if err != nil {
		return textResult(err.Error())
	}
	if d.Outbound == nil {
		return textResult("no outbound channel configured")
	}
	err = d.Outbound.SendPayload(chatJID, channels.OutboundPayload{
		Kind: kind, FilePath: full, Caption: caption, FileName: rel,
	})
	if err != nil {
		return textResult(fmt.Sprintf("send failed: %v", err))
	}
	return textResult(fmt.Sprintf("sent %s", rel))
}
