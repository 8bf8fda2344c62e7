// Package scheduler implements §4.6: a poll loop that claims due
// ScheduledTasks and hands them off onto the group queue under a virtual
// "_sched_"+id key, using the same WorkerRuntime every chat-driven task
// uses.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/channels"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/otel"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/sandbox"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// schedKeyPrefix namespaces scheduled-task virtual queue keys so they
// never collide with a group's chat-driven queue key.
const schedKeyPrefix = "_sched_"

const defaultPreemptIdleWindow = 5 * time.Second

// Config holds the dependencies for the scheduler.
type Config struct {
	Store         *persistence.Store
	Queue         *groupqueue.Queue
	Runtime       *sandbox.Runtime
	Outbound      *channels.OutboundRouter
	EventBus      *bus.Bus
	Logger        *slog.Logger
	PollInterval  time.Duration
	Timezone      *time.Location
	WorkspacesDir string // where group workspaces live, for the tasks-snapshot file

	// PreemptIdleWindow is how idle a running entry must be before
	// preemptForPendingTasks will close its stdin. Defaults to 5s.
	PreemptIdleWindow time.Duration
}

// Scheduler polls the persistence store for due tasks and runs them
// through the group queue and worker runtime.
type Scheduler struct {
	store         *persistence.Store
	queue         *groupqueue.Queue
	runtime       *sandbox.Runtime
	outbound      *channels.OutboundRouter
	eventBus      *bus.Bus
	logger        *slog.Logger
	interval      time.Duration
	loc           *time.Location
	workspacesDir string
	idleWindow    time.Duration
	metrics       *otel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetMetrics attaches OTel instruments the scheduler reports claim/retry/
// failure counts and run durations through. Nil (the default) disables
// reporting.
func (s *Scheduler) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// New constructs a Scheduler from cfg, applying the same defaults as
// §4.6 and internal/config's normalize().
func New(cfg Config) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idleWindow := cfg.PreemptIdleWindow
	if idleWindow <= 0 {
		idleWindow = defaultPreemptIdleWindow
	}
	return &Scheduler{
		store: cfg.Store, queue: cfg.Queue, runtime: cfg.Runtime, outbound: cfg.Outbound,
		eventBus: cfg.EventBus, logger: logger, interval: interval, loc: loc,
		workspacesDir: cfg.WorkspacesDir, idleWindow: idleWindow,
	}
}

// Start recovers any stale claims left by a crash, then begins the poll
// loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.RecoverStaleClaims(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recover stale claims: %w", err)
	}
	if n > 0 {
		s.logger.Warn("scheduler: recovered stale claims", "count", n)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "poll_interval", s.interval)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.GetDueTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: get due tasks failed", "error", err)
		return
	}
	for _, t := range due {
		s.claimAndEnqueue(ctx, t, now)
	}
	if len(due) > 0 {
		s.queue.PreemptForPendingTasks(s.idleWindow)
	}
}

// claimAndEnqueue performs the atomic claim and, only on success,
// re-reads the task (it may have been paused/cancelled between the
// due-fetch and the claim) before handing it to the queue.
func (s *Scheduler) claimAndEnqueue(ctx context.Context, t persistence.Task, now time.Time) {
	claimed, err := s.store.ClaimTask(ctx, t.ID, now)
	if err != nil {
		s.logger.Error("scheduler: claim task failed", "task_id", t.ID, "error", err)
		return
	}
	if !claimed {
		return
	}
	if s.metrics != nil {
		s.metrics.TaskClaims.Add(ctx, 1)
	}

	fresh, err := s.store.GetTaskByID(ctx, t.ID)
	if err != nil {
		s.logger.Error("scheduler: re-read claimed task failed", "task_id", t.ID, "error", err)
		return
	}
	if fresh.Status != persistence.TaskStatusActive {
		return
	}

	key := schedKeyPrefix + fresh.ID
	err = s.queue.EnqueueTask(key, fresh.ID, func(wctx context.Context, setStopper func(groupqueue.Stopper)) error {
		return s.runTask(wctx, fresh, setStopper)
	})
	if err != nil {
		s.logger.Error("scheduler: enqueue claimed task failed", "task_id", fresh.ID, "error", err)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t persistence.Task, setStopper func(groupqueue.Stopper)) error {
	if _, err := s.store.GetGroupByFolder(ctx, t.GroupFolder); errors.Is(err, persistence.ErrNotFound) {
		s.logger.Warn("scheduler: task's group no longer exists, leaving claim on sentinel", "task_id", t.ID, "group", t.GroupFolder)
		return nil
	}

	s.writeTaskSnapshot(ctx, t)
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	req := sandbox.Request{
		Prompt:          t.Prompt,
		GroupFolder:     t.GroupFolder,
		ChatJID:         t.ChatJID,
		IsScheduledTask: true,
	}
	if t.ContextMode == "group" {
		req.SessionID = t.GroupFolder
	}
	if t.TaskTimeoutMs != nil && *t.TaskTimeoutMs > 0 {
		req.EffectiveTimeout = time.Duration(*t.TaskTimeoutMs) * time.Millisecond
	}

	key := schedKeyPrefix + t.ID
	var lastResult string
	onProcess := func(handle sandbox.ProcessHandle, containerName string) {
		setStopper(handle)
	}
	onOutput := func(event sandbox.ContainerOutput) {
		s.queue.Touch(key)
		if event.Status != sandbox.StatusResult {
			return
		}
		lastResult = event.Result
		if s.outbound != nil && t.ChatJID != "" {
			if err := s.outbound.SendText(t.ChatJID, event.Result); err != nil {
				s.logger.Warn("scheduler: forward result to chat failed", "task_id", t.ID, "error", err)
			}
		}
	}

	final, err := s.runtime.Spawn(ctx, req, onProcess, onOutput)
	if err != nil {
		return s.handleFailure(ctx, t, err.Error())
	}
	if final.Status == sandbox.StatusError {
		return s.handleFailure(ctx, t, final.Error)
	}

	result := final.Result
	if result == "" {
		result = lastResult
	}
	return s.handleSuccess(ctx, t, result)
}

func (s *Scheduler) handleSuccess(ctx context.Context, t persistence.Task, result string) error {
	nextRun, err := s.computeNextRun(t, time.Now())
	if err != nil {
		s.logger.Error("scheduler: compute next run failed", "task_id", t.ID, "schedule_type", t.ScheduleType, "error", err)
	}
	if err := s.store.UpdateTaskAfterRun(ctx, t.ID, nextRun, result); err != nil {
		s.logger.Error("scheduler: update task after run failed", "task_id", t.ID, "error", err)
	}
	if err := s.store.LogTaskRun(ctx, persistence.TaskRunLog{TaskID: t.ID, Success: true, Result: result}); err != nil {
		s.logger.Warn("scheduler: log task run failed", "task_id", t.ID, "error", err)
	}
	s.publish(bus.TopicTaskCompleted, t, "COMPLETED")
	return nil
}

// handleFailure applies §4.6's retry/exhaustion rule: retry while
// retryCount < maxRetries, otherwise pause (maxRetries=0 means never
// retry, so the first failure already satisfies retryCount >= maxRetries).
func (s *Scheduler) handleFailure(ctx context.Context, t persistence.Task, errMsg string) error {
	if err := s.store.LogTaskRun(ctx, persistence.TaskRunLog{TaskID: t.ID, Success: false, Error: errMsg}); err != nil {
		s.logger.Warn("scheduler: log task run failed", "task_id", t.ID, "error", err)
	}

	if t.RetryCount < t.MaxRetries {
		if err := s.store.ScheduleRetry(ctx, t.ID, t.RetryDelayMs); err != nil {
			s.logger.Error("scheduler: schedule retry failed", "task_id", t.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.TaskRetries.Add(ctx, 1)
		}
		s.logger.Warn("scheduler: task failed, retry scheduled",
			"task_id", t.ID, "retry", t.RetryCount+1, "max_retries", t.MaxRetries,
			"delay_ms", t.RetryDelayMs, "error", errMsg)
		s.publish(bus.TopicTaskRetrying, t, "RETRYING")
		return fmt.Errorf("task %s failed, retry %d/%d scheduled: %s", t.ID, t.RetryCount+1, t.MaxRetries, errMsg)
	}

	if err := s.store.PauseTaskExhausted(ctx, t.ID); err != nil {
		s.logger.Error("scheduler: pause exhausted task failed", "task_id", t.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.TaskFailures.Add(ctx, 1)
	}
	if t.MaxRetries > 0 && s.outbound != nil && t.ChatJID != "" {
		label := t.Label
		if label == "" {
			label = shortID(t.ID)
		}
		msg := fmt.Sprintf("Task %s has failed %d times in a row… Use resume_task to start again", label, t.MaxRetries)
		if err := s.outbound.SendText(t.ChatJID, msg); err != nil {
			s.logger.Warn("scheduler: notify exhausted task failed", "task_id", t.ID, "error", err)
		}
	}
	s.publish(bus.TopicTaskFailed, t, "PAUSED")
	return fmt.Errorf("task %s exhausted retries: %s", t.ID, errMsg)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// computeNextRun derives the next run time per schedule type. A nil
// result with a nil error means the task is a completed one-shot.
func (s *Scheduler) computeNextRun(t persistence.Task, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case "cron":
		sched, err := cronParser.Parse(t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", t.ScheduleValue, err)
		}
		next := sched.Next(now.In(s.loc))
		return &next, nil
	case "interval":
		ms, err := strconv.ParseInt(t.ScheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse interval value %q: %w", t.ScheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case "once":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// taskSnapshotEntry is the shape written into the group workspace so the
// worker can read its own schedule without querying the store directly.
type taskSnapshotEntry struct {
	ID            string `json:"id"`
	Label         string `json:"label,omitempty"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	Status        string `json:"status"`
	NextRunLocal  string `json:"nextRunLocal,omitempty"`
	Timezone      string `json:"timezone"`
}

const taskSnapshotFileName = ".goclaw-tasks.json"

// writeTaskSnapshot writes a filtered, local-time-rendered snapshot of
// the group's tasks into its workspace (§4.6's run-task action).
func (s *Scheduler) writeTaskSnapshot(ctx context.Context, t persistence.Task) {
	if s.workspacesDir == "" {
		return
	}
	tasks, err := s.store.GetAllTasks(ctx, "", t.GroupFolder)
	if err != nil {
		s.logger.Warn("scheduler: list group tasks for snapshot failed", "group", t.GroupFolder, "error", err)
		return
	}

	snapshot := make([]taskSnapshotEntry, 0, len(tasks))
	for _, task := range tasks {
		entry := taskSnapshotEntry{
			ID: task.ID, Label: task.Label, Prompt: task.Prompt,
			ScheduleType: task.ScheduleType, ScheduleValue: task.ScheduleValue,
			Status: task.Status, Timezone: s.loc.String(),
		}
		if task.NextRun != nil {
			entry.NextRunLocal = task.NextRun.In(s.loc).Format(time.RFC3339)
		}
		snapshot = append(snapshot, entry)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.logger.Warn("scheduler: marshal task snapshot failed", "group", t.GroupFolder, "error", err)
		return
	}
	dir := filepath.Join(s.workspacesDir, t.GroupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("scheduler: create workspace for snapshot failed", "group", t.GroupFolder, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, taskSnapshotFileName), data, 0o644); err != nil {
		s.logger.Warn("scheduler: write task snapshot failed", "group", t.GroupFolder, "error", err)
	}
}

func (s *Scheduler) publish(topic string, t persistence.Task, newStatus string) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(topic, bus.TaskStateChangedEvent{
		TaskID: t.ID, GroupKey: schedKeyPrefix + t.ID, OldStatus: t.Status, NewStatus: newStatus,
	})
}
