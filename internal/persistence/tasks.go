package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses, per §3's ScheduledTask.status domain.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
)

// ErrNotFound is returned when a task or job lookup finds no matching row.
var ErrNotFound = errors.New("persistence: not found")

// Task mirrors §3's ScheduledTask entity.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // cron | interval | once
	ScheduleValue string
	ContextMode   string // group | isolated
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        string
	CreatedAt     time.Time
	RetryCount    int
	MaxRetries    int
	RetryDelayMs  int
	TaskTimeoutMs *int
	Label         string
}

// TaskRunLog is an append-only run record for a Task.
type TaskRunLog struct {
	ID      int64
	TaskID  string
	RanAt   time.Time
	Success bool
	Result  string
	Error   string
}

func nowRFC3339() string {
	return time.Now().UTC().Format(timeLayout)
}

// CreateTask inserts a new ScheduledTask and returns its ID.
func (s *Store) CreateTask(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("persistence: task ID is required")
	}
	if t.ContextMode == "" {
		t.ContextMode = "group"
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	if t.RetryDelayMs <= 0 {
		t.RetryDelayMs = 1000
	}

	var nextRun any
	if t.NextRun != nil {
		nextRun = t.NextRun.UTC().Format(timeLayout)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, next_run, status, created_at, retry_count, max_retries,
			retry_delay_ms, task_timeout_ms, label
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
	`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nextRun, t.Status, nowRFC3339(), t.MaxRetries,
		t.RetryDelayMs, t.TaskTimeoutMs, t.Label)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (Task, error) {
	var t Task
	var nextRun, lastRun sql.NullString
	var lastResult, label sql.NullString
	var taskTimeoutMs sql.NullInt64
	var createdAt string

	err := row.Scan(
		&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &nextRun, &lastRun, &lastResult, &t.Status, &createdAt,
		&t.RetryCount, &t.MaxRetries, &t.RetryDelayMs, &taskTimeoutMs, &label,
	)
	if err != nil {
		return Task{}, err
	}
	if nextRun.Valid {
		parsed, perr := time.Parse(time.RFC3339Nano, nextRun.String)
		if perr != nil {
			return Task{}, fmt.Errorf("parse next_run: %w", perr)
		}
		t.NextRun = &parsed
	}
	if lastRun.Valid {
		parsed, perr := time.Parse(time.RFC3339Nano, lastRun.String)
		if perr != nil {
			return Task{}, fmt.Errorf("parse last_run: %w", perr)
		}
		t.LastRun = &parsed
	}
	t.LastResult = lastResult.String
	t.Label = label.String
	if taskTimeoutMs.Valid {
		v := int(taskTimeoutMs.Int64)
		t.TaskTimeoutMs = &v
	}
	createdParsed, perr := time.Parse(time.RFC3339Nano, createdAt)
	if perr != nil {
		return Task{}, fmt.Errorf("parse created_at: %w", perr)
	}
	t.CreatedAt = createdParsed
	return t, nil
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	context_mode, next_run, last_run, last_result, status, created_at,
	retry_count, max_retries, retry_delay_ms, task_timeout_ms, label`

// GetTaskByID returns the task with the given ID, or ErrNotFound.
func (s *Store) GetTaskByID(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetAllTasks returns every task, optionally filtered by status and group
// folder (empty string = no filter on that dimension). Default (both empty)
// excludes status='cancelled' per §6.
func (s *Store) GetAllTasks(ctx context.Context, status, group string) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	} else {
		query += ` AND status != ?`
		args = append(args, TaskStatusCancelled)
	}
	if group != "" {
		query += ` AND group_folder = ?`
		args = append(args, group)
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetDueTasks returns tasks where status='active' AND next_run <= now AND
// next_run != sentinel, ordered by next_run ascending (§6).
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? AND next_run != ?
		ORDER BY next_run ASC;
	`, TaskStatusActive, now.UTC().Format(timeLayout), Sentinel)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask performs the ONE multi-writer critical section in this system
// (§4.6/§9): a conditional UPDATE that sets next_run to the sentinel iff the
// task is still active and due. It returns true iff exactly one row changed.
func (s *Store) ClaimTask(ctx context.Context, id string, now time.Time) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_run = ?
			WHERE id = ? AND status = ? AND next_run IS NOT NULL
			  AND next_run <= ? AND next_run != ?;
		`, Sentinel, id, TaskStatusActive, now.UTC().Format(timeLayout), Sentinel)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return claimed, nil
}

// RecoverStaleClaims resets any active task whose next_run is still the
// sentinel back to now, so it becomes reclaimable. Safe to run repeatedly
// (§8 P9): a task that actually completed has already moved off the
// sentinel, so only orphaned claims (crash mid-run) are touched.
func (s *Store) RecoverStaleClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run = ? WHERE status = ? AND next_run = ?;
	`, nowRFC3339(), TaskStatusActive, Sentinel)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale claims rows affected: %w", err)
	}
	return n, nil
}

// CancelTask sets status='cancelled'. Idempotent: cancelling an
// already-cancelled task succeeds without error (§5).
func (s *Store) CancelTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, TaskStatusCancelled, id)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// PauseTask manually pauses an active task (HTTP "pause" action, §6, as
// opposed to PauseTaskExhausted's retry-budget exhaustion path). Requires
// the task's current status to be 'active'; returns ErrNotFound otherwise
// so the caller can distinguish "no such task" from "wrong state".
func (s *Store) PauseTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, next_run = NULL WHERE id = ? AND status = ?;
	`, TaskStatusPaused, id, TaskStatusActive)
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pause task rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskAfterRun records a successful run: nextRun=nil transitions a
// once-task to status='completed'; a non-nil nextRun keeps status='active'
// and resets retry_count to 0 (I4). last_result is stored as resultSummary.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, resultSummary string) error {
	now := nowRFC3339()
	if nextRun == nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_run = NULL, status = ?, last_run = ?, last_result = ?, retry_count = 0
			WHERE id = ?;
		`, TaskStatusCompleted, now, resultSummary, id)
		if err != nil {
			return fmt.Errorf("update task after run (complete): %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run = ?, status = ?, last_run = ?, last_result = ?, retry_count = 0
		WHERE id = ?;
	`, nextRun.UTC().Format(timeLayout), TaskStatusActive, now, resultSummary, id)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

// ScheduleRetry sets next_run = now + delayMs and increments retry_count.
// Fixed delay, no jitter — see SPEC_FULL.md's Open Question (a) resolution.
func (s *Store) ScheduleRetry(ctx context.Context, id string, delayMs int) error {
	next := time.Now().UTC().Add(time.Duration(delayMs) * time.Millisecond)
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run = ?, retry_count = retry_count + 1 WHERE id = ?;
	`, next.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// PauseTaskExhausted marks a task paused after its retry budget is
// exhausted (§4.6: retryCount >= maxRetries, maxRetries > 0).
func (s *Store) PauseTaskExhausted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, next_run = NULL WHERE id = ?;`, TaskStatusPaused, id)
	if err != nil {
		return fmt.Errorf("pause exhausted task: %w", err)
	}
	return nil
}

// ResumeTask reactivates a paused task, scheduling its next run for now.
// Requires the task's current status to be 'paused'; returns ErrNotFound
// otherwise.
func (s *Store) ResumeTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, next_run = ?, retry_count = 0 WHERE id = ? AND status = ?;
	`, TaskStatusActive, nowRFC3339(), id, TaskStatusPaused)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resume task rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RunTaskNow sets next_run=now on an active task (HTTP "run" action, §6).
// Requires the task's current status to be 'active'; returns ErrNotFound
// otherwise.
func (s *Store) RunTaskNow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run = ? WHERE id = ? AND status = ?;
	`, nowRFC3339(), id, TaskStatusActive)
	if err != nil {
		return fmt.Errorf("run task now: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run task now rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LogTaskRun appends a TaskRunLog row.
func (s *Store) LogTaskRun(ctx context.Context, log TaskRunLog) error {
	ranAt := log.RanAt
	if ranAt.IsZero() {
		ranAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, ran_at, success, result, error) VALUES (?, ?, ?, ?, ?);
	`, log.TaskID, ranAt.UTC().Format(timeLayout), log.Success, log.Result, log.Error)
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

// GetTaskRunLogs returns the most recent limit run logs for a task, newest first.
func (s *Store) GetTaskRunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, ran_at, success, result, error FROM task_run_logs
		WHERE task_id = ? ORDER BY id DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("get task run logs: %w", err)
	}
	defer rows.Close()

	var logs []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var ranAt string
		var result, errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &ranAt, &l.Success, &result, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task run log: %w", err)
		}
		parsed, perr := time.Parse(time.RFC3339Nano, ranAt)
		if perr != nil {
			return nil, fmt.Errorf("parse ran_at: %w", perr)
		}
		l.RanAt = parsed
		l.Result = result.String
		l.Error = errMsg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// TaskStats summarizes §6's GET /scheduler/stats response.
type TaskStats struct {
	Total       int
	ByStatus    map[string]int
	DueSoon     int // active, next_run within the next 24h
	Overdue     int // active, next_run in the past
	WithRetries int // active or paused, retry_count > 0
}

// TaskStats computes the aggregates §6's /scheduler/stats endpoint returns.
func (s *Store) TaskStats(ctx context.Context, now time.Time) (TaskStats, error) {
	stats := TaskStats{ByStatus: map[string]int{
		TaskStatusActive: 0, TaskStatusPaused: 0, TaskStatusCompleted: 0, TaskStatusCancelled: 0,
	}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return TaskStats{}, fmt.Errorf("task stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return TaskStats{}, fmt.Errorf("scan task stats row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return TaskStats{}, err
	}
	rows.Close()

	dueSoonCutoff := now.Add(24 * time.Hour).UTC().Format(timeLayout)
	nowStr := now.UTC().Format(timeLayout)

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run != ? AND next_run > ? AND next_run <= ?;
	`, TaskStatusActive, Sentinel, nowStr, dueSoonCutoff).Scan(&stats.DueSoon); err != nil {
		return TaskStats{}, fmt.Errorf("due soon count: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run != ? AND next_run <= ?;
	`, TaskStatusActive, Sentinel, nowStr).Scan(&stats.Overdue); err != nil {
		return TaskStats{}, fmt.Errorf("overdue count: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status IN (?, ?) AND retry_count > 0;
	`, TaskStatusActive, TaskStatusPaused).Scan(&stats.WithRetries); err != nil {
		return TaskStats{}, fmt.Errorf("with retries count: %w", err)
	}

	return stats, nil
}
