package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HeartbeatJob statuses mirror task statuses minus the "completed" terminal
// state: heartbeat jobs are recurring by nature (§3).
const (
	HeartbeatStatusActive = "active"
	HeartbeatStatusPaused = "paused"
)

// HeartbeatJob is a recurring background check bound to a chat (§3).
type HeartbeatJob struct {
	ID         string
	ChatJID    string
	Label      string
	Prompt     string
	Category   string // custom | silence-watch | ...
	Status     string
	IntervalMs *int
	LastRun    *time.Time
	LastResult string
	CreatedAt  time.Time
	CreatedBy  string
}

// HeartbeatJobLog is an append-only run record for a HeartbeatJob.
type HeartbeatJobLog struct {
	ID      int64
	JobID   string
	RanAt   time.Time
	Success bool
	Result  string
	Error   string
}

const heartbeatJobColumns = `id, chat_jid, label, prompt, category, status,
	interval_ms, last_run, last_result, created_at, created_by`

func scanHeartbeatJob(row interface {
	Scan(dest ...any) error
}) (HeartbeatJob, error) {
	var j HeartbeatJob
	var intervalMs sql.NullInt64
	var lastRun, lastResult sql.NullString
	var createdAt string

	if err := row.Scan(
		&j.ID, &j.ChatJID, &j.Label, &j.Prompt, &j.Category, &j.Status,
		&intervalMs, &lastRun, &lastResult, &createdAt, &j.CreatedBy,
	); err != nil {
		return HeartbeatJob{}, err
	}
	if intervalMs.Valid {
		v := int(intervalMs.Int64)
		j.IntervalMs = &v
	}
	if lastRun.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, lastRun.String)
		if err != nil {
			return HeartbeatJob{}, fmt.Errorf("parse last_run: %w", err)
		}
		j.LastRun = &parsed
	}
	j.LastResult = lastResult.String

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return HeartbeatJob{}, fmt.Errorf("parse created_at: %w", err)
	}
	j.CreatedAt = parsed
	return j, nil
}

// CreateHeartbeatJob inserts a new HeartbeatJob.
func (s *Store) CreateHeartbeatJob(ctx context.Context, j HeartbeatJob) (string, error) {
	if j.ID == "" {
		return "", fmt.Errorf("persistence: heartbeat job ID is required")
	}
	if j.Status == "" {
		j.Status = HeartbeatStatusActive
	}
	if j.Category == "" {
		j.Category = "custom"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_jobs (
			id, chat_jid, label, prompt, category, status, interval_ms, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, j.ID, j.ChatJID, j.Label, j.Prompt, j.Category, j.Status, j.IntervalMs, nowRFC3339(), j.CreatedBy)
	if err != nil {
		return "", fmt.Errorf("create heartbeat job: %w", err)
	}
	return j.ID, nil
}

// GetHeartbeatJobByID returns the job with the given ID, or ErrNotFound.
func (s *Store) GetHeartbeatJobByID(ctx context.Context, id string) (HeartbeatJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+heartbeatJobColumns+` FROM heartbeat_jobs WHERE id = ?;`, id)
	j, err := scanHeartbeatJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HeartbeatJob{}, ErrNotFound
	}
	if err != nil {
		return HeartbeatJob{}, fmt.Errorf("get heartbeat job: %w", err)
	}
	return j, nil
}

// GetHeartbeatJobsForChat returns all active (and, if includePaused, paused)
// heartbeat jobs bound to chatJID, ordered by creation time.
func (s *Store) GetHeartbeatJobsForChat(ctx context.Context, chatJID string, includePaused bool) ([]HeartbeatJob, error) {
	query := `SELECT ` + heartbeatJobColumns + ` FROM heartbeat_jobs WHERE chat_jid = ?`
	args := []any{chatJID}
	if !includePaused {
		query += ` AND status = ?`
		args = append(args, HeartbeatStatusActive)
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat jobs: %w", err)
	}
	defer rows.Close()

	var jobs []HeartbeatJob
	for rows.Next() {
		j, err := scanHeartbeatJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetAllHeartbeatJobs returns every heartbeat job, ordered by creation time.
func (s *Store) GetAllHeartbeatJobs(ctx context.Context) ([]HeartbeatJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+heartbeatJobColumns+` FROM heartbeat_jobs ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list all heartbeat jobs: %w", err)
	}
	defer rows.Close()

	var jobs []HeartbeatJob
	for rows.Next() {
		j, err := scanHeartbeatJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateHeartbeatJobAfterRun records a completed run's outcome.
func (s *Store) UpdateHeartbeatJobAfterRun(ctx context.Context, id, resultSummary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_jobs SET last_run = ?, last_result = ? WHERE id = ?;
	`, nowRFC3339(), resultSummary, id)
	if err != nil {
		return fmt.Errorf("update heartbeat job after run: %w", err)
	}
	return nil
}

// SetHeartbeatJobStatus pauses or resumes a heartbeat job.
func (s *Store) SetHeartbeatJobStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE heartbeat_jobs SET status = ? WHERE id = ?;`, status, id)
	if err != nil {
		return fmt.Errorf("set heartbeat job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set heartbeat job status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeatJobField sets a single mutable field on a heartbeat job,
// used by /hbjob label|prompt|interval|category. field must be one of
// "label", "prompt", "category", "interval_ms".
func (s *Store) UpdateHeartbeatJobField(ctx context.Context, id, field string, value any) error {
	switch field {
	case "label", "prompt", "category", "interval_ms":
	default:
		return fmt.Errorf("persistence: unknown heartbeat job field %q", field)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE heartbeat_jobs SET `+field+` = ? WHERE id = ?;`, value, id)
	if err != nil {
		return fmt.Errorf("update heartbeat job %s: %w", field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update heartbeat job %s rows affected: %w", field, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteHeartbeatJob removes a heartbeat job and its logs (ON DELETE CASCADE).
func (s *Store) DeleteHeartbeatJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeat_jobs WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete heartbeat job rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LogHeartbeatJobRun appends a HeartbeatJobLog row.
func (s *Store) LogHeartbeatJobRun(ctx context.Context, log HeartbeatJobLog) error {
	ranAt := log.RanAt
	if ranAt.IsZero() {
		ranAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_job_logs (job_id, ran_at, success, result, error) VALUES (?, ?, ?, ?, ?);
	`, log.JobID, ranAt.UTC().Format(timeLayout), log.Success, log.Result, log.Error)
	if err != nil {
		return fmt.Errorf("log heartbeat job run: %w", err)
	}
	return nil
}

// GetHeartbeatJobLogs returns the most recent limit run logs, newest first.
func (s *Store) GetHeartbeatJobLogs(ctx context.Context, jobID string, limit int) ([]HeartbeatJobLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, ran_at, success, result, error FROM heartbeat_job_logs
		WHERE job_id = ? ORDER BY id DESC LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("get heartbeat job logs: %w", err)
	}
	defer rows.Close()

	var logs []HeartbeatJobLog
	for rows.Next() {
		var l HeartbeatJobLog
		var ranAt string
		var result, errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.JobID, &ranAt, &l.Success, &result, &errMsg); err != nil {
			return nil, fmt.Errorf("scan heartbeat job log: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ranAt)
		if err != nil {
			return nil, fmt.Errorf("parse ran_at: %w", err)
		}
		l.RanAt = parsed
		l.Result = result.String
		l.Error = errMsg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
