package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageRecord is one billed interaction, recorded for the usage aggregates
// §6's control plane exposes.
type UsageRecord struct {
	Timestamp      time.Time
	UserID         string
	Tier           string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	EstimatedCost  float64
	ResponseTimeMs int64
}

// UsageTotals summarizes a window of UsageRecord rows.
type UsageTotals struct {
	Count          int64
	InputTokens    int64
	OutputTokens   int64
	EstimatedCost  float64
	AvgResponseMs  float64
}

// RecordUsage inserts a single usage row.
func (s *Store) RecordUsage(ctx context.Context, r UsageRecord) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_tracking (
			timestamp, user_id, tier, model, input_tokens, output_tokens,
			estimated_cost_usd, response_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, ts.UTC().Format(timeLayout), r.UserID, r.Tier, r.Model,
		r.InputTokens, r.OutputTokens, r.EstimatedCost, r.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageSince aggregates every usage row with timestamp >= since.
func (s *Store) UsageSince(ctx context.Context, since time.Time) (UsageTotals, error) {
	var totals UsageTotals
	var avgResponse sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(estimated_cost_usd), 0), AVG(response_time_ms)
		FROM usage_tracking WHERE timestamp >= ?;
	`, since.UTC().Format(timeLayout))
	if err := row.Scan(&totals.Count, &totals.InputTokens, &totals.OutputTokens,
		&totals.EstimatedCost, &avgResponse); err != nil {
		return UsageTotals{}, fmt.Errorf("usage since: %w", err)
	}
	if avgResponse.Valid {
		totals.AvgResponseMs = avgResponse.Float64
	}
	return totals, nil
}

// UsageToday aggregates usage recorded since the start of the current UTC day.
func (s *Store) UsageToday(ctx context.Context, now time.Time) (UsageTotals, error) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.UsageSince(ctx, startOfDay)
}

// UsageThisMonth aggregates usage recorded since the start of the current
// UTC month.
func (s *Store) UsageThisMonth(ctx context.Context, now time.Time) (UsageTotals, error) {
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.UsageSince(ctx, startOfMonth)
}
