// Package history persists the rolling restart's per-node event log so a
// completed or failed run can be inspected after the fact.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/brokerops/rollingrestart/internal/database"
	"github.com/brokerops/rollingrestart/internal/orchestrator"
)

// row mirrors node_restart_history's columns for sqlx struct scanning.
type row struct {
	RunID      string    `db:"run_id"`
	NodeID     string    `db:"node_id"`
	NodeName   string    `db:"node_name"`
	Sequence   int       `db:"sequence"`
	Phase      string    `db:"phase"`
	Status     string    `db:"status"`
	Message    string    `db:"message"`
	DurationMs int64     `db:"duration_ms"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (r row) toRecord() orchestrator.NodeRestartRecord {
	return orchestrator.NodeRestartRecord{
		RunID:     r.RunID,
		NodeID:    r.NodeID,
		NodeName:  r.NodeName,
		Sequence:  r.Sequence,
		Phase:     r.Phase,
		Status:    r.Status,
		Message:   r.Message,
		Duration:  time.Duration(r.DurationMs) * time.Millisecond,
		Timestamp: r.OccurredAt,
	}
}

// Repository persists NodeRestartRecord events to PostgreSQL. It satisfies
// orchestrator.HistoryRecorder.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps an already-open sqlx.DB.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Open connects to databaseURL, runs pending migrations from migrationsPath
// and returns a ready Repository plus a closer for the underlying pool.
func Open(databaseURL, migrationsPath string) (*Repository, func() error, error) {
	pool, err := database.NewConnectionPoolFromURL(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("history: connect: %w", err)
	}

	if migrationsPath != "" {
		if err := database.RunMigrationsFromURL(databaseURL, migrationsPath); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("history: migrate: %w", err)
		}
	}

	db := sqlx.NewDb(pool.DB(), "postgres")
	return &Repository{db: db}, pool.Close, nil
}

// RecordEvent inserts one phase-transition or terminal-outcome row.
func (r *Repository) RecordEvent(ctx context.Context, rec orchestrator.NodeRestartRecord) error {
	const query = `
		INSERT INTO node_restart_history
			(run_id, node_id, node_name, sequence, phase, status, message, duration_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.ExecContext(ctx, query,
		rec.RunID, rec.NodeID, rec.NodeName, rec.Sequence, rec.Phase, rec.Status, rec.Message,
		rec.Duration.Milliseconds(), ts,
	)
	if err != nil {
		return fmt.Errorf("history: record event: %w", err)
	}
	return nil
}

// ListByRun returns every recorded event for one run, in the order they
// occurred.
func (r *Repository) ListByRun(ctx context.Context, runID string) ([]orchestrator.NodeRestartRecord, error) {
	const query = `
		SELECT run_id, node_id, node_name, sequence, phase, status, message, duration_ms, occurred_at
		FROM node_restart_history
		WHERE run_id = $1
		ORDER BY sequence ASC, occurred_at ASC
	`
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("history: list by run: %w", err)
	}
	return toRecords(rows), nil
}

// ListRecent returns the most recent events across all runs, newest first,
// bounded by limit.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]orchestrator.NodeRestartRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT run_id, node_id, node_name, sequence, phase, status, message, duration_ms, occurred_at
		FROM node_restart_history
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("history: list recent: %w", err)
	}
	return toRecords(rows), nil
}

func toRecords(rows []row) []orchestrator.NodeRestartRecord {
	out := make([]orchestrator.NodeRestartRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out
}
