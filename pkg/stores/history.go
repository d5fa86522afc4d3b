// Package stores persists reconciliation run history in SQLite. The History
// store implements engine.HistoryRecorder so the reconciler can stream run
// and per-resource outcomes into it, and exposes query methods for the CLI.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/strata-deploy/strata/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds history store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// History is the SQLite-backed run history store.
type History struct {
	db  *sql.DB
	cfg Config

	// environment tags runs started through this store instance.
	environment string
}

// NewHistory creates a history store for the given database path.
func NewHistory(cfg Config) (*History, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &History{cfg: cfg}, nil
}

// Init opens the database and runs migrations.
func (h *History) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", h.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(h.cfg.MaxOpenConns)
	db.SetMaxIdleConns(h.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(h.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	h.db = db
	return h.migrate()
}

// Close closes the database connection.
func (h *History) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

func (h *History) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(h.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ForEnvironment returns a shallow copy that tags new runs with env.
func (h *History) ForEnvironment(env string) *History {
	copied := *h
	copied.environment = env
	return &copied
}

// StartRun implements engine.HistoryRecorder.
func (h *History) StartRun(ctx context.Context, runID string, dryRun bool) error {
	query := `
		INSERT INTO runs (id, environment, dry_run, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, query, runID, h.environment, dryRun, RunStatusRunning, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordResult implements engine.HistoryRecorder.
func (h *History) RecordResult(ctx context.Context, runID string, result engine.ApplyResult) error {
	var errClass, errCode, errMessage *string
	if result.Err != nil {
		class := string(result.Err.Class)
		code := result.Err.Code
		msg := result.Err.Message
		errClass, errCode, errMessage = &class, &code, &msg
	}

	changes := ""
	if len(result.Changes) > 0 {
		encoded, err := json.Marshal(result.Changes)
		if err != nil {
			return fmt.Errorf("failed to encode change set: %w", err)
		}
		changes = string(encoded)
	}

	var startedAt, completedAt *time.Time
	if !result.StartedAt.IsZero() {
		startedAt = &result.StartedAt
	}
	if !result.CompletedAt.IsZero() {
		completedAt = &result.CompletedAt
	}

	query := `
		INSERT INTO results (
			run_id, kind, identifier, action, state,
			error_class, error_code, error_message, changes,
			started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, query,
		runID,
		string(result.Ref.Kind),
		result.Ref.Identifier,
		string(result.Action),
		string(result.State),
		errClass,
		errCode,
		errMessage,
		changes,
		startedAt,
		completedAt,
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// FinishRun implements engine.HistoryRecorder.
func (h *History) FinishRun(ctx context.Context, report *engine.RunReport) error {
	status := RunStatusSucceeded
	if report.Summary.Failed > 0 {
		status = RunStatusFailed
	}

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ms = ?,
			total = ?, created = ?, updated = ?, deleted = ?,
			unchanged = ?, failed = ?, skipped = ?
		WHERE id = ?
	`
	result, err := h.db.ExecContext(ctx, query,
		status,
		report.CompletedAt.UTC(),
		report.Duration.Milliseconds(),
		report.Summary.Total,
		report.Summary.Created,
		report.Summary.Updated,
		report.Summary.Deleted,
		report.Summary.Unchanged,
		report.Summary.Failed,
		report.Summary.Skipped,
		report.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run completion: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", report.RunID)
	}
	return nil
}

const runColumns = `
	id, environment, dry_run, status, started_at, completed_at, duration_ms,
	total, created, updated, deleted, unchanged, failed, skipped
`

func scanRun(scan func(dest ...interface{}) error) (*RunRecord, error) {
	run := &RunRecord{}
	err := scan(
		&run.ID,
		&run.Environment,
		&run.DryRun,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMS,
		&run.Total,
		&run.Created,
		&run.Updated,
		&run.Deleted,
		&run.Unchanged,
		&run.Failed,
		&run.Skipped,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (h *History) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	run, err := scanRun(h.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("run not found: "+id, nil).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first, optionally filtered by environment.
func (h *History) ListRuns(ctx context.Context, environment string, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if environment != "" {
		query += ` WHERE environment = ?`
		args = append(args, environment)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListResults returns a run's per-resource outcomes in insertion order.
func (h *History) ListResults(ctx context.Context, runID string) ([]*ResultRecord, error) {
	query := `
		SELECT id, run_id, kind, identifier, action, state,
			error_class, error_code, error_message, changes,
			started_at, completed_at, duration_ms
		FROM results
		WHERE run_id = ?
		ORDER BY id
	`
	rows, err := h.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []*ResultRecord{}
	for rows.Next() {
		r := &ResultRecord{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Kind,
			&r.Identifier,
			&r.Action,
			&r.State,
			&r.ErrorClass,
			&r.ErrorCode,
			&r.ErrorMessage,
			&r.Changes,
			&r.StartedAt,
			&r.CompletedAt,
			&r.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// PruneRuns deletes runs older than the cutoff and returns how many were
// removed. Results cascade.
func (h *History) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}
