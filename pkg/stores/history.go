// Package stores persists run history in SQLite.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opsrig/opsrig/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunRecord is one row of run history.
type RunRecord struct {
	ID        string
	Playbook  string
	Check     bool
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
}

// HostRecord is the per-host recap stored with a run.
type HostRecord struct {
	Host    string
	Summary engine.HostSummary
}

// History stores playbook run outcomes in a local SQLite database.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the history database at path and
// applies pending migrations.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// Close releases the database.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(h.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
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

// SaveRun records a completed run and its per-host recap.
func (h *History) SaveRun(ctx context.Context, result *engine.RunResult) error {
	status := "succeeded"
	if result.Failed() {
		status = "failed"
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, playbook, check_mode, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Playbook, result.Check, status, result.Started, result.Ended,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for host, s := range result.Summary {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_hosts (run_id, host, ok, changed, failed, skipped, unreachable, ignored)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, host, s.OK, s.Changed, s.Failed, s.Skipped, s.Unreachable, s.Ignored,
		)
		if err != nil {
			return fmt.Errorf("failed to insert host recap: %w", err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (h *History) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, playbook, check_mode, status, started_at, ended_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Playbook, &r.Check, &r.Status, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run and its host recaps.
func (h *History) GetRun(ctx context.Context, id string) (*RunRecord, []HostRecord, error) {
	var r RunRecord
	err := h.db.QueryRowContext(ctx, `
		SELECT id, playbook, check_mode, status, started_at, ended_at
		FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Playbook, &r.Check, &r.Status, &r.StartedAt, &r.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT host, ok, changed, failed, skipped, unreachable, ignored
		FROM run_hosts WHERE run_id = ? ORDER BY host`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list host recaps: %w", err)
	}
	defer rows.Close()

	var hosts []HostRecord
	for rows.Next() {
		var hr HostRecord
		if err := rows.Scan(&hr.Host, &hr.Summary.OK, &hr.Summary.Changed, &hr.Summary.Failed,
			&hr.Summary.Skipped, &hr.Summary.Unreachable, &hr.Summary.Ignored); err != nil {
			return nil, nil, fmt.Errorf("failed to scan host recap: %w", err)
		}
		hosts = append(hosts, hr)
	}
	return &r, hosts, rows.Err()
}
