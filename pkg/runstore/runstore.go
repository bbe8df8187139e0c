// Package runstore persists orchestration run summaries to SQLite. The store
// is advisory: orchestration succeeds even when run history cannot be
// written, and callers decide whether a save failure is fatal.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("runstore: run not found")

// Run is one orchestration run summary.
type Run struct {
	RunID      string         `json:"run_id"`
	Query      string         `json:"query"`
	Strategy   string         `json:"strategy"`
	Success    bool           `json:"success"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Store wraps the runs table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	return New(db)
}

// New wraps an existing database handle and migrates it.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		strategy TEXT NOT NULL,
		success INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		payload JSON
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("runstore: migrate: %w", err)
	}
	return nil
}

// Save inserts one run summary.
func (s *Store) Save(ctx context.Context, r *Run) error {
	query := `INSERT INTO runs (
		run_id, query, strategy, success, completed, failed, skipped, duration_ms, created_at, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	payloadJSON, _ := json.Marshal(r.Payload)
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		r.RunID, r.Query, r.Strategy, boolToInt(r.Success),
		r.Completed, r.Failed, r.Skipped, r.DurationMS,
		createdAt.UTC().Format(time.RFC3339Nano), string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("runstore: insert run %s: %w", r.RunID, err)
	}
	return nil
}

const selectColumns = `run_id, query, strategy, success, completed, failed, skipped, duration_ms, created_at, payload`

// Get returns one run by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return run, nil
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var (
		r           Run
		success     int
		createdAt   string
		payloadJSON sql.NullString
	)
	err := row.Scan(&r.RunID, &r.Query, &r.Strategy, &success,
		&r.Completed, &r.Failed, &r.Skipped, &r.DurationMS,
		&createdAt, &payloadJSON)
	if err != nil {
		return nil, err
	}
	r.Success = success != 0
	if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		r.CreatedAt = ts
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &r.Payload)
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
