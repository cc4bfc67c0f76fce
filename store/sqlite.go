package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// A single-file database suited to single-node deployments: zero setup, WAL
// mode for concurrent reads, and transactional writes. Use ":memory:" for an
// ephemeral database in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	pendingTable := `
	CREATE TABLE IF NOT EXISTS pending_jobs (
		job_id TEXT NOT NULL PRIMARY KEY,
		start_time TIMESTAMP NOT NULL,
		params TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)
	`
	if _, err := s.db.ExecContext(ctx, pendingTable); err != nil {
		return fmt.Errorf("failed to create pending_jobs table: %w", err)
	}

	resultsTable := `
	CREATE TABLE IF NOT EXISTS job_results (
		job_id TEXT NOT NULL PRIMARY KEY,
		status TEXT NOT NULL,
		prompt TEXT NOT NULL,
		winner_id TEXT NOT NULL DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	)
	`
	if _, err := s.db.ExecContext(ctx, resultsTable); err != nil {
		return fmt.Errorf("failed to create job_results table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_job_results_finished ON job_results(finished_at)"); err != nil {
		return fmt.Errorf("failed to create idx_job_results_finished: %w", err)
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SavePending records an in-flight job for crash recovery.
func (s *SQLiteStore) SavePending(ctx context.Context, p PendingJob) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_jobs (job_id, start_time, params)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET start_time = excluded.start_time, params = excluded.params
	`, p.JobID, p.StartTime.UTC(), string(p.Params))
	if err != nil {
		return fmt.Errorf("failed to save pending job: %w", err)
	}
	return nil
}

// DeletePending removes a crash-recovery record.
func (s *SQLiteStore) DeletePending(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_jobs WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete pending job: %w", err)
	}
	return nil
}

// ListPending returns in-flight records, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]PendingJob, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, start_time, params FROM pending_jobs ORDER BY start_time ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingJob
	for rows.Next() {
		var (
			p      PendingJob
			params string
			start  time.Time
		)
		if err := rows.Scan(&p.JobID, &start, &params); err != nil {
			return nil, fmt.Errorf("failed to scan pending job: %w", err)
		}
		p.StartTime = start
		p.Params = []byte(params)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveResult records a finished run.
func (s *SQLiteStore) SaveResult(ctx context.Context, r JobRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	var meta any
	if r.Metadata != nil {
		meta = string(r.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, status, prompt, winner_id, cost_usd, metadata, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			winner_id = excluded.winner_id,
			cost_usd = excluded.cost_usd,
			metadata = excluded.metadata,
			finished_at = excluded.finished_at
	`, r.JobID, r.Status, r.Prompt, r.WinnerID, r.CostUSD, meta, r.CreatedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}
	return nil
}

// GetResult retrieves one finished run.
func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (JobRecord, error) {
	if err := s.guard(); err != nil {
		return JobRecord{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, status, prompt, winner_id, cost_usd, metadata, created_at, finished_at
		FROM job_results WHERE job_id = ?
	`, jobID)
	r, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("failed to load job result: %w", err)
	}
	return r, nil
}

// ListResults returns finished runs, newest first.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]JobRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	q := `
		SELECT job_id, status, prompt, winner_id, cost_usd, metadata, created_at, finished_at
		FROM job_results ORDER BY finished_at DESC
	`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+" LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list job results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (JobRecord, error) {
	var (
		r    JobRecord
		meta sql.NullString
	)
	err := scan(&r.JobID, &r.Status, &r.Prompt, &r.WinnerID, &r.CostUSD, &meta, &r.CreatedAt, &r.FinishedAt)
	if err != nil {
		return JobRecord{}, err
	}
	if meta.Valid {
		r.Metadata = []byte(meta.String)
	}
	return r, nil
}

// Close closes the database. Further calls return errors.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
