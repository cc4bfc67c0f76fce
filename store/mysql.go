package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Suited to shared deployments where several service instances record into
// one history, or where history must outlive the host. Uses connection
// pooling and upsert writes.
//
// The DSN must include parseTime=true so timestamp columns scan into
// time.Time:
//
//	user:pass@tcp(localhost:3306)/beamgen?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a pooled connection to dsn, verifies it, and runs
// migrations.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	pendingTable := `
	CREATE TABLE IF NOT EXISTS pending_jobs (
		job_id VARCHAR(64) NOT NULL PRIMARY KEY,
		start_time DATETIME(6) NOT NULL,
		params JSON NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)
	`
	if _, err := s.db.ExecContext(ctx, pendingTable); err != nil {
		return fmt.Errorf("failed to create pending_jobs table: %w", err)
	}

	resultsTable := `
	CREATE TABLE IF NOT EXISTS job_results (
		job_id VARCHAR(64) NOT NULL PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		prompt TEXT NOT NULL,
		winner_id VARCHAR(32) NOT NULL DEFAULT '',
		cost_usd DOUBLE NOT NULL DEFAULT 0,
		metadata JSON,
		created_at DATETIME(6) NOT NULL,
		finished_at DATETIME(6) NOT NULL,
		INDEX idx_job_results_finished (finished_at)
	)
	`
	if _, err := s.db.ExecContext(ctx, resultsTable); err != nil {
		return fmt.Errorf("failed to create job_results table: %w", err)
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SavePending records an in-flight job for crash recovery.
func (s *MySQLStore) SavePending(ctx context.Context, p PendingJob) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_jobs (job_id, start_time, params)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE start_time = VALUES(start_time), params = VALUES(params)
	`, p.JobID, p.StartTime.UTC(), string(p.Params))
	if err != nil {
		return fmt.Errorf("failed to save pending job: %w", err)
	}
	return nil
}

// DeletePending removes a crash-recovery record.
func (s *MySQLStore) DeletePending(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_jobs WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete pending job: %w", err)
	}
	return nil
}

// ListPending returns in-flight records, oldest first.
func (s *MySQLStore) ListPending(ctx context.Context) ([]PendingJob, error) {
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
		)
		if err := rows.Scan(&p.JobID, &p.StartTime, &params); err != nil {
			return nil, fmt.Errorf("failed to scan pending job: %w", err)
		}
		p.Params = []byte(params)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveResult records a finished run.
func (s *MySQLStore) SaveResult(ctx context.Context, r JobRecord) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			winner_id = VALUES(winner_id),
			cost_usd = VALUES(cost_usd),
			metadata = VALUES(metadata),
			finished_at = VALUES(finished_at)
	`, r.JobID, r.Status, r.Prompt, r.WinnerID, r.CostUSD, meta, r.CreatedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}
	return nil
}

// GetResult retrieves one finished run.
func (s *MySQLStore) GetResult(ctx context.Context, jobID string) (JobRecord, error) {
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
func (s *MySQLStore) ListResults(ctx context.Context, limit int) ([]JobRecord, error) {
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

// Close closes the connection pool. Further calls return errors.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
