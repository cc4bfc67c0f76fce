// Package store provides persistence for job state: crash-recovery records
// for in-flight jobs and a durable history of finished runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested job id does not exist.
var ErrNotFound = errors.New("not found")

// PendingJob is the crash-recovery record for an in-flight job. Written at
// job start and deleted on terminal transition; any record surviving a
// restart belongs to a job interrupted mid-run.
type PendingJob struct {
	JobID     string
	StartTime time.Time
	Params    []byte // JSON of the submit parameters
}

// JobRecord is the durable summary of one finished run.
type JobRecord struct {
	JobID      string
	Status     string // cancelled, failed, or complete
	Prompt     string
	WinnerID   string
	CostUSD    float64
	Metadata   []byte // JSON of the full metadata document, may be nil
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Store persists job lifecycle records.
//
// Implementations:
//   - MemStore for testing and single-process use without durability
//   - SQLiteStore for single-node deployments
//   - MySQLStore for shared deployments
type Store interface {
	// SavePending records an in-flight job for crash recovery.
	SavePending(ctx context.Context, p PendingJob) error

	// DeletePending removes the crash-recovery record. Deleting an unknown
	// id is not an error.
	DeletePending(ctx context.Context, jobID string) error

	// ListPending returns all in-flight records, oldest first.
	ListPending(ctx context.Context) ([]PendingJob, error)

	// SaveResult records a finished run. Saving the same job id again
	// overwrites the previous record.
	SaveResult(ctx context.Context, r JobRecord) error

	// GetResult retrieves one finished run, or ErrNotFound.
	GetResult(ctx context.Context, jobID string) (JobRecord, error)

	// ListResults returns finished runs, newest first, up to limit.
	// A limit <= 0 returns all.
	ListResults(ctx context.Context, limit int) ([]JobRecord, error)

	// Close releases the backing resources.
	Close() error
}
