package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory Store.
//
// Designed for testing and for deployments that do not need job history to
// survive a restart. Thread-safe.
type MemStore struct {
	mu      sync.RWMutex
	pending map[string]PendingJob
	results map[string]JobRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		pending: make(map[string]PendingJob),
		results: make(map[string]JobRecord),
	}
}

// SavePending records an in-flight job.
func (m *MemStore) SavePending(_ context.Context, p PendingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.JobID] = p
	return nil
}

// DeletePending removes a crash-recovery record.
func (m *MemStore) DeletePending(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, jobID)
	return nil
}

// ListPending returns in-flight records, oldest first.
func (m *MemStore) ListPending(_ context.Context) ([]PendingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingJob, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// SaveResult records a finished run, overwriting any prior record.
func (m *MemStore) SaveResult(_ context.Context, r JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.JobID] = r
	return nil
}

// GetResult retrieves one finished run.
func (m *MemStore) GetResult(_ context.Context, jobID string) (JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[jobID]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return r, nil
}

// ListResults returns finished runs, newest first.
func (m *MemStore) ListResults(_ context.Context, limit int) ([]JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]JobRecord, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
