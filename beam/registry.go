package beam

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/dshills/beamgen-go/beam/emit"
	"github.com/dshills/beamgen-go/store"
)

// Registry owns the job table: creation, lookup, cancellation, event
// attachment, and the terminal handoff to the store.
//
// Subscribers attaching after a job ended receive the cached terminal event
// instead of a live stream, so a late client still learns the outcome.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	terminal map[string]emit.Event

	bus    *emit.Bus
	store  store.Store
	logger *log.Logger
}

// NewRegistry creates a registry publishing on bus and persisting to st.
// A nil store disables persistence.
func NewRegistry(bus *emit.Bus, st store.Store) *Registry {
	return &Registry{
		jobs:     make(map[string]*Job),
		terminal: make(map[string]emit.Event),
		bus:      bus,
		store:    st,
		logger:   log.Default(),
	}
}

// Bus returns the event bus jobs publish on.
func (r *Registry) Bus() *emit.Bus { return r.bus }

// Create validates params and registers a new pending job. The caller is
// responsible for handing the job to an orchestrator.
func (r *Registry) Create(ctx context.Context, params Params) (*Job, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	job := NewJob(params)

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	if r.store != nil {
		raw, err := json.Marshal(params)
		if err == nil {
			err = r.store.SavePending(ctx, store.PendingJob{
				JobID:     job.ID,
				StartTime: job.CreatedAt,
				Params:    raw,
			})
		}
		if err != nil {
			// Persistence is advisory for a live process; the job proceeds.
			r.logger.Printf("[registry] save pending %s failed: %v", job.ID, err)
		}
	}
	return job, nil
}

// Get returns a job by id.
func (r *Registry) Get(jobID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns all known jobs, oldest first.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel requests cancellation of a job. Idempotent: cancelling a terminal
// or already-cancelled job succeeds without effect.
func (r *Registry) Cancel(jobID string) error {
	job, err := r.Get(jobID)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// Attach subscribes to a job's event stream. For a terminal job the
// subscription yields only the cached terminal event.
func (r *Registry) Attach(jobID string) (*emit.Subscription, error) {
	r.mu.RLock()
	_, known := r.jobs[jobID]
	cached, done := r.terminal[jobID]
	r.mu.RUnlock()

	if !known {
		return nil, ErrJobNotFound
	}

	sub := r.bus.Subscribe(jobID)
	if done {
		// Replay the outcome to this subscriber only, then end the stream.
		sub.Deliver(cached)
		sub.Close()
	}
	return sub, nil
}

// Finish records a job's terminal transition: status, terminal event cache,
// store history, and pending-record cleanup. The terminal event must already
// have been published by the orchestrator.
func (r *Registry) Finish(ctx context.Context, job *Job, status Status, terminalEvent emit.Event, rec store.JobRecord) {
	job.setStatus(status)
	job.release()

	r.mu.Lock()
	r.terminal[job.ID] = terminalEvent
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	rec.JobID = job.ID
	rec.Status = string(status)
	rec.CreatedAt = job.CreatedAt
	rec.FinishedAt = job.FinishedAt
	if err := r.store.SaveResult(ctx, rec); err != nil {
		r.logger.Printf("[registry] save result %s failed: %v", job.ID, err)
	}
	if err := r.store.DeletePending(ctx, job.ID); err != nil {
		r.logger.Printf("[registry] delete pending %s failed: %v", job.ID, err)
	}
}

// History returns finished runs from the store, newest first.
func (r *Registry) History(ctx context.Context, limit int) ([]store.JobRecord, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListResults(ctx, limit)
}

// RecoverInterrupted marks any pending records left by a previous process as
// failed. Called once at startup, before accepting new jobs.
func (r *Registry) RecoverInterrupted(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	pending, err := r.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		var params Params
		_ = json.Unmarshal(p.Params, &params)
		rec := store.JobRecord{
			JobID:      p.JobID,
			Status:     string(StatusFailed),
			Prompt:     params.Prompt,
			CreatedAt:  p.StartTime,
			FinishedAt: p.StartTime,
		}
		if err := r.store.SaveResult(ctx, rec); err != nil {
			return 0, err
		}
		if err := r.store.DeletePending(ctx, p.JobID); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}
