package beam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

// Job lifecycle states. A job is created pending, becomes running when the
// orchestrator picks it up, and ends in exactly one of cancelled, failed, or
// complete.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusComplete  Status = "complete"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusComplete
}

// RankingMode selects how candidates are ordered within an iteration.
type RankingMode string

// Ranking modes.
const (
	// RankScore orders by the weighted alignment/aesthetic score.
	RankScore RankingMode = "score"
	// RankVLM runs an all-pairs tournament with ensemble VLM voting.
	RankVLM RankingMode = "vlm"
)

// FaceFixOptions is the optional face-restoration block passed through to
// image providers.
type FaceFixOptions struct {
	FixFaces            bool    `json:"fixFaces"`
	RestorationStrength float64 `json:"restorationStrength"` // 0-1
	FaceUpscale         int     `json:"faceUpscale"`         // 1 or 2
}

// Params are the validated search parameters of one job.
type Params struct {
	// Prompt is the user's text prompt. Required, non-empty.
	Prompt string `json:"prompt"`

	// N is the beam width: candidates per iteration. Even, >= 2.
	N int `json:"n"`

	// M is the survivors kept per iteration. Divides N, M <= N/2, so each
	// survivor yields N/M children.
	M int `json:"m"`

	// MaxIterations bounds the search depth. >= 1.
	MaxIterations int `json:"maxIterations"`

	// Alpha blends alignment vs aesthetics in [0,1]:
	// total = alpha*alignment + (1-alpha)*aesthetic*10. A pointer so an
	// explicit 0 (ignore alignment entirely) survives defaulting.
	Alpha *float64 `json:"alpha"`

	// Temperature for text refinement sampling, [0,2]. A pointer for the
	// same reason as Alpha.
	Temperature *float64 `json:"temperature"`

	// Descriptiveness selects the combine template, 1-3.
	Descriptiveness int `json:"descriptiveness"`

	// EnsembleSize is the odd vote count per tournament pair.
	EnsembleSize int `json:"ensembleSize"`

	// RankingMode is "score" or "vlm".
	RankingMode RankingMode `json:"rankingMode"`

	// Models optionally overrides per-capability model ids, keyed by
	// capability name ("text", "image", "vision", "vlm").
	Models map[string]string `json:"models,omitempty"`

	// Providers optionally overrides the provider family per capability.
	Providers map[string]string `json:"providers,omitempty"`

	// FaceFix is the optional face-restoration block.
	FaceFix *FaceFixOptions `json:"faceFix,omitempty"`

	// ProviderOptions holds flux/modal/bfl option sub-blocks passed through
	// to providers verbatim, keyed by block name.
	ProviderOptions map[string]map[string]any `json:"providerOptions,omitempty"`
}

// ApplyDefaults fills absent optional fields with usable defaults. Absence
// is the zero value for fields whose zero is invalid anyway, and nil for
// Alpha and Temperature, whose zero is a legal setting. Called before
// Validate on submit.
func (p *Params) ApplyDefaults() {
	if p.N == 0 {
		p.N = 4
	}
	if p.M == 0 {
		p.M = 2
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = 2
	}
	if p.Alpha == nil {
		v := 0.7
		p.Alpha = &v
	}
	if p.Temperature == nil {
		v := 0.8
		p.Temperature = &v
	}
	if p.Descriptiveness == 0 {
		p.Descriptiveness = 2
	}
	if p.EnsembleSize == 0 {
		p.EnsembleSize = 1
	}
	if p.RankingMode == "" {
		p.RankingMode = RankScore
	}
}

// Validate checks every submit constraint and returns a ValidationError
// naming the first offending field.
func (p *Params) Validate() error {
	if p.Prompt == "" {
		return &ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	if p.N < 2 {
		return &ValidationError{Field: "n", Message: "must be >= 2"}
	}
	if p.N%2 != 0 {
		return &ValidationError{Field: "n", Message: "must be even"}
	}
	if p.M < 1 {
		return &ValidationError{Field: "m", Message: "must be >= 1"}
	}
	if p.N%p.M != 0 {
		return &ValidationError{Field: "m", Message: fmt.Sprintf("must divide n (%d %% %d != 0)", p.N, p.M)}
	}
	if p.M > p.N/2 {
		return &ValidationError{Field: "m", Message: fmt.Sprintf("must be <= n/2 (%d)", p.N/2)}
	}
	if p.MaxIterations < 1 {
		return &ValidationError{Field: "maxIterations", Message: "must be >= 1"}
	}
	if p.Alpha == nil || *p.Alpha < 0 || *p.Alpha > 1 {
		return &ValidationError{Field: "alpha", Message: "must be in [0,1]"}
	}
	if p.Temperature == nil || *p.Temperature < 0 || *p.Temperature > 2 {
		return &ValidationError{Field: "temperature", Message: "must be in [0,2]"}
	}
	if p.Descriptiveness < 1 || p.Descriptiveness > 3 {
		return &ValidationError{Field: "descriptiveness", Message: "must be 1, 2 or 3"}
	}
	if p.EnsembleSize < 1 || p.EnsembleSize%2 == 0 {
		return &ValidationError{Field: "ensembleSize", Message: "must be odd and >= 1"}
	}
	if p.RankingMode != RankScore && p.RankingMode != RankVLM {
		return &ValidationError{Field: "rankingMode", Message: `must be "score" or "vlm"`}
	}
	if f := p.FaceFix; f != nil {
		if f.RestorationStrength < 0 || f.RestorationStrength > 1 {
			return &ValidationError{Field: "faceFix.restorationStrength", Message: "must be in [0,1]"}
		}
		if f.FaceUpscale != 0 && f.FaceUpscale != 1 && f.FaceUpscale != 2 {
			return &ValidationError{Field: "faceFix.faceUpscale", Message: "must be 1 or 2"}
		}
	}
	return nil
}

// ExpansionRatio is the number of children each survivor yields (N/M).
func (p *Params) ExpansionRatio() int { return p.N / p.M }

// Job is one search run. The record is owned by the Registry; the
// orchestrator borrows it for the job's lifetime.
//
// Cancellation is cooperative: the job carries a context whose cancellation
// is the job's token. Cancel trips it; upstream wrappers observe it at
// suspension points.
type Job struct {
	// ID is the opaque job identifier, unique per process.
	ID string

	// Params are the validated search parameters.
	Params Params

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	mu     sync.RWMutex
	status Status
	ctx    context.Context
	cancel context.CancelFunc
}

// NewJob creates a pending job with a fresh id and cancellation token.
func NewJob(params Params) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:        "job-" + uuid.NewString(),
		Params:    params,
		CreatedAt: time.Now(),
		status:    StatusPending,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the job's cancellation token.
func (j *Job) Context() context.Context { return j.ctx }

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// setStatus transitions the lifecycle state, stamping StartedAt/FinishedAt.
// Transitions out of a terminal state are ignored.
func (j *Job) setStatus(s Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = s
	switch {
	case s == StatusRunning:
		j.StartedAt = time.Now()
	case s.Terminal():
		j.FinishedAt = time.Now()
	}
	return true
}

// Cancel trips the cancellation token and marks the job cancelled.
// Cancelling an already-terminal job is a no-op.
func (j *Job) Cancel() bool {
	if !j.setStatus(StatusCancelled) {
		return false
	}
	j.cancel()
	return true
}

// release frees the cancellation token after a terminal transition.
func (j *Job) release() { j.cancel() }
