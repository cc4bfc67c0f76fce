package beam

import (
	"container/list"
	"context"
	"sync"
)

// Capability names one upstream concern. A RateGate, a ServiceConnection
// policy, and a GPU load state exist per capability.
type Capability string

// Upstream capabilities.
const (
	CapabilityText   Capability = "text"
	CapabilityImage  Capability = "image"
	CapabilityVision Capability = "vision"
	CapabilityVLM    Capability = "vlm"
)

// RateGate bounds concurrency for one upstream capability.
//
// Execute suspends until a slot is free, runs the task, and releases the
// slot. Waiters are admitted FIFO. SetLimit is safe while tasks run: raising
// the limit admits queued waiters immediately; lowering it lets in-flight
// tasks finish and queues new arrivals. In-flight tasks are never preempted.
//
// A cancelled context fails the waiting acquire with the context's error
// before a slot is taken.
type RateGate struct {
	mu       sync.Mutex
	limit    int
	inflight int
	waiters  *list.List // of chan struct{}
	closed   bool

	onLimitChanged func(old, new int)
}

// GateOption configures a RateGate.
type GateOption func(*RateGate)

// WithLimitChangedHook registers a callback invoked (under no lock) after
// every successful SetLimit.
func WithLimitChangedHook(fn func(old, new int)) GateOption {
	return func(g *RateGate) { g.onLimitChanged = fn }
}

// NewRateGate creates a gate admitting at most limit concurrent tasks.
// Limits below 1 are clamped to 1.
func NewRateGate(limit int, opts ...GateOption) *RateGate {
	if limit < 1 {
		limit = 1
	}
	g := &RateGate{limit: limit, waiters: list.New()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs task under the gate. The context governs both the wait for a
// slot and the task itself.
func (g *RateGate) Execute(ctx context.Context, task func(ctx context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return task(ctx)
}

// acquire blocks until a slot is free, FIFO among waiters.
func (g *RateGate) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGateClosed
	}
	if g.inflight < g.limit && g.waiters.Len() == 0 {
		g.inflight++
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := g.waiters.PushBack(ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			// Admitted concurrently with cancellation; give the slot back.
			g.inflight--
			g.admitLocked()
		default:
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// release frees a slot and admits the next waiter if capacity allows.
func (g *RateGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	g.admitLocked()
}

// admitLocked admits queued waiters while capacity remains. Caller holds mu.
func (g *RateGate) admitLocked() {
	for g.inflight < g.limit && g.waiters.Len() > 0 {
		front := g.waiters.Front()
		g.waiters.Remove(front)
		g.inflight++
		close(front.Value.(chan struct{}))
	}
}

// SetLimit changes the concurrency limit. Limits below 1 are clamped to 1.
func (g *RateGate) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	g.mu.Lock()
	old := g.limit
	g.limit = n
	if n > old {
		g.admitLocked()
	}
	hook := g.onLimitChanged
	g.mu.Unlock()

	if hook != nil && old != n {
		hook(old, n)
	}
}

// Limit returns the current concurrency limit.
func (g *RateGate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InFlight returns the number of tasks currently holding slots.
func (g *RateGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Waiting returns the number of queued acquirers.
func (g *RateGate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}

// Close fails all queued and future acquires with ErrGateClosed. In-flight
// tasks finish normally.
func (g *RateGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	// Queued waiters are abandoned; their acquire returns via ctx or stays
	// pending until the caller's context ends. Admit none.
	g.waiters.Init()
}

// GateSet holds the per-capability gates for one provider wiring. Switching
// provider family for a capability updates the gate limit in place via
// SetLimit rather than replacing the gate.
type GateSet struct {
	Text   *RateGate
	Image  *RateGate
	Vision *RateGate
	VLM    *RateGate
}

// Default gate limits. Remote families run concurrently; local (single-GPU)
// families are serialized.
const (
	DefaultRemoteLimit = 4
	DefaultLocalLimit  = 1
)

// NewGateSet builds gates with one limit across all capabilities.
func NewGateSet(limit int) *GateSet {
	return &GateSet{
		Text:   NewRateGate(limit),
		Image:  NewRateGate(limit),
		Vision: NewRateGate(limit),
		VLM:    NewRateGate(limit),
	}
}

// Gate returns the gate for a capability.
func (s *GateSet) Gate(c Capability) *RateGate {
	switch c {
	case CapabilityText:
		return s.Text
	case CapabilityImage:
		return s.Image
	case CapabilityVision:
		return s.Vision
	case CapabilityVLM:
		return s.VLM
	}
	return nil
}
