package emit

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriptionClosed is returned by Subscription.Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// DefaultBufferSize is the per-subscription event buffer depth.
const DefaultBufferSize = 256

// Bus is the in-process pub/sub hub keyed by job id.
//
// Publish never blocks on subscriber readiness: each subscription owns a
// bounded buffer, and on overflow the oldest queued event is dropped and a
// lag marker is recorded for that subscription only. Events are delivered
// per-subscription in publish order.
//
// Taps registered via Tap observe every published event regardless of job id;
// they back process-wide logging and tracing.
//
// Safe for concurrent use by multiple producers and consumers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	taps    []Emitter
	bufSize int
}

// NewBus creates a Bus with the default per-subscription buffer size.
func NewBus() *Bus {
	return NewBusSize(DefaultBufferSize)
}

// NewBusSize creates a Bus with a custom per-subscription buffer size.
// Sizes below 1 are clamped to 1.
func NewBusSize(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Bus{
		subs:    make(map[string][]*Subscription),
		bufSize: bufSize,
	}
}

// Tap registers an emitter that receives a copy of every published event.
// Taps must not block; slow taps stall publishers.
func (b *Bus) Tap(e Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, e)
}

// Publish enqueues the event for every active subscription on its job id
// and mirrors it to all taps. Never blocks on subscriber readiness.
func (b *Bus) Publish(jobID string, ev Event) {
	b.mu.RLock()
	subs := b.subs[jobID]
	taps := b.taps
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(ev)
	}
	for _, t := range taps {
		t.Emit(ev)
	}
}

// Subscribe creates a new subscription for the given job id. The caller owns
// the handle and must Close it when done.
func (b *Bus) Subscribe(jobID string) *Subscription {
	s := &Subscription{
		jobID: jobID,
		bus:   b,
		ch:    make(chan Event, b.bufSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], s)
	b.mu.Unlock()
	return s
}

// SubscriberCount reports the number of active subscriptions for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// remove detaches a subscription from the bus.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.jobID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.jobID]) == 0 {
		delete(b.subs, sub.jobID)
	}
}

// Subscription is a single-consumer event stream for one job id.
type Subscription struct {
	jobID string
	bus   *Bus
	ch    chan Event

	mu      sync.Mutex
	dropped int

	done      chan struct{}
	closeOnce sync.Once
}

// JobID returns the job id this subscription is attached to.
func (s *Subscription) JobID() string { return s.jobID }

// Deliver enqueues an event on this subscription only, bypassing the bus.
// Used to replay a cached terminal event to a late subscriber without
// re-sending it to everyone else on the job.
func (s *Subscription) Deliver(ev Event) { s.offer(ev) }

// offer enqueues an event, dropping the oldest queued event on overflow and
// recording a lag marker.
func (s *Subscription) offer(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: drop oldest, record lag, retry once. A concurrent reader
	// may have drained the buffer between the two selects, so the retry can
	// also succeed without a drop.
	select {
	case <-s.ch:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Next returns the next event, suspending until one is available, the
// context is cancelled, or the subscription is closed.
//
// If events were dropped since the last call, Next first returns a lag event
// carrying the drop count (delivered only to this subscription).
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		s.mu.Unlock()
		ev := New(s.jobID, TypeLag)
		ev.Lag = &LagPayload{Dropped: n}
		return ev, nil
	}
	s.mu.Unlock()

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		// Drain anything still buffered before reporting closure.
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return Event{}, ErrSubscriptionClosed
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close detaches the subscription from the bus. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}
