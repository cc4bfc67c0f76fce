package emit

import "sync"

// BufferedEmitter stores every event it sees, organized by job id. Intended
// for tests and debugging; it grows without bound.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// History returns a copy of all stored events for a job, in emission order.
func (b *BufferedEmitter) History(jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[jobID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryByType returns stored events of one variant for a job.
func (b *BufferedEmitter) HistoryByType(jobID string, t Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[jobID] {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Clear removes stored events for one job, or for all jobs when jobID is
// empty.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, jobID)
}
