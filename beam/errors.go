// Package beam implements the beam-search optimization loop for image
// generation: the job/event substrate, the upstream coordination layer, and
// the orchestrator state machine.
package beam

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when a job id is unknown to the registry.
var ErrJobNotFound = errors.New("job not found")

// ErrInsufficientCandidates indicates fewer than M candidates survived an
// iteration, so the search cannot continue.
var ErrInsufficientCandidates = errors.New("insufficient surviving candidates")

// ErrGateClosed is returned by RateGate.Execute after Close.
var ErrGateClosed = errors.New("rate gate closed")

// SearchError is the generic coded error for orchestrator and registry
// operations.
type SearchError struct {
	Message string
	Code    string
	Err     error
}

func (e *SearchError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *SearchError) Unwrap() error { return e.Err }

// ValidationError reports a bad submit parameter. It is surfaced
// synchronously; the job is never created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConfigurationError reports a missing credential or endpoint at provider
// construction. It fails job start.
type ConfigurationError struct {
	Provider string
	Missing  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: missing %s", e.Provider, e.Missing)
}

// ConnKind classifies connection-level failures. The set is closed: anything
// not representable here is non-retriable.
type ConnKind int

// Connection-level failure kinds.
const (
	// KindRefused is a TCP connection refusal.
	KindRefused ConnKind = iota
	// KindUnreachable is a DNS or routing failure.
	KindUnreachable
	// KindTimeout is a deadline exceeded on an established path.
	KindTimeout
	// KindColdStart is a timeout attributable to model load on a cold
	// service; distinguished by kind so the restart hook can act on it.
	KindColdStart
)

func (k ConnKind) String() string {
	switch k {
	case KindRefused:
		return "connection refused"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindColdStart:
		return "cold start"
	}
	return "unknown"
}

// ConnError marks an error as a retryable connection-level failure.
// Providers wrap transport errors in ConnError; everything else (4xx,
// semantic failures) passes through unwrapped and is surfaced immediately.
type ConnError struct {
	Kind ConnKind
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsConnError reports whether err is (or wraps) a connection-level failure.
func IsConnError(err error) (*ConnError, bool) {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// UpstreamUnavailableError wraps the last underlying error after retries are
// exhausted for one unit of upstream work.
type UpstreamUnavailableError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream %s unavailable after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }
