package emit

// Emitter receives a copy of every event published on a Bus it is tapped
// into. Emitters back pluggable observability sinks:
//   - Logging: stdout, files (LogEmitter)
//   - Distributed tracing: OpenTelemetry (OTelEmitter)
//   - Test capture: BufferedEmitter
//
// Implementations should be:
//   - Non-blocking: taps run inline with Publish
//   - Thread-safe: called concurrently from orchestrator goroutines
//   - Resilient: failures are logged, never panicked
type Emitter interface {
	// Emit processes one event. Must not panic; errors are handled
	// internally.
	Emit(event Event)
}
