// Package emit provides observability event emission for the projection runtime.
package emit

import "context"

// Emitter receives and processes observability events from a projection.
//
// Emitters enable pluggable observability backends:
// - Logging: stdout, files.
// - Distributed tracing: OpenTelemetry.
// - Metrics: Prometheus (wired separately via the projection package's own
//   metrics, not through Emitter).
//
// Implementations must be:
// - Non-blocking: never slow down the projection's single cooperative worker.
// - Thread-safe: the CoreProjection calls Emit from its own goroutine, but
//   Flush may be called concurrently during shutdown.
// - Resilient: handle backend failures gracefully without panicking.
type Emitter interface {
	// Emit sends a single observability event to the configured backend.
	//
	// Emit must not block the caller for any meaningful duration and must
	// not panic; implementations that need durability should buffer.
	Emit(event Event)

	// EmitBatch sends multiple events in one operation. Order must be
	// preserved. Returns an error only for catastrophic configuration
	// failures; individual event delivery failures should be swallowed.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events have been delivered or the
	// context is cancelled. Safe to call multiple times.
	Flush(ctx context.Context) error
}
