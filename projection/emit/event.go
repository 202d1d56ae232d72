// Package emit provides observability event emission for the projection runtime.
package emit

// Event represents an observability event raised by a CoreProjection or one
// of its owned components (EmittedStream, CheckpointManager).
//
// Events provide insight into projection behavior: lifecycle transitions,
// checkpoint writes, emitted-stream writes, restarts, and faults.
type Event struct {
	// Projection names the projection instance that raised the event.
	Projection string

	// Tag is the checkpoint tag associated with the event, formatted via
	// CheckpointTag.String(). Empty for events with no associated tag
	// (e.g. a bare lifecycle transition before subscription starts).
	Tag string

	// Component identifies which part of the runtime raised the event:
	// "lifecycle", "checkpoint", "emitted_stream".
	Component string

	// Msg is a short, stable event name, e.g. "state_changed",
	// "checkpoint_written", "restart_requested", "events_written".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "from", "to": lifecycle state transition
	//   - "reason", "code": restart/fault reason and fault code
	//   - "stream": target stream name for emit/checkpoint events
	//   - "count": number of events in an emitted-stream write
	//   - "partition": partition whose state was written
	Meta map[string]interface{}
}
