package projection

// Emit is a single event a ProjectionHandler wants appended to a
// derived stream, as produced by ProcessEvent. CoreProjection assigns
// it an EventID and caused-by tag before handing it to an EmittedStream.
type Emit struct {
	TargetStream string
	EventType    string
	Data         []byte
	// ExpectedTag, if non-zero, is the prior tag the target stream must
	// already reflect; used for concurrency detection by EmittedStream.
	ExpectedTag CheckpointTag
}

// EventEnvelope is the per-event payload handed to ProcessEvent: every
// field the external projection-handler interface in spec.md §6 names.
type EventEnvelope struct {
	Partition string
	Tag       CheckpointTag
	Stream    string
	EventType string
	Category  string
	EventID   string
	Seq       int64
	Metadata  []byte
	Data      []byte
}

// ProjectionHandler is the user-supplied external collaborator: a
// deterministic fold over partition state plus optional emitted
// events. It has no "enable" verbs of its own (emit_state and
// partitioning are runtime options, not handler capabilities).
type ProjectionHandler interface {
	// Initialize is called once before the first Load, and again on every
	// restart after a RestartRequested teardown.
	Initialize() error

	// Load seeds a partition's state from a previously persisted blob.
	// Called with an empty blob when no prior state exists.
	Load(partition string, stateBlob []byte) error

	// ProcessEvent folds ev into the named partition's current state.
	// handled reports whether the handler actually consumed the event
	// (false is a legal no-op fold, e.g. type-filtered at the handler
	// rather than the EventFilter).
	ProcessEvent(ev EventEnvelope) (newState []byte, emitted []Emit, handled bool, err error)

	// Dispose releases any resources the handler holds. Called on
	// projection stop and before every restart's re-Initialize.
	Dispose() error
}
