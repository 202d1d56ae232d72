package emit

import "context"

// NullEmitter implements Emitter by discarding all events.
//
// Use cases:
//   - Production deployments where observability overhead is unwanted
//   - Tests that don't assert on emitted events
//
// NullEmitter is the default emitter for a CoreProjection constructed
// without WithEmitter.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that discards everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// EmitBatch discards the events and always succeeds.
func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush is a no-op that always succeeds.
func (n *NullEmitter) Flush(context.Context) error { return nil }
