package projection

import "github.com/foldrun/projector-go/projection/store"

// EventFilter decides which committed events a Subscription passes to
// the projection, at two granularities: per-source (by stream/category,
// cheap, decided before the event is even fetched in a real deployment)
// and per-event (by event type, decided once the envelope is known).
type EventFilter struct {
	// Source restricts which streams are read at all. An empty filter
	// matches every stream ($all).
	Source store.StreamFilter

	// EventTypes, if non-empty, is an allowlist of event types. Empty
	// means every event type on a matched stream passes.
	EventTypes []string
}

// PassesSource reports whether streamID should be read at all.
func (f EventFilter) PassesSource(streamID string) bool {
	return f.Source.Matches(streamID)
}

// PassesEvent reports whether an event already known to be on a matched
// stream should be delivered to the handler.
func (f EventFilter) PassesEvent(eventType string) bool {
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
