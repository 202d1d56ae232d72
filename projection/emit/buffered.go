package emit

import (
	"context"
	"sync"
)

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// projection name. Used for debugging, tests, and as the backing store for
// a management API's DebugState surface.
//
// Warning: stores everything in memory with no eviction; not intended for
// long-running production projections without periodic Clear calls.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // projection name -> events
}

// HistoryFilter specifies optional, AND-combined criteria for GetHistoryWithFilter.
type HistoryFilter struct {
	Component string // filter by component (empty = no filter)
	Msg       string // filter by message (empty = no filter)
}

// NewBufferedEmitter creates an empty, thread-safe BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to that projection's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Projection] = append(b.events[event.Projection], event)
}

// EmitBatch appends every event, in order.
func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.events[event.Projection] = append(b.events[event.Projection], event)
	}
	return nil
}

// Flush is a no-op: BufferedEmitter never defers writes.
func (b *BufferedEmitter) Flush(_ context.Context) error { return nil }

// GetHistory returns a copy of every event recorded for the named projection.
func (b *BufferedEmitter) GetHistory(projection string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[projection]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns a copy of the events matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(projection string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[projection] {
		if filter.Component != "" && event.Component != filter.Component {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	if result == nil {
		return []Event{}
	}
	return result
}

// Clear removes history for one projection, or all projections if name is "".
func (b *BufferedEmitter) Clear(projection string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if projection == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, projection)
}
