package store

import (
	"context"
	"sync"
)

// MemoryEventStore is an in-memory EventStore.
//
// It keeps every stream's events in a slice indexed by event number and
// a single global commit log used to satisfy SubscribeFrom. Designed
// for unit tests; all state is lost on process exit.
//
// MemoryEventStore is safe for concurrent use.
type MemoryEventStore struct {
	mu       sync.Mutex
	streams  map[string][]RecordedEvent // streamID -> events, index == event number
	all      []RecordedEvent            // global commit log, same events as streams, commit order
	nextPos  int64
	subs     map[int]chan CommittedEvent
	subFilt  map[int]StreamFilter
	nextSub  int
	closed   bool
}

// NewMemoryEventStore creates an empty MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[string][]RecordedEvent),
		subs:    make(map[int]chan CommittedEvent),
		subFilt: make(map[int]StreamFilter),
	}
}

// ReadStreamEventsBackward implements EventStore.
func (m *MemoryEventStore) ReadStreamEventsBackward(_ context.Context, stream string, fromEventNumber int64, maxCount int) (ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ReadResult{}, ErrStoreClosed
	}

	events := m.streams[stream]
	if len(events) == 0 {
		return ReadResult{Status: ReadNoStream, NextEventNumber: -1, IsEndOfStream: true}, nil
	}

	start := fromEventNumber
	if start < 0 || start > int64(len(events)-1) {
		start = int64(len(events) - 1)
	}

	result := make([]RecordedEvent, 0, maxCount)
	i := start
	for i >= 0 && len(result) < maxCount {
		result = append(result, events[i])
		i--
	}

	next := i
	return ReadResult{
		Status:          ReadSuccess,
		Events:          result,
		NextEventNumber: next,
		IsEndOfStream:   next < 0,
	}, nil
}

// WriteEvents implements EventStore.
func (m *MemoryEventStore) WriteEvents(_ context.Context, stream string, expectedVersion int64, events []RawEvent) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return WriteResult{}, ErrStoreClosed
	}

	existing := m.streams[stream]
	currentVersion := int64(len(existing) - 1) // -1 means no stream

	switch expectedVersion {
	case ExpectedVersionAny:
		// no check
	case ExpectedVersionNoStream:
		if currentVersion != -1 {
			return WriteResult{Status: WriteWrongExpectedVersion}, nil
		}
	default:
		if expectedVersion != currentVersion {
			return WriteResult{Status: WriteWrongExpectedVersion}, nil
		}
	}

	firstEventNumber := currentVersion + 1
	var firstPos Position
	for i, raw := range events {
		m.nextPos++
		pos := Position{Commit: m.nextPos, Prepare: m.nextPos}
		if i == 0 {
			firstPos = pos
		}
		rec := RecordedEvent{
			StreamID:    stream,
			EventNumber: firstEventNumber + int64(i),
			EventType:   raw.EventType,
			Data:        raw.Data,
			Metadata:    raw.Metadata,
			Position:    pos,
		}
		m.streams[stream] = append(m.streams[stream], rec)
		m.all = append(m.all, rec)
		m.publish(rec)
	}

	return WriteResult{Status: WriteSuccess, FirstEventNumber: firstEventNumber, NextPosition: firstPos}, nil
}

// publish fans a newly committed event out to every live subscription
// whose filter matches. Must be called with mu held.
func (m *MemoryEventStore) publish(rec RecordedEvent) {
	committed := CommittedEvent{
		StreamID:    rec.StreamID,
		EventNumber: rec.EventNumber,
		EventType:   rec.EventType,
		Data:        rec.Data,
		Metadata:    rec.Metadata,
		Position:    rec.Position,
	}
	for id, ch := range m.subs {
		if !m.subFilt[id].Matches(rec.StreamID) {
			continue
		}
		select {
		case ch <- committed:
		default:
			// A subscriber whose buffer is full does not receive the
			// event, and it is not redelivered later.
		}
	}
}

// SubscribeFrom implements EventStore.
//
// It replays every already-committed event at or after position
// synchronously, then switches to live delivery. Events written
// between the replay and the live hookup are not lost: the
// subscription is registered before replay starts.
func (m *MemoryEventStore) SubscribeFrom(ctx context.Context, position Position, filter StreamFilter) (<-chan CommittedEvent, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStoreClosed
	}

	ch := make(chan CommittedEvent, 256)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subFilt[id] = filter

	backlog := make([]RecordedEvent, 0)
	for _, rec := range m.all {
		if position.Before(rec.Position) || position == rec.Position {
			if filter.Matches(rec.StreamID) {
				backlog = append(backlog, rec)
			}
		}
	}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subs, id)
			delete(m.subFilt, id)
			close(ch)
			m.mu.Unlock()
		}()

		for _, rec := range backlog {
			select {
			case ch <- CommittedEvent{
				StreamID:    rec.StreamID,
				EventNumber: rec.EventNumber,
				EventType:   rec.EventType,
				Data:        rec.Data,
				Metadata:    rec.Metadata,
				Position:    rec.Position,
			}:
			case <-ctx.Done():
				return
			}
		}

		<-ctx.Done()
	}()

	return ch, nil
}

// Close marks the store closed; further reads and writes fail with
// ErrStoreClosed. Live subscriptions observe ctx cancellation separately.
func (m *MemoryEventStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
