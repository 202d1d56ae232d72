package projection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/foldrun/projector-go/projection/store"
)

// PendingEmit is one EmittedEvent awaiting delivery to the target
// stream, per spec.md §3. OnCommitted is invoked exactly once, either
// with a freshly assigned event number (live write) or a recovered one
// (matched against the seen stack during startup recovery).
type PendingEmit struct {
	TargetStream string
	EventID      string
	EventType    string
	Data         []byte
	CausedByTag  CheckpointTag
	ExpectedTag  CheckpointTag
	OnCommitted  func(eventNumber int64)
}

// seenEntry is one already-committed event discovered during startup
// recovery, matched against replayed emits by (tag, event type).
type seenEntry struct {
	tag         CheckpointTag
	eventType   string
	eventNumber int64
}

// EmittedStream is a per-derived-stream writer with in-order batching,
// concurrent-writer detection, and crash-recovery dedup by re-reading
// the tail of the target stream. Exactly one instance exists per
// target stream name, created lazily by CoreProjection on first emit.
type EmittedStream struct {
	mu sync.Mutex

	es         store.EventStore
	emitter    emitSink
	targetName string
	retry      RetryPolicy
	rng        *rand.Rand

	recovering            bool
	seenStack             []seenEntry // oldest first; top = index 0
	lastCommittedTag      CheckpointTag
	lastKnownEventNumber  int64 // -1 = stream not yet known to exist
	lastSubmittedOrCommit CheckpointTag

	pending      []PendingEmit
	writeInFlight bool
	disposed     bool

	maxWriteBatchLength int
}

// emitSink is the narrow interface EmittedStream uses to report
// observability events upward, matching the "children hold only a
// typed sender" design note in spec.md §9.
type emitSink interface {
	emit(component, msg string, tag CheckpointTag, meta map[string]interface{})
}

// NewEmittedStream creates a writer for targetStream. Recovery runs
// only when Start is called; Submit does not trigger it.
func NewEmittedStream(es store.EventStore, emitter emitSink, targetStream string, maxWriteBatchLength int, retry RetryPolicy) *EmittedStream {
	return &EmittedStream{
		es:                   es,
		emitter:              emitter,
		targetName:           targetStream,
		retry:                retry,
		rng:                  rand.New(rand.NewSource(1)), // #nosec G404 -- backoff jitter, not security
		lastKnownEventNumber: -1,
		maxWriteBatchLength:  maxWriteBatchLength,
	}
}

// Start performs the startup recovery protocol described in spec.md
// §4.4: read the whole target stream backward, take the newest tagged
// event's tag as the last committed tag, and push every tagged
// already-committed event onto the seen stack.
func (s *EmittedStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recover(ctx)
}

func (s *EmittedStream) recover(ctx context.Context) error {
	s.recovering = true
	s.seenStack = nil

	from := int64(-1)
	haveLastCommitted := false
	for {
		res, err := s.es.ReadStreamEventsBackward(ctx, s.targetName, from, 10)
		if err != nil {
			return fmt.Errorf("emitted stream %s: recovery read: %w", s.targetName, err)
		}
		if res.Status == store.ReadNoStream {
			s.lastKnownEventNumber = -1
			break
		}
		for _, ev := range res.Events {
			if s.lastKnownEventNumber == -1 {
				s.lastKnownEventNumber = ev.EventNumber
			}
			tag, ok := decodeTagMetadata(ev.Metadata)
			if !ok {
				// Not one of our own tagged events (e.g. a foreign writer);
				// it still occupies a slot in the stream's version counter,
				// but cannot participate in seen-stack reconciliation.
				continue
			}
			// Events arrive newest-first; only the first tagged event found
			// is the actual last-committed one.
			if !haveLastCommitted {
				s.lastCommittedTag = tag
				haveLastCommitted = true
			}
			s.seenStack = append(s.seenStack, seenEntry{tag: tag, eventType: ev.EventType, eventNumber: ev.EventNumber})
		}
		if res.IsEndOfStream || len(res.Events) == 0 {
			break
		}
		from = res.NextEventNumber
	}

	// seenStack was appended in backward (newest-first) order; reverse so
	// index 0 is oldest, matching submission order during reconciliation.
	for i, j := 0, len(s.seenStack)-1; i < j; i, j = i+1, j-1 {
		s.seenStack[i], s.seenStack[j] = s.seenStack[j], s.seenStack[i]
	}

	s.lastSubmittedOrCommit = s.lastCommittedTag
	s.recovering = false
	return nil
}

// Submit enqueues an emit for delivery. It returns ErrRestartRequested
// immediately if a concurrency violation is detected before queueing
// (expected_tag older than the last submitted or committed tag).
func (s *EmittedStream) Submit(ctx context.Context, e PendingEmit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}

	if !e.ExpectedTag.IsZero() && e.ExpectedTag.Less(s.lastSubmittedOrCommit) {
		s.emitter.emit("emitted_stream", "restart_requested", e.CausedByTag, map[string]interface{}{
			"reason": "expected_tag precedes last_submitted_or_committed_tag", "stream": s.targetName,
		})
		return ErrRestartRequested
	}
	s.lastSubmittedOrCommit = e.CausedByTag

	s.pending = append(s.pending, e)
	return s.pump(ctx)
}

// pump reconciles against the seen stack, then flushes ready live
// writes. Must be called with mu held.
func (s *EmittedStream) pump(ctx context.Context) error {
	for len(s.pending) > 0 && len(s.seenStack) > 0 {
		head := s.pending[0]
		top := s.seenStack[0]

		if head.CausedByTag.Compare(s.lastCommittedTag) > 0 {
			s.seenStack = nil
			break // exceeds last_committed_tag: switch to live mode
		}
		if head.CausedByTag.Compare(top.tag) != 0 || head.EventType != top.eventType {
			s.emitter.emit("emitted_stream", "recovery_mismatch", head.CausedByTag, map[string]interface{}{
				"stream": s.targetName,
			})
			return fmt.Errorf("%w: stream %s tag %s type %s", ErrRecoveryMismatch, s.targetName, head.CausedByTag, head.EventType)
		}

		s.pending = s.pending[1:]
		s.seenStack = s.seenStack[1:]
		if head.OnCommitted != nil {
			head.OnCommitted(top.eventNumber)
		}
	}

	if s.writeInFlight || len(s.pending) == 0 || len(s.seenStack) > 0 {
		return nil
	}
	return s.flush(ctx)
}

// flush appends up to maxWriteBatchLength ready pending items to the
// target stream. Must be called with mu held; releases it around the
// actual store call and re-acquires before returning.
func (s *EmittedStream) flush(ctx context.Context) error {
	n := len(s.pending)
	if s.maxWriteBatchLength > 0 && n > s.maxWriteBatchLength {
		n = s.maxWriteBatchLength
	}
	batch := s.pending[:n]

	raw := make([]store.RawEvent, len(batch))
	for i, e := range batch {
		raw[i] = store.RawEvent{EventID: e.EventID, EventType: e.EventType, Data: e.Data, Metadata: encodeTagMetadata(e.CausedByTag)}
	}

	expected := s.lastKnownEventNumber
	s.writeInFlight = true
	s.mu.Unlock()
	res, err := s.writeWithRetry(ctx, raw, expected)
	s.mu.Lock()
	s.writeInFlight = false
	if s.disposed {
		return nil
	}

	if err != nil {
		return err
	}

	switch res.Status {
	case store.WriteSuccess:
		s.pending = s.pending[n:]
		for i, e := range batch {
			s.lastKnownEventNumber = res.FirstEventNumber + int64(i)
			if e.OnCommitted != nil {
				e.OnCommitted(s.lastKnownEventNumber)
			}
		}
		s.lastCommittedTag = batch[len(batch)-1].CausedByTag
		s.emitter.emit("emitted_stream", "events_written", s.lastCommittedTag, map[string]interface{}{
			"stream": s.targetName, "count": len(batch),
		})
		if len(s.pending) > 0 {
			return s.flush(ctx)
		}
		return nil
	case store.WriteWrongExpectedVersion:
		s.emitter.emit("emitted_stream", "restart_requested", batch[0].CausedByTag, map[string]interface{}{
			"reason": "WrongExpectedVersion", "stream": s.targetName,
		})
		return ErrRestartRequested
	case store.WriteStreamDeleted:
		return faultf(batch[0].CausedByTag, "stream_deleted", "target stream %s was deleted", s.targetName)
	default:
		return faultf(batch[0].CausedByTag, "unsupported_result", "unexpected write result %v on stream %s", res.Status, s.targetName)
	}
}

// writeWithRetry retries WriteTimeout indefinitely with exponential
// backoff, per spec.md §4.4 "Write outcomes" (covers what
// EventStoreDB-style backends report as PrepareTimeout/ForwardTimeout/
// CommitTimeout). The MemoryEventStore/SQLiteEventStore/MySQLEventStore
// implementations here never return WriteTimeout; the loop exists for
// drivers that do (e.g. a future EventStoreDB-backed implementation).
// WriteStreamDeleted is not retried here: it is a permanent outcome and
// is handled as a fault by the caller.
func (s *EmittedStream) writeWithRetry(ctx context.Context, raw []store.RawEvent, expectedVersion int64) (store.WriteResult, error) {
	attempt := 0
	for {
		res, err := s.es.WriteEvents(ctx, s.targetName, expectedVersion, raw)
		if err != nil {
			return store.WriteResult{}, err
		}
		if res.Status != store.WriteTimeout {
			return res, nil
		}
		delay := computeBackoff(attempt, s.retry.BaseDelay, s.retry.MaxDelay, s.rng)
		select {
		case <-ctx.Done():
			return store.WriteResult{}, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// Idle reports whether the stream has no pending writes and no
// in-flight request, used by CheckpointManager to gate checkpoints.
func (s *EmittedStream) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && !s.writeInFlight
}

// InFlight reports whether a write to the target stream is currently
// outstanding, used for the writes-in-progress statistic.
func (s *EmittedStream) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeInFlight
}

// PendingBelow reports whether any pending emit has a caused-by tag
// <= tag, used by CheckpointManager's checkpoint gate.
func (s *EmittedStream) PendingBelow(tag CheckpointTag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.pending {
		if e.CausedByTag.LessOrEqual(tag) {
			return true
		}
	}
	return false
}

// Dispose marks the stream disposed; late write completions and
// further submissions are dropped.
func (s *EmittedStream) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}
