package projection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/foldrun/projector-go/projection/store"
)

// CheckpointManager is the capability set common to every checkpoint
// strategy, per the "variants over a capability" design note in
// spec.md §9: {begin_load, begin_write, stopped/stopping, get_stats}.
// Default and Partitioned are the two concrete variants; they differ
// only in what TryWrite additionally persists.
type CheckpointManager interface {
	// BeginLoad reads the checkpoint stream backward and returns the
	// most recently persisted (tag, state), or the zero tag and nil
	// state if none exists.
	BeginLoad(ctx context.Context) (CheckpointTag, []byte, error)

	// Suggest records that a checkpoint at tag is desirable (from a
	// CheckpointSuggested subscription message, reaching EOF with
	// stop-on-EOF, Stop, or entering FaultedStopping). It does not write
	// immediately; the suggestion is parked until the gate passes.
	Suggest(tag CheckpointTag, state []byte)

	// TryWrite attempts to persist the most recently suggested
	// checkpoint, if any, and if the gate (no EmittedStream has a
	// pending write with caused_by_tag <= T) passes. Returns true if a
	// write was performed.
	TryWrite(ctx context.Context) (bool, error)

	// Pending reports whether a suggestion is parked awaiting the gate.
	Pending() bool

	// Stats returns the number of checkpoints written so far.
	Stats() int64
}

// checkpointGate abstracts the set of EmittedStreams a CheckpointManager
// must check before writing, and the PartitionStateCache it unlocks
// afterward. CoreProjection implements this.
type checkpointGate interface {
	anyEmitPendingBelow(tag CheckpointTag) bool
	unlockCache(tag CheckpointTag)
}

type baseCheckpointManager struct {
	mu sync.Mutex

	es      store.EventStore
	emitter emitSink
	name    string
	naming  NamingBuilder
	gate    checkpointGate
	retry   RetryPolicy
	rng     *rand.Rand

	lastCheckpointEventNumber int64
	suggestedTag              CheckpointTag
	suggestedState            []byte
	hasSuggestion             bool
	writeCount                int64
}

func newBaseCheckpointManager(es store.EventStore, emitter emitSink, name string, naming NamingBuilder, gate checkpointGate, retry RetryPolicy) baseCheckpointManager {
	return baseCheckpointManager{
		es:                        es,
		emitter:                   emitter,
		name:                      name,
		naming:                    naming,
		gate:                      gate,
		retry:                     retry,
		rng:                       rand.New(rand.NewSource(1)), // #nosec G404 -- backoff jitter, not security
		lastCheckpointEventNumber: -1,
	}
}

func (m *baseCheckpointManager) checkpointStream() string {
	return m.naming.CheckpointStream(m.name)
}

// loadLatest reads the checkpoint stream backward in pages of 10,
// seeking the most recent ProjectionCheckpoint event.
func (m *baseCheckpointManager) loadLatest(ctx context.Context) (CheckpointTag, []byte, error) {
	from := int64(-1)
	for {
		res, err := m.es.ReadStreamEventsBackward(ctx, m.checkpointStream(), from, 10)
		if err != nil {
			return CheckpointTag{}, nil, fmt.Errorf("checkpoint manager %s: load: %w", m.name, err)
		}
		if res.Status == store.ReadNoStream {
			return ZeroTag, nil, nil
		}
		for _, ev := range res.Events {
			if ev.EventType != "ProjectionCheckpoint" {
				continue
			}
			tag, ok := decodeTagMetadata(ev.Metadata)
			if !ok {
				continue
			}
			m.lastCheckpointEventNumber = ev.EventNumber
			return tag, ev.Data, nil
		}
		if res.IsEndOfStream || len(res.Events) == 0 {
			return ZeroTag, nil, nil
		}
		from = res.NextEventNumber
	}
}

func (m *baseCheckpointManager) suggest(tag CheckpointTag, state []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasSuggestion && tag.LessOrEqual(m.suggestedTag) {
		return
	}
	m.suggestedTag = tag
	m.suggestedState = state
	m.hasSuggestion = true
}

func (m *baseCheckpointManager) pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSuggestion
}

func (m *baseCheckpointManager) stats() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCount
}

// writeCheckpoint appends the ProjectionCheckpoint event and, on
// success, unlocks the partition cache up to tag. Called by both
// variants once their gate and extra-write logic are satisfied.
func (m *baseCheckpointManager) writeCheckpoint(ctx context.Context, tag CheckpointTag, state []byte) error {
	meta := encodeTagMetadata(tag)
	attempt := 0
	for {
		res, err := m.es.WriteEvents(ctx, m.checkpointStream(), m.lastCheckpointEventNumber, []store.RawEvent{
			{EventType: "ProjectionCheckpoint", Data: state, Metadata: meta},
		})
		if err != nil {
			return err
		}
		switch res.Status {
		case store.WriteSuccess:
			m.lastCheckpointEventNumber = res.FirstEventNumber
			m.writeCount++
			m.gate.unlockCache(tag)
			m.emitter.emit("checkpoint", "checkpoint_written", tag, nil)
			return nil
		case store.WriteWrongExpectedVersion:
			m.emitter.emit("checkpoint", "restart_requested", tag, map[string]interface{}{"reason": "WrongExpectedVersion"})
			return ErrRestartRequested
		case store.WriteTimeout:
			delay := computeBackoff(attempt, m.retry.BaseDelay, m.retry.MaxDelay, m.rng)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			attempt++
		case store.WriteStreamDeleted:
			return faultf(tag, "stream_deleted", "checkpoint stream %s was deleted", m.checkpointStream())
		default:
			return faultf(tag, "unsupported_result", "unexpected checkpoint write result %v", res.Status)
		}
	}
}

// DefaultCheckpointManager writes only the root checkpoint event.
type DefaultCheckpointManager struct {
	baseCheckpointManager
}

// NewDefaultCheckpointManager creates the non-partitioned variant.
func NewDefaultCheckpointManager(es store.EventStore, emitter emitSink, name string, naming NamingBuilder, gate checkpointGate, retry RetryPolicy) *DefaultCheckpointManager {
	return &DefaultCheckpointManager{baseCheckpointManager: newBaseCheckpointManager(es, emitter, name, naming, gate, retry)}
}

func (m *DefaultCheckpointManager) BeginLoad(ctx context.Context) (CheckpointTag, []byte, error) {
	return m.loadLatest(ctx)
}

func (m *DefaultCheckpointManager) Suggest(tag CheckpointTag, state []byte) { m.suggest(tag, state) }
func (m *DefaultCheckpointManager) Pending() bool                          { return m.pending() }
func (m *DefaultCheckpointManager) Stats() int64                           { return m.stats() }

func (m *DefaultCheckpointManager) TryWrite(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.hasSuggestion {
		m.mu.Unlock()
		return false, nil
	}
	tag, state := m.suggestedTag, m.suggestedState
	m.mu.Unlock()

	if m.gate.anyEmitPendingBelow(tag) {
		return false, nil
	}

	if err := m.writeCheckpoint(ctx, tag, state); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.hasSuggestion = false
	m.mu.Unlock()
	return true, nil
}

// PartitionedCheckpointManager additionally writes each touched
// partition's state to its own `$projections-<name>-<partition>-state`
// stream when WithEmitPartitionState is enabled, per SPEC_FULL.md's
// partition state streaming supplement.
type PartitionedCheckpointManager struct {
	baseCheckpointManager

	cache            *PartitionStateCache
	emitState        bool
	stateEventCount  map[string]int64
	lastWrittenCause map[string]CheckpointTag
}

// NewPartitionedCheckpointManager creates the partitioned variant.
func NewPartitionedCheckpointManager(es store.EventStore, emitter emitSink, name string, naming NamingBuilder, gate checkpointGate, retry RetryPolicy, cache *PartitionStateCache, emitState bool) *PartitionedCheckpointManager {
	return &PartitionedCheckpointManager{
		baseCheckpointManager: newBaseCheckpointManager(es, emitter, name, naming, gate, retry),
		cache:                 cache,
		emitState:             emitState,
		stateEventCount:       make(map[string]int64),
		lastWrittenCause:      make(map[string]CheckpointTag),
	}
}

func (m *PartitionedCheckpointManager) BeginLoad(ctx context.Context) (CheckpointTag, []byte, error) {
	return m.loadLatest(ctx)
}

func (m *PartitionedCheckpointManager) Suggest(tag CheckpointTag, state []byte) { m.suggest(tag, state) }
func (m *PartitionedCheckpointManager) Pending() bool                          { return m.pending() }
func (m *PartitionedCheckpointManager) Stats() int64                           { return m.stats() }

func (m *PartitionedCheckpointManager) TryWrite(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.hasSuggestion {
		m.mu.Unlock()
		return false, nil
	}
	tag, state := m.suggestedTag, m.suggestedState
	m.mu.Unlock()

	if m.gate.anyEmitPendingBelow(tag) {
		return false, nil
	}

	if err := m.writeCheckpoint(ctx, tag, state); err != nil {
		return false, err
	}

	if m.emitState {
		for _, partition := range m.cache.Partitions() {
			if partition == "" {
				continue
			}
			// Snapshot reads regardless of lock status: writeCheckpoint above
			// already unlocked every partition it covers, so GetLocked would
			// see every one of them as unlocked and silently skip the write.
			pState, causedBy, ok := m.cache.Snapshot(partition)
			if !ok || causedBy.Compare(tag) > 0 {
				continue
			}
			if last, written := m.lastWrittenCause[partition]; written && causedBy.Compare(last) <= 0 {
				continue // already persisted at this or a newer causedBy tag
			}
			if err := m.writePartitionState(ctx, partition, pState, causedBy); err != nil {
				return true, err
			}
			m.lastWrittenCause[partition] = causedBy
		}
	}

	m.mu.Lock()
	m.hasSuggestion = false
	m.mu.Unlock()
	return true, nil
}

func (m *PartitionedCheckpointManager) writePartitionState(ctx context.Context, partition string, state []byte, causedBy CheckpointTag) error {
	stream := m.naming.PartitionStateStream(m.name, partition)
	expected := m.stateEventCount[partition] - 1
	res, err := m.es.WriteEvents(ctx, stream, expected, []store.RawEvent{
		{EventType: "StateUpdated", Data: state, Metadata: encodeTagMetadata(causedBy)},
	})
	if err != nil {
		return err
	}
	if res.Status != store.WriteSuccess {
		return faultf(causedBy, "unsupported_result", "partition state write to %s returned %v", stream, res.Status)
	}
	m.stateEventCount[partition]++
	m.emitter.emit("checkpoint", "partition_state_written", causedBy, map[string]interface{}{"partition": partition})
	return nil
}
