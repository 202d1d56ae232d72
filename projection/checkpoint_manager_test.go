package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foldrun/projector-go/projection/store"
)

type alwaysOpenGate struct{}

func (alwaysOpenGate) anyEmitPendingBelow(CheckpointTag) bool { return false }
func (alwaysOpenGate) unlockCache(CheckpointTag)              {}

type blockingGate struct{ blocked bool }

func (g *blockingGate) anyEmitPendingBelow(CheckpointTag) bool { return g.blocked }
func (g *blockingGate) unlockCache(CheckpointTag)              {}

// realUnlockGate mirrors CoreProjection.unlockCache, actually releasing
// partition locks the way the production gate does, so tests built on
// it exercise the same unlock-before-read ordering production hits.
type realUnlockGate struct{ cache *PartitionStateCache }

func (g realUnlockGate) anyEmitPendingBelow(CheckpointTag) bool { return false }
func (g realUnlockGate) unlockCache(tag CheckpointTag)          { g.cache.Unlock(tag) }

func TestDefaultCheckpointManagerBeginLoadEmpty(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	m := NewDefaultCheckpointManager(es, &recordingSink{}, "orders", DefaultNamingBuilder{}, alwaysOpenGate{}, DefaultRetryPolicy())

	tag, state, err := m.BeginLoad(context.Background())
	if err != nil {
		t.Fatalf("BeginLoad: %v", err)
	}
	if tag.Compare(ZeroTag) != 0 || state != nil {
		t.Fatalf("expected zero tag and nil state on an empty checkpoint stream, got %v %v", tag, state)
	}
}

func TestDefaultCheckpointManagerSuggestAndTryWrite(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	sink := &recordingSink{}
	m := NewDefaultCheckpointManager(es, sink, "orders", DefaultNamingBuilder{}, alwaysOpenGate{}, DefaultRetryPolicy())

	tag := CheckpointTag{Streams: map[string]int64{"orders": 5}}
	m.Suggest(tag, []byte("state"))
	if !m.Pending() {
		t.Fatalf("expected a pending suggestion")
	}

	wrote, err := m.TryWrite(context.Background())
	if err != nil {
		t.Fatalf("TryWrite: %v", err)
	}
	if !wrote {
		t.Fatalf("expected TryWrite to succeed when the gate is open")
	}
	if m.Pending() {
		t.Fatalf("expected no pending suggestion after a successful write")
	}
	if m.Stats() != 1 {
		t.Fatalf("expected one checkpoint written, got %d", m.Stats())
	}

	loaded, state, err := m.BeginLoad(context.Background())
	if err != nil {
		t.Fatalf("BeginLoad: %v", err)
	}
	if loaded.Compare(tag) != 0 || string(state) != "state" {
		t.Fatalf("expected reload to find the written checkpoint, got %v %q", loaded, state)
	}
}

func TestDefaultCheckpointManagerTryWriteGatedByPendingEmits(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	gate := &blockingGate{blocked: true}
	m := NewDefaultCheckpointManager(es, &recordingSink{}, "orders", DefaultNamingBuilder{}, gate, DefaultRetryPolicy())

	tag := CheckpointTag{Streams: map[string]int64{"orders": 1}}
	m.Suggest(tag, []byte("state"))

	wrote, err := m.TryWrite(context.Background())
	if err != nil {
		t.Fatalf("TryWrite: %v", err)
	}
	if wrote {
		t.Fatalf("expected TryWrite to defer while the gate is blocked")
	}
	if !m.Pending() {
		t.Fatalf("expected the suggestion to remain pending")
	}
}

func TestDefaultCheckpointManagerSuggestIgnoresOlderTag(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	m := NewDefaultCheckpointManager(es, &recordingSink{}, "orders", DefaultNamingBuilder{}, alwaysOpenGate{}, DefaultRetryPolicy())

	newer := CheckpointTag{Streams: map[string]int64{"orders": 5}}
	older := CheckpointTag{Streams: map[string]int64{"orders": 1}}

	m.Suggest(newer, []byte("newer"))
	m.Suggest(older, []byte("older"))

	if _, err := m.TryWrite(context.Background()); err != nil {
		t.Fatalf("TryWrite: %v", err)
	}

	_, state, err := m.BeginLoad(context.Background())
	if err != nil {
		t.Fatalf("BeginLoad: %v", err)
	}
	if string(state) != "newer" {
		t.Fatalf("expected the newer suggestion to win, got %q", state)
	}
}

func TestDefaultCheckpointManagerRetriesOnWriteTimeout(t *testing.T) {
	mem := store.NewMemoryEventStore()
	defer mem.Close()
	fs := &flakyStore{EventStore: mem, failN: 2, status: store.WriteTimeout}
	m := NewDefaultCheckpointManager(fs, &recordingSink{}, "orders", DefaultNamingBuilder{}, alwaysOpenGate{}, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	tag := CheckpointTag{Streams: map[string]int64{"orders": 1}}
	m.Suggest(tag, []byte("state"))
	wrote, err := m.TryWrite(context.Background())
	if err != nil {
		t.Fatalf("TryWrite: %v", err)
	}
	if !wrote {
		t.Fatalf("expected the checkpoint write to eventually succeed after retrying WriteTimeout")
	}
}

func TestDefaultCheckpointManagerFaultsOnStreamDeleted(t *testing.T) {
	mem := store.NewMemoryEventStore()
	defer mem.Close()
	fs := &flakyStore{EventStore: mem, failN: 1, status: store.WriteStreamDeleted}
	m := NewDefaultCheckpointManager(fs, &recordingSink{}, "orders", DefaultNamingBuilder{}, alwaysOpenGate{}, DefaultRetryPolicy())

	tag := CheckpointTag{Streams: map[string]int64{"orders": 1}}
	m.Suggest(tag, []byte("state"))
	_, err := m.TryWrite(context.Background())
	var perr *ProjectionError
	if err == nil || !errors.As(err, &perr) || perr.Code != "stream_deleted" {
		t.Fatalf("expected a stream_deleted fault, got %v", err)
	}
}

func TestPartitionedCheckpointManagerWritesPartitionState(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	cache := NewPartitionStateCache()
	sink := &recordingSink{}
	// realUnlockGate actually unlocks the partition when the checkpoint
	// write completes, the same as CoreProjection's real gate — this is
	// the ordering the partition-state write must survive.
	m := NewPartitionedCheckpointManager(es, sink, "orders", DefaultNamingBuilder{}, realUnlockGate{cache: cache}, DefaultRetryPolicy(), cache, true)

	tag := CheckpointTag{Streams: map[string]int64{"orders": 3}}
	cache.CacheAndLock("customer-1", []byte("p-state"), tag, tag)

	m.Suggest(tag, []byte("root-state"))
	wrote, err := m.TryWrite(context.Background())
	if err != nil {
		t.Fatalf("TryWrite: %v", err)
	}
	if !wrote {
		t.Fatalf("expected checkpoint write to succeed")
	}

	if _, locked := cache.GetLocked("customer-1"); locked {
		t.Fatalf("expected the checkpoint write to have unlocked customer-1")
	}

	res, err := es.ReadStreamEventsBackward(context.Background(), DefaultNamingBuilder{}.PartitionStateStream("orders", "customer-1"), -1, 10)
	if err != nil {
		t.Fatalf("read partition state stream: %v", err)
	}
	if len(res.Events) != 1 || string(res.Events[0].Data) != "p-state" {
		t.Fatalf("expected one StateUpdated event with p-state, got %+v", res.Events)
	}
}

func TestPartitionedCheckpointManagerDoesNotRewriteUnchangedPartitionState(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	cache := NewPartitionStateCache()
	m := NewPartitionedCheckpointManager(es, &recordingSink{}, "orders", DefaultNamingBuilder{}, realUnlockGate{cache: cache}, DefaultRetryPolicy(), cache, true)

	tag1 := CheckpointTag{Streams: map[string]int64{"orders": 1}}
	cache.CacheAndLock("customer-1", []byte("p-state"), tag1, tag1)
	m.Suggest(tag1, []byte("root-1"))
	if _, err := m.TryWrite(context.Background()); err != nil {
		t.Fatalf("TryWrite 1: %v", err)
	}

	// A second checkpoint at a later tag with no new event for
	// customer-1: its causedBy tag hasn't advanced, so no duplicate
	// StateUpdated should be written.
	tag2 := CheckpointTag{Streams: map[string]int64{"orders": 2}}
	m.Suggest(tag2, []byte("root-2"))
	if _, err := m.TryWrite(context.Background()); err != nil {
		t.Fatalf("TryWrite 2: %v", err)
	}

	res, err := es.ReadStreamEventsBackward(context.Background(), DefaultNamingBuilder{}.PartitionStateStream("orders", "customer-1"), -1, 10)
	if err != nil {
		t.Fatalf("read partition state stream: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected exactly one StateUpdated event, got %d", len(res.Events))
	}
}

func TestPartitionedCheckpointManagerSkipsStateWhenDisabled(t *testing.T) {
	es := store.NewMemoryEventStore()
	defer es.Close()
	cache := NewPartitionStateCache()
	m := NewPartitionedCheckpointManager(es, &recordingSink{}, "orders", DefaultNamingBuilder{}, alwaysOpenGate{}, DefaultRetryPolicy(), cache, false)

	tag := CheckpointTag{Streams: map[string]int64{"orders": 1}}
	cache.CacheAndLock("customer-1", []byte("p-state"), tag, tag)
	m.Suggest(tag, []byte("root-state"))

	if _, err := m.TryWrite(context.Background()); err != nil {
		t.Fatalf("TryWrite: %v", err)
	}

	res, err := es.ReadStreamEventsBackward(context.Background(), DefaultNamingBuilder{}.PartitionStateStream("orders", "customer-1"), -1, 10)
	if err != nil {
		t.Fatalf("read partition state stream: %v", err)
	}
	if res.Status != store.ReadNoStream {
		t.Fatalf("expected no partition state stream written when disabled, got %+v", res)
	}
}
