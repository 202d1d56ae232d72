package projection

import (
	"testing"

	"github.com/foldrun/projector-go/projection/store"
)

func TestCheckpointTagIsZero(t *testing.T) {
	if !ZeroTag.IsZero() {
		t.Fatalf("ZeroTag should report IsZero")
	}
	tag := CheckpointTag{Position: store.Position{Commit: 1, Prepare: 1}}
	if tag.IsZero() {
		t.Fatalf("non-zero position should not report IsZero")
	}
}

func TestCheckpointTagCompareByPosition(t *testing.T) {
	a := CheckpointTag{Position: store.Position{Commit: 1, Prepare: 1}}
	b := CheckpointTag{Position: store.Position{Commit: 2, Prepare: 2}}

	if !a.Less(b) {
		t.Fatalf("expected a < b")
	}
	if b.Less(a) {
		t.Fatalf("expected b not < a")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a == a")
	}
	if !a.LessOrEqual(a) {
		t.Fatalf("expected a <= a")
	}
}

func TestCheckpointTagCompareByStreamVector(t *testing.T) {
	pos := store.Position{Commit: 5, Prepare: 5}
	a := CheckpointTag{Position: pos, Streams: map[string]int64{"orders": 1, "returns": 0}}
	b := CheckpointTag{Position: pos, Streams: map[string]int64{"orders": 1, "returns": 1}}

	if !a.Less(b) {
		t.Fatalf("expected a < b when returns advanced")
	}
}

func TestSingleStreamTagger(t *testing.T) {
	ev := store.CommittedEvent{StreamID: "orders", EventNumber: 3, Position: store.Position{Commit: 10, Prepare: 10}}
	tag := SingleStreamTagger{}.Tag(ZeroTag, ev)
	if tag.Streams["orders"] != 3 {
		t.Fatalf("expected stream event number 3, got %d", tag.Streams["orders"])
	}
}

func TestMultiStreamTaggerCarriesForward(t *testing.T) {
	tagger := MultiStreamTagger{}
	prev := CheckpointTag{Streams: map[string]int64{"a": 1}}
	ev := store.CommittedEvent{StreamID: "b", EventNumber: 2}
	next := tagger.Tag(prev, ev)

	if next.Streams["a"] != 1 {
		t.Fatalf("expected stream a carried forward, got %v", next.Streams)
	}
	if next.Streams["b"] != 2 {
		t.Fatalf("expected stream b updated, got %v", next.Streams)
	}
	// prev must not be mutated.
	if _, ok := prev.Streams["b"]; ok {
		t.Fatalf("prev tag must not be mutated")
	}
}

func TestAllStreamTaggerIgnoresStreams(t *testing.T) {
	ev := store.CommittedEvent{StreamID: "anything", EventNumber: 9, Position: store.Position{Commit: 4, Prepare: 4}}
	tag := AllStreamTagger{}.Tag(ZeroTag, ev)
	if len(tag.Streams) != 0 {
		t.Fatalf("expected no stream vector, got %v", tag.Streams)
	}
	if tag.Position.Commit != 4 {
		t.Fatalf("expected position carried through")
	}
}

func TestCheckpointTagString(t *testing.T) {
	tag := CheckpointTag{Position: store.Position{Commit: 1, Prepare: 2}, Streams: map[string]int64{"b": 1, "a": 2}}
	got := tag.String()
	want := "C:1/P:2;a:2;b:1"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
