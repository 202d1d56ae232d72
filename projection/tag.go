package projection

import (
	"fmt"
	"strings"

	"github.com/foldrun/projector-go/projection/store"
)

// CheckpointTag is an opaque, totally-ordered position identifier. It
// embeds the global log position and, for multi-stream projections, a
// vector of per-stream sequence numbers. Ordering is strict; equality
// is structural.
type CheckpointTag struct {
	Position   store.Position
	Streams    map[string]int64 // stream id -> event number, for multi-stream tags
}

// ZeroTag is the tag before any event has been delivered.
var ZeroTag = CheckpointTag{Streams: nil}

// IsZero reports whether t is the zero tag.
func (t CheckpointTag) IsZero() bool {
	return t.Position == store.Position{} && len(t.Streams) == 0
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater
// than other. Multi-stream tags compare by global position first; a
// tag with a per-stream vector breaks ties on a lexical stream-id walk,
// which is sufficient because the Subscription never produces two
// distinct tags with an identical global position.
func (t CheckpointTag) Compare(other CheckpointTag) int {
	if t.Position.Commit != other.Position.Commit {
		return cmpInt64(t.Position.Commit, other.Position.Commit)
	}
	if t.Position.Prepare != other.Position.Prepare {
		return cmpInt64(t.Position.Prepare, other.Position.Prepare)
	}
	if len(t.Streams) == 0 && len(other.Streams) == 0 {
		return 0
	}
	keys := mergedKeys(t.Streams, other.Streams)
	for _, k := range keys {
		if c := cmpInt64(t.Streams[k], other.Streams[k]); c != 0 {
			return c
		}
	}
	return 0
}

// Less reports whether t strictly precedes other.
func (t CheckpointTag) Less(other CheckpointTag) bool { return t.Compare(other) < 0 }

// LessOrEqual reports whether t precedes or equals other.
func (t CheckpointTag) LessOrEqual(other CheckpointTag) bool { return t.Compare(other) <= 0 }

func (t CheckpointTag) String() string {
	if len(t.Streams) == 0 {
		return fmt.Sprintf("C:%d/P:%d", t.Position.Commit, t.Position.Prepare)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "C:%d/P:%d", t.Position.Commit, t.Position.Prepare)
	for _, k := range mergedKeys(t.Streams, nil) {
		fmt.Fprintf(&b, ";%s:%d", k, t.Streams[k])
	}
	return b.String()
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func mergedKeys(a, b map[string]int64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sortStrings(keys)
	return keys
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// PositionTagger converts a committed event into the next checkpoint
// tag, given the previously assigned tag. Three variants ship, matching
// the three subscription shapes named in spec.md §4.6.
type PositionTagger interface {
	Tag(prev CheckpointTag, ev store.CommittedEvent) CheckpointTag
}

// SingleStreamTagger tags by event number within one stream. Used when
// a projection subscribes to exactly one stream.
type SingleStreamTagger struct{}

func (SingleStreamTagger) Tag(_ CheckpointTag, ev store.CommittedEvent) CheckpointTag {
	return CheckpointTag{Position: ev.Position, Streams: map[string]int64{ev.StreamID: ev.EventNumber}}
}

// MultiStreamTagger tags by a vector of per-stream sequence numbers,
// carrying forward every stream's last-seen number and updating the
// one that just advanced. Used when a projection subscribes to a fixed
// set of named streams.
type MultiStreamTagger struct{}

func (MultiStreamTagger) Tag(prev CheckpointTag, ev store.CommittedEvent) CheckpointTag {
	next := CheckpointTag{Position: ev.Position, Streams: make(map[string]int64, len(prev.Streams)+1)}
	for k, v := range prev.Streams {
		next.Streams[k] = v
	}
	next.Streams[ev.StreamID] = ev.EventNumber
	return next
}

// AllStreamTagger tags purely by global (commit, prepare) position.
// Used for "$all"-style projections with no stream-level structure.
type AllStreamTagger struct{}

func (AllStreamTagger) Tag(_ CheckpointTag, ev store.CommittedEvent) CheckpointTag {
	return CheckpointTag{Position: ev.Position}
}
