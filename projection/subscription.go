package projection

import (
	"context"

	"github.com/foldrun/projector-go/projection/store"
)

// SubscriptionMessage is the union of messages a Subscription publishes
// upward to CoreProjection, each carrying the monotonically increasing
// sequence number the projection uses to detect gaps (spec.md §4.1
// "out-of-order rejection").
type SubscriptionMessage struct {
	Seq int64
	Kind SubscriptionMessageKind

	Event     EventEnvelope   // valid when Kind == EventReceived
	Suggested CheckpointTag   // valid when Kind == CheckpointSuggested
}

// SubscriptionMessageKind enumerates the message kinds a Subscription emits.
type SubscriptionMessageKind int

const (
	EventReceived SubscriptionMessageKind = iota
	ProgressChanged
	CheckpointSuggested
	EofReached
)

// Subscription wraps an EventReader (here, an EventStore subscribe
// call) over the event source. It tags, filters, and sequences
// committed events into SubscriptionMessages for CoreProjection.
type Subscription struct {
	es     store.EventStore
	filter EventFilter
	tagger PositionTagger

	unhandledBytesThreshold int
	stopOnEof               bool

	lastTag         CheckpointTag
	unhandledBytes  int
	seq             int64
	eofPublished    bool
}

// NewSubscription creates a Subscription over es, starting logically
// at fromTag (the tag to resume after; events at or before it are
// dropped as replay dedup per spec.md §4.6 step 2).
func NewSubscription(es store.EventStore, filter EventFilter, tagger PositionTagger, fromTag CheckpointTag, unhandledBytesThreshold int, stopOnEof bool) *Subscription {
	return &Subscription{
		es:                      es,
		filter:                  filter,
		tagger:                  tagger,
		unhandledBytesThreshold: unhandledBytesThreshold,
		stopOnEof:               stopOnEof,
		lastTag:                 fromTag,
	}
}

// Run starts delivering SubscriptionMessages on the returned channel
// until ctx is canceled or upstream EOF is reached with stop_on_eof
// set. It is the caller's (CoreProjection's) responsibility to process
// messages in sequence order and to treat a gap as fatal.
func (s *Subscription) Run(ctx context.Context) (<-chan SubscriptionMessage, error) {
	filter := store.StreamFilter{Streams: s.filter.Source.Streams, CategoryPrefixes: s.filter.Source.CategoryPrefixes}
	raw, err := s.es.SubscribeFrom(ctx, s.lastTag.Position, filter)
	if err != nil {
		return nil, err
	}

	out := make(chan SubscriptionMessage, 256)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-raw:
				if !ok {
					if s.stopOnEof && !s.eofPublished {
						s.eofPublished = true
						out <- s.next(EofReached)
					}
					return
				}
				s.deliver(ctx, out, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Subscription) deliver(ctx context.Context, out chan<- SubscriptionMessage, ev store.CommittedEvent) {
	candidate := s.tagger.Tag(s.lastTag, ev)

	// Replay dedup: reject records whose tag is <= the last delivered tag.
	if !s.lastTag.IsZero() && candidate.Compare(s.lastTag) <= 0 {
		return
	}
	s.lastTag = candidate

	if !s.filter.PassesSource(ev.StreamID) || !s.filter.PassesEvent(ev.EventType) {
		s.unhandledBytes += len(ev.Data) + len(ev.Metadata)
		if s.unhandledBytesThreshold > 0 && s.unhandledBytes >= s.unhandledBytesThreshold {
			s.unhandledBytes = 0
			select {
			case out <- s.next2(CheckpointSuggested, candidate):
			case <-ctx.Done():
			}
		}
		return
	}

	env := EventEnvelope{
		Tag:       candidate,
		Stream:    ev.StreamID,
		EventType: ev.EventType,
		EventID:   "",
		Seq:       ev.EventNumber,
		Metadata:  ev.Metadata,
		Data:      ev.Data,
	}
	msg := SubscriptionMessage{Seq: s.seq, Kind: EventReceived, Event: env}
	s.seq++
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func (s *Subscription) next(kind SubscriptionMessageKind) SubscriptionMessage {
	m := SubscriptionMessage{Seq: s.seq, Kind: kind}
	s.seq++
	return m
}

func (s *Subscription) next2(kind SubscriptionMessageKind, tag CheckpointTag) SubscriptionMessage {
	m := SubscriptionMessage{Seq: s.seq, Kind: kind, Suggested: tag}
	s.seq++
	return m
}
