package projection

import (
	"testing"

	"github.com/foldrun/projector-go/projection/store"
)

func TestEventFilterPassesSourceEmptyMatchesAll(t *testing.T) {
	f := EventFilter{}
	if !f.PassesSource("anything") {
		t.Fatalf("empty source filter should match every stream")
	}
}

func TestEventFilterPassesSourceAllowlist(t *testing.T) {
	f := EventFilter{Source: store.StreamFilter{Streams: []string{"orders"}}}
	if !f.PassesSource("orders") {
		t.Fatalf("expected orders to pass")
	}
	if f.PassesSource("returns") {
		t.Fatalf("expected returns to be rejected")
	}
}

func TestEventFilterPassesEventEmptyMatchesAll(t *testing.T) {
	f := EventFilter{}
	if !f.PassesEvent("AnyType") {
		t.Fatalf("empty event-type filter should match every type")
	}
}

func TestEventFilterPassesEventAllowlist(t *testing.T) {
	f := EventFilter{EventTypes: []string{"OrderPlaced"}}
	if !f.PassesEvent("OrderPlaced") {
		t.Fatalf("expected OrderPlaced to pass")
	}
	if f.PassesEvent("OrderShipped") {
		t.Fatalf("expected OrderShipped to be rejected")
	}
}
