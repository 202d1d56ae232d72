package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNullEmitter(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{Msg: "x"})
	if err := n.EmitBatch(context.Background(), []Event{{Msg: "x"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{Projection: "orders", Tag: "c1", Component: "checkpoint", Msg: "checkpoint_written"})

	out := buf.String()
	if !strings.Contains(out, "[checkpoint_written]") || !strings.Contains(out, "projection=orders") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	l.Emit(Event{Projection: "orders", Msg: "restart_requested", Meta: map[string]interface{}{"reason": "wrong expected version"}})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON line: %v (%s)", err, buf.String())
	}
	if decoded["msg"] != "restart_requested" {
		t.Fatalf("msg = %v", decoded["msg"])
	}
}

func TestLogEmitterBatchPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	events := []Event{{Msg: "a"}, {Msg: "b"}, {Msg: "c"}}
	if err := l.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, want := range []string{"a", "b", "c"} {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(lines[i]), &decoded); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if decoded["msg"] != want {
			t.Fatalf("line %d: msg = %v, want %v", i, decoded["msg"], want)
		}
	}
}

func TestBufferedEmitterHistoryAndFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Projection: "orders", Component: "lifecycle", Msg: "state_changed"})
	b.Emit(Event{Projection: "orders", Component: "checkpoint", Msg: "checkpoint_written"})
	b.Emit(Event{Projection: "other", Component: "lifecycle", Msg: "state_changed"})

	all := b.GetHistory("orders")
	if len(all) != 2 {
		t.Fatalf("expected 2 events for orders, got %d", len(all))
	}

	filtered := b.GetHistoryWithFilter("orders", HistoryFilter{Component: "checkpoint"})
	if len(filtered) != 1 || filtered[0].Msg != "checkpoint_written" {
		t.Fatalf("unexpected filtered result: %+v", filtered)
	}

	b.Clear("orders")
	if len(b.GetHistory("orders")) != 0 {
		t.Fatalf("expected history cleared")
	}
	if len(b.GetHistory("other")) != 1 {
		t.Fatalf("expected other projection untouched")
	}
}

func TestBufferedEmitterClearAll(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Projection: "a", Msg: "x"})
	b.Emit(Event{Projection: "b", Msg: "x"})
	b.Clear("")
	if len(b.GetHistory("a")) != 0 || len(b.GetHistory("b")) != 0 {
		t.Fatalf("expected all histories cleared")
	}
}
