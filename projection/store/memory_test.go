package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEventStoreWriteAndReadBackward(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	res, err := s.WriteEvents(ctx, "order-1", ExpectedVersionNoStream, []RawEvent{
		{EventType: "OrderPlaced", Data: []byte(`{"total":10}`)},
		{EventType: "OrderShipped", Data: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
	if res.Status != WriteSuccess || res.FirstEventNumber != 0 {
		t.Fatalf("unexpected write result: %+v", res)
	}

	read, err := s.ReadStreamEventsBackward(ctx, "order-1", -1, 10)
	if err != nil {
		t.Fatalf("ReadStreamEventsBackward: %v", err)
	}
	if read.Status != ReadSuccess || len(read.Events) != 2 {
		t.Fatalf("unexpected read result: %+v", read)
	}
	if read.Events[0].EventType != "OrderShipped" || read.Events[1].EventType != "OrderPlaced" {
		t.Fatalf("events not in backward order: %+v", read.Events)
	}
	if !read.IsEndOfStream {
		t.Fatalf("expected end of stream")
	}
}

func TestMemoryEventStoreWrongExpectedVersion(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	if _, err := s.WriteEvents(ctx, "order-1", ExpectedVersionNoStream, []RawEvent{{EventType: "OrderPlaced"}}); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}

	res, err := s.WriteEvents(ctx, "order-1", ExpectedVersionNoStream, []RawEvent{{EventType: "OrderPlaced"}})
	if err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
	if res.Status != WriteWrongExpectedVersion {
		t.Fatalf("expected WriteWrongExpectedVersion, got %v", res.Status)
	}

	res, err = s.WriteEvents(ctx, "order-1", 0, []RawEvent{{EventType: "OrderShipped"}})
	if err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
	if res.Status != WriteSuccess || res.FirstEventNumber != 1 {
		t.Fatalf("unexpected write result: %+v", res)
	}
}

func TestMemoryEventStoreReadMissingStream(t *testing.T) {
	s := NewMemoryEventStore()
	read, err := s.ReadStreamEventsBackward(context.Background(), "nope", -1, 10)
	if err != nil {
		t.Fatalf("ReadStreamEventsBackward: %v", err)
	}
	if read.Status != ReadNoStream {
		t.Fatalf("expected ReadNoStream, got %v", read.Status)
	}
}

func TestMemoryEventStoreSubscribeReplaysThenLive(t *testing.T) {
	s := NewMemoryEventStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.WriteEvents(ctx, "order-1", ExpectedVersionNoStream, []RawEvent{{EventType: "OrderPlaced"}}); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}

	ch, err := s.SubscribeFrom(ctx, Position{}, StreamFilter{})
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.EventType != "OrderPlaced" {
			t.Fatalf("unexpected backlog event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog event")
	}

	if _, err := s.WriteEvents(ctx, "order-1", 0, []RawEvent{{EventType: "OrderShipped"}}); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.EventType != "OrderShipped" {
			t.Fatalf("unexpected live event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestMemoryEventStoreSubscribeAppliesFilter(t *testing.T) {
	s := NewMemoryEventStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeFrom(ctx, Position{}, StreamFilter{Streams: []string{"order-1"}})
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}

	if _, err := s.WriteEvents(ctx, "invoice-1", ExpectedVersionNoStream, []RawEvent{{EventType: "InvoiceIssued"}}); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
	if _, err := s.WriteEvents(ctx, "order-1", ExpectedVersionNoStream, []RawEvent{{EventType: "OrderPlaced"}}); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.StreamID != "order-1" {
			t.Fatalf("filter leaked unmatched stream: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestMemoryEventStoreClosedRejectsOperations(t *testing.T) {
	s := NewMemoryEventStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.WriteEvents(context.Background(), "order-1", ExpectedVersionAny, []RawEvent{{EventType: "x"}}); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
