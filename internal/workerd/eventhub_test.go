package workerd

import (
	"context"
	"testing"
	"time"

	"encodeq/internal/protocol"
)

func TestEventHubSequencesAndTrims(t *testing.T) {
	hub := NewEventHub(3)
	for range 5 {
		hub.Publish(protocol.Event{Type: protocol.EventLogMessage})
	}
	events, first, err := hub.Fetch(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 3 || events[2].Seq != 5 {
		t.Fatalf("unexpected events %+v", events)
	}
	if first != 3 {
		t.Fatalf("expected first 3, got %d", first)
	}
	if hub.LastSequence() != 5 {
		t.Fatalf("expected last 5, got %d", hub.LastSequence())
	}
}

func TestEventHubLongPollWakes(t *testing.T) {
	hub := NewEventHub(8)
	go func() {
		time.Sleep(20 * time.Millisecond)
		hub.Publish(protocol.Event{Type: protocol.EventScanComplete})
	}()
	events, _, err := hub.Fetch(context.Background(), 0, 10, time.Second)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestEventHubWaitElapses(t *testing.T) {
	hub := NewEventHub(8)
	hub.Publish(protocol.Event{Type: protocol.EventLogMessage})
	start := time.Now()
	events, first, err := hub.Fetch(context.Background(), 1, 10, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if first != 1 {
		t.Fatalf("expected first 1, got %d", first)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("fetch returned before wait elapsed")
	}
}
