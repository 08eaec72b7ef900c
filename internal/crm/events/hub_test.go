package events

import (
	"encoding/json"
	"testing"
)

func TestHubPublish(t *testing.T) {
	hub := NewHub(nil)
	client := &Client{ID: "c1", UserID: "u1", Events: make(chan Event, 1)}
	hub.Register(client)

	hub.Publish(StageChanged, StageChange{OpportunityID: "o1", FromStage: 1, ToStage: 2, Status: "Active"})

	ev := <-client.Events
	if ev.EventType != StageChanged {
		t.Fatalf("expected %s, got %s", StageChanged, ev.EventType)
	}
	var got StageChange
	if err := json.Unmarshal([]byte(ev.Data), &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.OpportunityID != "o1" || got.ToStage != 2 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestHubSkipsFullClients(t *testing.T) {
	hub := NewHub(nil)
	client := &Client{ID: "c1", Events: make(chan Event, 1)}
	hub.Register(client)

	hub.Broadcast(Event{EventType: "a"})
	hub.Broadcast(Event{EventType: "b"})

	if ev := <-client.Events; ev.EventType != "a" {
		t.Fatalf("expected first event, got %s", ev.EventType)
	}
	select {
	case ev := <-client.Events:
		t.Fatalf("unexpected buffered event %s", ev.EventType)
	default:
	}

	hub.Unregister("c1")
	if hub.ClientCount() != 0 {
		t.Fatalf("expected no clients, got %d", hub.ClientCount())
	}
	if _, ok := <-client.Events; ok {
		t.Fatal("channel should be closed after unregister")
	}
}
