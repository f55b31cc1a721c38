package bus

import (
	"context"
	"testing"
	"time"

	"github.com/KafClaw/KafPage/internal/events"
)

func TestDispatchRoutesByType(t *testing.T) {
	b := NewEventBus(10)

	acked := make(chan string, 1)
	all := make(chan string, 4)
	b.Subscribe(events.TypeAcknowledged, func(ev *events.PageEvent) { acked <- ev.PageID })
	b.Subscribe(AllTypes, func(ev *events.PageEvent) { all <- ev.Type })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)

	b.Publish(&events.PageEvent{Type: events.TypeEscalated, PageID: "p1"})
	b.Publish(&events.PageEvent{Type: events.TypeAcknowledged, PageID: "p1"})

	select {
	case id := <-acked:
		if id != "p1" {
			t.Fatalf("unexpected page id %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack event")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard subscriber missed an event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewEventBus(1)
	b.Publish(&events.PageEvent{Type: events.TypeCreated, PageID: "a"})
	b.Publish(&events.PageEvent{Type: events.TypeCreated, PageID: "b"})
	if b.Size() != 1 {
		t.Fatalf("expected one queued event, got %d", b.Size())
	}

	var got []string
	b.Subscribe(events.TypeCreated, func(ev *events.PageEvent) { got = append(got, ev.PageID) })
	b.Drain()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected delivered events %v", got)
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := NewEventBus(1)
	ev := &events.PageEvent{Type: events.TypeCreated}
	b.Publish(ev)
	if ev.Time.IsZero() {
		t.Fatal("expected publish to set the event time")
	}
}
