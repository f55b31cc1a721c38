// Package bus fans page events out to in-process subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/KafPage/internal/events"
)

// AllTypes subscribes a callback to every event type.
const AllTypes = "*"

// EventBus decouples the escalation loop from event consumers.
type EventBus struct {
	queue chan *events.PageEvent
	subs  map[string][]func(*events.PageEvent)
	mu    sync.RWMutex
}

// NewEventBus creates a bus with the given queue depth.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 100
	}
	return &EventBus{
		queue: make(chan *events.PageEvent, size),
		subs:  make(map[string][]func(*events.PageEvent)),
	}
}

// Publish queues an event. When the queue is full the event is dropped so
// the escalation loop never stalls on a slow subscriber.
func (b *EventBus) Publish(ev *events.PageEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case b.queue <- ev:
	default:
		slog.Warn("Event bus full, dropping event", "type", ev.Type, "page_id", ev.PageID)
	}
}

// Subscribe registers a callback for one event type, or AllTypes.
func (b *EventBus) Subscribe(eventType string, callback func(*events.PageEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = append(b.subs[eventType], callback)
}

// Dispatch delivers queued events until ctx is cancelled.
// This should be run as a goroutine.
func (b *EventBus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

// Drain delivers whatever is queued without blocking.
func (b *EventBus) Drain() {
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		default:
			return
		}
	}
}

func (b *EventBus) deliver(ev *events.PageEvent) {
	b.mu.RLock()
	callbacks := append(append([]func(*events.PageEvent){}, b.subs[ev.Type]...), b.subs[AllTypes]...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// Size returns the number of pending events.
func (b *EventBus) Size() int {
	return len(b.queue)
}
