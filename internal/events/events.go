// Package events defines page lifecycle events and their Kafka sink.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeCreated      = "page.created"
	TypeDuplicate    = "page.duplicate"
	TypeEscalated    = "page.escalated"
	TypeAcknowledged = "page.acknowledged"
	TypeResolved     = "page.resolved"
	TypeAborted      = "page.aborted"
)

// PageEvent is emitted whenever a page changes state.
type PageEvent struct {
	Type       string        `json:"type"`
	PageID     string        `json:"page_id"`
	Team       string        `json:"team,omitempty"`
	Stage      int           `json:"stage"`
	Recipients []string      `json:"recipients,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Batches    int           `json:"batches,omitempty"`
	Failures   []string      `json:"failures,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Age        time.Duration `json:"age,omitempty"` // since creation, set on ack
	Time       time.Time     `json:"time"`
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ev *PageEvent)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(*PageEvent) {}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a topic, keyed by page id so one
// page's events stay ordered within a partition.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaPublisher creates a synchronous writer for topic.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaPublisher{w: w, timeout: 10 * time.Second}
}

// Write sends one event.
func (p *KafkaPublisher) Write(ctx context.Context, ev *PageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.PageID),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
		Time:    ev.Time,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Handle is a bus callback. Failures are logged and dropped.
func (p *KafkaPublisher) Handle(ev *PageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Write(ctx, ev); err != nil {
		slog.Warn("Event publish failed", "type", ev.Type, "page_id", ev.PageID, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
