package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Consumer yields raw inbound notifications.
type Consumer interface {
	// Start begins consuming.
	Start(ctx context.Context) error
	// Messages returns a channel of raw notification payloads.
	Messages() <-chan ConsumerMessage
	// Close stops the consumer.
	Close() error
}

// ConsumerMessage is one raw payload.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// KafkaConsumer reads notifications from a topic as part of a consumer
// group, so several kafpage processes share the feed.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topic         string
	reader        *kafka.Reader
	messages      chan ConsumerMessage
}

// NewKafkaConsumer creates a consumer for topic.
func NewKafkaConsumer(brokers, consumerGroup, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topic:         topic,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start launches the reader goroutine.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	if c.topic == "" {
		return fmt.Errorf("kafka consumer: empty topic")
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func(r *kafka.Reader) {
		defer close(c.messages)
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("KafkaConsumer: read error", "topic", c.topic, "error", err)
				continue
			}
			select {
			case c.messages <- ConsumerMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}(c.reader)
	return nil
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops the reader. The message channel closes once the reader
// goroutine observes cancellation.
func (c *KafkaConsumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch chan ConsumerMessage
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a raw payload into the consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}

// Listener feeds consumed notifications into a Handler.
type Listener struct {
	consumer Consumer
	handler  *Handler
}

// NewListener binds a consumer to a handler.
func NewListener(consumer Consumer, handler *Handler) *Listener {
	return &Listener{consumer: consumer, handler: handler}
}

// Run consumes until ctx is cancelled or the consumer closes. Bad payloads
// and handler failures are logged; the listener keeps going.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.consumer.Start(ctx); err != nil {
		return fmt.Errorf("intake listener: start consumer: %w", err)
	}
	defer l.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-l.consumer.Messages():
			if !ok {
				return nil
			}
			l.handleMessage(ctx, msg)
		}
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg ConsumerMessage) {
	var n Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		slog.Warn("IntakeListener: unmarshal notification", "error", err, "topic", msg.Topic)
		return
	}
	created, err := l.handler.Handle(ctx, n)
	if err != nil {
		slog.Error("IntakeListener: handle notification", "message_id", n.MessageID, "error", err)
	}
	slog.Debug("IntakeListener: notification handled", "message_id", n.MessageID, "created", len(created))
}
