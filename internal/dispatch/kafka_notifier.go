package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes events to the events topic keyed by ride id, so every
// event of one ride lands on the same partition in order.
type KafkaNotifier struct {
	writer  MessageWriter
	timeout time.Duration
}

// writeBatchTimeout bounds how long a synchronous write waits for its batch
// to fill.
const writeBatchTimeout = 5 * time.Millisecond

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           writeBatchTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaNotifierWithWriter(w)
}

func NewKafkaNotifierWithWriter(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaNotifier) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		observability.EventsPublished.WithLabelValues(string(ev.Type), "failed").Inc()
		return fmt.Errorf("publish %s for ride %s: %w", ev.Type, ev.RideID, err)
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
	return nil
}

func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
