// Package ingest carries ride-scoped location pings over Kafka so that the
// HTTP edge can accept them without waiting on the tracking cache.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

// LocationPing is one position report of the driver of a ride.
type LocationPing struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (p LocationPing) Sample() models.TrackingSample {
	return models.TrackingSample{
		DriverID:   p.DriverID,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Heading:    p.Heading,
		Speed:      p.Speed,
		RecordedAt: p.RecordedAt,
	}
}

// DecodePing parses a message value and rejects pings without a ride or driver.
func DecodePing(b []byte) (LocationPing, error) {
	var p LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return LocationPing{}, fmt.Errorf("decode ping: %w", err)
	}
	if strings.TrimSpace(p.RideID) == "" || strings.TrimSpace(p.DriverID) == "" {
		return LocationPing{}, fmt.Errorf("decode ping: ride_id and driver_id are required")
	}
	return p, nil
}

type KafkaProducer struct {
	writer *kafka.Writer
}

// pingBatchTimeout keeps a single ping from waiting for a full batch.
const pingBatchTimeout = 5 * time.Millisecond

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: pingBatchTimeout,
	}
	return &KafkaProducer{writer: w}
}

// PublishPing keys by ride id so pings of one ride stay ordered.
func (k *KafkaProducer) PublishPing(ctx context.Context, p LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
