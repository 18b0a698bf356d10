// Package dispatch delivers ride lifecycle events and live tracking updates
// to whoever is listening: the events topic on Kafka, websocket subscribers
// of a ride, or just the log.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/observability"
)

type EventType string

const (
	EventRideOrdered       EventType = "ride.ordered"
	EventRideStarted       EventType = "ride.started"
	EventRideStopRequested EventType = "ride.stop_requested"
	EventRideCompleted     EventType = "ride.completed"
	EventRideCancelled     EventType = "ride.cancelled"
	EventRideReminder      EventType = "ride.reminder"
)

type Event struct {
	Type        EventType         `json:"type"`
	RideID      string            `json:"ride_id"`
	Status      models.RideStatus `json:"status"`
	DriverID    string            `json:"driver_id,omitempty"`
	CreatorID   string            `json:"creator_id"`
	Passengers  []string          `json:"passengers,omitempty"`
	Price       float64           `json:"price"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	At          time.Time         `json:"at"`
}

// NewRideEvent snapshots the parts of r a listener needs.
func NewRideEvent(t EventType, r *models.Ride, at time.Time) Event {
	ev := Event{
		Type:        t,
		RideID:      r.ID,
		Status:      r.Status,
		DriverID:    r.DriverID,
		CreatorID:   r.CreatorID,
		Passengers:  append([]string(nil), r.Passengers...),
		Price:       r.Price,
		ScheduledAt: r.ScheduledAt,
		At:          at,
	}
	if c := r.Cancellation; c != nil {
		ev.Actor = string(c.By)
		ev.Reason = c.Reason
	}
	return ev
}

// Notifier publishes events. Callers invoke it only after their transaction
// has committed.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// LogNotifier is used when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Publish(ctx context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("ride_event", "type", ev.Type, "ride_id", ev.RideID, "status", ev.Status, "driver_id", ev.DriverID)
	observability.EventsPublished.WithLabelValues(string(ev.Type), "logged").Inc()
	return nil
}

// Fanout publishes to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
