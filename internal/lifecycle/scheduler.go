package lifecycle

import (
	"context"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/dispatch"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

const (
	DefaultReminderLead  = 15 * time.Minute
	DefaultScheduleGrace = 15 * time.Minute
	reminderInterval     = 5 * time.Minute
	noShowReason         = "scheduled ride was not started in time"
)

// Scheduler sweeps SCHEDULED rides: it reminds the parties as the pickup time
// approaches and cancels rides the driver never started.
type Scheduler struct {
	Service  *Service
	Interval time.Duration
	// ReminderLead is how long before the scheduled time reminders start.
	ReminderLead time.Duration
	// Grace is how long past the scheduled time a ride may stay unstarted.
	Grace time.Duration

	stop chan struct{}
	done chan struct{}
}

func (sc *Scheduler) lead() time.Duration {
	if sc.ReminderLead > 0 {
		return sc.ReminderLead
	}
	return DefaultReminderLead
}

func (sc *Scheduler) grace() time.Duration {
	if sc.Grace > 0 {
		return sc.Grace
	}
	return DefaultScheduleGrace
}

// Start runs Sweep every Interval until Stop is called or ctx ends.
func (sc *Scheduler) Start(ctx context.Context) {
	interval := sc.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	sc.stop = make(chan struct{})
	sc.done = make(chan struct{})
	go func() {
		defer close(sc.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sc.Sweep(ctx); err != nil {
					sc.Service.logger().Error("scheduler_sweep_failed", "error", err)
				}
			case <-sc.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (sc *Scheduler) Stop() {
	if sc.stop == nil {
		return
	}
	close(sc.stop)
	<-sc.done
}

// Sweep performs one pass. A failure on one ride does not stop the pass.
func (sc *Scheduler) Sweep(ctx context.Context) error {
	s := sc.Service
	now := s.now()
	rides, err := s.Store.ScheduledRides(ctx, now.Add(sc.lead()))
	if err != nil {
		return err
	}
	for _, r := range rides {
		if now.After(r.ScheduledAt.Add(sc.grace())) {
			if _, err := s.cancel(ctx, r.ID, "", models.ActorSystem, noShowReason); err != nil {
				s.logger().Warn("scheduled_ride_cancel_failed", "ride_id", r.ID, "error", err)
			}
			continue
		}
		if r.ReminderSentAt != nil && now.Sub(*r.ReminderSentAt) < reminderInterval {
			continue
		}
		s.publish(ctx, dispatch.EventRideReminder, r)
		if err := s.Store.MarkReminderSent(ctx, r.ID, now); err != nil {
			s.logger().Warn("reminder_mark_failed", "ride_id", r.ID, "error", err)
			continue
		}
		s.logger().Info("ride_reminder_sent", "ride_id", r.ID, "scheduled_at", r.ScheduledAt)
	}
	return nil
}
