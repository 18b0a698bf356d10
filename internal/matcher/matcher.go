// Package matcher picks the driver for a ride inside the caller's store
// transaction. Selection never waits on a row another assignment holds.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/geo"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/observability"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
)

// Candidate is what a ride needs from a driver.
type Candidate struct {
	Vehicle  models.VehicleType
	Pickup   models.Coord
	Dropoff  models.Coord
	NeedBaby bool
	NeedPet  bool
	// ScheduledAt is nil for rides that start now.
	ScheduledAt *time.Time
	Duration    time.Duration
}

type Service struct {
	// MaxStaleness drops immediate candidates whose last report is older; zero disables.
	MaxStaleness time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) query(c Candidate, now time.Time) storage.CandidateQuery {
	q := storage.CandidateQuery{
		Vehicle:     c.Vehicle,
		NeedBaby:    c.NeedBaby,
		NeedPet:     c.NeedPet,
		ScheduledAt: c.ScheduledAt,
	}
	if c.ScheduledAt == nil {
		q.Until = now.Add(c.Duration)
		if s.MaxStaleness > 0 {
			q.FreshSince = now.Add(-s.MaxStaleness)
		}
	}
	return q
}

type ranked struct {
	p         models.DriverPresence
	distKm    float64
	available time.Time
}

// rank orders drivers by straight-line distance to the pickup, measured from
// where a busy driver will end the current ride, then by availability.
func rank(cands []models.DriverPresence, pickup models.Coord, now time.Time) []ranked {
	out := make([]ranked, 0, len(cands))
	for _, p := range cands {
		from := p.Position()
		if p.Busy && p.EndLat != nil && p.EndLon != nil {
			from = models.Coord{Lat: *p.EndLat, Lon: *p.EndLon}
		}
		available := now
		if p.Busy && p.CurrentRideEndsAt != nil {
			available = *p.CurrentRideEndsAt
		}
		out = append(out, ranked{p: p, distKm: geo.DistanceKm(from, pickup), available: available})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].distKm != out[j].distKm {
			return out[i].distKm < out[j].distKm
		}
		if !out[i].available.Equal(out[j].available) {
			return out[i].available.Before(out[j].available)
		}
		return out[i].p.DriverID < out[j].p.DriverID
	})
	return out
}

// Assign locks and claims the best eligible driver. An immediate ride marks
// the driver busy until now+Duration at the dropoff; a scheduled ride sets the
// driver's reservation. It returns rideerr.ErrNoDriversAvailable when every
// candidate is ineligible or held by a concurrent assignment.
func (s *Service) Assign(ctx context.Context, tx storage.Tx, c Candidate) (*models.DriverPresence, error) {
	start := time.Now()
	defer func() { observability.AssignLatency.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	q := s.query(c, now)
	cands, err := tx.Candidates(ctx, q)
	if err != nil {
		observability.AssignmentFailures.WithLabelValues("store").Inc()
		return nil, err
	}
	for _, r := range rank(cands, c.Pickup, now) {
		p, err := tx.TryLockPresence(ctx, r.p.DriverID)
		if err != nil {
			observability.AssignmentFailures.WithLabelValues("store").Inc()
			return nil, err
		}
		if p == nil {
			s.logger().Debug("candidate_skipped_locked", "driver_id", r.p.DriverID)
			continue
		}
		// the snapshot may be stale by now
		if !q.Matches(*p) {
			continue
		}
		mode := "immediate"
		if c.ScheduledAt == nil {
			ends := now.Add(c.Duration)
			lat, lon := c.Dropoff.Lat, c.Dropoff.Lon
			p.Busy = true
			p.CurrentRideEndsAt = &ends
			p.EndLat, p.EndLon = &lat, &lon
		} else {
			at := *c.ScheduledAt
			p.NextScheduledAt = &at
			mode = "scheduled"
		}
		if err := tx.SavePresence(ctx, p); err != nil {
			observability.AssignmentFailures.WithLabelValues("store").Inc()
			return nil, err
		}
		observability.AssignmentsTotal.WithLabelValues(mode).Inc()
		return p, nil
	}
	observability.AssignmentFailures.WithLabelValues("no_drivers").Inc()
	return nil, rideerr.ErrNoDriversAvailable
}
