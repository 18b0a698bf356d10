// Package tracking keeps the live vehicle position of active rides in a TTL
// cache and turns it into what a passenger sees: where the car is, how far it
// still has to go, and which stop comes next.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/geo"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/observability"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
)

// Snapshot is the tracking view of one ride. Derived fields stay nil when no
// sample is cached.
type Snapshot struct {
	RideID       string                 `json:"ride_id"`
	Status       models.RideStatus      `json:"status"`
	DriverID     string                 `json:"driver_id,omitempty"`
	Vehicle      models.VehicleType     `json:"vehicle_type"`
	Plate        string                 `json:"license_plate,omitempty"`
	LastLocation *models.TrackingSample `json:"last_location"`
	ETASeconds   *float64               `json:"eta_seconds"`
	RemainingKm  *float64               `json:"remaining_km"`
	NextStop     *string                `json:"next_stop_address"`
}

// Broadcaster fans accepted samples out to live subscribers.
type Broadcaster interface {
	Broadcast(rideID string, snap Snapshot)
}

type Service struct {
	Store storage.Store
	Cache Cache
	// DefaultSpeedMps is used for the ETA when a sample carries no usable speed.
	DefaultSpeedMps float64
	Broadcaster     Broadcaster // optional
	Logger          *slog.Logger
	Now             func() time.Time
}

// samples slower than this are treated as standing still
const minUsefulSpeedMps = 1.0

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

// UpdateLocation records the assigned driver's position for a moving ride.
// It never touches the relational store beyond reading the ride.
func (s *Service) UpdateLocation(ctx context.Context, rideID, driverID string, sample models.TrackingSample) error {
	if !sample.Coord().Valid() {
		return rideerr.Validation("location", "latitude must be in [-90,90] and longitude in [-180,180]")
	}
	ride, err := s.Store.Ride(ctx, rideID)
	if err != nil {
		return rideerr.From("load ride", err)
	}
	if ride.DriverID != driverID {
		return rideerr.ErrNotAssignedDriver
	}
	if !ride.Status.Moving() {
		return rideerr.ErrNotTrackable
	}
	sample.DriverID = driverID
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = s.now()
	}
	if err := s.Cache.Put(ctx, rideID, sample); err != nil {
		observability.TrackingCacheErrors.WithLabelValues("put").Inc()
		s.logger().Warn("tracking_cache_put_failed", "ride_id", rideID, "error", err)
		return rideerr.ErrTrackingDegraded
	}
	observability.TrackingUpdates.Inc()
	if s.Broadcaster != nil {
		s.Broadcaster.Broadcast(rideID, s.snapshot(ctx, ride, &sample))
	}
	return nil
}

// GetTracking is available to the assigned driver and to passengers.
func (s *Service) GetTracking(ctx context.Context, rideID, requesterID string) (*Snapshot, error) {
	ride, err := s.Store.Ride(ctx, rideID)
	if err != nil {
		return nil, rideerr.From("load ride", err)
	}
	if requesterID != ride.DriverID && !ride.HasPassenger(requesterID) {
		return nil, rideerr.ErrNotRideParty
	}
	// a finished or not yet started ride has no live position, even while
	// its last sample is still cached
	if !ride.Status.Moving() {
		snap := s.snapshot(ctx, ride, nil)
		return &snap, nil
	}
	sample, err := s.Cache.Get(ctx, rideID)
	if err != nil {
		observability.TrackingCacheErrors.WithLabelValues("get").Inc()
		s.logger().Warn("tracking_cache_get_failed", "ride_id", rideID, "error", err)
		sample = nil
	}
	snap := s.snapshot(ctx, ride, sample)
	return &snap, nil
}

// Authorize reports whether requesterID may watch the ride.
func (s *Service) Authorize(ctx context.Context, rideID, requesterID string) error {
	ride, err := s.Store.Ride(ctx, rideID)
	if err != nil {
		return rideerr.From("load ride", err)
	}
	if requesterID != ride.DriverID && !ride.HasPassenger(requesterID) {
		return rideerr.ErrNotRideParty
	}
	return nil
}

func (s *Service) snapshot(ctx context.Context, ride *models.Ride, sample *models.TrackingSample) Snapshot {
	snap := Snapshot{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		Vehicle:  ride.Vehicle,
	}
	if ride.DriverID != "" {
		p, err := s.Store.Presence(ctx, ride.DriverID)
		switch {
		case err == nil:
			snap.Plate = p.Plate
		case !errors.Is(err, rideerr.ErrDriverNotFound):
			s.logger().Debug("presence_lookup_failed", "driver_id", ride.DriverID, "error", err)
		}
	}
	if sample == nil || len(ride.Stops) == 0 {
		return snap
	}
	snap.LastLocation = sample

	waypoints := make([]models.Coord, len(ride.Stops))
	for i, st := range ride.Stops {
		waypoints[i] = st.Coord()
	}
	progress := geo.Locate(ride.Route, waypoints, sample.Coord())
	remaining := math.Round(progress.RemainingKm*100) / 100
	speed := s.DefaultSpeedMps
	if sample.Speed != nil && *sample.Speed >= minUsefulSpeedMps {
		speed = *sample.Speed
	}
	if speed <= 0 {
		speed = 8.0
	}
	eta := math.Round(progress.RemainingKm * 1000 / speed)
	snap.RemainingKm = &remaining
	snap.ETASeconds = &eta
	if progress.NextStop >= 0 {
		addr := ride.Stops[progress.NextStop].Address
		snap.NextStop = &addr
	}
	return snap
}
