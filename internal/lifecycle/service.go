// Package lifecycle is the ride state machine. Every transition runs in one
// store transaction that locks the ride row and, when the driver's busy flag
// or reservation changes, the driver's presence row after it. Events go out
// only after the transaction commits.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/directory"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/dispatch"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/eta"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/matcher"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/observability"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
)

const DefaultMaxScheduleAhead = 5 * time.Hour

// Assigner claims a driver inside an open transaction.
type Assigner interface {
	Assign(ctx context.Context, tx storage.Tx, c matcher.Candidate) (*models.DriverPresence, error)
}

type Service struct {
	Store     storage.Store
	Matcher   Assigner
	Estimator eta.Estimator
	Directory directory.Directory // optional
	Notifier  dispatch.Notifier   // optional

	MaxScheduleAhead time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) maxAhead() time.Duration {
	if s.MaxScheduleAhead > 0 {
		return s.MaxScheduleAhead
	}
	return DefaultMaxScheduleAhead
}

// Itinerary is pickup, optional intermediate stops and dropoff.
type Itinerary struct {
	Pickup  models.Place   `json:"pickup"`
	Stops   []models.Place `json:"stops,omitempty"`
	Dropoff models.Place   `json:"dropoff"`
}

func validatePlace(field string, p models.Place) error {
	if strings.TrimSpace(p.Address) == "" {
		return rideerr.Validation(field+".address", "is required")
	}
	if !p.Coord.Valid() {
		return rideerr.Validation(field, "latitude must be in [-90,90] and longitude in [-180,180]")
	}
	return nil
}

func (it Itinerary) validate() error {
	if err := validatePlace("pickup", it.Pickup); err != nil {
		return err
	}
	for _, st := range it.Stops {
		if err := validatePlace("stops", st); err != nil {
			return err
		}
	}
	return validatePlace("dropoff", it.Dropoff)
}

func (it Itinerary) places() []models.Place {
	out := make([]models.Place, 0, len(it.Stops)+2)
	out = append(out, it.Pickup)
	out = append(out, it.Stops...)
	return append(out, it.Dropoff)
}

func (it Itinerary) rideStops() []models.RideStop {
	places := it.places()
	out := make([]models.RideStop, len(places))
	for i, p := range places {
		out[i] = models.RideStop{Seq: i, Address: p.Address, Lat: p.Lat, Lon: p.Lon}
	}
	return out
}

func waypoints(stops []models.RideStop) []models.Coord {
	out := make([]models.Coord, len(stops))
	for i, st := range stops {
		out[i] = st.Coord()
	}
	return out
}

// Estimate prices an itinerary without touching any state.
func (s *Service) Estimate(ctx context.Context, it Itinerary, vehicle models.VehicleType) (models.Estimate, error) {
	if err := it.validate(); err != nil {
		return models.Estimate{}, err
	}
	if !vehicle.Valid() {
		return models.Estimate{}, rideerr.Validation("vehicle_type", "must be STANDARD, LUXURY or VAN")
	}
	est, err := s.Estimator.Estimate(ctx, waypoints(it.rideStops()), vehicle)
	if err != nil {
		return models.Estimate{}, rideerr.Internal("estimate", err)
	}
	return est, nil
}

type OrderRequest struct {
	CreatorID string `json:"-"`
	Itinerary
	Vehicle models.VehicleType `json:"vehicle_type"`
	Baby    bool               `json:"baby_transport"`
	Pet     bool               `json:"pet_transport"`
	// Passengers are invitees; the creator is always added.
	Passengers  []string   `json:"passengers,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func passengerSet(creator string, invitees []string) []string {
	out := []string{creator}
	seen := map[string]bool{creator: true}
	for _, p := range invitees {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// OrderRide creates a ride with its driver already bound: ACCEPTED and the
// driver busy for an immediate ride, SCHEDULED and the driver reserved for a
// future one.
func (s *Service) OrderRide(ctx context.Context, req OrderRequest) (*models.Ride, error) {
	ride, err := s.orderRide(ctx, req)
	s.record("order", err)
	if err != nil {
		return nil, err
	}
	s.logger().Info("ride_ordered", "ride_id", ride.ID, "creator_id", ride.CreatorID, "driver_id", ride.DriverID, "status", ride.Status)
	s.publish(ctx, dispatch.EventRideOrdered, ride)
	return ride, nil
}

func (s *Service) orderRide(ctx context.Context, req OrderRequest) (*models.Ride, error) {
	if strings.TrimSpace(req.CreatorID) == "" {
		return nil, rideerr.Validation("requester", "is required")
	}
	if err := req.Itinerary.validate(); err != nil {
		return nil, err
	}
	if !req.Vehicle.Valid() {
		return nil, rideerr.Validation("vehicle_type", "must be STANDARD, LUXURY or VAN")
	}
	now := s.now()
	if at := req.ScheduledAt; at != nil {
		if !at.After(now) || at.After(now.Add(s.maxAhead())) {
			return nil, rideerr.ErrInvalidScheduleTime
		}
	}
	if s.Directory != nil {
		blocked, err := s.Directory.IsBlocked(ctx, req.CreatorID)
		if err != nil {
			return nil, rideerr.Internal("check blocked", err)
		}
		if blocked {
			return nil, rideerr.ErrUserBlocked
		}
	}

	stops := req.Itinerary.rideStops()
	est, err := s.Estimator.Estimate(ctx, waypoints(stops), req.Vehicle)
	if err != nil {
		return nil, rideerr.Internal("estimate", err)
	}

	ride := &models.Ride{
		ID:              s.newID(),
		CreatorID:       req.CreatorID,
		Passengers:      passengerSet(req.CreatorID, req.Passengers),
		Stops:           stops,
		Vehicle:         req.Vehicle,
		Baby:            req.Baby,
		Pet:             req.Pet,
		Price:           est.Price,
		DistanceKm:      est.DistanceKm,
		DurationMinutes: est.DurationMinutes,
		Route:           est.Route,
		Status:          models.RideAccepted,
		CreatedAt:       now,
	}
	if req.ScheduledAt != nil {
		at := *req.ScheduledAt
		ride.ScheduledAt = &at
		ride.Status = models.RideScheduled
	}

	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockRequester(ctx, req.CreatorID); err != nil {
			return err
		}
		active, err := tx.HasActiveRide(ctx, req.CreatorID)
		if err != nil {
			return err
		}
		if active {
			return rideerr.ErrActiveRideConflict
		}
		p, err := s.Matcher.Assign(ctx, tx, matcher.Candidate{
			Vehicle:     req.Vehicle,
			Pickup:      req.Pickup.Coord,
			Dropoff:     req.Dropoff.Coord,
			NeedBaby:    req.Baby,
			NeedPet:     req.Pet,
			ScheduledAt: ride.ScheduledAt,
			Duration:    time.Duration(est.DurationMinutes * float64(time.Minute)),
		})
		if err != nil {
			return err
		}
		ride.DriverID = p.DriverID
		return tx.InsertRide(ctx, ride)
	})
	if err != nil {
		return nil, rideerr.From("order ride", err)
	}
	return ride, nil
}

// transition locks the ride, lets fn mutate it inside the same transaction
// and persists the result.
func (s *Service) transition(ctx context.Context, event, rideID string, fn func(tx storage.Tx, r *models.Ride) error) (*models.Ride, error) {
	var out *models.Ride
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if err := fn(tx, r); err != nil {
			return err
		}
		if err := tx.SaveRide(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	s.record(event, err)
	if err != nil {
		return nil, rideerr.From(event, err)
	}
	return out, nil
}

// Start moves an accepted or scheduled ride to IN_PROGRESS. A scheduled ride
// turns the reservation into the busy flag; the driver must be free by then.
func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	now := s.now()
	ride, err := s.transition(ctx, "start", rideID, func(tx storage.Tx, r *models.Ride) error {
		if r.DriverID != driverID {
			return rideerr.ErrNotAssignedDriver
		}
		switch r.Status {
		case models.RideAccepted:
		case models.RideScheduled:
			p, err := tx.LockPresence(ctx, r.DriverID)
			if err != nil {
				return err
			}
			if p.Busy {
				return rideerr.ErrDriverBusy
			}
			ends := now.Add(time.Duration(r.DurationMinutes * float64(time.Minute)))
			end := r.Dropoff()
			p.Busy = true
			p.NextScheduledAt = nil
			p.CurrentRideEndsAt = &ends
			p.EndLat, p.EndLon = &end.Lat, &end.Lon
			if err := tx.SavePresence(ctx, p); err != nil {
				return err
			}
		default:
			return rideerr.ErrNotStartable
		}
		r.Status = models.RideInProgress
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("ride_started", "ride_id", ride.ID, "driver_id", driverID)
	s.publish(ctx, dispatch.EventRideStarted, ride)
	return ride, nil
}

// RequestStop is the passenger's advisory half of an early stop; only the
// driver's Complete ends the ride.
func (s *Service) RequestStop(ctx context.Context, rideID, passengerID string) (*models.Ride, error) {
	ride, err := s.transition(ctx, "request_stop", rideID, func(tx storage.Tx, r *models.Ride) error {
		if !r.HasPassenger(passengerID) {
			return rideerr.ErrNotPassenger
		}
		if r.Status != models.RideInProgress {
			return rideerr.ErrNotInProgress
		}
		r.Status = models.RideStopRequested
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("ride_stop_requested", "ride_id", ride.ID, "passenger_id", passengerID)
	s.publish(ctx, dispatch.EventRideStopRequested, ride)
	return ride, nil
}

func completable(r *models.Ride, driverID string) error {
	if r.DriverID != driverID {
		return rideerr.ErrNotAssignedDriver
	}
	if !r.Status.Moving() {
		return rideerr.ErrNotCompletable
	}
	return nil
}

// replaceFinal returns stops with the last one moved to p.
func replaceFinal(stops []models.RideStop, p models.Place) []models.RideStop {
	out := append([]models.RideStop(nil), stops...)
	last := len(out) - 1
	out[last] = models.RideStop{Seq: last, Address: p.Address, Lat: p.Lat, Lon: p.Lon}
	return out
}

// Complete closes a moving ride and frees the driver. With newStop the final
// stop is replaced and distance, duration, price and route are recomputed
// for the shortened itinerary.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, newStop *models.Place) (*models.Ride, error) {
	var (
		stops []models.RideStop
		est   models.Estimate
	)
	if newStop != nil {
		if err := validatePlace("location", *newStop); err != nil {
			return nil, err
		}
		// estimate outside the transaction; the stops of a moving ride only
		// change through Complete itself
		cur, err := s.Store.Ride(ctx, rideID)
		if err != nil {
			return nil, rideerr.From("load ride", err)
		}
		if err := completable(cur, driverID); err != nil {
			s.record("complete", err)
			return nil, err
		}
		stops = replaceFinal(cur.Stops, *newStop)
		est, err = s.Estimator.Estimate(ctx, waypoints(stops), cur.Vehicle)
		if err != nil {
			return nil, rideerr.Internal("estimate", err)
		}
	}

	now := s.now()
	ride, err := s.transition(ctx, "complete", rideID, func(tx storage.Tx, r *models.Ride) error {
		if err := completable(r, driverID); err != nil {
			return err
		}
		if newStop != nil {
			r.Stops = stops
			r.Price = est.Price
			r.DistanceKm = est.DistanceKm
			r.DurationMinutes = est.DurationMinutes
			r.Route = est.Route
		}
		p, err := tx.LockPresence(ctx, r.DriverID)
		if err != nil {
			return err
		}
		p.ReleaseRide()
		if err := tx.SavePresence(ctx, p); err != nil {
			return err
		}
		r.Status = models.RideCompleted
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("ride_completed", "ride_id", ride.ID, "driver_id", driverID, "early_stop", newStop != nil, "price", ride.Price)
	s.publish(ctx, dispatch.EventRideCompleted, ride)
	return ride, nil
}

// Cancel is open to the creator, any passenger and the assigned driver.
func (s *Service) Cancel(ctx context.Context, rideID, requesterID, reason string) (*models.Ride, error) {
	return s.cancel(ctx, rideID, requesterID, "", reason)
}

// cancel with a non-empty actor skips the party check; the scheduler uses it
// to cancel on behalf of the system.
func (s *Service) cancel(ctx context.Context, rideID, requesterID string, actor models.CancelActor, reason string) (*models.Ride, error) {
	now := s.now()
	ride, err := s.transition(ctx, "cancel", rideID, func(tx storage.Tx, r *models.Ride) error {
		by := actor
		if by == "" {
			switch {
			case r.DriverID != "" && requesterID == r.DriverID:
				by = models.ActorDriver
			case requesterID == r.CreatorID || r.HasPassenger(requesterID):
				by = models.ActorPassenger
			default:
				return rideerr.ErrNotRideParty
			}
		}
		if !r.Status.Active() {
			return rideerr.ErrAlreadyFinished
		}
		if actor == models.ActorSystem && r.Status != models.RideScheduled {
			return rideerr.ErrInvalidState
		}
		if r.DriverID != "" {
			p, err := tx.LockPresence(ctx, r.DriverID)
			if err != nil && !errors.Is(err, rideerr.ErrDriverNotFound) {
				return err
			}
			if p != nil && releaseFor(r, p) {
				if err := tx.SavePresence(ctx, p); err != nil {
					return err
				}
			}
		}
		r.Status = models.RideCancelled
		r.Cancellation = &models.Cancellation{Reason: strings.TrimSpace(reason), By: by, At: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("ride_cancelled", "ride_id", ride.ID, "by", ride.Cancellation.By, "reason", ride.Cancellation.Reason)
	s.publish(ctx, dispatch.EventRideCancelled, ride)
	return ride, nil
}

// releaseFor undoes what r holds on the driver and reports whether p changed.
// A scheduled ride only holds the reservation; the driver may be busy with
// another ride meanwhile.
func releaseFor(r *models.Ride, p *models.DriverPresence) bool {
	if r.Status == models.RideScheduled {
		if p.NextScheduledAt != nil && r.ScheduledAt != nil && p.NextScheduledAt.Equal(*r.ScheduledAt) {
			p.NextScheduledAt = nil
			return true
		}
		return false
	}
	if !p.Busy {
		return false
	}
	p.ReleaseRide()
	return true
}

// Get returns the ride to one of its parties.
func (s *Service) Get(ctx context.Context, rideID, requesterID string) (*models.Ride, error) {
	r, err := s.Store.Ride(ctx, rideID)
	if err != nil {
		return nil, rideerr.From("get ride", err)
	}
	if requesterID != r.DriverID && requesterID != r.CreatorID && !r.HasPassenger(requesterID) {
		return nil, rideerr.ErrNotRideParty
	}
	return r, nil
}

func (s *Service) record(event string, err error) {
	result := "ok"
	if err != nil {
		result = strings.ToLower(rideerr.From(event, err).Code)
		if errors.Is(err, rideerr.ErrLockTimeout) {
			observability.LockTimeouts.Inc()
		}
		if rideerr.KindOf(err) == rideerr.KindInternal {
			s.logger().Error("transition_failed", "event", event, "error", err)
		}
	}
	observability.TransitionsTotal.WithLabelValues(event, result).Inc()
}

// publish runs after commit; a failed publish never undoes a transition.
func (s *Service) publish(ctx context.Context, t dispatch.EventType, r *models.Ride) {
	if s.Notifier == nil {
		return
	}
	ev := dispatch.NewRideEvent(t, r, s.now())
	if err := s.Notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger().Warn("event_publish_failed", "type", t, "ride_id", r.ID, "error", err)
	}
}
