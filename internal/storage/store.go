// Package storage is the durable side of dispatch: rides with their stops and
// passengers, and one presence row per driver. Mutations happen inside InTx,
// where rows are locked individually for the lifetime of the transaction.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

// Tx is one atomic unit of work. Every Lock* call holds the row until the
// transaction ends and fails with rideerr.ErrLockTimeout instead of queueing.
type Tx interface {
	// LockRequester serialises order attempts of one requester.
	LockRequester(ctx context.Context, userID string) error
	HasActiveRide(ctx context.Context, creatorID string) (bool, error)

	// Candidates returns an unlocked snapshot of presence rows matching q.
	Candidates(ctx context.Context, q CandidateQuery) ([]models.DriverPresence, error)
	// TryLockPresence locks the row without waiting; it returns nil when the
	// row is missing or already locked by another transaction.
	TryLockPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	LockPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	// EnsurePresence inserts p unless a row for the driver already exists.
	EnsurePresence(ctx context.Context, p *models.DriverPresence) error
	// SavePresence writes the status and scheduling fields of a locked row and
	// bumps its version. Position is owned by Store.MovePresence.
	SavePresence(ctx context.Context, p *models.DriverPresence) error

	InsertRide(ctx context.Context, r *models.Ride) error
	LockRide(ctx context.Context, id string) (*models.Ride, error)
	SaveRide(ctx context.Context, r *models.Ride) error
}

type Store interface {
	// InTx runs fn in a transaction; it commits when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Ride(ctx context.Context, id string) (*models.Ride, error)
	Presence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	OnlinePresence(ctx context.Context, page, size int) ([]models.DriverPresence, error)
	// MovePresence is the lock-free position write: it succeeds only when the
	// stored version still equals expectedVersion.
	MovePresence(ctx context.Context, driverID string, pos models.Coord, at time.Time, expectedVersion int64) (bool, error)

	ScheduledRides(ctx context.Context, until time.Time) ([]*models.Ride, error)
	MarkReminderSent(ctx context.Context, rideID string, at time.Time) error

	Ping(ctx context.Context) error
}

// CandidateQuery describes which drivers may take a ride.
type CandidateQuery struct {
	Vehicle  models.VehicleType
	NeedBaby bool
	NeedPet  bool
	// ScheduledAt is nil for immediate rides.
	ScheduledAt *time.Time
	// Until is the expected end of an immediate ride; drivers holding a
	// reservation before it are skipped.
	Until time.Time
	// FreshSince excludes drivers not heard from since then; zero disables.
	FreshSince time.Time
}

// Matches is the eligibility rule shared by every Store implementation and
// re-checked by the matcher on the locked row.
func (q CandidateQuery) Matches(p models.DriverPresence) bool {
	if !p.Online || p.Vehicle != q.Vehicle {
		return false
	}
	if (q.NeedBaby && !p.BabyOK) || (q.NeedPet && !p.PetOK) {
		return false
	}
	if q.ScheduledAt == nil {
		if p.Busy {
			return false
		}
		if !q.FreshSince.IsZero() && p.UpdatedAt.Before(q.FreshSince) {
			return false
		}
		if p.NextScheduledAt != nil && !q.Until.IsZero() && q.Until.After(*p.NextScheduledAt) {
			return false
		}
		return true
	}
	if p.NextScheduledAt != nil {
		return false
	}
	if p.Busy && (p.CurrentRideEndsAt == nil || !p.CurrentRideEndsAt.Before(*q.ScheduledAt)) {
		return false
	}
	return true
}

var activeStatuses = []models.RideStatus{
	models.RideScheduled, models.RideAccepted, models.RideInProgress, models.RideStopRequested,
}

var errUnlockedWrite = errors.New("write to a row not locked by this transaction")
