// Package presence owns the online and location reports drivers send outside
// of any ride.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/directory"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/observability"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
)

// moveAttempts bounds the compare-and-set retry of position writes.
const moveAttempts = 3

const maxPageSize = 100

type Service struct {
	Store     storage.Store
	Directory directory.Directory
	Logger    *slog.Logger
	Now       func() time.Time
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

// SetOnline flips the online flag. The first report creates the presence row
// from the driver's registered vehicle. Going offline keeps an active ride
// and its busy flag; the driver only drops out of new assignments.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool) (*models.DriverPresence, error) {
	var out *models.DriverPresence
	var changed bool
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		if online {
			if err := s.ensure(ctx, tx, driverID); err != nil {
				return err
			}
		}
		p, err := tx.LockPresence(ctx, driverID)
		if err != nil {
			return err
		}
		changed = p.Online != online
		p.Online = online
		p.UpdatedAt = s.now()
		if err := tx.SavePresence(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, rideerr.ErrLockTimeout) {
			observability.LockTimeouts.Inc()
		}
		return nil, rideerr.From("set online", err)
	}
	if changed {
		if online {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}
	s.logger().Info("driver_presence_changed", "driver_id", driverID, "online", online, "busy", out.Busy)
	return out, nil
}

func (s *Service) ensure(ctx context.Context, tx storage.Tx, driverID string) error {
	v, err := s.Directory.Vehicle(ctx, driverID)
	if err != nil {
		return err
	}
	return tx.EnsurePresence(ctx, &models.DriverPresence{
		DriverID:  driverID,
		Vehicle:   v.Type,
		Plate:     v.Plate,
		BabyOK:    v.BabyOK,
		PetOK:     v.PetOK,
		UpdatedAt: s.now(),
	})
}

// UpdateLocation moves the driver without taking the row lock. A concurrent
// status write bumps the version; the write is retried on the fresh row.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, pos models.Coord) error {
	if !pos.Valid() {
		return rideerr.Validation("location", "latitude must be in [-90,90] and longitude in [-180,180]")
	}
	for attempt := 1; attempt <= moveAttempts; attempt++ {
		p, err := s.Store.Presence(ctx, driverID)
		if err != nil {
			return rideerr.From("load presence", err)
		}
		ok, err := s.Store.MovePresence(ctx, driverID, pos, s.now(), p.Version)
		if err != nil {
			return rideerr.From("move presence", err)
		}
		if ok {
			return nil
		}
		s.logger().Debug("presence_version_conflict", "driver_id", driverID, "attempt", attempt)
	}
	return rideerr.ErrLockTimeout
}

// ListOnline pages through online drivers ordered by id.
func (s *Service) ListOnline(ctx context.Context, page, size int) ([]models.DriverPresence, error) {
	if page < 0 {
		return nil, rideerr.Validation("page", "must not be negative")
	}
	if size <= 0 || size > maxPageSize {
		return nil, rideerr.Validation("size", "must be between 1 and 100")
	}
	if page > math.MaxInt/size {
		return nil, rideerr.Validation("page", "is out of range")
	}
	out, err := s.Store.OnlinePresence(ctx, page, size)
	if err != nil {
		return nil, rideerr.From("list online", err)
	}
	return out, nil
}
