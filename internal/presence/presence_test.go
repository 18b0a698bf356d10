package presence

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/directory"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService() (*Service, *storage.MemoryStore, *directory.Memory) {
	st := storage.NewMemoryStore()
	dir := directory.NewMemory()
	dir.PutVehicle("d1", models.VehicleProfile{Type: models.VehicleVan, Plate: "NS-777-XY", PetOK: true})
	return &Service{Store: st, Directory: dir, Now: func() time.Time { return now }}, st, dir
}

func TestSetOnlineCreatesRowFromDirectory(t *testing.T) {
	s, st, _ := newService()
	p, err := s.SetOnline(context.Background(), "d1", true)
	if err != nil {
		t.Fatalf("set online: %v", err)
	}
	if !p.Online || p.Vehicle != models.VehicleVan || p.Plate != "NS-777-XY" || !p.PetOK {
		t.Fatalf("unexpected presence %+v", p)
	}
	stored, err := st.Presence(context.Background(), "d1")
	if err != nil || !stored.Online {
		t.Fatalf("presence not persisted: %+v %v", stored, err)
	}
}

func TestSetOnlineUnknownDriver(t *testing.T) {
	s, _, _ := newService()
	if _, err := s.SetOnline(context.Background(), "ghost", true); !errors.Is(err, rideerr.ErrDriverNotFound) {
		t.Fatalf("expected driver not found, got %v", err)
	}
}

func TestGoingOfflineKeepsActiveRide(t *testing.T) {
	s, st, _ := newService()
	st.PutPresence(models.DriverPresence{DriverID: "d1", Vehicle: models.VehicleVan, Online: true, Busy: true, Version: 4})

	p, err := s.SetOnline(context.Background(), "d1", false)
	if err != nil {
		t.Fatalf("set offline: %v", err)
	}
	if p.Online || !p.Busy {
		t.Fatalf("expected offline and still busy, got %+v", p)
	}
}

func TestUpdateLocationRetriesOnVersionConflict(t *testing.T) {
	s, st, _ := newService()
	st.PutPresence(models.DriverPresence{DriverID: "d1", Online: true, Version: 1})

	if err := s.UpdateLocation(context.Background(), "d1", models.Coord{Lat: 45.25, Lon: 19.84}); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, _ := st.Presence(context.Background(), "d1")
	if p.Lat != 45.25 || p.Lon != 19.84 || p.Version != 2 || !p.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected presence after move %+v", p)
	}
	if err := s.UpdateLocation(context.Background(), "d1", models.Coord{Lat: 100, Lon: 0}); !rideerr.IsKind(err, rideerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type conflictingStore struct {
	*storage.MemoryStore
	moves int
}

func (c *conflictingStore) MovePresence(ctx context.Context, driverID string, pos models.Coord, at time.Time, v int64) (bool, error) {
	c.moves++
	return false, nil
}

func TestUpdateLocationGivesUpAfterBoundedRetries(t *testing.T) {
	s, st, _ := newService()
	st.PutPresence(models.DriverPresence{DriverID: "d1", Online: true, Version: 1})
	cs := &conflictingStore{MemoryStore: st}
	s.Store = cs

	if err := s.UpdateLocation(context.Background(), "d1", models.Coord{Lat: 45, Lon: 19}); !errors.Is(err, rideerr.ErrLockTimeout) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if cs.moves != moveAttempts {
		t.Fatalf("expected %d attempts, got %d", moveAttempts, cs.moves)
	}
}

func TestListOnline(t *testing.T) {
	s, st, _ := newService()
	st.PutPresence(models.DriverPresence{DriverID: "a", Online: true})
	st.PutPresence(models.DriverPresence{DriverID: "b", Online: false})
	st.PutPresence(models.DriverPresence{DriverID: "c", Online: true})

	got, err := s.ListOnline(context.Background(), 0, 10)
	if err != nil || len(got) != 2 || got[0].DriverID != "a" || got[1].DriverID != "c" {
		t.Fatalf("unexpected page %+v %v", got, err)
	}
	if _, err := s.ListOnline(context.Background(), 0, 0); !rideerr.IsKind(err, rideerr.KindValidation) {
		t.Fatalf("expected validation error for size 0, got %v", err)
	}
	if _, err := s.ListOnline(context.Background(), math.MaxInt/100+1, 100); !rideerr.IsKind(err, rideerr.KindValidation) {
		t.Fatalf("expected validation error for an overflowing page, got %v", err)
	}
	got, err = s.ListOnline(context.Background(), math.MaxInt/100, 100)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected an empty far page, got %+v %v", got, err)
	}
}
