package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock init error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

var presenceColumns = []string{
	"driver_id", "vehicle_type", "license_plate", "baby_friendly", "pet_friendly",
	"online", "busy", "lat", "lon", "updated_at", "current_ride_ends_at", "end_lat", "end_lon",
	"next_scheduled_ride_at", "version",
}

var rideColumns = []string{
	"id", "creator_id", "driver_id", "vehicle_type", "baby_transport", "pet_transport",
	"price", "distance_km", "duration_minutes", "route", "status", "created_at", "scheduled_at",
	"started_at", "completed_at", "cancelled_at", "cancelled_by", "cancellation_reason",
	"last_reminder_sent_at",
}

func expectTxBegin(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout = '2000ms'").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresLockRideLoadsChildren(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	expectTxBegin(mock)
	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id = \$1 FOR UPDATE`).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(rideColumns).AddRow(
			"r1", "u1", "d1", "STANDARD", false, true,
			392.0, 1.6, 4.0, `[{"lat":45.2551,"lon":19.8451},{"lat":45.2671,"lon":19.8335}]`, "IN_PROGRESS", now, nil,
			now, nil, nil, nil, nil,
			nil))
	mock.ExpectQuery(`SELECT seq, address, lat, lon FROM ride_stops`).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "address", "lat", "lon"}).
			AddRow(0, "Bulevar oslobodjenja 1", 45.2551, 19.8451).
			AddRow(1, "Futoska 10", 45.2671, 19.8335))
	mock.ExpectQuery(`SELECT user_id FROM ride_passengers`).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectCommit()

	var got *models.Ride
	err := s.InTx(context.Background(), func(tx Tx) error {
		r, err := tx.LockRide(context.Background(), "r1")
		got = r
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if got.DriverID != "d1" || got.Status != models.RideInProgress || !got.Pet {
		t.Fatalf("unexpected ride %+v", got)
	}
	if len(got.Stops) != 2 || got.Dropoff().Address != "Futoska 10" {
		t.Fatalf("unexpected stops %+v", got.Stops)
	}
	if len(got.Route) != 2 || len(got.Passengers) != 2 || !got.HasPassenger("u2") {
		t.Fatalf("unexpected route/passengers %+v %+v", got.Route, got.Passengers)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLockTimeoutMapsToDomainError(t *testing.T) {
	s, mock := newMockStore(t)

	expectTxBegin(mock)
	mock.ExpectQuery(`FROM driver_presence WHERE driver_id = \$1 FOR UPDATE`).WithArgs("d1").
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.LockPresence(context.Background(), "d1")
		return err
	})
	if !errors.Is(err, rideerr.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresTryLockSkipLocked(t *testing.T) {
	s, mock := newMockStore(t)

	expectTxBegin(mock)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(presenceColumns))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		p, err := tx.TryLockPresence(context.Background(), "d1")
		if p != nil {
			t.Fatalf("expected nil presence for a skipped row")
		}
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCandidatesFiltersAndSavePresence(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	expectTxBegin(mock)
	mock.ExpectQuery(`FROM driver_presence\s+WHERE online AND NOT busy`).
		WithArgs("STANDARD", false, false, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(presenceColumns).
			AddRow("d1", "STANDARD", "NS-001-AA", false, false, true, false, 45.25, 19.84, now, nil, nil, nil, nil, int64(4)).
			AddRow("d2", "STANDARD", "NS-002-AA", false, false, false, false, 45.25, 19.84, now, nil, nil, nil, nil, int64(1)))
	mock.ExpectQuery(`UPDATE driver_presence SET`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		cands, err := tx.Candidates(context.Background(), CandidateQuery{Vehicle: models.VehicleStandard})
		if err != nil {
			return err
		}
		if len(cands) != 1 || cands[0].DriverID != "d1" {
			t.Fatalf("unexpected candidates %+v", cands)
		}
		p := cands[0]
		p.Busy = true
		if err := tx.SavePresence(context.Background(), &p); err != nil {
			return err
		}
		if p.Version != 5 {
			t.Fatalf("expected version from RETURNING, got %d", p.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresInsertRide(t *testing.T) {
	s, mock := newMockStore(t)
	r := &models.Ride{
		ID: "r1", CreatorID: "u1", DriverID: "d1", Passengers: []string{"u1"},
		Stops:   []models.RideStop{{Seq: 0, Address: "A", Lat: 1, Lon: 1}, {Seq: 1, Address: "B", Lat: 2, Lon: 2}},
		Vehicle: models.VehicleStandard, Status: models.RideAccepted, CreatedAt: time.Now(),
	}

	expectTxBegin(mock)
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO rides`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ride_passengers`).WithArgs("r1", "u1", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ride_stops`).WithArgs("r1", 0, "A", 1.0, 1.0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ride_stops`).WithArgs("r1", 1, "B", 2.0, 2.0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		ctx := context.Background()
		if err := tx.LockRequester(ctx, "u1"); err != nil {
			return err
		}
		if active, err := tx.HasActiveRide(ctx, "u1"); err != nil || active {
			t.Fatalf("expected no active ride, got %v %v", active, err)
		}
		return tx.InsertRide(ctx, r)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresMovePresenceCAS(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE driver_presence\s+SET lat = \$2`).
		WithArgs("d1", 45.0, 19.0, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE driver_presence\s+SET lat = \$2`).
		WithArgs("d1", 45.0, 19.0, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.MovePresence(context.Background(), "d1", models.Coord{Lat: 45, Lon: 19}, time.Now(), 3)
	if err != nil || !ok {
		t.Fatalf("expected CAS success, got %v %v", ok, err)
	}
	ok, err = s.MovePresence(context.Background(), "d1", models.Coord{Lat: 45, Lon: 19}, time.Now(), 3)
	if err != nil || ok {
		t.Fatalf("expected CAS miss, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRideNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id = \$1`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rideColumns))
	if _, err := s.Ride(context.Background(), "missing"); !errors.Is(err, rideerr.ErrRideNotFound) {
		t.Fatalf("expected ride not found, got %v", err)
	}
}
