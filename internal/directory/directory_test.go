package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

func TestPostgresDirectory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock init error: %v", err)
	}
	defer db.Close()
	d := NewPostgres(sqlx.NewDb(db, "postgres"))

	mock.ExpectQuery(`SELECT blocked FROM users WHERE id = \$1`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"blocked"}).AddRow(true))
	mock.ExpectQuery(`SELECT blocked FROM users WHERE id = \$1`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"blocked"}))
	mock.ExpectQuery(`FROM vehicles WHERE driver_id = \$1`).WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"vehicle_type", "license_plate", "baby_friendly", "pet_friendly"}).
			AddRow("VAN", "NS-123-AB", true, false))
	mock.ExpectQuery(`FROM vehicles WHERE driver_id = \$1`).WithArgs("d2").
		WillReturnRows(sqlmock.NewRows([]string{"vehicle_type", "license_plate", "baby_friendly", "pet_friendly"}))

	ctx := context.Background()
	if blocked, err := d.IsBlocked(ctx, "u1"); err != nil || !blocked {
		t.Fatalf("expected u1 blocked, got %v %v", blocked, err)
	}
	if blocked, err := d.IsBlocked(ctx, "ghost"); err != nil || blocked {
		t.Fatalf("expected unknown user unblocked, got %v %v", blocked, err)
	}
	v, err := d.Vehicle(ctx, "d1")
	if err != nil {
		t.Fatalf("vehicle: %v", err)
	}
	if v.Type != models.VehicleVan || v.Plate != "NS-123-AB" || !v.BabyOK || v.PetOK {
		t.Fatalf("unexpected vehicle %+v", v)
	}
	if _, err := d.Vehicle(ctx, "d2"); !errors.Is(err, rideerr.ErrDriverNotFound) {
		t.Fatalf("expected driver not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMemoryDirectory(t *testing.T) {
	m := NewMemory()
	m.Block("u1")
	m.PutVehicle("d1", models.VehicleProfile{Type: models.VehicleLuxury})

	if b, _ := m.IsBlocked(context.Background(), "u1"); !b {
		t.Fatal("expected u1 blocked")
	}
	if b, _ := m.IsBlocked(context.Background(), "u2"); b {
		t.Fatal("expected u2 not blocked")
	}
	if v, err := m.Vehicle(context.Background(), "d1"); err != nil || v.Type != models.VehicleLuxury {
		t.Fatalf("unexpected vehicle %+v %v", v, err)
	}
	if _, err := m.Vehicle(context.Background(), "nope"); !errors.Is(err, rideerr.ErrDriverNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
