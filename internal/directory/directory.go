// Package directory answers the two questions dispatch asks about accounts:
// whether a user may order rides, and which vehicle a driver operates.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

type Directory interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
	Vehicle(ctx context.Context, driverID string) (models.VehicleProfile, error)
}

type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

// IsBlocked treats unknown users as not blocked; identity is owned upstream.
func (p *Postgres) IsBlocked(ctx context.Context, userID string) (bool, error) {
	var blocked bool
	err := p.db.GetContext(ctx, &blocked, `SELECT blocked FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user %s: %w", userID, err)
	}
	return blocked, nil
}

func (p *Postgres) Vehicle(ctx context.Context, driverID string) (models.VehicleProfile, error) {
	var v models.VehicleProfile
	err := p.db.GetContext(ctx, &v,
		`SELECT vehicle_type, license_plate, baby_friendly, pet_friendly FROM vehicles WHERE driver_id = $1`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VehicleProfile{}, rideerr.ErrDriverNotFound
	}
	if err != nil {
		return models.VehicleProfile{}, fmt.Errorf("query vehicle of %s: %w", driverID, err)
	}
	return v, nil
}

// Memory is a map-backed Directory for tests and local runs.
type Memory struct {
	mu       sync.RWMutex
	blocked  map[string]bool
	vehicles map[string]models.VehicleProfile
}

func NewMemory() *Memory {
	return &Memory{blocked: map[string]bool{}, vehicles: map[string]models.VehicleProfile{}}
}

func (m *Memory) Block(userID string) {
	m.mu.Lock()
	m.blocked[userID] = true
	m.mu.Unlock()
}

func (m *Memory) PutVehicle(driverID string, v models.VehicleProfile) {
	m.mu.Lock()
	m.vehicles[driverID] = v
	m.mu.Unlock()
}

func (m *Memory) IsBlocked(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocked[userID], nil
}

func (m *Memory) Vehicle(ctx context.Context, driverID string) (models.VehicleProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[driverID]
	if !ok {
		return models.VehicleProfile{}, rideerr.ErrDriverNotFound
	}
	return v, nil
}
