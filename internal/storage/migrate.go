package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rides (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		driver_id TEXT,
		vehicle_type TEXT NOT NULL,
		baby_transport BOOLEAN NOT NULL DEFAULT FALSE,
		pet_transport BOOLEAN NOT NULL DEFAULT FALSE,
		price DOUBLE PRECISION NOT NULL,
		distance_km DOUBLE PRECISION NOT NULL,
		duration_minutes DOUBLE PRECISION NOT NULL,
		route TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL CHECK (status IN ('SCHEDULED','ACCEPTED','IN_PROGRESS','STOP_REQUESTED','COMPLETED','CANCELLED','REJECTED')),
		created_at TIMESTAMPTZ NOT NULL,
		scheduled_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		cancelled_by TEXT CHECK (cancelled_by IN ('passenger','driver','system')),
		cancellation_reason TEXT,
		last_reminder_sent_at TIMESTAMPTZ,
		CHECK ((status = 'COMPLETED') = (completed_at IS NOT NULL))
	)`,

	`CREATE INDEX IF NOT EXISTS rides_creator_status_idx ON rides (creator_id, status)`,
	`CREATE INDEX IF NOT EXISTS rides_scheduled_idx ON rides (scheduled_at) WHERE status = 'SCHEDULED'`,

	`CREATE TABLE IF NOT EXISTS ride_stops (
		ride_id TEXT NOT NULL REFERENCES rides(id),
		seq INT NOT NULL,
		address TEXT NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ride_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS ride_passengers (
		ride_id TEXT NOT NULL REFERENCES rides(id),
		user_id TEXT NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (ride_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS driver_presence (
		driver_id TEXT PRIMARY KEY,
		vehicle_type TEXT NOT NULL,
		license_plate TEXT NOT NULL DEFAULT '',
		baby_friendly BOOLEAN NOT NULL DEFAULT FALSE,
		pet_friendly BOOLEAN NOT NULL DEFAULT FALSE,
		online BOOLEAN NOT NULL DEFAULT FALSE,
		busy BOOLEAN NOT NULL DEFAULT FALSE,
		lat DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		current_ride_ends_at TIMESTAMPTZ,
		end_lat DOUBLE PRECISION,
		end_lon DOUBLE PRECISION,
		next_scheduled_ride_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,

	`CREATE INDEX IF NOT EXISTS driver_presence_available_idx ON driver_presence (vehicle_type) WHERE online AND NOT busy`,

	// collaborator tables read by the directory
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		blocked BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS vehicles (
		driver_id TEXT PRIMARY KEY,
		vehicle_type TEXT NOT NULL,
		license_plate TEXT NOT NULL,
		baby_friendly BOOLEAN NOT NULL DEFAULT FALSE,
		pet_friendly BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
