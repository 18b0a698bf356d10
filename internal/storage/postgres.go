package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

// lock_not_available, raised when lock_timeout expires or NOWAIT fails
const pqLockNotAvailable = "55P03"

type PostgresStore struct {
	db          *sqlx.DB
	LockTimeout time.Duration
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, LockTimeout: 2 * time.Second}
}

func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapPQ("begin tx", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.LockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return mapPQ("set lock_timeout", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapPQ("commit", err)
	}
	return nil
}

// mapPQ turns lock timeouts into the domain error and wraps everything else.
func mapPQ(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqLockNotAvailable {
		return rideerr.ErrLockTimeout
	}
	var re *rideerr.Error
	if errors.As(err, &re) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

const presenceCols = `driver_id, vehicle_type, license_plate, baby_friendly, pet_friendly,
	online, busy, lat, lon, updated_at, current_ride_ends_at, end_lat, end_lon,
	next_scheduled_ride_at, version`

const rideCols = `id, creator_id, driver_id, vehicle_type, baby_transport, pet_transport,
	price, distance_km, duration_minutes, route, status, created_at, scheduled_at,
	started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason,
	last_reminder_sent_at`

type rideRow struct {
	ID              string     `db:"id"`
	CreatorID       string     `db:"creator_id"`
	DriverID        *string    `db:"driver_id"`
	Vehicle         string     `db:"vehicle_type"`
	Baby            bool       `db:"baby_transport"`
	Pet             bool       `db:"pet_transport"`
	Price           float64    `db:"price"`
	DistanceKm      float64    `db:"distance_km"`
	DurationMinutes float64    `db:"duration_minutes"`
	Route           string     `db:"route"`
	Status          string     `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	ScheduledAt     *time.Time `db:"scheduled_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CancelledAt     *time.Time `db:"cancelled_at"`
	CancelledBy     *string    `db:"cancelled_by"`
	CancelReason    *string    `db:"cancellation_reason"`
	ReminderSentAt  *time.Time `db:"last_reminder_sent_at"`
}

func (row rideRow) toModel() (*models.Ride, error) {
	r := &models.Ride{
		ID:              row.ID,
		CreatorID:       row.CreatorID,
		Vehicle:         models.VehicleType(row.Vehicle),
		Baby:            row.Baby,
		Pet:             row.Pet,
		Price:           row.Price,
		DistanceKm:      row.DistanceKm,
		DurationMinutes: row.DurationMinutes,
		Status:          models.RideStatus(row.Status),
		CreatedAt:       row.CreatedAt,
		ScheduledAt:     row.ScheduledAt,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		ReminderSentAt:  row.ReminderSentAt,
	}
	if row.DriverID != nil {
		r.DriverID = *row.DriverID
	}
	if row.Route != "" {
		if err := json.Unmarshal([]byte(row.Route), &r.Route); err != nil {
			return nil, fmt.Errorf("decode route of ride %s: %w", row.ID, err)
		}
	}
	if row.CancelledAt != nil {
		c := &models.Cancellation{At: *row.CancelledAt}
		if row.CancelledBy != nil {
			c.By = models.CancelActor(*row.CancelledBy)
		}
		if row.CancelReason != nil {
			c.Reason = *row.CancelReason
		}
		r.Cancellation = c
	}
	return r, nil
}

func fromModel(r *models.Ride) (rideRow, error) {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return rideRow{}, fmt.Errorf("encode route: %w", err)
	}
	row := rideRow{
		ID:              r.ID,
		CreatorID:       r.CreatorID,
		Vehicle:         string(r.Vehicle),
		Baby:            r.Baby,
		Pet:             r.Pet,
		Price:           r.Price,
		DistanceKm:      r.DistanceKm,
		DurationMinutes: r.DurationMinutes,
		Route:           string(route),
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		ScheduledAt:     r.ScheduledAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		ReminderSentAt:  r.ReminderSentAt,
	}
	if r.DriverID != "" {
		d := r.DriverID
		row.DriverID = &d
	}
	if c := r.Cancellation; c != nil {
		at, by, reason := c.At, string(c.By), c.Reason
		row.CancelledAt, row.CancelledBy, row.CancelReason = &at, &by, &reason
	}
	return row, nil
}

func loadRide(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Ride, error) {
	query := `SELECT ` + rideCols + ` FROM rides WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row rideRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rideerr.ErrRideNotFound
		}
		return nil, mapPQ("query ride", err)
	}
	r, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := sqlx.SelectContext(ctx, q, &r.Stops,
		`SELECT seq, address, lat, lon FROM ride_stops WHERE ride_id = $1 ORDER BY seq`, id); err != nil {
		return nil, mapPQ("query ride stops", err)
	}
	if err := sqlx.SelectContext(ctx, q, &r.Passengers,
		`SELECT user_id FROM ride_passengers WHERE ride_id = $1 ORDER BY position`, id); err != nil {
		return nil, mapPQ("query ride passengers", err)
	}
	return r, nil
}

func (p *PostgresStore) Ride(ctx context.Context, id string) (*models.Ride, error) {
	return loadRide(ctx, p.db, id, false)
}

func (p *PostgresStore) Presence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	var dp models.DriverPresence
	err := p.db.GetContext(ctx, &dp, `SELECT `+presenceCols+` FROM driver_presence WHERE driver_id = $1`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rideerr.ErrDriverNotFound
	}
	if err != nil {
		return nil, mapPQ("query presence", err)
	}
	return &dp, nil
}

func (p *PostgresStore) OnlinePresence(ctx context.Context, page, size int) ([]models.DriverPresence, error) {
	out := []models.DriverPresence{}
	if page < 0 || size <= 0 || page > math.MaxInt/size {
		return out, nil
	}
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+presenceCols+` FROM driver_presence WHERE online ORDER BY driver_id LIMIT $1 OFFSET $2`,
		size, page*size)
	if err != nil {
		return nil, mapPQ("list online presence", err)
	}
	return out, nil
}

func (p *PostgresStore) MovePresence(ctx context.Context, driverID string, pos models.Coord, at time.Time, expectedVersion int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE driver_presence
		SET lat = $2, lon = $3, updated_at = GREATEST(updated_at, $4), version = version + 1
		WHERE driver_id = $1 AND version = $5`,
		driverID, pos.Lat, pos.Lon, at, expectedVersion)
	if err != nil {
		return false, mapPQ("move presence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapPQ("move presence", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) ScheduledRides(ctx context.Context, until time.Time) ([]*models.Ride, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids,
		`SELECT id FROM rides WHERE status = $1 AND scheduled_at <= $2 ORDER BY scheduled_at`,
		string(models.RideScheduled), until); err != nil {
		return nil, mapPQ("list scheduled rides", err)
	}
	out := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := loadRide(ctx, p.db, id, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PostgresStore) MarkReminderSent(ctx context.Context, rideID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET last_reminder_sent_at = $2 WHERE id = $1`, rideID, at)
	if err != nil {
		return mapPQ("mark reminder", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rideerr.ErrRideNotFound
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockRequester(ctx context.Context, userID string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID)
	return mapPQ("lock requester", err)
}

func (t *pgTx) HasActiveRide(ctx context.Context, creatorID string) (bool, error) {
	statuses := make([]string, len(activeStatuses))
	for i, s := range activeStatuses {
		statuses[i] = string(s)
	}
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM rides WHERE creator_id = $1 AND status = ANY($2))`,
		creatorID, pq.Array(statuses))
	if err != nil {
		return false, mapPQ("check active ride", err)
	}
	return exists, nil
}

const immediateCandidates = `SELECT ` + presenceCols + ` FROM driver_presence
	WHERE online AND NOT busy AND vehicle_type = $1
	  AND (NOT $2 OR baby_friendly) AND (NOT $3 OR pet_friendly)
	  AND ($4::timestamptz IS NULL OR updated_at >= $4)`

const scheduledCandidates = `SELECT ` + presenceCols + ` FROM driver_presence
	WHERE online AND next_scheduled_ride_at IS NULL AND vehicle_type = $1
	  AND (NOT $2 OR baby_friendly) AND (NOT $3 OR pet_friendly)
	  AND (NOT busy OR current_ride_ends_at < $4)`

func (t *pgTx) Candidates(ctx context.Context, q CandidateQuery) ([]models.DriverPresence, error) {
	var rows []models.DriverPresence
	var err error
	if q.ScheduledAt == nil {
		var fresh *time.Time
		if !q.FreshSince.IsZero() {
			fresh = &q.FreshSince
		}
		err = t.tx.SelectContext(ctx, &rows, immediateCandidates, string(q.Vehicle), q.NeedBaby, q.NeedPet, fresh)
	} else {
		err = t.tx.SelectContext(ctx, &rows, scheduledCandidates, string(q.Vehicle), q.NeedBaby, q.NeedPet, *q.ScheduledAt)
	}
	if err != nil {
		return nil, mapPQ("query candidates", err)
	}
	out := rows[:0]
	for _, p := range rows {
		if q.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *pgTx) TryLockPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	var dp models.DriverPresence
	err := t.tx.GetContext(ctx, &dp,
		`SELECT `+presenceCols+` FROM driver_presence WHERE driver_id = $1 FOR UPDATE SKIP LOCKED`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPQ("try lock presence", err)
	}
	return &dp, nil
}

func (t *pgTx) LockPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	var dp models.DriverPresence
	err := t.tx.GetContext(ctx, &dp,
		`SELECT `+presenceCols+` FROM driver_presence WHERE driver_id = $1 FOR UPDATE`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rideerr.ErrDriverNotFound
	}
	if err != nil {
		return nil, mapPQ("lock presence", err)
	}
	return &dp, nil
}

func (t *pgTx) EnsurePresence(ctx context.Context, p *models.DriverPresence) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO driver_presence (driver_id, vehicle_type, license_plate, baby_friendly, pet_friendly,
			online, busy, lat, lon, updated_at, version)
		VALUES (:driver_id, :vehicle_type, :license_plate, :baby_friendly, :pet_friendly,
			:online, :busy, :lat, :lon, :updated_at, 1)
		ON CONFLICT (driver_id) DO NOTHING`, p)
	return mapPQ("ensure presence", err)
}

func (t *pgTx) SavePresence(ctx context.Context, p *models.DriverPresence) error {
	var version int64
	err := t.tx.GetContext(ctx, &version, `
		UPDATE driver_presence SET
			vehicle_type = $2, license_plate = $3, baby_friendly = $4, pet_friendly = $5,
			online = $6, busy = $7, updated_at = GREATEST(updated_at, $8),
			current_ride_ends_at = $9, end_lat = $10, end_lon = $11, next_scheduled_ride_at = $12,
			version = version + 1
		WHERE driver_id = $1
		RETURNING version`,
		p.DriverID, string(p.Vehicle), p.Plate, p.BabyOK, p.PetOK,
		p.Online, p.Busy, p.UpdatedAt,
		p.CurrentRideEndsAt, p.EndLat, p.EndLon, p.NextScheduledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rideerr.ErrDriverNotFound
	}
	if err != nil {
		return mapPQ("save presence", err)
	}
	p.Version = version
	return nil
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.Ride) error {
	row, err := fromModel(r)
	if err != nil {
		return err
	}
	if _, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO rides (`+rideCols+`) VALUES (
			:id, :creator_id, :driver_id, :vehicle_type, :baby_transport, :pet_transport,
			:price, :distance_km, :duration_minutes, :route, :status, :created_at, :scheduled_at,
			:started_at, :completed_at, :cancelled_at, :cancelled_by, :cancellation_reason,
			:last_reminder_sent_at)`, row); err != nil {
		return mapPQ("insert ride", err)
	}
	for i, uid := range r.Passengers {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO ride_passengers (ride_id, user_id, position) VALUES ($1, $2, $3)`, r.ID, uid, i); err != nil {
			return mapPQ("insert ride passenger", err)
		}
	}
	return t.writeStops(ctx, r)
}

func (t *pgTx) writeStops(ctx context.Context, r *models.Ride) error {
	for _, s := range r.Stops {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO ride_stops (ride_id, seq, address, lat, lon) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, s.Seq, s.Address, s.Lat, s.Lon); err != nil {
			return mapPQ("insert ride stop", err)
		}
	}
	return nil
}

func (t *pgTx) LockRide(ctx context.Context, id string) (*models.Ride, error) {
	return loadRide(ctx, t.tx, id, true)
}

func (t *pgTx) SaveRide(ctx context.Context, r *models.Ride) error {
	row, err := fromModel(r)
	if err != nil {
		return err
	}
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE rides SET
			driver_id = :driver_id, price = :price, distance_km = :distance_km,
			duration_minutes = :duration_minutes, route = :route, status = :status,
			started_at = :started_at, completed_at = :completed_at, cancelled_at = :cancelled_at,
			cancelled_by = :cancelled_by, cancellation_reason = :cancellation_reason,
			last_reminder_sent_at = :last_reminder_sent_at
		WHERE id = :id`, row)
	if err != nil {
		return mapPQ("update ride", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rideerr.ErrRideNotFound
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM ride_stops WHERE ride_id = $1`, r.ID); err != nil {
		return mapPQ("clear ride stops", err)
	}
	return t.writeStops(ctx, r)
}
