package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

func seedDriver(m *MemoryStore, id string) {
	m.PutPresence(models.DriverPresence{
		DriverID: id, Vehicle: models.VehicleStandard, Online: true,
		Lat: 45.25, Lon: 19.84, UpdatedAt: time.Now(), Version: 1,
	})
}

func TestMemoryTryLockSkipsLockedRow(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(m, "d1")
	ctx := context.Background()

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.InTx(ctx, func(tx Tx) error {
			if _, err := tx.LockPresence(ctx, "d1"); err != nil {
				t.Errorf("lock: %v", err)
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	err := m.InTx(ctx, func(tx Tx) error {
		p, err := tx.TryLockPresence(ctx, "d1")
		if err != nil {
			return err
		}
		if p != nil {
			t.Fatalf("expected locked row to be skipped")
		}
		return nil
	})
	close(done)
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestMemoryLockTimeout(t *testing.T) {
	m := NewMemoryStore()
	m.LockTimeout = 20 * time.Millisecond
	seedDriver(m, "d1")
	ctx := context.Background()

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.InTx(ctx, func(tx Tx) error {
			_, _ = tx.LockPresence(ctx, "d1")
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	err := m.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockPresence(ctx, "d1")
		return err
	})
	if !errors.Is(err, rideerr.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestMemoryRowLocksAreDroppedOnRelease(t *testing.T) {
	m := NewMemoryStore()
	m.LockTimeout = 20 * time.Millisecond
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("d%d", i)
		seedDriver(m, id)
		if err := m.InTx(ctx, func(tx Tx) error {
			_, err := tx.LockPresence(ctx, id)
			return err
		}); err != nil {
			t.Fatalf("lock %s: %v", id, err)
		}
	}
	if n := m.locks.heldKeys(); n != 0 {
		t.Fatalf("expected no tracked row keys, got %d", n)
	}

	// a waiter that times out must not leave its key behind
	locked := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = m.InTx(ctx, func(tx Tx) error {
			_, _ = tx.LockPresence(ctx, "d0")
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	err := m.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockPresence(ctx, "d0")
		return err
	})
	if !errors.Is(err, rideerr.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if n := m.locks.heldKeys(); n != 1 {
		t.Fatalf("expected only the holder's key, got %d", n)
	}
	close(done)
	<-finished
	if n := m.locks.heldKeys(); n != 0 {
		t.Fatalf("expected no tracked row keys after release, got %d", n)
	}
}

func TestMemoryRollbackDiscardsWrites(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(m, "d1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPresence(ctx, "d1")
		if err != nil {
			return err
		}
		p.Busy = true
		if err := tx.SavePresence(ctx, p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	p, _ := m.Presence(ctx, "d1")
	if p.Busy || p.Version != 1 {
		t.Fatalf("rollback leaked: %+v", p)
	}

	// the lock must have been released
	if err := m.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockPresence(ctx, "d1")
		return err
	}); err != nil {
		t.Fatalf("relock: %v", err)
	}
}

func TestMemoryCommitKeepsConcurrentPosition(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(m, "d1")
	ctx := context.Background()

	err := m.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPresence(ctx, "d1")
		if err != nil {
			return err
		}
		// a position ping lands while the row is locked
		ok, err := m.MovePresence(ctx, "d1", models.Coord{Lat: 45.3, Lon: 19.9}, time.Now(), p.Version)
		if err != nil || !ok {
			t.Fatalf("move: ok=%v err=%v", ok, err)
		}
		p.Busy = true
		return tx.SavePresence(ctx, p)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	p, _ := m.Presence(ctx, "d1")
	if !p.Busy || p.Lat != 45.3 || p.Version != 3 {
		t.Fatalf("unexpected presence %+v", p)
	}
}

func TestMemoryMovePresenceCAS(t *testing.T) {
	m := NewMemoryStore()
	seedDriver(m, "d1")
	ctx := context.Background()
	if ok, _ := m.MovePresence(ctx, "d1", models.Coord{Lat: 1, Lon: 1}, time.Now(), 7); ok {
		t.Fatal("stale version must not win")
	}
	if ok, _ := m.MovePresence(ctx, "d1", models.Coord{Lat: 1, Lon: 1}, time.Now(), 1); !ok {
		t.Fatal("current version must win")
	}
	if _, err := m.MovePresence(ctx, "nobody", models.Coord{}, time.Now(), 1); !errors.Is(err, rideerr.ErrDriverNotFound) {
		t.Fatalf("expected driver not found, got %v", err)
	}
}

func TestMemoryActiveRideAndScheduled(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	ride := &models.Ride{
		ID: "r1", CreatorID: "u1", Passengers: []string{"u1"}, Status: models.RideScheduled,
		ScheduledAt: &at, Stops: []models.RideStop{{Seq: 0}, {Seq: 1}},
	}
	if err := m.InTx(ctx, func(tx Tx) error { return tx.InsertRide(ctx, ride) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = m.InTx(ctx, func(tx Tx) error {
		active, err := tx.HasActiveRide(ctx, "u1")
		if err != nil || !active {
			t.Fatalf("expected active ride, got %v %v", active, err)
		}
		return nil
	})
	got, err := m.ScheduledRides(ctx, at)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 scheduled ride, got %d %v", len(got), err)
	}
	if err := m.MarkReminderSent(ctx, "r1", time.Now()); err != nil {
		t.Fatalf("mark reminder: %v", err)
	}
	r, _ := m.Ride(ctx, "r1")
	if r.ReminderSentAt == nil {
		t.Fatal("reminder timestamp not stored")
	}
}

func TestMemoryOnlinePresencePaging(t *testing.T) {
	m := NewMemoryStore()
	for _, id := range []string{"d3", "d1", "d2"} {
		seedDriver(m, id)
	}
	m.PutPresence(models.DriverPresence{DriverID: "d0", Online: false})
	page, _ := m.OnlinePresence(context.Background(), 0, 2)
	if len(page) != 2 || page[0].DriverID != "d1" || page[1].DriverID != "d2" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, _ = m.OnlinePresence(context.Background(), 1, 2)
	if len(page) != 1 || page[0].DriverID != "d3" {
		t.Fatalf("unexpected second page %+v", page)
	}
	page, err := m.OnlinePresence(context.Background(), math.MaxInt/2+1, 2)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %+v %v", page, err)
	}
}

func TestCandidateQueryMatches(t *testing.T) {
	now := time.Now()
	later := now.Add(2 * time.Hour)
	base := models.DriverPresence{Online: true, Vehicle: models.VehicleStandard, UpdatedAt: now}

	immediate := CandidateQuery{Vehicle: models.VehicleStandard, Until: now.Add(20 * time.Minute)}
	if !immediate.Matches(base) {
		t.Fatal("free online driver should match")
	}
	busy := base
	busy.Busy = true
	if immediate.Matches(busy) {
		t.Fatal("busy driver must not match immediate ride")
	}
	offline := base
	offline.Online = false
	if immediate.Matches(offline) {
		t.Fatal("offline driver must not match")
	}
	reservedSoon := base
	soon := now.Add(10 * time.Minute)
	reservedSoon.NextScheduledAt = &soon
	if immediate.Matches(reservedSoon) {
		t.Fatal("driver reserved before the ride ends must not match")
	}
	stale := base
	stale.UpdatedAt = now.Add(-time.Hour)
	if (CandidateQuery{Vehicle: models.VehicleStandard, FreshSince: now.Add(-10 * time.Minute)}).Matches(stale) {
		t.Fatal("stale driver must not match when staleness bound is set")
	}
	if (CandidateQuery{Vehicle: models.VehicleStandard, NeedPet: true}).Matches(base) {
		t.Fatal("pet transport needs a pet-friendly vehicle")
	}

	scheduled := CandidateQuery{Vehicle: models.VehicleStandard, ScheduledAt: &later}
	endsBefore := now.Add(time.Hour)
	busyEndingSoon := busy
	busyEndingSoon.CurrentRideEndsAt = &endsBefore
	if !scheduled.Matches(busyEndingSoon) {
		t.Fatal("busy driver finishing before the scheduled time should match")
	}
	if scheduled.Matches(busy) {
		t.Fatal("busy driver without an end estimate must not match")
	}
	if scheduled.Matches(reservedSoon) {
		t.Fatal("driver with a reservation must not take another")
	}
}
