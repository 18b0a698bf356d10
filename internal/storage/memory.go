package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

// MemoryStore keeps everything in process. It implements the same row-lock
// contract as PostgresStore: per-row locks with a bounded wait, non-blocking
// try-locks, and writes staged until commit.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	presence map[string]*models.DriverPresence

	locks       *rowLocks
	LockTimeout time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]*models.Ride),
		presence:    make(map[string]*models.DriverPresence),
		locks:       &rowLocks{rows: make(map[string]*rowLock)},
		LockTimeout: 2 * time.Second,
	}
}

// rowLocks hands out one single-slot channel per row key. A key is dropped
// once nobody holds or waits for it.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]*rowLock
}

type rowLock struct {
	ch   chan struct{}
	refs int // holders plus waiters
}

func (l *rowLocks) ref(key string) *rowLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.rows[key]
	if !ok {
		rl = &rowLock{ch: make(chan struct{}, 1)}
		l.rows[key] = rl
	}
	rl.refs++
	return rl
}

func (l *rowLocks) unref(key string, rl *rowLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.rows, key)
	}
}

func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	rl := l.ref(key)
	select {
	case rl.ch <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rl.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.unref(key, rl)
		return rideerr.ErrLockTimeout
	case <-ctx.Done():
		l.unref(key, rl)
		return ctx.Err()
	}
}

func (l *rowLocks) try(key string) bool {
	rl := l.ref(key)
	select {
	case rl.ch <- struct{}{}:
		return true
	default:
		l.unref(key, rl)
		return false
	}
}

func (l *rowLocks) release(key string) {
	l.mu.Lock()
	rl := l.rows[key]
	l.mu.Unlock()
	<-rl.ch
	l.unref(key, rl)
}

// heldKeys reports how many row keys are tracked.
func (l *rowLocks) heldKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:        m,
		held:     make(map[string]bool),
		rides:    make(map[string]*models.Ride),
		inserted: make(map[string]bool),
		presence: make(map[string]*models.DriverPresence),
	}
	defer tx.releaseAll()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) Ride(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, rideerr.ErrRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Presence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presence[driverID]
	if !ok {
		return nil, rideerr.ErrDriverNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) OnlinePresence(ctx context.Context, page, size int) ([]models.DriverPresence, error) {
	m.mu.RLock()
	all := make([]models.DriverPresence, 0, len(m.presence))
	for _, p := range m.presence {
		if p.Online {
			all = append(all, *p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].DriverID < all[j].DriverID })
	if page < 0 || size <= 0 || page > len(all)/size {
		return []models.DriverPresence{}, nil
	}
	from := page * size
	if from >= len(all) {
		return []models.DriverPresence{}, nil
	}
	to := from + size
	if to > len(all) {
		to = len(all)
	}
	return all[from:to], nil
}

func (m *MemoryStore) MovePresence(ctx context.Context, driverID string, pos models.Coord, at time.Time, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[driverID]
	if !ok {
		return false, rideerr.ErrDriverNotFound
	}
	if p.Version != expectedVersion {
		return false, nil
	}
	p.Lat, p.Lon = pos.Lat, pos.Lon
	if at.After(p.UpdatedAt) {
		p.UpdatedAt = at
	}
	p.Version++
	return true, nil
}

func (m *MemoryStore) ScheduledRides(ctx context.Context, until time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.RideScheduled && r.ScheduledAt != nil && !r.ScheduledAt.After(until) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

func (m *MemoryStore) MarkReminderSent(ctx context.Context, rideID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return rideerr.ErrRideNotFound
	}
	t := at
	r.ReminderSentAt = &t
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// PutPresence seeds a presence row directly; used by tests and local runs.
func (m *MemoryStore) PutPresence(p models.DriverPresence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := p
	m.presence[p.DriverID] = &c
}

type memTx struct {
	s        *MemoryStore
	held     map[string]bool
	rides    map[string]*models.Ride
	inserted map[string]bool
	presence map[string]*models.DriverPresence
	created  []*models.DriverPresence
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.LockTimeout); err != nil {
		return err
	}
	t.held[key] = true
	return nil
}

func (t *memTx) releaseAll() {
	for key := range t.held {
		t.s.locks.release(key)
	}
	t.held = nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, p := range t.created {
		if _, exists := t.s.presence[p.DriverID]; !exists {
			c := *p
			t.s.presence[p.DriverID] = &c
		}
	}
	for id, p := range t.presence {
		cur, ok := t.s.presence[id]
		if !ok {
			continue
		}
		// position fields stay with MovePresence
		next := *p
		next.Lat, next.Lon = cur.Lat, cur.Lon
		if cur.UpdatedAt.After(next.UpdatedAt) {
			next.UpdatedAt = cur.UpdatedAt
		}
		next.Version = cur.Version + 1
		t.s.presence[id] = &next
	}
	for id, r := range t.rides {
		t.s.rides[id] = r.Clone()
	}
}

func (t *memTx) LockRequester(ctx context.Context, userID string) error {
	return t.lock(ctx, "requester:"+userID)
}

func (t *memTx) HasActiveRide(ctx context.Context, creatorID string) (bool, error) {
	for _, r := range t.rides {
		if r.CreatorID == creatorID && r.Status.Active() {
			return true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, r := range t.s.rides {
		if _, staged := t.rides[id]; staged {
			continue
		}
		if r.CreatorID == creatorID && r.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Candidates(ctx context.Context, q CandidateQuery) ([]models.DriverPresence, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []models.DriverPresence
	for _, p := range t.s.presence {
		if q.Matches(*p) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (t *memTx) readPresence(driverID string) (*models.DriverPresence, bool) {
	if p, ok := t.presence[driverID]; ok {
		c := *p
		return &c, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.presence[driverID]
	if !ok {
		for _, c := range t.created {
			if c.DriverID == driverID {
				cc := *c
				return &cc, true
			}
		}
		return nil, false
	}
	c := *p
	return &c, true
}

func (t *memTx) TryLockPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	key := "presence:" + driverID
	if !t.held[key] {
		if !t.s.locks.try(key) {
			return nil, nil
		}
		t.held[key] = true
	}
	p, ok := t.readPresence(driverID)
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (t *memTx) LockPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	if err := t.lock(ctx, "presence:"+driverID); err != nil {
		return nil, err
	}
	p, ok := t.readPresence(driverID)
	if !ok {
		return nil, rideerr.ErrDriverNotFound
	}
	return p, nil
}

func (t *memTx) EnsurePresence(ctx context.Context, p *models.DriverPresence) error {
	if _, ok := t.readPresence(p.DriverID); ok {
		return nil
	}
	c := *p
	c.Version = 1
	t.created = append(t.created, &c)
	return nil
}

func (t *memTx) SavePresence(ctx context.Context, p *models.DriverPresence) error {
	if !t.held["presence:"+p.DriverID] {
		return rideerr.Internal("save presence", errUnlockedWrite)
	}
	c := *p
	t.presence[p.DriverID] = &c
	p.Version++
	return nil
}

func (t *memTx) InsertRide(ctx context.Context, r *models.Ride) error {
	if key := "ride:" + r.ID; !t.held[key] && t.s.locks.try(key) {
		t.held[key] = true
	}
	t.inserted[r.ID] = true
	t.rides[r.ID] = r.Clone()
	return nil
}

func (t *memTx) LockRide(ctx context.Context, id string) (*models.Ride, error) {
	if err := t.lock(ctx, "ride:"+id); err != nil {
		return nil, err
	}
	if r, ok := t.rides[id]; ok {
		return r.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.rides[id]
	if !ok {
		return nil, rideerr.ErrRideNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) SaveRide(ctx context.Context, r *models.Ride) error {
	if !t.held["ride:"+r.ID] && !t.inserted[r.ID] {
		return rideerr.Internal("save ride", errUnlockedWrite)
	}
	t.rides[r.ID] = r.Clone()
	return nil
}
