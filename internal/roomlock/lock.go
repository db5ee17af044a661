package roomlock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Priorities for lock acquisition. System actions (settlement, autoplay)
// jump ahead of queued user actions.
const (
	PriorityLow    = 0
	PriorityNormal = 10
	PriorityHigh   = 20
	PrioritySystem = 30
)

type Config struct {
	// HoldTimeout bounds how long a granted holder may run before the
	// lock is force-cleared.
	HoldTimeout time.Duration

	// RateWindow / RateThreshold cap how often the same logical operation
	// may acquire per room.
	RateWindow    time.Duration
	RateThreshold int
}

func (c *Config) fill() {
	if c.HoldTimeout <= 0 {
		c.HoldTimeout = 5 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.RateThreshold <= 0 {
		c.RateThreshold = 60
	}
}

// Manager serializes mutating operations per room. Exactly one holder runs
// per room at any instant; waiters queue by priority, then arrival.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	rooms map[string]*roomLock
	clock func() time.Time
	seq   uint64
}

type roomLock struct {
	current *Context
	queue   []*waiter
	recent  map[string][]time.Time // operationID -> acquisition times
}

type waiter struct {
	operationID string
	priority    int
	arrival     uint64
	enqueuedAt  time.Time
	grant       chan *Context
	cancelled   bool
}

// Context is the capability token returned by a successful acquisition.
// Mutating a room's session requires holding a valid one.
type Context struct {
	m           *Manager
	roomID      string
	operationID string
	priority    int
	grantedAt   time.Time

	mu         sync.Mutex
	valid      bool
	forceTimer *time.Timer
}

func NewManager(cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		cfg:   cfg,
		rooms: map[string]*roomLock{},
		clock: time.Now,
	}
}

// Acquire suspends the caller until the room lock is granted, the context is
// cancelled, or the operation is rate-limited.
func (m *Manager) Acquire(ctx context.Context, roomID, operationID string, priority int) (*Context, error) {
	m.mu.Lock()
	rl := m.rooms[roomID]
	if rl == nil {
		rl = &roomLock{recent: map[string][]time.Time{}}
		m.rooms[roomID] = rl
	}

	now := m.clock()
	if !m.admitLocked(rl, operationID, now) {
		m.mu.Unlock()
		return nil, ErrRateLimited
	}

	if rl.current == nil {
		lc := m.grantLocked(rl, roomID, operationID, priority, now)
		m.mu.Unlock()
		return lc, nil
	}

	w := &waiter{
		operationID: operationID,
		priority:    priority,
		arrival:     m.seq,
		enqueuedAt:  now,
		grant:       make(chan *Context, 1),
	}
	m.seq++
	rl.queue = append(rl.queue, w)
	m.mu.Unlock()

	select {
	case lc, ok := <-w.grant:
		if !ok {
			return nil, ErrLockReleased
		}
		return lc, nil
	case <-ctx.Done():
		m.mu.Lock()
		w.cancelled = true
		m.removeWaiterLocked(rl, w)
		m.mu.Unlock()
		// a grant may have raced the cancellation; hand it onward
		select {
		case lc, ok := <-w.grant:
			if ok {
				lc.Release()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// admitLocked applies the sliding-window spam guard, distinct from
// legitimate queueing.
func (m *Manager) admitLocked(rl *roomLock, operationID string, now time.Time) bool {
	cutoff := now.Add(-m.cfg.RateWindow)
	stamps := rl.recent[operationID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= m.cfg.RateThreshold {
		rl.recent[operationID] = kept
		return false
	}
	rl.recent[operationID] = append(kept, now)
	return true
}

func (m *Manager) grantLocked(rl *roomLock, roomID, operationID string, priority int, now time.Time) *Context {
	lc := &Context{
		m:           m,
		roomID:      roomID,
		operationID: operationID,
		priority:    priority,
		grantedAt:   now,
		valid:       true,
	}
	rl.current = lc
	lc.forceTimer = time.AfterFunc(m.cfg.HoldTimeout, func() {
		if lc.invalidate() {
			log.Warn().Str("room_id", roomID).Str("operation_id", operationID).
				Dur("hold_timeout", m.cfg.HoldTimeout).Msg("lock held past timeout, force releasing")
			m.releaseCurrent(lc)
		}
	})
	return lc
}

// releaseCurrent clears lc as holder (if it still is) and grants the next
// waiter by priority descending, then arrival order.
func (m *Manager) releaseCurrent(lc *Context) {
	m.mu.Lock()
	rl := m.rooms[lc.roomID]
	if rl == nil || rl.current != lc {
		m.mu.Unlock()
		return
	}
	rl.current = nil

	for len(rl.queue) > 0 {
		sort.SliceStable(rl.queue, func(i, j int) bool {
			if rl.queue[i].priority != rl.queue[j].priority {
				return rl.queue[i].priority > rl.queue[j].priority
			}
			return rl.queue[i].arrival < rl.queue[j].arrival
		})
		next := rl.queue[0]
		rl.queue = rl.queue[1:]
		if next.cancelled {
			continue
		}
		granted := m.grantLocked(rl, lc.roomID, next.operationID, next.priority, m.clock())
		next.grant <- granted
		break
	}

	if rl.current == nil && len(rl.queue) == 0 && len(rl.recent) == 0 {
		delete(m.rooms, lc.roomID)
	}
	m.mu.Unlock()
}

func (m *Manager) removeWaiterLocked(rl *roomLock, w *waiter) {
	for i, q := range rl.queue {
		if q == w {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return
		}
	}
}

// ReleaseRoom tears the room's lock state down: the holder is invalidated
// and every queued waiter is rejected with ErrLockReleased rather than left
// pending.
func (m *Manager) ReleaseRoom(roomID string) {
	m.mu.Lock()
	rl := m.rooms[roomID]
	if rl == nil {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, roomID)
	current := rl.current
	waiters := rl.queue
	rl.current = nil
	rl.queue = nil
	m.mu.Unlock()

	if current != nil && current.invalidate() {
		current.stopForceTimer()
	}
	for _, w := range waiters {
		close(w.grant)
	}
}

// Holder reports the current operation id for a room, or "" when free.
func (m *Manager) Holder(roomID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl := m.rooms[roomID]
	if rl == nil || rl.current == nil {
		return ""
	}
	return rl.current.operationID
}

func (m *Manager) QueueLen(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl := m.rooms[roomID]
	if rl == nil {
		return 0
	}
	return len(rl.queue)
}

// Release returns the lock and grants the next waiter. Safe to call more
// than once; only the first call has effect.
func (c *Context) Release() {
	if !c.invalidate() {
		return
	}
	c.stopForceTimer()
	c.m.releaseCurrent(c)
}

func (c *Context) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *Context) OperationID() string { return c.operationID }
func (c *Context) RoomID() string      { return c.roomID }

func (c *Context) invalidate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return false
	}
	c.valid = false
	return true
}

func (c *Context) stopForceTimer() {
	c.mu.Lock()
	t := c.forceTimer
	c.forceTimer = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
