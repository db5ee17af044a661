package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"parlor/internal/game"
)

type Config struct {
	IdleTTL         time.Duration
	JanitorInterval time.Duration
	IdleWarnAfter   time.Duration
	AliveWarnAfter  time.Duration

	MaxActionHistory   int
	MaxSnapshotHistory int
	MaxEventHistory    int
}

func (c *Config) fill() {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 2 * time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.IdleWarnAfter <= 0 {
		c.IdleWarnAfter = 30 * time.Minute
	}
	if c.AliveWarnAfter <= 0 {
		c.AliveWarnAfter = time.Hour
	}
}

// Session is one live game bound to a room. Owned exclusively by the
// Registry; the strategy is the only holder of private per-player state.
type Session struct {
	RoomID         string
	GameID         string
	GameType       string
	Strategy       game.Strategy
	RegisteredAt   time.Time
	LastAccessedAt time.Time
	AccessCount    int64

	timers  map[string]*time.Timer
	history *history
}

// Registry owns the room→session mapping, per-room timers and bounded
// history. Instances are constructor-injected, never package globals, so
// tests get isolated registries.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	clock    func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	cfg.fill()
	return &Registry{
		cfg:      cfg,
		sessions: map[string]*Session{},
		clock:    time.Now,
	}
}

// Register binds a session to a room. An existing session for the room is
// torn down and replaced with a warning; the return value reports whether
// the room was previously free.
func (r *Registry) Register(roomID, gameID, gameType string, strategy game.Strategy) bool {
	now := r.clock()
	sess := &Session{
		RoomID:         roomID,
		GameID:         gameID,
		GameType:       gameType,
		Strategy:       strategy,
		RegisteredAt:   now,
		LastAccessedAt: now,
		timers:         map[string]*time.Timer{},
		history:        newHistory(r.cfg.MaxActionHistory, r.cfg.MaxSnapshotHistory, r.cfg.MaxEventHistory),
	}

	r.mu.Lock()
	old := r.sessions[roomID]
	if old != nil {
		stopTimersLocked(old)
	}
	r.sessions[roomID] = sess
	r.mu.Unlock()

	if old != nil {
		log.Warn().Str("room_id", roomID).Str("old_game_id", old.GameID).Str("game_id", gameID).
			Msg("session already registered for room, replacing")
		if td, ok := old.Strategy.(game.Teardowner); ok {
			td.Teardown()
		}
		return false
	}
	return true
}

// Unregister tears a room's session down: every timer stopped, strategy
// teardown invoked, history dropped. Cleanup is unconditional.
func (r *Registry) Unregister(roomID string) bool {
	r.mu.Lock()
	sess := r.sessions[roomID]
	if sess != nil {
		stopTimersLocked(sess)
	}
	delete(r.sessions, roomID)
	r.mu.Unlock()

	if sess == nil {
		return false
	}
	if td, ok := sess.Strategy.(game.Teardowner); ok {
		td.Teardown()
	}
	return true
}

// stopTimersLocked stops and forgets every timer. Caller holds r.mu.
func stopTimersLocked(sess *Session) {
	for key, t := range sess.timers {
		t.Stop()
		delete(sess.timers, key)
	}
}

// Access returns the room's strategy and updates recency, or nil when no
// session is registered.
func (r *Registry) Access(roomID string) game.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return nil
	}
	sess.LastAccessedAt = r.clock()
	sess.AccessCount++
	return sess.Strategy
}

func (r *Registry) Lookup(roomID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return Info{}, false
	}
	return Info{
		RoomID:         sess.RoomID,
		GameID:         sess.GameID,
		GameType:       sess.GameType,
		RegisteredAt:   sess.RegisteredAt,
		LastAccessedAt: sess.LastAccessedAt,
		AccessCount:    sess.AccessCount,
	}, true
}

type Info struct {
	RoomID         string
	GameID         string
	GameType       string
	RegisteredAt   time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// RegisterTimer schedules a cancellable task against the room. Timers live in
// the session entry, so teardown structurally guarantees cancellation.
// Returns false (and does not schedule) when no session is registered.
func (r *Registry) RegisterTimer(roomID, key string, d time.Duration, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return false
	}
	if old, ok := sess.timers[key]; ok {
		old.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		// drop the registration before running so a firing timer does
		// not linger as live in timer counts; a replaced timer that fired
		// during its own Stop must not evict its successor
		r.mu.Lock()
		if cur := r.sessions[roomID]; cur != sess {
			// session torn down between fire and lock; the task dies
			// with it
			r.mu.Unlock()
			return
		}
		if sess.timers[key] == tm {
			delete(sess.timers, key)
		}
		r.mu.Unlock()
		fn()
	})
	sess.timers[key] = tm
	return true
}

func (r *Registry) ClearTimer(roomID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return
	}
	if t, ok := sess.timers[key]; ok {
		t.Stop()
		delete(sess.timers, key)
	}
}

func (r *Registry) ClearAllTimers(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return
	}
	for key, t := range sess.timers {
		t.Stop()
		delete(sess.timers, key)
	}
}

// TimerCount reports live timers for a room; teardown must leave it at zero.
func (r *Registry) TimerCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return 0
	}
	return len(sess.timers)
}

func (r *Registry) RecordAction(roomID string, rec ActionRecord) (ActionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return ActionRecord{}, false
	}
	if rec.At.IsZero() {
		rec.At = r.clock()
	}
	sess.LastAccessedAt = r.clock()
	return sess.history.addAction(rec), true
}

func (r *Registry) RecordSnapshot(roomID string, state map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return
	}
	sess.history.addSnapshot(state, r.clock())
}

func (r *Registry) RecordEvent(roomID, kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return
	}
	sess.history.addEvent(kind, detail, r.clock())
}

// ActionsAfter returns the recorded actions with sequence numbers greater
// than seq, in order. Reconnect replay keys off this.
func (r *Registry) ActionsAfter(roomID string, seq int64) []ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return nil
	}
	return sess.history.actionsAfter(seq)
}

func (r *Registry) LatestSnapshot(roomID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return Snapshot{}, false
	}
	return sess.history.latestSnapshot()
}

func (r *Registry) LastSeq(roomID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[roomID]
	if sess == nil {
		return 0
	}
	return sess.history.nextSeq
}

func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for roomID := range r.sessions {
		out = append(out, roomID)
	}
	return out
}

// StartJanitor runs the idle-eviction sweep and the long-lived-session
// monitor until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.sweep(now)
			}
		}
	}()
}

func (r *Registry) sweep(now time.Time) {
	type flagged struct {
		roomID string
		idle   time.Duration
		alive  time.Duration
	}
	evict := []string{}
	warn := []flagged{}

	r.mu.Lock()
	for roomID, sess := range r.sessions {
		idle := now.Sub(sess.LastAccessedAt)
		alive := now.Sub(sess.RegisteredAt)
		if idle > r.cfg.IdleTTL {
			evict = append(evict, roomID)
			continue
		}
		if idle > r.cfg.IdleWarnAfter || alive > r.cfg.AliveWarnAfter {
			warn = append(warn, flagged{roomID: roomID, idle: idle, alive: alive})
		}
	}
	r.mu.Unlock()

	for _, roomID := range evict {
		log.Warn().Str("room_id", roomID).Dur("idle_ttl", r.cfg.IdleTTL).Msg("evicting idle session")
		r.Unregister(roomID)
	}
	for _, f := range warn {
		log.Warn().Str("room_id", f.roomID).Dur("idle", f.idle).Dur("alive", f.alive).
			Msg("long-lived session")
	}
}

// Shutdown explicitly unregisters every session; process exit is never
// relied on for cleanup.
func (r *Registry) Shutdown() {
	for _, roomID := range r.Rooms() {
		r.Unregister(roomID)
	}
}
