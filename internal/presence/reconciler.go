package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectivitySource reports which users hold a live transport connection to
// a room's channel. The websocket hub implements it.
type ConnectivitySource interface {
	ConnectedUsers(roomID string) []string
}

// Membership is the persisted room-membership surface the reconciler diffs
// against. *store.Store satisfies it.
type Membership interface {
	ListRoomsWithMembers(ctx context.Context) ([]string, error)
	ListRoomMemberIDs(ctx context.Context, roomID string) ([]string, error)
}

// DepartureHandler drives the normal leave path (ownership handoff, row
// removal, abort-on-empty) once a member's absence outlasts the grace
// period. The game hub implements it.
type DepartureHandler interface {
	HandleDeparture(ctx context.Context, roomID, userID string) error
}

type Config struct {
	Interval time.Duration
	Grace    time.Duration
}

func (c *Config) fill() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 20 * time.Second
	}
}

type memberKey struct {
	roomID string
	userID string
}

// Reconciler periodically diffs transport-level connectivity against
// persisted membership. Absence shorter than the grace period has no side
// effects, so transient reconnects are invisible to game state.
type Reconciler struct {
	cfg        Config
	source     ConnectivitySource
	membership Membership
	departures DepartureHandler

	mu          sync.Mutex
	absentSince map[memberKey]time.Time
	clock       func() time.Time
}

func NewReconciler(cfg Config, src ConnectivitySource, membership Membership, departures DepartureHandler) *Reconciler {
	cfg.fill()
	return &Reconciler{
		cfg:         cfg,
		source:      src,
		membership:  membership,
		departures:  departures,
		absentSince: map[memberKey]time.Time{},
		clock:       time.Now,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.ReconcileOnce(ctx, now)
			}
		}
	}()
}

// ReconcileOnce runs a single reconciliation pass. Exported so tests and the
// ticker loop share one code path.
func (r *Reconciler) ReconcileOnce(ctx context.Context, now time.Time) {
	rooms, err := r.membership.ListRoomsWithMembers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("presence: list rooms failed")
		return
	}

	type departure struct {
		roomID string
		userID string
	}
	var departed []departure

	for _, roomID := range rooms {
		members, err := r.membership.ListRoomMemberIDs(ctx, roomID)
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("presence: list members failed")
			continue
		}
		connected := map[string]struct{}{}
		for _, id := range r.source.ConnectedUsers(roomID) {
			connected[id] = struct{}{}
		}

		r.mu.Lock()
		for _, userID := range members {
			key := memberKey{roomID: roomID, userID: userID}
			if _, ok := connected[userID]; ok {
				// reappearance clears the absence timer, no side effects
				delete(r.absentSince, key)
				continue
			}
			since, ok := r.absentSince[key]
			if !ok {
				r.absentSince[key] = now
				continue
			}
			if now.Sub(since) > r.cfg.Grace {
				delete(r.absentSince, key)
				departed = append(departed, departure{roomID: roomID, userID: userID})
			}
		}
		r.mu.Unlock()
	}

	for _, d := range departed {
		log.Info().Str("room_id", d.roomID).Str("user_id", d.userID).
			Dur("grace", r.cfg.Grace).Msg("presence: member absent past grace, leaving")
		if err := r.departures.HandleDeparture(ctx, d.roomID, d.userID); err != nil {
			log.Error().Err(err).Str("room_id", d.roomID).Str("user_id", d.userID).
				Msg("presence: departure failed")
		}
	}
}

// MarkSeen clears a member's absence timer immediately instead of waiting
// for the next reconcile pass to observe the reconnection.
func (r *Reconciler) MarkSeen(roomID, userID string) {
	r.mu.Lock()
	delete(r.absentSince, memberKey{roomID: roomID, userID: userID})
	r.mu.Unlock()
}

// AbsentFor reports how long a member has been continuously absent, zero if
// present.
func (r *Reconciler) AbsentFor(roomID, userID string, now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	since, ok := r.absentSince[memberKey{roomID: roomID, userID: userID}]
	if !ok {
		return 0
	}
	return now.Sub(since)
}
