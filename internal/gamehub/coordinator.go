package gamehub

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"parlor/internal/batch"
	"parlor/internal/game"
	"parlor/internal/roomlock"
	"parlor/internal/session"
)

var (
	metricActionTotal       = expvar.NewInt("hub_action_total")
	metricActionErrors      = expvar.NewInt("hub_action_errors_total")
	metricAutoplayFired     = expvar.NewInt("hub_autoplay_fired_total")
	metricSessionsStarted   = expvar.NewInt("hub_sessions_started_total")
	metricSessionsFinished  = expvar.NewInt("hub_sessions_finished_total")
	metricSessionsAborted   = expvar.NewInt("hub_sessions_aborted_total")
	metricDeparturesHandled = expvar.NewInt("hub_departures_total")
)

// Coordinator ties the session core together: every mutating path on a room
// enters through the room operation lock, runs the strategy, then either
// queues state for broadcast or hands off to settlement.
type Coordinator struct {
	registry     *session.Registry
	locks        *roomlock.Manager
	settler      Settler
	ledger       BetLedger
	store        GameStore
	batcher      *batch.Batcher
	broadcaster  Broadcaster
	connectivity Connectivity
	factories    map[string]game.Factory

	autoplay AutoplayScheduler

	mu    sync.Mutex
	ready map[string]map[string]bool // roomID -> userID -> ready
}

func NewCoordinator(
	registry *session.Registry,
	locks *roomlock.Manager,
	settler Settler,
	ledger BetLedger,
	st GameStore,
	batcher *batch.Batcher,
	broadcaster Broadcaster,
	connectivity Connectivity,
) *Coordinator {
	return &Coordinator{
		registry:     registry,
		locks:        locks,
		settler:      settler,
		ledger:       ledger,
		store:        st,
		batcher:      batcher,
		broadcaster:  broadcaster,
		connectivity: connectivity,
		factories:    map[string]game.Factory{},
		ready:        map[string]map[string]bool{},
	}
}

// SetAutoplay wires the autoplay scheduler after construction; the scheduler
// needs the coordinator as its firer, so the two are linked in two steps.
func (c *Coordinator) SetAutoplay(s AutoplayScheduler) { c.autoplay = s }

// RegisterGameType adds a strategy factory to the closed set of game types.
// Safe to call while sessions are being started.
func (c *Coordinator) RegisterGameType(code string, f game.Factory) {
	c.mu.Lock()
	c.factories[code] = f
	c.mu.Unlock()
}

func (c *Coordinator) gameFactory(code string) game.Factory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factories[code]
}

// JoinRoom adds a member; the first member becomes owner.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, userID string) error {
	members, err := c.store.ListRoomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if err := c.store.AddRoomMember(ctx, roomID, userID, len(members) == 0); err != nil {
		return err
	}
	c.broadcaster.Broadcast(roomID, Event{Type: EventJoined, Data: map[string]any{
		"room_id": roomID,
		"user_id": userID,
	}})
	return nil
}

// MarkReady records a member's readiness signal for the next session.
func (c *Coordinator) MarkReady(roomID, userID string, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.ready[roomID]
	if room == nil {
		room = map[string]bool{}
		c.ready[roomID] = room
	}
	if ready {
		room[userID] = true
	} else {
		delete(room, userID)
	}
}

func (c *Coordinator) allReady(roomID string, members []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.ready[roomID]
	for _, m := range members {
		if !room[m] {
			return false
		}
	}
	return true
}

func (c *Coordinator) clearReady(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ready, roomID)
}

// StartSession creates the game record, deducts antes up front, registers
// the session and announces it. Only the room owner may start, and only once
// every member has signalled readiness.
func (c *Coordinator) StartSession(ctx context.Context, roomID, ownerID, gameType string, ante int64) (string, error) {
	factory := c.gameFactory(gameType)
	if factory == nil {
		return "", ErrUnknownGameType
	}

	lc, err := c.locks.Acquire(ctx, roomID, "start:"+ownerID, roomlock.PriorityHigh)
	if err != nil {
		return "", err
	}
	defer lc.Release()

	if _, exists := c.registry.Lookup(roomID); exists {
		return "", ErrSessionInProgress
	}

	members, err := c.store.ListRoomMembers(ctx, roomID)
	if err != nil {
		return "", err
	}
	playerIDs := make([]string, 0, len(members))
	isOwner := false
	for _, m := range members {
		playerIDs = append(playerIDs, m.UserID)
		if m.UserID == ownerID && m.IsOwner {
			isOwner = true
		}
	}
	if !isOwner {
		return "", ErrNotOwner
	}
	if !c.allReady(roomID, playerIDs) {
		return "", ErrNotAllReady
	}

	strategy, err := factory(playerIDs, ante)
	if err != nil {
		return "", err
	}

	gameID, err := c.store.CreateGame(ctx, roomID, gameType)
	if err != nil {
		return "", err
	}

	// Up-front bet deduction. A failure part way through aborts the fresh
	// record and refunds whatever was already taken.
	deducted := map[string]int64{}
	for userID, amount := range strategy.PlayerBets() {
		if amount <= 0 {
			continue
		}
		if _, err := c.ledger.DeductBet(ctx, userID, gameID, amount); err != nil {
			if abortErr := c.settler.Abort(ctx, gameID, "startup_failure", deducted); abortErr != nil {
				log.Error().Err(abortErr).Str("game_id", gameID).Msg("abort after failed bet deduction")
			}
			return "", fmt.Errorf("deduct bet for %s: %w", userID, err)
		}
		deducted[userID] = amount
	}

	c.registry.Register(roomID, gameID, gameType, strategy)
	c.clearReady(roomID)
	metricSessionsStarted.Add(1)

	public := strategy.PublicState()
	c.registry.RecordSnapshot(roomID, public)
	c.broadcaster.Broadcast(roomID, Event{Type: EventSessionStarted, Data: map[string]any{
		"game_id":   gameID,
		"game_type": gameType,
		"state":     public,
	}})
	c.sendPrivateStates(roomID, strategy, playerIDs)
	c.armAutoplayIfAbsent(roomID, strategy)

	log.Info().Str("room_id", roomID).Str("game_id", gameID).Str("game_type", gameType).
		Int("players", len(playerIDs)).Msg("session started")
	return gameID, nil
}

// SubmitAction is the client action entry point: lock, strategy, then
// broadcast or settlement.
func (c *Coordinator) SubmitAction(ctx context.Context, roomID, userID, action string, payload map[string]any) error {
	metricActionTotal.Add(1)
	lc, err := c.locks.Acquire(ctx, roomID, "action:"+userID+":"+action, roomlock.PriorityNormal)
	if err != nil {
		metricActionErrors.Add(1)
		return err
	}
	defer lc.Release()

	return c.applyActionLocked(ctx, roomID, userID, action, payload, false)
}

// applyActionLocked runs with the room lock held. Shared by client actions
// and autoplay substitution.
func (c *Coordinator) applyActionLocked(ctx context.Context, roomID, userID, action string, payload map[string]any, auto bool) error {
	info, ok := c.registry.Lookup(roomID)
	if !ok {
		return ErrNoSession
	}
	strategy := c.registry.Access(roomID)
	if strategy == nil {
		return ErrNoSession
	}

	if c.autoplay != nil {
		c.autoplay.Disarm(roomID, userID)
	}

	outcome, err := strategy.HandleAction(userID, action, payload)
	if err != nil {
		// action handling errors leave the session untouched and are
		// reported to the acting connection only
		metricActionErrors.Add(1)
		c.registry.RecordEvent(roomID, "action_rejected", userID+":"+action+": "+err.Error())
		c.broadcaster.SendPrivate(userID, Event{Type: EventError, Data: map[string]any{
			"code":    "invalid_action",
			"message": err.Error(),
		}})
		return err
	}

	rec, _ := c.registry.RecordAction(roomID, session.ActionRecord{
		UserID:  userID,
		Name:    action,
		Payload: payload,
	})

	public := strategy.PublicState()
	c.registry.RecordSnapshot(roomID, public)
	c.batcher.QueueUpdate(roomID, EventPlayerAction, map[string]any{
		"seq":            rec.Seq,
		"user_id":        userID,
		"action":         action,
		"auto":           auto,
		"current_player": strategy.CurrentPlayerID(),
	}, roomlock.PriorityNormal)
	c.batcher.QueueUpdate(roomID, EventStateUpdate, map[string]any{
		"seq":   rec.Seq,
		"state": public,
	}, roomlock.PriorityNormal)

	if outcome != nil {
		return c.finishSession(ctx, roomID, info.GameID, outcome)
	}

	c.sendPrivateStates(roomID, strategy, nil)
	c.armAutoplayIfAbsent(roomID, strategy)
	return nil
}

// finishSession hands the outcome to the settlement engine and tears the
// session down. Cleanup runs regardless of settlement outcome.
func (c *Coordinator) finishSession(ctx context.Context, roomID, gameID string, outcome *game.SettlementOutcome) error {
	res, err := c.settler.Settle(ctx, gameID, outcome)

	// timers and locks are cleaned up even when settlement failed;
	// cleanup must never depend on the success path
	defer func() {
		if c.autoplay != nil {
			c.autoplay.DisarmRoom(roomID)
		}
		c.registry.Unregister(roomID)
		c.batcher.CloseRoom(roomID)
		c.locks.ReleaseRoom(roomID)
	}()

	if err != nil {
		c.registry.RecordEvent(roomID, "settle_failed", err.Error())
		c.broadcaster.Broadcast(roomID, Event{Type: EventError, Data: map[string]any{
			"code":    "settlement_failed",
			"message": err.Error(),
		}})
		return err
	}
	if res.AlreadySettled {
		return nil
	}

	metricSessionsFinished.Add(1)
	results := make([]map[string]any, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		results = append(results, map[string]any{
			"user_id":      r.UserID,
			"chips_change": r.ChipsChange,
			"total_spent":  r.TotalSpent,
			"net_change":   r.ChipsChange - r.TotalSpent,
			"position":     r.Position,
		})
	}
	c.batcher.FlushQueue(roomID)
	c.broadcaster.Broadcast(roomID, Event{Type: EventSessionFinished, Data: map[string]any{
		"game_id":   gameID,
		"winner_id": outcome.WinnerID,
		"total_pot": outcome.TotalPot,
		"reason":    outcome.Reason,
		"results":   results,
	}})
	return nil
}

// FireAutoplay substitutes a safe default action for an unreachable seat. It
// runs through the same lock-protected path a client action uses; if the
// session settled in the meantime the settle idempotency guard makes the
// race harmless.
func (c *Coordinator) FireAutoplay(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lc, err := c.locks.Acquire(ctx, roomID, "autoplay:"+userID, roomlock.PrioritySystem)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).
			Msg("autoplay lock acquisition failed")
		return
	}
	defer lc.Release()

	strategy := c.registry.Access(roomID)
	if strategy == nil {
		return
	}
	if strategy.CurrentPlayerID() != userID {
		return
	}
	// the seat may have come back between timer fire and lock grant
	for _, connected := range c.connectivity.ConnectedUsers(roomID) {
		if connected == userID {
			return
		}
	}

	metricAutoplayFired.Add(1)
	candidates := []string{}
	if sa, ok := strategy.(game.SafeActioner); ok {
		candidates = sa.SafeActions()
	}
	for _, action := range candidates {
		if err := c.applyActionLocked(ctx, roomID, userID, action, nil, true); err == nil {
			return
		}
	}
	if err := c.applyActionLocked(ctx, roomID, userID, game.ActionForfeit, nil, true); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Str("user_id", userID).
			Msg("autoplay forfeit failed")
	}
}

// HandleDeparture drives the normal leave path: membership removal,
// ownership handoff, abort-with-refunds when the room empties.
func (c *Coordinator) HandleDeparture(ctx context.Context, roomID, userID string) error {
	metricDeparturesHandled.Add(1)
	lc, err := c.locks.Acquire(ctx, roomID, "leave:"+userID, roomlock.PriorityHigh)
	if err != nil {
		return err
	}
	locked := true
	defer func() {
		if locked {
			lc.Release()
		}
	}()

	members, err := c.store.ListRoomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	wasOwner := false
	isMember := false
	for _, m := range members {
		if m.UserID == userID {
			isMember = true
			wasOwner = m.IsOwner
		}
	}
	if !isMember {
		return ErrNotAMember
	}

	if err := c.store.RemoveRoomMember(ctx, roomID, userID); err != nil {
		return err
	}
	c.MarkReady(roomID, userID, false)
	c.broadcaster.Broadcast(roomID, Event{Type: EventLeft, Data: map[string]any{
		"room_id": roomID,
		"user_id": userID,
	}})

	remaining := len(members) - 1
	if wasOwner && remaining > 0 {
		newOwner, err := c.store.TransferRoomOwner(ctx, roomID)
		if err == nil {
			c.broadcaster.Broadcast(roomID, Event{Type: EventOwnerChanged, Data: map[string]any{
				"room_id":  roomID,
				"owner_id": newOwner,
			}})
		}
	}

	info, hasSession := c.registry.Lookup(roomID)
	if !hasSession {
		return nil
	}
	if remaining == 0 {
		err := c.abortLocked(ctx, roomID, info.GameID, "all_players_left")
		locked = false // abortLocked released the room
		return err
	}

	// the departed seat may be the one to act; substitute on timeout
	if strategy := c.registry.Access(roomID); strategy != nil {
		if strategy.CurrentPlayerID() == userID && c.autoplay != nil {
			c.autoplay.Arm(roomID, userID)
		}
	}
	return nil
}

// AbortSession aborts a room's live session from the outside (admin action,
// unrecoverable error).
func (c *Coordinator) AbortSession(ctx context.Context, roomID, reason string) error {
	lc, err := c.locks.Acquire(ctx, roomID, "abort:"+reason, roomlock.PrioritySystem)
	if err != nil {
		return err
	}
	locked := true
	defer func() {
		if locked {
			lc.Release()
		}
	}()

	info, ok := c.registry.Lookup(roomID)
	if !ok {
		return ErrNoSession
	}
	err = c.abortLocked(ctx, roomID, info.GameID, reason)
	locked = false
	return err
}

// abortLocked flips the record to aborted, refunds up-front spends and tears
// the session down. Caller holds the room lock; the room's lock state is
// gone when this returns.
func (c *Coordinator) abortLocked(ctx context.Context, roomID, gameID, reason string) error {
	refunds := map[string]int64{}
	if strategy := c.registry.Access(roomID); strategy != nil {
		for userID, spent := range strategy.PlayerTotalSpent() {
			if spent > 0 {
				refunds[userID] = spent
			}
		}
	}

	err := c.settler.Abort(ctx, gameID, reason, refunds)

	if c.autoplay != nil {
		c.autoplay.DisarmRoom(roomID)
	}
	c.registry.Unregister(roomID)
	c.batcher.CloseRoom(roomID)
	c.locks.ReleaseRoom(roomID)

	if err != nil {
		return err
	}
	metricSessionsAborted.Add(1)
	c.broadcaster.Broadcast(roomID, Event{Type: EventSessionFinished, Data: map[string]any{
		"game_id":   gameID,
		"winner_id": "",
		"total_pot": 0,
		"reason":    reason,
		"aborted":   true,
	}})
	return nil
}

// MarkConnected disarms a seat's idle timer when its connection comes back;
// a live seat acts for itself.
func (c *Coordinator) MarkConnected(roomID, userID string) {
	if c.autoplay != nil {
		c.autoplay.Disarm(roomID, userID)
	}
}

// HandleConnectionFailed receives permanently failed connections from the
// recovery manager. Membership cleanup is the presence reconciler's job;
// this only records the fact.
func (c *Coordinator) HandleConnectionFailed(userID, roomID string) {
	log.Info().Str("room_id", roomID).Str("user_id", userID).
		Msg("connection permanently failed")
	c.registry.RecordEvent(roomID, "connection_failed", userID)
}

// sendPrivateStates delivers each player's own hidden state. With nil
// playerIDs the strategy's bet map decides who is seated.
func (c *Coordinator) sendPrivateStates(roomID string, strategy game.Strategy, playerIDs []string) {
	ps, ok := strategy.(game.PrivateStater)
	if !ok {
		return
	}
	if playerIDs == nil {
		for userID := range strategy.PlayerBets() {
			playerIDs = append(playerIDs, userID)
		}
	}
	for _, userID := range playerIDs {
		c.broadcaster.SendPrivate(userID, Event{Type: EventPrivateState, Data: map[string]any{
			"room_id": roomID,
			"state":   ps.PrivateState(userID),
		}})
	}
}

// armAutoplayIfAbsent arms the idle timer when the seat to act has no live
// connection.
func (c *Coordinator) armAutoplayIfAbsent(roomID string, strategy game.Strategy) {
	if c.autoplay == nil {
		return
	}
	current := strategy.CurrentPlayerID()
	if current == "" {
		return
	}
	for _, connected := range c.connectivity.ConnectedUsers(roomID) {
		if connected == current {
			return
		}
	}
	c.autoplay.Arm(roomID, current)
}
