package gamehub

import (
	"context"

	"parlor/internal/game"
	"parlor/internal/settle"
	"parlor/internal/store"
)

// Settler is the settlement surface the coordinator needs. *settle.Engine
// satisfies it; tests inject fakes.
type Settler interface {
	Settle(ctx context.Context, gameID string, outcome *game.SettlementOutcome) (*settle.Result, error)
	Abort(ctx context.Context, gameID, reason string, refunds map[string]int64) error
}

// BetLedger is the up-front bet deduction/refund path. *ledger.Ledger
// satisfies it.
type BetLedger interface {
	DeductBet(ctx context.Context, userID, gameID string, amount int64) (int64, error)
	RefundBet(ctx context.Context, userID, gameID string, amount int64) (int64, error)
}

// GameStore is the persistence surface for game records and room
// membership. *store.Store satisfies it.
type GameStore interface {
	CreateGame(ctx context.Context, roomID, gameType string) (string, error)
	AddRoomMember(ctx context.Context, roomID, userID string, isOwner bool) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) error
	ListRoomMembers(ctx context.Context, roomID string) ([]store.RoomMember, error)
	TransferRoomOwner(ctx context.Context, roomID string) (string, error)
}

// Connectivity reports live transport connections; the websocket hub
// implements it. Used to decide whether a seat needs an autoplay timer.
type Connectivity interface {
	ConnectedUsers(roomID string) []string
}

// AutoplayScheduler is implemented by *autoplay.Scheduler.
type AutoplayScheduler interface {
	Arm(roomID, userID string) bool
	Disarm(roomID, userID string)
	DisarmRoom(roomID string)
}
