package store

import "time"

const (
	GameStatusPlaying  = "playing"
	GameStatusFinished = "finished"
	GameStatusAborted  = "aborted"
)

type Account struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

type LedgerEntry struct {
	ID           string
	UserID       string
	Amount       int64
	BalanceAfter int64
	Type         string
	RelatedID    string
	RelatedType  string
	CreatedAt    time.Time
}

type Game struct {
	ID         string
	RoomID     string
	GameType   string
	Status     string
	WinnerID   *string
	TotalPot   int64
	Reason     string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

type GameResult struct {
	ID          string
	GameID      string
	UserID      string
	ChipsChange int64
	TotalSpent  int64
	NetChange   int64
	Position    int
	CreatedAt   time.Time
}

type RoomMember struct {
	RoomID   string
	UserID   string
	IsOwner  bool
	JoinedAt time.Time
}
