package ledger

import (
	"context"
	"errors"

	"parlor/internal/store"
)

var ErrInsufficientChips = errors.New("insufficient_chips")

// Ledger is the only writer of chip balances outside the settlement
// transaction. Every mutation follows the same check-decrement-append shape
// inside the store.
type Ledger struct {
	Store *store.Store
}

func New(s *store.Store) *Ledger {
	return &Ledger{Store: s}
}

func (l *Ledger) DeductBet(ctx context.Context, userID, gameID string, amount int64) (int64, error) {
	bal, err := l.Store.Debit(ctx, userID, amount, "bet_debit", gameID, "game")
	if errors.Is(err, store.ErrInsufficientBalance) {
		return 0, ErrInsufficientChips
	}
	return bal, err
}

func (l *Ledger) RefundBet(ctx context.Context, userID, gameID string, amount int64) (int64, error) {
	return l.Store.Credit(ctx, userID, amount, "bet_refund", gameID, "game")
}

func (l *Ledger) PayoutWin(ctx context.Context, userID, gameID string, amount int64) (int64, error) {
	return l.Store.Credit(ctx, userID, amount, "game_payout", gameID, "game")
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.Store.GetAccountBalance(ctx, userID)
}
