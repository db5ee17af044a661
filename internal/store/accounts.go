package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

var ErrInsufficientBalance = errors.New("insufficient_balance")

func (s *Store) EnsureAccount(ctx context.Context, userID string, initial int64) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO accounts (user_id, balance) VALUES ($1,$2) ON CONFLICT (user_id) DO NOTHING`, userID, initial)
	return err
}

func (s *Store) GetAccountBalance(ctx context.Context, userID string) (int64, error) {
	row := s.Pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID)
	var bal int64
	if err := row.Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return bal, nil
}

// Debit removes amount from a user's balance and appends the matching ledger
// entry, all inside one transaction with the account row locked. The ledger
// entry records the balance after the mutation; the aggregate balance must
// always equal the newest entry's balance_after.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, entryType, relatedID, relatedType string) (int64, error) {
	if amount < 0 {
		return 0, errors.New("amount must be positive")
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	newBal, err := applyBalanceChange(ctx, tx, userID, -amount, entryType, relatedID, relatedType)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBal, nil
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64, entryType, relatedID, relatedType string) (int64, error) {
	if amount < 0 {
		return 0, errors.New("amount must be positive")
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	newBal, err := applyBalanceChange(ctx, tx, userID, amount, entryType, relatedID, relatedType)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBal, nil
}

// applyBalanceChange is the single shared "check balance, mutate, append
// entry" step used by Debit, Credit and the settlement transaction.
func applyBalanceChange(ctx context.Context, tx pgx.Tx, userID string, delta int64, entryType, relatedID, relatedType string) (int64, error) {
	var bal int64
	row := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if err := row.Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	newBal := bal + delta
	if newBal < 0 {
		return 0, ErrInsufficientBalance
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = now() WHERE user_id = $2`, newBal, userID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, balance_after, type, related_id, related_type) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		NewID(), userID, delta, newBal, entryType, relatedID, relatedType); err != nil {
		return 0, err
	}
	return newBal, nil
}

func (s *Store) LatestLedgerEntry(ctx context.Context, userID string) (*LedgerEntry, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, user_id, amount, balance_after, type, related_id, related_type, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	var e LedgerEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.Type, &e.RelatedID, &e.RelatedType, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListLedgerEntriesForGame(ctx context.Context, gameID string) ([]LedgerEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, user_id, amount, balance_after, type, related_id, related_type, created_at
		 FROM ledger_entries WHERE related_type = 'game' AND related_id = $1 ORDER BY created_at ASC, id ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.Type, &e.RelatedID, &e.RelatedType, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
