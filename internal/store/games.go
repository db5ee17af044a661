package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	ErrGameNotFound        = errors.New("game_not_found")
	ErrGameAlreadyFinished = errors.New("game_already_finished")
	ErrGameAlreadyAborted  = errors.New("game_already_aborted")
)

func (s *Store) CreateGame(ctx context.Context, roomID, gameType string) (string, error) {
	id := NewID()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO games (id, room_id, game_type, status) VALUES ($1,$2,$3,$4)`,
		id, roomID, gameType, GameStatusPlaying)
	return id, err
}

func (s *Store) GetGame(ctx context.Context, gameID string) (*Game, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, room_id, game_type, status, winner_id, total_pot, reason, created_at, finished_at
		 FROM games WHERE id = $1`, gameID)
	var g Game
	if err := row.Scan(&g.ID, &g.RoomID, &g.GameType, &g.Status, &g.WinnerID, &g.TotalPot, &g.Reason, &g.CreatedAt, &g.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, err
	}
	return &g, nil
}

type SettleResultRow struct {
	UserID      string
	ChipsChange int64
	TotalSpent  int64
	Position    int
}

type SettleParams struct {
	WinnerID string
	TotalPot int64
	Reason   string
	Results  []SettleResultRow
}

// SettleGame applies a session outcome in one transaction with the game row
// locked for its duration. A game already finished yields (true, nil) with no
// ledger writes, which is what makes racing invocations safe; an aborted game
// yields ErrGameAlreadyAborted. Any error aborts the whole transaction, so
// partial ledger writes never survive.
func (s *Store) SettleGame(ctx context.Context, gameID string, p SettleParams) (alreadySettled bool, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	status, err := lockGameStatus(ctx, tx, gameID)
	if err != nil {
		return false, err
	}
	switch status {
	case GameStatusFinished:
		return true, nil
	case GameStatusAborted:
		return false, ErrGameAlreadyAborted
	}

	for _, r := range p.Results {
		switch {
		case r.ChipsChange > 0:
			if _, err := applyBalanceChange(ctx, tx, r.UserID, r.ChipsChange, "game_payout", gameID, "game"); err != nil {
				return false, err
			}
		case r.ChipsChange < 0:
			if _, err := applyBalanceChange(ctx, tx, r.UserID, r.ChipsChange, "game_loss", gameID, "game"); err != nil {
				return false, err
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO game_results (id, game_id, user_id, chips_change, total_spent, net_change, position)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			NewID(), gameID, r.UserID, r.ChipsChange, r.TotalSpent, r.ChipsChange-r.TotalSpent, r.Position); err != nil {
			return false, err
		}
	}

	var winner *string
	if p.WinnerID != "" {
		winner = &p.WinnerID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE games SET status = $1, winner_id = $2, total_pot = $3, reason = $4, finished_at = now() WHERE id = $5`,
		GameStatusFinished, winner, p.TotalPot, p.Reason, gameID); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

// AbortGame flips a playing game to aborted and credits the given refunds in
// the same transaction. It is the mirror of SettleGame for sessions that
// never reach settlement.
func (s *Store) AbortGame(ctx context.Context, gameID, reason string, refunds map[string]int64) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	status, err := lockGameStatus(ctx, tx, gameID)
	if err != nil {
		return err
	}
	switch status {
	case GameStatusFinished:
		return ErrGameAlreadyFinished
	case GameStatusAborted:
		return ErrGameAlreadyAborted
	}

	for userID, amount := range refunds {
		if amount <= 0 {
			continue
		}
		if _, err := applyBalanceChange(ctx, tx, userID, amount, "bet_refund", gameID, "game"); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE games SET status = $1, reason = $2, finished_at = now() WHERE id = $3`,
		GameStatusAborted, reason, gameID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockGameStatus(ctx context.Context, tx pgx.Tx, gameID string) (string, error) {
	row := tx.QueryRow(ctx, `SELECT status FROM games WHERE id = $1 FOR UPDATE`, gameID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrGameNotFound
		}
		return "", err
	}
	return status, nil
}

func (s *Store) ListGameResults(ctx context.Context, gameID string) ([]GameResult, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, game_id, user_id, chips_change, total_spent, net_change, position, created_at
		 FROM game_results WHERE game_id = $1 ORDER BY position ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []GameResult{}
	for rows.Next() {
		var r GameResult
		if err := rows.Scan(&r.ID, &r.GameID, &r.UserID, &r.ChipsChange, &r.TotalSpent, &r.NetChange, &r.Position, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
