package settle

import (
	"context"
	"errors"
	"expvar"
	"fmt"

	"github.com/rs/zerolog/log"

	"parlor/internal/game"
	"parlor/internal/store"
)

var (
	metricSettleTotal          = expvar.NewInt("settle_total")
	metricSettleAlreadySettled = expvar.NewInt("settle_already_settled_total")
	metricSettleErrors         = expvar.NewInt("settle_errors_total")
	metricAbortTotal           = expvar.NewInt("settle_abort_total")
)

// Engine turns a session outcome into ledger mutations and a terminal game
// record, exactly once per game.
type Engine struct {
	store *store.Store
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

type Result struct {
	GameID         string `json:"game_id"`
	AlreadySettled bool   `json:"already_settled"`
	WinnerID       string `json:"winner_id,omitempty"`
	TotalPot       int64  `json:"total_pot"`
	Reason         string `json:"reason"`
}

// Settle applies the outcome inside a single row-locked transaction. A game
// already finished returns AlreadySettled with zero ledger writes, which is
// what makes a timeout-fired autoplay racing a user action safe.
func (e *Engine) Settle(ctx context.Context, gameID string, outcome *game.SettlementOutcome) (*Result, error) {
	metricSettleTotal.Add(1)
	if err := outcome.Validate(); err != nil {
		metricSettleErrors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrPotMismatch, err)
	}

	params := store.SettleParams{
		WinnerID: outcome.WinnerID,
		TotalPot: outcome.TotalPot,
		Reason:   outcome.Reason,
	}
	for _, r := range outcome.Results {
		params.Results = append(params.Results, store.SettleResultRow{
			UserID:      r.UserID,
			ChipsChange: r.ChipsChange,
			TotalSpent:  r.TotalSpent,
			Position:    r.Position,
		})
	}

	already, err := e.store.SettleGame(ctx, gameID, params)
	if err != nil {
		metricSettleErrors.Add(1)
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, ErrInsufficientChips
		}
		return nil, err
	}
	if already {
		metricSettleAlreadySettled.Add(1)
		log.Debug().Str("game_id", gameID).Msg("settle invoked on finished game")
		return &Result{GameID: gameID, AlreadySettled: true}, nil
	}

	log.Info().Str("game_id", gameID).Str("winner_id", outcome.WinnerID).
		Int64("total_pot", outcome.TotalPot).Str("reason", outcome.Reason).Msg("game settled")
	return &Result{
		GameID:   gameID,
		WinnerID: outcome.WinnerID,
		TotalPot: outcome.TotalPot,
		Reason:   outcome.Reason,
	}, nil
}

// Abort flips a playing game to aborted and refunds any chips collected up
// front, in the same transaction. Used when a session never reaches
// settlement.
func (e *Engine) Abort(ctx context.Context, gameID, reason string, refunds map[string]int64) error {
	metricAbortTotal.Add(1)
	if err := e.store.AbortGame(ctx, gameID, reason, refunds); err != nil {
		return err
	}
	log.Info().Str("game_id", gameID).Str("reason", reason).Int("refunds", len(refunds)).
		Msg("game aborted")
	return nil
}

type IntegrityReport struct {
	GameID  string   `json:"game_id"`
	Valid   bool     `json:"valid"`
	Details []string `json:"details,omitempty"`
}

// ValidateIntegrity is a read-only post-hoc check: the settled pot must
// equal the recorded result rows, game-scoped ledger credits must cancel
// debits, and each participant's aggregate balance must equal their newest
// entry's balance_after. Violations are an alerting condition, not a
// runtime-blocking one.
func (e *Engine) ValidateIntegrity(ctx context.Context, gameID string) (*IntegrityReport, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{GameID: gameID, Valid: true}
	fail := func(format string, args ...any) {
		report.Valid = false
		report.Details = append(report.Details, fmt.Sprintf(format, args...))
	}

	if g.Status == store.GameStatusPlaying {
		fail("game still playing")
		return report, nil
	}

	results, err := e.store.ListGameResults(ctx, gameID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.ListLedgerEntriesForGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	if g.Status == store.GameStatusFinished {
		var changeSum, spentSum int64
		for _, r := range results {
			changeSum += r.ChipsChange
			spentSum += r.TotalSpent
		}
		if changeSum != g.TotalPot {
			fail("results chips_change sum %d != total pot %d", changeSum, g.TotalPot)
		}
		if spentSum != g.TotalPot {
			fail("recorded bets sum %d != total pot %d", spentSum, g.TotalPot)
		}
	}

	var net int64
	users := map[string]struct{}{}
	for _, e := range entries {
		net += e.Amount
		users[e.UserID] = struct{}{}
	}
	if net != 0 {
		fail("game ledger does not balance: net %d", net)
	}

	for userID := range users {
		bal, err := e.store.GetAccountBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		last, err := e.store.LatestLedgerEntry(ctx, userID)
		if err != nil {
			return nil, err
		}
		if bal != last.BalanceAfter {
			fail("user %s balance %d != latest ledger balance_after %d", userID, bal, last.BalanceAfter)
		}
	}

	if !report.Valid {
		log.Error().Str("game_id", gameID).Strs("details", report.Details).
			Msg("ledger integrity violation")
	}
	return report, nil
}
