package game

import "fmt"

// PlayerResult is one row of a settlement outcome. ChipsChange is a signed
// delta: stakes were already taken by the up-front bet path, so a loser's row
// is 0 and a winner's row the positive payout.
type PlayerResult struct {
	UserID      string         `json:"user_id"`
	ChipsChange int64          `json:"chips_change"`
	TotalSpent  int64          `json:"total_spent"`
	Position    int            `json:"position"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// SettlementOutcome is immutable once produced by a strategy.
type SettlementOutcome struct {
	WinnerID string         `json:"winner_id,omitempty"`
	TotalPot int64          `json:"total_pot"`
	Reason   string         `json:"reason"`
	Results  []PlayerResult `json:"results"`
}

// Validate asserts pot conservation before any ledger write happens.
func (o *SettlementOutcome) Validate() error {
	var sum int64
	for _, r := range o.Results {
		sum += r.ChipsChange
	}
	if sum != o.TotalPot {
		return fmt.Errorf("pot mismatch: results sum %d, total pot %d", sum, o.TotalPot)
	}
	return nil
}
