package game

import "errors"

var (
	ErrNotYourTurn    = errors.New("not_your_turn")
	ErrUnknownAction  = errors.New("unknown_action")
	ErrUnknownPlayer  = errors.New("unknown_player")
	ErrInvalidPayload = errors.New("invalid_payload")
)

// ActionForfeit must be accepted by every strategy. It is the autoplay
// fallback when nothing in the safe-action whitelist applies.
const ActionForfeit = "forfeit"

// Strategy is the contract a game type implements. The orchestrator never
// inspects a strategy beyond this interface; private per-player data lives
// only behind PrivateStater.
type Strategy interface {
	// CurrentPlayerID returns the player to act, or "" for
	// simultaneous-action games.
	CurrentPlayerID() string

	// HandleAction applies one player action. A nil outcome means the
	// session continues; a non-nil outcome ends it. Illegal actions
	// return a descriptive error and leave state untouched.
	HandleAction(playerID, action string, payload map[string]any) (*SettlementOutcome, error)

	// PublicState must never include another player's private information.
	PublicState() map[string]any

	GameOver() bool

	// PlayerBets and PlayerTotalSpent feed the up-front bet deduction and
	// refund accounting.
	PlayerBets() map[string]int64
	PlayerTotalSpent() map[string]int64
}

// PrivateStater is implemented by strategies with hidden per-player state
// (hands, tiles). The orchestrator delivers it only to the owning connection.
type PrivateStater interface {
	PrivateState(playerID string) map[string]any
}

// SafeActioner exposes the autoplay whitelist in preference order.
type SafeActioner interface {
	SafeActions() []string
}

// Teardowner is invoked by the session registry on unregister.
type Teardowner interface {
	Teardown()
}

// Factory builds a strategy for a set of seated players with a per-player
// ante. The set of game types is closed at wiring time.
type Factory func(players []string, ante int64) (Strategy, error)
