package game

import (
	"errors"
	"math/rand"
)

// DiceDuel is the built-in reference strategy: each seat rolls two dice in
// turn order, highest total takes the pot, ties split it. It exists so the
// session core is exercisable end to end; real games plug in the same way.
type DiceDuel struct {
	players  []string
	ante     int64
	rolls    map[string][2]int
	forfeits map[string]bool
	turn     int
	over     bool
	roll     func() int
}

func NewDiceDuel(players []string, ante int64) (Strategy, error) {
	if len(players) < 2 {
		return nil, errors.New("dice duel needs at least two players")
	}
	return &DiceDuel{
		players:  append([]string(nil), players...),
		ante:     ante,
		rolls:    map[string][2]int{},
		forfeits: map[string]bool{},
		roll:     func() int { return rand.Intn(6) + 1 },
	}, nil
}

func (d *DiceDuel) CurrentPlayerID() string {
	if d.over || d.turn >= len(d.players) {
		return ""
	}
	return d.players[d.turn]
}

func (d *DiceDuel) HandleAction(playerID, action string, payload map[string]any) (*SettlementOutcome, error) {
	if d.over {
		return nil, ErrUnknownAction
	}
	if !d.isSeated(playerID) {
		return nil, ErrUnknownPlayer
	}
	switch action {
	case "roll":
		if playerID != d.CurrentPlayerID() {
			return nil, ErrNotYourTurn
		}
		d.rolls[playerID] = [2]int{d.roll(), d.roll()}
		d.advance()
	case ActionForfeit:
		d.forfeits[playerID] = true
		if playerID == d.CurrentPlayerID() {
			d.advance()
		}
	default:
		return nil, ErrUnknownAction
	}

	if d.done() {
		d.over = true
		return d.settle(), nil
	}
	return nil, nil
}

func (d *DiceDuel) advance() {
	for next := d.turn + 1; next < len(d.players); next++ {
		if !d.forfeits[d.players[next]] {
			d.turn = next
			return
		}
	}
	d.turn = len(d.players)
}

func (d *DiceDuel) done() bool {
	if d.remaining() <= 1 {
		return true
	}
	for _, p := range d.players {
		if !d.forfeits[p] {
			if _, ok := d.rolls[p]; !ok {
				return false
			}
		}
	}
	return true
}

func (d *DiceDuel) remaining() int {
	n := 0
	for _, p := range d.players {
		if !d.forfeits[p] {
			n++
		}
	}
	return n
}

func (d *DiceDuel) settle() *SettlementOutcome {
	pot := d.ante * int64(len(d.players))
	reason := "showdown"
	winners := []string{}
	switch {
	case d.remaining() == 0:
		// everyone forfeited: pot splits back across all seats
		reason = "forfeit"
		winners = append(winners, d.players...)
	case d.remaining() == 1:
		reason = "forfeit"
		for _, p := range d.players {
			if !d.forfeits[p] {
				winners = append(winners, p)
			}
		}
	default:
		best := -1
		for _, p := range d.players {
			if d.forfeits[p] {
				continue
			}
			r := d.rolls[p]
			total := r[0] + r[1]
			switch {
			case total > best:
				best = total
				winners = []string{p}
			case total == best:
				winners = append(winners, p)
			}
		}
	}

	share := map[string]int64{}
	if len(winners) > 0 {
		each := pot / int64(len(winners))
		for _, w := range winners {
			share[w] = each
		}
		// remainder to the earliest winning seat
		share[winners[0]] += pot - each*int64(len(winners))
	}

	out := &SettlementOutcome{TotalPot: pot, Reason: reason}
	if len(winners) == 1 {
		out.WinnerID = winners[0]
	}
	for i, p := range d.players {
		res := PlayerResult{
			UserID:      p,
			ChipsChange: share[p],
			TotalSpent:  d.ante,
			Position:    i,
		}
		if r, ok := d.rolls[p]; ok {
			res.Detail = map[string]any{"dice": []int{r[0], r[1]}}
		}
		out.Results = append(out.Results, res)
	}
	return out
}

func (d *DiceDuel) PublicState() map[string]any {
	revealed := map[string]any{}
	if d.over {
		for p, r := range d.rolls {
			revealed[p] = []int{r[0], r[1]}
		}
	}
	rolled := []string{}
	for _, p := range d.players {
		if _, ok := d.rolls[p]; ok {
			rolled = append(rolled, p)
		}
	}
	return map[string]any{
		"game":           "dice_duel",
		"players":        d.players,
		"ante":           d.ante,
		"current_player": d.CurrentPlayerID(),
		"rolled":         rolled,
		"rolls":          revealed,
		"game_over":      d.over,
	}
}

func (d *DiceDuel) PrivateState(playerID string) map[string]any {
	r, ok := d.rolls[playerID]
	if !ok {
		return map[string]any{}
	}
	return map[string]any{"dice": []int{r[0], r[1]}}
}

func (d *DiceDuel) SafeActions() []string {
	return []string{"roll"}
}

func (d *DiceDuel) GameOver() bool { return d.over }

func (d *DiceDuel) PlayerBets() map[string]int64 {
	out := map[string]int64{}
	for _, p := range d.players {
		out[p] = d.ante
	}
	return out
}

func (d *DiceDuel) PlayerTotalSpent() map[string]int64 {
	return d.PlayerBets()
}

func (d *DiceDuel) isSeated(playerID string) bool {
	for _, p := range d.players {
		if p == playerID {
			return true
		}
	}
	return false
}
