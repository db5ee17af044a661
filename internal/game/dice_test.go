package game

import (
	"errors"
	"testing"
)

// newRiggedDuel returns a duel whose rolls come from the given script, one
// die per call.
func newRiggedDuel(t *testing.T, players []string, ante int64, script ...int) *DiceDuel {
	t.Helper()
	s, err := NewDiceDuel(players, ante)
	if err != nil {
		t.Fatalf("new duel: %v", err)
	}
	d := s.(*DiceDuel)
	i := 0
	d.roll = func() int {
		v := script[i%len(script)]
		i++
		return v
	}
	return d
}

func TestDiceDuelNeedsTwoPlayers(t *testing.T) {
	if _, err := NewDiceDuel([]string{"alice"}, 10); err == nil {
		t.Fatal("single-player duel accepted")
	}
}

func TestDiceDuelShowdown(t *testing.T) {
	d := newRiggedDuel(t, []string{"alice", "bob"}, 100, 6, 6, 2, 3)

	if got := d.CurrentPlayerID(); got != "alice" {
		t.Fatalf("current = %s, want alice", got)
	}
	outcome, err := d.HandleAction("alice", "roll", nil)
	if err != nil || outcome != nil {
		t.Fatalf("first roll: outcome=%v err=%v", outcome, err)
	}
	if got := d.CurrentPlayerID(); got != "bob" {
		t.Fatalf("current = %s, want bob", got)
	}

	outcome, err = d.HandleAction("bob", "roll", nil)
	if err != nil {
		t.Fatalf("second roll: %v", err)
	}
	if outcome == nil {
		t.Fatal("no outcome after both rolled")
	}
	if outcome.WinnerID != "alice" {
		t.Fatalf("winner = %s, want alice", outcome.WinnerID)
	}
	if outcome.TotalPot != 200 {
		t.Fatalf("pot = %d, want 200", outcome.TotalPot)
	}
	if outcome.Reason != "showdown" {
		t.Fatalf("reason = %s, want showdown", outcome.Reason)
	}
	if err := outcome.Validate(); err != nil {
		t.Fatalf("outcome validation: %v", err)
	}
	for _, r := range outcome.Results {
		switch r.UserID {
		case "alice":
			if r.ChipsChange != 200 {
				t.Fatalf("alice chips change = %d, want 200", r.ChipsChange)
			}
		case "bob":
			if r.ChipsChange != 0 {
				t.Fatalf("bob chips change = %d, want 0", r.ChipsChange)
			}
		}
		if r.TotalSpent != 100 {
			t.Fatalf("%s total spent = %d, want 100", r.UserID, r.TotalSpent)
		}
	}
	if !d.GameOver() {
		t.Fatal("game not over after settlement")
	}
}

func TestDiceDuelTieSplitsWithRemainderToFirstSeat(t *testing.T) {
	d := newRiggedDuel(t, []string{"a", "b", "c"}, 25, 4, 4, 4, 4, 1, 1)

	if _, err := d.HandleAction("a", "roll", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.HandleAction("b", "roll", nil); err != nil {
		t.Fatal(err)
	}
	outcome, err := d.HandleAction("c", "roll", nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome == nil {
		t.Fatal("no outcome")
	}
	// pot 75 split between a and b: 38 and 37
	if outcome.WinnerID != "" {
		t.Fatalf("winner = %s, want empty on tie", outcome.WinnerID)
	}
	if err := outcome.Validate(); err != nil {
		t.Fatalf("outcome validation: %v", err)
	}
	byUser := map[string]int64{}
	for _, r := range outcome.Results {
		byUser[r.UserID] = r.ChipsChange
	}
	if byUser["a"] != 38 || byUser["b"] != 37 || byUser["c"] != 0 {
		t.Fatalf("shares = %v, want a:38 b:37 c:0", byUser)
	}
}

func TestDiceDuelForfeitEndsHeadsUp(t *testing.T) {
	d := newRiggedDuel(t, []string{"alice", "bob"}, 50, 1, 1)

	outcome, err := d.HandleAction("alice", ActionForfeit, nil)
	if err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if outcome == nil {
		t.Fatal("no outcome after forfeit leaves one player")
	}
	if outcome.WinnerID != "bob" {
		t.Fatalf("winner = %s, want bob", outcome.WinnerID)
	}
	if outcome.Reason != "forfeit" {
		t.Fatalf("reason = %s, want forfeit", outcome.Reason)
	}
	if err := outcome.Validate(); err != nil {
		t.Fatalf("outcome validation: %v", err)
	}
}

func TestDiceDuelSuccessiveForfeitsLeaveLastSeatWinning(t *testing.T) {
	d := newRiggedDuel(t, []string{"a", "b", "c"}, 30, 1, 1)
	if outcome, err := d.HandleAction("a", ActionForfeit, nil); err != nil || outcome != nil {
		t.Fatalf("forfeit 1: outcome=%v err=%v", outcome, err)
	}
	outcome, err := d.HandleAction("b", ActionForfeit, nil)
	if err != nil {
		t.Fatalf("forfeit 2: %v", err)
	}
	if outcome == nil {
		t.Fatal("no outcome once a single seat remains")
	}
	if outcome.WinnerID != "c" {
		t.Fatalf("winner = %s, want c", outcome.WinnerID)
	}
	if err := outcome.Validate(); err != nil {
		t.Fatalf("outcome validation: %v", err)
	}
	byUser := map[string]int64{}
	for _, r := range outcome.Results {
		byUser[r.UserID] = r.ChipsChange
	}
	if byUser["c"] != 90 || byUser["a"] != 0 || byUser["b"] != 0 {
		t.Fatalf("shares = %v, want c:90", byUser)
	}
}

func TestDiceDuelTurnOrderEnforced(t *testing.T) {
	d := newRiggedDuel(t, []string{"alice", "bob"}, 10, 1, 1)
	if _, err := d.HandleAction("bob", "roll", nil); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("err = %v, want ErrNotYourTurn", err)
	}
}

func TestDiceDuelRejectsStrangersAndUnknownActions(t *testing.T) {
	d := newRiggedDuel(t, []string{"alice", "bob"}, 10, 1, 1)
	if _, err := d.HandleAction("mallory", "roll", nil); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("err = %v, want ErrUnknownPlayer", err)
	}
	if _, err := d.HandleAction("alice", "dance", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestDiceDuelActionsAfterGameOver(t *testing.T) {
	d := newRiggedDuel(t, []string{"alice", "bob"}, 10, 1, 1)
	if _, err := d.HandleAction("alice", ActionForfeit, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.HandleAction("bob", "roll", nil); err == nil {
		t.Fatal("action accepted after game over")
	}
}

func TestDiceDuelStateVisibility(t *testing.T) {
	d := newRiggedDuel(t, []string{"alice", "bob"}, 10, 3, 4, 1, 1)
	if _, err := d.HandleAction("alice", "roll", nil); err != nil {
		t.Fatal(err)
	}

	public := d.PublicState()
	if rolls, ok := public["rolls"].(map[string]any); !ok || len(rolls) != 0 {
		t.Fatalf("public rolls mid-game = %v, want hidden", public["rolls"])
	}
	private := d.PrivateState("alice")
	dice, ok := private["dice"].([]int)
	if !ok || dice[0] != 3 || dice[1] != 4 {
		t.Fatalf("private dice = %v, want [3 4]", private["dice"])
	}
	if other := d.PrivateState("bob"); len(other) != 0 {
		t.Fatalf("bob private state = %v before rolling", other)
	}

	if _, err := d.HandleAction("bob", "roll", nil); err != nil {
		t.Fatal(err)
	}
	public = d.PublicState()
	if rolls := public["rolls"].(map[string]any); len(rolls) != 2 {
		t.Fatalf("public rolls after game over = %v, want revealed", rolls)
	}
}
