package settle_test

import (
	"context"
	"errors"
	"testing"

	"parlor/internal/game"
	"parlor/internal/settle"
	"parlor/internal/store"
	"parlor/internal/testutil"
)

// seedGame creates a funded two-player game with the ante already debited.
func seedGame(t *testing.T, st *store.Store, ante int64) string {
	t.Helper()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		if err := st.EnsureAccount(ctx, u, 1000); err != nil {
			t.Fatalf("ensure %s: %v", u, err)
		}
	}
	gameID, err := st.CreateGame(ctx, "room1", "dice_duel")
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if _, err := st.Debit(ctx, u, ante, "bet", gameID, "game"); err != nil {
			t.Fatalf("ante %s: %v", u, err)
		}
	}
	return gameID
}

func showdownOutcome(ante int64) *game.SettlementOutcome {
	pot := 2 * ante
	return &game.SettlementOutcome{
		WinnerID: "alice",
		TotalPot: pot,
		Reason:   "showdown",
		Results: []game.PlayerResult{
			{UserID: "alice", ChipsChange: pot, TotalSpent: ante, Position: 1},
			{UserID: "bob", ChipsChange: 0, TotalSpent: ante, Position: 2},
		},
	}
}

func TestSettleMovesChipsOnce(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	engine := settle.NewEngine(st)
	gameID := seedGame(t, st, 100)

	res, err := engine.Settle(ctx, gameID, showdownOutcome(100))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.AlreadySettled || res.WinnerID != "alice" || res.TotalPot != 200 {
		t.Fatalf("result = %+v", res)
	}
	if bal, _ := st.GetAccountBalance(ctx, "alice"); bal != 1100 {
		t.Fatalf("alice balance = %d, want 1100", bal)
	}
	if bal, _ := st.GetAccountBalance(ctx, "bob"); bal != 900 {
		t.Fatalf("bob balance = %d, want 900", bal)
	}

	// the racing duplicate settles into a no-op
	res, err = engine.Settle(ctx, gameID, showdownOutcome(100))
	if err != nil || !res.AlreadySettled {
		t.Fatalf("resettle: res=%+v err=%v", res, err)
	}
	if bal, _ := st.GetAccountBalance(ctx, "alice"); bal != 1100 {
		t.Fatalf("alice balance = %d after duplicate, want 1100", bal)
	}
}

func TestSettleRejectsPotMismatch(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	engine := settle.NewEngine(st)
	gameID := seedGame(t, st, 100)

	bad := showdownOutcome(100)
	bad.Results[0].ChipsChange = 150 // sums to 150, pot says 200
	if _, err := engine.Settle(ctx, gameID, bad); !errors.Is(err, settle.ErrPotMismatch) {
		t.Fatalf("err = %v, want ErrPotMismatch", err)
	}

	// nothing was written; the game settles fine afterwards
	g, err := st.GetGame(ctx, gameID)
	if err != nil || g.Status != store.GameStatusPlaying {
		t.Fatalf("game = %+v err=%v, want still playing", g, err)
	}
	if bal, _ := st.GetAccountBalance(ctx, "alice"); bal != 900 {
		t.Fatalf("alice balance = %d after rejected settle, want 900", bal)
	}
	if _, err := engine.Settle(ctx, gameID, showdownOutcome(100)); err != nil {
		t.Fatalf("settle after rejection: %v", err)
	}
}

func TestAbortRefundsAntes(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	engine := settle.NewEngine(st)
	gameID := seedGame(t, st, 100)

	err := engine.Abort(ctx, gameID, "all_players_left", map[string]int64{"alice": 100, "bob": 100})
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if bal, _ := st.GetAccountBalance(ctx, u); bal != 1000 {
			t.Fatalf("%s balance = %d after refund, want 1000", u, bal)
		}
	}

	if _, err := engine.Settle(ctx, gameID, showdownOutcome(100)); !errors.Is(err, settle.ErrGameAlreadyAborted) {
		t.Fatalf("settle after abort err = %v, want ErrGameAlreadyAborted", err)
	}
}

func TestAnteAndPayoutBalances(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	engine := settle.NewEngine(st)

	for _, u := range []string{"a", "b"} {
		if err := st.EnsureAccount(ctx, u, 200); err != nil {
			t.Fatalf("ensure %s: %v", u, err)
		}
	}
	gameID, err := st.CreateGame(ctx, "room1", "dice_duel")
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	for _, u := range []string{"a", "b"} {
		if bal, err := st.Debit(ctx, u, 10, "bet", gameID, "game"); err != nil || bal != 190 {
			t.Fatalf("ante %s: bal=%d err=%v, want 190", u, bal, err)
		}
	}

	outcome := &game.SettlementOutcome{
		WinnerID: "a",
		TotalPot: 20,
		Reason:   "showdown",
		Results: []game.PlayerResult{
			{UserID: "a", ChipsChange: 20, TotalSpent: 10, Position: 1},
			{UserID: "b", ChipsChange: 0, TotalSpent: 10, Position: 2},
		},
	}
	if _, err := engine.Settle(ctx, gameID, outcome); err != nil {
		t.Fatalf("settle: %v", err)
	}

	wantBalances := map[string]int64{"a": 210, "b": 190}
	for u, want := range wantBalances {
		bal, err := st.GetAccountBalance(ctx, u)
		if err != nil || bal != want {
			t.Fatalf("%s balance = %d err=%v, want %d", u, bal, err, want)
		}
		last, err := st.LatestLedgerEntry(ctx, u)
		if err != nil {
			t.Fatalf("%s latest entry: %v", u, err)
		}
		if last.BalanceAfter != want {
			t.Fatalf("%s balance_after = %d, want %d", u, last.BalanceAfter, want)
		}
	}
}

func TestValidateIntegritySettledGame(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	engine := settle.NewEngine(st)
	gameID := seedGame(t, st, 100)

	report, err := engine.ValidateIntegrity(ctx, gameID)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if report.Valid {
		t.Fatal("in-flight game reported valid")
	}

	if _, err := engine.Settle(ctx, gameID, showdownOutcome(100)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	report, err = engine.ValidateIntegrity(ctx, gameID)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if !report.Valid {
		t.Fatalf("settled game invalid: %v", report.Details)
	}
}

func TestValidateIntegrityDetectsTampering(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	engine := settle.NewEngine(st)
	gameID := seedGame(t, st, 100)

	if _, err := engine.Settle(ctx, gameID, showdownOutcome(100)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// skew the aggregate balance behind the ledger's back
	if _, err := st.Pool.Exec(ctx, `UPDATE accounts SET balance = balance + 1 WHERE user_id = 'alice'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := engine.ValidateIntegrity(ctx, gameID)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if report.Valid || len(report.Details) == 0 {
		t.Fatalf("tampered game reported valid: %+v", report)
	}
}

func TestValidateIntegrityUnknownGame(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()

	if _, err := settle.NewEngine(st).ValidateIntegrity(context.Background(), "nope"); !errors.Is(err, settle.ErrGameNotFound) {
		t.Fatalf("err = %v, want ErrGameNotFound", err)
	}
}
