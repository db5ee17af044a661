package recovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"parlor/internal/game"
	"parlor/internal/session"
)

type noopStrategy struct{}

func (noopStrategy) CurrentPlayerID() string { return "" }
func (noopStrategy) HandleAction(string, string, map[string]any) (*game.SettlementOutcome, error) {
	return nil, nil
}
func (noopStrategy) PublicState() map[string]any { return map[string]any{} }
func (noopStrategy) GameOver() bool { return false }
func (noopStrategy) PlayerBets() map[string]int64 { return map[string]int64{} }
func (noopStrategy) PlayerTotalSpent() map[string]int64 { return map[string]int64{} }

type failureRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *failureRecorder) HandleConnectionFailed(userID, roomID string) {
	f.mu.Lock()
	f.calls = append(f.calls, roomID+"/"+userID)
	f.mu.Unlock()
}

func (f *failureRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, maxAttempts int) (*Manager, *session.Registry, *failureRecorder) {
	t.Helper()
	registry := session.NewRegistry(session.Config{})
	rec := &failureRecorder{}
	m := NewManager(Config{MaxAttempts: maxAttempts}, registry, rec)
	return m, registry, rec
}

func TestConnectLifecycle(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	now := time.Now()
	m.clock = func() time.Time { return now }

	conn := m.RegisterConnection("alice", "room1")
	if st, _ := m.Status(conn.ID); st != StatusConnecting {
		t.Fatalf("status = %s, want connecting", st)
	}
	if err := m.Connect(conn.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st, _ := m.Status(conn.ID); st != StatusConnected {
		t.Fatalf("status = %s, want connected", st)
	}

	m.Disconnect(conn.ID, true)
	if st, _ := m.Status(conn.ID); st != StatusReconnecting {
		t.Fatalf("status = %s, want reconnecting", st)
	}
	now = now.Add(time.Minute)
	if err := m.RetryConnect(conn.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st, _ := m.Status(conn.ID); st != StatusConnected {
		t.Fatalf("status after retry = %s, want connected", st)
	}

	m.Disconnect(conn.ID, false)
	if _, ok := m.Status(conn.ID); ok {
		t.Fatal("explicit disconnect left connection state behind")
	}
}

func TestRetryBeforeBackoffRejected(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	now := time.Now()
	m.clock = func() time.Time { return now }

	conn := m.RegisterConnection("alice", "room1")
	_ = m.Connect(conn.ID)
	m.Disconnect(conn.ID, true)

	// an instant retry violates the backoff schedule
	if err := m.RetryConnect(conn.ID); !errors.Is(err, ErrRetryTooSoon) {
		t.Fatalf("err = %v, want ErrRetryTooSoon", err)
	}
	if st, _ := m.Status(conn.ID); st != StatusReconnecting {
		t.Fatalf("status = %s after early retry, want reconnecting", st)
	}

	now = now.Add(time.Minute)
	if err := m.RetryConnect(conn.ID); err != nil {
		t.Fatalf("on-time retry: %v", err)
	}
	got, _ := m.FindByUser("alice")
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d after successful retry, want 0", got.Attempts)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	m, _, rec := newTestManager(t, 2)
	now := time.Now()
	m.clock = func() time.Time { return now }

	conn := m.RegisterConnection("alice", "room1")
	_ = m.Connect(conn.ID)
	m.Disconnect(conn.ID, true)

	// hammering ahead of the backoff schedule burns the budget
	for i := 0; i < 2; i++ {
		if err := m.RetryConnect(conn.ID); !errors.Is(err, ErrRetryTooSoon) {
			t.Fatalf("strike %d: err = %v, want ErrRetryTooSoon", i, err)
		}
	}
	err := m.RetryConnect(conn.ID)
	if !errors.Is(err, ErrMaxReconnectExceeded) {
		t.Fatalf("err = %v, want ErrMaxReconnectExceeded", err)
	}
	if rec.count() != 1 {
		t.Fatalf("failure handler calls = %d, want 1", rec.count())
	}
	if _, ok := m.Status(conn.ID); ok {
		t.Fatal("failed connection still tracked")
	}
	if _, ok := m.FindByUser("alice"); ok {
		t.Fatal("failed connection still resolvable by user")
	}
}

func TestRetryAttemptsResetOnSuccess(t *testing.T) {
	m, _, rec := newTestManager(t, 2)
	now := time.Now()
	m.clock = func() time.Time { return now }

	conn := m.RegisterConnection("alice", "room1")
	_ = m.Connect(conn.ID)

	// far more drop/reconnect cycles than the budget, each retry arriving
	// on schedule: the budget bounds one outage, not the connection's life
	for round := 0; round < 9; round++ {
		m.Disconnect(conn.ID, true)
		now = now.Add(time.Minute)
		if err := m.RetryConnect(conn.ID); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if st, _ := m.Status(conn.ID); st != StatusConnected {
			t.Fatalf("round %d status = %s, want connected", round, st)
		}
	}
	if rec.count() != 0 {
		t.Fatal("failure handler invoked for recovered connection")
	}
}

func TestAbandonedReconnectSwept(t *testing.T) {
	m, _, rec := newTestManager(t, 3)
	now := time.Now()
	m.clock = func() time.Time { return now }

	conn := m.RegisterConnection("alice", "room1")
	_ = m.Connect(conn.ID)
	m.Disconnect(conn.ID, true)

	// still inside the reconnect window: kept
	m.SweepRetries(now.Add(time.Minute))
	if st, ok := m.Status(conn.ID); !ok || st != StatusReconnecting {
		t.Fatalf("status = %s ok=%v inside window, want reconnecting", st, ok)
	}

	// window lapsed without a retry: state must not linger
	m.SweepRetries(now.Add(3 * time.Minute))
	if _, ok := m.Status(conn.ID); ok {
		t.Fatal("abandoned connection still tracked after window lapsed")
	}
	if _, ok := m.FindByUser("alice"); ok {
		t.Fatal("abandoned connection still resolvable by user")
	}
	if rec.count() != 1 {
		t.Fatalf("failure handler calls = %d, want 1", rec.count())
	}
}

func TestRegisterSupersedesPreviousConnection(t *testing.T) {
	m, _, _ := newTestManager(t, 3)

	old := m.RegisterConnection("alice", "room1")
	fresh := m.RegisterConnection("alice", "room1")
	if _, ok := m.Status(old.ID); ok {
		t.Fatal("superseded connection still tracked")
	}
	got, ok := m.FindByUser("alice")
	if !ok || got.ID != fresh.ID {
		t.Fatal("user does not resolve to the fresh connection")
	}
}

func TestHeartbeatSweep(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	m.cfg.HeartbeatInterval = time.Second
	m.cfg.HeartbeatMissLimit = 3

	now := time.Now()
	m.clock = func() time.Time { return now }

	live := m.RegisterConnection("alice", "room1")
	_ = m.Connect(live.ID)
	silent := m.RegisterConnection("bob", "room1")
	_ = m.Connect(silent.ID)

	now = now.Add(4 * time.Second)
	m.Heartbeat(live.ID, 20*time.Millisecond)
	m.SweepHeartbeats(now)

	if st, _ := m.Status(live.ID); st != StatusConnected {
		t.Fatalf("live status = %s, want connected", st)
	}
	if st, _ := m.Status(silent.ID); st != StatusReconnecting {
		t.Fatalf("silent status = %s, want reconnecting", st)
	}
}

func TestStateSyncReplayAndAck(t *testing.T) {
	m, registry, _ := newTestManager(t, 3)
	registry.Register("room1", "game1", "dice_duel", noopStrategy{})
	for i := 0; i < 5; i++ {
		registry.RecordAction("room1", session.ActionRecord{UserID: "alice", Name: "roll"})
	}
	registry.RecordSnapshot("room1", map[string]any{"round": 5})

	conn := m.RegisterConnection("alice", "room1")
	_ = m.Connect(conn.ID)

	sync1, err := m.HandleStateSync(conn.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !sync1.HasSnap {
		t.Fatal("sync missing snapshot")
	}
	if len(sync1.Replay) != 5 {
		t.Fatalf("replay = %d actions, want 5", len(sync1.Replay))
	}

	// unacked sync is repeatable with the same actions
	sync2, _ := m.HandleStateSync(conn.ID)
	if len(sync2.Replay) != 5 {
		t.Fatalf("repeat replay = %d actions, want 5", len(sync2.Replay))
	}

	m.Ack(conn.ID, 3)
	sync3, _ := m.HandleStateSync(conn.ID)
	if len(sync3.Replay) != 2 {
		t.Fatalf("replay after ack 3 = %d actions, want 2", len(sync3.Replay))
	}
	if sync3.Replay[0].Seq != 4 {
		t.Fatalf("first replayed seq = %d, want 4", sync3.Replay[0].Seq)
	}

	// acks never move backwards
	m.Ack(conn.ID, 1)
	sync4, _ := m.HandleStateSync(conn.ID)
	if len(sync4.Replay) != 2 {
		t.Fatalf("replay after stale ack = %d actions, want 2", len(sync4.Replay))
	}
}

func TestBufferOperationDedupAndDrainOnce(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	conn := m.RegisterConnection("alice", "room1")

	op := Operation{ID: "op-1", Name: "roll"}
	if err := m.BufferOperation(conn.ID, op); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if err := m.BufferOperation(conn.ID, op); err != nil {
		t.Fatalf("buffer duplicate: %v", err)
	}
	if err := m.BufferOperation(conn.ID, Operation{Name: "forfeit"}); err != nil {
		t.Fatalf("buffer second: %v", err)
	}

	ops := m.DrainOperations(conn.ID)
	if len(ops) != 2 {
		t.Fatalf("drained = %d ops, want 2", len(ops))
	}
	if ops[0].ID != "op-1" {
		t.Fatalf("ops[0].ID = %s, want op-1", ops[0].ID)
	}
	if ops[1].ID == "" {
		t.Fatal("auto-assigned operation id missing")
	}
	if again := m.DrainOperations(conn.ID); len(again) != 0 {
		t.Fatalf("second drain = %d ops, want 0", len(again))
	}
}

func TestRetryConnectOnHealthyConnection(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	conn := m.RegisterConnection("alice", "room1")
	_ = m.Connect(conn.ID)
	if err := m.RetryConnect(conn.ID); !errors.Is(err, ErrConnectionNotRecovery) {
		t.Fatalf("err = %v, want ErrConnectionNotRecovery", err)
	}
}
