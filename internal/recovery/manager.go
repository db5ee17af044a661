package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"parlor/internal/session"
)

var (
	ErrConnectionNotFound    = errors.New("connection_not_found")
	ErrMaxReconnectExceeded  = errors.New("max_reconnect_exceeded")
	ErrConnectionNotRecovery = errors.New("connection_not_reconnecting")
	ErrRetryTooSoon          = errors.New("retry_too_soon")
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Operation is a client-submitted action buffered while its connection is
// down, replayed through the normal action path once it is back.
type Operation struct {
	ID      string
	Name    string
	Payload map[string]any
}

// Connection is the per-transport-connection state machine. It survives
// transient drops; a reconnecting client is found again by user id.
type Connection struct {
	ID        string
	UserID    string
	RoomID    string
	Status   Status
	Attempts int

	// NextRetry is the earliest instant a reconnect attempt is accepted;
	// RetryDeadline is when an unreclaimed reconnecting connection is
	// abandoned and failed permanently.
	NextRetry     time.Time
	RetryDeadline time.Time

	// LastAckedSeq is the newest room action sequence the client has
	// observed; replay starts after it.
	LastAckedSeq int64

	LastHeartbeat time.Time
	RTT           time.Duration

	pendingOps []Operation
}

type Config struct {
	Backoff            Backoff
	MaxAttempts        int
	ReconnectWindow    time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
}

func (c *Config) fill() {
	c.Backoff.fill()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.ReconnectWindow <= 0 {
		// long enough for the full backoff schedule to play out
		c.ReconnectWindow = time.Duration(c.MaxAttempts) * c.Backoff.Max
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatMissLimit <= 0 {
		c.HeartbeatMissLimit = 3
	}
}

// FailureHandler learns about permanently failed connections; the presence
// reconciler takes the membership over from there.
type FailureHandler interface {
	HandleConnectionFailed(userID, roomID string)
}

type Manager struct {
	cfg      Config
	registry *session.Registry
	onFailed FailureHandler

	mu     sync.Mutex
	conns  map[string]*Connection
	byUser map[string]*Connection
	clock  func() time.Time
}

func NewManager(cfg Config, registry *session.Registry, onFailed FailureHandler) *Manager {
	cfg.fill()
	return &Manager{
		cfg:      cfg,
		registry: registry,
		onFailed: onFailed,
		conns:    map[string]*Connection{},
		byUser:   map[string]*Connection{},
		clock:    time.Now,
	}
}

// SetFailureHandler wires the failure handler after construction. The
// handler is the coordinator, which itself needs the transport built around
// this manager, so the two are linked in two steps.
func (m *Manager) SetFailureHandler(h FailureHandler) {
	m.mu.Lock()
	m.onFailed = h
	m.mu.Unlock()
}

// RegisterConnection creates connection state in `connecting`. A previous
// connection for the same user is superseded.
func (m *Manager) RegisterConnection(userID, roomID string) *Connection {
	conn := &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		RoomID:        roomID,
		Status:        StatusConnecting,
		LastHeartbeat: m.clock(),
	}
	m.mu.Lock()
	if old := m.byUser[userID]; old != nil {
		delete(m.conns, old.ID)
	}
	m.conns[conn.ID] = conn
	m.byUser[userID] = conn
	m.mu.Unlock()
	return conn
}

func (m *Manager) Connect(connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[connID]
	if conn == nil {
		return ErrConnectionNotFound
	}
	conn.Status = StatusConnected
	conn.Attempts = 0
	conn.NextRetry = time.Time{}
	conn.LastHeartbeat = m.clock()
	return nil
}

// Disconnect moves a connection to reconnecting (transient) or removes it
// outright (explicit close).
func (m *Manager) Disconnect(connID string, transient bool) {
	m.mu.Lock()
	conn := m.conns[connID]
	if conn == nil {
		m.mu.Unlock()
		return
	}
	if !transient {
		delete(m.conns, connID)
		if m.byUser[conn.UserID] == conn {
			delete(m.byUser, conn.UserID)
		}
		m.mu.Unlock()
		return
	}
	now := m.clock()
	conn.Status = StatusReconnecting
	conn.NextRetry = now.Add(m.cfg.Backoff.Delay(conn.Attempts))
	conn.RetryDeadline = now.Add(m.cfg.ReconnectWindow)
	m.mu.Unlock()
	log.Debug().Str("conn_id", connID).Str("user_id", conn.UserID).
		Msg("connection dropped, awaiting reconnect")
}

// RetryConnect is invoked when a reconnect attempt arrives. An attempt
// arriving before the backoff delay elapsed is a strike: it is rejected and
// the delay escalates. A strike streak beyond the budget fails the
// connection permanently; an on-time attempt succeeds and clears the streak,
// so the budget bounds consecutive violations within one outage, never the
// connection's whole life.
func (m *Manager) RetryConnect(connID string) error {
	m.mu.Lock()
	conn := m.conns[connID]
	if conn == nil {
		m.mu.Unlock()
		return ErrConnectionNotFound
	}
	if conn.Status != StatusReconnecting {
		m.mu.Unlock()
		return ErrConnectionNotRecovery
	}
	now := m.clock()
	if now.Before(conn.NextRetry) {
		conn.Attempts++
		if conn.Attempts > m.cfg.MaxAttempts {
			m.failLocked(conn, "reconnect budget exhausted")
			return ErrMaxReconnectExceeded
		}
		conn.NextRetry = now.Add(m.cfg.Backoff.Delay(conn.Attempts))
		m.mu.Unlock()
		return ErrRetryTooSoon
	}
	conn.Status = StatusConnected
	conn.Attempts = 0
	conn.NextRetry = time.Time{}
	conn.RetryDeadline = time.Time{}
	conn.LastHeartbeat = now
	m.mu.Unlock()
	return nil
}

// failLocked removes a connection permanently and notifies the failure
// handler. Caller holds m.mu; it is released here.
func (m *Manager) failLocked(conn *Connection, reason string) {
	conn.Status = StatusFailed
	delete(m.conns, conn.ID)
	if m.byUser[conn.UserID] == conn {
		delete(m.byUser, conn.UserID)
	}
	onFailed := m.onFailed
	m.mu.Unlock()
	log.Warn().Str("conn_id", conn.ID).Str("user_id", conn.UserID).
		Int("attempts", conn.Attempts).Msg(reason)
	if onFailed != nil {
		onFailed.HandleConnectionFailed(conn.UserID, conn.RoomID)
	}
}

// FindByUser resolves a (possibly reconnecting) connection by user id.
func (m *Manager) FindByUser(userID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.byUser[userID]
	if conn == nil {
		return nil, false
	}
	return conn, true
}

// Heartbeat records a round-trip measurement and marks the connection live.
func (m *Manager) Heartbeat(connID string, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[connID]
	if conn == nil {
		return
	}
	conn.LastHeartbeat = m.clock()
	conn.RTT = rtt
}

// SweepHeartbeats treats silence beyond miss-limit intervals as a drop and
// pushes the connection onto the same reconnect path.
func (m *Manager) SweepHeartbeats(now time.Time) {
	cutoff := now.Add(-time.Duration(m.cfg.HeartbeatMissLimit) * m.cfg.HeartbeatInterval)
	var dropped []string
	m.mu.Lock()
	for id, conn := range m.conns {
		if conn.Status == StatusConnected && conn.LastHeartbeat.Before(cutoff) {
			dropped = append(dropped, id)
		}
	}
	m.mu.Unlock()
	for _, id := range dropped {
		log.Warn().Str("conn_id", id).Msg("heartbeat silence, treating as drop")
		m.Disconnect(id, true)
	}
}

// SweepRetries permanently fails reconnecting connections whose owner never
// came back inside the reconnect window. Without it a client that drops and
// walks away would leave its state tracked forever.
func (m *Manager) SweepRetries(now time.Time) {
	var expired []string
	m.mu.Lock()
	for id, conn := range m.conns {
		if conn.Status == StatusReconnecting && now.After(conn.RetryDeadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.mu.Lock()
		conn := m.conns[id]
		if conn == nil || conn.Status != StatusReconnecting {
			m.mu.Unlock()
			continue
		}
		m.failLocked(conn, "reconnect window lapsed")
	}
}

func (m *Manager) StartHeartbeatSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.SweepHeartbeats(now)
				m.SweepRetries(now)
			}
		}
	}()
}

// SyncState is what a reconnecting client receives: the latest snapshot plus
// exactly the actions it has not observed.
type SyncState struct {
	Snapshot   session.Snapshot
	HasSnap    bool
	Replay     []session.ActionRecord
	PendingOps []Operation
}

// HandleStateSync builds the replay set for a connection. Replay is keyed on
// sequence numbers, never blind re-application: invoking it twice without an
// Ack returns the same actions, and after Ack they are never returned again.
func (m *Manager) HandleStateSync(connID string) (*SyncState, error) {
	m.mu.Lock()
	conn := m.conns[connID]
	if conn == nil {
		m.mu.Unlock()
		return nil, ErrConnectionNotFound
	}
	roomID := conn.RoomID
	lastSeq := conn.LastAckedSeq
	pending := append([]Operation(nil), conn.pendingOps...)
	m.mu.Unlock()

	snap, ok := m.registry.LatestSnapshot(roomID)
	return &SyncState{
		Snapshot:   snap,
		HasSnap:    ok,
		Replay:     m.registry.ActionsAfter(roomID, lastSeq),
		PendingOps: pending,
	}, nil
}

// Ack advances the client's observed sequence. Later Acks never move it
// backwards.
func (m *Manager) Ack(connID string, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[connID]
	if conn == nil {
		return
	}
	if seq > conn.LastAckedSeq {
		conn.LastAckedSeq = seq
	}
}

// BufferOperation holds a client action submitted while disconnected.
// DrainOperations hands them back exactly once for replay.
func (m *Manager) BufferOperation(connID string, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[connID]
	if conn == nil {
		return ErrConnectionNotFound
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	for _, existing := range conn.pendingOps {
		if existing.ID == op.ID {
			return nil
		}
	}
	conn.pendingOps = append(conn.pendingOps, op)
	return nil
}

func (m *Manager) DrainOperations(connID string) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[connID]
	if conn == nil {
		return nil
	}
	ops := conn.pendingOps
	conn.pendingOps = nil
	return ops
}

func (m *Manager) Status(connID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[connID]
	if conn == nil {
		return "", false
	}
	return conn.Status, true
}
