package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"parlor/internal/batch"
	"parlor/internal/gamehub"
	"parlor/internal/recovery"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
)

// RoomService is the hub's view of the coordinator. *gamehub.Coordinator
// satisfies it.
type RoomService interface {
	JoinRoom(ctx context.Context, roomID, userID string) error
	MarkReady(roomID, userID string, ready bool)
	StartSession(ctx context.Context, roomID, ownerID, gameType string, ante int64) (string, error)
	SubmitAction(ctx context.Context, roomID, userID, action string, payload map[string]any) error
	HandleDeparture(ctx context.Context, roomID, userID string) error
	MarkConnected(roomID, userID string)
}

// PresenceSink hears about reconnections ahead of the next reconcile pass.
// *presence.Reconciler satisfies it.
type PresenceSink interface {
	MarkSeen(roomID, userID string)
}

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	roomID string
	connID string

	mu       sync.Mutex
	lastPing time.Time
}

// Hub owns the websocket connections. It is the transport boundary for the
// whole engine: the coordinator broadcasts through it, the presence
// reconciler reads liveness from it and the batcher delivers flushed windows
// into it.
type Hub struct {
	recovery *recovery.Manager
	upgrader websocket.Upgrader

	svcMu    sync.RWMutex
	service  RoomService
	presence PresenceSink

	mu     sync.Mutex
	byUser map[string]*Client
	rooms  map[string]map[*Client]bool
}

func NewHub(rec *recovery.Manager) *Hub {
	return &Hub{
		recovery: rec,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		byUser:   map[string]*Client{},
		rooms:    map[string]map[*Client]bool{},
	}
}

// SetService wires the coordinator after construction. The coordinator needs
// the hub as its broadcaster, so the two are linked in two steps.
func (h *Hub) SetService(svc RoomService) {
	h.svcMu.Lock()
	h.service = svc
	h.svcMu.Unlock()
}

// SetPresence wires the presence reconciler after construction; the
// reconciler reads connectivity from the hub, so the two are linked in two
// steps.
func (h *Hub) SetPresence(p PresenceSink) {
	h.svcMu.Lock()
	h.presence = p
	h.svcMu.Unlock()
}

func (h *Hub) getService() RoomService {
	h.svcMu.RLock()
	defer h.svcMu.RUnlock()
	return h.service
}

func (h *Hub) getPresence() PresenceSink {
	h.svcMu.RLock()
	defer h.svcMu.RUnlock()
	return h.presence
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 16)}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		client.mu.Lock()
		rtt := time.Since(client.lastPing)
		client.mu.Unlock()
		if client.connID != "" {
			h.recovery.Heartbeat(client.connID, rtt)
		}
		return nil
	})

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) readLoop(c *Client) {
	defer func() {
		h.unregister(c, true)
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(c, "bad_message", "malformed json")
			continue
		}

		switch msg.Type {
		case "join":
			h.handleJoin(c, msg)
		case "ready":
			if !h.requireJoined(c) {
				continue
			}
			h.getService().MarkReady(c.roomID, c.userID, msg.Ready)
			h.sendAck(c, "ready", "")
		case "start":
			if !h.requireJoined(c) {
				continue
			}
			h.handleStart(c, msg)
		case "action":
			if !h.requireJoined(c) {
				continue
			}
			h.handleAction(c, msg)
		case "sync":
			if !h.requireJoined(c) {
				continue
			}
			h.handleSync(c, msg)
		case "ack":
			if c.connID != "" {
				h.recovery.Ack(c.connID, msg.LastSeq)
			}
		case "leave":
			if !h.requireJoined(c) {
				continue
			}
			h.handleLeave(c)
			return
		default:
			h.sendError(c, "bad_message", "unknown message type: "+msg.Type)
		}
	}
}

func (h *Hub) writeLoop(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) requireJoined(c *Client) bool {
	if c.userID == "" || c.roomID == "" {
		h.sendError(c, "not_joined", "join a room first")
		return false
	}
	return true
}

// handleJoin registers the socket. A user whose previous connection is still
// in the reconnect window resumes it instead of joining fresh; their buffered
// actions are replayed through the normal action path.
func (h *Hub) handleJoin(c *Client, msg ClientMessage) {
	if c.userID != "" {
		h.sendError(c, "already_joined", "connection already bound to a room")
		return
	}
	if msg.UserID == "" || msg.RoomID == "" {
		h.sendError(c, "bad_message", "join requires user_id and room_id")
		return
	}
	c.userID = msg.UserID
	c.roomID = msg.RoomID

	resumed := false
	if old, ok := h.recovery.FindByUser(msg.UserID); ok && old.RoomID == msg.RoomID {
		if st, _ := h.recovery.Status(old.ID); st == recovery.StatusReconnecting {
			switch err := h.recovery.RetryConnect(old.ID); {
			case err == nil:
				c.connID = old.ID
				resumed = true
			case errors.Is(err, recovery.ErrRetryTooSoon):
				h.sendError(c, "retry_too_soon", "reconnect attempted before the backoff delay elapsed")
				c.userID, c.roomID = "", ""
				return
			case errors.Is(err, recovery.ErrMaxReconnectExceeded):
				h.sendError(c, "reconnect_exhausted", "reconnect budget exhausted, join as new")
			}
		}
	}

	if !resumed {
		conn := h.recovery.RegisterConnection(msg.UserID, msg.RoomID)
		c.connID = conn.ID
		if err := h.getService().JoinRoom(context.Background(), msg.RoomID, msg.UserID); err != nil {
			h.sendError(c, "join_failed", err.Error())
			h.recovery.Disconnect(c.connID, false)
			c.userID, c.roomID, c.connID = "", "", ""
			return
		}
		_ = h.recovery.Connect(c.connID)
	}

	h.register(c)
	h.getService().MarkConnected(c.roomID, c.userID)
	if p := h.getPresence(); p != nil {
		p.MarkSeen(c.roomID, c.userID)
	}
	h.sendAck(c, "join", "")

	if resumed {
		h.pushSync(c)
		for _, op := range h.recovery.DrainOperations(c.connID) {
			if err := h.getService().SubmitAction(context.Background(), c.roomID, c.userID, op.Name, op.Payload); err != nil {
				log.Debug().Err(err).Str("user_id", c.userID).Str("op", op.Name).
					Msg("buffered operation rejected on replay")
			}
		}
		log.Info().Str("user_id", c.userID).Str("room_id", c.roomID).Msg("connection resumed")
	}
}

func (h *Hub) handleStart(c *Client, msg ClientMessage) {
	gameID, err := h.getService().StartSession(context.Background(), c.roomID, c.userID, msg.GameType, msg.Ante)
	if err != nil {
		h.sendError(c, "start_failed", err.Error())
		return
	}
	h.sendStartAck(c, gameID)
}

func (h *Hub) handleAction(c *Client, msg ClientMessage) {
	if err := h.getService().SubmitAction(context.Background(), c.roomID, c.userID, msg.Action, msg.Payload); err != nil {
		// the coordinator already sent the detailed private error frame
		log.Debug().Err(err).Str("user_id", c.userID).Str("action", msg.Action).Msg("action rejected")
		return
	}
	h.sendAck(c, "action", "")
}

func (h *Hub) handleSync(c *Client, msg ClientMessage) {
	if msg.LastSeq > 0 && c.connID != "" {
		h.recovery.Ack(c.connID, msg.LastSeq)
	}
	h.pushSync(c)
}

func (h *Hub) pushSync(c *Client) {
	if c.connID == "" {
		return
	}
	state, err := h.recovery.HandleStateSync(c.connID)
	if err != nil {
		h.sendError(c, "sync_failed", err.Error())
		return
	}
	frame := SyncFrame{Type: "sync", Replay: state.Replay}
	if state.HasSnap {
		frame.Snapshot = state.Snapshot
		frame.LastSeq = state.Snapshot.Seq
	}
	raw, _ := json.Marshal(frame)
	safeSend(c.send, raw)
}

// handleLeave is the explicit exit path: the connection is removed outright
// instead of entering the reconnect window.
func (h *Hub) handleLeave(c *Client) {
	if c.connID != "" {
		h.recovery.Disconnect(c.connID, false)
	}
	if err := h.getService().HandleDeparture(context.Background(), c.roomID, c.userID); err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Str("room_id", c.roomID).Msg("departure handling failed")
	}
	h.unregister(c, false)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old := h.byUser[c.userID]; old != nil && old != c {
		h.dropLocked(old)
	}
	h.byUser[c.userID] = c
	room := h.rooms[c.roomID]
	if room == nil {
		room = map[*Client]bool{}
		h.rooms[c.roomID] = room
	}
	room[c] = true
}

// unregister drops the socket from the maps. transient keeps the recovery
// connection alive so the user can resume.
func (h *Hub) unregister(c *Client, transient bool) {
	h.mu.Lock()
	if h.byUser[c.userID] == c {
		delete(h.byUser, c.userID)
	}
	if room := h.rooms[c.roomID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	h.mu.Unlock()
	safeClose(c.send)

	if transient && c.connID != "" {
		h.recovery.Disconnect(c.connID, true)
	}
}

// dropLocked force-closes a superseded socket. Caller holds h.mu.
func (h *Hub) dropLocked(c *Client) {
	if room := h.rooms[c.roomID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	safeClose(c.send)
	_ = c.conn.Close()
}

// Broadcast delivers an event to every live socket in the room.
func (h *Hub) Broadcast(roomID string, event gamehub.Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.rooms[roomID] {
		safeSend(c.send, raw)
	}
	h.mu.Unlock()
}

// SendPrivate delivers an event to one user's socket only.
func (h *Hub) SendPrivate(userID string, event gamehub.Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	c := h.byUser[userID]
	h.mu.Unlock()
	if c != nil {
		safeSend(c.send, raw)
	}
}

// ConnectedUsers reports who in the room has a live socket right now.
func (h *Hub) ConnectedUsers(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		users = append(users, c.userID)
	}
	return users
}

// Deliver fans a flushed update batch out to the room. Versions are produced
// in order per room by the batcher; clients watch them for gaps.
func (h *Hub) Deliver(b batch.Batch) {
	frame := struct {
		Type string `json:"type"`
		batch.Batch
	}{Type: "state_batch", Batch: b}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.rooms[b.RoomID] {
		safeSend(c.send, raw)
	}
	h.mu.Unlock()
}

func (h *Hub) sendAck(c *Client, of, gameID string) {
	raw, _ := json.Marshal(AckFrame{Type: "ack", Of: of, GameID: gameID})
	safeSend(c.send, raw)
}

func (h *Hub) sendStartAck(c *Client, gameID string) {
	h.sendAck(c, "start", gameID)
}

func (h *Hub) sendError(c *Client, code, message string) {
	raw, _ := json.Marshal(ErrorFrame{Type: "error", Code: code, Message: message})
	safeSend(c.send, raw)
}

func safeSend(ch chan []byte, msg []byte) {
	defer func() { _ = recover() }()
	select {
	case ch <- msg:
	default:
	}
}

func safeClose(ch chan []byte) {
	defer func() { _ = recover() }()
	close(ch)
}
