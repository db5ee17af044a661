package gamehub

// Transport event types carried on the per-room broadcast channel and the
// per-connection private channel.
const (
	EventSessionStarted  = "session_started"
	EventStateUpdate     = "state_update"
	EventPlayerAction    = "player_action"
	EventSessionFinished = "session_finished"
	EventError           = "error"

	EventJoined       = "joined"
	EventLeft         = "left"
	EventOwnerChanged = "owner_changed"

	EventPrivateState = "private_state"
)

type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Broadcaster is the transport boundary. The websocket hub implements it;
// the NATS bus can mirror it.
type Broadcaster interface {
	Broadcast(roomID string, event Event)
	SendPrivate(userID string, event Event)
}
