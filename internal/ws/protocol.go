package ws

// Client → server messages. Type discriminates; unknown types get an error
// frame back.
type ClientMessage struct {
	Type string `json:"type"`

	RoomID string `json:"room_id,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// start
	GameType string `json:"game_type,omitempty"`
	Ante     int64  `json:"ante,omitempty"`

	// ready
	Ready bool `json:"ready"`

	// action
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// sync
	LastSeq int64 `json:"last_seq,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AckFrame struct {
	Type   string `json:"type"`
	Of     string `json:"of"`
	GameID string `json:"game_id,omitempty"`
}

type SyncFrame struct {
	Type     string `json:"type"`
	Snapshot any    `json:"snapshot,omitempty"`
	Replay   any    `json:"replay,omitempty"`
	LastSeq  int64  `json:"last_seq"`
}
