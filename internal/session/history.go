package session

import "time"

// ActionRecord is one applied action, sequence-numbered per room. The action
// tail doubles as the source of truth for reconnect replay.
type ActionRecord struct {
	Seq     int64          `json:"seq"`
	UserID  string         `json:"user_id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

type Snapshot struct {
	Seq   int64          `json:"seq"`
	State map[string]any `json:"state"`
	At    time.Time      `json:"at"`
}

type EventRecord struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	At     time.Time
}

// history keeps bounded ring buffers of a room's recent activity. Writes go
// through the registry, which holds the lock.
type history struct {
	nextSeq   int64
	actions   []ActionRecord
	snapshots []Snapshot
	events    []EventRecord

	maxActions   int
	maxSnapshots int
	maxEvents    int
}

func newHistory(maxActions, maxSnapshots, maxEvents int) *history {
	if maxActions <= 0 {
		maxActions = 100
	}
	if maxSnapshots <= 0 {
		maxSnapshots = 50
	}
	if maxEvents <= 0 {
		maxEvents = 50
	}
	return &history{maxActions: maxActions, maxSnapshots: maxSnapshots, maxEvents: maxEvents}
}

func (h *history) addAction(rec ActionRecord) ActionRecord {
	h.nextSeq++
	rec.Seq = h.nextSeq
	h.actions = append(h.actions, rec)
	if len(h.actions) > h.maxActions {
		h.actions = h.actions[len(h.actions)-h.maxActions:]
	}
	return rec
}

func (h *history) addSnapshot(state map[string]any, at time.Time) {
	h.snapshots = append(h.snapshots, Snapshot{Seq: h.nextSeq, State: state, At: at})
	if len(h.snapshots) > h.maxSnapshots {
		h.snapshots = h.snapshots[len(h.snapshots)-h.maxSnapshots:]
	}
}

func (h *history) addEvent(kind, detail string, at time.Time) {
	h.events = append(h.events, EventRecord{Kind: kind, Detail: detail, At: at})
	if len(h.events) > h.maxEvents {
		h.events = h.events[len(h.events)-h.maxEvents:]
	}
}

func (h *history) actionsAfter(seq int64) []ActionRecord {
	out := []ActionRecord{}
	for _, a := range h.actions {
		if a.Seq > seq {
			out = append(out, a)
		}
	}
	return out
}

func (h *history) latestSnapshot() (Snapshot, bool) {
	if len(h.snapshots) == 0 {
		return Snapshot{}, false
	}
	return h.snapshots[len(h.snapshots)-1], true
}
