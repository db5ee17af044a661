package batch

import (
	"encoding/json"
	"expvar"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	metricBatchFlushTotal  = expvar.NewInt("batch_flush_total")
	metricBatchUpdateTotal = expvar.NewInt("batch_update_total")
	metricBatchDedupTotal  = expvar.NewInt("batch_dedup_total")
)

// PriorityImmediate flushes the pending window right away instead of waiting
// for it to fill or expire.
const PriorityImmediate = 100

// Update is one coalesced state-change notification. Repeat counts how many
// identical (type, payload) updates collapsed into it within the window.
type Update struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority,omitempty"`
	Repeat   int             `json:"repeat,omitempty"`
}

// Batch is one flushed window for a room. Version increases by exactly one
// per flush, so a consumer can detect a missed or reordered batch.
type Batch struct {
	RoomID    string    `json:"room_id"`
	Version   int64     `json:"version"`
	Updates   []Update  `json:"updates"`
	FlushedAt time.Time `json:"flushed_at"`
}

// Sink receives flushed batches, in order per room.
type Sink interface {
	Deliver(Batch)
}

type Config struct {
	Window   time.Duration
	MaxBatch int
}

func (c *Config) fill() {
	if c.Window <= 0 {
		c.Window = 50 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 20
	}
}

type roomQueue struct {
	version int64
	pending []Update
	keys    map[string]int // (type,payload) -> index into pending
	timer   *time.Timer

	// cut batches awaiting delivery. A single drainer per room hands them
	// to the sink in version order; a slow sink can therefore never let a
	// later flush overtake an earlier one.
	outbox     []Batch
	delivering bool
}

// Batcher coalesces and deduplicates outgoing state updates per room. Turn
// based games emit many micro-updates in rapid succession; batching bounds
// message rate and duplicate payload cost without changing end-state order.
type Batcher struct {
	cfg  Config
	sink Sink

	mu     sync.Mutex
	rooms  map[string]*roomQueue
	closed bool
}

func NewBatcher(cfg Config, sink Sink) *Batcher {
	cfg.fill()
	return &Batcher{cfg: cfg, sink: sink, rooms: map[string]*roomQueue{}}
}

// QueueUpdate adds one update to the room's pending window. Identical
// (type, payload) pairs within the window collapse into a single entry with
// a repeat count.
func (b *Batcher) QueueUpdate(roomID, updType string, payload any, priority int) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Str("type", updType).
			Msg("batch: payload marshal failed, dropping update")
		return
	}
	metricBatchUpdateTotal.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	rq := b.rooms[roomID]
	if rq == nil {
		rq = &roomQueue{keys: map[string]int{}}
		b.rooms[roomID] = rq
	}

	key := updType + "\x00" + string(raw)
	if idx, ok := rq.keys[key]; ok {
		rq.pending[idx].Repeat++
		metricBatchDedupTotal.Add(1)
	} else {
		rq.keys[key] = len(rq.pending)
		rq.pending = append(rq.pending, Update{Type: updType, Payload: raw, Priority: priority, Repeat: 1})
	}

	var drain bool
	switch {
	case len(rq.pending) >= b.cfg.MaxBatch || priority >= PriorityImmediate:
		drain = b.cutLocked(roomID, rq)
	case rq.timer == nil:
		rq.timer = time.AfterFunc(b.cfg.Window, func() { b.FlushQueue(roomID) })
	}
	b.mu.Unlock()

	if drain {
		b.drainOutbox(rq)
	}
}

// FlushQueue flushes the room's pending window immediately.
func (b *Batcher) FlushQueue(roomID string) {
	b.mu.Lock()
	rq := b.rooms[roomID]
	drain := false
	if rq != nil {
		drain = b.cutLocked(roomID, rq)
	}
	b.mu.Unlock()

	if drain {
		b.drainOutbox(rq)
	}
}

// drainOutbox hands queued batches to the sink one at a time. Only the caller
// that flipped delivering runs it, so deliveries stay in cut order even when
// flushes race.
func (b *Batcher) drainOutbox(rq *roomQueue) {
	for {
		b.mu.Lock()
		if len(rq.outbox) == 0 {
			rq.delivering = false
			b.mu.Unlock()
			return
		}
		next := rq.outbox[0]
		rq.outbox = rq.outbox[1:]
		b.mu.Unlock()
		b.sink.Deliver(next)
	}
}

// cutLocked snapshots the pending window onto the outbox and reports whether
// the caller should drain it. Caller holds b.mu.
func (b *Batcher) cutLocked(roomID string, rq *roomQueue) bool {
	if rq.timer != nil {
		rq.timer.Stop()
		rq.timer = nil
	}
	if len(rq.pending) == 0 {
		return false
	}
	rq.version++
	rq.outbox = append(rq.outbox, Batch{
		RoomID:    roomID,
		Version:   rq.version,
		Updates:   rq.pending,
		FlushedAt: time.Now(),
	})
	rq.pending = nil
	rq.keys = map[string]int{}
	metricBatchFlushTotal.Add(1)
	if rq.delivering {
		return false
	}
	rq.delivering = true
	return true
}

// CloseRoom flushes whatever is pending. The room's version counter stays:
// a consumer watching the room across sessions must never see it regress.
func (b *Batcher) CloseRoom(roomID string) {
	b.FlushQueue(roomID)
}

// Close flushes every room and stops accepting updates.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rooms := make([]string, 0, len(b.rooms))
	for roomID := range b.rooms {
		rooms = append(rooms, roomID)
	}
	b.mu.Unlock()

	for _, roomID := range rooms {
		b.FlushQueue(roomID)
	}
}

// Version reports the room's last flushed version.
func (b *Batcher) Version(roomID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	rq := b.rooms[roomID]
	if rq == nil {
		return 0
	}
	return rq.version
}
