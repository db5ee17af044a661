package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"parlor/internal/batch"
	"parlor/internal/gamehub"
)

// Bus mirrors room events and flushed update batches onto NATS subjects so
// out-of-process consumers (spectator feeds, audit pipelines) can follow the
// room without holding a websocket. It decorates the in-process broadcaster
// and batch sink; publish failures never block game flow.
type Bus struct {
	nc     *nats.Conn
	prefix string
	inner  gamehub.Broadcaster
	sink   batch.Sink
}

// Connect dials NATS with unbounded reconnects. The engine runs fine without
// the bus, so connection handling is log-and-carry-on.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// New wraps the in-process broadcaster and sink. A nil conn turns the bus
// into a pass-through.
func New(nc *nats.Conn, prefix string, inner gamehub.Broadcaster, sink batch.Sink) *Bus {
	if prefix == "" {
		prefix = "parlor.room"
	}
	return &Bus{nc: nc, prefix: prefix, inner: inner, sink: sink}
}

func (b *Bus) Broadcast(roomID string, event gamehub.Event) {
	b.inner.Broadcast(roomID, event)
	b.publish(roomID, "events."+event.Type, event)
}

// SendPrivate stays off the wire: per-player hidden state never leaves the
// direct connection.
func (b *Bus) SendPrivate(userID string, event gamehub.Event) {
	b.inner.SendPrivate(userID, event)
}

func (b *Bus) Deliver(flushed batch.Batch) {
	b.sink.Deliver(flushed)
	b.publish(flushed.RoomID, "batches", flushed)
}

func (b *Bus) publish(roomID, kind string, payload any) {
	if b.nc == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", b.prefix, roomID, kind)
	if err := b.nc.Publish(subject, raw); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("bus publish failed")
	}
}
