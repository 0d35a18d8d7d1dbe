// Package natsbus broadcasts cache invalidations to peer processes over
// NATS. Delivery is best-effort by design: peers that miss a broadcast
// simply serve stale L1 entries until their own TTLs expire.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// subject carries invalidation notices for every memforge process sharing
// the L2/L3 backing stores.
const subject = "memforge.cache.invalidate"

// notice is the wire payload. Origin lets a process ignore its own
// broadcasts, which it already applied locally.
type notice struct {
	Origin  string `json:"origin"`
	Pattern string `json:"pattern"`
}

// Bus publishes and receives invalidation notices.
type Bus struct {
	nc     *nats.Conn
	origin string
	log    *slog.Logger
}

// Connect dials NATS and returns a Bus with a unique origin ID.
func Connect(url string, log *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{nc: nc, origin: uuid.NewString(), log: log}, nil
}

// AnnounceInvalidation broadcasts a pattern to peers.
func (b *Bus) AnnounceInvalidation(_ context.Context, pattern string) error {
	data, err := json.Marshal(notice{Origin: b.origin, Pattern: pattern})
	if err != nil {
		return fmt.Errorf("marshal invalidation notice: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe registers a handler for invalidation notices from other
// processes. The returned func unsubscribes.
func (b *Bus) Subscribe(handler func(pattern string)) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var n notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.log.Warn("malformed invalidation notice", "error", err)
			return
		}
		if n.Origin == b.origin {
			return
		}
		handler(n.Pattern)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	_ = b.nc.Drain()
}
