package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PendingStore is the durable queue behind the buffer. Drain must be
// destructive-before-delivery and preserve append order; the Postgres
// implementation lives in internal/storage.
type PendingStore interface {
	Append(ctx context.Context, peerId string, payload []byte, ttl time.Duration) error
	Drain(ctx context.Context, peerId string) ([][]byte, error)
}

// Buffer holds signaling payloads addressed to peers that are momentarily
// unreachable. Only loss-intolerant event types (ICE candidates) go
// through here; everything else fails fast at the relay.
type Buffer struct {
	store PendingStore
	ttl   time.Duration
	log   zerolog.Logger
}

func NewBuffer(store PendingStore, ttl time.Duration, log zerolog.Logger) *Buffer {
	return &Buffer{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "signal-buffer").Logger(),
	}
}

// Store appends one payload to the peer's queue with the configured TTL.
func (b *Buffer) Store(ctx context.Context, peerId string, payload []byte) error {
	if err := b.store.Append(ctx, peerId, payload, b.ttl); err != nil {
		return fmt.Errorf("buffer signal for %s: %w", peerId, err)
	}
	b.log.Debug().Str("peer", peerId).Msg("buffered signal")
	return nil
}

// DrainAndDeliver atomically empties the peer's queue and hands every
// payload, in original order, to deliver. The queue is emptied before the
// first delivery attempt, so a payload is never delivered twice; a failed
// delivery is logged and dropped rather than re-queued.
func (b *Buffer) DrainAndDeliver(ctx context.Context, peerId string, deliver func(payload []byte) error) error {
	payloads, err := b.store.Drain(ctx, peerId)
	if err != nil {
		return fmt.Errorf("drain signals for %s: %w", peerId, err)
	}
	for _, p := range payloads {
		if err := deliver(p); err != nil {
			b.log.Warn().Err(err).Str("peer", peerId).Msg("buffered signal delivery failed, dropping")
		}
	}
	if len(payloads) > 0 {
		b.log.Info().Str("peer", peerId).Int("count", len(payloads)).Msg("replayed buffered signals")
	}
	return nil
}
