package presence

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const bucketName = "presence"

// Registry tracks peer reachability in a shared KV bucket so every server
// process sees the same liveness picture. Records expire via the bucket
// TTL; a peer with no live record is unavailable.
type Registry struct {
	kv  nats.KeyValue
	log zerolog.Logger
}

// NewRegistry opens (or creates) the presence bucket. ttl should exceed
// the client heartbeat interval by a safety margin so one missed beat
// does not read as a disconnect.
func NewRegistry(nc *nats.Conn, ttl time.Duration, log zerolog.Logger) (*Registry, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucketName,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open presence bucket: %w", err)
	}

	return &Registry{kv: kv, log: log.With().Str("component", "presence").Logger()}, nil
}

// MarkAvailable records or refreshes the peer's liveness record.
func (r *Registry) MarkAvailable(peerId string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, err := r.kv.Put(peerId, []byte(ts)); err != nil {
		r.log.Error().Err(err).Str("peer", peerId).Msg("mark available failed")
		return fmt.Errorf("mark available %s: %w", peerId, err)
	}
	return nil
}

// MarkUnavailable deletes the liveness record. Deleting an absent record
// is not an error.
func (r *Registry) MarkUnavailable(peerId string) error {
	if err := r.kv.Delete(peerId); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		r.log.Error().Err(err).Str("peer", peerId).Msg("mark unavailable failed")
		return fmt.Errorf("mark unavailable %s: %w", peerId, err)
	}
	return nil
}

// IsAvailable reports whether the peer has a live record. Store errors
// read as unavailable: the relay must fail closed, never throw.
func (r *Registry) IsAvailable(peerId string) bool {
	_, err := r.kv.Get(peerId)
	if err != nil {
		if !errors.Is(err, nats.ErrKeyNotFound) {
			r.log.Warn().Err(err).Str("peer", peerId).Msg("presence lookup failed, treating as unavailable")
		}
		return false
	}
	return true
}
