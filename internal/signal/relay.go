package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

var (
	ErrPeerUnavailable = errors.New("peer not available")
	// ErrPeerGone means delivery to the peer failed past the retry
	// ceiling; the caller should remove it from the mesh.
	ErrPeerGone = errors.New("peer delivery failed past retry limit")
)

// Presence answers reachability questions. Implemented by
// internal/presence against the shared KV store.
type Presence interface {
	IsAvailable(peerId string) bool
}

// Publisher is the fan-out transport. *nats.Conn satisfies it; every
// process delivers subjects addressed to its own sockets.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PeerSubject is where events addressed to one peer are published.
// Whatever process holds that peer's socket is subscribed there.
func PeerSubject(peerId string) string {
	return "peer." + peerId
}

// SessionSubject carries session-wide broadcasts.
func SessionSubject(sessionId string) string {
	return "session." + sessionId + ".events"
}

// Relay routes signaling events between identified peers and broadcasts
// session-wide events. Payloads are forwarded untouched: the relay never
// inspects SDP or candidate contents.
type Relay struct {
	presence   Presence
	buffer     *Buffer
	pub        Publisher
	retryLimit int
	log        zerolog.Logger

	mu       sync.Mutex
	failures map[string]int // consecutive delivery failures per peer
}

func NewRelay(presence Presence, buffer *Buffer, pub Publisher, retryLimit int, log zerolog.Logger) *Relay {
	return &Relay{
		presence:   presence,
		buffer:     buffer,
		pub:        pub,
		retryLimit: retryLimit,
		log:        log.With().Str("component", "relay").Logger(),
		failures:   make(map[string]int),
	}
}

// Relay forwards one signaling event from sender to a single named peer.
// Unreachable destinations are an error for session descriptions but not
// for ICE candidates, which are buffered and replayed on join.
func (r *Relay) Relay(ctx context.Context, fromPeerId, toPeerId string, eventType internal.EventType, payload json.RawMessage) error {
	evt, err := internal.NewServerEvent(eventType, internal.SignalForwardPayload{
		PeerId: fromPeerId,
		Data:   payload,
	})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}

	if r.presence.IsAvailable(toPeerId) {
		return r.deliver(toPeerId, frame)
	}

	if eventType == internal.EventIceCandidate {
		// Candidates must not be dropped: queue them for replay once the
		// peer joins. Success from the caller's point of view.
		return r.buffer.Store(ctx, toPeerId, frame)
	}

	r.log.Debug().
		Str("from", fromPeerId).
		Str("to", toPeerId).
		Str("event", string(eventType)).
		Msg("destination peer unavailable")
	return fmt.Errorf("relay %s to %s: %w", eventType, toPeerId, ErrPeerUnavailable)
}

// SendToPeer pushes one outbound event to a single peer's live connection.
func (r *Relay) SendToPeer(peerId string, evt internal.ServerEvent) error {
	frame, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if !r.presence.IsAvailable(peerId) {
		return fmt.Errorf("send %s to %s: %w", evt.Type, peerId, ErrPeerUnavailable)
	}
	return r.deliver(peerId, frame)
}

// Broadcast fans one event out to every member of a session.
func (r *Relay) Broadcast(sessionId string, evt internal.ServerEvent) {
	frame, err := json.Marshal(evt)
	if err != nil {
		r.log.Error().Err(err).Str("session", sessionId).Msg("encode broadcast")
		return
	}
	if err := r.pub.Publish(SessionSubject(sessionId), frame); err != nil {
		r.log.Error().Err(err).Str("session", sessionId).Str("event", string(evt.Type)).Msg("broadcast failed")
	}
}

// ReplayBuffered drains the peer's pending-signal queue onto its live
// connection, exactly once, in original order.
func (r *Relay) ReplayBuffered(ctx context.Context, peerId string) error {
	return r.buffer.DrainAndDeliver(ctx, peerId, func(frame []byte) error {
		return r.deliver(peerId, frame)
	})
}

func (r *Relay) deliver(peerId string, frame []byte) error {
	if err := r.pub.Publish(PeerSubject(peerId), frame); err != nil {
		r.mu.Lock()
		r.failures[peerId]++
		count := r.failures[peerId]
		r.mu.Unlock()

		r.log.Warn().Err(err).Str("peer", peerId).Int("failures", count).Msg("delivery failed")
		if count >= r.retryLimit {
			return fmt.Errorf("deliver to %s: %w", peerId, ErrPeerGone)
		}
		return fmt.Errorf("deliver to %s: %w", peerId, err)
	}

	r.mu.Lock()
	delete(r.failures, peerId)
	r.mu.Unlock()
	return nil
}

// Forget clears the failure counter for a departed peer.
func (r *Relay) Forget(peerId string) {
	r.mu.Lock()
	delete(r.failures, peerId)
	r.mu.Unlock()
}
