package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS authenticates the connection, upgrades it, and runs the read
// pump until the peer disconnects. Everything the peer sends is decoded
// once here and dispatched; everything the peer receives arrives through
// its NATS subjects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionId := mux.Vars(r)["sessionId"]
	if sessionId == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	identity, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	peer := NewPeer(identity.PlayerId, identity.Name, sessionId, conn, s.cfg.ClientRateLimit, s.cfg.ClientRateBurst)
	log := s.log.With().Str("peer", peer.Id).Str("session", sessionId).Logger()

	if err := s.attachPeer(peer); err != nil {
		log.Error().Err(err).Msg("session subscription failed")
		_ = conn.Close()
		return
	}

	// Events addressed to this peer land on its subject regardless of
	// which process produced them; this socket is the only consumer.
	peerSub, err := s.nc.Subscribe(signal.PeerSubject(peer.Id), func(m *nats.Msg) {
		if werr := peer.SafeWriteRaw(m.Data); werr != nil {
			log.Debug().Err(werr).Msg("peer write failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("peer subscription failed")
		s.detachPeer(peer)
		_ = conn.Close()
		return
	}

	if err := s.presence.MarkAvailable(peer.Id); err != nil {
		log.Warn().Err(err).Msg("initial presence mark failed")
	}

	log.Info().Msg("peer connected")
	s.readPump(peer, log)

	// Teardown order matters: presence first so the relay starts
	// buffering, then the mesh removal.
	_ = peerSub.Unsubscribe()
	if err := s.presence.MarkUnavailable(peer.Id); err != nil {
		log.Warn().Err(err).Msg("presence clear failed")
	}
	s.detachPeer(peer)
	s.relay.Forget(peer.Id)
	s.drainResult(s.orch.EnqueueLeave(sessionId, internal.PeerInfo{Id: peer.Id, Name: peer.Name}), log, "leave")
	_ = peer.Close()
	log.Info().Msg("peer disconnected")
}

func (s *Server) readPump(peer *Peer, log zerolog.Logger) {
	for {
		_, raw, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("socket read failed")
			}
			return
		}
		if !peer.Allow() {
			log.Warn().Msg("rate limit exceeded, dropping event")
			continue
		}

		evt, err := internal.DecodeClientEvent(raw)
		if err != nil {
			log.Warn().Err(err).Msg("rejected inbound event")
			continue
		}
		if evt.Type == internal.EventDisconnect {
			return
		}
		s.dispatch(peer, evt, log)
	}
}

// dispatch routes one decoded event. A panic in a handler closes nothing:
// the frame is dropped and the pump keeps reading.
func (s *Server) dispatch(peer *Peer, evt internal.ClientEvent, log zerolog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("event", string(evt.Type)).Msg("handler panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch evt.Type {
	case internal.EventJoin:
		s.drainResult(s.orch.EnqueueJoin(peer.SessionId, internal.PeerInfo{Id: peer.Id, Name: peer.Name}), log, "join")

	case internal.EventHeartbeat:
		if err := s.presence.MarkAvailable(peer.Id); err != nil {
			log.Warn().Err(err).Msg("heartbeat mark failed")
		}

	case internal.EventSessionDescription, internal.EventIceCandidate:
		err := s.relay.Relay(ctx, peer.Id, evt.Signal.To, evt.Type, evt.Signal.Data)
		switch {
		case errors.Is(err, signal.ErrPeerGone):
			// Delivery failed past the ceiling: evict the dead peer from
			// the mesh so the others stop waiting for it.
			s.drainResult(s.orch.EnqueueLeave(peer.SessionId, internal.PeerInfo{Id: evt.Signal.To}), log, "evict")
		case errors.Is(err, signal.ErrPeerUnavailable):
			log.Debug().Str("to", evt.Signal.To).Str("event", string(evt.Type)).Msg("signal to unavailable peer dropped")
		case err != nil:
			log.Warn().Err(err).Str("to", evt.Signal.To).Msg("relay failed")
		}

	case internal.EventStartRound:
		if err := s.games.HandleStartRound(ctx, peer.SessionId, peer.Id, evt.Start); err != nil {
			log.Warn().Err(err).Msg("start round rejected")
		}

	case internal.EventUpdateLines:
		if err := s.games.UpdateLines(ctx, peer.SessionId, peer.Id, evt.Lines); err != nil {
			log.Warn().Err(err).Msg("lines update rejected")
		}

	case internal.EventUpdateDrawArea:
		if err := s.games.UpdateDrawArea(ctx, peer.SessionId, peer.Id, evt.DrawArea); err != nil {
			log.Warn().Err(err).Msg("drawarea update rejected")
		}

	case internal.EventNewMessage:
		if err := s.games.HandleMessage(ctx, peer.SessionId, peer.Id, evt.Message); err != nil {
			log.Warn().Err(err).Msg("message rejected")
		}
	}
}

// drainResult consumes a membership job outcome without blocking the
// read pump.
func (s *Server) drainResult(done <-chan error, log zerolog.Logger, op string) {
	go func() {
		if err := <-done; err != nil {
			log.Warn().Err(err).Str("op", op).Msg("membership job failed")
		}
	}()
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}
