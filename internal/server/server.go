package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal/auth"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/config"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/game"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/join"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/presence"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/signal"
)

// hostedSession tracks the sockets this process holds for one session and
// the NATS subscription that feeds them session-wide broadcasts.
type hostedSession struct {
	sub   *nats.Subscription
	peers map[string]*Peer
}

// Server ties the transport to the coordinator: it owns the sockets, the
// per-peer and per-session NATS subscriptions, and the HTTP listener.
// Everything stateful about sessions lives behind the registry and the
// orchestrator; the server only moves frames.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	verifier *auth.Verifier
	presence *presence.Registry
	relay    *signal.Relay
	orch     *join.Orchestrator
	games    *game.Registry
	nc       *nats.Conn

	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[string]*hostedSession
}

func New(cfg *config.Config, verifier *auth.Verifier, pres *presence.Registry, relay *signal.Relay, orch *join.Orchestrator, games *game.Registry, nc *nats.Conn, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		verifier: verifier,
		presence: pres,
		relay:    relay,
		orch:     orch,
		games:    games,
		nc:       nc,
		sessions: make(map[string]*hostedSession),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}

	s.closeAllPeers()
	s.orch.Shutdown()
	s.games.Shutdown(shutdownCtx)
	return nil
}

func (s *Server) closeAllPeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hs := range s.sessions {
		for _, p := range hs.peers {
			_ = p.Close()
		}
		if hs.sub != nil {
			_ = hs.sub.Unsubscribe()
		}
	}
	s.sessions = make(map[string]*hostedSession)
}

// attachPeer registers the socket locally and subscribes the session
// broadcast subject on first local member.
func (s *Server) attachPeer(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.sessions[p.SessionId]
	if !ok {
		hs = &hostedSession{peers: make(map[string]*Peer)}
		sub, err := s.nc.Subscribe(signal.SessionSubject(p.SessionId), func(m *nats.Msg) {
			s.fanOut(p.SessionId, m.Data)
		})
		if err != nil {
			return err
		}
		hs.sub = sub
		s.sessions[p.SessionId] = hs
	}
	hs.peers[p.Id] = p
	return nil
}

func (s *Server) detachPeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.sessions[p.SessionId]
	if !ok {
		return
	}
	// A fast reconnect may have already replaced the entry.
	if current, ok := hs.peers[p.Id]; ok && current == p {
		delete(hs.peers, p.Id)
	}
	if len(hs.peers) == 0 {
		if hs.sub != nil {
			_ = hs.sub.Unsubscribe()
		}
		delete(s.sessions, p.SessionId)
	}
}

// fanOut writes one session broadcast frame to every local socket of the
// session. Other processes handle their own sockets via their own
// subscriptions.
func (s *Server) fanOut(sessionId string, frame []byte) {
	s.mu.Lock()
	peers := make([]*Peer, 0, 4)
	if hs, ok := s.sessions[sessionId]; ok {
		for _, p := range hs.peers {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.SafeWriteRaw(frame); err != nil {
			s.log.Debug().Err(err).Str("peer", p.Id).Msg("broadcast write failed")
		}
	}
}
