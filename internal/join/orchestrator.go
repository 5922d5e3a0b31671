package join

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

// Sender pushes one event to a single peer. Implemented by the relay.
type Sender interface {
	SendToPeer(peerId string, evt internal.ServerEvent) error
}

// Replayer drains a peer's buffered signaling onto its live connection.
type Replayer interface {
	ReplayBuffered(ctx context.Context, peerId string) error
}

// Broadcaster fans an event out to the whole session.
type Broadcaster interface {
	Broadcast(sessionId string, evt internal.ServerEvent)
}

// SessionHooks couples membership changes to the game side without the
// orchestrator knowing anything about rounds.
type SessionHooks interface {
	// OnMemberJoined makes sure the session aggregate exists (creating it
	// from seed data on the first join) and records the member.
	OnMemberJoined(ctx context.Context, sessionId, playerId string) error
	// SnapshotEvent returns the full-session event-data broadcast sent
	// after a completed join.
	SnapshotEvent(sessionId string) (internal.ServerEvent, bool)
	OnMemberLeft(sessionId, playerId string)
}

type jobKind int

const (
	jobJoin jobKind = iota
	jobLeave
	jobProbe
)

type job struct {
	kind      jobKind
	peer      internal.PeerInfo
	done      chan error
	probeResp chan []internal.PeerInfo
}

// sessionWorker serializes membership jobs for one session: jobs for the
// same session never overlap in time, jobs for different sessions run
// concurrently. This fixed ordering is what keeps mesh formation free of
// duplicate or racing add-peer announcements.
type sessionWorker struct {
	sessionId string
	jobs      chan job
	members   []internal.PeerInfo // notification order = join order
}

type Orchestrator struct {
	sender      Sender
	replayer    Replayer
	broadcaster Broadcaster
	hooks       SessionHooks
	retryLimit  int
	backoffBase time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	closed  bool
	workers map[string]*sessionWorker
	wg      sync.WaitGroup
}

func NewOrchestrator(sender Sender, replayer Replayer, broadcaster Broadcaster, hooks SessionHooks, retryLimit int, backoffBase time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		sender:      sender,
		replayer:    replayer,
		broadcaster: broadcaster,
		hooks:       hooks,
		retryLimit:  retryLimit,
		backoffBase: backoffBase,
		log:         log.With().Str("component", "join").Logger(),
		workers:     make(map[string]*sessionWorker),
	}
}

// EnqueueJoin schedules "peer joins session" behind any membership job
// already queued for that session. The returned channel reports the final
// outcome after retries; callers that don't care may ignore it.
func (o *Orchestrator) EnqueueJoin(sessionId string, peer internal.PeerInfo) <-chan error {
	return o.enqueue(sessionId, job{kind: jobJoin, peer: peer, done: make(chan error, 1)})
}

// EnqueueLeave schedules the peer's removal from the session mesh.
func (o *Orchestrator) EnqueueLeave(sessionId string, peer internal.PeerInfo) <-chan error {
	return o.enqueue(sessionId, job{kind: jobLeave, peer: peer, done: make(chan error, 1)})
}

func (o *Orchestrator) enqueue(sessionId string, j job) <-chan error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		j.done <- fmt.Errorf("orchestrator shut down")
		return j.done
	}
	w, ok := o.workers[sessionId]
	if !ok {
		w = &sessionWorker{sessionId: sessionId, jobs: make(chan job, 64)}
		o.workers[sessionId] = w
		o.wg.Add(1)
		go o.run(w)
	}
	// Sent under the lock so Shutdown cannot close the channel between
	// the closed check and the send.
	w.jobs <- j
	o.mu.Unlock()
	return j.done
}

// Shutdown stops accepting jobs and waits for in-flight ones to finish.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, w := range o.workers {
		close(w.jobs)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) run(w *sessionWorker) {
	defer o.wg.Done()
	for j := range w.jobs {
		var err error
		switch j.kind {
		case jobJoin:
			err = o.withRetries(w.sessionId, j.peer.Id, func() error {
				return o.processJoin(w, j.peer)
			})
		case jobLeave:
			err = o.processLeave(w, j.peer)
		case jobProbe:
			j.probeResp <- append([]internal.PeerInfo(nil), w.members...)
		}
		j.done <- err
	}
}

// withRetries runs fn with exponential backoff up to the attempt limit.
// After exhaustion the join is abandoned; the peer retries by
// reconnecting at the application layer.
func (o *Orchestrator) withRetries(sessionId, peerId string, fn func() error) error {
	var err error
	for attempt := 0; attempt < o.retryLimit; attempt++ {
		if attempt > 0 {
			time.Sleep(o.backoffBase << (attempt - 1))
		}
		if err = fn(); err == nil {
			return nil
		}
		o.log.Warn().Err(err).
			Str("session", sessionId).
			Str("peer", peerId).
			Int("attempt", attempt+1).
			Msg("join job failed")
	}
	o.log.Error().Err(err).Str("session", sessionId).Str("peer", peerId).Msg("join abandoned after retries")
	return err
}

// processJoin introduces the new peer to every existing member. The new
// joiner is always the offerer toward existing members; this fixed
// asymmetry is what prevents double-offers for a pair.
func (o *Orchestrator) processJoin(w *sessionWorker, peer internal.PeerInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.hooks.OnMemberJoined(ctx, w.sessionId, peer.Id); err != nil {
		return fmt.Errorf("record member: %w", err)
	}

	for _, existing := range w.members {
		if existing.Id == peer.Id {
			// Rejoin: the peer is already in the mesh, nothing to announce.
			o.log.Debug().Str("session", w.sessionId).Str("peer", peer.Id).Msg("duplicate join, skipping introductions")
			return o.finishJoin(ctx, w, peer)
		}
	}

	for _, existing := range w.members {
		toExisting, err := internal.NewServerEvent(internal.EventAddPeer, internal.AddPeerPayload{Peer: peer, Offer: false})
		if err != nil {
			return err
		}
		if err := o.sender.SendToPeer(existing.Id, toExisting); err != nil {
			return fmt.Errorf("announce %s to %s: %w", peer.Id, existing.Id, err)
		}

		toJoiner, err := internal.NewServerEvent(internal.EventAddPeer, internal.AddPeerPayload{Peer: existing, Offer: true})
		if err != nil {
			return err
		}
		if err := o.sender.SendToPeer(peer.Id, toJoiner); err != nil {
			return fmt.Errorf("announce %s to %s: %w", existing.Id, peer.Id, err)
		}
	}

	// Added only after existing members are notified, so a peer joining
	// mid-iteration can never be announced twice.
	w.members = append(w.members, peer)

	return o.finishJoin(ctx, w, peer)
}

func (o *Orchestrator) finishJoin(ctx context.Context, w *sessionWorker, peer internal.PeerInfo) error {
	if err := o.replayer.ReplayBuffered(ctx, peer.Id); err != nil {
		// The mesh is already announced; losing buffered candidates
		// degrades to an ICE restart, not a failed join.
		o.log.Warn().Err(err).Str("peer", peer.Id).Msg("buffered signal replay failed")
	}

	if snapshot, ok := o.hooks.SnapshotEvent(w.sessionId); ok {
		o.broadcaster.Broadcast(w.sessionId, snapshot)
	}

	o.log.Info().Str("session", w.sessionId).Str("peer", peer.Id).Int("members", len(w.members)).Msg("peer joined")
	return nil
}

func (o *Orchestrator) processLeave(w *sessionWorker, peer internal.PeerInfo) error {
	kept := w.members[:0]
	found := false
	for _, m := range w.members {
		if m.Id == peer.Id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	w.members = kept
	if !found {
		return nil
	}

	evt, err := internal.NewServerEvent(internal.EventRemovePeer, internal.RemovePeerPayload{PeerId: peer.Id})
	if err != nil {
		return err
	}
	o.broadcaster.Broadcast(w.sessionId, evt)
	o.hooks.OnMemberLeft(w.sessionId, peer.Id)

	o.log.Info().Str("session", w.sessionId).Str("peer", peer.Id).Int("members", len(w.members)).Msg("peer left")
	return nil
}

// Members returns the current mesh membership for one session, in join
// order.
func (o *Orchestrator) Members(sessionId string) []internal.PeerInfo {
	o.mu.Lock()
	w, ok := o.workers[sessionId]
	if !ok || o.closed {
		o.mu.Unlock()
		return nil
	}
	// Read from the worker goroutine's own view via a probe job so the
	// result is consistent with job ordering.
	probe := job{kind: jobProbe, done: make(chan error, 1), probeResp: make(chan []internal.PeerInfo, 1)}
	w.jobs <- probe
	o.mu.Unlock()
	<-probe.done
	return <-probe.probeResp
}
