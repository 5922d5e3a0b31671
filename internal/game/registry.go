package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRoundNotFound   = errors.New("round not found")
	ErrNotDrawer       = errors.New("player is not the round drawer")
	ErrRoundStarted    = errors.New("round already started")
	ErrRoundNotActive  = errors.New("round is not the team's active round")
	ErrNotTeamMember   = errors.New("player is not on the round's team")
)

// Broadcaster fans events out to every member of a session, and can
// address a single peer for payloads only that peer may see. Implemented
// by the relay.
type Broadcaster interface {
	Broadcast(sessionId string, evt internal.ServerEvent)
	SendToPeer(peerId string, evt internal.ServerEvent) error
}

// SnapshotStore persists full session snapshots so a restarted process
// can resume mid-session.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionId string, data []byte) error
	LoadSnapshot(ctx context.Context, sessionId string) ([]byte, error)
}

// SeedSource is the persistence collaborator: event/team/player/word data
// a session is built from on first join.
type SeedSource interface {
	SessionSeed(ctx context.Context, sessionId string) (*internal.SessionSeed, error)
}

// ResultSink accepts score updates at round completion.
type ResultSink interface {
	SaveRoundResults(ctx context.Context, sessionId, roundId string, results []*internal.PlayerResult) error
}

// ArtifactSink receives the final drawings once a session completes. It is
// never invoked during the round lifecycle.
type ArtifactSink interface {
	UploadDrawings(ctx context.Context, sessionId string, linesByRound map[string][]*internal.Line) error
}

// ErrSnapshotNotFound is what SnapshotStore implementations return for
// unknown sessions.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Timings are the round lifecycle tunables, sourced from configuration.
type Timings struct {
	WordChoiceWindow   time.Duration
	WordChoiceGrace    time.Duration
	HintInterval       time.Duration
	ResultDisplayDelay time.Duration
	DefaultDrawTime    int // seconds
}

// liveSession is one session aggregate plus everything transient around
// it. All mutation happens under mu; outbound events are gathered under
// the lock and sent after release.
type liveSession struct {
	mu       sync.Mutex
	session  *internal.Session
	rng      *rand.Rand
	drawings map[string][]*internal.Line // final lines per completed round, for the artifact sink
}

// Registry owns every live session and its timer handles. Callers go
// through intention-revealing methods; the session map is never touched
// directly from outside.
type Registry struct {
	timings     Timings
	broadcaster Broadcaster
	store       SnapshotStore
	seeds       SeedSource
	results     ResultSink
	artifacts   ArtifactSink
	sched       *Scheduler
	log         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

func NewRegistry(timings Timings, broadcaster Broadcaster, store SnapshotStore, seeds SeedSource, results ResultSink, artifacts ArtifactSink, sched *Scheduler, log zerolog.Logger) *Registry {
	return &Registry{
		timings:     timings,
		broadcaster: broadcaster,
		store:       store,
		seeds:       seeds,
		results:     results,
		artifacts:   artifacts,
		sched:       sched,
		log:         log.With().Str("component", "registry").Logger(),
		sessions:    make(map[string]*liveSession),
	}
}

// OnMemberJoined makes sure the session aggregate is live: cached, loaded
// from its persisted snapshot, or created from seed data on the very
// first join.
func (g *Registry) OnMemberJoined(ctx context.Context, sessionId, playerId string) error {
	g.mu.Lock()
	cached, ok := g.sessions[sessionId]
	g.mu.Unlock()
	if ok {
		g.refreshDrawer(cached, playerId)
		return nil
	}

	ls, err := g.rehydrate(ctx, sessionId)
	if errors.Is(err, ErrSnapshotNotFound) {
		ls, err = g.create(ctx, sessionId, playerId)
	}
	if err != nil {
		return err
	}

	g.mu.Lock()
	if existing, ok := g.sessions[sessionId]; ok {
		// Lost a create race with another join job; keep the winner.
		ls = existing
	} else {
		g.sessions[sessionId] = ls
	}
	g.mu.Unlock()

	g.resumeTimers(ls)
	g.refreshDrawer(ls, playerId)
	return nil
}

// refreshDrawer re-sends the unmasked current round to a (re)joining
// drawer. Broadcasts and snapshots only ever carry the masked view, so
// this direct send is the drawer's only source of the word and the
// candidate list after a reconnect.
func (g *Registry) refreshDrawer(ls *liveSession, playerId string) {
	ls.mu.Lock()
	team := ls.session.TeamOfPlayer(playerId)
	var round *internal.Round
	if team != nil {
		round = team.CurrentRound()
	}
	if round == nil || round.DrawerId != playerId {
		ls.mu.Unlock()
		return
	}
	evt, err := internal.NewServerEvent(internal.EventUpdateRound, round)
	ls.mu.Unlock()
	if err != nil {
		g.log.Error().Err(err).Str("player", playerId).Msg("encode drawer refresh")
		return
	}
	g.sendDirect([]directEvent{{peerId: playerId, evt: evt}})
}

// OnMemberLeft is the membership hook for departures. Session structure
// is immutable, so a leaving player costs nothing structurally; if the
// drawer left mid-round the round stalls until the draw timer forces
// completion.
func (g *Registry) OnMemberLeft(sessionId, playerId string) {
	g.log.Info().Str("session", sessionId).Str("player", playerId).Msg("member left")
}

// SnapshotEvent builds the full-session event-data broadcast. Live
// rounds go out masked; drawers get their word through refreshDrawer.
func (g *Registry) SnapshotEvent(sessionId string) (internal.ServerEvent, bool) {
	ls, err := g.lookup(sessionId)
	if err != nil {
		return internal.ServerEvent{}, false
	}
	ls.mu.Lock()
	evt, err := internal.NewServerEvent(internal.EventData, maskedSession(ls.session))
	ls.mu.Unlock()
	if err != nil {
		g.log.Error().Err(err).Str("session", sessionId).Msg("encode session snapshot")
		return internal.ServerEvent{}, false
	}
	return evt, true
}

// Shutdown cancels every outstanding timer and persists every live
// session so a restart can resume.
func (g *Registry) Shutdown(ctx context.Context) {
	g.sched.Shutdown()

	g.mu.Lock()
	sessions := make(map[string]*liveSession, len(g.sessions))
	for id, ls := range g.sessions {
		sessions[id] = ls
	}
	g.mu.Unlock()

	for id, ls := range sessions {
		if err := g.persist(ctx, ls); err != nil {
			g.log.Error().Err(err).Str("session", id).Msg("final snapshot failed")
		}
	}
}

func (g *Registry) lookup(sessionId string) (*liveSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ls, ok := g.sessions[sessionId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionId)
	}
	return ls, nil
}

// create builds the aggregate from external seed data. Teams, players,
// rounds, drawer rotation and word candidates are all fixed here; later
// mutation is limited to the field updates the round machine performs.
func (g *Registry) create(ctx context.Context, sessionId, playerId string) (*liveSession, error) {
	seed, err := g.seeds.SessionSeed(ctx, sessionId)
	if err != nil {
		return nil, fmt.Errorf("load session seed: %w", err)
	}

	drawTime := seed.DrawTime
	if drawTime <= 0 {
		drawTime = g.timings.DefaultDrawTime
	}
	totalRounds := seed.TotalRounds
	if totalRounds <= 0 {
		totalRounds = 1
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	session := &internal.Session{
		Id:           sessionId,
		Status:       internal.SessionOngoing,
		DrawTime:     drawTime,
		HintsEnabled: seed.HintsEnabled,
		TotalRounds:  totalRounds,
	}

	for _, ts := range seed.Teams {
		team := &internal.Team{Id: ts.Id}
		for _, ps := range ts.Players {
			team.Players = append(team.Players, &internal.Player{
				Id:       ps.Id,
				Name:     ps.Name,
				Index:    ps.Index,
				AvatarId: ps.AvatarId,
			})
		}
		deals := dealWords(seed.Words, totalRounds, rng)
		for i := 0; i < totalRounds; i++ {
			round := &internal.Round{
				Id:             uuid.NewString(),
				Index:          i,
				Status:         internal.RoundUpcoming,
				CorrectAnswers: make(map[string]int64),
				WordsForDraw:   deals[i],
			}
			if len(team.Players) > 0 {
				round.DrawerId = team.Players[i%len(team.Players)].Id
			}
			team.Rounds = append(team.Rounds, round)
		}
		session.Teams = append(session.Teams, team)
	}

	if session.TeamOfPlayer(playerId) == nil {
		g.log.Warn().Str("session", sessionId).Str("player", playerId).Msg("joining player not in seeded teams")
	}

	ls := &liveSession{
		session:  session,
		rng:      rng,
		drawings: make(map[string][]*internal.Line),
	}
	if err := g.persist(ctx, ls); err != nil {
		g.log.Error().Err(err).Str("session", sessionId).Msg("initial snapshot failed")
	}
	g.log.Info().Str("session", sessionId).Int("teams", len(session.Teams)).Int("rounds", totalRounds).Msg("session created")
	return ls, nil
}

// rehydrate rebuilds the aggregate from its persisted snapshot after a
// process restart.
func (g *Registry) rehydrate(ctx context.Context, sessionId string) (*liveSession, error) {
	data, err := g.store.LoadSnapshot(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	var session internal.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	for _, t := range session.Teams {
		for _, r := range t.Rounds {
			if r.CorrectAnswers == nil {
				r.CorrectAnswers = make(map[string]int64)
			}
		}
	}
	g.log.Info().Str("session", sessionId).Str("status", string(session.Status)).Msg("session rehydrated from snapshot")
	return &liveSession{
		session:  &session,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		drawings: make(map[string][]*internal.Line),
	}, nil
}

// resumeTimers re-arms the timers each team's current round needs:
// fresh word choice for UPCOMING rounds, the remaining draw window and
// hint cadence for ONGOING ones.
func (g *Registry) resumeTimers(ls *liveSession) {
	ls.mu.Lock()
	var out []internal.ServerEvent
	var direct []directEvent
	sessionId := ls.session.Id
	for _, team := range ls.session.Teams {
		round := team.CurrentRound()
		if round == nil || ls.session.Status == internal.SessionCompleted {
			continue
		}
		switch round.Status {
		case internal.RoundUpcoming:
			if round.WordChoiceStartTime == 0 {
				evts, d := g.beginWordChoiceLocked(ls, round)
				out = append(out, evts...)
				direct = append(direct, d...)
			} else {
				g.armWordChoiceTimer(ls, round, g.remainingChoice(round))
			}
		case internal.RoundOngoing:
			g.armRoundTimers(ls, round, g.remainingDraw(ls, round))
		case internal.RoundShowResult:
			g.sched.Schedule(resultKey(round.Id), g.timings.ResultDisplayDelay, func() {
				g.finishRound(ls, round.Id)
			})
		}
	}
	ls.mu.Unlock()
	g.send(sessionId, out)
	g.sendDirect(direct)
}

func (g *Registry) remainingChoice(round *internal.Round) time.Duration {
	window := g.timings.WordChoiceWindow + g.timings.WordChoiceGrace
	elapsed := time.Since(time.UnixMilli(round.WordChoiceStartTime))
	if elapsed >= window {
		return time.Millisecond
	}
	return window - elapsed
}

func (g *Registry) remainingDraw(ls *liveSession, round *internal.Round) time.Duration {
	total := time.Duration(ls.session.DrawTime) * time.Second
	if round.StartTime == nil {
		return total
	}
	elapsed := time.Since(time.UnixMilli(*round.StartTime))
	if elapsed >= total {
		return time.Millisecond
	}
	return total - elapsed
}

func (g *Registry) persist(ctx context.Context, ls *liveSession) error {
	ls.mu.Lock()
	data, err := json.Marshal(ls.session)
	sessionId := ls.session.Id
	ls.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionId, err)
	}
	if err := g.store.SaveSnapshot(ctx, sessionId, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sessionId, err)
	}
	return nil
}

// send broadcasts gathered events after the session lock is released.
func (g *Registry) send(sessionId string, events []internal.ServerEvent) {
	for _, evt := range events {
		g.broadcaster.Broadcast(sessionId, evt)
	}
}

// directEvent is one outbound event addressed at a single peer, for
// payloads the rest of the session must not see.
type directEvent struct {
	peerId string
	evt    internal.ServerEvent
}

func (g *Registry) sendDirect(events []directEvent) {
	for _, d := range events {
		if err := g.broadcaster.SendToPeer(d.peerId, d.evt); err != nil {
			g.log.Warn().Err(err).Str("peer", d.peerId).Str("event", string(d.evt.Type)).Msg("direct send failed")
		}
	}
}

func choiceKey(roundId string) string { return "choice:" + roundId }
func drawKey(roundId string) string   { return "draw:" + roundId }
func hintKey(roundId string) string   { return "hint:" + roundId }
func resultKey(roundId string) string { return "result:" + roundId }
