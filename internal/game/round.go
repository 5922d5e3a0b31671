package game

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

// Round lifecycle: UPCOMING -> ONGOING -> SHOW_RESULT -> COMPLETED.
// Every transition runs under the session lock; the timers guarding a
// state are cancelled in the same critical section that leaves it, so a
// stale timer can never fire against a round that has moved on.

// HandleStartRound processes the drawer's explicit word choice.
func (g *Registry) HandleStartRound(ctx context.Context, sessionId, playerId string, p *internal.StartRoundPayload) error {
	ls, err := g.lookup(sessionId)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	team, round := ls.session.RoundById(p.RoundId)
	if round == nil {
		ls.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRoundNotFound, p.RoundId)
	}
	if round.DrawerId != playerId {
		ls.mu.Unlock()
		return fmt.Errorf("start round %s by %s: %w", p.RoundId, playerId, ErrNotDrawer)
	}
	// Only the team's current round, and only once its word-choice window
	// has opened. A later round cannot start while an earlier one is live.
	if round != team.CurrentRound() || round.WordChoiceStartTime == 0 {
		ls.mu.Unlock()
		return fmt.Errorf("start round %s: %w", p.RoundId, ErrRoundNotActive)
	}
	if round.Status != internal.RoundUpcoming || round.Word != nil {
		ls.mu.Unlock()
		return fmt.Errorf("start round %s: %w", p.RoundId, ErrRoundStarted)
	}
	word := p.Word
	if !containsWord(round.WordsForDraw, word) {
		ls.mu.Unlock()
		return fmt.Errorf("start round %s: word not among candidates", p.RoundId)
	}
	startTime := p.StartTime
	if startTime == 0 {
		startTime = time.Now().UnixMilli()
	}
	events, direct := g.startRoundLocked(ls, round, word, startTime)
	ls.mu.Unlock()

	g.send(sessionId, events)
	g.sendDirect(direct)
	return nil
}

// autoStartRound fires when the word-choice window lapses without the
// drawer choosing: the server picks deterministically and starts the
// round itself.
func (g *Registry) autoStartRound(ls *liveSession, roundId string) {
	ls.mu.Lock()
	sessionId := ls.session.Id
	_, round := ls.session.RoundById(roundId)
	if round == nil || round.Status != internal.RoundUpcoming || round.Word != nil || len(round.WordsForDraw) == 0 {
		ls.mu.Unlock()
		return
	}
	word := round.WordsForDraw[0]
	events, direct := g.startRoundLocked(ls, round, word, time.Now().UnixMilli())
	ls.mu.Unlock()

	g.log.Info().Str("session", sessionId).Str("round", roundId).Str("word", word).Msg("word auto-selected")
	g.send(sessionId, events)
	g.sendDirect(direct)
}

// startRoundLocked moves the round to ONGOING. The session-wide update
// carries the masked word; only the drawer receives the real one.
func (g *Registry) startRoundLocked(ls *liveSession, round *internal.Round, word string, startTime int64) ([]internal.ServerEvent, []directEvent) {
	g.sched.Cancel(choiceKey(round.Id))

	round.Word = &word
	round.StartTime = &startTime
	round.Status = internal.RoundOngoing

	g.armRoundTimers(ls, round, g.remainingDraw(ls, round))

	var events []internal.ServerEvent
	if evt, err := internal.NewServerEvent(internal.EventUpdateRound, maskedRound(round)); err == nil {
		events = append(events, evt)
	} else {
		g.log.Error().Err(err).Str("round", round.Id).Msg("encode round update")
	}
	var direct []directEvent
	if evt, err := internal.NewServerEvent(internal.EventUpdateRound, round); err == nil {
		direct = append(direct, directEvent{peerId: round.DrawerId, evt: evt})
	}
	return events, direct
}

// armRoundTimers schedules the draw timer that forces completion and, if
// hints are enabled, the repeating hint reveal.
func (g *Registry) armRoundTimers(ls *liveSession, round *internal.Round, remaining time.Duration) {
	roundId := round.Id
	g.sched.Schedule(drawKey(roundId), remaining, func() {
		g.forceCompleteRound(ls, roundId)
	})
	if ls.session.HintsEnabled {
		g.sched.ScheduleEvery(hintKey(roundId), g.timings.HintInterval, func() {
			g.revealHint(ls, roundId)
		})
	}
}

// beginWordChoiceLocked opens the word-choice window for an upcoming
// round and arms the auto-pick timer. The candidate list goes only to
// the drawer; the rest of the session just learns the window opened.
func (g *Registry) beginWordChoiceLocked(ls *liveSession, round *internal.Round) ([]internal.ServerEvent, []directEvent) {
	round.WordChoiceStartTime = time.Now().UnixMilli()
	g.armWordChoiceTimer(ls, round, g.timings.WordChoiceWindow+g.timings.WordChoiceGrace)

	choiceStart := round.WordChoiceStartTime
	var events []internal.ServerEvent
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId:             round.Id,
		WordChoiceStartTime: &choiceStart,
	}); err == nil {
		events = append(events, evt)
	} else {
		g.log.Error().Err(err).Str("round", round.Id).Msg("encode word choice update")
	}
	var direct []directEvent
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId:             round.Id,
		WordsForDraw:        round.WordsForDraw,
		WordChoiceStartTime: &choiceStart,
	}); err == nil {
		direct = append(direct, directEvent{peerId: round.DrawerId, evt: evt})
	}
	return events, direct
}

func (g *Registry) armWordChoiceTimer(ls *liveSession, round *internal.Round, d time.Duration) {
	roundId := round.Id
	g.sched.Schedule(choiceKey(roundId), d, func() {
		g.autoStartRound(ls, roundId)
	})
}

// HandleMessage appends a chat message and, for matching guesses, records
// the correct answer. The "all guessed" check runs synchronously right
// here, so two guesses can never race to double-complete the round.
func (g *Registry) HandleMessage(ctx context.Context, sessionId, playerId string, msg *internal.Message) error {
	ls, err := g.lookup(sessionId)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	team, round := g.resolveRound(ls, playerId, msg.RoundId)
	if round == nil {
		ls.mu.Unlock()
		return fmt.Errorf("message from %s: %w", playerId, ErrRoundNotFound)
	}
	if team.PlayerById(playerId) == nil {
		ls.mu.Unlock()
		return fmt.Errorf("message from %s to round %s: %w", playerId, round.Id, ErrNotTeamMember)
	}

	msg.AuthorId = playerId
	msg.RoundId = round.Id
	if msg.Id == "" {
		msg.Id = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	if msg.Type == "" {
		msg.Type = internal.MessageDefault
	}
	round.Messages = append(round.Messages, msg)

	events := []internal.ServerEvent{}
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId:  round.Id,
		Messages: []*internal.Message{msg},
	}); err == nil {
		events = append(events, evt)
	}

	var completion *completionResult
	if round.Status == internal.RoundOngoing &&
		msg.Type == internal.MessageDefault &&
		playerId != round.DrawerId &&
		round.Word != nil &&
		!round.HasAnswered(playerId) &&
		internal.MatchesWord(*round.Word, msg.Text) {

		round.CorrectAnswers[playerId] = msg.CreatedAt
		if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
			RoundId:        round.Id,
			CorrectAnswers: round.CorrectAnswers,
		}); err == nil {
			events = append(events, evt)
		}

		// Drawer excluded: everyone else answered means the round is done,
		// the draw timer notwithstanding.
		if len(round.CorrectAnswers) == len(team.Players)-1 {
			var evts []internal.ServerEvent
			evts, completion = g.completeRoundLocked(ls, team, round)
			events = append(events, evts...)
		}
	}
	ls.mu.Unlock()

	g.send(sessionId, events)
	g.afterCompletion(sessionId, ls, completion)
	return nil
}

// UpdateLines is the periodic persistence path for strokes; the live
// stream flows peer-to-peer and never through here.
func (g *Registry) UpdateLines(ctx context.Context, sessionId, playerId string, p *internal.UpdateLinesPayload) error {
	ls, err := g.lookup(sessionId)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, round := ls.session.RoundById(p.RoundId)
	if round == nil {
		return fmt.Errorf("update lines: %w", ErrRoundNotFound)
	}
	if round.DrawerId != playerId {
		return fmt.Errorf("update lines by %s: %w", playerId, ErrNotDrawer)
	}
	if round.Status != internal.RoundOngoing {
		return nil // round moved on, stale update
	}
	round.Lines = p.Lines
	return nil
}

// UpdateDrawArea stores and fans out the drawer's canvas dimensions so
// guessers can scale strokes correctly.
func (g *Registry) UpdateDrawArea(ctx context.Context, sessionId, playerId string, p *internal.UpdateDrawAreaPayload) error {
	ls, err := g.lookup(sessionId)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	_, round := ls.session.RoundById(p.RoundId)
	if round == nil {
		ls.mu.Unlock()
		return fmt.Errorf("update drawarea: %w", ErrRoundNotFound)
	}
	if round.DrawerId != playerId {
		ls.mu.Unlock()
		return fmt.Errorf("update drawarea by %s: %w", playerId, ErrNotDrawer)
	}
	size := p.Size
	round.DrawAreaSize = &size

	events := []internal.ServerEvent{}
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId:      round.Id,
		DrawAreaSize: &size,
	}); err == nil {
		events = append(events, evt)
	}
	ls.mu.Unlock()

	g.send(sessionId, events)
	return nil
}

// revealHint appends one new, previously-unrevealed, non-space letter
// index, stopping before the minimum hidden letters would be violated.
func (g *Registry) revealHint(ls *liveSession, roundId string) {
	ls.mu.Lock()
	sessionId := ls.session.Id
	_, round := ls.session.RoundById(roundId)
	if round == nil || round.Status != internal.RoundOngoing || round.Word == nil {
		g.sched.Cancel(hintKey(roundId))
		ls.mu.Unlock()
		return
	}

	word := *round.Word
	if len(round.Hints) >= internal.MaxHints(word) {
		g.sched.Cancel(hintKey(roundId))
		ls.mu.Unlock()
		return
	}

	idx, ok := pickHintIndex(word, round.Hints, ls.rng)
	if !ok {
		g.sched.Cancel(hintKey(roundId))
		ls.mu.Unlock()
		return
	}
	round.Hints = append(round.Hints, idx)

	var events []internal.ServerEvent
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId: round.Id,
		Hints:   round.Hints,
	}); err == nil {
		events = append(events, evt)
	}
	ls.mu.Unlock()

	g.send(sessionId, events)
}

// forceCompleteRound is the draw timer's path: complete the round no
// matter how many answered.
func (g *Registry) forceCompleteRound(ls *liveSession, roundId string) {
	ls.mu.Lock()
	sessionId := ls.session.Id
	team, round := ls.session.RoundById(roundId)
	if round == nil || round.Status != internal.RoundOngoing {
		ls.mu.Unlock()
		return
	}
	events, completion := g.completeRoundLocked(ls, team, round)
	ls.mu.Unlock()

	g.send(sessionId, events)
	g.afterCompletion(sessionId, ls, completion)
}

type completionResult struct {
	roundId string
	results []*internal.PlayerResult
}

// completeRoundLocked is the single transition out of ONGOING. It cancels
// the round's timers in the same critical section that changes status, so
// the transition can only ever run once per round.
func (g *Registry) completeRoundLocked(ls *liveSession, team *internal.Team, round *internal.Round) ([]internal.ServerEvent, *completionResult) {
	g.sched.Cancel(drawKey(round.Id))
	g.sched.Cancel(hintKey(round.Id))
	g.sched.Cancel(choiceKey(round.Id))

	var results []*internal.PlayerResult
	if round.Word != nil && round.StartTime != nil {
		results = Score(team.Players, round.Messages, *round.StartTime, ls.session.DrawTime, *round.Word, round.DrawerId)
		for _, res := range results {
			res.Player.Result += res.RoundResult
		}
	}

	round.Status = internal.RoundShowResult
	if len(round.Lines) > 0 {
		ls.drawings[round.Id] = round.Lines
	}

	roundId := round.Id
	g.sched.Schedule(resultKey(roundId), g.timings.ResultDisplayDelay, func() {
		g.finishRound(ls, roundId)
	})

	var events []internal.ServerEvent
	status := round.Status
	// Leaving ONGOING also reveals the word to everyone.
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId: round.Id,
		Status:  &status,
		Word:    round.Word,
	}); err == nil {
		events = append(events, evt)
	}
	if evt, err := internal.NewServerEvent(internal.EventShowResult, internal.ShowResultPayload{
		RoundId: round.Id,
		Results: results,
	}); err == nil {
		events = append(events, evt)
	}
	return events, &completionResult{roundId: round.Id, results: results}
}

// afterCompletion does the I/O a completion entails, outside the session
// lock: score persistence and a fresh snapshot. Persistence failures are
// logged and never touch in-memory state.
func (g *Registry) afterCompletion(sessionId string, ls *liveSession, c *completionResult) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(c.results) > 0 {
		if err := g.results.SaveRoundResults(ctx, sessionId, c.roundId, c.results); err != nil {
			g.log.Error().Err(err).Str("session", sessionId).Str("round", c.roundId).Msg("round results not persisted")
		}
	}
	if err := g.persist(ctx, ls); err != nil {
		g.log.Error().Err(err).Str("session", sessionId).Msg("snapshot after completion failed")
	}
}

// finishRound runs after the result display delay: clears per-round
// transient data and advances to the next round or completes the session.
func (g *Registry) finishRound(ls *liveSession, roundId string) {
	ls.mu.Lock()
	sessionId := ls.session.Id
	team, round := ls.session.RoundById(roundId)
	if round == nil || round.Status != internal.RoundShowResult {
		ls.mu.Unlock()
		return
	}

	// Messages and lines are transient; the durable copy of results is
	// already written and the drawings are held for the artifact sink.
	round.Messages = nil
	round.Lines = nil
	round.Status = internal.RoundCompleted

	var events []internal.ServerEvent
	var direct []directEvent
	status := round.Status
	if evt, err := internal.NewServerEvent(internal.EventUpdatePartialRound, internal.PartialRoundPayload{
		RoundId: round.Id,
		Status:  &status,
	}); err == nil {
		events = append(events, evt)
	}

	sessionDone := false
	if next := team.CurrentRound(); next != nil {
		evts, d := g.beginWordChoiceLocked(ls, next)
		events = append(events, evts...)
		direct = append(direct, d...)
	} else if allTeamsDone(ls.session) {
		ls.session.Status = internal.SessionCompleted
		sessionDone = true
		if evt, err := internal.NewServerEvent(internal.EventData, ls.session); err == nil {
			events = append(events, evt)
		}
	}
	ls.mu.Unlock()

	g.send(sessionId, events)
	g.sendDirect(direct)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.persist(ctx, ls); err != nil {
		g.log.Error().Err(err).Str("session", sessionId).Msg("snapshot after round advance failed")
	}

	if sessionDone {
		g.completeSession(ctx, sessionId, ls)
	}
}

// completeSession uploads the collected drawings and discards the live
// aggregate; the durable copy stays in the snapshot store.
func (g *Registry) completeSession(ctx context.Context, sessionId string, ls *liveSession) {
	ls.mu.Lock()
	drawings := ls.drawings
	ls.drawings = make(map[string][]*internal.Line)
	ls.mu.Unlock()

	if len(drawings) > 0 {
		if err := g.artifacts.UploadDrawings(ctx, sessionId, drawings); err != nil {
			g.log.Error().Err(err).Str("session", sessionId).Msg("artifact upload failed")
		}
	}

	g.mu.Lock()
	delete(g.sessions, sessionId)
	g.mu.Unlock()
	g.log.Info().Str("session", sessionId).Msg("session completed")
}

// resolveRound finds the round a message belongs to: explicit round id
// first, then the author's team's current round.
func (g *Registry) resolveRound(ls *liveSession, playerId, roundId string) (*internal.Team, *internal.Round) {
	if roundId != "" {
		if team, round := ls.session.RoundById(roundId); round != nil {
			return team, round
		}
	}
	if team := ls.session.TeamOfPlayer(playerId); team != nil {
		return team, team.CurrentRound()
	}
	return nil, nil
}

func pickHintIndex(word string, revealed []int, rng *rand.Rand) (int, bool) {
	taken := make(map[int]bool, len(revealed))
	for _, i := range revealed {
		taken[i] = true
	}
	candidates := make([]int, 0, len(word))
	for i, ch := range []rune(word) {
		if ch == ' ' || taken[i] {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rng.Intn(len(candidates))], true
}

func allTeamsDone(s *internal.Session) bool {
	for _, t := range s.Teams {
		if t.CurrentRound() != nil {
			return false
		}
	}
	return true
}

func containsWord(words []string, w string) bool {
	for _, c := range words {
		if c == w {
			return true
		}
	}
	return false
}
