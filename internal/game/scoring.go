package game

import (
	"math"
	"sort"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

const wrongGuessPenalty = 50

// Score computes per-round point awards. Pure: same inputs, same ranked
// output, no side effects.
//
// Non-drawers earn points for their first correct guess on a linear decay
// from ~1000 (instant) to ~0 (at the draw timer), minus a flat penalty per
// other DEFAULT message. Later messages that repeat the correct word are
// ignored outright. The drawer's score derives from the team total, with
// the aggregate clamped at zero before division; individual results may
// stay negative.
func Score(players []*internal.Player, messages []*internal.Message, startTime int64, drawTime int, word, drawerId string) []*internal.PlayerResult {
	results := make([]*internal.PlayerResult, 0, len(players))

	teamSum := 0
	var drawerResult *internal.PlayerResult
	for _, p := range players {
		res := &internal.PlayerResult{Player: p}
		results = append(results, res)
		if p.Id == drawerId {
			drawerResult = res
			continue
		}
		res.RoundResult = playerResult(messages, p.Id, startTime, drawTime, word)
		teamSum += res.RoundResult
	}

	if teamSum < 0 {
		teamSum = 0
	}

	if drawerResult != nil {
		if len(players) == 2 {
			if anyoneGuessed(messages, word, drawerId) {
				drawerResult.RoundResult = 500
			} else {
				drawerResult.RoundResult = teamSum
			}
		} else if len(players) > 2 {
			drawerResult.RoundResult = int(math.Ceil(float64(teamSum) / float64(len(players)-1)))
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RoundResult > results[j].RoundResult
	})
	return results
}

// playerResult scans one player's DEFAULT messages in order: the first
// correct guess earns the decayed award, every non-matching one costs the
// flat penalty, and repeated correct text after the first is ignored.
func playerResult(messages []*internal.Message, playerId string, startTime int64, drawTime int, word string) int {
	total := 0
	guessed := false
	for _, m := range messages {
		if m.AuthorId != playerId || m.Type != internal.MessageDefault {
			continue
		}
		if internal.MatchesWord(word, m.Text) {
			if !guessed {
				guessed = true
				total += guessPoints(startTime, drawTime, m.CreatedAt)
			}
			continue
		}
		total -= wrongGuessPenalty
	}
	return total
}

// guessPoints is the linear decay award: remaining round time scaled to a
// 0..1000 range, rounded up.
func guessPoints(startTime int64, drawTime int, guessedAt int64) int {
	remainingMs := startTime + int64(drawTime)*1000 - guessedAt
	return int(math.Ceil(float64(remainingMs) / 1000 / float64(drawTime) * 1000))
}

func anyoneGuessed(messages []*internal.Message, word, drawerId string) bool {
	for _, m := range messages {
		if m.Type == internal.MessageDefault && m.AuthorId != drawerId && internal.MatchesWord(word, m.Text) {
			return true
		}
	}
	return false
}
