package game

import (
	"math/rand"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

const wordsPerRound = 3

// defaultWords backs sessions whose seed carries no category word list.
var defaultWords = []string{
	"apple", "bicycle", "campfire", "dragon", "elephant", "firework",
	"guitar", "helicopter", "ice cream", "jellyfish", "kangaroo",
	"lighthouse", "mountain", "newspaper", "octopus", "parachute",
	"rainbow", "snowman", "telescope", "umbrella", "volcano",
	"waterfall", "xylophone", "sailboat", "pineapple", "scarecrow",
	"submarine", "treehouse", "windmill", "butterfly",
}

// dealWords assigns wordsPerRound shuffled candidates to each of n rounds,
// avoiding repeats until the pool is exhausted. Called once at session
// creation; the assignment never changes afterwards.
func dealWords(pool []string, n int, rng *rand.Rand) [][]string {
	if len(pool) == 0 {
		pool = defaultWords
	}
	shuffled := append([]string(nil), pool...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	deals := make([][]string, n)
	next := 0
	for i := range deals {
		deal := make([]string, 0, wordsPerRound)
		for len(deal) < wordsPerRound {
			if next == len(shuffled) {
				next = 0
			}
			deal = append(deal, shuffled[next])
			next++
		}
		deals[i] = deal
	}
	return deals
}

// maskedRound is the view of a round safe to fan out to guessers: the
// secret word becomes underscores and the candidate list is stripped.
// Finished rounds keep the real word, which is revealed with the results.
func maskedRound(r *internal.Round) *internal.Round {
	if r.Status != internal.RoundUpcoming && r.Status != internal.RoundOngoing {
		return r
	}
	out := *r
	if r.Word != nil {
		w := internal.MaskWord(*r.Word)
		out.Word = &w
	}
	out.WordsForDraw = nil
	return &out
}

// maskedSession applies maskedRound across the whole aggregate for
// session-wide snapshots.
func maskedSession(s *internal.Session) *internal.Session {
	out := *s
	out.Teams = make([]*internal.Team, len(s.Teams))
	for i, t := range s.Teams {
		mt := *t
		mt.Rounds = make([]*internal.Round, len(t.Rounds))
		for j, r := range t.Rounds {
			mt.Rounds[j] = maskedRound(r)
		}
		out.Teams[i] = &mt
	}
	return &out
}
