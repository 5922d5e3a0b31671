package internal

import (
	"strings"
	"unicode"
)

type SessionStatus string

const (
	SessionUpcoming  SessionStatus = "UPCOMING"
	SessionOngoing   SessionStatus = "ONGOING"
	SessionCompleted SessionStatus = "COMPLETED"
)

type RoundStatus string

const (
	RoundUpcoming   RoundStatus = "UPCOMING"
	RoundOngoing    RoundStatus = "ONGOING"
	RoundShowResult RoundStatus = "SHOW_RESULT"
	RoundCompleted  RoundStatus = "COMPLETED"
)

type MessageType string

const (
	MessageDefault MessageType = "DEFAULT"
	MessageLike    MessageType = "LIKE"
	MessageDislike MessageType = "DISLIKE"
)

// MinHiddenLetters is how many letters of the word must always stay
// unrevealed, no matter how many hint ticks fire.
const MinHiddenLetters = 3

// Session is one complete game instance. Teams, players and rounds are
// fixed at creation; only the field updates performed by the round state
// machine mutate it afterwards.
type Session struct {
	Id           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	DrawTime     int           `json:"drawTime"` // seconds
	HintsEnabled bool          `json:"hintsEnabled"`
	TotalRounds  int           `json:"totalRounds"`
	Teams        []*Team       `json:"teams"`
}

type Team struct {
	Id      string    `json:"id"`
	Players []*Player `json:"players"`
	Rounds  []*Round  `json:"rounds"`
}

type Player struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Index    int    `json:"index"`
	AvatarId string `json:"avatarId"`
	Result   int    `json:"result"`
}

// Round is one drawer-guesses-word cycle. StartTime and Word stay nil
// until the drawer (or the auto-pick timer) starts the round.
type Round struct {
	Id                  string           `json:"id"`
	Index               int              `json:"index"`
	Status              RoundStatus      `json:"status"`
	StartTime           *int64           `json:"startTime"` // unix ms
	DrawerId            string           `json:"drawerId"`
	Word                *string          `json:"word"`
	Messages            []*Message       `json:"messages"`
	Lines               []*Line          `json:"lines"`
	CorrectAnswers      map[string]int64 `json:"correctAnswers"` // playerId -> guess unix ms
	WordsForDraw        []string         `json:"wordsForDraw"`
	WordChoiceStartTime int64            `json:"wordChoiceStartTime"` // unix ms
	Hints               []int            `json:"hints"`               // revealed letter indices, append-only
	DrawAreaSize        *DrawAreaSize    `json:"drawAreaSize,omitempty"`
}

type Message struct {
	Id        string      `json:"id"`
	CreatedAt int64       `json:"createdAt"` // unix ms
	Text      string      `json:"text"`
	Type      MessageType `json:"type"`
	AuthorId  string      `json:"authorId"`
	RoundId   string      `json:"roundId"`
}

// Line is one free-form stroke. The live stroke stream flows peer-to-peer;
// the coordinator only keeps the periodically persisted state for late
// joiners and snapshots.
type Line struct {
	Id        string       `json:"id"`
	Tool      string       `json:"tool"`
	Color     string       `json:"color"`
	Thickness float64      `json:"thickness"`
	Points    [][2]float64 `json:"points"`
	RoundId   string       `json:"roundId"`
}

type DrawAreaSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PlayerResult annotates a player with the points awarded for one round.
type PlayerResult struct {
	Player      *Player `json:"player"`
	RoundResult int     `json:"roundResult"`
}

// SessionSeed is the external event/team/player data a Session is built
// from when the first lead player joins. It comes from the persistence
// collaborator, never from clients.
type SessionSeed struct {
	EventId      string     `json:"eventId"`
	DrawTime     int        `json:"drawTime"`
	HintsEnabled bool       `json:"hintsEnabled"`
	TotalRounds  int        `json:"totalRounds"`
	Teams        []TeamSeed `json:"teams"`
	Words        []string   `json:"words"`
}

type TeamSeed struct {
	Id      string       `json:"id"`
	Players []PlayerSeed `json:"players"`
}

type PlayerSeed struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Index    int    `json:"index"`
	AvatarId string `json:"avatarId"`
}

// CurrentRound returns the team's first non-completed round, or nil when
// the team is done. At most one round per team is ONGOING at any instant.
func (t *Team) CurrentRound() *Round {
	for _, r := range t.Rounds {
		if r.Status != RoundCompleted {
			return r
		}
	}
	return nil
}

func (t *Team) PlayerById(id string) *Player {
	for _, p := range t.Players {
		if p.Id == id {
			return p
		}
	}
	return nil
}

func (s *Session) RoundById(id string) (*Team, *Round) {
	for _, t := range s.Teams {
		for _, r := range t.Rounds {
			if r.Id == id {
				return t, r
			}
		}
	}
	return nil, nil
}

func (s *Session) TeamOfPlayer(playerId string) *Team {
	for _, t := range s.Teams {
		if t.PlayerById(playerId) != nil {
			return t
		}
	}
	return nil
}

func (r *Round) HasAnswered(playerId string) bool {
	_, ok := r.CorrectAnswers[playerId]
	return ok
}

// MaxHints is the number of letter indices that may ever be revealed:
// word length minus spaces, always leaving MinHiddenLetters hidden.
func MaxHints(word string) int {
	letters := 0
	for _, ch := range word {
		if !unicode.IsSpace(ch) {
			letters++
		}
	}
	n := letters - MinHiddenLetters
	if n < 0 {
		return 0
	}
	return n
}

// MatchesWord reports whether a guess hits the secret word, ignoring case
// and surrounding whitespace.
func MatchesWord(word, guess string) bool {
	return strings.EqualFold(strings.TrimSpace(word), strings.TrimSpace(guess))
}

// MaskWord is the guesser view of the secret word: every letter becomes
// an underscore while spaces keep their positions, so revealed hint
// indices line up with the real word.
func MaskWord(word string) string {
	out := []rune(word)
	for i, ch := range out {
		if !unicode.IsSpace(ch) {
			out[i] = '_'
		}
	}
	return string(out)
}
