// Package bracket builds single-elimination pairings.
package bracket

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pong-tournament/internal/domain"
)

// ByePolicy decides what happens to the unpaired participant of an odd round
type ByePolicy string

const (
	// ByeAdvance records a decided bye match and carries the participant into the next round
	ByeAdvance ByePolicy = "advance"
	// ByeDrop leaves the participant without a match
	ByeDrop ByePolicy = "drop"
)

// ParseByePolicy validates a configured policy name
func ParseByePolicy(s string) (ByePolicy, error) {
	switch ByePolicy(s) {
	case ByeAdvance, ByeDrop:
		return ByePolicy(s), nil
	case "":
		return ByeAdvance, nil
	}
	return "", fmt.Errorf("unknown bye policy %q", s)
}

// Shuffler reorders participant ids in place
type Shuffler interface {
	Shuffle(ids []int64)
}

// RandomShuffler performs a uniform Fisher-Yates shuffle
type RandomShuffler struct{}

func (RandomShuffler) Shuffle(ids []int64) {
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// SeededShuffler produces the same order for the same seed and input
type SeededShuffler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededShuffler creates a deterministic shuffler
func NewSeededShuffler(seed uint64) *SeededShuffler {
	return &SeededShuffler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SeededShuffler) Shuffle(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// Round is the pairing of one bracket round
type Round struct {
	Pairings [][2]int64
	Bye      *int64
}

// Entrants returns how many participants took part in the round
func (r Round) Entrants() int {
	n := len(r.Pairings) * 2
	if r.Bye != nil {
		n++
	}
	return n
}

// Generator produces bracket rounds
type Generator struct {
	shuffler Shuffler
	policy   ByePolicy
}

// NewGenerator creates a generator. A nil shuffler means RandomShuffler.
func NewGenerator(shuffler Shuffler, policy ByePolicy) *Generator {
	if shuffler == nil {
		shuffler = RandomShuffler{}
	}
	if policy == "" {
		policy = ByeAdvance
	}
	return &Generator{shuffler: shuffler, policy: policy}
}

// FirstRound shuffles the participants and pairs them consecutively
func (g *Generator) FirstRound(participants []int64) Round {
	ids := make([]int64, len(participants))
	copy(ids, participants)
	g.shuffler.Shuffle(ids)
	return pair(ids)
}

// NextRound pairs the survivors of the previous round in bracket order
func (g *Generator) NextRound(survivors []int64) Round {
	ids := make([]int64, len(survivors))
	copy(ids, survivors)
	return pair(ids)
}

func pair(ids []int64) Round {
	var r Round
	r.Pairings = make([][2]int64, 0, len(ids)/2)
	for i := 0; i+1 < len(ids); i += 2 {
		r.Pairings = append(r.Pairings, [2]int64{ids[i], ids[i+1]})
	}
	if len(ids)%2 == 1 {
		bye := ids[len(ids)-1]
		r.Bye = &bye
	}
	return r
}

// Matches converts a round into match rows. Under ByeAdvance the bye
// becomes an already-decided match so it shows up in the bracket.
func (g *Generator) Matches(tournamentID int64, round int, r Round, now time.Time) []domain.Match {
	matches := make([]domain.Match, 0, len(r.Pairings)+1)
	for _, p := range r.Pairings {
		p1, p2 := p[0], p[1]
		matches = append(matches, domain.Match{
			TournamentID: tournamentID,
			Round:        round,
			Player1ID:    &p1,
			Player2ID:    &p2,
		})
	}
	if r.Bye != nil && g.policy == ByeAdvance {
		bye := *r.Bye
		winner := bye
		playedAt := now
		matches = append(matches, domain.Match{
			TournamentID: tournamentID,
			Round:        round,
			Player1ID:    &bye,
			WinnerID:     &winner,
			IsBye:        true,
			PlayedAt:     &playedAt,
		})
	}
	return matches
}

// Placement is the final position of a participant eliminated in a round
// that started with the given number of entrants. Half the entrants
// (rounded up) survive the round and rank above every loser.
func Placement(entrants int) int {
	return (entrants+1)/2 + 1
}
