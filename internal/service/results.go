package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pong-tournament/internal/bracket"
	"github.com/pong-tournament/internal/domain"
)

// MatchReport is a finished match submitted for recording
type MatchReport struct {
	MatchID      int64
	WinnerID     int64
	Player1Score int
	Player2Score int
	// ReportedBy is the user submitting the result. Nil marks a trusted
	// system source such as a game server.
	ReportedBy *int64
	MatchData  json.RawMessage
}

// MatchOutcome describes the effect of a recorded result
type MatchOutcome struct {
	Match      *domain.Match
	NextRound  []domain.Match
	Completed  bool
	ChampionID *int64
}

// CompleteMatch records a match result. A winner, once set, is never
// overwritten. When the round is fully decided the configured
// advancement either pairs the next round or completes the tournament.
func (s *TournamentService) CompleteMatch(ctx context.Context, report MatchReport) (*MatchOutcome, error) {
	if report.Player1Score < 0 || report.Player2Score < 0 {
		return nil, &domain.ValidationError{Field: "score", Message: "scores must not be negative"}
	}

	m, err := s.store.GetMatch(ctx, report.MatchID)
	if err != nil {
		return nil, fmt.Errorf("getting match %d: %w", report.MatchID, err)
	}
	tournamentID := m.TournamentID

	unlock := s.locks.Lock(tournamentID)
	defer unlock()

	now := s.now()
	outcome := &MatchOutcome{}
	var events []domain.Event

	err = s.store.InTx(ctx, func(q Queries) error {
		t, err := q.LockTournament(ctx, tournamentID)
		if err != nil {
			return err
		}
		m, err := q.LockMatch(ctx, report.MatchID)
		if err != nil {
			return err
		}

		if t.Status != domain.StatusInProgress {
			return domain.ErrInvalidState
		}
		if m.Decided() {
			return domain.ErrMatchAlreadyDecided
		}
		if report.ReportedBy != nil && !m.HasPlayer(*report.ReportedBy) && *report.ReportedBy != t.CreatedBy {
			return domain.ErrForbidden
		}
		if !m.HasPlayer(report.WinnerID) || m.Player2ID == nil {
			return domain.ErrInvalidWinner
		}

		winner := report.WinnerID
		played := now
		m.WinnerID = &winner
		m.Player1Score = report.Player1Score
		m.Player2Score = report.Player2Score
		m.MatchData = report.MatchData
		m.PlayedAt = &played
		if err := q.RecordMatchResult(ctx, m); err != nil {
			return err
		}
		outcome.Match = m

		snapshot := *t
		events = append(events, domain.Event{
			Kind:         domain.EventMatchCompleted,
			TournamentID: t.ID,
			Tournament:   &snapshot,
			Count:        t.CurrentParticipants,
			Match:        m,
			OccurredAt:   now,
		})

		var done bool
		switch s.advancement() {
		case AdvanceSingleRound:
			done, err = s.allDecided(ctx, q, t)
		default:
			done, err = s.advanceElimination(ctx, q, t, m, now, outcome)
		}
		if err != nil || !done {
			return err
		}

		if err := q.UpdateTournamentStatus(ctx, t.ID, domain.StatusCompleted, now); err != nil {
			return err
		}
		t.Status = domain.StatusCompleted
		ended := now
		t.EndDate = &ended
		outcome.Completed = true

		final, err := q.ListMatches(ctx, t.ID)
		if err != nil {
			return err
		}
		events = append(events, domain.Event{
			Kind:         domain.EventCompleted,
			TournamentID: t.ID,
			Tournament:   t,
			Count:        t.CurrentParticipants,
			Bracket:      final,
			ChampionID:   outcome.ChampionID,
			OccurredAt:   now,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("completing match %d: %w", report.MatchID, err)
	}

	s.logger.Info("match completed",
		"tournament_id", tournamentID,
		"match_id", report.MatchID,
		"winner_id", report.WinnerID,
		"next_round_matches", len(outcome.NextRound),
		"tournament_completed", outcome.Completed,
	)
	if outcome.Completed {
		s.active.Clear(tournamentID)
	}
	s.publish(ctx, events)
	return outcome, nil
}

func (s *TournamentService) allDecided(ctx context.Context, q Queries, t *domain.Tournament) (bool, error) {
	pending, err := q.CountPendingMatches(ctx, t.ID)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

// advanceElimination places the loser of m and, once m's round is fully
// decided, either pairs the winners into the next round or crowns the
// last survivor. It reports whether the tournament is finished.
func (s *TournamentService) advanceElimination(
	ctx context.Context,
	q Queries,
	t *domain.Tournament,
	m *domain.Match,
	now time.Time,
	outcome *MatchOutcome,
) (bool, error) {
	matches, err := q.ListMatches(ctx, t.ID)
	if err != nil {
		return false, err
	}

	var (
		entrants  int
		survivors []int64
		pending   bool
	)
	for i := range matches {
		rm := &matches[i]
		if rm.Round != m.Round {
			continue
		}
		if rm.IsBye {
			entrants++
		} else {
			entrants += 2
		}
		if !rm.Decided() {
			pending = true
			continue
		}
		survivors = append(survivors, *rm.WinnerID)
	}

	if loser := m.Loser(); loser != nil {
		if err := q.SetPlacement(ctx, t.ID, *loser, bracket.Placement(entrants)); err != nil {
			return false, err
		}
	}
	if pending {
		return false, nil
	}

	if len(survivors) == 1 {
		champion := survivors[0]
		if err := q.SetPlacement(ctx, t.ID, champion, 1); err != nil {
			return false, err
		}
		outcome.ChampionID = &champion
		return true, nil
	}

	next := s.generator.NextRound(survivors)
	nextMatches := s.generator.Matches(t.ID, m.Round+1, next, now)
	if err := q.CreateMatches(ctx, nextMatches); err != nil {
		return false, err
	}
	outcome.NextRound = nextMatches
	return false, nil
}
