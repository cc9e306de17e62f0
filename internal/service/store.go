package service

import (
	"context"
	"time"

	"github.com/pong-tournament/internal/domain"
)

// Queries is the data access surface used by the tournament service.
// Implementations return domain.ErrTournamentNotFound and
// domain.ErrMatchNotFound for missing rows and domain.ErrAlreadyJoined
// when the (tournament, user) uniqueness constraint rejects an insert.
type Queries interface {
	CreateTournament(ctx context.Context, t *domain.Tournament) error
	GetTournament(ctx context.Context, id int64) (*domain.Tournament, error)
	// LockTournament reads the tournament and holds a write lock on it
	// until the surrounding transaction ends.
	LockTournament(ctx context.Context, id int64) (*domain.Tournament, error)
	// ActiveTournament returns the tournament in registration or
	// in_progress, or domain.ErrTournamentNotFound.
	ActiveTournament(ctx context.Context) (*domain.Tournament, error)
	ListTournaments(ctx context.Context, filter domain.TournamentFilter) ([]domain.Tournament, error)
	CountTournaments(ctx context.Context, status domain.TournamentStatus) (int, error)
	// UpdateTournamentStatus stamps start_date when moving to in_progress
	// and end_date when moving to completed.
	UpdateTournamentStatus(ctx context.Context, id int64, status domain.TournamentStatus, at time.Time) error
	DueTournaments(ctx context.Context, now time.Time) ([]int64, error)

	AddParticipant(ctx context.Context, p *domain.Participant) error
	RemoveParticipant(ctx context.Context, tournamentID, userID int64) (bool, error)
	IsParticipant(ctx context.Context, tournamentID, userID int64) (bool, error)
	CountParticipants(ctx context.Context, tournamentID int64) (int, error)
	ListParticipants(ctx context.Context, tournamentID int64) ([]domain.Participant, error)
	SetPlacement(ctx context.Context, tournamentID, userID int64, placement int) error

	CreateMatches(ctx context.Context, matches []domain.Match) error
	GetMatch(ctx context.Context, id int64) (*domain.Match, error)
	LockMatch(ctx context.Context, id int64) (*domain.Match, error)
	RecordMatchResult(ctx context.Context, m *domain.Match) error
	// ListMatches orders by round, then insertion order.
	ListMatches(ctx context.Context, tournamentID int64) ([]domain.Match, error)
	CountPendingMatches(ctx context.Context, tournamentID int64) (int, error)
}

// Store is a Queries implementation that can run a function atomically
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}
