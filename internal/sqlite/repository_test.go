package sqlite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/service"
)

func setupTestDB(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "Failed to open in-memory DB")
	require.NoError(t, repo.RunMigrations(context.Background()), "Failed to apply migrations")

	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTournament(t *testing.T, repo *Repository, name string) *domain.Tournament {
	t.Helper()
	tournament := &domain.Tournament{Name: name, MaxParticipants: 4, CreatedBy: 1}
	require.NoError(t, repo.CreateTournament(context.Background(), tournament))
	return tournament
}

func TestRunMigrations_Idempotent(t *testing.T) {
	repo := setupTestDB(t)
	assert.NoError(t, repo.RunMigrations(context.Background()))
}

func TestTournament_CreateAndGet(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	desc := "friday night"
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	tournament := &domain.Tournament{Name: "Cyber Cup", Description: &desc, MaxParticipants: 8, CreatedBy: 3, StartDate: &start}
	require.NoError(t, repo.CreateTournament(ctx, tournament))
	require.NotZero(t, tournament.ID)

	got, err := repo.GetTournament(ctx, tournament.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cyber Cup", got.Name)
	assert.Equal(t, domain.StatusRegistration, got.Status)
	require.NotNil(t, got.Description)
	assert.Equal(t, desc, *got.Description)
	assert.Nil(t, got.Prize)
	require.NotNil(t, got.StartDate)
	assert.True(t, start.Equal(*got.StartDate))
	assert.Equal(t, 0, got.CurrentParticipants)

	_, err = repo.GetTournament(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrTournamentNotFound)
}

func TestTournament_OnlyOneLive(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	first := createTournament(t, repo, "First")
	err := repo.CreateTournament(ctx, &domain.Tournament{Name: "Second", MaxParticipants: 4, CreatedBy: 1})
	assert.ErrorIs(t, err, domain.ErrActiveTournamentExists)

	require.NoError(t, repo.UpdateTournamentStatus(ctx, first.ID, domain.StatusCompleted, time.Now()))
	createTournament(t, repo, "Second")
}

func TestParticipants(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	tournament := createTournament(t, repo, "Cup")

	require.NoError(t, repo.AddParticipant(ctx, &domain.Participant{TournamentID: tournament.ID, UserID: 10, Username: "alice"}))
	require.NoError(t, repo.AddParticipant(ctx, &domain.Participant{TournamentID: tournament.ID, UserID: 11, Username: "bob"}))

	err := repo.AddParticipant(ctx, &domain.Participant{TournamentID: tournament.ID, UserID: 10, Username: "alice"})
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)

	n, err := repo.CountParticipants(ctx, tournament.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := repo.IsParticipant(ctx, tournament.ID, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := repo.RemoveParticipant(ctx, tournament.ID, 99)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = repo.RemoveParticipant(ctx, tournament.ID, 11)
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, repo.SetPlacement(ctx, tournament.ID, 10, 1))
	participants, err := repo.ListParticipants(ctx, tournament.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "alice", participants[0].Username)
	require.NotNil(t, participants[0].Placement)
	assert.Equal(t, 1, *participants[0].Placement)

	got, err := repo.GetTournament(ctx, tournament.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentParticipants)
}

func TestMatches(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	tournament := createTournament(t, repo, "Cup")

	p1, p2, p3 := int64(1), int64(2), int64(3)
	now := time.Now()
	matches := []domain.Match{
		{TournamentID: tournament.ID, Round: 1, Player1ID: &p1, Player2ID: &p2},
		{TournamentID: tournament.ID, Round: 1, Player1ID: &p3, WinnerID: &p3, IsBye: true, PlayedAt: &now},
	}
	require.NoError(t, repo.CreateMatches(ctx, matches))
	require.NotZero(t, matches[0].ID)

	pending, err := repo.CountPendingMatches(ctx, tournament.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	m, err := repo.GetMatch(ctx, matches[0].ID)
	require.NoError(t, err)
	assert.False(t, m.Decided())
	assert.Nil(t, m.MatchData)

	m.WinnerID = &p2
	m.Player1Score, m.Player2Score = 3, 11
	m.PlayedAt = &now
	m.MatchData = json.RawMessage(`{"game_id":"g1"}`)
	require.NoError(t, repo.RecordMatchResult(ctx, m))
	assert.ErrorIs(t, repo.RecordMatchResult(ctx, m), domain.ErrMatchAlreadyDecided)

	list, err := repo.ListMatches(ctx, tournament.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, matches[0].ID, list[0].ID)
	assert.Equal(t, p2, *list[0].WinnerID)
	assert.Equal(t, 11, list[0].Player2Score)
	assert.JSONEq(t, `{"game_id":"g1"}`, string(list[0].MatchData))
	assert.True(t, list[1].IsBye)
	assert.Nil(t, list[1].Player2ID)

	_, err = repo.GetMatch(ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrMatchNotFound)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	tournament := createTournament(t, repo, "Cup")

	err := repo.InTx(ctx, func(q service.Queries) error {
		if err := q.AddParticipant(ctx, &domain.Participant{TournamentID: tournament.ID, UserID: 5}); err != nil {
			return err
		}
		return domain.ErrTournamentFull
	})
	assert.ErrorIs(t, err, domain.ErrTournamentFull)

	n, err := repo.CountParticipants(ctx, tournament.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDueTournaments(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	tournament := &domain.Tournament{Name: "Due", MaxParticipants: 4, CreatedBy: 1, StartDate: &past}
	require.NoError(t, repo.CreateTournament(ctx, tournament))

	ids, err := repo.DueTournaments(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []int64{tournament.ID}, ids)

	ids, err = repo.DueTournaments(ctx, past.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListAndCountTournaments(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"One", "Two", "Three"} {
		tournament := createTournament(t, repo, name)
		require.NoError(t, repo.UpdateTournamentStatus(ctx, tournament.ID, domain.StatusCompleted, time.Now()))
	}
	createTournament(t, repo, "Live")

	all, err := repo.ListTournaments(ctx, domain.TournamentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := repo.CountTournaments(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 3, completed)

	live, err := repo.ActiveTournament(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Live", live.Name)
}
