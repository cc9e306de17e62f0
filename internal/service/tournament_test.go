package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pong-tournament/internal/bracket"
	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/service"
	"github.com/pong-tournament/internal/sqlite"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Notify(_ context.Context, e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(kind domain.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *service.TournamentService
	repo   *sqlite.Repository
	events *recorder
}

func newFixture(t *testing.T, mutate ...func(*config.TournamentConfig)) *fixture {
	t.Helper()
	return newFixtureAt(t, ":memory:", mutate...)
}

// newFixtureAt opens its own connection to path, so two fixtures on one
// file behave like two server instances sharing a database
func newFixtureAt(t *testing.T, path string, mutate ...func(*config.TournamentConfig)) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := sqlite.NewRepository(path, logger)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(context.Background()))
	t.Cleanup(func() { repo.Close() })

	cfg := &config.TournamentConfig{
		DefaultCapacity:  4,
		MinCapacity:      4,
		MaxCapacity:      64,
		ByePolicy:        "advance",
		RoundAdvancement: "elimination",
	}
	for _, m := range mutate {
		m(cfg)
	}

	policy, err := bracket.ParseByePolicy(cfg.ByePolicy)
	require.NoError(t, err)
	gen := bracket.NewGenerator(bracket.NewSeededShuffler(1), policy)

	events := &recorder{}
	svc := service.NewTournamentService(repo, gen, cfg, events, logger)
	return &fixture{svc: svc, repo: repo, events: events}
}

func (f *fixture) create(t *testing.T, name string, capacity int, creator int64) *domain.Tournament {
	t.Helper()
	tournament, err := f.svc.CreateTournament(context.Background(), domain.CreateTournamentRequest{
		Name:            name,
		MaxParticipants: capacity,
	}, creator)
	require.NoError(t, err)
	return tournament
}

func (f *fixture) join(t *testing.T, tournamentID int64, users ...int64) *service.JoinResult {
	t.Helper()
	var res *service.JoinResult
	for _, u := range users {
		var err error
		res, err = f.svc.Join(context.Background(), tournamentID, u, "player")
		require.NoError(t, err)
	}
	return res
}

func (f *fixture) complete(t *testing.T, m domain.Match, winner int64) *service.MatchOutcome {
	t.Helper()
	out, err := f.svc.CompleteMatch(context.Background(), service.MatchReport{
		MatchID:      m.ID,
		WinnerID:     winner,
		Player1Score: 11,
		Player2Score: 7,
	})
	require.NoError(t, err)
	return out
}

func pendingMatches(t *testing.T, f *fixture, tournamentID int64) []domain.Match {
	t.Helper()
	id := tournamentID
	matches, err := f.svc.Bracket(context.Background(), &id)
	require.NoError(t, err)
	var pending []domain.Match
	for _, m := range matches {
		if !m.Decided() {
			pending = append(pending, m)
		}
	}
	return pending
}

func TestCyberCupScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cup := f.create(t, "Cyber Cup", 0, 100)
	assert.Equal(t, 4, cup.MaxParticipants)

	res := f.join(t, cup.ID, 1, 2, 3)
	assert.Equal(t, 3, res.Count)
	assert.False(t, res.Started)

	got, err := f.svc.Tournament(ctx, cup.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistration, got.Status)

	res = f.join(t, cup.ID, 4)
	assert.Equal(t, 4, res.Count)
	assert.True(t, res.Started)

	got, err = f.svc.Tournament(ctx, cup.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.NotNil(t, got.StartDate)

	matches, err := f.svc.Bracket(ctx, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	seen := map[int64]int{}
	for _, m := range matches {
		assert.Equal(t, 1, m.Round)
		require.NotNil(t, m.Player1ID)
		require.NotNil(t, m.Player2ID)
		seen[*m.Player1ID]++
		seen[*m.Player2ID]++
	}
	assert.Equal(t, map[int64]int{1: 1, 2: 1, 3: 1, 4: 1}, seen)

	assert.Equal(t, []domain.EventKind{
		domain.EventCreated,
		domain.EventPlayerJoined, domain.EventPlayerJoined, domain.EventPlayerJoined, domain.EventPlayerJoined,
		domain.EventStarted,
	}, f.events.kinds())
}

func TestJoin_ConcurrentNeverExceedsCapacity(t *testing.T) {
	f := newFixture(t)
	cup := f.create(t, "Rush", 4, 100)

	const players = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		started  int
	)
	for i := 1; i <= players; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			res, err := f.svc.Join(context.Background(), cup.ID, uid, "p")
			if err != nil {
				assert.True(t, errors.Is(err, domain.ErrNotJoinable) || errors.Is(err, domain.ErrTournamentFull), "unexpected error %v", err)
				return
			}
			mu.Lock()
			admitted++
			if res.Started {
				started++
			}
			mu.Unlock()
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 4, admitted)
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, f.events.count(domain.EventStarted))

	n, err := f.svc.CountParticipants(context.Background(), cup.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	id := cup.ID
	matches, err := f.svc.Bracket(context.Background(), &id)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestJoin_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("already joined", func(t *testing.T) {
		f := newFixture(t)
		cup := f.create(t, "Cup", 4, 100)
		f.join(t, cup.ID, 1)

		_, err := f.svc.Join(ctx, cup.ID, 1, "p")
		assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
		assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))

		n, _ := f.svc.CountParticipants(ctx, cup.ID)
		assert.Equal(t, 1, n)
	})

	t.Run("in progress", func(t *testing.T) {
		f := newFixture(t)
		cup := f.create(t, "Cup", 4, 100)
		f.join(t, cup.ID, 1, 2, 3, 4)

		_, err := f.svc.Join(ctx, cup.ID, 5, "p")
		assert.ErrorIs(t, err, domain.ErrNotJoinable)
		assert.Equal(t, "tournament is not open for registration", domain.PublicMessage(err))

		ok, err := f.svc.IsParticipant(ctx, cup.ID, 5)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t)
		cup := f.create(t, "Cup", 4, 100)
		for uid := int64(1); uid <= 4; uid++ {
			require.NoError(t, f.repo.AddParticipant(ctx, &domain.Participant{TournamentID: cup.ID, UserID: uid}))
		}

		_, err := f.svc.Join(ctx, cup.ID, 9, "p")
		assert.ErrorIs(t, err, domain.ErrTournamentFull)

		n, _ := f.svc.CountParticipants(ctx, cup.ID)
		assert.Equal(t, 4, n)
	})

	t.Run("unknown tournament", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Join(ctx, 404, 1, "p")
		assert.True(t, domain.IsNotFoundError(err))
	})
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cup := f.create(t, "Cup", 4, 100)
	f.join(t, cup.ID, 1, 2)

	before, err := f.svc.Participants(ctx, cup.ID)
	require.NoError(t, err)

	res, err := f.svc.Leave(ctx, cup.ID, 42)
	require.NoError(t, err)
	assert.False(t, res.Left)
	assert.Equal(t, 2, res.Count)

	after, err := f.svc.Participants(ctx, cup.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, f.events.count(domain.EventPlayerLeft))

	res, err = f.svc.Leave(ctx, cup.ID, 2)
	require.NoError(t, err)
	assert.True(t, res.Left)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, f.events.count(domain.EventPlayerLeft))

	f.join(t, cup.ID, 2, 3, 4)
	_, err = f.svc.Leave(ctx, cup.ID, 1)
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cup := f.create(t, "Cup", 8, 100)
	f.join(t, cup.ID, 1)

	_, _, err := f.svc.Start(ctx, cup.ID, 1)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.KindPermission, domain.KindOf(err))

	_, _, err = f.svc.Start(ctx, cup.ID, 100)
	assert.ErrorIs(t, err, domain.ErrInsufficientParticipants)

	f.join(t, cup.ID, 2, 3)
	started, matches, err := f.svc.Start(ctx, cup.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, started.Status)
	require.Len(t, matches, 2)
	assert.True(t, matches[1].IsBye)

	_, _, err = f.svc.Start(ctx, cup.ID, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCreate_SingleActiveTournament(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "First", 4, 1)

	_, err := f.svc.CreateTournament(ctx, domain.CreateTournamentRequest{Name: "Second"}, 2)
	assert.ErrorIs(t, err, domain.ErrActiveTournamentExists)

	_, err = f.svc.CreateTournament(ctx, domain.CreateTournamentRequest{Name: "Big", MaxParticipants: 65}, 2)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCreate_CapacityRangeFromConfig(t *testing.T) {
	f := newFixture(t, func(c *config.TournamentConfig) {
		c.MinCapacity = 2
		c.MaxCapacity = 8
	})
	ctx := context.Background()

	_, err := f.svc.CreateTournament(ctx, domain.CreateTournamentRequest{Name: "Huge", MaxParticipants: 16}, 1)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "max_participants", ve.Field)
	assert.Contains(t, ve.Message, "between 2 and 8")

	duel := f.create(t, "Duel", 2, 1)
	assert.Equal(t, 2, duel.MaxParticipants)
}

func TestCompleteMatch_SingleRound(t *testing.T) {
	f := newFixture(t, func(c *config.TournamentConfig) { c.RoundAdvancement = "single_round" })
	ctx := context.Background()
	cup := f.create(t, "Cup", 4, 100)
	f.join(t, cup.ID, 1, 2, 3, 4)

	pending := pendingMatches(t, f, cup.ID)
	require.Len(t, pending, 2)

	out := f.complete(t, pending[0], *pending[0].Player1ID)
	assert.False(t, out.Completed)
	got, _ := f.svc.Tournament(ctx, cup.ID)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Nil(t, got.EndDate)

	out = f.complete(t, pending[1], *pending[1].Player2ID)
	assert.True(t, out.Completed)
	assert.Empty(t, out.NextRound)

	got, _ = f.svc.Tournament(ctx, cup.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.NotNil(t, got.EndDate)

	active, err := f.svc.ActiveTournamentID(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestCompleteMatch_EliminationCrownsChampion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cup := f.create(t, "Cup", 4, 100)
	f.join(t, cup.ID, 1, 2, 3, 4)

	semis := pendingMatches(t, f, cup.ID)
	require.Len(t, semis, 2)
	f.complete(t, semis[0], *semis[0].Player1ID)
	out := f.complete(t, semis[1], *semis[1].Player1ID)
	require.Len(t, out.NextRound, 1)
	assert.False(t, out.Completed)

	final := out.NextRound[0]
	assert.Equal(t, 2, final.Round)
	assert.Equal(t, *semis[0].Player1ID, *final.Player1ID)
	assert.Equal(t, *semis[1].Player1ID, *final.Player2ID)

	out = f.complete(t, final, *final.Player2ID)
	assert.True(t, out.Completed)
	require.NotNil(t, out.ChampionID)
	assert.Equal(t, *final.Player2ID, *out.ChampionID)

	participants, err := f.svc.Participants(ctx, cup.ID)
	require.NoError(t, err)
	placements := map[int64]int{}
	for _, p := range participants {
		require.NotNil(t, p.Placement, "user %d", p.UserID)
		placements[p.UserID] = *p.Placement
	}
	assert.Equal(t, 1, placements[*final.Player2ID])
	assert.Equal(t, 2, placements[*final.Player1ID])
	assert.Equal(t, 3, placements[*semis[0].Player2ID])
	assert.Equal(t, 3, placements[*semis[1].Player2ID])

	assert.Equal(t, 1, f.events.count(domain.EventCompleted))
	assert.Equal(t, 3, f.events.count(domain.EventMatchCompleted))
}

func TestCompleteMatch_OddFieldAdvancesBye(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cup := f.create(t, "Odd", 8, 100)
	f.join(t, cup.ID, 1, 2, 3, 4, 5)
	_, round1, err := f.svc.Start(ctx, cup.ID, 100)
	require.NoError(t, err)
	require.Len(t, round1, 3)

	rounds := 0
	for {
		pending := pendingMatches(t, f, cup.ID)
		if len(pending) == 0 {
			break
		}
		rounds++
		require.LessOrEqual(t, rounds, 5)
		for _, m := range pending {
			f.complete(t, m, *m.Player1ID)
		}
	}

	got, err := f.svc.Tournament(ctx, cup.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	id := cup.ID
	matches, err := f.svc.Bracket(ctx, &id)
	require.NoError(t, err)
	last := 0
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Round, last)
		last = m.Round
	}
	assert.Equal(t, 3, last)
}

func TestCompleteMatch_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cup := f.create(t, "Cup", 4, 100)
	f.join(t, cup.ID, 1, 2, 3, 4)
	m := pendingMatches(t, f, cup.ID)[0]

	_, err := f.svc.CompleteMatch(ctx, service.MatchReport{MatchID: m.ID, WinnerID: 999})
	assert.ErrorIs(t, err, domain.ErrInvalidWinner)

	outsider := int64(77)
	_, err = f.svc.CompleteMatch(ctx, service.MatchReport{MatchID: m.ID, WinnerID: *m.Player1ID, ReportedBy: &outsider})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.CompleteMatch(ctx, service.MatchReport{MatchID: m.ID, WinnerID: *m.Player1ID, Player1Score: -1})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	creator := int64(100)
	_, err = f.svc.CompleteMatch(ctx, service.MatchReport{MatchID: m.ID, WinnerID: *m.Player1ID, ReportedBy: &creator})
	require.NoError(t, err)

	_, err = f.svc.CompleteMatch(ctx, service.MatchReport{MatchID: m.ID, WinnerID: *m.Player2ID})
	assert.ErrorIs(t, err, domain.ErrMatchAlreadyDecided)

	_, err = f.svc.CompleteMatch(ctx, service.MatchReport{MatchID: 4040, WinnerID: 1})
	assert.ErrorIs(t, err, domain.ErrMatchNotFound)
}

func TestDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Details(ctx, nil, 1)
	require.NoError(t, err)
	assert.Nil(t, details.Tournament)
	assert.Equal(t, domain.ParticipantSpectator, details.Status)

	bracketMatches, err := f.svc.Bracket(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, bracketMatches)

	cup := f.create(t, "Cup", 4, 100)
	f.join(t, cup.ID, 1, 2, 3)

	details, err = f.svc.Details(ctx, nil, 1)
	require.NoError(t, err)
	require.NotNil(t, details.Tournament)
	assert.True(t, details.IsParticipant)
	assert.Equal(t, domain.ParticipantActive, details.Status)

	details, err = f.svc.Details(ctx, nil, 50)
	require.NoError(t, err)
	assert.False(t, details.IsParticipant)
	assert.Equal(t, domain.ParticipantSpectator, details.Status)

	f.join(t, cup.ID, 4)
	m := pendingMatches(t, f, cup.ID)[0]
	f.complete(t, m, *m.Player1ID)

	details, err = f.svc.Details(ctx, nil, *m.Player2ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantEliminated, details.Status)

	missing := int64(9999)
	_, err = f.svc.Details(ctx, &missing, 1)
	assert.ErrorIs(t, err, domain.ErrTournamentNotFound)
}

func TestDetails_DroppedPlayerIsEliminatedOnceCompleted(t *testing.T) {
	f := newFixture(t, func(c *config.TournamentConfig) { c.ByePolicy = "drop" })
	ctx := context.Background()
	cup := f.create(t, "Trio", 4, 100)
	f.join(t, cup.ID, 1, 2, 3)
	_, round1, err := f.svc.Start(ctx, cup.ID, 100)
	require.NoError(t, err)
	require.Len(t, round1, 1)

	paired := map[int64]bool{*round1[0].Player1ID: true, *round1[0].Player2ID: true}
	var dropped int64
	for _, u := range []int64{1, 2, 3} {
		if !paired[u] {
			dropped = u
		}
	}
	require.NotZero(t, dropped)

	out := f.complete(t, round1[0], *round1[0].Player1ID)
	require.True(t, out.Completed)

	id := cup.ID
	details, err := f.svc.Details(ctx, &id, dropped)
	require.NoError(t, err)
	assert.True(t, details.IsParticipant)
	assert.Equal(t, domain.ParticipantEliminated, details.Status)

	details, err = f.svc.Details(ctx, &id, *round1[0].Player1ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantActive, details.Status)
}

func TestActiveTournamentID_FollowsOtherInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pong.db")
	a := newFixtureAt(t, path)
	b := newFixtureAt(t, path)
	ctx := context.Background()

	first := a.create(t, "First", 4, 100)
	id, err := b.svc.ActiveTournamentID(ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, first.ID, *id)

	a.join(t, first.ID, 1, 2, 3, 4)
	for {
		pending := pendingMatches(t, a, first.ID)
		if len(pending) == 0 {
			break
		}
		for _, m := range pending {
			a.complete(t, m, *m.Player1ID)
		}
	}

	id, err = b.svc.ActiveTournamentID(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)

	second := a.create(t, "Second", 4, 100)
	id, err = b.svc.ActiveTournamentID(ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, second.ID, *id)

	res, err := b.svc.Join(ctx, second.ID, 7, "player")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Cup", 4, 100)

	tournaments, total, err := f.svc.List(ctx, domain.TournamentFilter{})
	require.NoError(t, err)
	assert.Len(t, tournaments, 1)
	assert.Equal(t, 1, total)

	_, _, err = f.svc.List(ctx, domain.TournamentFilter{Limit: 51})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, _, err = f.svc.List(ctx, domain.TournamentFilter{Status: "paused"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestStartDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	cup, err := f.svc.CreateTournament(ctx, domain.CreateTournamentRequest{Name: "Scheduled", MaxParticipants: 8, StartDate: &past}, 100)
	require.NoError(t, err)
	f.join(t, cup.ID, 1)

	n, err := f.svc.StartDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.join(t, cup.ID, 2)
	n, err = f.svc.StartDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Tournament(ctx, cup.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}
