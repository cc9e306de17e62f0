package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pong-tournament/internal/auth"
	"github.com/pong-tournament/internal/bracket"
	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/service"
	"github.com/pong-tournament/internal/sqlite"
	"github.com/pong-tournament/internal/validate"
)

type fakeService struct {
	mu       sync.Mutex
	active   *int64
	created  []domain.CreateTournamentRequest
	joined   []int64
	left     []int64
	joinErr  error
	details  *domain.TournamentDetails
	brackets map[int64][]domain.Match
}

func (f *fakeService) CreateTournament(_ context.Context, req domain.CreateTournamentRequest, _ int64) (*domain.Tournament, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &domain.Tournament{ID: 1, Name: req.Name}, nil
}

func (f *fakeService) ResolveTournament(_ context.Context, explicitID *int64) (*int64, error) {
	if explicitID != nil {
		return explicitID, nil
	}
	return f.active, nil
}

func (f *fakeService) Join(_ context.Context, tournamentID, _ int64, _ string) (*service.JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joined = append(f.joined, tournamentID)
	return &service.JoinResult{Count: len(f.joined)}, nil
}

func (f *fakeService) Leave(_ context.Context, tournamentID, _ int64) (*service.LeaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, tournamentID)
	return &service.LeaveResult{}, nil
}

func (f *fakeService) Details(_ context.Context, explicitID *int64, _ int64) (*domain.TournamentDetails, error) {
	if f.details != nil {
		return f.details, nil
	}
	return &domain.TournamentDetails{Status: domain.ParticipantSpectator}, nil
}

func (f *fakeService) Bracket(_ context.Context, id *int64) ([]domain.Match, error) {
	return f.brackets[*id], nil
}

type routerFixture struct {
	svc    *fakeService
	router *Router
	logs   *bytes.Buffer
}

func newRouterFixture() *routerFixture {
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	svc := &fakeService{brackets: map[int64][]domain.Match{}}
	return &routerFixture{svc: svc, router: NewRouter(svc, validate.New(), logger), logs: logs}
}

func newTestClient(identity *auth.Identity) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(NewHub(logger), nil, nil, nil, logger)
	c.identity = identity
	return c
}

func (f *routerFixture) send(t *testing.T, c *Client, event, data string) {
	t.Helper()
	f.router.Handle(context.Background(), c, event, json.RawMessage(data))
}

func nextMessage(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message queued")
		return Message{}
	}
}

func noMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected message %s", raw)
	default:
	}
}

func errorText(t *testing.T, msg Message) string {
	t.Helper()
	require.Equal(t, MessageTypeTournament, msg.Type)
	require.Equal(t, EventError, msg.Event)
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	return body["message"]
}

var alice = &auth.Identity{UserID: 7, Username: "alice"}

func TestRouter_RequiresAuthentication(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(nil)

	f.send(t, c, EventJoin, `{}`)
	assert.Equal(t, "authentication required", errorText(t, nextMessage(t, c)))
	assert.Empty(t, f.svc.joined)
}

func TestRouter_InvalidUserIDFailsClosed(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(&auth.Identity{UserID: -3})

	f.send(t, c, EventCreate, `{"name":"Cyber Cup"}`)
	assert.Equal(t, "invalid request", errorText(t, nextMessage(t, c)))
	assert.Empty(t, f.svc.created)
	assert.Contains(t, f.logs.String(), `"security_rejection":true`)
}

func TestRouter_SQLInjectionRejectedBeforeService(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)

	f.send(t, c, EventCreate, `{"name":"x'; DROP TABLE tournaments; --"}`)
	assert.Equal(t, "invalid request", errorText(t, nextMessage(t, c)))
	assert.Empty(t, f.svc.created)

	logs := f.logs.String()
	assert.Contains(t, logs, `"security_rejection":true`)
	assert.Contains(t, logs, `"field":"name"`)
	assert.Contains(t, logs, `"event":"create"`)
}

func TestRouter_CreateSanitisesBeforeValidation(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)

	f.send(t, c, EventCreate, `{"name":"<b>Cyber Cup</b><script>x()</script>","max_participants":8}`)
	noMessage(t, c)
	require.Len(t, f.svc.created, 1)
	assert.Equal(t, "Cyber Cup", f.svc.created[0].Name)
	assert.Equal(t, 8, f.svc.created[0].MaxParticipants)

	f.send(t, c, EventCreate, `{"name":"ab"}`)
	assert.Equal(t, "name: must be at least 3 characters", errorText(t, nextMessage(t, c)))

	f.send(t, c, EventCreate, `{"name":"Cup","max_participants":"lots"}`)
	assert.Contains(t, errorText(t, nextMessage(t, c)), "wrong type")
}

func TestRouter_UnknownEventIsAnError(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)

	f.send(t, c, "delete-everything", `{}`)
	assert.Equal(t, "unknown event", errorText(t, nextMessage(t, c)))
}

func TestRouter_JoinResolvesActiveTournament(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)

	f.send(t, c, EventJoin, `{}`)
	assert.Equal(t, "tournament not found", errorText(t, nextMessage(t, c)))

	active := int64(12)
	f.svc.active = &active
	f.send(t, c, EventJoin, `null`)
	f.send(t, c, EventJoin, `{"tournamentId":30}`)
	noMessage(t, c)
	assert.Equal(t, []int64{12, 30}, f.svc.joined)

	f.send(t, c, EventLeave, `{"tournamentId":-1}`)
	assert.Contains(t, errorText(t, nextMessage(t, c)), "tournamentId")
	assert.Empty(t, f.svc.left)
}

func TestRouter_StateConflictMessage(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)
	f.svc.joinErr = domain.ErrNotJoinable

	f.send(t, c, EventJoin, `{"tournamentId":4}`)
	assert.Equal(t, "tournament is not open for registration", errorText(t, nextMessage(t, c)))
}

func TestRouter_DetailsAndBracketWithoutActiveTournament(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)

	f.send(t, c, EventGetDetails, `{}`)
	msg := nextMessage(t, c)
	assert.Equal(t, EventDetails, msg.Event)
	assert.JSONEq(t, `{"tournament":null,"status":"spectator","isParticipant":false}`, string(msg.Data))

	f.send(t, c, EventGetBracket, `{}`)
	msg = nextMessage(t, c)
	assert.Equal(t, EventBracket, msg.Event)
	assert.JSONEq(t, `{"tournamentId":null,"bracket":null}`, string(msg.Data))
}

func TestRouter_RepliesAreEscaped(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)
	f.svc.details = &domain.TournamentDetails{
		Tournament: &domain.Tournament{ID: 1, Name: `Tom & "Jerry"`},
		Status:     domain.ParticipantActive,
	}

	f.send(t, c, EventGetDetails, `{"tournamentId":1}`)
	msg := nextMessage(t, c)
	var body struct {
		Tournament domain.Tournament `json:"tournament"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "Tom &amp; &#34;Jerry&#34;", body.Tournament.Name)
}

func TestRouter_BracketForExplicitTournament(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient(alice)
	p1, p2 := int64(1), int64(2)
	f.svc.brackets[5] = []domain.Match{{ID: 9, TournamentID: 5, Round: 1, Player1ID: &p1, Player2ID: &p2}}

	f.send(t, c, EventGetBracket, `{"tournamentId":5}`)
	msg := nextMessage(t, c)
	var body bracketReply
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.NotNil(t, body.TournamentID)
	assert.Equal(t, int64(5), *body.TournamentID)
	require.Len(t, body.Bracket, 1)
	assert.Equal(t, int64(9), body.Bracket[0].ID)
}

func TestRouter_LeaveByNonParticipantIsSilent(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := sqlite.NewRepository(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(ctx))
	t.Cleanup(func() { repo.Close() })

	hub := NewHub(logger)
	cfg := &config.TournamentConfig{
		DefaultCapacity:  4,
		MinCapacity:      4,
		MaxCapacity:      64,
		ByePolicy:        string(bracket.ByeAdvance),
		RoundAdvancement: string(service.AdvanceElimination),
	}
	gen := bracket.NewGenerator(bracket.NewSeededShuffler(1), bracket.ByeAdvance)
	svc := service.NewTournamentService(repo, gen, cfg, NewNotifier(hub, logger), logger)
	router := NewRouter(svc, validate.New(), logger)

	cup, err := svc.CreateTournament(ctx, domain.CreateTournamentRequest{Name: "Cup"}, 100)
	require.NoError(t, err)
	require.Len(t, hub.broadcast, 1)
	<-hub.broadcast

	c := newTestClient(alice)
	router.Handle(ctx, c, EventLeave, json.RawMessage(`{}`))
	router.Handle(ctx, c, EventLeave, json.RawMessage(fmt.Sprintf(`{"tournamentId":%d}`, cup.ID)))

	noMessage(t, c)
	assert.Empty(t, hub.broadcast)

	n, err := svc.CountParticipants(ctx, cup.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
