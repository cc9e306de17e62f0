package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pong-tournament/internal/bracket"
	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/domain"
)

// Advancement decides what happens once a round is fully decided
type Advancement string

const (
	// AdvanceElimination pairs the round's winners into a new round until one champion remains
	AdvanceElimination Advancement = "elimination"
	// AdvanceSingleRound completes the tournament when every existing match has a winner
	AdvanceSingleRound Advancement = "single_round"
)

const (
	defaultListLimit = 20
	maxListLimit     = 50
)

// JoinResult reports the state after a successful join
type JoinResult struct {
	Tournament *domain.Tournament
	Count      int
	Started    bool
	Bracket    []domain.Match
}

// LeaveResult reports the state after a leave request
type LeaveResult struct {
	Left  bool
	Count int
}

// TournamentService provides tournament registration, lifecycle and bracket operations
type TournamentService struct {
	store     Store
	generator *bracket.Generator
	config    *config.TournamentConfig
	notifier  Notifier
	logger    *slog.Logger

	active *ActiveTournament
	locks  *keyedMutex
	now    func() time.Time
}

// NewTournamentService creates a new tournament service
func NewTournamentService(
	store Store,
	generator *bracket.Generator,
	cfg *config.TournamentConfig,
	notifier Notifier,
	logger *slog.Logger,
) *TournamentService {
	if notifier == nil {
		notifier = Notifiers{}
	}
	return &TournamentService{
		store:     store,
		generator: generator,
		config:    cfg,
		notifier:  notifier,
		logger:    logger,
		active:    &ActiveTournament{},
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

func (s *TournamentService) advancement() Advancement {
	if Advancement(s.config.RoundAdvancement) == AdvanceSingleRound {
		return AdvanceSingleRound
	}
	return AdvanceElimination
}

func (s *TournamentService) publish(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		s.notifier.Notify(ctx, e)
	}
}

// CreateTournament creates a tournament in registration. Only one
// tournament may be live at a time.
func (s *TournamentService) CreateTournament(ctx context.Context, req domain.CreateTournamentRequest, creatorID int64) (*domain.Tournament, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Message: "name is required"}
	}

	capacity := req.MaxParticipants
	if capacity == 0 {
		capacity = s.config.DefaultCapacity
	}
	if capacity < s.config.MinCapacity || capacity > s.config.MaxCapacity {
		return nil, &domain.ValidationError{
			Field:   "max_participants",
			Message: fmt.Sprintf("must be between %d and %d", s.config.MinCapacity, s.config.MaxCapacity),
		}
	}

	unlock := s.locks.Lock(createKey)
	defer unlock()

	t := &domain.Tournament{
		Name:            name,
		Description:     req.Description,
		MaxParticipants: capacity,
		Status:          domain.StatusRegistration,
		Prize:           req.Prize,
		StartDate:       req.StartDate,
		CreatedBy:       creatorID,
		CreatedAt:       s.now(),
	}

	err := s.store.InTx(ctx, func(q Queries) error {
		if _, err := q.ActiveTournament(ctx); err == nil {
			return domain.ErrActiveTournamentExists
		} else if !domain.IsNotFoundError(err) {
			return err
		}
		return q.CreateTournament(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("creating tournament: %w", err)
	}

	s.active.Set(t.ID)
	s.logger.Info("tournament created", "tournament_id", t.ID, "name", t.Name, "capacity", t.MaxParticipants, "created_by", creatorID)

	s.publish(ctx, []domain.Event{{
		Kind:         domain.EventCreated,
		TournamentID: t.ID,
		Tournament:   t,
		OccurredAt:   t.CreatedAt,
	}})
	return t, nil
}

// ActiveTournamentID returns the live tournament id or nil
func (s *TournamentService) ActiveTournamentID(ctx context.Context) (*int64, error) {
	id, err := s.active.ID(ctx, s.store)
	if err != nil {
		return nil, fmt.Errorf("resolving active tournament: %w", err)
	}
	return id, nil
}

// ResolveTournament returns explicitID when given, otherwise the live tournament id
func (s *TournamentService) ResolveTournament(ctx context.Context, explicitID *int64) (*int64, error) {
	if explicitID != nil {
		return explicitID, nil
	}
	return s.ActiveTournamentID(ctx)
}

// Join registers userID. Reaching capacity starts the tournament inside
// the same transaction, without a creator check.
func (s *TournamentService) Join(ctx context.Context, tournamentID, userID int64, username string) (*JoinResult, error) {
	unlock := s.locks.Lock(tournamentID)
	defer unlock()

	now := s.now()
	var (
		result = &JoinResult{}
		events []domain.Event
	)

	err := s.store.InTx(ctx, func(q Queries) error {
		t, err := q.LockTournament(ctx, tournamentID)
		if err != nil {
			return err
		}

		joined, err := q.IsParticipant(ctx, tournamentID, userID)
		if err != nil {
			return err
		}
		if joined {
			return domain.ErrAlreadyJoined
		}
		if t.Status != domain.StatusRegistration {
			return domain.ErrNotJoinable
		}
		if t.CurrentParticipants >= t.MaxParticipants {
			return domain.ErrTournamentFull
		}

		if err := q.AddParticipant(ctx, &domain.Participant{
			TournamentID: tournamentID,
			UserID:       userID,
			Username:     username,
			RegisteredAt: now,
		}); err != nil {
			return err
		}
		t.CurrentParticipants++

		result.Tournament = t
		result.Count = t.CurrentParticipants
		// startLocked below mutates t, so the join event gets a copy
		snapshot := *t
		events = append(events, domain.Event{
			Kind:         domain.EventPlayerJoined,
			TournamentID: tournamentID,
			Tournament:   &snapshot,
			UserID:       userID,
			Username:     username,
			Count:        t.CurrentParticipants,
			OccurredAt:   now,
		})

		if t.CurrentParticipants < t.MaxParticipants {
			return nil
		}

		matches, err := s.startLocked(ctx, q, t, now)
		if err != nil {
			return fmt.Errorf("auto-starting tournament: %w", err)
		}
		result.Started = true
		result.Bracket = matches
		events = append(events, startedEvent(t, matches, now))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("joining tournament %d: %w", tournamentID, err)
	}

	s.logger.Info("player joined tournament",
		"tournament_id", tournamentID,
		"user_id", userID,
		"count", result.Count,
		"auto_started", result.Started,
	)
	s.publish(ctx, events)
	return result, nil
}

// Leave removes userID from a tournament in registration. Leaving a
// tournament the user never joined is a silent no-op.
func (s *TournamentService) Leave(ctx context.Context, tournamentID, userID int64) (*LeaveResult, error) {
	unlock := s.locks.Lock(tournamentID)
	defer unlock()

	now := s.now()
	result := &LeaveResult{}
	var events []domain.Event

	err := s.store.InTx(ctx, func(q Queries) error {
		t, err := q.LockTournament(ctx, tournamentID)
		if err != nil {
			return err
		}
		result.Count = t.CurrentParticipants

		joined, err := q.IsParticipant(ctx, tournamentID, userID)
		if err != nil {
			return err
		}
		if !joined {
			return nil
		}
		if t.Status != domain.StatusRegistration {
			return domain.ErrAlreadyStarted
		}

		removed, err := q.RemoveParticipant(ctx, tournamentID, userID)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		t.CurrentParticipants--

		result.Left = true
		result.Count = t.CurrentParticipants
		events = append(events, domain.Event{
			Kind:         domain.EventPlayerLeft,
			TournamentID: tournamentID,
			Tournament:   t,
			UserID:       userID,
			Count:        t.CurrentParticipants,
			OccurredAt:   now,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("leaving tournament %d: %w", tournamentID, err)
	}

	if result.Left {
		s.logger.Info("player left tournament", "tournament_id", tournamentID, "user_id", userID, "count", result.Count)
	}
	s.publish(ctx, events)
	return result, nil
}

// Start begins a tournament on behalf of its creator
func (s *TournamentService) Start(ctx context.Context, tournamentID, requestedBy int64) (*domain.Tournament, []domain.Match, error) {
	unlock := s.locks.Lock(tournamentID)
	defer unlock()

	now := s.now()
	var (
		tournament *domain.Tournament
		matches    []domain.Match
	)

	err := s.store.InTx(ctx, func(q Queries) error {
		t, err := q.LockTournament(ctx, tournamentID)
		if err != nil {
			return err
		}
		if t.CreatedBy != requestedBy {
			return domain.ErrForbidden
		}
		if t.Status != domain.StatusRegistration {
			return domain.ErrInvalidState
		}

		matches, err = s.startLocked(ctx, q, t, now)
		if err != nil {
			return err
		}
		tournament = t
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting tournament %d: %w", tournamentID, err)
	}

	s.logger.Info("tournament started", "tournament_id", tournamentID, "requested_by", requestedBy, "matches", len(matches))
	s.publish(ctx, []domain.Event{startedEvent(tournament, matches, now)})
	return tournament, matches, nil
}

// StartDue starts every registration tournament whose start date has
// passed and that has at least two participants. It returns how many
// tournaments were started.
func (s *TournamentService) StartDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.DueTournaments(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("finding due tournaments: %w", err)
	}

	started := 0
	for _, id := range ids {
		ok, err := s.startDue(ctx, id, now)
		if err != nil {
			s.logger.Error("failed to start due tournament", "tournament_id", id, "error", err)
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func (s *TournamentService) startDue(ctx context.Context, tournamentID int64, now time.Time) (bool, error) {
	unlock := s.locks.Lock(tournamentID)
	defer unlock()

	var (
		tournament *domain.Tournament
		matches    []domain.Match
	)
	err := s.store.InTx(ctx, func(q Queries) error {
		t, err := q.LockTournament(ctx, tournamentID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusRegistration {
			return nil
		}
		if t.CurrentParticipants < 2 {
			s.logger.Warn("due tournament lacks participants", "tournament_id", tournamentID, "count", t.CurrentParticipants)
			return nil
		}
		matches, err = s.startLocked(ctx, q, t, now)
		if err != nil {
			return err
		}
		tournament = t
		return nil
	})
	if err != nil || tournament == nil {
		return false, err
	}

	s.logger.Info("scheduled tournament started", "tournament_id", tournamentID, "matches", len(matches))
	s.publish(ctx, []domain.Event{startedEvent(tournament, matches, now)})
	return true, nil
}

// startLocked generates round one and moves t to in_progress. The caller
// holds the tournament lock and has checked permissions.
func (s *TournamentService) startLocked(ctx context.Context, q Queries, t *domain.Tournament, now time.Time) ([]domain.Match, error) {
	participants, err := q.ListParticipants(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if len(participants) < 2 {
		return nil, domain.ErrInsufficientParticipants
	}

	ids := make([]int64, len(participants))
	for i, p := range participants {
		ids[i] = p.UserID
	}

	round := s.generator.FirstRound(ids)
	matches := s.generator.Matches(t.ID, 1, round, now)
	if err := q.CreateMatches(ctx, matches); err != nil {
		return nil, err
	}
	if err := q.UpdateTournamentStatus(ctx, t.ID, domain.StatusInProgress, now); err != nil {
		return nil, err
	}

	t.Status = domain.StatusInProgress
	started := now
	t.StartDate = &started
	return matches, nil
}

func startedEvent(t *domain.Tournament, matches []domain.Match, now time.Time) domain.Event {
	return domain.Event{
		Kind:         domain.EventStarted,
		TournamentID: t.ID,
		Tournament:   t,
		Count:        t.CurrentParticipants,
		Bracket:      matches,
		OccurredAt:   now,
	}
}

// Tournament returns a tournament by id
func (s *TournamentService) Tournament(ctx context.Context, id int64) (*domain.Tournament, error) {
	t, err := s.store.GetTournament(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting tournament %d: %w", id, err)
	}
	return t, nil
}

// List returns a page of tournaments and the total matching the status filter
func (s *TournamentService) List(ctx context.Context, filter domain.TournamentFilter) ([]domain.Tournament, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, &domain.ValidationError{Field: "status", Message: "unknown status"}
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit < 1 || filter.Limit > maxListLimit {
		return nil, 0, &domain.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", maxListLimit)}
	}
	if filter.Offset < 0 {
		return nil, 0, &domain.ValidationError{Field: "offset", Message: "must not be negative"}
	}

	tournaments, err := s.store.ListTournaments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tournaments: %w", err)
	}
	total, err := s.store.CountTournaments(ctx, filter.Status)
	if err != nil {
		return nil, 0, fmt.Errorf("counting tournaments: %w", err)
	}
	return tournaments, total, nil
}

// Participants returns the registrations of a tournament in join order
func (s *TournamentService) Participants(ctx context.Context, tournamentID int64) ([]domain.Participant, error) {
	participants, err := s.store.ListParticipants(ctx, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return participants, nil
}

// IsParticipant reports whether userID joined the tournament
func (s *TournamentService) IsParticipant(ctx context.Context, tournamentID, userID int64) (bool, error) {
	ok, err := s.store.IsParticipant(ctx, tournamentID, userID)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return ok, nil
}

// CountParticipants returns the number of registrations
func (s *TournamentService) CountParticipants(ctx context.Context, tournamentID int64) (int, error) {
	n, err := s.store.CountParticipants(ctx, tournamentID)
	if err != nil {
		return 0, fmt.Errorf("counting participants: %w", err)
	}
	return n, nil
}

// Details describes a tournament from userID's point of view. With no
// explicit id and no live tournament it returns details with a nil
// tournament.
func (s *TournamentService) Details(ctx context.Context, explicitID *int64, userID int64) (*domain.TournamentDetails, error) {
	details := &domain.TournamentDetails{Status: domain.ParticipantSpectator}

	id, err := s.ResolveTournament(ctx, explicitID)
	if err != nil || id == nil {
		return details, err
	}

	t, err := s.store.GetTournament(ctx, *id)
	if err != nil {
		if explicitID == nil && domain.IsNotFoundError(err) {
			s.active.Clear(*id)
			return details, nil
		}
		return nil, fmt.Errorf("getting tournament %d: %w", *id, err)
	}
	details.Tournament = t

	participants, err := s.store.ListParticipants(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	details.Participants = participants

	var self *domain.Participant
	for i := range participants {
		if participants[i].UserID == userID {
			self = &participants[i]
			details.IsParticipant = true
			details.Status = domain.ParticipantActive
			break
		}
	}
	if !details.IsParticipant || t.Status == domain.StatusRegistration {
		return details, nil
	}
	// under elimination everyone who played is placed; a player dropped
	// by the bye policy never plays and is never placed
	if s.advancement() == AdvanceElimination && t.Status == domain.StatusCompleted && self.Placement == nil {
		details.Status = domain.ParticipantEliminated
		return details, nil
	}

	matches, err := s.store.ListMatches(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	for i := range matches {
		if loser := matches[i].Loser(); loser != nil && *loser == userID {
			details.Status = domain.ParticipantEliminated
			break
		}
	}
	return details, nil
}

// Bracket returns the ordered matches of the resolved tournament. With no
// explicit id and no live tournament it returns a nil bracket.
func (s *TournamentService) Bracket(ctx context.Context, explicitID *int64) ([]domain.Match, error) {
	id, err := s.ResolveTournament(ctx, explicitID)
	if err != nil || id == nil {
		return nil, err
	}

	if _, err := s.store.GetTournament(ctx, *id); err != nil {
		if explicitID == nil && domain.IsNotFoundError(err) {
			s.active.Clear(*id)
			return nil, nil
		}
		return nil, fmt.Errorf("getting tournament %d: %w", *id, err)
	}

	matches, err := s.store.ListMatches(ctx, *id)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	return matches, nil
}
