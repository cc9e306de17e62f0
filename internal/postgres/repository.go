package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/service"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL-based data access
type Repository struct {
	*queries
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		queries: &queries{db: pool},
		pool:    pool,
		logger:  logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tournaments (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			description VARCHAR(500),
			max_participants INT NOT NULL DEFAULT 4,
			status VARCHAR(20) NOT NULL DEFAULT 'registration'
				CHECK (status IN ('registration', 'in_progress', 'completed')),
			prize VARCHAR(200),
			start_date TIMESTAMPTZ,
			end_date TIMESTAMPTZ,
			created_by BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_live_tournament
			ON tournaments ((status IN ('registration', 'in_progress')))
			WHERE status IN ('registration', 'in_progress')`,
		`CREATE TABLE IF NOT EXISTS tournament_participants (
			id BIGSERIAL PRIMARY KEY,
			tournament_id BIGINT NOT NULL REFERENCES tournaments(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			username VARCHAR(100) NOT NULL DEFAULT '',
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			placement INT,
			UNIQUE (tournament_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tournament_matches (
			id BIGSERIAL PRIMARY KEY,
			tournament_id BIGINT NOT NULL REFERENCES tournaments(id) ON DELETE CASCADE,
			round INT NOT NULL DEFAULT 1,
			player1_id BIGINT,
			player2_id BIGINT,
			winner_id BIGINT,
			player1_score INT NOT NULL DEFAULT 0,
			player2_score INT NOT NULL DEFAULT 0,
			is_bye BOOLEAN NOT NULL DEFAULT FALSE,
			match_data JSONB,
			played_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tournaments_status ON tournaments(status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_tournament ON tournament_matches(tournament_id, round, id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed", "driver", "postgres")
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil
func (r *Repository) InTx(ctx context.Context, fn func(q service.Queries) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&queries{db: tx})
	})
}

type queries struct {
	db querier
}

const tournamentColumns = `
	t.id, t.name, t.description, t.max_participants, t.status, t.prize,
	t.start_date, t.end_date, t.created_by, t.created_at,
	(SELECT COUNT(*) FROM tournament_participants p WHERE p.tournament_id = t.id)::int AS current_participants`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (q *queries) CreateTournament(ctx context.Context, t *domain.Tournament) error {
	if t.Status == "" {
		t.Status = domain.StatusRegistration
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	err := q.db.QueryRow(ctx, `
		INSERT INTO tournaments (name, description, max_participants, status, prize, start_date, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		t.Name, t.Description, t.MaxParticipants, string(t.Status), t.Prize, t.StartDate, t.CreatedBy, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrActiveTournamentExists
		}
		return fmt.Errorf("creating tournament: %w", err)
	}
	return nil
}

func (q *queries) getTournament(ctx context.Context, query string, args ...any) (*domain.Tournament, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tournament: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[domain.Tournament])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tournament: %w", err)
	}
	return &t, nil
}

func (q *queries) GetTournament(ctx context.Context, id int64) (*domain.Tournament, error) {
	return q.getTournament(ctx, `SELECT `+tournamentColumns+` FROM tournaments t WHERE t.id = $1`, id)
}

func (q *queries) LockTournament(ctx context.Context, id int64) (*domain.Tournament, error) {
	return q.getTournament(ctx, `SELECT `+tournamentColumns+` FROM tournaments t WHERE t.id = $1 FOR UPDATE OF t`, id)
}

func (q *queries) ActiveTournament(ctx context.Context) (*domain.Tournament, error) {
	return q.getTournament(ctx, `
		SELECT `+tournamentColumns+`
		FROM tournaments t
		WHERE t.status IN ('registration', 'in_progress')
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT 1`)
}

func (q *queries) ListTournaments(ctx context.Context, filter domain.TournamentFilter) ([]domain.Tournament, error) {
	query := `SELECT ` + tournamentColumns + ` FROM tournaments t
		WHERE ($1::text = '' OR t.status = $1::text)
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2 OFFSET $3`

	rows, err := q.db.Query(ctx, query, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing tournaments: %w", err)
	}
	tournaments, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.Tournament])
	if err != nil {
		return nil, fmt.Errorf("scanning tournaments: %w", err)
	}
	return tournaments, nil
}

func (q *queries) CountTournaments(ctx context.Context, status domain.TournamentStatus) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tournaments WHERE ($1::text = '' OR status = $1::text)`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting tournaments: %w", err)
	}
	return n, nil
}

func (q *queries) UpdateTournamentStatus(ctx context.Context, id int64, status domain.TournamentStatus, at time.Time) error {
	var query string
	switch status {
	case domain.StatusInProgress:
		query = `UPDATE tournaments SET status = $1, start_date = $2 WHERE id = $3`
	case domain.StatusCompleted:
		query = `UPDATE tournaments SET status = $1, end_date = $2 WHERE id = $3`
	default:
		return fmt.Errorf("updating tournament status to %q: %w", status, domain.ErrInvalidState)
	}

	tag, err := q.db.Exec(ctx, query, string(status), at, id)
	if err != nil {
		return fmt.Errorf("updating tournament status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTournamentNotFound
	}
	return nil
}

func (q *queries) DueTournaments(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id FROM tournaments
		WHERE status = 'registration' AND start_date IS NOT NULL AND start_date <= $1
		ORDER BY start_date`, now)
	if err != nil {
		return nil, fmt.Errorf("listing due tournaments: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning due tournaments: %w", err)
	}
	return ids, nil
}

func (q *queries) AddParticipant(ctx context.Context, p *domain.Participant) error {
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO tournament_participants (tournament_id, user_id, username, registered_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		p.TournamentID, p.UserID, p.Username, p.RegisteredAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyJoined
		}
		return fmt.Errorf("adding participant: %w", err)
	}
	return nil
}

func (q *queries) RemoveParticipant(ctx context.Context, tournamentID, userID int64) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM tournament_participants WHERE tournament_id = $1 AND user_id = $2`,
		tournamentID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("removing participant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *queries) IsParticipant(ctx context.Context, tournamentID, userID int64) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tournament_participants WHERE tournament_id = $1 AND user_id = $2)`,
		tournamentID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return exists, nil
}

func (q *queries) CountParticipants(ctx context.Context, tournamentID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tournament_participants WHERE tournament_id = $1`, tournamentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting participants: %w", err)
	}
	return n, nil
}

func (q *queries) ListParticipants(ctx context.Context, tournamentID int64) ([]domain.Participant, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, tournament_id, user_id, username, registered_at, placement
		FROM tournament_participants
		WHERE tournament_id = $1
		ORDER BY registered_at, id`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	participants, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.Participant])
	if err != nil {
		return nil, fmt.Errorf("scanning participants: %w", err)
	}
	return participants, nil
}

func (q *queries) SetPlacement(ctx context.Context, tournamentID, userID int64, placement int) error {
	_, err := q.db.Exec(ctx,
		`UPDATE tournament_participants SET placement = $1 WHERE tournament_id = $2 AND user_id = $3`,
		placement, tournamentID, userID,
	)
	if err != nil {
		return fmt.Errorf("setting placement: %w", err)
	}
	return nil
}

const matchColumns = `
	id, tournament_id, round, player1_id, player2_id, winner_id,
	player1_score, player2_score, is_bye, match_data, played_at`

func scanMatch(row pgx.Row) (domain.Match, error) {
	var m domain.Match
	var data []byte
	err := row.Scan(
		&m.ID, &m.TournamentID, &m.Round, &m.Player1ID, &m.Player2ID, &m.WinnerID,
		&m.Player1Score, &m.Player2Score, &m.IsBye, &data, &m.PlayedAt,
	)
	if len(data) > 0 {
		m.MatchData = json.RawMessage(data)
	}
	return m, err
}

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func (q *queries) CreateMatches(ctx context.Context, matches []domain.Match) error {
	for i := range matches {
		m := &matches[i]
		err := q.db.QueryRow(ctx, `
			INSERT INTO tournament_matches
				(tournament_id, round, player1_id, player2_id, winner_id, player1_score, player2_score, is_bye, match_data, played_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
			RETURNING id`,
			m.TournamentID, m.Round, m.Player1ID, m.Player2ID, m.WinnerID,
			m.Player1Score, m.Player2Score, m.IsBye, nullableJSON(m.MatchData), m.PlayedAt,
		).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("creating match: %w", err)
		}
	}
	return nil
}

func (q *queries) getMatch(ctx context.Context, query string, id int64) (*domain.Match, error) {
	m, err := scanMatch(q.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting match: %w", err)
	}
	return &m, nil
}

func (q *queries) GetMatch(ctx context.Context, id int64) (*domain.Match, error) {
	return q.getMatch(ctx, `SELECT `+matchColumns+` FROM tournament_matches WHERE id = $1`, id)
}

func (q *queries) LockMatch(ctx context.Context, id int64) (*domain.Match, error) {
	return q.getMatch(ctx, `SELECT `+matchColumns+` FROM tournament_matches WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) RecordMatchResult(ctx context.Context, m *domain.Match) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE tournament_matches
		SET winner_id = $1, player1_score = $2, player2_score = $3, match_data = $4::jsonb, played_at = $5
		WHERE id = $6 AND winner_id IS NULL`,
		m.WinnerID, m.Player1Score, m.Player2Score, nullableJSON(m.MatchData), m.PlayedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("recording match result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMatchAlreadyDecided
	}
	return nil
}

func (q *queries) ListMatches(ctx context.Context, tournamentID int64) ([]domain.Match, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+matchColumns+`
		FROM tournament_matches
		WHERE tournament_id = $1
		ORDER BY round, id`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	matches := []domain.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}

func (q *queries) CountPendingMatches(ctx context.Context, tournamentID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tournament_matches WHERE tournament_id = $1 AND winner_id IS NULL`, tournamentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending matches: %w", err)
	}
	return n, nil
}
