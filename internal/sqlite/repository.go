// Package sqlite implements the tournament store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/service"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Repository provides SQLite-based data access
type Repository struct {
	*queries
	db     *sqlx.DB
	logger *slog.Logger
}

// NewRepository opens the database at path. ":memory:" opens a private
// in-memory database. The pool is limited to one connection so every
// transaction is a single writer.
func NewRepository(path string, logger *slog.Logger) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	return &Repository{
		queries: &queries{ext: db},
		db:      db,
		logger:  logger,
	}, nil
}

// Close closes the database
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the embedded schema migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(r.db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}

	// m.Close is not called because it would close r.db
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	r.logger.Info("database migrations completed", "driver", "sqlite")
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil
func (r *Repository) InTx(ctx context.Context, fn func(q service.Queries) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&queries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type queries struct {
	ext sqlx.ExtContext
}

const tournamentColumns = `
	t.id, t.name, t.description, t.max_participants, t.status, t.prize,
	t.start_date, t.end_date, t.created_by, t.created_at,
	(SELECT COUNT(*) FROM tournament_participants p WHERE p.tournament_id = t.id) AS current_participants`

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (q *queries) CreateTournament(ctx context.Context, t *domain.Tournament) error {
	if t.Status == "" {
		t.Status = domain.StatusRegistration
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO tournaments (name, description, max_participants, status, prize, start_date, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Description, t.MaxParticipants, t.Status, t.Prize, utcPtr(t.StartDate), t.CreatedBy, t.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrActiveTournamentExists
		}
		return fmt.Errorf("creating tournament: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tournament id: %w", err)
	}
	t.ID = id
	return nil
}

func (q *queries) GetTournament(ctx context.Context, id int64) (*domain.Tournament, error) {
	var t domain.Tournament
	err := sqlx.GetContext(ctx, q.ext, &t, `SELECT `+tournamentColumns+` FROM tournaments t WHERE t.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tournament: %w", err)
	}
	return &t, nil
}

// LockTournament relies on the immediate transaction already holding the
// database write lock.
func (q *queries) LockTournament(ctx context.Context, id int64) (*domain.Tournament, error) {
	return q.GetTournament(ctx, id)
}

func (q *queries) ActiveTournament(ctx context.Context) (*domain.Tournament, error) {
	var t domain.Tournament
	err := sqlx.GetContext(ctx, q.ext, &t, `
		SELECT `+tournamentColumns+`
		FROM tournaments t
		WHERE t.status IN ('registration', 'in_progress')
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting active tournament: %w", err)
	}
	return &t, nil
}

func (q *queries) ListTournaments(ctx context.Context, filter domain.TournamentFilter) ([]domain.Tournament, error) {
	query := `SELECT ` + tournamentColumns + ` FROM tournaments t`
	var args []any
	if filter.Status != "" {
		query += ` WHERE t.status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY t.created_at DESC, t.id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	tournaments := []domain.Tournament{}
	if err := sqlx.SelectContext(ctx, q.ext, &tournaments, query, args...); err != nil {
		return nil, fmt.Errorf("listing tournaments: %w", err)
	}
	return tournaments, nil
}

func (q *queries) CountTournaments(ctx context.Context, status domain.TournamentStatus) (int, error) {
	query := `SELECT COUNT(*) FROM tournaments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	var n int
	if err := sqlx.GetContext(ctx, q.ext, &n, query, args...); err != nil {
		return 0, fmt.Errorf("counting tournaments: %w", err)
	}
	return n, nil
}

func (q *queries) UpdateTournamentStatus(ctx context.Context, id int64, status domain.TournamentStatus, at time.Time) error {
	var query string
	switch status {
	case domain.StatusInProgress:
		query = `UPDATE tournaments SET status = ?, start_date = ? WHERE id = ?`
	case domain.StatusCompleted:
		query = `UPDATE tournaments SET status = ?, end_date = ? WHERE id = ?`
	default:
		return fmt.Errorf("updating tournament status to %q: %w", status, domain.ErrInvalidState)
	}

	res, err := q.ext.ExecContext(ctx, query, status, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tournament status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTournamentNotFound
	}
	return nil
}

func (q *queries) DueTournaments(ctx context.Context, now time.Time) ([]int64, error) {
	ids := []int64{}
	err := sqlx.SelectContext(ctx, q.ext, &ids, `
		SELECT id FROM tournaments
		WHERE status = 'registration' AND start_date IS NOT NULL AND start_date <= ?
		ORDER BY start_date`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing due tournaments: %w", err)
	}
	return ids, nil
}

func (q *queries) AddParticipant(ctx context.Context, p *domain.Participant) error {
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO tournament_participants (tournament_id, user_id, username, registered_at)
		VALUES (?, ?, ?, ?)`,
		p.TournamentID, p.UserID, p.Username, p.RegisteredAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyJoined
		}
		return fmt.Errorf("adding participant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading participant id: %w", err)
	}
	p.ID = id
	return nil
}

func (q *queries) RemoveParticipant(ctx context.Context, tournamentID, userID int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM tournament_participants WHERE tournament_id = ? AND user_id = ?`,
		tournamentID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("removing participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("removing participant: %w", err)
	}
	return n > 0, nil
}

func (q *queries) IsParticipant(ctx context.Context, tournamentID, userID int64) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists, `
		SELECT EXISTS (SELECT 1 FROM tournament_participants WHERE tournament_id = ? AND user_id = ?)`,
		tournamentID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return exists, nil
}

func (q *queries) CountParticipants(ctx context.Context, tournamentID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(*) FROM tournament_participants WHERE tournament_id = ?`, tournamentID)
	if err != nil {
		return 0, fmt.Errorf("counting participants: %w", err)
	}
	return n, nil
}

func (q *queries) ListParticipants(ctx context.Context, tournamentID int64) ([]domain.Participant, error) {
	participants := []domain.Participant{}
	err := sqlx.SelectContext(ctx, q.ext, &participants, `
		SELECT id, tournament_id, user_id, username, registered_at, placement
		FROM tournament_participants
		WHERE tournament_id = ?
		ORDER BY registered_at, id`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return participants, nil
}

func (q *queries) SetPlacement(ctx context.Context, tournamentID, userID int64, placement int) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE tournament_participants SET placement = ? WHERE tournament_id = ? AND user_id = ?`,
		placement, tournamentID, userID,
	)
	if err != nil {
		return fmt.Errorf("setting placement: %w", err)
	}
	return nil
}

// matchRow scans match_data as bytes so NULL maps to an empty payload
type matchRow struct {
	domain.Match
	Data []byte `db:"match_data"`
}

func (r matchRow) toDomain() domain.Match {
	m := r.Match
	if len(r.Data) > 0 {
		m.MatchData = json.RawMessage(r.Data)
	}
	return m
}

const matchColumns = `
	id, tournament_id, round, player1_id, player2_id, winner_id,
	player1_score, player2_score, is_bye, match_data, played_at`

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func (q *queries) CreateMatches(ctx context.Context, matches []domain.Match) error {
	for i := range matches {
		m := &matches[i]
		res, err := q.ext.ExecContext(ctx, `
			INSERT INTO tournament_matches
				(tournament_id, round, player1_id, player2_id, winner_id, player1_score, player2_score, is_bye, match_data, played_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.TournamentID, m.Round, m.Player1ID, m.Player2ID, m.WinnerID,
			m.Player1Score, m.Player2Score, m.IsBye, nullableJSON(m.MatchData), utcPtr(m.PlayedAt),
		)
		if err != nil {
			return fmt.Errorf("creating match: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading match id: %w", err)
		}
		m.ID = id
	}
	return nil
}

func (q *queries) GetMatch(ctx context.Context, id int64) (*domain.Match, error) {
	var row matchRow
	err := sqlx.GetContext(ctx, q.ext, &row, `SELECT `+matchColumns+` FROM tournament_matches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting match: %w", err)
	}
	m := row.toDomain()
	return &m, nil
}

func (q *queries) LockMatch(ctx context.Context, id int64) (*domain.Match, error) {
	return q.GetMatch(ctx, id)
}

func (q *queries) RecordMatchResult(ctx context.Context, m *domain.Match) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE tournament_matches
		SET winner_id = ?, player1_score = ?, player2_score = ?, match_data = ?, played_at = ?
		WHERE id = ? AND winner_id IS NULL`,
		m.WinnerID, m.Player1Score, m.Player2Score, nullableJSON(m.MatchData), utcPtr(m.PlayedAt), m.ID,
	)
	if err != nil {
		return fmt.Errorf("recording match result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMatchAlreadyDecided
	}
	return nil
}

func (q *queries) ListMatches(ctx context.Context, tournamentID int64) ([]domain.Match, error) {
	var rows []matchRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT `+matchColumns+`
		FROM tournament_matches
		WHERE tournament_id = ?
		ORDER BY round, id`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	matches := make([]domain.Match, len(rows))
	for i, r := range rows {
		matches[i] = r.toDomain()
	}
	return matches, nil
}

func (q *queries) CountPendingMatches(ctx context.Context, tournamentID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(*) FROM tournament_matches WHERE tournament_id = ? AND winner_id IS NULL`, tournamentID)
	if err != nil {
		return 0, fmt.Errorf("counting pending matches: %w", err)
	}
	return n, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
