package domain

import (
	"encoding/json"
	"time"
)

// TournamentStatus represents the lifecycle state of a tournament
type TournamentStatus string

const (
	StatusRegistration TournamentStatus = "registration"
	StatusInProgress   TournamentStatus = "in_progress"
	StatusCompleted    TournamentStatus = "completed"
)

// Valid reports whether s is a known status
func (s TournamentStatus) Valid() bool {
	switch s {
	case StatusRegistration, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Live reports whether a tournament in this status counts as the active tournament
func (s TournamentStatus) Live() bool {
	return s == StatusRegistration || s == StatusInProgress
}

// Tournament represents a bracket competition and its registration window
type Tournament struct {
	ID                  int64            `json:"id" db:"id"`
	Name                string           `json:"name" db:"name"`
	Description         *string          `json:"description,omitempty" db:"description"`
	MaxParticipants     int              `json:"max_participants" db:"max_participants"`
	Status              TournamentStatus `json:"status" db:"status"`
	Prize               *string          `json:"prize,omitempty" db:"prize"`
	StartDate           *time.Time       `json:"start_date,omitempty" db:"start_date"`
	EndDate             *time.Time       `json:"end_date,omitempty" db:"end_date"`
	CreatedBy           int64            `json:"created_by" db:"created_by"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	CurrentParticipants int              `json:"current_participants" db:"current_participants"`
}

// Participant is a user's registration in a tournament
type Participant struct {
	ID           int64     `json:"id" db:"id"`
	TournamentID int64     `json:"tournament_id" db:"tournament_id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	Username     string    `json:"username" db:"username"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
	Placement    *int      `json:"placement" db:"placement"`
}

// Match is a single bracket node
type Match struct {
	ID           int64           `json:"id" db:"id"`
	TournamentID int64           `json:"tournament_id" db:"tournament_id"`
	Round        int             `json:"round" db:"round"`
	Player1ID    *int64          `json:"player1_id" db:"player1_id"`
	Player2ID    *int64          `json:"player2_id" db:"player2_id"`
	WinnerID     *int64          `json:"winner_id" db:"winner_id"`
	Player1Score int             `json:"player1_score" db:"player1_score"`
	Player2Score int             `json:"player2_score" db:"player2_score"`
	IsBye        bool            `json:"is_bye" db:"is_bye"`
	MatchData    json.RawMessage `json:"match_data,omitempty" db:"-"`
	PlayedAt     *time.Time      `json:"played_at" db:"played_at"`
}

// Decided reports whether the match has a winner
func (m *Match) Decided() bool {
	return m.WinnerID != nil
}

// HasPlayer reports whether userID occupies either slot
func (m *Match) HasPlayer(userID int64) bool {
	return (m.Player1ID != nil && *m.Player1ID == userID) ||
		(m.Player2ID != nil && *m.Player2ID == userID)
}

// Loser returns the player that did not win a decided, non-bye match
func (m *Match) Loser() *int64 {
	if m.WinnerID == nil || m.IsBye || m.Player1ID == nil || m.Player2ID == nil {
		return nil
	}
	if *m.WinnerID == *m.Player1ID {
		return m.Player2ID
	}
	return m.Player1ID
}

// ParticipantStatus classifies a user relative to a tournament
type ParticipantStatus string

const (
	ParticipantSpectator  ParticipantStatus = "spectator"
	ParticipantActive     ParticipantStatus = "active"
	ParticipantEliminated ParticipantStatus = "eliminated"
)

// CreateTournamentRequest represents a request to create a new tournament
type CreateTournamentRequest struct {
	Name            string     `json:"name" validate:"required,min=3,max=100,tname"`
	Description     *string    `json:"description,omitempty" validate:"omitempty,max=500"`
	MaxParticipants int        `json:"max_participants,omitempty"`
	Prize           *string    `json:"prize,omitempty" validate:"omitempty,max=200"`
	StartDate       *time.Time `json:"start_date,omitempty"`
}

// TournamentFilter narrows a tournament listing
type TournamentFilter struct {
	Status TournamentStatus
	Limit  int
	Offset int
}

// CompleteMatchRequest carries a reported match result
type CompleteMatchRequest struct {
	WinnerID     int64 `json:"winnerId" validate:"required,gt=0"`
	Player1Score int   `json:"player1Score" validate:"gte=0"`
	Player2Score int   `json:"player2Score" validate:"gte=0"`
}

// TournamentDetails is the view of a tournament from one user's perspective
type TournamentDetails struct {
	Tournament    *Tournament       `json:"tournament"`
	Participants  []Participant     `json:"participants,omitempty"`
	Status        ParticipantStatus `json:"status"`
	IsParticipant bool              `json:"isParticipant"`
}
