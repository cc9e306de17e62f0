package domain

import "time"

// EventKind names a committed tournament state change
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventPlayerJoined   EventKind = "playerJoined"
	EventPlayerLeft     EventKind = "playerLeft"
	EventStarted        EventKind = "started"
	EventMatchCompleted EventKind = "matchCompleted"
	EventCompleted      EventKind = "completed"
)

// Event describes a state change after it has been committed to the store
type Event struct {
	Kind         EventKind   `json:"-"`
	TournamentID int64       `json:"tournamentId"`
	Tournament   *Tournament `json:"tournament,omitempty"`
	UserID       int64       `json:"userId,omitempty"`
	Username     string      `json:"username,omitempty"`
	Count        int         `json:"currentParticipants"`
	Match        *Match      `json:"match,omitempty"`
	Bracket      []Match     `json:"bracket,omitempty"`
	ChampionID   *int64      `json:"championId,omitempty"`
	OccurredAt   time.Time   `json:"occurredAt"`
}

// MatchResult is a finished game reported by a game server
type MatchResult struct {
	MatchID      int64          `json:"match_id"`
	WinnerID     int64          `json:"winner_id"`
	Player1Score int            `json:"player1_score"`
	Player2Score int            `json:"player2_score"`
	GameID       string         `json:"game_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
