package domain

import "errors"

// Domain errors
var (
	ErrTournamentNotFound       = errors.New("tournament not found")
	ErrMatchNotFound            = errors.New("match not found")
	ErrAlreadyJoined            = errors.New("you are already registered for this tournament")
	ErrNotJoinable              = errors.New("tournament is not open for registration")
	ErrTournamentFull           = errors.New("tournament is full")
	ErrAlreadyStarted           = errors.New("tournament has already started")
	ErrActiveTournamentExists   = errors.New("a tournament is already active")
	ErrInvalidState             = errors.New("tournament cannot be changed in its current status")
	ErrInsufficientParticipants = errors.New("need at least 2 participants to start tournament")
	ErrForbidden                = errors.New("only the tournament creator can perform this action")
	ErrMatchAlreadyDecided      = errors.New("match result has already been recorded")
	ErrInvalidWinner            = errors.New("winner is not part of this match")
	ErrInvalidInput             = errors.New("invalid input")
	ErrSecurityRejection        = errors.New("request rejected")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrUnauthenticated          = errors.New("authentication required")
	ErrUnknownEvent             = errors.New("unknown event")
	ErrInternal                 = errors.New("internal server error")
)

// Kind groups errors by how a transport should report them
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindSecurity
	KindStateConflict
	KindPermission
	KindNotFound
	KindUnauthenticated
)

// ValidationError carries a user-correctable input problem
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrInvalidInput
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// KindOf classifies err
func KindOf(err error) Kind {
	var ve *ValidationError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &ve),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidWinner),
		errors.Is(err, ErrUnknownEvent):
		return KindValidation
	case errors.Is(err, ErrSecurityRejection), errors.Is(err, ErrInvalidUserID):
		return KindSecurity
	case errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrNotJoinable),
		errors.Is(err, ErrTournamentFull),
		errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrActiveTournamentExists),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInsufficientParticipants),
		errors.Is(err, ErrMatchAlreadyDecided):
		return KindStateConflict
	case errors.Is(err, ErrForbidden):
		return KindPermission
	case errors.Is(err, ErrTournamentNotFound), errors.Is(err, ErrMatchNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	}
	return KindInternal
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return KindOf(err) == KindNotFound
}

var publicErrors = []error{
	ErrTournamentNotFound, ErrMatchNotFound, ErrAlreadyJoined, ErrNotJoinable,
	ErrTournamentFull, ErrAlreadyStarted, ErrActiveTournamentExists, ErrInvalidState,
	ErrInsufficientParticipants, ErrForbidden, ErrMatchAlreadyDecided, ErrInvalidWinner,
	ErrUnauthenticated, ErrUnknownEvent,
}

// PublicMessage returns the text safe to show a client for err.
// Wrapping context added by inner layers is never exposed.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindSecurity:
		return "invalid request"
	case KindInternal:
		return ErrInternal.Error()
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrInvalidInput.Error()
}
