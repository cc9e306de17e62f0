package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/sanitize"
	"github.com/pong-tournament/internal/service"
	"github.com/pong-tournament/internal/validate"
)

// Inbound tournament events
const (
	EventCreate     = "create"
	EventJoin       = "join"
	EventLeave      = "leave"
	EventGetDetails = "get-details"
	EventGetBracket = "get-bracket"
)

// TournamentService is the part of the service layer the router drives
type TournamentService interface {
	CreateTournament(ctx context.Context, req domain.CreateTournamentRequest, creatorID int64) (*domain.Tournament, error)
	ResolveTournament(ctx context.Context, explicitID *int64) (*int64, error)
	Join(ctx context.Context, tournamentID, userID int64, username string) (*service.JoinResult, error)
	Leave(ctx context.Context, tournamentID, userID int64) (*service.LeaveResult, error)
	Details(ctx context.Context, explicitID *int64, userID int64) (*domain.TournamentDetails, error)
	Bracket(ctx context.Context, explicitID *int64) ([]domain.Match, error)
}

// Command is one decoded tournament event
type Command interface {
	accept(v CommandVisitor) error
}

// CommandVisitor has one method per event kind. Adding a kind means
// adding a method here, so every visitor must handle it.
type CommandVisitor interface {
	visitCreate(cmd CreateCommand) error
	visitJoin(cmd JoinCommand) error
	visitLeave(cmd LeaveCommand) error
	visitDetails(cmd DetailsCommand) error
	visitBracket(cmd BracketCommand) error
}

// CreateCommand opens a new tournament
type CreateCommand struct {
	domain.CreateTournamentRequest
}

// target is the optional tournament reference shared by the other events
type target struct {
	TournamentID *int64 `json:"tournamentId,omitempty"`
}

// JoinCommand registers the caller
type JoinCommand struct{ target }

// LeaveCommand withdraws the caller
type LeaveCommand struct{ target }

// DetailsCommand asks for the caller's view of a tournament
type DetailsCommand struct{ target }

// BracketCommand asks for the ordered match list
type BracketCommand struct{ target }

func (c CreateCommand) accept(v CommandVisitor) error  { return v.visitCreate(c) }
func (c JoinCommand) accept(v CommandVisitor) error    { return v.visitJoin(c) }
func (c LeaveCommand) accept(v CommandVisitor) error   { return v.visitLeave(c) }
func (c DetailsCommand) accept(v CommandVisitor) error { return v.visitDetails(c) }
func (c BracketCommand) accept(v CommandVisitor) error { return v.visitBracket(c) }

// Decode turns a sanitised event payload into a Command
func Decode(event string, data map[string]any, v *validate.Validator) (Command, error) {
	switch event {
	case EventCreate:
		var cmd CreateCommand
		if err := remarshal(data, &cmd.CreateTournamentRequest); err != nil {
			return nil, err
		}
		if err := v.Struct(cmd.CreateTournamentRequest); err != nil {
			return nil, err
		}
		return cmd, nil
	case EventJoin:
		t, err := decodeTarget(data)
		return JoinCommand{t}, err
	case EventLeave:
		t, err := decodeTarget(data)
		return LeaveCommand{t}, err
	case EventGetDetails:
		t, err := decodeTarget(data)
		return DetailsCommand{t}, err
	case EventGetBracket:
		t, err := decodeTarget(data)
		return BracketCommand{t}, err
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, event)
}

func decodeTarget(data map[string]any) (target, error) {
	var t target
	if err := remarshal(data, &t); err != nil {
		return t, err
	}
	if t.TournamentID != nil && *t.TournamentID <= 0 {
		return t, &domain.ValidationError{Field: "tournamentId", Message: "must be positive"}
	}
	return t, nil
}

func remarshal(data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return &domain.ValidationError{Message: "invalid payload"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &domain.ValidationError{Field: typeErr.Field, Message: "has the wrong type"}
		}
		return &domain.ValidationError{Message: "invalid payload"}
	}
	return nil
}

// Router validates, sanitises and dispatches tournament events
type Router struct {
	service   TournamentService
	validator *validate.Validator
	logger    *slog.Logger
}

// NewRouter creates a new event router
func NewRouter(svc TournamentService, v *validate.Validator, logger *slog.Logger) *Router {
	return &Router{service: svc, validator: v, logger: logger}
}

// Handle processes one tournament event from c. Failures are reported to
// c as an error envelope and never close the connection.
func (r *Router) Handle(ctx context.Context, c *Client, event string, raw json.RawMessage) {
	if err := r.handle(ctx, c, event, raw); err != nil {
		r.reportError(c, event, err)
	}
}

func (r *Router) handle(ctx context.Context, c *Client, event string, raw json.RawMessage) error {
	userID := c.UserID()
	if c.identity == nil {
		return domain.ErrUnauthenticated
	}
	if err := sanitize.ValidUserID(userID); err != nil {
		return err
	}

	data, err := decodeData(raw)
	if err != nil {
		return err
	}
	data = sanitize.Strings(data)

	if field, found := sanitize.DetectSQLInjection(data); found {
		return &securityError{field: field}
	}

	cmd, err := Decode(event, data, r.validator)
	if err != nil {
		return err
	}

	return cmd.accept(&dispatcher{ctx: ctx, router: r, client: c})
}

func decodeData(raw json.RawMessage) (map[string]any, error) {
	data := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, &domain.ValidationError{Field: "data", Message: "must be an object"}
	}
	return data, nil
}

// securityError marks an injection match. Its field is logged, never sent.
type securityError struct {
	field string
}

func (e *securityError) Error() string {
	return "injection pattern in " + e.field
}

func (e *securityError) Unwrap() error {
	return domain.ErrSecurityRejection
}

func (r *Router) reportError(c *Client, event string, err error) {
	logger := r.logger.With("client_id", c.id, "user_id", c.UserID(), "event", event)

	switch domain.KindOf(err) {
	case domain.KindSecurity:
		attrs := []any{"security_rejection", true, "error", err}
		var se *securityError
		if errors.As(err, &se) {
			attrs = append(attrs, "field", se.field)
		}
		logger.Warn("tournament event rejected", attrs...)
	case domain.KindInternal:
		logger.Error("tournament event failed", "error", err)
	default:
		logger.Info("tournament event refused", "error", err)
	}

	r.reply(c, EventError, map[string]string{"message": domain.PublicMessage(err)})
}

func (r *Router) reply(c *Client, event string, payload any) {
	data, err := sanitize.Message(payload)
	if err != nil {
		r.logger.Error("failed to encode reply", "event", event, "error", err)
		return
	}
	c.Send(&Message{Type: MessageTypeTournament, Event: event, Data: data, Timestamp: time.Now()})
}

// dispatcher executes commands for one client. Successful state changes
// are broadcast by the hub notifier, so create, join and leave send no
// direct reply.
type dispatcher struct {
	ctx    context.Context
	router *Router
	client *Client
}

func (d *dispatcher) resolve(t target) (int64, error) {
	id, err := d.router.service.ResolveTournament(d.ctx, t.TournamentID)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, domain.ErrTournamentNotFound
	}
	return *id, nil
}

func (d *dispatcher) visitCreate(cmd CreateCommand) error {
	_, err := d.router.service.CreateTournament(d.ctx, cmd.CreateTournamentRequest, d.client.UserID())
	return err
}

func (d *dispatcher) visitJoin(cmd JoinCommand) error {
	id, err := d.resolve(cmd.target)
	if err != nil {
		return err
	}
	_, err = d.router.service.Join(d.ctx, id, d.client.UserID(), d.client.Username())
	return err
}

func (d *dispatcher) visitLeave(cmd LeaveCommand) error {
	id, err := d.resolve(cmd.target)
	if err != nil {
		return err
	}
	_, err = d.router.service.Leave(d.ctx, id, d.client.UserID())
	return err
}

func (d *dispatcher) visitDetails(cmd DetailsCommand) error {
	details, err := d.router.service.Details(d.ctx, cmd.TournamentID, d.client.UserID())
	if err != nil {
		return err
	}
	d.router.reply(d.client, EventDetails, details)
	return nil
}

type bracketReply struct {
	TournamentID *int64         `json:"tournamentId"`
	Bracket      []domain.Match `json:"bracket"`
}

func (d *dispatcher) visitBracket(cmd BracketCommand) error {
	id, err := d.router.service.ResolveTournament(d.ctx, cmd.TournamentID)
	if err != nil {
		return err
	}
	reply := bracketReply{TournamentID: id}
	if id != nil {
		reply.Bracket, err = d.router.service.Bracket(d.ctx, id)
		if err != nil {
			return err
		}
	}
	d.router.reply(d.client, EventBracket, reply)
	return nil
}
