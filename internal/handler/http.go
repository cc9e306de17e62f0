package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pong-tournament/internal/auth"
	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/sanitize"
	"github.com/pong-tournament/internal/service"
	"github.com/pong-tournament/internal/validate"
	"github.com/pong-tournament/internal/websocket"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the tournament API
type Handler struct {
	service        *service.TournamentService
	hub            *websocket.Hub
	router         *websocket.Router
	verifier       *auth.Verifier
	validator      *validate.Validator
	store          Pinger
	allowedOrigins []string
	logger         *slog.Logger
}

// Options carries the collaborators of a Handler
type Options struct {
	Service        *service.TournamentService
	Hub            *websocket.Hub
	Router         *websocket.Router
	Verifier       *auth.Verifier
	Validator      *validate.Validator
	Store          Pinger
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(opts Options) *Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		service:        opts.Service,
		hub:            opts.Hub,
		router:         opts.Router,
		verifier:       opts.Verifier,
		validator:      opts.Validator,
		store:          opts.Store,
		allowedOrigins: origins,
		logger:         opts.Logger,
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws/stats", h.GetWebSocketStats)

		r.Route("/tournaments", func(r chi.Router) {
			r.Get("/", h.ListTournaments)
			r.With(h.verifier.Middleware).Post("/", h.CreateTournament)
			r.With(h.verifier.Middleware).Put("/matches/{matchID}/complete", h.CompleteMatch)

			r.Route("/{tournamentID}", func(r chi.Router) {
				r.Get("/", h.GetTournament)
				r.Get("/bracket", h.GetBracket)

				r.Group(func(r chi.Router) {
					r.Use(h.verifier.Middleware)
					r.Post("/join", h.JoinTournament)
					r.Post("/leave", h.LeaveTournament)
					r.Post("/start", h.StartTournament)
				})
			})
		})
	})

	return r
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps err to a status code and writes {"error": message}
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindStateConflict, domain.KindSecurity:
		status = http.StatusBadRequest
	case domain.KindPermission:
		status = http.StatusForbidden
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindUnauthenticated:
		status = http.StatusUnauthorized
	}

	logger := h.logger.With("method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	switch status {
	case http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
	case http.StatusBadRequest:
		if domain.KindOf(err) == domain.KindSecurity {
			logger.Warn("request rejected", "security_rejection", true, "error", err)
		}
	}

	h.writeJSON(w, status, map[string]string{"error": domain.PublicMessage(err)})
}

// decode reads a JSON body into dst
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &domain.ValidationError{Field: typeErr.Field, Message: "has the wrong type"}
		}
		return &domain.ValidationError{Message: "invalid request body"}
	}
	return nil
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ValidationError{Field: param, Message: "must be a positive integer"}
	}
	return id, nil
}

// caller returns the authenticated identity after checking its user id
func caller(r *http.Request) (auth.Identity, error) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		return auth.Identity{}, domain.ErrUnauthenticated
	}
	if err := sanitize.ValidUserID(identity.UserID); err != nil {
		return auth.Identity{}, err
	}
	return identity, nil
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the store answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.router, h.verifier, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]int{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// CreateTournament opens a tournament owned by the caller
func (h *Handler) CreateTournament(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req domain.CreateTournamentRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Name = sanitize.String(req.Name)
	if req.Description != nil {
		d := sanitize.String(*req.Description)
		req.Description = &d
	}
	if req.Prize != nil {
		p := sanitize.String(*req.Prize)
		req.Prize = &p
	}
	fields := map[string]any{"name": req.Name}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Prize != nil {
		fields["prize"] = *req.Prize
	}
	if field, found := sanitize.DetectSQLInjection(fields); found {
		h.logger.Warn("request rejected", "security_rejection", true, "field", field, "user_id", identity.UserID)
		h.writeError(w, r, domain.ErrSecurityRejection)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	t, err := h.service.CreateTournament(r.Context(), req, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"message":    "tournament created successfully",
		"tournament": t,
	})
}

// ListTournaments returns a page of tournaments with the total count
func (h *Handler) ListTournaments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TournamentFilter{Status: domain.TournamentStatus(q.Get("status"))}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, &domain.ValidationError{Field: "limit", Message: "must be an integer"})
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, &domain.ValidationError{Field: "offset", Message: "must be an integer"})
			return
		}
		filter.Offset = offset
	}

	tournaments, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tournaments == nil {
		tournaments = []domain.Tournament{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tournaments": tournaments,
		"total":       total,
	})
}

// GetTournament returns a tournament with its participants and bracket
func (h *Handler) GetTournament(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tournamentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	t, err := h.service.Tournament(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	participants, err := h.service.Participants(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bracket, err := h.service.Bracket(r.Context(), &id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if participants == nil {
		participants = []domain.Participant{}
	}
	if bracket == nil {
		bracket = []domain.Match{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tournament":   t,
		"participants": participants,
		"bracket":      bracket,
	})
}

// GetBracket returns the ordered match list of a tournament
func (h *Handler) GetBracket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tournamentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	bracket, err := h.service.Bracket(r.Context(), &id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if bracket == nil {
		bracket = []domain.Match{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"bracket": bracket})
}

// JoinTournament registers the caller
func (h *Handler) JoinTournament(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "tournamentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.service.Join(r.Context(), id, identity.UserID, sanitize.String(identity.Username))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":             "joined tournament successfully",
		"currentParticipants": result.Count,
		"started":             result.Started,
	})
}

// LeaveTournament withdraws the caller before the tournament starts
func (h *Handler) LeaveTournament(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "tournamentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.service.Leave(r.Context(), id, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":             "left tournament successfully",
		"left":                result.Left,
		"currentParticipants": result.Count,
	})
}

// StartTournament starts a tournament on behalf of its creator
func (h *Handler) StartTournament(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "tournamentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	t, matches, err := h.service.Start(r.Context(), id, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":    "tournament started successfully",
		"tournament": t,
		"bracket":    matches,
	})
}

// CompleteMatch records the result of a match
func (h *Handler) CompleteMatch(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	matchID, err := pathID(r, "matchID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req domain.CompleteMatchRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	outcome, err := h.service.CompleteMatch(r.Context(), service.MatchReport{
		MatchID:      matchID,
		WinnerID:     req.WinnerID,
		Player1Score: req.Player1Score,
		Player2Score: req.Player2Score,
		ReportedBy:   &identity.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":    "match completed successfully",
		"match":      outcome.Match,
		"nextRound":  outcome.NextRound,
		"completed":  outcome.Completed,
		"championId": outcome.ChampionID,
	})
}
