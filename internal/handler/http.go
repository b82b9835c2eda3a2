package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/stv-board/internal/auth"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/metrics"
	"github.com/stv-board/internal/ratelimit"
	"github.com/stv-board/internal/service"
	"github.com/stv-board/internal/websocket"
)

// Pinger is a dependency /ready checks besides the record store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readyCheck struct {
	name   string
	pinger Pinger
}

// Handler provides HTTP handlers for the board API
type Handler struct {
	board   *service.BoardService
	checks  []readyCheck
	issuer  *auth.Issuer
	guard   *ratelimit.Guard
	hub     *websocket.Hub
	metrics *metrics.Collector
	origins []string
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	board *service.BoardService,
	issuer *auth.Issuer,
	guard *ratelimit.Guard,
	hub *websocket.Hub,
	m *metrics.Collector,
	origins []string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		board:   board,
		issuer:  issuer,
		guard:   guard,
		hub:     hub,
		metrics: m,
		origins: origins,
		logger:  logger,
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message    string      `json:"message"`
	Code       domain.Kind `json:"code"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

// LoginRequest is the body of POST /login
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse carries the issued capability token
type LoginResponse struct {
	Token string `json:"token"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After"},
	}).Handler)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Post("/login", h.Login)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tickets", func(r chi.Router) {
			r.Post("/", h.CreateTicket)
			r.Get("/", h.ListTickets)
			r.Get("/{ticketID}", h.GetTicket)
			r.Put("/{ticketID}/accept", h.AcceptTicket)
		})

		r.Get("/cheaters", h.ListCheaters)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeError maps err onto a status code and the public error body
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Classify(err)
	body := ErrorResponse{Message: domain.PublicMessage(err), Code: kind}

	var rlErr *domain.RateLimitError
	if errors.As(err, &rlErr) {
		body.RetryAfter = rlErr.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}

	if kind == domain.KindServer {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}

	h.writeJSON(w, statusFor(kind), body)
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation, domain.KindProtocol:
		return http.StatusBadRequest
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Invalid("invalid request body")
	}
	return nil
}

// clientAddr returns the caller's address once RealIP has rewritten RemoteAddr.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) checkRate(r *http.Request, action ratelimit.Action) error {
	if h.guard == nil {
		return nil
	}
	err := h.guard.Check(r.Context(), action, clientAddr(r))
	if errors.Is(err, domain.ErrRateLimited) {
		h.metrics.RateLimited(string(action))
	} else if err != nil {
		// Limiter store failures fail open.
		h.logger.Error("rate limiter unavailable", "action", action, "error", err)
		return nil
	}
	return err
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWs(w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.hub.Stats())
}

// HealthCheck reports that the process is up
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// AddReadyCheck makes /ready also depend on p.
func (h *Handler) AddReadyCheck(name string, p Pinger) {
	h.checks = append(h.checks, readyCheck{name: name, pinger: p})
}

// ReadyCheck reports whether the record store and every added dependency are reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	checks := append([]readyCheck{{name: "store", pinger: h.board}}, h.checks...)
	for _, c := range checks {
		if err := c.pinger.Ping(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "check", c.name, "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"check":  c.name,
			})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Login exchanges the admin password for a capability token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := h.checkRate(r, ratelimit.ActionLogin); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.issuer.Login(req.Password)
	if err != nil {
		h.logger.Warn("login rejected", "remote_addr", clientAddr(r))
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// CreateTicket opens a match ticket
func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTicketRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Only well formed requests count against the cooldown.
	if err := h.checkRate(r, ratelimit.ActionTicketCreate); err != nil {
		h.writeError(w, r, err)
		return
	}

	ticket, err := h.board.CreateTicket(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ticket)
}

// AcceptTicket matches an open ticket with a challenger
func (h *Handler) AcceptTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	var req domain.AcceptTicketRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.checkRate(r, ratelimit.ActionTicketAccept); err != nil {
		h.writeError(w, r, err)
		return
	}

	ticket, err := h.board.AcceptTicket(r.Context(), ticketID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ticket)
}

// ListTickets returns open tickets
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.board.ListOpenTickets(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tickets)
}

// GetTicket returns one ticket in any status
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.board.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ticket)
}

// ListCheaters returns every cheater, newest first
func (h *Handler) ListCheaters(w http.ResponseWriter, r *http.Request) {
	cheaters, err := h.board.ListCheaters(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cheaters)
}
