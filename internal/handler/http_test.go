package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/stv-board/internal/auth"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/handler"
	"github.com/stv-board/internal/memory"
	"github.com/stv-board/internal/metrics"
	"github.com/stv-board/internal/ratelimit"
	"github.com/stv-board/internal/redis"
	"github.com/stv-board/internal/service"
	"github.com/stv-board/internal/websocket"
)

type fixture struct {
	handler *handler.Handler
	router  http.Handler
	board   *service.BoardService
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()

	board := service.NewBoardService(memory.NewStore(), clock, logger)
	issuer := auth.NewIssuer(&config.AuthConfig{
		AdminPassword: "hunter2",
		TokenSecret:   "secret",
		TokenTTL:      time.Hour,
		Issuer:        "stv-board",
	}, clock)
	guard := ratelimit.NewGuard(ratelimit.NewMemoryLimiter(100, clock), &config.RateLimitConfig{
		TicketCooldown: 5 * time.Minute,
		AcceptCooldown: 30 * time.Second,
		LoginCooldown:  2 * time.Second,
	})
	m := metrics.New()
	hub := websocket.NewHub(board, issuer, config.WebSocketConfig{}, []string{"*"}, m, logger)
	board.SetBroadcaster(hub)
	go hub.Run()
	t.Cleanup(hub.Stop)

	h := handler.NewHandler(board, issuer, guard, hub, m, []string{"*"}, logger)
	return &fixture{handler: h, router: h.Router(), board: board, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path, addr string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = addr + ":40000"
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/login", "10.0.0.1", handler.LoginRequest{Password: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decode[handler.LoginResponse](t, rec).Token)

	rec = f.do(t, http.MethodPost, "/login", "10.0.0.2", handler.LoginRequest{Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[handler.ErrorResponse](t, rec)
	require.Equal(t, domain.KindUnauthorized, body.Code)
	require.Contains(t, body.Message, "invalid password")

	rec = f.do(t, http.MethodPost, "/login", "10.0.0.3", "{")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/login", "10.0.0.1", handler.LoginRequest{Password: "a"}).Code)

	rec := f.do(t, http.MethodPost, "/login", "10.0.0.1", handler.LoginRequest{Password: "hunter2"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))

	f.clock.Advance(2 * time.Second)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/login", "10.0.0.1", handler.LoginRequest{Password: "hunter2"}).Code)
}

func TestCreateTicketCooldown(t *testing.T) {
	f := newFixture(t)
	req := domain.CreateTicketRequest{ClanName: "Red", ContactInfo: "red#1", Schedule: "Sunday 20:00 CET"}

	rec := f.do(t, http.MethodPost, "/api/tickets", "10.0.0.1", req)
	require.Equal(t, http.StatusCreated, rec.Code)
	ticket := decode[domain.Ticket](t, rec)
	require.Equal(t, domain.TicketStatusOpen, ticket.Status)
	require.Equal(t, "Sunday 20:00 CET", ticket.Schedule)

	rec = f.do(t, http.MethodPost, "/api/tickets", "10.0.0.1", req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "300", rec.Header().Get("Retry-After"))
	body := decode[handler.ErrorResponse](t, rec)
	require.Equal(t, 300, body.RetryAfter)
	require.Equal(t, domain.KindRateLimited, body.Code)

	// Another address is not affected.
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tickets", "10.0.0.2", req).Code)

	f.clock.Advance(5 * time.Minute)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tickets", "10.0.0.1", req).Code)

	rec = f.do(t, http.MethodGet, "/api/tickets", "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.Ticket](t, rec), 3)
}

func TestCreateTicketValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tickets", "10.0.0.1", domain.CreateTicketRequest{ClanName: "Red"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, domain.KindValidation, decode[handler.ErrorResponse](t, rec).Code)

	// A rejected request does not start the cooldown.
	rec = f.do(t, http.MethodPost, "/api/tickets", "10.0.0.1", domain.CreateTicketRequest{ClanName: "Red", ContactInfo: "red#1"})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestAcceptTicket(t *testing.T) {
	f := newFixture(t)
	ticket, err := f.board.CreateTicket(context.Background(), domain.CreateTicketRequest{ClanName: "Red", ContactInfo: "red#1"})
	require.NoError(t, err)

	path := "/api/tickets/" + ticket.ID + "/accept"
	rec := f.do(t, http.MethodPut, path, "10.0.0.1", domain.AcceptTicketRequest{ClanName: "Blu", ContactInfo: "blu#1"})
	require.Equal(t, http.StatusOK, rec.Code)
	accepted := decode[domain.Ticket](t, rec)
	require.Equal(t, domain.TicketStatusMatched, accepted.Status)
	require.Equal(t, "Blu", accepted.Challenger.ClanName)

	rec = f.do(t, http.MethodPut, path, "10.0.0.2", domain.AcceptTicketRequest{ClanName: "Grn", ContactInfo: "grn#1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, domain.ErrTicketNotOpen.Error(), decode[handler.ErrorResponse](t, rec).Message)

	rec = f.do(t, http.MethodGet, "/api/tickets/"+ticket.ID, "10.0.0.2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Blu", decode[domain.Ticket](t, rec).Challenger.ClanName)

	rec = f.do(t, http.MethodPut, "/api/tickets/"+uuid.NewString()+"/accept", "10.0.0.3", domain.AcceptTicketRequest{ClanName: "Grn", ContactInfo: "grn#1"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/tickets/not-an-id/accept", "10.0.0.4", domain.AcceptTicketRequest{ClanName: "Grn", ContactInfo: "grn#1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, path, "10.0.0.1", domain.AcceptTicketRequest{ClanName: "Blu", ContactInfo: "blu#1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestListCheaters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, steamID := range []string{"S1", "S2"} {
		_, err := f.board.AddCheater(ctx, domain.CheaterInput{PlayerName: "p", SteamID: steamID})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/cheaters", "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cheaters := decode[[]domain.Cheater](t, rec)
	require.Len(t, cheaters, 2)
	require.Equal(t, "S2", cheaters[0].SteamID)
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "10.0.0.1", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "10.0.0.1", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/ws/stats", "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, decode[websocket.Stats](t, rec).Connections)

	rec = f.do(t, http.MethodGet, "/metrics", "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stv_ws_sessions")
}

func TestReadyFollowsRedisLimiter(t *testing.T) {
	f := newFixture(t)
	server := miniredis.RunT(t)

	client, err := redis.NewClient(context.Background(), &config.RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	f.handler.AddReadyCheck("redis", redis.NewRateLimiter(client, "stv:test:", slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "10.0.0.1", nil).Code)

	server.Close()
	rec := f.do(t, http.MethodGet, "/ready", "10.0.0.1", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "redis", decode[map[string]string](t, rec)["check"])
}
