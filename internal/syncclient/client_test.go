package syncclient_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stv-board/internal/auth"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/handler"
	"github.com/stv-board/internal/memory"
	"github.com/stv-board/internal/ratelimit"
	"github.com/stv-board/internal/service"
	"github.com/stv-board/internal/syncclient"
	"github.com/stv-board/internal/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBoardServer(t *testing.T) (*httptest.Server, *service.BoardService) {
	t.Helper()
	logger := quietLogger()

	board := service.NewBoardService(memory.NewStore(), nil, logger)
	issuer := auth.NewIssuer(&config.AuthConfig{
		AdminPassword: "hunter2",
		TokenSecret:   "secret",
		TokenTTL:      time.Hour,
		Issuer:        "stv-board",
	}, nil)
	guard := ratelimit.NewGuard(ratelimit.NewMemoryLimiter(100, nil), &config.RateLimitConfig{})
	hub := websocket.NewHub(board, issuer, config.WebSocketConfig{SendBuffer: 64}, []string{"*"}, nil, logger)
	board.SetBroadcaster(hub)
	go hub.Run()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(handler.NewHandler(board, issuer, guard, hub, nil, []string{"*"}, logger).Router())
	t.Cleanup(server.Close)
	return server, board
}

func startClient(t *testing.T, client *syncclient.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestClientMirrorsBoard(t *testing.T) {
	server, board := newBoardServer(t)
	mirror := syncclient.NewMirror()
	client, err := syncclient.NewClient(server.URL, mirror, nil, syncclient.Options{
		Backoff: syncclient.FixedBackoff(10 * time.Millisecond),
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	startClient(t, client)

	require.Eventually(t, mirror.Synced, 2*time.Second, 10*time.Millisecond)

	_, err = board.AddCheater(context.Background(), domain.CheaterInput{PlayerName: "A", SteamID: "S1", ServerName: "X"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(mirror.Cheaters()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Without a token the command is refused and nothing changes.
	require.NoError(t, client.Send(domain.EventCheaterAdded, domain.CheaterInput{PlayerName: "A", SteamID: "S1", ServerName: "Y"}))
	require.Eventually(t, func() bool {
		e := mirror.LastError()
		return e != nil && e.Code == domain.KindUnauthorized
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, mirror.Cheaters()[0].DetectionCount)

	require.NoError(t, client.Login(context.Background(), "hunter2"))
	require.NotEmpty(t, client.Tokens().Token())

	require.NoError(t, client.Send(domain.EventCheaterAdded, domain.CheaterInput{PlayerName: "A", SteamID: "S1", ServerName: "Y"}))
	require.Eventually(t, func() bool {
		list := mirror.Cheaters()
		return len(list) == 1 && list[0].DetectionCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := mirror.Cheaters()[0]
	require.Equal(t, "Y", got.ServerName)
	require.Len(t, got.History, 1)
	require.Equal(t, "X", got.History[0].ServerName)
}

func TestClientLoginRejected(t *testing.T) {
	server, _ := newBoardServer(t)
	client, err := syncclient.NewClient(server.URL, syncclient.NewMirror(), nil, syncclient.Options{})
	require.NoError(t, err)

	require.ErrorIs(t, client.Login(context.Background(), "wrong"), domain.ErrUnauthorized)
	require.Empty(t, client.Tokens().Token())
}

func TestClientSendWithoutSession(t *testing.T) {
	client, err := syncclient.NewClient("http://127.0.0.1:1", syncclient.NewMirror(), nil, syncclient.Options{})
	require.NoError(t, err)
	require.ErrorIs(t, client.Send(domain.CommandPing, nil), syncclient.ErrNotConnected)

	_, err = syncclient.NewClient("ftp://example.com", syncclient.NewMirror(), nil, syncclient.Options{})
	require.Error(t, err)
}

// flakyServer closes every session after reading one command and records it.
type flakyServer struct {
	sessions atomic.Int32
	commands chan map[string]any
}

func (s *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.sessions.Add(1)

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var cmd map[string]any
	if json.Unmarshal(frame, &cmd) == nil {
		select {
		case s.commands <- cmd:
		default:
		}
	}
}

func TestClientReconnectsAndAttachesTokenToMutations(t *testing.T) {
	flaky := &flakyServer{commands: make(chan map[string]any, 4)}
	server := httptest.NewServer(flaky)
	t.Cleanup(server.Close)

	var (
		mu       sync.Mutex
		statuses []syncclient.Status
	)
	tokens := &syncclient.TokenStore{}
	tokens.Set("tkn")
	client, err := syncclient.NewClient(server.URL, syncclient.NewMirror(), tokens, syncclient.Options{
		Backoff: syncclient.FixedBackoff(10 * time.Millisecond),
		Logger:  quietLogger(),
		OnStatus: func(s syncclient.Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	startClient(t, client)

	// A write can land on a session the server already closed, so resend
	// until a command of the wanted type arrives.
	sendOnce := func(typ domain.EventType, data any) map[string]any {
		deadline := time.After(5 * time.Second)
		for {
			_ = client.Send(typ, data)
			select {
			case cmd := <-flaky.commands:
				if cmd["type"] == string(typ) {
					return cmd
				}
			case <-time.After(50 * time.Millisecond):
			case <-deadline:
				t.Fatalf("no %s command received", typ)
			}
		}
	}

	ping := sendOnce(domain.CommandPing, nil)
	require.Equal(t, string(domain.CommandPing), ping["type"])
	require.NotContains(t, ping, "token")

	del := sendOnce(domain.EventCheaterDeleted, domain.DeletedRecord{ID: "c1"})
	require.Equal(t, "tkn", del["token"])

	require.GreaterOrEqual(t, flaky.sessions.Load(), int32(2))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, syncclient.StatusConnecting, statuses[0])
	require.Contains(t, statuses, syncclient.StatusReconnecting)
}

func TestBackoff(t *testing.T) {
	require.Equal(t, 5*time.Second, syncclient.FixedBackoff(syncclient.DefaultReconnectDelay)(7))

	backoff := syncclient.ExponentialBackoff(100*time.Millisecond, 2*time.Second)
	for attempt := range 70 {
		ceiling := 2 * time.Second
		if attempt < 5 {
			ceiling = (100 * time.Millisecond) << attempt
		}
		d := backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, ceiling)
	}
}
