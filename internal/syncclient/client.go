package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stv-board/internal/domain"
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// ErrNotConnected is returned by Send while no session is open.
var ErrNotConnected = errors.New("not connected")

// Status is the connection state reported to OnStatus.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Backoff maps the number of consecutive failed attempts to the delay before
// the next one.
type Backoff func(attempt int) time.Duration

// FixedBackoff waits d between every attempt.
func FixedBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the ceiling from base up to maxDelay and picks a
// uniformly random delay below it.
func ExponentialBackoff(base, maxDelay time.Duration) Backoff {
	return func(attempt int) time.Duration {
		ceiling := maxDelay
		if attempt < 32 {
			if d := base << attempt; d > 0 && d < maxDelay {
				ceiling = d
			}
		}
		if ceiling <= 0 {
			return 0
		}
		return rand.N(ceiling) + 1
	}
}

// TokenStore holds the capability token for the lifetime of the process.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

// Token returns the stored token, empty when logged out.
func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the stored token.
func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Options configure a Client. Zero values select the defaults.
type Options struct {
	Backoff    Backoff
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	OnStatus   func(Status)
	OnMessage  func(Message)
	Logger     *slog.Logger
}

// Client keeps a Mirror in sync with a board server.
type Client struct {
	baseURL *url.URL
	wsURL   string
	mirror  *Mirror
	tokens  *TokenStore
	opts    Options

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewClient creates a client for the server at baseURL (http or https).
func NewClient(baseURL string, mirror *Mirror, tokens *TokenStore, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	ws.Path += "/ws"

	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff(DefaultReconnectDelay)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if tokens == nil {
		tokens = &TokenStore{}
	}

	return &Client{
		baseURL: u,
		wsURL:   ws.String(),
		mirror:  mirror,
		tokens:  tokens,
		opts:    opts,
	}, nil
}

// Mirror returns the mirror the client feeds.
func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// Tokens returns the client's token store.
func (c *Client) Tokens() *TokenStore {
	return c.tokens
}

func (c *Client) status(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.status(StatusConnecting)
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		c.opts.Logger.Debug("session ended", "error", err, "attempt", attempt)
		c.status(StatusReconnecting)

		timer := time.NewTimer(c.opts.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// session runs one connection until it fails. connected reports whether the
// dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", c.wsURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.status(StatusConnected)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		msg, err := c.mirror.Apply(frame)
		if err != nil {
			c.opts.Logger.Warn("dropping unreadable event", "error", err)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

// Send writes a command on the current session. The stored token is attached
// only to commands that change records.
func (c *Client) Send(t domain.EventType, data any) error {
	cmd := struct {
		Type  domain.EventType `json:"type"`
		Data  any              `json:"data,omitempty"`
		Token string           `json:"token,omitempty"`
	}{Type: t, Data: data}
	if t.Mutating() {
		cmd.Token = c.tokens.Token()
	}
	frame, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

type errorBody struct {
	Message string `json:"message"`
}

// Login exchanges the admin password for a token and stores it.
func (c *Client) Login(ctx context.Context, password string) error {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", domain.ErrUnauthorized, eb.Message)
		case http.StatusTooManyRequests:
			secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return &domain.RateLimitError{RetryAfter: time.Duration(secs) * time.Second}
		default:
			return fmt.Errorf("login failed: %s: %s", resp.Status, eb.Message)
		}
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	c.tokens.Set(out.Token)
	return nil
}
