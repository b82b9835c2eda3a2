package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/stv-board/internal/auth"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/metrics"
)

// Board is the record state sessions read and mutate.
type Board interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	AddCheater(ctx context.Context, in domain.CheaterInput) (*domain.Cheater, error)
	UpdateCheater(ctx context.Context, id string, in domain.CheaterInput) (*domain.Cheater, error)
	DeleteCheater(ctx context.Context, id string) error
	UpdateHistoryEntry(ctx context.Context, ref domain.HistoryEntryRef, in domain.HistoryInput) (*domain.Cheater, error)
	DeleteHistoryEntry(ctx context.Context, ref domain.HistoryEntryRef) (*domain.Cheater, error)
}

// TokenVerifier checks the capability token carried by mutating commands.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Stats describes the hub for the stats endpoint
type Stats struct {
	Connections int `json:"connections"`
}

// Hub maintains the set of active clients and broadcasts events to all of them
type Hub struct {
	board    Board
	verifier TokenVerifier
	cfg      config.WebSocketConfig
	origins  []string
	metrics  *metrics.Collector

	// Registered clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Encoded events for every client
	broadcast chan *outbound

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type outbound struct {
	eventType domain.EventType
	data      []byte
}

// NewHub creates a new Hub
func NewHub(board Board, verifier TokenVerifier, cfg config.WebSocketConfig, origins []string, m *metrics.Collector, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		board:      board,
		verifier:   verifier,
		cfg:        cfg,
		origins:    origins,
		metrics:    m,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *outbound, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)
			h.announceCount()

		case client := <-h.unregister:
			if h.remove(client) {
				h.logger.Debug("client unregistered", "client_id", client.id)
				h.announceCount()
			}

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Stop stops the hub and closes every session
func (h *Hub) Stop() {
	h.cancel()
}

// Broadcast encodes event and queues it for every registered client. Events
// are delivered in the order Broadcast is called.
func (h *Hub) Broadcast(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- &outbound{eventType: event.Type, data: data}:
	case <-h.ctx.Done():
	}
}

// deliver hands a message to every client. A client that cannot take it is
// dropped, so it reconnects and starts again from a snapshot.
func (h *Hub) deliver(message *outbound) {
	h.metrics.Broadcast(string(message.eventType))

	var lagging []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.enqueue(message.data) {
			lagging = append(lagging, client)
		}
	}
	h.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	for _, client := range lagging {
		if h.remove(client) {
			h.logger.Warn("client buffer full, dropping session", "client_id", client.id)
			h.metrics.SessionDropped()
		}
	}
	h.announceCount()
}

func (h *Hub) announceCount() {
	h.mu.RLock()
	count := len(h.clients)
	h.mu.RUnlock()

	h.metrics.SetSessions(count)

	data, err := json.Marshal(domain.Event{
		Type: domain.EventConnectionCount,
		Data: domain.ConnectionCount{Count: count},
	})
	if err != nil {
		h.logger.Error("failed to marshal connection count", "error", err)
		return
	}
	h.deliver(&outbound{eventType: domain.EventConnectionCount, data: data})
}

func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if ok {
		client.closeSend()
	}
	return ok
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for client := range clients {
		client.closeSend()
	}
	h.metrics.SetSessions(0)
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		client.closeSend()
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns a summary of the hub
func (h *Hub) Stats() Stats {
	return Stats{Connections: h.GetTotalConnections()}
}

func (h *Hub) snapshotTimeout() time.Duration {
	if h.cfg.SnapshotTimeout > 0 {
		return h.cfg.SnapshotTimeout
	}
	return 10 * time.Second
}

func (h *Hub) commandTimeout() time.Duration {
	if h.cfg.CommandTimeout > 0 {
		return h.cfg.CommandTimeout
	}
	return 10 * time.Second
}
