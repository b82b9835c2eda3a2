package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stv-board/internal/domain"
	"go.uber.org/ratelimit"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	defaultMaxMessageSize = 64 * 1024

	defaultSendBuffer = 256
)

// Client is one connected session. Outbound messages are held in pending until
// the session's snapshot has been queued, so nothing overtakes it.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	pace   ratelimit.Limiter
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	closed  bool
	pending [][]byte
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	buffer := hub.cfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	pace := ratelimit.NewUnlimited()
	if hub.cfg.CommandsPerSecond > 0 {
		pace = ratelimit.New(hub.cfg.CommandsPerSecond)
	}

	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, buffer),
		pace:   pace,
		logger: logger.With("client_id", id),
	}
}

// enqueue queues data for the write pump. It reports false when the session
// cannot keep up and should be dropped.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	if !c.ready {
		if len(c.pending) >= cap(c.send) {
			return false
		}
		c.pending = append(c.pending, data)
		return true
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliverSnapshot queues the snapshot (or the error replacing it) ahead of
// everything held while it loaded, then opens the session for direct delivery.
func (c *Client) deliverSnapshot(first []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	queue := append([][]byte{first}, c.pending...)
	c.pending = nil
	for _, data := range queue {
		select {
		case c.send <- data:
		default:
			c.logger.Warn("send buffer full while flushing snapshot")
			c.closed = true
			close(c.send)
			return
		}
	}
	c.ready = true
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendEvent(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("send buffer full, dropping reply", "type", event.Type)
	}
}

func (c *Client) sendError(err error) {
	c.sendEvent(domain.ErrorEvent(err))
}

func (c *Client) loadSnapshot() ([]byte, error) {
	ctx, cancel := context.WithTimeout(c.hub.ctx, c.hub.snapshotTimeout())
	defer cancel()

	snap, err := c.hub.board.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.Event{Type: domain.EventInitialData, Data: snap})
}

// initialSync sends the connect-time snapshot. A load failure is reported to
// the session in its place and the session stays open.
func (c *Client) initialSync() {
	data, err := c.loadSnapshot()
	if err != nil {
		c.logger.Error("failed to load snapshot", "error", err)
		data, _ = json.Marshal(domain.ErrorEvent(err))
	}
	c.deliverSnapshot(data)
}

// readPump pumps messages from the WebSocket connection to the board
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	limit := c.hub.cfg.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.initialSync()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		c.pace.Take()
		c.handleMessage(message)
	}
}

// handleMessage decodes and runs one command. Failures are reported to this
// session only; successful mutations reach it through the broadcast.
func (c *Client) handleMessage(message []byte) {
	var cmd domain.Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.reject("", fmt.Errorf("%w: %v", domain.ErrProtocol, err))
		return
	}

	if cmd.Type.Mutating() {
		if _, err := c.hub.verifier.Verify(cmd.Token); err != nil {
			c.reject(cmd.Type, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, c.hub.commandTimeout())
	defer cancel()

	if err := c.dispatch(ctx, cmd); err != nil {
		c.reject(cmd.Type, err)
		return
	}
	c.hub.metrics.Command(string(cmd.Type), "ok")
}

func (c *Client) dispatch(ctx context.Context, cmd domain.Command) error {
	board := c.hub.board

	switch cmd.Type {
	case domain.CommandPing:
		c.sendEvent(domain.Event{Type: domain.EventPong, Data: struct{}{}})
		return nil

	case domain.CommandRequestSnapshot:
		data, err := c.loadSnapshot()
		if err != nil {
			return err
		}
		if !c.enqueue(data) {
			c.logger.Warn("send buffer full, dropping snapshot")
		}
		return nil

	case domain.EventCheaterAdded:
		var in domain.CheaterInput
		if err := decodeData(cmd.Data, &in); err != nil {
			return err
		}
		_, err := board.AddCheater(ctx, in)
		return err

	case domain.EventCheaterUpdated:
		var update domain.CheaterUpdate
		if err := decodeData(cmd.Data, &update); err != nil {
			return err
		}
		_, err := board.UpdateCheater(ctx, update.ID, update.CheaterInput)
		return err

	case domain.EventCheaterDeleted:
		var deleted domain.DeletedRecord
		if err := decodeData(cmd.Data, &deleted); err != nil {
			return err
		}
		return board.DeleteCheater(ctx, deleted.ID)

	case domain.EventHistoryEntryUpdated:
		var update domain.HistoryEntryUpdate
		if err := decodeData(cmd.Data, &update); err != nil {
			return err
		}
		_, err := board.UpdateHistoryEntry(ctx, update.HistoryEntryRef, update.UpdatedHistoryData)
		return err

	case domain.EventHistoryEntryDeleted:
		var ref domain.HistoryEntryRef
		if err := decodeData(cmd.Data, &ref); err != nil {
			return err
		}
		_, err := board.DeleteHistoryEntry(ctx, ref)
		return err

	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrProtocol, cmd.Type)
	}
}

func (c *Client) reject(commandType domain.EventType, err error) {
	kind := domain.Classify(err)
	if kind == domain.KindServer {
		c.logger.Error("command failed", "type", commandType, "error", err)
	} else {
		c.logger.Warn("command rejected", "type", commandType, "kind", kind, "error", err)
	}
	c.hub.metrics.Command(string(commandType), string(kind))
	c.sendError(err)
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", domain.ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	return nil
}

// writePump pumps messages from the hub to the WebSocket connection, one frame
// per event
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
		},
	}
}

// ServeWs handles WebSocket requests from peers
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h, conn, h.logger)
	h.Register(client)

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	client.logger.Debug("new websocket connection", "remote_addr", r.RemoteAddr)
}
