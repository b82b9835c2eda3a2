// Package syncclient keeps a local mirror of the board in step with the
// realtime channel and renders filtered, sorted views of it.
package syncclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stv-board/internal/domain"
)

// Message is a server event as received, before its payload is decoded.
type Message struct {
	Type domain.EventType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

func decodePayload[T any](msg Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, fmt.Errorf("decoding %s: %w", msg.Type, err)
	}
	return out, nil
}

// ApplyCheaterEvent returns the cheater list after msg. The input slice is
// never modified. Events that do not concern cheaters return list as is.
func ApplyCheaterEvent(list []domain.Cheater, msg Message) ([]domain.Cheater, error) {
	switch msg.Type {
	case domain.EventInitialData:
		snap, err := decodePayload[domain.Snapshot](msg)
		if err != nil {
			return list, err
		}
		if snap.Cheaters == nil {
			return []domain.Cheater{}, nil
		}
		return snap.Cheaters, nil

	case domain.EventCheaterAdded, domain.EventCheaterUpdated,
		domain.EventHistoryEntryUpdated, domain.EventHistoryEntryDeleted:
		c, err := decodePayload[domain.Cheater](msg)
		if err != nil {
			return list, err
		}
		if i := indexCheater(list, c.ID); i >= 0 {
			return replaceAt(list, i, c), nil
		}
		return prepend(list, c), nil

	case domain.EventCheaterDeleted:
		rec, err := decodePayload[domain.DeletedRecord](msg)
		if err != nil {
			return list, err
		}
		out := make([]domain.Cheater, 0, len(list))
		for _, c := range list {
			if c.ID != rec.ID {
				out = append(out, c)
			}
		}
		return out, nil
	}
	return list, nil
}

// ApplyTicketEvent returns the open ticket list after msg. Tickets that leave
// the open state are dropped.
func ApplyTicketEvent(list []domain.Ticket, msg Message) ([]domain.Ticket, error) {
	switch msg.Type {
	case domain.EventInitialData:
		snap, err := decodePayload[domain.Snapshot](msg)
		if err != nil {
			return list, err
		}
		if snap.Tickets == nil {
			return []domain.Ticket{}, nil
		}
		return snap.Tickets, nil

	case domain.EventTicketAdded, domain.EventTicketUpdated:
		t, err := decodePayload[domain.Ticket](msg)
		if err != nil {
			return list, err
		}
		i := indexTicket(list, t.ID)
		switch {
		case t.Status != domain.TicketStatusOpen:
			if i < 0 {
				return list, nil
			}
			out := make([]domain.Ticket, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), nil
		case i >= 0:
			return replaceAt(list, i, t), nil
		default:
			return prepend(list, t), nil
		}
	}
	return list, nil
}

func indexCheater(list []domain.Cheater, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func indexTicket(list []domain.Ticket, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func prepend[T any](list []T, v T) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, v)
	return append(out, list...)
}

func replaceAt[T any](list []T, i int, v T) []T {
	out := append([]T(nil), list...)
	out[i] = v
	return out
}

// Mirror is the client side copy of the board. It is safe for concurrent use.
type Mirror struct {
	mu          sync.RWMutex
	cheaters    []domain.Cheater
	tickets     []domain.Ticket
	connections int
	synced      bool
	lastError   *domain.ErrorPayload
	updatedAt   time.Time
	now         func() time.Time
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{now: time.Now}
}

// Apply decodes one raw frame and folds it into the mirror.
func (m *Mirror) Apply(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return msg, fmt.Errorf("decoding event: %w", err)
	}
	return msg, m.ApplyMessage(msg)
}

// ApplyMessage folds an already decoded event into the mirror.
func (m *Mirror) ApplyMessage(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case domain.EventConnectionCount:
		cc, err := decodePayload[domain.ConnectionCount](msg)
		if err != nil {
			return err
		}
		m.connections = cc.Count
		return nil
	case domain.EventErrorOccurred:
		p, err := decodePayload[domain.ErrorPayload](msg)
		if err != nil {
			return err
		}
		m.lastError = &p
		return nil
	case domain.EventPong:
		return nil
	}

	cheaters, err := ApplyCheaterEvent(m.cheaters, msg)
	if err != nil {
		return err
	}
	tickets, err := ApplyTicketEvent(m.tickets, msg)
	if err != nil {
		return err
	}
	m.cheaters, m.tickets = cheaters, tickets
	if msg.Type == domain.EventInitialData {
		m.synced = true
	}
	m.updatedAt = m.now()
	return nil
}

// Cheaters returns a copy of the mirrored cheater list.
func (m *Mirror) Cheaters() []domain.Cheater {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Cheater, len(m.cheaters))
	for i, c := range m.cheaters {
		out[i] = c.Clone()
	}
	return out
}

// Tickets returns a copy of the mirrored open tickets.
func (m *Mirror) Tickets() []domain.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Ticket, len(m.tickets))
	for i, t := range m.tickets {
		out[i] = t.Clone()
	}
	return out
}

// Connections is the last announced number of connected sessions.
func (m *Mirror) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections
}

// Synced reports whether a snapshot has been received.
func (m *Mirror) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// LastError returns the most recent error reported by the server, if any.
func (m *Mirror) LastError() *domain.ErrorPayload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastError == nil {
		return nil
	}
	p := *m.lastError
	return &p
}

// UpdatedAt is when records last changed.
func (m *Mirror) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}
