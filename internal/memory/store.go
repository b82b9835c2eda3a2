// Package memory is an in-process record store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stv-board/internal/domain"
)

// Store keeps cheaters and tickets in maps guarded by one mutex. Documents are
// copied on the way in and out so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	cheaters map[string]domain.Cheater
	bySteam  map[string]string
	tickets  map[string]domain.Ticket
	seq      int64
	order    map[string]int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		cheaters: make(map[string]domain.Cheater),
		bySteam:  make(map[string]string),
		tickets:  make(map[string]domain.Ticket),
		order:    make(map[string]int64),
	}
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error {
	return nil
}

// ListCheaters returns all cheaters, newest first
func (s *Store) ListCheaters(context.Context) ([]domain.Cheater, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Cheater, 0, len(s.cheaters))
	for _, c := range s.cheaters {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] > s.order[out[j].ID]
	})
	return out, nil
}

// GetCheater retrieves a cheater by ID
func (s *Store) GetCheater(_ context.Context, id string) (*domain.Cheater, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cheaters[id]
	if !ok {
		return nil, domain.ErrCheaterNotFound
	}
	out := c.Clone()
	return &out, nil
}

// GetCheaterBySteamID retrieves a cheater by its natural key
func (s *Store) GetCheaterBySteamID(_ context.Context, steamID string) (*domain.Cheater, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySteam[steamID]
	if !ok {
		return nil, domain.ErrCheaterNotFound
	}
	out := s.cheaters[id].Clone()
	return &out, nil
}

// CreateCheater inserts a new cheater
func (s *Store) CreateCheater(_ context.Context, c *domain.Cheater) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySteam[c.SteamID]; ok {
		return domain.ErrDuplicateSteamID
	}
	s.seq++
	s.order[c.ID] = s.seq
	s.cheaters[c.ID] = c.Clone()
	s.bySteam[c.SteamID] = c.ID
	return nil
}

// SaveCheater replaces an existing cheater document
func (s *Store) SaveCheater(_ context.Context, c *domain.Cheater) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cheaters[c.ID]
	if !ok {
		return domain.ErrCheaterNotFound
	}
	if owner, taken := s.bySteam[c.SteamID]; taken && owner != c.ID {
		return domain.ErrDuplicateSteamID
	}
	delete(s.bySteam, current.SteamID)
	s.bySteam[c.SteamID] = c.ID
	s.cheaters[c.ID] = c.Clone()
	return nil
}

// DeleteCheater removes a cheater and its history
func (s *Store) DeleteCheater(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cheaters[id]
	if !ok {
		return domain.ErrCheaterNotFound
	}
	delete(s.bySteam, c.SteamID)
	delete(s.cheaters, id)
	delete(s.order, id)
	return nil
}

// ListOpenTickets returns open tickets, newest first
func (s *Store) ListOpenTickets(context.Context) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Ticket, 0)
	for _, t := range s.tickets {
		if t.Status == domain.TicketStatusOpen {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] > s.order[out[j].ID]
	})
	return out, nil
}

// GetTicket retrieves a ticket by ID
func (s *Store) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	out := t.Clone()
	return &out, nil
}

// CreateTicket inserts a new ticket
func (s *Store) CreateTicket(_ context.Context, t *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.order[t.ID] = s.seq
	s.tickets[t.ID] = t.Clone()
	return nil
}

// AcceptTicket moves an open ticket to matched and records the challenger
func (s *Store) AcceptTicket(_ context.Context, id string, challenger domain.ChallengerInfo, now time.Time) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	if t.Status != domain.TicketStatusOpen {
		return nil, domain.ErrTicketNotOpen
	}
	t.Status = domain.TicketStatusMatched
	t.Challenger = &challenger
	t.UpdatedAt = now
	s.tickets[id] = t

	out := t.Clone()
	return &out, nil
}
