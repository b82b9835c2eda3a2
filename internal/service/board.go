package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stv-board/internal/domain"
)

// Store is the record store the board reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	ListCheaters(ctx context.Context) ([]domain.Cheater, error)
	GetCheater(ctx context.Context, id string) (*domain.Cheater, error)
	GetCheaterBySteamID(ctx context.Context, steamID string) (*domain.Cheater, error)
	CreateCheater(ctx context.Context, c *domain.Cheater) error
	SaveCheater(ctx context.Context, c *domain.Cheater) error
	DeleteCheater(ctx context.Context, id string) error
	ListOpenTickets(ctx context.Context) ([]domain.Ticket, error)
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	CreateTicket(ctx context.Context, t *domain.Ticket) error
	AcceptTicket(ctx context.Context, id string, challenger domain.ChallengerInfo, now time.Time) (*domain.Ticket, error)
}

// Broadcaster fans an event out to every connected session.
type Broadcaster interface {
	Broadcast(event domain.Event)
}

// BoardService applies mutations to cheater records and match tickets and
// announces the resulting canonical records. Nothing is announced when a
// mutation fails.
type BoardService struct {
	store       Store
	broadcaster Broadcaster
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewBoardService creates a new board service
func NewBoardService(store Store, clock clockwork.Clock, logger *slog.Logger) *BoardService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BoardService{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// SetBroadcaster sets the broadcaster used to announce mutations
func (s *BoardService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

func (s *BoardService) broadcast(t domain.EventType, data any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(domain.Event{Type: t, Data: data})
}

// Ping checks the record store.
func (s *BoardService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Snapshot returns every cheater, newest first, and every open ticket.
func (s *BoardService) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	cheaters, err := s.ListCheaters(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	tickets, err := s.ListOpenTickets(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Cheaters: cheaters, Tickets: tickets}, nil
}

// ListCheaters returns every cheater, newest first
func (s *BoardService) ListCheaters(ctx context.Context) ([]domain.Cheater, error) {
	cheaters, err := s.store.ListCheaters(ctx)
	if err != nil {
		return nil, storeErr("listing cheaters", err)
	}
	return cheaters, nil
}

// AddCheater records a sighting. A steam id seen before moves the previous
// top-level values into history and takes the new ones; an unseen one creates a
// record with a detection count of one.
func (s *BoardService) AddCheater(ctx context.Context, in domain.CheaterInput) (*domain.Cheater, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	// A lost insert race against a concurrent first sighting is retried once as
	// a re-sighting.
	for attempt := 0; ; attempt++ {
		existing, err := s.store.GetCheaterBySteamID(ctx, in.SteamID)
		switch {
		case err == nil:
			return s.resight(ctx, existing, in)
		case !errors.Is(err, domain.ErrCheaterNotFound):
			return nil, storeErr("looking up steam id", err)
		}

		created, err := s.create(ctx, in)
		if errors.Is(err, domain.ErrDuplicateSteamID) && attempt == 0 {
			s.logger.Debug("steam id inserted concurrently, retrying as re-sighting", "steam_id", in.SteamID)
			continue
		}
		return created, err
	}
}

func (s *BoardService) create(ctx context.Context, in domain.CheaterInput) (*domain.Cheater, error) {
	now := s.clock.Now().UTC()
	c := &domain.Cheater{
		ID:             uuid.NewString(),
		DetectionCount: 1,
		History:        []domain.HistoryEntry{},
		DetectedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.Apply(in)

	if err := s.store.CreateCheater(ctx, c); err != nil {
		return nil, storeErr("creating cheater", err)
	}

	s.logger.Info("cheater added", "cheater_id", c.ID, "steam_id", c.SteamID)
	s.broadcast(domain.EventCheaterAdded, c)
	return c, nil
}

func (s *BoardService) resight(ctx context.Context, c *domain.Cheater, in domain.CheaterInput) (*domain.Cheater, error) {
	now := s.clock.Now().UTC()
	c.History = append(c.History, c.Archive(uuid.NewString()))
	c.Apply(in)
	c.DetectedAt = now
	c.UpdatedAt = now
	c.RecountDetections()

	if err := s.store.SaveCheater(ctx, c); err != nil {
		return nil, storeErr("saving cheater", err)
	}

	s.logger.Info("cheater re-sighted",
		"cheater_id", c.ID,
		"steam_id", c.SteamID,
		"detection_count", c.DetectionCount,
	)
	s.broadcast(domain.EventCheaterUpdated, c)
	return c, nil
}

// UpdateCheater replaces the top-level fields of a cheater. History is left as
// is; the detection count is taken from the input only when it is at least one.
func (s *BoardService) UpdateCheater(ctx context.Context, id string, in domain.CheaterInput) (*domain.Cheater, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	c, err := s.store.GetCheater(ctx, id)
	if err != nil {
		return nil, storeErr("getting cheater", err)
	}

	c.Apply(in)
	if in.DetectionCount >= 1 {
		c.DetectionCount = in.DetectionCount
	}
	c.UpdatedAt = s.clock.Now().UTC()

	if err := s.store.SaveCheater(ctx, c); err != nil {
		return nil, storeErr("saving cheater", err)
	}

	s.broadcast(domain.EventCheaterUpdated, c)
	return c, nil
}

// DeleteCheater removes a cheater together with its history.
func (s *BoardService) DeleteCheater(ctx context.Context, id string) error {
	if err := parseID(id); err != nil {
		return err
	}
	if err := s.store.DeleteCheater(ctx, id); err != nil {
		return storeErr("deleting cheater", err)
	}

	s.logger.Info("cheater deleted", "cheater_id", id)
	s.broadcast(domain.EventCheaterDeleted, domain.DeletedRecord{ID: id})
	return nil
}

// UpdateHistoryEntry edits one archived sighting and returns the parent record.
func (s *BoardService) UpdateHistoryEntry(ctx context.Context, ref domain.HistoryEntryRef, in domain.HistoryInput) (*domain.Cheater, error) {
	c, idx, err := s.locateHistory(ctx, ref)
	if err != nil {
		return nil, err
	}

	in.ApplyTo(&c.History[idx])
	c.RecountDetections()
	c.UpdatedAt = s.clock.Now().UTC()

	if err := s.store.SaveCheater(ctx, c); err != nil {
		return nil, storeErr("saving cheater", err)
	}

	s.broadcast(domain.EventHistoryEntryUpdated, c)
	return c, nil
}

// DeleteHistoryEntry removes one archived sighting and returns the parent record.
func (s *BoardService) DeleteHistoryEntry(ctx context.Context, ref domain.HistoryEntryRef) (*domain.Cheater, error) {
	c, idx, err := s.locateHistory(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.History = append(c.History[:idx], c.History[idx+1:]...)
	c.RecountDetections()
	c.UpdatedAt = s.clock.Now().UTC()

	if err := s.store.SaveCheater(ctx, c); err != nil {
		return nil, storeErr("saving cheater", err)
	}

	s.broadcast(domain.EventHistoryEntryDeleted, c)
	return c, nil
}

func (s *BoardService) locateHistory(ctx context.Context, ref domain.HistoryEntryRef) (*domain.Cheater, int, error) {
	if err := parseID(ref.CheaterID); err != nil {
		return nil, -1, err
	}
	if err := parseID(ref.HistoryID); err != nil {
		return nil, -1, err
	}

	c, err := s.store.GetCheater(ctx, ref.CheaterID)
	if err != nil {
		return nil, -1, storeErr("getting cheater", err)
	}
	idx := c.HistoryIndex(ref.HistoryID)
	if idx < 0 {
		return nil, -1, domain.ErrHistoryEntryNotFound
	}
	return c, idx, nil
}

// ListOpenTickets returns the tickets still waiting for a challenger
func (s *BoardService) ListOpenTickets(ctx context.Context) ([]domain.Ticket, error) {
	tickets, err := s.store.ListOpenTickets(ctx)
	if err != nil {
		return nil, storeErr("listing tickets", err)
	}
	return tickets, nil
}

// GetTicket returns a ticket by ID
func (s *BoardService) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, storeErr("getting ticket", err)
	}
	return t, nil
}

// CreateTicket opens a new match ticket
func (s *BoardService) CreateTicket(ctx context.Context, req domain.CreateTicketRequest) (*domain.Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t := req.ToTicket(uuid.NewString(), s.clock.Now().UTC())
	if err := s.store.CreateTicket(ctx, &t); err != nil {
		return nil, storeErr("creating ticket", err)
	}

	s.logger.Info("ticket created", "ticket_id", t.ID, "clan", t.ClanName)
	s.broadcast(domain.EventTicketAdded, t)
	return &t, nil
}

// AcceptTicket matches an open ticket with a challenger. Only the first accept
// succeeds; later ones get ErrTicketNotOpen and leave the ticket unchanged.
func (s *BoardService) AcceptTicket(ctx context.Context, id string, req domain.AcceptTicketRequest) (*domain.Ticket, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	t, err := s.store.AcceptTicket(ctx, id, domain.ChallengerInfo{
		ClanName:    req.ClanName,
		ContactInfo: req.ContactInfo,
		AcceptedAt:  now,
	}, now)
	if err != nil {
		return nil, storeErr("accepting ticket", err)
	}

	s.logger.Info("ticket accepted", "ticket_id", t.ID, "challenger", req.ClanName)
	s.broadcast(domain.EventTicketUpdated, t)
	return t, nil
}

func parseID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", domain.ErrInvalidID, id)
	}
	return nil
}

// storeErr passes domain errors through untouched and wraps anything else with
// the failing operation.
func storeErr(op string, err error) error {
	if domain.Classify(err) != domain.KindServer {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
