package domain

import (
	"strings"
	"time"
)

// TicketStatus represents where a match ticket is in its lifecycle
type TicketStatus string

const (
	TicketStatusOpen      TicketStatus = "open"
	TicketStatusMatched   TicketStatus = "matched"
	TicketStatusCompleted TicketStatus = "completed"
	TicketStatusCancelled TicketStatus = "cancelled"
)

// Ticket is a clan's request for a match
type Ticket struct {
	ID            string          `json:"_id"`
	ClanName      string          `json:"clanName"`
	ContactInfo   string          `json:"contactInfo"`
	Status        TicketStatus    `json:"status"`
	MapPreference []string        `json:"mapPreference,omitempty"`
	Schedule      string          `json:"schedule,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Challenger    *ChallengerInfo `json:"challenger,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ChallengerInfo records who accepted an open ticket
type ChallengerInfo struct {
	ClanName    string    `json:"clanName"`
	ContactInfo string    `json:"contactInfo"`
	AcceptedAt  time.Time `json:"acceptedAt"`
}

// Clone returns a deep copy.
func (t Ticket) Clone() Ticket {
	out := t
	out.MapPreference = append([]string(nil), t.MapPreference...)
	if t.Challenger != nil {
		c := *t.Challenger
		out.Challenger = &c
	}
	return out
}

// CreateTicketRequest represents a request to open a new ticket
type CreateTicketRequest struct {
	ClanName      string   `json:"clanName"`
	ContactInfo   string   `json:"contactInfo"`
	Schedule      string   `json:"schedule,omitempty"`
	MapPreference []string `json:"mapPreference,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Validate trims the request in place and checks required fields
func (r *CreateTicketRequest) Validate() error {
	r.ClanName = strings.TrimSpace(r.ClanName)
	r.ContactInfo = strings.TrimSpace(r.ContactInfo)
	r.Schedule = strings.TrimSpace(r.Schedule)
	r.Notes = strings.TrimSpace(r.Notes)
	r.MapPreference = CleanTags(r.MapPreference)
	if r.ClanName == "" || r.ContactInfo == "" {
		return Invalid("clanName and contactInfo are required")
	}
	return nil
}

// ToTicket converts a CreateTicketRequest to an open Ticket
func (r *CreateTicketRequest) ToTicket(id string, now time.Time) Ticket {
	return Ticket{
		ID:            id,
		ClanName:      r.ClanName,
		ContactInfo:   r.ContactInfo,
		Status:        TicketStatusOpen,
		MapPreference: r.MapPreference,
		Schedule:      r.Schedule,
		Notes:         r.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AcceptTicketRequest represents a challenger taking an open ticket
type AcceptTicketRequest struct {
	ClanName    string `json:"clanName"`
	ContactInfo string `json:"contactInfo"`
}

// Validate trims the request in place and checks required fields
func (r *AcceptTicketRequest) Validate() error {
	r.ClanName = strings.TrimSpace(r.ClanName)
	r.ContactInfo = strings.TrimSpace(r.ContactInfo)
	if r.ClanName == "" || r.ContactInfo == "" {
		return Invalid("clanName and contactInfo are required")
	}
	return nil
}
