package domain

import (
	"strings"
	"time"

	"github.com/leighmacdonald/steamid/v4/steamid"
)

// DefaultServerName is used when a sighting does not name its server.
const DefaultServerName = "Unknown"

// Cheater is a flagged player. The natural key is SteamID; ID is assigned on creation.
type Cheater struct {
	ID             string         `json:"_id"`
	PlayerName     string         `json:"playerName"`
	SteamID        string         `json:"steamId"`
	SteamProfile   string         `json:"steamProfile,omitempty"`
	ServerName     string         `json:"serverName"`
	DetectionCount int            `json:"detectionCount"`
	CheatTypes     []string       `json:"cheatTypes"`
	FungunReport   string         `json:"fungunReport,omitempty"`
	History        []HistoryEntry `json:"history"`
	DetectedAt     time.Time      `json:"detectedAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// HistoryEntry is an archived earlier sighting of the same steam id.
type HistoryEntry struct {
	ID           string    `json:"_id"`
	PlayerName   string    `json:"playerName"`
	SteamID      string    `json:"steamId"`
	SteamProfile string    `json:"steamProfile,omitempty"`
	ServerName   string    `json:"serverName"`
	CheatTypes   []string  `json:"cheatTypes"`
	FungunReport string    `json:"fungunReport,omitempty"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// CheaterInput carries the editable fields of a sighting or an edit.
type CheaterInput struct {
	PlayerName     string   `json:"playerName"`
	SteamID        string   `json:"steamId"`
	SteamProfile   string   `json:"steamProfile,omitempty"`
	ServerName     string   `json:"serverName,omitempty"`
	DetectionCount int      `json:"detectionCount,omitempty"`
	CheatTypes     []string `json:"cheatTypes,omitempty"`
	FungunReport   string   `json:"fungunReport,omitempty"`
}

// Normalize trims every field, canonicalises the steam id, drops empty cheat
// types and fills the default server name.
func (in CheaterInput) Normalize() CheaterInput {
	out := CheaterInput{
		PlayerName:     strings.TrimSpace(in.PlayerName),
		SteamID:        CanonicalSteamID(in.SteamID),
		SteamProfile:   strings.TrimSpace(in.SteamProfile),
		ServerName:     strings.TrimSpace(in.ServerName),
		DetectionCount: in.DetectionCount,
		CheatTypes:     CleanTags(in.CheatTypes),
		FungunReport:   strings.TrimSpace(in.FungunReport),
	}
	if out.ServerName == "" {
		out.ServerName = DefaultServerName
	}
	return out
}

// Validate checks the fields required on every cheater write.
func (in CheaterInput) Validate() error {
	if in.PlayerName == "" {
		return Invalid("playerName is required")
	}
	if in.SteamID == "" {
		return Invalid("steamId is required")
	}
	if in.DetectionCount < 0 {
		return Invalid("detectionCount must be positive")
	}
	return nil
}

// Archive snapshots the current top-level fields as a history entry.
func (c *Cheater) Archive(id string) HistoryEntry {
	return HistoryEntry{
		ID:           id,
		PlayerName:   c.PlayerName,
		SteamID:      c.SteamID,
		SteamProfile: c.SteamProfile,
		ServerName:   c.ServerName,
		CheatTypes:   append([]string(nil), c.CheatTypes...),
		FungunReport: c.FungunReport,
		DetectedAt:   c.DetectedAt,
	}
}

// Apply overwrites the top-level fields with in. History is untouched.
func (c *Cheater) Apply(in CheaterInput) {
	c.PlayerName = in.PlayerName
	c.SteamID = in.SteamID
	c.SteamProfile = in.SteamProfile
	c.ServerName = in.ServerName
	c.CheatTypes = append([]string{}, in.CheatTypes...)
	c.FungunReport = in.FungunReport
}

// RecountDetections restores detectionCount = len(history) + 1.
func (c *Cheater) RecountDetections() {
	c.DetectionCount = len(c.History) + 1
}

// HistoryIndex returns the position of the history entry with id, or -1.
func (c *Cheater) HistoryIndex(id string) int {
	for i := range c.History {
		if c.History[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (c Cheater) Clone() Cheater {
	out := c
	out.CheatTypes = append([]string{}, c.CheatTypes...)
	out.History = make([]HistoryEntry, len(c.History))
	for i, h := range c.History {
		h.CheatTypes = append([]string{}, h.CheatTypes...)
		out.History[i] = h
	}
	return out
}

// HistoryInput are the editable fields of a history entry.
type HistoryInput struct {
	PlayerName   string   `json:"playerName"`
	SteamID      string   `json:"steamId"`
	SteamProfile string   `json:"steamProfile,omitempty"`
	ServerName   string   `json:"serverName,omitempty"`
	CheatTypes   []string `json:"cheatTypes,omitempty"`
	FungunReport string   `json:"fungunReport,omitempty"`
}

// ApplyTo overwrites the editable fields of entry, keeping its id and timestamp.
// Blank names fall back to the entry's current values.
func (in HistoryInput) ApplyTo(entry *HistoryEntry) {
	if v := strings.TrimSpace(in.PlayerName); v != "" {
		entry.PlayerName = v
	}
	if v := CanonicalSteamID(in.SteamID); v != "" {
		entry.SteamID = v
	}
	if v := strings.TrimSpace(in.ServerName); v != "" {
		entry.ServerName = v
	}
	entry.SteamProfile = strings.TrimSpace(in.SteamProfile)
	entry.CheatTypes = CleanTags(in.CheatTypes)
	entry.FungunReport = strings.TrimSpace(in.FungunReport)
}

// CanonicalSteamID returns the SteamID64 form of raw when it parses as a steam
// id in any notation, otherwise the trimmed input.
func CanonicalSteamID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if sid := steamid.New(raw); sid.Valid() {
		return sid.String()
	}
	return raw
}

// CleanTags trims tags and drops empty ones, preserving order.
func CleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Snapshot is the full state pushed to a session when it connects.
type Snapshot struct {
	Cheaters []Cheater `json:"cheaters"`
	Tickets  []Ticket  `json:"tickets"`
}
