package domain

import "encoding/json"

// EventType names a message on the realtime channel. Commands sent by a client
// reuse the name of the event they cause.
type EventType string

const (
	EventInitialData         EventType = "INITIAL_DATA"
	EventCheaterAdded        EventType = "CHEATER_ADDED"
	EventCheaterUpdated      EventType = "CHEATER_UPDATED"
	EventCheaterDeleted      EventType = "CHEATER_DELETED"
	EventHistoryEntryUpdated EventType = "HISTORY_ENTRY_UPDATED"
	EventHistoryEntryDeleted EventType = "HISTORY_ENTRY_DELETED"
	EventTicketAdded         EventType = "TICKET_ADDED"
	EventTicketUpdated       EventType = "TICKET_UPDATED"
	EventConnectionCount     EventType = "CONNECTION_COUNT"
	EventErrorOccurred       EventType = "ERROR_OCCURRED"
	EventPong                EventType = "PONG"

	CommandRequestSnapshot EventType = "REQUEST_SNAPSHOT"
	CommandPing            EventType = "PING"
)

// Mutating reports whether a command of this type changes records and so needs
// an admin token.
func (t EventType) Mutating() bool {
	switch t {
	case EventCheaterAdded, EventCheaterUpdated, EventCheaterDeleted,
		EventHistoryEntryUpdated, EventHistoryEntryDeleted:
		return true
	default:
		return false
	}
}

// Event is a server to client message.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Command is a client to server message. Data is decoded once the type is known.
type Command struct {
	Type  EventType       `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Token string          `json:"token,omitempty"`
}

// DeletedRecord is the payload of CHEATER_DELETED, as command and as event.
type DeletedRecord struct {
	ID string `json:"_id"`
}

// CheaterUpdate is the payload of a CHEATER_UPDATED command.
type CheaterUpdate struct {
	ID string `json:"_id"`
	CheaterInput
}

// HistoryEntryRef addresses one history entry of one cheater.
type HistoryEntryRef struct {
	CheaterID string `json:"cheaterId"`
	HistoryID string `json:"historyId"`
}

// HistoryEntryUpdate is the payload of a HISTORY_ENTRY_UPDATED command.
type HistoryEntryUpdate struct {
	HistoryEntryRef
	UpdatedHistoryData HistoryInput `json:"updatedHistoryData"`
}

// ConnectionCount is the payload of CONNECTION_COUNT.
type ConnectionCount struct {
	Count int `json:"count"`
}

// ErrorPayload is the payload of ERROR_OCCURRED.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    Kind   `json:"code"`
}

// ErrorEvent builds the ERROR_OCCURRED event describing err.
func ErrorEvent(err error) Event {
	return Event{
		Type: EventErrorOccurred,
		Data: ErrorPayload{Message: PublicMessage(err), Code: Classify(err)},
	}
}
