package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Domain errors
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrTokenExpired         = errors.New("token expired")
	ErrCheaterNotFound      = errors.New("cheater not found")
	ErrHistoryEntryNotFound = errors.New("history entry not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrTicketNotOpen        = errors.New("ticket is no longer open")
	ErrDuplicateSteamID     = errors.New("a record with this steam id already exists")
	ErrInvalidID            = errors.New("invalid id")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrProtocol             = errors.New("malformed message")
	ErrInternalError        = errors.New("internal server error")
)

// Kind is the client-visible class of an error.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindRateLimited  Kind = "rate_limited"
	KindProtocol     Kind = "protocol_error"
	KindServer       Kind = "server_error"
)

// RateLimitError is returned when an action is attempted again inside its cooldown.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry in %ds", ErrRateLimited, e.RetryAfterSeconds())
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds, never below 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Invalid builds a validation error with a specific message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Classify maps an error onto the client-visible taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrTokenExpired):
		return KindUnauthorized
	case IsNotFoundError(err):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrDuplicateSteamID),
		errors.Is(err, ErrTicketNotOpen):
		return KindValidation
	default:
		return KindServer
	}
}

// PublicMessage returns the message that may be shown to a client for err.
// Store and other internal failures collapse to a generic message.
func PublicMessage(err error) string {
	if Classify(err) == KindServer {
		return ErrInternalError.Error()
	}
	return err.Error()
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrCheaterNotFound) ||
		errors.Is(err, ErrHistoryEntryNotFound) ||
		errors.Is(err, ErrTicketNotFound)
}
