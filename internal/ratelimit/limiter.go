// Package ratelimit enforces per-address cooldowns on public write actions.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
)

// Action is a rate limited operation. Each action has its own cooldown.
type Action string

const (
	ActionTicketCreate Action = "ticket:create"
	ActionTicketAccept Action = "ticket:accept"
	ActionLogin        Action = "login"
)

// Key builds the limiter key for an action performed from an address.
func Key(action Action, addr string) string {
	return fmt.Sprintf("%s:%s", action, addr)
}

// Limiter admits at most one attempt per key per cooldown. A denied attempt
// returns a *domain.RateLimitError with the remaining wait.
type Limiter interface {
	Allow(ctx context.Context, key string, cooldown time.Duration) error
}

// Guard applies the configured cooldown of each action.
type Guard struct {
	limiter   Limiter
	cooldowns map[Action]time.Duration
}

// NewGuard creates a guard over limiter using the cooldowns in cfg.
func NewGuard(limiter Limiter, cfg *config.RateLimitConfig) *Guard {
	return &Guard{
		limiter: limiter,
		cooldowns: map[Action]time.Duration{
			ActionTicketCreate: cfg.TicketCooldown,
			ActionTicketAccept: cfg.AcceptCooldown,
			ActionLogin:        cfg.LoginCooldown,
		},
	}
}

// Check records an attempt of action from addr.
func (g *Guard) Check(ctx context.Context, action Action, addr string) error {
	cooldown, ok := g.cooldowns[action]
	if !ok || cooldown <= 0 {
		return nil
	}
	return g.limiter.Allow(ctx, Key(action, addr), cooldown)
}

// MemoryLimiter keeps the expiry of each key in a bounded map.
type MemoryLimiter struct {
	mu         sync.Mutex
	expires    map[string]time.Time
	maxEntries int
	clock      clockwork.Clock
}

// NewMemoryLimiter creates a limiter holding at most maxEntries keys.
func NewMemoryLimiter(maxEntries int, clock clockwork.Clock) *MemoryLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLimiter{
		expires:    make(map[string]time.Time),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Allow admits the attempt when key has no unexpired entry.
func (l *MemoryLimiter) Allow(_ context.Context, key string, cooldown time.Duration) error {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.expires[key]; ok && now.Before(until) {
		return &domain.RateLimitError{RetryAfter: until.Sub(now)}
	}

	if _, ok := l.expires[key]; !ok && l.maxEntries > 0 && len(l.expires) >= l.maxEntries {
		l.pruneLocked(now)
		if len(l.expires) >= l.maxEntries {
			l.evictOldestLocked()
		}
	}

	l.expires[key] = now.Add(cooldown)
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (l *MemoryLimiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pruneLocked(now)
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.expires)
}

func (l *MemoryLimiter) pruneLocked(now time.Time) int {
	removed := 0
	for key, until := range l.expires {
		if !now.Before(until) {
			delete(l.expires, key)
			removed++
		}
	}
	return removed
}

func (l *MemoryLimiter) evictOldestLocked() {
	var (
		oldest    string
		oldestExp time.Time
	)
	for key, until := range l.expires {
		if oldest == "" || until.Before(oldestExp) {
			oldest, oldestExp = key, until
		}
	}
	delete(l.expires, oldest)
}
