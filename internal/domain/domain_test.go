package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stv-board/internal/domain"
)

func TestCanonicalSteamID(t *testing.T) {
	const sid64 = "76561198078524101"
	for _, raw := range []string{sid64, " " + sid64 + " ", "STEAM_0:1:59129186", "[U:1:118258373]"} {
		require.Equal(t, sid64, domain.CanonicalSteamID(raw), raw)
	}

	// short numbers are 32 bit account ids
	require.Equal(t, "76561197960265729", domain.CanonicalSteamID("1"))
	require.Equal(t, "76561197960265851", domain.CanonicalSteamID("123"))

	require.Equal(t, "0", domain.CanonicalSteamID("0"))
	require.Equal(t, "S1", domain.CanonicalSteamID("S1"))
	require.Equal(t, "S1", domain.CanonicalSteamID("  S1 "))
	require.Empty(t, domain.CanonicalSteamID("   "))
}

func TestCheaterInputNormalize(t *testing.T) {
	in := domain.CheaterInput{
		PlayerName: "  A ",
		SteamID:    " S1",
		CheatTypes: []string{" aimbot ", "", "  ", "wallhack"},
	}.Normalize()

	require.Equal(t, "A", in.PlayerName)
	require.Equal(t, "S1", in.SteamID)
	require.Equal(t, domain.DefaultServerName, in.ServerName)
	require.Equal(t, []string{"aimbot", "wallhack"}, in.CheatTypes)
	require.NoError(t, in.Validate())

	require.ErrorIs(t, domain.CheaterInput{PlayerName: "A", SteamID: "S1", DetectionCount: -1}.Validate(), domain.ErrInvalidRequest)
}

func TestClassify(t *testing.T) {
	for err, kind := range map[error]domain.Kind{
		domain.ErrUnauthorized:                           domain.KindUnauthorized,
		fmt.Errorf("wrap: %w", domain.ErrTokenExpired):   domain.KindUnauthorized,
		domain.ErrCheaterNotFound:                        domain.KindNotFound,
		domain.ErrHistoryEntryNotFound:                   domain.KindNotFound,
		domain.ErrTicketNotFound:                         domain.KindNotFound,
		domain.ErrTicketNotOpen:                          domain.KindValidation,
		domain.ErrDuplicateSteamID:                       domain.KindValidation,
		domain.ErrInvalidID:                              domain.KindValidation,
		domain.Invalid("x is required"):                  domain.KindValidation,
		&domain.RateLimitError{RetryAfter: time.Second}:  domain.KindRateLimited,
		fmt.Errorf("%w: bad json", domain.ErrProtocol):   domain.KindProtocol,
		errors.New("dial tcp: connection refused"):       domain.KindServer,
		fmt.Errorf("saving: %w", errors.New("deadlock")): domain.KindServer,
	} {
		require.Equal(t, kind, domain.Classify(err), err.Error())
	}
	require.Empty(t, domain.Classify(nil))
}

func TestPublicMessage(t *testing.T) {
	require.Equal(t, "internal server error", domain.PublicMessage(errors.New("pq: password authentication failed")))
	require.Equal(t, "invalid request: clanName is required", domain.PublicMessage(domain.Invalid("clanName is required")))
}

func TestRateLimitErrorRetryAfter(t *testing.T) {
	require.Equal(t, 1, (&domain.RateLimitError{RetryAfter: 10 * time.Millisecond}).RetryAfterSeconds())
	require.Equal(t, 1, (&domain.RateLimitError{}).RetryAfterSeconds())
	require.Equal(t, 300, (&domain.RateLimitError{RetryAfter: 5 * time.Minute}).RetryAfterSeconds())
	require.Equal(t, 3, (&domain.RateLimitError{RetryAfter: 2*time.Second + time.Nanosecond}).RetryAfterSeconds())
}

func TestErrorEvent(t *testing.T) {
	ev := domain.ErrorEvent(domain.ErrCheaterNotFound)
	require.Equal(t, domain.EventErrorOccurred, ev.Type)
	require.Equal(t, domain.ErrorPayload{Message: "cheater not found", Code: domain.KindNotFound}, ev.Data)
}

func TestCheaterArchiveAndRecount(t *testing.T) {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &domain.Cheater{PlayerName: "A", SteamID: "S1", ServerName: "X", CheatTypes: []string{"aimbot"}, DetectedAt: seen}

	entry := c.Archive("h1")
	c.History = append(c.History, entry)
	c.Apply(domain.CheaterInput{PlayerName: "A", SteamID: "S1", ServerName: "Y"})
	c.RecountDetections()

	require.Equal(t, "X", c.History[0].ServerName)
	require.Equal(t, seen, c.History[0].DetectedAt)
	require.Equal(t, "Y", c.ServerName)
	require.Equal(t, 2, c.DetectionCount)
	require.Equal(t, 0, c.HistoryIndex("h1"))
	require.Equal(t, -1, c.HistoryIndex("h2"))

	clone := c.Clone()
	clone.History[0].CheatTypes[0] = "changed"
	require.Equal(t, "aimbot", c.History[0].CheatTypes[0])
}
