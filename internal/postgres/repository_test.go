package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/postgres"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	dbOnce      sync.Once
	dbContainer testcontainers.Container
	dbDSN       string
	errDB       error
)

func TestMain(m *testing.M) {
	code := m.Run()

	if dbContainer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := dbContainer.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate test container: %v\n", err)
		}
		cancel()
	}

	os.Exit(code)
}

func startDatabase(ctx context.Context) (testcontainers.Container, string, error) {
	const testInfo = "stv-test"
	username, password, dbName := testInfo, testInfo, testInfo

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       dbName,
				"POSTGRES_USER":     username,
				"POSTGRES_PASSWORD": password,
			},
			WaitingFor: wait.
				ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		},
		Started: true,
	})
	if err != nil {
		return cont, "", fmt.Errorf("starting postgres container: %w", err)
	}

	host, err := cont.Host(ctx)
	if err != nil {
		return cont, "", fmt.Errorf("resolving container host: %w", err)
	}
	port, err := cont.MappedPort(ctx, "5432")
	if err != nil {
		return cont, "", fmt.Errorf("resolving container port: %w", err)
	}

	return cont, fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", username, password, host, port.Port(), dbName), nil
}

// databaseURL returns STV_TEST_DATABASE_URL when set, otherwise it starts one
// throwaway postgres container shared by every test in the package.
func databaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("STV_TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)
	dbOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		dbContainer, dbDSN, errDB = startDatabase(ctx)
	})
	require.NoError(t, errDB)
	return dbDSN
}

func newRepository(t *testing.T) *postgres.Repository {
	t.Helper()

	cfg := config.DefaultConfig().Postgres
	cfg.URL = databaseURL(t)
	repo, err := postgres.NewRepository(context.Background(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.RunMigrations(context.Background()))
	return repo
}

func TestCheaterRoundTrip(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	steamID := "test-" + uuid.NewString()

	c := &domain.Cheater{
		ID:             uuid.NewString(),
		PlayerName:     "A",
		SteamID:        steamID,
		ServerName:     "X",
		DetectionCount: 1,
		CheatTypes:     []string{"aimbot"},
		History:        []domain.HistoryEntry{},
		DetectedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.CreateCheater(ctx, c))
	t.Cleanup(func() { _ = repo.DeleteCheater(ctx, c.ID) })

	dup := *c
	dup.ID = uuid.NewString()
	require.ErrorIs(t, repo.CreateCheater(ctx, &dup), domain.ErrDuplicateSteamID)

	c.History = append(c.History, c.Archive(uuid.NewString()))
	c.ServerName = "Y"
	c.RecountDetections()
	require.NoError(t, repo.SaveCheater(ctx, c))

	got, err := repo.GetCheaterBySteamID(ctx, steamID)
	require.NoError(t, err)
	require.Equal(t, "Y", got.ServerName)
	require.Equal(t, 2, got.DetectionCount)
	require.Len(t, got.History, 1)
	require.Equal(t, "X", got.History[0].ServerName)

	require.NoError(t, repo.DeleteCheater(ctx, c.ID))
	_, err = repo.GetCheater(ctx, c.ID)
	require.ErrorIs(t, err, domain.ErrCheaterNotFound)
	require.ErrorIs(t, repo.DeleteCheater(ctx, c.ID), domain.ErrCheaterNotFound)
}

func TestTicketAcceptIsConditional(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := domain.CreateTicketRequest{ClanName: "Red", ContactInfo: "red#1"}
	ticket := req.ToTicket(uuid.NewString(), now)
	require.NoError(t, repo.CreateTicket(ctx, &ticket))

	accepted, err := repo.AcceptTicket(ctx, ticket.ID, domain.ChallengerInfo{ClanName: "Blu", ContactInfo: "blu#1", AcceptedAt: now}, now)
	require.NoError(t, err)
	require.Equal(t, domain.TicketStatusMatched, accepted.Status)

	_, err = repo.AcceptTicket(ctx, ticket.ID, domain.ChallengerInfo{ClanName: "Grn"}, now)
	require.ErrorIs(t, err, domain.ErrTicketNotOpen)

	got, err := repo.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, "Blu", got.Challenger.ClanName)

	_, err = repo.AcceptTicket(ctx, uuid.NewString(), domain.ChallengerInfo{}, now)
	require.ErrorIs(t, err, domain.ErrTicketNotFound)
}
