package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
)

// Repository stores cheaters and tickets in PostgreSQL. Nested values
// (cheat types, history, map preferences, challenger) live in JSONB columns so
// each row reads back as a whole document.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cheaters (
			id UUID PRIMARY KEY,
			steam_id TEXT NOT NULL UNIQUE,
			player_name TEXT NOT NULL,
			steam_profile TEXT NOT NULL DEFAULT '',
			server_name TEXT NOT NULL DEFAULT 'Unknown',
			detection_count INT NOT NULL DEFAULT 1,
			cheat_types JSONB NOT NULL DEFAULT '[]',
			fungun_report TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '[]',
			detected_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id UUID PRIMARY KEY,
			clan_name TEXT NOT NULL,
			contact_info TEXT NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'open',
			map_preference JSONB NOT NULL DEFAULT '[]',
			schedule TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			challenger JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cheaters_created ON cheaters(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_open ON tickets(created_at DESC) WHERE status = 'open'`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const cheaterColumns = `id, steam_id, player_name, steam_profile, server_name, detection_count,
	cheat_types, fungun_report, history, detected_at, created_at, updated_at`

func scanCheater(row rowScanner) (*domain.Cheater, error) {
	var (
		c          domain.Cheater
		cheatTypes []byte
		history    []byte
	)
	if err := row.Scan(
		&c.ID, &c.SteamID, &c.PlayerName, &c.SteamProfile, &c.ServerName, &c.DetectionCount,
		&cheatTypes, &c.FungunReport, &history, &c.DetectedAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cheatTypes, &c.CheatTypes); err != nil {
		return nil, fmt.Errorf("decoding cheat types: %w", err)
	}
	if err := json.Unmarshal(history, &c.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	if c.CheatTypes == nil {
		c.CheatTypes = []string{}
	}
	if c.History == nil {
		c.History = []domain.HistoryEntry{}
	}
	return &c, nil
}

func encodeCheater(c *domain.Cheater) (cheatTypes, history []byte, err error) {
	if cheatTypes, err = json.Marshal(nonNil(c.CheatTypes)); err != nil {
		return nil, nil, fmt.Errorf("encoding cheat types: %w", err)
	}
	entries := c.History
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	if history, err = json.Marshal(entries); err != nil {
		return nil, nil, fmt.Errorf("encoding history: %w", err)
	}
	return cheatTypes, history, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// ListCheaters returns all cheaters, newest first
func (r *Repository) ListCheaters(ctx context.Context) ([]domain.Cheater, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+cheaterColumns+` FROM cheaters ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying cheaters: %w", err)
	}
	defer rows.Close()

	cheaters := []domain.Cheater{}
	for rows.Next() {
		c, err := scanCheater(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cheater: %w", err)
		}
		cheaters = append(cheaters, *c)
	}
	return cheaters, rows.Err()
}

// GetCheater retrieves a cheater by ID
func (r *Repository) GetCheater(ctx context.Context, id string) (*domain.Cheater, error) {
	c, err := scanCheater(r.pool.QueryRow(ctx, `SELECT `+cheaterColumns+` FROM cheaters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCheaterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting cheater: %w", err)
	}
	return c, nil
}

// GetCheaterBySteamID retrieves a cheater by its natural key
func (r *Repository) GetCheaterBySteamID(ctx context.Context, steamID string) (*domain.Cheater, error) {
	c, err := scanCheater(r.pool.QueryRow(ctx, `SELECT `+cheaterColumns+` FROM cheaters WHERE steam_id = $1`, steamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCheaterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting cheater by steam id: %w", err)
	}
	return c, nil
}

// CreateCheater inserts a new cheater
func (r *Repository) CreateCheater(ctx context.Context, c *domain.Cheater) error {
	cheatTypes, history, err := encodeCheater(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO cheaters (` + cheaterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		c.ID, c.SteamID, c.PlayerName, c.SteamProfile, c.ServerName, c.DetectionCount,
		cheatTypes, c.FungunReport, history, c.DetectedAt, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateSteamID
	}
	if err != nil {
		return fmt.Errorf("inserting cheater: %w", err)
	}
	return nil
}

// SaveCheater replaces an existing cheater row
func (r *Repository) SaveCheater(ctx context.Context, c *domain.Cheater) error {
	cheatTypes, history, err := encodeCheater(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE cheaters SET
			steam_id = $2, player_name = $3, steam_profile = $4, server_name = $5,
			detection_count = $6, cheat_types = $7, fungun_report = $8, history = $9,
			detected_at = $10, updated_at = $11
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		c.ID, c.SteamID, c.PlayerName, c.SteamProfile, c.ServerName,
		c.DetectionCount, cheatTypes, c.FungunReport, history,
		c.DetectedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateSteamID
	}
	if err != nil {
		return fmt.Errorf("updating cheater: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCheaterNotFound
	}
	return nil
}

// DeleteCheater removes a cheater row, history included
func (r *Repository) DeleteCheater(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cheaters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting cheater: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCheaterNotFound
	}
	return nil
}

const ticketColumns = `id, clan_name, contact_info, status, map_preference, schedule, notes,
	challenger, created_at, updated_at`

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var (
		t             domain.Ticket
		status        string
		mapPreference []byte
		challenger    []byte
	)
	if err := row.Scan(
		&t.ID, &t.ClanName, &t.ContactInfo, &status, &mapPreference, &t.Schedule, &t.Notes,
		&challenger, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = domain.TicketStatus(status)
	if err := json.Unmarshal(mapPreference, &t.MapPreference); err != nil {
		return nil, fmt.Errorf("decoding map preference: %w", err)
	}
	if len(challenger) > 0 {
		t.Challenger = &domain.ChallengerInfo{}
		if err := json.Unmarshal(challenger, t.Challenger); err != nil {
			return nil, fmt.Errorf("decoding challenger: %w", err)
		}
	}
	return &t, nil
}

// ListOpenTickets returns open tickets, newest first
func (r *Repository) ListOpenTickets(ctx context.Context) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = $1 ORDER BY created_at DESC, id`,
		string(domain.TicketStatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()

	tickets := []domain.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// GetTicket retrieves a ticket by ID
func (r *Repository) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting ticket: %w", err)
	}
	return t, nil
}

// CreateTicket inserts a new ticket
func (r *Repository) CreateTicket(ctx context.Context, t *domain.Ticket) error {
	mapPreference, err := json.Marshal(nonNil(t.MapPreference))
	if err != nil {
		return fmt.Errorf("encoding map preference: %w", err)
	}

	query := `
		INSERT INTO tickets (` + ticketColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		t.ID, t.ClanName, t.ContactInfo, string(t.Status), mapPreference, t.Schedule, t.Notes,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

// AcceptTicket moves an open ticket to matched in one conditional write, so of
// two racing accepts only one updates the row.
func (r *Repository) AcceptTicket(ctx context.Context, id string, challenger domain.ChallengerInfo, now time.Time) (*domain.Ticket, error) {
	raw, err := json.Marshal(challenger)
	if err != nil {
		return nil, fmt.Errorf("encoding challenger: %w", err)
	}

	query := `
		UPDATE tickets SET status = $2, challenger = $3, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + ticketColumns
	t, err := scanTicket(r.pool.QueryRow(ctx, query,
		id, string(domain.TicketStatusMatched), raw, now, string(domain.TicketStatusOpen),
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("accepting ticket: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking ticket: %w", err)
	}
	if !exists {
		return nil, domain.ErrTicketNotFound
	}
	return nil, domain.ErrTicketNotOpen
}
