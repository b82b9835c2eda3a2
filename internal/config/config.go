package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Rate limit backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrMissingTokenSecret is returned by Validate when tokens cannot be signed.
var ErrMissingTokenSecret = errors.New("auth.token_secret (JWT_SECRET) must be set")

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// StorageConfig selects the record store
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL          string        `yaml:"url"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	Enabled        bool          `yaml:"enabled"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// AuthConfig holds the admin secret and token signing settings
type AuthConfig struct {
	AdminPassword string        `yaml:"admin_password"`
	TokenSecret   string        `yaml:"token_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	Issuer        string        `yaml:"issuer"`
}

// RateLimitConfig holds cooldowns for per-address rate limiting
type RateLimitConfig struct {
	Backend        string        `yaml:"backend"`
	TicketCooldown time.Duration `yaml:"ticket_cooldown"`
	AcceptCooldown time.Duration `yaml:"accept_cooldown"`
	LoginCooldown  time.Duration `yaml:"login_cooldown"`
	MaxEntries     int           `yaml:"max_entries"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
}

// WebSocketConfig holds per-session limits
type WebSocketConfig struct {
	SendBuffer        int           `yaml:"send_buffer"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	CommandsPerSecond int           `yaml:"commands_per_second"`
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses the configured level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv lets the well-known deployment variables override the file.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv("ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "stv:ratelimit:"
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "stv-detections"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "stv-board"
	}
	if c.Kafka.ProcessTimeout == 0 {
		c.Kafka.ProcessTimeout = 10 * time.Second
	}
	if c.Kafka.ReadyTimeout == 0 {
		c.Kafka.ReadyTimeout = 15 * time.Second
	}
	if c.Kafka.RetryBackoff == 0 {
		c.Kafka.RetryBackoff = 2 * time.Second
	}

	// Auth defaults
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "stv-board"
	}

	// Rate limit defaults
	c.RateLimit.Backend = strings.ToLower(c.RateLimit.Backend)
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendMemory
	}
	if c.RateLimit.TicketCooldown == 0 {
		c.RateLimit.TicketCooldown = 5 * time.Minute
	}
	if c.RateLimit.AcceptCooldown == 0 {
		c.RateLimit.AcceptCooldown = 30 * time.Second
	}
	if c.RateLimit.LoginCooldown == 0 {
		c.RateLimit.LoginCooldown = 2 * time.Second
	}
	if c.RateLimit.MaxEntries == 0 {
		c.RateLimit.MaxEntries = 10000
	}
	if c.RateLimit.PruneInterval == 0 {
		c.RateLimit.PruneInterval = 1 * time.Minute
	}

	// WebSocket defaults
	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 256
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = 64 * 1024
	}
	if c.WebSocket.CommandsPerSecond == 0 {
		c.WebSocket.CommandsPerSecond = 20
	}
	if c.WebSocket.SnapshotTimeout == 0 {
		c.WebSocket.SnapshotTimeout = 10 * time.Second
	}
	if c.WebSocket.CommandTimeout == 0 {
		c.WebSocket.CommandTimeout = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports configuration the server cannot run with.
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return ErrMissingTokenSecret
	}
	switch c.Storage.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	for name, d := range map[string]time.Duration{
		"auth.token_ttl":             c.Auth.TokenTTL,
		"ratelimit.prune_interval":   c.RateLimit.PruneInterval,
		"websocket.snapshot_timeout": c.WebSocket.SnapshotTimeout,
		"websocket.command_timeout":  c.WebSocket.CommandTimeout,
		"kafka.process_timeout":      c.Kafka.ProcessTimeout,
		"kafka.ready_timeout":        c.Kafka.ReadyTimeout,
		"kafka.retry_backoff":        c.Kafka.RetryBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for name, d := range map[string]time.Duration{
		"ratelimit.ticket_cooldown": c.RateLimit.TicketCooldown,
		"ratelimit.accept_cooldown": c.RateLimit.AcceptCooldown,
		"ratelimit.login_cooldown":  c.RateLimit.LoginCooldown,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.RateLimit.MaxEntries <= 0 {
		return fmt.Errorf("ratelimit.max_entries must be positive, got %d", c.RateLimit.MaxEntries)
	}
	return nil
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return cfg
}
