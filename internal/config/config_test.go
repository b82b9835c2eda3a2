package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("STV_TEST_SECRET", "from-env")
	t.Setenv("PORT", "")
	t.Setenv("JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
storage:
  driver: Memory
auth:
  token_secret: ${STV_TEST_SECRET}
  token_ttl: 8h
ratelimit:
  backend: redis
  ticket_cooldown: 10m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, DriverMemory, cfg.Storage.Driver)
	require.Equal(t, "from-env", cfg.Auth.TokenSecret)
	require.Equal(t, 8*time.Hour, cfg.Auth.TokenTTL)
	require.Equal(t, BackendRedis, cfg.RateLimit.Backend)
	require.Equal(t, 10*time.Minute, cfg.RateLimit.TicketCooldown)
	require.Equal(t, 30*time.Second, cfg.RateLimit.AcceptCooldown)
	require.Equal(t, "stv-detections", cfg.Kafka.Topic)
	require.Equal(t, 256, cfg.WebSocket.SendBuffer)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":           "3000",
		"ADMIN_PASSWORD": "hunter2",
		"JWT_SECRET":     "s3cret",
		"DATABASE_URL":   "postgres://u:p@db:5432/stv",
		"REDIS_URL":      "redis://cache:6379/1",
	}
	var cfg Config
	cfg.Server.Port = 8080
	cfg.applyEnv(func(k string) string { return env[k] })

	require.Equal(t, 3000, cfg.Server.Port)
	require.Equal(t, "hunter2", cfg.Auth.AdminPassword)
	require.Equal(t, "s3cret", cfg.Auth.TokenSecret)
	require.Equal(t, "postgres://u:p@db:5432/stv", cfg.Postgres.ConnectionString())
	require.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
}

func TestConnectionStringFromParts(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "stv", Password: "pw", Database: "board"}
	require.Equal(t, "postgres://stv:pw@db:5432/board?sslmode=disable", cfg.ConnectionString())
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	require.ErrorIs(t, cfg.Validate(), ErrMissingTokenSecret)

	cfg.Auth.TokenSecret = "x"
	require.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "mongo"
	require.Error(t, cfg.Validate())

	cfg.Storage.Driver = DriverPostgres
	cfg.RateLimit.Backend = "memcached"
	require.Error(t, cfg.Validate())
}

func TestLogLevel(t *testing.T) {
	require.Equal(t, "DEBUG", LogConfig{Level: "debug"}.SlogLevel().String())
	require.Equal(t, "INFO", LogConfig{Level: "nonsense"}.SlogLevel().String())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.Auth.TokenSecret = "x"
		return cfg
	}

	cfg := valid()
	cfg.RateLimit.PruneInterval = -time.Second
	require.ErrorContains(t, cfg.Validate(), "ratelimit.prune_interval")

	cfg = valid()
	cfg.Auth.TokenTTL = -time.Minute
	require.ErrorContains(t, cfg.Validate(), "auth.token_ttl")

	cfg = valid()
	cfg.Kafka.RetryBackoff = -time.Millisecond
	require.ErrorContains(t, cfg.Validate(), "kafka.retry_backoff")

	cfg = valid()
	cfg.RateLimit.TicketCooldown = -time.Minute
	require.ErrorContains(t, cfg.Validate(), "ratelimit.ticket_cooldown")

	cfg = valid()
	cfg.RateLimit.MaxEntries = -1
	require.ErrorContains(t, cfg.Validate(), "ratelimit.max_entries")

	// Negative values survive applyDefaults, which only fills zeroes.
	cfg = &Config{}
	cfg.Auth.TokenSecret = "x"
	cfg.RateLimit.PruneInterval = -time.Second
	cfg.applyDefaults()
	require.Error(t, cfg.Validate())
}
