package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stv-board/internal/auth"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/handler"
	"github.com/stv-board/internal/kafka"
	"github.com/stv-board/internal/memory"
	"github.com/stv-board/internal/metrics"
	"github.com/stv-board/internal/postgres"
	"github.com/stv-board/internal/ratelimit"
	"github.com/stv-board/internal/redis"
	"github.com/stv-board/internal/service"
	"github.com/stv-board/internal/websocket"
	"github.com/stv-board/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}
	level.Set(cfg.Log.SlogLevel())

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.AdminPassword == "" {
		logger.Warn("no admin password configured, admin login is disabled")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	collector := metrics.New()

	// Initialize record store
	var store service.Store
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, records are lost on restart")
		store = memory.NewStore()
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		logger.Info("connected to PostgreSQL")

		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		store = repo
	}

	// Initialize rate limiting
	var (
		limiter      ratelimit.Limiter
		redisLimiter *redis.RateLimiter
		pruneWorker  *worker.PruneWorker
	)
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		client, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		logger.Info("connected to Redis")
		redisLimiter = redis.NewRateLimiter(client, cfg.Redis.KeyPrefix, logger)
		limiter = redisLimiter
	default:
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimit.MaxEntries, clock)
		pruneWorker = worker.NewPruneWorker(memLimiter, cfg.RateLimit.PruneInterval, clock, logger)
		if err := pruneWorker.Start(ctx); err != nil {
			logger.Error("failed to start prune worker", "error", err)
			os.Exit(1)
		}
		limiter = memLimiter
	}
	guard := ratelimit.NewGuard(limiter, &cfg.RateLimit)

	// Initialize services
	issuer := auth.NewIssuer(&cfg.Auth, clock)
	board := service.NewBoardService(store, clock, logger)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(board, issuer, cfg.WebSocket, cfg.Server.AllowedOrigins, collector, logger)
	board.SetBroadcaster(wsHub)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize Kafka consumer for detection ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, board, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(board, issuer, guard, wsHub, collector, cfg.Server.AllowedOrigins, logger)
	if redisLimiter != nil {
		httpHandler.AddReadyCheck("redis", redisLimiter)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver, "ratelimit", cfg.RateLimit.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting work before closing sessions
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	wsHub.Stop()

	if pruneWorker != nil {
		if err := pruneWorker.Stop(); err != nil {
			logger.Error("failed to stop prune worker", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
