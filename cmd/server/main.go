package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meterpay/meterpay-backend/internal/chain"
	"github.com/meterpay/meterpay-backend/internal/config"
	"github.com/meterpay/meterpay-backend/internal/events"
	"github.com/meterpay/meterpay-backend/internal/handlers"
	"github.com/meterpay/meterpay-backend/internal/service"
	"github.com/meterpay/meterpay-backend/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logger
	logger, err := setupLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Settlement backend starting up...")

	// Setup ledger store
	ledger, dbPool, err := setupLedger(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	if dbPool != nil {
		defer dbPool.Close()
	}

	// Setup escrow chain client
	escrowClient, err := chain.NewClient(cfg.GetChainConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize escrow client", zap.Error(err))
	}
	defer escrowClient.Close()

	// Setup event publisher
	publisher := setupPublisher(cfg, logger)

	// Setup settlement service
	settlementService := service.NewSettlementService(
		ledger,
		escrowClient,
		publisher,
		cfg.GetPaymentsConfig(),
		logger,
	)

	// Setup HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handlers.NewRouter(settlementService, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Setup graceful shutdown
	setupGracefulShutdown(server, cfg.Server.ShutdownTimeout, logger)

	// Start server
	logger.Info("Starting HTTP server", zap.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}

// setupLogger initializes the logger. Development mode gets the console
// encoder; production gets structured JSON.
func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch cfg.LogLevel {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zapLevel
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapConfig.Build()
}

// setupLedger selects the ledger backend. An empty database URL selects the
// in-memory store, which loses all ledger state on restart.
func setupLedger(cfg *config.Config, logger *zap.Logger) (store.Ledger, *pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		logger.Warn("No database URL configured, using in-memory ledger store")
		return store.NewMemoryStore(), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolConfig, err := cfg.GetDatabaseConfig()
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pgStore := store.NewPostgresStore(pool, logger)
	if err := pgStore.Initialize(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logger.Info("Database connection established successfully")
	return pgStore, pool, nil
}

// setupPublisher connects to NATS when configured; otherwise events are
// discarded.
func setupPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.NATS.Address == "" {
		logger.Warn("No NATS address configured, settlement events disabled")
		return events.NoopPublisher{}
	}

	publisher, err := events.Connect(cfg.NATS.Address, cfg.NATS.Subjects, logger)
	if err != nil {
		logger.Error("Failed to connect to NATS, settlement events disabled", zap.Error(err))
		return events.NoopPublisher{}
	}
	return publisher
}

// setupGracefulShutdown configures graceful shutdown handling
func setupGracefulShutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	go func() {
		<-c
		logger.Info("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown server gracefully", zap.Error(err))
		} else {
			logger.Info("Server shutdown completed")
		}
	}()
}
