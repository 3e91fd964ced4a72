/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the deposit settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, .env, SETTLE_* env, then flags)
  2. Set up structured logging
  3. Open the store (memory, sqlite or postgres)
  4. Build the owner locker (local or redis) and event notifiers
  5. Create engine, handler, reconciler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional config file (yaml, json or toml)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides store.sqlite_path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close websocket clients, Redis and the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Run against Postgres with the Redis lock
  SETTLE_STORE_DRIVER=postgres SETTLE_STORE_POSTGRES_DSN=postgres://... \
  SETTLE_LOCK_DRIVER=redis ./server

SEE ALSO:
  - config/config.go: All settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
	"github.com/warp/settlement-engine/lock"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/notify"
	"github.com/warp/settlement-engine/store/postgres"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.SQLitePath = *dbPath
	}

	logging.Setup(cfg.Log.Level)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	txStore, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	engine := ledger.NewEngine(txStore)
	engine.Logger = logger.With("component", "engine")

	// Redis is shared by the lock and the publisher
	var rdb *redis.Client
	if cfg.Lock.Driver == config.LockRedis || cfg.Redis.Publish {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
	}
	if cfg.Lock.Driver == config.LockRedis {
		engine.Locker = lock.NewRedisLocker(rdb, lock.Options{
			TTL:     cfg.Lock.TTL,
			Retries: cfg.Lock.Retries,
			Backoff: cfg.Lock.Backoff,
			Logger:  logger.With("component", "lock"),
		})
	}
	logger.Info("owner lock ready", "driver", cfg.Lock.Driver)

	// Notifiers
	hub := notify.NewHub(nil)
	defer hub.Close()
	notifiers := ledger.MultiNotifier{hub, notify.LogNotifier{Logger: logger.With("component", "events")}}
	if cfg.Redis.Publish {
		notifiers = append(notifiers, notify.NewRedisPublisher(rdb, cfg.Redis.Channel))
	}
	engine.Notifier = notifiers

	collector := metrics.New()
	engine.Observer = collector

	// Handler and reconciler
	handler := api.NewHandler(txStore, engine)
	handler.Reconciler.Enabled = cfg.Reconciler.Enabled
	handler.Reconciler.CheckInterval = cfg.Reconciler.Interval
	handler.Reconciler.Start()
	defer handler.Reconciler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Events:         hub,
		Metrics:        collector.Handler(),
		Logger:         logger.With("component", "http"),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.TxStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), func() {}, nil
	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize sqlite: %w", err)
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN, postgres.Options{MaxConns: cfg.PoolMaxConns})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize postgres: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
