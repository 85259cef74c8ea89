/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize SQLite store
  3. Choose the per-employee lock (Redis when REDIS_ADDR is set)
  4. Create accrual service and API handler
  5. Configure HTTP router and start the top-up scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port                HTTP server port (default: 8080)
  -db                  SQLite database path (default: leave.db)
                       Use ":memory:" for in-memory database
  -redis               Redis address for distributed locks
  -persist-top-up      Write automatic top-ups to the ledger
  -scheduler           Run the periodic top-up (default: true)
  See config/config.go for the full list and environment keys.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the top-up scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/leave.db"

  # Run in-memory with JSON logs and no scheduler
  LOG_FORMAT=json ./server -db=":memory:" -scheduler=false

  # Several instances sharing one database
  REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/scheduler.go: Periodic top-up
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/config"
	"github.com/warp/leave-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.NewLogger()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	opts := []accrual.Option{
		accrual.WithLogger(logger),
		accrual.WithTopUpPersistence(cfg.PersistTopUp),
	}

	// Redis locks are only needed when several instances share a database.
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatalf("Failed to connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		opts = append(opts, accrual.WithLocker(accrual.NewRedisLocker(rdb, cfg.LockTTL, logger)))
		logger.WithField("addr", cfg.RedisAddr).Info("using redis locks")
	}

	svc := accrual.NewService(store, opts...)
	handler := api.NewHandler(store, svc, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	scheduler := api.NewTopUpScheduler(store, svc, logger)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Interval = cfg.SchedulerInterval
	scheduler.Concurrency = cfg.SchedulerConcurrency
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port":           cfg.Port,
			"db":             cfg.DBPath,
			"persist_top_up": cfg.PersistTopUp,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return
	}

	logger.Info("server stopped")
}
