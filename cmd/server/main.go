/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, then .env, then defaults)
  2. Build the logger
  3. Open the store (SQLite or PostgreSQL)
  4. Optionally cache idempotency lookups in Redis
  5. Load the service catalog
  6. Wire ledger, PIN verifier, provider, notifier, orchestrator
  7. Configure the HTTP router and the pending sweeper
  8. Start server with graceful shutdown

OPTIONAL DEPENDENCIES:
  Redis, RabbitMQ and the upstream provider are optional. When one is not
  configured or not reachable the service still starts:
  - no REDIS_URL: idempotency lookups go straight to the store
  - no RABBITMQ_URL: wallet events are only logged
  - no PROVIDER_BASE_URL: purchases are fulfilled by the in-process simulator

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper and wait for a running sweep
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close broker, cache and database connections
  5. Exit

SEE ALSO:
  - config/config.go: Every setting and its default
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-engine/api"
	"github.com/warp/wallet-engine/cache"
	"github.com/warp/wallet-engine/config"
	"github.com/warp/wallet-engine/factory"
	"github.com/warp/wallet-engine/identity"
	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/logging"
	"github.com/warp/wallet-engine/metrics"
	"github.com/warp/wallet-engine/notify"
	"github.com/warp/wallet-engine/provider"
	"github.com/warp/wallet-engine/purchase"
	"github.com/warp/wallet-engine/store/postgres"
	"github.com/warp/wallet-engine/store/sqlite"
)

// walletStore is what both database stores provide.
type walletStore interface {
	ledger.Store
	identity.HashStore
}

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.WithFields(logrus.Fields{
		"store":         cfg.StoreDriver,
		"cashback_rate": cfg.CashbackRate.String(),
		"port":          cfg.ServerPort,
	}).Info("starting wallet engine")

	ctx := context.Background()

	// Store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer closeStore()

	var ledgerStore ledger.Store = store
	if redisClient := connectRedis(ctx, cfg.RedisURL, log); redisClient != nil {
		defer redisClient.Close()
		ledgerStore = cache.Wrap(store, redisClient, cache.DefaultTTL, log)
	}

	// Catalog
	catalog := factory.DefaultCatalog(cfg.CashbackRate)
	if cfg.CatalogPath != "" {
		catalog, err = factory.LoadCatalog(cfg.CatalogPath, cfg.CashbackRate)
		if err != nil {
			log.WithError(err).WithField("path", cfg.CatalogPath).Fatal("failed to load service catalog")
		}
	}
	log.WithField("services", len(catalog.Services())).Info("service catalog loaded")

	m := metrics.New()

	l := ledger.New(ledgerStore, ledger.Config{
		MaxRetries:   cfg.CommitMaxRetries,
		RetryBackoff: ledger.DefaultRetryBackoff,
	}, ledger.WithObserver(m), ledger.WithLogger(log))

	pins := identity.NewBcryptVerifier(store, 0)

	// Provider
	var upstream provider.Provider
	if cfg.ProviderBaseURL != "" {
		upstream = provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout(), log)
	} else {
		log.Warn("PROVIDER_BASE_URL not set; purchases are fulfilled by the simulator")
		upstream = provider.NewSimulator()
	}

	// Notifier
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		publisher, err := notify.DialRabbit(cfg.RabbitMQURL, cfg.NotifyExchange, log)
		if err != nil {
			log.WithError(err).Warn("rabbitmq unavailable; wallet events are only logged")
		} else {
			defer publisher.Close()
			notifier = publisher
		}
	}

	orch := purchase.New(l, catalog, pins, upstream,
		purchase.WithNotifier(notifier),
		purchase.WithRecorder(m),
		purchase.WithLogger(log),
		purchase.WithProviderTimeout(cfg.ProviderTimeout()),
	)

	handler := api.NewHandler(l, orch, catalog, pins, log)
	handler.PendingMaxAge = cfg.PendingMaxAge()
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		ProviderAPIKey: cfg.ProviderAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        m.Handler(),
	})
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; authentication is disabled")
	}

	sweeper, err := api.NewPendingSweeper(orch, cfg.PendingSweepSchedule, cfg.PendingMaxAge(), log)
	if err != nil {
		log.WithError(err).Fatal("failed to schedule pending sweep")
	}
	sweeper.Start()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	<-sweeper.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (walletStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		store, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// connectRedis returns nil when Redis is not configured or not reachable.
func connectRedis(ctx context.Context, url string, log logrus.FieldLogger) *redis.Client {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.WithError(err).Warn("redis url parse failed; idempotency cache disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed; idempotency cache disabled")
		client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
