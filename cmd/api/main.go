package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/boleia/backend/internal/config"
	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/prefs"
	"github.com/boleia/backend/internal/realtime"
	"github.com/boleia/backend/internal/reconcile"
	"github.com/boleia/backend/internal/trips"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if cfg.Database.Migrate {
		if err := migrate(ctx, pool); err != nil {
			slog.Error("Migrations failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Migrations applied")
	}

	// Realtime: local hub, optionally bridged across instances over NATS.
	hub := realtime.NewHub(cfg.HTTP.AllowedOrigins, logger)
	defer hub.Close()
	var publisher realtime.Publisher = hub
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("boleia-api"), nats.MaxReconnects(-1))
		if err != nil {
			slog.Error("Cannot reach NATS", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		bridge := realtime.NewNATSBridge(nc, cfg.NATS.SubjectPrefix, hub, logger)
		if err := bridge.Start(); err != nil {
			slog.Error("NATS bridge failed", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
		publisher = bridge
		slog.Info("Realtime events bridged over NATS", "prefix", cfg.NATS.SubjectPrefix)
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, ledger.Options{
		Currency:            cfg.Wallet.Currency,
		AllowUnsafeFallback: cfg.Wallet.AllowUnsafeFallback,
		Logger:              logger,
	})

	// Payment providers
	var registry *payments.Registry
	if cfg.Payments.GatewayURL != "" {
		registry = payments.NewGatewayRegistry(cfg.Payments.GatewayURL, &http.Client{Timeout: cfg.Payments.ProviderTimeout})
		slog.Info("Payments routed through gateway", "url", cfg.Payments.GatewayURL)
	} else {
		registry = payments.NewMockRegistry(cfg.Payments.SimulatedDelay)
		slog.Warn("Using mock payment providers; no money moves")
	}

	// Reconciliation workers
	workers := river.NewWorkers()
	reconcile.AddWorkers(workers, reconcile.Deps{
		Ledger:    ledgerSvc,
		Providers: registry,
		Publisher: publisher,
		Logger:    logger,
	})
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			reconcile.QueueReconcile: {MaxWorkers: 5},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Payment preferences
	var prefStore prefs.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		prefStore = prefs.NewRedisStore(rdb)
	} else {
		prefStore = prefs.NewMemoryStore()
		slog.Warn("REDIS_ADDR not set; payment preferences kept in memory")
	}

	commission, _ := cfg.Trips.Commission()
	limits, _ := cfg.Wallet.TopUpLimits()

	apiRouter := buildRouter(routeDeps{
		cfg:        cfg,
		pool:       pool,
		ledgerRepo: ledgerRepo,
		ledgerSvc:  ledgerSvc,
		registry:   registry,
		reporter:   reconcile.NewQueue(riverClient, logger),
		publisher:  publisher,
		hub:        hub,
		prefStore:  prefStore,
		tripsRepo:  trips.NewRepository(pool),
		commission: commission,
		limits:     limits,
		logger:     logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes reconciliation jobs)
	riverCtx, stopRiver := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

// migrate applies River's tables and the embedded ledger and trips schemas.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}
	if err := ledger.Migrate(ctx, pool); err != nil {
		return err
	}
	return trips.Migrate(ctx, pool)
}
