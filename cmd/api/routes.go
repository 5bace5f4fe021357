package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/auth"
	"github.com/boleia/backend/internal/config"
	"github.com/boleia/backend/internal/handlers"
	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/middleware"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/prefs"
	"github.com/boleia/backend/internal/realtime"
	"github.com/boleia/backend/internal/router"
	"github.com/boleia/backend/internal/topup"
	"github.com/boleia/backend/internal/trips"
)

type routeDeps struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	ledgerRepo *ledger.Repository
	ledgerSvc  ledger.Service
	registry   *payments.Registry
	reporter   topup.Reporter
	publisher  realtime.Publisher
	hub        *realtime.Hub
	prefStore  prefs.Store
	tripsRepo  *trips.Repository
	commission decimal.Decimal
	limits     config.Limits
	logger     *slog.Logger
}

// buildRouter wires handlers and middleware.
// Middleware chain: BearerAuth -> (TopUpLimits on POST /wallet/topups only) -> handler.
func buildRouter(d routeDeps) http.Handler {
	validator, err := topup.NewValidator()
	if err != nil {
		// Schemas are embedded; failing here is a build defect.
		panic(err)
	}

	orchestrator := topup.New(d.registry, d.ledgerSvc, topup.Options{
		ProviderTimeout: d.cfg.Payments.ProviderTimeout,
		Reporter:        d.reporter,
		Publisher:       d.publisher,
		Logger:          d.logger,
		Observe: func(attemptID string, s topup.State) {
			d.logger.Debug("top-up state", "attempt_id", attemptID, "state", s)
		},
	})

	prefSvc := prefs.NewService(d.prefStore, d.registry.Methods())
	tripSvc := trips.NewService(d.tripsRepo, d.ledgerRepo, d.ledgerSvc, d.commission, d.publisher, d.logger)

	wallet := &handlers.WalletHandler{
		Wallets:   d.ledgerSvc,
		TopUps:    orchestrator,
		Validator: validator,
		Cards:     prefSvc,
		Realtime:  d.hub,
		Methods:   d.registry.Methods(),
		Logger:    d.logger,
	}

	authSvc := auth.NewService(d.cfg.Auth.JWTSecret)

	return router.New(router.Handlers{
		Wallet: wallet,
		Prefs:  prefs.NewHandler(prefSvc, d.logger),
		Trips:  trips.NewHandler(tripSvc, d.logger),
	}, router.Middleware{
		Auth:        middleware.BearerAuth(authSvc),
		TopUpLimits: middleware.TopUpLimits(d.pool, d.limits),
	}, d.pool.Ping)
}
