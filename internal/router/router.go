package router

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boleia/backend/internal/handlers"
	"github.com/boleia/backend/internal/prefs"
	"github.com/boleia/backend/internal/trips"
)

const base = "/api/v1"

type Handlers struct {
	Wallet *handlers.WalletHandler
	Prefs  *prefs.Handler
	Trips  *trips.Handler
}

// Middleware wraps routes. Auth guards everything under /api/v1; TopUpLimits
// runs after Auth on POST /wallet/topups only.
type Middleware struct {
	Auth        func(http.Handler) http.Handler
	TopUpLimits func(http.Handler) http.Handler
}

// New returns an http.Handler that serves the API under /api/v1 plus the
// unauthenticated /healthz and /metrics.
func New(h Handlers, mw Middleware, ready func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	auth := mw.Auth
	limits := mw.TopUpLimits
	if limits == nil {
		limits = func(next http.Handler) http.Handler { return next }
	}
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	// Auth -> Limits -> CreateTopUp
	mux.Handle("POST "+base+"/wallet/topups", auth(limits(http.HandlerFunc(h.Wallet.CreateTopUp))))
	handle("GET "+base+"/wallet", h.Wallet.GetWallet)
	handle("GET "+base+"/wallet/transactions", h.Wallet.ListTransactions)
	handle("GET "+base+"/wallet/methods", h.Wallet.ListMethods)
	handle("GET "+base+"/realtime", h.Wallet.Stream)

	handle("GET "+base+"/payment-preferences", h.Prefs.Get)
	handle("PUT "+base+"/payment-preferences/default-method", h.Prefs.SetDefaultMethod)
	handle("DELETE "+base+"/payment-preferences/cards/{id}", h.Prefs.ForgetCard)

	handle("POST "+base+"/trips", h.Trips.Create)
	handle("GET "+base+"/trips", h.Trips.List)
	handle("GET "+base+"/trips/open", h.Trips.ListOpen)
	handle("GET "+base+"/trips/{id}", h.Trips.Get)
	handle("POST "+base+"/trips/{id}/{action}", h.Trips.Act)
	handle("GET "+base+"/earnings", h.Trips.Earnings)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
