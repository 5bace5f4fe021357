package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/config"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/topup"
)

const maxTopUpBody = 16 << 10

type peekedTopUp struct {
	Amount string `json:"amount"`
	Role   string `json:"role"`
}

// TopUpLimits enforces the per-top-up maximum and the daily top-up ceiling
// for the principal set by BearerAuth. It reads the body to extract
// "amount", then replaces r.Body so the handler can re-read it. Malformed
// amounts are left for the handler to reject.
func TopUpLimits(pool *pgxpool.Pool, limits config.Limits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTopUpBody))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek peekedTopUp
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				next.ServeHTTP(w, r)
				return
			}
			amount, err := topup.ParseAmount(peek.Amount)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			role, err := ResolveRole(p, peek.Role)
			if err != nil {
				http.Error(w, `{"error":"role not allowed"}`, http.StatusForbidden)
				return
			}

			if limits.PerTopUp != nil && amount.GreaterThan(*limits.PerTopUp) {
				http.Error(w, fmt.Sprintf(`{"error":"amount %s exceeds per top-up limit %s"}`, amount.StringFixed(2), limits.PerTopUp.StringFixed(2)), http.StatusForbidden)
				return
			}

			if limits.Daily != nil {
				today, err := dailyTopUpFn(r.Context(), pool, p.UserID, role)
				if err != nil {
					http.Error(w, `{"error":"failed to check daily top-ups"}`, http.StatusInternalServerError)
					return
				}
				if today.Add(amount).GreaterThan(*limits.Daily) {
					http.Error(w, fmt.Sprintf(`{"error":"daily top-ups %s + %s exceed daily limit %s"}`, today.StringFixed(2), amount.StringFixed(2), limits.Daily.StringFixed(2)), http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// dailyTopUpFn computes today's credited top-ups.
// Tests can replace this to avoid hitting a real database.
var dailyTopUpFn = defaultDailyTopUp

// defaultDailyTopUp sums completed TOPUP rows for the wallet today (UTC).
func defaultDailyTopUp(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, role models.Role) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1 AND role = $2 AND type = 'TOPUP' AND status = 'COMPLETED'
		  AND created_at >= date_trunc('day', now() AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'
	`, userID, string(role)).Scan(&total)
	return total, err
}
