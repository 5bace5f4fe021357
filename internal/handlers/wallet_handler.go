package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/middleware"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/prefs"
	"github.com/boleia/backend/internal/topup"
)

const maxTopUpBody = 16 << 10

// WalletReader is the read side of the ledger service.
type WalletReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Transaction, error)
}

// TopUpRunner runs one top-up attempt.
type TopUpRunner interface {
	TopUp(ctx context.Context, req topup.Request) (*topup.Result, error)
}

// CardRememberer stores a charged card for later top-ups.
type CardRememberer interface {
	RememberCard(ctx context.Context, userID uuid.UUID, in payments.Instrument) (*prefs.Card, error)
}

// WSServer upgrades a request to the user's realtime event stream.
type WSServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error
}

// WalletHandler serves /api/v1/wallet endpoints and the realtime socket.
type WalletHandler struct {
	Wallets   WalletReader
	TopUps    TopUpRunner
	Validator *topup.Validator
	Cards     CardRememberer
	Realtime  WSServer
	Methods   []payments.Method
	Logger    *slog.Logger
}

// --- GET /api/v1/wallet ---

type walletResponse struct {
	*models.Wallet
	InDebt bool `json:"in_debt"`
}

// GetWallet handles GET /api/v1/wallet?role=driver|passenger.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	role, err := middleware.ResolveRole(p, r.URL.Query().Get("role"))
	if err != nil {
		http.Error(w, `{"error":"role not allowed"}`, http.StatusForbidden)
		return
	}
	wallet, err := h.Wallets.GetBalance(r.Context(), p.UserID, role)
	if err != nil {
		h.Logger.Error("load wallet", "user_id", p.UserID, "role", role, "error", err)
		http.Error(w, `{"error":"failed to load wallet"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Wallet: wallet, InDebt: wallet.InDebt()})
}

// --- GET /api/v1/wallet/transactions ---

// ListTransactions handles GET /api/v1/wallet/transactions?role=&limit=.
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	role, err := middleware.ResolveRole(p, r.URL.Query().Get("role"))
	if err != nil {
		http.Error(w, `{"error":"role not allowed"}`, http.StatusForbidden)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
	}
	txs, err := h.Wallets.ListTransactions(r.Context(), p.UserID, role, limit)
	if err != nil {
		h.Logger.Error("list transactions", "user_id", p.UserID, "role", role, "error", err)
		http.Error(w, `{"error":"failed to list transactions"}`, http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- GET /api/v1/wallet/methods ---

// ListMethods handles GET /api/v1/wallet/methods.
func (h *WalletHandler) ListMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]payments.Method{"methods": h.Methods})
}

// --- POST /api/v1/wallet/topups ---

type topUpRequest struct {
	AttemptID string          `json:"attempt_id"`
	Role      string          `json:"role"`
	Method    payments.Method `json:"method"`
	Amount    string          `json:"amount"`
	payments.Instrument
	RememberCard bool `json:"remember_card"`
}

type topUpResponse struct {
	AttemptID    string              `json:"attempt_id"`
	State        topup.State         `json:"state"`
	Amount       decimal.Decimal     `json:"amount"`
	Balance      *decimal.Decimal    `json:"balance,omitempty"`
	ProviderTxID string              `json:"provider_transaction_id,omitempty"`
	Transaction  *models.Transaction `json:"transaction,omitempty"`
	AuditPending bool                `json:"audit_pending,omitempty"`
	Card         *prefs.Card         `json:"card,omitempty"`
}

// CreateTopUp handles POST /api/v1/wallet/topups.
// Schema -> Role -> Orchestrator -> remember card -> 200, or 202 while the
// provider has not confirmed.
func (h *WalletHandler) CreateTopUp(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTopUpBody))
	if err != nil {
		http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
		return
	}
	if err := h.Validator.Validate(body); err != nil {
		writeValidationError(w, err)
		return
	}
	var req topUpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	role, err := middleware.ResolveRole(p, req.Role)
	if err != nil {
		http.Error(w, `{"error":"role not allowed"}`, http.StatusForbidden)
		return
	}
	attemptID := req.AttemptID
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		attemptID = key
	}

	res, err := h.TopUps.TopUp(r.Context(), topup.Request{
		AttemptID:  attemptID,
		UserID:     p.UserID,
		Role:       role,
		Method:     req.Method,
		Amount:     req.Amount,
		Instrument: req.Instrument,
	})
	if err != nil {
		h.writeTopUpError(w, err)
		return
	}

	resp := topUpResponse{
		AttemptID:    res.AttemptID,
		State:        res.State,
		Amount:       res.Amount,
		ProviderTxID: res.ProviderTxID,
		Transaction:  res.Transaction,
		AuditPending: res.AuditPending,
	}
	if res.State == topup.StatePendingConfirmation {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.Balance = &res.Balance

	if req.RememberCard && req.Method == payments.MethodCard && h.Cards != nil {
		// Ignore r.Context() cancellation: the charge already succeeded.
		card, err := h.Cards.RememberCard(context.WithoutCancel(r.Context()), p.UserID, req.Instrument)
		if err != nil {
			h.Logger.Warn("remember card", "user_id", p.UserID, "attempt_id", res.AttemptID, "error", err)
		}
		resp.Card = card
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var ve *topup.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (h *WalletHandler) writeTopUpError(w http.ResponseWriter, err error) {
	var (
		ve     *topup.ValidationError
		pe     *topup.ProviderError
		desync *topup.LedgerDesyncError
	)
	switch {
	case errors.As(err, &ve):
		writeValidationError(w, ve)
	case errors.Is(err, topup.ErrDuplicateAttempt), errors.Is(err, topup.ErrAttemptCompleted):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &desync) && !desync.Captured:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"state":      string(topup.StatePendingConfirmation),
			"code":       "provider_timeout",
			"attempt_id": desync.AttemptID,
			"error":      "payment outcome unknown; awaiting provider confirmation",
		})
	case errors.As(err, &desync):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"code":       "ledger_desync",
			"attempt_id": desync.AttemptID,
			"error":      "charged but not credited; under reconciliation",
		})
	case errors.As(err, &pe) && (errors.Is(err, payments.ErrInvalidInstrument) || errors.Is(err, payments.ErrInvalidAmount)):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": pe.Error()})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": pe.Error(), "method": string(pe.Method)})
	case errors.Is(err, ledger.ErrWalletFrozen):
		http.Error(w, `{"error":"wallet is frozen"}`, http.StatusForbidden)
	default:
		h.Logger.Error("top-up failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// --- GET /api/v1/realtime ---

// Stream handles GET /api/v1/realtime, the caller's websocket event stream.
func (h *WalletHandler) Stream(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if err := h.Realtime.ServeWS(w, r, p.UserID); err != nil {
		h.Logger.Warn("websocket upgrade failed", "user_id", p.UserID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
