package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/auth"
	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/ledger/ledgertest"
	"github.com/boleia/backend/internal/middleware"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/prefs"
	"github.com/boleia/backend/internal/topup"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- TopUpRunner mock: answers with a fixed result or error ---

type stubRunner struct {
	res  *topup.Result
	err  error
	seen topup.Request
}

func (s *stubRunner) TopUp(_ context.Context, req topup.Request) (*topup.Result, error) {
	s.seen = req
	return s.res, s.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	h      *WalletHandler
	store  *ledgertest.Store
	prefs  *prefs.Service
	userID uuid.UUID
}

func newTestValidator(t *testing.T) *topup.Validator {
	t.Helper()
	v, err := topup.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

// newHarness wires the real orchestrator over the in-memory ledger and the
// mock payment providers.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	registry := payments.NewMockRegistry(0)
	prefSvc := prefs.NewService(prefs.NewMemoryStore(), registry.Methods())
	return &harness{
		h: &WalletHandler{
			Wallets:   svc,
			TopUps:    topup.New(registry, svc, topup.Options{}),
			Validator: newTestValidator(t),
			Cards:     prefSvc,
			Methods:   registry.Methods(),
			Logger:    slog.Default(),
		},
		store:  store,
		prefs:  prefSvc,
		userID: uuid.New(),
	}
}

func principal(userID uuid.UUID, roles ...models.Role) *auth.Principal {
	return &auth.Principal{UserID: userID, Roles: roles}
}

func withPrincipal(r *http.Request, p *auth.Principal) *http.Request {
	return r.WithContext(middleware.WithPrincipal(r.Context(), p))
}

func postTopUp(h *WalletHandler, p *auth.Principal, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/topups", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.CreateTopUp(rr, withPrincipal(req, p))
	return rr
}

// =====================================================================
// POST /api/v1/wallet/topups
// =====================================================================

// No wallet row exists yet: the first top-up creates it.
func TestCreateTopUp_MobileMoneyCredits(t *testing.T) {
	hs := newHarness(t)
	p := principal(hs.userID, models.RolePassenger)

	rr := postTopUp(hs.h, p, `{"method":"mpesa","amount":"100","phone":"841112233"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp topUpResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != topup.StateSuccess || resp.Balance == nil || !resp.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected response: %+v", resp)
	}
	txs := hs.store.Transactions(hs.userID, models.RolePassenger)
	if len(txs) != 1 || txs[0].Type != models.TxTopUp || !txs[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected one TOPUP of 100, got %+v", txs)
	}
}

func TestCreateTopUp_FrozenWalletIsForbidden(t *testing.T) {
	hs := newHarness(t)
	hs.store.Freeze(hs.userID, models.RolePassenger)
	p := principal(hs.userID, models.RolePassenger)

	rr := postTopUp(hs.h, p, `{"method":"mpesa","amount":"100","phone":"841112233"}`, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
	if n := len(hs.store.Transactions(hs.userID, models.RolePassenger)); n != 0 {
		t.Fatalf("expected no transaction, got %d", n)
	}
}

func TestCreateTopUp_DriverCardClearsDebt(t *testing.T) {
	hs := newHarness(t)
	hs.store.Seed(hs.userID, models.RoleDriver, decimal.RequireFromString("-450.00"))
	p := principal(hs.userID, models.RoleDriver)

	body := `{"role":"driver","method":"card","amount":"450,00","card_number":"4242 4242 4242 4242","expiry":"12/39","cvc":"123","holder":"A Motorista","remember_card":true}`
	rr := postTopUp(hs.h, p, body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := hs.store.Balance(hs.userID, models.RoleDriver); !got.IsZero() {
		t.Errorf("balance = %s, want 0", got)
	}
	saved, err := hs.prefs.Get(context.Background(), hs.userID)
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	if len(saved.Cards) != 1 || saved.Cards[0].Last4 != "4242" {
		t.Errorf("card not remembered: %+v", saved.Cards)
	}
}

func TestCreateTopUp_IdempotencyKeyHeaderWins(t *testing.T) {
	hs := newHarness(t)
	p := principal(hs.userID, models.RolePassenger)
	body := `{"attempt_id":"from-body","method":"emola","amount":"50","phone":"861112233"}`

	first := postTopUp(hs.h, p, body, map[string]string{"Idempotency-Key": "from-header"})
	if first.Code != http.StatusOK {
		t.Fatalf("first: %d: %s", first.Code, first.Body.String())
	}
	second := postTopUp(hs.h, p, body, map[string]string{"Idempotency-Key": "from-header"})
	if second.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", second.Code)
	}
	if got := hs.store.Balance(hs.userID, models.RolePassenger); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", got)
	}
}

func TestCreateTopUp_SchemaRejects(t *testing.T) {
	hs := newHarness(t)
	p := principal(hs.userID, models.RolePassenger)
	cases := []struct {
		name, body, field string
	}{
		{"no method", `{"amount":"10"}`, "method"},
		{"bad amount", `{"method":"mpesa","amount":"-5","phone":"841112233"}`, "amount"},
		{"extra field", `{"method":"mpesa","amount":"5","phone":"841112233","pin":"1234"}`, ""},
		{"card without fields", `{"method":"card","amount":"5"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postTopUp(hs.h, p, tc.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if tc.field != "" && !strings.Contains(rr.Body.String(), `"field":"`+tc.field+`"`) {
				t.Errorf("expected field %q in %s", tc.field, rr.Body.String())
			}
		})
	}
	if got := hs.store.Balance(hs.userID, models.RolePassenger); !got.IsZero() {
		t.Errorf("balance changed to %s", got)
	}
}

func TestCreateTopUp_RoleNotHeld(t *testing.T) {
	hs := newHarness(t)
	p := principal(hs.userID, models.RolePassenger)
	rr := postTopUp(hs.h, p, `{"role":"driver","method":"mpesa","amount":"10","phone":"841112233"}`, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestCreateTopUp_Unauthorized(t *testing.T) {
	hs := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/topups", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	hs.h.CreateTopUp(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCreateTopUp_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		res  *topup.Result
		err  error
		code int
		want string
	}{
		{"declined", nil, &topup.ProviderError{Method: payments.MethodMPesa, Err: payments.ErrDeclined}, http.StatusPaymentRequired, "mpesa"},
		{"bad phone", nil, &topup.ProviderError{Method: payments.MethodMPesa, Err: fmt.Errorf("%w: phone", payments.ErrInvalidInstrument)}, http.StatusBadRequest, "phone"},
		{"desync", nil, &topup.LedgerDesyncError{AttemptID: "a-1", Captured: true, Err: errors.New("db down")}, http.StatusBadGateway, `"code":"ledger_desync"`},
		{"timeout", nil, &topup.LedgerDesyncError{AttemptID: "a-2", Err: context.DeadlineExceeded}, http.StatusAccepted, "provider_timeout"},
		{"in flight", nil, topup.ErrDuplicateAttempt, http.StatusConflict, "in progress"},
		{"done", nil, topup.ErrAttemptCompleted, http.StatusConflict, "completed"},
		{"unexpected", nil, errors.New("boom"), http.StatusInternalServerError, "internal error"},
		{"pending", &topup.Result{AttemptID: "a-3", State: topup.StatePendingConfirmation, Amount: decimal.NewFromInt(10)}, nil, http.StatusAccepted, "PENDING_CONFIRMATION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &stubRunner{res: tc.res, err: tc.err}
			h := &WalletHandler{TopUps: runner, Validator: newTestValidator(t), Logger: slog.Default()}
			rr := postTopUp(h, principal(uuid.New(), models.RolePassenger), `{"method":"mpesa","amount":"10","phone":"841112233"}`, nil)
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.want) {
				t.Errorf("body %s does not contain %q", rr.Body.String(), tc.want)
			}
			if runner.seen.Amount != "10" || runner.seen.Role != models.RolePassenger {
				t.Errorf("runner saw %+v", runner.seen)
			}
		})
	}
}

// =====================================================================
// GET /api/v1/wallet, /api/v1/wallet/transactions
// =====================================================================

func TestGetWallet_ReportsDebt(t *testing.T) {
	hs := newHarness(t)
	hs.store.Seed(hs.userID, models.RoleDriver, decimal.RequireFromString("-120.50"))
	p := principal(hs.userID, models.RoleDriver, models.RolePassenger)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/wallet?role=driver", nil), p)
	rr := httptest.NewRecorder()
	hs.h.GetWallet(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Balance decimal.Decimal `json:"balance"`
		InDebt  bool            `json:"in_debt"`
		Role    models.Role     `json:"role"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.InDebt || body.Role != models.RoleDriver || !body.Balance.Equal(decimal.RequireFromString("-120.50")) {
		t.Errorf("unexpected wallet: %+v", body)
	}
}

func TestGetWallet_DefaultRoleCreatesWallet(t *testing.T) {
	hs := newHarness(t)
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil), principal(hs.userID))
	rr := httptest.NewRecorder()
	hs.h.GetWallet(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"role":"passenger"`) {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestListTransactions(t *testing.T) {
	hs := newHarness(t)
	p := principal(hs.userID, models.RolePassenger)
	postTopUp(hs.h, p, `{"method":"mpesa","amount":"10","phone":"841112233"}`, nil)
	postTopUp(hs.h, p, `{"method":"mpesa","amount":"20","phone":"841112233"}`, nil)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/transactions?limit=1", nil), p)
	rr := httptest.NewRecorder()
	hs.h.ListTransactions(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var txs []models.Transaction
	if err := json.NewDecoder(rr.Body).Decode(&txs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}

	bad := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/transactions?limit=abc", nil), p)
	rr = httptest.NewRecorder()
	hs.h.ListTransactions(rr, bad)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rr.Code)
	}
}

func TestListMethods(t *testing.T) {
	hs := newHarness(t)
	rr := httptest.NewRecorder()
	hs.h.ListMethods(rr, httptest.NewRequest(http.MethodGet, "/api/v1/wallet/methods", nil))
	for _, m := range []string{"mpesa", "emola", "card"} {
		if !strings.Contains(rr.Body.String(), m) {
			t.Errorf("method %s missing from %s", m, rr.Body.String())
		}
	}
}
