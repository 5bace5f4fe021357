package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/ledger/ledgertest"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/topup"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeInserter struct {
	mu   sync.Mutex
	jobs []river.JobArgs
	err  error
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(f.jobs))}}, nil
}

// --- confirmingProvider is a gateway stand-in with a scripted status ---

type confirmingProvider struct {
	payments.Provider
	status payments.Status
	err    error
}

func (c *confirmingProvider) Status(context.Context, string) (payments.Status, error) {
	return c.status, c.err
}

type providerMap map[payments.Method]payments.Provider

func (m providerMap) Get(method payments.Method) (payments.Provider, error) {
	p, ok := m[method]
	if !ok {
		return nil, payments.ErrUnknownMethod
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func setup(t *testing.T, providers topup.Providers) (*ledgertest.Store, Deps, Charge) {
	t.Helper()
	store := ledgertest.New()
	user := uuid.New()
	store.Seed(user, models.RolePassenger, decimal.RequireFromString("10"))
	deps := Deps{
		Ledger:    ledger.NewService(store, ledger.Options{}),
		Providers: providers,
	}
	charge := Charge{
		AttemptID:    "attempt-1",
		UserID:       user,
		Role:         models.RolePassenger,
		Method:       payments.MethodMPesa,
		Amount:       decimal.RequireFromString("100"),
		ProviderTxID: "GW-1",
		Description:  "Top-up via M-Pesa (84****233)",
	}
	return store, deps, charge
}

func assertBalance(t *testing.T, store *ledgertest.Store, c Charge, want string) {
	t.Helper()
	if got := store.Balance(c.UserID, c.Role); !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("balance = %s, want %s", got, want)
	}
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

func TestQueue_InsertsOneJobPerReport(t *testing.T) {
	ins := &fakeInserter{}
	q := NewQueue(ins, nil)
	ctx := context.Background()
	tx := &models.Transaction{ID: uuid.New()}

	if err := q.ReportCreditFailure(ctx, &topup.LedgerDesyncError{AttemptID: "a", Amount: decimal.NewFromInt(5), Captured: true}); err != nil {
		t.Fatal(err)
	}
	if err := q.ReportAuditFailure(ctx, &topup.AuditWriteError{AttemptID: "a", Transaction: tx}); err != nil {
		t.Fatal(err)
	}
	if err := q.ReportPending(ctx, topup.Pending{AttemptID: "b", ProviderTxID: "GW-9"}); err != nil {
		t.Fatal(err)
	}

	kinds := []string{}
	for _, j := range ins.jobs {
		kinds = append(kinds, j.Kind())
	}
	want := []string{"topup_credit_retry", "topup_audit_retry", "topup_confirm"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if got := ins.jobs[2].(ConfirmArgs).ProviderTxID; got != "GW-9" {
		t.Errorf("confirm args provider id = %q", got)
	}
	if got := ins.jobs[1].(AuditRetryArgs).Transaction.ID; got != tx.ID {
		t.Errorf("audit args transaction id = %s, want %s", got, tx.ID)
	}
}

func TestQueue_InsertErrorIsReturned(t *testing.T) {
	q := NewQueue(&fakeInserter{err: errors.New("pool closed")}, nil)
	err := q.ReportPending(context.Background(), topup.Pending{AttemptID: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestArgs_RouteToReconcileQueue(t *testing.T) {
	for _, opts := range []river.InsertOpts{
		CreditRetryArgs{}.InsertOpts(),
		AuditRetryArgs{}.InsertOpts(),
		ConfirmArgs{}.InsertOpts(),
	} {
		if opts.Queue != QueueReconcile || !opts.UniqueOpts.ByArgs {
			t.Errorf("unexpected insert opts %+v", opts)
		}
	}
}

// ---------------------------------------------------------------------------
// Credit retry
// ---------------------------------------------------------------------------

func TestCreditRetry_CreditsOnce(t *testing.T) {
	store, deps, charge := setup(t, providerMap{})
	w := NewCreditRetryWorker(deps)
	job := &river.Job[CreditRetryArgs]{Args: CreditRetryArgs{Charge: charge}}

	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("second Work: %v", err)
	}
	assertBalance(t, store, charge, "110")
	txs := store.Transactions(charge.UserID, charge.Role)
	if len(txs) != 1 || txs[0].ID != topup.TransactionID(charge.AttemptID) || txs[0].Reference != "GW-1" {
		t.Fatalf("unexpected transactions %+v", txs)
	}
}

func TestCreditRetry_FinishesAuditAfterPartialRun(t *testing.T) {
	store, deps, charge := setup(t, providerMap{})
	w := NewCreditRetryWorker(deps)
	job := &river.Job[CreditRetryArgs]{Args: CreditRetryArgs{Charge: charge}}

	store.AppendErr = errors.New("timeout")
	if err := w.Work(context.Background(), job); err == nil {
		t.Fatal("expected the audit failure to trigger a retry")
	}
	assertBalance(t, store, charge, "110")

	store.AppendErr = nil
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertBalance(t, store, charge, "110")
	if n := len(store.Transactions(charge.UserID, charge.Role)); n != 1 {
		t.Fatalf("expected 1 transaction, got %d", n)
	}
}

func TestCreditRetry_FrozenWalletIsCancelled(t *testing.T) {
	store, deps, charge := setup(t, providerMap{})
	store.Freeze(charge.UserID, charge.Role)
	w := NewCreditRetryWorker(deps)

	err := w.Work(context.Background(), &river.Job[CreditRetryArgs]{Args: CreditRetryArgs{Charge: charge}})
	if err == nil || !errors.Is(err, ErrManualReconciliation) {
		t.Fatalf("expected manual reconciliation cancel, got %v", err)
	}
	assertBalance(t, store, charge, "10")
}

func TestCreditRetry_CreatesMissingWallet(t *testing.T) {
	_, deps, charge := setup(t, providerMap{})
	store := ledgertest.New()
	deps.Ledger = ledger.NewService(store, ledger.Options{})
	w := NewCreditRetryWorker(deps)

	if err := w.Work(context.Background(), &river.Job[CreditRetryArgs]{Args: CreditRetryArgs{Charge: charge}}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	assertBalance(t, store, charge, charge.Amount.String())
	if n := len(store.Transactions(charge.UserID, charge.Role)); n != 1 {
		t.Fatalf("expected 1 transaction, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Audit retry
// ---------------------------------------------------------------------------

func TestAuditRetry_IsIdempotent(t *testing.T) {
	store, deps, charge := setup(t, providerMap{})
	w := NewAuditRetryWorker(deps)
	tx := topup.NewTransaction(charge.AttemptID, charge.UserID, charge.Role, charge.Amount, charge.Description, charge.ProviderTxID)
	job := &river.Job[AuditRetryArgs]{Args: AuditRetryArgs{AttemptID: charge.AttemptID, Transaction: *tx}}

	for i := 0; i < 2; i++ {
		if err := w.Work(context.Background(), job); err != nil {
			t.Fatalf("Work: %v", err)
		}
	}
	if n := len(store.Transactions(charge.UserID, charge.Role)); n != 1 {
		t.Fatalf("expected 1 transaction, got %d", n)
	}
	assertBalance(t, store, charge, "10")
}

// ---------------------------------------------------------------------------
// Confirmation
// ---------------------------------------------------------------------------

func TestConfirm_Outcomes(t *testing.T) {
	cases := []struct {
		name        string
		providers   providerMap
		providerTx  string
		queuedAgo   time.Duration
		want        Outcome
		wantBalance string
	}{
		{
			name:        "success credits",
			providers:   providerMap{payments.MethodMPesa: &confirmingProvider{status: payments.StatusSuccess}},
			providerTx:  "GW-1",
			want:        OutcomeCredited,
			wantBalance: "110",
		},
		{
			name:        "still pending",
			providers:   providerMap{payments.MethodMPesa: &confirmingProvider{status: payments.StatusPending}},
			providerTx:  "GW-1",
			want:        OutcomeStillPending,
			wantBalance: "10",
		},
		{
			name:        "pending past window",
			providers:   providerMap{payments.MethodMPesa: &confirmingProvider{status: payments.StatusPending}},
			providerTx:  "GW-1",
			queuedAgo:   ConfirmWindow + time.Hour,
			want:        OutcomeManual,
			wantBalance: "10",
		},
		{
			name:        "provider failed",
			providers:   providerMap{payments.MethodMPesa: &confirmingProvider{status: payments.StatusFailed}},
			providerTx:  "GW-1",
			want:        OutcomeProviderFailed,
			wantBalance: "10",
		},
		{
			name:        "no provider reference",
			providers:   providerMap{payments.MethodMPesa: &confirmingProvider{status: payments.StatusSuccess}},
			providerTx:  "",
			want:        OutcomeManual,
			wantBalance: "10",
		},
		{
			name:        "mock provider cannot confirm",
			providers:   providerMap{payments.MethodMPesa: payments.NewMPesa(0)},
			providerTx:  "GW-1",
			want:        OutcomeManual,
			wantBalance: "10",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, deps, charge := setup(t, tc.providers)
			charge.ProviderTxID = tc.providerTx
			w := NewConfirmWorker(deps)

			got, err := w.confirm(context.Background(), charge, time.Now().Add(-tc.queuedAgo))
			if err != nil {
				t.Fatalf("confirm: %v", err)
			}
			if got != tc.want {
				t.Fatalf("outcome = %d, want %d", got, tc.want)
			}
			assertBalance(t, store, charge, tc.wantBalance)
		})
	}
}

func TestConfirm_StatusErrorRetries(t *testing.T) {
	p := &confirmingProvider{err: errors.New("gateway unavailable")}
	_, deps, charge := setup(t, providerMap{payments.MethodMPesa: p})
	w := NewConfirmWorker(deps)

	job := &river.Job[ConfirmArgs]{JobRow: &rivertype.JobRow{CreatedAt: time.Now()}, Args: ConfirmArgs{Charge: charge}}
	if err := w.Work(context.Background(), job); err == nil {
		t.Fatal("expected error so River retries")
	}
}

func TestConfirm_WorkCreditsOnSuccess(t *testing.T) {
	p := &confirmingProvider{status: payments.StatusSuccess}
	store, deps, charge := setup(t, providerMap{payments.MethodMPesa: p})
	w := NewConfirmWorker(deps)

	job := &river.Job[ConfirmArgs]{JobRow: &rivertype.JobRow{CreatedAt: time.Now()}, Args: ConfirmArgs{Charge: charge}}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work: %v", err)
	}
	assertBalance(t, store, charge, "110")
}
