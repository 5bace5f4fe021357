// Package topup runs a wallet top-up attempt: validate, charge the provider,
// credit the ledger, write the audit row.
package topup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/metrics"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/realtime"
)

const DefaultProviderTimeout = 45 * time.Second

// Providers resolves a payment method to its adapter.
type Providers interface {
	Get(m payments.Method) (payments.Provider, error)
}

// Ledger is the part of ledger.Service the orchestrator writes through.
type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error)
	Increment(ctx context.Context, key string, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error)
	Applied(ctx context.Context, key string) (bool, error)
	AppendTransaction(ctx context.Context, t *models.Transaction) error
}

// Pending describes a charge whose outcome must be confirmed later.
type Pending struct {
	AttemptID    string
	UserID       uuid.UUID
	Role         models.Role
	Method       payments.Method
	Amount       decimal.Decimal
	ProviderTxID string
	Description  string
}

// Reporter hands failed or unfinished attempts to a durable queue.
type Reporter interface {
	ReportCreditFailure(ctx context.Context, e *LedgerDesyncError) error
	ReportAuditFailure(ctx context.Context, e *AuditWriteError) error
	ReportPending(ctx context.Context, p Pending) error
}

type Options struct {
	ProviderTimeout time.Duration
	Reporter        Reporter
	Publisher       realtime.Publisher
	Logger          *slog.Logger
	// Observe, when set, sees every state an attempt enters.
	Observe func(attemptID string, s State)
}

type Orchestrator struct {
	providers Providers
	ledger    Ledger
	opts      Options
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(providers Providers, l Ledger, opts Options) *Orchestrator {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.Publisher == nil {
		opts.Publisher = realtime.Discard{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		providers: providers,
		ledger:    l,
		opts:      opts,
		log:       log,
		inflight:  make(map[string]struct{}),
	}
}

// attempt carries one run through the state machine.
type attempt struct {
	o     *Orchestrator
	id    string
	state State
	start time.Time
}

func (a *attempt) enter(s State) {
	a.state = s
	a.o.log.Debug("top-up state", "attempt_id", a.id, "state", s)
	if a.o.opts.Observe != nil {
		a.o.opts.Observe(a.id, s)
	}
}

// TopUp runs one attempt to completion. A nil error with Result.State
// PENDING_CONFIRMATION means the provider has not settled yet.
func (o *Orchestrator) TopUp(ctx context.Context, req Request) (*Result, error) {
	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}
	a := &attempt{o: o, id: req.AttemptID, start: time.Now()}
	a.enter(StateIdle)

	if !o.claim(req.AttemptID) {
		metrics.TopUps.WithLabelValues(string(req.Method), "duplicate").Inc()
		return nil, ErrDuplicateAttempt
	}
	defer o.release(req.AttemptID)

	res, outcome, err := o.run(ctx, a, req)
	if err != nil {
		a.enter(StateFailed)
	}
	metrics.TopUps.WithLabelValues(string(req.Method), outcome).Inc()
	metrics.TopUpDuration.WithLabelValues(string(req.Method)).Observe(time.Since(a.start).Seconds())
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, a *attempt, req Request) (*Result, string, error) {
	a.enter(StateValidating)
	amount, provider, err := o.validate(req)
	if err != nil {
		return nil, "validation_error", err
	}
	key := CreditKey(req.AttemptID)
	done, err := o.ledger.Applied(ctx, key)
	if err != nil {
		return nil, "error", err
	}
	if done {
		return nil, "duplicate", ErrAttemptCompleted
	}
	// The wallet must exist and accept credits before anyone is charged.
	wallet, err := o.ledger.GetBalance(ctx, req.UserID, req.Role)
	if err != nil {
		return nil, "error", err
	}
	if wallet.Status != models.WalletStatusActive {
		return nil, "frozen", ledger.ErrWalletFrozen
	}

	a.enter(StateProviderCall)
	description := Description(provider, req.Instrument)
	// Past this point the caller going away must not stop the attempt.
	ctx = context.WithoutCancel(ctx)
	receipt, err := o.charge(ctx, provider, req, amount)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, "ledger_desync", o.ambiguous(ctx, req, amount, description, err)
		}
		o.log.Info("top-up declined", "attempt_id", req.AttemptID, "method", req.Method, "error", err)
		return nil, "provider_error", &ProviderError{Method: req.Method, Err: err}
	}

	switch receipt.Status {
	case payments.StatusFailed:
		return nil, "provider_error", &ProviderError{Method: req.Method, Err: payments.ErrDeclined}
	case payments.StatusPending:
		a.enter(StatePendingConfirmation)
		o.pending(ctx, Pending{
			AttemptID:    req.AttemptID,
			UserID:       req.UserID,
			Role:         req.Role,
			Method:       req.Method,
			Amount:       amount,
			ProviderTxID: receipt.TransactionID,
			Description:  description,
		})
		return &Result{
			AttemptID:    req.AttemptID,
			State:        StatePendingConfirmation,
			Amount:       amount,
			ProviderTxID: receipt.TransactionID,
		}, "pending", nil
	case payments.StatusSuccess:
	default:
		return nil, "provider_error", &ProviderError{Method: req.Method, Err: errors.New("unknown receipt status " + string(receipt.Status))}
	}

	a.enter(StateLedgerUpdate)
	balance, err := o.ledger.Increment(ctx, key, req.UserID, req.Role, amount)
	if errors.Is(err, ledger.ErrAlreadyApplied) {
		return nil, "duplicate", ErrAttemptCompleted
	}
	if err != nil {
		desync := &LedgerDesyncError{
			AttemptID:    req.AttemptID,
			UserID:       req.UserID,
			Role:         req.Role,
			Method:       req.Method,
			Amount:       amount,
			ProviderTxID: receipt.TransactionID,
			Description:  description,
			Captured:     true,
			Err:          err,
		}
		o.log.Error("top-up charged but not credited", desyncAttrs(desync)...)
		o.report(ctx, func(r Reporter) error { return r.ReportCreditFailure(ctx, desync) }, desyncAttrs(desync)...)
		return nil, "ledger_desync", desync
	}

	a.enter(StateAuditWrite)
	tx := NewTransaction(req.AttemptID, req.UserID, req.Role, amount, description, receipt.TransactionID)
	res := &Result{
		AttemptID:    req.AttemptID,
		Amount:       amount,
		Balance:      balance,
		ProviderTxID: receipt.TransactionID,
		Transaction:  tx,
	}
	if err := o.ledger.AppendTransaction(ctx, tx); err != nil {
		auditErr := &AuditWriteError{AttemptID: req.AttemptID, Transaction: tx, Err: err}
		o.log.Error("top-up audit write failed", "attempt_id", req.AttemptID, "transaction_id", tx.ID, "user_id", req.UserID, "amount", amount.String(), "error", err)
		o.report(ctx, func(r Reporter) error { return r.ReportAuditFailure(ctx, auditErr) },
			"attempt_id", req.AttemptID, "transaction_id", tx.ID, "user_id", req.UserID, "amount", amount.String())
		res.AuditPending = true
	}

	a.enter(StateSuccess)
	res.State = StateSuccess
	if err := o.opts.Publisher.Publish(ctx, realtime.WalletUpdated(req.UserID, req.Role, balance, tx)); err != nil {
		o.log.Warn("wallet event not published", "attempt_id", req.AttemptID, "error", err)
	}
	o.log.Info("top-up credited", "attempt_id", req.AttemptID, "user_id", req.UserID, "role", req.Role,
		"method", req.Method, "amount", amount.String(), "balance", balance.String())
	return res, "success", nil
}

func (o *Orchestrator) validate(req Request) (decimal.Decimal, payments.Provider, error) {
	if !req.Role.Valid() {
		return decimal.Zero, nil, &ValidationError{Field: "role", Msg: "must be driver or passenger"}
	}
	if req.UserID == uuid.Nil {
		return decimal.Zero, nil, &ValidationError{Field: "user", Msg: "required"}
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return decimal.Zero, nil, err
	}
	provider, err := o.providers.Get(req.Method)
	if err != nil {
		return decimal.Zero, nil, &ValidationError{Field: "method", Msg: err.Error()}
	}
	if err := checkInstrument(req.Method, req.Instrument); err != nil {
		return decimal.Zero, nil, err
	}
	return amount, provider, nil
}

func (o *Orchestrator) charge(ctx context.Context, p payments.Provider, req Request, amount decimal.Decimal) (*payments.Receipt, error) {
	pctx, cancel := context.WithTimeout(ctx, o.opts.ProviderTimeout)
	defer cancel()
	return p.Initiate(pctx, req.Instrument, amount, req.UserID.String())
}

// ambiguous handles a provider call that ended without an answer: the charge
// may or may not have gone through, so the attempt goes to confirmation
// instead of a retry.
func (o *Orchestrator) ambiguous(ctx context.Context, req Request, amount decimal.Decimal, description string, cause error) error {
	desync := &LedgerDesyncError{
		AttemptID:   req.AttemptID,
		UserID:      req.UserID,
		Role:        req.Role,
		Method:      req.Method,
		Amount:      amount,
		Description: description,
		Err:         cause,
	}
	o.log.Error("top-up provider outcome unknown", desyncAttrs(desync)...)
	o.pending(ctx, Pending{
		AttemptID:   req.AttemptID,
		UserID:      req.UserID,
		Role:        req.Role,
		Method:      req.Method,
		Amount:      amount,
		Description: description,
	})
	return desync
}

func (o *Orchestrator) pending(ctx context.Context, p Pending) {
	o.report(ctx, func(r Reporter) error { return r.ReportPending(ctx, p) },
		"attempt_id", p.AttemptID, "user_id", p.UserID, "role", p.Role, "method", p.Method,
		"amount", p.Amount.String(), "provider_tx_id", p.ProviderTxID)
	if err := o.opts.Publisher.Publish(ctx, realtime.Event{
		Type:      realtime.EventTopUpPending,
		UserID:    p.UserID,
		Role:      p.Role,
		AttemptID: p.AttemptID,
		At:        time.Now().UTC(),
	}); err != nil {
		o.log.Warn("pending event not published", "attempt_id", p.AttemptID, "error", err)
	}
}

// report hands the attempt to the configured Reporter. Without one, or when
// the queue insert fails, the attempt is logged at ERROR with all its fields.
func (o *Orchestrator) report(ctx context.Context, send func(Reporter) error, attrs ...any) {
	if o.opts.Reporter == nil {
		o.log.ErrorContext(ctx, "no reconciliation queue configured; manual reconciliation required", attrs...)
		return
	}
	if err := send(o.opts.Reporter); err != nil {
		o.log.ErrorContext(ctx, "reconciliation enqueue failed; manual reconciliation required", append(attrs, "enqueue_error", err)...)
	}
}

func desyncAttrs(e *LedgerDesyncError) []any {
	return []any{
		"attempt_id", e.AttemptID,
		"user_id", e.UserID,
		"role", e.Role,
		"method", e.Method,
		"amount", e.Amount.String(),
		"provider_tx_id", e.ProviderTxID,
		"captured", e.Captured,
		"error", e.Err,
	}
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}
