package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/metrics"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/realtime"
	"github.com/boleia/backend/internal/topup"
)

const (
	confirmPollInterval = 30 * time.Second
	// ConfirmWindow bounds how long a pending charge is polled before it is
	// left for manual reconciliation.
	ConfirmWindow = 24 * time.Hour
)

// ErrManualReconciliation marks a job that was cancelled because no
// automatic path can settle it.
var ErrManualReconciliation = errors.New("manual reconciliation required")

type Deps struct {
	Ledger    topup.Ledger
	Providers topup.Providers
	Publisher realtime.Publisher
	Logger    *slog.Logger
}

func (d *Deps) defaults() {
	if d.Publisher == nil {
		d.Publisher = realtime.Discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// AddWorkers registers every reconciliation worker.
func AddWorkers(workers *river.Workers, deps Deps) {
	river.AddWorker(workers, NewCreditRetryWorker(deps))
	river.AddWorker(workers, NewAuditRetryWorker(deps))
	river.AddWorker(workers, NewConfirmWorker(deps))
}

// credit applies a captured charge exactly once and writes its TOPUP row.
// Both steps are idempotent, so a retry after a partial run finishes the job.
func credit(ctx context.Context, d Deps, c Charge) error {
	if _, err := d.Ledger.GetBalance(ctx, c.UserID, c.Role); err != nil {
		return fmt.Errorf("wallet for attempt %s: %w", c.AttemptID, err)
	}
	balance, err := d.Ledger.Increment(ctx, topup.CreditKey(c.AttemptID), c.UserID, c.Role, c.Amount)
	applied := err == nil
	if err != nil && !errors.Is(err, ledger.ErrAlreadyApplied) {
		return fmt.Errorf("credit attempt %s: %w", c.AttemptID, err)
	}
	tx := topup.NewTransaction(c.AttemptID, c.UserID, c.Role, c.Amount, c.Description, c.ProviderTxID)
	if err := d.Ledger.AppendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("audit attempt %s: %w", c.AttemptID, err)
	}
	if applied {
		d.Logger.Info("reconciled top-up credited", "attempt_id", c.AttemptID, "user_id", c.UserID, "amount", c.Amount.String(), "balance", balance.String())
		if err := d.Publisher.Publish(ctx, realtime.WalletUpdated(c.UserID, c.Role, balance, tx)); err != nil {
			d.Logger.Warn("wallet event not published", "attempt_id", c.AttemptID, "error", err)
		}
	}
	return nil
}

func observe(kind, result string) {
	metrics.ReconciliationJobs.WithLabelValues(kind, result).Inc()
}

func resultOf(err error) string {
	if err != nil {
		return "retry"
	}
	return "done"
}

// ---------------------------------------------------------------------------

type CreditRetryWorker struct {
	river.WorkerDefaults[CreditRetryArgs]
	deps Deps
}

func NewCreditRetryWorker(deps Deps) *CreditRetryWorker {
	deps.defaults()
	return &CreditRetryWorker{deps: deps}
}

func (w *CreditRetryWorker) Work(ctx context.Context, job *river.Job[CreditRetryArgs]) error {
	err := credit(ctx, w.deps, job.Args.Charge)
	if errors.Is(err, ledger.ErrWalletFrozen) {
		w.deps.Logger.Error("credit retry hit a frozen wallet; manual reconciliation required",
			"attempt_id", job.Args.AttemptID, "user_id", job.Args.UserID, "amount", job.Args.Amount.String())
		observe(job.Args.Kind(), "cancelled")
		return river.JobCancel(fmt.Errorf("%w: %v", ErrManualReconciliation, err))
	}
	observe(job.Args.Kind(), resultOf(err))
	return err
}

// ---------------------------------------------------------------------------

type AuditRetryWorker struct {
	river.WorkerDefaults[AuditRetryArgs]
	deps Deps
}

func NewAuditRetryWorker(deps Deps) *AuditRetryWorker {
	deps.defaults()
	return &AuditRetryWorker{deps: deps}
}

func (w *AuditRetryWorker) Work(ctx context.Context, job *river.Job[AuditRetryArgs]) error {
	tx := job.Args.Transaction
	err := w.deps.Ledger.AppendTransaction(ctx, &tx)
	observe(job.Args.Kind(), resultOf(err))
	return err
}

// ---------------------------------------------------------------------------

type ConfirmWorker struct {
	river.WorkerDefaults[ConfirmArgs]
	deps Deps
	now  func() time.Time
}

func NewConfirmWorker(deps Deps) *ConfirmWorker {
	deps.defaults()
	return &ConfirmWorker{deps: deps, now: time.Now}
}

func (w *ConfirmWorker) Timeout(*river.Job[ConfirmArgs]) time.Duration {
	return time.Minute
}

// Outcome is what a confirmation run decided.
type Outcome int

const (
	OutcomeCredited Outcome = iota
	OutcomeStillPending
	OutcomeProviderFailed
	OutcomeManual
)

func (w *ConfirmWorker) Work(ctx context.Context, job *river.Job[ConfirmArgs]) error {
	kind := job.Args.Kind()
	outcome, err := w.confirm(ctx, job.Args.Charge, job.CreatedAt)
	if err != nil {
		observe(kind, "retry")
		return err
	}
	switch outcome {
	case OutcomeStillPending:
		observe(kind, "snoozed")
		return river.JobSnooze(confirmPollInterval)
	case OutcomeProviderFailed:
		observe(kind, "cancelled")
		return river.JobCancel(fmt.Errorf("attempt %s: %w", job.Args.AttemptID, payments.ErrDeclined))
	case OutcomeManual:
		observe(kind, "cancelled")
		return river.JobCancel(fmt.Errorf("attempt %s: %w", job.Args.AttemptID, ErrManualReconciliation))
	}
	observe(kind, "done")
	return nil
}

func (w *ConfirmWorker) confirm(ctx context.Context, c Charge, queuedAt time.Time) (Outcome, error) {
	log := w.deps.Logger.With("attempt_id", c.AttemptID, "method", c.Method, "provider_tx_id", c.ProviderTxID)
	if c.ProviderTxID == "" {
		log.Error("top-up outcome unknown and no provider reference; manual reconciliation required",
			"user_id", c.UserID, "amount", c.Amount.String())
		return OutcomeManual, nil
	}
	provider, err := w.deps.Providers.Get(c.Method)
	if err != nil {
		log.Error("no provider for pending top-up; manual reconciliation required", "error", err)
		return OutcomeManual, nil
	}
	confirmer, ok := provider.(payments.Confirmer)
	if !ok {
		log.Error("provider cannot confirm payments; manual reconciliation required", "user_id", c.UserID, "amount", c.Amount.String())
		return OutcomeManual, nil
	}

	status, err := confirmer.Status(ctx, c.ProviderTxID)
	if err != nil {
		return 0, fmt.Errorf("confirm attempt %s: %w", c.AttemptID, err)
	}
	switch status {
	case payments.StatusSuccess:
		if err := credit(ctx, w.deps, c); err != nil {
			return 0, err
		}
		return OutcomeCredited, nil
	case payments.StatusFailed:
		log.Info("pending top-up failed at provider")
		return OutcomeProviderFailed, nil
	default:
		if !queuedAt.IsZero() && w.now().Sub(queuedAt) > ConfirmWindow {
			log.Error("top-up still pending after confirmation window; manual reconciliation required",
				"user_id", c.UserID, "amount", c.Amount.String())
			return OutcomeManual, nil
		}
		return OutcomeStillPending, nil
	}
}
