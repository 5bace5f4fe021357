package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/boleia/backend/internal/topup"
)

// Inserter is the part of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Queue implements topup.Reporter on top of River.
type Queue struct {
	ins Inserter
	log *slog.Logger
}

func NewQueue(ins Inserter, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{ins: ins, log: log}
}

var _ topup.Reporter = (*Queue)(nil)

func (q *Queue) ReportCreditFailure(ctx context.Context, e *topup.LedgerDesyncError) error {
	return q.insert(ctx, CreditRetryArgs{Charge: Charge{
		AttemptID:    e.AttemptID,
		UserID:       e.UserID,
		Role:         e.Role,
		Method:       e.Method,
		Amount:       e.Amount,
		ProviderTxID: e.ProviderTxID,
		Description:  e.Description,
	}})
}

func (q *Queue) ReportAuditFailure(ctx context.Context, e *topup.AuditWriteError) error {
	return q.insert(ctx, AuditRetryArgs{AttemptID: e.AttemptID, Transaction: *e.Transaction})
}

func (q *Queue) ReportPending(ctx context.Context, p topup.Pending) error {
	return q.insert(ctx, ConfirmArgs{Charge: Charge{
		AttemptID:    p.AttemptID,
		UserID:       p.UserID,
		Role:         p.Role,
		Method:       p.Method,
		Amount:       p.Amount,
		ProviderTxID: p.ProviderTxID,
		Description:  p.Description,
	}})
}

func (q *Queue) insert(ctx context.Context, args river.JobArgs) error {
	res, err := q.ins.Insert(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", args.Kind(), err)
	}
	q.log.Info("reconciliation job queued", "kind", args.Kind(), "job_id", res.Job.ID, "duplicate", res.UniqueSkippedAsDuplicate)
	return nil
}
