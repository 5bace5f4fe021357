// Package reconcile queues and works top-ups that did not finish inline:
// credits that failed after the provider took the money, audit rows that
// were not written, and charges waiting on provider confirmation.
package reconcile

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
)

const QueueReconcile = "reconcile"

// Charge identifies money taken (or possibly taken) for a top-up attempt.
type Charge struct {
	AttemptID    string          `json:"attempt_id"`
	UserID       uuid.UUID       `json:"user_id"`
	Role         models.Role     `json:"role"`
	Method       payments.Method `json:"method"`
	Amount       decimal.Decimal `json:"amount"`
	ProviderTxID string          `json:"provider_tx_id,omitempty"`
	Description  string          `json:"description"`
}

type CreditRetryArgs struct {
	Charge
}

func (CreditRetryArgs) Kind() string { return "topup_credit_retry" }

func (CreditRetryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconcile,
		MaxAttempts: 25,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type AuditRetryArgs struct {
	AttemptID   string             `json:"attempt_id"`
	Transaction models.Transaction `json:"transaction"`
}

func (AuditRetryArgs) Kind() string { return "topup_audit_retry" }

func (AuditRetryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconcile,
		MaxAttempts: 25,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type ConfirmArgs struct {
	Charge
}

func (ConfirmArgs) Kind() string { return "topup_confirm" }

func (ConfirmArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconcile,
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}
