package topup

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
)

var (
	// ErrDuplicateAttempt is returned while the same attempt id is still running.
	ErrDuplicateAttempt = errors.New("top-up attempt already in progress")
	// ErrAttemptCompleted is returned when the attempt id was already credited.
	ErrAttemptCompleted = errors.New("top-up attempt already completed")
)

// ValidationError rejects a request before anything is charged.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid top-up: " + e.Msg
	}
	return fmt.Sprintf("invalid top-up %s: %s", e.Field, e.Msg)
}

// ProviderError means the provider did not take the money. The ledger was
// not touched.
type ProviderError struct {
	Method payments.Method
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s payment failed: %v", e.Method, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// LedgerDesyncError means the customer may have been charged without the
// wallet being credited. Captured is true when the provider confirmed the
// charge; false when the provider call timed out and the outcome is unknown.
type LedgerDesyncError struct {
	AttemptID    string
	UserID       uuid.UUID
	Role         models.Role
	Method       payments.Method
	Amount       decimal.Decimal
	ProviderTxID string
	Description  string
	Captured     bool
	Err          error
}

func (e *LedgerDesyncError) Error() string {
	if !e.Captured {
		return fmt.Sprintf("top-up %s: provider outcome unknown: %v", e.AttemptID, e.Err)
	}
	return fmt.Sprintf("top-up %s: charged %s via %s (%s) but wallet not credited: %v",
		e.AttemptID, e.Amount.StringFixed(2), e.Method, e.ProviderTxID, e.Err)
}

func (e *LedgerDesyncError) Unwrap() error { return e.Err }

// AuditWriteError means the wallet was credited but its TOPUP row was not
// written. The caller still gets a success.
type AuditWriteError struct {
	AttemptID   string
	Transaction *models.Transaction
	Err         error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("top-up %s: audit row %s not written: %v", e.AttemptID, e.Transaction.ID, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }
