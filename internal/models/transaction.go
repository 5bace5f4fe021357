package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxTripPayment         TransactionType = "TRIP_PAYMENT"
	TxTopUp               TransactionType = "TOPUP"
	TxWithdrawal          TransactionType = "WITHDRAWAL"
	TxCommissionDeduction TransactionType = "COMMISSION_DEDUCTION"
	TxRefund              TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusCompleted TransactionStatus = "COMPLETED"
	TxStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is an audit row. Rows are never updated once written; the
// balance itself lives on the wallet.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	UserID      uuid.UUID         `json:"user_id"`
	Role        Role              `json:"role"`
	Amount      decimal.Decimal   `json:"amount"`
	Type        TransactionType   `json:"type"`
	Description string            `json:"description"`
	Status      TransactionStatus `json:"status"`
	Reference   string            `json:"reference,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
