package topup

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
)

type Request struct {
	// AttemptID identifies the attempt across retries. Generated when empty.
	AttemptID  string
	UserID     uuid.UUID
	Role       models.Role
	Method     payments.Method
	Amount     string
	Instrument payments.Instrument
}

type Result struct {
	AttemptID    string
	State        State
	Amount       decimal.Decimal
	Balance      decimal.Decimal
	ProviderTxID string
	Transaction  *models.Transaction
	// AuditPending is set when the TOPUP row was handed to the
	// reconciliation queue instead of being written inline.
	AuditPending bool
}

// CreditKey is the ledger idempotency key of an attempt.
func CreditKey(attemptID string) string {
	return "topup:" + attemptID
}

// TransactionID derives the audit row id from the attempt id, so every writer
// of the row (inline or a retry job) produces the same id.
func TransactionID(attemptID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(CreditKey(attemptID)))
}

// Description renders the human text stored on the TOPUP row.
func Description(p payments.Provider, in payments.Instrument) string {
	return fmt.Sprintf("Top-up via %s (%s)", p.Name(), p.Mask(in))
}

// NewTransaction builds the completed TOPUP audit row for an attempt.
func NewTransaction(attemptID string, userID uuid.UUID, role models.Role, amount decimal.Decimal, description, providerTxID string) *models.Transaction {
	return &models.Transaction{
		ID:          TransactionID(attemptID),
		UserID:      userID,
		Role:        role,
		Amount:      amount,
		Type:        models.TxTopUp,
		Description: description,
		Status:      models.TxStatusCompleted,
		Reference:   providerTxID,
		CreatedAt:   time.Now().UTC(),
	}
}

func checkInstrument(method payments.Method, in payments.Instrument) error {
	switch {
	case method.MobileMoney():
		if strings.TrimSpace(in.Phone) == "" {
			return &ValidationError{Field: "phone", Msg: "required"}
		}
	case method == payments.MethodCard:
		if in.CardToken != "" {
			return nil
		}
		fields := []struct{ name, value string }{
			{"card_number", in.CardNumber},
			{"expiry", in.Expiry},
			{"cvc", in.CVC},
			{"holder", in.Holder},
		}
		for _, f := range fields {
			if strings.TrimSpace(f.value) == "" {
				return &ValidationError{Field: f.name, Msg: "required"}
			}
		}
	}
	return nil
}
