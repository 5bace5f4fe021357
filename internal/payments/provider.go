// Package payments holds the adapters that start a payment with a mobile-money
// network or a card acquirer. Adapters never touch the wallet ledger.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Method string

const (
	MethodMPesa Method = "mpesa"
	MethodEMola Method = "emola"
	MethodCard  Method = "card"
)

// MobileMoney reports whether the method is paid from a phone wallet.
func (m Method) MobileMoney() bool {
	return m == MethodMPesa || m == MethodEMola
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

var (
	ErrInvalidInstrument = errors.New("invalid payment instrument")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrDeclined          = errors.New("payment declined")
	ErrUnknownMethod     = errors.New("unknown payment method")
)

// Instrument carries whatever the chosen method needs: a phone number for
// mobile money, card fields for the card mock, or a proxy-issued card token.
type Instrument struct {
	Phone      string `json:"phone,omitempty"`
	CardNumber string `json:"card_number,omitempty"`
	Expiry     string `json:"expiry,omitempty"`
	CVC        string `json:"cvc,omitempty"`
	Holder     string `json:"holder,omitempty"`
	CardToken  string `json:"card_token,omitempty"`
}

type Receipt struct {
	TransactionID string `json:"transaction_id"`
	Status        Status `json:"status"`
	Method        Method `json:"method"`
}

// Provider starts a payment. reference is opaque to the provider; callers pass
// the paying user's id.
type Provider interface {
	Method() Method
	Name() string
	// Mask renders the instrument for audit descriptions without exposing it.
	Mask(in Instrument) string
	Initiate(ctx context.Context, in Instrument, amount decimal.Decimal, reference string) (*Receipt, error)
}

// Confirmer is implemented by providers that can report the final status of a
// payment that was answered with StatusPending.
type Confirmer interface {
	Status(ctx context.Context, transactionID string) (Status, error)
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
