package payments

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// MobileMoney is the mock adapter for M-Pesa and eMola. It validates the
// number, waits a simulated network delay and always succeeds.
type MobileMoney struct {
	method   Method
	idPrefix string
	delay    time.Duration
}

func NewMPesa(delay time.Duration) *MobileMoney {
	return &MobileMoney{method: MethodMPesa, idPrefix: "MP", delay: delay}
}

func NewEMola(delay time.Duration) *MobileMoney {
	return &MobileMoney{method: MethodEMola, idPrefix: "EM", delay: delay}
}

func (m *MobileMoney) Method() Method { return m.method }

func (m *MobileMoney) Name() string { return networks[m.method].name }

func (m *MobileMoney) Mask(in Instrument) string { return maskPhone(in.Phone) }

func (m *MobileMoney) Initiate(ctx context.Context, in Instrument, amount decimal.Decimal, reference string) (*Receipt, error) {
	phone := NormalizePhone(in.Phone)
	if err := checkMobileNumber(m.method, phone); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := wait(ctx, m.delay); err != nil {
		return nil, err
	}
	return &Receipt{
		TransactionID: m.idPrefix + ulid.Make().String(),
		Status:        StatusSuccess,
		Method:        m.method,
	}, nil
}
