package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Card is the mock card acquirer. Production deployments must use Gateway
// instead so that raw card data never passes through this service.
type Card struct {
	delay time.Duration
	now   func() time.Time
}

func NewCard(delay time.Duration) *Card {
	return &Card{delay: delay, now: time.Now}
}

func (c *Card) Method() Method { return MethodCard }

func (c *Card) Name() string { return "Card" }

func (c *Card) Mask(in Instrument) string {
	if in.CardNumber == "" {
		return "card token"
	}
	return CardBrand(in.CardNumber) + " **** " + CardLast4(in.CardNumber)
}

func (c *Card) Initiate(ctx context.Context, in Instrument, amount decimal.Decimal, reference string) (*Receipt, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := validateCard(in, c.now()); err != nil {
		return nil, err
	}
	if err := wait(ctx, c.delay); err != nil {
		return nil, err
	}
	return &Receipt{
		TransactionID: "CD" + ulid.Make().String(),
		Status:        StatusSuccess,
		Method:        MethodCard,
	}, nil
}

func validateCard(in Instrument, now time.Time) error {
	pan := digitsOnly(in.CardNumber)
	if len(pan) < 13 || len(pan) > 19 || !luhn(pan) {
		return fmt.Errorf("%w: card number", ErrInvalidInstrument)
	}
	month, year, err := ParseExpiry(in.Expiry)
	if err != nil {
		return err
	}
	// A card is valid through the last day of its expiry month.
	if !time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC).After(now) {
		return fmt.Errorf("%w: card expired", ErrInvalidInstrument)
	}
	cvc := digitsOnly(in.CVC)
	if len(cvc) != len(in.CVC) || len(cvc) < 3 || len(cvc) > 4 {
		return fmt.Errorf("%w: cvc", ErrInvalidInstrument)
	}
	if strings.TrimSpace(in.Holder) == "" {
		return fmt.Errorf("%w: card holder", ErrInvalidInstrument)
	}
	return nil
}

// ParseExpiry accepts MM/YY or MM/YYYY.
func ParseExpiry(raw string) (month, year int, err error) {
	mm, yy, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: expiry must be MM/YY", ErrInvalidInstrument)
	}
	month, err = strconv.Atoi(strings.TrimSpace(mm))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("%w: expiry month", ErrInvalidInstrument)
	}
	yy = strings.TrimSpace(yy)
	year, err = strconv.Atoi(yy)
	if err != nil || (len(yy) != 2 && len(yy) != 4) {
		return 0, 0, fmt.Errorf("%w: expiry year", ErrInvalidInstrument)
	}
	if len(yy) == 2 {
		year += 2000
	}
	return month, year, nil
}

// CardBrand guesses the scheme from the IIN range.
func CardBrand(number string) string {
	pan := digitsOnly(number)
	switch {
	case strings.HasPrefix(pan, "4"):
		return "visa"
	case strings.HasPrefix(pan, "34"), strings.HasPrefix(pan, "37"):
		return "amex"
	case len(pan) >= 2 && pan[0] == '5' && pan[1] >= '1' && pan[1] <= '5':
		return "mastercard"
	case len(pan) >= 4:
		if iin, _ := strconv.Atoi(pan[:4]); iin >= 2221 && iin <= 2720 {
			return "mastercard"
		}
	}
	return "card"
}

// CardLast4 returns the last four digits of a card number.
func CardLast4(number string) string {
	pan := digitsOnly(number)
	if len(pan) < 4 {
		return pan
	}
	return pan[len(pan)-4:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhn(pan string) bool {
	sum := 0
	double := false
	for i := len(pan) - 1; i >= 0; i-- {
		d := int(pan[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
