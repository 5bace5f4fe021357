package topup

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,2})?$`)

// ParseAmount reads a user-entered amount. Both "150,50" and "150.50" are
// accepted; more than two decimal places, signs and grouping are not.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if s == "" {
		return decimal.Zero, &ValidationError{Field: "amount", Msg: "required"}
	}
	if !amountPattern.MatchString(s) {
		return decimal.Zero, &ValidationError{Field: "amount", Msg: "must be a number with at most 2 decimal places"}
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Msg: err.Error()}
	}
	if !amount.IsPositive() {
		return decimal.Zero, &ValidationError{Field: "amount", Msg: "must be greater than zero"}
	}
	return amount, nil
}
