package payments

import (
	"fmt"
	"slices"
	"strings"
)

// CountryCode is the Mozambican dialling prefix.
const CountryCode = "258"

// normalizedPhoneLen is len("258") plus a 9 digit subscriber number.
const normalizedPhoneLen = 12

// NormalizePhone strips everything but digits, drops an international "00"
// prefix and adds the country code to a bare 9 digit local number.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "00")
	if len(digits) == 9 {
		digits = CountryCode + digits
	}
	return digits
}

type network struct {
	name     string
	prefixes []string
}

// Operator prefixes: Vodacom (M-Pesa) owns 84/85, Movitel (eMola) 86/87.
var networks = map[Method]network{
	MethodMPesa: {name: "M-Pesa", prefixes: []string{"84", "85"}},
	MethodEMola: {name: "eMola", prefixes: []string{"86", "87"}},
}

// checkMobileNumber validates an already normalized number for the network
// behind method.
func checkMobileNumber(method Method, phone string) error {
	if len(phone) != normalizedPhoneLen || !strings.HasPrefix(phone, CountryCode) {
		return fmt.Errorf("%w: phone must be %d digits starting with %s", ErrInvalidInstrument, normalizedPhoneLen, CountryCode)
	}
	nw, ok := networks[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	local := phone[len(CountryCode):]
	if !slices.Contains(nw.prefixes, local[:2]) {
		return fmt.Errorf("%w: %s numbers start with %s", ErrInvalidInstrument, nw.name, strings.Join(nw.prefixes, "/"))
	}
	return nil
}

// maskPhone keeps the operator prefix and the last three digits.
func maskPhone(raw string) string {
	n := NormalizePhone(raw)
	if len(n) != normalizedPhoneLen {
		return "***"
	}
	local := n[len(CountryCode):]
	return local[:2] + "****" + local[6:]
}
