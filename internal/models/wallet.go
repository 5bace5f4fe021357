package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role selects which wallet a user is operating on. A user may hold one
// wallet per role.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDriver || r == RolePassenger
}

// Wallet status enums.
const (
	WalletStatusActive = "active"
	WalletStatusFrozen = "frozen"
)

// DefaultCurrency is the ISO code of the metical; the apps display it as "MT".
const DefaultCurrency = "MZN"

type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Role      Role            `json:"role"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// InDebt reports whether the wallet owes commission to the platform.
func (w *Wallet) InDebt() bool {
	return w.Balance.IsNegative()
}
