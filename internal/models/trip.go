package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trip status enums. COMPLETED and CANCELLED are terminal.
const (
	TripStatusRequesting = "REQUESTING"
	TripStatusAccepted   = "ACCEPTED"
	TripStatusArrived    = "ARRIVED"
	TripStatusInProgress = "IN_PROGRESS"
	TripStatusCompleted  = "COMPLETED"
	TripStatusCancelled  = "CANCELLED"
)

// How the passenger pays the driver.
const (
	TripPaymentCash   = "cash"
	TripPaymentWallet = "wallet"
)

type Trip struct {
	ID            uuid.UUID       `json:"id"`
	PassengerID   uuid.UUID       `json:"passenger_id"`
	DriverID      *uuid.UUID      `json:"driver_id,omitempty"`
	Pickup        string          `json:"pickup"`
	Dropoff       string          `json:"dropoff"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"payment_method"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition is possible.
func (t *Trip) Terminal() bool {
	return t.Status == TripStatusCompleted || t.Status == TripStatusCancelled
}
