// Package realtime pushes wallet and trip events to connected clients over
// websockets, fanned out across API instances through NATS.
package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
)

const (
	EventWalletUpdated = "wallet.updated"
	EventTopUpPending  = "topup.pending"
	EventTripUpdated   = "trip.updated"
)

type Event struct {
	Type        string              `json:"type"`
	UserID      uuid.UUID           `json:"user_id"`
	Role        models.Role         `json:"role,omitempty"`
	Balance     *decimal.Decimal    `json:"balance,omitempty"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	TripID      *uuid.UUID          `json:"trip_id,omitempty"`
	TripStatus  string              `json:"trip_status,omitempty"`
	AttemptID   string              `json:"attempt_id,omitempty"`
	At          time.Time           `json:"at"`
}

// WalletUpdated builds the event sent after a balance change.
func WalletUpdated(userID uuid.UUID, role models.Role, balance decimal.Decimal, tx *models.Transaction) Event {
	return Event{
		Type:        EventWalletUpdated,
		UserID:      userID,
		Role:        role,
		Balance:     &balance,
		Transaction: tx,
		At:          time.Now().UTC(),
	}
}

// Publisher delivers events to a user's clients. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
