package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSBridge publishes events on <prefix>.<user id> and feeds every event
// seen on <prefix>.* into the local hub, so a client connected to any
// instance receives events produced on any other.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	hub    *Hub
	log    *slog.Logger
	sub    *nats.Subscription
}

func NewNATSBridge(nc *nats.Conn, prefix string, hub *Hub, log *slog.Logger) *NATSBridge {
	if log == nil {
		log = slog.Default()
	}
	return &NATSBridge{nc: nc, prefix: prefix, hub: hub, log: log}
}

var _ Publisher = (*NATSBridge)(nil)

// Subject returns the subject events for userID are published on.
func (b *NATSBridge) Subject(userID uuid.UUID) string {
	return b.prefix + "." + userID.String()
}

func (b *NATSBridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".*", b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", b.prefix, err)
	}
	b.sub = sub
	return nil
}

func (b *NATSBridge) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.Subject(e.UserID), data)
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		b.log.Warn("dropping malformed realtime event", "subject", msg.Subject, "error", err)
		return
	}
	b.hub.Deliver(e)
}

func (b *NATSBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
