// Package notify delivers push-style events to account live channels.
// Delivery is fire-and-forget: callers log failures and never retry or block
// on them.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Phase names for transaction-lifecycle notifications.
const (
	PhaseSubmitted  = "submitted"
	PhasePending    = "pending"
	PhaseConfirming = "confirming"
	PhaseConfirmed  = "confirmed"
	PhaseFailed     = "failed"
)

// Event is one notification destined for an account's live channel.
type Event struct {
	Type   string         `json:"type"`
	Phase  string         `json:"phase,omitempty"`
	TxHash string         `json:"tx_hash,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Notifier delivers an event to one account. The returned delivery outcome is
// for logging only.
type Notifier interface {
	Notify(ctx context.Context, accountID string, event Event) error
}

// NATS publishes events to escrow.notify.<accountID>.
type NATS struct {
	conn *nats.Conn
}

func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("escrowledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn}, nil
}

func (n *NATS) Notify(_ context.Context, accountID string, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.conn.Publish("escrow.notify."+accountID, data)
}

func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// Nop drops every event; used when no broker is configured and in tests.
type Nop struct{}

func (Nop) Notify(context.Context, string, Event) error { return nil }
