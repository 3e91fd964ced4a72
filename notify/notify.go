/*
Package notify delivers settlement events to external listeners.

IMPLEMENTATIONS:
  Hub:            WebSocket fan-out to connected clients (gorilla/websocket)
  RedisPublisher: PUBLISH to a Redis channel for other services
  LogNotifier:    Structured log line per event

All of them implement ledger.EventNotifier and can be combined with
ledger.MultiNotifier. Delivery is best effort; errors are returned to the
engine, which records them as warnings.
*/
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/warp/settlement-engine/ledger"
)

// Message is the wire form of an event.
type Message struct {
	Event   string          `json:"event"`
	OwnerID ledger.OwnerID  `json:"owner_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

func encode(event string, payload any) ([]byte, ledger.OwnerID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	owner := ownerOf(payload)
	b, err := json.Marshal(Message{
		Event:   event,
		OwnerID: owner,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	})
	return b, owner, err
}

func ownerOf(payload any) ledger.OwnerID {
	switch p := payload.(type) {
	case ledger.DepositSettledEvent:
		return p.OwnerID
	case ledger.BalanceChangedEvent:
		return p.OwnerID
	case ledger.DebtorFlagChangedEvent:
		return p.OwnerID
	case ledger.Deposit:
		return p.OwnerID
	case *ledger.Deposit:
		return p.OwnerID
	case ledger.Debt:
		return p.OwnerID
	case *ledger.Debt:
		return p.OwnerID
	}
	return ""
}

// LogNotifier writes each event to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Publish(ctx context.Context, event string, payload any) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event", "name", event, "owner_id", ownerOf(payload))
	return nil
}
