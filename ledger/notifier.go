package ledger

import (
	"context"
	"errors"
	"time"
)

// Event names published after successful writes.
const (
	EventDepositCreated    = "depositCreated"
	EventDepositUpdated    = "depositUpdated"
	EventDepositDeleted    = "depositDeleted"
	EventDepositSettled    = "depositSettled"
	EventBalanceChanged    = "balanceChanged"
	EventDebtChanged       = "debtChanged"
	EventDebtorFlagChanged = "debtorFlagChanged"
)

// EventNotifier publishes events to external listeners. Fire-and-forget:
// a failure is reported to the caller but never undoes committed work.
type EventNotifier interface {
	Publish(ctx context.Context, event string, payload any) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, any) error { return nil }

// MultiNotifier fans an event out to several notifiers and joins their errors.
type MultiNotifier []EventNotifier

func (m MultiNotifier) Publish(ctx context.Context, event string, payload any) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SettlementObserver receives one call per Settle attempt. Used for metrics.
type SettlementObserver interface {
	ObserveSettlement(result *Settlement, err error, elapsed time.Duration)
}

// =============================================================================
// EVENT PAYLOADS
// =============================================================================

type DepositSettledEvent struct {
	DepositID   DepositID `json:"deposit_id"`
	OwnerID     OwnerID   `json:"owner_id"`
	Sum         Money     `json:"sum"`
	AppliedDebt Money     `json:"applied_to_debt"`
	Credited    Money     `json:"credited"`
	DebtsPaid   int       `json:"debts_paid"`
}

type BalanceChangedEvent struct {
	OwnerID  OwnerID `json:"owner_id"`
	Balance  Money   `json:"balance"`
	IsDebtor bool    `json:"is_debtor"`
}

// DebtorFlagChangedEvent is published only when a recompute rewrote the flag.
type DebtorFlagChangedEvent struct {
	OwnerID  OwnerID `json:"owner_id"`
	IsDebtor bool    `json:"is_debtor"`
}
