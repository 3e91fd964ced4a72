/*
settlement.go - Deposit settlement engine

PURPOSE:
  Settles an approved deposit: pays down the owner's debts oldest first,
  credits whatever is left to the balance, and records every movement.

FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  owner lock ─▶ WithTx ─┬─ load deposit (skip if APPROVED)        │
  │                        ├─ load account, unpaid debts             │
  │                        ├─ Allocate (waterfall)                   │
  │                        ├─ save debts + DEBT_PAYMENT records      │
  │                        ├─ credit leftover + DEPOSIT record       │
  │                        └─ mark deposit APPROVED        ─▶ commit │
  │             ─▶ recompute debtor flag (soft)                      │
  │             ─▶ publish events (soft)            ─▶ unlock        │
  └──────────────────────────────────────────────────────────────────┘

TWO-TIER RESULT:
  Fatal    - returned as error; the unit of work rolled back and the
             deposit is still PENDING, so the call can be retried.
  Degraded - Settlement.Status == StatusDegraded; the money moved and
             committed but the debtor flag or a notification failed.
             Warnings lists what went wrong.

IDEMPOTENCE:
  The deposit's status flip is part of the same unit of work as the
  ledger effects. Settling an APPROVED deposit returns StatusSkipped and
  touches nothing. Record idempotency keys guard the store as well.

SEE ALSO:
  - allocator.go: The waterfall
  - debtor.go: Debtor flag recompute
  - locker.go: Owner-scoped serialization
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// SETTLEMENT RESULT
// =============================================================================

type SettlementStatus string

const (
	StatusSettled  SettlementStatus = "settled"
	StatusDegraded SettlementStatus = "degraded"
	StatusSkipped  SettlementStatus = "skipped"
)

// Settlement describes a committed (or skipped) settlement.
type Settlement struct {
	DepositID DepositID
	OwnerID   OwnerID
	Status    SettlementStatus

	Plan    AllocationPlan
	Records []TransactionRecord

	// Balance and IsDebtor after the settlement.
	Balance  Money
	IsDebtor bool

	// Warnings holds soft failures (debtor flag, notifications).
	Warnings []error
}

func (s *Settlement) Degraded() bool { return s != nil && len(s.Warnings) > 0 }

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    TxStore
	Locker   OwnerLocker
	Notifier EventNotifier
	Observer SettlementObserver
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewEngine returns an engine with an in-process locker and no notifier.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:    store,
		Locker:   NewKeyedLocker(),
		Notifier: NopNotifier{},
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

// SettleDeposit settles d by ID. The stored deposit is authoritative, so a
// stale copy settles what is persisted, not d.Sum.
func (e *Engine) SettleDeposit(ctx context.Context, d Deposit) (*Settlement, error) {
	return e.Settle(ctx, d.ID)
}

// Settle runs the settlement for a deposit. It must only be reached from a
// PENDING -> APPROVED transition; an already APPROVED deposit is a no-op.
func (e *Engine) Settle(ctx context.Context, depositID DepositID) (*Settlement, error) {
	start := e.now()
	result, err := e.settle(ctx, depositID)
	if e.Observer != nil {
		e.Observer.ObserveSettlement(result, err, e.now().Sub(start))
	}
	return result, err
}

// Lock takes the owner lock settlements run under. Code that edits an
// owner's debts or deposits holds it so the edit never interleaves with a
// settlement.
func (e *Engine) Lock(ctx context.Context, ownerID OwnerID) (func(), error) {
	unlock, err := e.locker().Lock(ctx, ownerID)
	if err != nil {
		return nil, lockError(err)
	}
	return unlock, nil
}

// Debtors returns a recalculator over repo that logs and stamps time the
// way the engine does.
func (e *Engine) Debtors(repo Repository) *DebtorRecalculator {
	return &DebtorRecalculator{Store: repo, Logger: e.logger(), Now: e.now}
}

func (e *Engine) settle(ctx context.Context, depositID DepositID) (*Settlement, error) {
	log := e.logger().With("deposit_id", depositID)

	// Validate before taking any lock. The deposit is re-read under the lock.
	deposit, err := e.Store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if err := checkSettleable(deposit); err != nil {
		return nil, err
	}
	if deposit.Settled() {
		return &Settlement{DepositID: deposit.ID, OwnerID: deposit.OwnerID, Status: StatusSkipped}, nil
	}

	ownerID := deposit.OwnerID
	log = log.With("owner_id", ownerID)

	unlock, err := e.Lock(ctx, ownerID)
	if err != nil {
		return nil, &SettlementError{DepositID: depositID, OwnerID: ownerID, Step: "lock", Err: err}
	}
	defer unlock()

	result := &Settlement{DepositID: depositID, OwnerID: ownerID}
	step := "begin"

	err = e.Store.WithTx(ctx, ownerID, func(repo Repository) error {
		step = "load deposit"
		current, err := repo.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if current.OwnerID != ownerID {
			return fmt.Errorf("%w: deposit owner changed during settlement", ErrConcurrencyConflict)
		}
		if err := checkSettleable(current); err != nil {
			return err
		}
		if current.Settled() {
			result.Status = StatusSkipped
			return nil
		}

		step = "load account"
		account, err := repo.FindAccount(ctx, ownerID)
		if err != nil {
			return err
		}

		step = "load debts"
		debts, err := repo.FindUnpaidOrdered(ctx, ownerID)
		if err != nil {
			return err
		}

		plan := Allocate(debts, current.Sum)
		if !plan.Conserves() {
			return fmt.Errorf("allocation plan not conserved for %s", current.Sum)
		}
		result.Plan = plan

		now := e.now().UTC()
		records := NewTransactionLedger(repo)
		records.now = e.now

		step = "apply debts"
		byID := make(map[DebtID]Debt, len(debts))
		for _, d := range debts {
			byID[d.ID] = d
		}
		for _, alloc := range plan.Allocations {
			debt := byID[alloc.DebtID]
			debt.AmountOwed = alloc.NewRemaining
			if alloc.BecomesPaid {
				debt.AmountOwed = debt.AmountOwed.Zero()
			}
			debt.Paid = alloc.BecomesPaid
			debt.UpdatedAt = now
			if err := repo.SaveDebt(ctx, debt); err != nil {
				return err
			}

			if !alloc.Applied.IsPositive() {
				log.Info("debt auto-cleared", "debt_id", debt.ID)
				continue
			}

			rec, err := records.Append(ctx, debtPaymentRecord(current, debt, alloc))
			if err != nil {
				return err
			}
			result.Records = append(result.Records, rec)
		}

		step = "credit balance"
		if plan.Leftover.IsPositive() {
			if _, err := account.Credit(plan.Leftover); err != nil {
				return err
			}
			account.UpdatedAt = now
			if err := repo.SaveAccount(ctx, *account); err != nil {
				return err
			}
		}
		rec, err := records.Append(ctx, depositRecord(current, plan))
		if err != nil {
			return err
		}
		result.Records = append(result.Records, rec)

		if err := CheckConservation(result.Records, current.Sum); err != nil {
			return err
		}

		step = "mark approved"
		current.Status = DepositApproved
		current.SettledAt = &now
		current.UpdatedAt = now
		if err := repo.SaveDeposit(ctx, *current); err != nil {
			return err
		}

		result.Balance = account.Balance
		result.IsDebtor = account.IsDebtor
		return nil
	})
	if err != nil {
		log.Error("settlement rolled back", "step", step, "error", err)
		if IsClientError(err) || IsNotFound(err) {
			return nil, err
		}
		return nil, &SettlementError{DepositID: depositID, OwnerID: ownerID, Step: step, Err: wrapPersistence(step, err)}
	}
	if result.Status == StatusSkipped {
		log.Info("deposit already settled, skipping")
		return result, nil
	}

	log.Info("deposit settled",
		"sum", result.Plan.Total,
		"applied_to_debt", result.Plan.Applied(),
		"leftover", result.Plan.Leftover,
		"debts_paid", result.Plan.PaidCount(),
	)

	e.afterCommit(ctx, log, result)

	result.Status = StatusSettled
	if result.Degraded() {
		result.Status = StatusDegraded
	}
	return result, nil
}

// afterCommit runs the secondary effects. Failures are reported as
// warnings and never undo the settlement.
func (e *Engine) afterCommit(ctx context.Context, log *slog.Logger, result *Settlement) {
	var flag DebtorFlag
	err := e.Store.WithTx(ctx, result.OwnerID, func(repo Repository) error {
		var err error
		flag, err = e.Debtors(repo).Refresh(ctx, result.OwnerID)
		if err != nil {
			return err
		}
		result.IsDebtor = flag.IsDebtor
		return nil
	})
	if err != nil {
		log.Warn("debtor flag recompute failed", "error", err)
		result.Warnings = append(result.Warnings, fmt.Errorf("recompute debtor flag: %w", err))
	}

	notifier := e.Notifier
	if notifier == nil {
		return
	}
	type event struct {
		name    string
		payload any
	}
	events := []event{
		{EventDepositSettled, DepositSettledEvent{
			DepositID:   result.DepositID,
			OwnerID:     result.OwnerID,
			Sum:         result.Plan.Total,
			AppliedDebt: result.Plan.Applied(),
			Credited:    result.Plan.Leftover,
			DebtsPaid:   result.Plan.PaidCount(),
		}},
		{EventBalanceChanged, BalanceChangedEvent{
			OwnerID:  result.OwnerID,
			Balance:  result.Balance,
			IsDebtor: result.IsDebtor,
		}},
	}
	if flag.Changed {
		events = append(events, event{EventDebtorFlagChanged, flag.Event()})
	}
	for _, ev := range events {
		if err := notifier.Publish(ctx, ev.name, ev.payload); err != nil {
			log.Warn("event publish failed", "event", ev.name, "error", err)
			result.Warnings = append(result.Warnings, fmt.Errorf("%w: %s: %v", ErrNotification, ev.name, err))
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func checkSettleable(d *Deposit) error {
	if !d.Sum.IsPositive() {
		return fmt.Errorf("%w: deposit %s sum must be greater than 0", ErrInvalidAmount, d.ID)
	}
	if d.Status == DepositRejected {
		return fmt.Errorf("%w: deposit %s is rejected", ErrInvalidTransition, d.ID)
	}
	return nil
}

func lockError(err error) error {
	if errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
}

func debtPaymentRecord(d *Deposit, debt Debt, alloc DebtAllocation) TransactionRecord {
	desc := "Partial debt payment from deposit"
	if alloc.BecomesPaid {
		desc = "Debt payment from deposit (fully paid)"
	}
	return TransactionRecord{
		OwnerID:         d.OwnerID,
		Kind:            KindDebtPayment,
		Amount:          alloc.Applied,
		Status:          RecordCompleted,
		Description:     desc,
		RelatedEntityID: string(debt.ID),
		IdempotencyKey:  fmt.Sprintf("deposit:%s:debt:%s", d.ID, debt.ID),
		Metadata: map[string]string{
			"deposit_id":     string(d.ID),
			"remaining_debt": alloc.NewRemaining.String(),
			"account_holder": debt.AccountHolder,
			"bank_name":      debt.BankName,
		},
	}
}

func depositRecord(d *Deposit, plan AllocationPlan) TransactionRecord {
	rec := TransactionRecord{
		OwnerID:         d.OwnerID,
		Kind:            KindDeposit,
		RelatedEntityID: string(d.ID),
		IdempotencyKey:  fmt.Sprintf("deposit:%s:credit", d.ID),
		Metadata: map[string]string{
			"deposit_id":      string(d.ID),
			"applied_to_debt": plan.Applied().String(),
			"account_holder":  d.AccountHolder,
			"bank_name":       d.BankName,
		},
	}
	applied := plan.Applied()
	switch {
	case plan.Leftover.IsPositive() && applied.IsPositive():
		rec.Amount = plan.Leftover
		rec.Status = RecordCompleted
		rec.Description = fmt.Sprintf("Deposit approved (after paying debts: %s)", applied)
	case plan.Leftover.IsPositive():
		rec.Amount = plan.Leftover
		rec.Status = RecordCompleted
		rec.Description = "Deposit approved and credited to account"
	default:
		// Receipt of the full sum, kept for audit; nothing was credited.
		rec.Amount = d.Sum
		rec.Status = RecordInformational
		rec.Description = fmt.Sprintf("Deposit received (fully applied to debt payment: %s)", applied)
	}
	return rec
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var defaultLocker = NewKeyedLocker()

func (e *Engine) locker() OwnerLocker {
	if e.Locker != nil {
		return e.Locker
	}
	return defaultLocker
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
