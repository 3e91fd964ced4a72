/*
Package deposits implements the deposit workflow around the settlement engine.

PURPOSE:
  Deposits are created, edited and approved here. The only way money moves
  is the PENDING -> APPROVED edge, which hands the deposit to
  ledger.Engine.Settle.

STATUS TRANSITIONS:
  PENDING  -> PENDING | APPROVED (settles) | REJECTED
  APPROVED -> APPROVED (no-op)
  REJECTED -> REJECTED

EDITS:
  A PENDING deposit can change sum, holder and bank. Once APPROVED, the sum
  is part of the ledger and cannot change (ErrDepositSettled); holder and
  bank stay editable. APPROVED deposits cannot be deleted.

EVENTS:
  depositCreated, depositUpdated, depositDeleted. Publish failures are
  logged and never fail the call.

SEE ALSO:
  - ledger/settlement.go: What approval triggers
  - debts/service.go: Debt administration
*/
package deposits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/settlement-engine/ledger"
)

type Service struct {
	store  ledger.TxStore
	engine *ledger.Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewService shares the engine's locker and notifier, so deposit edits and
// settlements for one owner never interleave.
func NewService(store ledger.TxStore, engine *ledger.Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		logger: slog.Default().With("component", "deposits"),
		now:    time.Now,
	}
}

type CreateInput struct {
	OwnerID       ledger.OwnerID
	Sum           ledger.Money
	Status        ledger.DepositStatus // empty means PENDING
	AccountHolder string
	BankName      string
}

type UpdateInput struct {
	Sum           *ledger.Money
	Status        *ledger.DepositStatus
	AccountHolder *string
	BankName      *string
}

// Result is a deposit plus the settlement it triggered, if any.
type Result struct {
	Deposit    ledger.Deposit
	Settlement *ledger.Settlement
}

// =============================================================================
// WRITES
// =============================================================================

// Create stores a new deposit. A deposit created as APPROVED is stored as
// PENDING first and then settled, so creation and approval follow the same
// path. If that settlement fails the deposit stays PENDING and the error is
// returned with the stored deposit.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Result, error) {
	if !in.Sum.IsPositive() {
		return nil, fmt.Errorf("%w: deposit sum must be greater than 0", ledger.ErrInvalidAmount)
	}
	status := in.Status
	if status == "" {
		status = ledger.DepositPending
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidTransition, status)
	}

	now := s.now().UTC()
	deposit := ledger.Deposit{
		ID:            ledger.DepositID(uuid.NewString()),
		OwnerID:       in.OwnerID,
		Sum:           in.Sum,
		Status:        ledger.DepositPending,
		AccountHolder: in.AccountHolder,
		BankName:      in.BankName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status == ledger.DepositRejected {
		deposit.Status = ledger.DepositRejected
	}

	err := s.withOwner(ctx, in.OwnerID, func(repo ledger.Repository) error {
		if _, err := repo.FindAccount(ctx, in.OwnerID); err != nil {
			return err
		}
		return repo.SaveDeposit(ctx, deposit)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit created", "deposit_id", deposit.ID, "owner_id", deposit.OwnerID, "sum", deposit.Sum, "status", status)
	s.publish(ctx, ledger.EventDepositCreated, deposit)

	result := &Result{Deposit: deposit}
	if status == ledger.DepositApproved {
		return s.settle(ctx, result)
	}
	return result, nil
}

// Update edits a deposit and applies a status change. Moving to APPROVED
// settles the deposit.
func (s *Service) Update(ctx context.Context, id ledger.DepositID, in UpdateInput) (*Result, error) {
	current, err := s.store.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}

	var target ledger.DepositStatus
	var updated ledger.Deposit
	err = s.withOwner(ctx, current.OwnerID, func(repo ledger.Repository) error {
		d, err := repo.GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		target = d.Status
		if in.Status != nil {
			target = *in.Status
		}
		if err := checkTransition(d.Status, target); err != nil {
			return err
		}

		if in.Sum != nil && !in.Sum.Equal(d.Sum) {
			if d.Settled() {
				return fmt.Errorf("%w: sum of %s cannot change", ledger.ErrDepositSettled, id)
			}
			if !in.Sum.IsPositive() {
				return fmt.Errorf("%w: deposit sum must be greater than 0", ledger.ErrInvalidAmount)
			}
			d.Sum = *in.Sum
		}
		if in.AccountHolder != nil {
			d.AccountHolder = *in.AccountHolder
		}
		if in.BankName != nil {
			d.BankName = *in.BankName
		}
		if target == ledger.DepositRejected {
			d.Status = ledger.DepositRejected
		}
		d.UpdatedAt = s.now().UTC()

		updated = *d
		return repo.SaveDeposit(ctx, *d)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit updated", "deposit_id", id, "owner_id", updated.OwnerID, "status", target)
	s.publish(ctx, ledger.EventDepositUpdated, updated)

	result := &Result{Deposit: updated}
	if target == ledger.DepositApproved && !updated.Settled() {
		return s.settle(ctx, result)
	}
	return result, nil
}

func (s *Service) Approve(ctx context.Context, id ledger.DepositID) (*Result, error) {
	status := ledger.DepositApproved
	return s.Update(ctx, id, UpdateInput{Status: &status})
}

// Reject is only valid for a PENDING deposit.
func (s *Service) Reject(ctx context.Context, id ledger.DepositID) (*Result, error) {
	status := ledger.DepositRejected
	return s.Update(ctx, id, UpdateInput{Status: &status})
}

// Delete removes a deposit that has not been settled.
func (s *Service) Delete(ctx context.Context, id ledger.DepositID) error {
	current, err := s.store.GetDeposit(ctx, id)
	if err != nil {
		return err
	}

	var deleted ledger.Deposit
	err = s.withOwner(ctx, current.OwnerID, func(repo ledger.Repository) error {
		d, err := repo.GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		if d.Settled() {
			return fmt.Errorf("%w: %s cannot be deleted", ledger.ErrDepositSettled, id)
		}
		deleted = *d
		return repo.DeleteDeposit(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("deposit deleted", "deposit_id", id, "owner_id", deleted.OwnerID)
	s.publish(ctx, ledger.EventDepositDeleted, deleted)
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id ledger.DepositID) (*ledger.Deposit, error) {
	return s.store.GetDeposit(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ledger.DepositFilter) ([]ledger.Deposit, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidTransition, filter.Status)
	}
	return s.store.ListDeposits(ctx, filter)
}

// TotalApproved sums the owner's APPROVED deposits.
func (s *Service) TotalApproved(ctx context.Context, ownerID ledger.OwnerID) (ledger.Money, error) {
	deposits, err := s.store.ListDeposits(ctx, ledger.DepositFilter{OwnerID: ownerID, Status: ledger.DepositApproved})
	if err != nil {
		return ledger.ZeroMoney, err
	}
	total := ledger.ZeroMoney
	for _, d := range deposits {
		total = total.Add(d.Sum)
	}
	return total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func checkTransition(from, to ledger.DepositStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidTransition, to)
	}
	if from == to || from == ledger.DepositPending {
		return nil
	}
	if from == ledger.DepositApproved {
		return fmt.Errorf("%w: deposit already approved", ledger.ErrDepositSettled)
	}
	return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, from, to)
}

func (s *Service) settle(ctx context.Context, result *Result) (*Result, error) {
	settlement, err := s.engine.SettleDeposit(ctx, result.Deposit)
	if err != nil {
		return result, err
	}
	result.Settlement = settlement
	if d, err := s.store.GetDeposit(ctx, result.Deposit.ID); err == nil {
		result.Deposit = *d
	}
	return result, nil
}

// withOwner runs fn in a unit of work while holding the owner lock the
// engine uses.
func (s *Service) withOwner(ctx context.Context, ownerID ledger.OwnerID, fn func(ledger.Repository) error) error {
	unlock, err := s.engine.Lock(ctx, ownerID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.store.WithTx(ctx, ownerID, fn)
}

func (s *Service) publish(ctx context.Context, event string, payload any) {
	if s.engine.Notifier == nil {
		return
	}
	if err := s.engine.Notifier.Publish(ctx, event, payload); err != nil {
		s.logger.Warn("event publish failed", "event", event, "error", err)
	}
}
