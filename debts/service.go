// Package debts is the administrative side of debts: creating, editing and
// removing them. Every write runs under the engine's owner lock and is
// followed by a debtor flag recompute, so the flag never waits for the next
// settlement to catch up.
package debts

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

func NewService(store ledger.TxStore, engine *ledger.Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		logger: slog.Default().With("component", "debts"),
		now:    time.Now,
	}
}

type CreateInput struct {
	OwnerID       ledger.OwnerID
	Amount        ledger.Money
	AccountHolder string
	BankName      string
	// CreatedAt orders the debt in the waterfall. Zero means now.
	CreatedAt time.Time
}

type UpdateInput struct {
	Amount        *ledger.Money
	Paid          *bool
	AccountHolder *string
	BankName      *string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*ledger.Debt, error) {
	now := s.now().UTC()
	debt := ledger.Debt{
		ID:            ledger.DebtID(uuid.NewString()),
		OwnerID:       in.OwnerID,
		AmountOwed:    in.Amount,
		Paid:          in.Amount.IsZero(),
		AccountHolder: in.AccountHolder,
		BankName:      in.BankName,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     now,
	}
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = now
	}

	err := s.write(ctx, in.OwnerID, func(repo ledger.Repository) error {
		if _, err := repo.FindAccount(ctx, in.OwnerID); err != nil {
			return err
		}
		return repo.SaveDebt(ctx, debt)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("debt created", "debt_id", debt.ID, "owner_id", debt.OwnerID, "amount", debt.AmountOwed)
	s.publish(ctx, debt)
	return &debt, nil
}

// Update edits a debt. An amount of zero, or Paid=true, marks it paid and
// zeroes it; a positive amount reopens it.
func (s *Service) Update(ctx context.Context, id ledger.DebtID, in UpdateInput) (*ledger.Debt, error) {
	current, err := s.store.GetDebt(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated ledger.Debt
	err = s.write(ctx, current.OwnerID, func(repo ledger.Repository) error {
		d, err := repo.GetDebt(ctx, id)
		if err != nil {
			return err
		}
		if in.Amount != nil {
			d.AmountOwed = *in.Amount
			d.Paid = !in.Amount.IsPositive()
		}
		if in.Paid != nil && *in.Paid {
			d.Paid = true
		}
		if d.Paid {
			d.AmountOwed = d.AmountOwed.Zero()
		}
		if in.AccountHolder != nil {
			d.AccountHolder = *in.AccountHolder
		}
		if in.BankName != nil {
			d.BankName = *in.BankName
		}
		d.UpdatedAt = s.now().UTC()
		updated = *d
		return repo.SaveDebt(ctx, *d)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("debt updated", "debt_id", id, "owner_id", updated.OwnerID, "amount", updated.AmountOwed, "paid", updated.Paid)
	s.publish(ctx, updated)
	return &updated, nil
}

func (s *Service) Delete(ctx context.Context, id ledger.DebtID) error {
	current, err := s.store.GetDebt(ctx, id)
	if err != nil {
		return err
	}
	err = s.write(ctx, current.OwnerID, func(repo ledger.Repository) error {
		return repo.DeleteDebt(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("debt deleted", "debt_id", id, "owner_id", current.OwnerID)
	s.publish(ctx, *current)
	return nil
}

func (s *Service) Get(ctx context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	return s.store.GetDebt(ctx, id)
}

// ListByOwner returns every debt of the owner, oldest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return s.store.ListDebts(ctx, ownerID)
}

// TotalOutstanding sums what the owner still owes.
func (s *Service) TotalOutstanding(ctx context.Context, ownerID ledger.OwnerID) (ledger.Money, error) {
	debts, err := s.store.FindUnpaidOrdered(ctx, ownerID)
	if err != nil {
		return ledger.ZeroMoney, err
	}
	total := ledger.ZeroMoney
	for _, d := range debts {
		if d.Outstanding() {
			total = total.Add(d.AmountOwed)
		}
	}
	return total, nil
}

// write applies fn and then recomputes the debtor flag, both under the
// owner lock. A failed recompute is logged; the reconciler fixes it later.
func (s *Service) write(ctx context.Context, ownerID ledger.OwnerID, fn func(ledger.Repository) error) error {
	unlock, err := s.engine.Lock(ctx, ownerID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.WithTx(ctx, ownerID, fn); err != nil {
		return err
	}

	var flag ledger.DebtorFlag
	err = s.store.WithTx(ctx, ownerID, func(repo ledger.Repository) error {
		flag, err = s.engine.Debtors(repo).Refresh(ctx, ownerID)
		return err
	})
	if err != nil {
		s.logger.Warn("debtor flag recompute failed", "owner_id", ownerID, "error", err)
		return nil
	}
	if flag.Changed {
		s.emit(ctx, ledger.EventDebtorFlagChanged, flag.Event())
	}
	return nil
}

func (s *Service) publish(ctx context.Context, debt ledger.Debt) {
	s.emit(ctx, ledger.EventDebtChanged, debt)
}

func (s *Service) emit(ctx context.Context, event string, payload any) {
	if s.engine.Notifier == nil {
		return
	}
	if err := s.engine.Notifier.Publish(ctx, event, payload); err != nil {
		s.logger.Warn("event publish failed", "event", event, "error", fmt.Errorf("%w: %v", ledger.ErrNotification, err))
	}
}
