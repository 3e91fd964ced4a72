package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DebtorRecalculator derives the cached IsDebtor flag from the owner's debts.
// Logger and Now default to slog.Default and time.Now when nil.
type DebtorRecalculator struct {
	Store  Repository
	Logger *slog.Logger
	Now    func() time.Time
}

// DebtorFlag is the outcome of a recompute.
type DebtorFlag struct {
	OwnerID  OwnerID
	IsDebtor bool
	// Changed is true when the stored flag was different and was rewritten.
	Changed bool
}

// Event returns the payload published for a changed flag.
func (f DebtorFlag) Event() DebtorFlagChangedEvent {
	return DebtorFlagChangedEvent{OwnerID: f.OwnerID, IsDebtor: f.IsDebtor}
}

// Recompute sets IsDebtor to "owner has a debt with AmountOwed > 0" and
// writes the account only when the flag changed.
func (r *DebtorRecalculator) Recompute(ctx context.Context, ownerID OwnerID) (bool, error) {
	flag, err := r.Refresh(ctx, ownerID)
	return flag.IsDebtor, err
}

// Refresh is Recompute but also reports whether the stored flag changed.
func (r *DebtorRecalculator) Refresh(ctx context.Context, ownerID OwnerID) (DebtorFlag, error) {
	flag := DebtorFlag{OwnerID: ownerID}

	outstanding, err := r.Store.HasOutstanding(ctx, ownerID)
	if err != nil {
		return flag, fmt.Errorf("check outstanding debts: %w", err)
	}

	account, err := r.Store.FindAccount(ctx, ownerID)
	if err != nil {
		return flag, err
	}
	flag.IsDebtor = outstanding
	if account.IsDebtor == outstanding {
		return flag, nil
	}

	account.IsDebtor = outstanding
	account.UpdatedAt = r.now().UTC()
	if err := r.Store.SaveAccount(ctx, *account); err != nil {
		return DebtorFlag{OwnerID: ownerID}, fmt.Errorf("save debtor flag: %w", err)
	}
	flag.Changed = true
	r.logger().Info("debtor flag updated", "owner_id", ownerID, "is_debtor", outstanding)
	return flag, nil
}

func (r *DebtorRecalculator) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *DebtorRecalculator) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
