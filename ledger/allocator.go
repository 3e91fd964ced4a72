/*
allocator.go - Debt waterfall allocation

PURPOSE:
  Decides how a deposit is split across an owner's unpaid debts. Debts
  are paid oldest first; whatever is left over goes to the balance.

ALGORITHM:
  remaining = deposit
  for each debt (CreatedAt asc, ID asc):
    remaining == 0        -> stop, later debts untouched
    debt.AmountOwed <= 0  -> auto-clear (mark paid, apply nothing)
    applied = min(remaining, debt.AmountOwed)
    remaining -= applied
  leftover = remaining

GUARANTEES:
  - sum(applied) + leftover == deposit, exactly
  - at most one debt ends up partially paid; all before it are paid,
    all after it are untouched
  - pure: same input, same plan. The input slice is not modified.

ORDERING:
  Allocate sorts its own copy of the debts, so callers do not have to.

EXAMPLE:
  debts [100, 50], deposit 120
    debt-1: applied 100, remaining 0, paid
    debt-2: applied 20,  remaining 30
    leftover 0
*/
package ledger

import (
	"sort"
)

// DebtAllocation is one step of the waterfall.
type DebtAllocation struct {
	DebtID       DebtID
	Applied      Money
	NewRemaining Money
	BecomesPaid  bool

	// AutoCleared is set for debts that already owed nothing; they are
	// marked paid without consuming any of the deposit.
	AutoCleared bool
}

// AllocationPlan is the output of Allocate.
type AllocationPlan struct {
	Allocations []DebtAllocation
	Leftover    Money
	Total       Money
}

// Applied returns the total applied to debts.
func (p AllocationPlan) Applied() Money {
	total := ZeroMoney
	for _, a := range p.Allocations {
		total = total.Add(a.Applied)
	}
	return total
}

// Conserves reports whether applied + leftover equals the allocated total.
func (p AllocationPlan) Conserves() bool {
	return p.Applied().Add(p.Leftover).Equal(p.Total)
}

// PaidCount returns how many debts with a real payment became fully paid.
func (p AllocationPlan) PaidCount() int {
	n := 0
	for _, a := range p.Allocations {
		if a.BecomesPaid && !a.AutoCleared {
			n++
		}
	}
	return n
}

// SortDebts orders debts oldest first, ties broken by ID.
func SortDebts(debts []Debt) {
	sort.SliceStable(debts, func(i, j int) bool {
		if !debts[i].CreatedAt.Equal(debts[j].CreatedAt) {
			return debts[i].CreatedAt.Before(debts[j].CreatedAt)
		}
		return debts[i].ID < debts[j].ID
	})
}

// Allocate runs the waterfall of amount over debts.
func Allocate(debts []Debt, amount Money) AllocationPlan {
	ordered := make([]Debt, len(debts))
	copy(ordered, debts)
	SortDebts(ordered)

	plan := AllocationPlan{Total: amount}
	remaining := amount

	for _, debt := range ordered {
		if remaining.IsZero() {
			break
		}

		if !debt.AmountOwed.IsPositive() {
			plan.Allocations = append(plan.Allocations, DebtAllocation{
				DebtID:       debt.ID,
				Applied:      ZeroMoney,
				NewRemaining: ZeroMoney,
				BecomesPaid:  true,
				AutoCleared:  true,
			})
			continue
		}

		applied := remaining.Min(debt.AmountOwed)
		// Both subtractions are bounded by min(), so they cannot underflow.
		newRemaining, _ := debt.AmountOwed.Sub(applied)
		remaining, _ = remaining.Sub(applied)

		plan.Allocations = append(plan.Allocations, DebtAllocation{
			DebtID:       debt.ID,
			Applied:      applied,
			NewRemaining: newRemaining,
			BecomesPaid:  newRemaining.IsZero(),
		})
	}

	plan.Leftover = remaining
	return plan
}
