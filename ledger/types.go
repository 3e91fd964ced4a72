/*
Package ledger provides the deposit settlement engine.

PURPOSE:
  When a deposit is approved, the engine splits the deposited amount
  between the owner's outstanding debts (oldest first) and the owner's
  spendable balance. Every movement lands in an append-only transaction
  ledger, and all effects of one settlement commit together.

KEY CONCEPTS IN THIS FILE (types.go):
  - Debt: Money an owner still owes, paid down by settlements
  - Deposit: Incoming funds, settled on PENDING -> APPROVED
  - TransactionRecord: Immutable ledger entry for one movement
  - UserAccount: Spendable balance plus the cached debtor flag

DESIGN PRINCIPLES:
  1. Immutability: Records are appended, never edited
  2. Precision: Money wraps decimal.Decimal and never goes negative
  3. Explicit ownership: Every operation takes an OwnerID, no ambient user
  4. Conservation: Movements of one settlement add up to the deposit sum

SEE ALSO:
  - money.go: Money value type
  - allocator.go: Debt waterfall
  - settlement.go: Engine orchestration
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type DebtID string
type DepositID string
type RecordID string

// =============================================================================
// DEBT - Outstanding amount owed by one owner
// =============================================================================

type Debt struct {
	ID            DebtID    `json:"id"`
	OwnerID       OwnerID   `json:"owner_id"`
	AmountOwed    Money     `json:"amount_owed"`
	Paid          bool      `json:"paid"`
	AccountHolder string    `json:"account_holder,omitempty"`
	BankName      string    `json:"bank_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Outstanding reports whether the debt still has something owed.
func (d Debt) Outstanding() bool {
	return d.AmountOwed.IsPositive()
}

// =============================================================================
// DEPOSIT - Incoming funds awaiting approval
// =============================================================================

type DepositStatus string

const (
	DepositPending  DepositStatus = "PENDING"
	DepositApproved DepositStatus = "APPROVED"
	DepositRejected DepositStatus = "REJECTED"
)

// Valid reports whether s is a known status.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositPending, DepositApproved, DepositRejected:
		return true
	}
	return false
}

type Deposit struct {
	ID            DepositID     `json:"id"`
	OwnerID       OwnerID       `json:"owner_id"`
	Sum           Money         `json:"sum"`
	Status        DepositStatus `json:"status"`
	AccountHolder string        `json:"account_holder,omitempty"`
	BankName      string        `json:"bank_name,omitempty"`

	// SettledAt is set in the same unit of work that applies the settlement.
	SettledAt *time.Time `json:"settled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settled reports whether the deposit's settlement has committed.
func (d Deposit) Settled() bool {
	return d.Status == DepositApproved
}

// =============================================================================
// TRANSACTION RECORD - Append-only ledger entry
// =============================================================================

type RecordKind string

const (
	KindDeposit     RecordKind = "DEPOSIT"
	KindDebtPayment RecordKind = "DEBT_PAYMENT"
)

type RecordStatus string

const (
	// RecordCompleted marks an applied movement of money.
	RecordCompleted RecordStatus = "COMPLETED"
	// RecordInformational marks an audit-only entry that moves nothing.
	RecordInformational RecordStatus = "INFORMATIONAL"
)

type TransactionRecord struct {
	ID              RecordID          `json:"id"`
	OwnerID         OwnerID           `json:"owner_id"`
	Kind            RecordKind        `json:"kind"`
	Amount          Money             `json:"amount"`
	Status          RecordStatus      `json:"status"`
	Description     string            `json:"description"`
	RelatedEntityID string            `json:"related_entity_id,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// IsMovement reports whether the record represents money that moved.
func (r TransactionRecord) IsMovement() bool {
	return r.Status == RecordCompleted
}

// MovementTotal sums the amounts of movement records, skipping
// informational entries.
func MovementTotal(records []TransactionRecord) Money {
	total := ZeroMoney
	for _, r := range records {
		if r.IsMovement() {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// =============================================================================
// USER ACCOUNT - Spendable balance
// =============================================================================

type UserAccount struct {
	ID       OwnerID `json:"id"`
	Balance  Money   `json:"balance"`
	IsDebtor bool    `json:"is_debtor"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credit adds amount to the balance and returns the new balance.
// The balance is only ever changed through Credit.
func (a *UserAccount) Credit(amount Money) (Money, error) {
	if amount.IsNegative() {
		return a.Balance, ErrNegativeAmount
	}
	a.Balance = a.Balance.Add(amount)
	return a.Balance, nil
}
