/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the boundary between settlement logic and the database.
  The engine only sees these interfaces; memory, SQLite and Postgres
  implementations live elsewhere.

KEY INTERFACES:
  DebtStore:        Outstanding debts, oldest first
  AccountStore:     Owner balance and debtor flag
  TransactionStore: Append-only record log (no Update, no Delete)
  DepositStore:     Deposits and their status
  Repository:       All four together
  TxStore:          Repository + WithTx for one atomic unit of work

ATOMIC UNITS OF WORK:
  WithTx(fn) hands fn a Repository bound to one transaction. If fn
  returns an error every write made through that Repository is rolled
  back: no partial debt payoff, no partial credit, no orphan records.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite (database/sql + go-sqlite3)
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package ledger

import "context"

// =============================================================================
// STORES
// =============================================================================

type DebtStore interface {
	// FindUnpaidOrdered returns the owner's unpaid debts ordered by
	// CreatedAt then ID.
	FindUnpaidOrdered(ctx context.Context, ownerID OwnerID) ([]Debt, error)

	// HasOutstanding reports whether the owner has a debt with AmountOwed > 0.
	HasOutstanding(ctx context.Context, ownerID OwnerID) (bool, error)

	GetDebt(ctx context.Context, id DebtID) (*Debt, error)
	ListDebts(ctx context.Context, ownerID OwnerID) ([]Debt, error)
	SaveDebt(ctx context.Context, debt Debt) error

	// DeleteDebt is administrative only; the engine never deletes debts.
	DeleteDebt(ctx context.Context, id DebtID) error
}

type AccountStore interface {
	// FindAccount returns ErrOwnerNotFound when no account exists.
	FindAccount(ctx context.Context, ownerID OwnerID) (*UserAccount, error)
	SaveAccount(ctx context.Context, account UserAccount) error
	ListAccounts(ctx context.Context) ([]UserAccount, error)
}

// TransactionStore is APPEND-ONLY. No Update, No Delete.
type TransactionStore interface {
	// AppendRecord persists a record. Returns ErrDuplicateIdempotencyKey if
	// the key already exists.
	AppendRecord(ctx context.Context, record TransactionRecord) error

	// RecordsByOwner returns the owner's records, oldest first.
	RecordsByOwner(ctx context.Context, ownerID OwnerID) ([]TransactionRecord, error)

	RecordExists(ctx context.Context, idempotencyKey string) (bool, error)
}

type DepositStore interface {
	GetDeposit(ctx context.Context, id DepositID) (*Deposit, error)
	SaveDeposit(ctx context.Context, deposit Deposit) error
	DeleteDeposit(ctx context.Context, id DepositID) error

	// ListDeposits returns matching deposits, newest first.
	ListDeposits(ctx context.Context, filter DepositFilter) ([]Deposit, error)
}

// DepositFilter narrows ListDeposits. Zero values match everything.
type DepositFilter struct {
	OwnerID OwnerID
	Status  DepositStatus
}

// Repository is the full set of stores bound to one connection or transaction.
type Repository interface {
	DebtStore
	AccountStore
	TransactionStore
	DepositStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Repository with unit-of-work support.
type TxStore interface {
	Repository

	// WithTx executes fn within a transaction scoped to ownerID.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	//
	// Implementations may use ownerID to take a row lock on the owner's
	// account (Postgres) or ignore it.
	WithTx(ctx context.Context, ownerID OwnerID, fn func(Repository) error) error
}
