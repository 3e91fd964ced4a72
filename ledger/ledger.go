/*
ledger.go - Append-only transaction ledger

PURPOSE:
  The TransactionLedger is the audit trail of every money movement.
  Debt payments and deposit credits are recorded here by the engine.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, records cannot be modified
  3. CONSERVING: Movement records of one settlement sum to the deposit
  4. IDEMPOTENT: Same idempotency key = same record (no duplicates)

CORRECTIONS:
  There is no edit path. A mistake is corrected by an administrative
  record outside the engine; both stay in the ledger.

SEE ALSO:
  - store.go: TransactionStore
  - settlement.go: The only writer
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionLedger validates records and appends them to a TransactionStore.
type TransactionLedger struct {
	store TransactionStore
	now   func() time.Time
}

func NewTransactionLedger(store TransactionStore) *TransactionLedger {
	return &TransactionLedger{store: store, now: time.Now}
}

// Append validates and persists one record. It fills ID and CreatedAt when
// empty and returns the stored record.
func (l *TransactionLedger) Append(ctx context.Context, record TransactionRecord) (TransactionRecord, error) {
	if err := validateRecord(record); err != nil {
		return TransactionRecord{}, err
	}
	if record.ID == "" {
		record.ID = RecordID(uuid.NewString())
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = l.now().UTC()
	}

	if record.IdempotencyKey != "" {
		exists, err := l.store.RecordExists(ctx, record.IdempotencyKey)
		if err != nil {
			return TransactionRecord{}, err
		}
		if exists {
			return TransactionRecord{}, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, record.IdempotencyKey)
		}
	}

	if err := l.store.AppendRecord(ctx, record); err != nil {
		return TransactionRecord{}, err
	}
	return record, nil
}

// History returns the owner's records, oldest first.
func (l *TransactionLedger) History(ctx context.Context, ownerID OwnerID) ([]TransactionRecord, error) {
	return l.store.RecordsByOwner(ctx, ownerID)
}

func validateRecord(r TransactionRecord) error {
	if r.OwnerID == "" {
		return fmt.Errorf("record: %w", ErrOwnerNotFound)
	}
	switch r.Kind {
	case KindDeposit, KindDebtPayment:
	default:
		return fmt.Errorf("record: unknown kind %q", r.Kind)
	}
	switch r.Status {
	case RecordCompleted, RecordInformational:
	default:
		return fmt.Errorf("record: unknown status %q", r.Status)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("record: %w", ErrNegativeAmount)
	}
	return nil
}

// CheckConservation verifies that the movement records of one settlement
// add up to the deposit sum.
func CheckConservation(records []TransactionRecord, depositSum Money) error {
	total := MovementTotal(records)
	if !total.Equal(depositSum) {
		return fmt.Errorf("ledger not conserved: recorded %s, deposit %s", total, depositSum)
	}
	return nil
}
