/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists accounts, debts, deposits and the transaction record log.
  The same Repository code runs against *sql.DB and *sql.Tx, so every
  read inside a unit of work sees that unit's own writes.

APPEND-ONLY ENFORCEMENT:
  transaction_records has no UPDATE or DELETE path in Go code, and two
  triggers abort any UPDATE or DELETE issued by hand.

KEY TABLES:
  accounts:            Balance and cached debtor flag per owner
  debts:               Amount owed, paid flag
  deposits:            Sum, status, settled_at
  transaction_records: Immutable ledger, idempotency_key UNIQUE

MONEY:
  Amounts are stored as TEXT decimal strings so no float rounding ever
  touches them. Timestamps are stored as fixed-width UTC strings so
  ORDER BY created_at sorts chronologically.

CONCURRENCY:
  WithTx holds the store mutex and opens the transaction with
  _txlock=immediate, so the write lock is taken at BEGIN. A busy database
  surfaces as ledger.ErrConcurrencyConflict.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*repo
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, repo: &repo{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0',
		is_debtor INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS debts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES accounts(id),
		amount_owed TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		account_holder TEXT,
		bank_name TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Waterfall order (hot path)
	CREATE INDEX IF NOT EXISTS idx_debts_owner_unpaid
		ON debts(owner_id, paid, created_at, id);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		sum TEXT NOT NULL,
		status TEXT NOT NULL,
		account_holder TEXT,
		bank_name TEXT,
		settled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_owner_status
		ON deposits(owner_id, status, created_at DESC);

	-- Transaction records (append-only ledger)
	CREATE TABLE IF NOT EXISTS transaction_records (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		related_entity_id TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_owner
		ON transaction_records(owner_id, created_at);

	CREATE TRIGGER IF NOT EXISTS trg_records_no_update
		BEFORE UPDATE ON transaction_records
		BEGIN SELECT RAISE(ABORT, 'transaction_records is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS trg_records_no_delete
		BEFORE DELETE ON transaction_records
		BEGIN SELECT RAISE(ABORT, 'transaction_records is append-only'); END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The owner is not used;
// SQLite serializes writers at BEGIN IMMEDIATE.
func (s *Store) WithTx(ctx context.Context, _ ledger.OwnerID, fn func(ledger.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&repo{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q querier
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (r *repo) FindAccount(ctx context.Context, ownerID ledger.OwnerID) (*ledger.UserAccount, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, balance, is_debtor, created_at, updated_at
		FROM accounts WHERE id = ?`, string(ownerID))

	var a ledger.UserAccount
	var id, balance, createdAt, updatedAt string
	if err := row.Scan(&id, &balance, &a.IsDebtor, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrOwnerNotFound, ownerID)
		}
		return nil, mapError("find account", err)
	}
	a.ID = ledger.OwnerID(id)
	var err error
	if a.Balance, err = parseMoney(balance); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (r *repo) SaveAccount(ctx context.Context, a ledger.UserAccount) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, is_debtor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			is_debtor = excluded.is_debtor,
			updated_at = excluded.updated_at`,
		string(a.ID), a.Balance.Decimal().String(), a.IsDebtor,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return mapError("save account", err)
}

func (r *repo) ListAccounts(ctx context.Context) ([]ledger.UserAccount, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, balance, is_debtor, created_at, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	defer rows.Close()

	var result []ledger.UserAccount
	for rows.Next() {
		var a ledger.UserAccount
		var id, balance, createdAt, updatedAt string
		if err := rows.Scan(&id, &balance, &a.IsDebtor, &createdAt, &updatedAt); err != nil {
			return nil, mapError("scan account", err)
		}
		a.ID = ledger.OwnerID(id)
		if a.Balance, err = parseMoney(balance); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		result = append(result, a)
	}
	return result, rows.Err()
}

// =============================================================================
// DEBTS
// =============================================================================

const debtColumns = `id, owner_id, amount_owed, paid, account_holder, bank_name, created_at, updated_at`

func (r *repo) FindUnpaidOrdered(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return r.queryDebts(ctx, `SELECT `+debtColumns+` FROM debts
		WHERE owner_id = ? AND paid = 0
		ORDER BY created_at ASC, id ASC`, string(ownerID))
}

func (r *repo) ListDebts(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return r.queryDebts(ctx, `SELECT `+debtColumns+` FROM debts
		WHERE owner_id = ?
		ORDER BY created_at ASC, id ASC`, string(ownerID))
}

func (r *repo) HasOutstanding(ctx context.Context, ownerID ledger.OwnerID) (bool, error) {
	// The sign check is exact even through REAL.
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM debts
		WHERE owner_id = ? AND CAST(amount_owed AS REAL) > 0`, string(ownerID)).Scan(&n)
	if err != nil {
		return false, mapError("has outstanding", err)
	}
	return n > 0, nil
}

func (r *repo) GetDebt(ctx context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	debts, err := r.queryDebts(ctx, `SELECT `+debtColumns+` FROM debts WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(debts) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDebtNotFound, id)
	}
	return &debts[0], nil
}

func (r *repo) SaveDebt(ctx context.Context, d ledger.Debt) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO debts (`+debtColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			amount_owed = excluded.amount_owed,
			paid = excluded.paid,
			account_holder = excluded.account_holder,
			bank_name = excluded.bank_name,
			updated_at = excluded.updated_at`,
		string(d.ID), string(d.OwnerID), d.AmountOwed.Decimal().String(), d.Paid,
		nullString(d.AccountHolder), nullString(d.BankName),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	return mapError("save debt", err)
}

func (r *repo) DeleteDebt(ctx context.Context, id ledger.DebtID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM debts WHERE id = ?`, string(id))
	if err != nil {
		return mapError("delete debt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDebtNotFound, id)
	}
	return nil
}

func (r *repo) queryDebts(ctx context.Context, query string, args ...any) ([]ledger.Debt, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query debts", err)
	}
	defer rows.Close()

	var result []ledger.Debt
	for rows.Next() {
		var d ledger.Debt
		var id, ownerID, amount, createdAt, updatedAt string
		var holder, bank sql.NullString
		if err := rows.Scan(&id, &ownerID, &amount, &d.Paid, &holder, &bank, &createdAt, &updatedAt); err != nil {
			return nil, mapError("scan debt", err)
		}
		d.ID = ledger.DebtID(id)
		d.OwnerID = ledger.OwnerID(ownerID)
		if d.AmountOwed, err = parseMoney(amount); err != nil {
			return nil, err
		}
		d.AccountHolder = holder.String
		d.BankName = bank.String
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		result = append(result, d)
	}
	return result, rows.Err()
}

// =============================================================================
// DEPOSITS
// =============================================================================

const depositColumns = `id, owner_id, sum, status, account_holder, bank_name, settled_at, created_at, updated_at`

func (r *repo) GetDeposit(ctx context.Context, id ledger.DepositID) (*ledger.Deposit, error) {
	deposits, err := r.queryDeposits(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDepositNotFound, id)
	}
	return &deposits[0], nil
}

func (r *repo) SaveDeposit(ctx context.Context, d ledger.Deposit) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	var settledAt sql.NullString
	if d.SettledAt != nil {
		settledAt = nullString(formatTime(*d.SettledAt))
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO deposits (`+depositColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			sum = excluded.sum,
			status = excluded.status,
			account_holder = excluded.account_holder,
			bank_name = excluded.bank_name,
			settled_at = excluded.settled_at,
			updated_at = excluded.updated_at`,
		string(d.ID), string(d.OwnerID), d.Sum.Decimal().String(), string(d.Status),
		nullString(d.AccountHolder), nullString(d.BankName), settledAt,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	return mapError("save deposit", err)
}

func (r *repo) DeleteDeposit(ctx context.Context, id ledger.DepositID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM deposits WHERE id = ?`, string(id))
	if err != nil {
		return mapError("delete deposit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDepositNotFound, id)
	}
	return nil
}

func (r *repo) ListDeposits(ctx context.Context, filter ledger.DepositFilter) ([]ledger.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits`
	var where []string
	var args []any
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, string(filter.OwnerID))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	return r.queryDeposits(ctx, query, args...)
}

func (r *repo) queryDeposits(ctx context.Context, query string, args ...any) ([]ledger.Deposit, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query deposits", err)
	}
	defer rows.Close()

	var result []ledger.Deposit
	for rows.Next() {
		var d ledger.Deposit
		var id, ownerID, sum, status, createdAt, updatedAt string
		var holder, bank, settledAt sql.NullString
		if err := rows.Scan(&id, &ownerID, &sum, &status, &holder, &bank, &settledAt, &createdAt, &updatedAt); err != nil {
			return nil, mapError("scan deposit", err)
		}
		d.ID = ledger.DepositID(id)
		d.OwnerID = ledger.OwnerID(ownerID)
		if d.Sum, err = parseMoney(sum); err != nil {
			return nil, err
		}
		d.Status = ledger.DepositStatus(status)
		d.AccountHolder = holder.String
		d.BankName = bank.String
		if settledAt.Valid {
			t := parseTime(settledAt.String)
			d.SettledAt = &t
		}
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		result = append(result, d)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTION RECORDS (append-only)
// =============================================================================

func (r *repo) AppendRecord(ctx context.Context, rec ledger.TransactionRecord) error {
	var metadataJSON sql.NullString
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = nullString(string(b))
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO transaction_records
			(id, owner_id, kind, amount, status, description, related_entity_id,
			 idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), string(rec.OwnerID), string(rec.Kind), rec.Amount.Decimal().String(),
		string(rec.Status), nullString(rec.Description), nullString(rec.RelatedEntityID),
		nullString(rec.IdempotencyKey), metadataJSON, formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, rec.IdempotencyKey)
		}
		return mapError("append record", err)
	}
	return nil
}

func (r *repo) RecordsByOwner(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.TransactionRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, owner_id, kind, amount, status, description, related_entity_id,
		       idempotency_key, metadata_json, created_at
		FROM transaction_records
		WHERE owner_id = ?
		ORDER BY created_at ASC, rowid ASC`, string(ownerID))
	if err != nil {
		return nil, mapError("query records", err)
	}
	defer rows.Close()

	var result []ledger.TransactionRecord
	for rows.Next() {
		var rec ledger.TransactionRecord
		var id, owner, kind, amount, status, createdAt string
		var desc, related, key, metadataJSON sql.NullString
		if err := rows.Scan(&id, &owner, &kind, &amount, &status, &desc, &related, &key, &metadataJSON, &createdAt); err != nil {
			return nil, mapError("scan record", err)
		}
		rec.ID = ledger.RecordID(id)
		rec.OwnerID = ledger.OwnerID(owner)
		rec.Kind = ledger.RecordKind(kind)
		if rec.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		rec.Status = ledger.RecordStatus(status)
		rec.Description = desc.String
		rec.RelatedEntityID = related.String
		rec.IdempotencyKey = key.String
		if metadataJSON.Valid {
			if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
			}
		}
		rec.CreatedAt = parseTime(createdAt)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *repo) RecordExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transaction_records WHERE idempotency_key = ?`, idempotencyKey).Scan(&n)
	if err != nil {
		return false, mapError("record exists", err)
	}
	return n > 0, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseMoney(s string) (ledger.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.Money{}, fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return ledger.MoneyFromStorage(d), nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// mapError tags busy errors as retryable conflicts and everything else as
// a plain wrapped failure.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusyError(err) {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
