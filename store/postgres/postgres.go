/*
Package postgres provides a PostgreSQL-backed ledger.TxStore using pgx.

PURPOSE:
  Production store. Same tables as the SQLite store, with NUMERIC money
  columns and row-level locking.

CONCURRENCY:
  WithTx takes SELECT ... FOR UPDATE on the owner's account row as its
  first statement. Two settlements for the same owner on different
  processes therefore serialize in the database, even without the
  Redis owner lock. Serialization failures and deadlocks map to
  ledger.ErrConcurrencyConflict.

MONEY:
  Amounts are written as text and cast to NUMERIC(20,2) in SQL, and read
  back with ::text, so they never pass through a float.

SEE ALSO:
  - store/sqlite: SQLite implementation
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// Store implements ledger.TxStore on a pgx pool.
type Store struct {
	*repo
	pool *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxConns          int32
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// New connects to dsn, applies the schema and returns the store.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.HealthCheckPeriod = 15 * time.Second
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool, repo: &repo{q: pool}}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		is_debtor BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS debts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES accounts(id),
		amount_owed NUMERIC(20,2) NOT NULL,
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		account_holder TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_debts_owner_unpaid ON debts(owner_id, paid, created_at, id);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		sum NUMERIC(20,2) NOT NULL,
		status TEXT NOT NULL,
		account_holder TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		settled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deposits_owner_status ON deposits(owner_id, status, created_at DESC);

	CREATE TABLE IF NOT EXISTS transaction_records (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount NUMERIC(20,2) NOT NULL CHECK (amount >= 0),
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		related_entity_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON transaction_records(owner_id, seq);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a transaction that holds the owner's account row lock.
func (s *Store) WithTx(ctx context.Context, ownerID ledger.OwnerID, fn func(ledger.Repository) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if ownerID != "" {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, string(ownerID)).Scan(&id)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return mapError("lock account", err)
		}
	}

	if err := fn(&repo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repo struct {
	q querier
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (r *repo) FindAccount(ctx context.Context, ownerID ledger.OwnerID) (*ledger.UserAccount, error) {
	var a ledger.UserAccount
	var id, balance string
	err := r.q.QueryRow(ctx, `
		SELECT id, balance::text, is_debtor, created_at, updated_at
		FROM accounts WHERE id = $1`, string(ownerID)).
		Scan(&id, &balance, &a.IsDebtor, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrOwnerNotFound, ownerID)
		}
		return nil, mapError("find account", err)
	}
	a.ID = ledger.OwnerID(id)
	if a.Balance, err = parseMoney(balance); err != nil {
		return nil, err
	}
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
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (id, balance, is_debtor, created_at, updated_at)
		VALUES ($1, $2::text::numeric, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			is_debtor = EXCLUDED.is_debtor,
			updated_at = EXCLUDED.updated_at`,
		string(a.ID), a.Balance.Decimal().String(), a.IsDebtor, a.CreatedAt, a.UpdatedAt)
	return mapError("save account", err)
}

func (r *repo) ListAccounts(ctx context.Context) ([]ledger.UserAccount, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, balance::text, is_debtor, created_at, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	defer rows.Close()

	var result []ledger.UserAccount
	for rows.Next() {
		var a ledger.UserAccount
		var id, balance string
		if err := rows.Scan(&id, &balance, &a.IsDebtor, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, mapError("scan account", err)
		}
		a.ID = ledger.OwnerID(id)
		if a.Balance, err = parseMoney(balance); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, mapError("list accounts", rows.Err())
}

// =============================================================================
// DEBTS
// =============================================================================

const debtSelect = `SELECT id, owner_id, amount_owed::text, paid, account_holder, bank_name, created_at, updated_at FROM debts`

func (r *repo) FindUnpaidOrdered(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return r.queryDebts(ctx, debtSelect+` WHERE owner_id = $1 AND NOT paid ORDER BY created_at, id`, string(ownerID))
}

func (r *repo) ListDebts(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return r.queryDebts(ctx, debtSelect+` WHERE owner_id = $1 ORDER BY created_at, id`, string(ownerID))
}

func (r *repo) HasOutstanding(ctx context.Context, ownerID ledger.OwnerID) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM debts WHERE owner_id = $1 AND amount_owed > 0)`,
		string(ownerID)).Scan(&exists)
	if err != nil {
		return false, mapError("has outstanding", err)
	}
	return exists, nil
}

func (r *repo) GetDebt(ctx context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	debts, err := r.queryDebts(ctx, debtSelect+` WHERE id = $1`, string(id))
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
	_, err := r.q.Exec(ctx, `
		INSERT INTO debts (id, owner_id, amount_owed, paid, account_holder, bank_name, created_at, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			amount_owed = EXCLUDED.amount_owed,
			paid = EXCLUDED.paid,
			account_holder = EXCLUDED.account_holder,
			bank_name = EXCLUDED.bank_name,
			updated_at = EXCLUDED.updated_at`,
		string(d.ID), string(d.OwnerID), d.AmountOwed.Decimal().String(), d.Paid,
		d.AccountHolder, d.BankName, d.CreatedAt, d.UpdatedAt)
	return mapError("save debt", err)
}

func (r *repo) DeleteDebt(ctx context.Context, id ledger.DebtID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM debts WHERE id = $1`, string(id))
	if err != nil {
		return mapError("delete debt", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDebtNotFound, id)
	}
	return nil
}

func (r *repo) queryDebts(ctx context.Context, query string, args ...any) ([]ledger.Debt, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query debts", err)
	}
	defer rows.Close()

	var result []ledger.Debt
	for rows.Next() {
		var d ledger.Debt
		var id, ownerID, amount string
		if err := rows.Scan(&id, &ownerID, &amount, &d.Paid, &d.AccountHolder, &d.BankName, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, mapError("scan debt", err)
		}
		d.ID = ledger.DebtID(id)
		d.OwnerID = ledger.OwnerID(ownerID)
		if d.AmountOwed, err = parseMoney(amount); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, mapError("query debts", rows.Err())
}

// =============================================================================
// DEPOSITS
// =============================================================================

const depositSelect = `SELECT id, owner_id, sum::text, status, account_holder, bank_name, settled_at, created_at, updated_at FROM deposits`

func (r *repo) GetDeposit(ctx context.Context, id ledger.DepositID) (*ledger.Deposit, error) {
	deposits, err := r.queryDeposits(ctx, depositSelect+` WHERE id = $1`, string(id))
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
	_, err := r.q.Exec(ctx, `
		INSERT INTO deposits (id, owner_id, sum, status, account_holder, bank_name, settled_at, created_at, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			sum = EXCLUDED.sum,
			status = EXCLUDED.status,
			account_holder = EXCLUDED.account_holder,
			bank_name = EXCLUDED.bank_name,
			settled_at = EXCLUDED.settled_at,
			updated_at = EXCLUDED.updated_at`,
		string(d.ID), string(d.OwnerID), d.Sum.Decimal().String(), string(d.Status),
		d.AccountHolder, d.BankName, d.SettledAt, d.CreatedAt, d.UpdatedAt)
	return mapError("save deposit", err)
}

func (r *repo) DeleteDeposit(ctx context.Context, id ledger.DepositID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM deposits WHERE id = $1`, string(id))
	if err != nil {
		return mapError("delete deposit", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDepositNotFound, id)
	}
	return nil
}

func (r *repo) ListDeposits(ctx context.Context, filter ledger.DepositFilter) ([]ledger.Deposit, error) {
	query := depositSelect
	var where []string
	var args []any
	if filter.OwnerID != "" {
		args = append(args, string(filter.OwnerID))
		where = append(where, "owner_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	return r.queryDeposits(ctx, query, args...)
}

func (r *repo) queryDeposits(ctx context.Context, query string, args ...any) ([]ledger.Deposit, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query deposits", err)
	}
	defer rows.Close()

	var result []ledger.Deposit
	for rows.Next() {
		var d ledger.Deposit
		var id, ownerID, sum, status string
		if err := rows.Scan(&id, &ownerID, &sum, &status, &d.AccountHolder, &d.BankName, &d.SettledAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, mapError("scan deposit", err)
		}
		d.ID = ledger.DepositID(id)
		d.OwnerID = ledger.OwnerID(ownerID)
		d.Status = ledger.DepositStatus(status)
		if d.Sum, err = parseMoney(sum); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, mapError("query deposits", rows.Err())
}

// =============================================================================
// TRANSACTION RECORDS (append-only)
// =============================================================================

func (r *repo) AppendRecord(ctx context.Context, rec ledger.TransactionRecord) error {
	var metadata *string
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		s := string(b)
		metadata = &s
	}
	var key *string
	if rec.IdempotencyKey != "" {
		key = &rec.IdempotencyKey
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO transaction_records
			(id, owner_id, kind, amount, status, description, related_entity_id, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9::text::jsonb, $10)`,
		string(rec.ID), string(rec.OwnerID), string(rec.Kind), rec.Amount.Decimal().String(),
		string(rec.Status), rec.Description, rec.RelatedEntityID, key, metadata, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, rec.IdempotencyKey)
		}
		return mapError("append record", err)
	}
	return nil
}

func (r *repo) RecordsByOwner(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.TransactionRecord, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, owner_id, kind, amount::text, status, description, related_entity_id,
		       COALESCE(idempotency_key, ''), metadata::text, created_at
		FROM transaction_records
		WHERE owner_id = $1
		ORDER BY seq`, string(ownerID))
	if err != nil {
		return nil, mapError("query records", err)
	}
	defer rows.Close()

	var result []ledger.TransactionRecord
	for rows.Next() {
		var rec ledger.TransactionRecord
		var id, owner, kind, amount, status string
		var metadata *string
		if err := rows.Scan(&id, &owner, &kind, &amount, &status, &rec.Description,
			&rec.RelatedEntityID, &rec.IdempotencyKey, &metadata, &rec.CreatedAt); err != nil {
			return nil, mapError("scan record", err)
		}
		rec.ID = ledger.RecordID(id)
		rec.OwnerID = ledger.OwnerID(owner)
		rec.Kind = ledger.RecordKind(kind)
		rec.Status = ledger.RecordStatus(status)
		if rec.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		if metadata != nil {
			if err := json.Unmarshal([]byte(*metadata), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
			}
		}
		result = append(result, rec)
	}
	return result, mapError("query records", rows.Err())
}

func (r *repo) RecordExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transaction_records WHERE idempotency_key = $1)`,
		idempotencyKey).Scan(&exists)
	if err != nil {
		return false, mapError("record exists", err)
	}
	return exists, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseMoney(s string) (ledger.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.Money{}, fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return ledger.MoneyFromStorage(d), nil
}

// Postgres error codes that mean "try again".
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryableCodes[pgErr.Code] {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
