// Package store provides in-memory ledger.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	debts       map[ledger.DebtID]ledger.Debt
	accounts    map[ledger.OwnerID]ledger.UserAccount
	deposits    map[ledger.DepositID]ledger.Deposit
	records     []ledger.TransactionRecord
	idempotency map[string]bool
}

var _ ledger.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		debts:       make(map[ledger.DebtID]ledger.Debt),
		accounts:    make(map[ledger.OwnerID]ledger.UserAccount),
		deposits:    make(map[ledger.DepositID]ledger.Deposit),
		idempotency: make(map[string]bool),
	}
}

// --- debts ---

func (m *Memory) FindUnpaidOrdered(_ context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return unpaid(m.ownerDebtsLocked(ownerID)), nil
}

func (m *Memory) HasOutstanding(_ context.Context, ownerID ledger.OwnerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return hasOutstanding(m.ownerDebtsLocked(ownerID)), nil
}

func (m *Memory) GetDebt(_ context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.debts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDebtNotFound, id)
	}
	return &d, nil
}

func (m *Memory) ListDebts(_ context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerDebtsLocked(ownerID), nil
}

func (m *Memory) SaveDebt(_ context.Context, debt ledger.Debt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debts[debt.ID] = debt
	return nil
}

func (m *Memory) DeleteDebt(_ context.Context, id ledger.DebtID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.debts[id]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrDebtNotFound, id)
	}
	delete(m.debts, id)
	return nil
}

func (m *Memory) ownerDebtsLocked(ownerID ledger.OwnerID) []ledger.Debt {
	var result []ledger.Debt
	for _, d := range m.debts {
		if d.OwnerID == ownerID {
			result = append(result, d)
		}
	}
	ledger.SortDebts(result)
	return result
}

// --- accounts ---

func (m *Memory) FindAccount(_ context.Context, ownerID ledger.OwnerID) (*ledger.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrOwnerNotFound, ownerID)
	}
	return &a, nil
}

func (m *Memory) SaveAccount(_ context.Context, account ledger.UserAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.UserAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sortAccounts(result)
	return result, nil
}

// --- records (append-only) ---

func (m *Memory) AppendRecord(_ context.Context, record ledger.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.IdempotencyKey != "" && m.idempotency[record.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.appendLocked(record)
	return nil
}

func (m *Memory) appendLocked(record ledger.TransactionRecord) {
	m.records = append(m.records, record)
	if record.IdempotencyKey != "" {
		m.idempotency[record.IdempotencyKey] = true
	}
}

func (m *Memory) RecordsByOwner(_ context.Context, ownerID ledger.OwnerID) ([]ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ownerRecords(m.records, ownerID), nil
}

func (m *Memory) RecordExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// --- deposits ---

func (m *Memory) GetDeposit(_ context.Context, id ledger.DepositID) (*ledger.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDepositNotFound, id)
	}
	return &d, nil
}

func (m *Memory) SaveDeposit(_ context.Context, deposit ledger.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[deposit.ID] = deposit
	return nil
}

func (m *Memory) DeleteDeposit(_ context.Context, id ledger.DepositID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deposits[id]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrDepositNotFound, id)
	}
	delete(m.deposits, id)
	return nil
}

func (m *Memory) ListDeposits(_ context.Context, filter ledger.DepositFilter) ([]ledger.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Deposit
	for _, d := range m.deposits {
		if matches(d, filter) {
			result = append(result, d)
		}
	}
	sortDeposits(result)
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a staged view. Writes are buffered in the view
// and applied under the write lock only when fn succeeds, so a failed unit
// of work leaves nothing behind and other owners are never blocked while fn
// runs. Same-owner serialization is the engine's OwnerLocker's job.
func (m *Memory) WithTx(ctx context.Context, _ ledger.OwnerID, fn func(ledger.Repository) error) error {
	view := newTxView(m)
	if err := fn(view); err != nil {
		return err
	}
	return view.commit()
}

type txView struct {
	parent *Memory

	debts           map[ledger.DebtID]ledger.Debt
	deletedDebts    map[ledger.DebtID]bool
	accounts        map[ledger.OwnerID]ledger.UserAccount
	deposits        map[ledger.DepositID]ledger.Deposit
	deletedDeposits map[ledger.DepositID]bool
	records         []ledger.TransactionRecord
	keys            map[string]bool
}

func newTxView(parent *Memory) *txView {
	return &txView{
		parent:          parent,
		debts:           make(map[ledger.DebtID]ledger.Debt),
		deletedDebts:    make(map[ledger.DebtID]bool),
		accounts:        make(map[ledger.OwnerID]ledger.UserAccount),
		deposits:        make(map[ledger.DepositID]ledger.Deposit),
		deletedDeposits: make(map[ledger.DepositID]bool),
		keys:            make(map[string]bool),
	}
}

func (v *txView) commit() error {
	p := v.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range v.keys {
		if p.idempotency[key] {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	for id, d := range v.debts {
		p.debts[id] = d
	}
	for id := range v.deletedDebts {
		delete(p.debts, id)
	}
	for id, a := range v.accounts {
		p.accounts[id] = a
	}
	for id, d := range v.deposits {
		p.deposits[id] = d
	}
	for id := range v.deletedDeposits {
		delete(p.deposits, id)
	}
	for _, r := range v.records {
		p.appendLocked(r)
	}
	return nil
}

// --- debts ---

func (v *txView) ownerDebts(ownerID ledger.OwnerID) []ledger.Debt {
	v.parent.mu.RLock()
	merged := make(map[ledger.DebtID]ledger.Debt)
	for id, d := range v.parent.debts {
		if d.OwnerID == ownerID {
			merged[id] = d
		}
	}
	v.parent.mu.RUnlock()

	for id, d := range v.debts {
		if d.OwnerID == ownerID {
			merged[id] = d
		} else {
			delete(merged, id)
		}
	}
	for id := range v.deletedDebts {
		delete(merged, id)
	}

	result := make([]ledger.Debt, 0, len(merged))
	for _, d := range merged {
		result = append(result, d)
	}
	ledger.SortDebts(result)
	return result
}

func (v *txView) FindUnpaidOrdered(_ context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return unpaid(v.ownerDebts(ownerID)), nil
}

func (v *txView) HasOutstanding(_ context.Context, ownerID ledger.OwnerID) (bool, error) {
	return hasOutstanding(v.ownerDebts(ownerID)), nil
}

func (v *txView) GetDebt(ctx context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	if v.deletedDebts[id] {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDebtNotFound, id)
	}
	if d, ok := v.debts[id]; ok {
		return &d, nil
	}
	return v.parent.GetDebt(ctx, id)
}

func (v *txView) ListDebts(_ context.Context, ownerID ledger.OwnerID) ([]ledger.Debt, error) {
	return v.ownerDebts(ownerID), nil
}

func (v *txView) SaveDebt(_ context.Context, debt ledger.Debt) error {
	delete(v.deletedDebts, debt.ID)
	v.debts[debt.ID] = debt
	return nil
}

func (v *txView) DeleteDebt(ctx context.Context, id ledger.DebtID) error {
	if _, err := v.GetDebt(ctx, id); err != nil {
		return err
	}
	delete(v.debts, id)
	v.deletedDebts[id] = true
	return nil
}

// --- accounts ---

func (v *txView) FindAccount(ctx context.Context, ownerID ledger.OwnerID) (*ledger.UserAccount, error) {
	if a, ok := v.accounts[ownerID]; ok {
		return &a, nil
	}
	return v.parent.FindAccount(ctx, ownerID)
}

func (v *txView) SaveAccount(_ context.Context, account ledger.UserAccount) error {
	v.accounts[account.ID] = account
	return nil
}

func (v *txView) ListAccounts(ctx context.Context) ([]ledger.UserAccount, error) {
	base, err := v.parent.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[ledger.OwnerID]ledger.UserAccount, len(base))
	for _, a := range base {
		merged[a.ID] = a
	}
	for id, a := range v.accounts {
		merged[id] = a
	}
	result := make([]ledger.UserAccount, 0, len(merged))
	for _, a := range merged {
		result = append(result, a)
	}
	sortAccounts(result)
	return result, nil
}

// --- records ---

func (v *txView) AppendRecord(ctx context.Context, record ledger.TransactionRecord) error {
	if record.IdempotencyKey != "" {
		exists, err := v.RecordExists(ctx, record.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
		v.keys[record.IdempotencyKey] = true
	}
	v.records = append(v.records, record)
	return nil
}

func (v *txView) RecordsByOwner(ctx context.Context, ownerID ledger.OwnerID) ([]ledger.TransactionRecord, error) {
	base, err := v.parent.RecordsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return append(base, ownerRecords(v.records, ownerID)...), nil
}

func (v *txView) RecordExists(ctx context.Context, idempotencyKey string) (bool, error) {
	if v.keys[idempotencyKey] {
		return true, nil
	}
	return v.parent.RecordExists(ctx, idempotencyKey)
}

// --- deposits ---

func (v *txView) GetDeposit(ctx context.Context, id ledger.DepositID) (*ledger.Deposit, error) {
	if v.deletedDeposits[id] {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDepositNotFound, id)
	}
	if d, ok := v.deposits[id]; ok {
		return &d, nil
	}
	return v.parent.GetDeposit(ctx, id)
}

func (v *txView) SaveDeposit(_ context.Context, deposit ledger.Deposit) error {
	delete(v.deletedDeposits, deposit.ID)
	v.deposits[deposit.ID] = deposit
	return nil
}

func (v *txView) DeleteDeposit(ctx context.Context, id ledger.DepositID) error {
	if _, err := v.GetDeposit(ctx, id); err != nil {
		return err
	}
	delete(v.deposits, id)
	v.deletedDeposits[id] = true
	return nil
}

func (v *txView) ListDeposits(ctx context.Context, filter ledger.DepositFilter) ([]ledger.Deposit, error) {
	base, err := v.parent.ListDeposits(ctx, ledger.DepositFilter{})
	if err != nil {
		return nil, err
	}
	merged := make(map[ledger.DepositID]ledger.Deposit, len(base))
	for _, d := range base {
		merged[d.ID] = d
	}
	for id, d := range v.deposits {
		merged[id] = d
	}
	for id := range v.deletedDeposits {
		delete(merged, id)
	}
	var result []ledger.Deposit
	for _, d := range merged {
		if matches(d, filter) {
			result = append(result, d)
		}
	}
	sortDeposits(result)
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func unpaid(debts []ledger.Debt) []ledger.Debt {
	var result []ledger.Debt
	for _, d := range debts {
		if !d.Paid {
			result = append(result, d)
		}
	}
	return result
}

func hasOutstanding(debts []ledger.Debt) bool {
	for _, d := range debts {
		if d.Outstanding() {
			return true
		}
	}
	return false
}

func ownerRecords(records []ledger.TransactionRecord, ownerID ledger.OwnerID) []ledger.TransactionRecord {
	var result []ledger.TransactionRecord
	for _, r := range records {
		if r.OwnerID == ownerID {
			result = append(result, r)
		}
	}
	return result
}

func matches(d ledger.Deposit, f ledger.DepositFilter) bool {
	if f.OwnerID != "" && d.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

func sortDeposits(deposits []ledger.Deposit) {
	sort.Slice(deposits, func(i, j int) bool {
		if !deposits[i].CreatedAt.Equal(deposits[j].CreatedAt) {
			return deposits[i].CreatedAt.After(deposits[j].CreatedAt)
		}
		return deposits[i].ID > deposits[j].ID
	})
}

func sortAccounts(accounts []ledger.UserAccount) {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
}
