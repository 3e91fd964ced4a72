package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, ledger.UserAccount{
		ID: "u1", Balance: ledger.MustMoney("0"), IsDebtor: true,
	}))
	require.NoError(t, store.SaveDebt(ctx, ledger.Debt{
		ID: "d2", OwnerID: "u1", AmountOwed: ledger.MustMoney("50"),
		BankName: "KBank", CreatedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, store.SaveDebt(ctx, ledger.Debt{
		ID: "d1", OwnerID: "u1", AmountOwed: ledger.MustMoney("100"),
		AccountHolder: "A. Owner", CreatedAt: t0,
	}))
}

// =============================================================================
// REPOSITORY
// =============================================================================

func TestStore_FindUnpaidOrdered(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	debts, err := store.FindUnpaidOrdered(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, debts, 2)
	assert.Equal(t, ledger.DebtID("d1"), debts[0].ID)
	assert.Equal(t, "A. Owner", debts[0].AccountHolder)
	assert.Equal(t, ledger.DebtID("d2"), debts[1].ID)
	assert.Equal(t, "KBank", debts[1].BankName)
	assert.True(t, debts[0].AmountOwed.Equal(ledger.MustMoney("100")))

	outstanding, err := store.HasOutstanding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, outstanding)
}

func TestStore_FindAccount_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.FindAccount(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrOwnerNotFound)
}

func TestStore_AppendRecord_DuplicateKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := ledger.TransactionRecord{
		ID: "r1", OwnerID: "u1", Kind: ledger.KindDeposit,
		Amount: ledger.MustMoney("10"), Status: ledger.RecordCompleted,
		IdempotencyKey: "deposit:x:credit",
		Metadata:       map[string]string{"deposit_id": "x"},
		CreatedAt:      t0,
	}
	require.NoError(t, store.AppendRecord(ctx, rec))

	rec.ID = "r2"
	err := store.AppendRecord(ctx, rec)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	records, err := store.RecordsByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "x", records[0].Metadata["deposit_id"])
	assert.True(t, records[0].CreatedAt.Equal(t0))
}

func TestStore_ListDeposits_Filter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []ledger.DepositStatus{ledger.DepositPending, ledger.DepositApproved, ledger.DepositPending} {
		require.NoError(t, store.SaveDeposit(ctx, ledger.Deposit{
			ID:        ledger.DepositID([]string{"a", "b", "c"}[i]),
			OwnerID:   "u1",
			Sum:       ledger.MustMoney("1"),
			Status:    status,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	pending, err := store.ListDeposits(ctx, ledger.DepositFilter{OwnerID: "u1", Status: ledger.DepositPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ledger.DepositID("c"), pending[0].ID, "newest first")

	all, err := store.ListDeposits(ctx, ledger.DepositFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_WithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, "u1", func(repo ledger.Repository) error {
		acct, err := repo.FindAccount(ctx, "u1")
		require.NoError(t, err)
		_, err = acct.Credit(ledger.MustMoney("99"))
		require.NoError(t, err)
		require.NoError(t, repo.SaveAccount(ctx, *acct))

		// visible inside the transaction
		again, err := repo.FindAccount(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, again.Balance.Equal(ledger.MustMoney("99")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := store.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

// =============================================================================
// END TO END
// =============================================================================

func TestStore_SettlementEndToEnd(t *testing.T) {
	// GIVEN: Debts 100 and 50, deposit 200
	// WHEN: Settled twice through the engine
	// THEN: Debts paid, 50 credited, second call skipped

	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.SaveDeposit(ctx, ledger.Deposit{
		ID: "dep-1", OwnerID: "u1", Sum: ledger.MustMoney("200"),
		Status: ledger.DepositPending, CreatedAt: t0,
	}))

	engine := ledger.NewEngine(store)
	res, err := engine.Settle(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, res.Status)

	acct, err := store.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(ledger.MustMoney("50")))
	assert.False(t, acct.IsDebtor)

	unpaid, err := store.FindUnpaidOrdered(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	dep, err := store.GetDeposit(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.DepositApproved, dep.Status)
	require.NotNil(t, dep.SettledAt)

	records, err := store.RecordsByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.NoError(t, ledger.CheckConservation(records, ledger.MustMoney("200")))

	res, err = engine.Settle(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSkipped, res.Status)

	records, err = store.RecordsByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
