package deposits_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/deposits"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type recorder struct {
	events []string
}

func (r *recorder) Publish(_ context.Context, event string, _ any) error {
	r.events = append(r.events, event)
	return nil
}

func newService(t *testing.T) (*deposits.Service, *store.Memory, *recorder) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveAccount(ctx, ledger.UserAccount{ID: "u1", Balance: ledger.ZeroMoney, IsDebtor: true}))
	require.NoError(t, mem.SaveDebt(ctx, ledger.Debt{
		ID: "d1", OwnerID: "u1", AmountOwed: ledger.MustMoney("40"),
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	engine := ledger.NewEngine(mem)
	rec := &recorder{}
	engine.Notifier = rec
	return deposits.NewService(mem, engine), mem, rec
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_Pending_DoesNotSettle(t *testing.T) {
	svc, mem, rec := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("100")})
	require.NoError(t, err)

	assert.Equal(t, ledger.DepositPending, res.Deposit.Status)
	assert.Nil(t, res.Settlement)
	assert.Equal(t, []string{ledger.EventDepositCreated}, rec.events)

	acct, err := mem.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestCreate_Approved_SettlesImmediately(t *testing.T) {
	// GIVEN: Owner owes 40
	// WHEN: A deposit of 100 is created already APPROVED
	// THEN: Debt paid, 60 credited, deposit stored as APPROVED

	svc, mem, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{
		OwnerID: "u1", Sum: ledger.MustMoney("100"), Status: ledger.DepositApproved,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, ledger.StatusSettled, res.Settlement.Status)
	assert.Equal(t, ledger.DepositApproved, res.Deposit.Status)
	assert.NotNil(t, res.Deposit.SettledAt)

	acct, err := mem.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(ledger.MustMoney("60")))
	assert.False(t, acct.IsDebtor)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.ZeroMoney})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Create(ctx, deposits.CreateInput{OwnerID: "ghost", Sum: ledger.MustMoney("1")})
	assert.ErrorIs(t, err, ledger.ErrOwnerNotFound)

	_, err = svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("1"), Status: "LOST"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

// =============================================================================
// UPDATE / APPROVE / REJECT
// =============================================================================

func TestApprove_SettlesOnce(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("50")})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, res.Deposit.ID)
	require.NoError(t, err)
	require.NotNil(t, approved.Settlement)
	assert.Equal(t, ledger.StatusSettled, approved.Settlement.Status)

	// Re-approving is a no-op
	again, err := svc.Approve(ctx, res.Deposit.ID)
	require.NoError(t, err)
	assert.Nil(t, again.Settlement)

	acct, err := mem.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(ledger.MustMoney("10")))
}

func TestUpdate_PendingSumChange_UsedBySettlement(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("50")})
	require.NoError(t, err)

	_, err = svc.Update(ctx, res.Deposit.ID, deposits.UpdateInput{
		Sum:    ptr(ledger.MustMoney("45")),
		Status: ptr(ledger.DepositApproved),
	})
	require.NoError(t, err)

	acct, err := mem.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(ledger.MustMoney("5")))
}

func TestUpdate_SettledDepositIsFrozen(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("50"), Status: ledger.DepositApproved})
	require.NoError(t, err)
	id := res.Deposit.ID

	_, err = svc.Update(ctx, id, deposits.UpdateInput{Sum: ptr(ledger.MustMoney("70"))})
	assert.ErrorIs(t, err, ledger.ErrDepositSettled)

	_, err = svc.Reject(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrDepositSettled)

	err = svc.Delete(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrDepositSettled)

	// metadata stays editable
	updated, err := svc.Update(ctx, id, deposits.UpdateInput{BankName: ptr("SCB")})
	require.NoError(t, err)
	assert.Equal(t, "SCB", updated.Deposit.BankName)
	assert.Nil(t, updated.Settlement)
}

func TestReject_ThenApprove_IsInvalid(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("50")})
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, res.Deposit.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DepositRejected, rejected.Deposit.Status)

	_, err = svc.Approve(ctx, res.Deposit.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	records, err := mem.RecordsByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

// =============================================================================
// DELETE / READS
// =============================================================================

func TestDelete_Pending(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("50")})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, res.Deposit.ID))
	_, err = svc.Get(ctx, res.Deposit.ID)
	assert.ErrorIs(t, err, ledger.ErrDepositNotFound)
	assert.Contains(t, rec.events, ledger.EventDepositDeleted)
}

func TestListAndTotalApproved(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("10"), Status: ledger.DepositApproved})
	require.NoError(t, err)
	_, err = svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("15.5"), Status: ledger.DepositApproved})
	require.NoError(t, err)
	_, err = svc.Create(ctx, deposits.CreateInput{OwnerID: "u1", Sum: ledger.MustMoney("99")})
	require.NoError(t, err)

	pending, err := svc.List(ctx, ledger.DepositFilter{OwnerID: "u1", Status: ledger.DepositPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	total, err := svc.TotalApproved(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, total.Equal(ledger.MustMoney("25.5")))

	_, err = svc.List(ctx, ledger.DepositFilter{Status: "nope"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}
