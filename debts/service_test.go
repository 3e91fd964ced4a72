package debts_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/debts"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
)

func newService(t *testing.T) (*debts.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveAccount(context.Background(), ledger.UserAccount{ID: "u1", Balance: ledger.ZeroMoney}))
	return debts.NewService(mem, ledger.NewEngine(mem)), mem
}

func isDebtor(t *testing.T, mem *store.Memory) bool {
	t.Helper()
	acct, err := mem.FindAccount(context.Background(), "u1")
	require.NoError(t, err)
	return acct.IsDebtor
}

func TestCreate_SetsDebtorFlag(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("25"), BankName: "KBank"})
	require.NoError(t, err)
	assert.False(t, d.Paid)
	assert.True(t, isDebtor(t, mem))

	total, err := svc.TotalOutstanding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, total.Equal(ledger.MustMoney("25")))
}

type recordingNotifier struct {
	events   []string
	payloads []any
}

func (r *recordingNotifier) Publish(_ context.Context, event string, payload any) error {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestWrite_PublishesFlagChangeOnlyWhenFlipped(t *testing.T) {
	// GIVEN: A non-debtor owner
	// WHEN: Two debts are added
	// THEN: Only the first flips the flag and publishes debtorFlagChanged

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveAccount(ctx, ledger.UserAccount{ID: "u1", Balance: ledger.ZeroMoney}))
	engine := ledger.NewEngine(mem)
	rec := &recordingNotifier{}
	engine.Notifier = rec
	svc := debts.NewService(mem, engine)

	_, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("10")})
	require.NoError(t, err)
	_, err = svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("5")})
	require.NoError(t, err)

	assert.Equal(t, []string{
		ledger.EventDebtorFlagChanged,
		ledger.EventDebtChanged,
		ledger.EventDebtChanged,
	}, rec.events)
	assert.Equal(t, ledger.DebtorFlagChangedEvent{OwnerID: "u1", IsDebtor: true}, rec.payloads[0])
}

func TestCreate_UnknownOwner(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Create(context.Background(), debts.CreateInput{OwnerID: "ghost", Amount: ledger.MustMoney("1")})
	assert.ErrorIs(t, err, ledger.ErrOwnerNotFound)
}

func TestUpdate_ZeroAmountMarksPaid(t *testing.T) {
	// GIVEN: An outstanding debt
	// WHEN: Its amount is edited to zero
	// THEN: It is paid and the owner is no longer a debtor

	svc, mem := newService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("25")})
	require.NoError(t, err)

	zero := ledger.ZeroMoney
	updated, err := svc.Update(ctx, d.ID, debts.UpdateInput{Amount: &zero})
	require.NoError(t, err)
	assert.True(t, updated.Paid)
	assert.False(t, isDebtor(t, mem))

	// reopening flips the flag back
	more := ledger.MustMoney("5")
	updated, err = svc.Update(ctx, d.ID, debts.UpdateInput{Amount: &more})
	require.NoError(t, err)
	assert.False(t, updated.Paid)
	assert.True(t, isDebtor(t, mem))
}

func TestUpdate_PaidZeroesAmount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("25")})
	require.NoError(t, err)

	paid := true
	updated, err := svc.Update(ctx, d.ID, debts.UpdateInput{Paid: &paid})
	require.NoError(t, err)
	assert.True(t, updated.AmountOwed.IsZero())
}

func TestDelete_ClearsFlag(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("25")})
	require.NoError(t, err)
	require.True(t, isDebtor(t, mem))

	require.NoError(t, svc.Delete(ctx, d.ID))
	assert.False(t, isDebtor(t, mem))

	_, err = svc.Get(ctx, d.ID)
	assert.ErrorIs(t, err, ledger.ErrDebtNotFound)
}

func TestListByOwner_WaterfallOrder(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	newer, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("1"), CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	older, err := svc.Create(ctx, debts.CreateInput{OwnerID: "u1", Amount: ledger.MustMoney("2"), CreatedAt: base})
	require.NoError(t, err)

	list, err := svc.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
}
