package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
	"github.com/warp/settlement-engine/lock"
)

func newLocker(t *testing.T, opts lock.Options) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return lock.NewRedisLocker(rdb, opts), mr
}

func TestRedisLocker_SameOwnerConflicts(t *testing.T) {
	// GIVEN: Owner u1 is locked
	// WHEN: Another caller tries u1 with a small retry budget
	// THEN: ErrConcurrencyConflict; a different owner is unaffected

	locker, _ := newLocker(t, lock.Options{Retries: 2, Backoff: 5 * time.Millisecond})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "u1")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	unlockOther, err := locker.Lock(ctx, "u2")
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlockAgain, err := locker.Lock(ctx, "u1")
	require.NoError(t, err)
	unlockAgain()
}

func TestRedisLocker_RefreshesWhileHeld(t *testing.T) {
	// GIVEN: u1 is locked with a 200ms TTL
	// WHEN: Most of the TTL elapses while the holder is still working
	// THEN: The lock is extended back to the full TTL, and gone after unlock

	locker, mr := newLocker(t, lock.Options{TTL: 200 * time.Millisecond, Retries: 1})
	const key = "settle:owner:u1"

	unlock, err := locker.Lock(context.Background(), "u1")
	require.NoError(t, err)

	mr.FastForward(150 * time.Millisecond)
	require.True(t, mr.Exists(key))

	assert.Eventually(t, func() bool {
		return mr.TTL(key) > 100*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	unlock()
	unlock()
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_LostLockStopsRefreshing(t *testing.T) {
	// GIVEN: u1 is locked, then its key is taken over by someone else
	// WHEN: The refresh runs
	// THEN: The foreign key is left alone and unlock does not delete it

	locker, mr := newLocker(t, lock.Options{TTL: 100 * time.Millisecond, Retries: 1})
	const key = "settle:owner:u1"

	unlock, err := locker.Lock(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, mr.Set(key, "other-holder"))
	time.Sleep(150 * time.Millisecond)

	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got)
}

func TestRedisLocker_SerializesSettlements(t *testing.T) {
	locker, _ := newLocker(t, lock.Options{Retries: 200, Backoff: 5 * time.Millisecond})
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.SaveAccount(ctx, ledger.UserAccount{ID: "u1", Balance: ledger.ZeroMoney}))
	require.NoError(t, mem.SaveDebt(ctx, ledger.Debt{ID: "d1", OwnerID: "u1", AmountOwed: ledger.MustMoney("50")}))
	for _, id := range []ledger.DepositID{"a", "b", "c"} {
		require.NoError(t, mem.SaveDeposit(ctx, ledger.Deposit{
			ID: id, OwnerID: "u1", Sum: ledger.MustMoney("20"), Status: ledger.DepositPending,
		}))
	}

	engine := ledger.NewEngine(mem)
	engine.Locker = locker

	var wg sync.WaitGroup
	for _, id := range []ledger.DepositID{"a", "b", "c"} {
		wg.Add(1)
		go func(id ledger.DepositID) {
			defer wg.Done()
			_, err := engine.Settle(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	acct, err := mem.FindAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(ledger.MustMoney("10")))
	d, err := mem.GetDebt(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Paid)
}
