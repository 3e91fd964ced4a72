package ledger_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

func money(s string) ledger.Money { return ledger.MustMoney(s) }

func debt(id string, amount string, createdOffset time.Duration) ledger.Debt {
	return ledger.Debt{
		ID:         ledger.DebtID(id),
		OwnerID:    "owner-1",
		AmountOwed: money(amount),
		CreatedAt:  t0.Add(createdOffset),
	}
}

// =============================================================================
// WATERFALL
// =============================================================================

func TestAllocate_OldestFirst_SecondPartial(t *testing.T) {
	// GIVEN: Debts of 100 (older) and 50
	// WHEN: 120 is allocated
	// THEN: The first is paid, the second drops to 30, nothing is left over

	debts := []ledger.Debt{
		debt("d1", "100", 0),
		debt("d2", "50", time.Hour),
	}

	plan := ledger.Allocate(debts, money("120"))

	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, ledger.DebtID("d1"), plan.Allocations[0].DebtID)
	assert.True(t, plan.Allocations[0].Applied.Equal(money("100")))
	assert.True(t, plan.Allocations[0].NewRemaining.IsZero())
	assert.True(t, plan.Allocations[0].BecomesPaid)

	assert.Equal(t, ledger.DebtID("d2"), plan.Allocations[1].DebtID)
	assert.True(t, plan.Allocations[1].Applied.Equal(money("20")))
	assert.True(t, plan.Allocations[1].NewRemaining.Equal(money("30")))
	assert.False(t, plan.Allocations[1].BecomesPaid)

	assert.True(t, plan.Leftover.IsZero())
	assert.True(t, plan.Conserves())
	assert.Equal(t, 1, plan.PaidCount())
}

func TestAllocate_StopsWhenExhausted(t *testing.T) {
	// GIVEN: Two debts of 100
	// WHEN: 50 is allocated
	// THEN: Only the oldest is touched, the second is left alone

	debts := []ledger.Debt{
		debt("d1", "100", 0),
		debt("d2", "100", time.Hour),
	}

	plan := ledger.Allocate(debts, money("50"))

	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, ledger.DebtID("d1"), plan.Allocations[0].DebtID)
	assert.True(t, plan.Allocations[0].NewRemaining.Equal(money("50")))
	assert.True(t, plan.Leftover.IsZero())
}

func TestAllocate_Surplus_BecomesLeftover(t *testing.T) {
	debts := []ledger.Debt{debt("d1", "30", 0)}

	plan := ledger.Allocate(debts, money("100"))

	require.Len(t, plan.Allocations, 1)
	assert.True(t, plan.Allocations[0].BecomesPaid)
	assert.True(t, plan.Leftover.Equal(money("70")))
	assert.True(t, plan.Applied().Equal(money("30")))
}

func TestAllocate_NoDebts_AllLeftover(t *testing.T) {
	plan := ledger.Allocate(nil, money("75.25"))

	assert.Empty(t, plan.Allocations)
	assert.True(t, plan.Leftover.Equal(money("75.25")))
	assert.True(t, plan.Conserves())
}

func TestAllocate_ExactPayoff(t *testing.T) {
	debts := []ledger.Debt{debt("d1", "40", 0), debt("d2", "60", time.Minute)}

	plan := ledger.Allocate(debts, money("100"))

	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, 2, plan.PaidCount())
	assert.True(t, plan.Leftover.IsZero())
}

func TestAllocate_DecimalPrecision(t *testing.T) {
	// 0.1 + 0.2 must be exact
	debts := []ledger.Debt{debt("d1", "0.1", 0), debt("d2", "0.2", time.Minute)}

	plan := ledger.Allocate(debts, money("0.3"))

	assert.Equal(t, 2, plan.PaidCount())
	assert.True(t, plan.Leftover.IsZero())
}

// =============================================================================
// ORDERING
// =============================================================================

func TestAllocate_SortsInput(t *testing.T) {
	// GIVEN: Debts passed newest first
	// THEN: The oldest is still paid first

	debts := []ledger.Debt{
		debt("new", "100", 2*time.Hour),
		debt("old", "100", 0),
	}

	plan := ledger.Allocate(debts, money("60"))

	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, ledger.DebtID("old"), plan.Allocations[0].DebtID)
	// input untouched
	assert.Equal(t, ledger.DebtID("new"), debts[0].ID)
}

func TestAllocate_TieBrokenByID(t *testing.T) {
	debts := []ledger.Debt{
		debt("b", "10", 0),
		debt("a", "10", 0),
	}

	plan := ledger.Allocate(debts, money("10"))

	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, ledger.DebtID("a"), plan.Allocations[0].DebtID)
}

func TestAllocate_Deterministic(t *testing.T) {
	debts := []ledger.Debt{
		debt("d3", "5", time.Hour),
		debt("d1", "7", 0),
		debt("d2", "9", 0),
	}

	first := ledger.Allocate(debts, money("13"))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ledger.Allocate(debts, money("13")))
	}
}

// =============================================================================
// AUTO-CLEAR
// =============================================================================

func TestAllocate_NonPositiveDebt_AutoCleared(t *testing.T) {
	// GIVEN: A legacy debt row holding zero and one holding a negative value
	// THEN: Both are marked paid without consuming the deposit

	negative := debt("neg", "0", 0)
	negative.AmountOwed = ledger.MoneyFromStorage(decimal.NewFromInt(-5))
	debts := []ledger.Debt{
		negative,
		debt("zero", "0", time.Minute),
		debt("real", "20", time.Hour),
	}

	plan := ledger.Allocate(debts, money("50"))

	require.Len(t, plan.Allocations, 3)
	assert.True(t, plan.Allocations[0].AutoCleared)
	assert.True(t, plan.Allocations[0].Applied.IsZero())
	assert.True(t, plan.Allocations[1].AutoCleared)
	assert.False(t, plan.Allocations[2].AutoCleared)
	assert.True(t, plan.Leftover.Equal(money("30")))
	assert.Equal(t, 1, plan.PaidCount())
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAllocate_Properties_Random(t *testing.T) {
	// For random inputs:
	//   - applied + leftover == deposit
	//   - every applied <= the debt's amount owed
	//   - at most one debt is left partially paid, and it is the last touched
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(6)
		debts := make([]ledger.Debt, 0, n)
		owed := make(map[ledger.DebtID]ledger.Money, n)
		for i := 0; i < n; i++ {
			amount := decimal.New(int64(rng.Intn(20000)+1), -2)
			d := ledger.Debt{
				ID:         ledger.DebtID(fmt.Sprintf("d%02d", i)),
				OwnerID:    "owner-1",
				AmountOwed: ledger.MoneyFromStorage(amount),
				CreatedAt:  t0.Add(time.Duration(rng.Intn(5)) * time.Hour),
			}
			debts = append(debts, d)
			owed[d.ID] = d.AmountOwed
		}
		deposit := ledger.MoneyFromStorage(decimal.New(int64(rng.Intn(50000)+1), -2))

		plan := ledger.Allocate(debts, deposit)

		require.True(t, plan.Conserves(), "iteration %d", iter)
		assert.False(t, plan.Leftover.IsNegative())

		partial := 0
		for i, a := range plan.Allocations {
			assert.False(t, a.Applied.GreaterThan(owed[a.DebtID]))
			if !a.BecomesPaid {
				partial++
				assert.Equal(t, len(plan.Allocations)-1, i, "partial debt must be last")
				assert.True(t, plan.Leftover.IsZero())
			}
		}
		assert.LessOrEqual(t, partial, 1)

		if plan.Leftover.IsPositive() {
			assert.Len(t, plan.Allocations, n, "leftover means every debt was paid")
		}
	}
}

// =============================================================================
// MONEY
// =============================================================================

func TestMoney_RejectsNegative(t *testing.T) {
	_, err := ledger.ParseMoney("-1")
	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)

	_, err = money("5").Sub(money("6"))
	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
}

func TestMoney_RejectsSubCentScale(t *testing.T) {
	// GIVEN: Amounts are stored as NUMERIC(20,2) and printed with two places
	// WHEN: A value finer than a cent is built
	// THEN: It is rejected instead of being truncated later

	_, err := ledger.ParseMoney("0.004")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = ledger.NewMoney(decimal.RequireFromString("10.125"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	var m ledger.Money
	assert.ErrorIs(t, m.UnmarshalJSON([]byte(`"0.004"`)), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, m.UnmarshalJSON([]byte(`1.001`)), ledger.ErrInvalidAmount)

	// trailing zeros are not extra precision
	for _, s := range []string{"1.50", "1.500", "7", "0.01"} {
		_, err := ledger.ParseMoney(s)
		assert.NoError(t, err, s)
	}
}

func TestMoney_JSON(t *testing.T) {
	b, err := money("12.5").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"12.50"`, string(b))

	var m ledger.Money
	require.NoError(t, m.UnmarshalJSON([]byte(`"7.25"`)))
	assert.True(t, m.Equal(money("7.25")))

	require.NoError(t, m.UnmarshalJSON([]byte(`3`)))
	assert.True(t, m.Equal(money("3")))

	assert.Error(t, m.UnmarshalJSON([]byte(`"-3"`)))
}
