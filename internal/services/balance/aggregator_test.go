package balance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/events"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func validatedAt(t time.Time) *time.Time { return &t }

func TestCompute_OnlyValidatedAndEffective(t *testing.T) {
	t0 := testNow.Add(-time.Hour)
	txs := []domain.Transaction{
		{ID: "t1", Deposit: decimal.NewFromInt(100), EffectiveAt: t0, ValidatedAt: validatedAt(t0)},
		{ID: "t2", Withdrawal: decimal.NewFromInt(30), EffectiveAt: t0, ValidatedAt: validatedAt(t0)},
		{ID: "t3", Deposit: decimal.NewFromInt(50), EffectiveAt: t0, ValidatedAt: nil},
	}

	require.True(t, Compute(txs, testNow).Equal(decimal.NewFromInt(70)))
}

func TestCompute_FutureDatedExcluded(t *testing.T) {
	txs := []domain.Transaction{
		{ID: "t1", Deposit: decimal.NewFromInt(100), EffectiveAt: testNow.Add(-time.Hour), ValidatedAt: validatedAt(testNow)},
		{ID: "t2", Deposit: decimal.NewFromInt(500), EffectiveAt: testNow.Add(24 * time.Hour), ValidatedAt: validatedAt(testNow)},
	}

	require.True(t, Compute(txs, testNow).Equal(decimal.NewFromInt(100)))
}

func TestCompute_EmptySnapshot(t *testing.T) {
	require.True(t, Compute(nil, testNow).IsZero())
}

func TestApply_RecomputesFromFullSnapshot(t *testing.T) {
	agg := NewAggregator("u1", nil, zap.NewNop(), func() time.Time { return testNow })

	t0 := testNow.Add(-time.Hour)
	agg.Apply([]domain.Transaction{
		{ID: "t1", Deposit: decimal.NewFromInt(100), EffectiveAt: t0, ValidatedAt: validatedAt(t0)},
	})
	require.True(t, agg.Balance().Equal(decimal.NewFromInt(100)))

	// same snapshot replayed: value is a pure function of state, not a delta
	agg.Apply([]domain.Transaction{
		{ID: "t1", Deposit: decimal.NewFromInt(100), EffectiveAt: t0, ValidatedAt: validatedAt(t0)},
	})
	require.True(t, agg.Balance().Equal(decimal.NewFromInt(100)))

	// record disappears from the snapshot: recomputation follows
	agg.Apply(nil)
	require.True(t, agg.Balance().IsZero())
}

func TestApply_PublishesUpdate(t *testing.T) {
	broadcaster := events.NewBroadcaster(4)
	sub := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(sub)

	agg := NewAggregator("u1", broadcaster, zap.NewNop(), func() time.Time { return testNow })
	t0 := testNow.Add(-time.Hour)
	agg.Apply([]domain.Transaction{
		{ID: "t1", Deposit: decimal.NewFromInt(40), EffectiveAt: t0, ValidatedAt: validatedAt(t0)},
	})

	update := <-sub
	require.Equal(t, "u1", update.UserID)
	require.Equal(t, "40", update.Balance)
}

func TestAdmitWithdrawal(t *testing.T) {
	agg := NewAggregator("u1", nil, zap.NewNop(), func() time.Time { return testNow })
	t0 := testNow.Add(-time.Hour)
	agg.Apply([]domain.Transaction{
		{ID: "t1", Deposit: decimal.NewFromInt(20), EffectiveAt: t0, ValidatedAt: validatedAt(t0)},
	})

	require.NoError(t, agg.AdmitWithdrawal(decimal.NewFromInt(20)))

	err := agg.AdmitWithdrawal(decimal.NewFromInt(30))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.ErrorIs(t, agg.AdmitWithdrawal(decimal.Zero), ErrNonPositiveAmount)
	require.ErrorIs(t, agg.AdmitWithdrawal(decimal.NewFromInt(-5)), ErrNonPositiveAmount)
}
