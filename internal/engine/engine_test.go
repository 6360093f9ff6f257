package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/config"
	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/store"
	"github.com/finpocket/finpocket/internal/store/sqlite"
	"github.com/finpocket/finpocket/internal/storage/session"
)

type recordingSink struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (s *recordingSink) Notify(_ context.Context, n domain.Notification) {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func testConfig() config.Config {
	return config.Config{
		Collections: config.Collections{
			Quotes:       "quotes",
			Instruments:  "instruments",
			Transactions: "transactions",
			Favorites:    "favorites",
		},
		PersistMaxRetries:      1,
		PersistInitialInterval: time.Millisecond,
		BroadcastBuffer:        4,
	}
}

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *recordingSink) {
	t.Helper()

	st, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	require.NoError(t, sess.Set(session.UserIDKey, "u1"))

	sink := &recordingSink{}
	eng := New(testConfig(), st, sess, sink, nil, zap.NewNop())
	t.Cleanup(eng.Close)
	return eng, st, sink
}

func seedReferenceData(t *testing.T, st *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Create(ctx, "instruments", "btc", map[string]any{"display_name": "Bitcoin"})
	require.NoError(t, err)
	_, err = st.Create(ctx, "quotes", "q1", map[string]any{
		"instrument_id": "btc", "value": 100, "observed_at": "2025-03-01T10:00:00Z",
	})
	require.NoError(t, err)
}

func TestOpen_RequiresSession(t *testing.T) {
	st, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	sess, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer sess.Close()

	eng := New(testConfig(), st, sess, nil, nil, zap.NewNop())
	require.ErrorIs(t, eng.Open(context.Background()), ErrNoSession)
}

func TestQuoteProjectionFollowsFeed(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	seedReferenceData(t, st)
	require.NoError(t, eng.Open(context.Background()))

	require.Eventually(t, func() bool {
		views := eng.LatestQuotes()
		return len(views) == 1 && views[0].Value.Equal(decimal.NewFromInt(100))
	}, time.Second, 10*time.Millisecond)

	// a newer observation supersedes the projection
	_, err := st.Create(context.Background(), "quotes", "q2", map[string]any{
		"instrument_id": "btc", "value": 105, "observed_at": "2025-03-01T10:05:00Z",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		views := eng.LatestQuotes()
		return len(views) == 1 && views[0].Value.Equal(decimal.NewFromInt(105))
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "Bitcoin", eng.LatestQuotes()[0].DisplayName)
}

func TestBalanceAndNotificationLifecycle(t *testing.T) {
	eng, st, sink := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))
	ctx := context.Background()

	txID, err := eng.SubmitTransaction(ctx, domain.KindDeposit, decimal.NewFromInt(100))
	require.NoError(t, err)

	// pending transactions never affect the balance
	time.Sleep(50 * time.Millisecond)
	require.True(t, eng.Balance().IsZero())
	require.Zero(t, sink.count())

	// the validation authority approves the transaction
	require.NoError(t, st.Update(ctx, "transactions", txID, map[string]any{
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	}))

	require.Eventually(t, func() bool {
		return eng.Balance().Equal(decimal.NewFromInt(100))
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Len(t, eng.Notifications(), 1)

	// the delivered flag reached the store
	require.Eventually(t, func() bool {
		doc, ok, err := st.Get(ctx, "transactions", txID)
		if err != nil || !ok {
			return false
		}
		delivered, _ := doc.Fields["notification_delivered"].(bool)
		return delivered
	}, time.Second, 10*time.Millisecond)

	// a replayed change event produces no duplicate notification
	require.NoError(t, st.Update(ctx, "transactions", txID, map[string]any{
		"deposit": "100",
	}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, sink.count())
	require.Len(t, eng.Notifications(), 1)
}

func TestWithdrawalAdmissionControl(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))
	ctx := context.Background()

	txID, err := eng.SubmitTransaction(ctx, domain.KindDeposit, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, "transactions", txID, map[string]any{
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	}))
	require.Eventually(t, func() bool {
		return eng.Balance().Equal(decimal.NewFromInt(20))
	}, time.Second, 10*time.Millisecond)

	// overdraft is rejected before any store write
	before, err := st.Query(ctx, "transactions")
	require.NoError(t, err)
	_, err = eng.SubmitTransaction(ctx, domain.KindWithdrawal, decimal.NewFromInt(30))
	require.Error(t, err)
	after, err := st.Query(ctx, "transactions")
	require.NoError(t, err)
	require.Len(t, after, len(before), "rejected withdrawal must never reach the store")

	// a covered withdrawal is admitted
	wdID, err := eng.SubmitTransaction(ctx, domain.KindWithdrawal, decimal.NewFromInt(15))
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, "transactions", wdID, map[string]any{
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	}))
	require.Eventually(t, func() bool {
		return eng.Balance().Equal(decimal.NewFromInt(5))
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitTransaction_RejectsNonPositiveAmount(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))

	_, err := eng.SubmitTransaction(context.Background(), domain.KindDeposit, decimal.Zero)
	require.Error(t, err)
	_, err = eng.SubmitTransaction(context.Background(), domain.KindDeposit, decimal.NewFromInt(-1))
	require.Error(t, err)
}

func TestToggleFavoriteRoundTrip(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))
	ctx := context.Background()

	require.Empty(t, eng.Favorites())

	nowFavorite, err := eng.ToggleFavorite(ctx, "btc")
	require.NoError(t, err)
	require.True(t, nowFavorite)
	require.Equal(t, []string{"btc"}, eng.Favorites())
	require.True(t, eng.IsFavorite("btc"))

	nowFavorite, err = eng.ToggleFavorite(ctx, "btc")
	require.NoError(t, err)
	require.False(t, nowFavorite)
	require.Empty(t, eng.Favorites())
}

func TestClose_Idempotent(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))

	eng.Close()
	require.NotPanics(t, eng.Close)

	_, err := eng.SubmitTransaction(context.Background(), domain.KindDeposit, decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = eng.ToggleFavorite(context.Background(), "btc")
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestMalformedTransactionSkipped(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))
	ctx := context.Background()

	// malformed record: unparseable timestamp
	_, err := st.Create(ctx, "transactions", "bad", map[string]any{
		"user_id": "u1", "deposit": "50", "effective_at": "garbage",
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	_, err = st.Create(ctx, "transactions", "good", map[string]any{
		"user_id": "u1", "deposit": "70", "effective_at": "2025-03-01T10:00:00Z",
		"validated_at": "2025-03-01T11:00:00Z",
	})
	require.NoError(t, err)

	// the rest of the batch still applies
	require.Eventually(t, func() bool {
		return eng.Balance().Equal(decimal.NewFromInt(70))
	}, time.Second, 10*time.Millisecond)
	require.Len(t, eng.Transactions(), 1)
}

func TestBalanceUpdatesBroadcast(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	require.NoError(t, eng.Open(context.Background()))
	ctx := context.Background()

	updates := eng.BalanceUpdates()
	defer eng.UnsubscribeBalanceUpdates(updates)

	txID, err := eng.SubmitTransaction(ctx, domain.KindDeposit, decimal.NewFromInt(40))
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, "transactions", txID, map[string]any{
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	}))

	deadline := time.After(time.Second)
	for {
		select {
		case u := <-updates:
			if u.Balance == "40" {
				return
			}
		case <-deadline:
			t.Fatal("no balance update with the recomputed value")
		}
	}
}

var _ store.Store = (*sqlite.Store)(nil)
