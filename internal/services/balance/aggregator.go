// Package balance folds transaction snapshots into a single cached account
// balance.
package balance

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/events"
)

// ErrInsufficientFunds is returned by admission control when a withdrawal
// exceeds the current balance.
var ErrInsufficientFunds = errors.New("withdrawal exceeds current balance")

// ErrNonPositiveAmount is returned when a submitted amount is zero or negative.
var ErrNonPositiveAmount = errors.New("amount must be greater than zero")

// Aggregator owns the cached balance view for a single user. Only the
// engine's dispatch path calls Apply; consumers read snapshots via Balance.
//
// Every snapshot triggers a total recomputation rather than a delta apply:
// the balance stays a pure function of the current record set no matter the
// order prior delta events arrived in.
type Aggregator struct {
	userID      string
	broadcaster *events.Broadcaster
	logger      *zap.Logger
	clock       func() time.Time

	mu      sync.RWMutex
	balance decimal.Decimal
}

// NewAggregator creates an aggregator for the given user. The broadcaster is
// optional; a nil clock defaults to time.Now.
func NewAggregator(userID string, broadcaster *events.Broadcaster, logger *zap.Logger, clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		userID:      userID,
		broadcaster: broadcaster,
		logger:      logger.With(zap.String("user_id", userID)),
		clock:       clock,
	}
}

// Compute returns the balance over exactly the transactions that are both
// validated and effective at the reference instant.
func Compute(txs []domain.Transaction, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if !tx.Validated() || !tx.Effective(now) {
			continue
		}
		total = total.Add(tx.Amount())
	}
	return total
}

// Apply recomputes the cached balance from the full visible snapshot and
// publishes the new value.
func (a *Aggregator) Apply(txs []domain.Transaction) {
	now := a.clock()
	total := Compute(txs, now)

	a.mu.Lock()
	changed := !total.Equal(a.balance)
	a.balance = total
	a.mu.Unlock()

	if changed {
		a.logger.Info("balance recomputed",
			zap.String("balance", total.String()),
			zap.Int("snapshot_size", len(txs)))
	}

	if a.broadcaster != nil {
		a.broadcaster.Publish(events.BalanceUpdate{
			Timestamp: now,
			UserID:    a.userID,
			Balance:   total.String(),
		})
	}
}

// Balance returns the cached balance.
func (a *Aggregator) Balance() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance
}

// AdmitWithdrawal is the client-side admission check for a new withdrawal.
// It must pass before any store write is attempted.
func (a *Aggregator) AdmitWithdrawal(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}

	a.mu.RLock()
	current := a.balance
	a.mu.RUnlock()

	if amount.GreaterThan(current) {
		return errors.Wrapf(ErrInsufficientFunds, "requested %s, balance %s", amount, current)
	}
	return nil
}
