// Package notifier tracks which validated transactions have already been
// announced and guarantees at-most-one terminal delivery per transaction.
package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/Rhymond/go-money"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/store"
	"github.com/finpocket/finpocket/pkg/retrier"
)

// AlertSink produces a user-visible alert plus an audio cue. Fire-and-forget;
// the machine requires no acknowledgment.
type AlertSink interface {
	Notify(ctx context.Context, n domain.Notification)
}

// StateMachine drives each transaction through
// Pending -> ValidatedUnnotified -> ValidatedNotified.
//
// The terminal transition fires the first time a snapshot reveals a non-nil
// ValidatedAt for a transaction not yet announced: the notification is
// appended to the display log, the alert sink fires, and the delivered flag
// is persisted back to the store so re-subscription does not re-deliver.
//
// Replays of the same change event are no-ops once either the local
// delivered set or the remote flag records the transaction. If the remote
// persist has not been confirmed yet, delivery is at-least-once by design:
// a crash before the persist may repeat the alert on the next session, but
// the final state flips at most once.
type StateMachine struct {
	store      store.Store
	collection string
	sink       AlertSink
	retry      *retrier.Retrier
	logger     *zap.Logger

	wg sync.WaitGroup

	mu             sync.RWMutex
	announced      map[string]struct{}
	confirmed      map[string]struct{}
	pendingPersist map[string]struct{}
	inflight       map[string]struct{}
	log            []domain.Notification
}

// New creates a state machine persisting delivered flags into the given
// collection. A nil retrier disables backoff and persists are attempted once
// per observation.
func New(st store.Store, collection string, sink AlertSink, retry *retrier.Retrier, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		store:          st,
		collection:     collection,
		sink:           sink,
		retry:          retry,
		logger:         logger,
		announced:      make(map[string]struct{}),
		confirmed:      make(map[string]struct{}),
		pendingPersist: make(map[string]struct{}),
		inflight:       make(map[string]struct{}),
	}
}

// Observe processes a full transaction snapshot, announcing every newly
// validated transaction exactly once and retrying previously failed flag
// persists. Flag persists run on their own goroutines so a slow or
// unreachable store never stalls the caller's snapshot processing.
func (m *StateMachine) Observe(ctx context.Context, txs []domain.Transaction) {
	for _, tx := range txs {
		if !tx.Validated() {
			continue
		}

		m.mu.Lock()
		if tx.NotificationDelivered {
			// remote flag is authoritative
			m.announced[tx.ID] = struct{}{}
			m.confirmed[tx.ID] = struct{}{}
			delete(m.pendingPersist, tx.ID)
			m.mu.Unlock()
			continue
		}

		if _, seen := m.announced[tx.ID]; seen {
			_, retryPersist := m.pendingPersist[tx.ID]
			m.mu.Unlock()
			if retryPersist {
				m.startPersist(ctx, tx.ID)
			}
			continue
		}

		notification := buildNotification(tx)
		m.announced[tx.ID] = struct{}{}
		m.log = append(m.log, notification)
		m.mu.Unlock()

		m.logger.Info("transaction validated, delivering notification",
			zap.String("transaction_id", tx.ID),
			zap.String("amount", tx.Amount().String()))

		if m.sink != nil {
			m.sink.Notify(ctx, notification)
		}

		m.startPersist(ctx, tx.ID)
	}
}

// startPersist launches the flag persist for a transaction unless one is
// already in flight for it.
func (m *StateMachine) startPersist(ctx context.Context, txID string) {
	m.mu.Lock()
	if _, busy := m.inflight[txID]; busy {
		m.mu.Unlock()
		return
	}
	m.inflight[txID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.persistDelivered(ctx, txID)
	}()
}

// persistDelivered writes notification_delivered=true back to the store.
// Failures are remembered so a later observation retries.
func (m *StateMachine) persistDelivered(ctx context.Context, txID string) {
	persist := func(ctx context.Context) error {
		return m.store.Update(ctx, m.collection, txID, map[string]any{
			"notification_delivered": true,
		})
	}

	var err error
	if m.retry != nil {
		err = m.retry.Do(ctx, persist)
	} else {
		err = persist(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, txID)
	if err != nil {
		m.pendingPersist[txID] = struct{}{}
		m.logger.Warn("failed to persist delivered flag, will retry on next snapshot",
			zap.String("transaction_id", txID),
			zap.Error(errors.Wrap(err, "update transaction")))
		return
	}
	delete(m.pendingPersist, txID)
	m.confirmed[txID] = struct{}{}
}

// Wait blocks until every in-flight flag persist has settled.
func (m *StateMachine) Wait() {
	m.wg.Wait()
}

// Log returns a snapshot of the display log in delivery order.
func (m *StateMachine) Log() []domain.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Notification, len(m.log))
	copy(out, m.log)
	return out
}

// Confirmed reports whether the remote delivered flag is known to be set.
func (m *StateMachine) Confirmed(txID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.confirmed[txID]
	return ok
}

func buildNotification(tx domain.Transaction) domain.Notification {
	kind := "Deposit"
	amount := tx.Deposit
	if tx.Withdrawal.IsPositive() {
		kind = "Withdrawal"
		amount = tx.Withdrawal
	}

	cents := amount.Shift(2).Round(0).IntPart()
	formatted := money.New(cents, money.EUR).Display()

	return domain.Notification{
		Title: "Transaction validated",
		Body:  fmt.Sprintf("%s of %s effective %s has been approved.", kind, formatted, tx.EffectiveAt.Format("2006-01-02")),
	}
}
