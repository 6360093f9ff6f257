// Package engine wires the change-feed subscriptions to the derived-state
// components and owns their lifecycle.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/config"
	"github.com/finpocket/finpocket/internal/clients"
	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/events"
	"github.com/finpocket/finpocket/internal/services/balance"
	"github.com/finpocket/finpocket/internal/services/favorites"
	"github.com/finpocket/finpocket/internal/services/notifier"
	"github.com/finpocket/finpocket/internal/services/projector"
	"github.com/finpocket/finpocket/internal/store"
	"github.com/finpocket/finpocket/internal/storage/session"
	"github.com/finpocket/finpocket/pkg/retrier"
)

var (
	// ErrNoSession is returned by Open when no user identity is cached.
	ErrNoSession = errors.New("no user session in local cache")
	// ErrNotOpen is returned by operations requiring an active subscription.
	ErrNotOpen = errors.New("engine is not open")
)

const feedBuffer = 32

// feedEvent carries one subscription snapshot through the internal channel
// to the single dispatch loop.
type feedEvent struct {
	collection string
	snapshot   store.Snapshot
}

// Engine consumes the store change feed and maintains the cached views:
// latest quote per instrument, the account balance, the notification display
// log and the favorites set. Views are mutated only on the dispatch path;
// consumers read snapshots.
type Engine struct {
	cfg       config.Config
	store     store.Store
	session   *session.Store
	sink      notifier.AlertSink
	registrar clients.TokenRegistrar
	logger    *zap.Logger
	clock     func() time.Time

	broadcaster *events.Broadcaster
	aggregator  *balance.Aggregator
	machine     *notifier.StateMachine
	favorites   *favorites.Coordinator

	userID   string
	feed     chan feedEvent
	quit     chan struct{}
	loopDone chan struct{}
	subs     []store.Subscription

	mu     sync.RWMutex
	opened bool

	viewMu      sync.RWMutex
	quotes      map[string]domain.Quote
	instruments map[string]domain.Instrument
	txs         []domain.Transaction
}

// New creates an engine. The registrar is optional; a nil clock defaults to
// time.Now.
func New(cfg config.Config, st store.Store, sess *session.Store, sink notifier.AlertSink, registrar clients.TokenRegistrar, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		session:     sess,
		sink:        sink,
		registrar:   registrar,
		logger:      logger,
		clock:       time.Now,
		quotes:      make(map[string]domain.Quote),
		instruments: make(map[string]domain.Instrument),
	}
}

// Open resolves the cached user identity, loads favorites and instrument
// reference data, subscribes to the quote and transaction feeds and starts
// the dispatch loop. The session cache is read once here, never polled.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opened {
		return errors.New("engine is already open")
	}

	userID, ok := e.session.Get(session.UserIDKey)
	if !ok || userID == "" {
		return ErrNoSession
	}
	e.userID = userID
	e.logger = e.logger.With(zap.String("user_id", userID))

	e.broadcaster = events.NewBroadcaster(e.cfg.BroadcastBuffer)
	e.aggregator = balance.NewAggregator(userID, e.broadcaster, e.logger, e.clock)
	e.machine = notifier.New(
		e.store,
		e.cfg.Collections.Transactions,
		e.sink,
		retrier.New(
			retrier.WithMaxRetries(e.cfg.PersistMaxRetries),
			retrier.WithInitialInterval(e.cfg.PersistInitialInterval),
		),
		e.logger,
	)
	e.favorites = favorites.NewCoordinator(e.store, e.cfg.Collections.Favorites, userID, e.logger)

	if err := e.favorites.Load(ctx); err != nil {
		return errors.Wrap(err, "load favorites")
	}
	if err := e.loadInstruments(ctx); err != nil {
		return errors.Wrap(err, "load instruments")
	}

	e.feed = make(chan feedEvent, feedBuffer)
	e.quit = make(chan struct{})
	e.loopDone = make(chan struct{})

	quoteSub, err := e.store.Subscribe(ctx, e.cfg.Collections.Quotes, nil, e.handlerFor(e.cfg.Collections.Quotes))
	if err != nil {
		return errors.Wrap(err, "subscribe quotes")
	}
	e.subs = append(e.subs, quoteSub)

	txSub, err := e.store.Subscribe(ctx, e.cfg.Collections.Transactions,
		[]store.Filter{store.Eq("user_id", userID)},
		e.handlerFor(e.cfg.Collections.Transactions))
	if err != nil {
		quoteSub.Unsubscribe()
		e.subs = nil
		return errors.Wrap(err, "subscribe transactions")
	}
	e.subs = append(e.subs, txSub)

	go e.dispatchLoop()

	e.opened = true
	e.logger.Info("engine opened",
		zap.String("quotes_collection", e.cfg.Collections.Quotes),
		zap.String("transactions_collection", e.cfg.Collections.Transactions))
	return nil
}

// handlerFor adapts a subscription callback to the internal feed channel so
// all view mutation happens on the single dispatch goroutine.
func (e *Engine) handlerFor(collection string) store.Handler {
	return func(snap store.Snapshot) {
		select {
		case e.feed <- feedEvent{collection: collection, snapshot: snap}:
		case <-e.quit:
		}
	}
}

func (e *Engine) dispatchLoop() {
	defer close(e.loopDone)
	ctx := context.Background()
	for {
		select {
		case <-e.quit:
			return
		case ev := <-e.feed:
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev feedEvent) {
	switch ev.collection {
	case e.cfg.Collections.Quotes:
		latest := projector.Latest(ev.snapshot.Docs, e.logger)
		e.viewMu.Lock()
		e.quotes = latest
		e.viewMu.Unlock()
	case e.cfg.Collections.Transactions:
		txs := e.decodeTransactions(ev.snapshot.Docs)
		e.viewMu.Lock()
		e.txs = txs
		e.viewMu.Unlock()

		e.aggregator.Apply(txs)
		e.machine.Observe(ctx, txs)
	default:
		e.logger.Warn("snapshot for unknown collection dropped", zap.String("collection", ev.collection))
	}
}

func (e *Engine) decodeTransactions(docs []store.Document) []domain.Transaction {
	txs := make([]domain.Transaction, 0, len(docs))
	for _, doc := range docs {
		tx, err := domain.TransactionFromFields(doc.ID, doc.Fields)
		if err != nil {
			e.logger.Warn("skipping malformed transaction record",
				zap.String("doc_id", doc.ID), zap.Error(err))
			continue
		}
		txs = append(txs, tx)
	}
	return txs
}

func (e *Engine) loadInstruments(ctx context.Context) error {
	docs, err := e.store.Query(ctx, e.cfg.Collections.Instruments)
	if err != nil {
		return err
	}
	instruments := make(map[string]domain.Instrument, len(docs))
	for _, doc := range docs {
		meta, err := domain.InstrumentFromFields(doc.ID, doc.Fields)
		if err != nil {
			e.logger.Warn("skipping malformed instrument record",
				zap.String("doc_id", doc.ID), zap.Error(err))
			continue
		}
		instruments[meta.ID] = meta
	}
	e.viewMu.Lock()
	e.instruments = instruments
	e.viewMu.Unlock()
	return nil
}

// SubmitTransaction validates and creates a new pending transaction.
// Withdrawals pass admission control against the cached balance before any
// store write; rejected submissions never reach the store.
func (e *Engine) SubmitTransaction(ctx context.Context, kind domain.TransactionKind, amount decimal.Decimal) (string, error) {
	if !e.isOpen() {
		return "", ErrNotOpen
	}
	if !amount.IsPositive() {
		return "", balance.ErrNonPositiveAmount
	}
	if kind == domain.KindWithdrawal {
		if err := e.aggregator.AdmitWithdrawal(amount); err != nil {
			return "", err
		}
	}

	deposit, withdrawal := decimal.Zero, decimal.Zero
	switch kind {
	case domain.KindDeposit:
		deposit = amount
	case domain.KindWithdrawal:
		withdrawal = amount
	default:
		return "", errors.Errorf("unsupported transaction kind: %s", kind)
	}

	id := uuid.NewString()
	fields := map[string]any{
		"user_id":                e.userID,
		"deposit":                deposit.String(),
		"withdrawal":             withdrawal.String(),
		"effective_at":           e.clock().Format(time.RFC3339),
		"validated_at":           nil,
		"notification_delivered": false,
	}
	if _, err := e.store.Create(ctx, e.cfg.Collections.Transactions, id, fields); err != nil {
		return "", errors.Wrap(err, "create transaction")
	}

	e.logger.Info("transaction submitted, awaiting validation",
		zap.String("transaction_id", id),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.String()))
	return id, nil
}

// ToggleFavorite flips the favorite state of the instrument for the current
// user. Returns the membership after a successful toggle.
func (e *Engine) ToggleFavorite(ctx context.Context, instrumentID string) (bool, error) {
	if !e.isOpen() {
		return false, ErrNotOpen
	}
	return e.favorites.Toggle(ctx, instrumentID)
}

// ForwardPushToken forwards an externally obtained push token to the
// registration endpoint, when one is configured.
func (e *Engine) ForwardPushToken(ctx context.Context, token string) error {
	if !e.isOpen() {
		return ErrNotOpen
	}
	if e.registrar == nil {
		return nil
	}
	if err := e.registrar.RegisterToken(ctx, e.userID, token); err != nil {
		return errors.Wrap(err, "register push token")
	}
	e.logger.Info("push token forwarded")
	return nil
}

// LatestQuotes returns the projected quotes joined with instrument display
// names, sorted by display name.
func (e *Engine) LatestQuotes() []domain.QuoteView {
	e.viewMu.RLock()
	views := projector.Project(e.quotes, e.instruments)
	e.viewMu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].DisplayName < views[j].DisplayName })
	return views
}

// Balance returns the cached account balance.
func (e *Engine) Balance() decimal.Decimal {
	if e.aggregator == nil {
		return decimal.Zero
	}
	return e.aggregator.Balance()
}

// Transactions returns the last observed transaction snapshot, newest
// effective date first.
func (e *Engine) Transactions() []domain.Transaction {
	e.viewMu.RLock()
	txs := make([]domain.Transaction, len(e.txs))
	copy(txs, e.txs)
	e.viewMu.RUnlock()

	sort.Slice(txs, func(i, j int) bool { return txs[i].EffectiveAt.After(txs[j].EffectiveAt) })
	return txs
}

// Notifications returns the display log in delivery order.
func (e *Engine) Notifications() []domain.Notification {
	if e.machine == nil {
		return nil
	}
	return e.machine.Log()
}

// Favorites returns the favorited instrument ids in sorted order.
func (e *Engine) Favorites() []string {
	if e.favorites == nil {
		return nil
	}
	return e.favorites.All()
}

// IsFavorite reports whether the instrument is currently favorited.
func (e *Engine) IsFavorite(instrumentID string) bool {
	return e.favorites != nil && e.favorites.Has(instrumentID)
}

// BalanceUpdates subscribes to recomputed balance events. Release with
// UnsubscribeBalanceUpdates.
func (e *Engine) BalanceUpdates() chan events.BalanceUpdate {
	if e.broadcaster == nil {
		return nil
	}
	return e.broadcaster.Subscribe()
}

// UnsubscribeBalanceUpdates releases a balance update subscription.
func (e *Engine) UnsubscribeBalanceUpdates(ch chan events.BalanceUpdate) {
	if e.broadcaster == nil || ch == nil {
		return
	}
	e.broadcaster.Unsubscribe(ch)
}

func (e *Engine) isOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opened
}

// Close tears the subscription down deterministically. Safe to call more
// than once; the listener resources are released exactly once. Cached views
// keep their last-known-good values.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.opened {
		e.mu.Unlock()
		return
	}
	e.opened = false
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	close(e.quit)
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	<-e.loopDone
	e.machine.Wait()

	e.logger.Info("engine closed")
}
