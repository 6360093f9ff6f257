// Package sqlite provides an embedded document store with an in-process
// change feed. It backs the dev harness and tests; production deployments
// satisfy store.Store with an adapter over the real remote store.
package sqlite

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/finpocket/finpocket/internal/store"
)

const subscriberBuffer = 32

type documentRow struct {
	Collection string         `gorm:"primaryKey;size:64"`
	DocID      string         `gorm:"primaryKey;size:128;column:doc_id"`
	Fields     datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName specifies the table name.
func (documentRow) TableName() string {
	return "documents"
}

// Store is a store.Store backed by a local SQLite file. Mutations re-evaluate
// registered subscriptions and deliver the matching snapshot plus classified
// changes on a per-subscription goroutine, in mutation order.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Open opens (or creates) the store at the given path. ":memory:" yields an
// ephemeral store.
func Open(path string, log *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create store directory for %s", path)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite store")
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own in-memory db
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "access sql db")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate documents table")
	}

	return &Store{
		db:     db,
		logger: log,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Query returns all documents of the collection matching every filter.
func (s *Store) Query(ctx context.Context, collection string, filters ...store.Filter) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(ctx, collection, filters)
}

func (s *Store) queryLocked(ctx context.Context, collection string, filters []store.Filter) ([]store.Document, error) {
	var rows []documentRow
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("doc_id").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query documents")
	}

	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		fields, err := decodeFields(row.Fields)
		if err != nil {
			s.logger.Warn("skipping undecodable document row",
				zap.String("collection", collection),
				zap.String("doc_id", row.DocID),
				zap.Error(err))
			continue
		}
		if !matches(fields, filters) {
			continue
		}
		docs = append(docs, store.Document{ID: row.DocID, Fields: fields})
	}
	return docs, nil
}

// Get fetches a single document by id.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, bool, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Document{}, false, nil
	}
	if err != nil {
		return store.Document{}, false, errors.Wrap(err, "get document")
	}

	fields, err := decodeFields(row.Fields)
	if err != nil {
		return store.Document{}, false, errors.Wrap(err, "decode document")
	}
	return store.Document{ID: row.DocID, Fields: fields}, true, nil
}

// Create inserts a document. An empty id gets a generated one.
func (s *Store) Create(ctx context.Context, collection, id string, fields map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Wrap(err, "encode document")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := documentRow{Collection: collection, DocID: id, Fields: payload}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", errors.Wrap(err, "create document")
	}

	s.notifyLocked(ctx, collection)
	return id, nil
}

// Update merges the given fields into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Errorf("document %s/%s not found", collection, id)
	}
	if err != nil {
		return errors.Wrap(err, "load document")
	}

	current, err := decodeFields(row.Fields)
	if err != nil {
		return errors.Wrap(err, "decode document")
	}
	for k, v := range fields {
		current[k] = v
	}
	payload, err := json.Marshal(current)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}

	if err := s.db.WithContext(ctx).
		Model(&documentRow{}).
		Where("collection = ? AND doc_id = ?", collection, id).
		Update("fields", datatypes.JSON(payload)).Error; err != nil {
		return errors.Wrap(err, "update document")
	}

	s.notifyLocked(ctx, collection)
	return nil
}

// Delete removes a document by id. Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&documentRow{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete document")
	}
	if res.RowsAffected > 0 {
		s.notifyLocked(ctx, collection)
	}
	return nil
}

// Subscribe registers a change-feed handler. The current snapshot is
// delivered immediately, then after every mutation of the collection.
func (s *Store) Subscribe(ctx context.Context, collection string, filters []store.Filter, h store.Handler) (store.Subscription, error) {
	sub := &subscription{
		collection: collection,
		filters:    filters,
		handler:    h,
		ch:         make(chan store.Snapshot, subscriberBuffer),
		prev:       make(map[string]store.Document),
	}
	sub.release = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		close(sub.ch)
		s.mu.Unlock()
	}

	s.mu.Lock()
	docs, err := s.queryLocked(ctx, collection, filters)
	if err != nil {
		s.mu.Unlock()
		return nil, errors.Wrap(err, "initial snapshot")
	}
	s.subs[sub] = struct{}{}
	sub.enqueue(diffSnapshot(sub.prev, docs))
	sub.prev = indexDocs(docs)
	s.mu.Unlock()

	go sub.run()

	return sub, nil
}

// Close releases all subscriptions and the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "access sql db")
	}
	return sqlDB.Close()
}

// notifyLocked re-evaluates every subscription on the collection and
// enqueues the fresh snapshot. Caller holds s.mu, so snapshots are computed
// and enqueued in mutation order.
func (s *Store) notifyLocked(ctx context.Context, collection string) {
	for sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		docs, err := s.queryLocked(ctx, collection, sub.filters)
		if err != nil {
			s.logger.Warn("failed to compute subscription snapshot",
				zap.String("collection", collection),
				zap.Error(err))
			continue
		}
		sub.enqueue(diffSnapshot(sub.prev, docs))
		sub.prev = indexDocs(docs)
	}
}

type subscription struct {
	collection string
	filters    []store.Filter
	handler    store.Handler
	ch         chan store.Snapshot
	prev       map[string]store.Document

	once    sync.Once
	release func()
}

func (s *subscription) run() {
	for snap := range s.ch {
		s.handler(snap)
	}
}

// enqueue never blocks: when the subscriber lags, the oldest queued snapshot
// is dropped. Snapshots are fully self-describing, so only the latest one
// matters to a catching-up consumer.
func (s *subscription) enqueue(snap store.Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func indexDocs(docs []store.Document) map[string]store.Document {
	idx := make(map[string]store.Document, len(docs))
	for _, d := range docs {
		idx[d.ID] = d
	}
	return idx
}

func diffSnapshot(prev map[string]store.Document, docs []store.Document) store.Snapshot {
	snap := store.Snapshot{Docs: docs}
	seen := make(map[string]struct{}, len(docs))

	for _, doc := range docs {
		seen[doc.ID] = struct{}{}
		old, existed := prev[doc.ID]
		switch {
		case !existed:
			snap.Changes = append(snap.Changes, store.Change{Kind: store.ChangeAdded, Doc: doc})
		case !fieldsEqual(old.Fields, doc.Fields):
			snap.Changes = append(snap.Changes, store.Change{Kind: store.ChangeModified, Doc: doc})
		}
	}
	for id, doc := range prev {
		if _, ok := seen[id]; !ok {
			snap.Changes = append(snap.Changes, store.Change{Kind: store.ChangeRemoved, Doc: doc})
		}
	}
	return snap
}

func decodeFields(payload datatypes.JSON) (map[string]any, error) {
	fields := make(map[string]any)
	if len(payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func matches(fields map[string]any, filters []store.Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field]
		if !ok || !valueEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

// valueEqual compares loosely across JSON round-trips: numbers compare
// numerically regardless of Go type, everything else by string form.
func valueEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		ab, errA := json.Marshal(a)
		bb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ab) == string(bb)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
