// Package favorites keeps a local favorites set synchronized against the
// remote store with an optimistic toggle protocol.
package favorites

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/store"
)

// Coordinator owns the local favorites set for one user. The remote store
// only supports add/query/delete, so a toggle is read-then-write: the local
// set flips optimistically and rolls back if the confirming remote write
// fails. Two racing toggles for the same pair can leave local and remote
// state diverged until the next load; the guarantee is eventual consistency
// with the last toggle observed by this client, not linearizability.
type Coordinator struct {
	store      store.Store
	collection string
	userID     string
	logger     *zap.Logger

	mu  sync.RWMutex
	set map[string]struct{}
}

// NewCoordinator creates a coordinator over the given favorites collection.
func NewCoordinator(st store.Store, collection, userID string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		collection: collection,
		userID:     userID,
		logger:     logger.With(zap.String("user_id", userID)),
		set:        make(map[string]struct{}),
	}
}

// Load replaces the local set with the remote state. Malformed favorite
// documents are skipped.
func (c *Coordinator) Load(ctx context.Context) error {
	docs, err := c.store.Query(ctx, c.collection, store.Eq("user_id", c.userID))
	if err != nil {
		return errors.Wrap(err, "query favorites")
	}

	fresh := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		link, err := domain.FavoriteFromFields(doc.ID, doc.Fields)
		if err != nil {
			c.logger.Warn("skipping malformed favorite record", zap.String("doc_id", doc.ID), zap.Error(err))
			continue
		}
		fresh[link.InstrumentID] = struct{}{}
	}

	c.mu.Lock()
	c.set = fresh
	c.mu.Unlock()
	return nil
}

// Toggle flips the favorite state of the instrument. The local set changes
// first; a failed remote write rolls it back and returns the error, so local
// state never reflects an unconfirmed remote change. The returned bool is
// the membership after a successful toggle.
func (c *Coordinator) Toggle(ctx context.Context, instrumentID string) (bool, error) {
	c.mu.Lock()
	_, wasFavorite := c.set[instrumentID]
	if wasFavorite {
		delete(c.set, instrumentID)
	} else {
		c.set[instrumentID] = struct{}{}
	}
	c.mu.Unlock()

	rollback := func() {
		c.mu.Lock()
		if wasFavorite {
			c.set[instrumentID] = struct{}{}
		} else {
			delete(c.set, instrumentID)
		}
		c.mu.Unlock()
	}

	if wasFavorite {
		if err := c.removeRemote(ctx, instrumentID); err != nil {
			rollback()
			return wasFavorite, errors.Wrap(err, "remove favorite")
		}
		c.logger.Info("favorite removed", zap.String("instrument_id", instrumentID))
		return false, nil
	}

	if err := c.addRemote(ctx, instrumentID); err != nil {
		rollback()
		return wasFavorite, errors.Wrap(err, "add favorite")
	}
	c.logger.Info("favorite added", zap.String("instrument_id", instrumentID))
	return true, nil
}

func (c *Coordinator) addRemote(ctx context.Context, instrumentID string) error {
	_, err := c.store.Create(ctx, c.collection, uuid.NewString(), map[string]any{
		"user_id":       c.userID,
		"instrument_id": instrumentID,
	})
	return err
}

func (c *Coordinator) removeRemote(ctx context.Context, instrumentID string) error {
	docs, err := c.store.Query(ctx, c.collection,
		store.Eq("user_id", c.userID),
		store.Eq("instrument_id", instrumentID))
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := c.store.Delete(ctx, c.collection, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether the instrument is currently favorited locally.
func (c *Coordinator) Has(instrumentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[instrumentID]
	return ok
}

// All returns the favorited instrument ids in sorted order.
func (c *Coordinator) All() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.set))
	for id := range c.set {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
