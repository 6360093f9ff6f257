// Package store defines the contract the engine requires of the remote
// document store. The store is the source of truth; the engine treats the
// subscription snapshots it delivers as its sole realtime input.
package store

import "context"

// ChangeKind classifies a document within a subscription snapshot.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

// String returns a human-readable string representation.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Document is a raw record as the store delivers it. Field shapes are
// dynamic; typed schemas are applied at the engine boundary.
type Document struct {
	ID     string
	Fields map[string]any
}

// Change pairs a document with its classification relative to the previous
// snapshot of the same subscription.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot is the full set of records matching a subscription's query at a
// point in observation, plus the changes since the previous delivery.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Filter is an equality constraint on a single field.
type Filter struct {
	Field string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Subscription is a live change-feed registration. Unsubscribe must be
// idempotent: releasing an already-released subscription is a no-op.
type Subscription interface {
	Unsubscribe()
}

// Handler receives subscription snapshots. Snapshots for one subscription
// are delivered sequentially in arrival order.
type Handler func(Snapshot)

// Store is the document store the engine runs against.
type Store interface {
	// Query returns all documents of the collection matching every filter.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Get fetches a single document by id. The second return reports existence.
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	// Create inserts a document. An empty id lets the store assign one.
	Create(ctx context.Context, collection, id string, fields map[string]any) (string, error)
	// Update merges the given fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes a document by id.
	Delete(ctx context.Context, collection, id string) error
	// Subscribe registers a change-feed handler. The handler is invoked with
	// the current matching snapshot immediately and after every change.
	Subscribe(ctx context.Context, collection string, filters []Filter, h Handler) (Subscription, error)
}
