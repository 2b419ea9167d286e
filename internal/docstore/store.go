// Package docstore is a typed wrapper over a partitioned JSON document store: partitioned
// reads, ETag-guarded replaces, transactional batches per partition, and a change-feed
// subscription backed by a durable lease container.
//
// Store is an interface with a concrete in-process implementation (MemoryStore) behind it,
// so a Cosmos-backed implementation can be swapped in later without touching the event
// store, projector, or read-model layers.
package docstore

import (
	"context"
)

// Item is a schemaless document. Every item carries at least "id" and "type" fields by
// convention; callers marshal/unmarshal their own typed shapes into and out of Item.
type Item map[string]interface{}

// Clone returns a deep-enough copy of the item so callers can mutate it freely.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// ID returns the item's "id" field, or "" if absent or not a string.
func (it Item) ID() string {
	v, _ := it["id"].(string)
	return v
}

// StartMode selects where a change-feed subscription begins reading a partition.
type StartMode int

const (
	// FromBeginning replays every document ever committed to the source container.
	FromBeginning StartMode = iota
	// FromNow begins delivery at the current tail, skipping history.
	FromNow
)

// ChangeFeedHandler processes one commit-ordered batch of documents from a single partition.
// Returning an error aborts the batch: the lease is not advanced and the batch is redelivered.
type ChangeFeedHandler func(ctx context.Context, partitionKey string, batch []Item) error

// Store is the capability surface the rest of the backend depends on.
type Store interface {
	// ReadItem fetches a single document by id and partition key. Returns a *Error with
	// Kind=KindNotFound when absent.
	ReadItem(ctx context.Context, container, id, partitionKey string) (Item, string, error)

	// UpsertItem creates or replaces a document outside of a transactional batch, returning
	// its new ETag.
	UpsertItem(ctx context.Context, container, partitionKey string, doc Item) (string, error)

	// PatchItem applies field-level mutations to an existing document. The store reports
	// NotFound; callers that need patch idempotence (the outbox processedAt mark) ignore it.
	PatchItem(ctx context.Context, container, id, partitionKey string, patch map[string]interface{}) error

	// Query runs a restartable, finite cursor over a container, optionally scoped to a
	// single partition. Queries are expressed as a predicate + ordering spec rather than
	// SQL text, which keeps the surface implementable without a query parser.
	Query(ctx context.Context, container string, spec QuerySpec) (*Cursor, error)

	// TransactionalBatch opens a builder for atomic per-partition operations.
	TransactionalBatch(container, partitionKey string) *Batch

	// ChangeFeedSubscription runs handler over every commit to sourceContainer, coordinated
	// through durable lease documents in leaseContainer, until ctx is cancelled. A handler
	// error does not end the subscription: the lease is not advanced and the batch is
	// redelivered on a later poll. Delivery is at-least-once and commit-ordered per partition.
	ChangeFeedSubscription(ctx context.Context, sourceContainer, leaseContainer, name, instanceName string, start StartMode, handler ChangeFeedHandler) error
}

// QuerySpec describes a restartable query against a container.
type QuerySpec struct {
	// PartitionKey scopes the query to a single partition. Empty means cross-partition.
	PartitionKey string
	// Filter selects which items are included. Nil selects everything in scope.
	Filter func(Item) bool
	// OrderBy, when non-nil, sorts matches; Less reports whether a sorts before b.
	OrderBy func(a, b Item) bool
	// Top bounds the number of results returned, 0 meaning unbounded.
	Top int
}

// Cursor is a restartable, finite iterator over query results. Query collects, filters,
// sorts and truncates every match before it returns, so the cursor walks a ready slice; it
// does not fetch items lazily.
type Cursor struct {
	items []Item
	pos   int
}

// Next advances the cursor and reports whether an item is available.
func (c *Cursor) Next() bool {
	if c == nil || c.pos >= len(c.items) {
		return false
	}
	c.pos++
	return true
}

// Item returns the current item. Call only after a successful Next.
func (c *Cursor) Item() Item {
	if c == nil || c.pos == 0 || c.pos > len(c.items) {
		return nil
	}
	return c.items[c.pos-1]
}

// All drains the cursor into a slice.
func (c *Cursor) All() []Item {
	if c == nil {
		return nil
	}
	out := c.items[c.pos:]
	c.pos = len(c.items)
	return out
}

// Reset rewinds the cursor to its first item, satisfying the "restartable" requirement.
func (c *Cursor) Reset() {
	if c == nil {
		return
	}
	c.pos = 0
}

func newCursor(items []Item) *Cursor {
	return &Cursor{items: items}
}
