package docstore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type record struct {
	body Item
	etag string
}

type feedEntry struct {
	partitionKey string
	item         Item
	commitSeq    uint64
}

type containerState struct {
	mu         sync.Mutex
	partitions map[string]map[string]*record
	feed       []feedEntry
}

func newContainerState() *containerState {
	return &containerState{partitions: make(map[string]map[string]*record)}
}

// MemoryStore is a concrete, in-process implementation of Store: partitioned reads,
// ETag-guarded replace, atomic transactional batches, and an at-least-once change feed with
// durable leases, all over in-memory maps guarded by per-container mutexes. No lock is held
// across a caller's retry loop, so the optimistic ETag/create-uniqueness guard remains the
// sole cross-call serialization point.
type MemoryStore struct {
	mu         sync.Mutex
	containers map[string]*containerState
	etagSeq    uint64
	commitSeq  uint64
	now        func() time.Time
}

// NewMemoryStore constructs an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{containers: make(map[string]*containerState), now: clock}
}

func (s *MemoryStore) container(name string) *containerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		c = newContainerState()
		s.containers[name] = c
	}
	return c
}

func (s *MemoryStore) nextETag() string {
	n := atomic.AddUint64(&s.etagSeq, 1)
	return "etag-" + strconv.FormatUint(n, 10)
}

func (s *MemoryStore) nextCommitSeq() uint64 {
	return atomic.AddUint64(&s.commitSeq, 1)
}

// ReadItem implements Store.
func (s *MemoryStore) ReadItem(ctx context.Context, container, id, partitionKey string) (Item, string, error) {
	c := s.container(container)
	c.mu.Lock()
	defer c.mu.Unlock()
	part := c.partitions[partitionKey]
	if part == nil {
		return nil, "", NewError(KindNotFound, "document "+id+" not found in "+container)
	}
	rec, ok := part[id]
	if !ok {
		return nil, "", NewError(KindNotFound, "document "+id+" not found in "+container)
	}
	return rec.body.Clone(), rec.etag, nil
}

// UpsertItem implements Store.
func (s *MemoryStore) UpsertItem(ctx context.Context, container, partitionKey string, doc Item) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", NewError(KindFatal, "document is missing an id")
	}
	c := s.container(container)
	c.mu.Lock()
	defer c.mu.Unlock()
	etag := s.nextETag()
	body := doc.Clone()
	s.storeLocked(c, partitionKey, id, body, etag)
	return etag, nil
}

// PatchItem implements Store.
func (s *MemoryStore) PatchItem(ctx context.Context, container, id, partitionKey string, patch map[string]interface{}) error {
	c := s.container(container)
	c.mu.Lock()
	defer c.mu.Unlock()
	part := c.partitions[partitionKey]
	if part == nil {
		return NewError(KindNotFound, "document "+id+" not found in "+container)
	}
	rec, ok := part[id]
	if !ok {
		return NewError(KindNotFound, "document "+id+" not found in "+container)
	}
	body := rec.body.Clone()
	for k, v := range patch {
		body[k] = v
	}
	etag := s.nextETag()
	s.storeLocked(c, partitionKey, id, body, etag)
	return nil
}

// storeLocked writes body into the partition map and appends a change-feed entry. Callers
// must hold c.mu.
func (s *MemoryStore) storeLocked(c *containerState, partitionKey, id string, body Item, etag string) {
	part := c.partitions[partitionKey]
	if part == nil {
		part = make(map[string]*record)
		c.partitions[partitionKey] = part
	}
	part[id] = &record{body: body, etag: etag}
	c.feed = append(c.feed, feedEntry{partitionKey: partitionKey, item: body.Clone(), commitSeq: s.nextCommitSeq()})
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, container string, spec QuerySpec) (*Cursor, error) {
	c := s.container(container)
	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []Item
	collect := func(part map[string]*record) {
		for _, rec := range part {
			if spec.Filter != nil && !spec.Filter(rec.body) {
				continue
			}
			matches = append(matches, rec.body.Clone())
		}
	}
	if spec.PartitionKey != "" {
		if part, ok := c.partitions[spec.PartitionKey]; ok {
			collect(part)
		}
	} else {
		for _, part := range c.partitions {
			collect(part)
		}
	}

	if spec.OrderBy != nil {
		sortItems(matches, spec.OrderBy)
	}
	if spec.Top > 0 && len(matches) > spec.Top {
		matches = matches[:spec.Top]
	}
	return newCursor(matches), nil
}

func sortItems(items []Item, less func(a, b Item) bool) {
	// Simple insertion sort: containers are small read-model sets, and this keeps the
	// comparator-based ordering logic in one obvious place rather than wrapping sort.Interface.
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && less(items[j], items[j-1]) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}

// TransactionalBatch implements Store.
func (s *MemoryStore) TransactionalBatch(container, partitionKey string) *Batch {
	return newBatch(s, container, partitionKey)
}

// executeBatch implements batchExecutor, applying every operation atomically: preconditions
// are validated against the pre-batch state before anything is written, so a failure never
// leaves a partial write behind.
func (s *MemoryStore) executeBatch(ctx context.Context, container, partitionKey string, ops []batchOp) error {
	if len(ops) == 0 {
		return nil
	}
	c := s.container(container)
	c.mu.Lock()
	defer c.mu.Unlock()

	part := c.partitions[partitionKey]

	for _, op := range ops {
		var existing *record
		if part != nil {
			existing = part[op.id]
		}
		switch op.kind {
		case opCreate:
			if existing != nil {
				return NewError(KindConflict, "document "+op.id+" already exists")
			}
		case opReplace:
			if existing == nil || existing.etag != op.ifMatch {
				return NewError(KindPreconditionFailed, "etag mismatch for document "+op.id)
			}
		case opUpsert:
			// no precondition
		}
	}

	// All preconditions passed; apply writes in order, deduping the change-feed entry per id
	// so a document touched twice in one batch (guard-stub then real snapshot) is delivered
	// once, carrying its final value, at the position of its last write, guaranteeing the
	// change feed observes the snapshot after the events that produced it.
	if part == nil {
		part = make(map[string]*record)
		c.partitions[partitionKey] = part
	}
	order := make([]string, 0, len(ops))
	finalBody := make(map[string]Item, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if !seen[op.id] {
			seen[op.id] = true
			order = append(order, op.id)
		} else {
			// move to end: re-append, later dedup pass keeps last position
			for i, id := range order {
				if id == op.id {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
			order = append(order, op.id)
		}
		finalBody[op.id] = op.body
	}

	commit := s.nextCommitSeq()
	for _, id := range order {
		body := finalBody[id].Clone()
		part[id] = &record{body: body, etag: s.nextETag()}
		c.feed = append(c.feed, feedEntry{partitionKey: partitionKey, item: body.Clone(), commitSeq: commit})
	}
	return nil
}
