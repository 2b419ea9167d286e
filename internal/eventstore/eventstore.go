// Package eventstore appends events, a refreshed aggregate snapshot, and outbox entries to a
// stream in one atomic per-partition batch, guarded by optimistic concurrency on the
// snapshot's ETag (or create-uniqueness for a brand-new stream).
package eventstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fanride/backend/internal/docstore"
)

// EventsContainer is the single container holding event, snapshot, and outbox documents,
// partitioned by streamId.
const EventsContainer = "es"

// Kind classifies the disposition of an AppendWithSnapshot failure.
type Kind int

const (
	// KindConcurrency means the snapshot guard did not match: the caller must re-read the
	// snapshot, re-derive expectedVersion/expectedEtag, and retry.
	KindConcurrency Kind = iota
	// KindTransient means the underlying store asked for a retry after backoff.
	KindTransient
	// KindFatal means a non-retryable failure (validation, infrastructure).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConcurrency:
		return "Concurrency"
	case KindTransient:
		return "Transient"
	default:
		return "Fatal"
	}
}

// Error reports why AppendWithSnapshot failed.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("eventstore: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("eventstore: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewEvent describes one event to append; ID may be left empty to auto-generate a UUID.
type NewEvent struct {
	ID   string
	Kind string
	Data map[string]interface{}
}

// AppendRequest captures the inputs to AppendWithSnapshot.
type AppendRequest struct {
	StreamID        string
	ExpectedVersion int
	// ExpectedETag is the last observed snapshot ETag, or "" for first creation of the stream.
	ExpectedETag  string
	SnapshotState map[string]interface{}
	Events        []NewEvent
}

// outboxKindFor maps an event kind to the outbox kind it produces. Matching is
// case-insensitive, the same way the HTTP append route matches submitted kind names.
var outboxKindFor = map[string]string{
	"trainermetricscaptured": "trainerEffect",
}

func snapshotDocID(streamID string) string { return "snap-" + streamID }
func outboxDocID(eventID string) string    { return "out-" + eventID }

// EventStore performs guarded appends over a docstore.Store.
type EventStore struct {
	store docstore.Store
	clock func() time.Time
	newID func() string
}

// Option configures optional EventStore behavior, primarily for deterministic tests.
type Option func(*EventStore)

// WithClock overrides the wall clock used to stamp events and snapshots.
func WithClock(clock func() time.Time) Option {
	return func(es *EventStore) {
		if clock != nil {
			es.clock = clock
		}
	}
}

// WithIDGenerator overrides the event/outbox id generator.
func WithIDGenerator(gen func() string) Option {
	return func(es *EventStore) {
		if gen != nil {
			es.newID = gen
		}
	}
}

// New constructs an EventStore backed by store.
func New(store docstore.Store, opts ...Option) *EventStore {
	es := &EventStore{
		store: store,
		clock: time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// AppendWithSnapshot executes a single atomic transactional batch containing the optimistic
// guard, the event creates, the snapshot upsert, and any outbox creates, in that order.
func (es *EventStore) AppendWithSnapshot(ctx context.Context, req AppendRequest) error {
	if strings.TrimSpace(req.StreamID) == "" {
		return &Error{Kind: KindFatal, Message: "streamId must not be empty"}
	}
	if req.ExpectedVersion < 0 {
		return &Error{Kind: KindFatal, Message: "expectedVersion must be non-negative"}
	}

	now := es.clock().UTC()
	ts := now.Format(time.RFC3339Nano)

	type assignedEvent struct {
		id   string
		seq  int
		kind string
		data map[string]interface{}
	}
	assigned := make([]assignedEvent, 0, len(req.Events))
	for i, ev := range req.Events {
		id := strings.TrimSpace(ev.ID)
		if id == "" {
			id = es.newID()
		}
		assigned = append(assigned, assignedEvent{
			id:   id,
			seq:  req.ExpectedVersion + i + 1,
			kind: ev.Kind,
			data: ev.Data,
		})
	}

	batch := es.store.TransactionalBatch(EventsContainer, req.StreamID)

	// Step 1: optimistic guard. The guard-stub body is safe to be minimal because the real
	// snapshot upsert (step 3) lands in the very same atomic batch and overwrites it.
	guardStub := docstore.Item{"type": "snapshot", "streamId": req.StreamID}
	if req.ExpectedETag != "" {
		batch.Replace(snapshotDocID(req.StreamID), guardStub, req.ExpectedETag)
	} else {
		batch.Create(snapshotDocID(req.StreamID), guardStub)
	}

	// Step 2: event creates.
	for _, ev := range assigned {
		batch.Create(ev.id, docstore.Item{
			"type":     "event",
			"streamId": req.StreamID,
			"seq":      ev.seq,
			"kind":     ev.kind,
			"data":     ev.data,
			"ts":       ts,
		})
	}

	// Step 3: snapshot upsert, the authoritative post-append state.
	newVersion := req.ExpectedVersion + len(req.Events)
	batch.Upsert(snapshotDocID(req.StreamID), docstore.Item{
		"type":       "snapshot",
		"streamId":   req.StreamID,
		"aggVersion": newVersion,
		"state":      req.SnapshotState,
		"updatedAt":  ts,
	})

	// Step 4: outbox creates for events whose kind implies an external effect.
	for _, ev := range assigned {
		outboxKind, ok := outboxKindFor[strings.ToLower(ev.kind)]
		if !ok {
			continue
		}
		batch.Create(outboxDocID(ev.id), docstore.Item{
			"type":     "outbox",
			"streamId": req.StreamID,
			"kind":     outboxKind,
			"payload":  ev.data,
			"ts":       ts,
		})
	}

	if err := batch.Execute(ctx); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	switch {
	case docstore.IsKind(err, docstore.KindPreconditionFailed), docstore.IsKind(err, docstore.KindConflict):
		return &Error{Kind: KindConcurrency, Message: "snapshot guard did not match", Err: err}
	case docstore.IsKind(err, docstore.KindThrottled), docstore.IsKind(err, docstore.KindTransient):
		return &Error{Kind: KindTransient, Message: "store call may be retried", Err: err}
	default:
		return &Error{Kind: KindFatal, Message: "append failed", Err: err}
	}
}
