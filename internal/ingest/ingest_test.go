package ingest

import (
	"context"
	"errors"
	"testing"

	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
	"fanride/backend/internal/logging"
)

type stubFetcher struct {
	state map[string]interface{}
	err   error
}

func (f *stubFetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	return f.state, f.err
}

func feedState(home, away int) map[string]interface{} {
	return map[string]interface{}{
		"score":   map[string]interface{}{"home": home, "away": away},
		"quarter": 1,
		"clock":   "05:00",
	}
}

func countEvents(t *testing.T, store docstore.Store, streamID string) int {
	t.Helper()
	cursor, err := store.Query(context.Background(), eventstore.EventsContainer, docstore.QuerySpec{
		PartitionKey: streamID,
		Filter:       func(doc docstore.Item) bool { return doc["type"] == "event" },
	})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	return len(cursor.All())
}

func newTestWorker(store docstore.Store, fetcher Fetcher) *Worker {
	es := eventstore.New(store)
	return New("afl-live", fetcher, es, store, nil, nil, logging.NewTestLogger(), 0)
}

func TestTickAppendsOnFreshStream(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	worker := newTestWorker(store, &stubFetcher{state: feedState(6, 0)})

	worker.tick(context.Background())

	if got := countEvents(t, store, "afl-live"); got != 1 {
		t.Fatalf("expected one event, got %d", got)
	}
	snapshot, _, err := store.ReadItem(context.Background(), eventstore.EventsContainer, "snap-afl-live", "afl-live")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["aggVersion"] != 1 {
		t.Fatalf("unexpected aggVersion: %v", snapshot["aggVersion"])
	}
}

func TestTickSkipsWhenFeedStateUnchanged(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	fetcher := &stubFetcher{state: feedState(6, 0)}
	worker := newTestWorker(store, fetcher)
	ctx := context.Background()

	worker.tick(ctx)
	worker.tick(ctx)

	if got := countEvents(t, store, "afl-live"); got != 1 {
		t.Fatalf("identical feed state should not append again, got %d events", got)
	}

	// A changed score produces exactly one more event.
	fetcher.state = feedState(12, 0)
	worker.tick(ctx)
	if got := countEvents(t, store, "afl-live"); got != 2 {
		t.Fatalf("expected two events after score change, got %d", got)
	}
	snapshot, _, err := store.ReadItem(ctx, eventstore.EventsContainer, "snap-afl-live", "afl-live")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["aggVersion"] != 2 {
		t.Fatalf("unexpected aggVersion: %v", snapshot["aggVersion"])
	}
}

func TestTickSkipsOnFetchError(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	worker := newTestWorker(store, &stubFetcher{err: errors.New("feed down")})

	worker.tick(context.Background())

	if got := countEvents(t, store, "afl-live"); got != 0 {
		t.Fatalf("fetch failure should not append, got %d events", got)
	}
}

// staleReadStore hands out a stale snapshot ETag on the first read so the worker's first
// append attempt fails its optimistic guard and must re-read and retry.
type staleReadStore struct {
	docstore.Store
	staleReads int
}

func (s *staleReadStore) ReadItem(ctx context.Context, container, id, partitionKey string) (docstore.Item, string, error) {
	doc, etag, err := s.Store.ReadItem(ctx, container, id, partitionKey)
	if err == nil && s.staleReads > 0 {
		s.staleReads--
		return doc, "stale-" + etag, nil
	}
	return doc, etag, err
}

func TestTickRetriesAfterConcurrencyConflict(t *testing.T) {
	inner := docstore.NewMemoryStore(nil)
	ctx := context.Background()

	// Seed version 1 so the guarded replace path (not first-create) is exercised.
	es := eventstore.New(inner)
	if err := es.AppendWithSnapshot(ctx, eventstore.AppendRequest{
		StreamID:        "afl-live",
		ExpectedVersion: 0,
		SnapshotState:   feedState(0, 0),
		Events:          []eventstore.NewEvent{{Kind: "MatchStateUpdated", Data: feedState(0, 0)}},
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	store := &staleReadStore{Store: inner, staleReads: 1}
	worker := New("afl-live", &stubFetcher{state: feedState(6, 0)}, eventstore.New(store), store, nil, nil, logging.NewTestLogger(), 0)

	worker.tick(ctx)

	snapshot, _, err := inner.ReadItem(ctx, eventstore.EventsContainer, "snap-afl-live", "afl-live")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["aggVersion"] != 2 {
		t.Fatalf("retry did not land the append: aggVersion=%v", snapshot["aggVersion"])
	}
}
