// Package ingest polls an external sports feed and coalesces its output into idempotent
// MatchStateUpdated appends. The worker owns no state between iterations, so running more
// than one instance is safe: the event store's optimistic guard serialises concurrent
// ingesters the same way it serialises any other writer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/readmodel"
)

// DefaultPollInterval is used when the configured interval is zero.
const DefaultPollInterval = 5 * time.Second

// maxConcurrencyRetries is how many additional attempts an iteration makes after a
// Concurrency failure before giving up until the next poll.
const maxConcurrencyRetries = 2

// concurrencyRetryDelay is the fixed backoff between those attempts.
const concurrencyRetryDelay = 200 * time.Millisecond

// Fetcher retrieves the latest aggregate state from the external feed. A non-nil error, or a
// nil map, means the iteration should be skipped.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]interface{}, error)
}

// Notifier is the subset of the push hub the ingestion worker needs.
type Notifier interface {
	BroadcastMatchState(streamID string, view *readmodel.MatchStateView)
}

// HTTPFetcher fetches feed state over plain HTTP GET with an optional static API-key header.
type HTTPFetcher struct {
	Client       *http.Client
	Endpoint     string
	APIKeyHeader string
	APIKey       string
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.APIKeyHeader != "" && f.APIKey != "" {
		req.Header.Set(f.APIKeyHeader, f.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ingest: feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var state map[string]interface{}
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// Worker runs the poll/compare/append loop for a single streamId.
type Worker struct {
	streamID     string
	fetcher      Fetcher
	es           *eventstore.EventStore
	store        docstore.Store
	read         *readmodel.Service
	hub          Notifier
	log          *logging.Logger
	pollInterval time.Duration
	newID        func() string
}

// Option configures optional Worker behavior.
type Option func(*Worker)

// WithIDGenerator overrides the event id generator, for deterministic tests.
func WithIDGenerator(gen func() string) Option {
	return func(w *Worker) {
		if gen != nil {
			w.newID = gen
		}
	}
}

// New constructs a Worker. hub may be nil to skip match-state notification.
func New(streamID string, fetcher Fetcher, es *eventstore.EventStore, store docstore.Store, read *readmodel.Service, hub Notifier, log *logging.Logger, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	w := &Worker{
		streamID:     streamID,
		fetcher:      fetcher,
		es:           es,
		store:        store,
		read:         read,
		hub:          hub,
		log:          log,
		pollInterval: pollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the poll loop until ctx is cancelled. The current iteration always completes
// before the worker exits, so cancellation never abandons a half-finished append.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	state, err := w.fetcher.Fetch(ctx)
	if err != nil || state == nil {
		if err != nil && w.log != nil {
			w.log.Warn("ingest: feed fetch failed, skipping iteration",
				logging.String("streamId", w.streamID), logging.Error(err))
		}
		return
	}

	snapshotID := "snap-" + w.streamID
	existing, etag, err := w.store.ReadItem(ctx, eventstore.EventsContainer, snapshotID, w.streamID)
	if err != nil && !docstore.IsKind(err, docstore.KindNotFound) {
		if w.log != nil {
			w.log.Warn("ingest: could not read current snapshot", logging.String("streamId", w.streamID), logging.Error(err))
		}
		return
	}

	expectedVersion, _ := existing["aggVersion"].(int)
	currentState, _ := existing["state"].(map[string]interface{})
	if currentState != nil && reflect.DeepEqual(currentState, state) {
		return
	}

	eventID := ""
	if w.newID != nil {
		eventID = w.newID()
	}

	attempt := 0
	for {
		err := w.es.AppendWithSnapshot(ctx, eventstore.AppendRequest{
			StreamID:        w.streamID,
			ExpectedVersion: expectedVersion,
			ExpectedETag:    etag,
			SnapshotState:   state,
			Events: []eventstore.NewEvent{
				{ID: eventID, Kind: "MatchStateUpdated", Data: state},
			},
		})
		if err == nil {
			w.notify(ctx)
			return
		}

		var esErr *eventstore.Error
		if !asEventstoreError(err, &esErr) || esErr.Kind != eventstore.KindConcurrency {
			if w.log != nil {
				w.log.Warn("ingest: append failed", logging.String("streamId", w.streamID), logging.Error(err))
			}
			return
		}

		attempt++
		if attempt > maxConcurrencyRetries {
			if w.log != nil {
				w.log.Warn("ingest: giving up after concurrency retries", logging.String("streamId", w.streamID))
			}
			return
		}

		refreshed, refreshedEtag, readErr := w.store.ReadItem(ctx, eventstore.EventsContainer, snapshotID, w.streamID)
		if readErr != nil {
			return
		}
		expectedVersion, _ = refreshed["aggVersion"].(int)
		etag = refreshedEtag

		select {
		case <-ctx.Done():
			return
		case <-time.After(concurrencyRetryDelay):
		}
	}
}

func (w *Worker) notify(ctx context.Context) {
	if w.hub == nil || w.read == nil {
		return
	}
	view, err := w.read.GetMatchState(ctx, w.streamID)
	if err != nil {
		return
	}
	w.hub.BroadcastMatchState(w.streamID, view)
}

func asEventstoreError(err error, target **eventstore.Error) bool {
	for err != nil {
		if e, ok := err.(*eventstore.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
