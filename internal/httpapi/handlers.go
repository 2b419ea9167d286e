// Package httpapi serves FanRide's HTTP surface: the append routes that feed the event
// store, the snapshot and read-model query routes, and the operational endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/readmodel"
)

// Notifier is the subset of the push hub the append routes need.
type Notifier interface {
	BroadcastMatchState(streamID string, view *readmodel.MatchStateView)
}

// API bundles the core HTTP handlers over the event store and read models.
type API struct {
	log            *logging.Logger
	store          docstore.Store
	events         *eventstore.EventStore
	read           *readmodel.Service
	hub            Notifier
	readiness      ReadinessProvider
	momentumMax    int
	leaderboardTop int
}

// NewAPI constructs the handler bundle. hub may be nil to skip append-time notification.
func NewAPI(store docstore.Store, events *eventstore.EventStore, read *readmodel.Service, hub Notifier, logger *logging.Logger, momentumMax, leaderboardTop int) *API {
	if logger == nil {
		logger = logging.L()
	}
	return &API{
		log:            logger,
		store:          store,
		events:         events,
		read:           read,
		hub:            hub,
		momentumMax:    momentumMax,
		leaderboardTop: leaderboardTop,
	}
}

// WithReadiness wires the hub's readiness surface into /health.
func (a *API) WithReadiness(r ReadinessProvider) *API {
	a.readiness = r
	return a
}

// Register attaches the core API routes to the router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/", a.rootHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", a.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/{streamId}", a.matchStateHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/afl/matches/{streamId}", a.matchEnvelopeHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/{streamId}/events", a.appendHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/afl/matches/{streamId}/apply", a.applyHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/readmodels/tes/{streamId}", a.momentumHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/readmodels/leaderboard", a.leaderboardHandler).Methods(http.MethodGet)
}

func (a *API) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("FanRide backend running"))
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status    string `json:"status"`
		Message   string `json:"message,omitempty"`
		Clients   int    `json:"clients"`
		Timestamp string `json:"timestamp"`
	}
	resp := response{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	status := http.StatusOK
	if a.readiness != nil {
		resp.Clients, _ = a.readiness.SnapshotClientCounts()
		if err := a.readiness.StartupError(); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = err.Error()
		}
	}
	writeJSON(w, status, resp)
}

// matchStateHandler returns the raw snapshot state for a stream, or 404.
func (a *API) matchStateHandler(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	doc, _, err := a.store.ReadItem(r.Context(), eventstore.EventsContainer, "snap-"+streamID, streamID)
	if err != nil {
		if docstore.IsKind(err, docstore.KindNotFound) {
			http.NotFound(w, r)
			return
		}
		a.serverError(w, r, "read snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, doc["state"])
}

type matchEnvelope struct {
	StreamID         string      `json:"streamId"`
	AggregateVersion int         `json:"aggregateVersion"`
	ETag             string      `json:"etag"`
	State            interface{} `json:"state"`
}

// matchEnvelopeHandler returns the snapshot with its version and concurrency token, so a
// client can issue a guarded append without a second read.
func (a *API) matchEnvelopeHandler(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	envelope, ok := a.readEnvelope(w, r, streamID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (a *API) readEnvelope(w http.ResponseWriter, r *http.Request, streamID string) (matchEnvelope, bool) {
	doc, etag, err := a.store.ReadItem(r.Context(), eventstore.EventsContainer, "snap-"+streamID, streamID)
	if err != nil {
		if docstore.IsKind(err, docstore.KindNotFound) {
			http.NotFound(w, r)
			return matchEnvelope{}, false
		}
		a.serverError(w, r, "read snapshot", err)
		return matchEnvelope{}, false
	}
	version, _ := doc["aggVersion"].(int)
	if version == 0 {
		if f, ok := doc["aggVersion"].(float64); ok {
			version = int(f)
		}
	}
	return matchEnvelope{StreamID: streamID, AggregateVersion: version, ETag: etag, State: doc["state"]}, true
}

type appendEvent struct {
	ID      string                 `json:"id"`
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload"`
}

type appendRequest struct {
	ExpectedVersion int                    `json:"expectedVersion"`
	ExpectedETag    string                 `json:"expectedEtag"`
	Snapshot        map[string]interface{} `json:"snapshot"`
	Events          []appendEvent          `json:"events"`
}

// knownKinds maps lowercase event kind names to their canonical casing. Unknown kinds pass
// through untouched as generic payloads.
var knownKinds = map[string]string{
	"matchstateupdated":      "MatchStateUpdated",
	"trainermetricscaptured": "TrainerMetricsCaptured",
}

func canonicalKind(kind string) string {
	if canonical, ok := knownKinds[strings.ToLower(strings.TrimSpace(kind))]; ok {
		return canonical
	}
	return kind
}

// appendHandler accepts a guarded append and returns 202, or 412 on a concurrency failure.
func (a *API) appendHandler(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	if a.doAppend(w, r, streamID) {
		w.WriteHeader(http.StatusAccepted)
	}
}

// applyHandler is the append variant that echoes the post-append envelope on success.
func (a *API) applyHandler(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	if !a.doAppend(w, r, streamID) {
		return
	}
	envelope, ok := a.readEnvelope(w, r, streamID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (a *API) doAppend(w http.ResponseWriter, r *http.Request, streamID string) bool {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return false
	}
	if len(req.Events) == 0 {
		writeProblem(w, http.StatusBadRequest, "invalid request payload", "events must not be empty")
		return false
	}

	events := make([]eventstore.NewEvent, 0, len(req.Events))
	for _, ev := range req.Events {
		events = append(events, eventstore.NewEvent{
			ID:   ev.ID,
			Kind: canonicalKind(ev.Kind),
			Data: ev.Payload,
		})
	}

	err := a.events.AppendWithSnapshot(r.Context(), eventstore.AppendRequest{
		StreamID:        streamID,
		ExpectedVersion: req.ExpectedVersion,
		ExpectedETag:    req.ExpectedETag,
		SnapshotState:   req.Snapshot,
		Events:          events,
	})
	if err != nil {
		var esErr *eventstore.Error
		if errors.As(err, &esErr) {
			switch esErr.Kind {
			case eventstore.KindConcurrency:
				// No retry here: the client holds the stale version and must re-read.
				writeProblem(w, http.StatusPreconditionFailed, "concurrency conflict", esErr.Message)
				return false
			case eventstore.KindTransient:
				writeProblem(w, http.StatusServiceUnavailable, "store unavailable", esErr.Message)
				return false
			}
		}
		a.serverError(w, r, "append", err)
		return false
	}

	a.notifyMatchState(r, streamID)
	return true
}

// notifyMatchState pushes the post-append match state to hub subscribers. The projector
// broadcasts the same state once the change feed catches up; double delivery is harmless
// because the payload is a full replacement, not a delta.
func (a *API) notifyMatchState(r *http.Request, streamID string) {
	if a.hub == nil || a.read == nil {
		return
	}
	view, err := a.read.GetMatchState(r.Context(), streamID)
	if err != nil {
		return
	}
	a.hub.BroadcastMatchState(streamID, view)
}

func (a *API) momentumHandler(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	view, err := a.read.GetMomentum(r.Context(), streamID, a.momentumMax)
	if err != nil {
		if docstore.IsKind(err, docstore.KindNotFound) {
			http.NotFound(w, r)
			return
		}
		a.serverError(w, r, "read momentum", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	view, err := a.read.GetLeaderboard(r.Context(), a.leaderboardTop)
	if err != nil {
		a.serverError(w, r, "read leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = a.log
	}
	logger.Error("httpapi: "+op+" failed", logging.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{Title: title, Detail: detail, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
