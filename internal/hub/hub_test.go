package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fanride/backend/internal/config"
	"fanride/backend/internal/docstore"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/readmodel"
	"fanride/backend/internal/streamreg"
	"fanride/backend/internal/websockettest"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		PingInterval:    config.DefaultPingInterval,
	}
}

func newTestHub(t *testing.T, read *readmodel.Service, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	registry, err := streamreg.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	opts = append([]Option{WithOriginChecker(func(*http.Request) bool { return true })}, opts...)
	h := New(testConfig(), read, registry, logging.NewTestLogger(), opts...)
	server := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(server.Close)
	return h, server
}

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websockettest.DialIgnoringPongs(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"streamId"`
	Data     json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (frame, bool) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return frame{}, false
	}
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f, true
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if clients, _ := h.SnapshotClientCounts(); clients == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	clients, _ := h.SnapshotClientCounts()
	t.Fatalf("expected %d clients, have %d", want, clients)
}

func TestSendMetricsFansToOtherConnectionsOnly(t *testing.T) {
	h, server := newTestHub(t, nil)

	receiver := dialHub(t, server)
	sender := dialHub(t, server)
	waitForClients(t, h, 2)

	submit := []byte(`{"type":"sendMetrics","watts":250,"cadence":90,"heartRate":155}`)
	if err := sender.WriteMessage(websocket.TextMessage, submit); err != nil {
		t.Fatalf("write sendMetrics: %v", err)
	}

	got, ok := readFrame(t, receiver, time.Second)
	if !ok {
		t.Fatal("receiver did not get a metrics frame")
	}
	if got.Type != "metrics" {
		t.Fatalf("unexpected frame type: %q", got.Type)
	}
	var payload struct {
		Watts     float64 `json:"watts"`
		Cadence   float64 `json:"cadence"`
		HeartRate float64 `json:"heartRate"`
	}
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("unmarshal metrics payload: %v", err)
	}
	if payload.Watts != 250 || payload.Cadence != 90 || payload.HeartRate != 155 {
		t.Fatalf("unexpected metrics payload: %+v", payload)
	}

	// The sender must not see its own submission echoed back.
	if echoed, ok := readFrame(t, sender, 200*time.Millisecond); ok {
		t.Fatalf("sender received its own metrics frame: %+v", echoed)
	}
}

func TestSubscribePrimesCallerWithCurrentState(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	ctx := context.Background()
	seed := []struct {
		container string
		partition string
		doc       docstore.Item
	}{
		{readmodel.MatchStateContainer, "m1", docstore.Item{
			"id": "m1", "streamId": "m1", "aggVersion": 3,
			"state":     map[string]interface{}{"score": map[string]interface{}{"home": 12, "away": 8}, "quarter": 2, "clock": "05:30"},
			"updatedAt": "2026-07-01T12:00:00Z",
		}},
		{readmodel.MomentumContainer, "m1", docstore.Item{
			"id": "m1-3", "streamId": "m1",
			"metrics": map[string]interface{}{"watts": 310.0, "cadence": 92.0, "heartRate": 160.0},
			"ts":      "2026-07-01T12:00:00Z",
		}},
		{readmodel.LeaderboardContainer, "m1", docstore.Item{
			"id": "m1", "streamId": "m1",
			"metrics":   map[string]interface{}{"watts": 310.0, "cadence": 92.0, "heartRate": 160.0},
			"updatedAt": "2026-07-01T12:00:00Z",
		}},
	}
	for _, row := range seed {
		if _, err := store.UpsertItem(ctx, row.container, row.partition, row.doc); err != nil {
			t.Fatalf("seed %s: %v", row.container, err)
		}
	}

	h, server := newTestHub(t, readmodel.New(store, nil))

	conn := dialHub(t, server)
	waitForClients(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribeToStream","streamId":"m1"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	types := make([]string, 0, 3)
	for len(types) < 3 {
		f, ok := readFrame(t, conn, time.Second)
		if !ok {
			t.Fatalf("timed out priming subscriber, got %v", types)
		}
		types = append(types, f.Type)
		if f.Type == "matchState" {
			var view readmodel.MatchStateView
			if err := json.Unmarshal(f.Data, &view); err != nil {
				t.Fatalf("unmarshal matchState: %v", err)
			}
			if view.ScoreHome != 12 || view.ScoreAway != 8 || view.Quarter != 2 {
				t.Fatalf("unexpected match state: %+v", view)
			}
		}
	}
	want := []string{"matchState", "tesHistory", "leaderboard"}
	for i, typ := range want {
		if types[i] != typ {
			t.Fatalf("unexpected priming order: %v", types)
		}
	}
}

func TestStreamBroadcastsOnlyReachSubscribers(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	h, server := newTestHub(t, readmodel.New(store, nil))

	subscriber := dialHub(t, server)
	bystander := dialHub(t, server)
	waitForClients(t, h, 2)

	if err := subscriber.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribeToStream","streamId":"m1"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	// Wait for the subscription to register before broadcasting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if subs := h.StreamSnapshots(); len(subs) == 1 && len(subs[0].Subscribers) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Subscribing primes the caller; over an empty store only the leaderboard frame is sent,
	// and it is queued after the connection has joined the stream group.
	if primed, ok := readFrame(t, subscriber, time.Second); !ok || primed.Type != "leaderboard" {
		t.Fatalf("expected priming leaderboard frame, got %+v (ok=%v)", primed, ok)
	}

	h.BroadcastMatchState("m1", &readmodel.MatchStateView{StreamID: "m1", ScoreHome: 1})
	// Leaderboard frames are cross-stream and reach every connection.
	h.BroadcastLeaderboard(&readmodel.LeaderboardView{GeneratedAt: "2026-07-01T12:00:00Z"})

	got, ok := readFrame(t, subscriber, time.Second)
	if !ok {
		t.Fatal("subscriber did not receive matchState broadcast")
	}
	if got.Type != "matchState" || got.StreamID != "m1" {
		t.Fatalf("unexpected frame: %+v", got)
	}

	// Frames are delivered in order per connection, so the bystander's first frame being
	// the leaderboard proves the stream-scoped matchState never reached it.
	first, ok := readFrame(t, bystander, time.Second)
	if !ok {
		t.Fatal("bystander did not receive leaderboard broadcast")
	}
	if first.Type != "leaderboard" {
		t.Fatalf("stream-scoped broadcast leaked to bystander: %+v", first)
	}
}

func TestMetricsThrottleDropsFloods(t *testing.T) {
	fixed := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	regulator := NewMetricsRegulator(1, 1, func() time.Time { return fixed })
	h, server := newTestHub(t, nil, WithMetricsRegulator(regulator))

	receiver := dialHub(t, server)
	sender := dialHub(t, server)
	waitForClients(t, h, 2)

	submit := []byte(`{"type":"sendMetrics","watts":100}`)
	for i := 0; i < 3; i++ {
		if err := sender.WriteMessage(websocket.TextMessage, submit); err != nil {
			t.Fatalf("write sendMetrics %d: %v", i, err)
		}
	}

	if _, ok := readFrame(t, receiver, time.Second); !ok {
		t.Fatal("first submission should pass the throttle")
	}
	if extra, ok := readFrame(t, receiver, 300*time.Millisecond); ok {
		t.Fatalf("throttled submission was broadcast: %+v", extra)
	}

	usage := h.MetricsUsage()
	if len(usage) != 1 {
		t.Fatalf("expected one throttled connection, got %d", len(usage))
	}
	for _, sample := range usage {
		if sample.DeniedSubmissions != 2 {
			t.Fatalf("unexpected denied count: %+v", sample)
		}
	}
}

func TestSubscribeWithEmptyStreamIsIgnored(t *testing.T) {
	h, server := newTestHub(t, nil)
	conn := dialHub(t, server)
	waitForClients(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribeToStream","streamId":"  "}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if f, ok := readFrame(t, conn, 200*time.Millisecond); ok {
		t.Fatalf("unexpected frame after empty subscribe: %+v", f)
	}
	if snapshots := h.StreamSnapshots(); len(snapshots) != 0 {
		t.Fatalf("empty subscribe registered a stream: %+v", snapshots)
	}
}
