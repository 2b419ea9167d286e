package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"fanride/backend/internal/logging"
	"fanride/backend/internal/streamreg"
)

type stubReadiness struct {
	clients int
	err     error
}

func (s stubReadiness) SnapshotClientCounts() (int, int) { return s.clients, 0 }
func (s stubReadiness) StartupError() error              { return s.err }
func (s stubReadiness) Uptime() time.Duration            { return 90 * time.Second }

func newOpsServer(t *testing.T, opts OpsOptions) *httptest.Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger()
	}
	router := mux.NewRouter()
	NewOpsHandlerSet(opts).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestReadinessReflectsStartupState(t *testing.T) {
	server := newOpsServer(t, OpsOptions{Readiness: stubReadiness{clients: 3}})

	resp, err := http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if body.Status != "ok" || body.Clients != 3 {
		t.Fatalf("unexpected readiness body: %+v", body)
	}
}

func TestMetricsExposesStreamGauges(t *testing.T) {
	registry, err := streamreg.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := registry.Subscribe("m1", "client-a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	server := newOpsServer(t, OpsOptions{
		Readiness: stubReadiness{clients: 1},
		Stats:     func() (int, int) { return 42, 1 },
		Streams:   registry.Snapshots,
	})

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	text := string(raw)

	for _, want := range []string{
		"fanride_hub_broadcasts_total 42",
		"fanride_streams 1",
		`fanride_stream_subscribers{stream="m1"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

func TestArchiveHandlerRequiresAdminToken(t *testing.T) {
	archived := make([]string, 0, 1)
	server := newOpsServer(t, OpsOptions{
		AdminToken: "secret-token",
		Archiver: StreamArchiverFunc(func(ctx context.Context, streamID string) (string, error) {
			archived = append(archived, streamID)
			return "/archives/" + streamID, nil
		}),
	})

	resp, err := http.Post(server.URL+"/admin/streams/m1/archive", "application/json", nil)
	if err != nil {
		t.Fatalf("post without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if len(archived) != 0 {
		t.Fatalf("unauthorized request triggered an export: %+v", archived)
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/admin/streams/m1/archive", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret-token")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post with token: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", authed.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(authed.Body).Decode(&body); err != nil {
		t.Fatalf("decode archive response: %v", err)
	}
	if body.Location != "/archives/m1" || len(archived) != 1 || archived[0] != "m1" {
		t.Fatalf("unexpected archive result: %+v / %+v", body, archived)
	}
}

func TestArchiveHandlerHonoursRateLimit(t *testing.T) {
	limiter := NewSlidingWindowLimiter(time.Minute, 1, nil)
	server := newOpsServer(t, OpsOptions{
		AdminToken:  "secret-token",
		RateLimiter: limiter,
		Archiver: StreamArchiverFunc(func(ctx context.Context, streamID string) (string, error) {
			return "/archives/" + streamID, nil
		}),
	})

	do := func() int {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/admin/streams/m1/archive", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("X-Admin-Token", "secret-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post archive: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := do(); code != http.StatusAccepted {
		t.Fatalf("expected first export to pass, got %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("expected second export to be limited, got %d", code)
	}
}
