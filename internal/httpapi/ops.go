package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"fanride/backend/internal/hub"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/streamreg"
)

// ReadinessProvider exposes hub state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns the cumulative broadcast count and the current client count.
type StatsFunc func() (broadcasts, clients int)

// StreamArchiver triggers a stream export and returns the artefact location.
type StreamArchiver interface {
	ExportStream(ctx context.Context, streamID string) (string, error)
}

// StreamArchiverFunc adapts a function into a StreamArchiver.
type StreamArchiverFunc func(ctx context.Context, streamID string) (string, error)

// ExportStream implements StreamArchiver.
func (f StreamArchiverFunc) ExportStream(ctx context.Context, streamID string) (string, error) {
	return f(ctx, streamID)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// OpsOptions configures the OpsHandlerSet.
type OpsOptions struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Stats        StatsFunc
	MetricsUsage func() map[string]hub.MetricsUsage
	Streams      func() []streamreg.Snapshot
	Archiver     StreamArchiver
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// OpsHandlerSet bundles the operational handlers: health probes, Prometheus metrics, and
// the admin archive trigger.
type OpsHandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	stats        StatsFunc
	metricsUsage func() map[string]hub.MetricsUsage
	streams      func() []streamreg.Snapshot
	archiver     StreamArchiver
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewOpsHandlerSet constructs an OpsHandlerSet using the provided options.
func NewOpsHandlerSet(opts OpsOptions) *OpsHandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &OpsHandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		stats:        opts.Stats,
		metricsUsage: opts.MetricsUsage,
		streams:      opts.Streams,
		archiver:     opts.Archiver,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all operational handlers to the router.
func (h *OpsHandlerSet) Register(r *mux.Router) {
	if r == nil {
		return
	}
	r.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	if h.archiver != nil {
		r.HandleFunc("/admin/streams/{streamId}/archive", h.ArchiveHandler()).Methods(http.MethodPost)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *OpsHandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports process readiness, including hub client counts.
func (h *OpsHandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *OpsHandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broadcasts, clients := h.metricsStats()
		pending, uptime := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP fanride_uptime_seconds Backend uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE fanride_uptime_seconds gauge\n")
		fmt.Fprintf(w, "fanride_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP fanride_hub_clients Current connected hub clients.\n")
		fmt.Fprintf(w, "# TYPE fanride_hub_clients gauge\n")
		fmt.Fprintf(w, "fanride_hub_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP fanride_hub_pending_clients Pending hub handshakes awaiting upgrade.\n")
		fmt.Fprintf(w, "# TYPE fanride_hub_pending_clients gauge\n")
		fmt.Fprintf(w, "fanride_hub_pending_clients %d\n", pending)

		fmt.Fprintf(w, "# HELP fanride_hub_broadcasts_total Total broadcast payloads delivered.\n")
		fmt.Fprintf(w, "# TYPE fanride_hub_broadcasts_total counter\n")
		fmt.Fprintf(w, "fanride_hub_broadcasts_total %d\n", broadcasts)

		if h.streams != nil {
			snapshots := h.streams()
			fmt.Fprintf(w, "# HELP fanride_streams Known live streams.\n")
			fmt.Fprintf(w, "# TYPE fanride_streams gauge\n")
			fmt.Fprintf(w, "fanride_streams %d\n", len(snapshots))
			if len(snapshots) > 0 {
				fmt.Fprintf(w, "# HELP fanride_stream_subscribers Hub subscribers per stream.\n")
				fmt.Fprintf(w, "# TYPE fanride_stream_subscribers gauge\n")
				for _, snapshot := range snapshots {
					fmt.Fprintf(w, "fanride_stream_subscribers{stream=%q} %d\n", snapshot.StreamID, len(snapshot.Subscribers))
				}
			}
		}
		if h.metricsUsage != nil {
			usage := h.metricsUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP fanride_metric_submissions_per_second Observed trainer-metric submission rate per connection.\n")
				fmt.Fprintf(w, "# TYPE fanride_metric_submissions_per_second gauge\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "fanride_metric_submissions_per_second{client=%q} %.2f\n", clientID, sample.SubmissionsPerSecond)
				}
				fmt.Fprintf(w, "# HELP fanride_metric_submissions_denied_total Throttled trainer-metric submissions per connection.\n")
				fmt.Fprintf(w, "# TYPE fanride_metric_submissions_denied_total counter\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "fanride_metric_submissions_denied_total{client=%q} %d\n", clientID, sample.DeniedSubmissions)
				}
			}
		}
	}
}

// ArchiveHandler authorises and triggers a stream archive export.
func (h *OpsHandlerSet) ArchiveHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		streamID := mux.Vars(r)["streamId"]
		reqLogger := h.logger.With(
			logging.String("handler", "stream_archive"),
			logging.String("stream_id", streamID),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("archive denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("archive denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("archive denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		location, err := h.archiver.ExportStream(r.Context(), streamID)
		if err != nil {
			reqLogger.Error("archive export failed", logging.Error(err))
			http.Error(w, "failed to export stream archive", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("stream archive exported")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *OpsHandlerSet) metricsStats() (broadcasts, clients int) {
	if h.stats != nil {
		return h.stats()
	}
	if h.readiness != nil {
		clients, _ = h.readiness.SnapshotClientCounts()
	}
	return
}

func (h *OpsHandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotClientCounts()
	return pending, h.readiness.Uptime().Seconds()
}

func (h *OpsHandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}
