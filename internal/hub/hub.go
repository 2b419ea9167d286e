// Package hub terminates persistent client connections on /hub/match, accepts
// client-initiated stream subscriptions and trainer-metric submissions, and fans
// derived-state broadcasts out to subscribers. Subscribing places a connection into a
// stream-named group; matchState, tesHistory, and trainerEffect broadcasts target only that
// group, while leaderboard frames (cross-stream by definition) go to every connection.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fanride/backend/internal/config"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/readmodel"
	"fanride/backend/internal/streamreg"
)

const writeWait = 10 * time.Second

// read deadline = pingInterval * pongWaitMultiplier
const pongWaitMultiplier = 2

// Stats reports hub activity for the metrics surface: Broadcasts is cumulative, Clients is
// the number of currently connected clients.
type Stats struct {
	Broadcasts int `json:"broadcasts"`
	Clients    int `json:"clients"`
}

// Hub owns the WebSocket connection registry and all broadcast fan-out.
type Hub struct {
	clients         map[*Client]bool
	lock            sync.RWMutex
	stats           Stats
	maxPayloadBytes int64
	pingInterval    time.Duration

	// capacity limiting
	maxClients     int
	pendingClients int

	startedAt time.Time
	log       *logging.Logger

	read     *readmodel.Service
	registry *streamreg.Registry
	metrics  *MetricsRegulator
	auth     Authenticator
	upgrader websocket.Upgrader

	momentumMax    int
	leaderboardTop int
}

// Option configures optional Hub behaviour.
type Option func(*Hub)

// WithAuthenticator wires a custom connection authenticator.
func WithAuthenticator(auth Authenticator) Option {
	return func(h *Hub) {
		if auth != nil {
			h.auth = auth
		}
	}
}

// WithMetricsRegulator overrides the default per-connection submission throttle.
func WithMetricsRegulator(regulator *MetricsRegulator) Option {
	return func(h *Hub) {
		if regulator != nil {
			h.metrics = regulator
		}
	}
}

// WithOriginChecker overrides the WebSocket origin policy.
func WithOriginChecker(check func(*http.Request) bool) Option {
	return func(h *Hub) {
		if check != nil {
			h.upgrader.CheckOrigin = check
		}
	}
}

// WithWindowSizes overrides the momentum window and leaderboard size used when priming a new
// subscriber. Zero keeps the readmodel defaults.
func WithWindowSizes(momentumMax, leaderboardTop int) Option {
	return func(h *Hub) {
		if momentumMax > 0 {
			h.momentumMax = momentumMax
		}
		if leaderboardTop > 0 {
			h.leaderboardTop = leaderboardTop
		}
	}
}

// New constructs a Hub. registry must not be nil; read may be nil in tests that never
// subscribe.
func New(cfg *config.Config, read *readmodel.Service, registry *streamreg.Registry, logger *logging.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	maxPayload := config.DefaultMaxPayloadBytes
	maxClients := config.DefaultMaxClients
	ping := config.DefaultPingInterval
	if cfg != nil {
		if cfg.MaxPayloadBytes > 0 {
			maxPayload = cfg.MaxPayloadBytes
		}
		maxClients = cfg.MaxClients
		if cfg.PingInterval > 0 {
			ping = cfg.PingInterval
		}
	}
	h := &Hub{
		clients:         make(map[*Client]bool),
		maxPayloadBytes: maxPayload,
		pingInterval:    ping,
		maxClients:      maxClients,
		startedAt:       time.Now(),
		log:             logger,
		read:            read,
		registry:        registry,
		metrics:         NewMetricsRegulator(DefaultMetricsPerSecond, DefaultMetricsBurst, nil),
		auth:            allowAllAuthenticator{},
	}
	h.upgrader = websocket.Upgrader{}
	if cfg != nil {
		h.upgrader.CheckOrigin = buildOriginChecker(logger.With(logging.String("component", "origin-check")), cfg.AllowedOrigins)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Stats returns the cumulative broadcast count and the current client count.
func (h *Hub) Stats() Stats {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.stats
}

// SnapshotClientCounts returns the current number of connected and pending clients.
func (h *Hub) SnapshotClientCounts() (clients, pending int) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.stats.Clients, h.pendingClients
}

// StartupError reports readiness; the hub has no asynchronous startup phase.
func (h *Hub) StartupError() error { return nil }

// Uptime reports how long the hub has been serving connections.
func (h *Hub) Uptime() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	return time.Since(h.startedAt)
}

// MetricsUsage exposes the throttle snapshot for the metrics endpoint.
func (h *Hub) MetricsUsage() map[string]MetricsUsage {
	return h.metrics.SnapshotUsage()
}

// StreamSnapshots exposes the subscription registry for admin surfaces.
func (h *Hub) StreamSnapshots() []streamreg.Snapshot {
	return h.registry.Snapshots()
}

type outboundFrame struct {
	Type     string      `json:"type"`
	StreamID string      `json:"streamId,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// BroadcastMatchState pushes the current match state to the stream's subscribers.
func (h *Hub) BroadcastMatchState(streamID string, view *readmodel.MatchStateView) {
	if view == nil {
		return
	}
	h.broadcastStream(streamID, outboundFrame{Type: "matchState", StreamID: streamID, Data: view})
}

// BroadcastMomentum pushes the latest momentum window to the stream's subscribers.
func (h *Hub) BroadcastMomentum(streamID string, view *readmodel.MomentumView) {
	if view == nil {
		return
	}
	h.broadcastStream(streamID, outboundFrame{Type: "tesHistory", StreamID: streamID, Data: view})
}

// BroadcastLeaderboard pushes the ranked leaderboard to every connection.
func (h *Hub) BroadcastLeaderboard(view *readmodel.LeaderboardView) {
	if view == nil {
		return
	}
	h.broadcastAll(outboundFrame{Type: "leaderboard", Data: view})
}

// BroadcastTrainerEffect relays an outbox payload to the stream's subscribers.
func (h *Hub) BroadcastTrainerEffect(streamID string, payload interface{}) {
	h.broadcastStream(streamID, outboundFrame{Type: "trainerEffect", StreamID: streamID, Data: payload})
}

func (h *Hub) encode(frame outboundFrame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("hub: failed to marshal outbound frame", logging.String("frame_type", frame.Type), logging.Error(err))
		return nil
	}
	return data
}

func (h *Hub) broadcastAll(frame outboundFrame) {
	msg := h.encode(frame)
	if msg == nil {
		return
	}
	h.lock.Lock()
	h.stats.Broadcasts++
	defer h.lock.Unlock()
	for c := range h.clients {
		h.enqueueLocked(c, msg)
	}
}

func (h *Hub) broadcastStream(streamID string, frame outboundFrame) {
	msg := h.encode(frame)
	if msg == nil {
		return
	}
	h.lock.Lock()
	h.stats.Broadcasts++
	defer h.lock.Unlock()
	for c := range h.clients {
		if !c.subscribedTo(streamID) {
			continue
		}
		h.enqueueLocked(c, msg)
	}
}

// broadcastOthers fans a frame to every connection except the sender.
func (h *Hub) broadcastOthers(sender *Client, frame outboundFrame) {
	msg := h.encode(frame)
	if msg == nil {
		return
	}
	h.lock.Lock()
	h.stats.Broadcasts++
	defer h.lock.Unlock()
	for c := range h.clients {
		if c == sender {
			continue
		}
		h.enqueueLocked(c, msg)
	}
}

// enqueueLocked attempts a non-blocking send; saturated clients are dropped so a slow
// consumer cannot stall the fan-out path. Callers must hold h.lock.
func (h *Hub) enqueueLocked(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		close(c.send)
		delete(h.clients, c)
		if h.stats.Clients > 0 {
			h.stats.Clients--
		}
	}
}

// sendTo queues a frame to a single connection.
func (h *Hub) sendTo(c *Client, frame outboundFrame) {
	msg := h.encode(frame)
	if msg == nil {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.enqueueLocked(c, msg)
}

func (h *Hub) deregisterClient(client *Client) {
	h.lock.Lock()
	if _, exists := h.clients[client]; exists {
		delete(h.clients, client)
		close(client.send)
		if h.stats.Clients > 0 {
			h.stats.Clients--
		}
	}
	h.lock.Unlock()
	if client != nil {
		h.registry.Forget(client.id)
		h.metrics.Forget(client.id)
	}
}

// primeSubscriber pushes the current derived state to a freshly subscribed connection: the
// match state, the momentum window when one exists, and the leaderboard.
func (h *Hub) primeSubscriber(ctx context.Context, client *Client, streamID string) {
	if h.read == nil {
		return
	}
	if view, err := h.read.GetMatchState(ctx, streamID); err == nil {
		h.sendTo(client, outboundFrame{Type: "matchState", StreamID: streamID, Data: view})
	}
	if momentum, err := h.read.GetMomentum(ctx, streamID, h.momentumMax); err == nil {
		h.sendTo(client, outboundFrame{Type: "tesHistory", StreamID: streamID, Data: momentum})
	}
	if leaderboard, err := h.read.GetLeaderboard(ctx, h.leaderboardTop); err == nil {
		h.sendTo(client, outboundFrame{Type: "leaderboard", Data: leaderboard})
	}
}
