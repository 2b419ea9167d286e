package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fanride/backend/internal/logging"
)

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// Client is one hub connection with its buffered outbound queue and subscription set.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	log  *logging.Logger

	mu      sync.Mutex
	streams map[string]bool
}

func (c *Client) subscribedTo(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[streamID]
}

func (c *Client) addStream(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[streamID] = true
}

type inboundEnvelope struct {
	Type      string  `json:"type"`
	StreamID  string  `json:"streamId"`
	Watts     float64 `json:"watts"`
	Cadence   float64 `json:"cadence"`
	HeartRate float64 `json:"heartRate"`
}

type metricsPayload struct {
	Watts     float64 `json:"watts"`
	Cadence   float64 `json:"cadence"`
	HeartRate float64 `json:"heartRate"`
}

// ServeWS upgrades an HTTP request into a hub connection and starts its reader and writer
// goroutines.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx, baseLogger, _ := logging.WithTrace(r.Context(), logging.LoggerFromContext(r.Context()), logging.TraceIDFromContext(r.Context()))
	reqLogger := baseLogger.With(logging.String("remote_addr", r.RemoteAddr))
	ctx = logging.ContextWithLogger(ctx, reqLogger)
	r = r.WithContext(ctx)

	clientID := r.RemoteAddr
	if h.auth != nil {
		subject, err := h.auth.Authenticate(r)
		if err != nil {
			reqLogger.Warn("rejecting hub connection: authentication failed", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if strings.TrimSpace(subject) != "" {
			clientID = subject
			reqLogger = reqLogger.With(logging.String("client_subject", subject))
		}
	}

	// Capacity pre-check
	if h.maxClients > 0 {
		h.lock.Lock()
		if len(h.clients)+h.pendingClients >= h.maxClients {
			h.lock.Unlock()
			reqLogger.Warn("refusing hub connection: client limit reached", logging.Int("max_clients", h.maxClients))
			http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
			return
		}
		h.pendingClients++
		h.lock.Unlock()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.maxClients > 0 {
			h.lock.Lock()
			if h.pendingClients > 0 {
				h.pendingClients--
			}
			h.lock.Unlock()
		}
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256), id: clientID, streams: make(map[string]bool)}
	client.log = reqLogger.With(logging.String("client_id", client.id))

	h.lock.Lock()
	if h.maxClients > 0 && h.pendingClients > 0 {
		h.pendingClients--
	}
	h.clients[client] = true
	h.stats.Clients++
	h.lock.Unlock()

	// Enforce payload limit (read side)
	if h.maxPayloadBytes > 0 {
		client.conn.SetReadLimit(h.maxPayloadBytes)
	}

	// Keepalive: read deadline & pong handler
	waitDuration := time.Duration(pongWaitMultiplier) * h.pingInterval
	if err := client.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		client.log.Error("failed to set initial read deadline", logging.Error(err))
		_ = client.conn.Close()
		return
	}
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go h.readLoop(client, waitDuration)
	go h.writeLoop(client)
}

func (h *Hub) readLoop(client *Client, waitDuration time.Duration) {
	defer func() {
		h.deregisterClient(client)
		_ = client.conn.Close()
	}()
	for {
		messageType, msg, err := client.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				client.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				client.log.Warn("closing connection due to oversized payload", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				client.log.Debug("connection closed", logging.Error(err))
			}
			break
		}

		// Extend read deadline after every frame
		if err := client.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			client.log.Error("failed to extend read deadline", logging.Error(err))
			break
		}

		if messageType != websocket.TextMessage {
			client.log.Debug("dropping non-text message")
			continue
		}

		var envelope inboundEnvelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			client.log.Debug("dropping invalid JSON message", logging.Error(err))
			continue
		}
		h.handleInbound(client, envelope)
	}
}

func (h *Hub) handleInbound(client *Client, envelope inboundEnvelope) {
	switch envelope.Type {
	case "sendMetrics":
		if !h.metrics.Allow(client.id) {
			client.log.Debug("throttling metrics submission")
			return
		}
		// Fan to every other connection; the sender already knows its own reading.
		h.broadcastOthers(client, outboundFrame{Type: "metrics", Data: metricsPayload{
			Watts:     envelope.Watts,
			Cadence:   envelope.Cadence,
			HeartRate: envelope.HeartRate,
		}})
	case "subscribeToStream":
		streamID := strings.TrimSpace(envelope.StreamID)
		if streamID == "" {
			client.log.Warn("ignoring subscribe with empty stream id")
			return
		}
		if _, err := h.registry.Subscribe(streamID, client.id); err != nil {
			client.log.Warn("subscribe rejected", logging.String("streamId", streamID), logging.Error(err))
			return
		}
		client.addStream(streamID)
		h.primeSubscriber(logging.ContextWithLogger(context.Background(), client.log), client, streamID)
	default:
		client.log.Debug("dropping message with unknown type", logging.String("message_type", envelope.Type))
	}
}

func (h *Hub) writeLoop(client *Client) {
	pingTicker := time.NewTicker(h.pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				client.log.Error("failed to set write deadline", logging.Error(err))
				h.deregisterClient(client)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.log.Error("write error", logging.Error(err))
				h.deregisterClient(client)
				return
			}
		case <-pingTicker.C:
			// Send ping periodically; pong handler extends read deadline
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				client.log.Warn("ping failure", logging.Error(err))
				h.deregisterClient(client)
				return
			}
		}
	}
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		key := strings.ToLower(u.Scheme + "://" + u.Host)
		allowed[key] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			// No Origin usually means non-browser client; reject by default.
			return false
		}

		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}

		// Always allow localhost for dev workflows.
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}

		key := strings.ToLower(originURL.Scheme + "://" + originURL.Host)
		if _, ok := allowed[key]; ok {
			return true
		}

		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}
