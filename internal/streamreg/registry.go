package streamreg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidStreamID is returned when a subscribe request omits the stream identifier.
	ErrInvalidStreamID = errors.New("stream id must not be empty")
	// ErrInvalidClientID is returned when a subscribe request omits the client identifier.
	ErrInvalidClientID = errors.New("client id must not be empty")
	// ErrStreamFull indicates that the stream has reached the configured subscriber limit.
	ErrStreamFull = errors.New("stream subscriber capacity reached")
	// ErrInvalidCapacity is returned when capacity updates violate basic invariants.
	ErrInvalidCapacity = errors.New("invalid subscriber capacity")
)

// Snapshot captures a stable view of one stream's subscription state for observers.
type Snapshot struct {
	StreamID    string   `json:"stream_id"`
	Subscribers []string `json:"subscribers"`
	FirstSeenAt string   `json:"first_seen_at"`
}

type streamEntry struct {
	subscribers map[string]time.Time
	firstSeen   time.Time
}

// RegistryOption configures optional Registry behaviour at construction time.
type RegistryOption func(*Registry)

// Registry tracks which live streams exist and which hub clients are subscribed to each.
// The hub records every subscription here, which enforces the per-stream subscriber limit
// and feeds the admin and metrics surfaces; the hub's stream-scoped broadcasts check each
// connection's own subscription set and do not query the registry.
type Registry struct {
	mu sync.RWMutex

	streams        map[string]*streamEntry
	maxSubscribers int
	now            func() time.Time
}

// WithClock overrides the default wall-clock time source.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithMaxSubscribers bounds how many clients may subscribe to a single stream. Zero
// disables the limit.
func WithMaxSubscribers(limit int) RegistryOption {
	return func(r *Registry) {
		r.maxSubscribers = limit
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	registry := &Registry{
		streams: make(map[string]*streamEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	if registry.maxSubscribers < 0 {
		return nil, fmt.Errorf("%w: max subscribers must be non-negative", ErrInvalidCapacity)
	}
	return registry, nil
}

// Subscribe places a client into a stream's group, enforcing the subscriber limit. A repeat
// subscribe refreshes the client's timestamp instead of counting twice.
func (r *Registry) Subscribe(streamID, clientID string) (Snapshot, error) {
	stream := strings.TrimSpace(streamID)
	if stream == "" {
		return Snapshot{}, ErrInvalidStreamID
	}
	client := strings.TrimSpace(clientID)
	if client == "" {
		return Snapshot{}, ErrInvalidClientID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.streams[stream]
	if entry == nil {
		entry = &streamEntry{subscribers: make(map[string]time.Time), firstSeen: r.now()}
		r.streams[stream] = entry
	}
	if _, exists := entry.subscribers[client]; !exists {
		if r.maxSubscribers > 0 && len(entry.subscribers) >= r.maxSubscribers {
			return Snapshot{}, ErrStreamFull
		}
	}
	entry.subscribers[client] = r.now()
	return r.snapshotLocked(stream, entry), nil
}

// Unsubscribe removes a client from one stream's group. Streams with no subscribers are
// retained: a stream the registry has seen stays listed for observers.
func (r *Registry) Unsubscribe(streamID, clientID string) Snapshot {
	stream := strings.TrimSpace(streamID)
	client := strings.TrimSpace(clientID)
	if stream == "" || client == "" {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.streams[stream]
	if entry == nil {
		return Snapshot{StreamID: stream}
	}
	delete(entry.subscribers, client)
	return r.snapshotLocked(stream, entry)
}

// Forget removes a disconnected client from every stream group.
func (r *Registry) Forget(clientID string) {
	client := strings.TrimSpace(clientID)
	if client == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.streams {
		delete(entry.subscribers, client)
	}
}

// Subscribers returns the clients currently subscribed to a stream, sorted.
func (r *Registry) Subscribers(streamID string) []string {
	stream := strings.TrimSpace(streamID)
	if stream == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.streams[stream]
	if entry == nil || len(entry.subscribers) == 0 {
		return nil
	}
	subscribers := make([]string, 0, len(entry.subscribers))
	for id := range entry.subscribers {
		subscribers = append(subscribers, id)
	}
	sort.Strings(subscribers)
	return subscribers
}

// SnapshotStream returns a stable view of a single stream's state.
func (r *Registry) SnapshotStream(streamID string) Snapshot {
	stream := strings.TrimSpace(streamID)
	if stream == "" {
		return Snapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.streams[stream]
	if entry == nil {
		return Snapshot{StreamID: stream}
	}
	return r.snapshotLocked(stream, entry)
}

// Snapshots returns every known stream ordered by id, for admin and metrics surfaces.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.streams) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snapshots = append(snapshots, r.snapshotLocked(id, r.streams[id]))
	}
	return snapshots
}

// AdjustCapacity mutates the per-stream subscriber limit while guarding active groups.
func (r *Registry) AdjustCapacity(maxSubscribers int) error {
	if maxSubscribers < 0 {
		return fmt.Errorf("%w: max subscribers must be non-negative", ErrInvalidCapacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxSubscribers > 0 {
		for id, entry := range r.streams {
			if len(entry.subscribers) > maxSubscribers {
				return fmt.Errorf("%w: stream %s has %d subscribers, exceeding max %d", ErrInvalidCapacity, id, len(entry.subscribers), maxSubscribers)
			}
		}
	}
	r.maxSubscribers = maxSubscribers
	return nil
}

func (r *Registry) snapshotLocked(streamID string, entry *streamEntry) Snapshot {
	snapshot := Snapshot{StreamID: streamID, FirstSeenAt: entry.firstSeen.UTC().Format(time.RFC3339Nano)}
	if len(entry.subscribers) == 0 {
		return snapshot
	}
	snapshot.Subscribers = make([]string, 0, len(entry.subscribers))
	for id := range entry.subscribers {
		snapshot.Subscribers = append(snapshot.Subscribers, id)
	}
	sort.Strings(snapshot.Subscribers)
	return snapshot
}
