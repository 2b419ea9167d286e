package hub

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultMetricsPerSecond caps sustained trainer-metric submissions per connection. Real
	// trainers report at 1 Hz; anything persistently faster is a misbehaving agent.
	DefaultMetricsPerSecond = 4.0
	// DefaultMetricsBurst allows a short catch-up burst after a reconnect.
	DefaultMetricsBurst = 8.0
)

// MetricsUsage captures the throttling state for a single connection.
type MetricsUsage struct {
	ClientID             string
	AvailableSubmissions float64
	SubmissionsPerSecond float64
	ObservedSeconds      float64
	DeniedSubmissions    int64
	LastUpdatedTimestamp time.Time
}

type metricsBucket struct {
	tokens float64
	last   time.Time
	window time.Time
	sent   int64
	denied int64
}

// MetricsRegulator enforces a token-bucket submission budget per connection so a runaway
// trainer agent cannot flood the hub with sendMetrics frames.
type MetricsRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*metricsBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewMetricsRegulator constructs a regulator enforcing the supplied submission rate.
func NewMetricsRegulator(perSecond, burst float64, clock func() time.Time) *MetricsRegulator {
	if perSecond <= 0 {
		perSecond = DefaultMetricsPerSecond
	}
	if burst <= 0 {
		burst = DefaultMetricsBurst
	}
	if clock == nil {
		clock = time.Now
	}
	return &MetricsRegulator{
		buckets:  make(map[string]*metricsBucket),
		capacity: burst,
		refill:   perSecond,
		now:      clock,
	}
}

func (r *MetricsRegulator) replenish(bucket *metricsBucket, now time.Time) {
	if bucket == nil {
		return
	}
	// Skip negative intervals to protect against clock skew.
	if now.Before(bucket.last) {
		return
	}
	elapsed := now.Sub(bucket.last).Seconds()
	if elapsed <= 0 {
		bucket.last = now
		return
	}
	bucket.tokens += elapsed * r.refill
	if bucket.tokens > r.capacity {
		bucket.tokens = r.capacity
	}
	bucket.last = now
}

// Allow charges one submission against the connection's budget.
func (r *MetricsRegulator) Allow(clientID string) bool {
	if r == nil || clientID == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[clientID]
	now := r.now()
	if bucket == nil {
		// Seed new connections with a full bucket so they can burst immediately.
		bucket = &metricsBucket{tokens: r.capacity, last: now, window: now}
		r.buckets[clientID] = bucket
	}
	r.replenish(bucket, now)

	if bucket.tokens < 1 {
		bucket.denied++
		return false
	}

	bucket.tokens--
	bucket.sent++
	if bucket.window.IsZero() {
		bucket.window = now
	}
	return true
}

// Forget removes the token bucket for a disconnected connection.
func (r *MetricsRegulator) Forget(clientID string) {
	if r == nil || clientID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, clientID)
	r.mu.Unlock()
}

// SnapshotUsage reports the most recent throttling statistics per connection.
func (r *MetricsRegulator) SnapshotUsage() map[string]MetricsUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	snapshot := make(map[string]MetricsUsage, len(r.buckets))
	for clientID, bucket := range r.buckets {
		if bucket == nil {
			continue
		}
		r.replenish(bucket, now)

		observed := now.Sub(bucket.window).Seconds()
		if observed < 0 {
			observed = 0
		}
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}

		snapshot[clientID] = MetricsUsage{
			ClientID:             clientID,
			AvailableSubmissions: math.Max(bucket.tokens, 0),
			SubmissionsPerSecond: rate,
			ObservedSeconds:      observed,
			DeniedSubmissions:    bucket.denied,
			LastUpdatedTimestamp: bucket.last,
		}
	}
	if len(snapshot) == 0 {
		return nil
	}
	return snapshot
}
