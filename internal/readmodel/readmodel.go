// Package readmodel is the query-side API over the projected read-model containers. It is
// read-only (the change-feed projector owns every write to these containers) and every field
// reader tolerates both camelCase and PascalCase names for the same logical field, because
// the projector and older manual writers historically disagreed on casing.
package readmodel

import (
	"context"
	"strconv"
	"time"

	"fanride/backend/internal/docstore"
)

// Container names, shared with internal/projector so both sides agree on where read models
// live without importing one another's internals.
const (
	MatchStateContainer  = "rm_match_state"
	MomentumContainer    = "rm_tes_history"
	LeaderboardContainer = "rm_leaderboard"
)

// DefaultMomentumMax is the number of momentum points returned when the caller does not
// override it.
const DefaultMomentumMax = 60

// DefaultLeaderboardTop is the number of leaderboard entries returned when the caller does
// not override it.
const DefaultLeaderboardTop = 10

// MatchStateView is the flattened projection GetMatchState returns.
type MatchStateView struct {
	StreamID  string `json:"streamId"`
	ScoreHome int    `json:"scoreHome"`
	ScoreAway int    `json:"scoreAway"`
	Quarter   int    `json:"quarter"`
	Clock     string `json:"clock"`
	UpdatedAt string `json:"updatedAt"`
}

// MomentumPoint is one row of the momentum window.
type MomentumPoint struct {
	Watts      float64 `json:"watts"`
	Cadence    float64 `json:"cadence"`
	HeartRate  float64 `json:"heartRate"`
	CapturedAt string  `json:"capturedAt"`
}

// MomentumView is the payload GetMomentum returns.
type MomentumView struct {
	StreamID string          `json:"streamId"`
	Points   []MomentumPoint `json:"points"`
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	RiderID   string  `json:"riderId"`
	Watts     float64 `json:"watts"`
	Cadence   float64 `json:"cadence"`
	HeartRate float64 `json:"heartRate"`
	UpdatedAt string  `json:"updatedAt"`
}

// LeaderboardView is the payload GetLeaderboard returns.
type LeaderboardView struct {
	Entries     []LeaderboardEntry `json:"entries"`
	GeneratedAt string              `json:"generatedAt"`
}

// Service bundles the three read-model queries over a shared store.
type Service struct {
	s     docstore.Store
	clock func() time.Time
}

// New constructs a Service over store. clock defaults to time.Now if nil.
func New(store docstore.Store, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{s: store, clock: clock}
}

// GetMatchState returns the flattened current match state for a stream.
func (svc *Service) GetMatchState(ctx context.Context, streamID string) (*MatchStateView, error) {
	doc, _, err := svc.s.ReadItem(ctx, MatchStateContainer, streamID, streamID)
	if err != nil {
		return nil, err
	}
	state, _ := firstOf(doc, "state", "State").(map[string]interface{})
	score, _ := firstOf(docstore.Item(state), "score", "Score").(map[string]interface{})
	return &MatchStateView{
		StreamID:  streamID,
		ScoreHome: intField(docstore.Item(score), "home", "Home"),
		ScoreAway: intField(docstore.Item(score), "away", "Away"),
		Quarter:   intField(docstore.Item(state), "quarter", "Quarter"),
		Clock:     stringField(docstore.Item(state), "", "clock", "Clock"),
		UpdatedAt: stringField(doc, "", "updatedAt", "UpdatedAt"),
	}, nil
}

// GetMomentum returns the most recent trainer-metric points for a stream, oldest first.
// maxPoints<=0 applies DefaultMomentumMax.
func (svc *Service) GetMomentum(ctx context.Context, streamID string, maxPoints int) (*MomentumView, error) {
	if maxPoints <= 0 {
		maxPoints = DefaultMomentumMax
	}
	cursor, err := svc.s.Query(ctx, MomentumContainer, docstore.QuerySpec{
		PartitionKey: streamID,
		OrderBy: func(a, b docstore.Item) bool {
			return capturedAtOf(a) > capturedAtOf(b)
		},
		Top: maxPoints,
	})
	if err != nil {
		return nil, err
	}
	rows := cursor.All()
	if len(rows) == 0 {
		return nil, docstore.NewError(docstore.KindNotFound, "no momentum history for "+streamID)
	}

	points := make([]MomentumPoint, 0, len(rows))
	for _, row := range rows {
		metrics, _ := firstOf(row, "metrics", "Metrics").(map[string]interface{})
		m := docstore.Item(metrics)
		points = append(points, MomentumPoint{
			Watts:      floatField(m, "watts", "Watts"),
			Cadence:    floatField(m, "cadence", "Cadence"),
			HeartRate:  floatField(m, "heartRate", "HeartRate"),
			CapturedAt: stringField(row, "now", "ts", "Ts", "capturedAt", "CapturedAt"),
		})
	}
	// rows were queried newest-first so Top keeps the most recent N; callers get them
	// back ascending by capturedAt.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return &MomentumView{StreamID: streamID, Points: points}, nil
}

// GetLeaderboard ranks streams by most recent watts, descending. top<=0 applies
// DefaultLeaderboardTop.
func (svc *Service) GetLeaderboard(ctx context.Context, top int) (*LeaderboardView, error) {
	if top <= 0 {
		top = DefaultLeaderboardTop
	}
	cursor, err := svc.s.Query(ctx, LeaderboardContainer, docstore.QuerySpec{
		OrderBy: func(a, b docstore.Item) bool {
			return wattsOf(a) > wattsOf(b)
		},
		Top: top,
	})
	if err != nil {
		return nil, err
	}
	rows := cursor.All()
	entries := make([]LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		metrics, _ := firstOf(row, "metrics", "Metrics").(map[string]interface{})
		m := docstore.Item(metrics)
		riderID := stringField(m, "", "riderId", "RiderId", "RiderID")
		if riderID == "" {
			riderID = stringField(row, "", "streamId", "StreamId", "StreamID")
		}
		entries = append(entries, LeaderboardEntry{
			RiderID:   riderID,
			Watts:     floatField(m, "watts", "Watts"),
			Cadence:   floatField(m, "cadence", "Cadence"),
			HeartRate: floatField(m, "heartRate", "HeartRate"),
			UpdatedAt: stringField(row, "", "updatedAt", "UpdatedAt"),
		})
	}
	return &LeaderboardView{Entries: entries, GeneratedAt: svc.clock().UTC().Format(time.RFC3339Nano)}, nil
}

func capturedAtOf(row docstore.Item) string {
	return stringField(row, "", "ts", "Ts", "capturedAt", "CapturedAt")
}

func wattsOf(row docstore.Item) float64 {
	metrics, _ := firstOf(row, "metrics", "Metrics").(map[string]interface{})
	return floatField(docstore.Item(metrics), "watts", "Watts")
}

// firstOf returns the first present value among keys, tolerating the camelCase/PascalCase
// split between the projector and legacy writers.
func firstOf(item docstore.Item, keys ...string) interface{} {
	if item == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := item[k]; ok {
			return v
		}
	}
	return nil
}

func stringField(item docstore.Item, fallback string, keys ...string) string {
	v := firstOf(item, keys...)
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intField(item docstore.Item, keys ...string) int {
	v := firstOf(item, keys...)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err == nil {
			return i
		}
	}
	return 0
}

func floatField(item docstore.Item, keys ...string) float64 {
	v := firstOf(item, keys...)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
