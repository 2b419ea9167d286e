// Package projector is the durable change-feed consumer that tails the event container and
// materialises the read models, notifying subscribed hub connections of every derived-state
// change it produces. Delivery is at-least-once, so every handler must tolerate seeing the
// same document again after a restart or a failed batch.
package projector

import (
	"context"
	"strconv"
	"strings"
	"time"

	"fanride/backend/internal/config"
	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/readmodel"
)

// LeasesContainer holds the durable per-partition read cursors the change feed uses.
const LeasesContainer = "leases"

// SubscriptionName is the fixed logical name the projector registers with under
// ChangeFeedSubscription; a stable name lets a restarted instance resume its lease.
const SubscriptionName = "fanride-projector"

// Notifier is the subset of the push hub the projector needs. It is declared here, not in
// internal/hub, so this package has no import-time dependency on the hub's connection
// machinery, only on the four broadcasts it triggers.
type Notifier interface {
	BroadcastMatchState(streamID string, view *readmodel.MatchStateView)
	BroadcastMomentum(streamID string, view *readmodel.MomentumView)
	BroadcastLeaderboard(view *readmodel.LeaderboardView)
	BroadcastTrainerEffect(streamID string, payload interface{})
}

// Projector runs the background change-feed subscription and owns all read-model writes.
type Projector struct {
	store     docstore.Store
	read      *readmodel.Service
	hub       Notifier
	log       *logging.Logger
	clock     func() time.Time
	instance  string
	momentMax int
	topK      int
}

// Option configures optional Projector behavior.
type Option func(*Projector)

// WithClock overrides the wall clock used to stamp read-model writes.
func WithClock(clock func() time.Time) Option {
	return func(p *Projector) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithInstanceName overrides the lease-owner identity recorded against each partition.
func WithInstanceName(name string) Option {
	return func(p *Projector) {
		if name != "" {
			p.instance = name
		}
	}
}

// WithWindowSizes overrides the momentum window length and leaderboard top-K used when
// notifying the hub. Zero leaves the readmodel package defaults in place.
func WithWindowSizes(momentumMax, leaderboardTop int) Option {
	return func(p *Projector) {
		if momentumMax > 0 {
			p.momentMax = momentumMax
		}
		if leaderboardTop > 0 {
			p.topK = leaderboardTop
		}
	}
}

// New constructs a Projector. hub may be nil in tests that only care about read-model state.
func New(store docstore.Store, read *readmodel.Service, hub Notifier, log *logging.Logger, opts ...Option) *Projector {
	p := &Projector{
		store:    store,
		read:     read,
		hub:      hub,
		log:      log,
		clock:    time.Now,
		instance: "fanride-projector-0",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks tailing the event container's change feed until ctx is cancelled. mode selects
// live (begin at the tail) or rebuild (purge leases, replay from the beginning).
func (p *Projector) Run(ctx context.Context, mode string) error {
	start := docstore.FromNow
	if mode == config.ChangeFeedModeRebuild {
		start = docstore.FromBeginning
	}
	if p.log != nil {
		p.log.Info("projector: starting change-feed subscription", logging.String("mode", mode), logging.String("instance", p.instance))
	}
	return p.store.ChangeFeedSubscription(ctx, eventstore.EventsContainer, LeasesContainer, SubscriptionName, p.instance, start, p.handleBatch)
}

func (p *Projector) handleBatch(ctx context.Context, streamID string, batch []docstore.Item) error {
	for _, doc := range batch {
		if err := p.handleOne(ctx, streamID, doc); err != nil {
			if p.log != nil {
				p.log.Error("projector: handler failed, batch will be redelivered",
					logging.String("streamId", streamID),
					logging.String("docType", stringOrEmpty(doc["type"])),
					logging.Error(err))
			}
			return err
		}
	}
	return nil
}

func stringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (p *Projector) handleOne(ctx context.Context, streamID string, doc docstore.Item) error {
	switch doc["type"] {
	case "snapshot":
		return p.projectSnapshot(ctx, streamID, doc)
	case "event":
		if kindOf(doc) == "trainermetricscaptured" {
			return p.projectTrainerMetrics(ctx, streamID, doc)
		}
	case "outbox":
		if kindOf(doc) == "trainereffect" {
			return p.projectOutbox(ctx, streamID, doc)
		}
	}
	return nil
}

func kindOf(doc docstore.Item) string {
	kind, _ := doc["kind"].(string)
	return strings.ToLower(kind)
}

func (p *Projector) projectSnapshot(ctx context.Context, streamID string, snapshot docstore.Item) error {
	now := p.clock().UTC().Format(time.RFC3339Nano)
	_, err := p.store.UpsertItem(ctx, readmodel.MatchStateContainer, streamID, docstore.Item{
		"id":         streamID,
		"streamId":   streamID,
		"state":      snapshot["state"],
		"aggVersion": snapshot["aggVersion"],
		"updatedAt":  now,
	})
	if err != nil {
		return err
	}
	if p.hub == nil || p.read == nil {
		return nil
	}
	view, err := p.read.GetMatchState(ctx, streamID)
	if err != nil {
		if docstore.IsKind(err, docstore.KindNotFound) {
			return nil
		}
		return err
	}
	p.hub.BroadcastMatchState(streamID, view)
	return nil
}

func (p *Projector) projectTrainerMetrics(ctx context.Context, streamID string, event docstore.Item) error {
	seq, _ := event["seq"].(int)
	now := p.clock().UTC().Format(time.RFC3339Nano)
	data := event["data"]

	momentumID := momentumRowID(streamID, seq)
	if _, err := p.store.UpsertItem(ctx, readmodel.MomentumContainer, streamID, docstore.Item{
		"id":       momentumID,
		"streamId": streamID,
		"metrics":  data,
		"ts":       now,
	}); err != nil {
		return err
	}
	if _, err := p.store.UpsertItem(ctx, readmodel.LeaderboardContainer, streamID, docstore.Item{
		"id":        streamID,
		"streamId":  streamID,
		"metrics":   data,
		"updatedAt": now,
	}); err != nil {
		return err
	}
	if p.hub == nil || p.read == nil {
		return nil
	}
	momentum, err := p.read.GetMomentum(ctx, streamID, p.momentMax)
	if err != nil && !docstore.IsKind(err, docstore.KindNotFound) {
		return err
	}
	if momentum != nil {
		p.hub.BroadcastMomentum(streamID, momentum)
	}
	leaderboard, err := p.read.GetLeaderboard(ctx, p.topK)
	if err != nil {
		return err
	}
	p.hub.BroadcastLeaderboard(leaderboard)
	return nil
}

func (p *Projector) projectOutbox(ctx context.Context, streamID string, outbox docstore.Item) error {
	if p.hub != nil {
		p.hub.BroadcastTrainerEffect(streamID, outbox["payload"])
	}
	now := p.clock().UTC().Format(time.RFC3339Nano)
	err := p.store.PatchItem(ctx, eventstore.EventsContainer, outbox.ID(), streamID, map[string]interface{}{
		"processedAt": now,
	})
	if docstore.IsKind(err, docstore.KindNotFound) {
		return nil
	}
	return err
}

func momentumRowID(streamID string, seq int) string {
	return streamID + "-" + strconv.Itoa(seq)
}
