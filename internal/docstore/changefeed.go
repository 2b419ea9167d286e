package docstore

import (
	"context"
	"strings"
	"time"
)

// pollInterval is how often the in-memory change-feed subscription checks for new commits.
// A real Cosmos change feed processor pushes; this in-process stand-in polls a short interval
// instead, which is invisible to callers since ChangeFeedHandler only ever sees commit-ordered
// batches regardless of the underlying delivery mechanism.
const pollInterval = 20 * time.Millisecond

// ChangeFeedSubscription implements Store. It delivers every document committed to
// sourceContainer to handler, once per partition per commit, in commit order, using
// leaseContainer to persist per-partition read cursors so redelivery resumes correctly across
// restarts and handler failures.
func (s *MemoryStore) ChangeFeedSubscription(ctx context.Context, sourceContainer, leaseContainer, name, instanceName string, start StartMode, handler ChangeFeedHandler) error {
	source := s.container(sourceContainer)
	leases := s.container(leaseContainer)

	if start == FromBeginning {
		s.purgeLeases(leases, name)
	}

	baseline := map[string]int{}
	if start == FromNow {
		source.mu.Lock()
		for _, e := range source.feed {
			baseline[e.partitionKey]++
		}
		source.mu.Unlock()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pollPartitions(ctx, source, leases, name, instanceName, baseline, handler)
		}
	}
}

func (s *MemoryStore) pollPartitions(ctx context.Context, source, leases *containerState, name, instanceName string, baseline map[string]int, handler ChangeFeedHandler) {
	source.mu.Lock()
	feedCopy := make([]feedEntry, len(source.feed))
	copy(feedCopy, source.feed)
	source.mu.Unlock()

	byPartition := map[string][]feedEntry{}
	var order []string
	for _, e := range feedCopy {
		if _, ok := byPartition[e.partitionKey]; !ok {
			order = append(order, e.partitionKey)
		}
		byPartition[e.partitionKey] = append(byPartition[e.partitionKey], e)
	}

partitions:
	for _, pk := range order {
		entries := byPartition[pk]
		cursor := s.leaseCursor(leases, name, pk, baseline[pk])
		if cursor >= len(entries) {
			continue
		}
		pending := entries[cursor:]

		for i := 0; i < len(pending); {
			j := i + 1
			for j < len(pending) && pending[j].commitSeq == pending[i].commitSeq {
				j++
			}
			group := make([]Item, 0, j-i)
			for _, e := range pending[i:j] {
				group = append(group, e.item.Clone())
			}
			if err := handler(ctx, pk, group); err != nil {
				// Handler failed: stop delivering to this partition this poll. The lease is
				// not advanced, so the next poll redelivers the same batch.
				continue partitions
			}
			cursor += j - i
			s.saveLeaseCursor(leases, name, instanceName, pk, cursor)
			i = j
		}
	}
}

func (s *MemoryStore) leaseID(name, partitionKey string) string {
	return name + "::" + partitionKey
}

func (s *MemoryStore) leaseCursor(leases *containerState, name, partitionKey string, defaultCursor int) int {
	id := s.leaseID(name, partitionKey)
	leases.mu.Lock()
	defer leases.mu.Unlock()
	part := leases.partitions[id]
	if part == nil {
		return defaultCursor
	}
	rec, ok := part[id]
	if !ok {
		return defaultCursor
	}
	cursor, _ := rec.body["cursor"].(int)
	return cursor
}

func (s *MemoryStore) saveLeaseCursor(leases *containerState, name, instanceName, partitionKey string, cursor int) {
	id := s.leaseID(name, partitionKey)
	body := Item{
		"id":           id,
		"type":         "lease",
		"name":         name,
		"partitionKey": partitionKey,
		"owner":        instanceName,
		"cursor":       cursor,
		"updatedAt":    s.now().UTC().Format(time.RFC3339Nano),
	}
	leases.mu.Lock()
	defer leases.mu.Unlock()
	s.storeLocked(leases, id, id, body, s.nextETag())
}

// purgeLeases deletes every lease document owned by name, the supported way to force a
// change-feed consumer to replay a source container from the beginning.
func (s *MemoryStore) purgeLeases(leases *containerState, name string) {
	leases.mu.Lock()
	defer leases.mu.Unlock()
	prefix := name + "::"
	for pk, part := range leases.partitions {
		for id := range part {
			if strings.HasPrefix(id, prefix) {
				delete(part, id)
			}
		}
		if len(part) == 0 {
			delete(leases.partitions, pk)
		}
	}
}
