// Package archive exports a stream's full event history to a compressed on-disk bundle for
// audit and offline analysis: a snappy-compressed JSONL event log, a zstd-compressed binary
// record of the current snapshot, and a manifest.json sidecar describing the layout.
package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
)

var streamNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the archive bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	StreamID     string `json:"stream_id"`
	Events       int    `json:"events"`
	AggVersion   int    `json:"agg_version"`
	EventsPath   string `json:"events_path"`
	SnapshotPath string `json:"snapshot_path"`
}

// eventRecord is one JSONL line in the compressed event log.
type eventRecord struct {
	Seq  int         `json:"seq"`
	ID   string      `json:"id"`
	Kind string      `json:"kind"`
	Ts   string      `json:"ts"`
	Data interface{} `json:"data,omitempty"`
}

// Exporter writes stream archives beneath a fixed root directory.
type Exporter struct {
	root  string
	store docstore.Store
	now   func() time.Time
}

// NewExporter constructs an Exporter rooted at root. A nil clock defaults to time.Now.
func NewExporter(root string, store docstore.Store, clock func() time.Time) (*Exporter, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root must be provided")
	}
	if store == nil {
		return nil, fmt.Errorf("archive store must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Exporter{root: root, store: store, now: clock}, nil
}

// ExportStream writes the stream's ordered event log and current snapshot to a fresh bundle
// directory, returning its path. A stream with no events yields an error rather than an
// empty bundle.
func (e *Exporter) ExportStream(ctx context.Context, streamID string) (string, Manifest, error) {
	cursor, err := e.store.Query(ctx, eventstore.EventsContainer, docstore.QuerySpec{
		PartitionKey: streamID,
		Filter:       func(doc docstore.Item) bool { return doc["type"] == "event" },
		OrderBy:      func(a, b docstore.Item) bool { return seqOf(a) < seqOf(b) },
	})
	if err != nil {
		return "", Manifest{}, err
	}
	events := cursor.All()
	if len(events) == 0 {
		return "", Manifest{}, fmt.Errorf("stream %s has no events to archive", streamID)
	}

	snapshot, _, err := e.store.ReadItem(ctx, eventstore.EventsContainer, "snap-"+streamID, streamID)
	if err != nil {
		return "", Manifest{}, err
	}

	cleaned := streamNameCleaner.ReplaceAllString(streamID, "")
	if cleaned == "" {
		cleaned = "stream"
	}
	created := e.now().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(e.root, folder)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	snapshotPath := filepath.Join(path, "snapshot.bin.zst")

	if err := writeEventLog(eventsPath, events); err != nil {
		return "", Manifest{}, err
	}
	aggVersion := intOf(snapshot["aggVersion"])
	if err := writeSnapshotRecord(snapshotPath, aggVersion, snapshot); err != nil {
		return "", Manifest{}, err
	}

	manifest := Manifest{
		Version:      1,
		CreatedAt:    created.Format(time.RFC3339Nano),
		StreamID:     streamID,
		Events:       len(events),
		AggVersion:   aggVersion,
		EventsPath:   "events.jsonl.sz",
		SnapshotPath: "snapshot.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, "manifest.json"), data, 0o644); err != nil {
		return "", Manifest{}, err
	}
	return path, manifest, nil
}

func writeEventLog(path string, events []docstore.Item) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	stream := snappy.NewBufferedWriter(file)
	for _, doc := range events {
		record := eventRecord{
			Seq:  seqOf(doc),
			ID:   doc.ID(),
			Kind: stringOf(doc["kind"]),
			Ts:   stringOf(doc["ts"]),
			Data: doc["data"],
		}
		line, err := json.Marshal(record)
		if err != nil {
			stream.Close()
			file.Close()
			return err
		}
		if _, err := stream.Write(append(line, '\n')); err != nil {
			stream.Close()
			file.Close()
			return err
		}
	}
	if err := stream.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// writeSnapshotRecord persists the current snapshot as one length-prefixed zstd record:
// aggVersion, payload length, then the snapshot JSON.
func writeSnapshotRecord(path string, aggVersion int, snapshot docstore.Item) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	stream, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return err
	}
	header := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(header[0:8], uint64(aggVersion))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := stream.Write(header); err != nil {
		stream.Close()
		file.Close()
		return err
	}
	if _, err := stream.Write(payload); err != nil {
		stream.Close()
		file.Close()
		return err
	}
	if err := stream.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func seqOf(doc docstore.Item) int {
	return intOf(doc["seq"])
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}
