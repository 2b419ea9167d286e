package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
)

func seedStream(t *testing.T, store docstore.Store) {
	t.Helper()
	es := eventstore.New(store)
	ctx := context.Background()

	if err := es.AppendWithSnapshot(ctx, eventstore.AppendRequest{
		StreamID:        "match-7",
		ExpectedVersion: 0,
		SnapshotState:   map[string]interface{}{"score": map[string]interface{}{"home": 0, "away": 6}, "quarter": 1, "clock": "02:10"},
		Events: []eventstore.NewEvent{
			{ID: "ev-1", Kind: "MatchStateUpdated", Data: map[string]interface{}{"quarter": 1}},
		},
	}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, etag, err := store.ReadItem(ctx, eventstore.EventsContainer, "snap-match-7", "match-7")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := es.AppendWithSnapshot(ctx, eventstore.AppendRequest{
		StreamID:        "match-7",
		ExpectedVersion: 1,
		ExpectedETag:    etag,
		SnapshotState:   map[string]interface{}{"score": map[string]interface{}{"home": 6, "away": 6}, "quarter": 2, "clock": "11:45"},
		Events: []eventstore.NewEvent{
			{ID: "ev-2", Kind: "MatchStateUpdated", Data: map[string]interface{}{"quarter": 2}},
			{ID: "ev-3", Kind: "TrainerMetricsCaptured", Data: map[string]interface{}{"watts": 280.0}},
		},
	}); err != nil {
		t.Fatalf("second append: %v", err)
	}
}

func TestExportStreamWritesOrderedEventLog(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	seedStream(t, store)

	clock := func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) }
	exporter, err := NewExporter(t.TempDir(), store, clock)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	path, manifest, err := exporter.ExportStream(context.Background(), "match-7")
	if err != nil {
		t.Fatalf("export stream: %v", err)
	}
	if manifest.Events != 3 || manifest.AggVersion != 3 || manifest.StreamID != "match-7" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if !strings.HasPrefix(filepath.Base(path), "match-7-") {
		t.Fatalf("unexpected bundle directory: %s", path)
	}

	file, err := os.Open(filepath.Join(path, manifest.EventsPath))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer file.Close()

	var records []eventRecord
	scanner := bufio.NewScanner(snappy.NewReader(file))
	for scanner.Scan() {
		var record eventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan event log: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("unexpected record count: %d", len(records))
	}
	for i, record := range records {
		if record.Seq != i+1 {
			t.Fatalf("event log out of order: %+v", records)
		}
	}
	if records[2].Kind != "TrainerMetricsCaptured" || records[2].ID != "ev-3" {
		t.Fatalf("unexpected final record: %+v", records[2])
	}
}

func TestExportStreamWritesSnapshotRecord(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	seedStream(t, store)

	exporter, err := NewExporter(t.TempDir(), store, nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	path, manifest, err := exporter.ExportStream(context.Background(), "match-7")
	if err != nil {
		t.Fatalf("export stream: %v", err)
	}

	file, err := os.Open(filepath.Join(path, manifest.SnapshotPath))
	if err != nil {
		t.Fatalf("open snapshot record: %v", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("new zstd reader: %v", err)
	}
	defer decoder.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(decoder, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got := binary.LittleEndian.Uint64(header[0:8]); got != 3 {
		t.Fatalf("unexpected aggVersion in header: %d", got)
	}
	payload := make([]byte, binary.LittleEndian.Uint32(header[8:12]))
	if _, err := io.ReadFull(decoder, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	state, _ := snapshot["state"].(map[string]interface{})
	if state["clock"] != "11:45" {
		t.Fatalf("unexpected snapshot state: %+v", snapshot)
	}
}

func TestExportStreamRejectsEmptyStream(t *testing.T) {
	exporter, err := NewExporter(t.TempDir(), docstore.NewMemoryStore(nil), nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	if _, _, err := exporter.ExportStream(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for stream with no events")
	}
}
