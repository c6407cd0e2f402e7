package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelpulse/modelpulse/pkg/types"
)

func testEvent(id string, ts time.Time) types.Event {
	return types.Event{
		ID:           id,
		EntityID:     "gpt-4o",
		EventType:    "completion",
		SourceModule: types.ModuleGateway,
		Severity:     types.SeverityInfo,
		Timestamp:    ts,
		Measures:     map[string]float64{"latency_ms": 120},
		Tags:         map[string]string{"region": "us-east-1"},
	}
}

func TestSegmentAppendAndRead(t *testing.T) {
	dir := t.TempDir()

	var sealed []SegmentInfo
	w, err := NewSegmentWriter(dir, 1024*1024, 0, func(info SegmentInfo) {
		sealed = append(sealed, info)
	})
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		if err := w.Append(testEvent(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(sealed) != 1 {
		t.Fatalf("expected 1 sealed segment, got %d", len(sealed))
	}
	info := sealed[0]
	if info.EventCount != 10 {
		t.Fatalf("expected 10 events, got %d", info.EventCount)
	}
	if !info.MinEventTS.Equal(base) || !info.MaxEventTS.Equal(base.Add(9*time.Second)) {
		t.Fatalf("unexpected timestamp bounds: %v .. %v", info.MinEventTS, info.MaxEventTS)
	}

	events, err := ReadSegment(info.Path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("expected 10 events read back, got %d", len(events))
	}
	if events[0].EntityID != "gpt-4o" || events[0].Measures["latency_ms"] != 120 {
		t.Fatalf("round trip lost event content: %+v", events[0])
	}
}

func TestSegmentRotatesAtSizeBound(t *testing.T) {
	dir := t.TempDir()

	var sealed []SegmentInfo
	w, err := NewSegmentWriter(dir, 256, 0, func(info SegmentInfo) {
		sealed = append(sealed, info)
	})
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		if err := w.Append(testEvent("id", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(sealed) < 2 {
		t.Fatalf("expected rotation to seal multiple segments, got %d", len(sealed))
	}

	total := int64(0)
	for _, info := range sealed {
		total += info.EventCount
	}
	if total != 6 {
		t.Fatalf("expected 6 events across segments, got %d", total)
	}
}

func TestSegmentWriterResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewSegmentWriter(dir, 1024*1024, 0, nil)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := w1.Append(testEvent("one", ts)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first := segmentPath(dir, w1.segmentID)
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := NewSegmentWriter(dir, 1024*1024, 0, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer w2.Close()

	if segmentPath(dir, w2.segmentID) == first {
		t.Fatal("restarted writer must not reuse a sealed segment file")
	}
	events, err := ReadSegment(first)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(events) != 1 || events[0].ID != "one" {
		t.Fatalf("sealed segment content changed across restart: %+v", events)
	}
}

func TestReadSegmentSkipsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 1024*1024, 0, nil)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}

	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := w.Append(testEvent("intact", ts)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := segmentPath(dir, w.segmentID)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a torn write by appending a partial record header.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0x01}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	events, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(events) != 1 || events[0].ID != "intact" {
		t.Fatalf("expected the intact record only, got %+v", events)
	}
}

func TestCloseRemovesEmptySegment(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 1024*1024, 0, nil)
	if err != nil {
		t.Fatalf("NewSegmentWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(dir, "*.seg"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no segment files, got %v", entries)
	}
}
