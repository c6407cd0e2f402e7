package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/modelpulse/modelpulse/pkg/types"
)

// SegmentInfo describes a sealed raw-event segment.
type SegmentInfo struct {
	ID         uint64
	Path       string
	EventCount int64
	SizeBytes  int64
	MinEventTS time.Time
	MaxEventTS time.Time
	SealedAt   time.Time
}

// SegmentWriter appends validated events to an on-disk segment file.
// Records are framed as [length:4 LE][crc32:4 LE][snappy(json(event))].
// A segment seals when it exceeds the size bound or the age bound; sealed
// segments are immutable and are handed to the onSeal callback for
// indexing and archival.
type SegmentWriter struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	onSeal   func(SegmentInfo)

	mu         sync.Mutex
	file       *os.File
	segmentID  uint64
	offset     int64
	eventCount int64
	minTS      time.Time
	maxTS      time.Time
	openedAt   time.Time
	closed     bool

	now func() time.Time
}

// NewSegmentWriter opens a writer in dir, resuming after the highest
// existing segment so a restart never overwrites sealed data.
func NewSegmentWriter(dir string, maxBytes int64, maxAge time.Duration, onSeal func(SegmentInfo)) (*SegmentWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}

	w := &SegmentWriter{
		dir:      dir,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		onSeal:   onSeal,
		now:      time.Now,
	}

	last, err := findLastSegmentID(dir)
	if err != nil {
		return nil, err
	}
	w.segmentID = last + 1

	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

// findLastSegmentID scans dir for events_{id:016x}.seg files.
func findLastSegmentID(dir string) (uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read segment directory: %w", err)
	}

	var last uint64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(f.Name(), "events_%016x.seg", &id); err == nil && id > last {
			last = id
		}
	}
	return last, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("events_%016x.seg", id))
}

func (w *SegmentWriter) openSegment() error {
	path := segmentPath(w.dir, w.segmentID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}
	w.file = file
	w.offset = 0
	w.eventCount = 0
	w.minTS = time.Time{}
	w.maxTS = time.Time{}
	w.openedAt = w.now()
	return nil
}

// Append writes one event to the current segment, sealing and rotating
// first if the segment is full or too old.
func (w *SegmentWriter) Append(event types.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("segment writer is closed")
	}

	if w.offset > 0 && (w.offset >= w.maxBytes || (w.maxAge > 0 && w.now().Sub(w.openedAt) >= w.maxAge)) {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	payload := snappy.Encode(nil, raw)
	crc := crc32.ChecksumIEEE(payload)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := w.file.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync segment: %w", err)
	}

	w.offset += int64(8 + len(payload))
	w.eventCount++
	if w.minTS.IsZero() || event.Timestamp.Before(w.minTS) {
		w.minTS = event.Timestamp
	}
	if event.Timestamp.After(w.maxTS) {
		w.maxTS = event.Timestamp
	}
	return nil
}

// rotate seals the current segment and opens the next. Must be called with
// the lock held and a non-empty current segment.
func (w *SegmentWriter) rotate() error {
	info, err := w.seal()
	if err != nil {
		return err
	}

	w.segmentID++
	if err := w.openSegment(); err != nil {
		return err
	}

	if w.onSeal != nil && info.EventCount > 0 {
		w.onSeal(info)
	}
	return nil
}

// seal syncs and closes the current file, returning its description.
func (w *SegmentWriter) seal() (SegmentInfo, error) {
	if err := w.file.Sync(); err != nil {
		return SegmentInfo{}, fmt.Errorf("failed to fsync on seal: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return SegmentInfo{}, fmt.Errorf("failed to close segment: %w", err)
	}

	return SegmentInfo{
		ID:         w.segmentID,
		Path:       segmentPath(w.dir, w.segmentID),
		EventCount: w.eventCount,
		SizeBytes:  w.offset,
		MinEventTS: w.minTS,
		MaxEventTS: w.maxTS,
		SealedAt:   w.now(),
	}, nil
}

// Rotate forces a seal of the current segment if it holds any events.
func (w *SegmentWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("segment writer is closed")
	}
	if w.eventCount == 0 {
		return nil
	}
	return w.rotate()
}

// Close seals the current segment and stops the writer. An empty trailing
// segment file is removed rather than sealed.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.eventCount == 0 {
		path := segmentPath(w.dir, w.segmentID)
		if err := w.file.Close(); err != nil {
			return err
		}
		return os.Remove(path)
	}

	info, err := w.seal()
	if err != nil {
		return err
	}
	if w.onSeal != nil {
		w.onSeal(info)
	}
	return nil
}

// ReadSegment decodes all events from a segment file. Records with a CRC
// mismatch or a truncated tail are skipped, matching crash-recovery
// semantics for append-only logs.
func ReadSegment(path string) ([]types.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var events []types.Event
	for {
		var header [8]byte
		if _, err := io.ReadFull(file, header[:]); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != crc {
			continue
		}

		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			continue
		}
		var event types.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
