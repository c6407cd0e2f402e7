// Package correlate implements cross-partition correlation detection: a
// sharded time-bucket index of recent events keyed by tag overlap,
// per-type scoring with a deterministic tie-break, z-score anomaly
// detection against rolling baselines, and temporal pattern statistics
// between source modules.
package correlate

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// IndexEntry is the compact per-event record kept in the index. Only the
// fields correlation scoring needs are retained.
type IndexEntry struct {
	ID            string
	EntityID      string
	Module        types.SourceModule
	Timestamp     time.Time
	CorrelationID string
	ParentEventID string
	Tags          map[string]string

	// Anomalous and ZScore are set when any measure of the event deviated
	// from its baseline.
	Anomalous bool
	ZScore    float64
}

// insertKeys are the dimensions an entry is registered under inside its
// time bucket: one per tag value, its correlation id, its own id, and
// the parent it names.
func insertKeys(e IndexEntry) []string {
	keys := make([]string, 0, len(e.Tags)+3)
	keys = append(keys, "event:"+e.ID)
	if e.CorrelationID != "" {
		keys = append(keys, "corr:"+e.CorrelationID)
	}
	if e.ParentEventID != "" {
		keys = append(keys, "parent:"+e.ParentEventID)
	}
	for k, v := range e.Tags {
		keys = append(keys, "tag:"+k+"="+v)
	}
	return keys
}

// lookupKeys are the dimensions probed when e is the primary event:
// entries sharing a tag value or its correlation id, the entry it names
// as parent, and entries naming e as their parent.
func lookupKeys(e IndexEntry) []string {
	keys := make([]string, 0, len(e.Tags)+3)
	keys = append(keys, "parent:"+e.ID)
	if e.CorrelationID != "" {
		keys = append(keys, "corr:"+e.CorrelationID)
	}
	if e.ParentEventID != "" {
		keys = append(keys, "event:"+e.ParentEventID)
	}
	for k, v := range e.Tags {
		keys = append(keys, "tag:"+k+"="+v)
	}
	return keys
}

// Candidate pairs an index entry with its time distance from the primary
// event.
type Candidate struct {
	Entry IndexEntry
	Delta time.Duration
}

type indexBucket struct {
	entries []IndexEntry
	byKey   map[string][]int
}

type indexShard struct {
	mu      sync.Mutex
	buckets map[int64]*indexBucket
}

// Index is the one shared structure read across partitions. Entries live
// in time buckets and are registered under their tag, correlation-id and
// parent-link dimensions, so a candidate lookup touches only entries
// sharing a dimension with the primary event instead of the whole
// horizon. Each bucket maps to a lock shard by hash, so concurrent
// inserts for different time ranges do not serialize.
type Index struct {
	shards      []*indexShard
	bucketWidth time.Duration
	horizon     time.Duration

	available atomic.Bool

	// maxTS is the newest event timestamp seen, in nanoseconds. Drives
	// eviction of buckets that fell out of the horizon.
	maxTS atomic.Int64
}

// NewIndex creates an index with the given shard count, bucket width and
// candidate horizon.
func NewIndex(shards int, bucketWidth, horizon time.Duration) *Index {
	if shards <= 0 {
		shards = 32
	}
	if bucketWidth <= 0 {
		bucketWidth = 10 * time.Second
	}
	if horizon <= 0 {
		horizon = 5 * time.Minute
	}

	idx := &Index{
		shards:      make([]*indexShard, shards),
		bucketWidth: bucketWidth,
		horizon:     horizon,
	}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{buckets: make(map[int64]*indexBucket)}
	}
	idx.available.Store(true)
	return idx
}

func (idx *Index) bucketFor(ts time.Time) int64 {
	return ts.UnixNano() / int64(idx.bucketWidth)
}

func (idx *Index) shardFor(bucket int64) *indexShard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(bucket))
	return idx.shards[murmur3.Sum32(key[:])%uint32(len(idx.shards))]
}

// SetAvailable toggles index availability. When unavailable, lookups fail
// with a CORRELATION error and the engine degrades gracefully.
func (idx *Index) SetAvailable(v bool) {
	idx.available.Store(v)
}

// Insert adds an entry to the index and evicts buckets that aged out of
// the horizon.
func (idx *Index) Insert(entry IndexEntry) error {
	if !idx.available.Load() {
		return perrors.NewCorrelationUnavailableError("correlation index is unavailable", nil)
	}

	bucket := idx.bucketFor(entry.Timestamp)
	shard := idx.shardFor(bucket)

	shard.mu.Lock()
	b := shard.buckets[bucket]
	if b == nil {
		b = &indexBucket{byKey: make(map[string][]int)}
		shard.buckets[bucket] = b
	}
	pos := len(b.entries)
	b.entries = append(b.entries, entry)
	for _, key := range insertKeys(entry) {
		b.byKey[key] = append(b.byKey[key], pos)
	}
	shard.mu.Unlock()

	ns := entry.Timestamp.UnixNano()
	for {
		cur := idx.maxTS.Load()
		if ns <= cur || idx.maxTS.CompareAndSwap(cur, ns) {
			break
		}
	}

	idx.evictExpired()
	return nil
}

// evictExpired drops buckets entirely older than maxTS - 2*horizon. The
// extra horizon of slack keeps candidates valid for events that arrive out
// of order near the boundary.
func (idx *Index) evictExpired() {
	cutoff := (idx.maxTS.Load() - 2*int64(idx.horizon)) / int64(idx.bucketWidth)
	for _, shard := range idx.shards {
		shard.mu.Lock()
		for bucket := range shard.buckets {
			if bucket < cutoff {
				delete(shard.buckets, bucket)
			}
		}
		shard.mu.Unlock()
	}
}

// Candidates returns entries within the horizon of primary that share a
// dimension with it, ordered by ascending time distance with ties broken
// by ascending ID, and truncated to maxCandidates. The ordering makes
// downstream tie-breaking deterministic, and the keyed lookup keeps an
// unrelated burst of traffic from crowding related candidates out of the
// truncated set.
func (idx *Index) Candidates(primary IndexEntry, maxCandidates int) ([]Candidate, error) {
	if !idx.available.Load() {
		return nil, perrors.NewCorrelationUnavailableError("correlation index is unavailable", nil)
	}
	if maxCandidates <= 0 {
		maxCandidates = 256
	}

	keys := lookupKeys(primary)
	lo := idx.bucketFor(primary.Timestamp.Add(-idx.horizon))
	hi := idx.bucketFor(primary.Timestamp.Add(idx.horizon))

	var out []Candidate
	seen := make(map[string]struct{})
	for bucket := lo; bucket <= hi; bucket++ {
		shard := idx.shardFor(bucket)
		shard.mu.Lock()
		b := shard.buckets[bucket]
		if b == nil {
			shard.mu.Unlock()
			continue
		}
		for _, key := range keys {
			for _, pos := range b.byKey[key] {
				entry := b.entries[pos]
				if entry.ID == primary.ID {
					continue
				}
				if _, dup := seen[entry.ID]; dup {
					continue
				}
				delta := primary.Timestamp.Sub(entry.Timestamp)
				if delta < 0 {
					delta = -delta
				}
				if delta > idx.horizon {
					continue
				}
				seen[entry.ID] = struct{}{}
				out = append(out, Candidate{Entry: entry, Delta: delta})
			}
		}
		shard.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Delta != out[j].Delta {
			return out[i].Delta < out[j].Delta
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}

// Group returns every indexed entry carrying the given correlation id,
// ordered by timestamp then ID. It backs the trace-style read of all
// recent events belonging to one request.
func (idx *Index) Group(correlationID string) ([]IndexEntry, error) {
	if !idx.available.Load() {
		return nil, perrors.NewCorrelationUnavailableError("correlation index is unavailable", nil)
	}
	if correlationID == "" {
		return nil, nil
	}

	key := "corr:" + correlationID
	var out []IndexEntry
	for _, shard := range idx.shards {
		shard.mu.Lock()
		for _, b := range shard.buckets {
			for _, pos := range b.byKey[key] {
				out = append(out, b.entries[pos])
			}
		}
		shard.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Size returns the number of indexed entries.
func (idx *Index) Size() int {
	n := 0
	for _, shard := range idx.shards {
		shard.mu.Lock()
		for _, b := range shard.buckets {
			n += len(b.entries)
		}
		shard.mu.Unlock()
	}
	return n
}
