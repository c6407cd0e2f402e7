package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/modelpulse/modelpulse/pkg/types"
)

// patternConfidenceSaturation is the occurrence count at which pattern
// confidence reaches its maximum.
const patternConfidenceSaturation = 100

// PatternTracker accumulates temporal co-occurrence statistics between
// source modules. The pair key is ordered (moduleA observed the primary
// event, moduleB the earlier candidate).
type PatternTracker struct {
	mu    sync.Mutex
	stats map[string]*patternStat
}

type patternStat struct {
	moduleA      types.SourceModule
	moduleB      types.SourceModule
	occurrences  int64
	sumDelta     float64
	lastObserved int64
}

// NewPatternTracker creates an empty tracker.
func NewPatternTracker() *PatternTracker {
	return &PatternTracker{stats: make(map[string]*patternStat)}
}

// Record notes a co-occurrence of a and b separated by delta.
func (t *PatternTracker) Record(a, b types.SourceModule, delta time.Duration, at time.Time) {
	key := string(a) + ":" + string(b)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[key]
	if !ok {
		s = &patternStat{moduleA: a, moduleB: b}
		t.stats[key] = s
	}
	s.occurrences++
	s.sumDelta += delta.Seconds()
	s.lastObserved = at.Unix()
}

// Confidence returns the confidence for the pair, derived from how often
// the pattern has been observed. Ranges from 0.1 (first observation) to
// 1.0 (saturated).
func (t *PatternTracker) Confidence(a, b types.SourceModule) float64 {
	t.mu.Lock()
	s, ok := t.stats[string(a)+":"+string(b)]
	var n int64
	if ok {
		n = s.occurrences
	}
	t.mu.Unlock()

	return confidenceFromCount(n)
}

func confidenceFromCount(n int64) float64 {
	normalized := float64(n) / patternConfidenceSaturation
	if normalized > 1 {
		normalized = 1
	}
	return normalized*0.9 + 0.1
}

// Snapshot returns the current statistics for every observed pair, sorted
// by descending occurrence count.
func (t *PatternTracker) Snapshot() []types.PatternStats {
	t.mu.Lock()
	out := make([]types.PatternStats, 0, len(t.stats))
	for _, s := range t.stats {
		avg := 0.0
		if s.occurrences > 0 {
			avg = s.sumDelta / float64(s.occurrences)
		}
		out = append(out, types.PatternStats{
			ModuleA:          s.moduleA,
			ModuleB:          s.moduleB,
			Occurrences:      s.occurrences,
			AvgDeltaSeconds:  avg,
			LastObservedUnix: s.lastObserved,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		if out[i].ModuleA != out[j].ModuleA {
			return out[i].ModuleA < out[j].ModuleA
		}
		return out[i].ModuleB < out[j].ModuleB
	})
	return out
}
