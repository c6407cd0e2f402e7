package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/modelpulse/modelpulse/pkg/types"
)

// Window statistics must be insensitive to arrival order for the exact
// fields (count, sum, min, max), and the quantile estimate must stay inside
// the observed range. This is the commutativity that makes per-partition
// rollups reproducible regardless of interleaving with other partitions.
func TestProperty_WindowFoldCommutativity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	fold := func(values []float64) types.Rollup {
		w := NewWindow("m1", start, time.Minute)
		for i, v := range values {
			w.Fold(types.Event{
				EntityID:  "m1",
				Timestamp: start.Add(time.Duration(i) * time.Millisecond),
				Measures:  map[string]float64{"latency_ms": v},
			})
		}
		return w.Snapshot(true, start.Add(time.Minute))
	}

	properties.Property("count/sum/min/max are permutation-invariant", prop.ForAll(
		func(values []float64, seed int64) bool {
			if len(values) == 0 {
				return true
			}

			shuffled := append([]float64(nil), values...)
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			a := fold(values).Measures["latency_ms"]
			b := fold(shuffled).Measures["latency_ms"]

			return a.Count == b.Count && a.Sum == b.Sum && a.Min == b.Min && a.Max == b.Max
		},
		gen.SliceOf(gen.Float64Range(0, 10000)),
		gen.Int64(),
	))

	properties.Property("quantile estimates are exact and order-free for five or fewer values", prop.ForAll(
		func(values []float64, seed int64) bool {
			if len(values) == 0 || len(values) > 5 {
				return true
			}

			shuffled := append([]float64(nil), values...)
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			a := fold(values).Measures["latency_ms"]
			b := fold(shuffled).Measures["latency_ms"]
			return a.P50 == b.P50 && a.P95 == b.P95 && a.P99 == b.P99
		},
		gen.SliceOfN(5, gen.Float64Range(0, 10000)),
		gen.Int64(),
	))

	properties.Property("quantile estimates stay within observed bounds", prop.ForAll(
		func(values []float64) bool {
			if len(values) == 0 {
				return true
			}
			stats := fold(values).Measures["latency_ms"]
			inRange := func(q float64) bool { return q >= stats.Min && q <= stats.Max }
			return inRange(stats.P50) && inRange(stats.P95) && inRange(stats.P99)
		},
		gen.SliceOf(gen.Float64Range(0, 10000)),
	))

	properties.TestingRun(t)
}

// Re-folding an identical input set yields the identical rollup. Combined
// with upsert-keyed storage this is what makes recovery re-emission safe.
func TestProperty_WindowFoldIdempotentRebuild(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("two identical folds produce identical snapshots", prop.ForAll(
		func(values []float64) bool {
			build := func() types.Rollup {
				w := NewWindow("m1", start, time.Minute)
				for i, v := range values {
					w.Fold(types.Event{
						EntityID:  "m1",
						Timestamp: start.Add(time.Duration(i) * time.Millisecond),
						Measures:  map[string]float64{"cost_usd": v},
					})
				}
				return w.Snapshot(true, start.Add(time.Minute))
			}

			a, b := build(), build()
			if a.Count != b.Count {
				return false
			}
			sa, sb := a.Measures["cost_usd"], b.Measures["cost_usd"]
			return sa == sb
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
	))

	properties.TestingRun(t)
}
