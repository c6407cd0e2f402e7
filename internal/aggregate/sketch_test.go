package aggregate

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestP2SketchExactForSmallInputs(t *testing.T) {
	s := NewP2Sketch(0.5)
	for _, x := range []float64{5, 1, 4} {
		s.Add(x)
	}
	// Nearest-rank median of {1,4,5} is 4.
	if got := s.Quantile(); got != 4 {
		t.Errorf("median = %g, want 4", got)
	}
}

func TestP2SketchEmpty(t *testing.T) {
	s := NewP2Sketch(0.95)
	if got := s.Quantile(); got != 0 {
		t.Errorf("empty sketch quantile = %g, want 0", got)
	}
	if s.Count() != 0 {
		t.Errorf("empty sketch count = %d, want 0", s.Count())
	}
}

func TestP2SketchUniformAccuracy(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, p := range []float64{0.5, 0.95, 0.99} {
		s := NewP2Sketch(p)
		values := make([]float64, 10000)
		for i := range values {
			values[i] = rng.Float64() * 1000
			s.Add(values[i])
		}

		sort.Float64s(values)
		exact := values[int(p*float64(len(values)))]

		// P² on uniform data should land within a few percent of the range.
		if diff := math.Abs(s.Quantile() - exact); diff > 50 {
			t.Errorf("p=%g: estimate %g vs exact %g, diff %g", p, s.Quantile(), exact, diff)
		}
	}
}

func TestP2SketchDeterministic(t *testing.T) {
	build := func() float64 {
		s := NewP2Sketch(0.95)
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 5000; i++ {
			s.Add(rng.NormFloat64()*10 + 100)
		}
		return s.Quantile()
	}

	first := build()
	for i := 0; i < 3; i++ {
		if got := build(); got != first {
			t.Fatalf("same input order produced %g then %g", first, got)
		}
	}
}

func TestP2SketchEstimateWithinObservedRange(t *testing.T) {
	s := NewP2Sketch(0.99)
	rng := rand.New(rand.NewSource(11))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < 2000; i++ {
		x := rng.ExpFloat64() * 50
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
		s.Add(x)
	}
	if q := s.Quantile(); q < lo || q > hi {
		t.Errorf("estimate %g outside observed range [%g, %g]", q, lo, hi)
	}
}
