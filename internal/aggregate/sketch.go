// Package aggregate maintains per-partition tumbling windows and emits
// closed-window rollups.
package aggregate

import "sort"

// P2Sketch is a streaming quantile estimator using the P² algorithm
// (Jain & Chlamtac, 1985). It tracks a single quantile with five markers in
// O(1) time and space per observation.
//
// Counts and sums elsewhere in a window are exact; only the quantile is
// approximate. The estimate is exact for the first five observations and
// thereafter carries the P² piecewise-parabolic interpolation error,
// typically within a few percent of the true quantile for unimodal
// distributions. Given the same observations in the same order the estimate
// is bit-for-bit deterministic, which keeps rollup tests reproducible.
type P2Sketch struct {
	p       float64
	count   int64
	initial []float64

	q  [5]float64 // marker heights
	n  [5]int64   // actual marker positions, 1-based
	np [5]float64 // desired marker positions
	dn [5]float64 // desired position increments
}

// NewP2Sketch creates a sketch for the quantile p in (0,1).
func NewP2Sketch(p float64) *P2Sketch {
	s := &P2Sketch{p: p}
	s.dn = [5]float64{0, p / 2, p, (1 + p) / 2, 1}
	return s
}

// Add folds one observation into the sketch.
func (s *P2Sketch) Add(x float64) {
	s.count++

	if len(s.initial) < 5 {
		s.initial = append(s.initial, x)
		sort.Float64s(s.initial)
		if len(s.initial) == 5 {
			for i := 0; i < 5; i++ {
				s.q[i] = s.initial[i]
				s.n[i] = int64(i + 1)
			}
			s.np = [5]float64{1, 1 + 2*s.p, 1 + 4*s.p, 3 + 2*s.p, 5}
		}
		return
	}

	// Find the cell containing x, extending the extremes when needed.
	var k int
	switch {
	case x < s.q[0]:
		s.q[0] = x
		k = 0
	case x < s.q[1]:
		k = 0
	case x < s.q[2]:
		k = 1
	case x < s.q[3]:
		k = 2
	case x <= s.q[4]:
		k = 3
	default:
		s.q[4] = x
		k = 3
	}

	for i := k + 1; i < 5; i++ {
		s.n[i]++
	}
	for i := 0; i < 5; i++ {
		s.np[i] += s.dn[i]
	}

	// Adjust the three interior markers toward their desired positions.
	for i := 1; i <= 3; i++ {
		d := s.np[i] - float64(s.n[i])
		if (d >= 1 && s.n[i+1]-s.n[i] > 1) || (d <= -1 && s.n[i-1]-s.n[i] < -1) {
			var sign int64 = 1
			if d < 0 {
				sign = -1
			}

			candidate := s.parabolic(i, sign)
			if s.q[i-1] < candidate && candidate < s.q[i+1] {
				s.q[i] = candidate
			} else {
				s.q[i] = s.linear(i, sign)
			}
			s.n[i] += sign
		}
	}
}

// parabolic computes the piecewise-parabolic (P²) height adjustment.
func (s *P2Sketch) parabolic(i int, sign int64) float64 {
	d := float64(sign)
	ni := float64(s.n[i])
	nPrev := float64(s.n[i-1])
	nNext := float64(s.n[i+1])

	return s.q[i] + d/(nNext-nPrev)*(
		(ni-nPrev+d)*(s.q[i+1]-s.q[i])/(nNext-ni)+
			(nNext-ni-d)*(s.q[i]-s.q[i-1])/(ni-nPrev))
}

// linear falls back to linear interpolation when the parabola is not monotone.
func (s *P2Sketch) linear(i int, sign int64) float64 {
	j := i + int(sign)
	return s.q[i] + float64(sign)*(s.q[j]-s.q[i])/float64(s.n[j]-s.n[i])
}

// Quantile returns the current estimate. Exact while fewer than five
// observations have been folded.
func (s *P2Sketch) Quantile() float64 {
	if s.count == 0 {
		return 0
	}
	if len(s.initial) < 5 {
		// Nearest-rank on the sorted buffer.
		idx := int(s.p * float64(len(s.initial)))
		if idx >= len(s.initial) {
			idx = len(s.initial) - 1
		}
		return s.initial[idx]
	}
	return s.q[2]
}

// Count returns the number of folded observations.
func (s *P2Sketch) Count() int64 {
	return s.count
}
