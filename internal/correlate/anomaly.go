package correlate

import (
	"math"
	"sync"
)

// minBaselineSamples is the number of observations a baseline needs before
// anomaly judgments are made.
const minBaselineSamples = 10

// AnomalyModel judges whether an observation deviates from its history.
// ZScoreDetector is the built-in implementation; external models can be
// plugged in at engine construction.
type AnomalyModel interface {
	// Observe records value under key and reports whether it is anomalous,
	// with the deviation score.
	Observe(key string, value float64) (bool, float64)
}

// ZScoreDetector flags observations whose z-score against a rolling
// baseline exceeds a threshold.
type ZScoreDetector struct {
	threshold    float64
	baselineSize int

	mu        sync.Mutex
	baselines map[string]*baseline
}

type baseline struct {
	values []float64
	head   int
	full   bool
}

func (b *baseline) add(v float64, size int) {
	if len(b.values) < size {
		b.values = append(b.values, v)
		return
	}
	b.values[b.head] = v
	b.head = (b.head + 1) % size
	b.full = true
}

func (b *baseline) stats() (mean, stddev float64) {
	n := len(b.values)
	if n == 0 {
		return 0, 1
	}
	sum := 0.0
	for _, v := range b.values {
		sum += v
	}
	mean = sum / float64(n)

	if n < 2 {
		return mean, 1
	}
	variance := 0.0
	for _, v := range b.values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n - 1)

	stddev = math.Sqrt(variance)
	if stddev < 0.0001 {
		stddev = 0.0001
	}
	return mean, stddev
}

// NewZScoreDetector creates a detector. threshold is the z-score above
// which a value is anomalous; baselineSize bounds the rolling history per
// key.
func NewZScoreDetector(threshold float64, baselineSize int) *ZScoreDetector {
	if threshold <= 0 {
		threshold = 3.0
	}
	if baselineSize <= 0 {
		baselineSize = 100
	}
	return &ZScoreDetector{
		threshold:    threshold,
		baselineSize: baselineSize,
		baselines:    make(map[string]*baseline),
	}
}

// Observe records value and reports whether it deviates from the rolling
// baseline. The baseline statistics are computed before the new value is
// added, so a single spike is judged against history rather than diluting
// it first.
func (d *ZScoreDetector) Observe(key string, value float64) (bool, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.baselines[key]
	if !ok {
		b = &baseline{}
		d.baselines[key] = b
	}

	var anomalous bool
	var z float64
	if len(b.values) >= minBaselineSamples {
		mean, stddev := b.stats()
		z = math.Abs(value-mean) / stddev
		anomalous = z > d.threshold
	}

	b.add(value, d.baselineSize)
	return anomalous, z
}

// Reset discards the baseline for a key.
func (d *ZScoreDetector) Reset(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.baselines, key)
}
