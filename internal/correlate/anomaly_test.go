package correlate

import "testing"

func TestDetectorNeedsBaselineHistory(t *testing.T) {
	d := NewZScoreDetector(3.0, 100)

	// Far too few samples for any judgment, even for extreme values.
	for i := 0; i < minBaselineSamples-1; i++ {
		if anomalous, _ := d.Observe("m1:latency_ms", 100); anomalous {
			t.Fatal("no judgment should be made before the baseline is primed")
		}
	}
	if anomalous, _ := d.Observe("m1:latency_ms", 100000); anomalous {
		t.Fatal("the priming observation itself must not be judged")
	}
}

func TestDetectorFlagsSpike(t *testing.T) {
	d := NewZScoreDetector(3.0, 100)

	for i := 0; i < 50; i++ {
		// Alternate slightly so the baseline has nonzero variance.
		v := 100.0
		if i%2 == 0 {
			v = 102.0
		}
		if anomalous, _ := d.Observe("m1:latency_ms", v); anomalous {
			t.Fatalf("steady value flagged anomalous at sample %d", i)
		}
	}

	anomalous, z := d.Observe("m1:latency_ms", 500)
	if !anomalous {
		t.Fatal("a 5x spike against a tight baseline must be anomalous")
	}
	if z <= 3.0 {
		t.Fatalf("expected z-score above threshold, got %f", z)
	}
}

func TestDetectorKeysAreIndependent(t *testing.T) {
	d := NewZScoreDetector(3.0, 100)

	for i := 0; i < 30; i++ {
		d.Observe("m1:latency_ms", 100)
	}
	// A fresh key has no baseline, so nothing is flagged.
	if anomalous, _ := d.Observe("m2:latency_ms", 100000); anomalous {
		t.Fatal("baselines must be independent per key")
	}
}

func TestDetectorConstantBaselineUsesStddevFloor(t *testing.T) {
	d := NewZScoreDetector(3.0, 100)

	for i := 0; i < 30; i++ {
		d.Observe("m1:cost_usd", 1.0)
	}
	anomalous, _ := d.Observe("m1:cost_usd", 2.0)
	if !anomalous {
		t.Fatal("deviation from a constant baseline must be flagged")
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewZScoreDetector(3.0, 100)

	for i := 0; i < 30; i++ {
		v := 100.0
		if i%2 == 0 {
			v = 102.0
		}
		d.Observe("m1:latency_ms", v)
	}
	d.Reset("m1:latency_ms")

	if anomalous, _ := d.Observe("m1:latency_ms", 100000); anomalous {
		t.Fatal("reset must discard the baseline")
	}
}
