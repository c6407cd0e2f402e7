package correlate

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/modelpulse/modelpulse/internal/config"
	"github.com/modelpulse/modelpulse/pkg/types"
)

var engineBase = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type correlationRecorder struct {
	mu           sync.Mutex
	correlations []types.Correlation
	patterns     []types.PatternStats
}

func (r *correlationRecorder) callbacks() Callbacks {
	return Callbacks{
		OnCorrelation: func(c types.Correlation) {
			r.mu.Lock()
			r.correlations = append(r.correlations, c)
			r.mu.Unlock()
		},
		OnPattern: func(p types.PatternStats) {
			r.mu.Lock()
			r.patterns = append(r.patterns, p)
			r.mu.Unlock()
		},
	}
}

func (r *correlationRecorder) ofType(t types.CorrelationType) []types.Correlation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Correlation
	for _, c := range r.correlations {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func testEngineConfig() config.CorrelationConfig {
	return config.CorrelationConfig{
		Workers:           1,
		Buffer:            64,
		Horizon:           5 * time.Minute,
		BucketWidth:       10 * time.Second,
		Shards:            8,
		StrengthThreshold: 0.5,
		MaxCandidates:     64,
		AnomalyZScore:     3.0,
		BaselineSize:      100,
	}
}

func newTestEngine(rec *correlationRecorder) *Engine {
	e := New(testEngineConfig(), nil, rec.callbacks(), nil)
	e.now = func() time.Time { return engineBase.Add(time.Hour) }
	return e
}

func corrEvent(id, entityID string, module types.SourceModule, ts time.Time) types.Event {
	return types.Event{
		ID:           id,
		EntityID:     entityID,
		EventType:    "completion",
		SourceModule: module,
		Severity:     types.SeverityInfo,
		Timestamp:    ts,
		Tags:         map[string]string{"model": "m-large"},
	}
}

func TestCausalCorrelationFromParentLink(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	parent := corrEvent("01A", "m1", types.ModuleGateway, engineBase)
	child := corrEvent("01B", "m1", types.ModuleGateway, engineBase.Add(2*time.Second))
	child.ParentEventID = "01A"

	e.process(parent)
	e.process(child)

	causal := rec.ofType(types.CorrelationCausal)
	if len(causal) != 1 {
		t.Fatalf("expected 1 causal correlation, got %d", len(causal))
	}
	c := causal[0]
	if c.PrimaryID != "01B" || c.RelatedID != "01A" {
		t.Fatalf("unexpected pair: %s -> %s", c.PrimaryID, c.RelatedID)
	}
	if c.Strength != 1.0 || c.Confidence != 1.0 {
		t.Fatalf("parent link must score (1.0, 1.0), got (%f, %f)", c.Strength, c.Confidence)
	}
}

func TestCausalCorrelationFromSharedCorrelationID(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	first := corrEvent("01A", "m1", types.ModuleGateway, engineBase)
	first.CorrelationID = "req-42"
	second := corrEvent("01B", "m2", types.ModuleSecurity, engineBase.Add(time.Second))
	second.CorrelationID = "req-42"

	e.process(first)
	e.process(second)

	causal := rec.ofType(types.CorrelationCausal)
	if len(causal) != 1 {
		t.Fatalf("expected 1 causal correlation, got %d", len(causal))
	}
	if causal[0].Strength != 0.9 {
		t.Fatalf("shared correlation id must score 0.9, got %f", causal[0].Strength)
	}
}

func TestTemporalCorrelationAcrossModules(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	gw := corrEvent("01A", "m1", types.ModuleGateway, engineBase)
	sec := corrEvent("01B", "m2", types.ModuleSecurity, engineBase.Add(10*time.Second))

	e.process(gw)
	e.process(sec)

	temporal := rec.ofType(types.CorrelationTemporal)
	if len(temporal) != 1 {
		t.Fatalf("expected 1 temporal correlation, got %d", len(temporal))
	}
	c := temporal[0]
	if c.PrimaryID != "01B" || c.RelatedID != "01A" {
		t.Fatalf("unexpected pair: %s -> %s", c.PrimaryID, c.RelatedID)
	}
	wantStrength := 1 - float64(10*time.Second)/float64(5*time.Minute)
	if c.Strength != wantStrength {
		t.Fatalf("strength = %f, want %f", c.Strength, wantStrength)
	}
	if c.Confidence != confidenceFromCount(1) {
		t.Fatalf("first observation confidence = %f, want %f", c.Confidence, confidenceFromCount(1))
	}
}

func TestSameModulePairsNotTemporallyCorrelated(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	e.process(corrEvent("01A", "m1", types.ModuleGateway, engineBase))
	e.process(corrEvent("01B", "m2", types.ModuleGateway, engineBase.Add(time.Second)))

	if got := rec.ofType(types.CorrelationTemporal); len(got) != 0 {
		t.Fatalf("same-module pair must not correlate temporally, got %d", len(got))
	}
}

func TestWeakTemporalCorrelationSuppressedByThreshold(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	// 4 minutes of 5 gives strength 0.2, below the 0.5 threshold.
	e.process(corrEvent("01A", "m1", types.ModuleGateway, engineBase))
	e.process(corrEvent("01B", "m2", types.ModuleSecurity, engineBase.Add(4*time.Minute)))

	if got := rec.ofType(types.CorrelationTemporal); len(got) != 0 {
		t.Fatalf("below-threshold correlation must be suppressed, got %+v", got)
	}
}

func TestTieBreakPrefersLexicographicallySmallerID(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	// Two candidates with the identical timestamp, hence identical delta
	// and identical temporal strength.
	e.process(corrEvent("01ZZZ", "m1", types.ModuleGateway, engineBase))
	e.process(corrEvent("01AAA", "m2", types.ModuleGateway, engineBase))
	e.process(corrEvent("01B", "m3", types.ModuleSecurity, engineBase.Add(5*time.Second)))

	temporal := rec.ofType(types.CorrelationTemporal)
	if len(temporal) != 1 {
		t.Fatalf("expected 1 temporal correlation, got %d", len(temporal))
	}
	if temporal[0].RelatedID != "01AAA" {
		t.Fatalf("equal strength must break toward the smaller id, got %s", temporal[0].RelatedID)
	}
}

func TestTieBreakPrefersSmallerDelta(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	// Shared correlation id scores a flat 0.9 regardless of delta, so the
	// time distance is the deciding factor.
	far := corrEvent("01AAA", "m1", types.ModuleGateway, engineBase)
	far.CorrelationID = "req-7"
	near := corrEvent("01ZZZ", "m2", types.ModuleGateway, engineBase.Add(50*time.Second))
	near.CorrelationID = "req-7"
	primary := corrEvent("01B", "m3", types.ModuleSecurity, engineBase.Add(time.Minute))
	primary.CorrelationID = "req-7"

	e.process(far)
	e.process(near)
	e.process(primary)

	causal := rec.ofType(types.CorrelationCausal)
	var got types.Correlation
	for _, c := range causal {
		if c.PrimaryID == "01B" {
			got = c
		}
	}
	if got.RelatedID != "01ZZZ" {
		t.Fatalf("equal strength must break toward the smaller delta, got related %s", got.RelatedID)
	}
}

func TestAnomalyLinkedCorrelation(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	// Prime baselines for two entities with steady values.
	for i := 0; i < 40; i++ {
		v := 100.0
		if i%2 == 0 {
			v = 102.0
		}
		ev1 := corrEvent(fmt.Sprintf("p1%02d", i), "m1", types.ModuleGateway, engineBase.Add(-time.Hour))
		ev1.Measures = map[string]float64{"latency_ms": v}
		ev2 := corrEvent(fmt.Sprintf("p2%02d", i), "m2", types.ModuleCostOps, engineBase.Add(-time.Hour))
		ev2.Measures = map[string]float64{"latency_ms": v}
		e.process(ev1)
		e.process(ev2)
	}

	spikeA := corrEvent("01A", "m1", types.ModuleGateway, engineBase)
	spikeA.Measures = map[string]float64{"latency_ms": 900}
	spikeB := corrEvent("01B", "m2", types.ModuleCostOps, engineBase.Add(5*time.Second))
	spikeB.Measures = map[string]float64{"latency_ms": 900}

	e.process(spikeA)
	e.process(spikeB)

	linked := rec.ofType(types.CorrelationAnomalyLinked)
	found := false
	for _, c := range linked {
		if c.PrimaryID == "01B" && c.RelatedID == "01A" {
			found = true
			if c.Strength < 0.9 {
				t.Fatalf("close anomalies should score high, got %f", c.Strength)
			}
		}
	}
	if !found {
		t.Fatalf("expected anomaly-linked correlation 01B -> 01A, got %+v", linked)
	}
}

func TestCorrelationDeterminism(t *testing.T) {
	run := func() []types.Correlation {
		rec := &correlationRecorder{}
		e := newTestEngine(rec)

		events := []types.Event{
			corrEvent("01C", "m1", types.ModuleGateway, engineBase),
			corrEvent("01A", "m2", types.ModuleSecurity, engineBase.Add(3*time.Second)),
			corrEvent("01B", "m3", types.ModuleCostOps, engineBase.Add(3*time.Second)),
			corrEvent("01D", "m4", types.ModuleGovernance, engineBase.Add(8*time.Second)),
		}
		for _, ev := range events {
			e.process(ev)
		}
		return rec.correlations
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated runs diverged:\n%+v\n%+v", first, second)
	}
	if len(first) == 0 {
		t.Fatal("expected at least one correlation from the fixture")
	}
}

func TestEngineWorkerLifecycle(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)
	e.Start()

	if err := e.SubmitEvent(corrEvent("01A", "m1", types.ModuleGateway, engineBase)); err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if err := e.SubmitEvent(corrEvent("01B", "m2", types.ModuleSecurity, engineBase.Add(time.Second))); err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	e.Close()

	if got := rec.ofType(types.CorrelationTemporal); len(got) != 1 {
		t.Fatalf("expected 1 temporal correlation after drain, got %d", len(got))
	}
	if err := e.SubmitEvent(corrEvent("01C", "m1", types.ModuleGateway, engineBase)); err == nil {
		t.Fatal("expected error submitting after close")
	}
}

func TestEngineDegradesWhenIndexUnavailable(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	e.process(corrEvent("01A", "m1", types.ModuleGateway, engineBase))
	e.Index().SetAvailable(false)
	e.process(corrEvent("01B", "m2", types.ModuleSecurity, engineBase.Add(time.Second)))

	if len(rec.correlations) != 0 {
		t.Fatalf("no correlations should be emitted while the index is down, got %d", len(rec.correlations))
	}
}

func TestUnrelatedEventsDoNotCorrelate(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	first := corrEvent("01A", "m1", types.ModuleGateway, engineBase)
	first.Tags = map[string]string{"model": "m-large"}
	second := corrEvent("01B", "m2", types.ModuleSecurity, engineBase.Add(time.Second))
	second.Tags = map[string]string{"model": "m-small"}

	e.process(first)
	e.process(second)

	if len(rec.correlations) != 0 {
		t.Fatalf("events sharing no tag, correlation id or parent link must not correlate, got %+v", rec.correlations)
	}
}

func TestCorrelationGroupReturnsEventsSharingRequestID(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	for i, id := range []string{"01A", "01B", "01C"} {
		ev := corrEvent(id, "m1", types.ModuleGateway, engineBase.Add(time.Duration(i)*time.Second))
		ev.CorrelationID = "req-42"
		e.process(ev)
	}
	e.process(corrEvent("01D", "m2", types.ModuleSecurity, engineBase))

	group, err := e.CorrelationGroup("req-42")
	if err != nil {
		t.Fatalf("CorrelationGroup: %v", err)
	}
	if len(group) != 3 {
		t.Fatalf("expected 3 group members, got %d", len(group))
	}
	for i, want := range []string{"01A", "01B", "01C"} {
		if group[i].ID != want {
			t.Fatalf("member %d = %s, want %s", i, group[i].ID, want)
		}
	}
}

func TestPatternTrackingAndFlush(t *testing.T) {
	rec := &correlationRecorder{}
	e := newTestEngine(rec)

	for i := 0; i < 3; i++ {
		base := engineBase.Add(time.Duration(i) * 20 * time.Minute)
		e.process(corrEvent(fmt.Sprintf("g%d", i), "m1", types.ModuleGateway, base))
		e.process(corrEvent(fmt.Sprintf("s%d", i), "m2", types.ModuleSecurity, base.Add(10*time.Second)))
	}
	e.FlushPatterns()

	var found *types.PatternStats
	for i := range rec.patterns {
		p := rec.patterns[i]
		if p.ModuleA == types.ModuleSecurity && p.ModuleB == types.ModuleGateway {
			found = &p
		}
	}
	if found == nil {
		t.Fatalf("expected security->gateway pattern, got %+v", rec.patterns)
	}
	if found.Occurrences != 3 {
		t.Fatalf("expected 3 occurrences, got %d", found.Occurrences)
	}
	if found.AvgDeltaSeconds != 10 {
		t.Fatalf("expected average delta 10s, got %f", found.AvgDeltaSeconds)
	}
}
