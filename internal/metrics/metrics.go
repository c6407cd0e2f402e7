// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelpulse",
			Name:      "events_total",
			Help:      "Events handled at the ingestion boundary, partitioned by outcome.",
		},
		[]string{"outcome"}, // accepted, rejected, throttled, too_late
	)

	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelpulse",
			Name:      "dead_letters_total",
			Help:      "Events routed to the dead-letter sink, partitioned by reason category.",
		},
		[]string{"category"},
	)

	rollupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelpulse",
			Name:      "rollups_total",
			Help:      "Rollups emitted by the windowed aggregator.",
		},
		[]string{"kind"}, // emitted, reemitted
	)

	correlationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelpulse",
			Name:      "correlations_total",
			Help:      "Correlations produced by the correlation engine.",
		},
		[]string{"outcome"}, // emitted, suppressed, below_threshold
	)

	throttleTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelpulse",
			Name:      "throttle_transitions_total",
			Help:      "Coordinator transitions into the Throttling state.",
		},
	)

	storageRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelpulse",
			Name:      "storage_retries_total",
			Help:      "Retried storage writes after transient failures.",
		},
	)

	ingestSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "modelpulse",
			Name:      "ingest_seconds",
			Help:      "Ingestion call latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	storageWriteSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelpulse",
			Name:      "storage_write_seconds",
			Help:      "Durable write latency in seconds, partitioned by write kind.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"kind"}, // raw, rollup, correlation, dead_letter
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelpulse",
			Name:      "queue_depth",
			Help:      "In-flight events currently owned by the pipeline.",
		},
	)

	openWindows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelpulse",
			Name:      "open_windows",
			Help:      "Window states currently held in memory across all partitions.",
		},
	)
)

// Register attaches modelpulse collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		deadLettersTotal,
		rollupsTotal,
		correlationsTotal,
		throttleTransitionsTotal,
		storageRetriesTotal,
		ingestSeconds,
		storageWriteSeconds,
		queueDepth,
		openWindows,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEvent records one ingestion outcome: accepted, rejected, throttled
// or too_late.
func ObserveEvent(outcome string) {
	eventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDeadLetter records a dead-lettered event by reason category.
func ObserveDeadLetter(category string) {
	deadLettersTotal.WithLabelValues(category).Inc()
}

// ObserveRollup records an emitted (or re-emitted) rollup.
func ObserveRollup(reemitted bool) {
	if reemitted {
		rollupsTotal.WithLabelValues("reemitted").Inc()
		return
	}
	rollupsTotal.WithLabelValues("emitted").Inc()
}

// ObserveCorrelation records a correlation outcome.
func ObserveCorrelation(outcome string) {
	correlationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveThrottleTransition records a transition into Throttling.
func ObserveThrottleTransition() {
	throttleTransitionsTotal.Inc()
}

// ObserveStorageRetry records a retried storage write.
func ObserveStorageRetry() {
	storageRetriesTotal.Inc()
}

// ObserveIngestLatency records the latency of one ingestion call.
func ObserveIngestLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	ingestSeconds.Observe(d.Seconds())
}

// ObserveStorageWrite records the latency of one durable write.
func ObserveStorageWrite(kind string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	storageWriteSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// SetQueueDepth updates the in-flight gauge.
func SetQueueDepth(depth int64) {
	queueDepth.Set(float64(depth))
}

// SetOpenWindows updates the open-window gauge.
func SetOpenWindows(count int) {
	openWindows.Set(float64(count))
}
