// Package metrics registers the cluster's prometheus instrumentation:
// fan-out call counts, migration phase transitions, and layout anomaly
// counts. Uses promauto the way the wider Go ecosystem does — the
// example pack carries github.com/prometheus/client_golang as a direct
// dependency but no retained call site showing its usage pattern, so
// this package follows promauto's own documented idiom rather than one
// observed in a teacher file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FanoutCalls counts every fan-out dispatch, labeled by operation
	// and outcome.
	FanoutCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dht",
		Subsystem: "fanout",
		Name:      "calls_total",
		Help:      "Fan-out calls issued to subvolumes, by operation and outcome.",
	}, []string{"op", "outcome"})

	// FanoutDuration tracks how long one fan-out call takes to resolve
	// across every subvolume it dispatched to.
	FanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dht",
		Subsystem: "fanout",
		Name:      "duration_seconds",
		Help:      "Time for a fan-out call to collect every subvolume's reply.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// MigrationPhase counts entries into each migration phase, labeled
	// by phase name and outcome.
	MigrationPhase = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dht",
		Subsystem: "migrate",
		Name:      "phase_transitions_total",
		Help:      "Migration phase transitions, by phase and outcome.",
	}, []string{"phase", "outcome"})

	// MigrationBytesCopied sums bytes actually written to a destination
	// during the data-copy phase (post sparse-skip).
	MigrationBytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dht",
		Subsystem: "migrate",
		Name:      "bytes_copied_total",
		Help:      "Bytes written to migration destinations, excluding skipped sparse runs.",
	})

	// LayoutAnomalies counts each anomaly class Normalize reports,
	// labeled by kind (holes, overlaps, missing, down, misc, no_space).
	LayoutAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dht",
		Subsystem: "layout",
		Name:      "anomalies_total",
		Help:      "Layout anomalies observed during normalize, by kind.",
	}, []string{"kind"})

	// SubvolumeFilled tracks the current filled/not-filled state per
	// subvolume as a gauge so dashboards can show live placement
	// pressure.
	SubvolumeFilled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dht",
		Subsystem: "diskusage",
		Name:      "subvolume_filled",
		Help:      "1 if a subvolume is currently filled (placement avoids it), else 0.",
	}, []string{"subvol"})
)

// ObserveAnomalies records one Normalize() result's anomaly counts.
func ObserveAnomalies(holes, overlaps, missing, down, misc, noSpace int) {
	LayoutAnomalies.WithLabelValues("holes").Add(float64(holes))
	LayoutAnomalies.WithLabelValues("overlaps").Add(float64(overlaps))
	LayoutAnomalies.WithLabelValues("missing").Add(float64(missing))
	LayoutAnomalies.WithLabelValues("down").Add(float64(down))
	LayoutAnomalies.WithLabelValues("misc").Add(float64(misc))
	LayoutAnomalies.WithLabelValues("no_space").Add(float64(noSpace))
}

// SetFilled updates the filled gauge for one subvolume.
func SetFilled(subvol string, filled bool) {
	v := 0.0
	if filled {
		v = 1.0
	}
	SubvolumeFilled.WithLabelValues(subvol).Set(v)
}
