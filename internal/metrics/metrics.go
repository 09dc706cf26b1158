// Package metrics exposes prometheus collectors for slot occupancy,
// image-build coalescing, and run outcomes (SPEC_FULL.md supplemental
// feature "Metrics"), in moby-moby's daemon-metrics idiom.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker tracks C7 worker-pool occupancy and per-run outcomes.
type Worker struct {
	SlotsTotal    prometheus.Gauge
	SlotsInUse    prometheus.Gauge
	RunOutcomes   *prometheus.CounterVec // label "outcome": ok|overtime|panic|internal
	QueueRejected prometheus.Counter
}

// NewWorker registers and returns the C7 collector set on reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	factory := promauto.With(reg)
	return &Worker{
		SlotsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pe", Subsystem: "worker", Name: "slots_total",
			Help: "Total configured worker slots.",
		}),
		SlotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pe", Subsystem: "worker", Name: "slots_in_use",
			Help: "Worker slots currently running a request.",
		}),
		RunOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pe", Subsystem: "worker", Name: "run_outcomes_total",
			Help: "Count of completed runs by outcome (ok, overtime, panic, internal).",
		}, []string{"outcome"}),
		QueueRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pe", Subsystem: "worker", Name: "queue_rejected_total",
			Help: "Requests rejected with TooBusy after exceeding the queue timeout.",
		}),
	}
}

// Image tracks C4 image-service build coalescing (spec §8 property 5).
type Image struct {
	BuildsStarted   prometheus.Counter
	BuildsCoalesced prometheus.Counter
	BuildsFailed    prometheus.Counter
}

// NewImage registers and returns the C4 collector set on reg.
func NewImage(reg prometheus.Registerer) *Image {
	factory := promauto.With(reg)
	return &Image{
		BuildsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pe", Subsystem: "imageservice", Name: "builds_started_total",
			Help: "Image builds actually executed (one per fingerprint per call to Do).",
		}),
		BuildsCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pe", Subsystem: "imageservice", Name: "builds_coalesced_total",
			Help: "Materialize calls that joined an in-flight build instead of starting one.",
		}),
		BuildsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pe", Subsystem: "imageservice", Name: "builds_failed_total",
			Help: "Builds that failed (and were therefore not cached).",
		}),
	}
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
