// Package metrics exposes Prometheus counters and gauges for an update
// pass: builds run, revalidations skipped, cache hits, cycles detected,
// and current queue depth.
//
// Grounded on observability.StreamingMetrics's promauto-registered
// CounterVec/GaugeVec construction, condensed to the handful of series an
// evaluation engine actually needs; Recorder doubles as both
// eval.Observer and invalidate.Observer so a single registration point
// covers both halves of an update pass.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vk/skygraph/internal/eval"
	"github.com/vk/skygraph/internal/invalidate"
	"github.com/vk/skygraph/internal/nodekey"
)

const namespace = "skygraph"

// Recorder implements eval.Observer and invalidate.Observer, publishing
// everything it sees as Prometheus series.
type Recorder struct {
	BuildsTotal        *prometheus.CounterVec
	RevalidationsTotal prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CyclesTotal        prometheus.Counter
	InvalidationsTotal *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
}

// NewRecorder registers every series against reg (prometheus.DefaultRegisterer
// if nil) and returns the Recorder. Registering the same Recorder's series
// twice against one registry panics, mirroring InitMetrics's
// once-per-process posture.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		BuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Completed builder invocations, by outcome.",
		}, []string{"outcome"}),

		RevalidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revalidations_total",
			Help:      "Dirty nodes resolved via CHECK_DEPENDENCIES without a rebuild.",
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Dependency lookups served from an already-DONE entry.",
		}),

		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_detected_total",
			Help:      "Cycles reported by the lazy detector, counted once per node that reports each one.",
		}),

		InvalidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Nodes transitioned by the invalidator, by transition kind.",
		}, []string{"transition"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_nodes",
			Help:      "Nodes currently being driven by the evaluator in the in-flight pass.",
		}),
	}
}

// Enqueueing implements eval.Observer.
func (r *Recorder) Enqueueing(nodekey.Key) {
	r.QueueDepth.Inc()
}

// Evaluated implements eval.Observer. state is what distinguishes a
// revalidation from a rebuild — both otherwise report err == nil — so it
// drives which counter(s) this outcome feeds, rather than BuildsTotal
// alone.
func (r *Recorder) Evaluated(key nodekey.Key, state eval.Outcome, err error) {
	r.QueueDepth.Dec()

	switch state {
	case eval.Built:
		r.BuildsTotal.WithLabelValues("ok").Inc()
	case eval.Revalidated:
		r.Revalidated()
	case eval.CycleDetected:
		if ce, ok := err.(*eval.CycleError); ok {
			r.CyclesTotal.Add(float64(len(ce.Cycles)))
		}
		r.BuildsTotal.WithLabelValues("cycle").Inc()
	default: // eval.Failed
		r.BuildsTotal.WithLabelValues("error").Inc()
	}
}

// Revalidated records one CHECK_DEPENDENCIES pass that resolved a dirty
// node without re-running its builder. Called from Evaluated on
// eval.Revalidated outcomes — kept as its own method since
// RevalidationsTotal is also a natural unit to bump from a direct
// caller that isn't going through the full Observer interface.
func (r *Recorder) Revalidated() {
	r.RevalidationsTotal.Inc()
}

// CacheHit implements eval.Observer, recording one dependency lookup
// resolved against an already-DONE entry without parking.
func (r *Recorder) CacheHit(nodekey.Key) {
	r.CacheHitsTotal.Inc()
}

// Invalidated implements invalidate.Observer.
func (r *Recorder) Invalidated(_ nodekey.Key, transition invalidate.Transition) {
	r.InvalidationsTotal.WithLabelValues(transition.String()).Inc()
}
