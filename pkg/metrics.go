package cache

// metrics.go contains a thin abstraction over Prometheus so that dedupcache
// can be used with or without metrics. When the user passes a
// *prometheus.Registry in New(..., WithMetrics(reg)), we create unlabeled
// metrics and expose them via the registry. Otherwise a no-op sink is used
// and the hot path does not pay for metric updates.
//
// Metric names follow Prometheus best practices, suffixed with "_total" for
// counters.
//
// ┌──────────────────────────────┐
// │ Metric                │ Type │
// ├────────────────────────┼──────┤
// │ dedup_hits_total       │ Ctr  │
// │ dedup_misses_total     │ Ctr  │
// │ lookup_hits_total      │ Ctr  │
// │ lookup_misses_total    │ Ctr  │
// │ verification_fail_total│ Ctr  │
// │ evictions_total        │ Ctr  │
// │ flushes_total          │ Ctr  │
// │ dirty_pending          │ Gge  │
// └──────────────────────────────┘
//
// © 2025 dedupcache authors. MIT License.

import (
	"github.com/prometheus/client_golang/prometheus"
)

/*
   ---------------- Public (package-level) API ----------------
*/

// metricsSink is an internal interface abstracting away the concrete
// backend (Prometheus vs noop). It is not exposed outside the package;
// Cache only knows about the generic methods here.
type metricsSink interface {
	incDedupHit()
	incDedupMiss()
	incLookupHit()
	incLookupMiss()
	incVerificationFail()
	incEviction()
	incFlush(n int)
	setDirtyPending(n int)
}

/*
   ---------------- No-op implementation ----------------
*/

type noopMetrics struct{}

func (noopMetrics) incDedupHit()        {}
func (noopMetrics) incDedupMiss()       {}
func (noopMetrics) incLookupHit()       {}
func (noopMetrics) incLookupMiss()      {}
func (noopMetrics) incVerificationFail() {}
func (noopMetrics) incEviction()        {}
func (noopMetrics) incFlush(int)        {}
func (noopMetrics) setDirtyPending(int) {}

/*
   ---------------- Prometheus implementation ----------------
*/

type promMetrics struct {
	dedupHits        prometheus.Counter
	dedupMisses      prometheus.Counter
	lookupHits       prometheus.Counter
	lookupMisses     prometheus.Counter
	verificationFail prometheus.Counter
	evictions        prometheus.Counter
	flushes          prometheus.Counter
	dirtyPending     prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "dedup_hits_total",
			Help: "Number of dedup() calls whose content already exists in the FP Index.",
		}),
		dedupMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "dedup_misses_total",
			Help: "Number of dedup() calls whose content is new.",
		}),
		lookupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "lookup_hits_total",
			Help: "Number of lookup() calls resolved via the LBA Index and FP Index.",
		}),
		lookupMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "lookup_misses_total",
			Help: "Number of lookup() calls that missed either index.",
		}),
		verificationFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "verification_fail_total",
			Help: "Number of signature hits rejected by metadata verification.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "evictions_total",
			Help: "Number of FP Index slot runs invalidated (policy evictions, verification erasures, zero-reference drops).",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupcache", Name: "flushes_total",
			Help: "Number of dirty-list write-backs committed to the primary device.",
		}),
		dirtyPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupcache", Name: "dirty_pending",
			Help: "Current number of pending dirty-list write-backs.",
		}),
	}

	reg.MustRegister(pm.dedupHits, pm.dedupMisses, pm.lookupHits, pm.lookupMisses,
		pm.verificationFail, pm.evictions, pm.flushes, pm.dirtyPending)
	return pm
}

func (m *promMetrics) incDedupHit()         { m.dedupHits.Inc() }
func (m *promMetrics) incDedupMiss()        { m.dedupMisses.Inc() }
func (m *promMetrics) incLookupHit()        { m.lookupHits.Inc() }
func (m *promMetrics) incLookupMiss()       { m.lookupMisses.Inc() }
func (m *promMetrics) incVerificationFail() { m.verificationFail.Inc() }
func (m *promMetrics) incEviction()   { m.evictions.Inc() }
func (m *promMetrics) incFlush(n int) { m.flushes.Add(float64(n)) }
func (m *promMetrics) setDirtyPending(n int) {
	m.dirtyPending.Set(float64(n))
}

/*
   ---------------- Factory ----------------
*/

// newMetricsSink decides which implementation to use.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
