// Package prom exports queue and transaction metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/txcache/cache"
	"github.com/IvanBrykalov/txcache/server"
)

// Adapter implements cache.Metrics and server.Metrics and exports Prometheus
// counters, gauges and a histogram.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	added    *prometheus.CounterVec
	touched  *prometheus.CounterVec
	removed  *prometheus.CounterVec
	evicted  *prometheus.CounterVec
	resident *prometheus.GaugeVec

	prepared   *prometheus.CounterVec
	aborted    *prometheus.CounterVec
	committed  *prometheus.CounterVec
	rolledBack *prometheus.CounterVec
	lockWait   *prometheus.HistogramVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:           Prometheus namespace
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	queueCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "queue",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, []string{"type"})
	}
	txnCounter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "txn",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, append([]string{"node"}, labels...))
	}
	a := &Adapter{
		added:   queueCounter("added_total", "Objects admitted to an eviction queue"),
		touched: queueCounter("touched_total", "Recency refreshes"),
		removed: queueCounter("removed_total", "Objects removed by deletes"),
		evicted: queueCounter("evicted_total", "Objects evicted by eviction passes"),
		resident: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "queue",
			Name:        "size_entries",
			Help:        "Number of resident objects",
			ConstLabels: constLabels,
		}, []string{"type"}),

		prepared:   txnCounter("prepared_total", "Participant votes to commit"),
		aborted:    txnCounter("aborted_total", "Participant votes to abort by reason", "reason"),
		committed:  txnCounter("committed_total", "Committed transactions"),
		rolledBack: txnCounter("rolled_back_total", "Rolled back transactions"),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "txn",
			Name:        "lock_wait_seconds",
			Help:        "Time prepare spent acquiring locks",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"node"}),
	}
	reg.MustRegister(a.added, a.touched, a.removed, a.evicted, a.resident,
		a.prepared, a.aborted, a.committed, a.rolledBack, a.lockWait)
	return a
}

func (a *Adapter) Added(typ string)   { a.added.WithLabelValues(typ).Inc() }
func (a *Adapter) Touched(typ string) { a.touched.WithLabelValues(typ).Inc() }
func (a *Adapter) Removed(typ string) { a.removed.WithLabelValues(typ).Inc() }

// Evicted adds the size of one eviction pass.
func (a *Adapter) Evicted(typ string, n int) {
	if n > 0 {
		a.evicted.WithLabelValues(typ).Add(float64(n))
	}
}

// Size updates the resident gauge of typ.
func (a *Adapter) Size(typ string, entries int) {
	a.resident.WithLabelValues(typ).Set(float64(entries))
}

func (a *Adapter) Prepared(node string)        { a.prepared.WithLabelValues(node).Inc() }
func (a *Adapter) Aborted(node, reason string) { a.aborted.WithLabelValues(node, reason).Inc() }
func (a *Adapter) Committed(node string)       { a.committed.WithLabelValues(node).Inc() }
func (a *Adapter) RolledBack(node string)      { a.rolledBack.WithLabelValues(node).Inc() }

// LockWait observes one prepare's lock acquisition time.
func (a *Adapter) LockWait(node string, d time.Duration) {
	a.lockWait.WithLabelValues(node).Observe(d.Seconds())
}

// Compile-time checks.
var (
	_ cache.Metrics  = (*Adapter)(nil)
	_ server.Metrics = (*Adapter)(nil)
)
