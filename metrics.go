package anchored

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync core's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	pushed       prometheus.Counter
	pulled       prometheus.Counter
	dropped      prometheus.Counter
	failures     prometheus.Counter
	conflicts    *prometheus.CounterVec
	queuePending prometheus.Gauge
	queueFailed  prometheus.Gauge
	runDuration  prometheus.Histogram
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchored_sync_runs_total",
			Help: "Total number of sync runs by result",
		}, []string{"result"}),
		pushed: f.NewCounter(prometheus.CounterOpts{
			Name: "anchored_sync_pushed_total",
			Help: "Queue entries applied to the remote store",
		}),
		pulled: f.NewCounter(prometheus.CounterOpts{
			Name: "anchored_sync_pulled_total",
			Help: "Remote documents and bodies applied locally",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "anchored_sync_dropped_total",
			Help: "Queue entries dropped for non-syncable record ids",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "anchored_sync_push_failures_total",
			Help: "Failed push attempts recorded against queue entries",
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchored_sync_conflicts_total",
			Help: "Conflict copies created by reason",
		}, []string{"reason"}),
		queuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "anchored_queue_pending",
			Help: "Queue entries awaiting a push attempt",
		}),
		queueFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "anchored_queue_failed",
			Help: "Queue entries that exhausted their retries",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "anchored_sync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "anchored_body_cache_hits_total",
			Help: "Body reads served from the cache",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "anchored_body_cache_misses_total",
			Help: "Body reads that went to the store",
		}),
	}
}

func (m *Metrics) observeRun(result State, stats *SyncStats, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(result)).Inc()
	m.runDuration.Observe(d.Seconds())
	if stats == nil {
		return
	}
	m.pushed.Add(float64(stats.Pushed))
	m.pulled.Add(float64(stats.Pulled + stats.PulledBodies))
	m.dropped.Add(float64(stats.Dropped))
	m.failures.Add(float64(stats.Failures))
}

func (m *Metrics) conflict(reason ConflictReason) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) queue(c QueueCounts) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(c.Pending + c.Retrying))
	m.queueFailed.Set(float64(c.Failed))
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
