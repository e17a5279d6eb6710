// Package metrics exposes Prometheus collectors for the sync and sweep jobs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auto_earn"

// Metrics holds the sync and sweep collectors. The zero value and a nil
// *Metrics are both usable and record nothing until Register is called.
type Metrics struct {
	sweepResults     *prometheus.CounterVec
	sweptAssets      prometheus.Counter
	runDuration      *prometheus.HistogramVec
	receiptWait      prometheus.Histogram
	lockContended    prometheus.Counter
	syncInserted     prometheus.Counter
	syncFetchErrors  prometheus.Counter
	syncRowErrors    prometheus.Counter
	lastRunTimestamp *prometheus.GaugeVec

	registerOnce sync.Once
}

// New creates a Metrics registered with registry
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.Register(registry)
	return m
}

// Register registers the collectors with registry. A nil registry is a no-op;
// calls after the first are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.sweepResults = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_results_total",
			Help:      "Sweep results by status and error code",
		}, []string{"status", "code"})

		m.sweptAssets = factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_assets_total",
			Help:      "Token base units deposited into vaults",
		})

		m.runDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of sync and sweep runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"})

		m.receiptWait = factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_wait_seconds",
			Help:      "Time from broadcast to receipt for autoEarn transactions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		})

		m.lockContended = factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_lock_contended_total",
			Help:      "Accounts skipped because another run held the sweep lock",
		})

		m.syncInserted = factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_deposits_inserted_total",
			Help:      "Incoming deposits inserted by sync",
		})

		m.syncFetchErrors = factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_fetch_errors_total",
			Help:      "Transfer-history fetches that failed",
		})

		m.syncRowErrors = factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_row_errors_total",
			Help:      "Transfers skipped because they could not be parsed or inserted",
		})

		m.lastRunTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last run of each job finished",
		}, []string{"job"})
	})
}

// ObserveSweepResult counts one per-deposit or per-account sweep result
func (m *Metrics) ObserveSweepResult(status, code string) {
	if m == nil || m.sweepResults == nil {
		return
	}
	m.sweepResults.WithLabelValues(status, code).Inc()
}

// AddSweptAssets adds realized vault deposits, in token base units
func (m *Metrics) AddSweptAssets(units float64) {
	if m == nil || m.sweptAssets == nil || units <= 0 {
		return
	}
	m.sweptAssets.Add(units)
}

// ObserveRun records the duration of a finished run of job
func (m *Metrics) ObserveRun(job string, d time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(job).Observe(d.Seconds())
	m.lastRunTimestamp.WithLabelValues(job).SetToCurrentTime()
}

// ObserveReceiptWait records how long a receipt took to arrive
func (m *Metrics) ObserveReceiptWait(d time.Duration) {
	if m == nil || m.receiptWait == nil {
		return
	}
	m.receiptWait.Observe(d.Seconds())
}

// IncLockContended counts an account skipped on lock contention
func (m *Metrics) IncLockContended() {
	if m == nil || m.lockContended == nil {
		return
	}
	m.lockContended.Inc()
}

// AddSyncInserted counts newly inserted deposits
func (m *Metrics) AddSyncInserted(n int) {
	if m == nil || m.syncInserted == nil || n <= 0 {
		return
	}
	m.syncInserted.Add(float64(n))
}

// IncSyncFetchError counts a failed transfer-history fetch
func (m *Metrics) IncSyncFetchError() {
	if m == nil || m.syncFetchErrors == nil {
		return
	}
	m.syncFetchErrors.Inc()
}

// AddSyncRowErrors counts transfers skipped during sync
func (m *Metrics) AddSyncRowErrors(n int) {
	if m == nil || m.syncRowErrors == nil || n <= 0 {
		return
	}
	m.syncRowErrors.Add(float64(n))
}
