package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	burndMetricsOnce sync.Once
	burndRegistry    *BurndMetrics
)

// BurndMetrics wraps collectors tracking the burn orchestrator and reconciliation engine.
type BurndMetrics struct {
	burns          *prometheus.CounterVec
	burnedAmount   *prometheus.CounterVec
	failures       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	valuation      prometheus.Gauge
	valuationStale prometheus.Gauge
	reserveDrift   prometheus.Gauge
	reconRuns      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	unrecorded     prometheus.Counter
	paused         prometheus.Gauge
}

// Burnd exposes the lazily initialised metrics registry for burnd.
func Burnd() *BurndMetrics {
	burndMetricsOnce.Do(func() {
		burndRegistry = &BurndMetrics{
			burns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "burnd",
				Name:      "burns_total",
				Help:      "Count of recorded burns segmented by burn type.",
			}, []string{"type"}),
			burnedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "burnd",
				Name:      "burned_tokens_total",
				Help:      "Token units destroyed segmented by burn type.",
			}, []string{"type"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "burnd",
				Name:      "burn_failures_total",
				Help:      "Terminal burn failures segmented by burn type and error kind.",
			}, []string{"type", "kind"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "burnd",
				Name:      "retries_total",
				Help:      "Retried ledger submissions segmented by the error kind that triggered them.",
			}, []string{"kind"}),
			valuation: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "burnd",
				Name:      "valuation",
				Help:      "Most recent valuation served by the valuation feed.",
			}),
			valuationStale: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "burnd",
				Name:      "valuation_stale",
				Help:      "Indicates whether the valuation feed is serving stale data (1) or not (0).",
			}),
			reserveDrift: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "burnd",
				Name:      "reserve_drift",
				Help:      "Last observed difference between on-ledger and recorded reserve balance.",
			}),
			reconRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "burnd",
				Name:      "recon_runs_total",
				Help:      "Reconciliation sweeps segmented by outcome.",
			}, []string{"outcome"}),
			jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "burnd",
				Name:      "job_duration_seconds",
				Help:      "Duration of scheduled job ticks.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
			unrecorded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "burnd",
				Name:      "unrecorded_burns_total",
				Help:      "Burns accepted by the ledger whose record could not be persisted.",
			}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "burnd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the orchestrator pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			burndRegistry.burns,
			burndRegistry.burnedAmount,
			burndRegistry.failures,
			burndRegistry.retries,
			burndRegistry.valuation,
			burndRegistry.valuationStale,
			burndRegistry.reserveDrift,
			burndRegistry.reconRuns,
			burndRegistry.jobDuration,
			burndRegistry.unrecorded,
			burndRegistry.paused,
		)
	})
	return burndRegistry
}

// RecordBurn counts a successfully recorded burn.
func (m *BurndMetrics) RecordBurn(burnType string, amount float64) {
	if m == nil {
		return
	}
	label := normaliseLabel(burnType)
	m.burns.WithLabelValues(label).Inc()
	if amount > 0 {
		m.burnedAmount.WithLabelValues(label).Add(amount)
	}
}

// RecordFailure counts a terminal burn failure.
func (m *BurndMetrics) RecordFailure(burnType, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normaliseLabel(burnType), normaliseLabel(kind)).Inc()
}

// RecordRetry counts a retried submission.
func (m *BurndMetrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normaliseLabel(kind)).Inc()
}

// SetValuation publishes the valuation currently served to callers.
func (m *BurndMetrics) SetValuation(value float64, stale bool) {
	if m == nil {
		return
	}
	m.valuation.Set(value)
	if stale {
		m.valuationStale.Set(1)
		return
	}
	m.valuationStale.Set(0)
}

// SetReserveDrift publishes the most recent reserve discrepancy.
func (m *BurndMetrics) SetReserveDrift(value float64) {
	if m == nil {
		return
	}
	m.reserveDrift.Set(value)
}

// RecordReconRun counts a reconciliation sweep.
func (m *BurndMetrics) RecordReconRun(outcome string) {
	if m == nil {
		return
	}
	m.reconRuns.WithLabelValues(normaliseLabel(outcome)).Inc()
}

// ObserveJob records the duration of a scheduler tick.
func (m *BurndMetrics) ObserveJob(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(normaliseLabel(job)).Observe(d.Seconds())
}

// RecordUnrecordedBurn flags a burn that landed on the ledger without a local record.
func (m *BurndMetrics) RecordUnrecordedBurn() {
	if m == nil {
		return
	}
	m.unrecorded.Inc()
}

// SetPaused toggles the pause gauge.
func (m *BurndMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func normaliseLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
