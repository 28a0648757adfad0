package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LiquidatorMetrics bundles the collectors tracking engine passes and
// per-item transaction outcomes.
type LiquidatorMetrics struct {
	passes       *prometheus.CounterVec
	passLatency  *prometheus.HistogramVec
	outcomes     *prometheus.CounterVec
	fastGasPrice prometheus.Gauge
	scanned      *prometheus.CounterVec
}

var (
	liquidatorMetricsOnce sync.Once
	liquidatorRegistry    *LiquidatorMetrics
)

// Liquidator returns the lazily-initialised metrics registry for the
// liquidation engine.
func Liquidator() *LiquidatorMetrics {
	liquidatorMetricsOnce.Do(func() {
		liquidatorRegistry = &LiquidatorMetrics{
			passes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidatord",
				Subsystem: "engine",
				Name:      "passes_total",
				Help:      "Count of engine passes segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			passLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "liquidatord",
				Subsystem: "engine",
				Name:      "pass_duration_seconds",
				Help:      "Latency distribution for full scan-and-act passes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidatord",
				Subsystem: "engine",
				Name:      "outcomes_total",
				Help:      "Per-item transaction outcomes segmented by operation, result, and stage.",
			}, []string{"operation", "result", "stage"}),
			fastGasPrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "liquidatord",
				Subsystem: "gas",
				Name:      "fast_price_wei",
				Help:      "Most recent fast-lane gas price estimate in wei.",
			}),
			scanned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidatord",
				Subsystem: "engine",
				Name:      "candidates_total",
				Help:      "Count of scanned candidates segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			liquidatorRegistry.passes,
			liquidatorRegistry.passLatency,
			liquidatorRegistry.outcomes,
			liquidatorRegistry.fastGasPrice,
			liquidatorRegistry.scanned,
		)
	})
	return liquidatorRegistry
}

// ObservePass records the duration and terminal outcome of one engine
// pass.
func (m *LiquidatorMetrics) ObservePass(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelOperation(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.passes.WithLabelValues(op, outcome).Inc()
	m.passLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordOutcome counts one per-item outcome for the supplied operation.
func (m *LiquidatorMetrics) RecordOutcome(operation, result, stage string) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unknown"
	}
	if stage = strings.TrimSpace(stage); stage == "" {
		stage = "none"
	}
	m.outcomes.WithLabelValues(labelOperation(operation), result, stage).Inc()
}

// RecordCandidates adds the number of candidates produced by a scan.
func (m *LiquidatorMetrics) RecordCandidates(operation string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.scanned.WithLabelValues(labelOperation(operation)).Add(float64(count))
}

// SetFastGasPrice updates the gas price gauge.
func (m *LiquidatorMetrics) SetFastGasPrice(price *big.Int) {
	if m == nil || price == nil {
		return
	}
	value, _ := new(big.Float).SetInt(price).Float64()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	m.fastGasPrice.Set(value)
}

func labelOperation(operation string) string {
	trimmed := strings.TrimSpace(operation)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
