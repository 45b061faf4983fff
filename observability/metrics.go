package observability

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC method activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cipherpool",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a JSON-RPC call. code is zero on success.
func (m *moduleMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards remain consistent.
func (m *moduleMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// SettlementMetrics tracks batch settlement outcomes and net-swap volume.
type SettlementMetrics struct {
	outcomes  *prometheus.CounterVec
	latency   prometheus.Histogram
	transfers prometheus.Counter
	volume    *prometheus.CounterVec
	dust      *prometheus.CounterVec

	meter *settlementMeter
}

// settlementMeter mirrors settlement outcomes onto the OTLP metrics pipeline.
type settlementMeter struct {
	batches  metric.Int64Counter
	duration metric.Float64Histogram
	volume   metric.Int64Counter
}

func newSettlementMeter(meter metric.Meter) *settlementMeter {
	fallback := noop.NewMeterProvider().Meter("cipherpool/settlement")
	batches, err := meter.Int64Counter("cipherpool.settlement.batches")
	if err != nil {
		batches, _ = fallback.Int64Counter("cipherpool.settlement.batches")
	}
	duration, err := meter.Float64Histogram("cipherpool.settlement.duration", metric.WithUnit("s"))
	if err != nil {
		duration, _ = fallback.Float64Histogram("cipherpool.settlement.duration")
	}
	volume, err := meter.Int64Counter("cipherpool.settlement.net_swap.volume")
	if err != nil {
		volume, _ = fallback.Int64Counter("cipherpool.settlement.net_swap.volume")
	}
	return &settlementMeter{batches: batches, duration: duration, volume: volume}
}

func (m *settlementMeter) observe(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.batches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}

func (m *settlementMeter) netSwap(ctx context.Context, instrument, side string, amount *big.Int) {
	if m == nil || amount == nil || !amount.IsInt64() {
		return
	}
	m.volume.Add(ctx, amount.Int64(), metric.WithAttributes(
		attribute.String("instrument", instrument),
		attribute.String("side", side)))
}

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "settlement",
				Name:      "batches_total",
				Help:      "Count of settle calls segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "cipherpool",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution for settle calls.",
				Buckets:   prometheus.DefBuckets,
			}),
			transfers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "settlement",
				Name:      "internal_transfers_total",
				Help:      "Count of internal transfers applied by settled batches.",
			}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "settlement",
				Name:      "net_swap_volume",
				Help:      "Plaintext net-order volume executed on the exchange.",
			}, []string{"instrument", "side"}),
			dust: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "settlement",
				Name:      "distribution_dust",
				Help:      "Proportional distribution remainders left unallocated.",
			}, []string{"instrument"}),
		}
		prometheus.MustRegister(
			settlementReg.outcomes,
			settlementReg.latency,
			settlementReg.transfers,
			settlementReg.volume,
			settlementReg.dust,
		)
		settlementReg.meter = newSettlementMeter(otel.GetMeterProvider().Meter("cipherpool/settlement"))
	})
	return settlementReg
}

// Observe records a settle attempt. Outcomes should be stable strings such
// as "settled", "rejected" or "rolled_back".
func (m *SettlementMetrics) Observe(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.latency.Observe(duration.Seconds())
	m.meter.observe(context.Background(), outcome, duration)
}

// RecordTransfers adds applied internal transfers.
func (m *SettlementMetrics) RecordTransfers(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.transfers.Add(float64(n))
}

// RecordNetSwap records the plaintext volume of a net order.
func (m *SettlementMetrics) RecordNetSwap(sold, bought string, amountIn, amountOut *big.Int) {
	if m == nil {
		return
	}
	m.volume.WithLabelValues(labelAsset(sold), "in").Add(bigToFloat(amountIn))
	m.volume.WithLabelValues(labelAsset(bought), "out").Add(bigToFloat(amountOut))
	m.meter.netSwap(context.Background(), labelAsset(sold), "in", amountIn)
	m.meter.netSwap(context.Background(), labelAsset(bought), "out", amountOut)
}

// RecordDust records a distribution remainder.
func (m *SettlementMetrics) RecordDust(instrument string, dust *big.Int) {
	if m == nil || dust == nil || dust.Sign() <= 0 {
		return
	}
	m.dust.WithLabelValues(labelAsset(instrument)).Add(bigToFloat(dust))
}

// PoolMetrics tracks host operations and reserve levels.
type PoolMetrics struct {
	operations *prometheus.CounterVec
	netHeld    *prometheus.GaugeVec
	paused     *prometheus.GaugeVec
}

// Pool returns the singleton pool metrics registry.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherpool",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Count of host operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			netHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cipherpool",
				Subsystem: "pool",
				Name:      "reserve_net_held",
				Help:      "Plaintext collateral backing confidential balances per instrument.",
			}, []string{"pool", "instrument"}),
			paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cipherpool",
				Subsystem: "pool",
				Name:      "pause_engaged",
				Help:      "Indicates whether the module pause guard is active (1) or not (0).",
			}, []string{"module"}),
		}
		prometheus.MustRegister(poolRegistry.operations, poolRegistry.netHeld, poolRegistry.paused)
	})
	return poolRegistry
}

// ObserveOperation records the outcome of a host operation.
func (m *PoolMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordNetHeld publishes the reserve level for a pool instrument.
func (m *PoolMetrics) RecordNetHeld(pool, instrument string, netHeld *big.Int) {
	if m == nil {
		return
	}
	m.netHeld.WithLabelValues(pool, labelAsset(instrument)).Set(bigToFloat(netHeld))
}

// SetPause toggles the pause gauge for a module.
func (m *PoolMetrics) SetPause(module string, engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.WithLabelValues(module).Set(1)
		return
	}
	m.paused.WithLabelValues(module).Set(0)
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
