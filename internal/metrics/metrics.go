package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the trading runtime.
type Metrics struct {
	TicksTotal     prometheus.Counter
	DroppedTicks   prometheus.Counter
	FeedReconnects prometheus.Counter
	QueueDepth     prometheus.Gauge

	// Candle pipeline
	CandlesTotal *prometheus.CounterVec // labels: tf
	CandleLag    prometheus.Gauge
	CycleDur     prometheus.Histogram

	// Decisions
	SignalsTotal  *prometheus.CounterVec // labels: strategy, outcome
	ExitsTotal    *prometheus.CounterVec // labels: reason
	OpenPositions prometheus.Gauge

	// Broker
	BrokerLatency *prometheus.HistogramVec // labels: op
	BrokerErrors  *prometheus.CounterVec   // labels: op
	BreakerState  prometheus.Gauge         // 0=closed, 1=open, 2=half-open

	InvariantViolations prometheus.Counter
	ConfigReloads       *prometheus.CounterVec // labels: result
	PanicsRecovered     prometheus.Counter
	MarketState         prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates the runtime metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_ticks_total",
			Help: "Ticks processed by the event loop",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_dropped_ticks_total",
			Help: "Ticks dropped because the event queue was full",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_feed_reconnects_total",
			Help: "WebSocket feed disconnects followed by a reconnect attempt",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_queue_depth",
			Help: "Ticks waiting in the event queue",
		}),

		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_candles_total",
			Help: "Closed candles (by timeframe)",
		}, []string{"tf"}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_candle_lag_seconds",
			Help: "Lag between a 5m candle's end and its processing",
		}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runtime_candle_cycle_duration_seconds",
			Help:    "Indicator, strategy and risk processing time per 5m candle",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_signals_total",
			Help: "Routed signals by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_exits_total",
			Help: "Position exits by reason",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_open_positions",
			Help: "Currently open positions",
		}),

		BrokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtime_broker_call_duration_seconds",
			Help:    "Broker REST call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"op"}),
		BrokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_broker_errors_total",
			Help: "Failed broker REST calls",
		}, []string{"op"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_broker_circuit_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),

		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_invariant_violations_total",
			Help: "Candle computations aborted on an invariant violation",
		}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_config_reloads_total",
			Help: "Trading config reloads by result",
		}, []string{"result"}),
		PanicsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_panics_recovered_total",
			Help: "Panics recovered at the tick boundary",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.FeedReconnects,
		m.QueueDepth,
		m.CandlesTotal,
		m.CandleLag,
		m.CycleDur,
		m.SignalsTotal,
		m.ExitsTotal,
		m.OpenPositions,
		m.BrokerLatency,
		m.BrokerErrors,
		m.BreakerState,
		m.InvariantViolations,
		m.ConfigReloads,
		m.PanicsRecovered,
		m.MarketState,
	)

	return m
}

// ObserveBrokerCall records one broker call. Its signature matches the
// broker adapter's OnCall hook.
func (m *Metrics) ObserveBrokerCall(op string, d time.Duration, err error) {
	m.BrokerLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.BrokerErrors.WithLabelValues(op).Inc()
	}
}

// SetBreakerState records the broker circuit breaker state
// (0=closed, 1=open, 2=half-open).
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}
