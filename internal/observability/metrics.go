package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Operation processing ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Vault ---
	CollateralizationRatio prometheus.Gauge
	ReserveBalance         prometheus.Gauge
	SyntheticSupply        prometheus.Gauge
	AccruedFees            prometheus.Gauge

	// --- Oracle ---
	OraclePrice          prometheus.Gauge
	OracleUpdatesApplied prometheus.Counter
	OracleUpdatesDropped *prometheus.CounterVec
	CircuitBreakerActive prometheus.Gauge

	// --- Positions & liquidation ---
	OpenPositions     prometheus.Gauge
	TotalHedgerMargin prometheus.Gauge
	Liquidations      prometheus.Counter
	LiquidationSeized prometheus.Counter

	// --- Fill apportionment ---
	FillUtilization prometheus.Gauge
	FillAdjustments prometheus.Counter

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IngestDuplicates *prometheus.CounterVec
	SequenceGaps     *prometheus.CounterVec
	OutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_ops_rejected_total",
			Help: "Operations rejected (validation, authorization, oracle gate)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_op_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_engine_sequence",
			Help: "Current global sequence number",
		}),

		CollateralizationRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_collateralization_ratio_bps",
			Help: "Vault collateralization ratio in basis points",
		}),

		ReserveBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_reserve_balance",
			Help: "Vault reserve balance (USDC)",
		}),

		SyntheticSupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_synthetic_supply",
			Help: "Outstanding synthetic supply (QEURO)",
		}),

		AccruedFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_accrued_fees",
			Help: "Fees accrued and not yet collected (USDC)",
		}),

		OraclePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_oracle_price",
			Help: "Latest accepted oracle price",
		}),

		OracleUpdatesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_oracle_updates_applied_total",
			Help: "Price feed updates accepted",
		}),

		OracleUpdatesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_oracle_updates_dropped_total",
			Help: "Price feed updates dropped (stale sequence, bounds, source)",
		}, []string{"reason"}),

		CircuitBreakerActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_circuit_breaker_active",
			Help: "1 when the oracle circuit breaker is tripped",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_open_positions",
			Help: "Active hedger positions",
		}),

		TotalHedgerMargin: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_hedger_margin_total",
			Help: "Total margin across active positions (USDC)",
		}),

		Liquidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_liquidations_total",
			Help: "Positions liquidated",
		}),

		LiquidationSeized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_liquidation_seized_total",
			Help: "Margin seized into the insurance fund (USDC)",
		}),

		FillUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_fill_utilization_bps",
			Help: "Filled over requested hedger notional in basis points",
		}),

		FillAdjustments: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_fill_adjustments_total",
			Help: "Per-position fill changes emitted by reapportionment",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IngestDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_ingest_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		SequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		OutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
