package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the service exports.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreSequence       prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Authorization ---
	AuthFailures   *prometheus.CounterVec
	NoncesConsumed prometheus.Counter

	// --- Rebalance limiter ---
	RebalanceRejected *prometheus.CounterVec
	RebalanceOutflow  *prometheus.CounterVec

	// --- Epoch funding ---
	EpochSettlements   *prometheus.CounterVec
	EpochCooldownRejts prometheus.Counter
	YieldDistributed   *prometheus.CounterVec

	// --- Share pools ---
	PoolExchangeRate    *prometheus.GaugeVec
	PoolTotalUnderlying *prometheus.GaugeVec
	PoolTotalShares     *prometheus.GaugeVec
	PoolExitFees        *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistRetries       prometheus.Counter
	SnapshotDuration     prometheus.Histogram
	ReplayEvents         prometheus.Counter

	// --- Ingestion ---
	NATSMessages    *prometheus.CounterVec
	PublishFailures prometheus.Counter

	// --- HTTP ---
	HTTPRequestDur *prometheus.HistogramVec
}

// NewMetrics registers every instrument on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_events_applied_total",
			Help: "Events applied by the vault core",
		}, []string{"event_type"}),
		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_events_rejected_total",
			Help: "Events rejected by the vault core",
		}, []string{"event_type", "reason"}),
		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_core_event_duration_seconds",
			Help:    "Time to apply one event",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		}, []string{"event_type"}),
		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_core_sequence",
			Help: "Next sequence number to be assigned",
		}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),
		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),
		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_projection_drops_total",
			Help: "Outputs dropped on the projection channel",
		}, []string{"event_type"}),
		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_backpressure_total",
			Help: "Blocking sends observed on the persist channel",
		}),

		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_auth_failures_total",
			Help: "Signed request verification failures",
		}, []string{"reason"}),
		NoncesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_nonces_consumed_total",
			Help: "Nonces burned by verified requests",
		}),

		RebalanceRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_rebalance_rejected_total",
			Help: "Outflows rejected by the rebalance limiter",
		}, []string{"asset"}),
		RebalanceOutflow: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_rebalance_outflow_total",
			Help: "Outflow admitted by the rebalance limiter",
		}, []string{"asset"}),

		EpochSettlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_epoch_settlements_total",
			Help: "Applied epoch funding entries",
		}, []string{"asset"}),
		EpochCooldownRejts: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_epoch_cooldown_rejections_total",
			Help: "Epoch batches rejected by the per-counterparty cooldown",
		}),
		YieldDistributed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_yield_distributed_total",
			Help: "Yield credited to pools",
		}, []string{"asset"}),

		PoolExchangeRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_pool_exchange_rate",
			Help: "Pool exchange rate (underlying per share, scaled)",
		}, []string{"asset"}),
		PoolTotalUnderlying: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_pool_total_underlying",
			Help: "Pool total underlying",
		}, []string{"asset"}),
		PoolTotalShares: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_pool_total_shares",
			Help: "Pool total shares outstanding",
		}, []string{"asset"}),
		PoolExitFees: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_pool_exit_fees_total",
			Help: "Early-exit fees accrued",
		}, []string{"asset"}),

		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),
		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		PersistRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_retries_total",
			Help: "Persistence batch retry attempts",
		}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_snapshot_duration_seconds",
			Help:    "Time to write one state snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ReplayEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_replay_events_total",
			Help: "Envelopes replayed during recovery",
		}),

		NATSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_nats_messages_total",
			Help: "NATS messages by subject class and outcome",
		}, []string{"subject", "outcome"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_publish_failures_total",
			Help: "Outbound event publish failures",
		}),

		HTTPRequestDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"route", "method", "status"}),
	}
}

// NewTestMetrics returns metrics on a private registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
