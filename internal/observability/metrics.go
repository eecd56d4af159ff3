package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the crossmargin risk engine.
type Metrics struct {
	// --- Core processing ---
	CoreInstructionsApplied  *prometheus.CounterVec
	CoreInstructionsRejected *prometheus.CounterVec
	CoreInstructionDuration  *prometheus.HistogramVec
	CoreStateHashDur         prometheus.Histogram
	CoreSequence             prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	RequestSequenceGap    *prometheus.CounterVec
	RequestOutOfOrder     *prometheus.CounterVec

	// --- Interest & funding ---
	InterestIndexUpdates *prometheus.CounterVec
	InterestProtocolFees *prometheus.CounterVec
	FundingUpdates       *prometheus.CounterVec
	FundingPremiumBps    *prometheus.GaugeVec
	QueueEventsConsumed  *prometheus.CounterVec

	// --- Liquidation & bankruptcy ---
	LiquidationsStarted  *prometheus.CounterVec
	LiquidationTransfers *prometheus.CounterVec
	BankruptciesResolved *prometheus.CounterVec
	SocializedLossTotal  *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	AccountsLiquidatable prometheus.Gauge

	// --- Persistence & snapshot ---
	PersistRecordsWritten prometheus.Counter
	PersistErrors         *prometheus.CounterVec
	PersistLastSequence   prometheus.Gauge
	SnapshotTaken         prometheus.Counter
	SnapshotDuration      prometheus.Histogram
	ReplayEventsTotal     prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreInstructionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_core_instructions_applied_total",
			Help: "Instructions successfully applied by the core",
		}, []string{"kind"}),

		CoreInstructionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_core_instructions_rejected_total",
			Help: "Instructions rejected, by reason code",
		}, []string{"kind", "reason"}),

		CoreInstructionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossmargin_core_instruction_duration_seconds",
			Help:    "Time to execute a single instruction",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossmargin_core_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crossmargin_core_sequence",
			Help: "Current global sequence number",
		}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossmargin_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"kind"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossmargin_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossmargin_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossmargin_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crossmargin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crossmargin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_projection_drops_total",
			Help: "Outputs dropped on the non-blocking projection channel",
		}, []string{"kind"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crossmargin_persist_backpressure_total",
			Help: "Core stalls waiting on the persistence channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_idempotency_duplicates_total",
			Help: "Duplicate requests detected, by tier",
		}, []string{"kind", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crossmargin_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crossmargin_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		RequestSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_request_sequence_gap_total",
			Help: "Requests rejected for a source-sequence gap",
		}, []string{"partition"}),

		RequestOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_request_out_of_order_total",
			Help: "Requests rejected for out-of-order delivery",
		}, []string{"partition"}),

		InterestIndexUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_interest_index_updates_total",
			Help: "Root bank index advances",
		}, []string{"token"}),

		InterestProtocolFees: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_interest_protocol_fees_native_total",
			Help: "Native interest retained as protocol fee",
		}, []string{"token"}),

		FundingUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_funding_updates_total",
			Help: "Perp funding accumulator updates",
		}, []string{"market"}),

		FundingPremiumBps: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crossmargin_funding_premium_bps",
			Help: "Last clamped funding premium in basis points",
		}, []string{"market"}),

		QueueEventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_queue_events_consumed_total",
			Help: "Match-engine events applied, by type",
		}, []string{"market", "type"}),

		LiquidationsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_liquidations_started_total",
			Help: "Liquidation calls accepted, by variant",
		}, []string{"variant"}),

		LiquidationTransfers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_liquidation_transfers_total",
			Help: "Completed liquidation transfers, by variant",
		}, []string{"variant"}),

		BankruptciesResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_bankruptcies_resolved_total",
			Help: "Bankruptcy resolutions, by ledger",
		}, []string{"ledger"}),

		SocializedLossTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_socialized_loss_native_total",
			Help: "Native value socialized onto depositors or open interest",
		}, []string{"ledger"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crossmargin_insurance_fund_balance",
			Help: "Insurance fund balance in native quote units",
		}),

		AccountsLiquidatable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crossmargin_accounts_liquidatable",
			Help: "Accounts currently flagged for liquidation",
		}),

		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crossmargin_persist_records_written_total",
			Help: "Instruction log records committed to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_persist_errors_total",
			Help: "Postgres write errors, by operation",
		}, []string{"op"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crossmargin_persist_last_sequence",
			Help: "Highest sequence durably committed",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crossmargin_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossmargin_snapshot_duration_seconds",
			Help:    "Snapshot serialization and write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crossmargin_replay_events_total",
			Help: "Instruction log records replayed at startup",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossmargin_query_duration_seconds",
			Help:    "Query API request duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crossmargin_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}
