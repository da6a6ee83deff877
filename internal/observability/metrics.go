package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow ledger.
type Metrics struct {
	// --- Engine ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge
	StateHashDur   prometheus.Histogram

	// --- Money flow ---
	DepositsTotal    prometheus.Counter
	WithdrawalsTotal prometheus.Counter
	BetsPlaced       *prometheus.CounterVec
	BetsResolved     *prometheus.CounterVec
	PayoutLamports   prometheus.Counter
	TreasuryLamports prometheus.Counter
	NoWinnerEvents   prometheus.Counter
	VaultBalance     prometheus.Gauge

	// --- Settlement ---
	SettlementChunks   *prometheus.CounterVec
	SettlementBets     *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistOpsWritten      prometheus.Counter
	PersistAccountsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	OddsCacheHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ops_applied_total",
			Help: "Operations successfully applied by the ledger engine",
		}, []string{"op_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ops_rejected_total",
			Help: "Operations rejected (duplicate, guard, validation)",
		}, []string{"op_type", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_op_apply_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_engine_sequence",
			Help: "Current global operation sequence",
		}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_state_hash_duration_seconds",
			Help:    "Time to compute the chained state hash",
			Buckets: latencyBuckets,
		}),

		DepositsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_deposits_lamports_total",
			Help: "Total lamports deposited into custody",
		}),

		WithdrawalsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_withdrawals_lamports_total",
			Help: "Total lamports withdrawn from custody",
		}),

		BetsPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_bets_placed_total",
			Help: "Bets placed",
		}, []string{"outcome"}),

		BetsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_bets_resolved_total",
			Help: "Bets resolved at settlement or cancellation",
		}, []string{"status"}),

		PayoutLamports: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_payout_lamports_total",
			Help: "Lamports credited to winners",
		}),

		TreasuryLamports: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_treasury_lamports_total",
			Help: "Lamports moved to the treasury (fees, remainders, no-winner pools)",
		}),

		NoWinnerEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_no_winner_settlements_total",
			Help: "Settlements where nobody bet the winning outcome",
		}),

		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_vault_lamports",
			Help: "Current escrow custody balance",
		}),

		SettlementChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlement_chunks_total",
			Help: "Settlement/cancellation chunks processed",
		}, []string{"kind"}),

		SettlementBets: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlement_bets_total",
			Help: "Bets processed during settlement passes",
		}, []string{"kind"}),

		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_settlement_chunk_duration_seconds",
			Help:    "Time to process one settlement chunk",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"kind"}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_idempotency_duplicates_total",
			Help: "Duplicate operations caught (lru/postgres)",
		}, []string{"op_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_ops_written_total",
			Help: "Operation log rows written to Postgres",
		}),

		PersistAccountsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_accounts_written_total",
			Help: "Account snapshot rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		OddsCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_odds_cache_total",
			Help: "Live-odds cache lookups by result (hit/miss/error)",
		}, []string{"result"}),
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
