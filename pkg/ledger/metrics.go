package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the ledger
// 台帳のPrometheusコレクターを保持
type Metrics struct {
	EntriesRecorded         *prometheus.CounterVec // 記録されたエントリ数（移動タイプ別）
	EntriesDeleted          *prometheus.CounterVec // 削除されたエントリ数（移動タイプ別）
	InsufficiencyRejections prometheus.Counter     // 在庫不足による拒否数
	TransfersCompleted      prometheus.Counter     // 完了した移動数
	TransfersFailed         prometheus.Counter     // 失敗した移動数
	WorkflowTransitions     *prometheus.CounterVec // ワークフロー遷移数（遷移先別）
	LotsPerConsumption      prometheus.Histogram   // 消費1件あたりのロット数
}

// NewMetrics creates and registers the ledger collectors
// 台帳コレクターを作成して登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lotledger",
			Name:      "entries_recorded_total",
			Help:      "Number of ledger entries recorded, by movement type.",
		}, []string{"movement_type"}),
		EntriesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lotledger",
			Name:      "entries_deleted_total",
			Help:      "Number of ledger entries deleted, by movement type.",
		}, []string{"movement_type"}),
		InsufficiencyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lotledger",
			Name:      "insufficiency_rejections_total",
			Help:      "Number of consumption attempts rejected for insufficient inventory.",
		}),
		TransfersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lotledger",
			Name:      "transfers_completed_total",
			Help:      "Number of transfer batches completed.",
		}),
		TransfersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lotledger",
			Name:      "transfers_failed_total",
			Help:      "Number of transfer completion failures.",
		}),
		WorkflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lotledger",
			Name:      "workflow_transitions_total",
			Help:      "Number of approval workflow transitions, by target status.",
		}, []string{"to_status"}),
		LotsPerConsumption: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lotledger",
			Name:      "lots_per_consumption",
			Help:      "Number of lots drawn per consuming entry.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EntriesRecorded,
			m.EntriesDeleted,
			m.InsufficiencyRejections,
			m.TransfersCompleted,
			m.TransfersFailed,
			m.WorkflowTransitions,
			m.LotsPerConsumption,
		)
	}
	return m
}
