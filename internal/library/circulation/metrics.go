package circulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は貸出エンジンのカウンター
type Metrics struct {
	Loans        *prometheus.CounterVec
	Reservations *prometheus.CounterVec
	Reminders    *prometheus.CounterVec
	Errors       *prometheus.CounterVec
}

// NewMetrics は reg に登録する。nil なら登録しない（テスト・CLI 用）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Loans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_loans_total",
			Help: "貸出の状態遷移の回数",
		}, []string{"event"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_reservations_total",
			Help: "予約の状態遷移の回数",
		}, []string{"event"}),
		Reminders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_reminders_total",
			Help: "リマインド送信の結果",
		}, []string{"tier", "result"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_circulation_errors_total",
			Help: "貸出エンジンが返したエラー",
		}, []string{"op", "code"}),
	}
}
