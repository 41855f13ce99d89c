package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. It implements
// balance.Recorder.
type Metrics struct {
	BalanceWrites       *prometheus.CounterVec
	TransactionsWritten *prometheus.CounterVec
	RoundingCorrections *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors on reg. Pass nil to use the default
// registry; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		BalanceWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waste_balance",
			Name:      "writes_total",
			Help:      "Balance write attempts by action and outcome.",
		}, []string{"action", "outcome"}),

		TransactionsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waste_balance",
			Name:      "transactions_written_total",
			Help:      "Ledger transactions appended, by action.",
		}, []string{"action"}),

		RoundingCorrections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waste_balance",
			Name:      "rounding_corrections_total",
			Help:      "Balances visited by the rounding-correction sweep, by outcome.",
		}, []string{"outcome"}),

		gatherer: gatherer,
	}
}

func (m *Metrics) BalanceWrite(action, outcome string, transactions int) {
	m.BalanceWrites.WithLabelValues(action, outcome).Inc()
	if transactions > 0 {
		m.TransactionsWritten.WithLabelValues(action).Add(float64(transactions))
	}
}

func (m *Metrics) RoundingCorrection(outcome string) {
	m.RoundingCorrections.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
