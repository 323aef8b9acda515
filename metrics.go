package docdb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the store's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	operationErrors *prometheus.CounterVec
	documents       prometheus.Gauge
	pages           prometheus.Gauge
	transactions    *prometheus.CounterVec
	txDuration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registerer
// under the "docdb_" prefix. A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operations_total",
		Help: "Total number of document operations.",
	}, []string{"op"})

	m.operationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operation_errors_total",
		Help: "Total number of document operations that failed.",
	}, []string{"op"})

	m.documents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "documents",
		Help: "Number of documents in the index.",
	})

	m.pages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pages",
		Help: "Number of payload page files.",
	})

	m.transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transactions_total",
		Help: "Total number of file transactions by result.",
	}, []string{"result"})

	m.txDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transaction_duration_seconds",
		Help:    "Duration of file transactions from begin to commit or rollback.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("docdb_", registerer)
		registerer.MustRegister(
			m.operations,
			m.operationErrors,
			m.documents,
			m.pages,
			m.transactions,
			m.txDuration,
		)
	}

	return m
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Inc()
	if err != nil {
		m.operationErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) setDocuments(n int) {
	if m == nil {
		return
	}
	m.documents.Set(float64(n))
}

func (m *Metrics) setPages(n int) {
	if m == nil {
		return
	}
	m.pages.Set(float64(n))
}

func (m *Metrics) transactionDone(result string, started time.Time) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(result).Inc()
	m.txDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) transactionRecovered() {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues("recovered").Inc()
}
