// Package metrics holds the Prometheus collectors a store reports to.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "docstore"

// Metric names, without the namespace prefix.
const (
	MetricCommands             = "commands_total"
	MetricConcurrencyConflicts = "concurrency_conflicts_total"
	MetricSaves                = "saves_total"
	MetricQueryDuration        = "query_duration_seconds"
	MetricOpenTransactions     = "open_transactions"
)

// Label values.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"

	ModeGet       = "get"
	ModeQuery     = "query"
	ModeWindowed  = "windowed"
	ModeChanges   = "changes"
	ModeExistence = "exists"
)

// Collector groups the store's collectors. A nil *Collector is valid and
// records nothing.
type Collector struct {
	Commands             *prometheus.CounterVec
	ConcurrencyConflicts prometheus.Counter
	Saves                *prometheus.CounterVec
	QueryDuration        *prometheus.HistogramVec
	OpenTransactions     prometheus.Gauge
}

// New builds the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCommands,
			Help:      "Write commands executed, by kind.",
		}, []string{"kind"}),
		ConcurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricConcurrencyConflicts,
			Help:      "Batches rejected because a command affected an unexpected number of rows.",
		}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricSaves,
			Help:      "Session saves, by result.",
		}, []string{"result"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricQueryDuration,
			Help:      "Read latency, by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		OpenTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricOpenTransactions,
			Help:      "Document transactions begun and not yet completed or closed.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.Commands, c.ConcurrencyConflicts, c.Saves, c.QueryDuration, c.OpenTransactions} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Command counts one executed command.
func (c *Collector) Command(kind string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(kind).Inc()
}

// Conflict counts one rejected batch.
func (c *Collector) Conflict() {
	if c == nil {
		return
	}
	c.ConcurrencyConflicts.Inc()
}

// Save counts one session save.
func (c *Collector) Save(result string) {
	if c == nil {
		return
	}
	c.Saves.WithLabelValues(result).Inc()
}

// Observe records a read's latency in seconds.
func (c *Collector) Observe(mode string, seconds float64) {
	if c == nil {
		return
	}
	c.QueryDuration.WithLabelValues(mode).Observe(seconds)
}

// TransactionOpened and TransactionClosed track open transactions.
func (c *Collector) TransactionOpened() {
	if c == nil {
		return
	}
	c.OpenTransactions.Inc()
}

func (c *Collector) TransactionClosed() {
	if c == nil {
		return
	}
	c.OpenTransactions.Dec()
}
