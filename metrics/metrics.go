// Package metrics exposes Prometheus counters for commits, purchases and
// reversals. A Metrics value is both a ledger.Observer and the purchase
// orchestrator's outcome recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/wallet-engine/ledger"
)

type Metrics struct {
	registry *prometheus.Registry

	commits          *prometheus.CounterVec
	commitRetries    *prometheus.CounterVec
	commitsExhausted *prometheus.CounterVec
	cashbackGranted  prometheus.Counter
	purchases        *prometheus.CounterVec
	reversalFailures prometheus.Counter
	providerDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_ledger_commits_total",
				Help: "Successful ledger commits by operation",
			},
			[]string{"op"},
		),
		commitRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_ledger_commit_retries_total",
				Help: "Commits recomputed after a version conflict",
			},
			[]string{"op"},
		),
		commitsExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_ledger_commit_conflicts_total",
				Help: "Operations abandoned after exhausting commit retries",
			},
			[]string{"op"},
		),
		cashbackGranted: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_cashback_granted_kobo_total",
			Help: "Cashback credited by purchases, in kobo",
		}),
		purchases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_purchases_total",
				Help: "Purchase outcomes by category",
			},
			[]string{"category", "outcome"},
		),
		reversalFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_reversal_failures_total",
			Help: "Debits that could neither be fulfilled nor reversed",
		}),
		providerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_provider_submit_duration_seconds",
				Help:    "Duration of provider submissions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
	}
}

func (m *Metrics) CommitRetried(op string)   { m.commitRetries.WithLabelValues(op).Inc() }
func (m *Metrics) CommitExhausted(op string) { m.commitsExhausted.WithLabelValues(op).Inc() }

func (m *Metrics) Committed(op string, mut ledger.Mutation) {
	m.commits.WithLabelValues(op).Inc()
	for _, rec := range mut.Append {
		if rec.Type.IsPurchase() && rec.CashbackEarned > 0 {
			m.cashbackGranted.Add(float64(rec.CashbackEarned))
		}
	}
}

func (m *Metrics) PurchaseOutcome(category ledger.TxType, outcome string) {
	m.purchases.WithLabelValues(string(category), outcome).Inc()
}

func (m *Metrics) ReversalFailed() { m.reversalFailures.Inc() }

func (m *Metrics) ObserveProvider(service string, d time.Duration) {
	m.providerDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
