// Package metrics exposes settlement counters to Prometheus. Collector
// implements ledger.SettlementObserver and is registered on the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/settlement-engine/ledger"
)

// Outcome labels for settlements_total. Failed settlements are split by
// class so retryable conflicts can be alerted on separately.
const (
	OutcomeSettled  = "settled"
	OutcomeDegraded = "degraded"
	OutcomeSkipped  = "skipped"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Collector struct {
	registry *prometheus.Registry

	settlements     *prometheus.CounterVec
	duration        prometheus.Histogram
	debtPayments    prometheus.Counter
	depositAmount   prometheus.Counter
	appliedToDebt   prometheus.Counter
	balanceCredited prometheus.Counter
}

var _ ledger.SettlementObserver = (*Collector)(nil)

// New builds a collector on its own registry, with Go and process
// collectors included.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Time from Settle call to result, lock wait included.",
			Buckets: prometheus.DefBuckets,
		}),
		debtPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debt_payments_total",
			Help: "Debt payment records written.",
		}),
		depositAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deposit_amount_total",
			Help: "Sum of settled deposits.",
		}),
		appliedToDebt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debt_applied_amount_total",
			Help: "Portion of settled deposits applied to debts.",
		}),
		balanceCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balance_credited_total",
			Help: "Portion of settled deposits credited to balances.",
		}),
	}
	reg.MustRegister(
		c.settlements, c.duration, c.debtPayments,
		c.depositAmount, c.appliedToDebt, c.balanceCredited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveSettlement(result *ledger.Settlement, err error, elapsed time.Duration) {
	c.duration.Observe(elapsed.Seconds())
	c.settlements.WithLabelValues(outcome(result, err)).Inc()

	if err != nil || result == nil || result.Status == ledger.StatusSkipped {
		return
	}
	for _, rec := range result.Records {
		if rec.Kind == ledger.KindDebtPayment {
			c.debtPayments.Inc()
		}
	}
	c.depositAmount.Add(result.Plan.Total.Decimal().InexactFloat64())
	c.appliedToDebt.Add(result.Plan.Applied().Decimal().InexactFloat64())
	c.balanceCredited.Add(result.Plan.Leftover.Decimal().InexactFloat64())
}

func outcome(result *ledger.Settlement, err error) string {
	switch {
	case err != nil && ledger.IsRetryable(err):
		return OutcomeConflict
	case err != nil && (ledger.IsClientError(err) || ledger.IsNotFound(err)):
		return OutcomeRejected
	case err != nil, result == nil:
		return OutcomeFailed
	}
	return string(result.Status)
}
