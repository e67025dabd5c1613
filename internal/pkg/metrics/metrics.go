package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every billing collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	GateDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "gate_decisions_total",
		Help:      "Admission decisions by result and reason.",
	}, []string{"result", "reason"})

	Settlements = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "settlements_total",
		Help:      "Post-usage settlements by outcome.",
	}, []string{"outcome"})

	OverageMicros = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "overage_micros_total",
		Help:      "Overage amount requested from credit balances, in micro-dollars.",
	})

	CreditDebits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "credit_debits_total",
		Help:      "Credit debit attempts by result.",
	}, []string{"result"})

	CreditTopUps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "credit_topups_total",
		Help:      "Credit purchase transitions by status.",
	}, []string{"status"})

	WebhookEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "webhook_events_total",
		Help:      "Payment provider webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	PricingResolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "pricing_resolutions_total",
		Help:      "Model price lookups by the source that resolved them.",
	}, []string{"source"})

	PlanChanges = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "plan_changes_total",
		Help:      "Subscription lifecycle operations by action.",
	}, []string{"action"})

	JobRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "job_runs_total",
		Help:      "Background job executions by job and result.",
	}, []string{"job", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
