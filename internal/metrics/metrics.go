// Package metrics exposes the engine's Prometheus collectors. Variables
// are package level so tests can swap in fresh registries.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TicketsScannedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalated_tickets_scanned_total",
		Help: "Tickets examined per scheduler pass type.",
	}, []string{"pass"})

	SLABreachesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalated_sla_breaches_total",
		Help: "SLA breach signals fired, by track.",
	}, []string{"track"})

	SLAWarningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalated_sla_warnings_total",
		Help: "SLA early-warning signals fired, by track.",
	}, []string{"track"})

	RulesMatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalated_rules_matched_total",
		Help: "Escalation rule matches across all passes.",
	})

	ActionsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalated_actions_applied_total",
		Help: "Escalation actions applied, by kind.",
	}, []string{"kind"})

	PassErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalated_pass_errors_total",
		Help: "Recovered per-ticket errors, by pass type.",
	}, []string{"pass"})

	SyncEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalated_sync_enqueued_total",
		Help: "Operations enqueued for mirroring.",
	})

	SyncDrainedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalated_sync_drained_total",
		Help: "Sync queue entries delivered to the hosted API.",
	})

	SyncRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalated_sync_retries_total",
		Help: "Sync queue delivery attempts that failed and were rescheduled.",
	})

	SyncDeadLetteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalated_sync_dead_lettered_total",
		Help: "Sync queue entries that exhausted their attempt budget.",
	})
)

func init() {
	prometheus.MustRegister(
		TicketsScannedTotal,
		SLABreachesTotal,
		SLAWarningsTotal,
		RulesMatchedTotal,
		ActionsAppliedTotal,
		PassErrorsTotal,
		SyncEnqueuedTotal,
		SyncDrainedTotal,
		SyncRetriesTotal,
		SyncDeadLetteredTotal,
	)
}
