// Package metrics exposes the Prometheus collectors of the campaign engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campaigns"

var (
	ServerInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Static server information.",
	}, []string{"version", "backend"})

	ActiveSlots = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_slots",
		Help:      "Admitted steps currently in flight, by campaign class.",
	}, []string{"class"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting in the dispatch queue.",
	})

	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Campaign steps admitted into the dispatch queue.",
	}, []string{"class"})

	StepOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_outcomes_total",
		Help:      "Step executions by terminal branch.",
	}, []string{"outcome"})

	GovernorDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "governor_decisions_total",
		Help:      "Retry governor decisions by policy and result.",
	}, []string{"policy", "result"})

	SweepRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Periodic sweep iterations by sweep and result.",
	}, []string{"sweep", "result"})

	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of periodic sweep iterations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweep"})

	LedgerWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_writes_total",
		Help:      "Ledger step records by result.",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ServerInfo,
			ActiveSlots,
			QueueDepth,
			AdmissionsTotal,
			StepOutcomesTotal,
			GovernorDecisionsTotal,
			SweepRunsTotal,
			SweepDuration,
			LedgerWritesTotal,
		)
	})
}

// Init registers the collectors and records the server info metric.
func Init(version, backend string) {
	Register()
	ServerInfo.WithLabelValues(version, backend).Set(1)
}
