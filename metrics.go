package dnspin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnspin_runs_total",
		Help: "Reconciliation passes by overall result.",
	}, []string{"result"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnspin_actions_total",
		Help: "Successful per-family passes by action taken.",
	}, []string{"family", "action"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnspin_failures_total",
		Help: "Failed per-family passes by error kind.",
	}, []string{"family", "kind"})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnspin_last_success_timestamp_seconds",
		Help: "Unix time of the last pass that succeeded for every family.",
	})
)
