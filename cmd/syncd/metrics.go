package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/syncnet/syncd/session"
)

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_sessions_active",
		Help: "Number of Sessions currently connected to this instance.",
	})

	changesetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_changesets_sent_total",
		Help: "Records in live-forwarded changesets transmitted to peers, by table.",
	}, []string{"table"})

	changesetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_changesets_received_total",
		Help: "Records received from peers and passed to Store.Merge, by table.",
	}, []string{"table"})

	mergeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_merge_failures_total",
		Help: "Store.Merge calls that returned an error.",
	})
)

func init() {
	prometheus.MustRegister(sessionsActive, changesetsSent, changesetsReceived, mergeFailures)
}

// metricsHooks returns session.Hooks that record onChangesetSent/
// onChangesetReceived into the table-vectored counters above, to be
// merged with any caller-supplied validate/map hooks before
// constructing a Session.
func metricsHooks() session.Hooks {
	return session.Hooks{
		OnConnect: func(string, interface{}) {
			sessionsActive.Inc()
		},
		OnDisconnect: func(string, int, string) {
			sessionsActive.Dec()
		},
		OnChangesetSent: func(_ string, counts map[string]int) {
			for table, n := range counts {
				changesetsSent.WithLabelValues(table).Add(float64(n))
			}
		},
		OnChangesetReceived: func(_ string, counts map[string]int) {
			for table, n := range counts {
				changesetsReceived.WithLabelValues(table).Add(float64(n))
			}
		},
		OnMergeError: func(string, error) {
			mergeFailures.Inc()
		},
	}
}
