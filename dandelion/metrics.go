// Copyright (c) 2018-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dandelion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zcoind",
		Subsystem: "dandelion",
		Name:      "routing_decisions_total",
		Help:      "Count of routing decisions made for new transactions.",
	}, []string{"network", "action"})

	embargoOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zcoind",
		Subsystem: "dandelion",
		Name:      "embargo_outcomes_total",
		Help:      "Count of embargoes ended by expiry, cancellation or shutdown.",
	}, []string{"network", "outcome"})

	embargoedTxns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zcoind",
		Subsystem: "dandelion",
		Name:      "embargoed_transactions",
		Help:      "Number of transactions currently in the stem phase across routers.",
	}, []string{"network"})

	shufflesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zcoind",
		Subsystem: "dandelion",
		Name:      "shuffles_total",
		Help:      "Count of stem destination reshuffles.",
	}, []string{"network"})
)

// Embargo outcome labels.
const (
	outcomeFluffed   = "fluffed"
	outcomeExpired   = "expired"
	outcomeCancelled = "cancelled"
	outcomeStopped   = "stopped"
)

// routerMetrics records the metrics of a router for a network.  Several
// routers on one network share the embargo gauge, so each one only adds the
// change of its own count.
type routerMetrics struct {
	network   string
	embargoed int
}

func newRouterMetrics(network string) *routerMetrics {
	if network == "" {
		network = "unknown"
	}
	return &routerMetrics{network: network}
}

// ObserveDecision counts a routing decision.
func (m *routerMetrics) ObserveDecision(action Action) {
	routingDecisionsTotal.WithLabelValues(m.network, action.String()).Inc()
}

// ObserveEmbargoEnd counts the end of an embargo.
func (m *routerMetrics) ObserveEmbargoEnd(outcome string) {
	embargoOutcomesTotal.WithLabelValues(m.network, outcome).Inc()
}

// SetEmbargoed records the number of transactions embargoed by the router.
//
// This function MUST be called with the router lock held.
func (m *routerMetrics) SetEmbargoed(n int) {
	embargoedTxns.WithLabelValues(m.network).Add(float64(n - m.embargoed))
	m.embargoed = n
}

// ObserveShuffle counts a reshuffle of the stem destinations.
func (m *routerMetrics) ObserveShuffle() {
	shufflesTotal.WithLabelValues(m.network).Inc()
}
