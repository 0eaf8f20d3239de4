// Copyright (c) 2018-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigma

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	spendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zcoind",
		Subsystem: "sigma",
		Name:      "spends_total",
		Help:      "Count of spends checked against the Sigma limits.",
	}, []string{"network", "policy", "status"})

	blockSpendValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zcoind",
		Subsystem: "sigma",
		Name:      "block_spend_value_satoshis",
		Help:      "Value of Sigma spends accepted for the current height.",
	}, []string{"network"})

	blockSpendInputs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zcoind",
		Subsystem: "sigma",
		Name:      "block_spend_inputs",
		Help:      "Number of Sigma inputs accepted for the current height.",
	}, []string{"network"})
)

// ledgerMetrics records the metrics of a ledger for a network.
type ledgerMetrics struct {
	network string
}

func newLedgerMetrics(network string) *ledgerMetrics {
	if network == "" {
		network = "unknown"
	}
	return &ledgerMetrics{network: network}
}

// ObserveSpend counts a checked spend.  Rejections are labeled with their
// error code.
func (m *ledgerMetrics) ObserveSpend(policy Policy, err error) {
	status := "accepted"
	if err != nil {
		status = "error"
		var rErr RuleError
		if errors.As(err, &rErr) {
			status = rErr.ErrorCode.String()
		}
	}
	spendsTotal.WithLabelValues(m.network, policy.String(), status).Inc()
}

// SetTotals publishes the running totals of the current height.
func (m *ledgerMetrics) SetTotals(acc Accumulator) {
	blockSpendValue.WithLabelValues(m.network).Set(float64(acc.Value))
	blockSpendInputs.WithLabelValues(m.network).Set(float64(acc.Inputs))
}
