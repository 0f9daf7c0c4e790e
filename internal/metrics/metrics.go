// Package metrics exposes Prometheus collectors for the marketplace ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace prefixes every metric exported by this package.
	Namespace = "bazaar"
	// Subsystem is shared by the ledger metrics.
	Subsystem = "ledger"
)

// Metrics contains the ledger collectors.
type Metrics struct {
	// Operations counts completed operations by name and outcome
	// ("ok" or an error kind).
	Operations *prometheus.CounterVec

	// ActiveListings is the number of listed assets after the last
	// committed operation.
	ActiveListings prometheus.Gauge

	// StrandedPayouts counts withdrawals whose payout failed after the
	// balance was zeroed.
	StrandedPayouts prometheus.Counter

	// UnconfirmedTransfers counts purchases committed while their asset
	// transfer was still unconfirmed.
	UnconfirmedTransfers prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.Operations, m.ActiveListings, m.StrandedPayouts, m.UnconfirmedTransfers)
	return m
}

// Nop returns collectors that are never registered or scraped.
func Nop() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"op", "outcome"}),
		ActiveListings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "active_listings",
			Help:      "Number of assets currently listed.",
		}),
		StrandedPayouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "stranded_payouts_total",
			Help:      "Withdrawals whose payout failed after the balance was zeroed.",
		}),
		UnconfirmedTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "unconfirmed_transfers_total",
			Help:      "Purchases committed before their asset transfer was confirmed.",
		}),
	}
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(op, outcome string) {
	m.Operations.WithLabelValues(op, outcome).Inc()
}
