// SPDX-License-Identifier: GPL-2.0-only

package hcd

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	inboxGauge    prometheus.Gauge
	inflightGauge prometheus.Gauge
	enqueuedTotal *prometheus.CounterVec
	canceledTotal prometheus.Counter
	finishedTotal *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		inboxGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vhci_hcd_inbox_works",
			Help: "The number of works waiting to be picked up by the consumer.",
		}),
		inflightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vhci_hcd_inflight_works",
			Help: "The number of works handed to the consumer and not yet finished.",
		}),
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vhci_hcd_works_enqueued_total",
			Help: "The total number of works enqueued by the host controller.",
		}, []string{"kind"}),
		canceledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhci_hcd_works_canceled_total",
			Help: "The total number of URB works canceled.",
		}),
		finishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vhci_hcd_works_finished_total",
			Help: "The total number of works finished by the consumer.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.inboxGauge, m.inflightGauge, m.enqueuedTotal, m.canceledTotal, m.finishedTotal)
	}
	return m
}
