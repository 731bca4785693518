// SPDX-License-Identifier: GPL-2.0-only

package device

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	completedTotal *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vhci_device_urbs_completed_total",
			Help: "The total number of URBs moved to the done queue.",
		}, []string{"kind", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.completedTotal)
	}
	return m
}
