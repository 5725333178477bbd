// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// metrics of a Management. Counters are labeled by the reactor's id so the
// load of a multi-reactor setup stays visible.
type metrics struct {
	changes        *prometheus.CounterVec
	connectTries   *prometheus.CounterVec
	connectFails   *prometheus.CounterVec
	lost           *prometheus.CounterVec
	accepted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	rx             *prometheus.CounterVec
	tx             *prometheus.CounterVec
	invalidStreams *prometheus.CounterVec
	connected      prometheus.Gauge
}

func newMetrics(mgmtName string, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"management": mgmtName}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "assoc",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{"reactor"})
	}

	m := &metrics{
		changes:        counter("changes_total", "Applied change requests."),
		connectTries:   counter("connect_attempts_total", "Started connect attempts of client associations."),
		connectFails:   counter("connect_failures_total", "Failed connect attempts of client associations."),
		lost:           counter("lost_total", "Connections ended by an I/O failure."),
		accepted:       counter("accepted_total", "Accepted inbound connections."),
		rejected:       counter("rejected_total", "Rejected inbound connections."),
		rx:             counter("messages_received_total", "Delivered inbound messages."),
		tx:             counter("messages_sent_total", "Written outbound messages."),
		invalidStreams: counter("invalid_stream_total", "Outbound messages dropped for an invalid stream id."),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "assoc",
			Name:        "associations_connected",
			Help:        "Currently connected associations.",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m
	}

	for _, c := range []prometheus.Collector{
		m.changes, m.connectTries, m.connectFails, m.lost, m.accepted, m.rejected,
		m.rx, m.tx, m.invalidStreams, m.connected,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				log.WithError(err).WithField("management", mgmtName).Warn("Failed to register metric")
			}
		}
	}
	return m
}
