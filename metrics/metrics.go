// Package metrics exposes Prometheus collectors for the harness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgsock",
		Name:      "connects_total",
		Help:      "Connection attempts by transport and result.",
	}, []string{"transport", "result"})

	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgsock",
		Name:      "tls_upgrades_total",
		Help:      "In-place TLS upgrades by result.",
	}, []string{"result"})

	UnexpectedClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgsock",
		Name:      "unexpected_closes_total",
		Help:      "Transport teardowns not initiated by the client.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pgsock",
		Name:      "sessions_active",
		Help:      "Sessions currently registered with the harness.",
	})

	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgsock",
		Name:      "read_bytes_total",
		Help:      "Bytes delivered to data callbacks.",
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgsock",
		Name:      "written_bytes_total",
		Help:      "Bytes accepted by adapter writes.",
	})
)
