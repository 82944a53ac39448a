// Package metrics exposes Prometheus instrumentation for the collaboration
// subsystem. Metrics are registered via promauto at package load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whyboard_gateway_events_total",
			Help: "Inbound gateway events processed, by event name and result",
		},
		[]string{"event", "result"},
	)

	LockGrantsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whyboard_lock_grants_total",
			Help: "Node locks granted, renewals included",
		},
	)

	LockConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whyboard_lock_conflicts_total",
			Help: "Node lock acquisitions rejected because another user holds the lock",
		},
	)

	LockReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whyboard_lock_releases_total",
			Help: "Node locks released, by cause (explicit, disconnect, replace)",
		},
		[]string{"cause"},
	)

	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whyboard_update_flushes_total",
			Help: "Debounced node update flushes, by result",
		},
		[]string{"result"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whyboard_sessions_active",
			Help: "Live websocket sessions",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whyboard_rooms_active",
			Help: "Rooms with at least one session",
		},
	)
)
