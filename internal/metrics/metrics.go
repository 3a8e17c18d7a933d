// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActivePads        prometheus.Gauge
	EventsAppended    *prometheus.CounterVec
	EventsForwarded   prometheus.Counter
	PointersForwarded prometheus.Counter
	ReconcileRuns     prometheus.Counter
	ReconcileChanged  prometheus.Counter
	SavesTotal        prometheus.Counter
	SaveFailures      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pad_active_connections",
			Help: "Open WebSocket connections.",
		}),
		ActivePads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pad_active_pads",
			Help: "Pads currently owned by this worker.",
		}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pad_events_appended_total",
			Help: "Durable events appended to pad streams.",
		}, []string{"type"}),
		EventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pad_events_forwarded_total",
			Help: "Durable events forwarded to clients.",
		}),
		PointersForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pad_pointers_forwarded_total",
			Help: "Pointer updates forwarded to clients.",
		}),
		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pad_reconcile_runs_total",
			Help: "Scene reconciliation invocations.",
		}),
		ReconcileChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pad_reconcile_changed_total",
			Help: "Reconciliations that produced a scene change.",
		}),
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pad_store_saves_total",
			Help: "Durability flushes attempted.",
		}),
		SaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pad_store_save_failures_total",
			Help: "Durability flushes that failed.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.ActivePads, m.EventsAppended, m.EventsForwarded,
		m.PointersForwarded, m.ReconcileRuns, m.ReconcileChanged,
		m.SavesTotal, m.SaveFailures,
	)
	return m
}
