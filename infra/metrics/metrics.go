// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine bundles the matcher's collectors. One instance per process,
// registered against a single registry.
type Engine struct {
	EventsAppended      prometheus.Counter
	EventsApplied       prometheus.Counter
	TradesExecuted      prometheus.Counter
	OrdersRejected      prometheus.Counter
	LastProcessedOffset prometheus.Gauge
}

func New(reg prometheus.Registerer) *Engine {
	m := &Engine{
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcherd", Name: "events_appended_total",
			Help: "Events accepted into the log.",
		}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcherd", Name: "events_applied_total",
			Help: "Events routed to workers and applied.",
		}),
		TradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcherd", Name: "trades_total",
			Help: "Trades produced by the match loops.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcherd", Name: "orders_rejected_total",
			Help: "Orders refused by the validator.",
		}),
		LastProcessedOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matcherd", Name: "last_processed_offset",
			Help: "Offset of the last event applied by the router.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsAppended, m.EventsApplied, m.TradesExecuted,
			m.OrdersRejected, m.LastProcessedOffset)
	}
	return m
}

// Nop returns unregistered collectors for tests.
func Nop() *Engine { return New(nil) }
