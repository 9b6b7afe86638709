// Package metrics exports market activity to Prometheus. It observes the
// committed event log as a ledger sink, so metrics only ever reflect
// operations that took effect.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lem"

type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	windows         *prometheus.CounterVec
	matchedQuantity prometheus.Counter
	clearingPrice   prometheus.Gauge
	settledAmount   prometheus.Counter
}

// New registers the market instruments on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed market events by type.",
		}, []string{"type"}),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clearing",
			Name:      "windows_total",
			Help:      "Finalized clearing windows by outcome.",
		}, []string{"outcome"}),
		matchedQuantity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clearing",
			Name:      "matched_quantity_total",
			Help:      "Energy quantity matched across all windows.",
		}),
		clearingPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clearing",
			Name:      "last_price",
			Help:      "Uniform price of the last window that produced trades.",
		}),
		settledAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "amount_total",
			Help:      "Money moved from buyer escrow to sellers.",
		}),
	}

	for _, c := range []prometheus.Collector{m.events, m.windows, m.matchedQuantity, m.clearingPrice, m.settledAmount} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

type windowCleared struct {
	ClearingPrice        *lib.Fixed `json:"clearing_price"`
	TotalMatchedQuantity int64      `json:"total_matched_quantity"`
}

type tradeSettled struct {
	SettledAmount lib.Fixed `json:"settled_amount"`
}

// Publish implements ledger.Sink.
func (m *Metrics) Publish(_ context.Context, events []ledger.Event) error {
	for _, e := range events {
		m.events.WithLabelValues(e.Type).Inc()

		switch e.Type {
		case "window.cleared":
			var p windowCleared
			if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
				return fmt.Errorf("decode event %d: %w", e.Sequence, err)
			}
			m.windows.WithLabelValues("cleared").Inc()
			m.matchedQuantity.Add(float64(p.TotalMatchedQuantity))
			if p.ClearingPrice != nil {
				m.clearingPrice.Set(p.ClearingPrice.Decimal().InexactFloat64())
			}
		case "window.expired":
			m.windows.WithLabelValues("expired").Inc()
		case "trade.settled":
			var p tradeSettled
			if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
				return fmt.Errorf("decode event %d: %w", e.Sequence, err)
			}
			m.settledAmount.Add(p.SettledAmount.Decimal().InexactFloat64())
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
