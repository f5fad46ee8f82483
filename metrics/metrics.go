// Package metrics exposes engine events as Prometheus collectors.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/stock"
)

// Collector implements stock.Observer.
type Collector struct {
	changes     *prometheus.CounterVec
	pieces      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	clamps      *prometheus.CounterVec
	transitions *prometheus.HistogramVec
	divergences *prometheus.CounterVec
	difference  *prometheus.GaugeVec
}

var _ stock.Observer = (*Collector)(nil)

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// NewCollector registers the engine metrics against registerer. When
// registerer is nil the default Prometheus registerer is used, once.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultCollector = build(prometheus.DefaultRegisterer)
		})
		return defaultCollector
	}
	return build(registerer)
}

func build(registerer prometheus.Registerer) *Collector {
	c := &Collector{
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_balance_changes_total",
			Help: "Balance changes applied, by engine function and direction.",
		}, []string{"function", "direction"}),
		pieces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_pieces_total",
			Help: "Base pieces moved, by engine function and direction.",
		}, []string{"function", "direction"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reservation_rejections_total",
			Help: "Reservations and approvals refused, by reason.",
		}, []string{"reason"}),
		clamps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_unreserve_clamped_total",
			Help: "Unreserve calls that asked for more than was reserved.",
		}, []string{"direction"}),
		transitions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_transition_duration_seconds",
			Help:    "Document transition latency including lock waits and retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "outcome"}),
		divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reconciliation_divergences_total",
			Help: "Reconciliation runs where the replayed ledger disagreed with booked stock.",
		}, []string{"warehouse"}),
		difference: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stock_reconciliation_difference_pieces",
			Help: "Booked minus replayed pieces at the last divergent reconciliation.",
		}, []string{"product", "warehouse"}),
	}
	registerer.MustRegister(c.changes, c.pieces, c.rejections, c.clamps, c.transitions, c.divergences, c.difference)
	return c
}

func (c *Collector) BalanceChanged(fn stock.FunctionTag, e stock.Effect) {
	c.changes.WithLabelValues(string(fn), string(e.Direction)).Inc()
	c.pieces.WithLabelValues(string(fn), string(e.Direction)).Add(toFloat(e.PieceQty))
}

func (c *Collector) ReservationRejected(_ stock.Effect, err error) {
	c.rejections.WithLabelValues(reason(err)).Inc()
}

func (c *Collector) UnreserveClamped(e stock.Effect, _ decimal.Decimal) {
	c.clamps.WithLabelValues(string(e.Direction)).Inc()
}

func (c *Collector) TransitionFinished(action stock.Action, elapsed time.Duration, err error) {
	c.transitions.WithLabelValues(string(action), outcome(err)).Observe(elapsed.Seconds())
}

func (c *Collector) ReconciliationDiverged(r stock.Reconciliation) {
	c.divergences.WithLabelValues(r.WarehouseCode).Inc()
	c.difference.WithLabelValues(r.ProductCode, r.WarehouseCode).Set(toFloat(r.Difference))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func reason(err error) string {
	switch {
	case errors.Is(err, stock.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, stock.ErrInsufficientReservation):
		return "insufficient_reservation"
	case errors.Is(err, stock.ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return "other"
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, stock.ErrConcurrentModification):
		return "conflict"
	case stock.IsClientError(err), errors.Is(err, stock.ErrInvalidTransition), stock.IsNotFound(err):
		return "rejected"
	default:
		return "error"
	}
}
