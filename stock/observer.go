package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not block. See metrics.Collector.
type Observer interface {
	BalanceChanged(fn FunctionTag, e Effect)
	ReservationRejected(e Effect, err error)
	UnreserveClamped(e Effect, excess decimal.Decimal)
	TransitionFinished(action Action, elapsed time.Duration, err error)
	ReconciliationDiverged(r Reconciliation)
}

type NopObserver struct{}

func (NopObserver) BalanceChanged(FunctionTag, Effect) {}
func (NopObserver) ReservationRejected(Effect, error) {}
func (NopObserver) UnreserveClamped(Effect, decimal.Decimal) {}
func (NopObserver) TransitionFinished(Action, time.Duration, error) {}
func (NopObserver) ReconciliationDiverged(Reconciliation) {}

// eventBuffer holds the engine events of one unit of work. The coordinator
// emits them after commit; a rolled-back attempt only reports its
// rejections, since those are the reason it failed.
type eventBuffer struct {
	events []bufferedEvent
}

type bufferedEvent struct {
	rejection bool
	emit      func(Observer)
}

func (b *eventBuffer) add(rejection bool, emit func(Observer)) {
	b.events = append(b.events, bufferedEvent{rejection: rejection, emit: emit})
}

func (b *eventBuffer) BalanceChanged(fn FunctionTag, e Effect) {
	b.add(false, func(o Observer) { o.BalanceChanged(fn, e) })
}

func (b *eventBuffer) ReservationRejected(e Effect, err error) {
	b.add(true, func(o Observer) { o.ReservationRejected(e, err) })
}

func (b *eventBuffer) UnreserveClamped(e Effect, excess decimal.Decimal) {
	b.add(false, func(o Observer) { o.UnreserveClamped(e, excess) })
}

func (b *eventBuffer) TransitionFinished(action Action, elapsed time.Duration, err error) {
	b.add(false, func(o Observer) { o.TransitionFinished(action, elapsed, err) })
}

func (b *eventBuffer) ReconciliationDiverged(r Reconciliation) {
	b.add(false, func(o Observer) { o.ReconciliationDiverged(r) })
}

// committed emits every buffered event to o.
func (b *eventBuffer) committed(o Observer) {
	for _, ev := range b.events {
		ev.emit(o)
	}
	b.events = nil
}

// rolledBack emits only the rejections to o and drops the rest.
func (b *eventBuffer) rolledBack(o Observer) {
	for _, ev := range b.events {
		if ev.rejection {
			ev.emit(o)
		}
	}
	b.events = nil
}
