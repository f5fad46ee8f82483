/*
reservation.go - Reserve, unreserve and approve against the key store

PURPOSE:
  The only code that writes StockBalance and LotBalance rows. Each call
  applies one Effect (one key, one direction, one piece quantity) and
  appends exactly one StockLog record in the same unit of work.

BALANCE RULES:
  reserve   OUT: available = booked - reservedOut must cover qty
                 reservedOut += qty
            IN:  reservedIn += qty
  unreserve      reserved field -= qty, floored at zero (clamp is logged)
  approve   OUT: booked -= qty, reservedOut -= qty
            IN:  booked += qty, reservedIn -= qty
                 the reserved field must cover qty

LOTS:
  An Effect with a Lot applies the same delta to the lot row. OUT
  reservations are also checked against lot availability.

EVENTS:
  The observer hears about each change as it is made. Callers running the
  engine inside a unit of work hand it an observer that holds events until
  commit (see eventBuffer).

SEE ALSO:
  - store.go: BalanceStore contract
  - coordinator.go: decides which effects to apply and when
*/
package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Operation identifies who is changing balances and on behalf of which document.
type Operation struct {
	DocumentNo string
	ActorID    string
}

// ReservationEngine applies effects to a Store.
type ReservationEngine struct {
	log      zerolog.Logger
	observer Observer
	now      func() time.Time
	newID    func() string
}

func NewReservationEngine(log zerolog.Logger, observer Observer) *ReservationEngine {
	if observer == nil {
		observer = NopObserver{}
	}
	return &ReservationEngine{
		log:      log.With().Str("component", "reservation").Logger(),
		observer: observer,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// withObserver returns a copy of r reporting to o.
func (r *ReservationEngine) withObserver(o Observer) *ReservationEngine {
	cp := *r
	cp.observer = o
	return &cp
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve pledges e.PieceQty against e.Key. OUT reservations fail with
// InsufficientStockError and no mutation when availability is short.
func (r *ReservationEngine) Reserve(ctx context.Context, s Store, op Operation, e Effect) (Balance, error) {
	if err := validateEffect(e); err != nil {
		return Balance{}, err
	}
	before, err := s.Balance(ctx, e.Key)
	if err != nil {
		return Balance{}, Persistence("read balance", err)
	}

	if e.Direction == DirectionOut {
		if avail := before.Available(); e.PieceQty.GreaterThan(avail) {
			err := &InsufficientStockError{Key: e.Key.String(), Available: avail, Requested: e.PieceQty}
			r.observer.ReservationRejected(e, err)
			return Balance{}, err
		}
		if e.Lot != nil {
			lot, err := s.LotBalance(ctx, *e.Lot)
			if err != nil {
				return Balance{}, Persistence("read lot balance", err)
			}
			if avail := lot.Available(); e.PieceQty.GreaterThan(avail) {
				err := &InsufficientStockError{Key: e.Lot.String(), Available: avail, Requested: e.PieceQty}
				r.observer.ReservationRejected(e, err)
				return Balance{}, err
			}
		}
	}

	delta := reservedDelta(e.Direction, e.PieceQty)
	after, err := r.apply(ctx, s, e, delta)
	if err != nil {
		return Balance{}, err
	}
	if err := r.record(ctx, s, FnReserve, op, e, before, after, e.PieceQty); err != nil {
		return Balance{}, err
	}
	r.observer.BalanceChanged(FnReserve, e)
	return after, nil
}

// =============================================================================
// UNRESERVE
// =============================================================================

// Unreserve releases e.PieceQty from the reserved field of e's direction.
// The decrement is floored at zero; when the floor triggers a warning is
// logged and the observer is told, since it means an earlier reservation
// was never recorded.
func (r *ReservationEngine) Unreserve(ctx context.Context, s Store, op Operation, e Effect) (Balance, error) {
	if err := validateEffect(e); err != nil {
		return Balance{}, err
	}
	before, err := s.Balance(ctx, e.Key)
	if err != nil {
		return Balance{}, Persistence("read balance", err)
	}

	qty := r.clamp(op, e, e.Key.String(), reservedField(before.ReservedIn, before.ReservedOut, e.Direction), e.PieceQty)
	after, err := s.ApplyDelta(ctx, e.Key, reservedDelta(e.Direction, qty.Neg()))
	if err != nil {
		return Balance{}, Persistence("apply balance delta", err)
	}

	if e.Lot != nil {
		lot, err := s.LotBalance(ctx, *e.Lot)
		if err != nil {
			return Balance{}, Persistence("read lot balance", err)
		}
		lotQty := r.clamp(op, e, e.Lot.String(), reservedField(lot.ReservedIn, lot.ReservedOut, e.Direction), e.PieceQty)
		if _, err := s.ApplyLotDelta(ctx, *e.Lot, reservedDelta(e.Direction, lotQty.Neg())); err != nil {
			return Balance{}, Persistence("apply lot delta", err)
		}
	}

	if err := r.record(ctx, s, FnUnreserve, op, e, before, after, qty.Neg()); err != nil {
		return Balance{}, err
	}
	r.observer.BalanceChanged(FnUnreserve, e)
	return after, nil
}

func (r *ReservationEngine) clamp(op Operation, e Effect, key string, reserved, requested decimal.Decimal) decimal.Decimal {
	if requested.LessThanOrEqual(reserved) {
		return requested
	}
	excess := requested.Sub(reserved)
	r.log.Warn().
		Str("key", key).
		Str("document_no", op.DocumentNo).
		Str("direction", string(e.Direction)).
		Str("reserved", reserved.String()).
		Str("requested", requested.String()).
		Str("excess", excess.String()).
		Msg("unreserve clamped at zero")
	r.observer.UnreserveClamped(e, excess)
	return reserved
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve converts a reservation into a booked movement.
func (r *ReservationEngine) Approve(ctx context.Context, s Store, op Operation, e Effect) (Balance, error) {
	if err := validateEffect(e); err != nil {
		return Balance{}, err
	}
	before, err := s.Balance(ctx, e.Key)
	if err != nil {
		return Balance{}, Persistence("read balance", err)
	}
	if reserved := reservedField(before.ReservedIn, before.ReservedOut, e.Direction); reserved.LessThan(e.PieceQty) {
		err := &InsufficientReservationError{
			Key: e.Key.String(), Direction: e.Direction, Reserved: reserved, Requested: e.PieceQty,
		}
		r.observer.ReservationRejected(e, err)
		return Balance{}, err
	}
	if e.Lot != nil {
		lot, err := s.LotBalance(ctx, *e.Lot)
		if err != nil {
			return Balance{}, Persistence("read lot balance", err)
		}
		if reserved := reservedField(lot.ReservedIn, lot.ReservedOut, e.Direction); reserved.LessThan(e.PieceQty) {
			err := &InsufficientReservationError{
				Key: e.Lot.String(), Direction: e.Direction, Reserved: reserved, Requested: e.PieceQty,
			}
			r.observer.ReservationRejected(e, err)
			return Balance{}, err
		}
	}

	delta := reservedDelta(e.Direction, e.PieceQty.Neg())
	delta.Booked = e.PieceQty.Mul(e.Direction.Sign())
	after, err := r.apply(ctx, s, e, delta)
	if err != nil {
		return Balance{}, err
	}
	if err := r.record(ctx, s, FnApprove, op, e, before, after, delta.Booked); err != nil {
		return Balance{}, err
	}
	r.observer.BalanceChanged(FnApprove, e)
	return after, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *ReservationEngine) apply(ctx context.Context, s Store, e Effect, d Delta) (Balance, error) {
	after, err := s.ApplyDelta(ctx, e.Key, d)
	if err != nil {
		return Balance{}, Persistence("apply balance delta", err)
	}
	if e.Lot != nil {
		if _, err := s.ApplyLotDelta(ctx, *e.Lot, d); err != nil {
			return Balance{}, Persistence("apply lot delta", err)
		}
	}
	return after, nil
}

func (r *ReservationEngine) record(ctx context.Context, s Store, fn FunctionTag, op Operation, e Effect, before, after Balance, qty decimal.Decimal) error {
	entry := StockLog{
		ID:                r.newID(),
		Function:          fn,
		DocumentNo:        op.DocumentNo,
		LineID:            e.LineID,
		Key:               e.Key,
		Lot:               e.Lot,
		Direction:         e.Direction,
		BookedBefore:      before.Booked,
		BookedAfter:       after.Booked,
		ReservedInBefore:  before.ReservedIn,
		ReservedInAfter:   after.ReservedIn,
		ReservedOutBefore: before.ReservedOut,
		ReservedOutAfter:  after.ReservedOut,
		PieceQtyDelta:     qty,
		ActorID:           op.ActorID,
		At:                r.now().UTC(),
	}
	if err := s.AppendLog(ctx, entry); err != nil {
		return Persistence("append stock log", err)
	}
	return nil
}

func validateEffect(e Effect) error {
	if !e.Direction.Valid() {
		return &InvalidInputError{Field: "direction", Reason: string(e.Direction)}
	}
	if !e.PieceQty.IsPositive() {
		return &InvalidInputError{Field: "piece_qty", Reason: "must be positive"}
	}
	return nil
}

func reservedField(in, out decimal.Decimal, d Direction) decimal.Decimal {
	if d == DirectionOut {
		return out
	}
	return in
}

func reservedDelta(d Direction, qty decimal.Decimal) Delta {
	if d == DirectionOut {
		return Delta{ReservedOut: qty}
	}
	return Delta{ReservedIn: qty}
}
