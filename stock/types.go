/*
Package stock provides the inventory ledger and reservation engine.

PURPOSE:
  Tracks booked and reserved quantities per product/warehouse/location (and
  per lot), moves documents through DRAFT -> APPROVED | CANCELLED, and
  rebuilds historical balances by replaying approved documents.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key / LotKey: identity of a balance row
  - Balance / LotBalance: booked, reserved-in and reserved-out quantities
  - Delta: an all-or-nothing change to the three numeric fields
  - Document / Line: the header and lines moving through the lifecycle
  - Directive: reference data mapping a document type to a direction
  - StockLog: immutable audit record written on every balance change

DESIGN PRINCIPLES:
  1. Precision: all quantities are decimal.Decimal expressed in base pieces
  2. Availability: Booked - ReservedOut is never negative after a commit
  3. Auditability: every accepted balance change leaves a StockLog record
  4. One unit of work: balance changes and the header status commit together

SEE ALSO:
  - reservation.go: Reserve / Unreserve / Approve
  - coordinator.go: lifecycle orchestration and locking
  - replay.go: opening balance and stock card
*/
package stock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KEYS
// =============================================================================

// Key identifies a StockBalance row.
type Key struct {
	ProductCode   string
	WarehouseCode string
	LocationCode  string
}

func (k Key) String() string {
	return k.ProductCode + "|" + k.WarehouseCode + "|" + k.LocationCode
}

// LotKey identifies a LotBalance row: a Key narrowed by manufacture and expiry date.
type LotKey struct {
	Key
	ManufactureDate time.Time
	ExpiryDate      time.Time
}

func (k LotKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Key.String(), formatDate(k.ManufactureDate), formatDate(k.ExpiryDate))
}

// DateLayout is the wire and storage layout for calendar dates.
const DateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// BALANCES
// =============================================================================

// Balance is the booked and reserved state of one Key.
type Balance struct {
	Key         Key
	Booked      decimal.Decimal
	ReservedIn  decimal.Decimal
	ReservedOut decimal.Decimal
	Version     int64
	UpdatedAt   time.Time
}

// Available is the quantity that can still be promised to a new outbound request.
func (b Balance) Available() decimal.Decimal {
	return b.Booked.Sub(b.ReservedOut)
}

// Apply returns b with d added, or an InsufficientBalanceError when any field
// would become negative. b itself is never modified.
func (b Balance) Apply(d Delta) (Balance, error) {
	next := b
	next.Booked = b.Booked.Add(d.Booked)
	next.ReservedIn = b.ReservedIn.Add(d.ReservedIn)
	next.ReservedOut = b.ReservedOut.Add(d.ReservedOut)
	if field, ok := firstNegative(next.Booked, next.ReservedIn, next.ReservedOut); ok {
		return b, &InsufficientBalanceError{Key: b.Key.String(), Field: field, Before: b.fields(), Delta: d}
	}
	next.Version = b.Version + 1
	return next, nil
}

func (b Balance) fields() Delta {
	return Delta{Booked: b.Booked, ReservedIn: b.ReservedIn, ReservedOut: b.ReservedOut}
}

// LotBalance mirrors Balance for a single lot.
type LotBalance struct {
	Lot         LotKey
	Booked      decimal.Decimal
	ReservedIn  decimal.Decimal
	ReservedOut decimal.Decimal
	Version     int64
	UpdatedAt   time.Time
}

func (b LotBalance) Available() decimal.Decimal {
	return b.Booked.Sub(b.ReservedOut)
}

// Apply has the same all-or-nothing semantics as Balance.Apply.
func (b LotBalance) Apply(d Delta) (LotBalance, error) {
	next := b
	next.Booked = b.Booked.Add(d.Booked)
	next.ReservedIn = b.ReservedIn.Add(d.ReservedIn)
	next.ReservedOut = b.ReservedOut.Add(d.ReservedOut)
	if field, ok := firstNegative(next.Booked, next.ReservedIn, next.ReservedOut); ok {
		before := Delta{Booked: b.Booked, ReservedIn: b.ReservedIn, ReservedOut: b.ReservedOut}
		return b, &InsufficientBalanceError{Key: b.Lot.String(), Field: field, Before: before, Delta: d}
	}
	next.Version = b.Version + 1
	return next, nil
}

func firstNegative(booked, in, out decimal.Decimal) (string, bool) {
	switch {
	case booked.IsNegative():
		return "booked", true
	case in.IsNegative():
		return "reserved_in", true
	case out.IsNegative():
		return "reserved_out", true
	}
	return "", false
}

// Delta is a change to the three numeric fields of a balance row.
// All three fields are applied together or not at all.
type Delta struct {
	Booked      decimal.Decimal
	ReservedIn  decimal.Decimal
	ReservedOut decimal.Decimal
}

// =============================================================================
// DIRECTION
// =============================================================================

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Sign returns +1 for IN and -1 for OUT.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionOut {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

func (d Direction) Opposite() Direction {
	if d == DirectionOut {
		return DirectionIn
	}
	return DirectionOut
}

// Directive maps a document type code to its movement direction.
// Transfer directives carry two directions; Direction is ignored for them.
type Directive struct {
	TypeCode  string
	Name      string
	Direction Direction
	Transfer  bool
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusApproved  Status = "APPROVED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusCancelled
}

// Lot carries the optional lot attributes of a line.
type Lot struct {
	ManufactureDate time.Time
	ExpiryDate      time.Time
	LotNo           string
}

// Line is one product movement on a document.
type Line struct {
	ID                      string
	Seq                     int
	ProductCode             string
	UOMCode                 string
	Quantity                decimal.Decimal // in UOMCode
	Ratio                   decimal.Decimal // pieces per UOMCode
	PieceQty                decimal.Decimal
	LocationCode            string
	DestinationLocationCode string // transfers only; defaults to LocationCode
	Lot                     *Lot
}

// Document is the header of a stock document together with its lines.
type Document struct {
	No                       string
	TypeCode                 string
	WarehouseCode            string
	DestinationWarehouseCode string
	Date                     time.Time
	Status                   Status
	Lines                    []Line
	NextLineSeq              int
	Version                  int64

	// Direction is the movement at WarehouseCode, resolved once at create.
	// A Transfer moves the opposite way at DestinationWarehouseCode.
	// Later reference data changes never alter either field.
	Direction Direction
	Transfer  bool

	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedBy string
	CompletedAt *time.Time
}

// Line returns the line with the given id.
func (d Document) Line(id string) (Line, int, bool) {
	for i, l := range d.Lines {
		if l.ID == id {
			return l, i, true
		}
	}
	return Line{}, -1, false
}

// DirectionAt returns the recorded direction of d at warehouse, and false
// when d does not move stock there.
func (d Document) DirectionAt(warehouse string) (Direction, bool) {
	switch {
	case warehouse == d.WarehouseCode:
		return d.Direction, true
	case d.Transfer && warehouse == d.DestinationWarehouseCode:
		return d.Direction.Opposite(), true
	}
	return "", false
}

// Clone returns a deep copy so planned transitions never alias the original.
func (d Document) Clone() Document {
	c := d
	c.Lines = make([]Line, len(d.Lines))
	for i, l := range d.Lines {
		if l.Lot != nil {
			lot := *l.Lot
			l.Lot = &lot
		}
		c.Lines[i] = l
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// =============================================================================
// EFFECTS
// =============================================================================

// Effect is the resolved impact of one line on one balance key.
// Transfer lines produce two effects of opposite direction.
type Effect struct {
	Key       Key
	Lot       *LotKey
	Direction Direction
	PieceQty  decimal.Decimal
	LineID    string
}

// =============================================================================
// STOCK LOG
// =============================================================================

// FunctionTag names the engine call that produced a StockLog record.
type FunctionTag string

const (
	FnReserve   FunctionTag = "reserve"
	FnUnreserve FunctionTag = "unreserve"
	FnApprove   FunctionTag = "approve"
)

// StockLog is an immutable audit record. Write-once; never updated or deleted.
type StockLog struct {
	ID         string
	Function   FunctionTag
	DocumentNo string
	LineID     string
	Key        Key
	Lot        *LotKey
	Direction  Direction

	BookedBefore      decimal.Decimal
	BookedAfter       decimal.Decimal
	ReservedInBefore  decimal.Decimal
	ReservedInAfter   decimal.Decimal
	ReservedOutBefore decimal.Decimal
	ReservedOutAfter  decimal.Decimal
	PieceQtyDelta     decimal.Decimal

	ActorID string
	At      time.Time
}

// StockLogFilter narrows a stock log query. Empty fields match everything.
type StockLogFilter struct {
	DocumentNo    string
	ProductCode   string
	WarehouseCode string
	Limit         int
}
