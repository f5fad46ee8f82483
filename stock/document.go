/*
document.go - Document state machine

PURPOSE:
  Plans every lifecycle operation as a pure function from the current
  document to a Transition: the next immutable document snapshot plus
  the ordered balance changes it requires. Nothing here touches storage;
  the coordinator applies a Transition inside one unit of work.

STATE MACHINE:
  DRAFT --create/add/edit/remove--> DRAFT      (reserve / unreserve)
  DRAFT --approve-----------------> APPROVED   (approve every effect)
  DRAFT --cancel------------------> CANCELLED  (unreserve every effect)
  APPROVED, CANCELLED: terminal, every operation is an InvalidTransition

EFFECTS:
  A line yields one Effect per warehouse side. Transfer lines yield two:
  OUT at (source warehouse, location) and IN at (destination warehouse,
  destination location). Directions are resolved once at create and kept
  on the document; every later effect of its lines uses the stored ones.

SEE ALSO:
  - coordinator.go: locking and atomic application
  - reservation.go: what each change does to a balance row
*/
package stock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTIONS AND TRANSITIONS
// =============================================================================

type Action string

const (
	ActionCreate     Action = "create"
	ActionAddLine    Action = "add_line"
	ActionEditLine   Action = "edit_line"
	ActionRemoveLine Action = "remove_line"
	ActionApprove    Action = "approve"
	ActionCancel     Action = "cancel"
)

// Change is one reservation engine call required by a transition.
type Change struct {
	Fn     FunctionTag
	Effect Effect
}

// Transition is the planned outcome of an action. Prev is nil for create.
type Transition struct {
	Action  Action
	Prev    *Document
	Next    Document
	Changes []Change
}

// Keys returns the distinct balance keys touched by the transition.
func (t Transition) Keys() []Key {
	seen := make(map[Key]bool, len(t.Changes))
	var keys []Key
	for _, c := range t.Changes {
		if !seen[c.Effect.Key] {
			seen[c.Effect.Key] = true
			keys = append(keys, c.Effect.Key)
		}
	}
	return keys
}

// =============================================================================
// INPUTS
// =============================================================================

// LineInput is a requested line before UOM conversion.
type LineInput struct {
	ProductCode             string
	UOMCode                 string
	Quantity                decimal.Decimal
	LocationCode            string
	DestinationLocationCode string
	Lot                     *Lot
}

// DocumentInput is a requested document header with its initial lines.
type DocumentInput struct {
	No                       string
	TypeCode                 string
	WarehouseCode            string
	DestinationWarehouseCode string
	Date                     time.Time
	Lines                    []LineInput
}

// =============================================================================
// PLANNER
// =============================================================================

// Planner turns requests into transitions using one consistent set of
// reference data.
type Planner struct {
	uoms *UOMResolver
	dirs *DirectionResolver
	now  func() time.Time
}

func NewPlanner(uoms *UOMResolver, dirs *DirectionResolver) *Planner {
	return &Planner{uoms: uoms, dirs: dirs, now: time.Now}
}

// PlanCreate builds a new DRAFT document and reserves every line.
func (p *Planner) PlanCreate(in DocumentInput, actorID string) (Transition, error) {
	if in.No == "" {
		return Transition{}, &InvalidInputError{Field: "document_no", Reason: "required"}
	}
	directive, err := p.dirs.Directive(in.TypeCode)
	if err != nil {
		return Transition{}, err
	}
	if in.WarehouseCode == "" {
		return Transition{}, &InvalidInputError{Field: "warehouse_code", Reason: "required"}
	}
	if in.Date.IsZero() {
		return Transition{}, &InvalidInputError{Field: "document_date", Reason: "required"}
	}
	dest := ""
	if directive.Transfer {
		if in.DestinationWarehouseCode == "" {
			return Transition{}, &InvalidInputError{Field: "destination_warehouse_code", Reason: "required for transfers"}
		}
		if in.DestinationWarehouseCode == in.WarehouseCode {
			return Transition{}, &InvalidInputError{Field: "destination_warehouse_code", Reason: "must differ from source warehouse"}
		}
		dest = in.DestinationWarehouseCode
	}

	now := p.now().UTC()
	next := Document{
		No:                       in.No,
		TypeCode:                 in.TypeCode,
		WarehouseCode:            in.WarehouseCode,
		DestinationWarehouseCode: dest,
		Date:                     Day(in.Date),
		Status:                   StatusDraft,
		NextLineSeq:              1,
		Version:                  1,
		CreatedBy:                actorID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	next, err = p.dirs.Recorded(next)
	if err != nil {
		return Transition{}, err
	}

	t := Transition{Action: ActionCreate}
	for _, li := range in.Lines {
		line, err := p.newLine(next, li)
		if err != nil {
			return Transition{}, err
		}
		next.Lines = append(next.Lines, line)
		next.NextLineSeq++
		effects, err := p.Effects(next, line)
		if err != nil {
			return Transition{}, err
		}
		t.Changes = append(t.Changes, changes(FnReserve, effects)...)
	}
	t.Next = next
	return t, nil
}

// PlanAddLine appends a line to a DRAFT document and reserves it.
func (p *Planner) PlanAddLine(doc Document, in LineInput) (Transition, error) {
	if err := requireDraft(doc, ActionAddLine); err != nil {
		return Transition{}, err
	}
	next := p.advance(doc)
	line, err := p.newLine(next, in)
	if err != nil {
		return Transition{}, err
	}
	next.Lines = append(next.Lines, line)
	next.NextLineSeq++

	effects, err := p.Effects(next, line)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Action: ActionAddLine, Prev: &doc, Next: next, Changes: changes(FnReserve, effects)}, nil
}

// PlanEditLine releases the old line's effects before reserving the new ones,
// so an edit that lowers an OUT quantity never fails for lack of stock.
func (p *Planner) PlanEditLine(doc Document, lineID string, in LineInput) (Transition, error) {
	if err := requireDraft(doc, ActionEditLine); err != nil {
		return Transition{}, err
	}
	old, idx, ok := doc.Line(lineID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
	}
	next := p.advance(doc)
	line, err := p.buildLine(next, in, old.ID, old.Seq)
	if err != nil {
		return Transition{}, err
	}
	next.Lines[idx] = line

	oldEffects, err := p.Effects(doc, old)
	if err != nil {
		return Transition{}, err
	}
	newEffects, err := p.Effects(next, line)
	if err != nil {
		return Transition{}, err
	}
	cs := append(changes(FnUnreserve, oldEffects), changes(FnReserve, newEffects)...)
	return Transition{Action: ActionEditLine, Prev: &doc, Next: next, Changes: cs}, nil
}

// PlanRemoveLine drops a line and releases its reservation.
func (p *Planner) PlanRemoveLine(doc Document, lineID string) (Transition, error) {
	if err := requireDraft(doc, ActionRemoveLine); err != nil {
		return Transition{}, err
	}
	old, idx, ok := doc.Line(lineID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
	}
	next := p.advance(doc)
	next.Lines = append(next.Lines[:idx:idx], next.Lines[idx+1:]...)

	effects, err := p.Effects(doc, old)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Action: ActionRemoveLine, Prev: &doc, Next: next, Changes: changes(FnUnreserve, effects)}, nil
}

// PlanApprove converts every reservation into a booked movement.
func (p *Planner) PlanApprove(doc Document, actorID string) (Transition, error) {
	if err := requireDraft(doc, ActionApprove); err != nil {
		return Transition{}, err
	}
	if len(doc.Lines) == 0 {
		return Transition{}, &InvalidInputError{Field: "lines", Reason: "document has no lines"}
	}
	next, cs, err := p.complete(doc, StatusApproved, FnApprove, actorID)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Action: ActionApprove, Prev: &doc, Next: next, Changes: cs}, nil
}

// PlanCancel releases every reservation. Booked quantities are untouched.
func (p *Planner) PlanCancel(doc Document, actorID string) (Transition, error) {
	if err := requireDraft(doc, ActionCancel); err != nil {
		return Transition{}, err
	}
	next, cs, err := p.complete(doc, StatusCancelled, FnUnreserve, actorID)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Action: ActionCancel, Prev: &doc, Next: next, Changes: cs}, nil
}

func (p *Planner) complete(doc Document, status Status, fn FunctionTag, actorID string) (Document, []Change, error) {
	next := p.advance(doc)
	next.Status = status
	next.CompletedBy = actorID
	at := next.UpdatedAt
	next.CompletedAt = &at

	var cs []Change
	for _, l := range doc.Lines {
		effects, err := p.Effects(doc, l)
		if err != nil {
			return Document{}, nil, err
		}
		cs = append(cs, changes(fn, effects)...)
	}
	return next, cs, nil
}

// =============================================================================
// EFFECTS
// =============================================================================

// Effects returns the balance keys and directions a line touches. The
// direction recorded on doc wins over the current reference data.
func (p *Planner) Effects(doc Document, l Line) ([]Effect, error) {
	doc, err := p.dirs.Recorded(doc)
	if err != nil {
		return nil, err
	}
	effects := []Effect{effect(l, Key{ProductCode: l.ProductCode, WarehouseCode: doc.WarehouseCode, LocationCode: l.LocationCode}, doc.Direction)}
	if !doc.Transfer {
		return effects, nil
	}
	dest := Key{ProductCode: l.ProductCode, WarehouseCode: doc.DestinationWarehouseCode, LocationCode: l.DestinationLocationCode}
	return append(effects, effect(l, dest, doc.Direction.Opposite())), nil
}

func effect(l Line, key Key, dir Direction) Effect {
	e := Effect{Key: key, Direction: dir, PieceQty: l.PieceQty, LineID: l.ID}
	if l.Lot != nil {
		e.Lot = &LotKey{Key: key, ManufactureDate: l.Lot.ManufactureDate, ExpiryDate: l.Lot.ExpiryDate}
	}
	return e
}

func changes(fn FunctionTag, effects []Effect) []Change {
	out := make([]Change, len(effects))
	for i, e := range effects {
		out[i] = Change{Fn: fn, Effect: e}
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func requireDraft(doc Document, action Action) error {
	if doc.Status != StatusDraft {
		return &InvalidTransitionError{DocumentNo: doc.No, From: doc.Status, Action: string(action)}
	}
	return nil
}

// advance copies doc and bumps its version for the next write.
func (p *Planner) advance(doc Document) Document {
	next := doc.Clone()
	next.Version = doc.Version + 1
	next.UpdatedAt = p.now().UTC()
	return next
}

func (p *Planner) newLine(doc Document, in LineInput) (Line, error) {
	return p.buildLine(doc, in, fmt.Sprintf("%s-%d", doc.No, doc.NextLineSeq), doc.NextLineSeq)
}

func (p *Planner) buildLine(doc Document, in LineInput, id string, seq int) (Line, error) {
	if in.ProductCode == "" {
		return Line{}, &InvalidInputError{Field: "product_code", Reason: "required"}
	}
	if !in.Quantity.IsPositive() {
		return Line{}, &InvalidInputError{Field: "quantity", Reason: "must be positive"}
	}
	pieces, ratio, err := p.uoms.ToBaseQty(in.ProductCode, in.UOMCode, in.Quantity)
	if err != nil {
		return Line{}, err
	}
	line := Line{
		ID:           id,
		Seq:          seq,
		ProductCode:  in.ProductCode,
		UOMCode:      in.UOMCode,
		Quantity:     in.Quantity,
		Ratio:        ratio,
		PieceQty:     pieces,
		LocationCode: in.LocationCode,
	}
	if doc.DestinationWarehouseCode != "" {
		line.DestinationLocationCode = in.DestinationLocationCode
		if line.DestinationLocationCode == "" {
			line.DestinationLocationCode = in.LocationCode
		}
	}
	if in.Lot != nil {
		lot := Lot{ManufactureDate: Day(in.Lot.ManufactureDate), ExpiryDate: Day(in.Lot.ExpiryDate), LotNo: in.Lot.LotNo}
		if !lot.ManufactureDate.IsZero() && !lot.ExpiryDate.IsZero() && lot.ExpiryDate.Before(lot.ManufactureDate) {
			return Line{}, &InvalidInputError{Field: "expiry_date", Reason: "before manufacture date"}
		}
		line.Lot = &lot
	}
	return line, nil
}
