package stock

import (
	"fmt"
	"sort"
)

// LineContext tells the resolver which side of a document a line is being
// applied to. Source and Destination come from the header; Warehouse is the
// side being resolved.
type LineContext struct {
	Source      string
	Destination string
	Warehouse   string
}

// DirectionResolver maps document types to movement directions.
// Transfers resolve by warehouse match: OUT at the source, IN at the destination.
type DirectionResolver struct {
	directives map[string]Directive
}

func NewDirectionResolver(directives []Directive) (*DirectionResolver, error) {
	r := &DirectionResolver{directives: make(map[string]Directive, len(directives))}
	for _, d := range directives {
		if d.TypeCode == "" {
			return nil, &InvalidInputError{Field: "type_code", Reason: "empty document type code"}
		}
		if !d.Transfer && !d.Direction.Valid() {
			return nil, &InvalidInputError{Field: "direction", Reason: fmt.Sprintf("document type %q has direction %q", d.TypeCode, d.Direction)}
		}
		r.directives[d.TypeCode] = d
	}
	return r, nil
}

// Directive returns the directive registered for typeCode.
func (r *DirectionResolver) Directive(typeCode string) (Directive, error) {
	d, ok := r.directives[typeCode]
	if !ok {
		return Directive{}, &UnknownDocumentTypeError{TypeCode: typeCode}
	}
	return d, nil
}

// Resolve returns the direction of a line of typeCode applied to lc.Warehouse.
func (r *DirectionResolver) Resolve(typeCode string, lc LineContext) (Direction, error) {
	d, err := r.Directive(typeCode)
	if err != nil {
		return "", err
	}
	if !d.Transfer {
		return d.Direction, nil
	}
	switch lc.Warehouse {
	case lc.Source:
		return DirectionOut, nil
	case lc.Destination:
		return DirectionIn, nil
	}
	return "", &InvalidInputError{
		Field:  "warehouse",
		Reason: fmt.Sprintf("%q is neither source %q nor destination %q of transfer", lc.Warehouse, lc.Source, lc.Destination),
	}
}

// Directives returns all registered directives ordered by type code.
func (r *DirectionResolver) Directives() []Directive {
	out := make([]Directive, 0, len(r.directives))
	for _, d := range r.directives {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeCode < out[j].TypeCode })
	return out
}

// Recorded returns doc with its movement filled in. A document that already
// carries a direction is returned unchanged, so reference data changes made
// after create never re-route its reservations. Rows written before
// directions were stored are resolved against r.
func (r *DirectionResolver) Recorded(doc Document) (Document, error) {
	if doc.Direction.Valid() {
		return doc, nil
	}
	if r == nil {
		return doc, &UnknownDocumentTypeError{TypeCode: doc.TypeCode}
	}
	d, err := r.Directive(doc.TypeCode)
	if err != nil {
		return doc, err
	}
	dir, err := r.Resolve(doc.TypeCode, LineContext{
		Source:      doc.WarehouseCode,
		Destination: doc.DestinationWarehouseCode,
		Warehouse:   doc.WarehouseCode,
	})
	if err != nil {
		return doc, err
	}
	doc.Direction, doc.Transfer = dir, d.Transfer
	return doc, nil
}
