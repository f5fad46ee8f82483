package stock

import "github.com/shopspring/decimal"

// ReferenceData is the raw reference data: document type directives and
// per-product UOM tables. See factory.ParseReference for the JSON form.
type ReferenceData struct {
	Directives []Directive
	UOMs       map[string]UOMTable
}

// Clone returns a deep copy.
func (d ReferenceData) Clone() ReferenceData {
	out := ReferenceData{Directives: append([]Directive(nil), d.Directives...)}
	if d.UOMs != nil {
		out.UOMs = make(map[string]UOMTable, len(d.UOMs))
		for p, t := range d.UOMs {
			ratios := make(map[string]decimal.Decimal, len(t.Ratios))
			for u, r := range t.Ratios {
				ratios[u] = r
			}
			out.UOMs[p] = UOMTable{BaseUOM: t.BaseUOM, Ratios: ratios}
		}
	}
	return out
}

// Reference is validated, ready-to-use reference data.
type Reference struct {
	UOMs       *UOMResolver
	Directions *DirectionResolver
	data       ReferenceData
}

// Build validates d and constructs both resolvers.
func (d ReferenceData) Build() (*Reference, error) {
	uoms, err := NewUOMResolver(d.UOMs)
	if err != nil {
		return nil, err
	}
	dirs, err := NewDirectionResolver(d.Directives)
	if err != nil {
		return nil, err
	}
	return &Reference{UOMs: uoms, Directions: dirs, data: d.Clone()}, nil
}

// Data returns a copy of the data r was built from.
func (r *Reference) Data() ReferenceData {
	return r.data.Clone()
}
