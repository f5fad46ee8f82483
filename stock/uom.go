package stock

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// UOMTable is the unit-of-measure ratio table of one product.
// Ratios maps a unit code to the number of base pieces it contains.
type UOMTable struct {
	BaseUOM string
	Ratios  map[string]decimal.Decimal
}

// UOMResolver converts quantities to base pieces. It is immutable after
// construction and safe for concurrent use.
type UOMResolver struct {
	tables map[string]UOMTable
}

// NewUOMResolver copies tables and validates every ratio is positive.
func NewUOMResolver(tables map[string]UOMTable) (*UOMResolver, error) {
	r := &UOMResolver{tables: make(map[string]UOMTable, len(tables))}
	for product, t := range tables {
		if t.BaseUOM == "" {
			return nil, &InvalidInputError{Field: "base_uom", Reason: fmt.Sprintf("product %q has no base unit", product)}
		}
		ratios := make(map[string]decimal.Decimal, len(t.Ratios))
		for uom, ratio := range t.Ratios {
			if !ratio.IsPositive() {
				return nil, &InvalidInputError{Field: "ratio", Reason: fmt.Sprintf("product %q unit %q ratio must be positive", product, uom)}
			}
			ratios[uom] = ratio
		}
		r.tables[product] = UOMTable{BaseUOM: t.BaseUOM, Ratios: ratios}
	}
	return r, nil
}

// ToBaseQty returns quantity expressed in base pieces together with the ratio used.
func (r *UOMResolver) ToBaseQty(productCode, uomCode string, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	t, ok := r.tables[productCode]
	if !ok {
		return decimal.Zero, decimal.Zero, &UnknownUOMError{ProductCode: productCode, UOMCode: uomCode}
	}
	if uomCode == t.BaseUOM {
		return quantity, decimal.NewFromInt(1), nil
	}
	ratio, ok := t.Ratios[uomCode]
	if !ok {
		return decimal.Zero, decimal.Zero, &UnknownUOMError{ProductCode: productCode, UOMCode: uomCode}
	}
	return quantity.Mul(ratio), ratio, nil
}

// Tables returns a copy of the registered tables.
func (r *UOMResolver) Tables() map[string]UOMTable {
	out := make(map[string]UOMTable, len(r.tables))
	for p, t := range r.tables {
		ratios := make(map[string]decimal.Decimal, len(t.Ratios))
		for u, v := range t.Ratios {
			ratios[u] = v
		}
		out[p] = UOMTable{BaseUOM: t.BaseUOM, Ratios: ratios}
	}
	return out
}
