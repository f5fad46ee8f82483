/*
Package factory provides JSON to Go reference data conversion.

PURPOSE:
  Converts JSON definitions of document types and unit-of-measure tables
  into stock.ReferenceData. Operators change reference data by editing a
  seed file or POSTing to /api/reference, not by redeploying.

JSON SCHEMA:
  {
    "document_types": [
      {"type_code": "RCV", "name": "Goods receipt", "direction": "IN"},
      {"type_code": "TRF", "name": "Warehouse transfer", "transfer": true}
    ],
    "uoms": [
      {
        "product_code": "P1",
        "base_uom": "PCS",
        "units": [{"uom_code": "BOX", "ratio": "12"}]
      }
    ]
  }

  Ratios accept JSON numbers or strings; strings keep full decimal precision.

VALIDATION:
  ParseReference builds the resolvers once so a bad file fails at load time
  instead of on the first document that touches it.

SEE ALSO:
  - stock/reference.go: ReferenceData and Reference
  - api/handlers.go: GET/POST /api/reference
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ReferenceJSON is the JSON representation of all reference data.
type ReferenceJSON struct {
	DocumentTypes []DocumentTypeJSON `json:"document_types"`
	UOMs          []UOMTableJSON     `json:"uoms"`
}

type DocumentTypeJSON struct {
	TypeCode  string `json:"type_code"`
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction,omitempty"` // IN or OUT; ignored for transfers
	Transfer  bool   `json:"transfer,omitempty"`
}

type UOMTableJSON struct {
	ProductCode string     `json:"product_code"`
	BaseUOM     string     `json:"base_uom"`
	Units       []UnitJSON `json:"units,omitempty"`
}

type UnitJSON struct {
	UOMCode string          `json:"uom_code"`
	Ratio   decimal.Decimal `json:"ratio"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseReference parses and validates a JSON document.
func ParseReference(data []byte) (stock.ReferenceData, error) {
	var rj ReferenceJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return stock.ReferenceData{}, fmt.Errorf("failed to parse reference JSON: %w", err)
	}
	return FromJSON(rj)
}

// LoadReferenceFile reads and parses a seed file.
func LoadReferenceFile(path string) (stock.ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return stock.ReferenceData{}, fmt.Errorf("failed to read reference file: %w", err)
	}
	return ParseReference(raw)
}

// FromJSON converts ReferenceJSON to stock.ReferenceData.
func FromJSON(rj ReferenceJSON) (stock.ReferenceData, error) {
	var data stock.ReferenceData

	seen := make(map[string]bool, len(rj.DocumentTypes))
	for _, dt := range rj.DocumentTypes {
		if seen[dt.TypeCode] {
			return stock.ReferenceData{}, fmt.Errorf("duplicate document type %q", dt.TypeCode)
		}
		seen[dt.TypeCode] = true
		data.Directives = append(data.Directives, stock.Directive{
			TypeCode:  dt.TypeCode,
			Name:      dt.Name,
			Direction: stock.Direction(strings.ToUpper(dt.Direction)),
			Transfer:  dt.Transfer,
		})
	}

	if len(rj.UOMs) > 0 {
		data.UOMs = make(map[string]stock.UOMTable, len(rj.UOMs))
	}
	for _, t := range rj.UOMs {
		if _, dup := data.UOMs[t.ProductCode]; dup {
			return stock.ReferenceData{}, fmt.Errorf("duplicate uom table for product %q", t.ProductCode)
		}
		table := stock.UOMTable{BaseUOM: t.BaseUOM, Ratios: make(map[string]decimal.Decimal, len(t.Units))}
		for _, u := range t.Units {
			table.Ratios[u.UOMCode] = u.Ratio
		}
		data.UOMs[t.ProductCode] = table
	}

	if _, err := data.Build(); err != nil {
		return stock.ReferenceData{}, fmt.Errorf("invalid reference data: %w", err)
	}
	return data, nil
}

// ToJSON converts stock.ReferenceData to its JSON form with stable ordering.
func ToJSON(data stock.ReferenceData) ReferenceJSON {
	rj := ReferenceJSON{
		DocumentTypes: make([]DocumentTypeJSON, 0, len(data.Directives)),
		UOMs:          make([]UOMTableJSON, 0, len(data.UOMs)),
	}

	directives := append([]stock.Directive(nil), data.Directives...)
	sort.Slice(directives, func(i, j int) bool { return directives[i].TypeCode < directives[j].TypeCode })
	for _, d := range directives {
		dt := DocumentTypeJSON{TypeCode: d.TypeCode, Name: d.Name, Transfer: d.Transfer}
		if !d.Transfer {
			dt.Direction = string(d.Direction)
		}
		rj.DocumentTypes = append(rj.DocumentTypes, dt)
	}

	products := make([]string, 0, len(data.UOMs))
	for p := range data.UOMs {
		products = append(products, p)
	}
	sort.Strings(products)
	for _, p := range products {
		t := data.UOMs[p]
		tj := UOMTableJSON{ProductCode: p, BaseUOM: t.BaseUOM}
		units := make([]string, 0, len(t.Ratios))
		for u := range t.Ratios {
			units = append(units, u)
		}
		sort.Strings(units)
		for _, u := range units {
			tj.Units = append(tj.Units, UnitJSON{UOMCode: u, Ratio: t.Ratios[u]})
		}
		rj.UOMs = append(rj.UOMs, tj)
	}

	return rj
}

// =============================================================================
// PRESETS
// =============================================================================

// DefaultReferenceJSON is the reference data a fresh server starts with when
// no seed file is configured and the store holds none.
const DefaultReferenceJSON = `{
  "document_types": [
    {"type_code": "RCV", "name": "Goods receipt", "direction": "IN"},
    {"type_code": "ADJ-IN", "name": "Adjustment in", "direction": "IN"},
    {"type_code": "RET", "name": "Customer return", "direction": "IN"},
    {"type_code": "ISS", "name": "Goods issue", "direction": "OUT"},
    {"type_code": "ADJ-OUT", "name": "Adjustment out", "direction": "OUT"},
    {"type_code": "TRF", "name": "Warehouse transfer", "transfer": true}
  ],
  "uoms": [
    {"product_code": "WIDGET", "base_uom": "PCS", "units": [{"uom_code": "BOX", "ratio": "12"}, {"uom_code": "PALLET", "ratio": "480"}]},
    {"product_code": "GADGET", "base_uom": "PCS", "units": [{"uom_code": "PACK", "ratio": "6"}]},
    {"product_code": "SYRUP", "base_uom": "ML", "units": [{"uom_code": "BOTTLE", "ratio": "750"}, {"uom_code": "L", "ratio": "1000"}]}
  ]
}`

// DefaultReference parses DefaultReferenceJSON.
func DefaultReference() stock.ReferenceData {
	data, err := ParseReference([]byte(DefaultReferenceJSON))
	if err != nil {
		panic(fmt.Sprintf("factory: default reference data invalid: %v", err))
	}
	return data
}
