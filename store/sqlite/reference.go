package sqlite

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// REFERENCE DATA (stock.ReferenceStore interface)
// =============================================================================

// SaveReference replaces document types and UOM ratios in one transaction.
func (s *Store) SaveReference(ctx context.Context, data stock.ReferenceData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_types`); err != nil {
		return fmt.Errorf("failed to clear document types: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uom_ratios`); err != nil {
		return fmt.Errorf("failed to clear uom ratios: %w", err)
	}

	for _, d := range data.Directives {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO document_types (type_code, name, direction, is_transfer)
			VALUES (?, ?, ?, ?)
		`, d.TypeCode, d.Name, string(d.Direction), boolInt(d.Transfer))
		if err != nil {
			return fmt.Errorf("failed to save document type %s: %w", d.TypeCode, err)
		}
	}

	for product, table := range data.UOMs {
		// The base unit is its own row with ratio 1.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO uom_ratios (product_code, uom_code, ratio, is_base)
			VALUES (?, ?, '1', 1)
		`, product, table.BaseUOM)
		if err != nil {
			return fmt.Errorf("failed to save base uom of %s: %w", product, err)
		}
		for uom, ratio := range table.Ratios {
			if uom == table.BaseUOM {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO uom_ratios (product_code, uom_code, ratio, is_base)
				VALUES (?, ?, ?, 0)
			`, product, uom, ratio.String())
			if err != nil {
				return fmt.Errorf("failed to save uom %s/%s: %w", product, uom, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadReference returns the stored reference data. An empty database yields
// empty data, not an error.
func (s *Store) LoadReference(ctx context.Context) (stock.ReferenceData, error) {
	var data stock.ReferenceData

	rows, err := s.db.QueryContext(ctx, `
		SELECT type_code, name, direction, is_transfer
		FROM document_types
		ORDER BY type_code
	`)
	if err != nil {
		return data, fmt.Errorf("failed to query document types: %w", err)
	}
	for rows.Next() {
		var (
			d        stock.Directive
			dir      string
			transfer int
		)
		if err := rows.Scan(&d.TypeCode, &d.Name, &dir, &transfer); err != nil {
			rows.Close()
			return data, err
		}
		d.Direction = stock.Direction(dir)
		d.Transfer = transfer == 1
		data.Directives = append(data.Directives, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return data, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT product_code, uom_code, ratio, is_base
		FROM uom_ratios
		ORDER BY product_code, uom_code
	`)
	if err != nil {
		return data, fmt.Errorf("failed to query uom ratios: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			product, uom, raw string
			isBase            int
		)
		if err := rows.Scan(&product, &uom, &raw, &isBase); err != nil {
			return data, err
		}
		ratio, err := decimal.NewFromString(raw)
		if err != nil {
			return data, fmt.Errorf("failed to parse ratio of %s/%s: %w", product, uom, err)
		}
		if data.UOMs == nil {
			data.UOMs = make(map[string]stock.UOMTable)
		}
		table, ok := data.UOMs[product]
		if !ok {
			table = stock.UOMTable{Ratios: make(map[string]decimal.Decimal)}
		}
		if isBase == 1 {
			table.BaseUOM = uom
		} else {
			table.Ratios[uom] = ratio
		}
		data.UOMs[product] = table
	}
	return data, rows.Err()
}
