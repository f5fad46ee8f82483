package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/stock"
)

// conn runs every stock.Store query against one queryer: the pool for
// reads outside a unit of work, the open transaction inside one.
type conn struct {
	q   queryer
	now func() time.Time
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

const balanceColumns = `product_code, warehouse_code, location_code, booked, reserved_in, reserved_out, version, updated_at`

func (c *conn) Balance(ctx context.Context, key stock.Key) (stock.Balance, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM stock_balances
		WHERE product_code = ? AND warehouse_code = ? AND location_code = ?
	`, key.ProductCode, key.WarehouseCode, key.LocationCode)

	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Balance{Key: key}, nil
	}
	if err != nil {
		return stock.Balance{}, fmt.Errorf("failed to read balance %s: %w", key, err)
	}
	return b, nil
}

// ApplyDelta writes the new row only if its version is unchanged since the
// read, so a concurrent writer shows up as ErrConcurrentModification.
func (c *conn) ApplyDelta(ctx context.Context, key stock.Key, d stock.Delta) (stock.Balance, error) {
	cur, err := c.Balance(ctx, key)
	if err != nil {
		return stock.Balance{}, err
	}
	next, err := cur.Apply(d)
	if err != nil {
		return stock.Balance{}, err
	}
	next.UpdatedAt = c.now()

	res, err := c.q.ExecContext(ctx, `
		INSERT INTO stock_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_code, warehouse_code, location_code) DO UPDATE SET
			booked = excluded.booked,
			reserved_in = excluded.reserved_in,
			reserved_out = excluded.reserved_out,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE stock_balances.version = ?
	`, key.ProductCode, key.WarehouseCode, key.LocationCode,
		next.Booked.String(), next.ReservedIn.String(), next.ReservedOut.String(),
		next.Version, formatTime(next.UpdatedAt), cur.Version)
	if err != nil {
		return stock.Balance{}, fmt.Errorf("failed to write balance %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return stock.Balance{}, fmt.Errorf("balance %s: %w", key, stock.ErrConcurrentModification)
	}
	return next, nil
}

func (c *conn) Balances(ctx context.Context, productCode, warehouseCode string) ([]stock.Balance, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+balanceColumns+`
		FROM stock_balances
		WHERE product_code = ? AND warehouse_code = ?
		ORDER BY location_code
	`, productCode, warehouseCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []stock.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (c *conn) Keys(ctx context.Context) ([]stock.Key, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT product_code, warehouse_code, location_code
		FROM stock_balances
		ORDER BY product_code, warehouse_code, location_code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var out []stock.Key
	for rows.Next() {
		var k stock.Key
		if err := rows.Scan(&k.ProductCode, &k.WarehouseCode, &k.LocationCode); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// =============================================================================
// LOT BALANCE OPERATIONS
// =============================================================================

const lotColumns = `product_code, warehouse_code, location_code, manufacture_date, expiry_date, booked, reserved_in, reserved_out, version, updated_at`

func (c *conn) LotBalance(ctx context.Context, lot stock.LotKey) (stock.LotBalance, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+lotColumns+`
		FROM lot_balances
		WHERE product_code = ? AND warehouse_code = ? AND location_code = ?
		  AND manufacture_date = ? AND expiry_date = ?
	`, lot.ProductCode, lot.WarehouseCode, lot.LocationCode,
		formatDate(lot.ManufactureDate), formatDate(lot.ExpiryDate))

	b, err := scanLotBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.LotBalance{Lot: lot}, nil
	}
	if err != nil {
		return stock.LotBalance{}, fmt.Errorf("failed to read lot balance %s: %w", lot, err)
	}
	// Hand back the caller's key so time locations compare equal.
	b.Lot = lot
	return b, nil
}

func (c *conn) ApplyLotDelta(ctx context.Context, lot stock.LotKey, d stock.Delta) (stock.LotBalance, error) {
	cur, err := c.LotBalance(ctx, lot)
	if err != nil {
		return stock.LotBalance{}, err
	}
	next, err := cur.Apply(d)
	if err != nil {
		return stock.LotBalance{}, err
	}
	next.UpdatedAt = c.now()

	res, err := c.q.ExecContext(ctx, `
		INSERT INTO lot_balances (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_code, warehouse_code, location_code, manufacture_date, expiry_date) DO UPDATE SET
			booked = excluded.booked,
			reserved_in = excluded.reserved_in,
			reserved_out = excluded.reserved_out,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE lot_balances.version = ?
	`, lot.ProductCode, lot.WarehouseCode, lot.LocationCode,
		formatDate(lot.ManufactureDate), formatDate(lot.ExpiryDate),
		next.Booked.String(), next.ReservedIn.String(), next.ReservedOut.String(),
		next.Version, formatTime(next.UpdatedAt), cur.Version)
	if err != nil {
		return stock.LotBalance{}, fmt.Errorf("failed to write lot balance %s: %w", lot, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return stock.LotBalance{}, fmt.Errorf("lot balance %s: %w", lot, stock.ErrConcurrentModification)
	}
	return next, nil
}

func (c *conn) LotBalances(ctx context.Context, key stock.Key) ([]stock.LotBalance, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM lot_balances
		WHERE product_code = ? AND warehouse_code = ? AND location_code = ?
		ORDER BY expiry_date, manufacture_date
	`, key.ProductCode, key.WarehouseCode, key.LocationCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query lot balances: %w", err)
	}
	defer rows.Close()

	var out []stock.LotBalance
	for rows.Next() {
		b, err := scanLotBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// DOCUMENT OPERATIONS
// =============================================================================

const documentColumns = `document_no, type_code, warehouse_code, destination_warehouse_code, document_date, status,
	next_line_seq, version, created_by, created_at, updated_at, completed_by, completed_at, direction, is_transfer`

func (c *conn) Document(ctx context.Context, no string) (stock.Document, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE document_no = ?
	`, no)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Document{}, stock.ErrDocumentNotFound
	}
	if err != nil {
		return stock.Document{}, fmt.Errorf("failed to read document %s: %w", no, err)
	}

	doc.Lines, err = c.lines(ctx, no)
	if err != nil {
		return stock.Document{}, err
	}
	return doc, nil
}

func (c *conn) InsertDocument(ctx context.Context, doc stock.Document) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.No, doc.TypeCode, doc.WarehouseCode, doc.DestinationWarehouseCode,
		formatDate(doc.Date), string(doc.Status), doc.NextLineSeq, doc.Version,
		doc.CreatedBy, formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt),
		doc.CompletedBy, completedAt(doc.CompletedAt), string(doc.Direction), doc.Transfer)
	if isUniqueConstraintError(err) {
		return stock.ErrDuplicateDocument
	}
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.No, err)
	}
	return c.insertLines(ctx, doc)
}

// UpdateDocument swaps the header only at expectedVersion and replaces
// every line.
func (c *conn) UpdateDocument(ctx context.Context, doc stock.Document, expectedVersion int64) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE documents SET
			type_code = ?, warehouse_code = ?, destination_warehouse_code = ?, document_date = ?,
			status = ?, next_line_seq = ?, version = ?, updated_at = ?, completed_by = ?, completed_at = ?,
			direction = ?, is_transfer = ?
		WHERE document_no = ? AND version = ?
	`, doc.TypeCode, doc.WarehouseCode, doc.DestinationWarehouseCode, formatDate(doc.Date),
		string(doc.Status), doc.NextLineSeq, doc.Version, formatTime(doc.UpdatedAt),
		doc.CompletedBy, completedAt(doc.CompletedAt), string(doc.Direction), doc.Transfer,
		doc.No, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", doc.No, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", doc.No, err)
	}
	if n == 0 {
		var exists int
		err := c.q.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE document_no = ?`, doc.No).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return stock.ErrDocumentNotFound
		}
		return fmt.Errorf("document %s: %w", doc.No, stock.ErrConcurrentModification)
	}

	if _, err := c.q.ExecContext(ctx, `DELETE FROM document_lines WHERE document_no = ?`, doc.No); err != nil {
		return fmt.Errorf("failed to replace lines of %s: %w", doc.No, err)
	}
	return c.insertLines(ctx, doc)
}

func (c *conn) ApprovedDocuments(ctx context.Context, productCode, warehouseCode string, before time.Time) ([]stock.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents d
		WHERE d.status = ?
		  AND (d.warehouse_code = ? OR d.destination_warehouse_code = ?)
		  AND EXISTS (SELECT 1 FROM document_lines l WHERE l.document_no = d.document_no AND l.product_code = ?)
	`
	args := []any{string(stock.StatusApproved), warehouseCode, warehouseCode, productCode}
	if !before.IsZero() {
		query += ` AND d.document_date < ?`
		args = append(args, formatDate(before))
	}
	query += ` ORDER BY d.document_date, d.document_no`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approved documents: %w", err)
	}

	var docs []stock.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Lines are loaded after the header cursor closes; the pool holds a
	// single connection.
	for i := range docs {
		docs[i].Lines, err = c.lines(ctx, docs[i].No)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

const lineColumns = `line_id, document_no, seq, product_code, uom_code, quantity, ratio, piece_qty,
	location_code, destination_location_code, has_lot, manufacture_date, expiry_date, lot_no`

func (c *conn) lines(ctx context.Context, no string) ([]stock.Line, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+lineColumns+`
		FROM document_lines
		WHERE document_no = ?
		ORDER BY seq
	`, no)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines of %s: %w", no, err)
	}
	defer rows.Close()

	var out []stock.Line
	for rows.Next() {
		var (
			l                  stock.Line
			docNo              string
			qty, ratio, pieces string
			hasLot             int
			mfg, exp, lotNo    string
		)
		if err := rows.Scan(&l.ID, &docNo, &l.Seq, &l.ProductCode, &l.UOMCode, &qty, &ratio, &pieces,
			&l.LocationCode, &l.DestinationLocationCode, &hasLot, &mfg, &exp, &lotNo); err != nil {
			return nil, err
		}
		if l.Quantity, err = parseDecimal(qty); err != nil {
			return nil, err
		}
		if l.Ratio, err = parseDecimal(ratio); err != nil {
			return nil, err
		}
		if l.PieceQty, err = parseDecimal(pieces); err != nil {
			return nil, err
		}
		if hasLot == 1 {
			l.Lot = &stock.Lot{ManufactureDate: parseDate(mfg), ExpiryDate: parseDate(exp), LotNo: lotNo}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (c *conn) insertLines(ctx context.Context, doc stock.Document) error {
	for _, l := range doc.Lines {
		var mfg, exp, lotNo string
		if l.Lot != nil {
			mfg, exp, lotNo = formatDate(l.Lot.ManufactureDate), formatDate(l.Lot.ExpiryDate), l.Lot.LotNo
		}
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO document_lines (`+lineColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, doc.No, l.Seq, l.ProductCode, l.UOMCode,
			l.Quantity.String(), l.Ratio.String(), l.PieceQty.String(),
			l.LocationCode, l.DestinationLocationCode, boolInt(l.Lot != nil), mfg, exp, lotNo)
		if err != nil {
			return fmt.Errorf("failed to insert line %s: %w", l.ID, err)
		}
	}
	return nil
}

// =============================================================================
// STOCK LOG OPERATIONS (append-only)
// =============================================================================

const logColumns = `id, function_tag, document_no, line_id, product_code, warehouse_code, location_code,
	manufacture_date, expiry_date, direction,
	booked_before, booked_after, reserved_in_before, reserved_in_after, reserved_out_before, reserved_out_after,
	piece_qty_delta, actor_id, created_at`

// AppendLog adds an audit record. Append-only.
func (c *conn) AppendLog(ctx context.Context, e stock.StockLog) error {
	var mfg, exp sql.NullString
	if e.Lot != nil {
		mfg = sql.NullString{String: formatDate(e.Lot.ManufactureDate), Valid: true}
		exp = sql.NullString{String: formatDate(e.Lot.ExpiryDate), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO stock_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Function), e.DocumentNo, e.LineID,
		e.Key.ProductCode, e.Key.WarehouseCode, e.Key.LocationCode,
		mfg, exp, string(e.Direction),
		e.BookedBefore.String(), e.BookedAfter.String(),
		e.ReservedInBefore.String(), e.ReservedInAfter.String(),
		e.ReservedOutBefore.String(), e.ReservedOutAfter.String(),
		e.PieceQtyDelta.String(), e.ActorID, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to append stock log: %w", err)
	}
	return nil
}

func (c *conn) Logs(ctx context.Context, filter stock.StockLogFilter) ([]stock.StockLog, error) {
	var (
		where []string
		args  []any
	)
	if filter.DocumentNo != "" {
		where = append(where, "document_no = ?")
		args = append(args, filter.DocumentNo)
	}
	if filter.ProductCode != "" {
		where = append(where, "product_code = ?")
		args = append(args, filter.ProductCode)
	}
	if filter.WarehouseCode != "" {
		where = append(where, "warehouse_code = ?")
		args = append(args, filter.WarehouseCode)
	}

	query := `SELECT ` + logColumns + ` FROM stock_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY log_seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock logs: %w", err)
	}
	defer rows.Close()

	var out []stock.StockLog
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (stock.Balance, error) {
	var (
		b                    stock.Balance
		booked, in, out, upd string
	)
	if err := row.Scan(&b.Key.ProductCode, &b.Key.WarehouseCode, &b.Key.LocationCode,
		&booked, &in, &out, &b.Version, &upd); err != nil {
		return stock.Balance{}, err
	}
	fields, err := parseFields(booked, in, out)
	if err != nil {
		return stock.Balance{}, err
	}
	b.Booked, b.ReservedIn, b.ReservedOut = fields[0], fields[1], fields[2]
	b.UpdatedAt = parseTime(upd)
	return b, nil
}

func scanLotBalance(row scanner) (stock.LotBalance, error) {
	var (
		b                    stock.LotBalance
		mfg, exp             string
		booked, in, out, upd string
	)
	if err := row.Scan(&b.Lot.ProductCode, &b.Lot.WarehouseCode, &b.Lot.LocationCode, &mfg, &exp,
		&booked, &in, &out, &b.Version, &upd); err != nil {
		return stock.LotBalance{}, err
	}
	fields, err := parseFields(booked, in, out)
	if err != nil {
		return stock.LotBalance{}, err
	}
	b.Lot.ManufactureDate, b.Lot.ExpiryDate = parseDate(mfg), parseDate(exp)
	b.Booked, b.ReservedIn, b.ReservedOut = fields[0], fields[1], fields[2]
	b.UpdatedAt = parseTime(upd)
	return b, nil
}

func parseFields(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := parseDecimal(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func scanDocument(row scanner) (stock.Document, error) {
	var (
		doc                  stock.Document
		date, status         string
		createdAt, updatedAt string
		completedAtRaw       sql.NullString
		direction            string
	)
	if err := row.Scan(&doc.No, &doc.TypeCode, &doc.WarehouseCode, &doc.DestinationWarehouseCode,
		&date, &status, &doc.NextLineSeq, &doc.Version,
		&doc.CreatedBy, &createdAt, &updatedAt, &doc.CompletedBy, &completedAtRaw,
		&direction, &doc.Transfer); err != nil {
		return stock.Document{}, err
	}
	doc.Direction = stock.Direction(direction)
	doc.Date = parseDate(date)
	doc.Status = stock.Status(status)
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	if completedAtRaw.Valid {
		t := parseTime(completedAtRaw.String)
		doc.CompletedAt = &t
	}
	return doc, nil
}

func scanLog(row scanner) (stock.StockLog, error) {
	var (
		e                          stock.StockLog
		fn, dir, at                string
		mfg, exp                   sql.NullString
		bb, ba, rib, ria, rob, roa string
		delta                      string
	)
	if err := row.Scan(&e.ID, &fn, &e.DocumentNo, &e.LineID,
		&e.Key.ProductCode, &e.Key.WarehouseCode, &e.Key.LocationCode,
		&mfg, &exp, &dir, &bb, &ba, &rib, &ria, &rob, &roa, &delta, &e.ActorID, &at); err != nil {
		return stock.StockLog{}, err
	}
	fields, err := parseFields(bb, ba, rib, ria, rob, roa, delta)
	if err != nil {
		return stock.StockLog{}, err
	}
	e.BookedBefore, e.BookedAfter = fields[0], fields[1]
	e.ReservedInBefore, e.ReservedInAfter = fields[2], fields[3]
	e.ReservedOutBefore, e.ReservedOutAfter = fields[4], fields[5]
	e.PieceQtyDelta = fields[6]
	e.Function = stock.FunctionTag(fn)
	e.Direction = stock.Direction(dir)
	e.At = parseTime(at)
	if mfg.Valid || exp.Valid {
		e.Lot = &stock.LotKey{Key: e.Key, ManufactureDate: parseDate(mfg.String), ExpiryDate: parseDate(exp.String)}
	}
	return e, nil
}

func completedAt(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}
