/*
Package sqlite provides a SQLite-backed implementation of the stock storage interfaces.

PURPOSE:
  Implements stock.TxStore and stock.ReferenceStore using SQLite. The same
  SQL runs inside and outside a transaction through the queryer interface,
  so a unit of work never touches the connection pool behind its own back.

INTERFACES IMPLEMENTED:
  stock.BalanceStore:   stock_balances, lot_balances
  stock.DocumentStore:  documents, document_lines
  stock.StockLogStore:  stock_logs
  stock.ReferenceStore: document_types, uom_ratios
  stock.TxStore:        WithTx

APPEND-ONLY ENFORCEMENT:
  stock_logs carries BEFORE UPDATE / BEFORE DELETE triggers that abort.
  The only way to remove audit rows is Reset, which drops the schema.

VERSIONING:
  Every balance row and document header has a version column. Writes are
  compare-and-swap on that column; a lost race surfaces as
  stock.ErrConcurrentModification instead of a silent overwrite.

CONNECTIONS:
  SQLite allows one writer. The pool is capped at one connection, which
  also keeps ":memory:" databases from splitting across connections.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - stock/store.go: Interface definitions
  - stock/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/stock"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	-- Balances per (product, warehouse, location). Created lazily, never deleted.
	CREATE TABLE IF NOT EXISTS stock_balances (
		product_code TEXT NOT NULL,
		warehouse_code TEXT NOT NULL,
		location_code TEXT NOT NULL,
		booked TEXT NOT NULL,
		reserved_in TEXT NOT NULL,
		reserved_out TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (product_code, warehouse_code, location_code)
	);

	CREATE INDEX IF NOT EXISTS idx_stock_balances_product_warehouse
		ON stock_balances(product_code, warehouse_code);

	-- Balances per lot
	CREATE TABLE IF NOT EXISTS lot_balances (
		product_code TEXT NOT NULL,
		warehouse_code TEXT NOT NULL,
		location_code TEXT NOT NULL,
		manufacture_date TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		booked TEXT NOT NULL,
		reserved_in TEXT NOT NULL,
		reserved_out TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (product_code, warehouse_code, location_code, manufacture_date, expiry_date)
	);

	-- Document headers
	CREATE TABLE IF NOT EXISTS documents (
		document_no TEXT PRIMARY KEY,
		type_code TEXT NOT NULL,
		warehouse_code TEXT NOT NULL,
		destination_warehouse_code TEXT NOT NULL DEFAULT '',
		document_date TEXT NOT NULL,
		status TEXT NOT NULL,
		next_line_seq INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_by TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		direction TEXT NOT NULL DEFAULT '',
		is_transfer INTEGER NOT NULL DEFAULT 0
	);

	-- Replay hot path: approved documents by date
	CREATE INDEX IF NOT EXISTS idx_documents_status_date
		ON documents(status, document_date);

	-- Document lines, owned exclusively by one header
	CREATE TABLE IF NOT EXISTS document_lines (
		line_id TEXT PRIMARY KEY,
		document_no TEXT NOT NULL REFERENCES documents(document_no) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		product_code TEXT NOT NULL,
		uom_code TEXT NOT NULL,
		quantity TEXT NOT NULL,
		ratio TEXT NOT NULL,
		piece_qty TEXT NOT NULL,
		location_code TEXT NOT NULL,
		destination_location_code TEXT NOT NULL DEFAULT '',
		has_lot INTEGER NOT NULL DEFAULT 0,
		manufacture_date TEXT NOT NULL DEFAULT '',
		expiry_date TEXT NOT NULL DEFAULT '',
		lot_no TEXT NOT NULL DEFAULT '',
		UNIQUE (document_no, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_document_lines_product
		ON document_lines(product_code, document_no);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS stock_logs (
		log_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		function_tag TEXT NOT NULL,
		document_no TEXT NOT NULL,
		line_id TEXT NOT NULL DEFAULT '',
		product_code TEXT NOT NULL,
		warehouse_code TEXT NOT NULL,
		location_code TEXT NOT NULL,
		manufacture_date TEXT,
		expiry_date TEXT,
		direction TEXT NOT NULL,
		booked_before TEXT NOT NULL,
		booked_after TEXT NOT NULL,
		reserved_in_before TEXT NOT NULL,
		reserved_in_after TEXT NOT NULL,
		reserved_out_before TEXT NOT NULL,
		reserved_out_after TEXT NOT NULL,
		piece_qty_delta TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_logs_document
		ON stock_logs(document_no);
	CREATE INDEX IF NOT EXISTS idx_stock_logs_product_warehouse
		ON stock_logs(product_code, warehouse_code);

	CREATE TRIGGER IF NOT EXISTS stock_logs_no_update
		BEFORE UPDATE ON stock_logs
		BEGIN SELECT RAISE(ABORT, 'stock_logs is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS stock_logs_no_delete
		BEFORE DELETE ON stock_logs
		BEGIN SELECT RAISE(ABORT, 'stock_logs is append-only'); END;

	-- Reference data
	CREATE TABLE IF NOT EXISTS document_types (
		type_code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT '',
		is_transfer INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS uom_ratios (
		product_code TEXT NOT NULL,
		uom_code TEXT NOT NULL,
		ratio TEXT NOT NULL,
		is_base INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (product_code, uom_code)
	);
`

// addedColumns are columns introduced after the first schema. Databases
// created before them get the column with its default; an empty document
// direction is resolved from reference data on read.
var addedColumns = []struct{ table, column, ddl string }{
	{"documents", "direction", `ALTER TABLE documents ADD COLUMN direction TEXT NOT NULL DEFAULT ''`},
	{"documents", "is_transfer", `ALTER TABLE documents ADD COLUMN is_transfer INTEGER NOT NULL DEFAULT 0`},
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	for _, c := range addedColumns {
		ok, err := s.hasColumn(ctx, c.table, c.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Reset drops every table and re-creates an empty schema. Demo use only:
// it is the one path that removes stock log rows.
func (s *Store) Reset(ctx context.Context) error {
	drop := `
		DROP TABLE IF EXISTS document_lines;
		DROP TABLE IF EXISTS documents;
		DROP TABLE IF EXISTS stock_logs;
		DROP TABLE IF EXISTS lot_balances;
		DROP TABLE IF EXISTS stock_balances;
		DROP TABLE IF EXISTS document_types;
		DROP TABLE IF EXISTS uom_ratios;
	`
	if _, err := s.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return s.migrate(ctx)
}

// =============================================================================
// STORE (stock.Store interface) - reads run on the pool, writes in a transaction
// =============================================================================

func (s *Store) reader() *conn {
	return &conn{q: s.db, now: s.now}
}

func (s *Store) Balance(ctx context.Context, key stock.Key) (stock.Balance, error) {
	return s.reader().Balance(ctx, key)
}

func (s *Store) ApplyDelta(ctx context.Context, key stock.Key, d stock.Delta) (stock.Balance, error) {
	var out stock.Balance
	err := s.WithTx(ctx, func(st stock.Store) error {
		var err error
		out, err = st.ApplyDelta(ctx, key, d)
		return err
	})
	return out, err
}

func (s *Store) LotBalance(ctx context.Context, lot stock.LotKey) (stock.LotBalance, error) {
	return s.reader().LotBalance(ctx, lot)
}

func (s *Store) ApplyLotDelta(ctx context.Context, lot stock.LotKey, d stock.Delta) (stock.LotBalance, error) {
	var out stock.LotBalance
	err := s.WithTx(ctx, func(st stock.Store) error {
		var err error
		out, err = st.ApplyLotDelta(ctx, lot, d)
		return err
	})
	return out, err
}

func (s *Store) LotBalances(ctx context.Context, key stock.Key) ([]stock.LotBalance, error) {
	return s.reader().LotBalances(ctx, key)
}

func (s *Store) Balances(ctx context.Context, productCode, warehouseCode string) ([]stock.Balance, error) {
	return s.reader().Balances(ctx, productCode, warehouseCode)
}

func (s *Store) Keys(ctx context.Context) ([]stock.Key, error) {
	return s.reader().Keys(ctx)
}

func (s *Store) Document(ctx context.Context, no string) (stock.Document, error) {
	return s.reader().Document(ctx, no)
}

func (s *Store) InsertDocument(ctx context.Context, doc stock.Document) error {
	return s.WithTx(ctx, func(st stock.Store) error {
		return st.InsertDocument(ctx, doc)
	})
}

func (s *Store) UpdateDocument(ctx context.Context, doc stock.Document, expectedVersion int64) error {
	return s.WithTx(ctx, func(st stock.Store) error {
		return st.UpdateDocument(ctx, doc, expectedVersion)
	})
}

func (s *Store) ApprovedDocuments(ctx context.Context, productCode, warehouseCode string, before time.Time) ([]stock.Document, error) {
	return s.reader().ApprovedDocuments(ctx, productCode, warehouseCode, before)
}

func (s *Store) AppendLog(ctx context.Context, entry stock.StockLog) error {
	return s.reader().AppendLog(ctx, entry)
}

func (s *Store) Logs(ctx context.Context, filter stock.StockLogFilter) ([]stock.StockLog, error) {
	return s.reader().Logs(ctx, filter)
}

// =============================================================================
// TRANSACTIONAL STORE (stock.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store stock.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, now: s.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Helper functions

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(stock.DateLayout)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(stock.DateLayout, s)
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
