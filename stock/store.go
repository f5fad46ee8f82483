/*
store.go - Persistence contracts for balances, documents and the stock log

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never touches storage except through these interfaces, so the same
  coordinator runs against memory (tests) and SQLite (production).

KEY INTERFACES:
  BalanceStore:  StockBalance / LotBalance rows (lazy, never deleted)
  DocumentStore: headers and lines, versioned for compare-and-swap
  StockLogStore: append-only audit trail
  TxStore:       all of the above plus WithTx for one unit of work

ATOMICITY:
  ApplyDelta and ApplyLotDelta are atomic per key: all three fields change
  together or not at all. WithTx extends that to every write issued by fn:
  when fn returns an error nothing it wrote is visible afterwards.

APPEND-ONLY CONTRACT:
  StockLogStore has no Update or Delete. Ever.

IMPLEMENTATIONS:
  - stock/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite
*/
package stock

import (
	"context"
	"time"
)

// BalanceStore holds StockBalance and LotBalance rows.
type BalanceStore interface {
	// Balance returns the row for key, zero-valued if it was never written.
	Balance(ctx context.Context, key Key) (Balance, error)

	// ApplyDelta adds d to the row for key. Returns InsufficientBalanceError
	// and leaves the row untouched if any field would become negative.
	ApplyDelta(ctx context.Context, key Key, d Delta) (Balance, error)

	LotBalance(ctx context.Context, lot LotKey) (LotBalance, error)
	ApplyLotDelta(ctx context.Context, lot LotKey, d Delta) (LotBalance, error)

	// LotBalances returns every lot row under key ordered by expiry date.
	LotBalances(ctx context.Context, key Key) ([]LotBalance, error)

	// Balances returns every location row of product in warehouse.
	Balances(ctx context.Context, productCode, warehouseCode string) ([]Balance, error)

	// Keys returns every balance key ever written.
	Keys(ctx context.Context) ([]Key, error)
}

// DocumentStore persists document headers and their lines.
type DocumentStore interface {
	// Document returns ErrDocumentNotFound when no document has number no.
	Document(ctx context.Context, no string) (Document, error)

	// InsertDocument returns ErrDuplicateDocument when the number is taken.
	InsertDocument(ctx context.Context, doc Document) error

	// UpdateDocument replaces header and lines only if the stored version
	// equals expectedVersion; otherwise ErrConcurrentModification.
	UpdateDocument(ctx context.Context, doc Document, expectedVersion int64) error

	// ApprovedDocuments returns APPROVED documents touching warehouseCode
	// (as source or destination) with at least one line for productCode.
	// A zero before means no date bound; otherwise Date < before.
	ApprovedDocuments(ctx context.Context, productCode, warehouseCode string, before time.Time) ([]Document, error)
}

// StockLogStore is the append-only audit trail.
type StockLogStore interface {
	AppendLog(ctx context.Context, entry StockLog) error
	Logs(ctx context.Context, filter StockLogFilter) ([]StockLog, error)
}

// ReferenceStore persists the reference data the resolvers are built from.
type ReferenceStore interface {
	SaveReference(ctx context.Context, data ReferenceData) error
	LoadReference(ctx context.Context) (ReferenceData, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	BalanceStore
	DocumentStore
	StockLogStore
}

// TxStore runs fn as one all-or-nothing unit of work.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
