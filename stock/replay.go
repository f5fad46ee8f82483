/*
replay.go - Opening balance, stock card and reconciliation

PURPOSE:
  Rebuilds the booked quantity of a product in a warehouse at any past
  date by folding the lines of APPROVED documents. This is a pure read
  side: nothing here writes a balance row.

ALGORITHM:
  1. Load APPROVED documents touching the warehouse (source or destination)
  2. Expand each matching line into one ledger entry per warehouse side
     (a transfer inside one call only ever yields the side for this warehouse)
  3. Sort by (document date, document number, line sequence)
  4. Fold a running sum of signed piece quantities

RECONCILIATION:
  The full replay must equal the sum of Booked over every location row of
  the product/warehouse. A difference is reported, never absorbed. Both
  reads come from one snapshot (see Coordinator.Reconcile).

SEE ALSO:
  - types.go: Document.DirectionAt, the stored warehouse-match rule
  - coordinator.go: exposes these reads with the current reference data
*/
package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one approved line as seen from one warehouse.
type LedgerEntry struct {
	Date         time.Time
	DocumentNo   string
	TypeCode     string
	LineID       string
	LineSeq      int
	LocationCode string
	Direction    Direction
	PieceQty     decimal.Decimal // signed: negative for OUT
	Balance      decimal.Decimal // running balance after this entry
}

// StockCard is the movement history of a product in a warehouse over [From, To).
type StockCard struct {
	ProductCode   string
	WarehouseCode string
	From          time.Time
	To            time.Time
	Opening       decimal.Decimal
	Entries       []LedgerEntry
	Closing       decimal.Decimal
}

// Reconciliation compares the replayed ledger with the live booked balances.
type Reconciliation struct {
	ProductCode   string
	WarehouseCode string
	Replayed      decimal.Decimal
	Booked        decimal.Decimal
	Difference    decimal.Decimal // Booked - Replayed
	CheckedAt     time.Time
}

func (r Reconciliation) Balanced() bool {
	return r.Difference.IsZero()
}

// Replayer reads approved documents and folds them into balances.
type Replayer struct {
	docs DocumentStore
	dirs *DirectionResolver
}

func NewReplayer(docs DocumentStore, dirs *DirectionResolver) *Replayer {
	return &Replayer{docs: docs, dirs: dirs}
}

// OpeningBalance returns the booked quantity of product in warehouse
// immediately before asOf (documents dated on asOf are excluded).
func (r *Replayer) OpeningBalance(ctx context.Context, productCode, warehouseCode string, asOf time.Time) (decimal.Decimal, error) {
	if asOf.IsZero() {
		return decimal.Zero, &InvalidInputError{Field: "as_of", Reason: "required"}
	}
	entries, err := r.entries(ctx, productCode, warehouseCode, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.PieceQty)
	}
	return total, nil
}

// StockCard returns the opening balance at from and every entry in [from, to).
// A zero to means no upper bound.
func (r *Replayer) StockCard(ctx context.Context, productCode, warehouseCode string, from, to time.Time) (StockCard, error) {
	if !to.IsZero() && !from.Before(to) {
		return StockCard{}, &InvalidInputError{Field: "to", Reason: "must be after from"}
	}
	entries, err := r.entries(ctx, productCode, warehouseCode, to)
	if err != nil {
		return StockCard{}, err
	}

	card := StockCard{ProductCode: productCode, WarehouseCode: warehouseCode, From: from, To: to, Opening: decimal.Zero}
	for _, e := range entries {
		if e.Date.Before(from) {
			card.Opening = card.Opening.Add(e.PieceQty)
		}
	}
	running := card.Opening
	for _, e := range entries {
		if e.Date.Before(from) {
			continue
		}
		running = running.Add(e.PieceQty)
		e.Balance = running
		card.Entries = append(card.Entries, e)
	}
	card.Closing = running
	return card, nil
}

// Reconcile compares the full replay with the booked balances in bs. The
// result is only meaningful when bs and the replayer's documents are the
// same snapshot, such as the Store of one WithTx.
func (r *Replayer) Reconcile(ctx context.Context, bs BalanceStore, productCode, warehouseCode string) (Reconciliation, error) {
	entries, err := r.entries(ctx, productCode, warehouseCode, time.Time{})
	if err != nil {
		return Reconciliation{}, err
	}
	replayed := decimal.Zero
	for _, e := range entries {
		replayed = replayed.Add(e.PieceQty)
	}

	rows, err := bs.Balances(ctx, productCode, warehouseCode)
	if err != nil {
		return Reconciliation{}, Persistence("list balances", err)
	}
	booked := decimal.Zero
	for _, b := range rows {
		booked = booked.Add(b.Booked)
	}
	return Reconciliation{
		ProductCode:   productCode,
		WarehouseCode: warehouseCode,
		Replayed:      replayed,
		Booked:        booked,
		Difference:    booked.Sub(replayed),
		CheckedAt:     time.Now().UTC(),
	}, nil
}

func (r *Replayer) entries(ctx context.Context, productCode, warehouseCode string, before time.Time) ([]LedgerEntry, error) {
	docs, err := r.docs.ApprovedDocuments(ctx, productCode, warehouseCode, before)
	if err != nil {
		return nil, Persistence("load approved documents", err)
	}
	return LedgerEntries(docs, productCode, warehouseCode, r.dirs)
}

// LedgerEntries expands docs into sorted, running-balanced entries for one
// product and warehouse. Documents that are not APPROVED are skipped. The
// direction stored on each document is used; dirs only serves rows that
// predate stored directions.
func LedgerEntries(docs []Document, productCode, warehouseCode string, dirs *DirectionResolver) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, doc := range docs {
		if doc.Status != StatusApproved {
			continue
		}
		if doc.WarehouseCode != warehouseCode && doc.DestinationWarehouseCode != warehouseCode {
			continue
		}
		doc, err := dirs.Recorded(doc)
		if err != nil {
			return nil, err
		}
		dir, ok := doc.DirectionAt(warehouseCode)
		if !ok {
			continue
		}
		for _, l := range doc.Lines {
			if l.ProductCode != productCode {
				continue
			}
			loc := l.LocationCode
			if doc.Transfer && warehouseCode == doc.DestinationWarehouseCode {
				loc = l.DestinationLocationCode
			}
			out = append(out, LedgerEntry{
				Date:         doc.Date,
				DocumentNo:   doc.No,
				TypeCode:     doc.TypeCode,
				LineID:       l.ID,
				LineSeq:      l.Seq,
				LocationCode: loc,
				Direction:    dir,
				PieceQty:     l.PieceQty.Mul(dir.Sign()),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.DocumentNo != b.DocumentNo {
			return a.DocumentNo < b.DocumentNo
		}
		return a.LineSeq < b.LineSeq
	})

	running := decimal.Zero
	for i := range out {
		running = running.Add(out[i].PieceQty)
		out[i].Balance = running
	}
	return out, nil
}
