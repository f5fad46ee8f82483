package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/stock"
)

func approvedDoc(no, typeCode, src, dst string, date time.Time, lines ...stock.Line) stock.Document {
	return stock.Document{No: no, TypeCode: typeCode, WarehouseCode: src, DestinationWarehouseCode: dst, Date: date, Status: stock.StatusApproved, Lines: lines}
}

func pieces(seq int, product, qty string) stock.Line {
	return stock.Line{Seq: seq, ProductCode: product, PieceQty: dec(qty), LocationCode: "A-1", DestinationLocationCode: "A-1"}
}

func TestLedgerEntries_SortedByDateThenNumberThenSeq(t *testing.T) {
	dirs := testReference(t).Directions
	docs := []stock.Document{
		approvedDoc("RCV-2", typeReceipt, "WH1", "", jan10, pieces(2, "P1", "5"), pieces(1, "P1", "3")),
		approvedDoc("ISS-9", typeIssue, "WH1", "", jan1, pieces(1, "P1", "1")),
		approvedDoc("RCV-1", typeReceipt, "WH1", "", jan10, pieces(1, "P1", "10"), pieces(2, "P2", "99")),
	}

	entries, err := stock.LedgerEntries(docs, "P1", "WH1", dirs)
	require.NoError(t, err)

	var order []string
	for _, e := range entries {
		order = append(order, e.DocumentNo+"/"+e.PieceQty.String())
	}
	assert.Equal(t, []string{"ISS-9/-1", "RCV-1/10", "RCV-2/3", "RCV-2/5"}, order)
	assertQty(t, "17", entries[len(entries)-1].Balance)
}

func TestLedgerEntries_SkipsNonApproved(t *testing.T) {
	dirs := testReference(t).Directions
	draft := approvedDoc("RCV-1", typeReceipt, "WH1", "", jan1, pieces(1, "P1", "10"))
	draft.Status = stock.StatusDraft

	entries, err := stock.LedgerEntries([]stock.Document{draft}, "P1", "WH1", dirs)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedgerEntries_TransferSides(t *testing.T) {
	dirs := testReference(t).Directions
	docs := []stock.Document{approvedDoc("TRF-1", typeTransfer, "WH1", "WH2", jan10, pieces(1, "P1", "50"))}

	src, err := stock.LedgerEntries(docs, "P1", "WH1", dirs)
	require.NoError(t, err)
	dst, err := stock.LedgerEntries(docs, "P1", "WH2", dirs)
	require.NoError(t, err)
	other, err := stock.LedgerEntries(docs, "P1", "WH3", dirs)
	require.NoError(t, err)

	require.Len(t, src, 1)
	assertQty(t, "-50", src[0].PieceQty)
	assert.Equal(t, stock.DirectionOut, src[0].Direction)
	require.Len(t, dst, 1)
	assertQty(t, "50", dst[0].PieceQty)
	assert.Empty(t, other)
}

func TestLedgerEntries_StoredDirectionWins(t *testing.T) {
	// An ISS row recorded while ISS meant IN, and a TRF row recorded as a
	// transfer, replay as recorded whatever the current reference says.
	dirs := testReference(t).Directions
	iss := approvedDoc("ISS-1", typeIssue, "WH1", "", jan1, pieces(1, "P1", "7"))
	iss.Direction = stock.DirectionIn
	trf := approvedDoc("TRF-1", typeTransfer, "WH1", "WH2", jan10, pieces(1, "P1", "2"))
	trf.Direction, trf.Transfer = stock.DirectionOut, true
	gone := approvedDoc("OLD-1", "RETIRED", "WH1", "", jan10, pieces(1, "P1", "1"))
	gone.Direction = stock.DirectionIn

	src, err := stock.LedgerEntries([]stock.Document{iss, trf, gone}, "P1", "WH1", dirs)
	require.NoError(t, err)
	require.Len(t, src, 3)
	assertQty(t, "7", src[0].PieceQty)
	assertQty(t, "1", src[1].PieceQty)
	assertQty(t, "-2", src[2].PieceQty)
	assertQty(t, "6", src[2].Balance)

	dst, err := stock.LedgerEntries([]stock.Document{iss, trf, gone}, "P1", "WH2", dirs)
	require.NoError(t, err)
	require.Len(t, dst, 1)
	assert.Equal(t, stock.DirectionIn, dst[0].Direction)
}

func TestLedgerEntries_UnrecordedUnknownTypeFails(t *testing.T) {
	dirs := testReference(t).Directions
	docs := []stock.Document{approvedDoc("OLD-1", "RETIRED", "WH1", "", jan1, pieces(1, "P1", "1"))}

	_, err := stock.LedgerEntries(docs, "P1", "WH1", dirs)
	assert.ErrorIs(t, err, stock.ErrUnknownDocumentType)

	// Documents of another warehouse are never resolved
	entries, err := stock.LedgerEntries(docs, "P1", "WH2", dirs)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpeningBalance_ExclusiveAndIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedStock(t, c, "RCV-0", "P1", "WH1", "A-1", "100", jan1)
	seedStock(t, c, "RCV-1", "P1", "WH1", "A-1", "20", jan10)

	onCutoff, err := c.OpeningBalance(ctx, "P1", "WH1", jan10)
	require.NoError(t, err)
	assertQty(t, "100", onCutoff)

	first, err := c.OpeningBalance(ctx, "P1", "WH1", jan20)
	require.NoError(t, err)
	second, err := c.OpeningBalance(ctx, "P1", "WH1", jan20)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assertQty(t, "120", first)

	_, err = c.OpeningBalance(ctx, "P1", "WH1", time.Time{})
	assert.ErrorIs(t, err, stock.ErrInvalidInput)
}

func TestOpeningBalance_IgnoresDraftAndCancelled(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedStock(t, c, "RCV-0", "P1", "WH1", "A-1", "100", jan1)

	_, err := c.CreateDocument(ctx, stock.DocumentInput{
		No: "ISS-1", TypeCode: typeIssue, WarehouseCode: "WH1", Date: jan1,
		Lines: []stock.LineInput{line("P1", "PCS", "40", "A-1")},
	}, actor)
	require.NoError(t, err)
	_, err = c.CreateDocument(ctx, stock.DocumentInput{
		No: "ISS-2", TypeCode: typeIssue, WarehouseCode: "WH1", Date: jan1,
		Lines: []stock.LineInput{line("P1", "PCS", "10", "A-1")},
	}, actor)
	require.NoError(t, err)
	_, err = c.Cancel(ctx, "ISS-2", actor)
	require.NoError(t, err)

	got, err := c.OpeningBalance(ctx, "P1", "WH1", feb1)
	require.NoError(t, err)
	assertQty(t, "100", got)
}

func TestOpeningBalance_MatchesSumOfApprovals(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedStock(t, c, "RCV-0", "P1", "WH1", "A-1", "100", jan1)
	seedStock(t, c, "RCV-1", "P1", "WH1", "B-1", "40", jan10)
	_, err := c.CreateDocument(ctx, stock.DocumentInput{
		No: "ISS-1", TypeCode: typeIssue, WarehouseCode: "WH1", Date: jan20,
		Lines: []stock.LineInput{line("P1", "PCS", "30", "A-1"), line("P1", "PCS", "15", "B-1")},
	}, actor)
	require.NoError(t, err)
	_, err = c.Approve(ctx, "ISS-1", actor)
	require.NoError(t, err)

	replayed, err := c.OpeningBalance(ctx, "P1", "WH1", feb1)
	require.NoError(t, err)
	booked := balance(t, c, key("P1", "WH1", "A-1")).Booked.Add(balance(t, c, key("P1", "WH1", "B-1")).Booked)
	assertQty(t, "95", replayed)
	assert.True(t, replayed.Equal(booked))
}

func TestStockCard_RunningBalance(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedStock(t, c, "RCV-0", "P1", "WH1", "A-1", "100", jan1)
	seedStock(t, c, "RCV-1", "P1", "WH1", "A-1", "20", jan10)
	_, err := c.CreateDocument(ctx, stock.DocumentInput{
		No: "ISS-1", TypeCode: typeIssue, WarehouseCode: "WH1", Date: jan20,
		Lines: []stock.LineInput{line("P1", "PCS", "50", "A-1")},
	}, actor)
	require.NoError(t, err)
	_, err = c.Approve(ctx, "ISS-1", actor)
	require.NoError(t, err)

	card, err := c.StockCard(ctx, "P1", "WH1", jan10, feb1)
	require.NoError(t, err)

	assertQty(t, "100", card.Opening)
	require.Len(t, card.Entries, 2)
	assertQty(t, "120", card.Entries[0].Balance)
	assertQty(t, "70", card.Entries[1].Balance)
	assertQty(t, "70", card.Closing)

	_, err = c.StockCard(ctx, "P1", "WH1", feb1, jan1)
	assert.ErrorIs(t, err, stock.ErrInvalidInput)
}
