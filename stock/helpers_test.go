package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/stock/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	typeReceipt  = "RCV"
	typeIssue    = "ISS"
	typeAdjustIn = "ADJ-IN"
	typeTransfer = "TRF"

	actor = "user-1"
)

var (
	jan1  = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	jan10 = time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	jan20 = time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC)
	feb1  = time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertQty(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func testReferenceData() stock.ReferenceData {
	return stock.ReferenceData{
		Directives: []stock.Directive{
			{TypeCode: typeReceipt, Name: "Goods receipt", Direction: stock.DirectionIn},
			{TypeCode: typeIssue, Name: "Goods issue", Direction: stock.DirectionOut},
			{TypeCode: typeAdjustIn, Name: "Adjustment in", Direction: stock.DirectionIn},
			{TypeCode: typeTransfer, Name: "Warehouse transfer", Transfer: true},
		},
		UOMs: map[string]stock.UOMTable{
			"P1": {BaseUOM: "PCS", Ratios: map[string]decimal.Decimal{"BOX": dec("12")}},
			"P2": {BaseUOM: "PCS", Ratios: map[string]decimal.Decimal{"PACK": dec("6")}},
		},
	}
}

func testReference(t *testing.T) *stock.Reference {
	t.Helper()
	ref, err := testReferenceData().Build()
	require.NoError(t, err)
	return ref
}

func newTestCoordinator(t *testing.T) (*stock.Coordinator, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	return newCoordinatorOn(t, mem), mem
}

func newCoordinatorOn(t *testing.T, s stock.TxStore) *stock.Coordinator {
	t.Helper()
	return stock.NewCoordinator(s, testReference(t), stock.CoordinatorOptions{
		Logger:      zerolog.Nop(),
		Retry:       stock.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		LockTimeout: 5 * time.Second,
	})
}

func key(product, warehouse, location string) stock.Key {
	return stock.Key{ProductCode: product, WarehouseCode: warehouse, LocationCode: location}
}

func line(product, uom, qty, location string) stock.LineInput {
	return stock.LineInput{ProductCode: product, UOMCode: uom, Quantity: dec(qty), LocationCode: location}
}

// seedStock books qty pieces of product at warehouse/location with an approved receipt.
func seedStock(t *testing.T, c *stock.Coordinator, no, product, warehouse, location, qty string, date time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateDocument(ctx, stock.DocumentInput{
		No:            no,
		TypeCode:      typeReceipt,
		WarehouseCode: warehouse,
		Date:          date,
		Lines:         []stock.LineInput{line(product, "PCS", qty, location)},
	}, actor)
	require.NoError(t, err)
	_, err = c.Approve(ctx, no, actor)
	require.NoError(t, err)
}

func balance(t *testing.T, c *stock.Coordinator, k stock.Key) stock.Balance {
	t.Helper()
	b, err := c.Balance(context.Background(), k)
	require.NoError(t, err)
	return b
}

func assertInvariant(t *testing.T, b stock.Balance) {
	t.Helper()
	assert.False(t, b.Booked.IsNegative(), "booked negative for %s", b.Key)
	assert.False(t, b.ReservedIn.IsNegative(), "reserved in negative for %s", b.Key)
	assert.False(t, b.ReservedOut.IsNegative(), "reserved out negative for %s", b.Key)
	assert.False(t, b.Available().IsNegative(), "available negative for %s", b.Key)
}
