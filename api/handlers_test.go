/*
handlers_test.go - HTTP tests for document and ledger handlers

Tests for:
- Document lifecycle over HTTP (create, lines, approve, cancel)
- Error mapping (validation, shortage, not found, invalid transition)
- Ledger reads (availability, balances, stock card, logs, reconciliation)
- Reference data replacement
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/factory"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/stock/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
	mem     *store.TxMemory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	data := factory.DefaultReference()
	ref, err := data.Build()
	require.NoError(t, err)
	require.NoError(t, mem.SaveReference(context.Background(), data))

	c := stock.NewCoordinator(mem, ref, stock.CoordinatorOptions{Logger: zerolog.Nop()})
	h := NewHandler(c, mem, zerolog.Nop())
	return &testServer{
		handler: h,
		router:  NewRouter(h, RouterOptions{Logger: zerolog.Nop(), MetricsHandler: http.NotFoundHandler()}),
		mem:     mem,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertQty(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.String())
}

func receipt(no, product, uom, qty string) CreateDocumentRequest {
	return CreateDocumentRequest{
		No:            no,
		TypeCode:      "RCV",
		WarehouseCode: "WH1",
		Date:          "2025-03-01",
		ActorID:       "clerk",
		Lines: []LineRequest{
			{ProductCode: product, UOMCode: uom, Quantity: qty, LocationCode: "A-01"},
		},
	}
}

func issue(no, product, uom, qty string) CreateDocumentRequest {
	req := receipt(no, product, uom, qty)
	req.TypeCode = "ISS"
	req.Date = "2025-03-05"
	return req
}

// receiveWidgets books 10 boxes (120 PCS) of WIDGET into WH1/A-01.
func (ts *testServer) receiveWidgets(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/documents", receipt("RCV-1", "WIDGET", "BOX", "10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/documents/RCV-1/approve", ActorRequest{ActorID: "clerk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// DOCUMENT LIFECYCLE
// =============================================================================

func TestCreateDocument_ReservesIncoming(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/documents", receipt("RCV-1", "WIDGET", "BOX", "2"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decodeBody[ResultDTO](t, rec)
	assert.Equal(t, "DRAFT", res.Document.Status)
	require.Len(t, res.Document.Lines, 1)
	assertQty(t, "24", res.Document.Lines[0].PieceQty)
	require.Len(t, res.Balances, 1)
	assertQty(t, "24", res.Balances[0].ReservedIn)
	assertQty(t, "0", res.Balances[0].Booked)
}

func TestApproveDocument_BooksStock(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodGet, "/api/availability?product=WIDGET&warehouse=WH1&location=A-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertQty(t, "120", decodeBody[AvailabilityDTO](t, rec).Available)

	rec = ts.do(t, http.MethodGet, "/api/documents/RCV-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody[DocumentDTO](t, rec)
	assert.Equal(t, "APPROVED", doc.Status)
	assert.Equal(t, "clerk", doc.CompletedBy)
}

func TestLineMutations(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodPost, "/api/documents", issue("ISS-1", "WIDGET", "PCS", "10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Add a second line
	rec = ts.do(t, http.MethodPost, "/api/documents/ISS-1/lines", LineMutationRequest{
		LineRequest: LineRequest{ProductCode: "WIDGET", UOMCode: "BOX", Quantity: "1", LocationCode: "A-01"},
		ActorID:     "clerk",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeBody[ResultDTO](t, rec).Document
	require.Len(t, doc.Lines, 2)
	second := doc.Lines[1].ID

	// Edit it down to 5 pieces
	rec = ts.do(t, http.MethodPut, "/api/documents/ISS-1/lines/"+second, LineMutationRequest{
		LineRequest: LineRequest{ProductCode: "WIDGET", UOMCode: "PCS", Quantity: "5", LocationCode: "A-01"},
		ActorID:     "clerk",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/availability?product=WIDGET&warehouse=WH1&location=A-01", nil)
	assertQty(t, "105", decodeBody[AvailabilityDTO](t, rec).Available)

	// Remove it
	rec = ts.do(t, http.MethodDelete, "/api/documents/ISS-1/lines/"+second+"?actor_id=clerk", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[ResultDTO](t, rec).Document.Lines, 1)

	rec = ts.do(t, http.MethodGet, "/api/availability?product=WIDGET&warehouse=WH1&location=A-01", nil)
	assertQty(t, "110", decodeBody[AvailabilityDTO](t, rec).Available)
}

func TestRemoveLine_RequiresActor(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/api/documents/ISS-1/lines/x", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelDocument_ReleasesReservation(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)
	ts.do(t, http.MethodPost, "/api/documents", issue("ISS-1", "WIDGET", "PCS", "100"))

	rec := ts.do(t, http.MethodPost, "/api/documents/ISS-1/cancel", ActorRequest{ActorID: "clerk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody[ResultDTO](t, rec).Document.Status)

	rec = ts.do(t, http.MethodGet, "/api/availability?product=WIDGET&warehouse=WH1&location=A-01", nil)
	assertQty(t, "120", decodeBody[AvailabilityDTO](t, rec).Available)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestCreateDocument_ValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	req := receipt("RCV-1", "WIDGET", "BOX", "ten")
	req.ActorID = ""
	rec := ts.do(t, http.MethodPost, "/api/documents", req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "Validation failed", body.Error)
	assert.Contains(t, body.Fields, "CreateDocumentRequest.ActorID")
	assert.Contains(t, body.Fields, "CreateDocumentRequest.Lines[0].Quantity")
}

func TestCreateDocument_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDocument_InsufficientStock(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodPost, "/api/documents", issue("ISS-1", "WIDGET", "BOX", "11"))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "WIDGET|WH1|A-01", body.Key)
	require.NotNil(t, body.Shortfall)
	assertQty(t, "12", *body.Shortfall)
	assertQty(t, "120", *body.Available)
	assertQty(t, "132", *body.Requested)

	rec = ts.do(t, http.MethodGet, "/api/documents/ISS-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDocument_UnknownReferences(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  CreateDocumentRequest
	}{
		{"unknown UOM", receipt("RCV-1", "WIDGET", "CRATE", "1")},
		{"unknown product", receipt("RCV-1", "NOPE", "PCS", "1")},
		{"unknown type", func() CreateDocumentRequest {
			r := receipt("RCV-1", "WIDGET", "PCS", "1")
			r.TypeCode = "XYZ"
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/documents", tt.req)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateDocument_Duplicate(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodPost, "/api/documents", receipt("RCV-1", "WIDGET", "BOX", "1"))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprove_InvalidTransition(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodPost, "/api/documents/RCV-1/approve", ActorRequest{ActorID: "clerk"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/documents/RCV-1/cancel", ActorRequest{ActorID: "clerk"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDocumentNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/documents/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/documents/NOPE/approve", ActorRequest{ActorID: "clerk"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteStockError_Infrastructure(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/X", nil)

	ts.handler.writeStockError(rec, req, stock.Persistence("load document", assert.AnError))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decodeBody[ErrorResponse](t, rec).Error)
}

func TestWriteStockError_Timeout(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/X", nil)

	ts.handler.writeStockError(rec, req, context.DeadlineExceeded)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// LEDGER READS
// =============================================================================

func TestGetBalances(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)
	ts.do(t, http.MethodPost, "/api/documents", issue("ISS-1", "WIDGET", "PCS", "20"))

	rec := ts.do(t, http.MethodGet, "/api/balances?product=WIDGET&warehouse=WH1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]BalanceDetailDTO](t, rec)
	require.Len(t, rows, 1)
	assertQty(t, "120", rows[0].Booked)
	assertQty(t, "20", rows[0].ReservedOut)
	assertQty(t, "100", rows[0].Available)

	rec = ts.do(t, http.MethodGet, "/api/balances?product=WIDGET", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalances_WithLots(t *testing.T) {
	ts := newTestServer(t)
	req := receipt("RCV-1", "SYRUP", "BOTTLE", "2")
	req.Lines[0].Lot = &LotRequest{ManufactureDate: "2025-01-01", ExpiryDate: "2026-01-01", LotNo: "L1"}
	rec := ts.do(t, http.MethodPost, "/api/documents", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/balances?product=SYRUP&warehouse=WH1&location=A-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]BalanceDetailDTO](t, rec)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Lots, 1)
	assert.Equal(t, "2026-01-01", rows[0].Lots[0].ExpiryDate)
	assertQty(t, "1500", rows[0].Lots[0].ReservedIn)
}

func TestGetAvailability_RequiresKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/availability?product=WIDGET&warehouse=WH1", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStockCardAndOpeningBalance(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)
	ts.do(t, http.MethodPost, "/api/documents", issue("ISS-1", "WIDGET", "PCS", "20"))
	rec := ts.do(t, http.MethodPost, "/api/documents/ISS-1/approve", ActorRequest{ActorID: "clerk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/opening-balance?product=WIDGET&warehouse=WH1&as_of=2025-03-05", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertQty(t, "120", decodeBody[OpeningBalanceDTO](t, rec).Quantity)

	rec = ts.do(t, http.MethodGet, "/api/stock-card?product=WIDGET&warehouse=WH1&from=2025-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	card := decodeBody[StockCardDTO](t, rec)
	assertQty(t, "120", card.Opening)
	require.Len(t, card.Entries, 1)
	assert.Equal(t, "ISS-1", card.Entries[0].DocumentNo)
	assertQty(t, "100", card.Closing)

	rec = ts.do(t, http.MethodGet, "/api/stock-card?product=WIDGET&warehouse=WH1&from=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListStockLogs(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodGet, "/api/stock-logs?document_no=RCV-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]StockLogDTO](t, rec)
	require.Len(t, logs, 2)
	assert.Equal(t, "RCV-1", logs[0].DocumentNo)

	rec = ts.do(t, http.MethodGet, "/api/stock-logs?limit=1", nil)
	assert.Len(t, decodeBody[[]StockLogDTO](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/stock-logs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReconciliation(t *testing.T) {
	ts := newTestServer(t)
	ts.receiveWidgets(t)

	rec := ts.do(t, http.MethodGet, "/api/reconciliation?product=WIDGET&warehouse=WH1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[ReconciliationDTO](t, rec).Balanced)

	rec = ts.do(t, http.MethodGet, "/api/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[[]ReconciliationDTO](t, rec)
	require.Len(t, all, 1)
	assert.True(t, all[0].Balanced)

	rec = ts.do(t, http.MethodGet, "/api/reconciliation?product=WIDGET", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func TestReference_GetAndReplace(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/reference", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[factory.ReferenceJSON](t, rec)
	assert.NotEmpty(t, current.DocumentTypes)

	replacement := factory.ReferenceJSON{
		DocumentTypes: []factory.DocumentTypeJSON{{TypeCode: "IN", Name: "In", Direction: "IN"}},
		UOMs: []factory.UOMTableJSON{{
			ProductCode: "BOLT",
			BaseUOM:     "PCS",
			Units:       []factory.UnitJSON{{UOMCode: "BAG", Ratio: decimal.NewFromInt(100)}},
		}},
	}
	rec = ts.do(t, http.MethodPost, "/api/reference", replacement)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Persisted and active
	saved, err := ts.mem.LoadReference(context.Background())
	require.NoError(t, err)
	assert.Contains(t, saved.UOMs, "BOLT")

	req := receipt("IN-1", "BOLT", "BAG", "2")
	req.TypeCode = "IN"
	rec = ts.do(t, http.MethodPost, "/api/documents", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assertQty(t, "200", decodeBody[ResultDTO](t, rec).Document.Lines[0].PieceQty)

	rec = ts.do(t, http.MethodPost, "/api/documents", receipt("RCV-1", "WIDGET", "PCS", "1"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReference_RejectsInvalid(t *testing.T) {
	ts := newTestServer(t)

	invalid := factory.ReferenceJSON{
		DocumentTypes: []factory.DocumentTypeJSON{{TypeCode: "IN", Name: "In", Direction: "SIDEWAYS"}},
	}
	rec := ts.do(t, http.MethodPost, "/api/reference", invalid)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/documents", receipt("RCV-1", "WIDGET", "PCS", "1"))
	assert.Equal(t, http.StatusCreated, rec.Code)
}
