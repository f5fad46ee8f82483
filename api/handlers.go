/*
handlers.go - HTTP API handlers for the stock engine

PURPOSE:
  Exposes the document coordinator and ledger reads via REST API. Handles
  HTTP request/response, JSON serialization and validation, and delegates
  everything else to stock.Coordinator.

ENDPOINTS:
  Documents:
    POST   /api/documents                          Create DRAFT with lines
    GET    /api/documents/{no}                     Get document
    POST   /api/documents/{no}/lines               Add line
    PUT    /api/documents/{no}/lines/{lineID}      Edit line
    DELETE /api/documents/{no}/lines/{lineID}      Remove line (?actor_id=)
    POST   /api/documents/{no}/approve             Approve
    POST   /api/documents/{no}/cancel              Cancel

  Ledger:
    GET    /api/availability       ?product=&warehouse=&location=
    GET    /api/balances           ?product=&warehouse=[&location=]
    GET    /api/opening-balance    ?product=&warehouse=&as_of=
    GET    /api/stock-card         ?product=&warehouse=&from=[&to=]
    GET    /api/stock-logs         ?document_no=&product=&warehouse=&limit=
    GET    /api/reconciliation     [?product=&warehouse=]

  Reference data:
    GET    /api/reference          Current document types and UOM tables
    POST   /api/reference          Replace them (factory JSON)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, failed validation, invalid input
  - 404: Document or line not found
  - 409: Invalid transition, duplicate number, unresolved concurrent update
  - 422: Insufficient stock or reservation, unknown UOM or document type
  - 503: Lock wait timed out or request cancelled
  - 500: Storage failure

SECURITY NOTE:
  No authentication. actor_id in the body is trusted as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/factory"
	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the handler manages directly, outside the
// coordinator: persisted reference data and demo resets.
type Backend interface {
	stock.ReferenceStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *stock.Coordinator
	Backend     Backend

	log      zerolog.Logger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. backend may be nil, which disables
// reference persistence and scenario resets.
func NewHandler(c *stock.Coordinator, backend Backend, log zerolog.Logger) *Handler {
	return &Handler{
		Coordinator: c,
		Backend:     backend,
		log:         log.With().Str("component", "api").Logger(),
		validate:    validator.New(),
	}
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// CreateDocument creates a DRAFT document and reserves its lines.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := stock.DocumentInput{
		No:                       req.No,
		TypeCode:                 req.TypeCode,
		WarehouseCode:            req.WarehouseCode,
		DestinationWarehouseCode: req.DestinationWarehouseCode,
	}
	var err error
	if in.Date, err = parseDate(req.Date); err != nil {
		h.writeStockError(w, r, err)
		return
	}
	for _, lr := range req.Lines {
		li, err := toLineInput(lr)
		if err != nil {
			h.writeStockError(w, r, err)
			return
		}
		in.Lines = append(in.Lines, li)
	}

	res, err := h.Coordinator.CreateDocument(r.Context(), in, req.ActorID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// GetDocument returns one document with its lines.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Coordinator.Document(r.Context(), chi.URLParam(r, "no"))
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// AddLine appends and reserves a line on a DRAFT document.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req LineMutationRequest
	if !h.decode(w, r, &req) {
		return
	}
	li, err := toLineInput(req.LineRequest)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}

	res, err := h.Coordinator.AddLine(r.Context(), chi.URLParam(r, "no"), li, req.ActorID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// EditLine replaces a line: the old reservation is released, the new one taken.
func (h *Handler) EditLine(w http.ResponseWriter, r *http.Request) {
	var req LineMutationRequest
	if !h.decode(w, r, &req) {
		return
	}
	li, err := toLineInput(req.LineRequest)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}

	res, err := h.Coordinator.EditLine(r.Context(), chi.URLParam(r, "no"), chi.URLParam(r, "lineID"), li, req.ActorID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// RemoveLine releases and deletes a line. DELETE has no body, so the actor
// comes from the query string.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required", nil)
		return
	}

	res, err := h.Coordinator.RemoveLine(r.Context(), chi.URLParam(r, "no"), chi.URLParam(r, "lineID"), actorID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// ApproveDocument books every line of a DRAFT document.
func (h *Handler) ApproveDocument(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Coordinator.Approve(r.Context(), chi.URLParam(r, "no"), req.ActorID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// CancelDocument releases every reservation of a DRAFT document.
func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Coordinator.Cancel(r.Context(), chi.URLParam(r, "no"), req.ActorID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetAvailability returns booked minus reserved-out for one location.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}

	avail, err := h.Coordinator.AvailableQty(r.Context(), key)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{
		ProductCode:   key.ProductCode,
		WarehouseCode: key.WarehouseCode,
		LocationCode:  key.LocationCode,
		Available:     avail,
	})
}

// GetBalances returns location balances with their lots. Without location
// every location of the product in the warehouse is listed.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product, warehouse, location := q.Get("product"), q.Get("warehouse"), q.Get("location")
	if product == "" || warehouse == "" {
		writeError(w, http.StatusBadRequest, "product and warehouse are required", nil)
		return
	}
	ctx := r.Context()

	var rows []stock.Balance
	if location != "" {
		b, err := h.Coordinator.Balance(ctx, stock.Key{ProductCode: product, WarehouseCode: warehouse, LocationCode: location})
		if err != nil {
			h.writeStockError(w, r, err)
			return
		}
		rows = []stock.Balance{b}
	} else {
		var err error
		if rows, err = h.Coordinator.Balances(ctx, product, warehouse); err != nil {
			h.writeStockError(w, r, err)
			return
		}
	}

	dtos := make([]BalanceDetailDTO, 0, len(rows))
	for _, b := range rows {
		lots, err := h.Coordinator.LotBalances(ctx, b.Key)
		if err != nil {
			h.writeStockError(w, r, err)
			return
		}
		detail := BalanceDetailDTO{BalanceDTO: toBalanceDTO(b), Lots: make([]LotBalanceDTO, len(lots))}
		for i, l := range lots {
			detail.Lots[i] = LotBalanceDTO{
				ManufactureDate: formatDate(l.Lot.ManufactureDate),
				ExpiryDate:      formatDate(l.Lot.ExpiryDate),
				Booked:          l.Booked,
				ReservedIn:      l.ReservedIn,
				ReservedOut:     l.ReservedOut,
				Available:       l.Available(),
			}
		}
		dtos = append(dtos, detail)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOpeningBalance replays approved documents dated strictly before as_of.
func (h *Handler) GetOpeningBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product, warehouse := q.Get("product"), q.Get("warehouse")
	if product == "" || warehouse == "" {
		writeError(w, http.StatusBadRequest, "product and warehouse are required", nil)
		return
	}
	asOf, err := parseDate(q.Get("as_of"))
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}

	qty, err := h.Coordinator.OpeningBalance(r.Context(), product, warehouse, asOf)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OpeningBalanceDTO{
		ProductCode:   product,
		WarehouseCode: warehouse,
		AsOf:          formatDate(asOf),
		Quantity:      qty,
	})
}

// GetStockCard returns opening, movements and closing over [from, to).
func (h *Handler) GetStockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product, warehouse := q.Get("product"), q.Get("warehouse")
	if product == "" || warehouse == "" {
		writeError(w, http.StatusBadRequest, "product and warehouse are required", nil)
		return
	}
	from, err := parseDate(q.Get("from"))
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	var to time.Time
	if raw := q.Get("to"); raw != "" {
		if to, err = parseDate(raw); err != nil {
			h.writeStockError(w, r, err)
			return
		}
	}

	card, err := h.Coordinator.StockCard(r.Context(), product, warehouse, from, to)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockCardDTO(card))
}

// ListStockLogs returns audit records in append order.
func (h *Handler) ListStockLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stock.StockLogFilter{
		DocumentNo:    q.Get("document_no"),
		ProductCode:   q.Get("product"),
		WarehouseCode: q.Get("warehouse"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		filter.Limit = n
	}

	logs, err := h.Coordinator.StockLogs(r.Context(), filter)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	dtos := make([]StockLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toStockLogDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliation reconciles one product/warehouse, or all of them when
// neither is given.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product, warehouse := q.Get("product"), q.Get("warehouse")

	if product == "" && warehouse == "" {
		all, err := h.Coordinator.ReconcileAll(r.Context())
		if err != nil {
			h.writeStockError(w, r, err)
			return
		}
		dtos := make([]ReconciliationDTO, len(all))
		for i, rec := range all {
			dtos[i] = toReconciliationDTO(rec)
		}
		writeJSON(w, http.StatusOK, dtos)
		return
	}
	if product == "" || warehouse == "" {
		writeError(w, http.StatusBadRequest, "product and warehouse must be given together", nil)
		return
	}

	rec, err := h.Coordinator.Reconcile(r.Context(), product, warehouse)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

// GetReference returns the reference data the coordinator is using.
func (h *Handler) GetReference(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.ToJSON(h.Coordinator.Reference().Data()))
}

// UpdateReference validates, persists and activates new reference data.
// Documents already planned keep the data they started with.
func (h *Handler) UpdateReference(w http.ResponseWriter, r *http.Request) {
	var rj factory.ReferenceJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	data, err := factory.FromJSON(rj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reference data", err)
		return
	}
	ref, err := data.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reference data", err)
		return
	}

	if h.Backend != nil {
		if err := h.Backend.SaveReference(r.Context(), data); err != nil {
			h.writeStockError(w, r, stock.Persistence("save reference", err))
			return
		}
	}
	h.Coordinator.SetReference(ref)

	h.log.Info().
		Int("document_types", len(data.Directives)).
		Int("uom_tables", len(data.UOMs)).
		Msg("reference data replaced")
	writeJSON(w, http.StatusOK, factory.ToJSON(data))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads and validates a JSON body. It writes the 400 itself and
// reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = formatValidationError(fe)
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
		return false
	}
	return true
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "numeric":
		return "must be a decimal number"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	default:
		return "invalid value"
	}
}

// writeStockError maps engine errors onto HTTP statuses.
func (h *Handler) writeStockError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var (
		stockErr *stock.InsufficientStockError
		resErr   *stock.InsufficientReservationError
		inputErr *stock.InvalidInputError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &stockErr):
		status = http.StatusUnprocessableEntity
		shortfall := stockErr.Shortfall()
		resp.Key, resp.Available, resp.Requested, resp.Shortfall = stockErr.Key, &stockErr.Available, &stockErr.Requested, &shortfall
	case errors.As(err, &resErr):
		status = http.StatusUnprocessableEntity
		shortfall := resErr.Shortfall()
		resp.Key, resp.Available, resp.Requested, resp.Shortfall = resErr.Key, &resErr.Reserved, &resErr.Requested, &shortfall
	case errors.As(err, &inputErr):
		status = http.StatusBadRequest
		resp.Fields = map[string]string{inputErr.Field: inputErr.Reason}
	case stock.IsNotFound(err):
		status = http.StatusNotFound
	case stock.IsClientError(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, stock.ErrInvalidTransition),
		errors.Is(err, stock.ErrDuplicateDocument),
		errors.Is(err, stock.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = http.StatusText(status)
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (stock.Key, bool) {
	q := r.URL.Query()
	key := stock.Key{ProductCode: q.Get("product"), WarehouseCode: q.Get("warehouse"), LocationCode: q.Get("location")}
	if key.ProductCode == "" || key.WarehouseCode == "" || key.LocationCode == "" {
		writeError(w, http.StatusBadRequest, "product, warehouse and location are required", nil)
		return stock.Key{}, false
	}
	return key, true
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &stock.InvalidInputError{Field: "date", Reason: "required"}
	}
	t, err := time.Parse(stock.DateLayout, s)
	if err != nil {
		return time.Time{}, &stock.InvalidInputError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	return t, nil
}

func toLineInput(lr LineRequest) (stock.LineInput, error) {
	qty, err := decimal.NewFromString(lr.Quantity)
	if err != nil {
		return stock.LineInput{}, &stock.InvalidInputError{Field: "quantity", Reason: "must be a decimal number"}
	}
	li := stock.LineInput{
		ProductCode:             lr.ProductCode,
		UOMCode:                 lr.UOMCode,
		Quantity:                qty,
		LocationCode:            lr.LocationCode,
		DestinationLocationCode: lr.DestinationLocationCode,
	}
	if lr.Lot != nil {
		lot := &stock.Lot{LotNo: lr.Lot.LotNo}
		if lr.Lot.ManufactureDate != "" {
			if lot.ManufactureDate, err = parseDate(lr.Lot.ManufactureDate); err != nil {
				return stock.LineInput{}, err
			}
		}
		if lr.Lot.ExpiryDate != "" {
			if lot.ExpiryDate, err = parseDate(lr.Lot.ExpiryDate); err != nil {
				return stock.LineInput{}, err
			}
		}
		li.Lot = lot
	}
	return li, nil
}
