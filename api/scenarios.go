/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	documents for testing and demos. Each scenario runs its documents
	through the coordinator, so balances, lots and stock logs are exactly
	what the API would have produced.

AVAILABLE SCENARIOS:

	receive-and-issue:  Receipt in boxes, approved issue, open DRAFT issue
	warehouse-transfer: Stock moved between two warehouses
	lot-expiry:         Two lots with different expiry dates, one partly issued
	over-reservation:   Availability fully promised to a DRAFT, second issue rejected

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Install the default reference data (factory.DefaultReference)
 3. Create and approve documents through the coordinator

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "lot-expiry"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to scenarioLoaders

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Document and ledger handlers
  - factory/reference.go: Default document types and UOM tables
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/factory"
	"github.com/warp/stock-engine/stock"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "receive-and-issue",
		Name:        "Receive and Issue",
		Description: "10 boxes of widgets received, 30 pieces issued, 24 more reserved by a DRAFT issue",
	},
	{
		ID:          "warehouse-transfer",
		Name:        "Warehouse Transfer",
		Description: "Gadgets received in WH-MAIN and half of them transferred to WH-EAST",
	},
	{
		ID:          "lot-expiry",
		Name:        "Lots and Expiry",
		Description: "Two syrup lots with different expiry dates, the older one partly issued",
	},
	{
		ID:          "over-reservation",
		Name:        "Over-Reservation",
		Description: "All available widgets promised to a DRAFT issue; a second issue is rejected",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"receive-and-issue":  h.loadReceiveAndIssueScenario,
		"warehouse-transfer": h.loadWarehouseTransferScenario,
		"lot-expiry":         h.loadLotExpiryScenario,
		"over-reservation":   h.loadOverReservationScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if h.Backend == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support resets", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data and reinstalls the default reference data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.Backend == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support resets", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	if err := h.Backend.Reset(ctx); err != nil {
		return err
	}
	data := factory.DefaultReference()
	ref, err := data.Build()
	if err != nil {
		return err
	}
	if err := h.Backend.SaveReference(ctx, data); err != nil {
		return err
	}
	h.Coordinator.SetReference(ref)
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadReceiveAndIssueScenario(ctx context.Context) error {
	today := stock.Day(time.Now().UTC())

	if err := h.createAndApprove(ctx, stock.DocumentInput{
		No:            "RCV-0001",
		TypeCode:      "RCV",
		WarehouseCode: "WH-MAIN",
		Date:          today.AddDate(0, 0, -7),
		Lines:         []stock.LineInput{line("WIDGET", "BOX", "10", "A-01", nil)},
	}); err != nil {
		return err
	}
	if err := h.createAndApprove(ctx, stock.DocumentInput{
		No:            "ISS-0001",
		TypeCode:      "ISS",
		WarehouseCode: "WH-MAIN",
		Date:          today.AddDate(0, 0, -2),
		Lines:         []stock.LineInput{line("WIDGET", "PCS", "30", "A-01", nil)},
	}); err != nil {
		return err
	}

	// Left in DRAFT: 24 pieces reserved out.
	_, err := h.Coordinator.CreateDocument(ctx, stock.DocumentInput{
		No:            "ISS-0002",
		TypeCode:      "ISS",
		WarehouseCode: "WH-MAIN",
		Date:          today,
		Lines:         []stock.LineInput{line("WIDGET", "BOX", "2", "A-01", nil)},
	}, scenarioActor)
	return err
}

func (h *Handler) loadWarehouseTransferScenario(ctx context.Context) error {
	today := stock.Day(time.Now().UTC())

	if err := h.createAndApprove(ctx, stock.DocumentInput{
		No:            "RCV-0001",
		TypeCode:      "RCV",
		WarehouseCode: "WH-MAIN",
		Date:          today.AddDate(0, 0, -3),
		Lines:         []stock.LineInput{line("GADGET", "PACK", "8", "B-01", nil)},
	}); err != nil {
		return err
	}

	in := stock.DocumentInput{
		No:                       "TRF-0001",
		TypeCode:                 "TRF",
		WarehouseCode:            "WH-MAIN",
		DestinationWarehouseCode: "WH-EAST",
		Date:                     today,
		Lines:                    []stock.LineInput{line("GADGET", "PCS", "24", "B-01", nil)},
	}
	in.Lines[0].DestinationLocationCode = "R-01"
	return h.createAndApprove(ctx, in)
}

func (h *Handler) loadLotExpiryScenario(ctx context.Context) error {
	today := stock.Day(time.Now().UTC())
	older := &stock.Lot{
		LotNo:           "SY-0101",
		ManufactureDate: today.AddDate(0, -6, 0),
		ExpiryDate:      today.AddDate(0, 1, 0),
	}
	newer := &stock.Lot{
		LotNo:           "SY-0102",
		ManufactureDate: today.AddDate(0, -1, 0),
		ExpiryDate:      today.AddDate(1, 0, 0),
	}

	if err := h.createAndApprove(ctx, stock.DocumentInput{
		No:            "RCV-0001",
		TypeCode:      "RCV",
		WarehouseCode: "WH-MAIN",
		Date:          today.AddDate(0, 0, -10),
		Lines: []stock.LineInput{
			line("SYRUP", "BOTTLE", "20", "C-01", older),
			line("SYRUP", "BOTTLE", "40", "C-01", newer),
		},
	}); err != nil {
		return err
	}
	return h.createAndApprove(ctx, stock.DocumentInput{
		No:            "ISS-0001",
		TypeCode:      "ISS",
		WarehouseCode: "WH-MAIN",
		Date:          today,
		Lines:         []stock.LineInput{line("SYRUP", "L", "6", "C-01", older)},
	})
}

func (h *Handler) loadOverReservationScenario(ctx context.Context) error {
	today := stock.Day(time.Now().UTC())

	if err := h.createAndApprove(ctx, stock.DocumentInput{
		No:            "RCV-0001",
		TypeCode:      "RCV",
		WarehouseCode: "WH-MAIN",
		Date:          today.AddDate(0, 0, -1),
		Lines:         []stock.LineInput{line("WIDGET", "BOX", "1", "A-01", nil)},
	}); err != nil {
		return err
	}
	if _, err := h.Coordinator.CreateDocument(ctx, stock.DocumentInput{
		No:            "ISS-0001",
		TypeCode:      "ISS",
		WarehouseCode: "WH-MAIN",
		Date:          today,
		Lines:         []stock.LineInput{line("WIDGET", "PCS", "12", "A-01", nil)},
	}, scenarioActor); err != nil {
		return err
	}

	_, err := h.Coordinator.CreateDocument(ctx, stock.DocumentInput{
		No:            "ISS-0002",
		TypeCode:      "ISS",
		WarehouseCode: "WH-MAIN",
		Date:          today,
		Lines:         []stock.LineInput{line("WIDGET", "PCS", "1", "A-01", nil)},
	}, scenarioActor)
	if !errors.Is(err, stock.ErrInsufficientStock) {
		return fmt.Errorf("expected ISS-0002 to be rejected, got %v", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) createAndApprove(ctx context.Context, in stock.DocumentInput) error {
	if _, err := h.Coordinator.CreateDocument(ctx, in, scenarioActor); err != nil {
		return fmt.Errorf("create %s: %w", in.No, err)
	}
	if _, err := h.Coordinator.Approve(ctx, in.No, scenarioActor); err != nil {
		return fmt.Errorf("approve %s: %w", in.No, err)
	}
	return nil
}

func line(product, uom, qty, location string, lot *stock.Lot) stock.LineInput {
	return stock.LineInput{
		ProductCode:  product,
		UOMCode:      uom,
		Quantity:     decimal.RequireFromString(qty),
		LocationCode: location,
		Lot:          lot,
	}
}
