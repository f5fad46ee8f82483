/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the stock package's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:
  Requests carry quantities as decimal strings ("12", "0.5"); responses
  render decimal.Decimal, which marshals as a quoted string. Floats never
  touch a quantity.

DATES:
  Calendar dates are YYYY-MM-DD. Timestamps are RFC3339.

VALIDATION:
  Request types carry go-playground/validator tags, checked by decode()
  before a handler sees the value. Business rules (positive quantity,
  known UOM, transfer destination) stay in the stock package.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/reference.go: ReferenceJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type LotRequest struct {
	ManufactureDate string `json:"manufacture_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate      string `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	LotNo           string `json:"lot_no" validate:"max=64"`
}

// LineRequest is one requested line.
type LineRequest struct {
	ProductCode             string      `json:"product_code" validate:"required,max=64"`
	UOMCode                 string      `json:"uom_code" validate:"required,max=32"`
	Quantity                string      `json:"quantity" validate:"required,numeric"`
	LocationCode            string      `json:"location_code" validate:"required,max=64"`
	DestinationLocationCode string      `json:"destination_location_code,omitempty" validate:"max=64"`
	Lot                     *LotRequest `json:"lot,omitempty"`
}

// CreateDocumentRequest creates a DRAFT document. An empty no is generated.
type CreateDocumentRequest struct {
	No                       string        `json:"no" validate:"max=64"`
	TypeCode                 string        `json:"type_code" validate:"required,max=32"`
	WarehouseCode            string        `json:"warehouse_code" validate:"required,max=64"`
	DestinationWarehouseCode string        `json:"destination_warehouse_code,omitempty" validate:"max=64"`
	Date                     string        `json:"date" validate:"required,datetime=2006-01-02"`
	Lines                    []LineRequest `json:"lines" validate:"dive"`
	ActorID                  string        `json:"actor_id" validate:"required"`
}

// LineMutationRequest adds or edits a line.
type LineMutationRequest struct {
	LineRequest
	ActorID string `json:"actor_id" validate:"required"`
}

// ActorRequest is the body of approve and cancel.
type ActorRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type LotDTO struct {
	ManufactureDate string `json:"manufacture_date,omitempty"`
	ExpiryDate      string `json:"expiry_date,omitempty"`
	LotNo           string `json:"lot_no,omitempty"`
}

type LineDTO struct {
	ID                      string          `json:"id"`
	Seq                     int             `json:"seq"`
	ProductCode             string          `json:"product_code"`
	UOMCode                 string          `json:"uom_code"`
	Quantity                decimal.Decimal `json:"quantity"`
	Ratio                   decimal.Decimal `json:"ratio"`
	PieceQty                decimal.Decimal `json:"piece_qty"`
	LocationCode            string          `json:"location_code"`
	DestinationLocationCode string          `json:"destination_location_code,omitempty"`
	Lot                     *LotDTO         `json:"lot,omitempty"`
}

type DocumentDTO struct {
	No                       string    `json:"no"`
	TypeCode                 string    `json:"type_code"`
	WarehouseCode            string    `json:"warehouse_code"`
	DestinationWarehouseCode string    `json:"destination_warehouse_code,omitempty"`
	Date                     string    `json:"date"`
	Status                   string    `json:"status"`
	Direction                string    `json:"direction,omitempty"`
	Transfer                 bool      `json:"transfer,omitempty"`
	Version                  int64     `json:"version"`
	Lines                    []LineDTO `json:"lines"`
	CreatedBy                string    `json:"created_by,omitempty"`
	CreatedAt                string    `json:"created_at,omitempty"`
	UpdatedAt                string    `json:"updated_at,omitempty"`
	CompletedBy              string    `json:"completed_by,omitempty"`
	CompletedAt              string    `json:"completed_at,omitempty"`
}

type BalanceDTO struct {
	ProductCode   string          `json:"product_code"`
	WarehouseCode string          `json:"warehouse_code"`
	LocationCode  string          `json:"location_code"`
	Booked        decimal.Decimal `json:"booked"`
	ReservedIn    decimal.Decimal `json:"reserved_in"`
	ReservedOut   decimal.Decimal `json:"reserved_out"`
	Available     decimal.Decimal `json:"available"`
	Version       int64           `json:"version"`
}

type LotBalanceDTO struct {
	ManufactureDate string          `json:"manufacture_date,omitempty"`
	ExpiryDate      string          `json:"expiry_date,omitempty"`
	Booked          decimal.Decimal `json:"booked"`
	ReservedIn      decimal.Decimal `json:"reserved_in"`
	ReservedOut     decimal.Decimal `json:"reserved_out"`
	Available       decimal.Decimal `json:"available"`
}

// BalanceDetailDTO is a location balance together with its lots.
type BalanceDetailDTO struct {
	BalanceDTO
	Lots []LotBalanceDTO `json:"lots"`
}

// ResultDTO is the response of every document mutation.
type ResultDTO struct {
	Document DocumentDTO  `json:"document"`
	Balances []BalanceDTO `json:"balances"`
}

type AvailabilityDTO struct {
	ProductCode   string          `json:"product_code"`
	WarehouseCode string          `json:"warehouse_code"`
	LocationCode  string          `json:"location_code"`
	Available     decimal.Decimal `json:"available"`
}

type OpeningBalanceDTO struct {
	ProductCode   string          `json:"product_code"`
	WarehouseCode string          `json:"warehouse_code"`
	AsOf          string          `json:"as_of"`
	Quantity      decimal.Decimal `json:"quantity"`
}

type LedgerEntryDTO struct {
	Date         string          `json:"date"`
	DocumentNo   string          `json:"document_no"`
	TypeCode     string          `json:"type_code"`
	LineID       string          `json:"line_id"`
	LocationCode string          `json:"location_code"`
	Direction    string          `json:"direction"`
	PieceQty     decimal.Decimal `json:"piece_qty"`
	Balance      decimal.Decimal `json:"balance"`
}

type StockCardDTO struct {
	ProductCode   string           `json:"product_code"`
	WarehouseCode string           `json:"warehouse_code"`
	From          string           `json:"from"`
	To            string           `json:"to,omitempty"`
	Opening       decimal.Decimal  `json:"opening"`
	Entries       []LedgerEntryDTO `json:"entries"`
	Closing       decimal.Decimal  `json:"closing"`
}

type StockLogDTO struct {
	ID                string          `json:"id"`
	Function          string          `json:"function"`
	DocumentNo        string          `json:"document_no"`
	LineID            string          `json:"line_id,omitempty"`
	ProductCode       string          `json:"product_code"`
	WarehouseCode     string          `json:"warehouse_code"`
	LocationCode      string          `json:"location_code"`
	Lot               *LotDTO         `json:"lot,omitempty"`
	Direction         string          `json:"direction"`
	BookedBefore      decimal.Decimal `json:"booked_before"`
	BookedAfter       decimal.Decimal `json:"booked_after"`
	ReservedInBefore  decimal.Decimal `json:"reserved_in_before"`
	ReservedInAfter   decimal.Decimal `json:"reserved_in_after"`
	ReservedOutBefore decimal.Decimal `json:"reserved_out_before"`
	ReservedOutAfter  decimal.Decimal `json:"reserved_out_after"`
	PieceQtyDelta     decimal.Decimal `json:"piece_qty_delta"`
	ActorID           string          `json:"actor_id"`
	At                string          `json:"at"`
}

type ReconciliationDTO struct {
	ProductCode   string          `json:"product_code"`
	WarehouseCode string          `json:"warehouse_code"`
	Replayed      decimal.Decimal `json:"replayed"`
	Booked        decimal.Decimal `json:"booked"`
	Difference    decimal.Decimal `json:"difference"`
	Balanced      bool            `json:"balanced"`
	CheckedAt     string          `json:"checked_at"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response. Shortage fields are
// set for insufficient stock and reservation errors.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Details   string            `json:"details,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Key       string            `json:"key,omitempty"`
	Available *decimal.Decimal  `json:"available,omitempty"`
	Requested *decimal.Decimal  `json:"requested,omitempty"`
	Shortfall *decimal.Decimal  `json:"shortfall,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(stock.DateLayout)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toLotDTO(l *stock.Lot) *LotDTO {
	if l == nil {
		return nil
	}
	return &LotDTO{ManufactureDate: formatDate(l.ManufactureDate), ExpiryDate: formatDate(l.ExpiryDate), LotNo: l.LotNo}
}

func toDocumentDTO(d stock.Document) DocumentDTO {
	dto := DocumentDTO{
		No:                       d.No,
		TypeCode:                 d.TypeCode,
		WarehouseCode:            d.WarehouseCode,
		DestinationWarehouseCode: d.DestinationWarehouseCode,
		Date:                     formatDate(d.Date),
		Status:                   string(d.Status),
		Direction:                string(d.Direction),
		Transfer:                 d.Transfer,
		Version:                  d.Version,
		Lines:                    make([]LineDTO, len(d.Lines)),
		CreatedBy:                d.CreatedBy,
		CreatedAt:                formatTime(d.CreatedAt),
		UpdatedAt:                formatTime(d.UpdatedAt),
		CompletedBy:              d.CompletedBy,
	}
	if d.CompletedAt != nil {
		dto.CompletedAt = formatTime(*d.CompletedAt)
	}
	for i, l := range d.Lines {
		dto.Lines[i] = LineDTO{
			ID:                      l.ID,
			Seq:                     l.Seq,
			ProductCode:             l.ProductCode,
			UOMCode:                 l.UOMCode,
			Quantity:                l.Quantity,
			Ratio:                   l.Ratio,
			PieceQty:                l.PieceQty,
			LocationCode:            l.LocationCode,
			DestinationLocationCode: l.DestinationLocationCode,
			Lot:                     toLotDTO(l.Lot),
		}
	}
	return dto
}

func toBalanceDTO(b stock.Balance) BalanceDTO {
	return BalanceDTO{
		ProductCode:   b.Key.ProductCode,
		WarehouseCode: b.Key.WarehouseCode,
		LocationCode:  b.Key.LocationCode,
		Booked:        b.Booked,
		ReservedIn:    b.ReservedIn,
		ReservedOut:   b.ReservedOut,
		Available:     b.Available(),
		Version:       b.Version,
	}
}

func toResultDTO(res stock.Result) ResultDTO {
	dto := ResultDTO{Document: toDocumentDTO(res.Document), Balances: make([]BalanceDTO, len(res.Balances))}
	for i, b := range res.Balances {
		dto.Balances[i] = toBalanceDTO(b)
	}
	return dto
}

func toStockCardDTO(c stock.StockCard) StockCardDTO {
	dto := StockCardDTO{
		ProductCode:   c.ProductCode,
		WarehouseCode: c.WarehouseCode,
		From:          formatDate(c.From),
		To:            formatDate(c.To),
		Opening:       c.Opening,
		Entries:       make([]LedgerEntryDTO, len(c.Entries)),
		Closing:       c.Closing,
	}
	for i, e := range c.Entries {
		dto.Entries[i] = LedgerEntryDTO{
			Date:         formatDate(e.Date),
			DocumentNo:   e.DocumentNo,
			TypeCode:     e.TypeCode,
			LineID:       e.LineID,
			LocationCode: e.LocationCode,
			Direction:    string(e.Direction),
			PieceQty:     e.PieceQty,
			Balance:      e.Balance,
		}
	}
	return dto
}

func toStockLogDTO(l stock.StockLog) StockLogDTO {
	dto := StockLogDTO{
		ID:                l.ID,
		Function:          string(l.Function),
		DocumentNo:        l.DocumentNo,
		LineID:            l.LineID,
		ProductCode:       l.Key.ProductCode,
		WarehouseCode:     l.Key.WarehouseCode,
		LocationCode:      l.Key.LocationCode,
		Direction:         string(l.Direction),
		BookedBefore:      l.BookedBefore,
		BookedAfter:       l.BookedAfter,
		ReservedInBefore:  l.ReservedInBefore,
		ReservedInAfter:   l.ReservedInAfter,
		ReservedOutBefore: l.ReservedOutBefore,
		ReservedOutAfter:  l.ReservedOutAfter,
		PieceQtyDelta:     l.PieceQtyDelta,
		ActorID:           l.ActorID,
		At:                formatTime(l.At),
	}
	if l.Lot != nil {
		dto.Lot = &LotDTO{ManufactureDate: formatDate(l.Lot.ManufactureDate), ExpiryDate: formatDate(l.Lot.ExpiryDate)}
	}
	return dto
}

func toReconciliationDTO(r stock.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		ProductCode:   r.ProductCode,
		WarehouseCode: r.WarehouseCode,
		Replayed:      r.Replayed,
		Booked:        r.Booked,
		Difference:    r.Difference,
		Balanced:      r.Balanced(),
		CheckedAt:     formatTime(r.CheckedAt),
	}
}
