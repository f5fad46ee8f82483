// Package store provides in-process stock.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	balances  map[stock.Key]stock.Balance
	lots      map[stock.LotKey]stock.LotBalance
	documents map[string]stock.Document
	logs      []stock.StockLog
	reference stock.ReferenceData
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[stock.Key]stock.Balance),
		lots:      make(map[stock.LotKey]stock.LotBalance),
		documents: make(map[string]stock.Document),
		now:       time.Now,
	}
}

func (m *Memory) Balance(_ context.Context, key stock.Key) (stock.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(key), nil
}

// ApplyDelta is atomic per key: the whole delta lands or none of it.
func (m *Memory) ApplyDelta(_ context.Context, key stock.Key, d stock.Delta) (stock.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeltaLocked(key, d)
}

func (m *Memory) LotBalance(_ context.Context, lot stock.LotKey) (stock.LotBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotBalanceLocked(lot), nil
}

func (m *Memory) ApplyLotDelta(_ context.Context, lot stock.LotKey, d stock.Delta) (stock.LotBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLotDeltaLocked(lot, d)
}

func (m *Memory) LotBalances(_ context.Context, key stock.Key) ([]stock.LotBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotBalancesLocked(key), nil
}

func (m *Memory) Balances(_ context.Context, productCode, warehouseCode string) ([]stock.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balancesLocked(productCode, warehouseCode), nil
}

func (m *Memory) Keys(_ context.Context) ([]stock.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keysLocked(), nil
}

func (m *Memory) Document(_ context.Context, no string) (stock.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.documentLocked(no)
}

func (m *Memory) InsertDocument(_ context.Context, doc stock.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertDocumentLocked(doc)
}

func (m *Memory) UpdateDocument(_ context.Context, doc stock.Document, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDocumentLocked(doc, expectedVersion)
}

func (m *Memory) ApprovedDocuments(_ context.Context, productCode, warehouseCode string, before time.Time) ([]stock.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approvedDocumentsLocked(productCode, warehouseCode, before), nil
}

// AppendLog adds an audit record. Append-only.
func (m *Memory) AppendLog(_ context.Context, entry stock.StockLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) Logs(_ context.Context, filter stock.StockLogFilter) ([]stock.StockLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logsLocked(filter), nil
}

// SaveReference replaces the stored reference data.
func (m *Memory) SaveReference(_ context.Context, data stock.ReferenceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reference = data.Clone()
	return nil
}

func (m *Memory) LoadReference(_ context.Context) (stock.ReferenceData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reference.Clone(), nil
}

// Reset discards every balance, document, log record and the reference data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = make(map[stock.Key]stock.Balance)
	m.lots = make(map[stock.LotKey]stock.LotBalance)
	m.documents = make(map[string]stock.Document)
	m.logs = nil
	m.reference = stock.ReferenceData{}
	return nil
}

// =============================================================================
// LOCKED HELPERS - caller holds mu
// =============================================================================

func (m *Memory) balanceLocked(key stock.Key) stock.Balance {
	if b, ok := m.balances[key]; ok {
		return b
	}
	return stock.Balance{Key: key}
}

func (m *Memory) applyDeltaLocked(key stock.Key, d stock.Delta) (stock.Balance, error) {
	next, err := m.balanceLocked(key).Apply(d)
	if err != nil {
		return stock.Balance{}, err
	}
	next.UpdatedAt = m.now()
	m.balances[key] = next
	return next, nil
}

func (m *Memory) lotBalanceLocked(lot stock.LotKey) stock.LotBalance {
	if b, ok := m.lots[lot]; ok {
		return b
	}
	return stock.LotBalance{Lot: lot}
}

func (m *Memory) applyLotDeltaLocked(lot stock.LotKey, d stock.Delta) (stock.LotBalance, error) {
	next, err := m.lotBalanceLocked(lot).Apply(d)
	if err != nil {
		return stock.LotBalance{}, err
	}
	next.UpdatedAt = m.now()
	m.lots[lot] = next
	return next, nil
}

func (m *Memory) lotBalancesLocked(key stock.Key) []stock.LotBalance {
	var out []stock.LotBalance
	for k, b := range m.lots {
		if k.Key == key {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Lot.ExpiryDate.Equal(out[j].Lot.ExpiryDate) {
			return out[i].Lot.ExpiryDate.Before(out[j].Lot.ExpiryDate)
		}
		return out[i].Lot.ManufactureDate.Before(out[j].Lot.ManufactureDate)
	})
	return out
}

func (m *Memory) balancesLocked(productCode, warehouseCode string) []stock.Balance {
	var out []stock.Balance
	for k, b := range m.balances {
		if k.ProductCode == productCode && k.WarehouseCode == warehouseCode {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.LocationCode < out[j].Key.LocationCode })
	return out
}

func (m *Memory) keysLocked() []stock.Key {
	out := make([]stock.Key, 0, len(m.balances))
	for k := range m.balances {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *Memory) documentLocked(no string) (stock.Document, error) {
	doc, ok := m.documents[no]
	if !ok {
		return stock.Document{}, stock.ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) insertDocumentLocked(doc stock.Document) error {
	if _, ok := m.documents[doc.No]; ok {
		return stock.ErrDuplicateDocument
	}
	m.documents[doc.No] = doc.Clone()
	return nil
}

func (m *Memory) updateDocumentLocked(doc stock.Document, expectedVersion int64) error {
	cur, ok := m.documents[doc.No]
	if !ok {
		return stock.ErrDocumentNotFound
	}
	if cur.Version != expectedVersion {
		return stock.ErrConcurrentModification
	}
	m.documents[doc.No] = doc.Clone()
	return nil
}

func (m *Memory) approvedDocumentsLocked(productCode, warehouseCode string, before time.Time) []stock.Document {
	var out []stock.Document
	for _, doc := range m.documents {
		if doc.Status != stock.StatusApproved {
			continue
		}
		if doc.WarehouseCode != warehouseCode && doc.DestinationWarehouseCode != warehouseCode {
			continue
		}
		if !before.IsZero() && !doc.Date.Before(before) {
			continue
		}
		for _, l := range doc.Lines {
			if l.ProductCode == productCode {
				out = append(out, doc.Clone())
				break
			}
		}
	}
	return out
}

func (m *Memory) logsLocked(filter stock.StockLogFilter) []stock.StockLog {
	var out []stock.StockLog
	for _, l := range m.logs {
		if filter.DocumentNo != "" && l.DocumentNo != filter.DocumentNo {
			continue
		}
		if filter.ProductCode != "" && l.Key.ProductCode != filter.ProductCode {
			continue
		}
		if filter.WarehouseCode != "" && l.Key.WarehouseCode != filter.WarehouseCode {
			continue
		}
		out = append(out, l)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances  map[stock.Key]stock.Balance
	lots      map[stock.LotKey]stock.LotBalance
	documents map[string]stock.Document
	logCount  int
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances:  make(map[stock.Key]stock.Balance, len(tm.balances)),
		lots:      make(map[stock.LotKey]stock.LotBalance, len(tm.lots)),
		documents: make(map[string]stock.Document, len(tm.documents)),
		logCount:  len(tm.logs),
	}
	for k, v := range tm.balances {
		s.balances[k] = v
	}
	for k, v := range tm.lots {
		s.lots[k] = v
	}
	// Stored documents are never mutated in place, so sharing is safe.
	for k, v := range tm.documents {
		s.documents[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.balances = s.balances
	tm.lots = s.lots
	tm.documents = s.documents
	tm.logs = tm.logs[:s.logCount]
}

// txMemoryView is the Store handed to WithTx callbacks. The parent mutex is
// already held, so every method goes straight to the locked helpers.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Balance(_ context.Context, key stock.Key) (stock.Balance, error) {
	return tv.parent.balanceLocked(key), nil
}

func (tv *txMemoryView) ApplyDelta(_ context.Context, key stock.Key, d stock.Delta) (stock.Balance, error) {
	return tv.parent.applyDeltaLocked(key, d)
}

func (tv *txMemoryView) LotBalance(_ context.Context, lot stock.LotKey) (stock.LotBalance, error) {
	return tv.parent.lotBalanceLocked(lot), nil
}

func (tv *txMemoryView) ApplyLotDelta(_ context.Context, lot stock.LotKey, d stock.Delta) (stock.LotBalance, error) {
	return tv.parent.applyLotDeltaLocked(lot, d)
}

func (tv *txMemoryView) LotBalances(_ context.Context, key stock.Key) ([]stock.LotBalance, error) {
	return tv.parent.lotBalancesLocked(key), nil
}

func (tv *txMemoryView) Balances(_ context.Context, productCode, warehouseCode string) ([]stock.Balance, error) {
	return tv.parent.balancesLocked(productCode, warehouseCode), nil
}

func (tv *txMemoryView) Keys(_ context.Context) ([]stock.Key, error) {
	return tv.parent.keysLocked(), nil
}

func (tv *txMemoryView) Document(_ context.Context, no string) (stock.Document, error) {
	return tv.parent.documentLocked(no)
}

func (tv *txMemoryView) InsertDocument(_ context.Context, doc stock.Document) error {
	return tv.parent.insertDocumentLocked(doc)
}

func (tv *txMemoryView) UpdateDocument(_ context.Context, doc stock.Document, expectedVersion int64) error {
	return tv.parent.updateDocumentLocked(doc, expectedVersion)
}

func (tv *txMemoryView) ApprovedDocuments(_ context.Context, productCode, warehouseCode string, before time.Time) ([]stock.Document, error) {
	return tv.parent.approvedDocumentsLocked(productCode, warehouseCode, before), nil
}

func (tv *txMemoryView) AppendLog(_ context.Context, entry stock.StockLog) error {
	tv.parent.logs = append(tv.parent.logs, entry)
	return nil
}

func (tv *txMemoryView) Logs(_ context.Context, filter stock.StockLogFilter) ([]stock.StockLog, error) {
	return tv.parent.logsLocked(filter), nil
}
