/*
coordinator.go - Document lifecycle coordinator

PURPOSE:
  The entry point for every document operation. Plans a Transition with
  the current reference data and applies it, header included, as one
  unit of work.

FLOW (per attempt):
  1. Lock the document number
  2. Read the document and plan the transition (pure, see document.go)
  3. Lock every touched stock key in sorted order
  4. WithTx: re-check the header version, apply each change through the
     reservation engine, write the header with a version compare-and-swap
  5. Release locks in reverse order

  Any error in step 4 rolls back every balance change, stock log record
  and header write of the attempt. ErrConcurrentModification reruns the
  whole attempt under RetryPolicy; nothing resumes halfway.

  Observer events raised in step 4 are held until WithTx returns. A
  committed attempt emits them all; a rolled-back one emits only its
  rejections.

GUARANTEE:
  For any document at most one of DRAFT->APPROVED or DRAFT->CANCELLED
  ever commits.

SEE ALSO:
  - locks.go: KeyedMutex, LockAll
  - store/redislock: Locker shared across processes
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Result is what every mutating operation returns: the committed document
// and the post-commit balance of every key it touched.
type Result struct {
	Document Document
	Balances []Balance
}

// CoordinatorOptions configures a Coordinator. Zero values get defaults.
type CoordinatorOptions struct {
	Locker      Locker
	Logger      zerolog.Logger
	Observer    Observer
	Retry       RetryPolicy
	LockTimeout time.Duration
}

type Coordinator struct {
	store       TxStore
	locker      Locker
	engine      *ReservationEngine
	observer    Observer
	log         zerolog.Logger
	retry       RetryPolicy
	lockTimeout time.Duration
	ref         atomic.Pointer[Reference]
	newDocNo    func() string
}

func NewCoordinator(store TxStore, ref *Reference, opts CoordinatorOptions) *Coordinator {
	if opts.Locker == nil {
		opts.Locker = NewKeyedMutex()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	c := &Coordinator{
		store:       store,
		locker:      opts.Locker,
		engine:      NewReservationEngine(opts.Logger, opts.Observer),
		observer:    opts.Observer,
		log:         opts.Logger.With().Str("component", "coordinator").Logger(),
		retry:       opts.Retry,
		lockTimeout: opts.LockTimeout,
		newDocNo: func() string {
			return "DOC-" + strings.ToUpper(uuid.NewString()[:8])
		},
	}
	if ref == nil {
		ref, _ = ReferenceData{}.Build()
	}
	c.ref.Store(ref)
	return c
}

// SetReference swaps the reference data used by subsequent operations.
// Operations already planned keep the data they started with.
func (c *Coordinator) SetReference(ref *Reference) {
	c.ref.Store(ref)
}

func (c *Coordinator) Reference() *Reference {
	return c.ref.Load()
}

func (c *Coordinator) planner() *Planner {
	ref := c.ref.Load()
	return NewPlanner(ref.UOMs, ref.Directions)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// CreateDocument creates a DRAFT document and reserves all its lines.
// An empty in.No gets a generated number.
func (c *Coordinator) CreateDocument(ctx context.Context, in DocumentInput, actorID string) (Result, error) {
	if in.No == "" {
		in.No = c.newDocNo()
	}
	return c.transition(ctx, in.No, ActionCreate, actorID, func(p *Planner, cur *Document) (Transition, error) {
		if cur != nil {
			return Transition{}, fmt.Errorf("%w: %s", ErrDuplicateDocument, in.No)
		}
		return p.PlanCreate(in, actorID)
	})
}

func (c *Coordinator) AddLine(ctx context.Context, docNo string, in LineInput, actorID string) (Result, error) {
	return c.transition(ctx, docNo, ActionAddLine, actorID, existing(docNo, func(p *Planner, doc Document) (Transition, error) {
		return p.PlanAddLine(doc, in)
	}))
}

func (c *Coordinator) EditLine(ctx context.Context, docNo, lineID string, in LineInput, actorID string) (Result, error) {
	return c.transition(ctx, docNo, ActionEditLine, actorID, existing(docNo, func(p *Planner, doc Document) (Transition, error) {
		return p.PlanEditLine(doc, lineID, in)
	}))
}

func (c *Coordinator) RemoveLine(ctx context.Context, docNo, lineID, actorID string) (Result, error) {
	return c.transition(ctx, docNo, ActionRemoveLine, actorID, existing(docNo, func(p *Planner, doc Document) (Transition, error) {
		return p.PlanRemoveLine(doc, lineID)
	}))
}

// Approve books every line. If any line fails the document stays DRAFT
// with its reservations unchanged.
func (c *Coordinator) Approve(ctx context.Context, docNo, actorID string) (Result, error) {
	return c.transition(ctx, docNo, ActionApprove, actorID, existing(docNo, func(p *Planner, doc Document) (Transition, error) {
		return p.PlanApprove(doc, actorID)
	}))
}

// Cancel releases every reservation of a DRAFT document.
func (c *Coordinator) Cancel(ctx context.Context, docNo, actorID string) (Result, error) {
	return c.transition(ctx, docNo, ActionCancel, actorID, existing(docNo, func(p *Planner, doc Document) (Transition, error) {
		return p.PlanCancel(doc, actorID)
	}))
}

type planFunc func(p *Planner, cur *Document) (Transition, error)

func existing(docNo string, plan func(p *Planner, doc Document) (Transition, error)) planFunc {
	return func(p *Planner, cur *Document) (Transition, error) {
		if cur == nil {
			return Transition{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, docNo)
		}
		return plan(p, *cur)
	}
}

func (c *Coordinator) transition(ctx context.Context, docNo string, action Action, actorID string, plan planFunc) (Result, error) {
	start := time.Now()
	var res Result
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		res, err = c.attempt(ctx, docNo, actorID, plan)
		if IsRetryable(err) {
			c.log.Debug().Str("document_no", docNo).Str("action", string(action)).Msg("retrying after concurrent modification")
		}
		return err
	})
	c.observer.TransitionFinished(action, time.Since(start), err)

	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = c.log.Info()
	case IsInfrastructure(err):
		ev = c.log.Error().Err(err)
	default:
		ev = c.log.Debug().Err(err)
	}
	ev.Str("document_no", docNo).Str("action", string(action)).Str("actor_id", actorID).
		Dur("elapsed", time.Since(start)).Msg("document transition")
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Coordinator) attempt(ctx context.Context, docNo, actorID string, plan planFunc) (Result, error) {
	lockCtx := ctx
	if c.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()
	}

	unlockDoc, err := c.locker.Lock(lockCtx, DocumentLockPrefix+docNo)
	if err != nil {
		return Result{}, fmt.Errorf("lock document %s: %w", docNo, err)
	}
	defer unlockDoc()

	var cur *Document
	doc, err := c.store.Document(ctx, docNo)
	switch {
	case err == nil:
		cur = &doc
	case !errors.Is(err, ErrDocumentNotFound):
		return Result{}, Persistence("read document", err)
	}

	t, err := plan(c.planner(), cur)
	if err != nil {
		return Result{}, err
	}

	keys := t.Keys()
	unlockKeys, err := LockAll(lockCtx, c.locker, stockKeyLocks(keys))
	if err != nil {
		return Result{}, fmt.Errorf("lock stock keys: %w", err)
	}
	defer unlockKeys()

	op := Operation{DocumentNo: docNo, ActorID: actorID}
	events := &eventBuffer{}
	engine := c.engine.withObserver(events)
	var balances []Balance
	err = c.store.WithTx(ctx, func(s Store) error {
		if t.Prev != nil {
			stored, err := s.Document(ctx, docNo)
			if err != nil {
				return Persistence("re-read document", err)
			}
			if stored.Version != t.Prev.Version {
				return ErrConcurrentModification
			}
		}
		for _, ch := range t.Changes {
			if err := apply(ctx, engine, s, op, ch); err != nil {
				return err
			}
		}
		if t.Prev == nil {
			if err := s.InsertDocument(ctx, t.Next); err != nil {
				return Persistence("insert document", err)
			}
		} else if err := s.UpdateDocument(ctx, t.Next, t.Prev.Version); err != nil {
			return Persistence("update document", err)
		}

		balances = balances[:0]
		for _, k := range keys {
			b, err := s.Balance(ctx, k)
			if err != nil {
				return Persistence("read balance", err)
			}
			balances = append(balances, b)
		}
		return nil
	})
	if err != nil {
		events.rolledBack(c.observer)
		return Result{}, err
	}
	events.committed(c.observer)
	return Result{Document: t.Next, Balances: balances}, nil
}

func apply(ctx context.Context, engine *ReservationEngine, s Store, op Operation, ch Change) error {
	var err error
	switch ch.Fn {
	case FnReserve:
		_, err = engine.Reserve(ctx, s, op, ch.Effect)
	case FnUnreserve:
		_, err = engine.Unreserve(ctx, s, op, ch.Effect)
	case FnApprove:
		_, err = engine.Approve(ctx, s, op, ch.Effect)
	default:
		err = fmt.Errorf("unknown change %q", ch.Fn)
	}
	return err
}

// =============================================================================
// READS - never take locks
// =============================================================================

func (c *Coordinator) Document(ctx context.Context, no string) (Document, error) {
	doc, err := c.store.Document(ctx, no)
	if errors.Is(err, ErrDocumentNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, no)
	}
	if err != nil {
		return Document{}, Persistence("read document", err)
	}
	return doc, nil
}

func (c *Coordinator) Balance(ctx context.Context, key Key) (Balance, error) {
	b, err := c.store.Balance(ctx, key)
	if err != nil {
		return Balance{}, Persistence("read balance", err)
	}
	return b, nil
}

// AvailableQty returns booked minus reserved-out for key.
func (c *Coordinator) AvailableQty(ctx context.Context, key Key) (decimal.Decimal, error) {
	b, err := c.Balance(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available(), nil
}

// Balances returns every location row of productCode in warehouseCode.
func (c *Coordinator) Balances(ctx context.Context, productCode, warehouseCode string) ([]Balance, error) {
	rows, err := c.store.Balances(ctx, productCode, warehouseCode)
	if err != nil {
		return nil, Persistence("list balances", err)
	}
	return rows, nil
}

func (c *Coordinator) LotBalances(ctx context.Context, key Key) ([]LotBalance, error) {
	lots, err := c.store.LotBalances(ctx, key)
	if err != nil {
		return nil, Persistence("list lot balances", err)
	}
	return lots, nil
}

func (c *Coordinator) StockLogs(ctx context.Context, filter StockLogFilter) ([]StockLog, error) {
	logs, err := c.store.Logs(ctx, filter)
	if err != nil {
		return nil, Persistence("list stock logs", err)
	}
	return logs, nil
}

func (c *Coordinator) replayer() *Replayer {
	return NewReplayer(c.store, c.ref.Load().Directions)
}

func (c *Coordinator) OpeningBalance(ctx context.Context, productCode, warehouseCode string, asOf time.Time) (decimal.Decimal, error) {
	return c.replayer().OpeningBalance(ctx, productCode, warehouseCode, asOf)
}

func (c *Coordinator) StockCard(ctx context.Context, productCode, warehouseCode string, from, to time.Time) (StockCard, error) {
	return c.replayer().StockCard(ctx, productCode, warehouseCode, from, to)
}

// Reconcile compares replayed and booked quantities for one product and
// warehouse. Both sides are read in one unit of work so a transition
// committing in between cannot show up as a divergence. A divergence is
// logged and reported to the observer.
func (c *Coordinator) Reconcile(ctx context.Context, productCode, warehouseCode string) (Reconciliation, error) {
	dirs := c.ref.Load().Directions
	var r Reconciliation
	err := c.store.WithTx(ctx, func(s Store) error {
		var err error
		r, err = NewReplayer(s, dirs).Reconcile(ctx, s, productCode, warehouseCode)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !r.Balanced() {
		c.log.Warn().
			Str("product_code", productCode).
			Str("warehouse_code", warehouseCode).
			Str("replayed", r.Replayed.String()).
			Str("booked", r.Booked.String()).
			Str("difference", r.Difference.String()).
			Msg("ledger replay diverges from booked balance")
		c.observer.ReconciliationDiverged(r)
	}
	return r, nil
}

// ReconcileAll reconciles every product/warehouse pair with a balance row.
func (c *Coordinator) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, Persistence("list balance keys", err)
	}
	seen := make(map[[2]string]bool)
	var out []Reconciliation
	for _, k := range keys {
		pair := [2]string{k.ProductCode, k.WarehouseCode}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		r, err := c.Reconcile(ctx, k.ProductCode, k.WarehouseCode)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
