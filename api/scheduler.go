/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically replays approved documents for every product/warehouse pair
  and compares the result with the booked balances. Divergences are logged
  and reported to the coordinator's observer; nothing is corrected
  automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each pass gets its own timeout so a slow store cannot stack passes

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(coordinator, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GetReconciliation endpoint (manual reconciliation)
  - stock/replay.go: Replayer.Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/stock-engine/stock"
)

// ReconciliationScheduler runs ReconcileAll on a ticker.
type ReconciliationScheduler struct {
	Coordinator   *stock.Coordinator
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(c *stock.Coordinator, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Coordinator:   c,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("reconciliation scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info().Msg("reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow()

	for {
		select {
		case <-ticker.C:
			rs.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass and returns the divergent pairs.
func (rs *ReconciliationScheduler) RunNow() []stock.Reconciliation {
	timeout := rs.CheckInterval
	if timeout <= 0 || timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	results, err := rs.Coordinator.ReconcileAll(ctx)
	if err != nil {
		rs.log.Error().Err(err).Msg("reconciliation pass failed")
		return nil
	}

	var diverged []stock.Reconciliation
	for _, rec := range results {
		if rec.Balanced() {
			continue
		}
		diverged = append(diverged, rec)
		rs.log.Warn().
			Str("product", rec.ProductCode).
			Str("warehouse", rec.WarehouseCode).
			Str("replayed", rec.Replayed.String()).
			Str("booked", rec.Booked.String()).
			Str("difference", rec.Difference.String()).
			Msg("stock ledger diverged from balances")
	}

	rs.log.Info().
		Int("checked", len(results)).
		Int("diverged", len(diverged)).
		Dur("elapsed", time.Since(start)).
		Msg("reconciliation pass completed")
	return diverged
}
