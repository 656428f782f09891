/*
Package engine is the single-writer façade over the payroll core.

PURPOSE:
  Every mutation goes through one Engine, which serializes writers with a
  mutex on top of the store's own transaction lock. Reads go straight to the
  store. Presentation layers (the local API, a desktop shell) call only this.

COMPUTE FLOW:
  1. locked:   open -> computing, snapshot every participant's inputs
  2. unlocked: run the rule engine per employee in parallel (errgroup)
  3. locked:   all succeeded  -> commit results, computing -> closed,
                                 drain entries queued during step 2
               any failure or
               cancellation   -> computing -> open, nothing persisted

  Entries recorded or voided while a period is computing are written at once
  and queued; the drain in step 3 reconciles them against the fresh results.

SEE ALSO:
  - payroll: ledger and store
  - rules, reconcile, invoice, lifecycle: the components wired here
*/
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/payroll-engine/invoice"
	"github.com/warp/payroll-engine/lifecycle"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
)

type Options struct {
	Workers       int
	Currency      string
	InvoicePrefix string
	Clock         func() time.Time
	Logger        *slog.Logger

	// beforeCommit runs between the parallel phase and the commit phase of
	// Compute.
	beforeCommit func(payroll.PeriodID)
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.InvoicePrefix == "" {
		o.InvoicePrefix = "INV"
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Engine struct {
	store      payroll.Store
	ledger     *payroll.Ledger
	lifecycle  *lifecycle.Controller
	reconciler *reconcile.Reconciler
	invoices   *invoice.Generator
	opts       Options
	log        *slog.Logger

	mu    sync.Mutex
	queue map[payroll.PeriodID][]queued
}

type queued struct {
	EntryID payroll.EntryID
	Actor   string
	Reason  string
}

func New(store payroll.Store, opts Options) *Engine {
	opts.setDefaults()

	ledger := payroll.NewLedger(store)
	ledger.Clock = opts.Clock

	lc := lifecycle.NewController(opts.Logger)
	lc.Clock = opts.Clock

	rec := reconcile.New(opts.Logger)
	rec.Clock = opts.Clock

	inv := invoice.NewGenerator(opts.InvoicePrefix, opts.Currency, opts.Logger)
	inv.Clock = opts.Clock

	return &Engine{
		store:      store,
		ledger:     ledger,
		lifecycle:  lc,
		reconciler: rec,
		invoices:   inv,
		opts:       opts,
		log:        opts.Logger,
		queue:      make(map[payroll.PeriodID][]queued),
	}
}

func (e *Engine) now() time.Time { return e.opts.Clock() }

// Ledger exposes the read side of the ledger (GetEntries, RuleVersionsAt).
func (e *Engine) Ledger() *payroll.Ledger { return e.ledger }

// write runs fn in a store transaction while holding the writer lock.
func (e *Engine) write(ctx context.Context, fn func(tx payroll.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.WithTx(ctx, fn)
}

func (e *Engine) read(ctx context.Context, fn func(tx payroll.Tx) error) error {
	return e.store.View(ctx, fn)
}

// =============================================================================
// RECOVERY
// =============================================================================

// Recover moves periods left in computing by a crash back to open. Call once
// at startup, before serving.
func (e *Engine) Recover(ctx context.Context) ([]payroll.PeriodID, error) {
	var recovered []payroll.PeriodID
	err := e.write(ctx, func(tx payroll.Tx) error {
		periods, err := tx.ListPeriods(ctx)
		if err != nil {
			return err
		}
		for _, p := range periods {
			if p.State != payroll.PeriodComputing {
				continue
			}
			if _, err := e.lifecycle.Fire(ctx, tx, p.ID, lifecycle.EventCancel, "recovery", "interrupted computation"); err != nil {
				return err
			}
			recovered = append(recovered, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		e.log.WarnContext(ctx, "recovered interrupted computations", slog.Int("periods", len(recovered)))
	}
	return recovered, nil
}
