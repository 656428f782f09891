package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/payroll-engine/lifecycle"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
)

// =============================================================================
// PERIODS
// =============================================================================

func (e *Engine) CreatePeriod(ctx context.Context, r payroll.DateRange, actor string) (payroll.Period, error) {
	var out payroll.Period
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = lifecycle.CreatePeriod(ctx, tx, r, actor, e.now())
		return err
	})
	return out, err
}

// OpenNextPeriod creates the period following the latest one, same length.
func (e *Engine) OpenNextPeriod(ctx context.Context, actor string) (payroll.Period, error) {
	var out payroll.Period
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = lifecycle.NextPeriod(ctx, tx, actor, e.now())
		return err
	})
	return out, err
}

// Reopen moves a closed period back to open and invalidates its results.
// Recomputing it produces new result versions and adjustments.
func (e *Engine) Reopen(ctx context.Context, id payroll.PeriodID, actor, note string) (payroll.Period, error) {
	return e.fire(ctx, id, lifecycle.EventReopen, actor, note)
}

func (e *Engine) Archive(ctx context.Context, id payroll.PeriodID, actor string) (payroll.Period, error) {
	return e.fire(ctx, id, lifecycle.EventArchive, actor, "")
}

func (e *Engine) fire(ctx context.Context, id payroll.PeriodID, ev lifecycle.Event, actor, note string) (payroll.Period, error) {
	var out payroll.Period
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = e.lifecycle.Fire(ctx, tx, id, ev, actor, note)
		return err
	})
	return out, err
}

// ArchiveDue archives every closed period that ended longer than retention
// ago. It is what the archive scheduler calls.
func (e *Engine) ArchiveDue(ctx context.Context, retention time.Duration, actor string) ([]payroll.PeriodID, error) {
	var archived []payroll.PeriodID
	err := e.write(ctx, func(tx payroll.Tx) error {
		periods, err := tx.ListPeriods(ctx)
		if err != nil {
			return err
		}
		for _, p := range lifecycle.DueForArchive(periods, e.now(), retention) {
			if _, err := e.lifecycle.Fire(ctx, tx, p.ID, lifecycle.EventArchive, actor, "retention elapsed"); err != nil {
				return err
			}
			archived = append(archived, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(archived) > 0 {
		e.log.InfoContext(ctx, "archived periods", slog.Int("count", len(archived)))
	}
	return archived, nil
}

// Reconcile reruns every stale result of a closed period, typically after a
// rule fix.
func (e *Engine) Reconcile(ctx context.Context, id payroll.PeriodID, actor string) ([]reconcile.Outcome, error) {
	var out []reconcile.Outcome
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = e.reconciler.Retry(ctx, tx, id, actor)
		return err
	})
	return out, err
}

// =============================================================================
// PERIOD READS
// =============================================================================

func (e *Engine) Periods(ctx context.Context) ([]payroll.Period, error) {
	var out []payroll.Period
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListPeriods(ctx)
		return err
	})
	return out, err
}

func (e *Engine) Period(ctx context.Context, id payroll.PeriodID) (payroll.Period, error) {
	var out payroll.Period
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.GetPeriod(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) Transitions(ctx context.Context, id payroll.PeriodID) ([]payroll.PeriodTransition, error) {
	var out []payroll.PeriodTransition
	err := e.read(ctx, func(tx payroll.Tx) error {
		if _, err := tx.GetPeriod(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.ListTransitions(ctx, id)
		return err
	})
	return out, err
}
