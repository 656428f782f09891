package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/warp/payroll-engine/lifecycle"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
	"github.com/warp/payroll-engine/rules"
)

// EmployeeFailure is one employee whose computation failed.
type EmployeeFailure struct {
	EmployeeID payroll.EmployeeID
	Err        error
}

// ComputeReport describes what a Compute call did.
type ComputeReport struct {
	PeriodID    payroll.PeriodID
	State       payroll.PeriodState
	Results     []payroll.ComputationResult
	Adjustments []payroll.Adjustment
	Failures    []EmployeeFailure
	// Unsaved holds the computations of the employees that succeeded when
	// others failed. None of them is persisted.
	Unsaved   []payroll.Computation
	Cancelled bool
	// Drained holds the reconciliation of writes queued while computing.
	Drained []reconcile.Outcome
}

// Compute runs the rule engine for every participant of an open period and
// closes it when all of them succeed. When any employee fails, every other
// employee is still computed and returned in Unsaved, the period returns to
// open and no result is persisted. The returned error joins the failures.
func (e *Engine) Compute(ctx context.Context, id payroll.PeriodID, actor string) (ComputeReport, error) {
	report := ComputeReport{PeriodID: id}
	log := e.log.With(slog.String("period_id", string(id)))

	// Phase 1: transition and snapshot.
	var inputs []rules.Input
	var period payroll.Period
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		period, err = e.lifecycle.Fire(ctx, tx, id, lifecycle.EventCompute, actor, "")
		if err != nil {
			return err
		}
		employees, err := rules.Participants(ctx, tx, period)
		if err != nil {
			return err
		}
		for _, emp := range employees {
			in, err := rules.Gather(ctx, tx, emp, period)
			if err != nil {
				return fmt.Errorf("gather inputs for %s: %w", emp, err)
			}
			inputs = append(inputs, in)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	log.InfoContext(ctx, "compute started", slog.Int("employees", len(inputs)), slog.Int("workers", e.opts.Workers))

	// Phase 2: parallel, per-employee.
	computations := make([]payroll.Computation, len(inputs))
	failures := make([]error, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := rules.Compute(in)
			if err != nil {
				failures[i] = err
				return nil
			}
			computations[i] = c
			return nil
		})
	}
	waitErr := g.Wait()
	if e.opts.beforeCommit != nil {
		e.opts.beforeCommit(id)
	}

	// Phase 3: commit or roll back. Cancellation must not stop the rollback.
	commitCtx := context.WithoutCancel(ctx)
	cancelled := waitErr != nil || ctx.Err() != nil
	for i, ferr := range failures {
		if ferr != nil {
			report.Failures = append(report.Failures, EmployeeFailure{EmployeeID: inputs[i].Employee.ID, Err: ferr})
		}
	}
	if !cancelled && len(report.Failures) > 0 {
		for i, c := range computations {
			if failures[i] == nil {
				report.Unsaved = append(report.Unsaved, c)
			}
		}
	}

	if cancelled || len(report.Failures) > 0 {
		note := "rule evaluation failed"
		if cancelled {
			note = "cancelled"
		}
		err := e.write(commitCtx, func(tx payroll.Tx) error {
			p, err := e.lifecycle.Fire(commitCtx, tx, id, lifecycle.EventCancel, actor, note)
			if err != nil {
				return err
			}
			report.State = p.State
			return nil
		})
		e.mu.Lock()
		delete(e.queue, id)
		e.mu.Unlock()
		if err != nil {
			return report, err
		}
		report.Cancelled = cancelled
		if cancelled {
			log.WarnContext(ctx, "compute cancelled")
			return report, errors.Join(context.Cause(ctx), waitErr)
		}
		errs := make([]error, 0, len(report.Failures))
		for _, f := range report.Failures {
			errs = append(errs, f.Err)
			log.WarnContext(ctx, "employee computation failed", slog.String("employee_id", string(f.EmployeeID)), slog.Any("error", f.Err))
		}
		return report, errors.Join(errs...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.store.WithTx(commitCtx, func(tx payroll.Tx) error {
		report.Results = report.Results[:0]
		report.Adjustments = report.Adjustments[:0]
		now := e.now()
		for _, c := range computations {
			res, adj, err := reconcile.Commit(commitCtx, tx, c, period, reconcile.Cause{Reason: "compute", Actor: actor}, now)
			if err != nil {
				return err
			}
			report.Results = append(report.Results, res)
			if adj != nil {
				report.Adjustments = append(report.Adjustments, *adj)
			}
		}
		p, err := e.lifecycle.Fire(commitCtx, tx, id, lifecycle.EventComplete, actor, "")
		if err != nil {
			return err
		}
		report.State = p.State
		if err := payroll.RecordAudit(commitCtx, tx, payroll.AuditEntry{
			At: now, Actor: actor, Action: payroll.AuditPeriodComputed, SubjectID: string(id), PeriodID: id,
			Details: map[string]string{"results": fmt.Sprint(len(report.Results))},
		}); err != nil {
			return err
		}

		drained, err := e.drainLocked(commitCtx, tx, id)
		if err != nil {
			return err
		}
		report.Drained = drained
		return nil
	})
	delete(e.queue, id)
	if err != nil {
		log.ErrorContext(ctx, "compute commit failed", slog.Any("error", err))
		report = ComputeReport{PeriodID: id, State: payroll.PeriodComputing}
		if cerr := e.store.WithTx(commitCtx, func(tx payroll.Tx) error {
			p, err := e.lifecycle.Fire(commitCtx, tx, id, lifecycle.EventCancel, actor, "commit failed")
			report.State = p.State
			return err
		}); cerr != nil {
			return report, errors.Join(err, cerr)
		}
		return report, err
	}
	log.InfoContext(ctx, "compute finished",
		slog.Int("results", len(report.Results)),
		slog.Int("adjustments", len(report.Adjustments)),
		slog.Int("drained", len(report.Drained)))
	return report, nil
}

// drainLocked reconciles every write queued while the period was computing.
// Caller holds e.mu.
func (e *Engine) drainLocked(ctx context.Context, tx payroll.Tx, id payroll.PeriodID) ([]reconcile.Outcome, error) {
	var out []reconcile.Outcome
	for _, q := range e.queue[id] {
		entry, err := tx.GetEntry(ctx, q.EntryID)
		if err != nil {
			return nil, err
		}
		pairs, err := e.reconciler.AffectedByEntry(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		outcomes, err := e.reconciler.Run(ctx, tx, pairs, reconcile.Cause{EntryID: q.EntryID, Reason: q.Reason, Actor: q.Actor})
		if err != nil {
			return nil, err
		}
		out = append(out, outcomes...)
	}
	return out, nil
}
