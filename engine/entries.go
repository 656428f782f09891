package engine

import (
	"context"
	"log/slog"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
)

// =============================================================================
// ENTRY WRITES
// =============================================================================

// EntryResult is the outcome of an entry write: the stored entry and, when it
// touched a closed period, the reconciliation that followed in the same
// transaction.
type EntryResult struct {
	Entry    payroll.Entry
	Replaced *payroll.Entry
	Outcomes []reconcile.Outcome
	// Queued is set when the period was computing; the entry is reconciled
	// when that computation commits.
	Queued bool
}

// RecordEntry appends an entry. Recording into a closed period recomputes the
// affected result; into a computing period it is queued; into an archived
// period it requires opts.Override and never reconciles.
func (e *Engine) RecordEntry(ctx context.Context, entry payroll.Entry, opts payroll.RecordOptions) (EntryResult, error) {
	var out EntryResult
	var enqueue []queued
	var queuePeriod payroll.PeriodID

	err := e.writeThen(ctx, func(tx payroll.Tx) error {
		stored, err := payroll.RecordEntryTx(ctx, tx, entry, opts, e.now())
		if err != nil {
			return err
		}
		out.Entry = stored

		p, ok, err := payroll.PeriodFor(ctx, tx, stored.OccurredOn)
		if err != nil || !ok {
			return err
		}
		switch p.State {
		case payroll.PeriodComputing:
			queuePeriod = p.ID
			enqueue = append(enqueue, queued{EntryID: stored.ID, Actor: opts.Actor, Reason: "entry recorded"})
		case payroll.PeriodClosed:
			out.Outcomes, err = e.reconcileEntries(ctx, tx, []payroll.Entry{stored}, reconcile.Cause{EntryID: stored.ID, Reason: "entry recorded", Actor: opts.Actor})
			return err
		}
		return nil
	}, func() {
		if len(enqueue) > 0 {
			e.queue[queuePeriod] = append(e.queue[queuePeriod], enqueue...)
			out.Queued = true
		}
	})
	if err != nil {
		return EntryResult{}, err
	}
	e.logEntryWrite(ctx, "entry recorded", out)
	return out, nil
}

// VoidEntry voids an entry. An entry included in a closed period is voided
// through reconciliation, which recomputes that period's result.
func (e *Engine) VoidEntry(ctx context.Context, id payroll.EntryID, opts payroll.VoidOptions) (EntryResult, error) {
	opts.Reconciling = true
	var out EntryResult
	var queuePeriod payroll.PeriodID
	reason := "entry voided"
	if opts.Reason != "" {
		reason += ": " + opts.Reason
	}

	err := e.writeThen(ctx, func(tx payroll.Tx) error {
		voided, p, err := payroll.VoidEntryTx(ctx, tx, id, opts, e.now())
		if err != nil {
			return err
		}
		out.Entry = voided
		switch p.State {
		case payroll.PeriodComputing:
			queuePeriod = p.ID
		case payroll.PeriodClosed:
			out.Outcomes, err = e.reconcileEntries(ctx, tx, []payroll.Entry{voided}, reconcile.Cause{EntryID: id, Reason: reason, Actor: opts.Actor})
			return err
		}
		return nil
	}, func() {
		if queuePeriod != "" {
			e.queue[queuePeriod] = append(e.queue[queuePeriod], queued{EntryID: id, Actor: opts.Actor, Reason: reason})
			out.Queued = true
		}
	})
	if err != nil {
		return EntryResult{}, err
	}
	e.logEntryWrite(ctx, "entry voided", out)
	return out, nil
}

// ReplaceEntry voids the original and records the replacement in one
// transaction, reconciling each affected period once.
func (e *Engine) ReplaceEntry(ctx context.Context, id payroll.EntryID, replacement payroll.Entry, opts payroll.VoidOptions) (EntryResult, error) {
	opts.Reconciling = true
	var out EntryResult
	enqueue := make(map[payroll.PeriodID][]queued)
	reason := "entry replaced"
	if opts.Reason != "" {
		reason += ": " + opts.Reason
	}

	err := e.writeThen(ctx, func(tx payroll.Tx) error {
		now := e.now()
		original, op, err := payroll.VoidEntryTx(ctx, tx, id, opts, now)
		if err != nil {
			return err
		}
		replacement.ReplacesID = id
		if replacement.EmployeeID == "" {
			replacement.EmployeeID = original.EmployeeID
		}
		stored, err := payroll.RecordEntryTx(ctx, tx, replacement, payroll.RecordOptions{Actor: opts.Actor, Override: opts.Override}, now)
		if err != nil {
			return err
		}
		out.Entry = stored
		out.Replaced = &original

		np, _, err := payroll.PeriodFor(ctx, tx, stored.OccurredOn)
		if err != nil {
			return err
		}

		var toReconcile []payroll.Entry
		for _, w := range []struct {
			entry  payroll.Entry
			period payroll.Period
		}{{original, op}, {stored, np}} {
			switch w.period.State {
			case payroll.PeriodComputing:
				enqueue[w.period.ID] = append(enqueue[w.period.ID], queued{EntryID: w.entry.ID, Actor: opts.Actor, Reason: reason})
			case payroll.PeriodClosed:
				toReconcile = append(toReconcile, w.entry)
			}
		}
		if len(toReconcile) > 0 {
			out.Outcomes, err = e.reconcileEntries(ctx, tx, toReconcile, reconcile.Cause{EntryID: stored.ID, Reason: reason, Actor: opts.Actor})
		}
		return err
	}, func() {
		for pid, q := range enqueue {
			e.queue[pid] = append(e.queue[pid], q...)
			out.Queued = true
		}
	})
	if err != nil {
		return EntryResult{}, err
	}
	e.logEntryWrite(ctx, "entry replaced", out)
	return out, nil
}

// reconcileEntries collects the pairs the entries affect, deduplicated, and
// recomputes them once.
func (e *Engine) reconcileEntries(ctx context.Context, tx payroll.Tx, entries []payroll.Entry, cause reconcile.Cause) ([]reconcile.Outcome, error) {
	seen := make(map[reconcile.Pair]bool)
	var pairs []reconcile.Pair
	for _, entry := range entries {
		affected, err := e.reconciler.AffectedByEntry(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		for _, p := range affected {
			if !seen[p] {
				seen[p] = true
				pairs = append(pairs, p)
			}
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	return e.reconciler.Run(ctx, tx, pairs, cause)
}

// writeThen runs fn in a transaction and, only if it commits, runs after
// while still holding the writer lock.
func (e *Engine) writeThen(ctx context.Context, fn func(tx payroll.Tx) error, after func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.WithTx(ctx, fn); err != nil {
		return err
	}
	after()
	return nil
}

func (e *Engine) logEntryWrite(ctx context.Context, msg string, out EntryResult) {
	e.log.InfoContext(ctx, msg,
		slog.String("entry_id", string(out.Entry.ID)),
		slog.String("employee_id", string(out.Entry.EmployeeID)),
		slog.Int("reconciled", len(out.Outcomes)),
		slog.Bool("queued", out.Queued))
}
