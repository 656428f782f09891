/*
Package reconcile keeps derived results consistent with retroactive edits.

PURPOSE:
  When an entry changes under a period that already has results (a voided
  entry some result consumed, or a new entry backdated into a closed period),
  only the affected (employee, period) pairs are recomputed. The dependency
  index kept by the store (entry -> results that consumed it) tells which.

ALGORITHM:
  1. AffectedByEntry maps the changed entry to pairs.
  2. Run marks each pair's current result stale, recomputes it with the rule
     engine and commits a new version.
  3. Commit supersedes the old version and writes an Adjustment with
     delta = new total - old total.
  4. If any earlier version of the pair was invoiced, the adjustment is
     flagged Carry and travels on a later invoice. Issued invoices are never
     rewritten.

FAILURES:
  A RuleEvaluationError leaves that pair's result stale and is reported in
  the Outcome; other pairs still commit. A pair with no earlier result has
  nothing to mark stale, so its entry simply stays pending. Retry reruns
  stale pairs and pairs with pending entries once the data is corrected. Archived periods are never reconciled automatically.

SEE ALSO:
  - rules: Compute
  - invoice: where carried adjustments end up
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/payroll-engine/lifecycle"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
)

// Pair identifies one result chain.
type Pair struct {
	EmployeeID payroll.EmployeeID
	PeriodID   payroll.PeriodID
}

// Cause describes why a recomputation happened; it lands on the Adjustment.
type Cause struct {
	EntryID payroll.EntryID
	Reason  string
	Actor   string
}

// Outcome is the per-pair report of a Run.
type Outcome struct {
	Pair       Pair
	Result     *payroll.ComputationResult
	Adjustment *payroll.Adjustment
	Err        error
}

type Reconciler struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Clock: func() time.Time { return time.Now().UTC() }, Logger: logger}
}

// =============================================================================
// AFFECTED PAIRS
// =============================================================================

// AffectedByEntry returns the pairs a changed entry invalidates. Entries in
// open or computing periods affect nothing here: open periods have no live
// results and computing periods drain their own queue.
func (r *Reconciler) AffectedByEntry(ctx context.Context, tx payroll.Tx, e payroll.Entry) ([]Pair, error) {
	seen := make(map[Pair]bool)
	var out []Pair
	add := func(p Pair) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if e.Status == payroll.EntryVoided {
		ids, err := tx.ResultsConsuming(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			res, err := tx.GetResult(ctx, id)
			if err != nil {
				return nil, err
			}
			if !res.Status.Current() {
				continue
			}
			p, err := tx.GetPeriod(ctx, res.PeriodID)
			if err != nil {
				return nil, err
			}
			switch p.State {
			case payroll.PeriodArchived:
				return nil, &payroll.PeriodArchivedError{PeriodID: p.ID, Date: e.OccurredOn}
			case payroll.PeriodClosed:
				add(Pair{EmployeeID: res.EmployeeID, PeriodID: res.PeriodID})
			}
		}
		return out, nil
	}

	p, ok, err := payroll.PeriodFor(ctx, tx, e.OccurredOn)
	if err != nil || !ok {
		return nil, err
	}
	switch p.State {
	case payroll.PeriodArchived:
		return nil, &payroll.PeriodArchivedError{PeriodID: p.ID, Date: e.OccurredOn}
	case payroll.PeriodClosed:
		add(Pair{EmployeeID: e.EmployeeID, PeriodID: p.ID})
	}
	return out, nil
}

// =============================================================================
// RUN
// =============================================================================

// Run recomputes each pair. Only store failures abort; rule failures are
// reported per pair.
func (r *Reconciler) Run(ctx context.Context, tx payroll.Tx, pairs []Pair, cause Cause) ([]Outcome, error) {
	out := make([]Outcome, 0, len(pairs))
	for _, pair := range pairs {
		o, err := r.runPair(ctx, tx, pair, cause)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *Reconciler) runPair(ctx context.Context, tx payroll.Tx, pair Pair, cause Cause) (Outcome, error) {
	o := Outcome{Pair: pair}
	log := r.Logger.With(
		slog.String("employee_id", string(pair.EmployeeID)),
		slog.String("period_id", string(pair.PeriodID)),
		slog.String("entry_id", string(cause.EntryID)))

	period, err := tx.GetPeriod(ctx, pair.PeriodID)
	if err != nil {
		return o, err
	}
	if period.State == payroll.PeriodArchived {
		return o, &payroll.PeriodArchivedError{PeriodID: period.ID}
	}
	if period.State != payroll.PeriodClosed {
		return o, &payroll.InvalidStateError{Kind: "period", ID: string(period.ID), State: string(period.State), Reason: "only closed periods reconcile"}
	}

	current, hasCurrent, err := CurrentResult(ctx, tx, pair)
	if err != nil {
		return o, err
	}
	if hasCurrent && current.Status != payroll.ResultStale {
		if err := tx.SetResultStatus(ctx, current.ID, payroll.ResultStale); err != nil {
			return o, fmt.Errorf("mark result %s stale: %w", current.ID, err)
		}
	}

	in, err := rules.Gather(ctx, tx, pair.EmployeeID, period)
	if err != nil {
		return o, err
	}
	c, err := rules.Compute(in)
	if err != nil {
		var rerr *payroll.RuleEvaluationError
		if errors.As(err, &rerr) {
			log.WarnContext(ctx, "reconciliation left result stale", slog.Any("error", err))
			o.Err = err
			return o, nil
		}
		return o, err
	}

	res, adj, err := Commit(ctx, tx, c, period, cause, r.Clock())
	if err != nil {
		return o, err
	}
	o.Result = &res
	o.Adjustment = adj
	if adj != nil {
		log.InfoContext(ctx, "result recomputed",
			slog.Int("version", res.Version),
			slog.String("old_total", adj.OldTotal.StringFixed(2)),
			slog.String("new_total", adj.NewTotal.StringFixed(2)),
			slog.String("delta", adj.Delta.StringFixed(2)),
			slog.Bool("carry", adj.Carry))
	}
	return o, nil
}

// Retry reruns every stale pair of a closed period, plus every employee with
// pending entries in it. Pending entries in a closed period are writes whose
// reconciliation failed before any result existed for the pair.
func (r *Reconciler) Retry(ctx context.Context, tx payroll.Tx, period payroll.PeriodID, actor string) ([]Outcome, error) {
	p, err := tx.GetPeriod(ctx, period)
	if err != nil {
		return nil, err
	}
	stale, err := tx.ListResults(ctx, payroll.ResultFilter{PeriodID: period, Statuses: []payroll.ResultStatus{payroll.ResultStale}})
	if err != nil {
		return nil, err
	}
	var pending []payroll.Entry
	if p.State == payroll.PeriodClosed {
		rng := p.Range
		pending, err = tx.ListEntries(ctx, payroll.EntryFilter{Range: &rng, Statuses: []payroll.EntryStatus{payroll.EntryPending}})
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[Pair]bool)
	pairs := make([]Pair, 0, len(stale)+len(pending))
	add := func(pair Pair) {
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	for _, s := range stale {
		add(Pair{EmployeeID: s.EmployeeID, PeriodID: s.PeriodID})
	}
	for _, e := range pending {
		add(Pair{EmployeeID: e.EmployeeID, PeriodID: period})
	}
	return r.Run(ctx, tx, pairs, Cause{Reason: "retry", Actor: actor})
}

// =============================================================================
// COMMIT
// =============================================================================

// Commit persists a computation as the next version of its pair. When an
// earlier version exists it is superseded and an Adjustment links the two.
// Consumed entries are marked included in the period.
func Commit(ctx context.Context, tx payroll.Tx, c payroll.Computation, period payroll.Period, cause Cause, now time.Time) (payroll.ComputationResult, *payroll.Adjustment, error) {
	pair := Pair{EmployeeID: c.EmployeeID, PeriodID: c.PeriodID}
	chain, err := tx.ListResults(ctx, payroll.ResultFilter{EmployeeID: c.EmployeeID, PeriodID: c.PeriodID})
	if err != nil {
		return payroll.ComputationResult{}, nil, err
	}

	res := payroll.ComputationResult{
		ID:           payroll.ResultID(payroll.NewID()),
		EmployeeID:   c.EmployeeID,
		PeriodID:     c.PeriodID,
		Version:      1,
		Lines:        c.Lines,
		Total:        c.Total,
		TermsVersion: c.TermsVersion,
		Rules:        c.Rules,
		EntryIDs:     c.EntryIDs,
		Status:       payroll.ResultFinalized,
		ComputedAt:   now,
	}

	var latest *payroll.ComputationResult
	for i := range chain {
		if latest == nil || chain[i].Version > latest.Version {
			latest = &chain[i]
		}
	}
	if latest != nil {
		res.Version = latest.Version + 1
		res.SupersedesID = latest.ID
		if latest.Status.Current() {
			if err := tx.SetResultStatus(ctx, latest.ID, payroll.ResultSuperseded); err != nil {
				return payroll.ComputationResult{}, nil, fmt.Errorf("supersede result %s: %w", latest.ID, err)
			}
		}
	}

	if err := tx.InsertResult(ctx, res); err != nil {
		return payroll.ComputationResult{}, nil, fmt.Errorf("insert result for %s/%s: %w", pair.EmployeeID, pair.PeriodID, err)
	}
	for _, id := range res.EntryIDs {
		// An entry voided while its period was computing stays voided; the
		// queued reconciliation recomputes without it.
		e, err := tx.GetEntry(ctx, id)
		if err != nil {
			return payroll.ComputationResult{}, nil, err
		}
		if e.Status == payroll.EntryVoided {
			continue
		}
		if err := tx.SetEntryStatus(ctx, payroll.EntryStatusChange{EntryID: id, Status: payroll.EntryIncluded, PeriodID: res.PeriodID}); err != nil {
			return payroll.ComputationResult{}, nil, fmt.Errorf("include entry %s: %w", id, err)
		}
	}

	if latest == nil {
		return res, nil, nil
	}

	invoiced, err := chainInvoiced(ctx, tx, chain)
	if err != nil {
		return payroll.ComputationResult{}, nil, err
	}
	adj := payroll.Adjustment{
		ID:             payroll.AdjustmentID(payroll.NewID()),
		EmployeeID:     res.EmployeeID,
		PeriodID:       res.PeriodID,
		OldResultID:    latest.ID,
		NewResultID:    res.ID,
		OldTotal:       latest.Total,
		NewTotal:       res.Total,
		Delta:          res.Total.Sub(latest.Total),
		Reason:         cause.Reason,
		TriggerEntryID: cause.EntryID,
		Carry:          invoiced,
		CreatedAt:      now,
	}
	if invoiced {
		next, ok, err := lifecycle.NextOpen(ctx, tx, period.Range.End)
		if err != nil {
			return payroll.ComputationResult{}, nil, err
		}
		if ok {
			adj.CarryToPeriodID = next.ID
		}
	}
	if err := tx.InsertAdjustment(ctx, adj); err != nil {
		return payroll.ComputationResult{}, nil, fmt.Errorf("insert adjustment: %w", err)
	}
	if err := payroll.RecordAudit(ctx, tx, payroll.AuditEntry{
		At: now, Actor: cause.Actor, Action: payroll.AuditResultRecomputed,
		SubjectID: string(res.ID), EmployeeID: res.EmployeeID, PeriodID: res.PeriodID,
		Details: map[string]string{
			"version":    fmt.Sprint(res.Version),
			"old_result": string(latest.ID),
			"delta":      adj.Delta.StringFixed(2),
			"carry":      fmt.Sprint(adj.Carry),
			"reason":     cause.Reason,
		},
	}); err != nil {
		return payroll.ComputationResult{}, nil, err
	}
	return res, &adj, nil
}

// CurrentResult returns the live (finalized or stale) result of a pair.
func CurrentResult(ctx context.Context, tx payroll.Tx, pair Pair) (payroll.ComputationResult, bool, error) {
	results, err := tx.ListResults(ctx, payroll.ResultFilter{
		EmployeeID: pair.EmployeeID,
		PeriodID:   pair.PeriodID,
		Statuses:   []payroll.ResultStatus{payroll.ResultFinalized, payroll.ResultStale},
	})
	if err != nil || len(results) == 0 {
		return payroll.ComputationResult{}, false, err
	}
	return results[len(results)-1], true, nil
}

// ChainInvoiced reports whether any version of the pair was invoiced.
func ChainInvoiced(ctx context.Context, tx payroll.Tx, pair Pair) (bool, error) {
	chain, err := tx.ListResults(ctx, payroll.ResultFilter{EmployeeID: pair.EmployeeID, PeriodID: pair.PeriodID})
	if err != nil {
		return false, err
	}
	return chainInvoiced(ctx, tx, chain)
}

func chainInvoiced(ctx context.Context, tx payroll.Tx, chain []payroll.ComputationResult) (bool, error) {
	for _, r := range chain {
		_, ok, err := tx.InvoiceForResult(ctx, r.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
