/*
Package lifecycle is the pay period state machine.

PURPOSE:
  A period moves through a small explicit set of states. Every change goes
  through Fire, which checks the transition table, does a compare-and-set on
  the stored state and appends a history row in the caller's transaction.
  An illegal event fails with InvalidTransitionError and changes nothing.

TRANSITION TABLE:
  event      from        to
  compute    open        computing
  complete   computing   closed
  cancel     computing   open
  reopen     closed      open       (invalidates the period's results)
  archive    closed      archived   (terminal)

SEE ALSO:
  - engine: who fires which event
  - reconcile: work on closed periods that does not change state
*/
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

type Event string

const (
	EventCompute  Event = "compute"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventReopen   Event = "reopen"
	EventArchive  Event = "archive"
)

type edge struct {
	from payroll.PeriodState
	to   payroll.PeriodState
}

var table = map[Event]edge{
	EventCompute:  {payroll.PeriodOpen, payroll.PeriodComputing},
	EventComplete: {payroll.PeriodComputing, payroll.PeriodClosed},
	EventCancel:   {payroll.PeriodComputing, payroll.PeriodOpen},
	EventReopen:   {payroll.PeriodClosed, payroll.PeriodOpen},
	EventArchive:  {payroll.PeriodClosed, payroll.PeriodArchived},
}

// Next returns the state ev leads to from `from`, if the table allows it.
func Next(from payroll.PeriodState, ev Event) (payroll.PeriodState, bool) {
	e, ok := table[ev]
	if !ok || e.from != from {
		return "", false
	}
	return e.to, true
}

// =============================================================================
// CONTROLLER
// =============================================================================

type Controller struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Clock: func() time.Time { return time.Now().UTC() }, Logger: logger}
}

// Fire applies ev to the period inside tx and returns the updated period.
func (c *Controller) Fire(ctx context.Context, tx payroll.Tx, id payroll.PeriodID, ev Event, actor, note string) (payroll.Period, error) {
	p, err := tx.GetPeriod(ctx, id)
	if err != nil {
		return payroll.Period{}, err
	}
	to, ok := Next(p.State, ev)
	if !ok {
		return payroll.Period{}, &payroll.InvalidTransitionError{PeriodID: id, From: p.State, Event: string(ev)}
	}

	now := c.Clock()
	if err := tx.SetPeriodState(ctx, id, p.State, to, now); err != nil {
		return payroll.Period{}, fmt.Errorf("period %s %s: %w", id, ev, err)
	}
	if err := tx.AppendTransition(ctx, payroll.PeriodTransition{
		PeriodID: id, From: p.State, To: to, Event: string(ev), Actor: actor, Note: note, At: now,
	}); err != nil {
		return payroll.Period{}, fmt.Errorf("record transition for %s: %w", id, err)
	}
	if err := payroll.RecordAudit(ctx, tx, payroll.AuditEntry{
		At: now, Actor: actor, Action: payroll.AuditPeriodTransition,
		SubjectID: string(id), PeriodID: id,
		Details: map[string]string{"from": string(p.State), "to": string(to), "event": string(ev), "note": note},
	}); err != nil {
		return payroll.Period{}, err
	}

	if ev == EventReopen {
		if err := invalidate(ctx, tx, id); err != nil {
			return payroll.Period{}, err
		}
	}

	c.Logger.InfoContext(ctx, "period transition",
		slog.String("period_id", string(id)),
		slog.String("from", string(p.State)),
		slog.String("to", string(to)),
		slog.String("event", string(ev)),
		slog.String("actor", actor))

	p.State = to
	p.UpdatedAt = now
	return p, nil
}

// invalidate marks every current result of the period invalidated and hands
// its included entries back to pending, so the next compute starts fresh.
func invalidate(ctx context.Context, tx payroll.Tx, id payroll.PeriodID) error {
	results, err := tx.ListResults(ctx, payroll.ResultFilter{
		PeriodID: id,
		Statuses: []payroll.ResultStatus{payroll.ResultFinalized, payroll.ResultStale},
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := tx.SetResultStatus(ctx, r.ID, payroll.ResultInvalidated); err != nil {
			return fmt.Errorf("invalidate result %s: %w", r.ID, err)
		}
	}

	entries, err := tx.ListEntries(ctx, payroll.EntryFilter{
		PeriodID: id,
		Statuses: []payroll.EntryStatus{payroll.EntryIncluded},
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := tx.SetEntryStatus(ctx, payroll.EntryStatusChange{EntryID: e.ID, Status: payroll.EntryPending}); err != nil {
			return fmt.Errorf("release entry %s: %w", e.ID, err)
		}
	}
	return nil
}
