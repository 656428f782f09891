package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// CreatePeriod inserts an open period. Periods never overlap.
func CreatePeriod(ctx context.Context, tx payroll.Tx, r payroll.DateRange, actor string, now time.Time) (payroll.Period, error) {
	if err := r.Validate(); err != nil {
		return payroll.Period{}, err
	}
	periods, err := tx.ListPeriods(ctx)
	if err != nil {
		return payroll.Period{}, err
	}
	for _, p := range periods {
		if p.Range.Overlaps(r) {
			return payroll.Period{}, &payroll.ValidationError{
				Field:   "range",
				Message: fmt.Sprintf("%s overlaps period %s %s", r, p.ID, p.Range),
			}
		}
	}

	p := payroll.Period{
		ID:        PeriodIDFor(r),
		Range:     r,
		State:     payroll.PeriodOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertPeriod(ctx, p); err != nil {
		return payroll.Period{}, fmt.Errorf("insert period %s: %w", p.ID, err)
	}
	return p, payroll.RecordAudit(ctx, tx, payroll.AuditEntry{
		At: now, Actor: actor, Action: payroll.AuditPeriodCreated,
		SubjectID: string(p.ID), PeriodID: p.ID,
		Details: map[string]string{"start": r.Start.String(), "end": r.End.String()},
	})
}

// NextPeriod creates the period of the same length that starts the day after
// the latest existing period ends.
func NextPeriod(ctx context.Context, tx payroll.Tx, actor string, now time.Time) (payroll.Period, error) {
	periods, err := tx.ListPeriods(ctx)
	if err != nil {
		return payroll.Period{}, err
	}
	if len(periods) == 0 {
		return payroll.Period{}, &payroll.InvalidStateError{Kind: "period", Reason: "no period to follow; create the first one explicitly"}
	}
	last := periods[len(periods)-1]
	return CreatePeriod(ctx, tx, last.Range.Next(), actor, now)
}

// PeriodIDFor derives a stable, readable id from the range.
func PeriodIDFor(r payroll.DateRange) payroll.PeriodID {
	return payroll.PeriodID(r.Start.String() + "_" + r.End.String())
}

// NextOpen returns the earliest open period starting after `after`.
func NextOpen(ctx context.Context, tx payroll.Tx, after payroll.Date) (payroll.Period, bool, error) {
	periods, err := tx.ListPeriods(ctx)
	if err != nil {
		return payroll.Period{}, false, err
	}
	for _, p := range periods {
		if p.State == payroll.PeriodOpen && p.Range.Start.After(after) {
			return p, true, nil
		}
	}
	return payroll.Period{}, false, nil
}

// DueForArchive returns closed periods whose end is older than retention.
func DueForArchive(periods []payroll.Period, now time.Time, retention time.Duration) []payroll.Period {
	cutoff := payroll.DateOf(now.Add(-retention))
	var out []payroll.Period
	for _, p := range periods {
		if p.State == payroll.PeriodClosed && p.Range.End.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}
