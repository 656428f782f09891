package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// INPUT
// =============================================================================

// Input is everything Compute needs for one (employee, period). It is a value
// snapshot: Compute never reads the store.
type Input struct {
	Employee payroll.Employee
	Period   payroll.Period
	Terms    []payroll.CompensationTerms
	Rules    map[payroll.RuleID][]payroll.CommissionRule
	Entries  []payroll.Entry
}

var defaultOvertimeMultiplier = decimal.RequireFromString("1.5")

// =============================================================================
// COMPUTE
// =============================================================================

// Compute applies the pay and commission rules in force at the period end to
// the non-voided entries of the period. The same Input always yields the same
// lines in the same order and the same total.
func Compute(in Input) (payroll.Computation, error) {
	asOf := in.Period.Range.End
	fail := func(err error) (payroll.Computation, error) {
		return payroll.Computation{}, &payroll.RuleEvaluationError{
			EmployeeID: in.Employee.ID, PeriodID: in.Period.ID, Err: err,
		}
	}

	terms, ok := payroll.EffectiveTerms(in.Terms, asOf)
	if !ok {
		return fail(fmt.Errorf("no compensation terms effective on %s", asOf))
	}

	entries := consumable(in.Entries, in.Period.Range)

	var ev Evaluator
	var refs []payroll.RuleRef
	if terms.CommissionRuleID != "" {
		rule, ok := payroll.EffectiveRule(in.Rules[terms.CommissionRuleID], asOf)
		if !ok {
			return payroll.Computation{}, &payroll.RuleEvaluationError{
				EmployeeID: in.Employee.ID, PeriodID: in.Period.ID, RuleID: terms.CommissionRuleID,
				Err: fmt.Errorf("no version effective on %s", asOf),
			}
		}
		built, err := Build(rule)
		if err != nil {
			return payroll.Computation{}, &payroll.RuleEvaluationError{
				EmployeeID: in.Employee.ID, PeriodID: in.Period.ID,
				RuleID: rule.ID, RuleVersion: rule.Version, Err: err,
			}
		}
		ev = built
		refs = append(refs, payroll.RuleRef{RuleID: rule.ID, Version: rule.Version})
	}

	agg := aggregate(entries)
	c := payroll.Computation{
		EmployeeID:   in.Employee.ID,
		PeriodID:     in.Period.ID,
		TermsVersion: terms.Version,
		Rules:        refs,
	}

	if terms.Type == payroll.CompSalary {
		if line, ok := salaryLine(in.Employee, in.Period.Range, terms); ok {
			c.Lines = append(c.Lines, line)
		}
	}

	hoursSoFar := decimal.Zero
	for _, e := range entries {
		switch e.Kind {
		case payroll.EntryTime:
			var lines []payroll.LineItem
			lines, hoursSoFar = timeLines(e, terms, hoursSoFar)
			c.Lines = append(c.Lines, lines...)
		case payroll.EntrySale:
			line, err := saleLine(e, ev, agg)
			if err != nil {
				rerr := &payroll.RuleEvaluationError{
					EmployeeID: in.Employee.ID, PeriodID: in.Period.ID, EntryID: e.ID, Err: err,
				}
				if len(refs) > 0 {
					rerr.RuleID, rerr.RuleVersion = refs[0].RuleID, refs[0].Version
				}
				return payroll.Computation{}, rerr
			}
			c.Lines = append(c.Lines, line)
		default:
			return fail(fmt.Errorf("entry %s has unknown kind %q", e.ID, e.Kind))
		}
		c.EntryIDs = append(c.EntryIDs, e.ID)
	}

	c.Total = SumLines(c.Lines)
	return c, nil
}

// SumLines adds already-rounded line amounts.
func SumLines(lines []payroll.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// consumable drops voided and out-of-range entries and orders the rest by
// occurrence date, then recording time, then id.
func consumable(entries []payroll.Entry, r payroll.DateRange) []payroll.Entry {
	out := make([]payroll.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Status == payroll.EntryVoided || !r.Contains(e.OccurredOn) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OccurredOn.Equal(b.OccurredOn) {
			return a.OccurredOn.Before(b.OccurredOn)
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func aggregate(entries []payroll.Entry) Aggregate {
	agg := Aggregate{SalesTotal: decimal.Zero}
	for _, e := range entries {
		if e.Kind == payroll.EntrySale {
			agg.SalesTotal = agg.SalesTotal.Add(e.Quantity.Value)
			agg.SalesCount++
		}
	}
	return agg
}

// =============================================================================
// PAY RULES
// =============================================================================

// salaryLine prorates the per-period salary by the days the employee was
// active within the period.
func salaryLine(emp payroll.Employee, period payroll.DateRange, terms payroll.CompensationTerms) (payroll.LineItem, bool) {
	active, ok := emp.Active(period)
	if !ok {
		return payroll.LineItem{}, false
	}
	days := decimal.NewFromInt(int64(active.Days()))
	periodDays := decimal.NewFromInt(int64(period.Days()))
	amount := terms.SalaryPerPeriod
	if active.Days() < period.Days() {
		amount = amount.Mul(days).Div(periodDays)
	}
	return payroll.LineItem{
		Kind:        payroll.LineSalary,
		Description: fmt.Sprintf("salary %d/%d days", active.Days(), period.Days()),
		Quantity:    days,
		Rate:        terms.SalaryPerPeriod,
		Amount:      payroll.RoundMinor(amount),
	}, true
}

// timeLines splits a time entry into regular and overtime lines. Overtime
// starts once the period's cumulative hours pass the threshold.
func timeLines(e payroll.Entry, terms payroll.CompensationTerms, before decimal.Decimal) ([]payroll.LineItem, decimal.Decimal) {
	hours := e.Quantity.Value
	after := before.Add(hours)

	if terms.Type != payroll.CompHourly {
		return []payroll.LineItem{{
			Kind:        payroll.LineHours,
			EntryID:     e.ID,
			Description: fmt.Sprintf("%s hours on %s", hours, e.OccurredOn),
			Quantity:    hours,
			Rate:        decimal.Zero,
			Amount:      decimal.Zero,
		}}, after
	}

	regular, overtime := hours, decimal.Zero
	if terms.OvertimeThreshold.IsPositive() {
		room := decimal.Max(terms.OvertimeThreshold.Sub(before), decimal.Zero)
		regular = decimal.Min(hours, room)
		overtime = hours.Sub(regular)
	}

	var lines []payroll.LineItem
	if regular.IsPositive() {
		lines = append(lines, payroll.LineItem{
			Kind:        payroll.LineRegular,
			EntryID:     e.ID,
			Description: fmt.Sprintf("%s regular hours on %s", regular, e.OccurredOn),
			Quantity:    regular,
			Rate:        terms.HourlyRate,
			Amount:      payroll.RoundMinor(regular.Mul(terms.HourlyRate)),
		})
	}
	if overtime.IsPositive() {
		mult := terms.OvertimeMultiplier
		if mult.IsZero() {
			mult = defaultOvertimeMultiplier
		}
		rate := terms.HourlyRate.Mul(mult)
		lines = append(lines, payroll.LineItem{
			Kind:        payroll.LineOvertime,
			EntryID:     e.ID,
			Description: fmt.Sprintf("%s overtime hours on %s at x%s", overtime, e.OccurredOn, mult),
			Quantity:    overtime,
			Rate:        rate,
			Amount:      payroll.RoundMinor(overtime.Mul(rate)),
		})
	}
	return lines, after
}

// =============================================================================
// COMMISSION
// =============================================================================

var errNoRule = errors.New("sale has no commission rule and no manual commission")

func saleLine(e payroll.Entry, ev Evaluator, agg Aggregate) (payroll.LineItem, error) {
	label := saleLabel(e)
	if e.Sale != nil && e.Sale.ManualCommission != nil {
		return payroll.LineItem{
			Kind:        payroll.LineManualCommission,
			EntryID:     e.ID,
			Description: label + ": manual commission",
			Quantity:    e.Quantity.Value,
			Rate:        decimal.Zero,
			Amount:      payroll.RoundMinor(*e.Sale.ManualCommission),
		}, nil
	}
	if ev == nil {
		return payroll.LineItem{}, errNoRule
	}
	c, err := ev.Evaluate(e, agg)
	if err != nil {
		return payroll.LineItem{}, err
	}
	return payroll.LineItem{
		Kind:        payroll.LineCommission,
		EntryID:     e.ID,
		Description: label + ": " + c.Description,
		Quantity:    c.Base,
		Rate:        c.Rate,
		Amount:      payroll.RoundMinor(c.Amount),
	}, nil
}

func saleLabel(e payroll.Entry) string {
	label := "sale " + e.OccurredOn.String()
	if e.Sale == nil {
		return label
	}
	if e.Sale.Reference != "" {
		label += " #" + e.Sale.Reference
	}
	if e.Sale.Customer != "" {
		label += " (" + e.Sale.Customer + ")"
	}
	return label
}
