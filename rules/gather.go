package rules

import (
	"context"
	"fmt"

	"github.com/warp/payroll-engine/payroll"
)

// Gather reads the Input for one (employee, period): the employee, its terms
// history, the rule versions its terms can reference, and every pending or
// included entry dated within the period.
func Gather(ctx context.Context, tx payroll.Tx, employee payroll.EmployeeID, period payroll.Period) (Input, error) {
	emp, err := tx.GetEmployee(ctx, employee)
	if err != nil {
		return Input{}, err
	}
	terms, err := tx.ListTerms(ctx, employee)
	if err != nil {
		return Input{}, fmt.Errorf("list terms for %s: %w", employee, err)
	}

	rules := make(map[payroll.RuleID][]payroll.CommissionRule)
	for _, t := range terms {
		if t.CommissionRuleID == "" {
			continue
		}
		if _, done := rules[t.CommissionRuleID]; done {
			continue
		}
		versions, err := tx.ListRuleVersions(ctx, t.CommissionRuleID)
		if err != nil && !payroll.IsNotFound(err) {
			return Input{}, fmt.Errorf("list rule %s: %w", t.CommissionRuleID, err)
		}
		rules[t.CommissionRuleID] = versions
	}

	r := period.Range
	entries, err := tx.ListEntries(ctx, payroll.EntryFilter{
		EmployeeID: employee,
		Range:      &r,
		Statuses:   []payroll.EntryStatus{payroll.EntryPending, payroll.EntryIncluded},
	})
	if err != nil {
		return Input{}, fmt.Errorf("list entries for %s: %w", employee, err)
	}

	return Input{Employee: emp, Period: period, Terms: terms, Rules: rules, Entries: entries}, nil
}

// Participants returns the employees a period computes: those active during
// the period plus anyone with entries dated in it, ordered by id.
func Participants(ctx context.Context, tx payroll.Tx, period payroll.Period) ([]payroll.EmployeeID, error) {
	employees, err := tx.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	r := period.Range
	entries, err := tx.ListEntries(ctx, payroll.EntryFilter{
		Range:    &r,
		Statuses: []payroll.EntryStatus{payroll.EntryPending, payroll.EntryIncluded},
	})
	if err != nil {
		return nil, err
	}
	hasEntries := make(map[payroll.EmployeeID]bool)
	for _, e := range entries {
		hasEntries[e.EmployeeID] = true
	}

	var out []payroll.EmployeeID
	for _, e := range employees {
		if _, active := e.Active(period.Range); active || hasEntries[e.ID] {
			out = append(out, e.ID)
		}
	}
	return out, nil
}
