package engine

import (
	"context"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
)

// =============================================================================
// EMPLOYEES, TERMS, RULES
// =============================================================================

func (e *Engine) AddEmployee(ctx context.Context, emp payroll.Employee, terms payroll.CompensationTerms, actor string) (payroll.Employee, payroll.CompensationTerms, error) {
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		emp, terms, err = payroll.AddEmployeeTx(ctx, tx, emp, terms, actor, e.now())
		return err
	})
	return emp, terms, err
}

// AddTerms appends a new effective-dated version of an employee's terms.
// Past results keep the version they were computed with until recomputed.
func (e *Engine) AddTerms(ctx context.Context, terms payroll.CompensationTerms, actor string) (payroll.CompensationTerms, error) {
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		terms, err = payroll.AddTermsTx(ctx, tx, terms, actor, e.now())
		return err
	})
	return terms, err
}

// SetActiveTo ends (or, with nil, reopens) an employee's active range.
func (e *Engine) SetActiveTo(ctx context.Context, id payroll.EmployeeID, to *payroll.Date) (payroll.Employee, error) {
	var out payroll.Employee
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = payroll.SetActiveToTx(ctx, tx, id, to)
		return err
	})
	return out, err
}

// AddRule validates the rule's kind and params and appends the next version.
func (e *Engine) AddRule(ctx context.Context, r payroll.CommissionRule, actor string) (payroll.CommissionRule, error) {
	if _, err := rules.Build(r); err != nil {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "params", Message: err.Error()}
	}
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		r, err = payroll.AddRuleVersionTx(ctx, tx, r, actor, e.now())
		return err
	})
	return r, err
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Employees(ctx context.Context) ([]payroll.Employee, error) {
	var out []payroll.Employee
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListEmployees(ctx)
		return err
	})
	return out, err
}

func (e *Engine) Employee(ctx context.Context, id payroll.EmployeeID) (payroll.Employee, []payroll.CompensationTerms, error) {
	var emp payroll.Employee
	var terms []payroll.CompensationTerms
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		if emp, err = tx.GetEmployee(ctx, id); err != nil {
			return err
		}
		terms, err = tx.ListTerms(ctx, id)
		return err
	})
	return emp, terms, err
}

func (e *Engine) RuleVersions(ctx context.Context, id payroll.RuleID) ([]payroll.CommissionRule, error) {
	var out []payroll.CommissionRule
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListRuleVersions(ctx, id)
		return err
	})
	return out, err
}

// Rules lists every version of every rule, by id then version.
func (e *Engine) Rules(ctx context.Context) ([]payroll.CommissionRule, error) {
	var out []payroll.CommissionRule
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListRules(ctx)
		return err
	})
	return out, err
}

func (e *Engine) Entry(ctx context.Context, id payroll.EntryID) (payroll.Entry, error) {
	var out payroll.Entry
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.GetEntry(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) Results(ctx context.Context, f payroll.ResultFilter) ([]payroll.ComputationResult, error) {
	var out []payroll.ComputationResult
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListResults(ctx, f)
		return err
	})
	return out, err
}

func (e *Engine) Result(ctx context.Context, id payroll.ResultID) (payroll.ComputationResult, error) {
	var out payroll.ComputationResult
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.GetResult(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) Adjustments(ctx context.Context, f payroll.AdjustmentFilter) ([]payroll.Adjustment, error) {
	var out []payroll.Adjustment
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListAdjustments(ctx, f)
		return err
	})
	return out, err
}

func (e *Engine) Audit(ctx context.Context, f payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	var out []payroll.AuditEntry
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListAudit(ctx, f)
		return err
	})
	return out, err
}
