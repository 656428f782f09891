package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
)

// =============================================================================
// INVOICES
// =============================================================================

// Issue writes one invoice for the given results of a single employee.
func (e *Engine) Issue(ctx context.Context, ids []payroll.ResultID, issuedOn payroll.Date, actor string) (payroll.Invoice, error) {
	var out payroll.Invoice
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = e.invoices.Issue(ctx, tx, ids, issuedOn, actor)
		return err
	})
	return out, err
}

// IssueForPeriod issues one invoice per employee holding a finalized,
// not yet invoiced result in the period. All invoices commit together.
func (e *Engine) IssueForPeriod(ctx context.Context, id payroll.PeriodID, issuedOn payroll.Date, actor string) ([]payroll.Invoice, error) {
	var out []payroll.Invoice
	err := e.write(ctx, func(tx payroll.Tx) error {
		p, err := tx.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		if p.State != payroll.PeriodClosed && p.State != payroll.PeriodArchived {
			return &payroll.NotFinalizedError{PeriodID: id, Reason: "period is " + string(p.State)}
		}
		results, err := tx.ListResults(ctx, payroll.ResultFilter{PeriodID: id, Statuses: []payroll.ResultStatus{payroll.ResultFinalized}})
		if err != nil {
			return err
		}
		sort.SliceStable(results, func(i, j int) bool { return results[i].EmployeeID < results[j].EmployeeID })
		for _, r := range results {
			invoiced, err := reconcile.ChainInvoiced(ctx, tx, reconcile.Pair{EmployeeID: r.EmployeeID, PeriodID: r.PeriodID})
			if err != nil {
				return err
			}
			if invoiced {
				continue
			}
			inv, err := e.invoices.Issue(ctx, tx, []payroll.ResultID{r.ID}, issuedOn, actor)
			if err != nil {
				return err
			}
			out = append(out, inv)
		}
		return nil
	})
	return out, err
}

// IssueFollowUp invoices the employee's pending carried adjustments alone.
func (e *Engine) IssueFollowUp(ctx context.Context, employee payroll.EmployeeID, issuedOn payroll.Date, actor string) (payroll.Invoice, error) {
	var out payroll.Invoice
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = e.invoices.IssueFollowUp(ctx, tx, employee, issuedOn, actor)
		return err
	})
	return out, err
}

// MarkInvoicePaid sets (paidOn non-nil) or clears the paid flag.
func (e *Engine) MarkInvoicePaid(ctx context.Context, id payroll.InvoiceID, paidOn *payroll.Date, actor string) (payroll.Invoice, error) {
	var out payroll.Invoice
	err := e.write(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = e.invoices.SetPaid(ctx, tx, id, paidOn, actor)
		return err
	})
	return out, err
}

func (e *Engine) Invoice(ctx context.Context, id payroll.InvoiceID) (payroll.Invoice, error) {
	var out payroll.Invoice
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.GetInvoice(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) Invoices(ctx context.Context, f payroll.InvoiceFilter) ([]payroll.Invoice, error) {
	var out []payroll.Invoice
	err := e.read(ctx, func(tx payroll.Tx) error {
		var err error
		out, err = tx.ListInvoices(ctx, f)
		return err
	})
	return out, err
}

func (e *Engine) Payments(ctx context.Context, employee payroll.EmployeeID) ([]payroll.Payment, error) {
	var out []payroll.Payment
	err := e.read(ctx, func(tx payroll.Tx) error {
		if employee != "" {
			if _, err := tx.GetEmployee(ctx, employee); err != nil {
				return err
			}
		}
		var err error
		out, err = tx.ListPayments(ctx, employee)
		return err
	})
	return out, err
}

// =============================================================================
// REPORTS
// =============================================================================

// SummaryRow is one employee's line in a period summary.
type SummaryRow struct {
	EmployeeID    payroll.EmployeeID
	Name          string
	ResultID      payroll.ResultID
	Version       int
	Status        payroll.ResultStatus
	Total         decimal.Decimal
	Invoiced      bool
	InvoiceNumber string
}

type PeriodSummary struct {
	Period payroll.Period
	Rows   []SummaryRow
	Total  decimal.Decimal
}

// PeriodSummary reports each employee's current result for a period.
func (e *Engine) PeriodSummary(ctx context.Context, id payroll.PeriodID) (PeriodSummary, error) {
	var out PeriodSummary
	err := e.read(ctx, func(tx payroll.Tx) error {
		p, err := tx.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		out = PeriodSummary{Period: p, Total: decimal.Zero}
		results, err := tx.ListResults(ctx, payroll.ResultFilter{
			PeriodID: id, Statuses: []payroll.ResultStatus{payroll.ResultFinalized, payroll.ResultStale},
		})
		if err != nil {
			return err
		}
		for _, r := range results {
			emp, err := tx.GetEmployee(ctx, r.EmployeeID)
			if err != nil {
				return err
			}
			row := SummaryRow{
				EmployeeID: r.EmployeeID, Name: emp.Name, ResultID: r.ID,
				Version: r.Version, Status: r.Status, Total: r.Total,
			}
			invID, ok, err := tx.InvoiceForResult(ctx, r.ID)
			if err != nil {
				return err
			}
			if ok {
				inv, err := tx.GetInvoice(ctx, invID)
				if err != nil {
					return err
				}
				row.Invoiced = true
				row.InvoiceNumber = inv.Display
			}
			out.Rows = append(out.Rows, row)
			out.Total = out.Total.Add(r.Total)
		}
		sort.SliceStable(out.Rows, func(i, j int) bool { return out.Rows[i].EmployeeID < out.Rows[j].EmployeeID })
		return nil
	})
	return out, err
}

// YTDRow is one employee's year-to-date figures.
type YTDRow struct {
	EmployeeID payroll.EmployeeID
	Name       string
	Total      decimal.Decimal // current results of periods ending in the year
	Periods    int
	Paid       decimal.Decimal // net payments dated in the year
	LastPaid   *payroll.Date
}

// YearToDate sums current results of periods ending in year, per employee,
// together with payments dated in that year. LastPaid is the latest paid
// date of an invoice still marked paid.
func (e *Engine) YearToDate(ctx context.Context, year int) ([]YTDRow, error) {
	if year < 1 {
		return nil, &payroll.ValidationError{Field: "year", Message: "must be positive"}
	}
	var out []YTDRow
	err := e.read(ctx, func(tx payroll.Tx) error {
		employees, err := tx.ListEmployees(ctx)
		if err != nil {
			return err
		}
		periods, err := tx.ListPeriods(ctx)
		if err != nil {
			return err
		}
		inYear := make(map[payroll.PeriodID]bool)
		for _, p := range periods {
			if p.Range.End.Year() == year {
				inYear[p.ID] = true
			}
		}

		for _, emp := range employees {
			row := YTDRow{EmployeeID: emp.ID, Name: emp.Name, Total: decimal.Zero, Paid: decimal.Zero}
			results, err := tx.ListResults(ctx, payroll.ResultFilter{
				EmployeeID: emp.ID, Statuses: []payroll.ResultStatus{payroll.ResultFinalized, payroll.ResultStale},
			})
			if err != nil {
				return err
			}
			for _, r := range results {
				if inYear[r.PeriodID] {
					row.Total = row.Total.Add(r.Total)
					row.Periods++
				}
			}
			payments, err := tx.ListPayments(ctx, emp.ID)
			if err != nil {
				return err
			}
			for _, p := range payments {
				if p.PaidOn.Year() != year {
					continue
				}
				row.Paid = row.Paid.Add(p.Amount)
			}
			invoices, err := tx.ListInvoices(ctx, payroll.InvoiceFilter{EmployeeID: emp.ID})
			if err != nil {
				return err
			}
			for _, inv := range invoices {
				if inv.PaidOn != nil && (row.LastPaid == nil || row.LastPaid.Before(*inv.PaidOn)) {
					d := *inv.PaidOn
					row.LastPaid = &d
				}
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}
