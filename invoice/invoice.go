/*
Package invoice turns finalized results into frozen, numbered invoices.

PURPOSE:
  An invoice is a snapshot: its lines and total are copied from results and
  carried adjustments at issue time and never recomputed. Later differences
  travel as carried adjustments on a follow-up invoice.

NUMBERING:
  One gapless sequence. The number is allocated with NextInvoiceNumber in the
  same transaction that writes the invoice, and the store serializes writers,
  so a rolled-back issue never burns a number and two issues never share one.

PRECONDITIONS (per result):
  - exists                               else NotFoundError
  - status finalized, period closed or
    archived                             else NotFinalizedError
  - no version of its chain invoiced     else InvalidStateError
  - all results belong to one employee   else ValidationError

SEE ALSO:
  - reconcile: where carried adjustments come from
  - export: rendering the snapshot
*/
package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
)

type Generator struct {
	Prefix   string
	Currency string
	Clock    func() time.Time
	Logger   *slog.Logger
}

func NewGenerator(prefix, currency string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		Prefix:   prefix,
		Currency: currency,
		Clock:    func() time.Time { return time.Now().UTC() },
		Logger:   logger,
	}
}

// Display formats an invoice number.
func (g *Generator) Display(n int64) string {
	return fmt.Sprintf("%s-%06d", g.Prefix, n)
}

// =============================================================================
// ISSUE
// =============================================================================

// Issue validates the results and writes one invoice covering them, plus any
// carried adjustments of earlier periods not yet invoiced.
func (g *Generator) Issue(ctx context.Context, tx payroll.Tx, ids []payroll.ResultID, issuedOn payroll.Date, actor string) (payroll.Invoice, error) {
	if len(ids) == 0 {
		return payroll.Invoice{}, &payroll.ValidationError{Field: "results", Message: "at least one result is required"}
	}

	type covered struct {
		result payroll.ComputationResult
		period payroll.Period
	}
	var items []covered
	seen := make(map[payroll.ResultID]bool)
	var employee payroll.EmployeeID

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		r, err := tx.GetResult(ctx, id)
		if err != nil {
			return payroll.Invoice{}, err
		}
		if r.Status != payroll.ResultFinalized {
			return payroll.Invoice{}, &payroll.NotFinalizedError{ResultID: r.ID, PeriodID: r.PeriodID, Status: r.Status, Reason: "only finalized results can be invoiced"}
		}
		p, err := tx.GetPeriod(ctx, r.PeriodID)
		if err != nil {
			return payroll.Invoice{}, err
		}
		if p.State != payroll.PeriodClosed && p.State != payroll.PeriodArchived {
			return payroll.Invoice{}, &payroll.NotFinalizedError{ResultID: r.ID, PeriodID: r.PeriodID, Status: r.Status, Reason: "period is " + string(p.State)}
		}
		if employee == "" {
			employee = r.EmployeeID
		} else if r.EmployeeID != employee {
			return payroll.Invoice{}, &payroll.ValidationError{Field: "results", Message: fmt.Sprintf("results span employees %s and %s", employee, r.EmployeeID)}
		}
		invoiced, err := reconcile.ChainInvoiced(ctx, tx, reconcile.Pair{EmployeeID: r.EmployeeID, PeriodID: r.PeriodID})
		if err != nil {
			return payroll.Invoice{}, err
		}
		if invoiced {
			return payroll.Invoice{}, &payroll.InvalidStateError{
				Kind: "result", ID: string(r.ID), State: string(r.Status),
				Reason: fmt.Sprintf("period %s already invoiced for %s; differences travel as carried adjustments", r.PeriodID, r.EmployeeID),
			}
		}
		items = append(items, covered{result: r, period: p})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].period.Range.Start.Before(items[j].period.Range.Start) })

	var lines []payroll.InvoiceLine
	var resultIDs []payroll.ResultID
	for _, it := range items {
		resultIDs = append(resultIDs, it.result.ID)
		for _, l := range it.result.Lines {
			lines = append(lines, payroll.InvoiceLine{
				Kind:        l.Kind,
				PeriodID:    it.result.PeriodID,
				ResultID:    it.result.ID,
				EntryID:     l.EntryID,
				Description: l.Description,
				Quantity:    l.Quantity,
				Rate:        l.Rate,
				Amount:      l.Amount,
			})
		}
	}

	latestStart := items[len(items)-1].period.Range.Start
	carried, err := carriedBefore(ctx, tx, employee, &latestStart)
	if err != nil {
		return payroll.Invoice{}, err
	}
	return g.write(ctx, tx, employee, issuedOn, lines, resultIDs, carried, actor)
}

// IssueFollowUp writes an invoice holding only the employee's carried
// adjustments that no invoice has picked up yet.
func (g *Generator) IssueFollowUp(ctx context.Context, tx payroll.Tx, employee payroll.EmployeeID, issuedOn payroll.Date, actor string) (payroll.Invoice, error) {
	if _, err := tx.GetEmployee(ctx, employee); err != nil {
		return payroll.Invoice{}, err
	}
	carried, err := carriedBefore(ctx, tx, employee, nil)
	if err != nil {
		return payroll.Invoice{}, err
	}
	if len(carried) == 0 {
		return payroll.Invoice{}, &payroll.InvalidStateError{Kind: "employee", ID: string(employee), Reason: "no carried adjustments to invoice"}
	}
	return g.write(ctx, tx, employee, issuedOn, nil, nil, carried, actor)
}

// carriedBefore lists un-invoiced carried adjustments, restricted to periods
// ending before `before` when given.
func carriedBefore(ctx context.Context, tx payroll.Tx, employee payroll.EmployeeID, before *payroll.Date) ([]payroll.Adjustment, error) {
	adjs, err := tx.ListAdjustments(ctx, payroll.AdjustmentFilter{EmployeeID: employee, CarryOnly: true, UninvoicedOnly: true})
	if err != nil {
		return nil, err
	}
	if before == nil {
		return adjs, nil
	}
	var out []payroll.Adjustment
	for _, a := range adjs {
		p, err := tx.GetPeriod(ctx, a.PeriodID)
		if err != nil {
			return nil, err
		}
		if p.Range.End.Before(*before) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (g *Generator) write(ctx context.Context, tx payroll.Tx, employee payroll.EmployeeID, issuedOn payroll.Date,
	lines []payroll.InvoiceLine, resultIDs []payroll.ResultID, carried []payroll.Adjustment, actor string) (payroll.Invoice, error) {

	emp, err := tx.GetEmployee(ctx, employee)
	if err != nil {
		return payroll.Invoice{}, err
	}

	var adjIDs []payroll.AdjustmentID
	for _, a := range carried {
		adjIDs = append(adjIDs, a.ID)
		lines = append(lines, payroll.InvoiceLine{
			Kind:         payroll.LineAdjustment,
			PeriodID:     a.PeriodID,
			ResultID:     a.NewResultID,
			AdjustmentID: a.ID,
			EntryID:      a.TriggerEntryID,
			Description:  adjustmentDescription(a),
			Quantity:     decimal.NewFromInt(1),
			Rate:         a.Delta,
			Amount:       a.Delta,
		})
	}

	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}

	now := g.Clock()
	if issuedOn.IsZero() {
		issuedOn = payroll.DateOf(now)
	}
	n, err := tx.NextInvoiceNumber(ctx)
	if err != nil {
		return payroll.Invoice{}, fmt.Errorf("allocate invoice number: %w", err)
	}
	inv := payroll.Invoice{
		ID:            payroll.InvoiceID(payroll.NewID()),
		Number:        n,
		Display:       g.Display(n),
		IssuedOn:      issuedOn,
		EmployeeID:    emp.ID,
		EmployeeName:  emp.Name,
		Currency:      g.Currency,
		Lines:         lines,
		Total:         total,
		ResultIDs:     resultIDs,
		AdjustmentIDs: adjIDs,
		CreatedAt:     now,
	}
	if err := tx.InsertInvoice(ctx, inv); err != nil {
		return payroll.Invoice{}, fmt.Errorf("insert invoice %s: %w", inv.Display, err)
	}
	for _, id := range adjIDs {
		if err := tx.MarkAdjustmentInvoiced(ctx, id, inv.ID); err != nil {
			return payroll.Invoice{}, err
		}
	}
	if err := payroll.RecordAudit(ctx, tx, payroll.AuditEntry{
		At: now, Actor: actor, Action: payroll.AuditInvoiceIssued,
		SubjectID: string(inv.ID), EmployeeID: emp.ID,
		Details: map[string]string{
			"number":      inv.Display,
			"total":       total.StringFixed(2),
			"results":     fmt.Sprint(len(resultIDs)),
			"adjustments": fmt.Sprint(len(adjIDs)),
		},
	}); err != nil {
		return payroll.Invoice{}, err
	}

	g.Logger.InfoContext(ctx, "invoice issued",
		slog.String("invoice_number", inv.Display),
		slog.String("employee_id", string(emp.ID)),
		slog.String("total", total.StringFixed(2)))
	return inv, nil
}

func adjustmentDescription(a payroll.Adjustment) string {
	desc := fmt.Sprintf("adjustment for period %s: %s -> %s", a.PeriodID, a.OldTotal.StringFixed(2), a.NewTotal.StringFixed(2))
	if a.Reason != "" {
		desc += " (" + a.Reason + ")"
	}
	return desc
}

// =============================================================================
// PAID STATUS
// =============================================================================

// SetPaid toggles the paid flag. Marking paid appends a payment for the
// invoice total; marking unpaid appends the reversing payment. The invoice's
// lines and total are untouched.
func (g *Generator) SetPaid(ctx context.Context, tx payroll.Tx, id payroll.InvoiceID, paidOn *payroll.Date, actor string) (payroll.Invoice, error) {
	inv, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return payroll.Invoice{}, err
	}
	if (inv.PaidOn == nil) == (paidOn == nil) {
		state := "unpaid"
		if inv.PaidOn != nil {
			state = "paid"
		}
		return payroll.Invoice{}, &payroll.InvalidStateError{Kind: "invoice", ID: string(id), State: state, Reason: "already " + state}
	}

	now := g.Clock()
	p := payroll.Payment{
		ID:         payroll.PaymentID(payroll.NewID()),
		EmployeeID: inv.EmployeeID,
		InvoiceID:  inv.ID,
		Amount:     inv.Total,
		CreatedAt:  now,
	}
	if paidOn != nil {
		p.PaidOn = *paidOn
	} else {
		p.PaidOn = payroll.DateOf(now)
		p.Amount = inv.Total.Neg()
	}

	if err := tx.SetInvoicePaid(ctx, id, paidOn); err != nil {
		return payroll.Invoice{}, err
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return payroll.Invoice{}, fmt.Errorf("record payment for %s: %w", inv.Display, err)
	}
	details := map[string]string{"number": inv.Display, "paid": fmt.Sprint(paidOn != nil)}
	if paidOn != nil {
		details["paid_on"] = paidOn.String()
	}
	if err := payroll.RecordAudit(ctx, tx, payroll.AuditEntry{
		At: now, Actor: actor, Action: payroll.AuditInvoicePaidToggle,
		SubjectID: string(id), EmployeeID: inv.EmployeeID, Details: details,
	}); err != nil {
		return payroll.Invoice{}, err
	}
	inv.PaidOn = paidOn
	return inv, nil
}
