package sqlite

import (
	"context"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

func (t *txStore) SaveEmployee(ctx context.Context, e payroll.Employee) error {
	_, err := t.exec(ctx, sq.Insert("employees").
		Columns(employeeColumns...).
		Values(string(e.ID), e.Name, e.Email, e.ActiveFrom.String(), formatDatePtr(e.ActiveTo), formatTime(e.CreatedAt)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email,
			active_from = excluded.active_from, active_to = excluded.active_to`))
	if err != nil {
		return fmt.Errorf("save employee %s: %w", e.ID, err)
	}
	return nil
}

func (t *txStore) GetEmployee(ctx context.Context, id payroll.EmployeeID) (payroll.Employee, error) {
	var row employeeRow
	if err := t.getRow(ctx, &row, sq.Select(employeeColumns...).From("employees").Where(sq.Eq{"id": string(id)}), "employee", string(id)); err != nil {
		return payroll.Employee{}, err
	}
	return row.toDomain()
}

func (t *txStore) ListEmployees(ctx context.Context) ([]payroll.Employee, error) {
	var rows []employeeRow
	if err := t.selectRows(ctx, &rows, sq.Select(employeeColumns...).From("employees").OrderBy("id")); err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	return convert[payroll.Employee](rows)
}

// =============================================================================
// TERMS, RULES
// =============================================================================

func (t *txStore) AppendTerms(ctx context.Context, c payroll.CompensationTerms) error {
	_, err := t.exec(ctx, sq.Insert("compensation_terms").
		Columns(termsColumns...).
		Values(string(c.EmployeeID), c.Version, c.EffectiveFrom.String(), string(c.Type),
			c.HourlyRate.String(), c.OvertimeThreshold.String(), c.OvertimeMultiplier.String(),
			c.SalaryPerPeriod.String(), string(c.CommissionRuleID), formatTime(c.CreatedAt)))
	return conflict(err, "terms", string(c.EmployeeID), "version already exists")
}

func (t *txStore) ListTerms(ctx context.Context, id payroll.EmployeeID) ([]payroll.CompensationTerms, error) {
	var rows []termsRow
	err := t.selectRows(ctx, &rows, sq.Select(termsColumns...).From("compensation_terms").
		Where(sq.Eq{"employee_id": string(id)}).OrderBy("version"))
	if err != nil {
		return nil, fmt.Errorf("list terms of %s: %w", id, err)
	}
	return convert[payroll.CompensationTerms](rows)
}

func (t *txStore) AppendRule(ctx context.Context, r payroll.CommissionRule) error {
	_, err := t.exec(ctx, sq.Insert("commission_rules").
		Columns(ruleColumns...).
		Values(string(r.ID), r.Version, r.EffectiveFrom.String(), r.Name, r.Kind, string(r.Params), formatTime(r.CreatedAt)))
	return conflict(err, "rule", string(r.ID), "version already exists")
}

func (t *txStore) ListRuleVersions(ctx context.Context, id payroll.RuleID) ([]payroll.CommissionRule, error) {
	var rows []ruleRow
	err := t.selectRows(ctx, &rows, sq.Select(ruleColumns...).From("commission_rules").
		Where(sq.Eq{"id": string(id)}).OrderBy("version"))
	if err != nil {
		return nil, fmt.Errorf("list rule versions of %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, &payroll.NotFoundError{Kind: "rule", ID: string(id)}
	}
	return convert[payroll.CommissionRule](rows)
}

func (t *txStore) ListRules(ctx context.Context) ([]payroll.CommissionRule, error) {
	var rows []ruleRow
	if err := t.selectRows(ctx, &rows, sq.Select(ruleColumns...).From("commission_rules").OrderBy("id", "version")); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return convert[payroll.CommissionRule](rows)
}

// =============================================================================
// ENTRIES
// =============================================================================

func (t *txStore) InsertEntry(ctx context.Context, e payroll.Entry) error {
	var voidedAt any
	if e.VoidedAt != nil {
		voidedAt = formatTime(*e.VoidedAt)
	}
	_, err := t.exec(ctx, sq.Insert("entries").
		Columns(entryColumns...).
		Values(string(e.ID), string(e.EmployeeID), string(e.Kind), e.OccurredOn.String(),
			e.Quantity.Value.String(), string(e.Quantity.Unit), encodeSale(e.Sale), e.Note, string(e.Status),
			string(e.PeriodID), string(e.ReplacesID), voidedAt, e.VoidReason,
			nullString(e.IdempotencyKey), formatTime(e.RecordedAt)))
	return conflict(err, "entry", string(e.ID), "already exists or duplicate idempotency key")
}

func (t *txStore) GetEntry(ctx context.Context, id payroll.EntryID) (payroll.Entry, error) {
	var row entryRow
	if err := t.getRow(ctx, &row, sq.Select(entryColumns...).From("entries").Where(sq.Eq{"id": string(id)}), "entry", string(id)); err != nil {
		return payroll.Entry{}, err
	}
	return row.toDomain()
}

func (t *txStore) FindEntryByKey(ctx context.Context, key string) (payroll.Entry, bool, error) {
	var row entryRow
	err := t.getRow(ctx, &row, sq.Select(entryColumns...).From("entries").Where(sq.Eq{"idempotency_key": key}), "entry", key)
	if payroll.IsNotFound(err) {
		return payroll.Entry{}, false, nil
	}
	if err != nil {
		return payroll.Entry{}, false, err
	}
	e, err := row.toDomain()
	return e, err == nil, err
}

// ListEntries returns matches ordered by occurrence date, then recording order.
func (t *txStore) ListEntries(ctx context.Context, f payroll.EntryFilter) ([]payroll.Entry, error) {
	q := sq.Select(entryColumns...).From("entries").OrderBy("occurred_on", "rowid")
	if f.EmployeeID != "" {
		q = q.Where(sq.Eq{"employee_id": string(f.EmployeeID)})
	}
	if f.Range != nil {
		q = q.Where(sq.GtOrEq{"occurred_on": f.Range.Start.String()}).
			Where(sq.LtOrEq{"occurred_on": f.Range.End.String()})
	}
	if len(f.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	if f.PeriodID != "" {
		q = q.Where(sq.Eq{"period_id": string(f.PeriodID)})
	}
	var rows []entryRow
	if err := t.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return convert[payroll.Entry](rows)
}

func (t *txStore) SetEntryStatus(ctx context.Context, c payroll.EntryStatusChange) error {
	var voidedAt any
	if c.VoidedAt != nil {
		voidedAt = formatTime(*c.VoidedAt)
	}
	res, err := t.exec(ctx, sq.Update("entries").
		Set("status", string(c.Status)).
		Set("period_id", string(c.PeriodID)).
		Set("voided_at", voidedAt).
		Set("void_reason", c.VoidReason).
		Where(sq.Eq{"id": string(c.EntryID)}))
	return mustAffect(res, err, "entry", string(c.EntryID))
}

// =============================================================================
// PERIODS
// =============================================================================

func (t *txStore) InsertPeriod(ctx context.Context, p payroll.Period) error {
	_, err := t.exec(ctx, sq.Insert("periods").
		Columns(periodColumns...).
		Values(string(p.ID), p.Range.Start.String(), p.Range.End.String(), string(p.State),
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt)))
	return conflict(err, "period", string(p.ID), "already exists")
}

func (t *txStore) GetPeriod(ctx context.Context, id payroll.PeriodID) (payroll.Period, error) {
	var row periodRow
	if err := t.getRow(ctx, &row, sq.Select(periodColumns...).From("periods").Where(sq.Eq{"id": string(id)}), "period", string(id)); err != nil {
		return payroll.Period{}, err
	}
	return row.toDomain()
}

// ListPeriods returns periods ordered by start date.
func (t *txStore) ListPeriods(ctx context.Context) ([]payroll.Period, error) {
	var rows []periodRow
	if err := t.selectRows(ctx, &rows, sq.Select(periodColumns...).From("periods").OrderBy("start_date")); err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	return convert[payroll.Period](rows)
}

// SetPeriodState only updates a row still in state from.
func (t *txStore) SetPeriodState(ctx context.Context, id payroll.PeriodID, from, to payroll.PeriodState, at time.Time) error {
	res, err := t.exec(ctx, sq.Update("periods").
		Set("state", string(to)).
		Set("updated_at", formatTime(at)).
		Where(sq.Eq{"id": string(id), "state": string(from)}))
	if err != nil {
		return fmt.Errorf("update period %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := t.GetPeriod(ctx, id)
	if err != nil {
		return err
	}
	return &payroll.InvalidStateError{Kind: "period", ID: string(id), State: string(current.State), Reason: "expected " + string(from)}
}

func (t *txStore) AppendTransition(ctx context.Context, tr payroll.PeriodTransition) error {
	_, err := t.exec(ctx, sq.Insert("period_transitions").
		Columns(transitionColumns...).
		Values(string(tr.PeriodID), string(tr.From), string(tr.To), tr.Event, tr.Actor, tr.Note, formatTime(tr.At)))
	if err != nil {
		return fmt.Errorf("append transition for %s: %w", tr.PeriodID, err)
	}
	return nil
}

func (t *txStore) ListTransitions(ctx context.Context, id payroll.PeriodID) ([]payroll.PeriodTransition, error) {
	var rows []transitionRow
	err := t.selectRows(ctx, &rows, sq.Select(transitionColumns...).From("period_transitions").
		Where(sq.Eq{"period_id": string(id)}).OrderBy("rowid"))
	if err != nil {
		return nil, fmt.Errorf("list transitions of %s: %w", id, err)
	}
	return convert[payroll.PeriodTransition](rows)
}

// =============================================================================
// RESULTS
// =============================================================================

func (t *txStore) InsertResult(ctx context.Context, r payroll.ComputationResult) error {
	_, err := t.exec(ctx, sq.Insert("results").
		Columns(resultColumns...).
		Values(string(r.ID), string(r.EmployeeID), string(r.PeriodID), r.Version, encodeLines(r.Lines),
			r.Total.String(), r.TermsVersion, encodeRuleRefs(r.Rules), string(r.Status),
			string(r.SupersedesID), formatTime(r.ComputedAt)))
	if err := conflict(err, "result", string(r.ID), "already exists or version taken"); err != nil {
		return err
	}
	if len(r.EntryIDs) == 0 {
		return nil
	}
	ins := sq.Insert("result_entries").Columns("result_id", "entry_id", "position")
	for i, eid := range r.EntryIDs {
		ins = ins.Values(string(r.ID), string(eid), i)
	}
	if _, err := t.exec(ctx, ins); err != nil {
		return fmt.Errorf("index entries of result %s: %w", r.ID, err)
	}
	return nil
}

func (t *txStore) GetResult(ctx context.Context, id payroll.ResultID) (payroll.ComputationResult, error) {
	var row resultRow
	if err := t.getRow(ctx, &row, sq.Select(resultColumns...).From("results").Where(sq.Eq{"id": string(id)}), "result", string(id)); err != nil {
		return payroll.ComputationResult{}, err
	}
	res, err := row.toDomain()
	if err != nil {
		return payroll.ComputationResult{}, err
	}
	res.EntryIDs, err = t.resultEntries(ctx, id)
	return res, err
}

// ListResults returns matches in creation order.
func (t *txStore) ListResults(ctx context.Context, f payroll.ResultFilter) ([]payroll.ComputationResult, error) {
	q := sq.Select(resultColumns...).From("results").OrderBy("rowid")
	if f.EmployeeID != "" {
		q = q.Where(sq.Eq{"employee_id": string(f.EmployeeID)})
	}
	if f.PeriodID != "" {
		q = q.Where(sq.Eq{"period_id": string(f.PeriodID)})
	}
	if len(f.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	var rows []resultRow
	if err := t.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out, err := convert[payroll.ComputationResult](rows)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].EntryIDs, err = t.resultEntries(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *txStore) resultEntries(ctx context.Context, id payroll.ResultID) ([]payroll.EntryID, error) {
	var ids []string
	err := t.selectRows(ctx, &ids, sq.Select("entry_id").From("result_entries").
		Where(sq.Eq{"result_id": string(id)}).OrderBy("position"))
	if err != nil {
		return nil, fmt.Errorf("load entries of result %s: %w", id, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]payroll.EntryID, len(ids))
	for i, s := range ids {
		out[i] = payroll.EntryID(s)
	}
	return out, nil
}

func (t *txStore) SetResultStatus(ctx context.Context, id payroll.ResultID, s payroll.ResultStatus) error {
	res, err := t.exec(ctx, sq.Update("results").Set("status", string(s)).Where(sq.Eq{"id": string(id)}))
	return mustAffect(res, err, "result", string(id))
}

func (t *txStore) ResultsConsuming(ctx context.Context, id payroll.EntryID) ([]payroll.ResultID, error) {
	var ids []string
	err := t.selectRows(ctx, &ids, sq.Select("result_id").From("result_entries").
		Where(sq.Eq{"entry_id": string(id)}).OrderBy("rowid"))
	if err != nil {
		return nil, fmt.Errorf("read dependency index for %s: %w", id, err)
	}
	out := make([]payroll.ResultID, len(ids))
	for i, s := range ids {
		out[i] = payroll.ResultID(s)
	}
	return out, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func (t *txStore) InsertAdjustment(ctx context.Context, a payroll.Adjustment) error {
	_, err := t.exec(ctx, sq.Insert("adjustments").
		Columns(adjustmentColumns...).
		Values(string(a.ID), string(a.EmployeeID), string(a.PeriodID), string(a.OldResultID), string(a.NewResultID),
			a.OldTotal.String(), a.NewTotal.String(), a.Delta.String(), a.Reason, string(a.TriggerEntryID),
			a.Carry, string(a.CarryToPeriodID), string(a.InvoiceID), formatTime(a.CreatedAt)))
	return conflict(err, "adjustment", string(a.ID), "already exists")
}

func (t *txStore) ListAdjustments(ctx context.Context, f payroll.AdjustmentFilter) ([]payroll.Adjustment, error) {
	q := sq.Select(adjustmentColumns...).From("adjustments").OrderBy("rowid")
	if f.EmployeeID != "" {
		q = q.Where(sq.Eq{"employee_id": string(f.EmployeeID)})
	}
	if f.PeriodID != "" {
		q = q.Where(sq.Eq{"period_id": string(f.PeriodID)})
	}
	if f.CarryOnly {
		q = q.Where(sq.Eq{"carry": true})
	}
	if f.UninvoicedOnly {
		q = q.Where(sq.Eq{"invoice_id": ""})
	}
	var rows []adjustmentRow
	if err := t.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	return convert[payroll.Adjustment](rows)
}

func (t *txStore) MarkAdjustmentInvoiced(ctx context.Context, id payroll.AdjustmentID, invoice payroll.InvoiceID) error {
	res, err := t.exec(ctx, sq.Update("adjustments").
		Set("invoice_id", string(invoice)).
		Where(sq.Eq{"id": string(id), "invoice_id": ""}))
	if err != nil {
		return fmt.Errorf("update adjustment %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	var current string
	err = t.getRow(ctx, &current, sq.Select("invoice_id").From("adjustments").Where(sq.Eq{"id": string(id)}), "adjustment", string(id))
	if err != nil {
		return err
	}
	return &payroll.InvalidStateError{Kind: "adjustment", ID: string(id), Reason: "already invoiced on " + current}
}

// =============================================================================
// INVOICES
// =============================================================================

// NextInvoiceNumber bumps the single-row sequence inside the caller's
// transaction, so a rollback returns the number.
func (t *txStore) NextInvoiceNumber(ctx context.Context) (int64, error) {
	if _, err := t.exec(ctx, sq.Update("invoice_sequence").Set("last", sq.Expr("last + 1")).Where(sq.Eq{"id": 1})); err != nil {
		return 0, fmt.Errorf("bump invoice sequence: %w", err)
	}
	var n int64
	if err := t.getRow(ctx, &n, sq.Select("last").From("invoice_sequence").Where(sq.Eq{"id": 1}), "invoice_sequence", "1"); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *txStore) InsertInvoice(ctx context.Context, inv payroll.Invoice) error {
	for _, rid := range inv.ResultIDs {
		existing, ok, err := t.InvoiceForResult(ctx, rid)
		if err != nil {
			return err
		}
		if ok {
			return &payroll.InvalidStateError{Kind: "result", ID: string(rid), Reason: "already invoiced on " + string(existing)}
		}
	}

	resultIDs := inv.ResultIDs
	if resultIDs == nil {
		resultIDs = []payroll.ResultID{}
	}
	adjIDs := inv.AdjustmentIDs
	if adjIDs == nil {
		adjIDs = []payroll.AdjustmentID{}
	}
	_, err := t.exec(ctx, sq.Insert("invoices").
		Columns(invoiceColumns...).
		Values(string(inv.ID), inv.Number, inv.Display, inv.IssuedOn.String(), string(inv.EmployeeID),
			inv.EmployeeName, inv.Currency, encodeInvoiceLines(inv.Lines), inv.Total.String(),
			mustJSON(resultIDs), mustJSON(adjIDs), formatDatePtr(inv.PaidOn), formatTime(inv.CreatedAt)))
	if err := conflict(err, "invoice", string(inv.ID), "duplicate id or number "+inv.Display); err != nil {
		return err
	}

	if len(inv.ResultIDs) == 0 {
		return nil
	}
	ins := sq.Insert("invoice_results").Columns("result_id", "invoice_id")
	for _, rid := range inv.ResultIDs {
		ins = ins.Values(string(rid), string(inv.ID))
	}
	_, err = t.exec(ctx, ins)
	return conflict(err, "invoice", string(inv.ID), "result already invoiced")
}

func (t *txStore) GetInvoice(ctx context.Context, id payroll.InvoiceID) (payroll.Invoice, error) {
	var row invoiceRow
	if err := t.getRow(ctx, &row, sq.Select(invoiceColumns...).From("invoices").Where(sq.Eq{"id": string(id)}), "invoice", string(id)); err != nil {
		return payroll.Invoice{}, err
	}
	return row.toDomain()
}

// ListInvoices returns matches ordered by number.
func (t *txStore) ListInvoices(ctx context.Context, f payroll.InvoiceFilter) ([]payroll.Invoice, error) {
	q := sq.Select(invoiceColumns...).From("invoices").OrderBy("number")
	if f.EmployeeID != "" {
		q = q.Where(sq.Eq{"employee_id": string(f.EmployeeID)})
	}
	var rows []invoiceRow
	if err := t.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return convert[payroll.Invoice](rows)
}

func (t *txStore) InvoiceForResult(ctx context.Context, id payroll.ResultID) (payroll.InvoiceID, bool, error) {
	query, args, err := sq.Select("invoice_id").From("invoice_results").Where(sq.Eq{"result_id": string(id)}).ToSql()
	if err != nil {
		return "", false, err
	}
	var inv string
	if err := sqlscan.Get(ctx, t.tx, &inv, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find invoice for result %s: %w", id, err)
	}
	return payroll.InvoiceID(inv), true, nil
}

func (t *txStore) SetInvoicePaid(ctx context.Context, id payroll.InvoiceID, paidOn *payroll.Date) error {
	res, err := t.exec(ctx, sq.Update("invoices").Set("paid_on", formatDatePtr(paidOn)).Where(sq.Eq{"id": string(id)}))
	return mustAffect(res, err, "invoice", string(id))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (t *txStore) InsertPayment(ctx context.Context, p payroll.Payment) error {
	_, err := t.exec(ctx, sq.Insert("payments").
		Columns(paymentColumns...).
		Values(string(p.ID), string(p.EmployeeID), string(p.InvoiceID), p.Amount.String(),
			p.PaidOn.String(), formatTime(p.CreatedAt)))
	return conflict(err, "payment", string(p.ID), "already exists")
}

// ListPayments returns payments ordered by paid date; an empty id lists all.
func (t *txStore) ListPayments(ctx context.Context, id payroll.EmployeeID) ([]payroll.Payment, error) {
	q := sq.Select(paymentColumns...).From("payments").OrderBy("paid_on", "rowid")
	if id != "" {
		q = q.Where(sq.Eq{"employee_id": string(id)})
	}
	var rows []paymentRow
	if err := t.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return convert[payroll.Payment](rows)
}

// =============================================================================
// AUDIT
// =============================================================================

func (t *txStore) AppendAudit(ctx context.Context, a payroll.AuditEntry) error {
	details := a.Details
	if details == nil {
		details = map[string]string{}
	}
	_, err := t.exec(ctx, sq.Insert("audit_log").
		Columns(auditColumns...).
		Values(a.ID, formatTime(a.At), a.Actor, string(a.Action), a.SubjectID,
			string(a.EmployeeID), string(a.PeriodID), mustJSON(details)))
	return conflict(err, "audit", a.ID, "already exists")
}

// ListAudit returns matches oldest first; Limit keeps the most recent.
func (t *txStore) ListAudit(ctx context.Context, f payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	q := sq.Select(auditColumns...).From("audit_log").OrderBy("rowid DESC")
	if f.EmployeeID != "" {
		q = q.Where(sq.Eq{"employee_id": string(f.EmployeeID)})
	}
	if f.PeriodID != "" {
		q = q.Where(sq.Eq{"period_id": string(f.PeriodID)})
	}
	if len(f.Actions) > 0 {
		q = q.Where(sq.Eq{"action": strs(f.Actions)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	var rows []auditRow
	if err := t.selectRows(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	slices.Reverse(rows)
	return convert[payroll.AuditEntry](rows)
}

// strs converts a slice of string-based enums for IN clauses.
func strs[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
