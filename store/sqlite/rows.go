package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// Rows are scanned by sqlscan into these structs, then converted. Dates are
// stored as YYYY-MM-DD, timestamps as RFC3339 and decimals as strings, so
// nothing is lost to float conversion.

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatDatePtr(d *payroll.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return nullString(d.String())
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain structs, slices and maps are marshaled here.
		panic(fmt.Sprintf("sqlite: marshal %T: %v", v, err))
	}
	return string(b)
}

// decoder collects the first conversion error so row mapping stays flat.
type decoder struct {
	err error
}

func (d *decoder) date(s string) payroll.Date {
	if s == "" || d.err != nil {
		return payroll.Date{}
	}
	v, err := payroll.ParseDate(s)
	if err != nil {
		d.err = err
	}
	return v
}

func (d *decoder) datePtr(s sql.NullString) *payroll.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := d.date(s.String)
	return &v
}

func (d *decoder) time(s string) time.Time {
	if s == "" || d.err != nil {
		return time.Time{}
	}
	v, err := time.Parse(timeLayout, s)
	if err != nil {
		d.err = fmt.Errorf("parse time %q: %w", s, err)
	}
	return v
}

func (d *decoder) dec(s string) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.err = fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return v
}

func (d *decoder) json(s string, v any) {
	if s == "" || d.err != nil {
		return
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		d.err = fmt.Errorf("decode %T: %w", v, err)
	}
}

// =============================================================================
// EMPLOYEES, TERMS, RULES
// =============================================================================

var employeeColumns = []string{"id", "name", "email", "active_from", "active_to", "created_at"}

type employeeRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	Email      string         `db:"email"`
	ActiveFrom string         `db:"active_from"`
	ActiveTo   sql.NullString `db:"active_to"`
	CreatedAt  string         `db:"created_at"`
}

func (r employeeRow) toDomain() (payroll.Employee, error) {
	var d decoder
	e := payroll.Employee{
		ID:         payroll.EmployeeID(r.ID),
		Name:       r.Name,
		Email:      r.Email,
		ActiveFrom: d.date(r.ActiveFrom),
		ActiveTo:   d.datePtr(r.ActiveTo),
		CreatedAt:  d.time(r.CreatedAt),
	}
	return e, d.err
}

var termsColumns = []string{
	"employee_id", "version", "effective_from", "type", "hourly_rate", "overtime_threshold",
	"overtime_multiplier", "salary_per_period", "commission_rule_id", "created_at",
}

type termsRow struct {
	EmployeeID         string `db:"employee_id"`
	Version            int    `db:"version"`
	EffectiveFrom      string `db:"effective_from"`
	Type               string `db:"type"`
	HourlyRate         string `db:"hourly_rate"`
	OvertimeThreshold  string `db:"overtime_threshold"`
	OvertimeMultiplier string `db:"overtime_multiplier"`
	SalaryPerPeriod    string `db:"salary_per_period"`
	CommissionRuleID   string `db:"commission_rule_id"`
	CreatedAt          string `db:"created_at"`
}

func (r termsRow) toDomain() (payroll.CompensationTerms, error) {
	var d decoder
	t := payroll.CompensationTerms{
		EmployeeID:         payroll.EmployeeID(r.EmployeeID),
		Version:            r.Version,
		EffectiveFrom:      d.date(r.EffectiveFrom),
		Type:               payroll.CompensationType(r.Type),
		HourlyRate:         d.dec(r.HourlyRate),
		OvertimeThreshold:  d.dec(r.OvertimeThreshold),
		OvertimeMultiplier: d.dec(r.OvertimeMultiplier),
		SalaryPerPeriod:    d.dec(r.SalaryPerPeriod),
		CommissionRuleID:   payroll.RuleID(r.CommissionRuleID),
		CreatedAt:          d.time(r.CreatedAt),
	}
	return t, d.err
}

var ruleColumns = []string{"id", "version", "effective_from", "name", "kind", "params", "created_at"}

type ruleRow struct {
	ID            string `db:"id"`
	Version       int    `db:"version"`
	EffectiveFrom string `db:"effective_from"`
	Name          string `db:"name"`
	Kind          string `db:"kind"`
	Params        string `db:"params"`
	CreatedAt     string `db:"created_at"`
}

func (r ruleRow) toDomain() (payroll.CommissionRule, error) {
	var d decoder
	rule := payroll.CommissionRule{
		ID:            payroll.RuleID(r.ID),
		Version:       r.Version,
		EffectiveFrom: d.date(r.EffectiveFrom),
		Name:          r.Name,
		Kind:          r.Kind,
		Params:        []byte(r.Params),
		CreatedAt:     d.time(r.CreatedAt),
	}
	return rule, d.err
}

// =============================================================================
// ENTRIES
// =============================================================================

var entryColumns = []string{
	"id", "employee_id", "kind", "occurred_on", "quantity", "unit", "sale_json", "note", "status",
	"period_id", "replaces_id", "voided_at", "void_reason", "idempotency_key", "recorded_at",
}

type entryRow struct {
	ID             string         `db:"id"`
	EmployeeID     string         `db:"employee_id"`
	Kind           string         `db:"kind"`
	OccurredOn     string         `db:"occurred_on"`
	Quantity       string         `db:"quantity"`
	Unit           string         `db:"unit"`
	SaleJSON       sql.NullString `db:"sale_json"`
	Note           string         `db:"note"`
	Status         string         `db:"status"`
	PeriodID       string         `db:"period_id"`
	ReplacesID     string         `db:"replaces_id"`
	VoidedAt       sql.NullString `db:"voided_at"`
	VoidReason     string         `db:"void_reason"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	RecordedAt     string         `db:"recorded_at"`
}

// saleJSON is the stored form of SaleDetails.
type saleJSON struct {
	Customer         string           `json:"customer,omitempty"`
	Reference        string           `json:"reference,omitempty"`
	CreditCard       bool             `json:"credit_card,omitempty"`
	Tip              decimal.Decimal  `json:"tip"`
	Materials        decimal.Decimal  `json:"materials"`
	Fees             decimal.Decimal  `json:"fees"`
	ManualCommission *decimal.Decimal `json:"manual_commission,omitempty"`
}

func encodeSale(s *payroll.SaleDetails) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(mustJSON(saleJSON(*s)))
}

func (r entryRow) toDomain() (payroll.Entry, error) {
	var d decoder
	e := payroll.Entry{
		ID:             payroll.EntryID(r.ID),
		EmployeeID:     payroll.EmployeeID(r.EmployeeID),
		Kind:           payroll.EntryKind(r.Kind),
		OccurredOn:     d.date(r.OccurredOn),
		Quantity:       payroll.Amount{Value: d.dec(r.Quantity), Unit: payroll.Unit(r.Unit)},
		Note:           r.Note,
		Status:         payroll.EntryStatus(r.Status),
		PeriodID:       payroll.PeriodID(r.PeriodID),
		ReplacesID:     payroll.EntryID(r.ReplacesID),
		VoidReason:     r.VoidReason,
		IdempotencyKey: r.IdempotencyKey.String,
		RecordedAt:     d.time(r.RecordedAt),
	}
	if r.SaleJSON.Valid {
		var s saleJSON
		d.json(r.SaleJSON.String, &s)
		sale := payroll.SaleDetails(s)
		e.Sale = &sale
	}
	if r.VoidedAt.Valid {
		t := d.time(r.VoidedAt.String)
		e.VoidedAt = &t
	}
	return e, d.err
}

// =============================================================================
// PERIODS
// =============================================================================

var periodColumns = []string{"id", "start_date", "end_date", "state", "created_at", "updated_at"}

type periodRow struct {
	ID        string `db:"id"`
	StartDate string `db:"start_date"`
	EndDate   string `db:"end_date"`
	State     string `db:"state"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r periodRow) toDomain() (payroll.Period, error) {
	var d decoder
	p := payroll.Period{
		ID:        payroll.PeriodID(r.ID),
		Range:     payroll.DateRange{Start: d.date(r.StartDate), End: d.date(r.EndDate)},
		State:     payroll.PeriodState(r.State),
		CreatedAt: d.time(r.CreatedAt),
		UpdatedAt: d.time(r.UpdatedAt),
	}
	return p, d.err
}

var transitionColumns = []string{"period_id", "from_state", "to_state", "event", "actor", "note", "at"}

type transitionRow struct {
	PeriodID  string `db:"period_id"`
	FromState string `db:"from_state"`
	ToState   string `db:"to_state"`
	Event     string `db:"event"`
	Actor     string `db:"actor"`
	Note      string `db:"note"`
	At        string `db:"at"`
}

func (r transitionRow) toDomain() (payroll.PeriodTransition, error) {
	var d decoder
	tr := payroll.PeriodTransition{
		PeriodID: payroll.PeriodID(r.PeriodID),
		From:     payroll.PeriodState(r.FromState),
		To:       payroll.PeriodState(r.ToState),
		Event:    r.Event,
		Actor:    r.Actor,
		Note:     r.Note,
		At:       d.time(r.At),
	}
	return tr, d.err
}

// =============================================================================
// RESULTS, ADJUSTMENTS
// =============================================================================

var resultColumns = []string{
	"id", "employee_id", "period_id", "version", "lines_json", "total", "terms_version",
	"rules_json", "status", "supersedes_id", "computed_at",
}

type resultRow struct {
	ID           string `db:"id"`
	EmployeeID   string `db:"employee_id"`
	PeriodID     string `db:"period_id"`
	Version      int    `db:"version"`
	LinesJSON    string `db:"lines_json"`
	Total        string `db:"total"`
	TermsVersion int    `db:"terms_version"`
	RulesJSON    string `db:"rules_json"`
	Status       string `db:"status"`
	SupersedesID string `db:"supersedes_id"`
	ComputedAt   string `db:"computed_at"`
}

// lineJSON is the stored form of LineItem and InvoiceLine.
type lineJSON struct {
	Kind         string          `json:"kind"`
	PeriodID     string          `json:"period_id,omitempty"`
	ResultID     string          `json:"result_id,omitempty"`
	AdjustmentID string          `json:"adjustment_id,omitempty"`
	EntryID      string          `json:"entry_id,omitempty"`
	Description  string          `json:"description"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
	Amount       decimal.Decimal `json:"amount"`
}

type ruleRefJSON struct {
	RuleID  string `json:"rule_id"`
	Version int    `json:"version"`
}

func encodeLines(lines []payroll.LineItem) string {
	out := make([]lineJSON, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineJSON{
			Kind: string(l.Kind), EntryID: string(l.EntryID), Description: l.Description,
			Quantity: l.Quantity, Rate: l.Rate, Amount: l.Amount,
		})
	}
	return mustJSON(out)
}

func encodeRuleRefs(refs []payroll.RuleRef) string {
	out := make([]ruleRefJSON, 0, len(refs))
	for _, r := range refs {
		out = append(out, ruleRefJSON{RuleID: string(r.RuleID), Version: r.Version})
	}
	return mustJSON(out)
}

// toDomain leaves EntryIDs empty; they live in result_entries.
func (r resultRow) toDomain() (payroll.ComputationResult, error) {
	var d decoder
	var lines []lineJSON
	var refs []ruleRefJSON
	d.json(r.LinesJSON, &lines)
	d.json(r.RulesJSON, &refs)

	res := payroll.ComputationResult{
		ID:           payroll.ResultID(r.ID),
		EmployeeID:   payroll.EmployeeID(r.EmployeeID),
		PeriodID:     payroll.PeriodID(r.PeriodID),
		Version:      r.Version,
		Total:        d.dec(r.Total),
		TermsVersion: r.TermsVersion,
		Status:       payroll.ResultStatus(r.Status),
		SupersedesID: payroll.ResultID(r.SupersedesID),
		ComputedAt:   d.time(r.ComputedAt),
	}
	for _, l := range lines {
		res.Lines = append(res.Lines, payroll.LineItem{
			Kind: payroll.LineKind(l.Kind), EntryID: payroll.EntryID(l.EntryID), Description: l.Description,
			Quantity: l.Quantity, Rate: l.Rate, Amount: l.Amount,
		})
	}
	for _, ref := range refs {
		res.Rules = append(res.Rules, payroll.RuleRef{RuleID: payroll.RuleID(ref.RuleID), Version: ref.Version})
	}
	return res, d.err
}

var adjustmentColumns = []string{
	"id", "employee_id", "period_id", "old_result_id", "new_result_id", "old_total", "new_total",
	"delta", "reason", "trigger_entry_id", "carry", "carry_to_period_id", "invoice_id", "created_at",
}

type adjustmentRow struct {
	ID              string `db:"id"`
	EmployeeID      string `db:"employee_id"`
	PeriodID        string `db:"period_id"`
	OldResultID     string `db:"old_result_id"`
	NewResultID     string `db:"new_result_id"`
	OldTotal        string `db:"old_total"`
	NewTotal        string `db:"new_total"`
	Delta           string `db:"delta"`
	Reason          string `db:"reason"`
	TriggerEntryID  string `db:"trigger_entry_id"`
	Carry           bool   `db:"carry"`
	CarryToPeriodID string `db:"carry_to_period_id"`
	InvoiceID       string `db:"invoice_id"`
	CreatedAt       string `db:"created_at"`
}

func (r adjustmentRow) toDomain() (payroll.Adjustment, error) {
	var d decoder
	a := payroll.Adjustment{
		ID:              payroll.AdjustmentID(r.ID),
		EmployeeID:      payroll.EmployeeID(r.EmployeeID),
		PeriodID:        payroll.PeriodID(r.PeriodID),
		OldResultID:     payroll.ResultID(r.OldResultID),
		NewResultID:     payroll.ResultID(r.NewResultID),
		OldTotal:        d.dec(r.OldTotal),
		NewTotal:        d.dec(r.NewTotal),
		Delta:           d.dec(r.Delta),
		Reason:          r.Reason,
		TriggerEntryID:  payroll.EntryID(r.TriggerEntryID),
		Carry:           r.Carry,
		CarryToPeriodID: payroll.PeriodID(r.CarryToPeriodID),
		InvoiceID:       payroll.InvoiceID(r.InvoiceID),
		CreatedAt:       d.time(r.CreatedAt),
	}
	return a, d.err
}

// =============================================================================
// INVOICES, PAYMENTS, AUDIT
// =============================================================================

var invoiceColumns = []string{
	"id", "number", "display", "issued_on", "employee_id", "employee_name", "currency",
	"lines_json", "total", "result_ids_json", "adjustment_ids_json", "paid_on", "created_at",
}

type invoiceRow struct {
	ID                string         `db:"id"`
	Number            int64          `db:"number"`
	Display           string         `db:"display"`
	IssuedOn          string         `db:"issued_on"`
	EmployeeID        string         `db:"employee_id"`
	EmployeeName      string         `db:"employee_name"`
	Currency          string         `db:"currency"`
	LinesJSON         string         `db:"lines_json"`
	Total             string         `db:"total"`
	ResultIDsJSON     string         `db:"result_ids_json"`
	AdjustmentIDsJSON string         `db:"adjustment_ids_json"`
	PaidOn            sql.NullString `db:"paid_on"`
	CreatedAt         string         `db:"created_at"`
}

func encodeInvoiceLines(lines []payroll.InvoiceLine) string {
	out := make([]lineJSON, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineJSON{
			Kind: string(l.Kind), PeriodID: string(l.PeriodID), ResultID: string(l.ResultID),
			AdjustmentID: string(l.AdjustmentID), EntryID: string(l.EntryID), Description: l.Description,
			Quantity: l.Quantity, Rate: l.Rate, Amount: l.Amount,
		})
	}
	return mustJSON(out)
}

func (r invoiceRow) toDomain() (payroll.Invoice, error) {
	var d decoder
	var lines []lineJSON
	var resultIDs []payroll.ResultID
	var adjIDs []payroll.AdjustmentID
	d.json(r.LinesJSON, &lines)
	d.json(r.ResultIDsJSON, &resultIDs)
	d.json(r.AdjustmentIDsJSON, &adjIDs)

	inv := payroll.Invoice{
		ID:            payroll.InvoiceID(r.ID),
		Number:        r.Number,
		Display:       r.Display,
		IssuedOn:      d.date(r.IssuedOn),
		EmployeeID:    payroll.EmployeeID(r.EmployeeID),
		EmployeeName:  r.EmployeeName,
		Currency:      r.Currency,
		Total:         d.dec(r.Total),
		ResultIDs:     resultIDs,
		AdjustmentIDs: adjIDs,
		PaidOn:        d.datePtr(r.PaidOn),
		CreatedAt:     d.time(r.CreatedAt),
	}
	for _, l := range lines {
		inv.Lines = append(inv.Lines, payroll.InvoiceLine{
			Kind: payroll.LineKind(l.Kind), PeriodID: payroll.PeriodID(l.PeriodID),
			ResultID: payroll.ResultID(l.ResultID), AdjustmentID: payroll.AdjustmentID(l.AdjustmentID),
			EntryID: payroll.EntryID(l.EntryID), Description: l.Description,
			Quantity: l.Quantity, Rate: l.Rate, Amount: l.Amount,
		})
	}
	return inv, d.err
}

var paymentColumns = []string{"id", "employee_id", "invoice_id", "amount", "paid_on", "created_at"}

type paymentRow struct {
	ID         string `db:"id"`
	EmployeeID string `db:"employee_id"`
	InvoiceID  string `db:"invoice_id"`
	Amount     string `db:"amount"`
	PaidOn     string `db:"paid_on"`
	CreatedAt  string `db:"created_at"`
}

func (r paymentRow) toDomain() (payroll.Payment, error) {
	var d decoder
	p := payroll.Payment{
		ID:         payroll.PaymentID(r.ID),
		EmployeeID: payroll.EmployeeID(r.EmployeeID),
		InvoiceID:  payroll.InvoiceID(r.InvoiceID),
		Amount:     d.dec(r.Amount),
		PaidOn:     d.date(r.PaidOn),
		CreatedAt:  d.time(r.CreatedAt),
	}
	return p, d.err
}

var auditColumns = []string{"id", "at", "actor", "action", "subject_id", "employee_id", "period_id", "details_json"}

type auditRow struct {
	ID          string `db:"id"`
	At          string `db:"at"`
	Actor       string `db:"actor"`
	Action      string `db:"action"`
	SubjectID   string `db:"subject_id"`
	EmployeeID  string `db:"employee_id"`
	PeriodID    string `db:"period_id"`
	DetailsJSON string `db:"details_json"`
}

func (r auditRow) toDomain() (payroll.AuditEntry, error) {
	var d decoder
	a := payroll.AuditEntry{
		ID:         r.ID,
		At:         d.time(r.At),
		Actor:      r.Actor,
		Action:     payroll.AuditAction(r.Action),
		SubjectID:  r.SubjectID,
		EmployeeID: payroll.EmployeeID(r.EmployeeID),
		PeriodID:   payroll.PeriodID(r.PeriodID),
	}
	d.json(r.DetailsJSON, &a.Details)
	return a, d.err
}

// convert maps every row with its toDomain.
func convert[T any, R interface{ toDomain() (T, error) }](rows []R) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
