/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the engine to the desktop presentation shell over loopback HTTP.
  Handles request parsing, JSON serialization, and delegates everything else
  to engine.Engine, which owns the transaction boundary.

ENDPOINTS:
  Employees:
    GET    /api/employees                  List employees
    POST   /api/employees                  Create employee with first terms
    GET    /api/employees/{id}             Employee with all terms versions
    POST   /api/employees/{id}/terms       Append a terms version
    PUT    /api/employees/{id}/active-to   Set or clear the end date
    GET    /api/employees/{id}/entries     Entries in ?from=&to=
    POST   /api/employees/{id}/entries     Record a time or sale entry
    GET    /api/employees/{id}/payments    Payment history

  Rules:
    GET    /api/rules                      Every version of every rule
    POST   /api/rules                      Append a rule version
    GET    /api/rules/{id}                 Versions of one rule

  Entries:
    GET    /api/entries/{id}
    POST   /api/entries/{id}/void
    POST   /api/entries/{id}/replace

  Periods:
    GET    /api/periods                    List periods
    POST   /api/periods                    Create period
    POST   /api/periods/next               Create the following period
    GET    /api/periods/{id}               Period with transition history
    POST   /api/periods/{id}/compute|reopen|archive|reconcile
    GET    /api/periods/{id}/results       Current results
    GET    /api/periods/{id}/summary       Period summary (.csv variant)
    POST   /api/periods/{id}/invoices      One invoice per employee

  Results, adjustments, invoices, reports, audit:
    GET    /api/results/{id}
    GET    /api/adjustments                ?employee_id=&period_id=&carry=&uninvoiced=
    GET    /api/invoices                   ?employee_id=
    POST   /api/invoices                   Issue for explicit results
    POST   /api/invoices/follow-up         Carried adjustments alone
    GET    /api/invoices/{id}              (.pdf and .csv variants)
    PUT    /api/invoices/{id}/paid         Paid toggle
    GET    /api/reports/ytd                ?year= (.csv variant)
    GET    /api/audit                      ?employee_id=&period_id=&limit=

ACTOR:
  The X-Actor header names who performed a write; it defaults to
  "local-user". There is no authentication: the server binds to loopback.

ERROR HANDLING:
  Engine errors map to status codes in one place (statusFor):
  - 400: invalid input
  - 404: not found
  - 409: invalid state, invalid transition, archived period, not finalized
  - 422: rule evaluation failure
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/export"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Rules  *factory.RuleFactory
	Log    *slog.Logger
	Clock  func() time.Time

	// Archiver is optional; when set, POST /api/archive/run triggers it.
	Archiver *ArchiveScheduler
}

func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine: eng,
		Rules:  factory.NewRuleFactory(),
		Log:    logger,
		Clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) today() payroll.Date { return payroll.DateOf(h.Clock()) }

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "local-user"
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Engine.Employees(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list employees", err)
		return
	}
	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, terms, err := h.Engine.Employee(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp, terms))
}

func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !decode(w, r, &req) {
		return
	}
	from, err := parseDate("active_from", req.ActiveFrom)
	if err != nil {
		h.fail(w, r, "Invalid employee", err)
		return
	}
	to, err := parseOptionalDate("active_to", req.ActiveTo)
	if err != nil {
		h.fail(w, r, "Invalid employee", err)
		return
	}
	terms, err := h.Rules.TermsFromJSON(payroll.EmployeeID(req.ID), req.Terms)
	if err != nil {
		h.fail(w, r, "Invalid terms", err)
		return
	}

	emp, terms, err := h.Engine.AddEmployee(r.Context(), payroll.Employee{
		ID: payroll.EmployeeID(req.ID), Name: req.Name, Email: req.Email, ActiveFrom: from, ActiveTo: to,
	}, terms, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to create employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp, []payroll.CompensationTerms{terms}))
}

func (h *Handler) AddTerms(w http.ResponseWriter, r *http.Request) {
	var req factory.TermsJSON
	if !decode(w, r, &req) {
		return
	}
	terms, err := h.Rules.TermsFromJSON(payroll.EmployeeID(chi.URLParam(r, "id")), req)
	if err != nil {
		h.fail(w, r, "Invalid terms", err)
		return
	}
	terms, err = h.Engine.AddTerms(r.Context(), terms, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to add terms", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTermsDTO(terms))
}

func (h *Handler) SetActiveTo(w http.ResponseWriter, r *http.Request) {
	var req SetActiveToRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := parseOptionalDate("active_to", req.ActiveTo)
	if err != nil {
		h.fail(w, r, "Invalid end date", err)
		return
	}
	emp, err := h.Engine.SetActiveTo(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")), to)
	if err != nil {
		h.fail(w, r, "Failed to update employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp, nil))
}

// ListEntries returns an employee's entries in ?from=&to=, defaulting to the
// current calendar month.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	today := h.today()
	rng := payroll.DateRange{
		Start: payroll.NewDate(today.Year(), today.Month(), 1),
		End:   payroll.NewDate(today.Year(), today.Month(), 1).AddMonths(1).AddDays(-1),
	}
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if rng.Start, err = parseDate("from", v); err != nil {
			h.fail(w, r, "Invalid range", err)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if rng.End, err = parseDate("to", v); err != nil {
			h.fail(w, r, "Invalid range", err)
			return
		}
	}

	entries, err := h.Engine.Ledger().GetEntries(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")), rng)
	if err != nil {
		h.fail(w, r, "Failed to list entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RecordEntry(w http.ResponseWriter, r *http.Request) {
	var req RecordEntryRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := entryFromRequest(payroll.EmployeeID(chi.URLParam(r, "id")), req)
	if err != nil {
		h.fail(w, r, "Invalid entry", err)
		return
	}
	out, err := h.Engine.RecordEntry(r.Context(), entry, payroll.RecordOptions{Actor: actor(r), Override: req.Override})
	if err != nil {
		h.fail(w, r, "Failed to record entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryWriteDTO(out))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Engine.Payments(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Engine.Rules(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTOs(rules))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Engine.RuleVersions(r.Context(), payroll.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTOs(versions))
}

// CreateRule appends a version; posting an existing id creates version n+1.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleJSON
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.Rules.FromJSON(req)
	if err != nil {
		h.fail(w, r, "Invalid rule", err)
		return
	}
	rule, err = h.Engine.AddRule(r.Context(), rule, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

func toRuleDTOs(rules []payroll.CommissionRule) []RuleDTO {
	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	return dtos
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Engine.Entry(r.Context(), payroll.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	var req VoidEntryRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Engine.VoidEntry(r.Context(), payroll.EntryID(chi.URLParam(r, "id")), payroll.VoidOptions{
		Actor: actor(r), Reason: req.Reason, Override: req.Override,
	})
	if err != nil {
		h.fail(w, r, "Failed to void entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryWriteDTO(out))
}

// ReplaceEntry voids an entry and records its correction in one step. The
// replacement always belongs to the original entry's employee.
func (h *Handler) ReplaceEntry(w http.ResponseWriter, r *http.Request) {
	var req ReplaceEntryRequest
	if !decode(w, r, &req) {
		return
	}
	replacement, err := entryFromRequest("", req.Replacement)
	if err != nil {
		h.fail(w, r, "Invalid replacement", err)
		return
	}
	out, err := h.Engine.ReplaceEntry(r.Context(), payroll.EntryID(chi.URLParam(r, "id")), replacement, payroll.VoidOptions{
		Actor: actor(r), Reason: req.Reason, Override: req.Override || req.Replacement.Override,
	})
	if err != nil {
		h.fail(w, r, "Failed to replace entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryWriteDTO(out))
}

func entryFromRequest(employee payroll.EmployeeID, req RecordEntryRequest) (payroll.Entry, error) {
	on, err := parseDate("occurred_on", req.OccurredOn)
	if err != nil {
		return payroll.Entry{}, err
	}
	e := payroll.Entry{
		EmployeeID:     employee,
		Kind:           payroll.EntryKind(req.Kind),
		OccurredOn:     on,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	}
	switch e.Kind {
	case payroll.EntryTime:
		if req.Sale != nil {
			return payroll.Entry{}, &payroll.ValidationError{Field: "sale", Message: "only sale entries carry sale details"}
		}
		e.Quantity = payroll.Amount{Value: req.Quantity, Unit: payroll.UnitHours}
	case payroll.EntrySale:
		e.Quantity = payroll.Amount{Value: req.Quantity, Unit: payroll.UnitCurrency}
		e.Sale = &payroll.SaleDetails{Tip: decimal.Zero, Materials: decimal.Zero, Fees: decimal.Zero}
		if s := req.Sale; s != nil {
			e.Sale.Customer = s.Customer
			e.Sale.Reference = s.Reference
			e.Sale.CreditCard = s.CreditCard
			e.Sale.Tip = orZero(s.Tip)
			e.Sale.Materials = orZero(s.Materials)
			e.Sale.Fees = orZero(s.Fees)
			e.Sale.ManualCommission = s.ManualCommission
		}
	default:
		return payroll.Entry{}, &payroll.ValidationError{Field: "kind", Message: fmt.Sprintf("must be %q or %q", payroll.EntryTime, payroll.EntrySale)}
	}
	return e, nil
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Engine.Periods(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list periods", err)
		return
	}
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !decode(w, r, &req) {
		return
	}
	start, err := parseDate("start", req.Start)
	if err != nil {
		h.fail(w, r, "Invalid period", err)
		return
	}
	end, err := parseDate("end", req.End)
	if err != nil {
		h.fail(w, r, "Invalid period", err)
		return
	}
	p, err := h.Engine.CreatePeriod(r.Context(), payroll.DateRange{Start: start, End: end}, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to create period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

func (h *Handler) OpenNextPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.OpenNextPeriod(r.Context(), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to open next period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	id := payroll.PeriodID(chi.URLParam(r, "id"))
	p, err := h.Engine.Period(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get period", err)
		return
	}
	history, err := h.Engine.Transitions(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get period", err)
		return
	}
	transitions := make([]TransitionDTO, len(history))
	for i, t := range history {
		transitions[i] = toTransitionDTO(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": toPeriodDTO(p), "transitions": transitions})
}

// ComputePeriod runs the computation synchronously. A per-employee failure
// answers 422 with the full report so the shell can show every failure.
func (h *Handler) ComputePeriod(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Compute(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		if len(report.Failures) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, toComputeReportDTO(report))
			return
		}
		h.fail(w, r, "Failed to compute period", err)
		return
	}
	writeJSON(w, http.StatusOK, toComputeReportDTO(report))
}

func (h *Handler) ReopenPeriod(w http.ResponseWriter, r *http.Request) {
	var req ReopenRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	p, err := h.Engine.Reopen(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")), actor(r), req.Note)
	if err != nil {
		h.fail(w, r, "Failed to reopen period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

func (h *Handler) ArchivePeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Archive(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to archive period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// ReconcilePeriod retries stale results of a closed period.
func (h *Handler) ReconcilePeriod(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.Engine.Reconcile(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reconcile period", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTOs(outcomes))
}

func (h *Handler) PeriodResults(w http.ResponseWriter, r *http.Request) {
	id := payroll.PeriodID(chi.URLParam(r, "id"))
	if _, err := h.Engine.Period(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to list results", err)
		return
	}
	filter := payroll.ResultFilter{PeriodID: id, Statuses: []payroll.ResultStatus{payroll.ResultFinalized, payroll.ResultStale}}
	if r.URL.Query().Get("all") == "true" {
		filter.Statuses = nil
	}
	results, err := h.Engine.Results(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list results", err)
		return
	}
	dtos := make([]ResultDTO, len(results))
	for i, res := range results {
		dtos[i] = toResultDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) PeriodSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.PeriodSummary(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

func (h *Handler) PeriodSummaryCSV(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.PeriodSummary(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to build summary", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=payroll-%s.csv", s.Period.ID))
	if err := export.SummaryCSV(w, s); err != nil {
		h.Log.ErrorContext(r.Context(), "write summary csv", slog.Any("error", err))
	}
}

func (h *Handler) IssueForPeriod(w http.ResponseWriter, r *http.Request) {
	var req IssueForPeriodRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	issuedOn, err := h.issueDate(req.IssuedOn)
	if err != nil {
		h.fail(w, r, "Invalid issue date", err)
		return
	}
	invoices, err := h.Engine.IssueForPeriod(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")), issuedOn, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to issue invoices", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTOs(invoices))
}

// =============================================================================
// RESULT AND ADJUSTMENT HANDLERS
// =============================================================================

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Result(r.Context(), payroll.ResultID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get result", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	adjs, err := h.Engine.Adjustments(r.Context(), payroll.AdjustmentFilter{
		EmployeeID:     payroll.EmployeeID(q.Get("employee_id")),
		PeriodID:       payroll.PeriodID(q.Get("period_id")),
		CarryOnly:      q.Get("carry") == "true",
		UninvoicedOnly: q.Get("uninvoiced") == "true",
	})
	if err != nil {
		h.fail(w, r, "Failed to list adjustments", err)
		return
	}
	dtos := make([]AdjustmentDTO, len(adjs))
	for i, a := range adjs {
		dtos[i] = toAdjustmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Engine.Invoices(r.Context(), payroll.InvoiceFilter{EmployeeID: payroll.EmployeeID(r.URL.Query().Get("employee_id"))})
	if err != nil {
		h.fail(w, r, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices))
}

func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	var req IssueInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	issuedOn, err := h.issueDate(req.IssuedOn)
	if err != nil {
		h.fail(w, r, "Invalid issue date", err)
		return
	}
	ids := make([]payroll.ResultID, len(req.ResultIDs))
	for i, id := range req.ResultIDs {
		ids[i] = payroll.ResultID(id)
	}
	inv, err := h.Engine.Issue(r.Context(), ids, issuedOn, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to issue invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

func (h *Handler) IssueFollowUp(w http.ResponseWriter, r *http.Request) {
	var req IssueFollowUpRequest
	if !decode(w, r, &req) {
		return
	}
	issuedOn, err := h.issueDate(req.IssuedOn)
	if err != nil {
		h.fail(w, r, "Invalid issue date", err)
		return
	}
	inv, err := h.Engine.IssueFollowUp(r.Context(), payroll.EmployeeID(req.EmployeeID), issuedOn, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to issue follow-up invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Invoice(r.Context(), payroll.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func (h *Handler) InvoicePDF(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Invoice(r.Context(), payroll.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get invoice", err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.pdf", inv.Display))
	if err := export.InvoicePDF(w, inv); err != nil {
		h.Log.ErrorContext(r.Context(), "write invoice pdf", slog.String("invoice_number", inv.Display), slog.Any("error", err))
	}
}

func (h *Handler) InvoiceCSV(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Invoice(r.Context(), payroll.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get invoice", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", inv.Display))
	if err := export.InvoiceCSV(w, inv); err != nil {
		h.Log.ErrorContext(r.Context(), "write invoice csv", slog.String("invoice_number", inv.Display), slog.Any("error", err))
	}
}

// MarkPaid toggles the paid flag. paid_on defaults to today.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if !decode(w, r, &req) {
		return
	}
	var paidOn *payroll.Date
	if req.Paid {
		d, err := h.issueDate(req.PaidOn)
		if err != nil {
			h.fail(w, r, "Invalid paid date", err)
			return
		}
		paidOn = &d
	}
	inv, err := h.Engine.MarkInvoicePaid(r.Context(), payroll.InvoiceID(chi.URLParam(r, "id")), paidOn, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to update invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func toInvoiceDTOs(invoices []payroll.Invoice) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	return dtos
}

// issueDate parses an optional date, defaulting to today.
func (h *Handler) issueDate(s string) (payroll.Date, error) {
	if s == "" {
		return h.today(), nil
	}
	return parseDate("date", s)
}

// =============================================================================
// REPORTS, AUDIT, ARCHIVE
// =============================================================================

func (h *Handler) yearParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("year")
	if v == "" {
		return h.today().Year(), nil
	}
	year, err := strconv.Atoi(v)
	if err != nil {
		return 0, &payroll.ValidationError{Field: "year", Message: err.Error()}
	}
	return year, nil
}

func (h *Handler) YearToDate(w http.ResponseWriter, r *http.Request) {
	year, err := h.yearParam(r)
	if err != nil {
		h.fail(w, r, "Invalid year", err)
		return
	}
	rows, err := h.Engine.YearToDate(r.Context(), year)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	dtos := make([]YTDRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toYTDDTO(row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"year": year, "rows": dtos})
}

func (h *Handler) YearToDateCSV(w http.ResponseWriter, r *http.Request) {
	year, err := h.yearParam(r)
	if err != nil {
		h.fail(w, r, "Invalid year", err)
		return
	}
	rows, err := h.Engine.YearToDate(r.Context(), year)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=ytd-%d.csv", year))
	if err := export.YearToDateCSV(w, rows); err != nil {
		h.Log.ErrorContext(r.Context(), "write ytd csv", slog.Any("error", err))
	}
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.fail(w, r, "Invalid limit", &payroll.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.Engine.Audit(r.Context(), payroll.AuditFilter{
		EmployeeID: payroll.EmployeeID(q.Get("employee_id")),
		PeriodID:   payroll.PeriodID(q.Get("period_id")),
		Limit:      limit,
	})
	if err != nil {
		h.fail(w, r, "Failed to list audit log", err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, a := range entries {
		dtos[i] = toAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunArchive triggers an immediate archive pass.
func (h *Handler) RunArchive(w http.ResponseWriter, r *http.Request) {
	if h.Archiver == nil {
		writeError(w, http.StatusConflict, "Archive scheduler is not configured", nil)
		return
	}
	archived, err := h.Archiver.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to archive periods", err)
		return
	}
	ids := make([]string, len(archived))
	for i, id := range archived {
		ids[i] = string(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": ids})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail writes err with the status statusFor picks; server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.ErrorContext(r.Context(), message, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case payroll.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, payroll.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, payroll.ErrRuleEvaluation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payroll.ErrInvalidState),
		errors.Is(err, payroll.ErrInvalidTransition),
		errors.Is(err, payroll.ErrPeriodArchived),
		errors.Is(err, payroll.ErrNotFinalized):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, false)
}

// decodeOptional is decode for endpoints whose body may be omitted.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseDate(field, s string) (payroll.Date, error) {
	d, err := payroll.ParseDate(s)
	if err != nil {
		return payroll.Date{}, &payroll.ValidationError{Field: field, Message: "use YYYY-MM-DD"}
	}
	return d, nil
}

func parseOptionalDate(field, s string) (*payroll.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := parseDate(field, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
