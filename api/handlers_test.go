/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Employee, rule and entry endpoints
- The compute, invoice, void and follow-up cycle over HTTP
- Error to status mapping
- Exports (PDF, CSV)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

const jan = "2025-01-01_2025-01-31"

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return fixedNow }
	eng := engine.New(store.NewMemory(), engine.Options{Workers: 2, Clock: clock, Logger: logger})

	h := NewHandler(eng, logger)
	h.Clock = clock
	return &testServer{t: t, handler: h, router: NewRouter(h, RouterOptions{Logger: logger})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "ana")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// expect performs the request, asserts the status and decodes the body.
func expect[T any](s *testServer, status int, method, path string, body any) T {
	s.t.Helper()
	rec := s.do(method, path, body)
	require.Equal(s.t, status, rec.Code, "body: %s", rec.Body.String())
	var out T
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// seed creates a 10% rule, one commission employee and January + February.
func (s *testServer) seed() {
	s.t.Helper()
	expect[RuleDTO](s, http.StatusCreated, "POST", "/api/rules", map[string]any{
		"id": "std", "name": "Standard", "kind": "percentage", "effective_from": "2024-01-01",
		"params": map[string]string{"rate": "0.10"},
	})
	expect[EmployeeDTO](s, http.StatusCreated, "POST", "/api/employees", map[string]any{
		"id": "emp-1", "name": "Ana Ruiz", "active_from": "2024-01-01",
		"terms": map[string]string{"type": "commission", "commission_rule_id": "std"},
	})
	expect[PeriodDTO](s, http.StatusCreated, "POST", "/api/periods", map[string]string{"start": "2025-01-01", "end": "2025-01-31"})
	expect[PeriodDTO](s, http.StatusCreated, "POST", "/api/periods/next", nil)
}

func (s *testServer) sale(on, amount string) EntryWriteDTO {
	s.t.Helper()
	return expect[EntryWriteDTO](s, http.StatusCreated, "POST", "/api/employees/emp-1/entries", map[string]any{
		"kind": "sale", "occurred_on": on, "quantity": amount,
	})
}

// =============================================================================
// EMPLOYEES AND RULES
// =============================================================================

func TestCreateEmployee_ReturnsTerms(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	// WHEN
	emp := expect[EmployeeDTO](s, http.StatusOK, "GET", "/api/employees/emp-1", nil)

	// THEN
	assert.Equal(t, "Ana Ruiz", emp.Name)
	require.Len(t, emp.Terms, 1)
	assert.Equal(t, "commission", emp.Terms[0].Type)
	assert.Equal(t, "std", emp.Terms[0].CommissionRuleID)
}

func TestCreateEmployee_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad date", map[string]any{"id": "x", "name": "X", "active_from": "01/02/2025",
			"terms": map[string]string{"type": "hourly"}}, http.StatusBadRequest},
		{"unknown terms type", map[string]any{"id": "x", "name": "X", "active_from": "2025-01-01",
			"terms": map[string]string{"type": "piecework"}}, http.StatusBadRequest},
		{"unknown field", map[string]any{"id": "x", "nmae": "X"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do("POST", "/api/employees", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestGetEmployee_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("GET", "/api/employees/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Failed to get employee", body.Error)
	assert.NotEmpty(t, body.Details)
}

func TestCreateRule_AppendsVersions(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	// GIVEN: a second version of the same rule
	expect[RuleDTO](s, http.StatusCreated, "POST", "/api/rules", map[string]any{
		"id": "std", "name": "Standard 12%", "kind": "percentage", "effective_from": "2025-06-01",
		"params": map[string]string{"rate": "0.12"},
	})

	// WHEN
	versions := expect[[]RuleDTO](s, http.StatusOK, "GET", "/api/rules/std", nil)

	// THEN
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)
	assert.JSONEq(t, `{"rate":"0.12"}`, string(versions[1].Params))
}

func TestCreateRule_RejectsBadParams(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/rules", map[string]any{
		"id": "bad", "kind": "percentage", "effective_from": "2025-01-01", "params": map[string]string{"rate": "lots"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestRecordEntry_ListsInRange(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	s.sale("2025-02-03", "40.00")

	// WHEN
	entries := expect[[]EntryDTO](s, http.StatusOK, "GET", "/api/employees/emp-1/entries?from=2025-01-01&to=2025-01-31", nil)

	// THEN
	require.Len(t, entries, 1)
	assert.Equal(t, "sale", entries[0].Kind)
	assert.True(t, dec("100").Equal(entries[0].Quantity))
}

func TestRecordEntry_DuplicateIdempotencyKeyConflicts(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	body := map[string]any{"kind": "sale", "occurred_on": "2025-01-10", "quantity": "80", "idempotency_key": "ticket-9"}
	expect[EntryWriteDTO](s, http.StatusCreated, "POST", "/api/employees/emp-1/entries", body)

	// WHEN: the same key is posted again
	rec := s.do("POST", "/api/employees/emp-1/entries", body)

	// THEN
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ticket-9")
}

func TestRecordEntry_RejectsSaleDetailsOnTime(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	rec := s.do("POST", "/api/employees/emp-1/entries", map[string]any{
		"kind": "time", "occurred_on": "2025-01-10", "quantity": "8", "sale": map[string]any{"customer": "x"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplaceEntry_LinksReplacement(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	original := s.sale("2025-01-10", "100.00")

	// WHEN
	out := expect[EntryWriteDTO](s, http.StatusCreated, "POST", "/api/entries/"+original.Entry.ID+"/replace", map[string]any{
		"reason": "typo",
		"replacement": map[string]any{
			"kind": "sale", "occurred_on": "2025-01-10", "quantity": "110.00",
		},
	})

	// THEN
	require.NotNil(t, out.Replaced)
	assert.Equal(t, "voided", out.Replaced.Status)
	assert.Equal(t, original.Entry.ID, out.Entry.ReplacesID)
	assert.Equal(t, "emp-1", out.Entry.EmployeeID)
}

// =============================================================================
// PERIOD AND INVOICE CYCLE
// =============================================================================

func TestComputeInvoiceVoidFollowUp(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	refunded := s.sale("2025-01-12", "50.00")

	// WHEN: January is computed
	report := expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	// THEN
	assert.Equal(t, "closed", report.State)
	require.Len(t, report.Results, 1)
	assert.True(t, dec("15").Equal(report.Results[0].Total))

	// WHEN: the period is invoiced
	invoices := expect[[]InvoiceDTO](s, http.StatusCreated, "POST", "/api/periods/"+jan+"/invoices", map[string]string{"issued_on": "2025-02-01"})
	require.Len(t, invoices, 1)
	first := invoices[0]
	assert.Equal(t, "INV-000001", first.Display)
	assert.Equal(t, "Ana Ruiz", first.EmployeeName)

	// WHEN: a sale is voided after invoicing
	voided := expect[EntryWriteDTO](s, http.StatusOK, "POST", "/api/entries/"+refunded.Entry.ID+"/void", map[string]string{"reason": "refund"})

	// THEN: reconciliation produced a carried adjustment
	require.Len(t, voided.Outcomes, 1)
	require.NotNil(t, voided.Outcomes[0].Adjustment)
	assert.True(t, voided.Outcomes[0].Adjustment.Carry)
	assert.True(t, dec("-5").Equal(voided.Outcomes[0].Adjustment.Delta))

	carried := expect[[]AdjustmentDTO](s, http.StatusOK, "GET", "/api/adjustments?employee_id=emp-1&carry=true&uninvoiced=true", nil)
	require.Len(t, carried, 1)

	// WHEN: the follow-up invoice is issued
	followUp := expect[InvoiceDTO](s, http.StatusCreated, "POST", "/api/invoices/follow-up", map[string]string{"employee_id": "emp-1"})

	// THEN
	assert.Equal(t, "INV-000002", followUp.Display)
	assert.Equal(t, "2025-03-01", followUp.IssuedOn)
	assert.True(t, dec("-5").Equal(followUp.Total))

	frozen := expect[InvoiceDTO](s, http.StatusOK, "GET", "/api/invoices/"+first.ID, nil)
	assert.True(t, dec("15").Equal(frozen.Total))

	// AND: the summary points at the first invoice
	summary := expect[PeriodSummaryDTO](s, http.StatusOK, "GET", "/api/periods/"+jan+"/summary", nil)
	require.Len(t, summary.Rows, 1)
	assert.True(t, dec("10").Equal(summary.Rows[0].Total))
}

func TestIssueInvoice_TwiceForSameResultConflicts(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	report := expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)
	body := map[string]any{"result_ids": []string{report.Results[0].ID}}

	expect[InvoiceDTO](s, http.StatusCreated, "POST", "/api/invoices", body)
	rec := s.do("POST", "/api/invoices", body)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestComputePeriod_InvalidTransition(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	// WHEN: computing a closed period again
	rec := s.do("POST", "/api/periods/"+jan+"/compute", nil)

	// THEN
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestComputePeriod_RuleFailureReportsUnsaved(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	// GIVEN: a February hire with a sale backdated into January
	expect[EmployeeDTO](s, http.StatusCreated, "POST", "/api/employees", map[string]any{
		"id": "emp-2", "name": "Bo Lind", "active_from": "2025-02-01",
		"terms": map[string]string{"type": "commission", "commission_rule_id": "std"},
	})
	expect[EntryWriteDTO](s, http.StatusCreated, "POST", "/api/employees/emp-2/entries", map[string]any{
		"kind": "sale", "occurred_on": "2025-01-12", "quantity": "40",
	})

	// WHEN
	report := expect[ComputeReportDTO](s, http.StatusUnprocessableEntity, "POST", "/api/periods/"+jan+"/compute", nil)

	// THEN: emp-2 failed, emp-1 is shown but not saved
	assert.Equal(t, "open", report.State)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "emp-2", report.Failures[0].EmployeeID)
	require.Len(t, report.Unsaved, 1)
	assert.Equal(t, "emp-1", report.Unsaved[0].EmployeeID)
	assert.True(t, dec("10.00").Equal(report.Unsaved[0].Total))
	assert.Empty(t, report.Results)

	results := expect[[]ResultDTO](s, http.StatusOK, "GET", "/api/periods/"+jan+"/results", nil)
	assert.Empty(t, results)
}

func TestReopenAndRecompute_RecordsTransitions(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	expect[PeriodDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/reopen", map[string]string{"note": "late ticket"})
	s.sale("2025-01-20", "20.00")
	report := expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	// THEN: a second version and an adjustment
	require.Len(t, report.Results, 1)
	assert.Equal(t, 2, report.Results[0].Version)
	require.Len(t, report.Adjustments, 1)
	assert.True(t, dec("2").Equal(report.Adjustments[0].Delta))

	detail := expect[struct {
		Period      PeriodDTO       `json:"period"`
		Transitions []TransitionDTO `json:"transitions"`
	}](s, http.StatusOK, "GET", "/api/periods/"+jan, nil)
	assert.Equal(t, "closed", detail.Period.State)
	var events []string
	for _, tr := range detail.Transitions {
		events = append(events, tr.Event)
	}
	assert.Contains(t, events, "reopen")
	for _, tr := range detail.Transitions {
		if tr.Event == "reopen" {
			assert.Equal(t, "ana", tr.Actor)
			assert.Equal(t, "late ticket", tr.Note)
		}
	}
}

func TestMarkPaid_TogglesAndRecordsPayments(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)
	inv := expect[[]InvoiceDTO](s, http.StatusCreated, "POST", "/api/periods/"+jan+"/invoices", nil)[0]

	paid := expect[InvoiceDTO](s, http.StatusOK, "PUT", "/api/invoices/"+inv.ID+"/paid", map[string]any{"paid": true, "paid_on": "2025-02-10"})
	assert.True(t, paid.Paid)
	assert.Equal(t, "2025-02-10", paid.PaidOn)

	unpaid := expect[InvoiceDTO](s, http.StatusOK, "PUT", "/api/invoices/"+inv.ID+"/paid", map[string]any{"paid": false})
	assert.False(t, unpaid.Paid)

	// THEN: the payment and its reversal net to zero
	payments := expect[[]PaymentDTO](s, http.StatusOK, "GET", "/api/employees/emp-1/payments", nil)
	require.Len(t, payments, 2)
	assert.True(t, payments[0].Amount.Add(payments[1].Amount).IsZero())
}

// =============================================================================
// EXPORTS AND REPORTS
// =============================================================================

func TestInvoiceExports(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)
	inv := expect[[]InvoiceDTO](s, http.StatusCreated, "POST", "/api/periods/"+jan+"/invoices", nil)[0]

	pdf := s.do("GET", "/api/invoices/"+inv.ID+"/pdf", nil)
	require.Equal(t, http.StatusOK, pdf.Code)
	assert.Equal(t, "application/pdf", pdf.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(pdf.Body.Bytes(), []byte("%PDF-")))

	csv := s.do("GET", "/api/invoices/"+inv.ID+"/csv", nil)
	require.Equal(t, http.StatusOK, csv.Code)
	assert.Contains(t, csv.Header().Get("Content-Disposition"), "INV-000001.csv")
	assert.True(t, strings.HasPrefix(csv.Body.String(), "invoice,issued_on,"))
}

func TestYearToDate(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.sale("2025-01-10", "100.00")
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	ytd := expect[struct {
		Year int         `json:"year"`
		Rows []YTDRowDTO `json:"rows"`
	}](s, http.StatusOK, "GET", "/api/reports/ytd", nil)

	assert.Equal(t, 2025, ytd.Year)
	require.Len(t, ytd.Rows, 1)

	csv := s.do("GET", "/api/reports/ytd.csv?year=2025", nil)
	assert.Equal(t, http.StatusOK, csv.Code)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/api/reports/ytd?year=last", nil).Code)
}

func TestAudit_RecordsActor(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	entries := expect[[]AuditDTO](s, http.StatusOK, "GET", "/api/audit?employee_id=emp-1&limit=10", nil)

	require.NotEmpty(t, entries)
	assert.Equal(t, "ana", entries[0].Actor)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/api/audit?limit=0", nil).Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("GET", "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&payroll.NotFoundError{Kind: "employee", ID: "x"}, http.StatusNotFound},
		{&payroll.ValidationError{Field: "f", Message: "m"}, http.StatusBadRequest},
		{&payroll.InvalidStateError{Kind: "invoice", ID: "x", Reason: "r"}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", payroll.ErrPeriodArchived), http.StatusConflict},
		{payroll.ErrInvalidTransition, http.StatusConflict},
		{payroll.ErrNotFinalized, http.StatusConflict},
		{payroll.ErrRuleEvaluation, http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
