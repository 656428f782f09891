/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the wire contract the desktop shell consumes.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENCODING:
  - Dates are "YYYY-MM-DD", timestamps RFC3339
  - Money, hours and rates are decimal strings ("12.50"), never floats

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleJSON, TermsJSON request shapes
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/reconcile"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateEmployeeRequest struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	ActiveFrom string            `json:"active_from"`
	ActiveTo   string            `json:"active_to,omitempty"`
	Terms      factory.TermsJSON `json:"terms"`
}

type SetActiveToRequest struct {
	// Empty clears the end date.
	ActiveTo string `json:"active_to"`
}

type SaleRequest struct {
	Customer         string           `json:"customer,omitempty"`
	Reference        string           `json:"reference,omitempty"`
	CreditCard       bool             `json:"credit_card,omitempty"`
	Tip              *decimal.Decimal `json:"tip,omitempty"`
	Materials        *decimal.Decimal `json:"materials,omitempty"`
	Fees             *decimal.Decimal `json:"fees,omitempty"`
	ManualCommission *decimal.Decimal `json:"manual_commission,omitempty"`
}

type RecordEntryRequest struct {
	Kind           string          `json:"kind"`
	OccurredOn     string          `json:"occurred_on"`
	Quantity       decimal.Decimal `json:"quantity"`
	Sale           *SaleRequest    `json:"sale,omitempty"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Override       bool            `json:"override,omitempty"`
}

type VoidEntryRequest struct {
	Reason   string `json:"reason"`
	Override bool   `json:"override,omitempty"`
}

type ReplaceEntryRequest struct {
	Reason      string             `json:"reason"`
	Override    bool               `json:"override,omitempty"`
	Replacement RecordEntryRequest `json:"replacement"`
}

type CreatePeriodRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type ReopenRequest struct {
	Note string `json:"note"`
}

type IssueInvoiceRequest struct {
	ResultIDs []string `json:"result_ids"`
	IssuedOn  string   `json:"issued_on,omitempty"`
}

type IssueFollowUpRequest struct {
	EmployeeID string `json:"employee_id"`
	IssuedOn   string `json:"issued_on,omitempty"`
}

type IssueForPeriodRequest struct {
	IssuedOn string `json:"issued_on,omitempty"`
}

type MarkPaidRequest struct {
	Paid   bool   `json:"paid"`
	PaidOn string `json:"paid_on,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type EmployeeDTO struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email,omitempty"`
	ActiveFrom string     `json:"active_from"`
	ActiveTo   string     `json:"active_to,omitempty"`
	CreatedAt  string     `json:"created_at,omitempty"`
	Terms      []TermsDTO `json:"terms,omitempty"`
}

type TermsDTO struct {
	Version            int             `json:"version"`
	EffectiveFrom      string          `json:"effective_from"`
	Type               string          `json:"type"`
	HourlyRate         decimal.Decimal `json:"hourly_rate"`
	OvertimeThreshold  decimal.Decimal `json:"overtime_threshold"`
	OvertimeMultiplier decimal.Decimal `json:"overtime_multiplier"`
	SalaryPerPeriod    decimal.Decimal `json:"salary_per_period"`
	CommissionRuleID   string          `json:"commission_rule_id,omitempty"`
}

type RuleDTO struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	Name          string          `json:"name"`
	Kind          string          `json:"kind"`
	EffectiveFrom string          `json:"effective_from"`
	Params        json.RawMessage `json:"params"`
	CreatedAt     string          `json:"created_at"`
}

type EntryDTO struct {
	ID             string          `json:"id"`
	EmployeeID     string          `json:"employee_id"`
	Kind           string          `json:"kind"`
	OccurredOn     string          `json:"occurred_on"`
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit"`
	Sale           *SaleRequest    `json:"sale,omitempty"`
	Note           string          `json:"note,omitempty"`
	Status         string          `json:"status"`
	PeriodID       string          `json:"period_id,omitempty"`
	ReplacesID     string          `json:"replaces_id,omitempty"`
	VoidReason     string          `json:"void_reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RecordedAt     string          `json:"recorded_at"`
}

// EntryWriteDTO is the response to record, void and replace.
type EntryWriteDTO struct {
	Entry    EntryDTO     `json:"entry"`
	Replaced *EntryDTO    `json:"replaced,omitempty"`
	Queued   bool         `json:"queued"`
	Outcomes []OutcomeDTO `json:"reconciliation"`
}

type OutcomeDTO struct {
	EmployeeID string         `json:"employee_id"`
	PeriodID   string         `json:"period_id"`
	Result     *ResultDTO     `json:"result,omitempty"`
	Adjustment *AdjustmentDTO `json:"adjustment,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type PeriodDTO struct {
	ID        string `json:"id"`
	Start     string `json:"start"`
	End       string `json:"end"`
	State     string `json:"state"`
	UpdatedAt string `json:"updated_at"`
}

type TransitionDTO struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`
	At    string `json:"at"`
}

type LineDTO struct {
	Kind        string          `json:"kind"`
	EntryID     string          `json:"entry_id,omitempty"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
}

type ResultDTO struct {
	ID           string          `json:"id"`
	EmployeeID   string          `json:"employee_id"`
	PeriodID     string          `json:"period_id"`
	Version      int             `json:"version"`
	Status       string          `json:"status"`
	Total        decimal.Decimal `json:"total"`
	TermsVersion int             `json:"terms_version"`
	Lines        []LineDTO       `json:"lines"`
	EntryIDs     []string        `json:"entry_ids"`
	SupersedesID string          `json:"supersedes_id,omitempty"`
	ComputedAt   string          `json:"computed_at"`
}

type AdjustmentDTO struct {
	ID              string          `json:"id"`
	EmployeeID      string          `json:"employee_id"`
	PeriodID        string          `json:"period_id"`
	OldResultID     string          `json:"old_result_id"`
	NewResultID     string          `json:"new_result_id"`
	OldTotal        decimal.Decimal `json:"old_total"`
	NewTotal        decimal.Decimal `json:"new_total"`
	Delta           decimal.Decimal `json:"delta"`
	Reason          string          `json:"reason"`
	TriggerEntryID  string          `json:"trigger_entry_id,omitempty"`
	Carry           bool            `json:"carry"`
	CarryToPeriodID string          `json:"carry_to_period_id,omitempty"`
	InvoiceID       string          `json:"invoice_id,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

type FailureDTO struct {
	EmployeeID string `json:"employee_id"`
	Error      string `json:"error"`
}

type ComputeReportDTO struct {
	PeriodID    string          `json:"period_id"`
	State       string          `json:"state"`
	Cancelled   bool            `json:"cancelled"`
	Results     []ResultDTO     `json:"results"`
	Adjustments []AdjustmentDTO `json:"adjustments"`
	Failures    []FailureDTO    `json:"failures"`
	// Unsaved lists what the other employees would have been paid when
	// some failed. Nothing in it was persisted.
	Unsaved []ComputationDTO `json:"unsaved,omitempty"`
	Drained []OutcomeDTO     `json:"drained"`
}

type ComputationDTO struct {
	EmployeeID   string          `json:"employee_id"`
	Total        decimal.Decimal `json:"total"`
	TermsVersion int             `json:"terms_version"`
	Lines        []LineDTO       `json:"lines"`
}

type InvoiceLineDTO struct {
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

type InvoiceDTO struct {
	ID            string           `json:"id"`
	Number        int64            `json:"number"`
	Display       string           `json:"display"`
	IssuedOn      string           `json:"issued_on"`
	EmployeeID    string           `json:"employee_id"`
	EmployeeName  string           `json:"employee_name"`
	Currency      string           `json:"currency"`
	Lines         []InvoiceLineDTO `json:"lines"`
	Total         decimal.Decimal  `json:"total"`
	ResultIDs     []string         `json:"result_ids"`
	AdjustmentIDs []string         `json:"adjustment_ids"`
	Paid          bool             `json:"paid"`
	PaidOn        string           `json:"paid_on,omitempty"`
}

type PaymentDTO struct {
	ID         string          `json:"id"`
	EmployeeID string          `json:"employee_id"`
	InvoiceID  string          `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	PaidOn     string          `json:"paid_on"`
}

type SummaryRowDTO struct {
	EmployeeID    string          `json:"employee_id"`
	Name          string          `json:"name"`
	ResultID      string          `json:"result_id"`
	Version       int             `json:"version"`
	Status        string          `json:"status"`
	Total         decimal.Decimal `json:"total"`
	Invoiced      bool            `json:"invoiced"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
}

type PeriodSummaryDTO struct {
	Period PeriodDTO       `json:"period"`
	Rows   []SummaryRowDTO `json:"rows"`
	Total  decimal.Decimal `json:"total"`
}

type YTDRowDTO struct {
	EmployeeID string          `json:"employee_id"`
	Name       string          `json:"name"`
	Periods    int             `json:"periods"`
	Total      decimal.Decimal `json:"total"`
	Paid       decimal.Decimal `json:"paid"`
	LastPaid   string          `json:"last_paid,omitempty"`
}

type AuditDTO struct {
	ID         string            `json:"id"`
	At         string            `json:"at"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	SubjectID  string            `json:"subject_id,omitempty"`
	EmployeeID string            `json:"employee_id,omitempty"`
	PeriodID   string            `json:"period_id,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func datePtrString(d *payroll.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func toEmployeeDTO(e payroll.Employee, terms []payroll.CompensationTerms) EmployeeDTO {
	dto := EmployeeDTO{
		ID:         string(e.ID),
		Name:       e.Name,
		Email:      e.Email,
		ActiveFrom: e.ActiveFrom.String(),
		ActiveTo:   datePtrString(e.ActiveTo),
		CreatedAt:  formatTime(e.CreatedAt),
	}
	for _, t := range terms {
		dto.Terms = append(dto.Terms, toTermsDTO(t))
	}
	return dto
}

func toTermsDTO(t payroll.CompensationTerms) TermsDTO {
	return TermsDTO{
		Version:            t.Version,
		EffectiveFrom:      t.EffectiveFrom.String(),
		Type:               string(t.Type),
		HourlyRate:         t.HourlyRate,
		OvertimeThreshold:  t.OvertimeThreshold,
		OvertimeMultiplier: t.OvertimeMultiplier,
		SalaryPerPeriod:    t.SalaryPerPeriod,
		CommissionRuleID:   string(t.CommissionRuleID),
	}
}

func toRuleDTO(r payroll.CommissionRule) RuleDTO {
	return RuleDTO{
		ID:            string(r.ID),
		Version:       r.Version,
		Name:          r.Name,
		Kind:          r.Kind,
		EffectiveFrom: r.EffectiveFrom.String(),
		Params:        json.RawMessage(r.Params),
		CreatedAt:     formatTime(r.CreatedAt),
	}
}

func toEntryDTO(e payroll.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             string(e.ID),
		EmployeeID:     string(e.EmployeeID),
		Kind:           string(e.Kind),
		OccurredOn:     e.OccurredOn.String(),
		Quantity:       e.Quantity.Value,
		Unit:           string(e.Quantity.Unit),
		Note:           e.Note,
		Status:         string(e.Status),
		PeriodID:       string(e.PeriodID),
		ReplacesID:     string(e.ReplacesID),
		VoidReason:     e.VoidReason,
		IdempotencyKey: e.IdempotencyKey,
		RecordedAt:     formatTime(e.RecordedAt),
	}
	if s := e.Sale; s != nil {
		dto.Sale = &SaleRequest{
			Customer:         s.Customer,
			Reference:        s.Reference,
			CreditCard:       s.CreditCard,
			Tip:              &s.Tip,
			Materials:        &s.Materials,
			Fees:             &s.Fees,
			ManualCommission: s.ManualCommission,
		}
	}
	return dto
}

func toEntryWriteDTO(r engine.EntryResult) EntryWriteDTO {
	dto := EntryWriteDTO{
		Entry:    toEntryDTO(r.Entry),
		Queued:   r.Queued,
		Outcomes: toOutcomeDTOs(r.Outcomes),
	}
	if r.Replaced != nil {
		replaced := toEntryDTO(*r.Replaced)
		dto.Replaced = &replaced
	}
	return dto
}

func toOutcomeDTOs(outcomes []reconcile.Outcome) []OutcomeDTO {
	out := make([]OutcomeDTO, 0, len(outcomes))
	for _, o := range outcomes {
		dto := OutcomeDTO{EmployeeID: string(o.Pair.EmployeeID), PeriodID: string(o.Pair.PeriodID)}
		if o.Result != nil {
			r := toResultDTO(*o.Result)
			dto.Result = &r
		}
		if o.Adjustment != nil {
			a := toAdjustmentDTO(*o.Adjustment)
			dto.Adjustment = &a
		}
		if o.Err != nil {
			dto.Error = o.Err.Error()
		}
		out = append(out, dto)
	}
	return out
}

func toPeriodDTO(p payroll.Period) PeriodDTO {
	return PeriodDTO{
		ID:        string(p.ID),
		Start:     p.Range.Start.String(),
		End:       p.Range.End.String(),
		State:     string(p.State),
		UpdatedAt: formatTime(p.UpdatedAt),
	}
}

func toTransitionDTO(t payroll.PeriodTransition) TransitionDTO {
	return TransitionDTO{
		From: string(t.From), To: string(t.To), Event: t.Event,
		Actor: t.Actor, Note: t.Note, At: formatTime(t.At),
	}
}

func toResultDTO(r payroll.ComputationResult) ResultDTO {
	dto := ResultDTO{
		ID:           string(r.ID),
		EmployeeID:   string(r.EmployeeID),
		PeriodID:     string(r.PeriodID),
		Version:      r.Version,
		Status:       string(r.Status),
		Total:        r.Total,
		TermsVersion: r.TermsVersion,
		Lines:        make([]LineDTO, 0, len(r.Lines)),
		EntryIDs:     make([]string, 0, len(r.EntryIDs)),
		SupersedesID: string(r.SupersedesID),
		ComputedAt:   formatTime(r.ComputedAt),
	}
	dto.Lines = appendLineDTOs(dto.Lines, r.Lines)
	for _, id := range r.EntryIDs {
		dto.EntryIDs = append(dto.EntryIDs, string(id))
	}
	return dto
}

func appendLineDTOs(dst []LineDTO, lines []payroll.LineItem) []LineDTO {
	for _, l := range lines {
		dst = append(dst, LineDTO{
			Kind: string(l.Kind), EntryID: string(l.EntryID), Description: l.Description,
			Quantity: l.Quantity, Rate: l.Rate, Amount: l.Amount,
		})
	}
	return dst
}

func toAdjustmentDTO(a payroll.Adjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:              string(a.ID),
		EmployeeID:      string(a.EmployeeID),
		PeriodID:        string(a.PeriodID),
		OldResultID:     string(a.OldResultID),
		NewResultID:     string(a.NewResultID),
		OldTotal:        a.OldTotal,
		NewTotal:        a.NewTotal,
		Delta:           a.Delta,
		Reason:          a.Reason,
		TriggerEntryID:  string(a.TriggerEntryID),
		Carry:           a.Carry,
		CarryToPeriodID: string(a.CarryToPeriodID),
		InvoiceID:       string(a.InvoiceID),
		CreatedAt:       formatTime(a.CreatedAt),
	}
}

func toComputeReportDTO(r engine.ComputeReport) ComputeReportDTO {
	dto := ComputeReportDTO{
		PeriodID:    string(r.PeriodID),
		State:       string(r.State),
		Cancelled:   r.Cancelled,
		Results:     make([]ResultDTO, 0, len(r.Results)),
		Adjustments: make([]AdjustmentDTO, 0, len(r.Adjustments)),
		Failures:    make([]FailureDTO, 0, len(r.Failures)),
		Drained:     toOutcomeDTOs(r.Drained),
	}
	for _, res := range r.Results {
		dto.Results = append(dto.Results, toResultDTO(res))
	}
	for _, a := range r.Adjustments {
		dto.Adjustments = append(dto.Adjustments, toAdjustmentDTO(a))
	}
	for _, f := range r.Failures {
		dto.Failures = append(dto.Failures, FailureDTO{EmployeeID: string(f.EmployeeID), Error: f.Err.Error()})
	}
	for _, c := range r.Unsaved {
		dto.Unsaved = append(dto.Unsaved, ComputationDTO{
			EmployeeID:   string(c.EmployeeID),
			Total:        c.Total,
			TermsVersion: c.TermsVersion,
			Lines:        appendLineDTOs(make([]LineDTO, 0, len(c.Lines)), c.Lines),
		})
	}
	return dto
}

func toInvoiceDTO(inv payroll.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:            string(inv.ID),
		Number:        inv.Number,
		Display:       inv.Display,
		IssuedOn:      inv.IssuedOn.String(),
		EmployeeID:    string(inv.EmployeeID),
		EmployeeName:  inv.EmployeeName,
		Currency:      inv.Currency,
		Lines:         make([]InvoiceLineDTO, 0, len(inv.Lines)),
		Total:         inv.Total,
		ResultIDs:     make([]string, 0, len(inv.ResultIDs)),
		AdjustmentIDs: make([]string, 0, len(inv.AdjustmentIDs)),
		Paid:          inv.PaidOn != nil,
		PaidOn:        datePtrString(inv.PaidOn),
	}
	for _, l := range inv.Lines {
		dto.Lines = append(dto.Lines, InvoiceLineDTO{
			Kind: string(l.Kind), PeriodID: string(l.PeriodID), ResultID: string(l.ResultID),
			AdjustmentID: string(l.AdjustmentID), EntryID: string(l.EntryID), Description: l.Description,
			Quantity: l.Quantity, Rate: l.Rate, Amount: l.Amount,
		})
	}
	for _, id := range inv.ResultIDs {
		dto.ResultIDs = append(dto.ResultIDs, string(id))
	}
	for _, id := range inv.AdjustmentIDs {
		dto.AdjustmentIDs = append(dto.AdjustmentIDs, string(id))
	}
	return dto
}

func toPaymentDTO(p payroll.Payment) PaymentDTO {
	return PaymentDTO{
		ID: string(p.ID), EmployeeID: string(p.EmployeeID), InvoiceID: string(p.InvoiceID),
		Amount: p.Amount, PaidOn: p.PaidOn.String(),
	}
}

func toSummaryDTO(s engine.PeriodSummary) PeriodSummaryDTO {
	dto := PeriodSummaryDTO{Period: toPeriodDTO(s.Period), Rows: make([]SummaryRowDTO, 0, len(s.Rows)), Total: s.Total}
	for _, r := range s.Rows {
		dto.Rows = append(dto.Rows, SummaryRowDTO{
			EmployeeID: string(r.EmployeeID), Name: r.Name, ResultID: string(r.ResultID),
			Version: r.Version, Status: string(r.Status), Total: r.Total,
			Invoiced: r.Invoiced, InvoiceNumber: r.InvoiceNumber,
		})
	}
	return dto
}

func toYTDDTO(r engine.YTDRow) YTDRowDTO {
	return YTDRowDTO{
		EmployeeID: string(r.EmployeeID), Name: r.Name, Periods: r.Periods,
		Total: r.Total, Paid: r.Paid, LastPaid: datePtrString(r.LastPaid),
	}
}

func toAuditDTO(a payroll.AuditEntry) AuditDTO {
	return AuditDTO{
		ID: a.ID, At: formatTime(a.At), Actor: a.Actor, Action: string(a.Action),
		SubjectID: a.SubjectID, EmployeeID: string(a.EmployeeID), PeriodID: string(a.PeriodID),
		Details: a.Details,
	}
}
