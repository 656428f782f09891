// Package store provides the in-memory payroll.Store.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a payroll.Store held entirely in maps. WithTx takes the write
// lock for the whole callback, which gives the single-writer model for free.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

type state struct {
	employees     map[payroll.EmployeeID]payroll.Employee
	employeeOrder []payroll.EmployeeID
	terms         map[payroll.EmployeeID][]payroll.CompensationTerms

	rules     map[payroll.RuleID][]payroll.CommissionRule
	ruleOrder []payroll.RuleID

	entries    map[payroll.EntryID]payroll.Entry
	entryOrder []payroll.EntryID
	keys       map[string]payroll.EntryID

	periods     map[payroll.PeriodID]payroll.Period
	transitions map[payroll.PeriodID][]payroll.PeriodTransition

	results     map[payroll.ResultID]payroll.ComputationResult
	resultOrder []payroll.ResultID
	consumers   map[payroll.EntryID][]payroll.ResultID

	adjustments map[payroll.AdjustmentID]payroll.Adjustment
	adjOrder    []payroll.AdjustmentID

	invoices        map[payroll.InvoiceID]payroll.Invoice
	invoiceOrder    []payroll.InvoiceID
	invoiceByResult map[payroll.ResultID]payroll.InvoiceID
	invoiceSeq      int64

	payments []payroll.Payment
	audit    []payroll.AuditEntry
}

func newState() *state {
	return &state{
		employees:       make(map[payroll.EmployeeID]payroll.Employee),
		terms:           make(map[payroll.EmployeeID][]payroll.CompensationTerms),
		rules:           make(map[payroll.RuleID][]payroll.CommissionRule),
		entries:         make(map[payroll.EntryID]payroll.Entry),
		keys:            make(map[string]payroll.EntryID),
		periods:         make(map[payroll.PeriodID]payroll.Period),
		transitions:     make(map[payroll.PeriodID][]payroll.PeriodTransition),
		results:         make(map[payroll.ResultID]payroll.ComputationResult),
		consumers:       make(map[payroll.EntryID][]payroll.ResultID),
		adjustments:     make(map[payroll.AdjustmentID]payroll.Adjustment),
		invoices:        make(map[payroll.InvoiceID]payroll.Invoice),
		invoiceByResult: make(map[payroll.ResultID]payroll.InvoiceID),
	}
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(payroll.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.s.clone()
	if err := fn(&memoryTx{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// View runs fn under the read lock.
func (m *Memory) View(ctx context.Context, fn func(payroll.Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryTx{s: m.s})
}

// clone copies every map and every slice held in a map. Stored values are
// replaced on write, never mutated in place, so a shallow copy of each value
// is enough.
func (s *state) clone() *state {
	return &state{
		employees:       cloneMap(s.employees),
		employeeOrder:   slices.Clone(s.employeeOrder),
		terms:           cloneSliceMap(s.terms),
		rules:           cloneSliceMap(s.rules),
		ruleOrder:       slices.Clone(s.ruleOrder),
		entries:         cloneMap(s.entries),
		entryOrder:      slices.Clone(s.entryOrder),
		keys:            cloneMap(s.keys),
		periods:         cloneMap(s.periods),
		transitions:     cloneSliceMap(s.transitions),
		results:         cloneMap(s.results),
		resultOrder:     slices.Clone(s.resultOrder),
		consumers:       cloneSliceMap(s.consumers),
		adjustments:     cloneMap(s.adjustments),
		adjOrder:        slices.Clone(s.adjOrder),
		invoices:        cloneMap(s.invoices),
		invoiceOrder:    slices.Clone(s.invoiceOrder),
		invoiceByResult: cloneMap(s.invoiceByResult),
		invoiceSeq:      s.invoiceSeq,
		payments:        slices.Clone(s.payments),
		audit:           slices.Clone(s.audit),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSliceMap[K comparable, V any](in map[K][]V) map[K][]V {
	out := make(map[K][]V, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memoryTx struct {
	s *state
}

var _ payroll.Tx = (*memoryTx)(nil)

// --- employees ---------------------------------------------------------------

func (t *memoryTx) SaveEmployee(_ context.Context, e payroll.Employee) error {
	if _, ok := t.s.employees[e.ID]; !ok {
		t.s.employeeOrder = append(t.s.employeeOrder, e.ID)
	}
	t.s.employees[e.ID] = e
	return nil
}

func (t *memoryTx) GetEmployee(_ context.Context, id payroll.EmployeeID) (payroll.Employee, error) {
	e, ok := t.s.employees[id]
	if !ok {
		return payroll.Employee{}, &payroll.NotFoundError{Kind: "employee", ID: string(id)}
	}
	return e, nil
}

func (t *memoryTx) ListEmployees(_ context.Context) ([]payroll.Employee, error) {
	out := make([]payroll.Employee, 0, len(t.s.employeeOrder))
	for _, id := range t.s.employeeOrder {
		out = append(out, t.s.employees[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) AppendTerms(_ context.Context, terms payroll.CompensationTerms) error {
	for _, existing := range t.s.terms[terms.EmployeeID] {
		if existing.Version == terms.Version {
			return &payroll.InvalidStateError{Kind: "terms", ID: string(terms.EmployeeID), Reason: "version already exists"}
		}
	}
	t.s.terms[terms.EmployeeID] = append(t.s.terms[terms.EmployeeID], terms)
	return nil
}

func (t *memoryTx) ListTerms(_ context.Context, id payroll.EmployeeID) ([]payroll.CompensationTerms, error) {
	out := slices.Clone(t.s.terms[id])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- rules -------------------------------------------------------------------

func (t *memoryTx) AppendRule(_ context.Context, r payroll.CommissionRule) error {
	versions, exists := t.s.rules[r.ID]
	for _, v := range versions {
		if v.Version == r.Version {
			return &payroll.InvalidStateError{Kind: "rule", ID: string(r.ID), Reason: "version already exists"}
		}
	}
	if !exists {
		t.s.ruleOrder = append(t.s.ruleOrder, r.ID)
	}
	t.s.rules[r.ID] = append(versions, r)
	return nil
}

func (t *memoryTx) ListRuleVersions(_ context.Context, id payroll.RuleID) ([]payroll.CommissionRule, error) {
	versions, ok := t.s.rules[id]
	if !ok {
		return nil, &payroll.NotFoundError{Kind: "rule", ID: string(id)}
	}
	out := slices.Clone(versions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (t *memoryTx) ListRules(ctx context.Context) ([]payroll.CommissionRule, error) {
	var out []payroll.CommissionRule
	for _, id := range t.s.ruleOrder {
		versions, _ := t.ListRuleVersions(ctx, id)
		out = append(out, versions...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// --- entries -----------------------------------------------------------------

func (t *memoryTx) InsertEntry(_ context.Context, e payroll.Entry) error {
	if _, ok := t.s.entries[e.ID]; ok {
		return &payroll.InvalidStateError{Kind: "entry", ID: string(e.ID), Reason: "already exists"}
	}
	if e.IdempotencyKey != "" {
		if existing, ok := t.s.keys[e.IdempotencyKey]; ok {
			return &payroll.InvalidStateError{Kind: "entry", ID: string(existing), Reason: "duplicate idempotency key " + e.IdempotencyKey}
		}
		t.s.keys[e.IdempotencyKey] = e.ID
	}
	t.s.entries[e.ID] = e
	t.s.entryOrder = append(t.s.entryOrder, e.ID)
	return nil
}

func (t *memoryTx) GetEntry(_ context.Context, id payroll.EntryID) (payroll.Entry, error) {
	e, ok := t.s.entries[id]
	if !ok {
		return payroll.Entry{}, &payroll.NotFoundError{Kind: "entry", ID: string(id)}
	}
	return e, nil
}

func (t *memoryTx) FindEntryByKey(_ context.Context, key string) (payroll.Entry, bool, error) {
	id, ok := t.s.keys[key]
	if !ok {
		return payroll.Entry{}, false, nil
	}
	return t.s.entries[id], true, nil
}

// ListEntries returns matches ordered by occurrence date, then recording order.
func (t *memoryTx) ListEntries(_ context.Context, f payroll.EntryFilter) ([]payroll.Entry, error) {
	var out []payroll.Entry
	for _, id := range t.s.entryOrder {
		e := t.s.entries[id]
		if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
			continue
		}
		if f.Range != nil && !f.Range.Contains(e.OccurredOn) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		if f.PeriodID != "" && e.PeriodID != f.PeriodID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredOn.Before(out[j].OccurredOn) })
	return out, nil
}

func (t *memoryTx) SetEntryStatus(_ context.Context, c payroll.EntryStatusChange) error {
	e, ok := t.s.entries[c.EntryID]
	if !ok {
		return &payroll.NotFoundError{Kind: "entry", ID: string(c.EntryID)}
	}
	e.Status = c.Status
	e.PeriodID = c.PeriodID
	e.VoidedAt = c.VoidedAt
	e.VoidReason = c.VoidReason
	t.s.entries[c.EntryID] = e
	return nil
}

// --- periods -----------------------------------------------------------------

func (t *memoryTx) InsertPeriod(_ context.Context, p payroll.Period) error {
	if _, ok := t.s.periods[p.ID]; ok {
		return &payroll.InvalidStateError{Kind: "period", ID: string(p.ID), Reason: "already exists"}
	}
	t.s.periods[p.ID] = p
	return nil
}

func (t *memoryTx) GetPeriod(_ context.Context, id payroll.PeriodID) (payroll.Period, error) {
	p, ok := t.s.periods[id]
	if !ok {
		return payroll.Period{}, &payroll.NotFoundError{Kind: "period", ID: string(id)}
	}
	return p, nil
}

// ListPeriods returns periods ordered by start date.
func (t *memoryTx) ListPeriods(_ context.Context) ([]payroll.Period, error) {
	out := make([]payroll.Period, 0, len(t.s.periods))
	for _, p := range t.s.periods {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out, nil
}

func (t *memoryTx) SetPeriodState(_ context.Context, id payroll.PeriodID, from, to payroll.PeriodState, at time.Time) error {
	p, ok := t.s.periods[id]
	if !ok {
		return &payroll.NotFoundError{Kind: "period", ID: string(id)}
	}
	if p.State != from {
		return &payroll.InvalidStateError{Kind: "period", ID: string(id), State: string(p.State), Reason: "expected " + string(from)}
	}
	p.State = to
	p.UpdatedAt = at
	t.s.periods[id] = p
	return nil
}

func (t *memoryTx) AppendTransition(_ context.Context, tr payroll.PeriodTransition) error {
	t.s.transitions[tr.PeriodID] = append(t.s.transitions[tr.PeriodID], tr)
	return nil
}

func (t *memoryTx) ListTransitions(_ context.Context, id payroll.PeriodID) ([]payroll.PeriodTransition, error) {
	return slices.Clone(t.s.transitions[id]), nil
}

// --- results -----------------------------------------------------------------

func (t *memoryTx) InsertResult(_ context.Context, r payroll.ComputationResult) error {
	if _, ok := t.s.results[r.ID]; ok {
		return &payroll.InvalidStateError{Kind: "result", ID: string(r.ID), Reason: "already exists"}
	}
	t.s.results[r.ID] = r
	t.s.resultOrder = append(t.s.resultOrder, r.ID)
	for _, eid := range r.EntryIDs {
		t.s.consumers[eid] = append(t.s.consumers[eid], r.ID)
	}
	return nil
}

func (t *memoryTx) GetResult(_ context.Context, id payroll.ResultID) (payroll.ComputationResult, error) {
	r, ok := t.s.results[id]
	if !ok {
		return payroll.ComputationResult{}, &payroll.NotFoundError{Kind: "result", ID: string(id)}
	}
	return r, nil
}

// ListResults returns matches in creation order.
func (t *memoryTx) ListResults(_ context.Context, f payroll.ResultFilter) ([]payroll.ComputationResult, error) {
	var out []payroll.ComputationResult
	for _, id := range t.s.resultOrder {
		r := t.s.results[id]
		if f.EmployeeID != "" && r.EmployeeID != f.EmployeeID {
			continue
		}
		if f.PeriodID != "" && r.PeriodID != f.PeriodID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *memoryTx) SetResultStatus(_ context.Context, id payroll.ResultID, s payroll.ResultStatus) error {
	r, ok := t.s.results[id]
	if !ok {
		return &payroll.NotFoundError{Kind: "result", ID: string(id)}
	}
	r.Status = s
	t.s.results[id] = r
	return nil
}

func (t *memoryTx) ResultsConsuming(_ context.Context, id payroll.EntryID) ([]payroll.ResultID, error) {
	return slices.Clone(t.s.consumers[id]), nil
}

// --- adjustments -------------------------------------------------------------

func (t *memoryTx) InsertAdjustment(_ context.Context, a payroll.Adjustment) error {
	if _, ok := t.s.adjustments[a.ID]; ok {
		return &payroll.InvalidStateError{Kind: "adjustment", ID: string(a.ID), Reason: "already exists"}
	}
	t.s.adjustments[a.ID] = a
	t.s.adjOrder = append(t.s.adjOrder, a.ID)
	return nil
}

func (t *memoryTx) ListAdjustments(_ context.Context, f payroll.AdjustmentFilter) ([]payroll.Adjustment, error) {
	var out []payroll.Adjustment
	for _, id := range t.s.adjOrder {
		a := t.s.adjustments[id]
		if f.EmployeeID != "" && a.EmployeeID != f.EmployeeID {
			continue
		}
		if f.PeriodID != "" && a.PeriodID != f.PeriodID {
			continue
		}
		if f.CarryOnly && !a.Carry {
			continue
		}
		if f.UninvoicedOnly && a.InvoiceID != "" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (t *memoryTx) MarkAdjustmentInvoiced(_ context.Context, id payroll.AdjustmentID, invoice payroll.InvoiceID) error {
	a, ok := t.s.adjustments[id]
	if !ok {
		return &payroll.NotFoundError{Kind: "adjustment", ID: string(id)}
	}
	if a.InvoiceID != "" {
		return &payroll.InvalidStateError{Kind: "adjustment", ID: string(id), Reason: "already invoiced on " + string(a.InvoiceID)}
	}
	a.InvoiceID = invoice
	t.s.adjustments[id] = a
	return nil
}

// --- invoices ----------------------------------------------------------------

func (t *memoryTx) NextInvoiceNumber(_ context.Context) (int64, error) {
	t.s.invoiceSeq++
	return t.s.invoiceSeq, nil
}

func (t *memoryTx) InsertInvoice(_ context.Context, inv payroll.Invoice) error {
	if _, ok := t.s.invoices[inv.ID]; ok {
		return &payroll.InvalidStateError{Kind: "invoice", ID: string(inv.ID), Reason: "already exists"}
	}
	for _, inv2 := range t.s.invoices {
		if inv2.Number == inv.Number {
			return &payroll.InvalidStateError{Kind: "invoice", ID: string(inv.ID), Reason: "duplicate number " + inv.Display}
		}
	}
	for _, rid := range inv.ResultIDs {
		if existing, ok := t.s.invoiceByResult[rid]; ok {
			return &payroll.InvalidStateError{Kind: "result", ID: string(rid), Reason: "already invoiced on " + string(existing)}
		}
	}
	t.s.invoices[inv.ID] = inv
	t.s.invoiceOrder = append(t.s.invoiceOrder, inv.ID)
	for _, rid := range inv.ResultIDs {
		t.s.invoiceByResult[rid] = inv.ID
	}
	return nil
}

func (t *memoryTx) GetInvoice(_ context.Context, id payroll.InvoiceID) (payroll.Invoice, error) {
	inv, ok := t.s.invoices[id]
	if !ok {
		return payroll.Invoice{}, &payroll.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	return inv, nil
}

// ListInvoices returns matches ordered by number.
func (t *memoryTx) ListInvoices(_ context.Context, f payroll.InvoiceFilter) ([]payroll.Invoice, error) {
	var out []payroll.Invoice
	for _, id := range t.s.invoiceOrder {
		inv := t.s.invoices[id]
		if f.EmployeeID != "" && inv.EmployeeID != f.EmployeeID {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *memoryTx) InvoiceForResult(_ context.Context, id payroll.ResultID) (payroll.InvoiceID, bool, error) {
	inv, ok := t.s.invoiceByResult[id]
	return inv, ok, nil
}

func (t *memoryTx) SetInvoicePaid(_ context.Context, id payroll.InvoiceID, paidOn *payroll.Date) error {
	inv, ok := t.s.invoices[id]
	if !ok {
		return &payroll.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	inv.PaidOn = paidOn
	t.s.invoices[id] = inv
	return nil
}

// --- payments ----------------------------------------------------------------

func (t *memoryTx) InsertPayment(_ context.Context, p payroll.Payment) error {
	t.s.payments = append(t.s.payments, p)
	return nil
}

// ListPayments returns the employee's payments ordered by paid date.
func (t *memoryTx) ListPayments(_ context.Context, id payroll.EmployeeID) ([]payroll.Payment, error) {
	var out []payroll.Payment
	for _, p := range t.s.payments {
		if id == "" || p.EmployeeID == id {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidOn.Before(out[j].PaidOn) })
	return out, nil
}

// --- audit -------------------------------------------------------------------

func (t *memoryTx) AppendAudit(_ context.Context, a payroll.AuditEntry) error {
	t.s.audit = append(t.s.audit, a)
	return nil
}

// ListAudit returns matches oldest first; Limit keeps the most recent.
func (t *memoryTx) ListAudit(_ context.Context, f payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	var out []payroll.AuditEntry
	for _, a := range t.s.audit {
		if f.EmployeeID != "" && a.EmployeeID != f.EmployeeID {
			continue
		}
		if f.PeriodID != "" && a.PeriodID != f.PeriodID {
			continue
		}
		if len(f.Actions) > 0 && !slices.Contains(f.Actions, a.Action) {
			continue
		}
		out = append(out, a)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}
