/*
ledger.go - Ledger Store contract: append-only entries and versioned history

PURPOSE:
  The Ledger is the write path for raw facts: employees, compensation terms,
  commission rule versions and time/sales entries. Every method runs inside
  one store transaction, so a failed validation never leaves a partial write.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never edited. Voiding flips the status flag and
     records a timestamp; the row stays.
  2. ARCHIVED HISTORY: a write dated into an archived period fails with
     PeriodArchivedError unless the caller passes an explicit override, which
     is itself audited.
  3. LOCKED PERIODS: an entry already included in a closed period can only be
     voided by the reconciliation path (VoidOptions.Reconciling).
  4. IDEMPOTENT: a repeated idempotency key is rejected, never double-booked.

CORRECTIONS:
  Editing is void-and-replace: the original is voided and a new entry with
  ReplacesID pointing at it is recorded. Both remain in the ledger.

TX VARIANTS:
  RecordEntryTx / VoidEntryTx take an open Tx so the engine can compose them
  with reconciliation inside one atomic unit.

SEE ALSO:
  - store.go: persistence interface
  - reconcile: what happens after an entry changes under a computed period
*/
package payroll

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Clock func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store, Clock: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock()
}

type RecordOptions struct {
	Actor string
	// Override allows a write dated into an archived period.
	Override bool
}

type VoidOptions struct {
	Actor    string
	Reason   string
	Override bool
	// Reconciling is set by the reconciliation path, the only caller allowed
	// to void an entry included in a closed period.
	Reconciling bool
}

// RecordEntry validates and appends a time or sale entry.
func (l *Ledger) RecordEntry(ctx context.Context, e Entry, opts RecordOptions) (Entry, error) {
	var out Entry
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = RecordEntryTx(ctx, tx, e, opts, l.now())
		return err
	})
	return out, err
}

// VoidEntry marks an entry voided. It never deletes.
func (l *Ledger) VoidEntry(ctx context.Context, id EntryID, opts VoidOptions) (Entry, error) {
	var out Entry
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, _, err = VoidEntryTx(ctx, tx, id, opts, l.now())
		return err
	})
	return out, err
}

// GetEntries returns every entry of the employee dated within r, voided ones
// included, ordered by occurrence date.
func (l *Ledger) GetEntries(ctx context.Context, employee EmployeeID, r DateRange) ([]Entry, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var out []Entry
	err := l.Store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetEmployee(ctx, employee); err != nil {
			return err
		}
		var err error
		out, err = tx.ListEntries(ctx, EntryFilter{EmployeeID: employee, Range: &r})
		return err
	})
	return out, err
}

// RuleVersionsAt returns, for every rule, the version effective on date.
// Rules with no version effective yet are omitted.
func (l *Ledger) RuleVersionsAt(ctx context.Context, date Date) ([]CommissionRule, error) {
	var out []CommissionRule
	err := l.Store.View(ctx, func(tx Tx) error {
		all, err := tx.ListRules(ctx)
		if err != nil {
			return err
		}
		byID := make(map[RuleID][]CommissionRule)
		var ids []RuleID
		for _, r := range all {
			if _, ok := byID[r.ID]; !ok {
				ids = append(ids, r.ID)
			}
			byID[r.ID] = append(byID[r.ID], r)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if r, ok := EffectiveRule(byID[id], date); ok {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// =============================================================================
// EMPLOYEES, TERMS, RULES - Versioned history
// =============================================================================

// AddEmployee stores a new employee with the first version of its terms.
func (l *Ledger) AddEmployee(ctx context.Context, e Employee, terms CompensationTerms, actor string) (Employee, CompensationTerms, error) {
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		e, terms, err = AddEmployeeTx(ctx, tx, e, terms, actor, l.now())
		return err
	})
	return e, terms, err
}

func AddEmployeeTx(ctx context.Context, tx Tx, e Employee, terms CompensationTerms, actor string, now time.Time) (Employee, CompensationTerms, error) {
	if e.ID == "" {
		return Employee{}, CompensationTerms{}, &ValidationError{Field: "id", Message: "required"}
	}
	if e.Name == "" {
		return Employee{}, CompensationTerms{}, &ValidationError{Field: "name", Message: "required"}
	}
	if e.ActiveFrom.IsZero() {
		return Employee{}, CompensationTerms{}, &ValidationError{Field: "active_from", Message: "required"}
	}
	if e.ActiveTo != nil && e.ActiveTo.Before(e.ActiveFrom) {
		return Employee{}, CompensationTerms{}, &ValidationError{Field: "active_to", Message: "before active_from"}
	}
	if _, err := tx.GetEmployee(ctx, e.ID); err == nil {
		return Employee{}, CompensationTerms{}, &InvalidStateError{Kind: "employee", ID: string(e.ID), Reason: "already exists"}
	} else if !IsNotFound(err) {
		return Employee{}, CompensationTerms{}, err
	}

	e.CreatedAt = now
	if err := tx.SaveEmployee(ctx, e); err != nil {
		return Employee{}, CompensationTerms{}, fmt.Errorf("save employee %s: %w", e.ID, err)
	}
	if err := RecordAudit(ctx, tx, AuditEntry{
		At: now, Actor: actor, Action: AuditEmployeeAdded,
		SubjectID: string(e.ID), EmployeeID: e.ID,
	}); err != nil {
		return Employee{}, CompensationTerms{}, err
	}

	terms.EmployeeID = e.ID
	if terms.EffectiveFrom.IsZero() {
		terms.EffectiveFrom = e.ActiveFrom
	}
	terms, err := AddTermsTx(ctx, tx, terms, actor, now)
	if err != nil {
		return Employee{}, CompensationTerms{}, err
	}
	return e, terms, nil
}

// SetActiveToTx ends (or clears the end of) an employee's active range.
func SetActiveToTx(ctx context.Context, tx Tx, id EmployeeID, to *Date) (Employee, error) {
	e, err := tx.GetEmployee(ctx, id)
	if err != nil {
		return Employee{}, err
	}
	if to != nil && to.Before(e.ActiveFrom) {
		return Employee{}, &ValidationError{Field: "active_to", Message: "before active_from"}
	}
	e.ActiveTo = to
	return e, tx.SaveEmployee(ctx, e)
}

// AddTermsTx appends the next version of an employee's compensation terms.
func AddTermsTx(ctx context.Context, tx Tx, t CompensationTerms, actor string, now time.Time) (CompensationTerms, error) {
	if err := validateTerms(t); err != nil {
		return CompensationTerms{}, err
	}
	if _, err := tx.GetEmployee(ctx, t.EmployeeID); err != nil {
		return CompensationTerms{}, err
	}
	if t.CommissionRuleID != "" {
		if _, err := tx.ListRuleVersions(ctx, t.CommissionRuleID); err != nil {
			return CompensationTerms{}, err
		}
	}
	existing, err := tx.ListTerms(ctx, t.EmployeeID)
	if err != nil {
		return CompensationTerms{}, err
	}
	t.Version = len(existing) + 1
	t.CreatedAt = now
	if err := tx.AppendTerms(ctx, t); err != nil {
		return CompensationTerms{}, fmt.Errorf("append terms for %s: %w", t.EmployeeID, err)
	}
	return t, RecordAudit(ctx, tx, AuditEntry{
		At: now, Actor: actor, Action: AuditTermsVersioned,
		SubjectID: string(t.EmployeeID), EmployeeID: t.EmployeeID,
		Details: map[string]string{
			"version":        fmt.Sprint(t.Version),
			"effective_from": t.EffectiveFrom.String(),
			"type":           string(t.Type),
		},
	})
}

func validateTerms(t CompensationTerms) error {
	if !t.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown compensation type %q", t.Type)}
	}
	if t.EffectiveFrom.IsZero() {
		return &ValidationError{Field: "effective_from", Message: "required"}
	}
	for field, v := range map[string]decimal.Decimal{
		"hourly_rate":         t.HourlyRate,
		"overtime_threshold":  t.OvertimeThreshold,
		"overtime_multiplier": t.OvertimeMultiplier,
		"salary_per_period":   t.SalaryPerPeriod,
	} {
		if v.IsNegative() {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
	}
	if t.Type == CompHourly && !t.HourlyRate.IsPositive() {
		return &ValidationError{Field: "hourly_rate", Message: "required for hourly employees"}
	}
	if t.Type == CompSalary && !t.SalaryPerPeriod.IsPositive() {
		return &ValidationError{Field: "salary_per_period", Message: "required for salaried employees"}
	}
	return nil
}

// AddRuleVersionTx appends the next version of a commission rule. Params
// are validated by the rule engine before they get here.
func AddRuleVersionTx(ctx context.Context, tx Tx, r CommissionRule, actor string, now time.Time) (CommissionRule, error) {
	if r.ID == "" {
		return CommissionRule{}, &ValidationError{Field: "rule_id", Message: "required"}
	}
	if r.EffectiveFrom.IsZero() {
		return CommissionRule{}, &ValidationError{Field: "effective_from", Message: "required"}
	}
	versions, err := tx.ListRuleVersions(ctx, r.ID)
	if err != nil && !IsNotFound(err) {
		return CommissionRule{}, err
	}
	r.Version = len(versions) + 1
	r.CreatedAt = now
	if err := tx.AppendRule(ctx, r); err != nil {
		return CommissionRule{}, fmt.Errorf("append rule %s: %w", r.ID, err)
	}
	return r, RecordAudit(ctx, tx, AuditEntry{
		At: now, Actor: actor, Action: AuditRuleVersioned, SubjectID: string(r.ID),
		Details: map[string]string{
			"version":        fmt.Sprint(r.Version),
			"kind":           r.Kind,
			"effective_from": r.EffectiveFrom.String(),
		},
	})
}

// =============================================================================
// ENTRIES
// =============================================================================

// RecordEntryTx validates e and appends it as pending. It returns the stored
// entry with its id, status and recording time filled in.
func RecordEntryTx(ctx context.Context, tx Tx, e Entry, opts RecordOptions, now time.Time) (Entry, error) {
	if err := validateEntry(&e); err != nil {
		return Entry{}, err
	}
	if _, err := tx.GetEmployee(ctx, e.EmployeeID); err != nil {
		return Entry{}, err
	}
	if e.IdempotencyKey != "" {
		existing, found, err := tx.FindEntryByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return Entry{}, err
		}
		if found {
			return Entry{}, &InvalidStateError{Kind: "entry", ID: string(existing.ID), Reason: "duplicate idempotency key " + e.IdempotencyKey}
		}
	}
	if e.ReplacesID != "" {
		if _, err := tx.GetEntry(ctx, e.ReplacesID); err != nil {
			return Entry{}, err
		}
	}

	p, inPeriod, err := PeriodFor(ctx, tx, e.OccurredOn)
	if err != nil {
		return Entry{}, err
	}
	if inPeriod && p.State == PeriodArchived {
		if !opts.Override {
			return Entry{}, &PeriodArchivedError{PeriodID: p.ID, Date: e.OccurredOn}
		}
	}

	if e.ID == "" {
		e.ID = EntryID(NewID())
	}
	e.Status = EntryPending
	e.PeriodID = ""
	e.VoidedAt = nil
	e.VoidReason = ""
	e.RecordedAt = now
	if err := tx.InsertEntry(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("insert entry %s: %w", e.ID, err)
	}

	details := map[string]string{
		"kind":        string(e.Kind),
		"occurred_on": e.OccurredOn.String(),
		"quantity":    e.Quantity.Value.String(),
	}
	if e.ReplacesID != "" {
		details["replaces"] = string(e.ReplacesID)
	}
	if err := RecordAudit(ctx, tx, AuditEntry{
		At: now, Actor: opts.Actor, Action: AuditEntryRecorded,
		SubjectID: string(e.ID), EmployeeID: e.EmployeeID, Details: details,
	}); err != nil {
		return Entry{}, err
	}
	if inPeriod && p.State == PeriodArchived {
		if err := RecordAudit(ctx, tx, AuditEntry{
			At: now, Actor: opts.Actor, Action: AuditArchiveOverride,
			SubjectID: string(e.ID), EmployeeID: e.EmployeeID, PeriodID: p.ID,
			Details: map[string]string{"operation": "record"},
		}); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func validateEntry(e *Entry) error {
	if e.EmployeeID == "" {
		return &ValidationError{Field: "employee_id", Message: "required"}
	}
	if e.OccurredOn.IsZero() {
		return &ValidationError{Field: "occurred_on", Message: "required"}
	}
	switch e.Kind {
	case EntryTime:
		e.Quantity.Unit = UnitHours
		if e.Sale != nil {
			return &ValidationError{Field: "sale", Message: "time entries carry no sale details"}
		}
		if !e.Quantity.IsPositive() {
			return &ValidationError{Field: "hours", Message: "must be positive"}
		}
	case EntrySale:
		e.Quantity.Unit = UnitCurrency
		if e.Quantity.Value.IsNegative() {
			return &ValidationError{Field: "amount", Message: "must not be negative"}
		}
		if e.Sale == nil {
			e.Sale = &SaleDetails{}
		}
		for field, v := range map[string]decimal.Decimal{
			"tip":       e.Sale.Tip,
			"materials": e.Sale.Materials,
			"fees":      e.Sale.Fees,
		} {
			if v.IsNegative() {
				return &ValidationError{Field: field, Message: "must not be negative"}
			}
		}
		if e.Sale.ManualCommission != nil && e.Sale.ManualCommission.IsNegative() {
			return &ValidationError{Field: "manual_commission", Message: "must not be negative"}
		}
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown entry kind %q", e.Kind)}
	}
	return nil
}

// VoidEntryTx voids an entry and returns it together with the period it is
// dated into (zero Period when none).
func VoidEntryTx(ctx context.Context, tx Tx, id EntryID, opts VoidOptions, now time.Time) (Entry, Period, error) {
	e, err := tx.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, Period{}, err
	}
	if e.Status == EntryVoided {
		return Entry{}, Period{}, &InvalidStateError{Kind: "entry", ID: string(id), State: string(e.Status), Reason: "already voided"}
	}

	var p Period
	var inPeriod bool
	if e.PeriodID != "" {
		p, err = tx.GetPeriod(ctx, e.PeriodID)
		inPeriod = err == nil
	} else {
		p, inPeriod, err = PeriodFor(ctx, tx, e.OccurredOn)
	}
	if err != nil {
		return Entry{}, Period{}, err
	}

	if inPeriod && p.State == PeriodArchived && !opts.Override {
		return Entry{}, Period{}, &PeriodArchivedError{PeriodID: p.ID, Date: e.OccurredOn}
	}
	if inPeriod && p.State == PeriodClosed && e.Status == EntryIncluded && !opts.Reconciling {
		return Entry{}, Period{}, &InvalidStateError{
			Kind: "entry", ID: string(id), State: string(e.Status),
			Reason: fmt.Sprintf("included in closed period %s; void requires reconciliation", p.ID),
		}
	}

	voidedAt := now
	change := EntryStatusChange{
		EntryID:    id,
		Status:     EntryVoided,
		PeriodID:   e.PeriodID,
		VoidedAt:   &voidedAt,
		VoidReason: opts.Reason,
	}
	if err := tx.SetEntryStatus(ctx, change); err != nil {
		return Entry{}, Period{}, fmt.Errorf("void entry %s: %w", id, err)
	}
	e.Status = EntryVoided
	e.VoidedAt = &voidedAt
	e.VoidReason = opts.Reason

	if err := RecordAudit(ctx, tx, AuditEntry{
		At: now, Actor: opts.Actor, Action: AuditEntryVoided,
		SubjectID: string(id), EmployeeID: e.EmployeeID, PeriodID: e.PeriodID,
		Details: map[string]string{"reason": opts.Reason},
	}); err != nil {
		return Entry{}, Period{}, err
	}
	if inPeriod && p.State == PeriodArchived {
		if err := RecordAudit(ctx, tx, AuditEntry{
			At: now, Actor: opts.Actor, Action: AuditArchiveOverride,
			SubjectID: string(id), EmployeeID: e.EmployeeID, PeriodID: p.ID,
			Details: map[string]string{"operation": "void"},
		}); err != nil {
			return Entry{}, Period{}, err
		}
	}
	if !inPeriod {
		p = Period{}
	}
	return e, p, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// PeriodFor returns the period whose range contains d. Periods never
// overlap, so there is at most one.
func PeriodFor(ctx context.Context, tx Tx, d Date) (Period, bool, error) {
	periods, err := tx.ListPeriods(ctx)
	if err != nil {
		return Period{}, false, err
	}
	for _, p := range periods {
		if p.Range.Contains(d) {
			return p, true, nil
		}
	}
	return Period{}, false, nil
}

// EffectiveTerms picks the terms version in force on date: the latest
// EffectiveFrom not after date, ties broken by the higher version.
func EffectiveTerms(terms []CompensationTerms, date Date) (CompensationTerms, bool) {
	var best CompensationTerms
	found := false
	for _, t := range terms {
		if t.EffectiveFrom.After(date) {
			continue
		}
		if !found || t.EffectiveFrom.After(best.EffectiveFrom) ||
			(t.EffectiveFrom.Equal(best.EffectiveFrom) && t.Version > best.Version) {
			best, found = t, true
		}
	}
	return best, found
}

// EffectiveRule picks the rule version in force on date, same tie-break as
// EffectiveTerms.
func EffectiveRule(versions []CommissionRule, date Date) (CommissionRule, bool) {
	var best CommissionRule
	found := false
	for _, r := range versions {
		if r.EffectiveFrom.After(date) {
			continue
		}
		if !found || r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && r.Version > best.Version) {
			best, found = r, true
		}
	}
	return best, found
}

// RecordAudit fills the id and timestamp when missing and appends the entry.
func RecordAudit(ctx context.Context, tx Tx, a AuditEntry) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if a.Actor == "" {
		a.Actor = "system"
	}
	if err := tx.AppendAudit(ctx, a); err != nil {
		return fmt.Errorf("append audit %s: %w", a.Action, err)
	}
	return nil
}
