/*
Package payroll provides the data model and ledger for the payroll and commission engine.

PURPOSE:
  This package holds the types every other component shares: employees with
  effective-dated compensation terms, append-only time and sales entries,
  pay periods, versioned commission rules, computation results, adjustments
  and invoices. It also defines the Store contract and the Ledger that
  records and voids entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (8 hours, $100.00)
  - Entry: An immutable time or sale record; only its status flag moves
  - ComputationResult: Versioned, itemized pay for one (employee, period)
  - Adjustment: Delta between a superseded and a superseding result
  - Invoice: Frozen line items with a gapless sequential number

DESIGN PRINCIPLES:
  1. Append-only: entries are voided and replaced, never edited
  2. Precision: decimal.Decimal everywhere, lines rounded half-to-even
  3. Versioning: terms and rules are looked up as of a date, never "current"
  4. Auditability: every result records the rule and terms versions it used

SEE ALSO:
  - ledger.go: RecordEntry / VoidEntry / GetEntries / RuleVersionsAt
  - store.go: Persistence interface
  - errors.go: Error taxonomy
*/
package payroll

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitHours    Unit = "hours"
	UnitCurrency Unit = "currency"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func Hours(s string) Amount { return Amount{Value: decimal.RequireFromString(s), Unit: UnitHours} }
func Money(s string) Amount { return Amount{Value: decimal.RequireFromString(s), Unit: UnitCurrency} }

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) IsPositive() bool    { return a.Value.IsPositive() }
func (a Amount) IsZero() bool        { return a.Value.IsZero() }

// MinorUnits is the number of decimal places kept for currency amounts.
const MinorUnits = 2

// RoundMinor rounds a currency value to minor units using round-half-to-even.
func RoundMinor(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MinorUnits)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type EntryID string
type PeriodID string
type RuleID string
type ResultID string
type AdjustmentID string
type InvoiceID string
type PaymentID string

// NewID returns a random identifier for records the engine creates itself.
func NewID() string { return uuid.NewString() }

// =============================================================================
// EMPLOYEE - Immutable identity with effective-dated compensation terms
// =============================================================================

type CompensationType string

const (
	CompHourly     CompensationType = "hourly"
	CompSalary     CompensationType = "salary"
	CompCommission CompensationType = "commission"
)

func (c CompensationType) Valid() bool {
	switch c {
	case CompHourly, CompSalary, CompCommission:
		return true
	}
	return false
}

type Employee struct {
	ID         EmployeeID
	Name       string
	Email      string
	ActiveFrom Date
	ActiveTo   *Date // nil = still active
	CreatedAt  time.Time
}

// Active returns the employee's active range clipped to r.
func (e Employee) Active(r DateRange) (DateRange, bool) {
	end := r.End
	if e.ActiveTo != nil {
		end = *e.ActiveTo
	}
	return DateRange{Start: e.ActiveFrom, End: end}.Intersect(r)
}

// CompensationTerms is one version of an employee's pay terms. A new version
// never rewrites an older one; lookups pick the version effective at a date.
type CompensationTerms struct {
	EmployeeID    EmployeeID
	Version       int
	EffectiveFrom Date
	Type          CompensationType

	HourlyRate         decimal.Decimal
	OvertimeThreshold  decimal.Decimal // hours per period, zero disables overtime
	OvertimeMultiplier decimal.Decimal // zero means 1.5
	SalaryPerPeriod    decimal.Decimal

	// CommissionRuleID links the employee to a commission rule. Empty means
	// sales can only be paid through a manual commission amount.
	CommissionRuleID RuleID

	CreatedAt time.Time
}

// =============================================================================
// COMMISSION RULE - Versioned, effective-dated definition
// =============================================================================

type CommissionRule struct {
	ID            RuleID
	Version       int
	EffectiveFrom Date
	Name          string
	Kind          string
	Params        []byte // JSON, interpreted by the rule kind
	CreatedAt     time.Time
}

// RuleRef records which version of a rule a computation used.
type RuleRef struct {
	RuleID  RuleID
	Version int
}

// =============================================================================
// ENTRY - Time worked or sale transacted (append-only)
// =============================================================================

type EntryKind string

const (
	EntryTime EntryKind = "time"
	EntrySale EntryKind = "sale"
)

type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryIncluded EntryStatus = "included"
	EntryVoided   EntryStatus = "voided"
)

// SaleDetails carries what commission rules may need beyond the sale total.
type SaleDetails struct {
	Customer         string
	Reference        string // customer-facing invoice / ticket number
	CreditCard       bool
	Tip              decimal.Decimal
	Materials        decimal.Decimal
	Fees             decimal.Decimal
	ManualCommission *decimal.Decimal
}

type Entry struct {
	ID         EntryID
	EmployeeID EmployeeID
	Kind       EntryKind
	OccurredOn Date
	Quantity   Amount // hours for time entries, currency for sales
	Sale       *SaleDetails
	Note       string

	Status     EntryStatus
	PeriodID   PeriodID // set while included
	ReplacesID EntryID  // void-and-replace chain
	VoidedAt   *time.Time
	VoidReason string

	IdempotencyKey string
	RecordedAt     time.Time
}

// EntryStatusChange is the only mutation an entry ever receives.
type EntryStatusChange struct {
	EntryID    EntryID
	Status     EntryStatus
	PeriodID   PeriodID
	VoidedAt   *time.Time
	VoidReason string
}

// =============================================================================
// PAY PERIOD
// =============================================================================

type PeriodState string

const (
	PeriodOpen      PeriodState = "open"
	PeriodComputing PeriodState = "computing"
	PeriodClosed    PeriodState = "closed"
	PeriodArchived  PeriodState = "archived"
)

type Period struct {
	ID        PeriodID
	Range     DateRange
	State     PeriodState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PeriodTransition is the persisted history of lifecycle changes.
type PeriodTransition struct {
	PeriodID PeriodID
	From     PeriodState
	To       PeriodState
	Event    string
	Actor    string
	Note     string
	At       time.Time
}

// =============================================================================
// COMPUTATION RESULT
// =============================================================================

type LineKind string

const (
	LineRegular          LineKind = "regular"
	LineOvertime         LineKind = "overtime"
	LineHours            LineKind = "hours" // time logged by a non-hourly employee
	LineSalary           LineKind = "salary"
	LineCommission       LineKind = "commission"
	LineManualCommission LineKind = "manual_commission"
	LineAdjustment       LineKind = "adjustment"
)

type LineItem struct {
	Kind        LineKind
	EntryID     EntryID // empty for salary lines
	Description string
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	Amount      decimal.Decimal // rounded to minor units
}

// Computation is the pure output of the rule engine for one (employee, period).
type Computation struct {
	EmployeeID   EmployeeID
	PeriodID     PeriodID
	Lines        []LineItem
	Total        decimal.Decimal
	TermsVersion int
	Rules        []RuleRef
	EntryIDs     []EntryID // every entry consumed, the dependency index source
}

type ResultStatus string

const (
	ResultFinalized   ResultStatus = "finalized"
	ResultStale       ResultStatus = "stale"
	ResultSuperseded  ResultStatus = "superseded"
	ResultInvalidated ResultStatus = "invalidated"
)

// Current reports whether the result is the live version of its (employee, period).
func (s ResultStatus) Current() bool { return s == ResultFinalized || s == ResultStale }

// ComputationResult is immutable except for its status flag.
type ComputationResult struct {
	ID           ResultID
	EmployeeID   EmployeeID
	PeriodID     PeriodID
	Version      int
	Lines        []LineItem
	Total        decimal.Decimal
	TermsVersion int
	Rules        []RuleRef
	EntryIDs     []EntryID
	Status       ResultStatus
	SupersedesID ResultID
	ComputedAt   time.Time
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

type Adjustment struct {
	ID             AdjustmentID
	EmployeeID     EmployeeID
	PeriodID       PeriodID
	OldResultID    ResultID
	NewResultID    ResultID
	OldTotal       decimal.Decimal
	NewTotal       decimal.Decimal
	Delta          decimal.Decimal
	Reason         string
	TriggerEntryID EntryID

	// Carry is set when an earlier version of the period was already
	// invoiced; the delta then travels on a later invoice.
	Carry           bool
	CarryToPeriodID PeriodID
	InvoiceID       InvoiceID // set once carried onto an invoice
	CreatedAt       time.Time
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceLine struct {
	Kind         LineKind
	PeriodID     PeriodID
	ResultID     ResultID
	AdjustmentID AdjustmentID
	EntryID      EntryID
	Description  string
	Quantity     decimal.Decimal
	Rate         decimal.Decimal
	Amount       decimal.Decimal
}

// Invoice is a frozen snapshot. Only the paid flag ever changes.
type Invoice struct {
	ID            InvoiceID
	Number        int64
	Display       string
	IssuedOn      Date
	EmployeeID    EmployeeID
	EmployeeName  string
	Currency      string
	Lines         []InvoiceLine
	Total         decimal.Decimal
	ResultIDs     []ResultID
	AdjustmentIDs []AdjustmentID
	PaidOn        *Date
	CreatedAt     time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

type Payment struct {
	ID         PaymentID
	EmployeeID EmployeeID
	InvoiceID  InvoiceID
	Amount     decimal.Decimal
	PaidOn     Date
	CreatedAt  time.Time
}
