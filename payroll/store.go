/*
store.go - Persistence interface for the ledger and derived records

PURPOSE:
  Defines the boundary between the engine and the local database. Every read
  and write happens inside a Tx handed out by Store.WithTx (atomic, rolled
  back on error) or Store.View (read-only). Implementations serialize writers,
  so one WithTx runs at a time and callers queue rather than race.

APPEND-ONLY CONTRACT:
  - Entries: InsertEntry plus SetEntryStatus. Quantities are never updated.
  - Results: InsertResult plus SetResultStatus. Lines are never updated.
  - Invoices: InsertInvoice plus SetInvoicePaid. Lines and totals are frozen.
  - Terms and rules: new versions only.
  - Audit log: append only.
  Nothing is ever deleted.

IMPLEMENTATIONS:
  - store/sqlite: durable local store
  - payroll/store: in-memory store for tests

SEE ALSO:
  - ledger.go: Entry contract on top of Tx
*/
package payroll

import (
	"context"
	"time"
)

// Store hands out transactions.
type Store interface {
	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// View executes fn with read access. fn must not write.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction.
// Getters return *NotFoundError for unknown ids.
type Tx interface {
	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id EmployeeID) (Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)

	AppendTerms(ctx context.Context, t CompensationTerms) error
	ListTerms(ctx context.Context, id EmployeeID) ([]CompensationTerms, error)

	AppendRule(ctx context.Context, r CommissionRule) error
	ListRuleVersions(ctx context.Context, id RuleID) ([]CommissionRule, error)
	ListRules(ctx context.Context) ([]CommissionRule, error)

	InsertEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id EntryID) (Entry, error)
	FindEntryByKey(ctx context.Context, idempotencyKey string) (Entry, bool, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error)
	SetEntryStatus(ctx context.Context, c EntryStatusChange) error

	InsertPeriod(ctx context.Context, p Period) error
	GetPeriod(ctx context.Context, id PeriodID) (Period, error)
	ListPeriods(ctx context.Context) ([]Period, error)
	// SetPeriodState is a compare-and-set: it fails with *InvalidStateError
	// when the stored state is not from.
	SetPeriodState(ctx context.Context, id PeriodID, from, to PeriodState, at time.Time) error
	AppendTransition(ctx context.Context, t PeriodTransition) error
	ListTransitions(ctx context.Context, id PeriodID) ([]PeriodTransition, error)

	// InsertResult also writes the entry -> result dependency index.
	InsertResult(ctx context.Context, r ComputationResult) error
	GetResult(ctx context.Context, id ResultID) (ComputationResult, error)
	ListResults(ctx context.Context, f ResultFilter) ([]ComputationResult, error)
	SetResultStatus(ctx context.Context, id ResultID, s ResultStatus) error
	// ResultsConsuming reads the dependency index.
	ResultsConsuming(ctx context.Context, id EntryID) ([]ResultID, error)

	InsertAdjustment(ctx context.Context, a Adjustment) error
	ListAdjustments(ctx context.Context, f AdjustmentFilter) ([]Adjustment, error)
	MarkAdjustmentInvoiced(ctx context.Context, id AdjustmentID, invoice InvoiceID) error

	// NextInvoiceNumber allocates the next number of the single invoice
	// sequence. It only sticks if the surrounding transaction commits.
	NextInvoiceNumber(ctx context.Context) (int64, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)
	InvoiceForResult(ctx context.Context, id ResultID) (InvoiceID, bool, error)
	SetInvoicePaid(ctx context.Context, id InvoiceID, paidOn *Date) error

	InsertPayment(ctx context.Context, p Payment) error
	ListPayments(ctx context.Context, id EmployeeID) ([]Payment, error)

	AppendAudit(ctx context.Context, a AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// FILTERS
// =============================================================================

// EntryFilter selects entries. Zero fields do not filter.
type EntryFilter struct {
	EmployeeID EmployeeID
	Range      *DateRange
	Statuses   []EntryStatus
	PeriodID   PeriodID
}

type ResultFilter struct {
	EmployeeID EmployeeID
	PeriodID   PeriodID
	Statuses   []ResultStatus
}

type AdjustmentFilter struct {
	EmployeeID     EmployeeID
	PeriodID       PeriodID
	CarryOnly      bool
	UninvoicedOnly bool
}

type InvoiceFilter struct {
	EmployeeID EmployeeID
}

// =============================================================================
// AUDIT LOG - Who did what when
// =============================================================================

type AuditAction string

const (
	AuditEmployeeAdded     AuditAction = "employee_added"
	AuditTermsVersioned    AuditAction = "terms_versioned"
	AuditRuleVersioned     AuditAction = "rule_versioned"
	AuditEntryRecorded     AuditAction = "entry_recorded"
	AuditEntryVoided       AuditAction = "entry_voided"
	AuditArchiveOverride   AuditAction = "archive_override"
	AuditPeriodCreated     AuditAction = "period_created"
	AuditPeriodTransition  AuditAction = "period_transition"
	AuditPeriodComputed    AuditAction = "period_computed"
	AuditResultRecomputed  AuditAction = "result_recomputed"
	AuditInvoiceIssued     AuditAction = "invoice_issued"
	AuditInvoicePaidToggle AuditAction = "invoice_paid_toggled"
)

type AuditEntry struct {
	ID         string
	At         time.Time
	Actor      string
	Action     AuditAction
	SubjectID  string
	EmployeeID EmployeeID
	PeriodID   PeriodID
	Details    map[string]string
}

type AuditFilter struct {
	EmployeeID EmployeeID
	PeriodID   PeriodID
	Actions    []AuditAction
	Limit      int
}
