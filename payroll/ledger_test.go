package payroll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.February, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*payroll.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := payroll.NewLedger(mem)
	l.Clock = func() time.Time { return fixedNow }

	_, _, err := l.AddEmployee(context.Background(), payroll.Employee{
		ID:         "emp-1",
		Name:       "Ana",
		ActiveFrom: payroll.MustParseDate("2024-01-01"),
	}, payroll.CompensationTerms{
		Type:       payroll.CompHourly,
		HourlyRate: decimal.RequireFromString("20"),
	}, "test")
	require.NoError(t, err)
	return l, mem
}

func saleEntry(emp payroll.EmployeeID, date, amount string) payroll.Entry {
	return payroll.Entry{
		EmployeeID: emp,
		Kind:       payroll.EntrySale,
		OccurredOn: payroll.MustParseDate(date),
		Quantity:   payroll.Money(amount),
	}
}

func insertPeriod(t *testing.T, mem *store.Memory, id payroll.PeriodID, start, end string, state payroll.PeriodState) {
	t.Helper()
	err := mem.WithTx(context.Background(), func(tx payroll.Tx) error {
		return tx.InsertPeriod(context.Background(), payroll.Period{
			ID:    id,
			Range: payroll.DateRange{Start: payroll.MustParseDate(start), End: payroll.MustParseDate(end)},
			State: state,
		})
	})
	require.NoError(t, err)
}

// =============================================================================
// RECORD
// =============================================================================

func TestLedger_RecordEntry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	e, err := l.RecordEntry(ctx, saleEntry("emp-1", "2025-01-05", "100.00"), payroll.RecordOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, payroll.EntryPending, e.Status)
	assert.Equal(t, payroll.UnitCurrency, e.Quantity.Unit)
	assert.Equal(t, fixedNow, e.RecordedAt)
	require.NotNil(t, e.Sale)
}

func TestLedger_RecordEntry_UnknownEmployee(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.RecordEntry(context.Background(), saleEntry("ghost", "2025-01-05", "1"), payroll.RecordOptions{})

	var nf *payroll.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "employee", nf.Kind)
	assert.Equal(t, "ghost", nf.ID)
}

func TestLedger_RecordEntry_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordEntry(ctx, payroll.Entry{
		EmployeeID: "emp-1", Kind: payroll.EntryTime,
		OccurredOn: payroll.MustParseDate("2025-01-05"), Quantity: payroll.Hours("0"),
	}, payroll.RecordOptions{})
	assert.ErrorIs(t, err, payroll.ErrInvalidInput)

	_, err = l.RecordEntry(ctx, payroll.Entry{
		EmployeeID: "emp-1", Kind: "bonus",
		OccurredOn: payroll.MustParseDate("2025-01-05"), Quantity: payroll.Money("1"),
	}, payroll.RecordOptions{})
	assert.ErrorIs(t, err, payroll.ErrInvalidInput)
}

func TestLedger_RecordEntry_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	e := saleEntry("emp-1", "2025-01-05", "100")
	e.IdempotencyKey = "sale-42"
	_, err := l.RecordEntry(ctx, e, payroll.RecordOptions{})
	require.NoError(t, err)

	_, err = l.RecordEntry(ctx, e, payroll.RecordOptions{})
	assert.ErrorIs(t, err, payroll.ErrInvalidState)

	entries, err := l.GetEntries(ctx, "emp-1", payroll.DateRange{
		Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-31"),
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_RecordEntry_ArchivedPeriod(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t)
	insertPeriod(t, mem, "p-2024-12", "2024-12-01", "2024-12-31", payroll.PeriodArchived)

	// WHEN: recording into archived history without override
	_, err := l.RecordEntry(ctx, saleEntry("emp-1", "2024-12-10", "100"), payroll.RecordOptions{})

	// THEN: rejected with the period and date
	var archived *payroll.PeriodArchivedError
	require.ErrorAs(t, err, &archived)
	assert.Equal(t, payroll.PeriodID("p-2024-12"), archived.PeriodID)
	assert.Equal(t, "2024-12-10", archived.Date.String())

	// WHEN: the same write with an explicit override
	_, err = l.RecordEntry(ctx, saleEntry("emp-1", "2024-12-10", "100"), payroll.RecordOptions{Override: true, Actor: "admin"})
	require.NoError(t, err)

	// THEN: the override is audited
	err = mem.View(ctx, func(tx payroll.Tx) error {
		audit, err := tx.ListAudit(ctx, payroll.AuditFilter{Actions: []payroll.AuditAction{payroll.AuditArchiveOverride}})
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, "admin", audit[0].Actor)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// VOID
// =============================================================================

func TestLedger_VoidEntry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	e, err := l.RecordEntry(ctx, saleEntry("emp-1", "2025-01-05", "50"), payroll.RecordOptions{})
	require.NoError(t, err)

	voided, err := l.VoidEntry(ctx, e.ID, payroll.VoidOptions{Reason: "typo"})
	require.NoError(t, err)
	assert.Equal(t, payroll.EntryVoided, voided.Status)
	require.NotNil(t, voided.VoidedAt)
	assert.Equal(t, fixedNow, *voided.VoidedAt)

	// Voiding never deletes.
	entries, err := l.GetEntries(ctx, "emp-1", payroll.DateRange{
		Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-31"),
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "typo", entries[0].VoidReason)
}

func TestLedger_VoidEntry_Twice(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	e, err := l.RecordEntry(ctx, saleEntry("emp-1", "2025-01-05", "50"), payroll.RecordOptions{})
	require.NoError(t, err)

	_, err = l.VoidEntry(ctx, e.ID, payroll.VoidOptions{})
	require.NoError(t, err)

	_, err = l.VoidEntry(ctx, e.ID, payroll.VoidOptions{})
	var invalid *payroll.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(e.ID), invalid.ID)
}

func TestLedger_VoidEntry_Unknown(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.VoidEntry(context.Background(), "nope", payroll.VoidOptions{})
	assert.True(t, payroll.IsNotFound(err))
}

func TestLedger_VoidEntry_IncludedInClosedPeriod(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t)
	insertPeriod(t, mem, "p-jan", "2025-01-01", "2025-01-31", payroll.PeriodClosed)

	e, err := l.RecordEntry(ctx, saleEntry("emp-1", "2025-01-05", "50"), payroll.RecordOptions{})
	require.NoError(t, err)
	require.NoError(t, mem.WithTx(ctx, func(tx payroll.Tx) error {
		return tx.SetEntryStatus(ctx, payroll.EntryStatusChange{EntryID: e.ID, Status: payroll.EntryIncluded, PeriodID: "p-jan"})
	}))

	// WHEN: voiding outside reconciliation
	_, err = l.VoidEntry(ctx, e.ID, payroll.VoidOptions{})

	// THEN: InvalidStateError, entry untouched
	assert.ErrorIs(t, err, payroll.ErrInvalidState)
	require.NoError(t, mem.View(ctx, func(tx payroll.Tx) error {
		got, err := tx.GetEntry(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, payroll.EntryIncluded, got.Status)
		return nil
	}))

	// WHEN: the reconciliation path voids it
	_, err = l.VoidEntry(ctx, e.ID, payroll.VoidOptions{Reconciling: true})
	assert.NoError(t, err)
}

// =============================================================================
// VERSIONED LOOKUPS
// =============================================================================

func TestLedger_RuleVersionsAt(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t)

	require.NoError(t, mem.WithTx(ctx, func(tx payroll.Tx) error {
		for _, r := range []payroll.CommissionRule{
			{ID: "standard", EffectiveFrom: payroll.MustParseDate("2024-01-01"), Kind: "percentage", Params: []byte(`{"rate":"0.10"}`)},
			{ID: "standard", EffectiveFrom: payroll.MustParseDate("2025-03-01"), Kind: "percentage", Params: []byte(`{"rate":"0.12"}`)},
			{ID: "future", EffectiveFrom: payroll.MustParseDate("2026-01-01"), Kind: "flat", Params: []byte(`{"amount":"5"}`)},
		} {
			if _, err := payroll.AddRuleVersionTx(ctx, tx, r, "test", fixedNow); err != nil {
				return err
			}
		}
		return nil
	}))

	feb, err := l.RuleVersionsAt(ctx, payroll.MustParseDate("2025-02-28"))
	require.NoError(t, err)
	require.Len(t, feb, 1)
	assert.Equal(t, 1, feb[0].Version)

	mar, err := l.RuleVersionsAt(ctx, payroll.MustParseDate("2025-03-01"))
	require.NoError(t, err)
	require.Len(t, mar, 1)
	assert.Equal(t, 2, mar[0].Version)
}

func TestEffectiveTerms(t *testing.T) {
	terms := []payroll.CompensationTerms{
		{Version: 1, EffectiveFrom: payroll.MustParseDate("2024-01-01"), HourlyRate: decimal.NewFromInt(20)},
		{Version: 2, EffectiveFrom: payroll.MustParseDate("2025-01-15"), HourlyRate: decimal.NewFromInt(25)},
		{Version: 3, EffectiveFrom: payroll.MustParseDate("2025-01-15"), HourlyRate: decimal.NewFromInt(26)},
	}

	got, ok := payroll.EffectiveTerms(terms, payroll.MustParseDate("2025-01-14"))
	require.True(t, ok)
	assert.Equal(t, 1, got.Version)

	got, ok = payroll.EffectiveTerms(terms, payroll.MustParseDate("2025-01-31"))
	require.True(t, ok)
	assert.Equal(t, 3, got.Version)

	_, ok = payroll.EffectiveTerms(terms, payroll.MustParseDate("2023-12-31"))
	assert.False(t, ok)
}

func TestLedger_AddEmployee_Duplicate(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _, err := l.AddEmployee(context.Background(), payroll.Employee{
		ID: "emp-1", Name: "Ana again", ActiveFrom: payroll.MustParseDate("2024-01-01"),
	}, payroll.CompensationTerms{Type: payroll.CompCommission}, "test")
	assert.True(t, errors.Is(err, payroll.ErrInvalidState))
}

func TestLedger_AddEmployee_RollsBackOnBadTerms(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t)

	_, _, err := l.AddEmployee(ctx, payroll.Employee{
		ID: "emp-2", Name: "Bo", ActiveFrom: payroll.MustParseDate("2024-01-01"),
	}, payroll.CompensationTerms{Type: payroll.CompHourly}, "test")
	require.ErrorIs(t, err, payroll.ErrInvalidInput)

	require.NoError(t, mem.View(ctx, func(tx payroll.Tx) error {
		_, err := tx.GetEmployee(ctx, "emp-2")
		assert.True(t, payroll.IsNotFound(err))
		return nil
	}))
}
