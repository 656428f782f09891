package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
	"github.com/warp/payroll-engine/store/sqlite"
)

var now = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "payroll.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func date(s string) payroll.Date { return payroll.MustParseDate(s) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedEmployee(t *testing.T, s *sqlite.Store, id payroll.EmployeeID) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx payroll.Tx) error {
		return tx.SaveEmployee(context.Background(), payroll.Employee{
			ID: id, Name: "Employee " + string(id), ActiveFrom: date("2024-01-01"), CreatedAt: now,
		})
	})
	require.NoError(t, err)
}

func seedPeriod(t *testing.T, s *sqlite.Store, id payroll.PeriodID, start, end string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx payroll.Tx) error {
		return tx.InsertPeriod(context.Background(), payroll.Period{
			ID: id, Range: payroll.DateRange{Start: date(start), End: date(end)},
			State: payroll.PeriodOpen, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")

	// GIVEN: a transaction that writes, bumps the sequence and then fails
	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		require.NoError(t, tx.SaveEmployee(ctx, payroll.Employee{ID: "e1", Name: "Ana", ActiveFrom: date("2024-01-01"), CreatedAt: now}))
		n, err := tx.NextInvoiceNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: nothing survives
	err = s.WithTx(ctx, func(tx payroll.Tx) error {
		_, err := tx.GetEmployee(ctx, "e1")
		assert.True(t, payroll.IsNotFound(err))

		n, err := tx.NextInvoiceNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ReopensExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payroll.db")

	// GIVEN: an employee written and the store closed
	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx payroll.Tx) error {
		return tx.SaveEmployee(ctx, payroll.Employee{ID: "e1", Name: "Ana", ActiveFrom: date("2024-01-01"), CreatedAt: now})
	}))
	require.NoError(t, s.Close())

	// WHEN: reopened, migrations are a no-op
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN
	require.NoError(t, s.View(ctx, func(tx payroll.Tx) error {
		e, err := tx.GetEmployee(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "Ana", e.Name)
		return nil
	}))
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_EmployeeUpsertAndTerms(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedEmployee(t, s, "e1")
	leftOn := date("2025-06-30")

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		// WHEN: the employee is saved again with an end date
		e, err := tx.GetEmployee(ctx, "e1")
		require.NoError(t, err)
		e.ActiveTo = &leftOn
		require.NoError(t, tx.SaveEmployee(ctx, e))

		terms := payroll.CompensationTerms{
			EmployeeID: "e1", Version: 1, EffectiveFrom: date("2024-01-01"), Type: payroll.CompHourly,
			HourlyRate: dec("25.50"), OvertimeThreshold: dec("80"), OvertimeMultiplier: dec("1.5"), CreatedAt: now,
		}
		require.NoError(t, tx.AppendTerms(ctx, terms))
		assert.ErrorIs(t, tx.AppendTerms(ctx, terms), payroll.ErrInvalidState)
		return nil
	})
	require.NoError(t, err)

	// THEN
	err = s.View(ctx, func(tx payroll.Tx) error {
		e, err := tx.GetEmployee(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, e.ActiveTo)
		assert.Equal(t, "2025-06-30", e.ActiveTo.String())
		assert.True(t, e.CreatedAt.Equal(now))

		terms, err := tx.ListTerms(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, terms, 1)
		assert.True(t, dec("25.50").Equal(terms[0].HourlyRate))
		assert.Equal(t, payroll.CompHourly, terms[0].Type)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_RuleVersions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		_, err := tx.ListRuleVersions(ctx, "std")
		assert.True(t, payroll.IsNotFound(err))

		for _, v := range []int{2, 1} {
			require.NoError(t, tx.AppendRule(ctx, payroll.CommissionRule{
				ID: "std", Version: v, EffectiveFrom: date("2024-01-01"), Name: "Standard",
				Kind: rules.KindPercentage, Params: []byte(`{"rate":"0.10"}`), CreatedAt: now,
			}))
		}
		versions, err := tx.ListRuleVersions(ctx, "std")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 1, versions[0].Version)
		assert.JSONEq(t, `{"rate":"0.10"}`, string(versions[1].Params))
		return nil
	})
	require.NoError(t, err)
}

func TestStore_EntriesFilterAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedEmployee(t, s, "e1")
	seedEmployee(t, s, "e2")
	manual := dec("12.00")

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		entries := []payroll.Entry{
			{ID: "x2", EmployeeID: "e1", Kind: payroll.EntrySale, OccurredOn: date("2025-01-20"), Quantity: payroll.Money("50"),
				Sale: &payroll.SaleDetails{Customer: "Acme", Tip: dec("5"), ManualCommission: &manual}, IdempotencyKey: "k-2"},
			{ID: "x1", EmployeeID: "e1", Kind: payroll.EntryTime, OccurredOn: date("2025-01-05"), Quantity: payroll.Hours("8")},
			{ID: "x3", EmployeeID: "e2", Kind: payroll.EntryTime, OccurredOn: date("2025-02-01"), Quantity: payroll.Hours("4")},
		}
		for _, e := range entries {
			e.Status = payroll.EntryPending
			e.RecordedAt = now
			require.NoError(t, tx.InsertEntry(ctx, e))
		}

		// Duplicate idempotency key
		err := tx.InsertEntry(ctx, payroll.Entry{ID: "x4", EmployeeID: "e1", Kind: payroll.EntryTime,
			OccurredOn: date("2025-01-06"), Quantity: payroll.Hours("1"), Status: payroll.EntryPending,
			IdempotencyKey: "k-2", RecordedAt: now})
		assert.ErrorIs(t, err, payroll.ErrInvalidState)

		voidedAt := now
		require.NoError(t, tx.SetEntryStatus(ctx, payroll.EntryStatusChange{
			EntryID: "x1", Status: payroll.EntryVoided, VoidedAt: &voidedAt, VoidReason: "typo",
		}))
		assert.True(t, payroll.IsNotFound(tx.SetEntryStatus(ctx, payroll.EntryStatusChange{EntryID: "nope", Status: payroll.EntryVoided})))
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx payroll.Tx) error {
		// THEN: January for e1, ordered by date
		jan := payroll.DateRange{Start: date("2025-01-01"), End: date("2025-01-31")}
		got, err := tx.ListEntries(ctx, payroll.EntryFilter{EmployeeID: "e1", Range: &jan})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, payroll.EntryID("x1"), got[0].ID)
		assert.Equal(t, payroll.EntryVoided, got[0].Status)
		require.NotNil(t, got[0].VoidedAt)
		assert.Equal(t, "typo", got[0].VoidReason)

		sale := got[1]
		require.NotNil(t, sale.Sale)
		assert.Equal(t, "Acme", sale.Sale.Customer)
		assert.True(t, dec("5").Equal(sale.Sale.Tip))
		require.NotNil(t, sale.Sale.ManualCommission)
		assert.True(t, dec("12.00").Equal(*sale.Sale.ManualCommission))

		pending, err := tx.ListEntries(ctx, payroll.EntryFilter{Statuses: []payroll.EntryStatus{payroll.EntryPending}})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		byKey, ok, err := tx.FindEntryByKey(ctx, "k-2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, payroll.EntryID("x2"), byKey.ID)

		_, ok, err = tx.FindEntryByKey(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_SetPeriodState_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedPeriod(t, s, "feb", "2025-02-01", "2025-02-28")
	seedPeriod(t, s, "jan", "2025-01-01", "2025-01-31")

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		// WHEN: the expected state does not match
		err := tx.SetPeriodState(ctx, "jan", payroll.PeriodClosed, payroll.PeriodArchived, now)

		// THEN: the current state is reported
		var stateErr *payroll.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, string(payroll.PeriodOpen), stateErr.State)

		assert.True(t, payroll.IsNotFound(tx.SetPeriodState(ctx, "mar", payroll.PeriodOpen, payroll.PeriodComputing, now)))
		require.NoError(t, tx.SetPeriodState(ctx, "jan", payroll.PeriodOpen, payroll.PeriodComputing, now))

		require.NoError(t, tx.AppendTransition(ctx, payroll.PeriodTransition{
			PeriodID: "jan", From: payroll.PeriodOpen, To: payroll.PeriodComputing, Event: "compute", Actor: "ana", At: now,
		}))
		history, err := tx.ListTransitions(ctx, "jan")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "ana", history[0].Actor)

		periods, err := tx.ListPeriods(ctx)
		require.NoError(t, err)
		require.Len(t, periods, 2)
		assert.Equal(t, payroll.PeriodID("jan"), periods[0].ID)
		assert.Equal(t, payroll.PeriodComputing, periods[0].State)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ResultsAndDependencyIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedPeriod(t, s, "jan", "2025-01-01", "2025-01-31")

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		res := payroll.ComputationResult{
			ID: "r1", EmployeeID: "e1", PeriodID: "jan", Version: 1,
			Lines: []payroll.LineItem{
				{Kind: payroll.LineCommission, EntryID: "b", Description: "10% of 100.00", Quantity: dec("100"), Rate: dec("0.10"), Amount: dec("10.00")},
			},
			Total: dec("10.00"), TermsVersion: 1, Rules: []payroll.RuleRef{{RuleID: "std", Version: 2}},
			EntryIDs: []payroll.EntryID{"b", "a"}, Status: payroll.ResultFinalized, ComputedAt: now,
		}
		require.NoError(t, tx.InsertResult(ctx, res))

		// Same version again
		res.ID = "r1-dup"
		assert.ErrorIs(t, tx.InsertResult(ctx, res), payroll.ErrInvalidState)

		require.NoError(t, tx.InsertResult(ctx, payroll.ComputationResult{
			ID: "r2", EmployeeID: "e1", PeriodID: "jan", Version: 2, Total: dec("0"),
			EntryIDs: []payroll.EntryID{"a"}, Status: payroll.ResultFinalized, SupersedesID: "r1", ComputedAt: now,
		}))
		require.NoError(t, tx.SetResultStatus(ctx, "r1", payroll.ResultSuperseded))
		assert.True(t, payroll.IsNotFound(tx.SetResultStatus(ctx, "r9", payroll.ResultStale)))
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx payroll.Tx) error {
		r1, err := tx.GetResult(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []payroll.EntryID{"b", "a"}, r1.EntryIDs)
		assert.Equal(t, payroll.ResultSuperseded, r1.Status)
		require.Len(t, r1.Lines, 1)
		assert.True(t, dec("10.00").Equal(r1.Lines[0].Amount))
		assert.Equal(t, []payroll.RuleRef{{RuleID: "std", Version: 2}}, r1.Rules)

		consumers, err := tx.ResultsConsuming(ctx, "a")
		require.NoError(t, err)
		assert.ElementsMatch(t, []payroll.ResultID{"r1", "r2"}, consumers)

		current, err := tx.ListResults(ctx, payroll.ResultFilter{PeriodID: "jan", Statuses: []payroll.ResultStatus{payroll.ResultFinalized}})
		require.NoError(t, err)
		require.Len(t, current, 1)
		assert.Equal(t, payroll.ResultID("r2"), current[0].ID)
		assert.Equal(t, payroll.ResultID("r1"), current[0].SupersedesID)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_InvoicesAndAdjustments(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	paidOn := date("2025-02-10")

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		require.NoError(t, tx.InsertAdjustment(ctx, payroll.Adjustment{
			ID: "a1", EmployeeID: "e1", PeriodID: "jan", OldResultID: "r1", NewResultID: "r2",
			OldTotal: dec("15"), NewTotal: dec("10"), Delta: dec("-5"), Carry: true, CarryToPeriodID: "feb", CreatedAt: now,
		}))

		n, err := tx.NextInvoiceNumber(ctx)
		require.NoError(t, err)
		inv := payroll.Invoice{
			ID: "i1", Number: n, Display: "INV-000001", IssuedOn: date("2025-02-01"), EmployeeID: "e1",
			EmployeeName: "Ana", Currency: "USD", Total: dec("5"),
			Lines: []payroll.InvoiceLine{
				{Kind: payroll.LineCommission, PeriodID: "jan", ResultID: "r2", Description: "sale", Amount: dec("10")},
				{Kind: payroll.LineAdjustment, AdjustmentID: "a1", Description: "correction", Amount: dec("-5")},
			},
			ResultIDs: []payroll.ResultID{"r2"}, AdjustmentIDs: []payroll.AdjustmentID{"a1"}, CreatedAt: now,
		}
		require.NoError(t, tx.InsertInvoice(ctx, inv))
		require.NoError(t, tx.MarkAdjustmentInvoiced(ctx, "a1", "i1"))
		assert.ErrorIs(t, tx.MarkAdjustmentInvoiced(ctx, "a1", "i2"), payroll.ErrInvalidState)

		// A second invoice may not take the same result
		inv.ID, inv.Number, inv.Display = "i2", 2, "INV-000002"
		assert.ErrorIs(t, tx.InsertInvoice(ctx, inv), payroll.ErrInvalidState)

		require.NoError(t, tx.SetInvoicePaid(ctx, "i1", &paidOn))
		require.NoError(t, tx.InsertPayment(ctx, payroll.Payment{
			ID: "p1", EmployeeID: "e1", InvoiceID: "i1", Amount: dec("5"), PaidOn: paidOn, CreatedAt: now,
		}))
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx payroll.Tx) error {
		inv, err := tx.GetInvoice(ctx, "i1")
		require.NoError(t, err)
		require.NotNil(t, inv.PaidOn)
		assert.Equal(t, "2025-02-10", inv.PaidOn.String())
		require.Len(t, inv.Lines, 2)
		assert.Equal(t, payroll.AdjustmentID("a1"), inv.Lines[1].AdjustmentID)
		assert.Equal(t, []payroll.ResultID{"r2"}, inv.ResultIDs)

		owner, ok, err := tx.InvoiceForResult(ctx, "r2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, payroll.InvoiceID("i1"), owner)

		_, ok, err = tx.InvoiceForResult(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, ok)

		open, err := tx.ListAdjustments(ctx, payroll.AdjustmentFilter{EmployeeID: "e1", CarryOnly: true, UninvoicedOnly: true})
		require.NoError(t, err)
		assert.Empty(t, open)

		payments, err := tx.ListPayments(ctx, "")
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.True(t, dec("5").Equal(payments[0].Amount))
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ListAuditKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx payroll.Tx) error {
		for i, id := range []string{"a1", "a2", "a3"} {
			require.NoError(t, tx.AppendAudit(ctx, payroll.AuditEntry{
				ID: id, At: now.Add(time.Duration(i) * time.Minute), Actor: "ana",
				Action: payroll.AuditEntryRecorded, EmployeeID: "e1", Details: map[string]string{"n": id},
			}))
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx payroll.Tx) error {
		got, err := tx.ListAudit(ctx, payroll.AuditFilter{EmployeeID: "e1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a2", got[0].ID)
		assert.Equal(t, "a3", got[1].ID)
		assert.Equal(t, "a3", got[1].Details["n"])
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStore_InvoiceNumbersAreGapless(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// GIVEN: 30 writers, every third one rolling back
	var wg sync.WaitGroup
	var mu sync.Mutex
	var committed []int64
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n int64
			err := s.WithTx(ctx, func(tx payroll.Tx) error {
				var err error
				n, err = tx.NextInvoiceNumber(ctx)
				if err != nil {
					return err
				}
				if i%3 == 0 {
					return errors.New("abort")
				}
				return nil
			})
			if err == nil {
				mu.Lock()
				committed = append(committed, n)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: the committed numbers are exactly 1..20
	sort.Slice(committed, func(i, j int) bool { return committed[i] < committed[j] })
	require.Len(t, committed, 20)
	for i, n := range committed {
		assert.Equal(t, int64(i+1), n)
	}
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngineOnSQLite_ComputeVoidAndCarry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	eng := engine.New(s, engine.Options{
		Clock:  func() time.Time { return now },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := eng.AddRule(ctx, payroll.CommissionRule{
		ID: "std", Name: "Standard", Kind: rules.KindPercentage,
		EffectiveFrom: date("2024-01-01"), Params: []byte(`{"rate":"0.10"}`),
	}, "test")
	require.NoError(t, err)
	_, _, err = eng.AddEmployee(ctx, payroll.Employee{ID: "emp-1", Name: "Ana", ActiveFrom: date("2024-01-01")},
		payroll.CompensationTerms{Type: payroll.CompCommission, CommissionRuleID: "std"}, "test")
	require.NoError(t, err)

	jan, err := eng.CreatePeriod(ctx, payroll.DateRange{Start: date("2025-01-01"), End: date("2025-01-31")}, "test")
	require.NoError(t, err)
	feb, err := eng.OpenNextPeriod(ctx, "test")
	require.NoError(t, err)

	var sales []payroll.EntryID
	for _, amount := range []string{"100.00", "50.00"} {
		out, err := eng.RecordEntry(ctx, payroll.Entry{
			EmployeeID: "emp-1", Kind: payroll.EntrySale, OccurredOn: date("2025-01-10"), Quantity: payroll.Money(amount),
		}, payroll.RecordOptions{Actor: "test"})
		require.NoError(t, err)
		sales = append(sales, out.Entry.ID)
	}

	// WHEN: January is computed, invoiced, and a sale is voided afterwards
	report, err := eng.Compute(ctx, jan.ID, "ana")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, dec("15.00").Equal(report.Results[0].Total))

	first, err := eng.Issue(ctx, []payroll.ResultID{report.Results[0].ID}, date("2025-02-01"), "ana")
	require.NoError(t, err)
	assert.Equal(t, "INV-000001", first.Display)

	_, err = eng.VoidEntry(ctx, sales[1], payroll.VoidOptions{Actor: "ana", Reason: "refund"})
	require.NoError(t, err)

	// THEN: the carried adjustment lands on the follow-up invoice
	adjs, err := eng.Adjustments(ctx, payroll.AdjustmentFilter{EmployeeID: "emp-1", CarryOnly: true})
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.True(t, dec("-5.00").Equal(adjs[0].Delta))
	assert.Equal(t, feb.ID, adjs[0].CarryToPeriodID)

	followUp, err := eng.IssueFollowUp(ctx, "emp-1", date("2025-02-15"), "ana")
	require.NoError(t, err)
	assert.Equal(t, "INV-000002", followUp.Display)
	assert.True(t, dec("-5.00").Equal(followUp.Total))

	frozen, err := eng.Invoice(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, dec("15.00").Equal(frozen.Total))
}
