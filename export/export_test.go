package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/payroll"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleInvoice() payroll.Invoice {
	paid := payroll.MustParseDate("2025-02-10")
	return payroll.Invoice{
		ID: "i1", Number: 7, Display: "INV-000007", IssuedOn: payroll.MustParseDate("2025-02-01"),
		EmployeeID: "emp-1", EmployeeName: "Ana Ruiz", Currency: "USD", Total: dec("145.00"), PaidOn: &paid,
		Lines: []payroll.InvoiceLine{
			{Kind: payroll.LineRegular, PeriodID: "2025-01", EntryID: "e1", Description: "Regular hours",
				Quantity: dec("8"), Rate: dec("20"), Amount: dec("160")},
			{Kind: payroll.LineAdjustment, AdjustmentID: "a1", Description: "Correction, December", Amount: dec("-15")},
		},
	}
}

func TestInvoicePDF(t *testing.T) {
	var buf bytes.Buffer

	// WHEN
	err := InvoicePDF(&buf, sampleInvoice())

	// THEN: a PDF document comes out
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestInvoiceCSV(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, InvoiceCSV(&buf, sampleInvoice()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "invoice,issued_on,employee_id,employee,kind,period_id,entry_id,adjustment_id,description,quantity,rate,amount,currency", lines[0])
	assert.Equal(t, "INV-000007,2025-02-01,emp-1,Ana Ruiz,regular,2025-01,e1,,Regular hours,8,20,160.00,USD", lines[1])
	assert.Equal(t, `INV-000007,2025-02-01,emp-1,Ana Ruiz,adjustment,,,a1,"Correction, December",,,-15.00,USD`, lines[2])
}

func TestSummaryCSV(t *testing.T) {
	var buf bytes.Buffer
	summary := engine.PeriodSummary{
		Period: payroll.Period{ID: "jan", Range: payroll.DateRange{
			Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-31"),
		}},
		Rows: []engine.SummaryRow{
			{EmployeeID: "emp-1", Name: "Ana", Version: 2, Status: payroll.ResultFinalized, Total: dec("15"), Invoiced: true, InvoiceNumber: "INV-000001"},
			{EmployeeID: "emp-2", Name: "Bo", Version: 1, Status: payroll.ResultStale, Total: dec("4.5")},
		},
	}

	require.NoError(t, SummaryCSV(&buf, summary))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "jan,2025-01-01,2025-01-31,emp-1,Ana,2,finalized,15.00,INV-000001", lines[1])
	assert.Equal(t, "jan,2025-01-01,2025-01-31,emp-2,Bo,1,stale,4.50,", lines[2])
}

func TestYearToDateCSV_EmptyStillHasHeader(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, YearToDateCSV(&buf, nil))

	assert.Equal(t, "employee_id,employee,periods,total,paid,last_paid", strings.TrimSpace(buf.String()))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
