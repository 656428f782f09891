/*
export.go - Document export for frozen invoices and payroll reports

PURPOSE:
  Renders what the engine has already frozen. Nothing here computes money:
  an invoice PDF or CSV is a straight projection of the stored snapshot
  (number, issue date, employee, lines, total), so exporting twice always
  yields the same figures.

FORMATS:
  InvoicePDF:     A4 page, one row per line, total at the bottom
  InvoiceCSV:     one record per invoice line
  SummaryCSV:     period summary, one record per employee
  YearToDateCSV:  YTD report, one record per employee

SEE ALSO:
  - invoice/invoice.go: snapshot construction
  - engine/invoices.go: PeriodSummary, YearToDate
*/
package export

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// PDF
// =============================================================================

// InvoicePDF writes a printable invoice to w.
func InvoicePDF(w io.Writer, inv payroll.Invoice) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Invoice "+inv.Display, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(40, 10, "Invoice "+inv.Display)
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 7, "Issued: "+inv.IssuedOn.String())
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Employee: %s (%s)", inv.EmployeeName, inv.EmployeeID))
	pdf.Ln(6)
	if inv.PaidOn != nil {
		pdf.Cell(0, 7, "Paid: "+inv.PaidOn.String())
		pdf.Ln(6)
	}
	pdf.Ln(4)

	widths := []float64{28, 86, 22, 22, 32}
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range []string{"Period", "Description", "Qty", "Rate", "Amount"} {
		align := "L"
		if i >= 2 {
			align = "R"
		}
		pdf.CellFormat(widths[i], 7, h, "B", 0, align, false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	for _, l := range inv.Lines {
		period := string(l.PeriodID)
		if l.Kind == payroll.LineAdjustment {
			period = "adj."
		}
		pdf.CellFormat(widths[0], 6, period, "", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, truncate(l.Description, 52), "", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, optional(l.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 6, optional(l.Rate), "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, l.Amount.StringFixed(2), "", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(widths[0]+widths[1]+widths[2]+widths[3], 8, "Total", "T", 0, "R", false, 0, "")
	pdf.CellFormat(widths[4], 8, fmt.Sprintf("%s %s", inv.Total.StringFixed(2), inv.Currency), "T", 0, "R", false, 0, "")
	pdf.Ln(-1)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render invoice %s: %w", inv.Display, err)
	}
	return nil
}

func optional(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// =============================================================================
// CSV
// =============================================================================

type invoiceLineRecord struct {
	Invoice     string `csv:"invoice"`
	IssuedOn    string `csv:"issued_on"`
	EmployeeID  string `csv:"employee_id"`
	Employee    string `csv:"employee"`
	Kind        string `csv:"kind"`
	PeriodID    string `csv:"period_id"`
	EntryID     string `csv:"entry_id"`
	Adjustment  string `csv:"adjustment_id"`
	Description string `csv:"description"`
	Quantity    string `csv:"quantity"`
	Rate        string `csv:"rate"`
	Amount      string `csv:"amount"`
	Currency    string `csv:"currency"`
}

// InvoiceCSV writes one record per invoice line.
func InvoiceCSV(w io.Writer, inv payroll.Invoice) error {
	records := make([]*invoiceLineRecord, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		records = append(records, &invoiceLineRecord{
			Invoice:     inv.Display,
			IssuedOn:    inv.IssuedOn.String(),
			EmployeeID:  string(inv.EmployeeID),
			Employee:    inv.EmployeeName,
			Kind:        string(l.Kind),
			PeriodID:    string(l.PeriodID),
			EntryID:     string(l.EntryID),
			Adjustment:  string(l.AdjustmentID),
			Description: l.Description,
			Quantity:    optional(l.Quantity),
			Rate:        optional(l.Rate),
			Amount:      l.Amount.StringFixed(2),
			Currency:    inv.Currency,
		})
	}
	return marshal(w, records)
}

type summaryRecord struct {
	PeriodID   string `csv:"period_id"`
	Start      string `csv:"start"`
	End        string `csv:"end"`
	EmployeeID string `csv:"employee_id"`
	Employee   string `csv:"employee"`
	Version    int    `csv:"version"`
	Status     string `csv:"status"`
	Total      string `csv:"total"`
	Invoice    string `csv:"invoice"`
}

// SummaryCSV writes a period summary, one record per employee.
func SummaryCSV(w io.Writer, s engine.PeriodSummary) error {
	records := make([]*summaryRecord, 0, len(s.Rows))
	for _, r := range s.Rows {
		records = append(records, &summaryRecord{
			PeriodID:   string(s.Period.ID),
			Start:      s.Period.Range.Start.String(),
			End:        s.Period.Range.End.String(),
			EmployeeID: string(r.EmployeeID),
			Employee:   r.Name,
			Version:    r.Version,
			Status:     string(r.Status),
			Total:      r.Total.StringFixed(2),
			Invoice:    r.InvoiceNumber,
		})
	}
	return marshal(w, records)
}

type ytdRecord struct {
	EmployeeID string `csv:"employee_id"`
	Employee   string `csv:"employee"`
	Periods    int    `csv:"periods"`
	Total      string `csv:"total"`
	Paid       string `csv:"paid"`
	LastPaid   string `csv:"last_paid"`
}

// YearToDateCSV writes the YTD report.
func YearToDateCSV(w io.Writer, rows []engine.YTDRow) error {
	records := make([]*ytdRecord, 0, len(rows))
	for _, r := range rows {
		rec := &ytdRecord{
			EmployeeID: string(r.EmployeeID),
			Employee:   r.Name,
			Periods:    r.Periods,
			Total:      r.Total.StringFixed(2),
			Paid:       r.Paid.StringFixed(2),
		}
		if r.LastPaid != nil {
			rec.LastPaid = r.LastPaid.String()
		}
		records = append(records, rec)
	}
	return marshal(w, records)
}

// marshal writes records with a header row; gocsv emits the header even
// for an empty slice.
func marshal[T any](w io.Writer, records []*T) error {
	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
