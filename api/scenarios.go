/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate an empty database with
	realistic data for demos. Each scenario creates commission rules,
	employees with terms, one period, and entries that exercise a specific
	part of the engine.

AVAILABLE SCENARIOS:

	hourly-crew:     Hourly crew with overtime and a percentage commission
	service-split:   Commission-only technicians on a 50/50 service split
	closed-month:    A computed and invoiced month, ready for a correction

HOW SCENARIOS WORK:
 1. Refuse unless the database holds no employees
 2. Create rules via factory presets
 3. Create employees with their first terms version
 4. Open the previous calendar month as a period
 5. Record entries through the engine, exactly as the shell would

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "service-split"}

NOTE:

	The ledger is append-only, so scenarios never reset anything. Point
	PAYROLL_DB_PATH at a scratch file to try several.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/rules.go: Rule JSON presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "hourly-crew",
		Name:        "Hourly Crew",
		Description: "Two hourly employees, one past the overtime threshold, plus a 10% sales commission",
	},
	{
		ID:          "service-split",
		Name:        "Service Split",
		Description: "Commission-only technicians: half of each ticket net of tips and card fees, materials reimbursed from $35",
	},
	{
		ID:          "closed-month",
		Name:        "Closed Month",
		Description: "Last month computed and invoiced; void an entry to see the carried adjustment",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario into an empty database.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	load, ok := map[string]func(context.Context, string) error{
		"hourly-crew":   h.loadHourlyCrewScenario,
		"service-split": h.loadServiceSplitScenario,
		"closed-month":  h.loadClosedMonthScenario,
	}[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	existing, err := h.Engine.Employees(ctx)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	if len(existing) > 0 {
		h.fail(w, r, "Failed to load scenario", &payroll.InvalidStateError{
			Kind: "database", ID: "payroll", Reason: "scenarios only load into an empty database",
		})
		return
	}

	if err := load(ctx, actor(r)); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoMonth is the previous calendar month relative to the handler clock.
func (h *Handler) demoMonth() payroll.DateRange {
	today := h.today()
	first := payroll.NewDate(today.Year(), today.Month(), 1).AddMonths(-1)
	return payroll.DateRange{Start: first, End: first.AddMonths(1).AddDays(-1)}
}

func (h *Handler) loadHourlyCrewScenario(ctx context.Context, actor string) error {
	month := h.demoMonth()
	from := month.Start.String()

	if err := h.addRule(ctx, factory.PercentageRuleJSON("sales-10", "Sales 10%", from, "0.10"), actor); err != nil {
		return err
	}
	if err := h.addEmployee(ctx, "maria", "Maria Lopez", month.Start, fmt.Sprintf(
		`{"type":"hourly","hourly_rate":"22.50","overtime_threshold":"80","overtime_multiplier":"1.5","commission_rule_id":"sales-10","effective_from":%q}`, from), actor); err != nil {
		return err
	}
	if err := h.addEmployee(ctx, "dev", "Dev Patel", month.Start, fmt.Sprintf(
		`{"type":"hourly","hourly_rate":"18","overtime_threshold":"80","overtime_multiplier":"1.5","effective_from":%q}`, from), actor); err != nil {
		return err
	}
	if _, err := h.Engine.CreatePeriod(ctx, month, actor); err != nil {
		return err
	}

	// Maria works 11 ten-hour days, 30 hours past the threshold.
	for i := range 11 {
		if err := h.recordHours(ctx, "maria", month.Start.AddDays(i), "10", actor); err != nil {
			return err
		}
	}
	for i := range 8 {
		if err := h.recordHours(ctx, "dev", month.Start.AddDays(i), "8", actor); err != nil {
			return err
		}
	}
	return h.recordSale(ctx, "maria", month.Start.AddDays(5), "1200", payroll.SaleDetails{Customer: "Hillside HOA", Reference: "T-1001"}, actor)
}

func (h *Handler) loadServiceSplitScenario(ctx context.Context, actor string) error {
	month := h.demoMonth()
	from := month.Start.String()

	if err := h.addRule(ctx, factory.ServiceSplitRuleJSON("irrigation", "Irrigation split", from), actor); err != nil {
		return err
	}
	for _, emp := range []struct {
		id   payroll.EmployeeID
		name string
	}{{"sam", "Sam Okafor"}, {"lee", "Lee Chen"}} {
		if err := h.addEmployee(ctx, emp.id, emp.name, month.Start, fmt.Sprintf(
			`{"type":"commission","commission_rule_id":"irrigation","effective_from":%q}`, from), actor); err != nil {
			return err
		}
	}
	if _, err := h.Engine.CreatePeriod(ctx, month, actor); err != nil {
		return err
	}

	tickets := []struct {
		emp    payroll.EmployeeID
		day    int
		amount string
		sale   payroll.SaleDetails
	}{
		{"sam", 2, "480", payroll.SaleDetails{Customer: "Baker residence", Reference: "T-2001", Tip: dec("20"), Materials: dec("60")}},
		{"sam", 9, "150", payroll.SaleDetails{Customer: "Ortiz residence", Reference: "T-2002", CreditCard: true, Fees: dec("4.35")}},
		{"lee", 3, "320", payroll.SaleDetails{Customer: "Park HOA", Reference: "T-2003", Materials: dec("20")}},
		{"lee", 15, "900", payroll.SaleDetails{Customer: "City of Elm", Reference: "T-2004", CreditCard: true, Fees: dec("26.10"), Materials: dec("140")}},
	}
	for _, t := range tickets {
		if err := h.recordSale(ctx, t.emp, month.Start.AddDays(t.day), t.amount, t.sale, actor); err != nil {
			return err
		}
	}
	return nil
}

// loadClosedMonthScenario builds on service-split: the month is computed,
// closed and invoiced, and the following month is open.
func (h *Handler) loadClosedMonthScenario(ctx context.Context, actor string) error {
	if err := h.loadServiceSplitScenario(ctx, actor); err != nil {
		return err
	}
	periods, err := h.Engine.Periods(ctx)
	if err != nil {
		return err
	}
	if len(periods) != 1 {
		return fmt.Errorf("closed-month: expected one period, found %d", len(periods))
	}
	if _, err := h.Engine.Compute(ctx, periods[0].ID, actor); err != nil {
		return err
	}
	if _, err := h.Engine.IssueForPeriod(ctx, periods[0].ID, h.today(), actor); err != nil {
		return err
	}
	_, err = h.Engine.OpenNextPeriod(ctx, actor)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) addRule(ctx context.Context, jsonStr, actor string) error {
	rule, err := h.Rules.ParseRule(jsonStr)
	if err != nil {
		return err
	}
	_, err = h.Engine.AddRule(ctx, rule, actor)
	return err
}

func (h *Handler) addEmployee(ctx context.Context, id payroll.EmployeeID, name string, from payroll.Date, termsJSON, actor string) error {
	terms, err := h.Rules.ParseTerms(id, termsJSON)
	if err != nil {
		return err
	}
	_, _, err = h.Engine.AddEmployee(ctx, payroll.Employee{ID: id, Name: name, ActiveFrom: from}, terms, actor)
	return err
}

func (h *Handler) recordHours(ctx context.Context, emp payroll.EmployeeID, on payroll.Date, hours, actor string) error {
	_, err := h.Engine.RecordEntry(ctx, payroll.Entry{
		EmployeeID: emp, Kind: payroll.EntryTime, OccurredOn: on, Quantity: payroll.Hours(hours),
	}, payroll.RecordOptions{Actor: actor})
	return err
}

func (h *Handler) recordSale(ctx context.Context, emp payroll.EmployeeID, on payroll.Date, amount string, sale payroll.SaleDetails, actor string) error {
	_, err := h.Engine.RecordEntry(ctx, payroll.Entry{
		EmployeeID: emp, Kind: payroll.EntrySale, OccurredOn: on, Quantity: payroll.Money(amount), Sale: &sale,
	}, payroll.RecordOptions{Actor: actor})
	return err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
