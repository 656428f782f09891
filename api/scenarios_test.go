/*
scenarios_test.go - Tests for demo scenarios

Each scenario must load into an empty database through the same engine
calls the shell uses, and must refuse a database that already has data.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(s *testServer, id string) {
	s.t.Helper()
	expect[map[string]string](s, http.StatusOK, "POST", "/api/scenarios/load", map[string]string{"scenario_id": id})
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	list := expect[[]ScenarioDTO](s, http.StatusOK, "GET", "/api/scenarios", nil)

	require.Len(t, list, 3)
	assert.Equal(t, "hourly-crew", list[0].ID)
}

func TestScenario_HourlyCrew(t *testing.T) {
	s := newTestServer(t)

	loadScenario(s, "hourly-crew")

	// THEN: two employees and one open February period (clock is March 1st)
	employees := expect[[]EmployeeDTO](s, http.StatusOK, "GET", "/api/employees", nil)
	assert.Len(t, employees, 2)
	periods := expect[[]PeriodDTO](s, http.StatusOK, "GET", "/api/periods", nil)
	require.Len(t, periods, 1)
	assert.Equal(t, "2025-02-01", periods[0].Start)
	assert.Equal(t, "2025-02-28", periods[0].End)

	// AND: computing pays Maria's overtime and commission
	report := expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+periods[0].ID+"/compute", nil)
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		if r.EmployeeID == "maria" {
			// 80h x 22.50 + 30h x 33.75 + 10% of 1200
			assert.True(t, dec("2932.50").Equal(r.Total), r.Total.String())
		}
	}
}

func TestScenario_ServiceSplit(t *testing.T) {
	s := newTestServer(t)

	loadScenario(s, "service-split")

	entries := expect[[]EntryDTO](s, http.StatusOK, "GET", "/api/employees/sam/entries?from=2025-02-01&to=2025-02-28", nil)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[1].Sale)
	assert.True(t, entries[1].Sale.CreditCard)
}

func TestScenario_ClosedMonth(t *testing.T) {
	s := newTestServer(t)

	loadScenario(s, "closed-month")

	invoices := expect[[]InvoiceDTO](s, http.StatusOK, "GET", "/api/invoices", nil)
	assert.Len(t, invoices, 2)
	periods := expect[[]PeriodDTO](s, http.StatusOK, "GET", "/api/periods", nil)
	require.Len(t, periods, 2)
	assert.Equal(t, "closed", periods[0].State)
	assert.Equal(t, "open", periods[1].State)
}

func TestScenario_RefusesNonEmptyDatabase(t *testing.T) {
	s := newTestServer(t)
	loadScenario(s, "service-split")

	rec := s.do("POST", "/api/scenarios/load", map[string]string{"scenario_id": "hourly-crew"})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/scenarios/load", map[string]string{"scenario_id": "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
