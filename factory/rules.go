/*
Package factory provides JSON to Go conversion for commission rules and pay terms.

PURPOSE:
  Converts JSON rule and compensation-terms definitions into validated
  payroll.CommissionRule and payroll.CompensationTerms values. Rules are
  configured as data, so a new rate or a new split is a new version, never a
  code change.

JSON SCHEMA (rule):
  {
    "id": "standard",
    "name": "Standard 10%",
    "kind": "percentage",
    "effective_from": "2025-01-01",
    "params": {"rate": "0.10"}
  }

JSON SCHEMA (terms):
  {
    "type": "hourly",
    "effective_from": "2025-01-01",
    "hourly_rate": "22.50",
    "overtime_threshold": "80",
    "overtime_multiplier": "1.5",
    "commission_rule_id": "standard"
  }

KEY FEATURES:
  - Validates the params by building the rule's evaluator
  - Dates are YYYY-MM-DD, money and rates are decimal strings or numbers
  - Presets for the rule kinds in common use

USAGE:
  f := NewRuleFactory()
  rule, err := f.ParseRule(ServiceSplitRuleJSON("irrigation", "Irrigation split", "2025-01-01"))

SEE ALSO:
  - rules: rule kinds and evaluation
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of one commission rule version.
type RuleJSON struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          string          `json:"kind"`
	EffectiveFrom string          `json:"effective_from"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// TermsJSON is the JSON representation of one compensation terms version.
type TermsJSON struct {
	Type               string           `json:"type"`
	EffectiveFrom      string           `json:"effective_from,omitempty"`
	HourlyRate         *decimal.Decimal `json:"hourly_rate,omitempty"`
	OvertimeThreshold  *decimal.Decimal `json:"overtime_threshold,omitempty"`
	OvertimeMultiplier *decimal.Decimal `json:"overtime_multiplier,omitempty"`
	SalaryPerPeriod    *decimal.Decimal `json:"salary_per_period,omitempty"`
	CommissionRuleID   string           `json:"commission_rule_id,omitempty"`
}

// TierJSON is one step of a tiered rule.
type TierJSON struct {
	From string `json:"from"`
	Rate string `json:"rate"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses and validates a rule version definition. Version and
// CreatedAt are assigned when the version is stored.
func (f *RuleFactory) ParseRule(jsonStr string) (payroll.CommissionRule, error) {
	var rj RuleJSON
	dec := json.NewDecoder(bytes.NewReader([]byte(jsonStr)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rj); err != nil {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "rule", Message: err.Error()}
	}
	return f.FromJSON(rj)
}

func (f *RuleFactory) FromJSON(rj RuleJSON) (payroll.CommissionRule, error) {
	if rj.ID == "" {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "id", Message: "required"}
	}
	if rj.Kind == "" {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "kind", Message: "required"}
	}
	from, err := payroll.ParseDate(rj.EffectiveFrom)
	if err != nil {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "effective_from", Message: err.Error()}
	}

	params := []byte(rj.Params)
	if len(params) == 0 || string(params) == "null" {
		params = []byte("{}")
	}
	// Store params compacted so equal definitions persist identically.
	var compact bytes.Buffer
	if err := json.Compact(&compact, params); err != nil {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "params", Message: err.Error()}
	}
	if _, err := rules.BuildKind(rj.Kind, compact.Bytes()); err != nil {
		return payroll.CommissionRule{}, &payroll.ValidationError{Field: "params", Message: err.Error()}
	}

	name := rj.Name
	if name == "" {
		name = rj.ID
	}
	return payroll.CommissionRule{
		ID:            payroll.RuleID(rj.ID),
		EffectiveFrom: from,
		Name:          name,
		Kind:          rj.Kind,
		Params:        compact.Bytes(),
	}, nil
}

// ParseTerms parses a compensation terms definition for employee.
func (f *RuleFactory) ParseTerms(employee payroll.EmployeeID, jsonStr string) (payroll.CompensationTerms, error) {
	var tj TermsJSON
	dec := json.NewDecoder(bytes.NewReader([]byte(jsonStr)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tj); err != nil {
		return payroll.CompensationTerms{}, &payroll.ValidationError{Field: "terms", Message: err.Error()}
	}
	return f.TermsFromJSON(employee, tj)
}

func (f *RuleFactory) TermsFromJSON(employee payroll.EmployeeID, tj TermsJSON) (payroll.CompensationTerms, error) {
	t := payroll.CompensationTerms{
		EmployeeID:       employee,
		Type:             payroll.CompensationType(tj.Type),
		CommissionRuleID: payroll.RuleID(tj.CommissionRuleID),
	}
	if !t.Type.Valid() {
		return payroll.CompensationTerms{}, &payroll.ValidationError{Field: "type", Message: fmt.Sprintf("unknown compensation type %q", tj.Type)}
	}
	if tj.EffectiveFrom != "" {
		from, err := payroll.ParseDate(tj.EffectiveFrom)
		if err != nil {
			return payroll.CompensationTerms{}, &payroll.ValidationError{Field: "effective_from", Message: err.Error()}
		}
		t.EffectiveFrom = from
	}
	t.HourlyRate = orZero(tj.HourlyRate)
	t.OvertimeThreshold = orZero(tj.OvertimeThreshold)
	t.OvertimeMultiplier = orZero(tj.OvertimeMultiplier)
	t.SalaryPerPeriod = orZero(tj.SalaryPerPeriod)
	return t, nil
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// =============================================================================
// PRESETS
// =============================================================================

func PercentageRuleJSON(id, name, effectiveFrom, rate string) string {
	return mustRuleJSON(id, name, rules.KindPercentage, effectiveFrom, map[string]any{"rate": rate})
}

func FlatRuleJSON(id, name, effectiveFrom, amount string) string {
	return mustRuleJSON(id, name, rules.KindFlat, effectiveFrom, map[string]any{"amount": amount})
}

func TieredRuleJSON(id, name, effectiveFrom string, tiers ...TierJSON) string {
	return mustRuleJSON(id, name, rules.KindTiered, effectiveFrom, map[string]any{"tiers": tiers})
}

// ServiceSplitRuleJSON is the half split of a service ticket with materials
// reimbursed from $35 up.
func ServiceSplitRuleJSON(id, name, effectiveFrom string) string {
	return mustRuleJSON(id, name, rules.KindServiceSplit, effectiveFrom, map[string]any{
		"share":               "0.5",
		"materials_threshold": "35",
	})
}

func mustRuleJSON(id, name, kind, effectiveFrom string, params map[string]any) string {
	p, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	out, err := json.Marshal(RuleJSON{ID: id, Name: name, Kind: kind, EffectiveFrom: effectiveFrom, Params: p})
	if err != nil {
		panic(err)
	}
	return string(out)
}
