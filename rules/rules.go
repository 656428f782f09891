/*
Package rules is the pure rule engine: commission rule kinds and pay rules.

PURPOSE:
  Turns (entries in range, compensation terms, commission rule versions
  effective at period end) into an itemized payroll.Computation. Nothing here
  touches the store except Gather, which only reads.

RULE KINDS:
  A commission rule version is a JSON document {kind, params}. Each kind
  registers a Builder that validates params and returns an Evaluator:

    percentage     {"rate": "0.10"}                      sale x rate
    flat           {"amount": "25"}                      fixed per sale
    tiered         {"tiers": [{"from": "0", "rate": "0.05"},
                              {"from": "1000", "rate": "0.08"}]}
                   rate of the highest tier reached by the period's sales
    service_split  {"share": "0.5", "materials_threshold": "35"}
                   split of a service ticket net of materials and fees,
                   plus tip (and materials back when above threshold)

ROUNDING:
  Every line is rounded to minor units half-to-even, then lines are summed.
  The aggregate is never rounded on its own.

SEE ALSO:
  - compute.go: Compute
  - gather.go: building an Input from a Tx
  - factory: JSON rule definitions and presets
*/
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

var (
	ErrUnknownKind     = errors.New("unknown rule kind")
	ErrMalformedParams = errors.New("malformed rule params")
)

// Aggregate is the per-period context a rule may use beyond the sale itself.
type Aggregate struct {
	SalesTotal decimal.Decimal
	SalesCount int
}

// Commission is the unrounded outcome of one rule evaluation.
type Commission struct {
	Base        decimal.Decimal
	Rate        decimal.Decimal
	Amount      decimal.Decimal
	Description string
}

// Evaluator computes the commission for one sale entry.
type Evaluator interface {
	Evaluate(sale payroll.Entry, agg Aggregate) (Commission, error)
}

// Builder validates params and returns an Evaluator.
type Builder func(params json.RawMessage) (Evaluator, error)

var registry = map[string]Builder{
	KindPercentage:   buildPercentage,
	KindFlat:         buildFlat,
	KindTiered:       buildTiered,
	KindServiceSplit: buildServiceSplit,
}

// Kinds lists the registered rule kinds in sorted order.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build returns the evaluator for a rule version.
func Build(r payroll.CommissionRule) (Evaluator, error) {
	return BuildKind(r.Kind, r.Params)
}

func BuildKind(kind string, params []byte) (Evaluator, error) {
	b, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	ev, err := b(params)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedParams, err)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedParams, fmt.Sprintf(format, args...))
}
