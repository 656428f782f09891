package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

const (
	KindPercentage   = "percentage"
	KindFlat         = "flat"
	KindTiered       = "tiered"
	KindServiceSplit = "service_split"
)

// =============================================================================
// PERCENTAGE - sale x rate
// =============================================================================

type percentage struct {
	Rate *decimal.Decimal `json:"rate"`
}

func buildPercentage(params json.RawMessage) (Evaluator, error) {
	var p percentage
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Rate == nil {
		return nil, malformed("percentage: rate is required")
	}
	if p.Rate.IsNegative() {
		return nil, malformed("percentage: rate %s is negative", p.Rate)
	}
	return p, nil
}

func (p percentage) Evaluate(sale payroll.Entry, _ Aggregate) (Commission, error) {
	base := sale.Quantity.Value
	return Commission{
		Base:        base,
		Rate:        *p.Rate,
		Amount:      base.Mul(*p.Rate),
		Description: fmt.Sprintf("%s%% of %s", p.Rate.Shift(2), base.StringFixed(2)),
	}, nil
}

// =============================================================================
// FLAT - fixed amount per sale
// =============================================================================

type flat struct {
	Amount *decimal.Decimal `json:"amount"`
}

func buildFlat(params json.RawMessage) (Evaluator, error) {
	var f flat
	if err := decodeParams(params, &f); err != nil {
		return nil, err
	}
	if f.Amount == nil {
		return nil, malformed("flat: amount is required")
	}
	if f.Amount.IsNegative() {
		return nil, malformed("flat: amount %s is negative", f.Amount)
	}
	return f, nil
}

func (f flat) Evaluate(sale payroll.Entry, _ Aggregate) (Commission, error) {
	return Commission{
		Base:        decimal.NewFromInt(1),
		Rate:        *f.Amount,
		Amount:      *f.Amount,
		Description: "flat " + f.Amount.StringFixed(2) + " per sale",
	}, nil
}

// =============================================================================
// TIERED - rate picked by the period's sales aggregate
// =============================================================================

type tier struct {
	From decimal.Decimal `json:"from"`
	Rate decimal.Decimal `json:"rate"`
}

type tiered struct {
	Tiers []tier `json:"tiers"`
}

func buildTiered(params json.RawMessage) (Evaluator, error) {
	var t tiered
	if err := decodeParams(params, &t); err != nil {
		return nil, err
	}
	if len(t.Tiers) == 0 {
		return nil, malformed("tiered: at least one tier is required")
	}
	for i, tr := range t.Tiers {
		if tr.From.IsNegative() || tr.Rate.IsNegative() {
			return nil, malformed("tiered: tier %d has a negative bound or rate", i)
		}
	}
	sort.SliceStable(t.Tiers, func(i, j int) bool { return t.Tiers[i].From.LessThan(t.Tiers[j].From) })
	for i := 1; i < len(t.Tiers); i++ {
		if t.Tiers[i].From.Equal(t.Tiers[i-1].From) {
			return nil, malformed("tiered: duplicate tier bound %s", t.Tiers[i].From)
		}
	}
	return t, nil
}

func (t tiered) Evaluate(sale payroll.Entry, agg Aggregate) (Commission, error) {
	rate := decimal.Zero
	reached := decimal.Zero
	for _, tr := range t.Tiers {
		if tr.From.GreaterThan(agg.SalesTotal) {
			break
		}
		rate, reached = tr.Rate, tr.From
	}
	base := sale.Quantity.Value
	return Commission{
		Base:   base,
		Rate:   rate,
		Amount: base.Mul(rate),
		Description: fmt.Sprintf("%s%% of %s (tier from %s, period sales %s)",
			rate.Shift(2), base.StringFixed(2), reached.StringFixed(2), agg.SalesTotal.StringFixed(2)),
	}, nil
}

// =============================================================================
// SERVICE SPLIT - service ticket split net of materials and fees
// =============================================================================

// serviceSplit shares a service ticket with the technician:
//
//	card used:                 (total - materials - fees) x share + tip
//	no card, materials < thr:  (total - fees) x share + tip
//	no card, materials >= thr: (total - materials - fees) x share + tip + materials
type serviceSplit struct {
	Share              *decimal.Decimal `json:"share"`
	MaterialsThreshold *decimal.Decimal `json:"materials_threshold"`
}

var (
	defaultShare              = decimal.RequireFromString("0.5")
	defaultMaterialsThreshold = decimal.NewFromInt(35)
)

func buildServiceSplit(params json.RawMessage) (Evaluator, error) {
	var s serviceSplit
	if err := decodeParams(params, &s); err != nil {
		return nil, err
	}
	if s.Share == nil {
		s.Share = &defaultShare
	}
	if s.MaterialsThreshold == nil {
		s.MaterialsThreshold = &defaultMaterialsThreshold
	}
	if s.Share.IsNegative() || s.Share.GreaterThan(decimal.NewFromInt(1)) {
		return nil, malformed("service_split: share %s outside [0, 1]", s.Share)
	}
	if s.MaterialsThreshold.IsNegative() {
		return nil, malformed("service_split: materials_threshold %s is negative", s.MaterialsThreshold)
	}
	return s, nil
}

func (s serviceSplit) Evaluate(sale payroll.Entry, _ Aggregate) (Commission, error) {
	d := payroll.SaleDetails{}
	if sale.Sale != nil {
		d = *sale.Sale
	}
	total := sale.Quantity.Value

	var base, amount decimal.Decimal
	var how string
	switch {
	case d.CreditCard:
		base = total.Sub(d.Materials).Sub(d.Fees)
		amount = base.Mul(*s.Share).Add(d.Tip)
		how = "card"
	case d.Materials.LessThan(*s.MaterialsThreshold):
		base = total.Sub(d.Fees)
		amount = base.Mul(*s.Share).Add(d.Tip)
		how = "cash, low materials"
	default:
		base = total.Sub(d.Materials).Sub(d.Fees)
		amount = base.Mul(*s.Share).Add(d.Tip).Add(d.Materials)
		how = "cash, materials reimbursed"
	}
	return Commission{
		Base:   base,
		Rate:   *s.Share,
		Amount: amount,
		Description: fmt.Sprintf("%s%% of %s + tip %s (%s)",
			s.Share.Shift(2), base.StringFixed(2), d.Tip.StringFixed(2), how),
	}, nil
}
