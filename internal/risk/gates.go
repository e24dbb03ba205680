// Package risk implements the hard-gate sizing and validation rules shared
// between the Strategy Proposer (C8, at proposal time) and the Strategy
// Engine (C6, re-applied immediately before order submission). Grounded on
// the teacher's internal/execution/risk_manager.go CheckOrder/RiskCheckResult
// validation idiom, generalized to the spec's five named gates.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

// GateFailure names which gate rejected a candidate and why.
type GateFailure struct {
	Gate   string // "A_stop_side", "B_rr", "C_risk_cap", "D_reward_direction", "E_entry_distance"
	Reason string
}

func (f *GateFailure) Error() string { return f.Gate + ": " + f.Reason }

// InsufficientBuyingPowerError is returned when clamped qty falls below 1.
type InsufficientBuyingPowerError struct{ Reason string }

func (e *InsufficientBuyingPowerError) Error() string { return "insufficient buying power: " + e.Reason }

// Input bundles the values the gate table and sizing clamps need. Long and
// short candidates both pass EntryLow <= EntryHigh; sidedness affects which
// comparisons gate A/B/D use, per "mirror for short" in spec §4.4.
type Input struct {
	Side                types.OrderSide
	EntryLow, EntryHigh decimal.Decimal
	Stop, Target        decimal.Decimal
	CurrentPrice        decimal.Decimal
	RRTarget            float64
	MaxRiskPerTrade     decimal.Decimal
	MaxEntryDistancePct float64

	// Optional clamps; zero value means "no limit configured".
	BuyingPower         decimal.Decimal
	BuyingPowerFactor   decimal.Decimal
	MaxOrderQty         int64
	MaxNotionalPerSymbol decimal.Decimal
}

// Result is the outcome of a successful gate pass plus the sizing applied.
type Result struct {
	Qty              int64
	RRWorst          float64
	DollarRiskWorst  decimal.Decimal
	EntryDistancePct float64
}

// Evaluate runs gates A, D, B, C and E, in that order, against in,
// returning the first failure,
// or a sizing Result on success. Prices in the result are not yet
// tick-rounded; call utils.RoundTick on the rendered order prices.
func Evaluate(in Input) (*Result, error) {
	long := in.Side == types.SideBuy

	risk := in.EntryHigh.Sub(in.Stop)
	reward := in.Target.Sub(in.EntryHigh)
	if !long {
		risk = in.Stop.Sub(in.EntryLow)
		reward = in.EntryLow.Sub(in.Target)
	}

	// Gate A — stop side.
	if long && in.Stop.GreaterThanOrEqual(in.EntryLow) {
		return nil, &GateFailure{"A_stop_side", "stop must be below entryLow for a long"}
	}
	if !long && in.Stop.LessThanOrEqual(in.EntryHigh) {
		return nil, &GateFailure{"A_stop_side", "stop must be above entryHigh for a short"}
	}
	if risk.LessThanOrEqual(decimal.Zero) {
		return nil, &GateFailure{"A_stop_side", "non-positive risk distance"}
	}

	// Gate D — reward direction (checked before R:R so the ratio in the
	// failure case is not divided by a risk figure for a nonsensical target).
	if reward.LessThanOrEqual(decimal.Zero) {
		return nil, &GateFailure{"D_reward_direction", "target does not extend beyond entry in the trade's favor"}
	}

	// Gate B — worst-case reward:risk.
	rrWorst, _ := reward.Div(risk).Float64()
	if rrWorst < in.RRTarget {
		return nil, &GateFailure{"B_rr", "worst-case R:R below target"}
	}

	// Gate C — risk cap and base qty.
	if in.MaxRiskPerTrade.LessThanOrEqual(decimal.Zero) {
		return nil, &GateFailure{"C_risk_cap", "maxRiskPerTrade must be positive"}
	}
	qtyDec := in.MaxRiskPerTrade.Div(risk).Floor()
	qty := qtyDec.IntPart()
	if qty < 1 {
		qty = 1
	}
	dollarRiskWorst := decimal.NewFromInt(qty).Mul(risk)
	if dollarRiskWorst.GreaterThan(in.MaxRiskPerTrade) {
		return nil, &GateFailure{"C_risk_cap", "qty * risk exceeds maxRiskPerTrade"}
	}

	// Gate E — entry distance from current price.
	midEntry := in.EntryLow.Add(in.EntryHigh).Div(decimal.NewFromInt(2))
	if in.CurrentPrice.IsZero() {
		return nil, &GateFailure{"E_entry_distance", "current price unavailable"}
	}
	entryDistancePct, _ := midEntry.Sub(in.CurrentPrice).Abs().Div(in.CurrentPrice).Mul(decimal.NewFromInt(100)).Float64()
	if entryDistancePct > in.MaxEntryDistancePct {
		return nil, &GateFailure{"E_entry_distance", "entry too far from current price"}
	}

	// Additional sizing clamps.
	entryPrice := in.EntryHigh
	if !long {
		entryPrice = in.EntryLow
	}
	if in.BuyingPower.GreaterThan(decimal.Zero) && entryPrice.GreaterThan(decimal.Zero) {
		factor := in.BuyingPowerFactor
		if factor.IsZero() {
			factor = decimal.NewFromFloat(0.75)
		}
		bpQty := in.BuyingPower.Mul(factor).Div(entryPrice).Floor().IntPart()
		qty = utils.MinInt64(qty, bpQty)
	}
	if in.MaxOrderQty > 0 {
		qty = utils.MinInt64(qty, in.MaxOrderQty)
	}
	if in.MaxNotionalPerSymbol.GreaterThan(decimal.Zero) && entryPrice.GreaterThan(decimal.Zero) {
		notionalQty := in.MaxNotionalPerSymbol.Div(entryPrice).Floor().IntPart()
		qty = utils.MinInt64(qty, notionalQty)
	}
	if qty < 1 {
		return nil, &InsufficientBuyingPowerError{Reason: "clamped quantity below 1"}
	}

	return &Result{
		Qty:              qty,
		RRWorst:          rrWorst,
		DollarRiskWorst:  decimal.NewFromInt(qty).Mul(risk),
		EntryDistancePct: entryDistancePct,
	}, nil
}
