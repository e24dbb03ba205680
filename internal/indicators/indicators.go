// Package indicators implements pure functions over bar sequences: the
// reserved feature set the plan compiler and strategy engine recompute every
// bar (ema20, vwap, bb_*, adx, range_*, hod, lod, atr, rsi).
//
// Indicator math itself is a thin numerics layer; it only matters here in
// how it gates FSM behavior, so each function returns (value, ok) with ok
// false when the history is too short — the engine maps that to a null
// feature rather than erroring.
package indicators

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

func f64(d decimal.Decimal) float64 { return d.InexactFloat64() }

// EMA computes the exponential moving average of closes over period bars.
func EMA(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period {
		return 0, false
	}
	e := utils.NewEMA(period)
	var v decimal.Decimal
	for _, b := range bars {
		v = e.Add(b.Close)
	}
	return f64(v), true
}

// SMA computes the simple moving average of closes over period bars.
func SMA(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period {
		return 0, false
	}
	s := utils.NewSMA(period)
	var v decimal.Decimal
	for _, b := range bars[len(bars)-period:] {
		v = s.Add(b.Close)
	}
	return f64(v), true
}

// VWAP computes the volume-weighted average price over the given bars; it is
// the session VWAP only when the bars cover a single session.
func VWAP(bars []types.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	pvSum := decimal.Zero
	vSum := int64(0)
	for _, b := range bars {
		typical := b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
		pvSum = pvSum.Add(typical.Mul(decimal.NewFromInt(b.Volume)))
		vSum += b.Volume
	}
	if vSum == 0 {
		return 0, false
	}
	return f64(pvSum.Div(decimal.NewFromInt(vSum))), true
}

// BollingerBands returns (upper, middle, lower) over period bars at the
// given standard-deviation width.
func BollingerBands(bars []types.Bar, period int, width float64) (upper, middle, lower float64, ok bool) {
	if len(bars) < period {
		return 0, 0, 0, false
	}
	window := bars[len(bars)-period:]
	closes := make([]decimal.Decimal, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}
	mean := utils.CalculateMean(closes)
	std := utils.CalculateStdDev(closes)
	band := std.Mul(decimal.NewFromFloat(width))
	return f64(mean.Add(band)), f64(mean), f64(mean.Sub(band)), true
}

// ATR computes Wilder's average true range over period bars.
func ATR(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hi, lo, prevClose := f64(bars[i].High), f64(bars[i].Low), f64(bars[i-1].Close)
		tr := math.Max(hi-lo, math.Max(math.Abs(hi-prevClose), math.Abs(lo-prevClose)))
		trs = append(trs, tr)
	}
	if len(trs) < period {
		return 0, false
	}
	// Wilder smoothing seeded with a simple average of the first `period` TRs.
	sum := 0.0
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr := sum / float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// ADX computes the average directional index over period bars.
func ADX(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period*2+1 {
		return 0, false
	}
	plusDM := make([]float64, 0, len(bars)-1)
	minusDM := make([]float64, 0, len(bars)-1)
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		upMove := f64(bars[i].High) - f64(bars[i-1].High)
		downMove := f64(bars[i-1].Low) - f64(bars[i].Low)
		switch {
		case upMove > downMove && upMove > 0:
			plusDM = append(plusDM, upMove)
			minusDM = append(minusDM, 0)
		case downMove > upMove && downMove > 0:
			plusDM = append(plusDM, 0)
			minusDM = append(minusDM, downMove)
		default:
			plusDM = append(plusDM, 0)
			minusDM = append(minusDM, 0)
		}
		hi, lo, prevClose := f64(bars[i].High), f64(bars[i].Low), f64(bars[i-1].Close)
		trs = append(trs, math.Max(hi-lo, math.Max(math.Abs(hi-prevClose), math.Abs(lo-prevClose))))
	}
	smooth := func(series []float64) []float64 {
		out := make([]float64, 0, len(series)-period+1)
		sum := 0.0
		for _, v := range series[:period] {
			sum += v
		}
		out = append(out, sum)
		prev := sum
		for _, v := range series[period:] {
			prev = prev - prev/float64(period) + v
			out = append(out, prev)
		}
		return out
	}
	smTR := smooth(trs)
	smPlus := smooth(plusDM)
	smMinus := smooth(minusDM)
	dxs := make([]float64, 0, len(smTR))
	for i := range smTR {
		if smTR[i] == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI := 100 * smPlus[i] / smTR[i]
		minusDI := 100 * smMinus[i] / smTR[i]
		denom := plusDI + minusDI
		if denom == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/denom)
	}
	if len(dxs) < period {
		return 0, false
	}
	sum := 0.0
	for _, dx := range dxs[:period] {
		sum += dx
	}
	return sum / float64(period), true
}

// RSI computes the Wilder relative strength index over period bars.
func RSI(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}
	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		diff := f64(bars[i].Close) - f64(bars[i-1].Close)
		if diff > 0 {
			gainSum += diff
		} else {
			lossSum -= diff
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		diff := f64(bars[i].Close) - f64(bars[i-1].Close)
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// RangeHigh, RangeLow, RangeMid compute the rolling high/low/midpoint over
// the last period bars (feeds range_high_20, range_low_20, range_mid_20, etc).
func RangeHigh(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period {
		return 0, false
	}
	window := bars[len(bars)-period:]
	hi := window[0].High
	for _, b := range window[1:] {
		hi = utils.MaxDecimal(hi, b.High)
	}
	return f64(hi), true
}

func RangeLow(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period {
		return 0, false
	}
	window := bars[len(bars)-period:]
	lo := window[0].Low
	for _, b := range window[1:] {
		lo = utils.MinDecimal(lo, b.Low)
	}
	return f64(lo), true
}

func RangeMid(bars []types.Bar, period int) (float64, bool) {
	hi, ok := RangeHigh(bars, period)
	if !ok {
		return 0, false
	}
	lo, _ := RangeLow(bars, period)
	return (hi + lo) / 2, true
}

// HOD and LOD are the high/low over the given bars; they are the session
// high/low only when the bars cover a single session.
func HOD(bars []types.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	hi := bars[0].High
	for _, b := range bars[1:] {
		hi = utils.MaxDecimal(hi, b.High)
	}
	return f64(hi), true
}

func LOD(bars []types.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	lo := bars[0].Low
	for _, b := range bars[1:] {
		lo = utils.MinDecimal(lo, b.Low)
	}
	return f64(lo), true
}

// ReservedFeatureNames is the closed set of feature names the compiler
// accepts, per the plan configuration schema.
var ReservedFeatureNames = map[string]bool{
	"close": true, "open": true, "high": true, "low": true, "volume": true,
	"ema20": true, "vwap": true,
	"bb_upper": true, "bb_middle": true, "bb_lower": true,
	"adx":           true,
	"range_high_20": true, "range_low_20": true, "range_mid_20": true,
	"range_high_40": true, "range_low_40": true,
	"hod": true, "lod": true, "atr": true, "rsi": true,
}

// Compute evaluates the named feature against the bar history. The period
// parameters for the *_20/*_40 families are implied by the name. vwap, hod
// and lod are computed over every bar passed in; the history is not split
// by trading session.
func Compute(name string, bars []types.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	last := bars[len(bars)-1]
	switch name {
	case "close":
		return f64(last.Close), true
	case "open":
		return f64(last.Open), true
	case "high":
		return f64(last.High), true
	case "low":
		return f64(last.Low), true
	case "volume":
		return float64(last.Volume), true
	case "ema20":
		return EMA(bars, 20)
	case "vwap":
		return VWAP(bars)
	case "bb_upper":
		u, _, _, ok := BollingerBands(bars, 20, 2.0)
		return u, ok
	case "bb_middle":
		_, m, _, ok := BollingerBands(bars, 20, 2.0)
		return m, ok
	case "bb_lower":
		_, _, l, ok := BollingerBands(bars, 20, 2.0)
		return l, ok
	case "adx":
		return ADX(bars, 14)
	case "range_high_20":
		return RangeHigh(bars, 20)
	case "range_low_20":
		return RangeLow(bars, 20)
	case "range_mid_20":
		return RangeMid(bars, 20)
	case "range_high_40":
		return RangeHigh(bars, 40)
	case "range_low_40":
		return RangeLow(bars, 40)
	case "hod":
		return HOD(bars)
	case "lod":
		return LOD(bars)
	case "atr":
		return ATR(bars, 14)
	case "rsi":
		return RSI(bars, 14)
	default:
		return 0, false
	}
}
