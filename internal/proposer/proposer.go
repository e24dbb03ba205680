// Package proposer implements the Strategy Proposer (C8): deterministic
// candidate generation over a symbol's recent bars, hard-gate validation
// shared with the engine, scoring/grading, and rendering to the YAML plan
// text the compiler accepts. Grounded on internal/strategy/strategy.go's
// StrategyRegistry (named-generator registry, rebuilt to emit candidate
// plans instead of live signals) and internal/backtester/viability.go's
// A-F grading idiom.
package proposer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/internal/risk"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

// Params bounds candidate generation and gating.
type Params struct {
	RRTarget            float64
	MaxRiskPerTrade     decimal.Decimal
	MaxEntryDistancePct float64
	MonteCarloTrials    int
}

// DefaultParams returns the spec's default gate thresholds.
func DefaultParams() Params {
	return Params{RRTarget: 3.0, MaxRiskPerTrade: decimal.NewFromInt(100), MaxEntryDistancePct: 3.0, MonteCarloTrials: 2000}
}

// generatorFunc produces zero or one raw candidate from recent bars.
type generatorFunc func(bars []types.Bar) *types.CandidatePlan

// Registry holds the named candidate-family generators, mirroring the
// teacher's strategy registry shape but keyed to families this domain uses.
type Registry struct {
	families map[string]generatorFunc
	order    []string
}

// NewRegistry builds the registry with the five families spec.md implies:
// breakout, reclaim, HOD (high-of-day), mean-reversion, trend-following.
func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]generatorFunc)}
	r.register("breakout", genBreakout)
	r.register("reclaim", genReclaim)
	r.register("hod", genHOD)
	r.register("mean_reversion", genMeanReversion)
	r.register("trend_following", genTrendFollowing)
	return r
}

func (r *Registry) register(name string, fn generatorFunc) {
	r.families[name] = fn
	r.order = append(r.order, name)
}

// Families returns the registered family names in registration order.
func (r *Registry) Families() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Propose generates, gates, scores, and ranks candidates for symbol over
// bars, returning finalists best-first. len(bars) < 20 yields no candidates.
func Propose(reg *Registry, symbol string, bars []types.Bar, params Params) []*types.CandidatePlan {
	if len(bars) < 20 {
		return nil
	}
	currentPrice := bars[len(bars)-1].Close

	var finalists []*types.CandidatePlan
	for _, name := range reg.order {
		raw := reg.families[name](bars)
		if raw == nil {
			continue
		}
		raw.Family = name

		result, err := risk.Evaluate(risk.Input{
			Side: raw.Side, EntryLow: raw.EntryLow, EntryHigh: raw.EntryHigh,
			Stop: raw.Stop, Target: raw.Target, CurrentPrice: currentPrice,
			RRTarget: params.RRTarget, MaxRiskPerTrade: params.MaxRiskPerTrade,
			MaxEntryDistancePct: params.MaxEntryDistancePct,
		})
		if err != nil {
			continue // gated out; per spec this candidate is discarded, not surfaced
		}

		raw.Qty = result.Qty
		raw.RRWorst = result.RRWorst
		raw.DollarRiskWorst = result.DollarRiskWorst
		raw.EntryDistancePct = result.EntryDistancePct
		raw.RobustnessPct = robustnessPercentile(raw.RRWorst, params.MonteCarloTrials)
		raw.Grade = grade(raw)
		finalists = append(finalists, raw)
	}

	sort.SliceStable(finalists, func(i, j int) bool {
		if finalists[i].Grade != finalists[j].Grade {
			return finalists[i].Grade < finalists[j].Grade // "A" < "B" lexically
		}
		return finalists[i].RRWorst > finalists[j].RRWorst
	})
	return finalists
}

// robustnessPercentile runs a trimmed Monte Carlo resampling over a
// synthetic R-multiple distribution derived from the candidate's worst-case
// R:R (never over historical bar replay, to stay clear of backtesting
// semantics): trials draw a win/loss outcome at a win rate of 35% plus 5
// points per unit of R:R, capped at 65% (45% when R:R is not positive),
// and the reported figure is the fraction of
// trials with a positive expectancy over a 30-trade sample.
func robustnessPercentile(rrWorst float64, trials int) float64 {
	if trials <= 0 {
		trials = 2000
	}
	winRate := 0.45
	if rrWorst > 0 {
		winRate = math.Min(0.65, 0.35+0.05*rrWorst)
	}
	rng := newLCG(uint64(rrWorst*1e6) + 1)
	positive := 0
	const sampleTrades = 30
	for t := 0; t < trials; t++ {
		expectancy := 0.0
		for i := 0; i < sampleTrades; i++ {
			if rng.float64() < winRate {
				expectancy += rrWorst
			} else {
				expectancy -= 1.0
			}
		}
		if expectancy > 0 {
			positive++
		}
	}
	return float64(positive) / float64(trials)
}

// lcg is a tiny deterministic linear congruential generator: deterministic
// resampling is required so proposer output is reproducible given the same
// bars (property 5, "Determinism").
type lcg struct{ state uint64 }

func newLCG(seed uint64) *lcg {
	if seed == 0 {
		seed = 1
	}
	return &lcg{state: seed}
}

func (g *lcg) float64() float64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return float64(g.state>>11) / float64(1<<53)
}

// grade scores a gated candidate on risk:reward, entry proximity, and
// Monte Carlo robustness, A-F, mirroring the teacher's scoreToGrade shape.
func grade(c *types.CandidatePlan) string {
	score := 0
	switch {
	case c.RRWorst >= 5:
		score += 40
	case c.RRWorst >= 4:
		score += 32
	case c.RRWorst >= 3:
		score += 24
	default:
		score += 10
	}
	switch {
	case c.EntryDistancePct <= 0.5:
		score += 30
	case c.EntryDistancePct <= 1.5:
		score += 20
	case c.EntryDistancePct <= 3.0:
		score += 10
	}
	score += int(c.RobustnessPct * 30)

	switch {
	case score >= 85:
		return "A"
	case score >= 70:
		return "B"
	case score >= 55:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "F"
	}
}

// RenderYAML renders a finalized candidate into the plan configuration text
// the compiler accepts: meta/features/rules{arm,trigger,invalidate}/
// orderPlans/execution/risk (spec §6). The compiler derives states and
// transitions itself from the rules section, so this only ever emits the
// document sections compiler.Compile's planDoc actually parses.
func RenderYAML(symbol, timeframe string, c *types.CandidatePlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "meta:\n  name: %s_%s\n  symbol: %s\n  timeframe: %s\n", c.Family, symbol, symbol, timeframe)
	b.WriteString("features:\n  - name: ema20\n  - name: atr\n  - name: range_high_20\n  - name: range_low_20\n")
	b.WriteString("rules:\n")
	fmt.Fprintf(&b, "  arm: \"close > ema20\"\n")
	fmt.Fprintf(&b, "  trigger: \"close >= %s\"\n", c.EntryLow.StringFixed(2))
	fmt.Fprintf(&b, "  invalidate: \"close <= %s || close >= %s\"\n", c.Stop.StringFixed(2), c.Target.StringFixed(2))
	b.WriteString("orderPlans:\n  triggered:\n")
	fmt.Fprintf(&b, "    side: %s\n", c.Side)
	fmt.Fprintf(&b, "    entryZone: [\"%s\", \"%s\"]\n", c.EntryLow.StringFixed(2), c.EntryHigh.StringFixed(2))
	fmt.Fprintf(&b, "    qty: %d\n", c.Qty)
	fmt.Fprintf(&b, "    stopPrice: \"%s\"\n", c.Stop.StringFixed(2))
	fmt.Fprintf(&b, "    targets:\n      - price: \"%s\"\n        ratioOfPosition: 1.0\n", c.Target.StringFixed(2))
	b.WriteString("execution:\n  entryTimeoutBars: 10\n  rthOnly: true\n")
	fmt.Fprintf(&b, "risk:\n  maxRiskPerTrade: %s\n", c.DollarRiskWorst.StringFixed(2))
	return b.String()
}

func last(bars []types.Bar) types.Bar { return bars[len(bars)-1] }

func rangeHigh(bars []types.Bar, n int) decimal.Decimal {
	if n > len(bars) {
		n = len(bars)
	}
	window := bars[len(bars)-n:]
	hi := window[0].High
	for _, b := range window[1:] {
		hi = utils.MaxDecimal(hi, b.High)
	}
	return hi
}

func rangeLow(bars []types.Bar, n int) decimal.Decimal {
	if n > len(bars) {
		n = len(bars)
	}
	window := bars[len(bars)-n:]
	lo := window[0].Low
	for _, b := range window[1:] {
		lo = utils.MinDecimal(lo, b.Low)
	}
	return lo
}

// genBreakout proposes a long entry just above the recent range high.
func genBreakout(bars []types.Bar) *types.CandidatePlan {
	c := last(bars)
	hi := rangeHigh(bars[:len(bars)-1], 20)
	lo := rangeLow(bars, 20)
	if c.Close.LessThan(hi) {
		return nil
	}
	entryLow := hi
	entryHigh := hi.Add(hi.Sub(lo).Mul(decimal.NewFromFloat(0.02)))
	stop := lo
	target := entryHigh.Add(entryHigh.Sub(stop).Mul(decimal.NewFromInt(3)))
	return &types.CandidatePlan{Name: "breakout_long", Side: types.SideBuy, EntryLow: entryLow, EntryHigh: entryHigh, Stop: stop, Target: target}
}

// genReclaim proposes a long entry reclaiming a broken range low.
func genReclaim(bars []types.Bar) *types.CandidatePlan {
	c := last(bars)
	lo := rangeLow(bars[:len(bars)-1], 20)
	hi := rangeHigh(bars, 20)
	if c.Low.GreaterThan(lo) {
		return nil // never broke below the range, nothing to reclaim
	}
	entryLow := lo
	entryHigh := lo.Add(lo.Mul(decimal.NewFromFloat(0.003)))
	stop := c.Low.Sub(c.Low.Mul(decimal.NewFromFloat(0.005)))
	target := hi
	return &types.CandidatePlan{Name: "reclaim_long", Side: types.SideBuy, EntryLow: entryLow, EntryHigh: entryHigh, Stop: stop, Target: target}
}

// genHOD proposes a long continuation breakout of the high-of-day.
func genHOD(bars []types.Bar) *types.CandidatePlan {
	hod := bars[0].High
	for _, b := range bars {
		hod = utils.MaxDecimal(hod, b.High)
	}
	c := last(bars)
	if c.Close.LessThan(hod.Mul(decimal.NewFromFloat(0.995))) {
		return nil
	}
	entryLow := hod
	entryHigh := hod.Add(hod.Mul(decimal.NewFromFloat(0.002)))
	atr := averageTrueRange(bars, 14)
	stop := entryLow.Sub(atr)
	target := entryHigh.Add(atr.Mul(decimal.NewFromInt(4)))
	return &types.CandidatePlan{Name: "hod_break", Side: types.SideBuy, EntryLow: entryLow, EntryHigh: entryHigh, Stop: stop, Target: target}
}

// genMeanReversion proposes a long entry at the lower range band.
func genMeanReversion(bars []types.Bar) *types.CandidatePlan {
	c := last(bars)
	lo := rangeLow(bars, 20)
	mid := rangeHigh(bars, 20).Add(lo).Div(decimal.NewFromInt(2))
	if c.Close.GreaterThan(lo.Add(lo.Mul(decimal.NewFromFloat(0.01)))) {
		return nil
	}
	entryLow := lo
	entryHigh := lo.Add(lo.Mul(decimal.NewFromFloat(0.004)))
	stop := lo.Sub(lo.Mul(decimal.NewFromFloat(0.006)))
	return &types.CandidatePlan{Name: "mean_reversion_long", Side: types.SideBuy, EntryLow: entryLow, EntryHigh: entryHigh, Stop: stop, Target: mid}
}

// genTrendFollowing proposes a long pullback entry in an established uptrend.
func genTrendFollowing(bars []types.Bar) *types.CandidatePlan {
	if len(bars) < 40 {
		return nil
	}
	first := bars[len(bars)-40].Close
	c := last(bars)
	if c.Close.LessThanOrEqual(first) {
		return nil // not a sustained uptrend over the lookback
	}
	atr := averageTrueRange(bars, 14)
	entryLow := c.Close.Sub(atr.Mul(decimal.NewFromFloat(0.5)))
	entryHigh := c.Close
	stop := entryLow.Sub(atr.Mul(decimal.NewFromFloat(1.5)))
	target := entryHigh.Add(atr.Mul(decimal.NewFromInt(4)))
	return &types.CandidatePlan{Name: "trend_pullback", Side: types.SideBuy, EntryLow: entryLow, EntryHigh: entryHigh, Stop: stop, Target: target}
}

func averageTrueRange(bars []types.Bar, period int) decimal.Decimal {
	if len(bars) < 2 {
		return decimal.Zero
	}
	if period > len(bars)-1 {
		period = len(bars) - 1
	}
	window := bars[len(bars)-period:]
	sum := decimal.Zero
	for i, b := range window {
		prevClose := b.Close
		if i > 0 {
			prevClose = window[i-1].Close
		} else if len(bars) > len(window) {
			prevClose = bars[len(bars)-len(window)-1].Close
		}
		tr := utils.MaxDecimal(b.High.Sub(b.Low), utils.MaxDecimal(b.High.Sub(prevClose).Abs(), b.Low.Sub(prevClose).Abs()))
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}
