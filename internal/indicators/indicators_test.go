package indicators_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/internal/indicators"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

func barsOf(closes []float64) []types.Bar {
	out := make([]types.Bar, len(closes))
	ts := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC).UnixMilli()
	for i, c := range closes {
		out[i] = types.Bar{
			Timestamp: ts + int64(i)*60_000,
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + 0.5),
			Low:       decimal.NewFromFloat(c - 0.5),
			Close:     decimal.NewFromFloat(c),
			Volume:    1000,
		}
	}
	return out
}

func TestEMAInsufficientHistory(t *testing.T) {
	bars := barsOf([]float64{1, 2, 3})
	if _, ok := indicators.EMA(bars, 20); ok {
		t.Fatal("expected EMA to report insufficient history")
	}
}

func TestEMAConvergesTowardFlatSeries(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100
	}
	bars := barsOf(closes)
	v, ok := indicators.EMA(bars, 20)
	if !ok {
		t.Fatal("expected EMA to be computable")
	}
	if v < 99.99 || v > 100.01 {
		t.Fatalf("expected EMA of flat series near 100, got %f", v)
	}
}

func TestRangeHighLowMid(t *testing.T) {
	bars := barsOf([]float64{10, 12, 8, 15, 9, 11, 13, 7, 14, 10,
		10, 12, 8, 15, 9, 11, 13, 7, 14, 10})
	hi, ok := indicators.RangeHigh(bars, 20)
	if !ok || hi != 15.5 {
		t.Fatalf("expected range high 15.5, got %f (ok=%v)", hi, ok)
	}
	lo, ok := indicators.RangeLow(bars, 20)
	if !ok || lo != 6.5 {
		t.Fatalf("expected range low 6.5, got %f (ok=%v)", lo, ok)
	}
	mid, ok := indicators.RangeMid(bars, 20)
	if !ok || mid != 11.0 {
		t.Fatalf("expected range mid 11.0, got %f (ok=%v)", mid, ok)
	}
}

func TestHODLODUseOnlyPassedBars(t *testing.T) {
	bars := barsOf([]float64{100, 105, 95, 110})
	hod, ok := indicators.HOD(bars)
	if !ok || hod != 110.5 {
		t.Fatalf("expected hod 110.5, got %f", hod)
	}
	lod, ok := indicators.LOD(bars)
	if !ok || lod != 94.5 {
		t.Fatalf("expected lod 94.5, got %f", lod)
	}
}

func TestRSIBoundedZeroToHundred(t *testing.T) {
	closes := make([]float64, 20)
	price := 100.0
	for i := range closes {
		price += 1
		closes[i] = price
	}
	bars := barsOf(closes)
	v, ok := indicators.RSI(bars, 14)
	if !ok {
		t.Fatal("expected RSI to be computable")
	}
	if v < 0 || v > 100 {
		t.Fatalf("RSI out of bounds: %f", v)
	}
	if v < 90 {
		t.Fatalf("expected RSI near 100 for a strictly rising series, got %f", v)
	}
}

func TestComputeUnknownFeatureFails(t *testing.T) {
	bars := barsOf([]float64{1, 2, 3})
	if _, ok := indicators.Compute("not_a_real_feature", bars); ok {
		t.Fatal("expected Compute to report failure for an unrecognized name")
	}
}

func TestComputeCloseIsLastBar(t *testing.T) {
	bars := barsOf([]float64{1, 2, 3.5})
	v, ok := indicators.Compute("close", bars)
	if !ok || v != 3.5 {
		t.Fatalf("expected close 3.5, got %f (ok=%v)", v, ok)
	}
}

func TestReservedFeatureNamesMatchSchema(t *testing.T) {
	for _, name := range []string{
		"close", "open", "high", "low", "volume", "ema20", "vwap",
		"bb_upper", "bb_middle", "bb_lower", "adx",
		"range_high_20", "range_low_20", "range_mid_20",
		"range_high_40", "range_low_40", "hod", "lod", "atr", "rsi",
	} {
		if !indicators.ReservedFeatureNames[name] {
			t.Errorf("expected %q to be a reserved feature name", name)
		}
	}
}
