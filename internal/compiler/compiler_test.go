package compiler_test

import (
	"testing"

	"github.com/atlasdesk/strategy-orchestrator/internal/compiler"
)

const validPlanYAML = `
meta:
  name: orb_breakout
  symbol: AAPL
  timeframe: 5m
features:
  - name: range_high_20
  - name: range_low_20
  - name: atr
rules:
  arm: close > range_high_20
  trigger: close > range_high_20 + atr * 0.1
  invalidate: close < range_low_20
orderPlans:
  triggered:
    side: buy
    entryZone: ["close - atr * 0.05", "close + atr * 0.05"]
    qty: 100
    stopPrice: "range_low_20"
    targets:
      - price: "close + atr * 2"
        ratioOfPosition: 0.5
      - price: "close + atr * 4"
        ratioOfPosition: 0.5
execution:
  entryTimeoutBars: 5
  rthOnly: true
risk:
  maxRiskPerTrade: 100
`

func TestCompileValidPlan(t *testing.T) {
	ir, err := compiler.Compile(validPlanYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ir.Timeframe != "5m" {
		t.Fatalf("expected timeframe 5m, got %q", ir.Timeframe)
	}
	if len(ir.Features) != 3 {
		t.Fatalf("expected 3 features, got %d", len(ir.Features))
	}
	if _, ok := ir.OrderPlans["triggered"]; !ok {
		t.Fatal("expected an order plan keyed by the triggered state")
	}
}

func TestCompileMissingSymbolFails(t *testing.T) {
	_, err := compiler.Compile(`
meta:
  name: x
  timeframe: 5m
rules:
  trigger: "true"
`)
	if err == nil {
		t.Fatal("expected a compilation error for missing meta.symbol")
	}
	if _, ok := err.(*compiler.CompilationError); !ok {
		t.Fatalf("expected *compiler.CompilationError, got %T", err)
	}
}

func TestCompileUnknownFeatureFails(t *testing.T) {
	_, err := compiler.Compile(`
meta:
  name: x
  symbol: AAPL
  timeframe: 5m
features:
  - name: not_a_real_indicator
rules:
  trigger: "true"
`)
	if err == nil {
		t.Fatal("expected a compilation error for an unreserved feature name")
	}
}

func TestCompileInvalidTimeframeFails(t *testing.T) {
	_, err := compiler.Compile(`
meta:
  name: x
  symbol: AAPL
  timeframe: 3q
rules:
  trigger: "true"
`)
	if err == nil {
		t.Fatal("expected a compilation error for an invalid timeframe")
	}
}

func TestCompileBadEntryZoneArityFails(t *testing.T) {
	_, err := compiler.Compile(`
meta:
  name: x
  symbol: AAPL
  timeframe: 5m
rules:
  trigger: "true"
orderPlans:
  triggered:
    side: buy
    entryZone: ["close"]
    qty: 1
    stopPrice: "close - 1"
`)
	if err == nil {
		t.Fatal("expected a compilation error for an entryZone without exactly two expressions")
	}
}

func TestTerminalStatesByTopology(t *testing.T) {
	ir, err := compiler.Compile(validPlanYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	terminal := compiler.TerminalStates(ir)
	if !terminal["exited"] {
		t.Fatal("expected exited to be terminal (no outgoing transition)")
	}
	if terminal["init"] {
		t.Fatal("init has an outgoing transition and should not be terminal")
	}
}

func TestParseMetaOnlyReadsHeader(t *testing.T) {
	meta, err := compiler.ParseMeta(validPlanYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Name != "orb_breakout" || meta.Symbol != "AAPL" || meta.Timeframe != "5m" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestParseMetaMissingNameFails(t *testing.T) {
	_, err := compiler.ParseMeta(`
meta:
  symbol: AAPL
  timeframe: 5m
`)
	if err == nil {
		t.Fatal("expected an error for a missing meta.name")
	}
}
