package proposer_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasdesk/strategy-orchestrator/internal/proposer"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

func ascendingBars(n int, from, to float64) []types.Bar {
	bars := make([]types.Bar, n)
	ts := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC).UnixMilli()
	step := (to - from) / float64(n-1)
	for i := 0; i < n; i++ {
		close := from + step*float64(i)
		bars[i] = types.Bar{
			Symbol: "AAPL", Timeframe: "5m", Timestamp: ts + int64(i)*5*60_000,
			Open: decimal.NewFromFloat(close - 0.1), High: decimal.NewFromFloat(close + 0.2),
			Low: decimal.NewFromFloat(close - 0.3), Close: decimal.NewFromFloat(close), Volume: 10_000,
		}
	}
	return bars
}

func TestProposeRequiresMinimumHistory(t *testing.T) {
	reg := proposer.NewRegistry()
	bars := ascendingBars(10, 100, 101)
	if got := proposer.Propose(reg, "AAPL", bars, proposer.DefaultParams()); got != nil {
		t.Fatalf("expected no candidates with fewer than 20 bars, got %d", len(got))
	}
}

func TestProposeBullishTrendYieldsQualifyingLongCandidate(t *testing.T) {
	reg := proposer.NewRegistry()
	bars := ascendingBars(100, 100, 110)
	candidates := proposer.Propose(reg, "AAPL", bars, proposer.DefaultParams())
	if len(candidates) == 0 {
		t.Fatal("expected at least one gated candidate from a clean ascending trend")
	}

	best := candidates[0]
	if best.Side != types.SideBuy {
		t.Fatalf("expected the best candidate to be a long, got %v", best.Side)
	}
	familyPattern := regexp.MustCompile(`breakout|reclaim|hod`)
	if !familyPattern.MatchString(best.Family) {
		t.Fatalf("expected family to match breakout|reclaim|hod, got %q", best.Family)
	}
	if best.RRWorst < 3.0 {
		t.Fatalf("expected worst-case R:R >= 3.0, got %f", best.RRWorst)
	}
	if best.DollarRiskWorst.GreaterThan(decimal.NewFromInt(100)) {
		t.Fatalf("expected dollar risk <= 100, got %s", best.DollarRiskWorst)
	}
}

func TestProposeRanksBestCandidateFirst(t *testing.T) {
	reg := proposer.NewRegistry()
	bars := ascendingBars(100, 100, 110)
	candidates := proposer.Propose(reg, "AAPL", bars, proposer.DefaultParams())
	for i := 1; i < len(candidates); i++ {
		if candidates[i-1].Grade > candidates[i].Grade {
			t.Fatalf("expected candidates sorted by ascending grade letter, got %q before %q",
				candidates[i-1].Grade, candidates[i].Grade)
		}
	}
}

func TestProposeIsDeterministicGivenIdenticalBars(t *testing.T) {
	reg := proposer.NewRegistry()
	bars := ascendingBars(100, 100, 110)

	first := proposer.Propose(reg, "AAPL", bars, proposer.DefaultParams())
	second := proposer.Propose(reg, "AAPL", bars, proposer.DefaultParams())

	if len(first) != len(second) {
		t.Fatalf("expected identical candidate counts, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].RobustnessPct != second[i].RobustnessPct {
			t.Fatalf("expected robustness percentile to be deterministic, got %f vs %f",
				first[i].RobustnessPct, second[i].RobustnessPct)
		}
		if first[i].Grade != second[i].Grade {
			t.Fatalf("expected identical grades across repeated calls, got %q vs %q", first[i].Grade, second[i].Grade)
		}
	}
}

func TestRenderYAMLProducesCompilableSections(t *testing.T) {
	reg := proposer.NewRegistry()
	bars := ascendingBars(100, 100, 110)
	candidates := proposer.Propose(reg, "AAPL", bars, proposer.DefaultParams())
	if len(candidates) == 0 {
		t.Fatal("expected at least one candidate to render")
	}
	text := proposer.RenderYAML("AAPL", "5m", candidates[0])
	for _, section := range []string{"meta:", "features:", "rules:", "orderPlans:", "execution:", "risk:"} {
		if !contains(text, section) {
			t.Fatalf("expected rendered YAML to contain %q, got:\n%s", section, text)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
