// Package compiler implements the Plan Compiler (C4): parses a plan's
// structured-text configuration into the CompiledIR the strategy engine
// executes. Plan text is YAML (gopkg.in/yaml.v3), the section shape the
// rest of the ecosystem's config-driven bots use for this kind of document.
package compiler

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atlasdesk/strategy-orchestrator/internal/eval"
	"github.com/atlasdesk/strategy-orchestrator/internal/indicators"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
	"github.com/atlasdesk/strategy-orchestrator/pkg/utils"
)

// CompilationError wraps a schema or expression-syntax violation.
type CompilationError struct {
	Reason string
}

func (e *CompilationError) Error() string { return "compilation error: " + e.Reason }

func fail(format string, args ...any) error {
	return &CompilationError{Reason: fmt.Sprintf(format, args...)}
}

// planDoc mirrors the YAML document shape described in spec §6.
type planDoc struct {
	Meta struct {
		Name      string `yaml:"name"`
		Symbol    string `yaml:"symbol"`
		Timeframe string `yaml:"timeframe"`
	} `yaml:"meta"`
	Features []featureDoc `yaml:"features"`
	Rules    struct {
		Arm        string `yaml:"arm"`
		Trigger    string `yaml:"trigger"`
		Invalidate string `yaml:"invalidate"`
	} `yaml:"rules"`
	OrderPlans map[string]orderPlanDoc `yaml:"orderPlans"`
	Execution  struct {
		EntryTimeoutBars int    `yaml:"entryTimeoutBars"`
		RTHOnly          bool   `yaml:"rthOnly"`
		FreezeLevelsOn   string `yaml:"freezeLevelsOn"`
	} `yaml:"execution"`
	Risk struct {
		MaxRiskPerTrade float64 `yaml:"maxRiskPerTrade"`
	} `yaml:"risk"`
}

type featureDoc struct {
	Name string `yaml:"name"`
}

type orderPlanDoc struct {
	Side      string   `yaml:"side"`
	EntryZone []string `yaml:"entryZone"` // [loExpr, hiExpr]
	Qty       int64    `yaml:"qty"`
	StopPrice string   `yaml:"stopPrice"`
	Targets   []struct {
		Price           string  `yaml:"price"`
		RatioOfPosition float64 `yaml:"ratioOfPosition"`
	} `yaml:"targets"`
}

// Meta is the plan's identifying header, exposed separately from the full
// CompiledIR for callers (the planctl CLI) that only need to label a plan
// before it has been activated.
type Meta struct {
	Name      string
	Symbol    string
	Timeframe string
}

// ParseMeta reads only the meta{} section, for callers that need to label a
// plan without running full compilation.
func ParseMeta(yamlContent string) (Meta, error) {
	var doc planDoc
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil {
		return Meta{}, fail("invalid YAML: %v", err)
	}
	if doc.Meta.Symbol == "" {
		return Meta{}, fail("meta.symbol is required")
	}
	if doc.Meta.Name == "" {
		return Meta{}, fail("meta.name is required")
	}
	if doc.Meta.Timeframe == "" {
		return Meta{}, fail("meta.timeframe is required")
	}
	return Meta{Name: doc.Meta.Name, Symbol: doc.Meta.Symbol, Timeframe: doc.Meta.Timeframe}, nil
}

// Compile parses YAML plan text into a CompiledIR, or fails with
// *CompilationError on schema violations, unknown feature names, or
// expressions that fail syntactic validation.
func Compile(yamlContent string) (*types.CompiledIR, error) {
	var doc planDoc
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil {
		return nil, fail("invalid YAML: %v", err)
	}

	if doc.Meta.Symbol == "" {
		return nil, fail("meta.symbol is required")
	}
	if doc.Meta.Name == "" {
		return nil, fail("meta.name is required")
	}
	if doc.Meta.Timeframe == "" {
		return nil, fail("meta.timeframe is required")
	}
	if _, err := utils.ParseTimeframe(doc.Meta.Timeframe); err != nil {
		return nil, fail("meta.timeframe invalid: %v", err)
	}

	features := make([]types.FeatureSpec, 0, len(doc.Features))
	for _, f := range doc.Features {
		if !indicators.ReservedFeatureNames[f.Name] {
			return nil, fail("unknown feature name %q", f.Name)
		}
		features = append(features, types.FeatureSpec{Name: f.Name, Kind: f.Name})
	}

	for name, expr := range map[string]string{
		"rules.arm": doc.Rules.Arm, "rules.trigger": doc.Rules.Trigger, "rules.invalidate": doc.Rules.Invalidate,
	} {
		if expr == "" {
			continue
		}
		if err := eval.Validate(expr); err != nil {
			return nil, fail("%s: %v", name, err)
		}
	}

	states := []string{"init"}
	transitions := []types.Transition{}
	if doc.Rules.Arm != "" {
		states = append(states, "armed")
		transitions = append(transitions, types.Transition{From: "init", To: "armed", When: doc.Rules.Arm})
	}
	if doc.Rules.Trigger != "" {
		states = append(states, "triggered", "placed", "managing", "exited")
		from := "init"
		if doc.Rules.Arm != "" {
			from = "armed"
		}
		transitions = append(transitions, types.Transition{From: from, To: "triggered", When: doc.Rules.Trigger})
		transitions = append(transitions, types.Transition{From: "triggered", To: "placed", When: "true"})
		transitions = append(transitions, types.Transition{From: "placed", To: "managing", When: "true"})
	}
	if doc.Rules.Invalidate != "" {
		// invalidate edges to exited are added from armed and triggered; the
		// unconditional triggered->placed edge is listed first, so only the
		// edge from armed can fire.
		for _, from := range []string{"armed", "triggered"} {
			if contains(states, from) {
				transitions = append(transitions, types.Transition{From: from, To: "exited", When: doc.Rules.Invalidate})
			}
		}
	}

	orderPlans := map[string]types.OrderPlan{}
	for state, op := range doc.OrderPlans {
		if len(op.EntryZone) != 2 {
			return nil, fail("orderPlans[%s].entryZone must have exactly two expressions", state)
		}
		for _, expr := range append([]string{op.EntryZone[0], op.EntryZone[1], op.StopPrice}, targetExprs(op)...) {
			if err := eval.Validate(expr); err != nil {
				return nil, fail("orderPlans[%s]: %v", state, err)
			}
		}
		side := types.SideBuy
		if op.Side == "sell" {
			side = types.SideSell
		}
		targets := make([]types.TargetSpec, 0, len(op.Targets))
		for _, t := range op.Targets {
			targets = append(targets, types.TargetSpec{PriceExpr: t.Price, RatioOfPosition: t.RatioOfPosition})
		}
		orderPlans[state] = types.OrderPlan{
			Side:          side,
			EntryZoneLow:  op.EntryZone[0],
			EntryZoneHigh: op.EntryZone[1],
			Qty:           op.Qty,
			StopPriceExpr: op.StopPrice,
			Targets:       targets,
		}
	}

	return &types.CompiledIR{
		Timeframe:   doc.Meta.Timeframe,
		Features:    features,
		States:      states,
		Transitions: transitions,
		OrderPlans:  orderPlans,
		Execution: types.ExecutionConfig{
			EntryTimeoutBars: doc.Execution.EntryTimeoutBars,
			RTHOnly:          doc.Execution.RTHOnly,
			FreezeLevelsOn:   doc.Execution.FreezeLevelsOn,
		},
		Risk: types.RiskConfig{MaxRiskPerTrade: decimal.NewFromFloat(doc.Risk.MaxRiskPerTrade)},
	}, nil
}

func targetExprs(op orderPlanDoc) []string {
	out := make([]string, 0, len(op.Targets))
	for _, t := range op.Targets {
		out = append(out, t.Price)
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// TerminalStates returns the states in ir that have no outgoing transition —
// per spec these are terminal by topology, independent of naming (the spec's
// open question on `exited` states with a transition back to `armed` is
// resolved in favor of the topological rule: a state remains non-terminal if
// any transition names it as `from`, regardless of its name).
func TerminalStates(ir *types.CompiledIR) map[string]bool {
	hasOutgoing := map[string]bool{}
	for _, t := range ir.Transitions {
		hasOutgoing[t.From] = true
	}
	terminal := map[string]bool{}
	for _, s := range ir.States {
		if !hasOutgoing[s] {
			terminal[s] = true
		}
	}
	return terminal
}

// streamingFragments lists the state-name fragments for which
// RequiresStreaming reports true, by substring match.
var streamingFragments = []string{"armed", "managing", "placed", "trigger", "exited", "position_open", "position_monitoring"}

func RequiresStreaming(state string) bool {
	for _, frag := range streamingFragments {
		if containsFold(state, frag) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	// states are lower_snake_case in practice; a simple substring check
	// is sufficient and keeps this free of extra imports.
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
