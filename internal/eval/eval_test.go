package eval_test

import (
	"testing"

	"github.com/atlasdesk/strategy-orchestrator/internal/eval"
)

func envOf(values map[string]float64) eval.Env {
	return func(name string) (float64, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestEvalArithmeticPrecedence(t *testing.T) {
	v, err := eval.Eval("2 + 3 * 4", envOf(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != eval.KindNumber || v.Num != 14 {
		t.Fatalf("expected 14, got %+v", v)
	}
}

func TestEvalComparisonAndLogic(t *testing.T) {
	env := envOf(map[string]float64{"close": 105, "ema20": 100})
	ok, err := eval.EvalBool("close > ema20 && close < 110", env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to be true")
	}
}

func TestEvalOrAndNot(t *testing.T) {
	env := envOf(map[string]float64{"a": 1, "b": 0})
	ok, err := eval.EvalBool("!(a > 5) || b > 0", env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true: !(1>5) is true")
	}
}

func TestEvalUnknownIdentifierFails(t *testing.T) {
	_, err := eval.Eval("missing_feature > 0", envOf(nil))
	if err == nil {
		t.Fatal("expected an error for an unknown identifier")
	}
	if _, ok := err.(*eval.EvalError); !ok {
		t.Fatalf("expected *eval.EvalError, got %T", err)
	}
}

func TestEvalDivisionByZeroFails(t *testing.T) {
	_, err := eval.Eval("1 / 0", envOf(nil))
	if err == nil {
		t.Fatal("expected an error for division by zero")
	}
}

func TestEvalNumberRequiresNumericResult(t *testing.T) {
	_, err := eval.EvalNumber("1 > 0", envOf(nil))
	if err == nil {
		t.Fatal("expected an error when a bool is used where a number is required")
	}
}

func TestEvalParenthesesOverridePrecedence(t *testing.T) {
	v, err := eval.Eval("(2 + 3) * 4", envOf(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Num != 20 {
		t.Fatalf("expected 20, got %f", v.Num)
	}
}

func TestEvalTrailingInputFails(t *testing.T) {
	_, err := eval.Eval("1 + 1 foo", envOf(nil))
	if err == nil {
		t.Fatal("expected an error for trailing input after a complete expression")
	}
}

func TestEvalBoolLiterals(t *testing.T) {
	ok, err := eval.EvalBool("true && !false", envOf(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true && !false to be true")
	}
}
