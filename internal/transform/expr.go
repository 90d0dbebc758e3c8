package transform

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
)

// exprEnv is the restricted evaluation environment spec §4.5 requires for
// CALCULATION/CONDITIONAL rules: the input document and a small math
// library, nothing else. expr-lang/expr's VM has no file, network, or
// reflection-driven side-effect surface by construction, so this is the
// "no arbitrary code execution" sandbox the spec calls for without
// hand-rolling one.
type exprEnv struct {
	Doc  map[string]interface{} `expr:"doc"`
	Math mathLib                `expr:"math"`
}

type mathLib struct{}

func (mathLib) Round(f float64) float64  { return math.Round(f) }
func (mathLib) Floor(f float64) float64  { return math.Floor(f) }
func (mathLib) Ceil(f float64) float64   { return math.Ceil(f) }
func (mathLib) Abs(f float64) float64    { return math.Abs(f) }
func (mathLib) Max(a, b float64) float64 { return math.Max(a, b) }
func (mathLib) Min(a, b float64) float64 { return math.Min(a, b) }

// evalExpression compiles and runs expression against doc, exposing it as
// `doc` and the restricted math helpers as `math`.
func evalExpression(expression string, doc map[string]interface{}) (interface{}, error) {
	env := exprEnv{Doc: doc, Math: mathLib{}}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return out, nil
}

// evalCondition runs expression and coerces the result to bool, for
// CONDITIONAL rules.
func evalCondition(expression string, doc map[string]interface{}) (bool, error) {
	out, err := evalExpression(expression, doc)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", expression, out)
	}
	return b, nil
}
