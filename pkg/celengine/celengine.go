package celengine

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

// BuildCelEnvFromAttributes declares one CEL variable per attribute, typed
// from the sample value.
func BuildCelEnvFromAttributes(attrs map[string]any) (*cel.Env, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	variables := make([]cel.EnvOption, 0, len(keys))
	for _, key := range keys {
		switch attrs[key].(type) {
		case string:
			variables = append(variables, cel.Variable(key, cel.StringType))
		case int, int32, int64:
			variables = append(variables, cel.Variable(key, cel.IntType))
		case float32, float64:
			variables = append(variables, cel.Variable(key, cel.DoubleType))
		case bool:
			variables = append(variables, cel.Variable(key, cel.BoolType))
		case map[string]any:
			variables = append(variables, cel.Variable(key, cel.MapType(cel.StringType, cel.DynType)))
		case []any, []string:
			variables = append(variables, cel.Variable(key, cel.ListType(cel.DynType)))
		default:
			variables = append(variables, cel.Variable(key, cel.DynType))
		}
	}

	return cel.NewEnv(variables...)
}

func ValidateExpression(env *cel.Env, expr string) error {
	_, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	return nil
}

type rule struct {
	expr string
	prg  cel.Program
}

// RuleSet is a compiled list of boolean expressions. A request matches when
// any expression evaluates to true.
type RuleSet struct {
	rules []rule
}

// NewRuleSet compiles exprs against the variables described by schema.
func NewRuleSet(schema map[string]any, exprs ...string) (*RuleSet, error) {
	env, err := BuildCelEnvFromAttributes(schema)
	if err != nil {
		return nil, err
	}

	rs := &RuleSet{}
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must return bool, got %s", expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", expr, err)
		}
		rs.rules = append(rs.rules, rule{expr: expr, prg: prg})
	}

	return rs, nil
}

func (r *RuleSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Match returns the first expression that evaluates to true.
func (r *RuleSet) Match(attrs map[string]any) (string, bool, error) {
	if r == nil {
		return "", false, nil
	}
	for _, rl := range r.rules {
		out, _, err := rl.prg.Eval(attrs)
		if err != nil {
			return "", false, fmt.Errorf("eval %q: %w", rl.expr, err)
		}
		if b, ok := out.Value().(bool); ok && b {
			return rl.expr, true, nil
		}
	}
	return "", false, nil
}
