// Package expressions evaluates the expression languages used by plans and
// resolves references into the execution tree.
//
// Three engines: CEL for `when` conditions, expr-lang for skip conditions and
// the Expr step, gojq for the JQ step. The Functor and the Interpolator give
// step parameters and conditions late-bound access to node statuses, outputs
// and outcomes.
package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/pms/pkg/schema"
)

// Engine evaluates one expression language.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the three engines.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds all engines.
func NewEngines() (*Engines, error) {
	c, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: c, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// EvalBool evaluates a condition that must produce a boolean.
func EvalBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s condition %q returned %s, want bool", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
