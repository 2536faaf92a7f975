package expressions

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/pms/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions: skip conditions and the Expr
// step. Undefined variables evaluate to nil rather than failing compilation.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (or reuses) expression and runs it with data as the
// environment. Programs are compiled against data, so its keys shadow
// builtins of the same name (count, len, filter); the cache is keyed by
// expression and env shape.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}
	prg, err := e.cache.get(expression+"\x00"+envShape(env), func() (*vm.Program, error) {
		p, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"expr compile error in %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// envShape lists the top-level keys of env with their dynamic types.
func envShape(env map[string]any) string {
	parts := make([]string, 0, len(env))
	for k, v := range env {
		parts = append(parts, fmt.Sprintf("%s:%T", k, v))
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}

var _ Engine = (*ExprEngine)(nil)
