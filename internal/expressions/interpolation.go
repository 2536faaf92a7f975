package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/pms/internal/resolver"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// Namespaces understood inside ${{ ... }}.
const (
	NamespacePipeline = "pipeline"
	NamespaceStage    = "stage"
	NamespaceOutput   = "output"
	NamespaceOutcome  = "outcome"
	NamespaceAmbiance = "ambiance"
)

var namespaces = []string{NamespacePipeline, NamespaceStage, NamespaceOutput, NamespaceOutcome, NamespaceAmbiance}

// Scope is what a node may reference. Pipeline and Stage are nil when the
// node has no such ancestor yet.
type Scope struct {
	Ambiance ambiance.Ambiance
	Pipeline *Functor
	Stage    *Functor
	Outputs  *resolver.Service
	Outcomes *resolver.Service
}

// Data renders the scope as the variable map conditions are evaluated on:
// pipeline and stage as materialized trees, step as the current Level,
// ambiance as execution metadata.
func (s *Scope) Data(ctx context.Context) (map[string]any, error) {
	data := map[string]any{NamespaceAmbiance: ambianceMap(s.Ambiance)}
	for name, f := range map[string]*Functor{NamespacePipeline: s.Pipeline, NamespaceStage: s.Stage} {
		if f == nil {
			continue
		}
		m, err := f.Materialize(ctx)
		if err != nil {
			return nil, err
		}
		data[name] = m
	}
	if l, ok := s.Ambiance.CurrentLevel(); ok {
		data["step"] = map[string]any{
			"identifier": l.Identifier,
			"type":       l.StepType,
			"runtime_id": l.RuntimeID,
		}
	}
	return data, nil
}

// Interpolator resolves ${{ ... }} references inside JSON step parameters.
// A string that is exactly one reference is replaced by the referenced value
// with its JSON type; references embedded in longer strings are stringified.
type Interpolator struct{}

func NewInterpolator() *Interpolator { return &Interpolator{} }

// Resolve returns raw with every reference replaced.
func (in *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "step parameters are not valid JSON").WithCause(err)
	}
	out, err := in.walk(ctx, doc, scope)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "encode interpolated parameters").WithCause(err)
	}
	return b, nil
}

func (in *Interpolator) walk(ctx context.Context, v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			r, err := in.walk(ctx, child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			r, err := in.walk(ctx, child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return in.String(ctx, t, scope)
	}
	return v, nil
}

// String interpolates one string. When s is a single reference the value
// keeps its type.
func (in *Interpolator) String(ctx context.Context, s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	var b strings.Builder
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 3
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := in.Expr(ctx, expr, scope)
		if err != nil {
			return nil, err
		}
		if i+idx == 0 && end+2 == len(s) {
			return val, nil
		}
		b.WriteString(stringify(val))
		i = end + 2
	}
	return b.String(), nil
}

// Expr resolves a single reference such as "stage.steps.build.output.image".
func (in *Interpolator) Expr(ctx context.Context, expr string, scope *Scope) (any, error) {
	ns, rest, _ := strings.Cut(expr, ".")
	switch ns {
	case NamespacePipeline, NamespaceStage:
		f := scope.Pipeline
		if ns == NamespaceStage {
			f = scope.Stage
		}
		if f == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"%s is not available from %s", ns, scope.Ambiance.CurrentRuntimeID()).
				WithDetails(map[string]any{"expression": expr})
		}
		return f.Resolve(ctx, rest)
	case NamespaceOutput, NamespaceOutcome:
		svc := scope.Outputs
		if ns == NamespaceOutcome {
			svc = scope.Outcomes
		}
		return resolveNamed(ctx, svc, scope.Ambiance, expr, rest)
	case NamespaceAmbiance:
		return walkDocument(ambianceMap(scope.Ambiance), rest, expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", ns, expr, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": namespaces})
	}
}

// resolveNamed looks up <name>[.path] with a resolver from a. A miss keeps
// the resolver's not-found code so callers can tell it from a bad path.
func resolveNamed(ctx context.Context, svc *resolver.Service, a ambiance.Ambiance, expr, rest string) (any, error) {
	name, path, _ := strings.Cut(rest, ".")
	if name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected <namespace>.<name>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	if svc == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "no resolver for %q", expr)
	}
	raw, err := svc.Resolve(ctx, a, name)
	if err != nil {
		return nil, err
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return walkDocument(doc, path, expr)
}

func walkDocument(doc any, path, expr string) (any, error) {
	if path == "" {
		return doc, nil
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty segment in path %q", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		next, err := index(cur, seg, expr)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func ambianceMap(a ambiance.Ambiance) map[string]any {
	md := a.Metadata
	return map[string]any{
		"plan_execution_id": a.PlanExecutionID,
		"plan_id":           a.PlanID,
		"account_id":        md.AccountID,
		"org_id":            md.OrgID,
		"project_id":        md.ProjectID,
		"triggered_by":      md.TriggeredBy,
		"principal": map[string]any{
			"id":   md.Principal.ID,
			"type": md.Principal.Type,
		},
	}
}

// stringify renders a value embedded in a longer string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, float64, int, int64:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// HasInterpolation reports whether raw contains a ${{ reference.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
