package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/internal/expressions"
	"github.com/rendis/pms/pkg/schema"
)

const echoSchema = `{
  "type": "object",
  "properties": {
    "message": {},
    "outputs": {"type": "object"},
    "group": {"type": "string"},
    "outcomes": {"type": "object"}
  }
}`

const exprSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "data": {},
    "assert": {"type": "boolean", "default": false},
    "output": {"type": "string"}
  },
  "required": ["expression"]
}`

const jqSchema = `{
  "type": "object",
  "properties": {
    "filter": {"type": "string", "minLength": 1},
    "input": {},
    "output": {"type": "string"}
  },
  "required": ["filter"]
}`

// --- Echo ---

// Echo publishes its parameters: each entry of outputs as a sweeping output
// bound by group, outcomes at the node's own scope, and message as the node
// output.
type Echo struct {
	p params
}

type echoParams struct {
	Message  any            `json:"message"`
	Outputs  map[string]any `json:"outputs"`
	Group    string         `json:"group"`
	Outcomes map[string]any `json:"outcomes"`
}

func (s *Echo) ExecuteSync(ctx context.Context, pkg engine.InvokerPackage) (*engine.StepResponse, error) {
	var p echoParams
	if err := s.p.decode("Echo", echoSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(p.Outputs) {
		if _, err := pkg.Outputs.Consume(ctx, pkg.Ambiance, name, p.Outputs[name], p.Group); err != nil {
			return nil, err
		}
	}
	out, err := json.Marshal(map[string]any{"message": p.Message})
	if err != nil {
		return nil, err
	}
	return &engine.StepResponse{Status: schema.StatusSucceeded, Output: out, Outcomes: p.Outcomes}, nil
}

// --- Expr ---

// Expr evaluates an expr-lang expression over its data. With assert set a
// result other than true fails the node.
type Expr struct {
	p      params
	engine *expressions.ExprEngine
}

type exprParams struct {
	Expression string `json:"expression"`
	Data       any    `json:"data"`
	Assert     bool   `json:"assert"`
	Output     string `json:"output"`
}

func (s *Expr) ExecuteSync(ctx context.Context, pkg engine.InvokerPackage) (*engine.StepResponse, error) {
	var p exprParams
	if err := s.p.decode("Expr", exprSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	result, err := s.engine.Evaluate(ctx, p.Expression, map[string]any{"data": p.Data})
	if err != nil {
		return nil, err
	}
	return conclude(ctx, pkg, p.Output, result, p.Assert, p.Expression)
}

// --- JQ ---

// JQ runs a jq filter over {"input": <input>}. One result is returned as is,
// several as a list.
type JQ struct {
	p      params
	engine *expressions.GoJQEngine
}

type jqParams struct {
	Filter string `json:"filter"`
	Input  any    `json:"input"`
	Output string `json:"output"`
}

func (s *JQ) ExecuteSync(ctx context.Context, pkg engine.InvokerPackage) (*engine.StepResponse, error) {
	var p jqParams
	if err := s.p.decode("JQ", jqSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	result, err := s.engine.Evaluate(ctx, p.Filter, map[string]any{"input": p.Input})
	if err != nil {
		return nil, err
	}
	return conclude(ctx, pkg, p.Output, result, false, p.Filter)
}

// conclude publishes result under output (when named) and wraps it as the
// node output.
func conclude(ctx context.Context, pkg engine.InvokerPackage, output string, result any, assert bool, expression string) (*engine.StepResponse, error) {
	if output != "" {
		if _, err := pkg.Outputs.Consume(ctx, pkg.Ambiance, output, result, ""); err != nil {
			return nil, err
		}
	}
	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal result: %v", err)
	}
	resp := &engine.StepResponse{Status: schema.StatusSucceeded, Output: out}
	if assert && result != true {
		resp.Status = schema.StatusFailed
		resp.Failure = &schema.FailureInfo{
			Message: fmt.Sprintf("assertion %q evaluated to %v", expression, result),
			Types:   []schema.FailureType{schema.FailureVerification},
		}
	}
	return resp, nil
}
