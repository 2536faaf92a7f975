// Package steps provides the builtin step types: inline computation (Echo,
// Expr, JQ), human approval gates and delegated shell and HTTP work.
package steps

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/rendis/pms/internal/delegate"
	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/internal/expressions"
	"github.com/rendis/pms/internal/validation"
	"github.com/rendis/pms/pkg/schema"
)

// Task types handled by the local dispatcher.
const (
	TaskShell = "shell"
	TaskHTTP  = "http"
)

// Config configures the builtin steps and their task handlers.
type Config struct {
	Shell  ShellConfig
	HTTP   HTTPConfig
	Logger *slog.Logger
}

// Builtin describes one builtin step type.
type Builtin struct {
	Type        string          `json:"type"`
	Mode        string          `json:"mode"`
	Description string          `json:"description"`
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`
	Exec        any             `json:"-"`
}

// params validates raw against a step's parameter schema and decodes it.
type params struct {
	schemas *validation.JSONSchemaValidator
}

func (p params) decode(stepType, paramSchema string, raw json.RawMessage, into any) error {
	if p.schemas != nil {
		if err := p.schemas.ValidateParams(raw, []byte(paramSchema)); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid parameters: %s", stepType, err.Error()).WithCause(err)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: decode parameters: %s", stepType, err.Error()).WithCause(err)
	}
	return nil
}

// Builtins returns every builtin step type.
func Builtins(engines *expressions.Engines, schemas *validation.JSONSchemaValidator, logger *slog.Logger) []Builtin {
	if logger == nil {
		logger = slog.Default()
	}
	p := params{schemas: schemas}
	return []Builtin{
		{Type: "Echo", Mode: string(schema.ModeSync), Description: "Publish values as sweeping outputs and outcomes", ParamSchema: json.RawMessage(echoSchema), Exec: &Echo{p: p}},
		{Type: "Expr", Mode: string(schema.ModeSync), Description: "Evaluate an expr-lang expression, optionally asserting it holds", ParamSchema: json.RawMessage(exprSchema), Exec: &Expr{p: p, engine: engines.Expr}},
		{Type: "JQ", Mode: string(schema.ModeSync), Description: "Run a jq filter over an input document", ParamSchema: json.RawMessage(jqSchema), Exec: &JQ{p: p, engine: engines.JQ}},
		{Type: "Approval", Mode: string(schema.ModeAsync), Description: "Wait for a human approval delivered to the callback id", ParamSchema: json.RawMessage(approvalSchema), Exec: &Approval{p: p, logger: logger}},
		{Type: "ShellScript", Mode: string(schema.ModeTask), Description: "Run a command on the shell task executor", ParamSchema: json.RawMessage(shellSchema), Exec: &ShellScript{p: p}},
		{Type: "Http", Mode: string(schema.ModeTask), Description: "Send an HTTP request from the http task executor", ParamSchema: json.RawMessage(httpSchema), Exec: &HTTP{p: p}},
		{Type: "Rollout", Mode: string(schema.ModeTaskChain), Description: "Run a command against each target in turn, stopping at the first failure", ParamSchema: json.RawMessage(rolloutSchema), Exec: &Rollout{p: p}},
	}
}

// Register adds the builtin step types to reg and their task handlers to
// tasks. tasks may be nil when no delegated step is used.
func Register(reg *engine.StepRegistry, tasks *delegate.LocalDispatcher, engines *expressions.Engines, schemas *validation.JSONSchemaValidator, cfg Config) error {
	for _, b := range Builtins(engines, schemas, cfg.Logger) {
		if err := reg.Register(b.Type, b.Exec); err != nil {
			return err
		}
	}
	if tasks == nil {
		return nil
	}
	if err := tasks.Handle(TaskShell, ShellHandler(cfg.Shell)); err != nil {
		return err
	}
	return tasks.Handle(TaskHTTP, HTTPHandler(cfg.HTTP))
}

// taskResult turns the response of a single task into the node's response.
func taskResult(pkg engine.ResumePackage) *engine.StepResponse {
	if len(pkg.Responses) == 1 {
		for _, r := range pkg.Responses {
			status := r.Status
			if status == "" {
				status = schema.StatusSucceeded
			}
			return &engine.StepResponse{Status: status, Output: r.Payload, Failure: r.Failure}
		}
	}
	return engine.Aggregate(pkg.Responses)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
