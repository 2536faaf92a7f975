package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/pkg/schema"
)

const rolloutSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "args": {"type": ["array", "null"], "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "shell": {"type": "boolean", "default": false},
    "targets": {"type": "array", "items": {"type": "string"}, "minItems": 1}
  },
  "required": ["command", "targets"]
}`

// --- ShellScript ---

// ShellScript hands its parameters to the shell task executor unchanged.
type ShellScript struct {
	p params
}

func (s *ShellScript) ObtainTask(_ context.Context, pkg engine.InvokerPackage) (*engine.TaskRequest, error) {
	var p shellParams
	if err := s.p.decode("ShellScript", shellSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	return &engine.TaskRequest{Type: TaskShell, Payload: pkg.Parameters, Timeout: pkg.Timeout}, nil
}

func (s *ShellScript) HandleTaskResult(_ context.Context, pkg engine.ResumePackage) (*engine.StepResponse, error) {
	return taskResult(pkg), nil
}

// --- Http ---

// HTTP hands its parameters to the http task executor unchanged.
type HTTP struct {
	p params
}

func (s *HTTP) ObtainTask(_ context.Context, pkg engine.InvokerPackage) (*engine.TaskRequest, error) {
	var p httpParams
	if err := s.p.decode("Http", httpSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &engine.TaskRequest{Type: TaskHTTP, Payload: pkg.Parameters, Timeout: pkg.Timeout}, nil
}

func (s *HTTP) HandleTaskResult(_ context.Context, pkg engine.ResumePackage) (*engine.StepResponse, error) {
	return taskResult(pkg), nil
}

// --- Rollout ---

// Rollout runs one shell task per target, in order, with TARGET set in the
// task's environment. The chain ends at the first target that does not
// succeed.
type Rollout struct {
	p params
}

type rolloutParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Shell   bool              `json:"shell"`
	Targets []string          `json:"targets"`
}

// rolloutState is carried between links as pass-through data.
type rolloutState struct {
	Index   int             `json:"index"`
	Results []rolloutResult `json:"results,omitempty"`
}

type rolloutResult struct {
	Target  string              `json:"target"`
	Status  schema.Status       `json:"status"`
	Output  json.RawMessage     `json:"output,omitempty"`
	Failure *schema.FailureInfo `json:"failure,omitempty"`
}

func (s *Rollout) StartChainLink(_ context.Context, pkg engine.InvokerPackage) (*engine.TaskChainResponse, error) {
	var p rolloutParams
	if err := s.p.decode("Rollout", rolloutSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	return s.link(p, rolloutState{})
}

func (s *Rollout) ExecuteNextLink(_ context.Context, pkg engine.ResumePackage) (*engine.TaskChainResponse, error) {
	var p rolloutParams
	if err := s.p.decode("Rollout", rolloutSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	st, err := s.record(p, pkg)
	if err != nil {
		return nil, err
	}
	st.Index++
	return s.link(p, st)
}

func (s *Rollout) FinalizeExecution(_ context.Context, pkg engine.ResumePackage) (*engine.StepResponse, error) {
	var p rolloutParams
	if err := s.p.decode("Rollout", rolloutSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	st, err := s.record(p, pkg)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{"results": st.Results})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "Rollout: marshal results: %v", err)
	}
	resp := &engine.StepResponse{Status: schema.StatusSucceeded, Output: out}
	for _, r := range st.Results {
		if r.Status.IsBroken() {
			resp.Status = r.Status
			resp.Failure = &schema.FailureInfo{Message: fmt.Sprintf("target %s: %s", r.Target, r.Status)}
			if r.Failure != nil {
				resp.Failure.Message = fmt.Sprintf("target %s: %s", r.Target, r.Failure.Message)
				resp.Failure.Types = r.Failure.Types
			}
			break
		}
	}
	return resp, nil
}

// record decodes the carried state and appends the result of the link that
// just responded.
func (s *Rollout) record(p rolloutParams, pkg engine.ResumePackage) (rolloutState, error) {
	var st rolloutState
	if pkg.ChainDetails != nil && len(pkg.ChainDetails.PassThroughData) > 0 {
		if err := json.Unmarshal(pkg.ChainDetails.PassThroughData, &st); err != nil {
			return st, schema.NewErrorf(schema.ErrCodeDeserialize, "Rollout: chain state: %s", err.Error()).WithCause(err)
		}
	}
	if len(pkg.Responses) == 0 || st.Index >= len(p.Targets) {
		return st, nil
	}
	r := taskResult(pkg)
	st.Results = append(st.Results, rolloutResult{
		Target:  p.Targets[st.Index],
		Status:  r.Status,
		Output:  r.Output,
		Failure: r.Failure,
	})
	return st, nil
}

func (s *Rollout) link(p rolloutParams, st rolloutState) (*engine.TaskChainResponse, error) {
	if st.Index >= len(p.Targets) {
		return &engine.TaskChainResponse{}, nil
	}
	target := p.Targets[st.Index]
	env := make(map[string]string, len(p.Env)+1)
	for k, v := range p.Env {
		env[k] = v
	}
	env["TARGET"] = target
	payload, err := json.Marshal(shellParams{Command: p.Command, Args: p.Args, Env: env, Shell: p.Shell})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "Rollout: marshal task: %v", err)
	}
	state, err := json.Marshal(st)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "Rollout: marshal chain state: %v", err)
	}
	return &engine.TaskChainResponse{
		Task:            &engine.TaskRequest{Type: TaskShell, Payload: payload},
		ChainEnd:        st.Index == len(p.Targets)-1,
		PassThroughData: state,
	}, nil
}
