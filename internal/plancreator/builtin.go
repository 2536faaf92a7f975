package plancreator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/pms/internal/yamlfield"
	"github.com/rendis/pms/pkg/schema"
)

// Step types of the structural nodes produced by the builtin creators.
const (
	StepTypePipeline  = "Pipeline"
	StepTypeStages    = "Stages"
	StepTypeStage     = "Stage"
	StepTypeSteps     = "Steps"
	StepTypeParallel  = "Parallel"
	StepTypeStepGroup = "StepGroup"
)

// Parameters of the structural nodes.
type (
	// ChildParams drives a CHILD node.
	ChildParams struct {
		ChildNodeID string `json:"child_node_id"`
	}
	// ChildrenParams drives CHILDREN and CHILD_CHAIN nodes.
	ChildrenParams struct {
		ChildNodeIDs []string `json:"child_node_ids"`
	}
	// StageParams drives a stage node.
	StageParams struct {
		ChildNodeID    string `json:"child_node_id"`
		StageType      string `json:"stage_type,omitempty"`
		DeploymentType string `json:"deployment_type,omitempty"`
	}
)

// RegisterBuiltins adds the pipeline/stage/step creators to both registries.
// filters may be nil.
func RegisterBuiltins(creators *Registry[PartialPlanCreator], filters *Registry[FilterCreator]) {
	all := []struct {
		name string
		c    interface {
			PartialPlanCreator
			FilterCreator
		}
	}{
		{"pipeline", pipelineCreator{}},
		{"stages", stagesCreator{}},
		{"stage", stageCreator{}},
		{"parallel", parallelCreator{}},
		{"steps", stepsCreator{}},
		{"stepGroup", stepGroupCreator{}},
		{"step", stepCreator{}},
	}
	for _, e := range all {
		creators.Register(e.name, e.c, DefaultPriority)
		if filters != nil {
			filters.Register(e.name, e.c, DefaultPriority)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func nextAdvisers(dep Dependency) []schema.AdviserObtainment {
	if next := dep.Meta(MetaNextNodeID); next != "" {
		return []schema.AdviserObtainment{{Type: schema.AdviserNextStep, NextNodeID: next}}
	}
	return nil
}

// sequenceChildren registers every element of seq as a dependency, chaining
// them with next-node metadata when chained is set.
func sequenceChildren(seq *yamlfield.Field, chained bool) ([]string, Dependencies) {
	deps := Dependencies{}
	els := seq.Elements()
	ids := make([]string, len(els))
	for i, el := range els {
		ids[i] = el.UUID()
	}
	for i, el := range els {
		var meta map[string]string
		if chained && i+1 < len(els) {
			meta = map[string]string{MetaNextNodeID: ids[i+1]}
		}
		deps.Add(el, meta)
	}
	return ids, deps
}

func forwardFilter(deps Dependencies) *FilterResponse {
	return &FilterResponse{Filter: &schema.PipelineFilter{}, Dependencies: deps}
}

// --- pipeline ---

type pipelineCreator struct{}

func (pipelineCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"pipeline": {"*"}}
}

func (pipelineCreator) children(dep Dependency) (*yamlfield.Field, Dependencies, error) {
	stages, ok := dep.Field.Child("stages")
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeDeserialize, "pipeline %s has no stages", dep.Field.Identifier())
	}
	deps := Dependencies{}
	deps.Add(stages, nil)
	return stages, deps, nil
}

func (c pipelineCreator) CreatePlanForField(_ context.Context, _ *Context, dep Dependency) (*Response, error) {
	stages, deps, err := c.children(dep)
	if err != nil {
		return nil, err
	}
	f := dep.Field
	resp := NewResponse()
	resp.AddNode(&schema.PlanNode{
		UUID:           f.UUID(),
		Identifier:     "pipeline",
		Name:           f.DisplayName(),
		StepType:       StepTypePipeline,
		Group:          schema.GroupPipeline,
		StepParameters: mustJSON(ChildParams{ChildNodeID: stages.UUID()}),
		Facilitator:    schema.FacilitatorObtainment{Type: schema.ModeChild},
	})
	resp.Dependencies = deps
	resp.StartingNodeID = f.UUID()
	return resp, nil
}

func (c pipelineCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	_, deps, err := c.children(dep)
	if err != nil {
		return nil, err
	}
	return forwardFilter(deps), nil
}

// --- stages: iterated one stage at a time, stopping on a broken stage ---

type stagesCreator struct{}

func (stagesCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"stages": {"*"}}
}

func (stagesCreator) CreatePlanForField(_ context.Context, _ *Context, dep Dependency) (*Response, error) {
	if !dep.Field.IsSequence() {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "%s must be a list", dep.Field.Path)
	}
	ids, deps := sequenceChildren(dep.Field, false)
	resp := NewResponse()
	resp.AddNode(&schema.PlanNode{
		UUID:           dep.Field.UUID(),
		Identifier:     "stages",
		Name:           "stages",
		StepType:       StepTypeStages,
		Group:          schema.GroupStages,
		StepParameters: mustJSON(ChildrenParams{ChildNodeIDs: ids}),
		Facilitator:    schema.FacilitatorObtainment{Type: schema.ModeChildChain},
	})
	resp.Dependencies = deps
	return resp, nil
}

func (stagesCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	_, deps := sequenceChildren(dep.Field, false)
	return forwardFilter(deps), nil
}

// --- stage ---

type stageCreator struct{}

type stageYAML struct {
	Identifier        string            `yaml:"identifier"`
	Name              string            `yaml:"name"`
	Type              string            `yaml:"type"`
	When              string            `yaml:"when"`
	SkipCondition     string            `yaml:"skipCondition"`
	FailureStrategies []failureStrategy `yaml:"failureStrategies"`
	Spec              struct {
		DeploymentType string `yaml:"deploymentType"`
	} `yaml:"spec"`
}

func (stageCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"stage": {"*"}}
}

func (stageCreator) steps(dep Dependency) (*stageYAML, *yamlfield.Field, error) {
	var st stageYAML
	if err := dep.Field.Decode(&st); err != nil {
		return nil, nil, err
	}
	if st.Identifier == "" {
		return nil, nil, schema.NewErrorf(schema.ErrCodeDeserialize, "stage at %s has no identifier", dep.Field.Path)
	}
	spec, ok := dep.Field.Child("spec")
	if !ok {
		return &st, nil, nil
	}
	exec, ok := spec.Child("execution")
	if !ok {
		return &st, nil, nil
	}
	steps, ok := exec.Child("steps")
	if !ok {
		return &st, nil, nil
	}
	return &st, steps, nil
}

func (c stageCreator) CreatePlanForField(_ context.Context, _ *Context, dep Dependency) (*Response, error) {
	st, steps, err := c.steps(dep)
	if err != nil {
		return nil, err
	}
	advisers, err := failureAdvisers(st.FailureStrategies)
	if err != nil {
		return nil, err
	}
	params := StageParams{StageType: st.Type, DeploymentType: st.Spec.DeploymentType}
	resp := NewResponse()
	if steps != nil {
		params.ChildNodeID = steps.UUID()
		resp.Dependencies.Add(steps, nil)
	}
	resp.AddNode(&schema.PlanNode{
		UUID:           dep.Field.UUID(),
		Identifier:     st.Identifier,
		Name:           orIdentifier(st.Name, st.Identifier),
		StepType:       StepTypeStage,
		Group:          schema.GroupStage,
		StepParameters: mustJSON(params),
		Facilitator:    schema.FacilitatorObtainment{Type: schema.ModeChild},
		Advisers:       append(advisers, nextAdvisers(dep)...),
		WhenCondition:  st.When,
		SkipCondition:  st.SkipCondition,
	})
	return resp, nil
}

func (c stageCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	st, steps, err := c.steps(dep)
	if err != nil {
		return nil, err
	}
	filter := &schema.PipelineFilter{StageIdentifiers: []string{st.Identifier}}
	if st.Type != "" {
		filter.StageTypes = []string{st.Type}
	}
	if st.Spec.DeploymentType != "" {
		filter.DeploymentTypes = []string{st.Spec.DeploymentType}
	}
	deps := Dependencies{}
	if steps != nil {
		deps.Add(steps, nil)
	}
	return &FilterResponse{Filter: filter, Dependencies: deps}, nil
}

// --- parallel: children run concurrently ---

type parallelCreator struct{}

func (parallelCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"parallel": {"*"}}
}

func (parallelCreator) CreatePlanForField(_ context.Context, _ *Context, dep Dependency) (*Response, error) {
	if !dep.Field.IsSequence() {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "%s must be a list", dep.Field.Path)
	}
	ids, deps := sequenceChildren(dep.Field, false)
	resp := NewResponse()
	resp.AddNode(&schema.PlanNode{
		UUID:                dep.Field.UUID(),
		Name:                "parallel",
		StepType:            StepTypeParallel,
		StepParameters:      mustJSON(ChildrenParams{ChildNodeIDs: ids}),
		Facilitator:         schema.FacilitatorObtainment{Type: schema.ModeChildren},
		Advisers:            nextAdvisers(dep),
		SkipExpressionChain: true,
	})
	resp.Dependencies = deps
	return resp, nil
}

func (parallelCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	_, deps := sequenceChildren(dep.Field, false)
	return forwardFilter(deps), nil
}

// --- steps: first child runs, siblings follow through next-step advisers ---

type stepsCreator struct{}

func (stepsCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"steps": {"*"}}
}

func (stepsCreator) CreatePlanForField(_ context.Context, _ *Context, dep Dependency) (*Response, error) {
	if !dep.Field.IsSequence() {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "%s must be a list", dep.Field.Path)
	}
	ids, deps := sequenceChildren(dep.Field, true)
	first := ""
	if len(ids) > 0 {
		first = ids[0]
	}
	resp := NewResponse()
	resp.AddNode(&schema.PlanNode{
		UUID:           dep.Field.UUID(),
		Identifier:     "steps",
		Name:           "steps",
		StepType:       StepTypeSteps,
		Group:          schema.GroupExecution,
		StepParameters: mustJSON(ChildParams{ChildNodeID: first}),
		Facilitator:    schema.FacilitatorObtainment{Type: schema.ModeChild},
	})
	resp.Dependencies = deps
	return resp, nil
}

func (stepsCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	_, deps := sequenceChildren(dep.Field, true)
	return forwardFilter(deps), nil
}

// --- stepGroup ---

type stepGroupCreator struct{}

func (stepGroupCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"stepGroup": {"*"}}
}

func (stepGroupCreator) CreatePlanForField(_ context.Context, _ *Context, dep Dependency) (*Response, error) {
	f := dep.Field
	if f.Identifier() == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "stepGroup at %s has no identifier", f.Path)
	}
	resp := NewResponse()
	params := ChildParams{}
	if steps, ok := f.Child("steps"); ok {
		params.ChildNodeID = steps.UUID()
		resp.Dependencies.Add(steps, nil)
	}
	var fs []failureStrategy
	if child, ok := f.Child("failureStrategies"); ok {
		if err := child.Decode(&fs); err != nil {
			return nil, err
		}
	}
	advisers, err := failureAdvisers(fs)
	if err != nil {
		return nil, err
	}
	resp.AddNode(&schema.PlanNode{
		UUID:           f.UUID(),
		Identifier:     f.Identifier(),
		Name:           f.DisplayName(),
		StepType:       StepTypeStepGroup,
		Group:          schema.GroupStepGroup,
		StepParameters: mustJSON(params),
		Facilitator:    schema.FacilitatorObtainment{Type: schema.ModeChild},
		Advisers:       append(advisers, nextAdvisers(dep)...),
		WhenCondition:  f.StringValue("when"),
	})
	return resp, nil
}

func (stepGroupCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	deps := Dependencies{}
	if steps, ok := dep.Field.Child("steps"); ok {
		deps.Add(steps, nil)
	}
	return forwardFilter(deps), nil
}

// --- step: any type known to the step catalog ---

type stepCreator struct{}

type stepYAML struct {
	Identifier        string            `yaml:"identifier"`
	Name              string            `yaml:"name"`
	Type              string            `yaml:"type"`
	Timeout           string            `yaml:"timeout"`
	When              string            `yaml:"when"`
	SkipCondition     string            `yaml:"skipCondition"`
	FailureStrategies []failureStrategy `yaml:"failureStrategies"`
}

// SupportedTypes claims every step type; the catalog decides the mode and
// unknown types fail compilation.
func (stepCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"step": {"*"}}
}

func (stepCreator) CreatePlanForField(_ context.Context, pctx *Context, dep Dependency) (*Response, error) {
	var st stepYAML
	if err := dep.Field.Decode(&st); err != nil {
		return nil, err
	}
	if st.Identifier == "" || st.Type == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "step at %s needs identifier and type", dep.Field.Path)
	}
	mode := schema.ModeSync
	if pctx.Steps != nil {
		m, ok := pctx.Steps.ModeFor(st.Type)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "unknown step type %q at %s", st.Type, dep.Field.Path)
		}
		mode = m
	}
	timeout := schema.DefaultStepTimeout
	if st.Timeout != "" {
		d, err := time.ParseDuration(st.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "invalid timeout %q at %s", st.Timeout, dep.Field.Path).WithCause(err)
		}
		timeout = d
	}
	advisers, err := failureAdvisers(st.FailureStrategies)
	if err != nil {
		return nil, err
	}
	params := json.RawMessage(`{}`)
	if spec, ok := dep.Field.Child("spec"); ok {
		if params, err = spec.ToJSON(); err != nil {
			return nil, err
		}
	}

	resp := NewResponse()
	resp.AddNode(&schema.PlanNode{
		UUID:           dep.Field.UUID(),
		Identifier:     st.Identifier,
		Name:           orIdentifier(st.Name, st.Identifier),
		StepType:       st.Type,
		Group:          schema.GroupStep,
		StepParameters: params,
		Facilitator:    schema.FacilitatorObtainment{Type: mode},
		Advisers:       append(advisers, nextAdvisers(dep)...),
		Timeout:        timeout,
		WhenCondition:  st.When,
		SkipCondition:  st.SkipCondition,
	})
	return resp, nil
}

func (stepCreator) CreateFilterForField(_ context.Context, _ *Context, dep Dependency) (*FilterResponse, error) {
	t := dep.Field.Type()
	if t == "" {
		return forwardFilter(nil), nil
	}
	return &FilterResponse{Filter: &schema.PipelineFilter{StepTypes: []string{t}}}, nil
}

func orIdentifier(name, identifier string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return identifier
}
