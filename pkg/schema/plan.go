package schema

import (
	"encoding/json"
	"time"
)

// Level groups used by the builtin creators to label scopes.
const (
	GroupPipeline  = "PIPELINE"
	GroupStages    = "STAGES"
	GroupStage     = "STAGE"
	GroupExecution = "EXECUTION"
	GroupStepGroup = "STEP_GROUP"
	GroupStep      = "STEP"
)

// DefaultStepTimeout applies to steps that declare none.
const DefaultStepTimeout = 10 * time.Minute

// FacilitatorObtainment selects how a node is facilitated into an execution mode.
type FacilitatorObtainment struct {
	Type   ExecutionMode   `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AdviserType names a post-execution routing policy.
type AdviserType string

const (
	AdviserNextStep      AdviserType = "NEXT_STEP"
	AdviserOnSuccess     AdviserType = "ON_SUCCESS"
	AdviserIgnore        AdviserType = "IGNORE"
	AdviserRetry         AdviserType = "RETRY"
	AdviserMarkAsSuccess AdviserType = "MARK_AS_SUCCESS"
	AdviserAbort         AdviserType = "ABORT"
)

// AdviserObtainment configures one adviser attached to a plan node.
type AdviserObtainment struct {
	Type AdviserType `json:"type"`
	// NextNodeID is the sibling to continue with, when the adviser routes.
	NextNodeID string `json:"next_node_id,omitempty"`
	// FailureTypes restricts failure-handling advisers; empty matches any.
	FailureTypes []FailureType `json:"failure_types,omitempty"`
	// RetryCount and RetryIntervals configure RETRY advisers.
	RetryCount     int             `json:"retry_count,omitempty"`
	RetryIntervals []time.Duration `json:"retry_intervals,omitempty"`
	// RepairAction is applied once retries are exhausted (IGNORE, MARK_AS_SUCCESS, ABORT or empty).
	RepairAction AdviserType `json:"repair_action,omitempty"`
}

// PlanNode is one compiled graph vertex. Immutable once the plan is finalized.
type PlanNode struct {
	UUID                string                `json:"uuid"`
	Identifier          string                `json:"identifier"`
	Name                string                `json:"name"`
	StepType            string                `json:"step_type"`
	Group               string                `json:"group,omitempty"`
	StepParameters      json.RawMessage       `json:"step_parameters,omitempty"`
	Facilitator         FacilitatorObtainment `json:"facilitator"`
	Advisers            []AdviserObtainment   `json:"advisers,omitempty"`
	Timeout             time.Duration         `json:"timeout,omitempty"`
	SkipExpressionChain bool                  `json:"skip_expression_chain,omitempty"`
	WhenCondition       string                `json:"when,omitempty"`
	SkipCondition       string                `json:"skip_condition,omitempty"`
}

// FieldRef is a YAML sub-tree that has not been expanded into plan nodes.
type FieldRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
	YAML string `json:"yaml"`
}

// Plan is the compiled plan wire format: a node graph, its entry point and
// the residual dependencies no creator expanded.
type Plan struct {
	ID             string               `json:"id"`
	Nodes          map[string]*PlanNode `json:"nodes"`
	StartingNodeID string               `json:"starting_node_id"`
	Residual       map[string]FieldRef  `json:"residual,omitempty"`
	Hash           string               `json:"hash,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Node returns the plan node with the given uuid.
func (p *Plan) Node(id string) (*PlanNode, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// PipelineFilter summarizes the entities a pipeline touches. Merges are set
// unions, never overwrites.
type PipelineFilter struct {
	StageIdentifiers []string `json:"stage_identifiers,omitempty"`
	StageTypes       []string `json:"stage_types,omitempty"`
	StepTypes        []string `json:"step_types,omitempty"`
	DeploymentTypes  []string `json:"deployment_types,omitempty"`
}

// Merge folds other into f as additive set unions.
func (f *PipelineFilter) Merge(other *PipelineFilter) {
	if other == nil {
		return
	}
	f.StageIdentifiers = union(f.StageIdentifiers, other.StageIdentifiers)
	f.StageTypes = union(f.StageTypes, other.StageTypes)
	f.StepTypes = union(f.StepTypes, other.StepTypes)
	f.DeploymentTypes = union(f.DeploymentTypes, other.DeploymentTypes)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
