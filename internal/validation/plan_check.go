package validation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/pms/pkg/schema"
)

// PlanValidator runs the structural and graph checks over a compiled plan.
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewPlanValidator creates a PlanValidator with the wire schemas compiled.
func NewPlanValidator() (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{jsonSchema: jsv}, nil
}

// Schemas exposes the underlying JSON Schema validator.
func (pv *PlanValidator) Schemas() *JSONSchemaValidator { return pv.jsonSchema }

// ValidatePlanJSON checks a serialized plan's structure, then its graph.
func (pv *PlanValidator) ValidatePlanJSON(data []byte) error {
	if err := pv.jsonSchema.ValidatePlanJSON(data); err != nil {
		return err
	}
	var plan schema.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return schema.NewError(schema.ErrCodeDeserialize, "cannot decode plan").WithCause(err)
	}
	return pv.ValidatePlan(&plan).ToError(schema.ErrCodeValidation)
}

// ValidatePlan checks references between nodes:
//   - the starting node exists,
//   - every node has a known facilitator mode,
//   - child and next-node references resolve to nodes of the plan,
//   - next-step chains contain no cycle.
//
// Nodes unreachable from the starting node are reported as warnings.
func (pv *PlanValidator) ValidatePlan(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if plan == nil {
		result.AddError("/", schema.ErrCodeValidation, "plan is nil")
		return result
	}
	if _, ok := plan.Nodes[plan.StartingNodeID]; !ok {
		result.AddError("starting_node_id", schema.ErrCodePlanCreation,
			fmt.Sprintf("starting node %q is not part of the plan", plan.StartingNodeID))
	}

	ids := sortedIDs(plan)
	next := make(map[string]string, len(plan.Nodes))
	children := make(map[string][]string, len(plan.Nodes))

	for _, id := range ids {
		n := plan.Nodes[id]
		path := "nodes." + id
		if !n.Facilitator.Type.Valid() {
			result.AddError(path+".facilitator", schema.ErrCodeValidation,
				fmt.Sprintf("unknown execution mode %q", n.Facilitator.Type))
		}
		for _, c := range ChildRefs(n) {
			if _, ok := plan.Nodes[c]; !ok {
				result.AddError(path+".step_parameters", schema.ErrCodePlanCreation,
					danglingMessage(plan, c, "child"))
				continue
			}
			children[id] = append(children[id], c)
		}
		for i, a := range n.Advisers {
			if a.NextNodeID == "" {
				continue
			}
			if _, ok := plan.Nodes[a.NextNodeID]; !ok {
				result.AddError(fmt.Sprintf("%s.advisers[%d]", path, i), schema.ErrCodePlanCreation,
					danglingMessage(plan, a.NextNodeID, "next"))
				continue
			}
			next[id] = a.NextNodeID
		}
	}
	if !result.Valid() {
		return result
	}

	if cycle := nextCycle(ids, next); cycle != "" {
		result.AddError("nodes."+cycle+".advisers", schema.ErrCodeCycleDetected,
			"next-step advisers form a cycle")
		return result
	}

	reachable := map[string]bool{plan.StartingNodeID: true}
	queue := []string{plan.StartingNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out := append([]string{}, children[id]...)
		if nx, ok := next[id]; ok {
			out = append(out, nx)
		}
		for _, o := range out {
			if !reachable[o] {
				reachable[o] = true
				queue = append(queue, o)
			}
		}
	}
	for _, id := range ids {
		if !reachable[id] {
			result.AddWarning("nodes."+id, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the starting node", plan.Nodes[id].Identifier))
		}
	}
	return result
}

// Check is ValidatePlan folded into a single compilation error, suitable
// as a plan creation hook.
func (pv *PlanValidator) Check(plan *schema.Plan) error {
	return pv.ValidatePlan(plan).ToError(schema.ErrCodePlanCreation)
}

// ChildRefs returns the node ids a composite node's parameters point at.
func ChildRefs(n *schema.PlanNode) []string {
	if len(n.StepParameters) == 0 || !n.Facilitator.Type.IsComposite() {
		return nil
	}
	var p struct {
		ChildNodeID     string   `json:"child_node_id"`
		ChildNodeIDs    []string `json:"child_node_ids"`
		ChildrenNodeIDs []string `json:"children_node_ids"`
	}
	if err := json.Unmarshal(n.StepParameters, &p); err != nil {
		return nil
	}
	var out []string
	if p.ChildNodeID != "" {
		out = append(out, p.ChildNodeID)
	}
	out = append(out, p.ChildNodeIDs...)
	return append(out, p.ChildrenNodeIDs...)
}

func danglingMessage(plan *schema.Plan, ref, kind string) string {
	if r, ok := plan.Residual[ref]; ok {
		return fmt.Sprintf("%s node %q was never compiled (field %s of kind %q has no creator)", kind, ref, r.Path, r.Name)
	}
	return fmt.Sprintf("%s node %q does not exist", kind, ref)
}

// nextCycle returns a node on a next-step cycle, or "".
func nextCycle(ids []string, next map[string]string) string {
	state := make(map[string]int, len(ids)) // 0 unseen, 1 on path, 2 done
	for _, start := range ids {
		var path []string
		cur := start
		for cur != "" && state[cur] == 0 {
			state[cur] = 1
			path = append(path, cur)
			cur = next[cur]
		}
		if cur != "" && state[cur] == 1 {
			return cur
		}
		for _, p := range path {
			state[p] = 2
		}
	}
	return ""
}

func sortedIDs(plan *schema.Plan) []string {
	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
