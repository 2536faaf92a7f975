package diagram

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// childRefs is the union of the structural parameter shapes.
type childRefs struct {
	ChildNodeID  string   `json:"child_node_id"`
	ChildNodeIDs []string `json:"child_node_ids"`
}

// Build walks plan from its starting node and overlays the given node
// executions. execs may be nil. Nodes not reachable from the start are
// appended at depth zero in id order.
func Build(plan *schema.Plan, execs []*store.NodeExecution) (*Model, error) {
	if plan == nil {
		return nil, fmt.Errorf("diagram: nil plan")
	}
	if _, ok := plan.Node(plan.StartingNodeID); !ok {
		return nil, fmt.Errorf("diagram: starting node %q not in plan", plan.StartingNodeID)
	}

	m := &Model{Title: plan.ID, Root: plan.StartingNodeID}
	overlays := overlay(execs)
	visited := make(map[string]bool, len(plan.Nodes))

	var walk func(id string, depth int) error
	walk = func(id string, depth int) error {
		if visited[id] {
			return nil
		}
		pn, ok := plan.Node(id)
		if !ok {
			return fmt.Errorf("diagram: node %q referenced but not in plan", id)
		}
		visited[id] = true
		m.Nodes = append(m.Nodes, &Node{
			ID:         pn.UUID,
			Identifier: pn.Identifier,
			Label:      label(pn),
			StepType:   pn.StepType,
			Kind:       kindOf(pn.Facilitator.Type),
			Depth:      depth,
			Status:     overlays[pn.UUID],
		})

		children, err := childrenOf(pn)
		if err != nil {
			return err
		}
		chain := pn.Facilitator.Type == schema.ModeChildChain
		for i, c := range children {
			e := Edge{From: pn.UUID, To: c, Kind: EdgeChild}
			if chain {
				e.Label = strconv.Itoa(i + 1)
			}
			m.Edges = append(m.Edges, e)
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		for _, a := range pn.Advisers {
			if a.NextNodeID == "" {
				continue
			}
			m.Edges = append(m.Edges, Edge{From: pn.UUID, To: a.NextNodeID, Kind: EdgeNext, Label: string(a.Type)})
			if err := walk(a.NextNodeID, depth); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(plan.StartingNodeID, 0); err != nil {
		return nil, err
	}

	var orphans []string
	for id := range plan.Nodes {
		if !visited[id] {
			orphans = append(orphans, id)
		}
	}
	slices.Sort(orphans)
	for _, id := range orphans {
		if err := walk(id, 0); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func childrenOf(pn *schema.PlanNode) ([]string, error) {
	switch pn.Facilitator.Type {
	case schema.ModeChild, schema.ModeChildren, schema.ModeChildChain:
	default:
		return nil, nil
	}
	if len(pn.StepParameters) == 0 {
		return nil, nil
	}
	var refs childRefs
	if err := json.Unmarshal(pn.StepParameters, &refs); err != nil {
		return nil, fmt.Errorf("diagram: decode children of %s: %w", pn.Identifier, err)
	}
	if refs.ChildNodeID != "" {
		return []string{refs.ChildNodeID}, nil
	}
	return refs.ChildNodeIDs, nil
}

func kindOf(mode schema.ExecutionMode) NodeKind {
	switch mode {
	case schema.ModeSync:
		return NodeKindSync
	case schema.ModeAsync:
		return NodeKindAsync
	case schema.ModeTask, schema.ModeTaskChain:
		return NodeKindTask
	case schema.ModeChild:
		return NodeKindChild
	case schema.ModeChildren:
		return NodeKindChildren
	case schema.ModeChildChain:
		return NodeKindChain
	default:
		return NodeKindUnknown
	}
}

func label(pn *schema.PlanNode) string {
	name := pn.Name
	if name == "" {
		name = pn.Identifier
	}
	if pn.StepType == "" {
		return name
	}
	return name + " (" + pn.StepType + ")"
}

// overlay keeps the most recent live execution per plan node. Executions
// replaced by a retry only add to the count.
func overlay(execs []*store.NodeExecution) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	latest := make(map[string]*store.NodeExecution)
	for _, ne := range execs {
		ov := out[ne.PlanNodeID]
		if ov == nil {
			ov = &StatusOverlay{}
			out[ne.PlanNodeID] = ov
		}
		ov.Executions++
		if ne.OldRetry {
			continue
		}
		if cur := latest[ne.PlanNodeID]; cur == nil || ne.CreatedAt.After(cur.CreatedAt) {
			latest[ne.PlanNodeID] = ne
		}
	}
	for id, ne := range latest {
		ov := out[id]
		ov.Status = string(ne.Status)
		ov.RetryCount = ne.RetryCount
		if ne.StartTs != nil && ne.EndTs != nil {
			ov.DurationMs = ne.EndTs.Sub(*ne.StartTs).Milliseconds()
		}
		if ne.Failure != nil {
			ov.Error = ne.Failure.Message
		}
	}
	return out
}
