package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/pkg/schema"
)

// ShouldEndChain reports whether a chain stops after the current link: when
// the iterator says so, or when any delivered status is broken.
func ShouldEndChain(isEnd bool, statuses []schema.Status) bool {
	if isEnd {
		return true
	}
	for _, s := range statuses {
		if s.IsBroken() || s == schema.StatusAborted {
			return true
		}
	}
	return false
}

// statusRank orders broken statuses by severity when children disagree.
var statusRank = map[schema.Status]int{
	schema.StatusAborted: 4,
	schema.StatusErrored: 3,
	schema.StatusExpired: 2,
	schema.StatusFailed:  1,
}

// Aggregate folds child responses into the parent's response: the most
// severe broken status wins, otherwise the parent succeeds (or is skipped
// when every child was).
func Aggregate(responses map[string]schema.ResponseData) *StepResponse {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := &StepResponse{Status: schema.StatusSucceeded}
	worst, skipped := 0, 0
	var messages []string
	var types []schema.FailureType
	seen := map[schema.FailureType]bool{}
	for _, id := range ids {
		r := responses[id]
		if r.Status == schema.StatusSkipped {
			skipped++
		}
		rank, broken := statusRank[r.Status]
		if !broken {
			continue
		}
		if rank > worst {
			worst = rank
			out.Status = r.Status
		}
		if r.Failure != nil {
			if r.Failure.Message != "" {
				messages = append(messages, r.Failure.Message)
			}
			for _, t := range r.Failure.Types {
				if !seen[t] {
					seen[t] = true
					types = append(types, t)
				}
			}
		}
	}
	if worst > 0 {
		out.Failure = &schema.FailureInfo{Message: strings.Join(messages, "; "), Types: types}
	} else if len(ids) > 0 && skipped == len(ids) {
		out.Status = schema.StatusSkipped
	}
	return out
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode step parameters: %s", err.Error()).WithCause(err)
	}
	return nil
}

// DefaultChild runs the single plan node named by child_node_id. A missing
// child concludes the node successfully.
type DefaultChild struct{}

func (DefaultChild) ObtainChild(_ context.Context, pkg InvokerPackage) (string, error) {
	var p plancreator.ChildParams
	if err := decodeParams(pkg.Parameters, &p); err != nil {
		return "", err
	}
	return p.ChildNodeID, nil
}

func (DefaultChild) HandleChildResponse(_ context.Context, pkg ResumePackage) (*StepResponse, error) {
	return Aggregate(pkg.Responses), nil
}

// DefaultChildren runs every plan node in child_node_ids concurrently.
type DefaultChildren struct{}

func (DefaultChildren) ObtainChildren(_ context.Context, pkg InvokerPackage) ([]string, error) {
	var p plancreator.ChildrenParams
	if err := decodeParams(pkg.Parameters, &p); err != nil {
		return nil, err
	}
	return p.ChildNodeIDs, nil
}

func (DefaultChildren) HandleChildrenResponse(_ context.Context, pkg ResumePackage) (*StepResponse, error) {
	return Aggregate(pkg.Responses), nil
}

// DefaultChildChain runs the plan nodes in child_node_ids one after another.
// The position travels in the chain's pass-through data.
type DefaultChildChain struct{}

type chainCursor struct {
	Index int `json:"index"`
}

func (DefaultChildChain) ids(raw json.RawMessage) ([]string, error) {
	var p plancreator.ChildrenParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return p.ChildNodeIDs, nil
}

func (c DefaultChildChain) link(ids []string, i int) *ChildChainResponse {
	if i >= len(ids) {
		return &ChildChainResponse{LastLink: true}
	}
	data, _ := json.Marshal(chainCursor{Index: i})
	return &ChildChainResponse{NextChildID: ids[i], LastLink: i == len(ids)-1, PassThroughData: data}
}

func (c DefaultChildChain) ExecuteFirstChild(_ context.Context, pkg InvokerPackage) (*ChildChainResponse, error) {
	ids, err := c.ids(pkg.Parameters)
	if err != nil {
		return nil, err
	}
	return c.link(ids, 0), nil
}

func (c DefaultChildChain) ExecuteNextChild(_ context.Context, pkg ResumePackage) (*ChildChainResponse, error) {
	ids, err := c.ids(pkg.Parameters)
	if err != nil {
		return nil, err
	}
	var cur chainCursor
	if pkg.ChainDetails != nil && len(pkg.ChainDetails.PassThroughData) > 0 {
		if err := json.Unmarshal(pkg.ChainDetails.PassThroughData, &cur); err != nil {
			return nil, fmt.Errorf("decode chain cursor: %w", err)
		}
	}
	return c.link(ids, cur.Index+1), nil
}

func (DefaultChildChain) FinalizeExecution(_ context.Context, pkg ResumePackage) (*StepResponse, error) {
	return Aggregate(pkg.Responses), nil
}
