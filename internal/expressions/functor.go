package expressions

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/pms/internal/resolver"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// Keys a Functor answers at a node before looking at children or values.
const (
	KeyStatus     = "status"
	KeyIdentifier = "identifier"
	KeyOutput     = "output"
	KeyOutcome    = "outcome"
)

// NodeReader reads the node execution tree.
type NodeReader interface {
	GetNodeExecution(ctx context.Context, id string) (*store.NodeExecution, error)
	ListNodeExecutions(ctx context.Context, filter store.NodeExecutionFilter) ([]*store.NodeExecution, error)
}

// Functor is a lazy, late-binding view of the execution tree rooted at one
// node execution. Nothing is read until a key is asked for, so a Functor
// built before a sibling finishes still sees that sibling's results.
type Functor struct {
	nodes    NodeReader
	outputs  *resolver.Service
	outcomes *resolver.Service
	root     *store.NodeExecution
}

// NewFunctor returns a Functor rooted at root.
func NewFunctor(nodes NodeReader, outputs, outcomes *resolver.Service, root *store.NodeExecution) *Functor {
	return &Functor{nodes: nodes, outputs: outputs, outcomes: outcomes, root: root}
}

// Root returns the node the functor is rooted at.
func (f *Functor) Root() *store.NodeExecution { return f.root }

// nodeList is a group of visible nodes sharing an identifier.
type nodeList []*store.NodeExecution

// Get resolves one key at the root.
func (f *Functor) Get(ctx context.Context, key string) (any, error) {
	return f.get(ctx, f.root, key)
}

// Resolve walks a dotted path from the root. Node segments select children
// by identifier; once a document is reached, segments index into it. The
// result is a parsed document (maps, slices, scalars).
func (f *Functor) Resolve(ctx context.Context, path string) (any, error) {
	var cur any = f.root
	if path != "" {
		for _, seg := range strings.Split(path, ".") {
			if seg == "" {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty segment in %q", path)
			}
			next, err := f.step(ctx, cur, seg, path)
			if err != nil {
				return nil, err
			}
			cur = next
		}
	}
	return f.materialize(ctx, cur)
}

func (f *Functor) step(ctx context.Context, cur any, seg, path string) (any, error) {
	switch v := cur.(type) {
	case *store.NodeExecution:
		return f.get(ctx, v, seg)
	case nodeList:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"%q in %q: %d nodes share this identifier, select one by index", seg, path, len(v))
		}
		return v[i], nil
	default:
		return index(cur, seg, path)
	}
}

// get answers key at node n: reserved keys first, then visible children with
// that identifier, then an outcome and finally a sweeping output named key,
// both resolved from n's Ambiance.
func (f *Functor) get(ctx context.Context, n *store.NodeExecution, key string) (any, error) {
	switch key {
	case KeyStatus:
		return string(n.Status), nil
	case KeyIdentifier:
		return n.Identifier, nil
	case KeyOutput:
		return decode(n.Output)
	case KeyOutcome:
		return f.producedOutcomes(ctx, n)
	}

	children, err := f.visibleChildren(ctx, n)
	if err != nil {
		return nil, err
	}
	if group := groupByIdentifier(children)[key]; len(group) == 1 {
		return group[0], nil
	} else if len(group) > 1 {
		return group, nil
	}

	for _, svc := range []*resolver.Service{f.outcomes, f.outputs} {
		if svc == nil {
			continue
		}
		raw, found, err := svc.ResolveOptional(ctx, n.Ambiance, key)
		if err != nil {
			return nil, err
		}
		if found {
			return decode(raw)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeSweepingOutputNotFound,
		"%q not found under node %q", key, n.Identifier).
		WithNode(n.ID).
		WithDetails(map[string]any{"key": key})
}

// visibleChildren lists the current children of n, replacing any child that
// is hidden from expressions (skip flag or no identifier) by its own
// visible children.
func (f *Functor) visibleChildren(ctx context.Context, n *store.NodeExecution) ([]*store.NodeExecution, error) {
	direct, err := f.nodes.ListNodeExecutions(ctx, store.NodeExecutionFilter{ParentID: n.ID})
	if err != nil {
		return nil, err
	}
	var out []*store.NodeExecution
	for _, c := range direct {
		if hidden(c) {
			grand, err := f.visibleChildren(ctx, c)
			if err != nil {
				return nil, err
			}
			out = append(out, grand...)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func hidden(n *store.NodeExecution) bool {
	if n.Identifier == "" {
		return true
	}
	l, ok := n.Ambiance.CurrentLevel()
	return ok && l.SkipExpressionChain
}

func groupByIdentifier(nodes []*store.NodeExecution) map[string]nodeList {
	out := make(map[string]nodeList, len(nodes))
	for _, n := range nodes {
		out[n.Identifier] = append(out[n.Identifier], n)
	}
	return out
}

// producedOutcomes maps each outcome name produced by n to its latest value.
func (f *Functor) producedOutcomes(ctx context.Context, n *store.NodeExecution) (map[string]any, error) {
	out := map[string]any{}
	if f.outcomes == nil {
		return out, nil
	}
	recs, err := f.outcomes.FindAllByRuntimeID(ctx, n.PlanExecutionID, n.Ambiance.CurrentRuntimeID())
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		v, err := decode(r.Value)
		if err != nil {
			return nil, err
		}
		out[r.Name] = v
	}
	return out, nil
}

// Materialize renders the whole subtree at the root as nested maps: the
// reserved keys of every node plus one entry per visible child identifier
// (a list when several siblings share it).
func (f *Functor) Materialize(ctx context.Context) (map[string]any, error) {
	return f.materializeNode(ctx, f.root)
}

func (f *Functor) materialize(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case *store.NodeExecution:
		return f.materializeNode(ctx, t)
	case nodeList:
		out := make([]any, len(t))
		for i, n := range t {
			m, err := f.materializeNode(ctx, n)
			if err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	}
	return v, nil
}

func (f *Functor) materializeNode(ctx context.Context, n *store.NodeExecution) (map[string]any, error) {
	output, err := decode(n.Output)
	if err != nil {
		return nil, err
	}
	outcomes, err := f.producedOutcomes(ctx, n)
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		KeyStatus:     string(n.Status),
		KeyIdentifier: n.Identifier,
		KeyOutput:     output,
		KeyOutcome:    outcomes,
	}
	children, err := f.visibleChildren(ctx, n)
	if err != nil {
		return nil, err
	}
	for id, group := range groupByIdentifier(children) {
		if _, reserved := m[id]; reserved {
			continue
		}
		v, err := f.materialize(ctx, unwrap(group))
		if err != nil {
			return nil, err
		}
		m[id] = v
	}
	return m, nil
}

func unwrap(g nodeList) any {
	if len(g) == 1 {
		return g[0]
	}
	return g
}

func decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "stored value is not valid JSON").WithCause(err)
	}
	return v, nil
}

// index steps into a parsed document by map key or list position.
func index(cur any, seg, path string) (any, error) {
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[seg]
		if !ok {
			keys := mapKeys(v)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, path, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": path, "available_fields": keys})
		}
		return val, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"index %q out of range in %q (len %d)", seg, path, len(v))
		}
		return v[i], nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot traverse into %s at %q in %q", typeName(cur), seg, path).
			WithDetails(map[string]any{"expression": path})
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
