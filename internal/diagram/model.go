// Package diagram renders compiled plans, optionally overlaid with the state
// of one plan execution, as Mermaid flowcharts, indented text or Graphviz
// images.
package diagram

// NodeKind classifies a diagram node by the execution mode of its plan node.
type NodeKind string

const (
	NodeKindSync     NodeKind = "sync"
	NodeKindAsync    NodeKind = "async"
	NodeKindTask     NodeKind = "task"
	NodeKindChild    NodeKind = "child"
	NodeKindChildren NodeKind = "children"
	NodeKindChain    NodeKind = "chain"
	NodeKindUnknown  NodeKind = "unknown"
)

// EdgeKind distinguishes containment from sibling routing.
type EdgeKind string

const (
	EdgeChild EdgeKind = "child"
	EdgeNext  EdgeKind = "next"
)

// Model is the intermediate representation shared by all renderers. Nodes
// are in depth-first order from the starting node.
type Model struct {
	Title string
	Root  string
	Nodes []*Node
	Edges []Edge
}

// Node is one plan node.
type Node struct {
	ID         string
	Identifier string
	Label      string
	StepType   string
	Kind       NodeKind
	Depth      int
	Status     *StatusOverlay
}

// StatusOverlay carries the runtime state of the latest execution of a node.
type StatusOverlay struct {
	Status     string
	Executions int
	RetryCount int
	DurationMs int64
	Error      string
}

// Edge connects two plan nodes. Children of a chain are labelled with
// their position.
type Edge struct {
	From  string
	To    string
	Kind  EdgeKind
	Label string
}

// Node returns the node with the given id.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
