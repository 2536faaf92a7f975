// Package plancreator compiles a pipeline YAML into a plan graph. Pluggable
// creators each expand one field shape into plan nodes plus further fields
// to expand; the service runs them in concurrent waves until no field is left.
package plancreator

import (
	"context"

	"github.com/rendis/pms/internal/yamlfield"
	"github.com/rendis/pms/pkg/schema"
)

// Dependency metadata keys understood by the builtin creators.
const (
	// MetaNextNodeID carries the uuid of the sibling that follows the field.
	MetaNextNodeID = "next_node_id"
)

// StepCatalog tells creators which step types exist and how each is facilitated.
type StepCatalog interface {
	StepTypes() []string
	ModeFor(stepType string) (schema.ExecutionMode, bool)
}

// Context is shared, read-only input to every creator of one compilation.
type Context struct {
	PlanID    string
	AccountID string
	OrgID     string
	ProjectID string
	Steps     StepCatalog
}

// Dependency is a field still to be compiled, with metadata from the
// creator that discovered it.
type Dependency struct {
	Field    *yamlfield.Field
	Metadata map[string]string
}

// Meta returns a metadata value, or "".
func (d Dependency) Meta(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}

// Descriptor returns the lookup descriptor of the dependency's field.
func (d Dependency) Descriptor() FieldDescriptor {
	return FieldDescriptor{Category: d.Field.Name, Type: d.Field.Type()}
}

// Dependencies is keyed by field uuid.
type Dependencies map[string]Dependency

// Add registers f as a dependency with optional metadata.
func (d Dependencies) Add(f *yamlfield.Field, meta map[string]string) {
	d[f.UUID()] = Dependency{Field: f, Metadata: meta}
}

// Response is the result of expanding one field.
type Response struct {
	Nodes          map[string]*schema.PlanNode
	Dependencies   Dependencies
	StartingNodeID string
}

// NewResponse returns an empty response.
func NewResponse() *Response {
	return &Response{Nodes: map[string]*schema.PlanNode{}, Dependencies: Dependencies{}}
}

// AddNode adds n keyed by its uuid.
func (r *Response) AddNode(n *schema.PlanNode) {
	r.Nodes[n.UUID] = n
}

// PartialPlanCreator expands one field shape into plan nodes. Implementations
// must be free of side effects beyond the returned response so that a wave
// can be retried.
type PartialPlanCreator interface {
	TypeSupporter
	CreatePlanForField(ctx context.Context, pctx *Context, dep Dependency) (*Response, error)
}

// FilterResponse is the filter contribution of one field.
type FilterResponse struct {
	Filter       *schema.PipelineFilter
	Dependencies Dependencies
}

// FilterCreator contributes to the pipeline filter summary.
type FilterCreator interface {
	TypeSupporter
	CreateFilterForField(ctx context.Context, pctx *Context, dep Dependency) (*FilterResponse, error)
}
