// Package yamlfield wraps yaml.v3 nodes as addressable pipeline fields. Every
// mapping in a parsed document carries a generated __uuid so plan nodes can be
// keyed by the field they were compiled from.
package yamlfield

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/pms/pkg/schema"
)

// UUIDKey is the key injected into every mapping node.
const UUIDKey = "__uuid"

// Field is a named YAML sub-tree.
type Field struct {
	Name   string
	Path   string
	Node   *yaml.Node
	parent string
}

// Parse parses a pipeline document and injects a __uuid into every mapping
// that lacks one. The returned field is the document root.
func Parse(data []byte) (*Field, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "invalid yaml: %s", err.Error()).WithCause(err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, schema.NewError(schema.ErrCodeDeserialize, "empty yaml document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "yaml root must be a mapping, got %s", kindName(root.Kind))
	}
	injectUUIDs(root)
	return &Field{Node: root}, nil
}

// FromYAML rebuilds a field from its serialized form, e.g. one received from a
// remote creator. Existing __uuid values are kept.
func FromYAML(name, path, text string) (*Field, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "invalid yaml for field %s: %s", path, err.Error()).WithCause(err)
	}
	if len(doc.Content) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "empty yaml for field %s", path)
	}
	n := doc.Content[0]
	injectUUIDs(n)
	return &Field{Name: name, Path: path, Node: n}, nil
}

func injectUUIDs(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode:
		if lookup(n, UUIDKey) == nil {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: UUIDKey},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: uuid.NewString()},
			)
		}
		for i := 1; i < len(n.Content); i += 2 {
			injectUUIDs(n.Content[i])
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			injectUUIDs(c)
		}
	}
}

func lookup(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// UUID identifies the field. Mappings carry their own id; other nodes derive a
// stable one from their parent mapping and name.
func (f *Field) UUID() string {
	if v := lookup(f.Node, UUIDKey); v != nil {
		return v.Value
	}
	ns, err := uuid.Parse(f.parent)
	if err != nil {
		ns = uuid.NameSpaceURL
	}
	return uuid.NewSHA1(ns, []byte(f.Path)).String()
}

// IsMapping reports whether the field is a YAML mapping.
func (f *Field) IsMapping() bool { return f.Node != nil && f.Node.Kind == yaml.MappingNode }

// IsSequence reports whether the field is a YAML sequence.
func (f *Field) IsSequence() bool { return f.Node != nil && f.Node.Kind == yaml.SequenceNode }

// Child returns the field stored under name in a mapping.
func (f *Field) Child(name string) (*Field, bool) {
	v := lookup(f.Node, name)
	if v == nil {
		return nil, false
	}
	return &Field{Name: name, Path: f.childPath(name), Node: v, parent: f.UUID()}, true
}

func (f *Field) childPath(name string) string {
	if f.Path == "" {
		return name
	}
	return f.Path + "." + name
}

// Elements returns the keyed entries of a sequence of single-key wrappers,
// e.g. `stages: [{stage: ...}, {parallel: ...}]` yields the stage and the
// parallel fields. Plain mapping items (as in parallel blocks) are returned
// under the name of their first key.
func (f *Field) Elements() []*Field {
	if !f.IsSequence() {
		return nil
	}
	out := make([]*Field, 0, len(f.Node.Content))
	for i, item := range f.Node.Content {
		itemPath := fmt.Sprintf("%s[%d]", f.Path, i)
		if item.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(item.Content); j += 2 {
			key := item.Content[j].Value
			if key == UUIDKey {
				continue
			}
			wrapper := &Field{Node: item, Path: itemPath, parent: f.UUID()}
			out = append(out, &Field{Name: key, Path: itemPath + "." + key, Node: item.Content[j+1], parent: wrapper.UUID()})
			break
		}
	}
	return out
}

// StringValue returns the scalar stored under key, or "".
func (f *Field) StringValue(key string) string {
	v := lookup(f.Node, key)
	if v == nil || v.Kind != yaml.ScalarNode {
		return ""
	}
	return v.Value
}

// Type returns the `type` attribute.
func (f *Field) Type() string { return f.StringValue("type") }

// Identifier returns the `identifier` attribute.
func (f *Field) Identifier() string { return f.StringValue("identifier") }

// DisplayName returns `name`, falling back to the identifier.
func (f *Field) DisplayName() string {
	if n := f.StringValue("name"); n != "" {
		return n
	}
	return f.Identifier()
}

// Decode unmarshals the field into v.
func (f *Field) Decode(v any) error {
	if err := f.Node.Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeDeserialize, "cannot decode field %s: %s", f.Path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"path": f.Path})
	}
	return nil
}

// ToJSON converts the field to JSON, dropping injected __uuid keys.
func (f *Field) ToJSON() (json.RawMessage, error) {
	var v any
	if err := f.Decode(&v); err != nil {
		return nil, err
	}
	data, err := json.Marshal(stripUUIDs(v))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "cannot encode field %s as json: %s", f.Path, err.Error()).WithCause(err)
	}
	return data, nil
}

func stripUUIDs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == UUIDKey {
				continue
			}
			out[k] = stripUUIDs(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = stripUUIDs(t[i])
		}
		return t
	default:
		return v
	}
}

// YAML serializes the field, injected ids included.
func (f *Field) YAML() (string, error) {
	out, err := yaml.Marshal(f.Node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Ref converts the field to its wire reference.
func (f *Field) Ref() schema.FieldRef {
	text, _ := f.YAML()
	return schema.FieldRef{Name: f.Name, Path: f.Path, YAML: text}
}

// Walk visits f and every keyed descendant in depth-first order.
func (f *Field) Walk(fn func(*Field) bool) {
	if !fn(f) {
		return
	}
	switch {
	case f.IsMapping():
		for i := 0; i+1 < len(f.Node.Content); i += 2 {
			key := f.Node.Content[i].Value
			if key == UUIDKey {
				continue
			}
			c, _ := f.Child(key)
			c.Walk(fn)
		}
	case f.IsSequence():
		for _, e := range f.Elements() {
			e.Walk(fn)
		}
	}
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return strings.ToLower(fmt.Sprintf("kind(%d)", k))
	}
}
