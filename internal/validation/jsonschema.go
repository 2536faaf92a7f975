package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/pms/pkg/schema"
)

const (
	planSchemaURL     = "https://pms.dev/schemas/plan.json"
	responseSchemaURL = "https://pms.dev/schemas/creator-response.json"
)

// planDefsJSON holds the shared definitions of the compiled plan wire format.
const planDefsJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pms.dev/schemas/defs.json",
  "$defs": {
    "node": {
      "type": "object",
      "required": ["uuid", "step_type", "facilitator"],
      "properties": {
        "uuid": { "type": "string", "minLength": 1 },
        "identifier": { "type": "string" },
        "name": { "type": "string" },
        "step_type": { "type": "string", "minLength": 1 },
        "group": { "type": "string" },
        "step_parameters": {},
        "facilitator": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "enum": ["SYNC", "ASYNC", "TASK", "TASK_CHAIN", "CHILD", "CHILDREN", "CHILD_CHAIN"] },
            "params": {}
          }
        },
        "advisers": { "type": "array", "items": { "$ref": "#/$defs/adviser" } },
        "timeout": { "type": "integer", "minimum": 0 },
        "skip_expression_chain": { "type": "boolean" },
        "when": { "type": "string" },
        "skip_condition": { "type": "string" }
      }
    },
    "adviser": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["NEXT_STEP", "ON_SUCCESS", "IGNORE", "RETRY", "MARK_AS_SUCCESS", "ABORT"] },
        "next_node_id": { "type": "string" },
        "failure_types": { "type": "array", "items": { "type": "string" } },
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_intervals": { "type": "array", "items": { "type": "integer", "minimum": 0 } },
        "repair_action": { "enum": ["", "IGNORE", "MARK_AS_SUCCESS", "ABORT"] }
      }
    },
    "field": {
      "type": "object",
      "required": ["name", "yaml"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "path": { "type": "string" },
        "yaml": { "type": "string" },
        "metadata": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    }
  }
}`

// planSchemaJSON validates a compiled plan.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pms.dev/schemas/plan.json",
  "type": "object",
  "required": ["id", "nodes", "starting_node_id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "defs.json#/$defs/node" }
    },
    "starting_node_id": { "type": "string", "minLength": 1 },
    "residual": { "type": "object", "additionalProperties": { "$ref": "defs.json#/$defs/field" } },
    "hash": { "type": "string" },
    "created_at": { "type": "string", "format": "date-time" }
  }
}`

// responseSchemaJSON validates a remote creator's reply for one field.
const responseSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pms.dev/schemas/creator-response.json",
  "type": "object",
  "properties": {
    "nodes": { "type": "object", "additionalProperties": { "$ref": "defs.json#/$defs/node" } },
    "dependencies": { "type": "array", "items": { "$ref": "defs.json#/$defs/field" } },
    "starting_node_id": { "type": "string" },
    "error": { "type": "string" }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator validates the plan wire formats and step parameters
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema     *jsonschema.Schema
	responseSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the builtin wire-format schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, text := range map[string]string{
		"https://pms.dev/schemas/defs.json": planDefsJSON,
		planSchemaURL:                       planSchemaJSON,
		responseSchemaURL:                   responseSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	plan, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	resp, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile creator response schema: %w", err)
	}
	return &JSONSchemaValidator{
		planSchema:     plan,
		responseSchema: resp,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePlanJSON checks a serialized plan against the plan schema.
func (v *JSONSchemaValidator) ValidatePlanJSON(data []byte) error {
	return validateRaw(v.planSchema, data)
}

// ValidateCreatorResponse checks a remote creator reply.
func (v *JSONSchemaValidator) ValidateCreatorResponse(data []byte) error {
	return validateRaw(v.responseSchema, data)
}

// ValidateParams validates step parameters against a JSON Schema provided as
// raw bytes. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateParams(params json.RawMessage, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return validateRaw(compiled, params)
}

func validateRaw(s *jsonschema.Schema, data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeDeserialize, "document is not valid json").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toPMSError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("pms://step-params/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toPMSError converts a jsonschema.ValidationError into a PMSError listing
// every leaf violation.
func toPMSError(err error) *schema.PMSError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
