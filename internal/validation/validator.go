package validation

import "github.com/rendis/pms/pkg/schema"

// Validator checks compiled plans before they are stored or executed.
type Validator interface {
	ValidatePlan(plan *schema.Plan) *schema.ValidationResult
	ValidatePlanJSON(data []byte) error
}
