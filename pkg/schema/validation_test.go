package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Issues(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("nodes.b", ErrCodeValidation, "unreachable")
	assert.True(t, r.Valid())

	r.AddError("nodes.a.advisers[0]", ErrCodePlanCreation, "dangling next")
	r.AddError("starting_node_id", ErrCodePlanCreation, "missing start")
	assert.False(t, r.Valid())

	assert.Equal(t, "a", r.Errors[0].NodeID)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Empty(t, r.Errors[1].NodeID)
	assert.Equal(t, "b", r.Warnings[0].NodeID)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_ForNode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes.a.facilitator", ErrCodeValidation, "bad mode")
	r.AddWarning("nodes.a", ErrCodeValidation, "unreachable")
	r.AddError("nodes.ab.step_parameters", ErrCodePlanCreation, "dangling child")

	issues := r.ForNode("a")
	require.Len(t, issues, 2)
	assert.Equal(t, "bad mode", issues[0].Message)
	assert.Equal(t, "unreachable", issues[1].Message)
	assert.Empty(t, r.ForNode("zzz"))
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes.b", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError(ErrCodePlanCreation))

	r.AddError("nodes.a.advisers[0]", ErrCodePlanCreation, "dangling next")
	err := r.ToError(ErrCodePlanCreation)
	require.Error(t, err)
	var pmsErr *PMSError
	require.ErrorAs(t, err, &pmsErr)
	assert.Equal(t, ErrCodePlanCreation, pmsErr.Code)
	assert.Equal(t, "dangling next", pmsErr.Message)
	assert.Equal(t, "a", pmsErr.NodeID)
	assert.Equal(t, 1, pmsErr.Details["error_count"])
	assert.Equal(t, 1, pmsErr.Details["warning_count"])

	r.AddError("starting_node_id", ErrCodePlanCreation, "missing start")
	r.AddError("/", ErrCodeValidation, "third")
	err = r.ToError(ErrCodeValidation)
	require.ErrorAs(t, err, &pmsErr)
	assert.Equal(t, ErrCodeValidation, pmsErr.Code)
	assert.Equal(t, "dangling next (and 2 more)", pmsErr.Message)
}
