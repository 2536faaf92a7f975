package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/pkg/schema"
)

func TestShouldEndChain(t *testing.T) {
	tests := []struct {
		name     string
		isEnd    bool
		statuses []schema.Status
		want     bool
	}{
		{"iterator end", true, []schema.Status{schema.StatusSucceeded}, true},
		{"all good", false, []schema.Status{schema.StatusSucceeded, schema.StatusSkipped}, false},
		{"ignored failure continues", false, []schema.Status{schema.StatusIgnoreFailed}, false},
		{"failed", false, []schema.Status{schema.StatusSucceeded, schema.StatusFailed}, true},
		{"errored", false, []schema.Status{schema.StatusErrored}, true},
		{"expired", false, []schema.Status{schema.StatusExpired}, true},
		{"aborted", false, []schema.Status{schema.StatusAborted}, true},
		{"nothing delivered", false, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldEndChain(tt.isEnd, tt.statuses))
		})
	}
}

func TestAggregate(t *testing.T) {
	ok := schema.ResponseData{Status: schema.StatusSucceeded}
	skipped := schema.ResponseData{Status: schema.StatusSkipped}
	failed := schema.ResponseData{Status: schema.StatusFailed, Failure: &schema.FailureInfo{Message: "f", Types: []schema.FailureType{schema.FailureApplication}}}
	errored := schema.ResponseData{Status: schema.StatusErrored, Failure: &schema.FailureInfo{Message: "e", Types: []schema.FailureType{schema.FailureApplication, schema.FailureUnknown}}}
	aborted := schema.ResponseData{Status: schema.StatusAborted}

	assert.Equal(t, schema.StatusSucceeded, Aggregate(nil).Status)
	assert.Equal(t, schema.StatusSucceeded, Aggregate(map[string]schema.ResponseData{"a": ok, "b": skipped}).Status)
	assert.Equal(t, schema.StatusSkipped, Aggregate(map[string]schema.ResponseData{"a": skipped, "b": skipped}).Status)
	assert.Equal(t, schema.StatusSucceeded, Aggregate(map[string]schema.ResponseData{"a": {Status: schema.StatusIgnoreFailed}}).Status)

	got := Aggregate(map[string]schema.ResponseData{"a": failed, "b": errored, "c": ok})
	assert.Equal(t, schema.StatusErrored, got.Status)
	assert.Equal(t, "f; e", got.Failure.Message)
	assert.Equal(t, []schema.FailureType{schema.FailureApplication, schema.FailureUnknown}, got.Failure.Types)

	assert.Equal(t, schema.StatusAborted, Aggregate(map[string]schema.ResponseData{"a": errored, "b": aborted}).Status)
}

func TestDefaultChildChain_Links(t *testing.T) {
	ctx := context.Background()
	params := json.RawMessage(`{"child_node_ids":["a","b"]}`)
	c := DefaultChildChain{}

	first, err := c.ExecuteFirstChild(ctx, InvokerPackage{Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, "a", first.NextChildID)
	assert.False(t, first.LastLink)

	second, err := c.ExecuteNextChild(ctx, ResumePackage{
		Parameters:   params,
		ChainDetails: &schema.ChainDetails{PassThroughData: first.PassThroughData},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", second.NextChildID)
	assert.True(t, second.LastLink)

	done, err := c.ExecuteNextChild(ctx, ResumePackage{
		Parameters:   params,
		ChainDetails: &schema.ChainDetails{PassThroughData: second.PassThroughData},
	})
	require.NoError(t, err)
	assert.Empty(t, done.NextChildID)
}

func TestDefaultChildChain_EmptyChain(t *testing.T) {
	first, err := DefaultChildChain{}.ExecuteFirstChild(context.Background(), InvokerPackage{})
	require.NoError(t, err)
	assert.Empty(t, first.NextChildID)
}

func TestDefaultChildren_BadParams(t *testing.T) {
	_, err := DefaultChildren{}.ObtainChildren(context.Background(), InvokerPackage{Parameters: json.RawMessage(`[1]`)})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestStepRegistry(t *testing.T) {
	r := NewStepRegistry()
	require.NoError(t, r.Register("echo", succeed(`{}`)))
	require.NoError(t, r.Register("approval", newAsyncStep()))
	require.NoError(t, r.Register("deploy", taskStep{}))
	require.NoError(t, r.Register("rollout", chainStep{}))

	for stepType, want := range map[string]schema.ExecutionMode{
		"echo":     schema.ModeSync,
		"approval": schema.ModeAsync,
		"deploy":   schema.ModeTask,
		"rollout":  schema.ModeTaskChain,
	} {
		mode, ok := r.ModeFor(stepType)
		require.True(t, ok, stepType)
		assert.Equal(t, want, mode, stepType)
	}
	assert.Equal(t, []string{"approval", "deploy", "echo", "rollout"}, r.StepTypes())

	err := r.Register("echo", succeed(`{}`))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	err = r.Register("bogus", struct{}{})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	err = r.RegisterMode("sync-as-task", schema.ModeTask, succeed(`{}`))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestStepRegistry_Executable(t *testing.T) {
	r := NewStepRegistry()
	require.NoError(t, r.Register("echo", succeed(`{}`)))

	exec, err := r.Executable("Stage", schema.ModeChild)
	require.NoError(t, err)
	assert.IsType(t, DefaultChild{}, exec)
	exec, err = r.Executable("Parallel", schema.ModeChildren)
	require.NoError(t, err)
	assert.IsType(t, DefaultChildren{}, exec)
	exec, err = r.Executable("Pipeline", schema.ModeChildChain)
	require.NoError(t, err)
	assert.IsType(t, DefaultChildChain{}, exec)

	_, err = r.Executable("echo", schema.ModeAsync)
	assert.Equal(t, schema.ErrCodeUnknownStep, schema.ErrorCode(err))
	_, err = r.Executable("missing", schema.ModeSync)
	assert.Equal(t, schema.ErrCodeUnknownStep, schema.ErrorCode(err))
}
