package steps

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/internal/delegate"
	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/internal/validation"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

func decodeTask(t *testing.T, req *engine.TaskRequest) shellParams {
	t.Helper()
	require.NotNil(t, req)
	var p shellParams
	require.NoError(t, json.Unmarshal(req.Payload, &p))
	return p
}

func TestRollout_Links(t *testing.T) {
	f := newFixture(t)
	x := f.steps["Rollout"].(engine.TaskChainExecutable)
	ctx := context.Background()
	pkg := f.invoker(t, map[string]any{"command": "deploy", "targets": []string{"a", "b"}, "env": map[string]string{"ENV": "prod"}})

	first, err := x.StartChainLink(ctx, pkg)
	require.NoError(t, err)
	assert.False(t, first.ChainEnd)
	task := decodeTask(t, first.Task)
	assert.Equal(t, map[string]string{"ENV": "prod", "TARGET": "a"}, task.Env)

	resume := engine.ResumePackage{
		Parameters:   pkg.Parameters,
		Responses:    map[string]schema.ResponseData{"c-1": {Status: schema.StatusSucceeded, Payload: json.RawMessage(`{"exit_code":0}`)}},
		ChainDetails: &schema.ChainDetails{PassThroughData: first.PassThroughData},
	}
	second, err := x.ExecuteNextLink(ctx, resume)
	require.NoError(t, err)
	assert.True(t, second.ChainEnd)
	assert.Equal(t, "b", decodeTask(t, second.Task).Env["TARGET"])

	resume.Responses = map[string]schema.ResponseData{"c-2": {
		Status:  schema.StatusFailed,
		Failure: &schema.FailureInfo{Message: "exit 1", Types: []schema.FailureType{schema.FailureApplication}},
	}}
	resume.ChainDetails = &schema.ChainDetails{ShouldEnd: true, PassThroughData: second.PassThroughData}
	resp, err := x.FinalizeExecution(ctx, resume)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, resp.Status)
	assert.Equal(t, "target b: exit 1", resp.Failure.Message)
	assert.Equal(t, []schema.FailureType{schema.FailureApplication}, resp.Failure.Types)

	var out struct {
		Results []rolloutResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Output, &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, "a", out.Results[0].Target)
	assert.Equal(t, schema.StatusSucceeded, out.Results[0].Status)
}

func TestRollout_FinalizeWithoutChainState(t *testing.T) {
	f := newFixture(t)
	x := f.steps["Rollout"].(engine.TaskChainExecutable)
	pkg := f.invoker(t, map[string]any{"command": "deploy", "targets": []string{"a"}})

	resp, err := x.FinalizeExecution(context.Background(), engine.ResumePackage{Parameters: pkg.Parameters})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, resp.Status)
}

func TestRollout_RequiresTargets(t *testing.T) {
	f := newFixture(t)
	x := f.steps["Rollout"].(engine.TaskChainExecutable)

	_, err := x.StartChainLink(context.Background(), f.invoker(t, map[string]any{"command": "deploy", "targets": []string{}}))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestHTTP_RejectsBadURLBeforeQueueing(t *testing.T) {
	f := newFixture(t)
	x := f.steps["Http"].(engine.TaskExecutable)

	_, err := x.ObtainTask(context.Background(), f.invoker(t, map[string]any{"url": "not a url"}))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

// --- end to end through the engine and the local dispatcher ---

type runtime struct {
	t     *testing.T
	store *store.SQLStore
	eng   *engine.Engine
}

func newRuntime(t *testing.T) *runtime {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	tasks := delegate.NewLocalDispatcher(delegate.Config{PoolSize: 4}, delegate.WithLogger(logging.Discard()))
	reg := engine.NewStepRegistry()
	schemas, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	require.NoError(t, Register(reg, tasks, mustEngines(t), schemas, Config{Logger: logging.Discard()}))

	eng, err := engine.New(s, reg, engine.Config{PoolSize: 4, PollInterval: 10 * time.Millisecond},
		engine.WithTaskDispatcher(tasks),
		engine.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	tasks.Bind(eng)
	t.Cleanup(func() {
		tasks.Close()
		eng.Close()
	})
	return &runtime{t: t, store: s, eng: eng}
}

func (r *runtime) run(start string, nodes ...*schema.PlanNode) (*store.PlanExecution, map[string]*store.NodeExecution) {
	r.t.Helper()
	plan := &schema.Plan{ID: uuid.NewString(), Nodes: map[string]*schema.PlanNode{}, StartingNodeID: start, CreatedAt: time.Now().UTC()}
	for _, n := range nodes {
		plan.Nodes[n.UUID] = n
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pe, err := r.eng.StartPlan(ctx, plan, ambiance.Metadata{ProjectID: "p1"})
	require.NoError(r.t, err)
	pe, err = r.eng.AwaitPlan(ctx, pe.ID)
	require.NoError(r.t, err)
	r.eng.Wait()

	list, err := r.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: pe.ID})
	require.NoError(r.t, err)
	byIdent := make(map[string]*store.NodeExecution, len(list))
	for _, n := range list {
		byIdent[n.Identifier] = n
	}
	return pe, byIdent
}

func node(id string, mode schema.ExecutionMode, stepType string, params any) *schema.PlanNode {
	raw, _ := json.Marshal(params)
	return &schema.PlanNode{
		UUID:           id,
		Identifier:     id,
		Name:           id,
		StepType:       stepType,
		StepParameters: raw,
		Facilitator:    schema.FacilitatorObtainment{Type: mode},
	}
}

func TestRuntime_ShellScript(t *testing.T) {
	r := newRuntime(t)
	pe, nodes := r.run("sh", node("sh", schema.ModeTask, "ShellScript", map[string]any{"command": `printf '{"ok":true}'`, "shell": true}))

	assert.Equal(t, schema.StatusSucceeded, pe.Status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(nodes["sh"].Output, &out))
	assert.Equal(t, map[string]any{"ok": true}, out["stdout"])
}

func TestRuntime_RolloutStopsAtFailingTarget(t *testing.T) {
	r := newRuntime(t)
	pe, nodes := r.run("roll", node("roll", schema.ModeTaskChain, "Rollout", map[string]any{
		"command": `test "$TARGET" != b`,
		"shell":   true,
		"targets": []string{"a", "b", "c"},
	}))

	assert.Equal(t, schema.StatusFailed, pe.Status)
	var out struct {
		Results []rolloutResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(nodes["roll"].Output, &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, "b", out.Results[1].Target)
	assert.Equal(t, schema.StatusFailed, out.Results[1].Status)
}

func TestRuntime_EchoFeedsExpr(t *testing.T) {
	r := newRuntime(t)
	pe, nodes := r.run("stage",
		node("stage", schema.ModeChildChain, "Stage", plancreator.ChildrenParams{ChildNodeIDs: []string{"echo", "check"}}),
		node("echo", schema.ModeSync, "Echo", map[string]any{"outputs": map[string]any{"replicas": 3}}),
		node("check", schema.ModeSync, "Expr", map[string]any{
			"expression": "data >= 3",
			"data":       "${{ output.replicas }}",
			"assert":     true,
		}),
	)

	assert.Equal(t, schema.StatusSucceeded, pe.Status)
	assert.JSONEq(t, `{"result":true}`, string(nodes["check"].Output))
}
