package expressions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/internal/resolver"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

type fixture struct {
	st       *store.SQLStore
	outputs  *resolver.Service
	outcomes *resolver.Service
	pe       *store.PlanExecution
	nodes    map[string]*store.NodeExecution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "expr.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	plan := &schema.Plan{ID: uuid.NewString(), Nodes: map[string]*schema.PlanNode{}, StartingNodeID: "root"}
	require.NoError(t, st.SavePlan(ctx, plan))
	pe := &store.PlanExecution{ID: uuid.NewString(), PlanID: plan.ID, Status: schema.StatusRunning,
		Metadata: ambiance.Metadata{AccountID: "acc", ProjectID: "proj"}}
	require.NoError(t, st.CreatePlanExecution(ctx, pe))

	return &fixture{
		st:       st,
		outputs:  resolver.NewSweepingOutputService(st),
		outcomes: resolver.NewOutcomeService(st),
		pe:       pe,
		nodes:    map[string]*store.NodeExecution{},
	}
}

// add creates a node execution under parent (nil for the root) and records it
// under key.
func (f *fixture) add(t *testing.T, key string, parent *store.NodeExecution, identifier string, skip bool, status schema.Status, output string) *store.NodeExecution {
	t.Helper()
	base := ambiance.New(f.pe.ID, f.pe.PlanID, f.pe.Metadata)
	parentID := ""
	if parent != nil {
		base = parent.Ambiance
		parentID = parent.ID
	}
	id := uuid.NewString()
	ne := &store.NodeExecution{
		ID:              id,
		PlanExecutionID: f.pe.ID,
		PlanNodeID:      "setup-" + key,
		Identifier:      identifier,
		Ambiance: base.CloneForChild(ambiance.Level{
			RuntimeID: id, SetupID: "setup-" + key, Identifier: identifier, SkipExpressionChain: skip,
		}),
		Status:   status,
		Mode:     schema.ModeSync,
		ParentID: parentID,
	}
	if output != "" {
		ne.Output = json.RawMessage(output)
	}
	require.NoError(t, f.st.CreateNodeExecution(context.Background(), ne))
	f.nodes[key] = ne
	return ne
}

// tree: pipeline > stages > build > (parallel, hidden) > {lint, test}
// plus two "probe" siblings under build and an unnamed wrapper holding "pkg".
func (f *fixture) tree(t *testing.T) {
	p := f.add(t, "pipeline", nil, "pipeline", false, schema.StatusRunning, "")
	stages := f.add(t, "stages", p, "stages", false, schema.StatusRunning, "")
	build := f.add(t, "build", stages, "build", false, schema.StatusRunning, "")
	par := f.add(t, "parallel", build, "parallel", true, schema.StatusSucceeded, "")
	f.add(t, "lint", par, "lint", false, schema.StatusSucceeded, `{"warnings":2}`)
	f.add(t, "test", par, "test", false, schema.StatusFailed, `{"failed":["a","b"]}`)
	f.add(t, "probe1", build, "probe", false, schema.StatusFailed, "")
	f.add(t, "probe2", build, "probe", false, schema.StatusSucceeded, "")
	wrap := f.add(t, "wrapper", build, "", false, schema.StatusSucceeded, "")
	f.add(t, "pkg", wrap, "pkg", false, schema.StatusSucceeded, `{"artifact":"app.tgz"}`)
}

func (f *fixture) functor(key string) *Functor {
	return NewFunctor(f.st, f.outputs, f.outcomes, f.nodes[key])
}

func TestFunctor_WalksChildrenByIdentifier(t *testing.T) {
	f := newFixture(t)
	f.tree(t)
	ctx := context.Background()
	fn := f.functor("pipeline")

	v, err := fn.Resolve(ctx, "stages.build.lint.output.warnings")
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = fn.Resolve(ctx, "stages.build.test.status")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", v)

	v, err = fn.Resolve(ctx, "stages.build.test.output.failed.1")
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = fn.Resolve(ctx, "stages.build.pkg.output.artifact")
	require.NoError(t, err)
	assert.Equal(t, "app.tgz", v, "nodes without identifier are walked through")

	_, err = fn.Resolve(ctx, "stages.build.parallel")
	assert.True(t, schema.IsNotFound(err), "skip-chain nodes are not addressable")
}

func TestFunctor_SiblingsSharingIdentifierCollapse(t *testing.T) {
	f := newFixture(t)
	f.tree(t)
	ctx := context.Background()
	fn := f.functor("build")

	v, err := fn.Get(ctx, "probe")
	require.NoError(t, err)
	list, ok := v.(nodeList)
	require.True(t, ok)
	assert.Len(t, list, 2)

	all, err := fn.Resolve(ctx, "probe")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "FAILED", all.([]any)[0].(map[string]any)["status"])

	v, err = fn.Resolve(ctx, "probe.1.status")
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", v)

	_, err = fn.Resolve(ctx, "probe.status")
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))
}

func TestFunctor_IsLateBinding(t *testing.T) {
	f := newFixture(t)
	f.tree(t)
	ctx := context.Background()
	fn := f.functor("build")

	_, err := fn.Get(ctx, "deploy")
	require.Error(t, err)

	f.add(t, "deploy", f.nodes["build"], "deploy", false, schema.StatusSucceeded, `{"url":"https://x"}`)
	v, err := fn.Resolve(ctx, "deploy.output.url")
	require.NoError(t, err)
	assert.Equal(t, "https://x", v)
}

func TestFunctor_ValuesResolvedFromNodeAmbiance(t *testing.T) {
	f := newFixture(t)
	f.tree(t)
	ctx := context.Background()
	lint := f.nodes["lint"]

	_, err := f.outcomes.Consume(ctx, lint.Ambiance, "report", map[string]any{"score": 9}, "")
	require.NoError(t, err)
	_, err = f.outputs.Consume(ctx, f.nodes["build"].Ambiance, "image", "app:1", schema.GroupStage)
	require.Error(t, err, "build has no STAGE label in this fixture")
	_, err = f.outputs.Consume(ctx, f.nodes["build"].Ambiance, "image", "app:1", resolver.GlobalGroup)
	require.NoError(t, err)

	fn := f.functor("lint")
	v, err := fn.Resolve(ctx, "outcome.report.score")
	require.NoError(t, err)
	assert.Equal(t, float64(9), v)

	v, err = fn.Resolve(ctx, "report.score")
	require.NoError(t, err)
	assert.Equal(t, float64(9), v)

	v, err = fn.Get(ctx, "image")
	require.NoError(t, err)
	assert.Equal(t, "app:1", v)

	_, err = f.functor("build").Get(ctx, "report")
	assert.Equal(t, schema.ErrCodeSweepingOutputNotFound, schema.ErrorCode(err),
		"lint's outcome is bound below build's scope")
}

func TestFunctor_Materialize(t *testing.T) {
	f := newFixture(t)
	f.tree(t)

	m, err := f.functor("pipeline").Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", m["status"])

	build := m["stages"].(map[string]any)["build"].(map[string]any)
	assert.Equal(t, "SUCCEEDED", build["lint"].(map[string]any)["status"])
	assert.Len(t, build["probe"], 2)
	assert.Contains(t, build, "pkg")
	assert.NotContains(t, build, "parallel")
}
