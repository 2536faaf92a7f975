package resolver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/internal/metrics"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func level(id, group string) ambiance.Level {
	return ambiance.Level{RuntimeID: id, SetupID: "setup-" + id, Identifier: id, Group: group}
}

// tree builds pipeline > stage > section > step, returning each Ambiance.
func tree() (pipeline, stage, section, step ambiance.Ambiance) {
	root := ambiance.New("pe-1", "plan-1", ambiance.Metadata{AccountID: "acc"})
	pipeline = root.CloneForChild(level("pipeline", schema.GroupPipeline))
	stage = pipeline.CloneForChild(level("stage", schema.GroupStage))
	section = stage.CloneForChild(level("section", "SECTION"))
	step = section.CloneForChild(level("step", schema.GroupStep))
	return
}

func resolveString(t *testing.T, s *Service, a ambiance.Ambiance, name string) string {
	t.Helper()
	var out string
	require.NoError(t, s.ResolveInto(context.Background(), a, name, &out))
	return out
}

func TestConsumeResolve_GroupScope(t *testing.T) {
	svc := NewSweepingOutputService(newTestStore(t))
	ctx := context.Background()
	_, stage, section, step := tree()

	_, err := svc.Consume(ctx, step, "sectionValue", "testSection", "SECTION")
	require.NoError(t, err)

	assert.Equal(t, "testSection", resolveString(t, svc, step, "sectionValue"))
	assert.Equal(t, "testSection", resolveString(t, svc, section, "sectionValue"))

	_, err = svc.Resolve(ctx, stage, "sectionValue")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSweepingOutputNotFound, schema.ErrorCode(err))

	sibling := stage.CloneForChild(level("other-section", "SECTION"))
	_, err = svc.Resolve(ctx, sibling, "sectionValue")
	assert.Equal(t, schema.ErrCodeSweepingOutputNotFound, schema.ErrorCode(err))
}

func TestConsume_NarrowerScopeShadows(t *testing.T) {
	svc := NewSweepingOutputService(newTestStore(t))
	ctx := context.Background()
	_, _, section, step := tree()
	subStep := step.CloneForChild(level("sub", ""))

	_, err := svc.Consume(ctx, step, "name", "section-value", "SECTION")
	require.NoError(t, err)
	// Produced by a node under step with no group: bound one Level up, at step.
	_, err = svc.Consume(ctx, subStep, "name", "step-value", "")
	require.NoError(t, err)

	assert.Equal(t, "section-value", resolveString(t, svc, section, "name"))
	assert.Equal(t, "step-value", resolveString(t, svc, step, "name"))
	assert.Equal(t, "step-value", resolveString(t, svc, subStep, "name"))
}

func TestConsume_NullGroupBindsOneLevelUp(t *testing.T) {
	st := newTestStore(t)
	svc := NewOutcomeService(st)
	ctx := context.Background()
	_, stage, section, step := tree()

	_, err := svc.Consume(ctx, step, "out", map[string]int{"n": 1}, "")
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, section, "out")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	_, err = svc.Resolve(ctx, stage, "out")
	assert.Equal(t, schema.ErrCodeOutcomeNotFound, schema.ErrorCode(err))

	recs, err := svc.FindAllByRuntimeID(ctx, "pe-1", "step")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, section.ScopeKey(), recs[0].LevelKey)
	assert.Equal(t, "setup-step", recs[0].ProducerSetupID)
}

func TestConsume_GlobalGroup(t *testing.T) {
	svc := NewSweepingOutputService(newTestStore(t))
	ctx := context.Background()
	pipeline, _, _, step := tree()

	_, err := svc.Consume(ctx, step, "g", 42, GlobalGroup)
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, pipeline, "g")
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(raw))

	root := ambiance.New("pe-1", "plan-1", ambiance.Metadata{})
	_, err = svc.Resolve(ctx, root, "g")
	assert.NoError(t, err)

	other := ambiance.New("pe-2", "plan-1", ambiance.Metadata{})
	_, err = svc.Resolve(ctx, other, "g")
	assert.True(t, schema.IsNotFound(err), "values never cross plan executions")
}

func TestConsume_UnknownGroup(t *testing.T) {
	svc := NewSweepingOutputService(newTestStore(t))
	_, _, _, step := tree()

	_, err := svc.Consume(context.Background(), step, "x", "v", "NO_SUCH_GROUP")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeGroupNotFound, schema.ErrorCode(err))
	assert.False(t, schema.IsNotFound(err))
}

func TestConsumeInternal_LevelsToKeep(t *testing.T) {
	svc := NewSweepingOutputService(newTestStore(t))
	ctx := context.Background()
	pipeline, stage, _, step := tree()

	_, err := svc.ConsumeInternal(ctx, step, "pinned", "at-stage", 2)
	require.NoError(t, err)
	assert.Equal(t, "at-stage", resolveString(t, svc, stage, "pinned"))
	_, err = svc.Resolve(ctx, pipeline, "pinned")
	assert.True(t, schema.IsNotFound(err))

	_, err = svc.ConsumeInternal(ctx, step, "own", "at-step", -1)
	require.NoError(t, err)
	assert.Equal(t, "at-step", resolveString(t, svc, step, "own"))
	_, err = svc.Resolve(ctx, step.CloneForFinish(), "own")
	assert.True(t, schema.IsNotFound(err))
}

func TestConsume_RepeatedIsVersioned(t *testing.T) {
	st := newTestStore(t)
	svc := NewSweepingOutputService(st)
	ctx := context.Background()
	_, _, section, step := tree()

	id1, err := svc.Consume(ctx, step, "v", "first", "SECTION")
	require.NoError(t, err)
	id2, err := svc.Consume(ctx, step, "v", "second", "SECTION")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	assert.Equal(t, "second", resolveString(t, svc, section, "v"))

	recs, err := svc.FindAllByRuntimeID(ctx, "pe-1", "step")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].Version)
	assert.Equal(t, int64(2), recs[1].Version)
}

func TestResolve_NullIsNotAMiss(t *testing.T) {
	svc := NewSweepingOutputService(newTestStore(t))
	ctx := context.Background()
	_, _, section, step := tree()

	_, err := svc.Consume(ctx, step, "nothing", nil, "SECTION")
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, section, "nothing")
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	_, err = svc.Consume(ctx, step, "raw", json.RawMessage(`{"a":[1,2]}`), "SECTION")
	require.NoError(t, err)
	raw, err = svc.Resolve(ctx, step, "raw")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(raw))

	_, err = svc.Consume(ctx, step, "bad", json.RawMessage(`{`), "SECTION")
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestResolveOptional(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := NewOutcomeService(newTestStore(t), WithMetrics(m))
	ctx := context.Background()
	_, _, _, step := tree()

	_, found, err := svc.ResolveOptional(ctx, step, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = svc.Consume(ctx, step, "present", true, "")
	require.NoError(t, err)
	v, found, err := svc.ResolveOptional(ctx, step, "present")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, "true", string(v))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolverLookups.WithLabelValues(store.KindOutcome, "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolverLookups.WithLabelValues(store.KindOutcome, "miss")))
}

func TestKindsAreIsolated(t *testing.T) {
	st := newTestStore(t)
	outputs := NewSweepingOutputService(st)
	outcomes := NewOutcomeService(st)
	ctx := context.Background()
	_, _, _, step := tree()

	_, err := outputs.Consume(ctx, step, "shared", "output", "")
	require.NoError(t, err)

	_, err = outcomes.Resolve(ctx, step, "shared")
	assert.Equal(t, schema.ErrCodeOutcomeNotFound, schema.ErrorCode(err))
	assert.Equal(t, store.KindOutcome, outcomes.Kind())
}
