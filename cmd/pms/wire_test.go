package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

const pipeline = `
pipeline:
  identifier: smoke
  stages:
    - stage:
        identifier: only
        type: Custom
        spec:
          execution:
            steps:
              - step:
                  identifier: say
                  type: ShellScript
                  spec:
                    command: echo
                    args: [hi]
`

func TestBuildApp_CompilesAndRuns(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "nested", "pms.db")
	ctx := context.Background()

	a, err := buildApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.close()) }()

	for _, st := range []string{"Echo", "Expr", "JQ", "Approval", "ShellScript", "Http", "Rollout"} {
		_, ok := a.steps.ModeFor(st)
		assert.True(t, ok, st)
	}

	plan, err := a.compiler.CreatePlanFromYAML(ctx, &plancreator.Context{Steps: a.steps}, []byte(pipeline))
	require.NoError(t, err)

	pe, err := a.engine.StartPlan(ctx, plan, ambiance.Metadata{TriggeredBy: "test"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pe, err = a.engine.AwaitPlan(waitCtx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, pe.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.PlanCompilations.WithLabelValues("ok")))
}

func TestBuildApp_BadSchedule(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "pms.db")
	cfg.SweepSchedule = "every now and then"

	_, err := buildApp(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}
