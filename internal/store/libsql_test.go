package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPlan(t *testing.T, s *SQLStore) *schema.Plan {
	t.Helper()
	root := uuid.NewString()
	plan := &schema.Plan{
		ID: uuid.NewString(),
		Nodes: map[string]*schema.PlanNode{
			root: {UUID: root, Identifier: "echo", StepType: "Echo", Facilitator: schema.FacilitatorObtainment{Type: schema.ModeSync}},
		},
		StartingNodeID: root,
	}
	require.NoError(t, s.SavePlan(context.Background(), plan))
	return plan
}

func seedExecution(t *testing.T, s *SQLStore) *PlanExecution {
	t.Helper()
	plan := seedPlan(t, s)
	pe := &PlanExecution{
		ID:       uuid.NewString(),
		PlanID:   plan.ID,
		Status:   schema.StatusRunning,
		Metadata: ambiance.Metadata{AccountID: "acc", ProjectID: "proj"},
	}
	require.NoError(t, s.CreatePlanExecution(context.Background(), pe))
	return pe
}

func newNode(pe *PlanExecution, planNodeID string) *NodeExecution {
	amb := ambiance.New(pe.ID, pe.PlanID, pe.Metadata)
	id := uuid.NewString()
	return &NodeExecution{
		ID:              id,
		PlanExecutionID: pe.ID,
		PlanNodeID:      planNodeID,
		Identifier:      "echo",
		StepType:        "Echo",
		Ambiance:        amb.CloneForChild(ambiance.Level{RuntimeID: id, SetupID: planNodeID, Group: schema.GroupStep}),
		Status:          schema.StatusQueued,
		Mode:            schema.ModeSync,
	}
}

func TestOpenSelectsDialect(t *testing.T) {
	assert.Equal(t, dialectPostgres, dialectFor("postgres://u:p@localhost/pms"))
	assert.Equal(t, dialectPostgres, dialectFor("postgresql://localhost/pms"))
	assert.Equal(t, dialectLibSQL, dialectFor("file:/tmp/pms.db"))

	s := newTestStore(t)
	assert.Equal(t, "libsql", s.Dialect())
}

func TestRebind(t *testing.T) {
	q := `SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)`
	assert.Equal(t, q, dialectLibSQL.rebind(q))
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)`, dialectPostgres.rebind(q))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

// --- Plans ---

func TestSaveAndGetPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	got, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StartingNodeID, got.StartingNodeID)
	require.Contains(t, got.Nodes, plan.StartingNodeID)
	assert.Equal(t, schema.ModeSync, got.Nodes[plan.StartingNodeID].Facilitator.Type)

	// Saving twice keeps the first body.
	plan.StartingNodeID = "other"
	require.NoError(t, s.SavePlan(ctx, plan))
	got, err = s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "other", got.StartingNodeID)
}

func TestGetPlan_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPlan(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

// --- Plan executions ---

func TestPlanExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)

	got, err := s.GetPlanExecution(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
	assert.Equal(t, "acc", got.Metadata.AccountID)
	assert.Nil(t, got.EndTs)

	applied, err := s.FinishPlanExecution(ctx, pe.ID, schema.StatusSucceeded, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.FinishPlanExecution(ctx, pe.ID, schema.StatusFailed, time.Now())
	require.NoError(t, err)
	assert.False(t, applied, "a finished execution keeps its first status")

	got, err = s.GetPlanExecution(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, got.Status)
	assert.NotNil(t, got.EndTs)

	_, err = s.FinishPlanExecution(ctx, "missing", schema.StatusAborted, time.Now())
	assert.True(t, schema.IsNotFound(err))
}

func TestListPlanExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedExecution(t, s)
	b := seedExecution(t, s)
	_, err := s.FinishPlanExecution(ctx, b.ID, schema.StatusAborted, time.Now())
	require.NoError(t, err)

	running, err := s.ListPlanExecutions(ctx, PlanExecutionFilter{Statuses: []schema.Status{schema.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	byPlan, err := s.ListPlanExecutions(ctx, PlanExecutionFilter{PlanID: b.PlanID})
	require.NoError(t, err)
	require.Len(t, byPlan, 1)
	assert.Equal(t, b.ID, byPlan[0].ID)

	all, err := s.ListPlanExecutions(ctx, PlanExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Node executions ---

func TestNodeExecutionCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)

	ne := newNode(pe, "plan-node-1")
	ne.ResolvedParams = json.RawMessage(`{"message":"hi"}`)
	require.NoError(t, s.CreateNodeExecution(ctx, ne))
	assert.Equal(t, int64(1), ne.Version)

	got, err := s.GetNodeExecution(ctx, ne.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusQueued, got.Status)
	assert.Equal(t, schema.ModeSync, got.Mode)
	assert.Equal(t, ne.Ambiance.RuntimeIDs(), got.Ambiance.RuntimeIDs())
	assert.Equal(t, pe.ID, got.Ambiance.PlanExecutionID)
	assert.JSONEq(t, `{"message":"hi"}`, string(got.ResolvedParams))
	assert.Nil(t, got.Failure)
	assert.False(t, got.OldRetry)

	_, err = s.GetNodeExecution(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func TestUpdateNodeExecution_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)
	ne := newNode(pe, "n")
	require.NoError(t, s.CreateNodeExecution(ctx, ne))

	stale, err := s.GetNodeExecution(ctx, ne.ID)
	require.NoError(t, err)

	ne.Status = schema.StatusFailed
	ne.Failure = &schema.FailureInfo{Message: "boom", Types: []schema.FailureType{schema.FailureApplication}}
	ne.Output = json.RawMessage(`{"exit":1}`)
	ne.Executables = []schema.ExecutableResponse{{Mode: schema.ModeTask, WaitSeq: 1, TaskIDs: []string{"t-1"}}}
	end := time.Now().UTC()
	ne.EndTs = &end
	require.NoError(t, s.UpdateNodeExecution(ctx, ne))
	assert.Equal(t, int64(2), ne.Version)

	stale.Status = schema.StatusSucceeded
	err = s.UpdateNodeExecution(ctx, stale)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	got, err := s.GetNodeExecution(ctx, ne.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, "boom", got.Failure.Message)
	require.Len(t, got.Executables, 1)
	assert.Equal(t, []string{"t-1"}, got.Executables[0].TaskIDs)
	assert.Equal(t, int64(2), got.Version)
	assert.NotNil(t, got.EndTs)

	missing := newNode(pe, "n")
	missing.Version = 1
	assert.True(t, schema.IsNotFound(s.UpdateNodeExecution(ctx, missing)))
}

func TestUpdateNodeExecution_ConcurrentWritersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)
	ne := newNode(pe, "n")
	require.NoError(t, s.CreateNodeExecution(ctx, ne))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := *ne
			cp.Status = schema.StatusRunning
			errs[i] = s.UpdateNodeExecution(ctx, &cp)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
	}
	assert.Equal(t, 1, wins)
}

func TestListNodeExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)

	parent := newNode(pe, "parent")
	parent.Mode = schema.ModeChildren
	parent.Status = schema.StatusRunning
	require.NoError(t, s.CreateNodeExecution(ctx, parent))

	soon := time.Now().Add(time.Minute).UTC()
	var children []*NodeExecution
	for i := 0; i < 3; i++ {
		c := newNode(pe, "child")
		c.ParentID, c.NotifyID = parent.ID, parent.ID
		c.Mode = schema.ModeAsync
		c.Status = schema.StatusAsyncWaiting
		c.TimeoutAt = &soon
		require.NoError(t, s.CreateNodeExecution(ctx, c))
		children = append(children, c)
	}
	children[0].OldRetry = true
	require.NoError(t, s.UpdateNodeExecution(ctx, children[0]))

	got, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{ParentID: parent.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2, "old retries are hidden by default")

	got, err = s.ListNodeExecutions(ctx, NodeExecutionFilter{NotifyID: parent.ID, IncludeOldRetries: true})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.ListNodeExecutions(ctx, NodeExecutionFilter{
		PlanExecutionID: pe.ID,
		Statuses:        []schema.Status{schema.StatusRunning},
		Modes:           []schema.ExecutionMode{schema.ModeChildren},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, parent.ID, got[0].ID)

	later := soon.Add(time.Minute)
	got, err = s.ListNodeExecutions(ctx, NodeExecutionFilter{TimeoutBefore: &later})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanNodeID: "child", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// --- Scoped values ---

func TestScopedValues_VersionsPerScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)

	put := func(levelKey, value string) *ScopedValue {
		v := &ScopedValue{
			ID:                uuid.NewString(),
			Kind:              KindSweepingOutput,
			PlanExecutionID:   pe.ID,
			Name:              "artifact",
			LevelKey:          levelKey,
			ProducerRuntimeID: "rt-producer",
			Value:             json.RawMessage(value),
		}
		require.NoError(t, s.AppendScopedValue(ctx, v))
		return v
	}

	assert.Equal(t, int64(1), put("a|b", `"v1"`).Version)
	assert.Equal(t, int64(2), put("a|b", `"v2"`).Version)
	assert.Equal(t, int64(1), put("a", `"outer"`).Version)

	got, err := s.LatestScopedValues(ctx, ScopedValueQuery{
		Kind: KindSweepingOutput, PlanExecutionID: pe.ID, Name: "artifact",
		LevelKeys: []string{"a|b|c", "a|b", "a", ""},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byKey := map[string]*ScopedValue{}
	for _, v := range got {
		byKey[v.LevelKey] = v
	}
	assert.JSONEq(t, `"v2"`, string(byKey["a|b"].Value))
	assert.Equal(t, int64(2), byKey["a|b"].Version)
	assert.JSONEq(t, `"outer"`, string(byKey["a"].Value))

	none, err := s.LatestScopedValues(ctx, ScopedValueQuery{
		Kind: KindOutcome, PlanExecutionID: pe.ID, Name: "artifact", LevelKeys: []string{"a|b"},
	})
	require.NoError(t, err)
	assert.Empty(t, none, "kinds do not share a namespace")

	empty, err := s.LatestScopedValues(ctx, ScopedValueQuery{Kind: KindSweepingOutput, PlanExecutionID: pe.ID, Name: "artifact"})
	require.NoError(t, err)
	assert.Empty(t, empty)

	produced, err := s.ListScopedValuesByProducer(ctx, KindSweepingOutput, pe.ID, "rt-producer")
	require.NoError(t, err)
	assert.Len(t, produced, 3)
}

func TestScopedValues_ConcurrentAppendsGetDistinctVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)

	const writers = 4
	var wg sync.WaitGroup
	versions := make([]int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := &ScopedValue{ID: uuid.NewString(), Kind: KindOutcome, PlanExecutionID: pe.ID, Name: "o", LevelKey: "k", Value: json.RawMessage(`1`)}
			assert.NoError(t, s.AppendScopedValue(ctx, v))
			versions[i] = v.Version
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, versions)
}

// --- Waits ---

func TestWaits_FirstResponseWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWaits(ctx, "ne-1", 1, []string{"c1", "c2"}))

	w, fresh, err := s.RecordResponse(ctx, "c1", []byte(`{"status":"SUCCEEDED"}`))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.True(t, w.Responded())
	assert.Equal(t, "ne-1", w.NodeExecutionID)

	w, fresh, err = s.RecordResponse(ctx, "c1", []byte(`{"status":"FAILED"}`))
	require.NoError(t, err)
	assert.False(t, fresh, "duplicate delivery")
	assert.JSONEq(t, `{"status":"SUCCEEDED"}`, string(w.Response))

	_, _, err = s.RecordResponse(ctx, "unknown", []byte(`{}`))
	assert.True(t, schema.IsNotFound(err))

	waits, err := s.ListWaits(ctx, "ne-1", 1)
	require.NoError(t, err)
	require.Len(t, waits, 2)
	responded := 0
	for _, w := range waits {
		if w.Responded() {
			responded++
		}
	}
	assert.Equal(t, 1, responded)

	other, err := s.ListWaits(ctx, "ne-1", 2)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestClaimWaitGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateWaits(ctx, "ne-1", 1, []string{"a", "b"}))

	ok, err := s.ClaimWaitGroup(ctx, "ne-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "group still has pending waits")

	_, _, err = s.RecordResponse(ctx, "a", []byte(`{}`))
	require.NoError(t, err)
	_, _, err = s.RecordResponse(ctx, "b", []byte(`{}`))
	require.NoError(t, err)

	ok, err = s.ClaimWaitGroup(ctx, "ne-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimWaitGroup(ctx, "ne-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "second claim")

	waits, err := s.ListWaits(ctx, "ne-1", 1)
	require.NoError(t, err)
	for _, w := range waits {
		assert.True(t, w.Consumed)
	}

	require.NoError(t, s.ReleaseWaitGroup(ctx, "ne-1", 1))
	ok, err = s.ClaimWaitGroup(ctx, "ne-1", 1)
	require.NoError(t, err)
	assert.True(t, ok, "claimable again after release")

	ok, err = s.ClaimWaitGroup(ctx, "ne-1", 2)
	require.NoError(t, err)
	assert.False(t, ok, "empty group")
}

func TestCreateWaits_DuplicateCorrelationRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateWaits(ctx, "ne-1", 1, []string{"dup"}))

	err := s.CreateWaits(ctx, "ne-2", 1, []string{"fresh", "dup"})
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	waits, err := s.ListWaits(ctx, "ne-2", 1)
	require.NoError(t, err)
	assert.Empty(t, waits)
}

// --- Interrupts ---

func TestInterrupts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := seedExecution(t, s)

	in := &Interrupt{
		ID:              uuid.NewString(),
		PlanExecutionID: pe.ID,
		Type:            schema.InterruptAbortAll,
		State:           schema.InterruptRegistered,
		IssuedBy:        "ops",
	}
	require.NoError(t, s.CreateInterrupt(ctx, in))
	require.NoError(t, s.UpdateInterruptState(ctx, in.ID, schema.InterruptProcessed))

	list, err := s.ListInterrupts(ctx, pe.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, schema.InterruptProcessed, list[0].State)
	assert.Equal(t, "ops", list[0].IssuedBy)
	assert.Empty(t, list[0].NodeExecutionID)

	assert.True(t, schema.IsNotFound(s.UpdateInterruptState(ctx, "missing", schema.InterruptDiscarded)))
}
