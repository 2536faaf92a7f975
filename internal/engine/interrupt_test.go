package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

func interrupt(n *store.NodeExecution, typ schema.InterruptType) schema.InterruptEvent {
	return schema.InterruptEvent{Ambiance: n.Ambiance, InterruptType: typ}
}

func (h *harness) interrupts(peID string) map[schema.InterruptType]schema.InterruptState {
	h.t.Helper()
	list, err := h.store.ListInterrupts(context.Background(), peID)
	require.NoError(h.t, err)
	out := make(map[schema.InterruptType]schema.InterruptState, len(list))
	for _, in := range list {
		out[in.Type] = in.State
	}
	return out
}

func TestInterrupt_CompositeTargetIsDiscarded(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("root",
		pnode("root", schema.ModeChild, "Stage", plancreator.ChildParams{ChildNodeID: "gate"}),
		pnode("gate", schema.ModeAsync, "wait", nil),
	))
	async.next(t)
	gate := h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)
	root := h.node(pe.ID, "root")
	assert.Equal(t, schema.StatusRunning, root.Status, "composites stay running while children work")

	ctx := context.Background()
	applied, err := h.eng.HandleInterrupt(ctx, interrupt(root, schema.InterruptAbort))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, schema.InterruptDiscarded, h.interrupts(pe.ID)[schema.InterruptAbort])

	applied, err = h.eng.HandleInterrupt(ctx, interrupt(gate, schema.InterruptAbort))
	require.NoError(t, err)
	assert.True(t, applied)

	done := h.await(pe.ID)
	assert.Equal(t, schema.StatusAborted, done.Status)
	aborts := async.abortList()
	require.Len(t, aborts, 1)
	assert.Equal(t, schema.InterruptAbort, aborts[0].Type)
	assert.Len(t, aborts[0].CallbackIDs, 1)
}

func TestInterrupt_ConcludedTargetIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.register("ok", succeed(`{}`))
	pe := h.run(newPlan("n", pnode("n", schema.ModeSync, "ok", nil)))

	applied, err := h.eng.HandleInterrupt(context.Background(), interrupt(h.node(pe.ID, "n"), schema.InterruptAbort))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, schema.StatusSucceeded, h.node(pe.ID, "n").Status)
}

func TestInterrupt_PauseHoldsDeliveredResponses(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("gate", pnode("gate", schema.ModeAsync, "wait", nil)))
	cb := async.next(t)
	gate := h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)

	ctx := context.Background()
	applied, err := h.eng.HandleInterrupt(ctx, interrupt(gate, schema.InterruptPause))
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, h.eng.Notify(ctx, cb, schema.ResponseData{Status: schema.StatusSucceeded, Payload: json.RawMessage(`{"ok":1}`)}))
	h.eng.Wait()
	assert.Equal(t, schema.StatusPaused, h.node(pe.ID, "gate").Status)

	applied, err = h.eng.HandleInterrupt(ctx, interrupt(gate, schema.InterruptResume))
	require.NoError(t, err)
	require.True(t, applied)

	done := h.await(pe.ID)
	assert.Equal(t, schema.StatusSucceeded, done.Status)
	assert.JSONEq(t, `{"ok":1}`, string(h.node(pe.ID, "gate").Output))

	states := h.interrupts(pe.ID)
	assert.Equal(t, schema.InterruptProcessed, states[schema.InterruptPause])
	assert.Equal(t, schema.InterruptProcessed, states[schema.InterruptResume])
}

func TestInterrupt_ResumeWithoutPauseIsDiscarded(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("gate", pnode("gate", schema.ModeAsync, "wait", nil)))
	async.next(t)
	gate := h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)

	applied, err := h.eng.HandleInterrupt(context.Background(), interrupt(gate, schema.InterruptResume))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, schema.StatusAsyncWaiting, h.node(pe.ID, "gate").Status)
}

func TestInterrupt_Expire(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("gate", pnode("gate", schema.ModeAsync, "wait", nil)))
	async.next(t)
	gate := h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)

	applied, err := h.eng.HandleInterrupt(context.Background(), interrupt(gate, schema.InterruptExpire))
	require.NoError(t, err)
	require.True(t, applied)

	done := h.await(pe.ID)
	assert.Equal(t, schema.StatusExpired, done.Status)
	n := h.node(pe.ID, "gate")
	assert.Equal(t, []schema.FailureType{schema.FailureTimeout}, n.Failure.Types)
	aborts := async.abortList()
	require.Len(t, aborts, 1)
	assert.Equal(t, schema.InterruptExpire, aborts[0].Type)
}

func TestInterrupt_ExpireFeedsRetryAdviser(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("gate", pnode("gate", schema.ModeAsync, "wait", nil, schema.AdviserObtainment{
		Type:         schema.AdviserRetry,
		FailureTypes: []schema.FailureType{schema.FailureTimeout},
		RetryCount:   1,
	})))
	async.next(t)
	gate := h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)

	_, err := h.eng.HandleInterrupt(context.Background(), interrupt(gate, schema.InterruptExpire))
	require.NoError(t, err)

	cb := async.next(t)
	retried := h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, gate.ID, retried.RetryOf)

	require.NoError(t, h.eng.Notify(context.Background(), cb, schema.ResponseData{Status: schema.StatusSucceeded}))
	assert.Equal(t, schema.StatusSucceeded, h.await(pe.ID).Status)
}

func TestInterrupt_RetryRequeuesTask(t *testing.T) {
	h := newHarness(t)
	h.register("deploy", taskStep{})

	pe := h.start(newPlan("root",
		pnode("root", schema.ModeChild, "Stage", plancreator.ChildParams{ChildNodeID: "deploy"}),
		pnode("deploy", schema.ModeTask, "deploy", map[string]any{"host": "a"}),
	))
	first := h.tasks.next(t)
	old := h.awaitNode(pe.ID, "deploy", schema.StatusTaskWaiting)

	ctx := context.Background()
	applied, err := h.eng.HandleInterrupt(ctx, interrupt(old, schema.InterruptRetry))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, []string{"task-1"}, h.tasks.abortedIDs())

	second := h.tasks.next(t)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
	assert.NotEqual(t, old.ID, second.NodeExecutionID)

	// The aborted attempt reporting late changes nothing.
	require.NoError(t, h.eng.Notify(ctx, first.CorrelationID, schema.ResponseData{Status: schema.StatusFailed}))
	require.NoError(t, h.eng.Notify(ctx, second.CorrelationID, schema.ResponseData{Status: schema.StatusSucceeded}))

	done := h.await(pe.ID)
	assert.Equal(t, schema.StatusSucceeded, done.Status)

	replaced, err := h.store.GetNodeExecution(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusAborted, replaced.Status)
	assert.True(t, replaced.OldRetry)
}

func TestInterrupt_AbortAll(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("root",
		pnode("root", schema.ModeChildren, "Parallel", children("a", "b")),
		pnode("a", schema.ModeAsync, "wait", nil),
		pnode("b", schema.ModeAsync, "wait", nil),
	))
	async.next(t)
	async.next(t)
	h.awaitNode(pe.ID, "a", schema.StatusAsyncWaiting)
	h.awaitNode(pe.ID, "b", schema.StatusAsyncWaiting)

	applied, err := h.eng.HandleInterrupt(context.Background(), schema.InterruptEvent{
		Ambiance:      ambiance.New(pe.ID, pe.PlanID, ambiance.Metadata{}),
		InterruptType: schema.InterruptAbortAll,
	})
	require.NoError(t, err)
	require.True(t, applied)

	done := h.await(pe.ID)
	assert.Equal(t, schema.StatusAborted, done.Status)
	assert.Equal(t, schema.StatusAborted, h.node(pe.ID, "a").Status)
	assert.Equal(t, schema.StatusAborted, h.node(pe.ID, "b").Status)
	assert.Len(t, async.abortList(), 2)
}

func TestInterrupt_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.HandleInterrupt(ctx, schema.InterruptEvent{InterruptType: schema.InterruptAbort})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	h.register("ok", succeed(`{}`))
	pe := h.run(newPlan("n", pnode("n", schema.ModeSync, "ok", nil)))
	_, err = h.eng.HandleInterrupt(ctx, schema.InterruptEvent{
		Ambiance:      ambiance.New(pe.ID, pe.PlanID, ambiance.Metadata{}),
		InterruptType: schema.InterruptPause,
	})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestEngine_ErrorOutActiveNodes(t *testing.T) {
	h := newHarness(t)
	async := newAsyncStep()
	h.register("wait", async)

	pe := h.start(newPlan("gate", pnode("gate", schema.ModeAsync, "wait", nil)))
	async.next(t)
	h.awaitNode(pe.ID, "gate", schema.StatusAsyncWaiting)

	n, err := h.eng.ErrorOutActiveNodes(context.Background(), pe.ID, &schema.FailureInfo{Message: "plan lost"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := h.await(pe.ID)
	assert.Equal(t, schema.StatusErrored, done.Status)
	assert.Equal(t, "plan lost", h.node(pe.ID, "gate").Failure.Message)
}

func TestEngine_AbortPlanWithNothingActive(t *testing.T) {
	h := newHarness(t)
	h.register("ok", succeed(`{}`))
	pe := h.run(newPlan("n", pnode("n", schema.ModeSync, "ok", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := h.eng.AbortPlan(ctx, pe.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInterrupt_AbortTaskChainLink(t *testing.T) {
	h := newHarness(t)
	h.register("rollout", chainStep{})

	pe := h.start(newPlan("rollout", pnode("rollout", schema.ModeTaskChain, "rollout", nil)))
	first := h.tasks.next(t)
	ctx := context.Background()
	require.NoError(t, h.eng.Notify(ctx, first.CorrelationID, schema.ResponseData{Status: schema.StatusSucceeded}))
	h.tasks.next(t)

	var n *store.NodeExecution
	require.Eventually(t, func() bool {
		n = h.node(pe.ID, "rollout")
		return n.Status == schema.StatusTaskWaiting && len(n.Executables) == 2
	}, 5*time.Second, 5*time.Millisecond)

	applied, err := h.eng.HandleInterrupt(ctx, interrupt(n, schema.InterruptAbort))
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, schema.StatusAborted, h.await(pe.ID).Status)
	assert.Equal(t, []ChainInterrupt{{Type: schema.InterruptAbort, TaskID: "task-2", ChainIndex: 1}}, h.tasks.abortedLinks())
}
