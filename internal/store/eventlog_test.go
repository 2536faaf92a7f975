package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/pkg/schema"
)

func TestAppendEvent_SequencePerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &Event{PlanExecutionID: "pe-a", Type: schema.EventResumeReceived}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	other := &Event{PlanExecutionID: "pe-b", Type: schema.EventPlanExecutionStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.GetEvents(ctx, "pe-a", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)
	assert.Empty(t, events[0].NodeExecutionID)
	assert.Nil(t, events[0].Payload)
}

func TestEventLog_ReplayNodeStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	el := NewEventLog(s)

	_, err := el.Append(ctx, "pe-1", "", schema.EventPlanExecutionStarted, nil)
	require.NoError(t, err)
	_, err = el.Append(ctx, "pe-1", "ne-1", schema.EventNodeExecutionStart, StatusChange{To: schema.StatusRunning})
	require.NoError(t, err)
	_, err = el.Append(ctx, "pe-1", "ne-2", schema.EventNodeExecutionStart, StatusChange{To: schema.StatusRunning})
	require.NoError(t, err)
	e, err := el.Append(ctx, "pe-1", "ne-1", schema.EventNodeExecutionStatusUpdate,
		StatusChange{From: schema.StatusRunning, To: schema.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.Sequence)
	_, err = el.Append(ctx, "pe-1", "ne-2", schema.EventNodeAdvised, map[string]string{"adviser": "NEXT_STEP"})
	require.NoError(t, err)

	statuses, err := el.ReplayNodeStatuses(ctx, "pe-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]schema.Status{
		"ne-1": schema.StatusSucceeded,
		"ne-2": schema.StatusRunning,
	}, statuses)

	since, err := el.Since(ctx, "pe-1", 3)
	require.NoError(t, err)
	require.Len(t, since, 2)
	var payload StatusChange
	require.NoError(t, json.Unmarshal(since[0].Payload, &payload))
	assert.Equal(t, schema.StatusRunning, payload.From)
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	el := NewEventLog(s)

	for i := 0; i < 3; i++ {
		_, err := el.Append(ctx, "pe-gap", "ne", schema.EventNodeExecutionStart, StatusChange{To: schema.StatusRunning})
		require.NoError(t, err)
	}
	_, err := s.DB().Exec(`DELETE FROM events WHERE plan_execution_id = ? AND sequence = 2`, "pe-gap")
	require.NoError(t, err)

	_, err = el.ReplayNodeStatuses(ctx, "pe-gap")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestEventLog_EmptyReplay(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	statuses, err := el.ReplayNodeStatuses(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, statuses)
}
