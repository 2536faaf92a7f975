package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/pms/pkg/schema"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFailureFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []schema.FailureType
		msg  string
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), []schema.FailureType{schema.FailureTimeout}, "call: context deadline exceeded"},
		{"net timeout", timeoutErr{}, []schema.FailureType{schema.FailureTimeout, schema.FailureConnectivity}, ""},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, []schema.FailureType{schema.FailureConnectivity}, ""},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), []schema.FailureType{schema.FailureTimeout}, "slow"},
		{"validation code", schema.NewError(schema.ErrCodeValidation, "bad input"), []schema.FailureType{schema.FailureApplication}, "bad input"},
		{"missing output", schema.NewError(schema.ErrCodeSweepingOutputNotFound, "no x"), []schema.FailureType{schema.FailureApplication}, "no x"},
		{"unknown step", schema.NewError(schema.ErrCodeUnknownStep, "nope"), []schema.FailureType{schema.FailureDelegateProvisioning}, "nope"},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), []schema.FailureType{schema.FailureDelegateProvisioning}, "open"},
		{"connection text", errors.New("dial tcp: Connection Refused"), []schema.FailureType{schema.FailureConnectivity}, "dial tcp: Connection Refused"},
		{"gateway text", errors.New("502 bad gateway"), []schema.FailureType{schema.FailureConnectivity}, "502 bad gateway"},
		{"anything else", errors.New("disk full"), []schema.FailureType{schema.FailureUnknown}, "disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := FailureFromError(tt.err)
			assert.Equal(t, tt.want, info.Types)
			if tt.msg == "" {
				tt.msg = tt.err.Error()
			}
			assert.Equal(t, tt.msg, info.Message)
		})
	}
}

func TestFailureFromError_CodedMessage(t *testing.T) {
	err := schema.NewError(schema.ErrCodeExecution, "exploded").WithNode("ne-1")
	info := FailureFromError(err)
	assert.Equal(t, "exploded", info.Message)
	assert.Equal(t, []schema.FailureType{schema.FailureApplication}, info.Types)

	info = FailureFromError(fmt.Errorf("step: %w", err))
	assert.Equal(t, "exploded", info.Message)
}

func TestFailureFromError_Nil(t *testing.T) {
	assert.Nil(t, FailureFromError(nil))
}

func TestRetryDelay(t *testing.T) {
	intervals := []time.Duration{time.Second, 5 * time.Second}
	assert.Equal(t, time.Duration(0), retryDelay(nil, 3))
	assert.Equal(t, time.Second, retryDelay(intervals, 0))
	assert.Equal(t, 5*time.Second, retryDelay(intervals, 1))
	assert.Equal(t, 5*time.Second, retryDelay(intervals, 7), "last interval repeats")
	assert.Equal(t, time.Second, retryDelay(intervals, -1))
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, waitForBackoff(context.Background(), 0))
	assert.NoError(t, waitForBackoff(context.Background(), -time.Second))
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	assert.NoError(t, waitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waitForBackoff(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdvise(t *testing.T) {
	appFailure := &schema.FailureInfo{Message: "boom", Types: []schema.FailureType{schema.FailureApplication}}
	retry := schema.AdviserObtainment{
		Type:           schema.AdviserRetry,
		RetryCount:     2,
		RetryIntervals: []time.Duration{time.Second, time.Minute},
		RepairAction:   schema.AdviserMarkAsSuccess,
	}

	tests := []struct {
		name     string
		advisers []schema.AdviserObtainment
		status   schema.Status
		retries  int
		want     advice
	}{
		{
			name:   "no advisers",
			status: schema.StatusFailed,
			want:   advice{status: schema.StatusFailed},
		},
		{
			name:     "first retry",
			advisers: []schema.AdviserObtainment{retry},
			status:   schema.StatusFailed,
			want:     advice{status: schema.StatusFailed, adviser: schema.AdviserRetry, retry: true, delay: time.Second},
		},
		{
			name:     "second retry",
			advisers: []schema.AdviserObtainment{retry},
			status:   schema.StatusErrored,
			retries:  1,
			want:     advice{status: schema.StatusErrored, adviser: schema.AdviserRetry, retry: true, delay: time.Minute},
		},
		{
			name:     "retries exhausted",
			advisers: []schema.AdviserObtainment{retry},
			status:   schema.StatusFailed,
			retries:  2,
			want:     advice{status: schema.StatusSucceeded, adviser: schema.AdviserMarkAsSuccess},
		},
		{
			name:     "abort",
			advisers: []schema.AdviserObtainment{{Type: schema.AdviserAbort}},
			status:   schema.StatusExpired,
			want:     advice{status: schema.StatusAborted, adviser: schema.AdviserAbort, abortPlan: true},
		},
		{
			name:     "aborted is final",
			advisers: []schema.AdviserObtainment{{Type: schema.AdviserIgnore}},
			status:   schema.StatusAborted,
			want:     advice{status: schema.StatusAborted},
		},
		{
			name:     "first matching adviser wins",
			advisers: []schema.AdviserObtainment{{Type: schema.AdviserAbort, FailureTypes: []schema.FailureType{schema.FailureTimeout}}, {Type: schema.AdviserIgnore}},
			status:   schema.StatusFailed,
			want:     advice{status: schema.StatusIgnoreFailed, adviser: schema.AdviserIgnore},
		},
		{
			name:     "next step after success",
			advisers: []schema.AdviserObtainment{{Type: schema.AdviserNextStep, NextNodeID: "b"}},
			status:   schema.StatusSucceeded,
			want:     advice{status: schema.StatusSucceeded, adviser: schema.AdviserNextStep, nextNodeID: "b"},
		},
		{
			name:     "next step after ignored failure",
			advisers: []schema.AdviserObtainment{{Type: schema.AdviserIgnore}, {Type: schema.AdviserNextStep, NextNodeID: "b"}},
			status:   schema.StatusFailed,
			want:     advice{status: schema.StatusIgnoreFailed, adviser: schema.AdviserIgnore, nextNodeID: "b"},
		},
		{
			name:     "on success ignores skipped",
			advisers: []schema.AdviserObtainment{{Type: schema.AdviserOnSuccess, NextNodeID: "b"}},
			status:   schema.StatusSkipped,
			want:     advice{status: schema.StatusSkipped},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pn := &schema.PlanNode{UUID: "n", Advisers: tt.advisers}
			assert.Equal(t, tt.want, advise(pn, tt.status, appFailure, tt.retries))
		})
	}
}
