package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/pms/pkg/schema"
)

// connectivityPatterns are error texts that indicate the executor could not
// reach its target.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"too many requests",
}

// FailureFromError classifies an error returned by an executable into the
// failure types advisers match on.
func FailureFromError(err error) *schema.FailureInfo {
	if err == nil {
		return nil
	}
	info := &schema.FailureInfo{Message: err.Error()}
	var pe *schema.PMSError
	if errors.As(err, &pe) {
		info.Message = pe.Message
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		info.Types = []schema.FailureType{schema.FailureTimeout}
	case errors.As(err, &netErr) && netErr.Timeout():
		info.Types = []schema.FailureType{schema.FailureTimeout, schema.FailureConnectivity}
	case errors.As(err, &netErr):
		info.Types = []schema.FailureType{schema.FailureConnectivity}
	}
	if len(info.Types) > 0 {
		return info
	}

	switch schema.ErrorCode(err) {
	case schema.ErrCodeTimeout:
		info.Types = []schema.FailureType{schema.FailureTimeout}
	case schema.ErrCodeValidation, schema.ErrCodeInterpolation, schema.ErrCodeExecution,
		schema.ErrCodeSweepingOutputNotFound, schema.ErrCodeOutcomeNotFound, schema.ErrCodeGroupNotFound:
		info.Types = []schema.FailureType{schema.FailureApplication}
	case schema.ErrCodeUnknownStep, schema.ErrCodeCircuitOpen:
		info.Types = []schema.FailureType{schema.FailureDelegateProvisioning}
	}
	if len(info.Types) > 0 {
		return info
	}

	msg := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(msg, p) {
			info.Types = []schema.FailureType{schema.FailureConnectivity}
			return info
		}
	}
	info.Types = []schema.FailureType{schema.FailureUnknown}
	return info
}

// retryDelay picks the wait before retry number attempt (zero based). The
// last interval repeats once the list is exhausted; no intervals means retry
// immediately.
func retryDelay(intervals []time.Duration, attempt int) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	if attempt >= len(intervals) {
		attempt = len(intervals) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	return intervals[attempt]
}

// waitForBackoff sleeps for delay or returns early if ctx is cancelled.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
