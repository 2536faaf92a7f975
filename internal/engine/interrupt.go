package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// HandleInterrupt applies ev to the node addressed by the current level of
// ev.Ambiance, or to the whole plan execution for ABORT_ALL and for ABORT
// without a target. It reports whether the interrupt changed anything.
// Interrupts aimed at composite or concluded nodes are discarded.
func (e *Engine) HandleInterrupt(ctx context.Context, ev schema.InterruptEvent) (bool, error) {
	planExecID := ev.Ambiance.PlanExecutionID
	if planExecID == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "interrupt needs a plan execution id")
	}
	if ev.InterruptUUID == "" {
		ev.InterruptUUID = uuid.NewString()
	}
	target := ev.Ambiance.CurrentRuntimeID()
	rec := &store.Interrupt{
		ID:              ev.InterruptUUID,
		PlanExecutionID: planExecID,
		NodeExecutionID: target,
		Type:            ev.InterruptType,
		State:           schema.InterruptRegistered,
		IssuedBy:        ev.Ambiance.Metadata.Principal.ID,
	}
	if err := e.store.CreateInterrupt(ctx, rec); err != nil {
		return false, err
	}
	e.fsm.emit(ctx, planExecID, target, schema.EventInterruptRegistered, map[string]any{
		"interrupt_id": rec.ID,
		"type":         string(ev.InterruptType),
	})

	applied, err := e.applyInterrupt(ctx, target, ev)

	state, eventType := schema.InterruptDiscarded, schema.EventInterruptDiscarded
	if applied {
		state, eventType = schema.InterruptProcessed, schema.EventInterruptProcessed
	}
	if uerr := e.store.UpdateInterruptState(ctx, rec.ID, state); uerr != nil {
		e.logger.WarnContext(ctx, "update interrupt state", slog.String("error", uerr.Error()))
	}
	e.fsm.emit(ctx, planExecID, target, eventType, map[string]any{
		"interrupt_id": rec.ID,
		"type":         string(ev.InterruptType),
	})
	e.metrics.Interrupt(string(ev.InterruptType), applied)
	return applied, err
}

func (e *Engine) applyInterrupt(ctx context.Context, target string, ev schema.InterruptEvent) (bool, error) {
	planExecID := ev.Ambiance.PlanExecutionID
	if ev.InterruptType == schema.InterruptAbortAll || (target == "" && ev.InterruptType == schema.InterruptAbort) {
		n, err := e.AbortPlan(ctx, planExecID)
		return n > 0, err
	}
	if target == "" {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "%s interrupt needs a target node", ev.InterruptType)
	}

	ne, err := e.store.GetNodeExecution(ctx, target)
	if err != nil {
		return false, err
	}
	if ne.PlanExecutionID != planExecID {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "node %s is not part of plan execution %s", target, planExecID)
	}
	ctx = nodeContext(ctx, ne)
	if ne.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "interrupt on concluded node discarded", slog.String("type", string(ev.InterruptType)))
		return false, nil
	}
	if ne.Mode.IsComposite() {
		e.logger.WarnContext(ctx, "interrupt on composite node discarded", slog.String("type", string(ev.InterruptType)))
		return false, nil
	}

	switch ev.InterruptType {
	case schema.InterruptAbort:
		return e.discontinue(ctx, ne, schema.StatusAborted, &schema.FailureInfo{Message: "aborted"}, ev.InterruptType)
	case schema.InterruptExpire:
		return e.discontinue(ctx, ne, schema.StatusExpired, &schema.FailureInfo{
			Message: "timed out",
			Types:   []schema.FailureType{schema.FailureTimeout},
		}, ev.InterruptType)
	case schema.InterruptPause:
		_, ok, err := e.fsm.TransitionFrom(ctx, ne.ID, fromWaiting, schema.StatusPaused, nil)
		return ok, err
	case schema.InterruptResume:
		n, ok, err := e.fsm.TransitionFrom(ctx, ne.ID, []schema.Status{schema.StatusPaused}, waitingStatusFor(ne.Mode), nil)
		if err != nil || !ok {
			return ok, err
		}
		return true, e.tryResume(ctx, n.ID, n.WaitSeq)
	case schema.InterruptRetry:
		return e.retryNow(ctx, ne)
	}
	return false, schema.NewErrorf(schema.ErrCodeInterruptNotAllowed, "unknown interrupt type %q", ev.InterruptType)
}

func waitingStatusFor(mode schema.ExecutionMode) schema.Status {
	if mode == schema.ModeAsync {
		return schema.StatusAsyncWaiting
	}
	return schema.StatusTaskWaiting
}

// discontinue stops the work of an active leaf and concludes it with final.
// Advisers still apply, so an EXPIRED node may be retried.
func (e *Engine) discontinue(ctx context.Context, ne *store.NodeExecution, final schema.Status, failure *schema.FailureInfo, cause schema.InterruptType) (bool, error) {
	n, ok, err := e.fsm.Transition(ctx, ne.ID, schema.StatusDiscontinuing, nil)
	if err != nil || !ok {
		return ok, err
	}
	e.abortWork(ctx, n, cause)
	return true, e.conclude(ctx, n, e.planNodeOrEmpty(ctx, n), &StepResponse{Status: final, Failure: failure}, fromDiscontinuing)
}

// retryNow aborts an active leaf and starts a new execution of it in place.
// The parent keeps waiting on the same correlation id.
func (e *Engine) retryNow(ctx context.Context, ne *store.NodeExecution) (bool, error) {
	n, ok, err := e.fsm.Transition(ctx, ne.ID, schema.StatusDiscontinuing, nil)
	if err != nil || !ok {
		return ok, err
	}
	e.abortWork(ctx, n, schema.InterruptRetry)
	done, ok, err := e.fsm.TransitionFrom(ctx, n.ID, fromDiscontinuing, schema.StatusAborted, func(n *store.NodeExecution) {
		n.Failure = &schema.FailureInfo{Message: "superseded by retry"}
	})
	if err != nil || !ok {
		return ok, err
	}
	pn, err := e.planNode(ctx, done)
	if err != nil {
		return true, err
	}
	return true, e.retry(ctx, done, pn, 0)
}

// abortWork tells whatever executes a suspended leaf to stop.
func (e *Engine) abortWork(ctx context.Context, ne *store.NodeExecution, cause schema.InterruptType) {
	cur, ok := currentExecutable(ne)
	if !ok {
		return
	}
	var err error
	switch cur.Mode {
	case schema.ModeAsync:
		var exec any
		exec, err = e.steps.Executable(ne.StepType, schema.ModeAsync)
		if err == nil {
			x := exec.(AsyncExecutable)
			pkg := e.invokerPackage(ne, e.planNodeOrEmpty(ctx, ne))
			_, err = safely(func() (struct{}, error) {
				return struct{}{}, x.HandleAbort(ctx, pkg, AsyncInterrupt{Type: cause, CallbackIDs: cur.CorrelationIDs})
			})
		}
	case schema.ModeTask:
		if e.tasks != nil {
			err = e.tasks.Abort(ctx, TaskInterrupt{Type: cause, TaskIDs: cur.TaskIDs})
		}
	case schema.ModeTaskChain:
		if e.tasks != nil {
			in := ChainInterrupt{Type: cause, ChainIndex: cur.ChainIndex}
			if len(cur.TaskIDs) > 0 {
				in.TaskID = cur.TaskIDs[0]
			}
			err = e.tasks.AbortLink(ctx, in)
		}
	}
	if err != nil {
		e.logger.WarnContext(ctx, "abort work failed",
			slog.String("mode", string(cur.Mode)),
			slog.String("error", err.Error()))
	}
}

// MarkLeavesDiscontinuing moves every active leaf of a plan execution, and
// every composite that has not started yet, to DISCONTINUING and returns
// those it moved.
func (e *Engine) MarkLeavesDiscontinuing(ctx context.Context, planExecutionID string) ([]*store.NodeExecution, error) {
	nodes, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		Statuses: []schema.Status{
			schema.StatusQueued, schema.StatusRunning, schema.StatusAsyncWaiting,
			schema.StatusTaskWaiting, schema.StatusPaused,
		},
	})
	if err != nil {
		return nil, err
	}
	var out []*store.NodeExecution
	var errs []error
	for _, n := range nodes {
		if n.Mode.IsComposite() && n.Status != schema.StatusQueued {
			continue
		}
		d, ok, err := e.fsm.Transition(ctx, n.ID, schema.StatusDiscontinuing, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, errors.Join(errs...)
}

// AbortPlan aborts every active leaf of a plan execution. Composite nodes
// conclude as their children report back. It returns how many nodes it
// aborted.
func (e *Engine) AbortPlan(ctx context.Context, planExecutionID string) (int, error) {
	return e.endActive(ctx, planExecutionID, schema.StatusAborted,
		&schema.FailureInfo{Message: "plan execution aborted"}, schema.InterruptAbortAll)
}

// ErrorOutActiveNodes concludes every active leaf of a plan execution as
// ERRORED with failure.
func (e *Engine) ErrorOutActiveNodes(ctx context.Context, planExecutionID string, failure *schema.FailureInfo) (int, error) {
	return e.endActive(ctx, planExecutionID, schema.StatusErrored, failure, schema.InterruptAbortAll)
}

func (e *Engine) endActive(ctx context.Context, planExecutionID string, final schema.Status, failure *schema.FailureInfo, cause schema.InterruptType) (int, error) {
	nodes, err := e.MarkLeavesDiscontinuing(ctx, planExecutionID)
	errs := []error{err}
	for _, n := range nodes {
		nctx := nodeContext(ctx, n)
		e.abortWork(nctx, n, cause)
		if err := e.conclude(nctx, n, e.planNodeOrEmpty(nctx, n), &StepResponse{Status: final, Failure: failure}, fromDiscontinuing); err != nil {
			errs = append(errs, err)
		}
	}
	return len(nodes), errors.Join(errs...)
}
