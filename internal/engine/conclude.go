package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// advice is what a node's advisers decided for a proposed status.
type advice struct {
	status     schema.Status
	adviser    schema.AdviserType
	retry      bool
	delay      time.Duration
	abortPlan  bool
	nextNodeID string
}

func isFailureAdviser(t schema.AdviserType) bool {
	switch t {
	case schema.AdviserRetry, schema.AdviserIgnore, schema.AdviserMarkAsSuccess, schema.AdviserAbort:
		return true
	}
	return false
}

// advise applies pn's advisers to a proposed status. The first failure
// adviser whose failure types match decides the final status; routing
// advisers then pick the sibling to continue with. ABORTED is never
// re-interpreted.
func advise(pn *schema.PlanNode, status schema.Status, failure *schema.FailureInfo, retryCount int) advice {
	a := advice{status: status}
	if status.IsBroken() && status != schema.StatusAborted {
		for _, adv := range pn.Advisers {
			if !isFailureAdviser(adv.Type) || !failure.HasAny(adv.FailureTypes) {
				continue
			}
			action := adv.Type
			if action == schema.AdviserRetry {
				if retryCount < adv.RetryCount {
					a.adviser = schema.AdviserRetry
					a.retry = true
					a.delay = retryDelay(adv.RetryIntervals, retryCount)
					return a
				}
				action = adv.RepairAction
			}
			switch action {
			case schema.AdviserIgnore:
				a.status = schema.StatusIgnoreFailed
			case schema.AdviserMarkAsSuccess:
				a.status = schema.StatusSucceeded
			case schema.AdviserAbort:
				a.status = schema.StatusAborted
				a.abortPlan = true
			}
			a.adviser = action
			break
		}
	}
	for _, adv := range pn.Advisers {
		switch {
		case adv.Type == schema.AdviserNextStep && a.status.IsPositive(),
			adv.Type == schema.AdviserOnSuccess && a.status == schema.StatusSucceeded:
			if adv.NextNodeID != "" {
				a.nextNodeID = adv.NextNodeID
				if a.adviser == "" {
					a.adviser = adv.Type
				}
				return a
			}
		}
	}
	return a
}

// conclude moves a node from one of from to its final status. Outcomes are
// published first, advisers then decide between retrying the node,
// continuing with a sibling or notifying whoever waits on it.
func (e *Engine) conclude(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, resp *StepResponse, from []schema.Status) error {
	if resp == nil {
		resp = &StepResponse{Status: schema.StatusSucceeded}
	}
	if !resp.Status.IsTerminal() {
		resp = &StepResponse{Status: schema.StatusErrored, Failure: &schema.FailureInfo{
			Message: fmt.Sprintf("step returned non-terminal status %q", resp.Status),
			Types:   []schema.FailureType{schema.FailureUnknown},
		}}
	}
	if err := e.publishOutcomes(ctx, ne, resp.Outcomes); err != nil {
		resp = errored(err)
	}

	adv := advise(pn, resp.Status, resp.Failure, ne.RetryCount)
	if !schema.CanTransition(ne.Status, adv.status) {
		adv = advice{status: resp.Status}
	}
	if adv.retry {
		adv.status = resp.Status
	}

	done, ok, err := e.fsm.TransitionFrom(ctx, ne.ID, from, adv.status, func(n *store.NodeExecution) {
		if len(resp.Output) > 0 {
			n.Output = resp.Output
		}
		n.Failure = resp.Failure
	})
	if err != nil || !ok {
		return err
	}
	if adv.adviser != "" {
		e.fsm.emit(ctx, done.PlanExecutionID, done.ID, schema.EventNodeAdvised, map[string]any{
			"adviser":      string(adv.adviser),
			"status":       string(adv.status),
			"next_node_id": adv.nextNodeID,
			"retry_delay":  adv.delay.String(),
		})
	}
	e.logger.InfoContext(ctx, "node concluded",
		slog.String("identifier", done.Identifier),
		slog.String("status", string(done.Status)))

	if adv.retry {
		return e.retry(ctx, done, pn, adv.delay)
	}
	if adv.nextNodeID != "" {
		if err := e.startNext(ctx, done, adv.nextNodeID); err != nil {
			return err
		}
	} else if err := e.notifyParent(ctx, done); err != nil {
		return err
	}
	if adv.abortPlan {
		_, err := e.AbortPlan(ctx, done.PlanExecutionID)
		return err
	}
	return nil
}

func (e *Engine) publishOutcomes(ctx context.Context, ne *store.NodeExecution, outcomes map[string]any) error {
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := e.outcomes.ConsumeInternal(ctx, ne.Ambiance, name, outcomes[name], -1); err != nil {
			return err
		}
	}
	return nil
}

// MarkRetried flags a node execution as superseded by a retry.
func (e *Engine) MarkRetried(ctx context.Context, id string) (*store.NodeExecution, error) {
	ne, _, err := e.fsm.Mutate(ctx, id, func(n *store.NodeExecution) error {
		if n.OldRetry {
			return errSkipUpdate
		}
		n.OldRetry = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.fsm.emit(ctx, ne.PlanExecutionID, ne.ID, schema.EventNodeExecutionRetried, map[string]any{
		"retry_count": ne.RetryCount,
	})
	return ne, nil
}

// retry replaces old with a fresh execution of the same plan node at the
// same position of the tree, started after delay.
func (e *Engine) retry(ctx context.Context, old *store.NodeExecution, pn *schema.PlanNode, delay time.Duration) error {
	if _, err := e.MarkRetried(ctx, old.ID); err != nil {
		return err
	}
	next, err := e.startNode(ctx, pn, spawn{
		planExecutionID: old.PlanExecutionID,
		parent:          old.Ambiance.CloneForFinish(),
		parentID:        old.ParentID,
		notifyID:        old.NotifyID,
		previousID:      old.PreviousID,
		retryOf:         old.ID,
		retryCount:      old.RetryCount + 1,
	}, delay)
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "node retry scheduled",
		slog.String("retry_node_execution_id", next.ID),
		slog.Int("retry_count", next.RetryCount),
		slog.Duration("delay", delay))
	return nil
}

// startNext continues with the sibling nextNodeID, which inherits the parent
// and the correlation id of done.
func (e *Engine) startNext(ctx context.Context, done *store.NodeExecution, nextNodeID string) error {
	plan, err := e.plan(ctx, done.Ambiance.PlanID)
	if err != nil {
		return err
	}
	next, ok := plan.Nodes[nextNodeID]
	if !ok {
		e.logger.ErrorContext(ctx, "next node not in plan", slog.String("next_node_id", nextNodeID))
		return e.notifyParent(ctx, done)
	}
	_, err = e.startNode(ctx, next, spawn{
		planExecutionID: done.PlanExecutionID,
		parent:          done.Ambiance.CloneForFinish(),
		parentID:        done.ParentID,
		notifyID:        done.NotifyID,
		previousID:      done.ID,
	}, 0)
	return err
}

// childResult is the payload a concluded node delivers to its parent.
type childResult struct {
	NodeExecutionID string `json:"node_execution_id"`
	Identifier      string `json:"identifier"`
}

// notifyParent delivers ne's final status to the node waiting on it, or
// finishes the plan execution when ne is the root.
func (e *Engine) notifyParent(ctx context.Context, ne *store.NodeExecution) error {
	if ne.NotifyID == "" {
		return e.finishPlan(ctx, ne)
	}
	payload, err := json.Marshal(childResult{NodeExecutionID: ne.ID, Identifier: ne.Identifier})
	if err != nil {
		return err
	}
	return e.Notify(ctx, ne.NotifyID, schema.ResponseData{
		Status:  ne.Status,
		Failure: ne.Failure,
		Payload: payload,
	})
}

func (e *Engine) finishPlan(ctx context.Context, root *store.NodeExecution) error {
	ok, err := e.store.FinishPlanExecution(ctx, root.PlanExecutionID, root.Status, e.now())
	if err != nil || !ok {
		return err
	}
	e.fsm.emit(ctx, root.PlanExecutionID, "", schema.EventPlanExecutionEnded, map[string]any{
		"status": string(root.Status),
	})
	e.metrics.PlanFinished(string(root.Status))
	e.logger.InfoContext(ctx, "plan execution ended", slog.String("status", string(root.Status)))
	return nil
}
