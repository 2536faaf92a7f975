package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// FetchChildrenNodeExecutions lists the direct children of a node execution,
// old retries excluded.
func (e *Engine) FetchChildrenNodeExecutions(ctx context.Context, parentID string) ([]*store.NodeExecution, error) {
	return e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{ParentID: parentID})
}

// FindAllChildrenWithStatusIn walks the subtree below parentID and returns
// every descendant whose status is in statuses. An empty statuses matches
// every descendant.
func (e *Engine) FindAllChildrenWithStatusIn(ctx context.Context, parentID string, statuses []schema.Status) ([]*store.NodeExecution, error) {
	var out []*store.NodeExecution
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := e.FetchChildrenNodeExecutions(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if len(statuses) == 0 || slices.Contains(statuses, c.Status) {
				out = append(out, c)
			}
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// Recover picks up the work of running plan executions after a restart:
// QUEUED nodes are dispatched again, parked nodes whose wait group is
// complete are resumed and nodes left DISCONTINUING conclude ABORTED. Call
// it before accepting new work.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	plans, err := e.store.ListPlanExecutions(ctx, store.PlanExecutionFilter{
		Statuses: []schema.Status{schema.StatusRunning},
	})
	if err != nil {
		return 0, err
	}
	recovered := 0
	var errs []error
	for _, pe := range plans {
		nodes, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
			PlanExecutionID: pe.ID,
			Statuses: []schema.Status{
				schema.StatusQueued, schema.StatusRunning,
				schema.StatusAsyncWaiting, schema.StatusTaskWaiting,
				schema.StatusDiscontinuing,
			},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, n := range nodes {
			switch {
			case n.Status == schema.StatusQueued:
				e.dispatch(n.ID, 0)
				recovered++
			case n.Status == schema.StatusDiscontinuing:
				nctx := nodeContext(ctx, n)
				e.abortWork(nctx, n, schema.InterruptAbort)
				if err := e.conclude(nctx, n, e.planNodeOrEmpty(nctx, n), &StepResponse{
					Status:  schema.StatusAborted,
					Failure: &schema.FailureInfo{Message: "discontinued before restart"},
				}, fromDiscontinuing); err != nil {
					errs = append(errs, err)
					continue
				}
				recovered++
			case resumable(n):
				// A claim taken by a resume that never ran is handed back.
				if err := e.store.ReleaseWaitGroup(ctx, n.ID, n.WaitSeq); err != nil {
					errs = append(errs, err)
					continue
				}
				if err := e.tryResume(ctx, n.ID, n.WaitSeq); err != nil {
					errs = append(errs, err)
					continue
				}
				recovered++
			}
		}
	}
	if recovered > 0 {
		e.logger.InfoContext(ctx, "recovered node executions", slog.Int("count", recovered))
	}
	return recovered, errors.Join(errs...)
}
