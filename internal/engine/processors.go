package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// start runs the executable of a node that just entered RUNNING.
func (e *Engine) start(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode) error {
	exec, err := e.steps.Executable(ne.StepType, ne.Mode)
	if err != nil {
		return e.complete(ctx, ne, pn, nil, err)
	}
	pkg := e.invokerPackage(ne, pn)

	switch ne.Mode {
	case schema.ModeSync:
		x := exec.(SyncExecutable)
		resp, err := safely(func() (*StepResponse, error) { return x.ExecuteSync(ctx, pkg) })
		return e.complete(ctx, ne, pn, resp, err)

	case schema.ModeAsync:
		x := exec.(AsyncExecutable)
		ar, err := safely(func() (*AsyncResponse, error) { return x.ExecuteAsync(ctx, pkg) })
		if err != nil {
			return e.complete(ctx, ne, pn, nil, err)
		}
		if ar == nil || len(ar.CallbackIDs) == 0 {
			return e.complete(ctx, ne, pn, nil, schema.NewError(schema.ErrCodeExecution, "async step returned no callback ids"))
		}
		return e.suspendOn(ctx, ne, ar.CallbackIDs, schema.StatusAsyncWaiting,
			schema.ExecutableResponse{Mode: schema.ModeAsync})

	case schema.ModeTask:
		x := exec.(TaskExecutable)
		req, err := safely(func() (*TaskRequest, error) { return x.ObtainTask(ctx, pkg) })
		if err != nil {
			return e.complete(ctx, ne, pn, nil, err)
		}
		if req == nil {
			return e.complete(ctx, ne, pn, nil, schema.NewError(schema.ErrCodeExecution, "task step returned no task"))
		}
		return e.suspendTask(ctx, ne, pn, *req, schema.ExecutableResponse{Mode: schema.ModeTask})

	case schema.ModeTaskChain:
		x := exec.(TaskChainExecutable)
		link, err := safely(func() (*TaskChainResponse, error) { return x.StartChainLink(ctx, pkg) })
		if err != nil {
			return e.complete(ctx, ne, pn, nil, err)
		}
		return e.taskLink(ctx, ne, pn, x, link, 0, e.resumePackage(ne, nil, &schema.ChainDetails{ShouldEnd: true}))

	case schema.ModeChild:
		x := exec.(ChildExecutable)
		id, err := safely(func() (string, error) { return x.ObtainChild(ctx, pkg) })
		if err != nil || id == "" {
			return e.complete(ctx, ne, pn, nil, err)
		}
		return e.spawnChildren(ctx, ne, pn, []string{id}, schema.ExecutableResponse{Mode: schema.ModeChild})

	case schema.ModeChildren:
		x := exec.(ChildrenExecutable)
		ids, err := safely(func() ([]string, error) { return x.ObtainChildren(ctx, pkg) })
		if err != nil || len(ids) == 0 {
			return e.complete(ctx, ne, pn, nil, err)
		}
		return e.spawnChildren(ctx, ne, pn, ids, schema.ExecutableResponse{Mode: schema.ModeChildren})

	case schema.ModeChildChain:
		x := exec.(ChildChainExecutable)
		link, err := safely(func() (*ChildChainResponse, error) { return x.ExecuteFirstChild(ctx, pkg) })
		if err != nil {
			return e.complete(ctx, ne, pn, nil, err)
		}
		return e.childLink(ctx, ne, pn, x, link, 0, e.resumePackage(ne, nil, &schema.ChainDetails{ShouldEnd: true}))
	}
	return e.complete(ctx, ne, pn, nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported execution mode %q", ne.Mode))
}

// resumeWith runs the resume half of a node's executable on the delivered
// responses. ne is RUNNING.
func (e *Engine) resumeWith(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, responses map[string]schema.ResponseData, chain *schema.ChainDetails) error {
	exec, err := e.steps.Executable(ne.StepType, ne.Mode)
	if err != nil {
		return e.complete(ctx, ne, pn, nil, err)
	}
	pkg := e.resumePackage(ne, responses, nil)

	switch ne.Mode {
	case schema.ModeAsync:
		x := exec.(AsyncExecutable)
		resp, err := safely(func() (*StepResponse, error) { return x.HandleAsyncResponse(ctx, pkg) })
		return e.complete(ctx, ne, pn, resp, err)

	case schema.ModeTask:
		x := exec.(TaskExecutable)
		resp, err := safely(func() (*StepResponse, error) { return x.HandleTaskResult(ctx, pkg) })
		return e.complete(ctx, ne, pn, resp, err)

	case schema.ModeChild:
		x := exec.(ChildExecutable)
		resp, err := safely(func() (*StepResponse, error) { return x.HandleChildResponse(ctx, pkg) })
		return e.complete(ctx, ne, pn, resp, err)

	case schema.ModeChildren:
		x := exec.(ChildrenExecutable)
		resp, err := safely(func() (*StepResponse, error) { return x.HandleChildrenResponse(ctx, pkg) })
		return e.complete(ctx, ne, pn, resp, err)

	case schema.ModeTaskChain:
		x := exec.(TaskChainExecutable)
		cur, _ := currentExecutable(ne)
		pkg.ChainDetails = chainDetails(cur, pkg, chain)
		if pkg.ChainDetails.ShouldEnd {
			resp, err := safely(func() (*StepResponse, error) { return x.FinalizeExecution(ctx, pkg) })
			return e.complete(ctx, ne, pn, resp, err)
		}
		link, err := safely(func() (*TaskChainResponse, error) { return x.ExecuteNextLink(ctx, pkg) })
		if err != nil {
			return e.complete(ctx, ne, pn, nil, err)
		}
		return e.taskLink(ctx, ne, pn, x, link, cur.ChainIndex+1, pkg)

	case schema.ModeChildChain:
		x := exec.(ChildChainExecutable)
		cur, _ := currentExecutable(ne)
		pkg.ChainDetails = chainDetails(cur, pkg, chain)
		if pkg.ChainDetails.ShouldEnd {
			resp, err := safely(func() (*StepResponse, error) { return x.FinalizeExecution(ctx, pkg) })
			return e.complete(ctx, ne, pn, resp, err)
		}
		link, err := safely(func() (*ChildChainResponse, error) { return x.ExecuteNextChild(ctx, pkg) })
		if err != nil {
			return e.complete(ctx, ne, pn, nil, err)
		}
		return e.childLink(ctx, ne, pn, x, link, cur.ChainIndex+1, pkg)
	}
	return e.complete(ctx, ne, pn, nil, schema.NewErrorf(schema.ErrCodeExecution, "%s node cannot be resumed", ne.Mode))
}

// taskLink queues one TASK_CHAIN link, or finalizes the chain when there is
// no further task. last is what FinalizeExecution sees in that case.
func (e *Engine) taskLink(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, x TaskChainExecutable, link *TaskChainResponse, index int, last ResumePackage) error {
	if link == nil || link.Task == nil {
		resp, err := safely(func() (*StepResponse, error) { return x.FinalizeExecution(ctx, last) })
		return e.complete(ctx, ne, pn, resp, err)
	}
	return e.suspendTask(ctx, ne, pn, *link.Task, schema.ExecutableResponse{
		Mode:            schema.ModeTaskChain,
		ChainIndex:      index,
		ChainEnd:        link.ChainEnd,
		PassThroughData: link.PassThroughData,
	})
}

// childLink spawns one CHILD_CHAIN link, or finalizes the chain.
func (e *Engine) childLink(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, x ChildChainExecutable, link *ChildChainResponse, index int, last ResumePackage) error {
	if link == nil || link.NextChildID == "" {
		resp, err := safely(func() (*StepResponse, error) { return x.FinalizeExecution(ctx, last) })
		return e.complete(ctx, ne, pn, resp, err)
	}
	return e.spawnChildren(ctx, ne, pn, []string{link.NextChildID}, schema.ExecutableResponse{
		Mode:            schema.ModeChildChain,
		ChainIndex:      index,
		ChainEnd:        link.LastLink,
		PassThroughData: link.PassThroughData,
	})
}

// complete concludes a RUNNING node with the executable's result.
func (e *Engine) complete(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, resp *StepResponse, err error) error {
	return e.conclude(ctx, ne, pn, responseOrError(resp, err), fromRunning)
}

// openWaitGroup bumps the node's wait sequence. The node must still be
// RUNNING; otherwise false is returned and nothing is written.
func (e *Engine) openWaitGroup(ctx context.Context, id string, record func(*store.NodeExecution)) (*store.NodeExecution, bool, error) {
	return e.fsm.Mutate(ctx, id, func(n *store.NodeExecution) error {
		if n.Status != schema.StatusRunning {
			return errSkipUpdate
		}
		n.WaitSeq++
		if record != nil {
			record(n)
		}
		return nil
	})
}

// suspendOn parks a leaf node on correlationIDs in waitStatus.
func (e *Engine) suspendOn(ctx context.Context, ne *store.NodeExecution, correlationIDs []string, waitStatus schema.Status, er schema.ExecutableResponse) error {
	n, ok, err := e.openWaitGroup(ctx, ne.ID, nil)
	if err != nil || !ok {
		return err
	}
	if err := e.store.CreateWaits(ctx, n.ID, n.WaitSeq, correlationIDs); err != nil {
		return err
	}
	er.WaitSeq = n.WaitSeq
	er.CorrelationIDs = correlationIDs
	return e.suspend(ctx, n.ID, waitStatus, er)
}

// suspendTask queues req on the task dispatcher and parks the node in
// TASK_WAITING on the task's correlation id.
func (e *Engine) suspendTask(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, req TaskRequest, er schema.ExecutableResponse) error {
	if e.tasks == nil {
		return e.conclude(ctx, ne, pn, &StepResponse{
			Status: schema.StatusErrored,
			Failure: &schema.FailureInfo{
				Message: "no task dispatcher configured",
				Types:   []schema.FailureType{schema.FailureDelegateProvisioning},
			},
		}, fromRunning)
	}
	n, ok, err := e.openWaitGroup(ctx, ne.ID, nil)
	if err != nil || !ok {
		return err
	}
	corr := uuid.NewString()
	if err := e.store.CreateWaits(ctx, n.ID, n.WaitSeq, []string{corr}); err != nil {
		return err
	}

	req.CorrelationID = corr
	req.NodeExecutionID = n.ID
	req.PlanExecutionID = n.PlanExecutionID
	if req.Timeout <= 0 {
		req.Timeout = e.stepTimeout(pn)
	}
	taskID, err := e.tasks.Queue(ctx, req)
	if err != nil {
		resp := errored(err)
		resp.Failure.Types = appendFailureType(resp.Failure.Types, schema.FailureDelegateProvisioning)
		return e.conclude(ctx, n, pn, resp, fromRunning)
	}
	er.WaitSeq = n.WaitSeq
	er.CorrelationIDs = []string{corr}
	er.TaskIDs = []string{taskID}
	return e.suspend(ctx, n.ID, schema.StatusTaskWaiting, er)
}

// suspend records er and moves the node from RUNNING to waitStatus. Any
// response that arrived while the node was still RUNNING is picked up here.
func (e *Engine) suspend(ctx context.Context, id string, waitStatus schema.Status, er schema.ExecutableResponse) error {
	_, ok, err := e.fsm.TransitionFrom(ctx, id, fromRunning, waitStatus, func(n *store.NodeExecution) {
		n.Executables = append(n.Executables, er)
	})
	if err != nil || !ok {
		return err
	}
	return e.tryResume(ctx, id, er.WaitSeq)
}

// spawnChildren starts one child node execution per plan node id under a
// RUNNING composite node, each notifying the parent on its own correlation id.
func (e *Engine) spawnChildren(ctx context.Context, ne *store.NodeExecution, pn *schema.PlanNode, childIDs []string, er schema.ExecutableResponse) error {
	plan, err := e.plan(ctx, ne.Ambiance.PlanID)
	if err != nil {
		return e.complete(ctx, ne, pn, nil, err)
	}
	children := make([]*schema.PlanNode, len(childIDs))
	for i, id := range childIDs {
		child, ok := plan.Nodes[id]
		if !ok {
			return e.complete(ctx, ne, pn, nil, schema.NewErrorf(schema.ErrCodeNotFound, "child node %q is not in plan %s", id, plan.ID))
		}
		children[i] = child
	}

	corr := make([]string, len(childIDs))
	for i := range corr {
		corr[i] = uuid.NewString()
	}
	n, ok, err := e.openWaitGroup(ctx, ne.ID, func(n *store.NodeExecution) {
		rec := er
		rec.WaitSeq = n.WaitSeq
		rec.CorrelationIDs = corr
		rec.ChildNodeIDs = childIDs
		n.Executables = append(n.Executables, rec)
	})
	if err != nil || !ok {
		return err
	}
	if err := e.store.CreateWaits(ctx, n.ID, n.WaitSeq, corr); err != nil {
		return err
	}
	for i, child := range children {
		if _, err := e.startNode(ctx, child, spawn{
			planExecutionID: n.PlanExecutionID,
			parent:          n.Ambiance,
			parentID:        n.ID,
			notifyID:        corr[i],
		}, 0); err != nil {
			return fmt.Errorf("start child %s: %w", child.Identifier, err)
		}
	}
	return nil
}

func (e *Engine) resumePackage(ne *store.NodeExecution, responses map[string]schema.ResponseData, chain *schema.ChainDetails) ResumePackage {
	if responses == nil {
		responses = map[string]schema.ResponseData{}
	}
	return ResumePackage{
		NodeExecutionID: ne.ID,
		Ambiance:        ne.Ambiance,
		StepType:        ne.StepType,
		Parameters:      ne.ResolvedParams,
		Responses:       responses,
		ChainDetails:    chain,
		Outputs:         e.outputs,
	}
}

// currentExecutable returns the record of the wait group the node is
// suspended on.
func currentExecutable(ne *store.NodeExecution) (schema.ExecutableResponse, bool) {
	for i := len(ne.Executables) - 1; i >= 0; i-- {
		if ne.Executables[i].WaitSeq == ne.WaitSeq {
			return ne.Executables[i], true
		}
	}
	return schema.ExecutableResponse{}, false
}

// chainDetails decides whether a chain ends after the link that just
// responded. Details carried on the resume event take precedence for the
// pass-through data and can only force an earlier end.
func chainDetails(cur schema.ExecutableResponse, pkg ResumePackage, given *schema.ChainDetails) *schema.ChainDetails {
	d := &schema.ChainDetails{
		ShouldEnd:       ShouldEndChain(cur.ChainEnd, pkg.Statuses()),
		PassThroughData: cur.PassThroughData,
	}
	if given != nil {
		d.ShouldEnd = d.ShouldEnd || given.ShouldEnd
		if len(given.PassThroughData) > 0 {
			d.PassThroughData = given.PassThroughData
		}
	}
	return d
}

func appendFailureType(types []schema.FailureType, t schema.FailureType) []schema.FailureType {
	for _, have := range types {
		if have == t {
			return types
		}
	}
	return append(types, t)
}
