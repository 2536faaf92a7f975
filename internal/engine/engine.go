// Package engine drives node executions through their lifecycle: it starts
// plan executions, runs each node's executable in the mode its facilitator
// chose, suspends nodes on correlation ids, resumes them when every awaited
// response has arrived, applies advisers to concluded nodes and handles
// interrupts.
//
// All node state lives in the store. Work is dispatched onto a bounded pool
// and every step re-reads what it needs, so an Engine can be rebuilt over the
// same store at any point and carry on with Recover.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pms/internal/expressions"
	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/metrics"
	"github.com/rendis/pms/internal/resolver"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/internal/streaming"
	"github.com/rendis/pms/internal/worker"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// Config tunes an Engine.
type Config struct {
	// PoolSize bounds concurrently running node tasks.
	PoolSize int
	// DefaultTimeout applies to leaf steps whose plan node has none.
	DefaultTimeout time.Duration
	// PollInterval is how often AwaitPlan re-reads the plan execution.
	PollInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       16,
		DefaultTimeout: schema.DefaultStepTimeout,
		PollInterval:   100 * time.Millisecond,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithTaskDispatcher sets where TASK and TASK_CHAIN work is queued.
func WithTaskDispatcher(d TaskDispatcher) Option {
	return func(e *Engine) { e.tasks = d }
}

// WithHub publishes node and plan events to h.
func WithHub(h streaming.EventHub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the node execution state machine.
type Engine struct {
	cfg      Config
	store    store.Store
	steps    *StepRegistry
	fsm      *NodeFSM
	outputs  *resolver.Service
	outcomes *resolver.Service
	engines  *expressions.Engines
	interp   *expressions.Interpolator
	pool     *worker.Pool
	tasks    TaskDispatcher
	hub      streaming.EventHub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// Plans are immutable once saved.
	plans sync.Map

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an Engine over s. steps may be nil when only composite and
// externally registered steps are used.
func New(s store.Store, steps *StepRegistry, cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if steps == nil {
		steps = NewStepRegistry()
	}

	e := &Engine{
		cfg:    cfg,
		store:  s,
		steps:  steps,
		interp: expressions.NewInterpolator(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("build expression engines: %w", err)
	}
	e.engines = engines
	e.outputs = resolver.NewSweepingOutputService(s, resolver.WithMetrics(e.metrics), resolver.WithLogger(e.logger))
	e.outcomes = resolver.NewOutcomeService(s, resolver.WithMetrics(e.metrics), resolver.WithLogger(e.logger))
	e.fsm = NewNodeFSM(s, e.hub, e.metrics, e.logger)
	e.fsm.now = e.now
	e.pool = worker.NewPool(cfg.PoolSize,
		worker.WithPanicHandler(func(r any) {
			e.logger.Error("engine task panicked", slog.String("panic", fmt.Sprint(r)))
		}),
		worker.WithDropHandler(func(err error) {
			e.logger.Warn("engine task dropped", slog.String("error", err.Error()))
		}),
	)
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Outputs returns the sweeping output service bound to the engine's store.
func (e *Engine) Outputs() *resolver.Service { return e.outputs }

// Outcomes returns the outcome service bound to the engine's store.
func (e *Engine) Outcomes() *resolver.Service { return e.outcomes }

// Steps returns the step registry.
func (e *Engine) Steps() *StepRegistry { return e.steps }

// FSM returns the node state machine.
func (e *Engine) FSM() *NodeFSM { return e.fsm }

// Wait blocks until no node work is running or queued. Nodes suspended on
// external responses do not count as work.
func (e *Engine) Wait() {
	e.pool.Wait()
	e.metrics.ObservePool(e.pool.Metrics())
}

// PoolMetrics returns a snapshot of the dispatch pool.
func (e *Engine) PoolMetrics() worker.PoolMetrics {
	pm := e.pool.Metrics()
	e.metrics.ObservePool(pm)
	return pm
}

// Close stops dispatching and waits for running work to return.
func (e *Engine) Close() {
	e.cancel()
	e.pool.Shutdown()
}

// StartPlan saves plan, creates a plan execution for it and dispatches the
// starting node.
func (e *Engine) StartPlan(ctx context.Context, plan *schema.Plan, md ambiance.Metadata) (*store.PlanExecution, error) {
	if plan == nil || plan.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan with an id is required")
	}
	root, ok := plan.Nodes[plan.StartingNodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "starting node %q is not in plan %s", plan.StartingNodeID, plan.ID)
	}
	if err := e.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	e.plans.Store(plan.ID, plan)

	pe := &store.PlanExecution{
		ID:       uuid.NewString(),
		PlanID:   plan.ID,
		Status:   schema.StatusRunning,
		Metadata: md,
		StartTs:  e.now(),
	}
	if err := e.store.CreatePlanExecution(ctx, pe); err != nil {
		return nil, err
	}
	ctx = logging.WithPlanExecutionID(ctx, pe.ID)
	e.fsm.emit(ctx, pe.ID, "", schema.EventPlanExecutionStarted, map[string]any{"plan_id": plan.ID})
	e.logger.InfoContext(ctx, "plan execution started", slog.String("plan_id", plan.ID))

	if _, err := e.startNode(ctx, root, spawn{planExecutionID: pe.ID, parent: ambiance.New(pe.ID, plan.ID, md)}, 0); err != nil {
		if _, ferr := e.store.FinishPlanExecution(ctx, pe.ID, schema.StatusErrored, e.now()); ferr != nil {
			e.logger.ErrorContext(ctx, "finish plan execution", slog.String("error", ferr.Error()))
		}
		return nil, err
	}
	return pe, nil
}

// AwaitPlan blocks until the plan execution reaches a terminal status.
func (e *Engine) AwaitPlan(ctx context.Context, planExecutionID string) (*store.PlanExecution, error) {
	var ended <-chan streaming.StreamEvent
	if e.hub != nil {
		ch, cancel, err := e.hub.Subscribe(ctx, streaming.EventFilter{
			PlanExecutionID: planExecutionID,
			EventTypes:      []string{schema.EventPlanExecutionEnded},
		})
		if err == nil {
			defer cancel()
			ended = ch
		}
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
		if err != nil {
			return nil, err
		}
		if pe.Status.IsTerminal() {
			return pe, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ended:
		case <-ticker.C:
		}
	}
}

// spawn describes where a new node execution attaches to the tree.
type spawn struct {
	planExecutionID string
	// parent is the Ambiance the new node's Level is appended to.
	parent     ambiance.Ambiance
	parentID   string
	notifyID   string
	previousID string
	retryOf    string
	retryCount int
}

// startNode creates a QUEUED node execution for pn and dispatches it after
// delay.
func (e *Engine) startNode(ctx context.Context, pn *schema.PlanNode, sp spawn, delay time.Duration) (*store.NodeExecution, error) {
	id := uuid.NewString()
	now := e.now()
	ne := &store.NodeExecution{
		ID:              id,
		PlanExecutionID: sp.planExecutionID,
		PlanNodeID:      pn.UUID,
		Identifier:      pn.Identifier,
		StepType:        pn.StepType,
		Ambiance: sp.parent.CloneForChild(ambiance.Level{
			RuntimeID:           id,
			SetupID:             pn.UUID,
			Identifier:          pn.Identifier,
			StepType:            pn.StepType,
			Group:               pn.Group,
			SkipExpressionChain: pn.SkipExpressionChain,
			StartTs:             now,
		}),
		Status:     schema.StatusQueued,
		Mode:       pn.Facilitator.Type,
		ParentID:   sp.parentID,
		NotifyID:   sp.notifyID,
		PreviousID: sp.previousID,
		RetryOf:    sp.retryOf,
		RetryCount: sp.retryCount,
		CreatedAt:  now,
	}
	if err := e.fsm.Create(ctx, ne); err != nil {
		return nil, err
	}
	e.dispatch(ne.ID, delay)
	return ne, nil
}

func (e *Engine) dispatch(nodeExecutionID string, delay time.Duration) {
	e.goTask("run node", func(ctx context.Context) error {
		if err := waitForBackoff(ctx, delay); err != nil {
			return err
		}
		return e.runNode(ctx, nodeExecutionID)
	})
}

// goTask runs fn on the pool without blocking the caller and logs its error.
func (e *Engine) goTask(what string, fn worker.Task) {
	err := e.pool.Go(e.baseCtx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			e.logger.ErrorContext(ctx, what+" failed", slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		e.logger.Warn(what+" not scheduled", slog.String("error", err.Error()))
	}
}

var (
	fromQueued        = []schema.Status{schema.StatusQueued}
	fromRunning       = []schema.Status{schema.StatusRunning}
	fromDiscontinuing = []schema.Status{schema.StatusDiscontinuing}
	fromWaiting       = []schema.Status{schema.StatusAsyncWaiting, schema.StatusTaskWaiting}
)

// runNode facilitates a QUEUED node and starts its executable.
func (e *Engine) runNode(ctx context.Context, id string) error {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status != schema.StatusQueued {
		return nil
	}
	ctx = nodeContext(ctx, ne)

	pn, err := e.planNode(ctx, ne)
	if err != nil {
		_, eerr := e.ErrorOutActiveNodes(ctx, ne.PlanExecutionID, FailureFromError(err))
		return eerr
	}
	if !pn.Facilitator.Type.Valid() {
		return e.conclude(ctx, ne, pn, errored(schema.NewErrorf(schema.ErrCodeValidation,
			"plan node %s has invalid facilitator %q", pn.UUID, pn.Facilitator.Type)), fromQueued)
	}

	scope, err := e.scopeFor(ctx, ne.Ambiance)
	if err != nil {
		return e.conclude(ctx, ne, pn, errored(err), fromQueued)
	}
	skip, err := e.facilitate(ctx, pn, scope)
	if err != nil {
		return e.conclude(ctx, ne, pn, errored(err), fromQueued)
	}
	if skip {
		return e.conclude(ctx, ne, pn, &StepResponse{Status: schema.StatusSkipped}, fromQueued)
	}
	params, err := e.interp.Resolve(ctx, pn.StepParameters, scope)
	if err != nil {
		return e.conclude(ctx, ne, pn, errored(err), fromQueued)
	}

	now := e.now()
	started, ok, err := e.fsm.TransitionFrom(ctx, id, fromQueued, schema.StatusRunning, func(n *store.NodeExecution) {
		n.StartTs = &now
		n.ResolvedParams = params
		if n.Mode.IsLeaf() {
			t := now.Add(e.stepTimeout(pn))
			n.TimeoutAt = &t
		}
	})
	if err != nil || !ok {
		return err
	}
	return e.start(ctx, started, pn)
}

// facilitate decides whether the node is skipped: a `when` condition (CEL)
// that is false, or a skip condition (expr) that is true.
func (e *Engine) facilitate(ctx context.Context, pn *schema.PlanNode, scope *expressions.Scope) (bool, error) {
	if pn.WhenCondition == "" && pn.SkipCondition == "" {
		return false, nil
	}
	data, err := scope.Data(ctx)
	if err != nil {
		return false, err
	}
	if pn.WhenCondition != "" {
		run, err := expressions.EvalBool(ctx, e.engines.CEL, pn.WhenCondition, data)
		if err != nil {
			return false, err
		}
		if !run {
			return true, nil
		}
	}
	if pn.SkipCondition != "" {
		return expressions.EvalBool(ctx, e.engines.Expr, pn.SkipCondition, data)
	}
	return false, nil
}

// scopeFor builds the expression scope of a node: its enclosing pipeline and
// stage executions as functors plus the value services.
func (e *Engine) scopeFor(ctx context.Context, a ambiance.Ambiance) (*expressions.Scope, error) {
	scope := &expressions.Scope{Ambiance: a, Outputs: e.outputs, Outcomes: e.outcomes}
	for group, slot := range map[string]**expressions.Functor{
		schema.GroupPipeline: &scope.Pipeline,
		schema.GroupStage:    &scope.Stage,
	} {
		l, ok := a.FindLevel(group)
		if !ok {
			continue
		}
		root, err := e.store.GetNodeExecution(ctx, l.RuntimeID)
		if err != nil {
			return nil, err
		}
		*slot = expressions.NewFunctor(e.store, e.outputs, e.outcomes, root)
	}
	return scope, nil
}

func (e *Engine) plan(ctx context.Context, id string) (*schema.Plan, error) {
	if p, ok := e.plans.Load(id); ok {
		return p.(*schema.Plan), nil
	}
	p, err := e.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	e.plans.Store(id, p)
	return p, nil
}

func (e *Engine) planNode(ctx context.Context, ne *store.NodeExecution) (*schema.PlanNode, error) {
	p, err := e.plan(ctx, ne.Ambiance.PlanID)
	if err != nil {
		return nil, err
	}
	pn, ok := p.Nodes[ne.PlanNodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan node %q not in plan %s", ne.PlanNodeID, p.ID).WithNode(ne.ID)
	}
	return pn, nil
}

// planNodeOrEmpty falls back to a node without advisers, so a node whose
// plan is gone can still conclude.
func (e *Engine) planNodeOrEmpty(ctx context.Context, ne *store.NodeExecution) *schema.PlanNode {
	pn, err := e.planNode(ctx, ne)
	if err != nil {
		e.logger.WarnContext(ctx, "plan node unavailable", slog.String("error", err.Error()))
		return &schema.PlanNode{UUID: ne.PlanNodeID, Identifier: ne.Identifier, StepType: ne.StepType}
	}
	return pn
}

func (e *Engine) stepTimeout(pn *schema.PlanNode) time.Duration {
	if pn.Timeout > 0 {
		return pn.Timeout
	}
	return e.cfg.DefaultTimeout
}

func (e *Engine) invokerPackage(ne *store.NodeExecution, pn *schema.PlanNode) InvokerPackage {
	return InvokerPackage{
		NodeExecutionID: ne.ID,
		Ambiance:        ne.Ambiance,
		StepType:        ne.StepType,
		Parameters:      ne.ResolvedParams,
		Timeout:         e.stepTimeout(pn),
		Outputs:         e.outputs,
	}
}

func nodeContext(ctx context.Context, ne *store.NodeExecution) context.Context {
	return logging.WithNodeExecutionID(logging.WithAmbiance(ctx, ne.Ambiance), ne.ID)
}

func errored(err error) *StepResponse {
	return &StepResponse{Status: schema.StatusErrored, Failure: FailureFromError(err)}
}

func responseOrError(resp *StepResponse, err error) *StepResponse {
	if err != nil {
		return errored(err)
	}
	if resp == nil {
		return &StepResponse{Status: schema.StatusSucceeded}
	}
	return resp
}

// safely runs an executable callback, turning a panic into an error.
func safely[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "executable panicked: %v", r)
		}
	}()
	return fn()
}
