// Package delegate runs TASK and TASK_CHAIN work in-process. Tasks are
// routed to handlers by task type, executed on a bounded pool and report
// back to the engine through exactly one Notify per correlation id.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/internal/worker"
	"github.com/rendis/pms/pkg/schema"
)

// Notifier receives task results.
type Notifier interface {
	Notify(ctx context.Context, correlationID string, data schema.ResponseData) error
}

// Handler executes one task. An empty Status in the returned response means
// SUCCEEDED; an error is delivered as a failed response.
type Handler func(ctx context.Context, task engine.TaskRequest) (schema.ResponseData, error)

// Config tunes a LocalDispatcher.
type Config struct {
	PoolSize int
	Breaker  BreakerConfig
}

// Option configures a LocalDispatcher.
type Option func(*LocalDispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *LocalDispatcher) { d.logger = l }
}

// WithNotifier sets where results are delivered. See Bind.
func WithNotifier(n Notifier) Option {
	return func(d *LocalDispatcher) { d.notifier = n }
}

type task struct {
	req    engine.TaskRequest
	cancel context.CancelFunc
	once   sync.Once
}

// LocalDispatcher implements engine.TaskDispatcher.
type LocalDispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]*task
	notifier Notifier

	pool     *worker.Pool
	breakers *Breakers
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ engine.TaskDispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher creates a dispatcher. Results are dropped until a
// Notifier is bound.
func NewLocalDispatcher(cfg Config, opts ...Option) *LocalDispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	d := &LocalDispatcher{
		handlers: make(map[string]Handler),
		running:  make(map[string]*task),
		breakers: NewBreakers(cfg.Breaker),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.pool = worker.NewPool(cfg.PoolSize, worker.WithPanicHandler(func(r any) {
		d.logger.Error("task handler panicked", slog.String("panic", fmt.Sprint(r)))
	}))
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Bind sets the Notifier results are delivered to. The engine is usually
// built after the dispatcher, hence the late binding.
func (d *LocalDispatcher) Bind(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

// Handle registers h for taskType.
func (d *LocalDispatcher) Handle(taskType string, h Handler) error {
	if taskType == "" || h == nil {
		return schema.NewError(schema.ErrCodeValidation, "task type and handler are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[taskType]; dup {
		return schema.NewErrorf(schema.ErrCodeValidation, "task type %q already has a handler", taskType)
	}
	d.handlers[taskType] = h
	return nil
}

// TaskTypes lists the task types with a handler, sorted.
func (d *LocalDispatcher) TaskTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Running returns the number of tasks not yet reported.
func (d *LocalDispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Breakers exposes the per task type circuit breakers.
func (d *LocalDispatcher) Breakers() *Breakers { return d.breakers }

// Queue schedules req and returns its task id.
func (d *LocalDispatcher) Queue(_ context.Context, req engine.TaskRequest) (string, error) {
	d.mu.Lock()
	h, ok := d.handlers[req.Type]
	d.mu.Unlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeUnknownStep, "no handler for task type %q", req.Type)
	}
	if err := d.breakers.Allow(req.Type); err != nil {
		return "", err
	}

	id := ulid.Make().String()
	var tctx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		tctx, cancel = context.WithTimeout(d.baseCtx, req.Timeout)
	} else {
		tctx, cancel = context.WithCancel(d.baseCtx)
	}
	t := &task{req: req, cancel: cancel}

	d.mu.Lock()
	d.running[id] = t
	d.mu.Unlock()

	err := d.pool.Go(d.baseCtx, func(context.Context) error {
		d.run(tctx, id, t, h)
		return nil
	})
	if err != nil {
		d.mu.Lock()
		delete(d.running, id)
		d.mu.Unlock()
		cancel()
		return "", err
	}
	d.logger.Debug("task queued",
		slog.String("task_id", id),
		slog.String("task_type", req.Type),
		slog.String("node_execution_id", req.NodeExecutionID))
	return id, nil
}

func (d *LocalDispatcher) run(ctx context.Context, id string, t *task, h Handler) {
	data, err := invoke(ctx, h, t.req)
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		data = schema.ResponseData{Status: schema.StatusExpired, Failure: &schema.FailureInfo{
			Message: fmt.Sprintf("task exceeded %s", t.req.Timeout),
			Types:   []schema.FailureType{schema.FailureTimeout},
		}}
	case err != nil:
		data = schema.ResponseData{Status: schema.StatusErrored, Failure: engine.FailureFromError(err)}
	case data.Status == "":
		data.Status = schema.StatusSucceeded
	}

	if data.Status.IsBroken() && data.Status != schema.StatusAborted {
		if d.breakers.Failure(t.req.Type) == BreakerOpen {
			d.logger.Warn("task circuit open", slog.String("task_type", t.req.Type))
		}
	} else if data.Status != schema.StatusAborted {
		d.breakers.Success(t.req.Type)
	}
	d.deliver(id, t, data)
}

func invoke(ctx context.Context, h Handler, req engine.TaskRequest) (data schema.ResponseData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "task handler panicked: %v", r)
		}
	}()
	return h(ctx, req)
}

// Abort cancels the queued or running tasks of a TASK node and reports each
// ABORTED. Tasks that already reported are skipped.
func (d *LocalDispatcher) Abort(_ context.Context, in engine.TaskInterrupt) error {
	for _, id := range in.TaskIDs {
		d.abortTask(id, fmt.Sprintf("task aborted by %s", in.Type))
	}
	return nil
}

// AbortLink cancels the in-flight link of a TASK_CHAIN node.
func (d *LocalDispatcher) AbortLink(_ context.Context, in engine.ChainInterrupt) error {
	if in.TaskID == "" {
		return nil
	}
	d.abortTask(in.TaskID, fmt.Sprintf("chain link %d aborted by %s", in.ChainIndex, in.Type))
	return nil
}

func (d *LocalDispatcher) abortTask(taskID, msg string) {
	d.mu.Lock()
	t, ok := d.running[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.deliver(taskID, t, schema.ResponseData{
		Status:  schema.StatusAborted,
		Failure: &schema.FailureInfo{Message: msg},
	})
}

// deliver reports the result of a task once.
func (d *LocalDispatcher) deliver(id string, t *task, data schema.ResponseData) {
	t.once.Do(func() {
		t.cancel()
		d.mu.Lock()
		delete(d.running, id)
		n := d.notifier
		d.mu.Unlock()
		if n == nil {
			d.logger.Warn("task result dropped: no notifier bound", slog.String("task_id", id))
			return
		}
		if err := n.Notify(d.baseCtx, t.req.CorrelationID, data); err != nil {
			d.logger.Error("deliver task result",
				slog.String("task_id", id),
				slog.String("correlation_id", t.req.CorrelationID),
				slog.String("error", err.Error()))
		}
	})
}

// Wait blocks until no task is executing.
func (d *LocalDispatcher) Wait() { d.pool.Wait() }

// Close cancels running tasks and waits for their handlers to return.
func (d *LocalDispatcher) Close() {
	d.cancel()
	d.pool.Shutdown()
}
