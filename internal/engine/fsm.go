package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/rendis/pms/internal/metrics"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/internal/streaming"
	"github.com/rendis/pms/pkg/schema"
)

const defaultMaxCASAttempts = 8

// errSkipUpdate aborts a Mutate without writing.
var errSkipUpdate = errors.New("skip update")

// NodeFSM applies node execution status transitions through the store's
// compare-and-swap update. Every applied transition is appended to the event
// log and published to the hub.
type NodeFSM struct {
	store       store.Store
	events      *store.EventLog
	hub         streaming.EventHub
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// NewNodeFSM creates a NodeFSM. hub and m may be nil.
func NewNodeFSM(s store.Store, hub streaming.EventHub, m *metrics.Metrics, logger *slog.Logger) *NodeFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeFSM{
		store:       s,
		events:      store.NewEventLog(s),
		hub:         hub,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxCASAttempts,
	}
}

// Create persists a new node execution and emits its start event.
func (f *NodeFSM) Create(ctx context.Context, ne *store.NodeExecution) error {
	if err := f.store.CreateNodeExecution(ctx, ne); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create node execution: %s", err.Error()).WithCause(err)
	}
	f.emit(ctx, ne.PlanExecutionID, ne.ID, schema.EventNodeExecutionStart,
		store.StatusChange{To: ne.Status})
	f.metrics.Transition(string(ne.Status))
	return nil
}

// Transition moves node id to status to, applying mutate to the record in
// the same write. A node already in a terminal status is left alone and
// (node, false, nil) is returned; a transition the table forbids yields
// INVALID_TRANSITION. A concurrent writer causes a re-read and retry.
func (f *NodeFSM) Transition(ctx context.Context, id string, to schema.Status, mutate func(*store.NodeExecution)) (*store.NodeExecution, bool, error) {
	return f.TransitionFrom(ctx, id, nil, to, mutate)
}

// TransitionFrom is Transition restricted to nodes currently in one of from.
// A node in any other status is returned unchanged with false.
func (f *NodeFSM) TransitionFrom(ctx context.Context, id string, from []schema.Status, to schema.Status, mutate func(*store.NodeExecution)) (*store.NodeExecution, bool, error) {
	for attempt := 1; ; attempt++ {
		ne, err := f.store.GetNodeExecution(ctx, id)
		if err != nil {
			return nil, false, err
		}
		prev := ne.Status
		if prev.IsTerminal() || (from != nil && !slices.Contains(from, prev)) {
			return ne, false, nil
		}
		if !schema.CanTransition(prev, to) {
			return ne, false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid node transition: %s -> %s", prev, to).
				WithNode(id).
				WithDetails(map[string]any{"from": string(prev), "to": string(to)})
		}

		ne.Status = to
		if to.IsTerminal() {
			now := f.now()
			ne.EndTs = &now
			ne.TimeoutAt = nil
		}
		if mutate != nil {
			mutate(ne)
		}

		err = f.store.UpdateNodeExecution(ctx, ne)
		if schema.ErrorCode(err) == schema.ErrCodeConflict {
			f.metrics.TransitionConflict()
			if attempt >= f.maxAttempts {
				return nil, false, err
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}

		f.logger.DebugContext(ctx, "node transition",
			slog.String("node_execution_id", id),
			slog.String("from", string(prev)),
			slog.String("to", string(to)))
		f.emit(ctx, ne.PlanExecutionID, ne.ID, schema.EventNodeExecutionStatusUpdate,
			store.StatusChange{From: prev, To: to})
		f.metrics.Transition(string(to))
		return ne, true, nil
	}
}

// Mutate applies fn to node id without changing its status. fn may return
// errSkipUpdate to leave the record untouched; the node is then returned with
// false.
func (f *NodeFSM) Mutate(ctx context.Context, id string, fn func(*store.NodeExecution) error) (*store.NodeExecution, bool, error) {
	for attempt := 1; ; attempt++ {
		ne, err := f.store.GetNodeExecution(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if err := fn(ne); err != nil {
			if errors.Is(err, errSkipUpdate) {
				return ne, false, nil
			}
			return nil, false, err
		}
		err = f.store.UpdateNodeExecution(ctx, ne)
		if schema.ErrorCode(err) == schema.ErrCodeConflict {
			f.metrics.TransitionConflict()
			if attempt >= f.maxAttempts {
				return nil, false, err
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return ne, true, nil
	}
}

// emit appends an event and publishes it. Failures are logged: the node
// record is the source of truth, the log is its history.
func (f *NodeFSM) emit(ctx context.Context, planExecID, nodeExecID, eventType string, payload any) {
	ev, err := f.events.Append(ctx, planExecID, nodeExecID, eventType, payload)
	if err != nil {
		f.logger.WarnContext(ctx, "append event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return
	}
	if f.hub == nil {
		return
	}
	if err := f.hub.Publish(ctx, streaming.StreamEvent{
		PlanExecutionID: planExecID,
		NodeExecutionID: nodeExecID,
		EventType:       eventType,
		Sequence:        ev.Sequence,
		Payload:         payload,
	}); err != nil {
		f.logger.DebugContext(ctx, "publish event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
