package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/schema"
)

// Notify delivers data for correlationID. The first delivery per id wins;
// duplicates are ignored. Once every correlation id of the node's current
// wait group has a response, the node is resumed on the pool.
func (e *Engine) Notify(ctx context.Context, correlationID string, data schema.ResponseData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w, fresh, err := e.store.RecordResponse(ctx, correlationID, raw)
	if err != nil {
		return err
	}
	if !fresh {
		e.logger.DebugContext(ctx, "duplicate response ignored", slog.String("correlation_id", correlationID))
		return nil
	}
	return e.tryResume(ctx, w.NodeExecutionID, w.WaitSeq)
}

// resumable reports whether a node is parked on its wait group: a leaf in a
// waiting status, or a composite that is RUNNING while its children work.
func resumable(ne *store.NodeExecution) bool {
	if ne.Mode.IsComposite() {
		return ne.Status == schema.StatusRunning && ne.WaitSeq > 0
	}
	return ne.Status.IsWaiting()
}

// tryResume claims wait group seq of node id and dispatches its resume. Only
// one caller can claim a group, however many responses race in.
func (e *Engine) tryResume(ctx context.Context, id string, seq int) error {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status.IsTerminal() || ne.WaitSeq != seq || !resumable(ne) {
		return nil
	}
	claimed, err := e.store.ClaimWaitGroup(ctx, id, seq)
	if err != nil || !claimed {
		return err
	}
	ev, err := e.resumeEvent(ctx, ne)
	if err != nil {
		return err
	}
	e.goTask("resume node", func(ctx context.Context) error {
		return e.Resume(ctx, ev)
	})
	return nil
}

func (e *Engine) resumeEvent(ctx context.Context, ne *store.NodeExecution) (schema.ResumeEvent, error) {
	waits, err := e.store.ListWaits(ctx, ne.ID, ne.WaitSeq)
	if err != nil {
		return schema.ResumeEvent{}, err
	}
	ev := schema.ResumeEvent{
		NodeExecutionID: ne.ID,
		Ambiance:        ne.Ambiance,
		ExecutionMode:   ne.Mode,
		ResponseMap:     make(map[string][]byte, len(waits)),
	}
	for _, w := range waits {
		ev.ResponseMap[w.CorrelationID] = w.Response
		var rd schema.ResponseData
		if json.Unmarshal(w.Response, &rd) == nil && rd.Error {
			ev.AsyncError = true
		}
	}
	return ev, nil
}

// Resume re-enters a suspended node with the responses in ev. Resuming a
// node that already concluded is a no-op.
func (e *Engine) Resume(ctx context.Context, ev schema.ResumeEvent) error {
	ne, err := e.store.GetNodeExecution(ctx, ev.NodeExecutionID)
	if err != nil {
		return err
	}
	ctx = nodeContext(ctx, ne)
	if ne.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "resume of concluded node ignored", slog.String("status", string(ne.Status)))
		return nil
	}
	if ne.Status == schema.StatusPaused {
		// Hand the group back; RESUME claims it again. The re-check covers a
		// RESUME that landed before the release.
		if err := e.store.ReleaseWaitGroup(ctx, ne.ID, ne.WaitSeq); err != nil {
			return err
		}
		return e.tryResume(ctx, ne.ID, ne.WaitSeq)
	}
	if !resumable(ne) {
		return nil
	}

	ids := make([]string, 0, len(ev.ResponseMap))
	for id := range ev.ResponseMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.fsm.emit(ctx, ne.PlanExecutionID, ne.ID, schema.EventResumeReceived, map[string]any{
		"correlation_ids": ids,
		"async_error":     ev.AsyncError,
	})
	e.metrics.Resume(string(ne.Mode))

	if ne.Mode.IsLeaf() {
		running, ok, err := e.fsm.TransitionFrom(ctx, ne.ID, fromWaiting, schema.StatusRunning, nil)
		if err != nil || !ok {
			return err
		}
		ne = running
	}
	pn, err := e.planNode(ctx, ne)
	if err != nil {
		return e.conclude(ctx, ne, e.planNodeOrEmpty(ctx, ne), errored(err), fromRunning)
	}

	responses, err := decodeResponses(ev.ResponseMap)
	if err != nil {
		return e.conclude(ctx, ne, pn, errored(err), fromRunning)
	}
	if ev.AsyncError {
		return e.conclude(ctx, ne, pn, asyncFailure(responses), fromRunning)
	}
	return e.resumeWith(ctx, ne, pn, responses, ev.ChainDetails)
}

func decodeResponses(raw map[string][]byte) (map[string]schema.ResponseData, error) {
	out := make(map[string]schema.ResponseData, len(raw))
	for id, b := range raw {
		var rd schema.ResponseData
		if len(b) > 0 {
			if err := json.Unmarshal(b, &rd); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "decode response for %s: %s", id, err.Error()).WithCause(err)
			}
		}
		out[id] = rd
	}
	return out, nil
}

// asyncFailure turns executor-side delivery errors into an ERRORED response
// carrying every reported failure.
func asyncFailure(responses map[string]schema.ResponseData) *StepResponse {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	info := &schema.FailureInfo{}
	var messages []string
	for _, id := range ids {
		r := responses[id]
		if !r.Error || r.Failure == nil {
			continue
		}
		if r.Failure.Message != "" {
			messages = append(messages, r.Failure.Message)
		}
		for _, t := range r.Failure.Types {
			info.Types = appendFailureType(info.Types, t)
		}
	}
	info.Message = strings.Join(messages, "; ")
	if info.Message == "" {
		info.Message = "executor reported an error"
	}
	if len(info.Types) == 0 {
		info.Types = []schema.FailureType{schema.FailureUnknown}
	}
	return &StepResponse{Status: schema.StatusErrored, Failure: info}
}
