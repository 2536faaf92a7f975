package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/pms/internal/streaming"
	"github.com/rendis/pms/pkg/schema"
)

// Sender pushes a notification to one MCP session.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// PlanNotifier tells the principal that started a run when it ends. Delivery
// is best-effort: a principal without a live session is skipped.
type PlanNotifier struct {
	sender   Sender
	sessions *SessionRegistry
	hub      streaming.EventHub
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPlanNotifier creates a notifier. A nil hub disables watching.
func NewPlanNotifier(sender Sender, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *PlanNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &PlanNotifier{sender: sender, sessions: sessions, hub: hub, logger: logger, ctx: ctx, cancel: cancel}
}

// Watch subscribes to the end of a plan execution and notifies principalID
// when it arrives.
func (n *PlanNotifier) Watch(planExecutionID, principalID string) error {
	if n.hub == nil || principalID == "" {
		return nil
	}
	ch, unsubscribe, err := n.hub.Subscribe(n.ctx, streaming.EventFilter{
		PlanExecutionID: planExecutionID,
		EventTypes:      []string{schema.EventPlanExecutionEnded},
	})
	if err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer unsubscribe()
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload := map[string]any{
				"plan_execution_id": planExecutionID,
				"event_type":        ev.EventType,
				"data":              ev.Payload,
			}
			if err := n.Notify(principalID, payload); err != nil {
				n.logger.Warn("plan notification failed",
					slog.String("plan_execution_id", planExecutionID),
					slog.String("principal_id", principalID),
					slog.String("error", err.Error()))
			}
		case <-n.ctx.Done():
		}
	}()
	return nil
}

// Notify sends payload to every session of the principal.
func (n *PlanNotifier) Notify(principalID string, payload map[string]any) error {
	var errs []error
	for _, sid := range n.sessions.SessionsFor(principalID) {
		err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired without an unregister hook firing.
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every watcher and waits for them to exit.
func (n *PlanNotifier) Close() {
	n.cancel()
	n.wg.Wait()
}
