package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/pms/pkg/schema"
)

// StatusChange is the payload of node start and status update events.
type StatusChange struct {
	From schema.Status `json:"from,omitempty"`
	To   schema.Status `json:"to"`
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. Concurrent appenders that collide on a sequence retry.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)
	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var seq int64
			if err := tx.QueryRowContext(ctx, s.d.rebind(
				`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE plan_execution_id = ?`),
				event.PlanExecutionID,
			).Scan(&seq); err != nil {
				return fmt.Errorf("get next sequence: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.d.rebind(
				`INSERT INTO events (plan_execution_id, node_execution_id, event_type, payload, created_at, sequence)
				 VALUES (?, ?, ?, ?, ?, ?)`),
				event.PlanExecutionID, nullStr(event.NodeExecutionID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
			); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			event.Sequence = seq
			return nil
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("append event: %w", lastErr)
}

// GetEvents returns events of a plan execution with sequence > since, in order.
func (s *SQLStore) GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, plan_execution_id, node_execution_id, event_type, payload, created_at, sequence
		 FROM events WHERE plan_execution_id = ? AND sequence > ? ORDER BY sequence`,
		planExecutionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeExecutionID = nodeID.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventLog provides event-sourcing reads and writes on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps s.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records an event of the given type. A nil payload is stored as NULL.
func (el *EventLog) Append(ctx context.Context, planExecutionID, nodeExecutionID, eventType string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	e := &Event{
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		Type:            eventType,
		Payload:         raw,
		Timestamp:       time.Now().UTC(),
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Since returns the events of a plan execution after sequence since.
func (el *EventLog) Since(ctx context.Context, planExecutionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, planExecutionID, since)
}

// ReplayNodeStatuses folds the status events of a plan execution into the last
// known status of each node execution. A gap in the sequence is a store error.
func (el *EventLog) ReplayNodeStatuses(ctx context.Context, planExecutionID string) (map[string]schema.Status, error) {
	events, err := el.store.GetEvents(ctx, planExecutionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	statuses := make(map[string]schema.Status)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in plan execution %s: expected %d, got %d", planExecutionID, want, e.Sequence)
		}
		if e.NodeExecutionID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeExecutionStart, schema.EventNodeExecutionStatusUpdate:
			var sc StatusChange
			if err := json.Unmarshal(e.Payload, &sc); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"event %d: bad status payload", e.Sequence).WithCause(err)
			}
			statuses[e.NodeExecutionID] = sc.To
		}
	}
	return statuses, nil
}
