package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/pms/pkg/schema"
)

const nodeExecutionCols = `id, plan_execution_id, plan_node_id, identifier, step_type, ambiance, status, mode,
	parent_id, notify_id, previous_id, retry_of, old_retry, retry_count, wait_seq,
	resolved_params, output, failure, executables, timeout_at, start_ts, end_ts, version, created_at, updated_at`

func (s *SQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	enc, err := encodeNode(ne)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ne.CreatedAt, ne.UpdatedAt = timeOrNow(ne.CreatedAt), now
	if ne.Version == 0 {
		ne.Version = 1
	}
	_, err = s.exec(ctx,
		`INSERT INTO node_executions (`+nodeExecutionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.PlanExecutionID, ne.PlanNodeID, nullStr(ne.Identifier), nullStr(ne.StepType), enc.ambiance,
		string(ne.Status), string(ne.Mode), nullStr(ne.ParentID), nullStr(ne.NotifyID), nullStr(ne.PreviousID),
		nullStr(ne.RetryOf), boolInt(ne.OldRetry), ne.RetryCount, ne.WaitSeq,
		nullRaw(ne.ResolvedParams), nullRaw(ne.Output), enc.failure, enc.executables,
		nullTime(ne.TimeoutAt), nullTime(ne.StartTs), nullTime(ne.EndTs), ne.Version, ne.CreatedAt, ne.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	ne, err := scanNodeExecution(s.queryRow(ctx, `SELECT `+nodeExecutionCols+` FROM node_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", id)
	}
	return ne, err
}

func (s *SQLStore) UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	enc, err := encodeNode(ne)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE node_executions SET
			ambiance = ?, status = ?, mode = ?, notify_id = ?, old_retry = ?, retry_count = ?, wait_seq = ?,
			resolved_params = ?, output = ?, failure = ?, executables = ?, timeout_at = ?, start_ts = ?, end_ts = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		enc.ambiance, string(ne.Status), string(ne.Mode), nullStr(ne.NotifyID), boolInt(ne.OldRetry), ne.RetryCount, ne.WaitSeq,
		nullRaw(ne.ResolvedParams), nullRaw(ne.Output), enc.failure, enc.executables,
		nullTime(ne.TimeoutAt), nullTime(ne.StartTs), nullTime(ne.EndTs), now,
		ne.ID, ne.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetNodeExecution(ctx, ne.ID); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution %q was modified concurrently (version %d)", ne.ID, ne.Version)
	}
	ne.Version++
	ne.UpdatedAt = now
	return nil
}

func (s *SQLStore) ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error) {
	var where []string
	var args []any
	add := func(cond string, a ...any) {
		where = append(where, cond)
		args = append(args, a...)
	}
	if filter.PlanExecutionID != "" {
		add("plan_execution_id = ?", filter.PlanExecutionID)
	}
	if filter.ParentID != "" {
		add("parent_id = ?", filter.ParentID)
	}
	if filter.NotifyID != "" {
		add("notify_id = ?", filter.NotifyID)
	}
	if filter.PlanNodeID != "" {
		add("plan_node_id = ?", filter.PlanNodeID)
	}
	if len(filter.Statuses) > 0 {
		add("status IN ("+placeholders(len(filter.Statuses))+")", statusArgs(filter.Statuses)...)
	}
	if len(filter.Modes) > 0 {
		modes := make([]string, len(filter.Modes))
		for i, m := range filter.Modes {
			modes[i] = string(m)
		}
		add("mode IN ("+placeholders(len(modes))+")", stringArgs(modes)...)
	}
	if filter.TimeoutBefore != nil {
		add("timeout_at IS NOT NULL AND timeout_at <= ?", filter.TimeoutBefore.UTC())
	}
	if !filter.IncludeOldRetries {
		add("old_retry = 0")
	}

	q := `SELECT ` + nodeExecutionCols + ` FROM node_executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

type encodedNode struct {
	ambiance    string
	failure     any
	executables any
}

func encodeNode(ne *NodeExecution) (encodedNode, error) {
	var enc encodedNode
	amb, err := json.Marshal(ne.Ambiance)
	if err != nil {
		return enc, fmt.Errorf("marshal ambiance: %w", err)
	}
	enc.ambiance = string(amb)
	if ne.Failure != nil {
		b, err := json.Marshal(ne.Failure)
		if err != nil {
			return enc, fmt.Errorf("marshal failure: %w", err)
		}
		enc.failure = string(b)
	}
	if len(ne.Executables) > 0 {
		b, err := json.Marshal(ne.Executables)
		if err != nil {
			return enc, fmt.Errorf("marshal executables: %w", err)
		}
		enc.executables = string(b)
	}
	return enc, nil
}

func scanNodeExecution(sc interface{ Scan(...any) error }) (*NodeExecution, error) {
	ne := &NodeExecution{}
	var (
		identifier, stepType, parentID, notifyID, previousID, retryOf sql.NullString
		params, output, failure, executables                           sql.NullString
		amb, status, mode                                              string
		oldRetry                                                       int
		timeoutAt, startTs, endTs                                      sql.NullTime
	)
	err := sc.Scan(&ne.ID, &ne.PlanExecutionID, &ne.PlanNodeID, &identifier, &stepType, &amb, &status, &mode,
		&parentID, &notifyID, &previousID, &retryOf, &oldRetry, &ne.RetryCount, &ne.WaitSeq,
		&params, &output, &failure, &executables, &timeoutAt, &startTs, &endTs, &ne.Version, &ne.CreatedAt, &ne.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(amb), &ne.Ambiance); err != nil {
		return nil, fmt.Errorf("unmarshal ambiance: %w", err)
	}
	ne.Identifier, ne.StepType = identifier.String, stepType.String
	ne.Status, ne.Mode = schema.Status(status), schema.ExecutionMode(mode)
	ne.ParentID, ne.NotifyID, ne.PreviousID, ne.RetryOf = parentID.String, notifyID.String, previousID.String, retryOf.String
	ne.OldRetry = oldRetry != 0
	ne.ResolvedParams, ne.Output = rawOrNil(params), rawOrNil(output)
	if failure.Valid && failure.String != "" {
		ne.Failure = &schema.FailureInfo{}
		if err := json.Unmarshal([]byte(failure.String), ne.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	if executables.Valid && executables.String != "" {
		if err := json.Unmarshal([]byte(executables.String), &ne.Executables); err != nil {
			return nil, fmt.Errorf("unmarshal executables: %w", err)
		}
	}
	ne.TimeoutAt, ne.StartTs, ne.EndTs = timePtr(timeoutAt), timePtr(startTs), timePtr(endTs)
	return ne, nil
}
