package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// maxVersionAttempts bounds retries when concurrent producers race for the
// same version slot.
const maxVersionAttempts = 5

const scopedValueCols = `id, kind, plan_execution_id, name, level_key, producer_runtime_id, producer_setup_id, version, value, created_at`

// AppendScopedValue inserts v with version = max(version in its scope) + 1
// and sets v.Version.
func (s *SQLStore) AppendScopedValue(ctx context.Context, v *ScopedValue) error {
	v.CreatedAt = timeOrNow(v.CreatedAt)
	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var next int64
			if err := tx.QueryRowContext(ctx, s.d.rebind(
				`SELECT COALESCE(MAX(version), 0) + 1 FROM scoped_values
				 WHERE kind = ? AND plan_execution_id = ? AND name = ? AND level_key = ?`),
				v.Kind, v.PlanExecutionID, v.Name, v.LevelKey,
			).Scan(&next); err != nil {
				return fmt.Errorf("next scoped value version: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.d.rebind(
				`INSERT INTO scoped_values (`+scopedValueCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				v.ID, v.Kind, v.PlanExecutionID, v.Name, v.LevelKey,
				nullStr(v.ProducerRuntimeID), nullStr(v.ProducerSetupID), next, nullRaw(v.Value), v.CreatedAt,
			); err != nil {
				return err
			}
			v.Version = next
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
	return fmt.Errorf("append scoped value %s: %w", v.Name, lastErr)
}

func (s *SQLStore) LatestScopedValues(ctx context.Context, q ScopedValueQuery) ([]*ScopedValue, error) {
	if len(q.LevelKeys) == 0 {
		return nil, nil
	}
	args := []any{q.Kind, q.PlanExecutionID, q.Name}
	args = append(args, stringArgs(q.LevelKeys)...)
	rows, err := s.query(ctx,
		`SELECT `+scopedValueCols+` FROM scoped_values
		 WHERE kind = ? AND plan_execution_id = ? AND name = ? AND level_key IN (`+placeholders(len(q.LevelKeys))+`)
		 ORDER BY level_key, version DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool, len(q.LevelKeys))
	var out []*ScopedValue
	for rows.Next() {
		v, err := scanScopedValue(rows)
		if err != nil {
			return nil, err
		}
		if seen[v.LevelKey] {
			continue
		}
		seen[v.LevelKey] = true
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListScopedValuesByProducer(ctx context.Context, kind, planExecutionID, runtimeID string) ([]*ScopedValue, error) {
	rows, err := s.query(ctx,
		`SELECT `+scopedValueCols+` FROM scoped_values
		 WHERE kind = ? AND plan_execution_id = ? AND producer_runtime_id = ?
		 ORDER BY created_at, name, version`, kind, planExecutionID, runtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScopedValue
	for rows.Next() {
		v, err := scanScopedValue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanScopedValue(sc interface{ Scan(...any) error }) (*ScopedValue, error) {
	v := &ScopedValue{}
	var runtimeID, setupID, value sql.NullString
	if err := sc.Scan(&v.ID, &v.Kind, &v.PlanExecutionID, &v.Name, &v.LevelKey,
		&runtimeID, &setupID, &v.Version, &value, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.ProducerRuntimeID, v.ProducerSetupID = runtimeID.String, setupID.String
	v.Value = rawOrNil(value)
	return v, nil
}

// --- Waits ---

const waitCols = `correlation_id, node_execution_id, wait_seq, response, responded_at, consumed, created_at`

func (s *SQLStore) CreateWaits(ctx context.Context, nodeExecutionID string, waitSeq int, correlationIDs []string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt := s.d.rebind(`INSERT INTO waits (correlation_id, node_execution_id, wait_seq, created_at) VALUES (?, ?, ?, ?)`)
		for _, id := range correlationIDs {
			if _, err := tx.ExecContext(ctx, stmt, id, nodeExecutionID, waitSeq, now); err != nil {
				return fmt.Errorf("insert wait %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) RecordResponse(ctx context.Context, correlationID string, response []byte) (*Wait, bool, error) {
	res, err := s.exec(ctx,
		`UPDATE waits SET response = ?, responded_at = ? WHERE correlation_id = ? AND responded_at IS NULL`,
		string(response), time.Now().UTC(), correlationID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	w, err := scanWait(s.queryRow(ctx,
		`SELECT `+waitCols+` FROM waits WHERE correlation_id = ?`, correlationID))
	if err == sql.ErrNoRows {
		return nil, false, storeNotFound("wait", correlationID)
	}
	if err != nil {
		return nil, false, err
	}
	return w, n == 1, nil
}

func (s *SQLStore) ListWaits(ctx context.Context, nodeExecutionID string, waitSeq int) ([]*Wait, error) {
	rows, err := s.query(ctx,
		`SELECT `+waitCols+` FROM waits
		 WHERE node_execution_id = ? AND wait_seq = ? ORDER BY created_at, correlation_id`,
		nodeExecutionID, waitSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Wait
	for rows.Next() {
		w, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) ClaimWaitGroup(ctx context.Context, nodeExecutionID string, waitSeq int) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE waits SET consumed = 1
		 WHERE node_execution_id = ? AND wait_seq = ? AND consumed = 0
		   AND NOT EXISTS (
		     SELECT 1 FROM waits p
		     WHERE p.node_execution_id = ? AND p.wait_seq = ? AND p.responded_at IS NULL)`,
		nodeExecutionID, waitSeq, nodeExecutionID, waitSeq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ReleaseWaitGroup(ctx context.Context, nodeExecutionID string, waitSeq int) error {
	_, err := s.exec(ctx, `UPDATE waits SET consumed = 0 WHERE node_execution_id = ? AND wait_seq = ?`,
		nodeExecutionID, waitSeq)
	return err
}

func scanWait(sc interface{ Scan(...any) error }) (*Wait, error) {
	w := &Wait{}
	var response sql.NullString
	var respondedAt sql.NullTime
	var consumed int
	if err := sc.Scan(&w.CorrelationID, &w.NodeExecutionID, &w.WaitSeq, &response, &respondedAt, &consumed, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Response = rawOrNil(response)
	w.RespondedAt = timePtr(respondedAt)
	w.Consumed = consumed != 0
	return w, nil
}
