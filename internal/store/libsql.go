package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pms/pkg/schema"
)

// SQLStore implements Store over database/sql. The default backend is libSQL
// (embedded SQLite fork); PostgreSQL is selected by a postgres:// DSN.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Open opens the backend selected by dsn. A libSQL DSN is a file URI, e.g.
// "file:/path/to/pms.db".
func Open(dsn string) (*SQLStore, error) {
	if dialectFor(dsn) == dialectPostgres {
		return NewPostgresStore(dsn)
	}
	return NewLibSQLStore(dsn)
}

// NewLibSQLStore opens a libSQL database at the given path.
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open(dialectLibSQL.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, d: dialectLibSQL}, nil
}

// NewPostgresStore opens a PostgreSQL database through pgx's database/sql driver.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialectPostgres.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLStore{db: db, d: dialectPostgres}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the backend name.
func (s *SQLStore) Dialect() string { return s.d.name }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.d)
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Plans ---

func (s *SQLStore) SavePlan(ctx context.Context, plan *schema.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO plans (id, starting_node_id, hash, body, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		plan.ID, plan.StartingNodeID, nullStr(plan.Hash), string(body), timeOrNow(plan.CreatedAt),
	)
	return err
}

func (s *SQLStore) GetPlan(ctx context.Context, id string) (*schema.Plan, error) {
	var body string
	err := s.queryRow(ctx, `SELECT body FROM plans WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan", id)
	}
	if err != nil {
		return nil, err
	}
	plan := &schema.Plan{}
	if err := json.Unmarshal([]byte(body), plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return plan, nil
}

// --- Plan executions ---

func (s *SQLStore) CreatePlanExecution(ctx context.Context, pe *PlanExecution) error {
	md, err := json.Marshal(pe.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	if pe.CreatedAt.IsZero() {
		pe.CreatedAt = now
	}
	pe.UpdatedAt = now
	if pe.StartTs.IsZero() {
		pe.StartTs = now
	}
	_, err = s.exec(ctx,
		`INSERT INTO plan_executions (id, plan_id, status, metadata, start_ts, end_ts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pe.ID, pe.PlanID, string(pe.Status), string(md), pe.StartTs, nullTime(pe.EndTs), pe.CreatedAt, pe.UpdatedAt,
	)
	return err
}

const planExecutionCols = `id, plan_id, status, metadata, start_ts, end_ts, created_at, updated_at`

func scanPlanExecution(sc interface{ Scan(...any) error }) (*PlanExecution, error) {
	pe := &PlanExecution{}
	var (
		status string
		md     sql.NullString
		endTs  sql.NullTime
	)
	if err := sc.Scan(&pe.ID, &pe.PlanID, &status, &md, &pe.StartTs, &endTs, &pe.CreatedAt, &pe.UpdatedAt); err != nil {
		return nil, err
	}
	pe.Status = schema.Status(status)
	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &pe.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if endTs.Valid {
		pe.EndTs = &endTs.Time
	}
	return pe, nil
}

func (s *SQLStore) GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error) {
	pe, err := scanPlanExecution(s.queryRow(ctx, `SELECT `+planExecutionCols+` FROM plan_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan execution", id)
	}
	return pe, err
}

func (s *SQLStore) FinishPlanExecution(ctx context.Context, id string, status schema.Status, endTs time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE plan_executions SET status = ?, end_ts = ?, updated_at = ? WHERE id = ? AND end_ts IS NULL`,
		string(status), endTs.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetPlanExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) ListPlanExecutions(ctx context.Context, filter PlanExecutionFilter) ([]*PlanExecution, error) {
	var where []string
	var args []any
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	q := `SELECT ` + planExecutionCols + ` FROM plan_executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlanExecution
	for rows.Next() {
		pe, err := scanPlanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// --- Interrupts ---

func (s *SQLStore) CreateInterrupt(ctx context.Context, in *Interrupt) error {
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = timeOrNow(in.CreatedAt), now
	_, err := s.exec(ctx,
		`INSERT INTO interrupts (id, plan_execution_id, node_execution_id, type, state, issued_by, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.PlanExecutionID, nullStr(in.NodeExecutionID), string(in.Type), string(in.State),
		nullStr(in.IssuedBy), nullStr(in.Reason), in.CreatedAt, in.UpdatedAt,
	)
	return err
}

func (s *SQLStore) UpdateInterruptState(ctx context.Context, id string, state schema.InterruptState) error {
	res, err := s.exec(ctx, `UPDATE interrupts SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "interrupt", id)
}

func (s *SQLStore) ListInterrupts(ctx context.Context, planExecutionID string) ([]*Interrupt, error) {
	rows, err := s.query(ctx,
		`SELECT id, plan_execution_id, node_execution_id, type, state, issued_by, reason, created_at, updated_at
		 FROM interrupts WHERE plan_execution_id = ? ORDER BY created_at, id`, planExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Interrupt
	for rows.Next() {
		in := &Interrupt{}
		var nodeID, issuedBy, reason sql.NullString
		var typ, state string
		if err := rows.Scan(&in.ID, &in.PlanExecutionID, &nodeID, &typ, &state, &issuedBy, &reason, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		in.NodeExecutionID, in.IssuedBy, in.Reason = nodeID.String, issuedBy.String, reason.String
		in.Type, in.State = schema.InterruptType(typ), schema.InterruptState(state)
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PMSError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(ss []schema.Status) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
