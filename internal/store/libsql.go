package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/leadstitch/flowline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowline.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, definition, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Version, string(def), nullStr(wf.Description),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	var def string
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, definition, description, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.Version, &def, &description, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	wf.Description = description.String
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, version = version + 1, definition = ?, description = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		wf.Name, string(def), nullStr(wf.Description), wf.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", wf.ID)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) (*Page[*WorkflowRecord], error) {
	limit := pageLimit(filter.Limit)
	query := `SELECT id, name, version, definition, description, created_at, updated_at FROM workflows`
	args := []any{}
	if filter.NameLike != "" {
		query += ` WHERE name LIKE ?`
		args = append(args, "%"+filter.NameLike+"%")
	}
	query += ` ORDER BY name LIMIT ? OFFSET ?`
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*WorkflowRecord
	for rows.Next() {
		wf := &WorkflowRecord{}
		var def string
		var description sql.NullString
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Version, &def, &description, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition for %s: %w", wf.ID, err)
		}
		wf.Description = description.String
		items = append(items, wf)
	}
	return pageOf(items, limit), rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, mode, input, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(exec.Mode),
		nullRaw(exec.Input), timeOrNow(exec.StartedAt),
	)
	return err
}

func (s *LibSQLStore) FinishExecution(ctx context.Context, exec *ExecutionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, error = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(exec.Status), nullRaw(exec.Output), nullRaw(exec.Error),
		nullTime(exec.CompletedAt), exec.DurationMs, exec.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", exec.ID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	exec := &ExecutionRecord{}
	var input, output, errJSON sql.NullString
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, mode, input, output, error, started_at, completed_at, duration_ms
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.Mode,
		&input, &output, &errJSON, &exec.StartedAt, &completedAt, &durationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	exec.Input = jsonOrNil(input)
	exec.Output = jsonOrNil(output)
	exec.Error = jsonOrNil(errJSON)
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	exec.DurationMs = durationMs.Int64
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) (*Page[*ExecutionRecord], error) {
	limit := pageLimit(filter.Limit)
	query := `SELECT id, workflow_id, status, mode, input, output, error, started_at, completed_at, duration_ms
		 FROM executions WHERE 1=1`
	args := []any{}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ExecutionRecord
	for rows.Next() {
		exec := &ExecutionRecord{}
		var input, output, errJSON sql.NullString
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.Mode,
			&input, &output, &errJSON, &exec.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		exec.Input = jsonOrNil(input)
		exec.Output = jsonOrNil(output)
		exec.Error = jsonOrNil(errJSON)
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		exec.DurationMs = durationMs.Int64
		items = append(items, exec)
	}
	return pageOf(items, limit), rows.Err()
}

// --- Node executions ---

func (s *LibSQLStore) SaveNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions
		 (execution_id, node_id, status, output, error, retry_count, cache_hit, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		 status=excluded.status, output=excluded.output, error=excluded.error,
		 retry_count=excluded.retry_count, cache_hit=excluded.cache_hit,
		 completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		rec.ExecutionID, rec.NodeID, string(rec.Status), nullRaw(rec.Output), nullRaw(rec.Error),
		rec.RetryCount, boolToInt(rec.CacheHit), timeOrNow(rec.StartedAt),
		nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, status, output, error, retry_count, cache_hit, started_at, completed_at, duration_ms
		 FROM node_executions WHERE execution_id = ? ORDER BY started_at`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*NodeExecutionRecord
	for rows.Next() {
		rec := &NodeExecutionRecord{}
		var output, errJSON sql.NullString
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		var cacheHit int
		if err := rows.Scan(&rec.ExecutionID, &rec.NodeID, &rec.Status, &output, &errJSON,
			&rec.RetryCount, &cacheHit, &rec.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		rec.Output = jsonOrNil(output)
		rec.Error = jsonOrNil(errJSON)
		rec.CacheHit = cacheHit != 0
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		rec.DurationMs = durationMs.Int64
		items = append(items, rec)
	}
	return items, rows.Err()
}

// --- Timeline events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. A transaction keeps the sequence read and insert atomic (a
// single-connection pool serializes writers).
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event, details, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Event, nullRaw(event.Details),
		event.Timestamp, event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event, details, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*EventRecord
	for rows.Next() {
		ev := &EventRecord{}
		var nodeID, details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &nodeID, &ev.Event, &details, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.NodeID = nodeID.String
		ev.Details = jsonOrNil(details)
		items = append(items, ev)
	}
	return items, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *ScheduleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, cron_expr, input, enabled, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpr, nullRaw(sched.Input),
		boolToInt(sched.Enabled), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error) {
	sched := &ScheduleRecord{}
	var input sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpr, &input, &enabled,
		&lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched.Input = jsonOrNil(input)
	sched.Enabled = enabled != 0
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, sched *ScheduleRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET cron_expr = ?, input = ?, enabled = ?, last_run_at = ?, next_run_at = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sched.CronExpr, nullRaw(sched.Input), boolToInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), sched.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", sched.ID)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) (*Page[*ScheduleRecord], error) {
	limit := pageLimit(filter.Limit)
	query := `SELECT id, workflow_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM schedules WHERE 1=1`
	args := []any{}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ScheduleRecord
	for rows.Next() {
		sched := &ScheduleRecord{}
		var input sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpr, &input, &enabled,
			&lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
			return nil, err
		}
		sched.Input = jsonOrNil(input)
		sched.Enabled = enabled != 0
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		items = append(items, sched)
	}
	return pageOf(items, limit), rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func pageLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultPageSize
	}
	return limit
}

// pageOf trims the sentinel extra row fetched by list queries and reports
// whether more rows exist past the requested window.
func pageOf[T any](items []T, limit int) *Page[T] {
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return &Page[T]{Items: items, Count: len(items), HasMore: hasMore}
}

func storeNotFound(resource, id string) *schema.FlowError {
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
