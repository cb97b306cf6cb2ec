package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %v", err).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
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

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

// SaveExecution inserts the execution or overwrites the stored copy.
func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		return schema.NewValidationError("execution id is required")
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, flow_name, status, inputs, result, error, cancel_reason, exit_reason, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   flow_name=excluded.flow_name, status=excluded.status, inputs=excluded.inputs,
		   result=excluded.result, error=excluded.error, cancel_reason=excluded.cancel_reason,
		   exit_reason=excluded.exit_reason, ended_at=excluded.ended_at, updated_at=excluded.updated_at`,
		exec.ID, exec.FlowName, string(exec.Status), nullRaw(exec.Inputs), nullRaw(exec.Result), nullRaw(exec.Error),
		nullStr(exec.CancelReason), nullStr(exec.ExitReason), exec.StartedAt, nullTime(exec.EndedAt), exec.UpdatedAt,
	)
	if err != nil {
		return storeError("save execution", err)
	}
	return nil
}

const executionColumns = `id, flow_name, status, inputs, result, error, cancel_reason, exit_reason, started_at, ended_at, updated_at`

// GetExecution returns the stored execution or NOT_FOUND.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, filter.FlowName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeleteExecution removes an execution and its events.
func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return storeError("delete execution", err)
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE execution_id = ?`, id); err != nil {
		return storeError("delete events", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status                   string
		inputs, result, errJSON  sql.NullString
		cancelReason, exitReason sql.NullString
		endedAt                  sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.FlowName, &status, &inputs, &result, &errJSON,
		&cancelReason, &exitReason, &exec.StartedAt, &endedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Inputs = rawOrNil(inputs)
	exec.Result = rawOrNil(result)
	exec.Error = rawOrNil(errJSON)
	exec.CancelReason = cancelReason.String
	exec.ExitReason = exitReason.String
	if endedAt.Valid {
		exec.EndedAt = &endedAt.Time
	}
	return exec, nil
}

// --- Events ---

// AppendEvent assigns the next per-execution sequence and inserts the event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ExecutionID == "" {
		return schema.NewValidationError("event execution id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	// Take the write lock before reading the sequence. In WAL mode BeginTx
	// may start a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeError("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeError("release write lock", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return storeError("next sequence", err)
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit event", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events with sequence > since, in sequence order.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type, newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("get events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
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

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
