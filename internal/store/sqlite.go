package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/courier/internal/model"
)

// maxCASAttempts bounds how often Update* re-reads after losing a version race.
const maxCASAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id                  TEXT PRIMARY KEY,
	agent_id            TEXT NOT NULL,
	type                TEXT NOT NULL,
	content             TEXT NOT NULL DEFAULT '{}',
	status              TEXT NOT NULL,
	priority            INTEGER NOT NULL,
	timeout_sec         INTEGER NOT NULL,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	max_retries         INTEGER NOT NULL,
	progress            INTEGER NOT NULL DEFAULT 0,
	progress_message    TEXT NOT NULL DEFAULT '',
	output              TEXT,
	error_message       TEXT NOT NULL DEFAULT '',
	lease_epoch         INTEGER NOT NULL DEFAULT 0,
	deadline_at         INTEGER,
	cancel_requested_at INTEGER,
	created_at          INTEGER NOT NULL,
	started_at          INTEGER,
	completed_at        INTEGER,
	updated_at          INTEGER NOT NULL,
	version             INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON commands(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);

CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL DEFAULT '',
	group_id      TEXT NOT NULL DEFAULT '',
	parent_id     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	input         TEXT NOT NULL DEFAULT '{}',
	output        TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	completed_at  INTEGER,
	version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);

CREATE TABLE IF NOT EXISTS execution_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL REFERENCES executions(id),
	level        TEXT NOT NULL,
	message      TEXT NOT NULL,
	metadata     TEXT,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_exec ON execution_logs(execution_id, id);
`

const commandColumns = `id, agent_id, type, content, status, priority, timeout_sec, retry_count,
	max_retries, progress, progress_message, output, error_message, lease_epoch, deadline_at,
	cancel_requested_at, created_at, started_at, completed_at, updated_at, version`

const executionColumns = `id, agent_id, group_id, parent_id, status, input, output, error_message,
	created_at, started_at, completed_at, version`

// SQLiteStore persists records in a single SQLite file (pure-Go driver).
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func decodeJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return m, nil
}

func scanCommand(row rowScanner) (*model.Command, error) {
	var (
		cmd                                     model.Command
		content, output                         sql.NullString
		deadline, cancelReq, started, completed sql.NullInt64
		createdAt, updatedAt                    int64
	)
	err := row.Scan(&cmd.ID, &cmd.AgentID, &cmd.Type, &content, &cmd.Status, &cmd.Priority,
		&cmd.TimeoutSec, &cmd.RetryCount, &cmd.MaxRetries, &cmd.Progress, &cmd.ProgressMessage,
		&output, &cmd.ErrorMessage, &cmd.LeaseEpoch, &deadline, &cancelReq, &createdAt,
		&started, &completed, &updatedAt, &cmd.Version)
	if err != nil {
		return nil, err
	}
	if cmd.Content, err = decodeJSON(content); err != nil {
		return nil, err
	}
	if cmd.Output, err = decodeJSON(output); err != nil {
		return nil, err
	}
	cmd.DeadlineAt = fromNullTime(deadline)
	cmd.CancelRequestedAt = fromNullTime(cancelReq)
	cmd.StartedAt = fromNullTime(started)
	cmd.CompletedAt = fromNullTime(completed)
	cmd.CreatedAt = time.Unix(0, createdAt).UTC()
	cmd.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &cmd, nil
}

func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *model.Command) error {
	content, err := encodeJSON(cmd.Content)
	if err != nil {
		return err
	}
	if content == nil {
		content = "{}"
	}
	output, err := encodeJSON(cmd.Output)
	if err != nil {
		return err
	}
	if cmd.UpdatedAt.IsZero() {
		cmd.UpdatedAt = cmd.CreatedAt
	}
	cmd.Version = 1
	_, err = s.db.ExecContext(ctx, `INSERT INTO commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.AgentID, cmd.Type, content, cmd.Status, cmd.Priority, cmd.TimeoutSec,
		cmd.RetryCount, cmd.MaxRetries, cmd.Progress, cmd.ProgressMessage, output,
		cmd.ErrorMessage, cmd.LeaseEpoch, nullTime(cmd.DeadlineAt), nullTime(cmd.CancelRequestedAt),
		unixNano(cmd.CreatedAt), nullTime(cmd.StartedAt), nullTime(cmd.CompletedAt),
		unixNano(cmd.UpdatedAt), cmd.Version)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", cmd.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commandNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", id, err)
	}
	return cmd, nil
}

func commandWhere(f model.CommandFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.StartTime != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, unixNano(*f.StartTime))
	}
	if f.EndTime != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, unixNano(*f.EndTime))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, int, error) {
	where, args := commandWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count commands: %w", err)
	}

	query := `SELECT ` + commandColumns + ` FROM commands` + where + ` ORDER BY created_at DESC, id ASC`
	if f.PageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	}
	cmds, err := s.queryCommands(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return cmds, total, nil
}

func (s *SQLiteStore) queryCommands(ctx context.Context, query string, args ...any) ([]*model.Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []*model.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// UpdateCommand retries the read-mutate-write cycle when the version moved
// underneath it; fn may therefore run more than once.
func (s *SQLiteStore) UpdateCommand(ctx context.Context, id string, fn Mutator[model.Command]) (*model.Command, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1
		next.UpdatedAt = time.Now().UTC()

		content, err := encodeJSON(next.Content)
		if err != nil {
			return nil, err
		}
		if content == nil {
			content = "{}"
		}
		output, err := encodeJSON(next.Output)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE commands SET
			content = ?, status = ?, retry_count = ?, progress = ?, progress_message = ?,
			output = ?, error_message = ?, lease_epoch = ?, deadline_at = ?, cancel_requested_at = ?,
			started_at = ?, completed_at = ?, updated_at = ?, version = ?
			WHERE id = ? AND version = ?`,
			content, next.Status, next.RetryCount, next.Progress, next.ProgressMessage,
			output, next.ErrorMessage, next.LeaseEpoch, nullTime(next.DeadlineAt),
			nullTime(next.CancelRequestedAt), nullTime(next.StartedAt), nullTime(next.CompletedAt),
			unixNano(next.UpdatedAt), next.Version, id, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("update command %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update command %s: %w", id, err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("update command %s: %w", id, model.ErrConflict)
}

func (s *SQLiteStore) ListActiveCommands(ctx context.Context) ([]*model.Command, error) {
	return s.queryCommands(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE status IN (?, ?) ORDER BY created_at ASC`,
		model.CommandStatusPending, model.CommandStatusExecuting)
}

func (s *SQLiteStore) CountCommandsByStatus(ctx context.Context, agentID string) (map[model.CommandStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM commands`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	defer rows.Close()

	out := make(map[model.CommandStatus]int)
	for rows.Next() {
		var (
			status model.CommandStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var (
		exec               model.Execution
		input, output      sql.NullString
		started, completed sql.NullInt64
		createdAt          int64
	)
	err := row.Scan(&exec.ID, &exec.AgentID, &exec.GroupID, &exec.ParentID, &exec.Status,
		&input, &output, &exec.ErrorMessage, &createdAt, &started, &completed, &exec.Version)
	if err != nil {
		return nil, err
	}
	if exec.Input, err = decodeJSON(input); err != nil {
		return nil, err
	}
	if exec.Output, err = decodeJSON(output); err != nil {
		return nil, err
	}
	exec.CreatedAt = time.Unix(0, createdAt).UTC()
	exec.StartedAt = fromNullTime(started)
	exec.CompletedAt = fromNullTime(completed)
	return &exec, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	input, err := encodeJSON(exec.Input)
	if err != nil {
		return err
	}
	if input == nil {
		input = "{}"
	}
	output, err := encodeJSON(exec.Output)
	if err != nil {
		return err
	}
	exec.Version = 1
	_, err = s.db.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.AgentID, exec.GroupID, exec.ParentID, exec.Status, input, output,
		exec.ErrorMessage, unixNano(exec.CreatedAt), nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt), exec.Version)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, executionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, f model.ExecutionFilter) ([]*model.Execution, int, error) {
	var (
		clauses []string
		args    []any
	)
	for col, val := range map[string]string{
		"agent_id":  f.AgentID,
		"group_id":  f.GroupID,
		"parent_id": f.ParentID,
		"status":    string(f.Status),
	} {
		if val != "" {
			clauses = append(clauses, col+" = ?")
			args = append(args, val)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + where + ` ORDER BY created_at DESC, id ASC`
	if f.PageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, fn Mutator[model.Execution]) (*model.Execution, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1

		output, err := encodeJSON(next.Output)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE executions SET
			status = ?, output = ?, error_message = ?, started_at = ?, completed_at = ?, version = ?
			WHERE id = ? AND version = ?`,
			next.Status, output, next.ErrorMessage, nullTime(next.StartedAt),
			nullTime(next.CompletedAt), next.Version, id, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("update execution %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update execution %s: %w", id, err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("update execution %s: %w", id, model.ErrConflict)
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *model.ExecutionLog) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, entry.ExecutionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return executionNotFound(entry.ExecutionID)
	}
	if err != nil {
		return fmt.Errorf("check execution %s: %w", entry.ExecutionID, err)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO execution_logs (execution_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.Level, entry.Message, metadata, unixNano(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, executionID string) ([]model.ExecutionLog, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, execution_id, level, message, metadata, created_at
		FROM execution_logs WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionLog
	for rows.Next() {
		var (
			entry     model.ExecutionLog
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.Level, &entry.Message, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if entry.Metadata, err = decodeJSON(metadata); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}
