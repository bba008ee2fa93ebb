package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semcontrol/workflow"
	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	workspace_id TEXT NOT NULL DEFAULT '',
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	planning_session_key TEXT NOT NULL DEFAULT '',
	planning_messages TEXT NOT NULL DEFAULT '[]',
	planning_complete INTEGER NOT NULL DEFAULT 0,
	planning_spec TEXT,
	planning_agents TEXT,
	planning_execution_plan TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(assigned_agent_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	is_master INTEGER NOT NULL DEFAULT 0,
	workspace_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
`

const taskColumns = `id, title, description, status, priority, workspace_id, assigned_agent_id,
	planning_session_key, planning_messages, planning_complete, planning_spec,
	planning_agents, planning_execution_plan, created_at, updated_at`

const agentColumns = `id, name, status, is_master, workspace_id, created_at, updated_at`

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask stores a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *workflow.Task) error {
	if err := prepareTask(t); err != nil {
		return err
	}
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask replaces an existing task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *workflow.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = nowUTC()
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// SET takes every column but the id, which goes last for WHERE.
	setArgs := append(append([]any{}, args[1:]...), t.ID)
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?, workspace_id = ?,
			assigned_agent_id = ?, planning_session_key = ?, planning_messages = ?,
			planning_complete = ?, planning_spec = ?, planning_agents = ?,
			planning_execution_plan = ?, created_at = ?, updated_at = ?
			WHERE id = ?`, setArgs...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return requireAffected(res)
	})
}

// ListTasks returns matching tasks, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*workflow.Task, error) {
	where, args := taskWhere(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*workflow.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasks counts matching tasks with a single query.
func (s *SQLiteStore) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	where, args := taskWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// CreateAgent stores a new agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *workflow.Agent) error {
	if err := prepareAgent(a); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, string(a.Status), a.IsMaster, a.WorkspaceID, a.CreatedAt, a.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpdateAgent replaces an existing agent.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *workflow.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.UpdatedAt = nowUTC()
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET name = ?, status = ?, is_master = ?,
			workspace_id = ?, updated_at = ? WHERE id = ?`,
			a.Name, string(a.Status), a.IsMaster, a.WorkspaceID, a.UpdatedAt, a.ID)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		return requireAffected(res)
	})
}

// ListAgents returns matching agents, oldest first.
func (s *SQLiteStore) ListAgents(ctx context.Context, f AgentFilter) ([]*workflow.Agent, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.MasterOnly {
		clauses = append(clauses, "is_master = 1")
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents`+joinWhere(clauses)+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*workflow.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AppendEvent appends to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *workflow.Event) error {
	if err := prepareEvent(e); err != nil {
		return err
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO events (id, type, task_id, agent_id, message, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Type), e.TaskID, e.AgentID, e.Message, nullableText(metadata), e.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

// ListEvents returns matching events, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]*workflow.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	query := `SELECT id, type, task_id, agent_id, message, metadata, created_at FROM events` +
		joinWhere(clauses) + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]*workflow.Event, 0)
	for rows.Next() {
		var (
			e        workflow.Event
			typ      string
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &e.TaskID, &e.AgentID, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = workflow.EventType(typ)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query returns newest first so LIMIT keeps the most recent entries.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func taskArgs(t *workflow.Task) ([]any, error) {
	messages, err := json.Marshal(t.PlanningMessages)
	if err != nil {
		return nil, fmt.Errorf("marshal planning messages: %w", err)
	}
	if t.PlanningMessages == nil {
		messages = []byte("[]")
	}
	var agents []byte
	if t.PlanningAgents != nil {
		if agents, err = json.Marshal(t.PlanningAgents); err != nil {
			return nil, fmt.Errorf("marshal planning agents: %w", err)
		}
	}
	return []any{
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), t.WorkspaceID,
		t.AssignedAgentID, t.PlanningSessionKey, string(messages), t.PlanningComplete,
		nullableText(t.PlanningSpec), nullableText(agents), nullableText(t.PlanningExecutionPlan),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	}, nil
}

func scanTask(row rowScanner) (*workflow.Task, error) {
	var (
		t                           workflow.Task
		status, priority, messages  string
		spec, agents, executionPlan sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.WorkspaceID,
		&t.AssignedAgentID, &t.PlanningSessionKey, &messages, &t.PlanningComplete,
		&spec, &agents, &executionPlan, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = workflow.TaskStatus(status)
	t.Priority = workflow.Priority(priority)
	if messages != "" && messages != "[]" && messages != "null" {
		if err := json.Unmarshal([]byte(messages), &t.PlanningMessages); err != nil {
			return nil, fmt.Errorf("decode planning messages: %w", err)
		}
	}
	if spec.Valid {
		t.PlanningSpec = json.RawMessage(spec.String)
	}
	if agents.Valid {
		if err := json.Unmarshal([]byte(agents.String), &t.PlanningAgents); err != nil {
			return nil, fmt.Errorf("decode planning agents: %w", err)
		}
	}
	if executionPlan.Valid {
		t.PlanningExecutionPlan = json.RawMessage(executionPlan.String)
	}
	return &t, nil
}

func scanAgent(row rowScanner) (*workflow.Agent, error) {
	var (
		a      workflow.Agent
		status string
	)
	if err := row.Scan(&a.ID, &a.Name, &status, &a.IsMaster, &a.WorkspaceID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = workflow.AgentStatus(status)
	return &a, nil
}

func taskWhere(f TaskFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.AssignedAgentID != "" {
		clauses = append(clauses, "assigned_agent_id = ?")
		args = append(args, f.AssignedAgentID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.PlanningActive {
		clauses = append(clauses, "planning_session_key != '' AND planning_complete = 0")
	}
	return joinWhere(clauses), args
}

func joinWhere(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// retryOnBusy retries f with jittered exponential backoff while SQLite
// reports BUSY or LOCKED.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

var _ Store = (*SQLiteStore)(nil)
