package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL,
	status                TEXT NOT NULL,
	priority              INTEGER NOT NULL DEFAULT 1,
	parent_id             TEXT NOT NULL DEFAULT '',
	assigned_agent        TEXT NOT NULL DEFAULT '',
	assigned_division     TEXT NOT NULL DEFAULT '',
	completion_percentage REAL NOT NULL DEFAULT 0,
	metrics               TEXT NOT NULL DEFAULT '{}',
	notes                 TEXT NOT NULL DEFAULT '[]',
	metadata              TEXT NOT NULL DEFAULT '{}',
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	started_at            DATETIME,
	completed_at          DATETIME,
	deadline              DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_status   ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_agent    ON tasks(assigned_agent);
CREATE INDEX IF NOT EXISTS idx_tasks_division ON tasks(assigned_division);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id    TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE INDEX IF NOT EXISTS idx_deps_reverse ON task_dependencies(depends_on);

CREATE TABLE IF NOT EXISTS task_subtasks (
	parent_id TEXT NOT NULL,
	child_id  TEXT NOT NULL,
	PRIMARY KEY (parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS status_snapshots (
	status     TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	rebuilt_at DATETIME NOT NULL
);
`

// SQLiteStore persists tasks in a SQLite database. The tasks table plus
// the two relationship tables are canonical; status_snapshots is a
// derived projection rebuilt inside the same transaction as every
// mutation, so it never observably diverges from the canonical rows.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// querier abstracts sql.DB and sql.Tx so the scan helpers work on both.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Create persists a new task, its relationship rows, and refreshes the
// projection bucket for its status.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if strings.TrimSpace(t.Title) == "" {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Check inside the transaction so a concurrent create of the same id
	// surfaces as ErrValidation rather than a constraint violation.
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id=?`, t.ID).Scan(&exists); err != nil {
		return "", fmt.Errorf("check id: %w", err)
	}
	if exists > 0 {
		return "", fmt.Errorf("%w: duplicate task id %s", ErrValidation, t.ID)
	}

	metrics, _ := json.Marshal(t.Metrics)
	notes, _ := json.Marshal(t.Notes)
	metadata, _ := json.Marshal(t.Metadata)

	_, err = tx.Exec(`
		INSERT INTO tasks
			(id, title, description, status, priority, parent_id,
			 assigned_agent, assigned_division, completion_percentage,
			 metrics, notes, metadata,
			 created_at, updated_at, started_at, completed_at, deadline)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), int(t.Priority), t.ParentID,
		t.AssignedAgent, t.AssignedDivision, t.CompletionPercentage,
		string(metrics), string(notes), string(metadata),
		t.CreatedAt, t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.Deadline),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	if err := writeRelations(tx, t); err != nil {
		return "", err
	}
	if err := refreshSnapshots(tx, t.Status); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID, including its relationship rows.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	return getTask(s.db, id)
}

// Update saves changes to an existing task, rewrites its relationship
// rows, and refreshes the projection buckets for the old and new status.
func (s *SQLiteStore) Update(t *Task) error {
	var oldStatus string
	err := s.db.QueryRow(`SELECT status FROM tasks WHERE id=?`, t.ID).Scan(&oldStatus)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}

	t.UpdatedAt = time.Now().UTC()
	metrics, _ := json.Marshal(t.Metrics)
	notes, _ := json.Marshal(t.Notes)
	metadata, _ := json.Marshal(t.Metadata)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		UPDATE tasks SET
			title=?, description=?, status=?, priority=?, parent_id=?,
			assigned_agent=?, assigned_division=?, completion_percentage=?,
			metrics=?, notes=?, metadata=?,
			updated_at=?, started_at=?, completed_at=?, deadline=?
		WHERE id=?`,
		t.Title, t.Description, string(t.Status), int(t.Priority), t.ParentID,
		t.AssignedAgent, t.AssignedDivision, t.CompletionPercentage,
		string(metrics), string(notes), string(metadata),
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.Deadline),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id=?`, t.ID); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM task_subtasks WHERE parent_id=?`, t.ID); err != nil {
		return fmt.Errorf("clear subtasks: %w", err)
	}
	if err := writeRelations(tx, t); err != nil {
		return err
	}
	if err := refreshSnapshots(tx, Status(oldStatus), t.Status); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns tasks matching the filter, highest priority first.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Priority != nil {
		q.WriteString(" AND priority=?")
		args = append(args, int(*filter.Priority))
	}
	if filter.Agent != "" {
		q.WriteString(" AND assigned_agent=?")
		args = append(args, filter.Agent)
	}
	if filter.Division != "" {
		q.WriteString(" AND assigned_division=?")
		args = append(args, filter.Division)
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_id=?")
		args = append(args, filter.ParentID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	return queryTasks(s.db, q.String(), args...)
}

// Delete removes a task and its relationship rows. It fails with
// ErrConflict while another task still lists the id as a dependency.
func (s *SQLiteStore) Delete(id string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM tasks WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	var refs int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM task_dependencies WHERE depends_on=?`, id).Scan(&refs); err != nil {
		return fmt.Errorf("count references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: task %s is a dependency of %d task(s)", ErrConflict, id, refs)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM tasks WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete dependencies: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM task_subtasks WHERE parent_id=? OR child_id=?`, id, id); err != nil {
		return fmt.Errorf("delete subtasks: %w", err)
	}
	if err := refreshSnapshots(tx, Status(status)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Dependents returns the tasks that list id as a dependency.
func (s *SQLiteStore) Dependents(id string) ([]*Task, error) {
	return queryTasks(s.db, `
		SELECT t.* FROM tasks t
		JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on = ?
		ORDER BY t.priority DESC, t.created_at ASC`, id)
}

// StatusSnapshot returns the projection document for a status bucket.
func (s *SQLiteStore) StatusSnapshot(status Status) ([]*Task, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM status_snapshots WHERE status=?`, string(status)).Scan(&payload)
	if err == sql.ErrNoRows {
		return []*Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var tasks []*Task
	if err := json.Unmarshal([]byte(payload), &tasks); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", status, err)
	}
	return tasks, nil
}

// RebuildSnapshots regenerates every projection bucket from the
// canonical tables. Idempotent; valid recovery after a partial failure.
func (s *SQLiteStore) RebuildSnapshots() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := refreshSnapshots(tx, Statuses...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// writeRelations inserts the dependency and subtask rows for t.
func writeRelations(q querier, t *Task) error {
	for _, dep := range t.Dependencies {
		if _, err := q.Exec(`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?,?)`, t.ID, dep); err != nil {
			return fmt.Errorf("insert dependency %s->%s: %w", t.ID, dep, err)
		}
	}
	for _, child := range t.Subtasks {
		if _, err := q.Exec(`INSERT INTO task_subtasks (parent_id, child_id) VALUES (?,?)`, t.ID, child); err != nil {
			return fmt.Errorf("insert subtask %s->%s: %w", t.ID, child, err)
		}
	}
	return nil
}

// refreshSnapshots regenerates the projection buckets for the given
// statuses from the canonical rows visible to q.
func refreshSnapshots(q querier, statuses ...Status) error {
	for _, st := range statuses {
		tasks, err := queryTasks(q, `SELECT * FROM tasks WHERE status=? ORDER BY priority DESC, created_at ASC`, string(st))
		if err != nil {
			return err
		}
		if tasks == nil {
			tasks = []*Task{}
		}
		payload, err := json.Marshal(tasks)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", st, err)
		}
		_, err = q.Exec(`
			INSERT INTO status_snapshots (status, payload, rebuilt_at) VALUES (?,?,?)
			ON CONFLICT(status) DO UPDATE SET payload=excluded.payload, rebuilt_at=excluded.rebuilt_at`,
			string(st), string(payload), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("write snapshot %s: %w", st, err)
		}
	}
	return nil
}

// getTask loads a single task and its relationship rows.
func getTask(q querier, id string) (*Task, error) {
	row := q.QueryRow(`SELECT * FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadRelations(q, t); err != nil {
		return nil, err
	}
	return t, nil
}

// queryTasks runs a SELECT over the tasks table and loads relationship
// rows for every result.
func queryTasks(q querier, query string, args ...any) ([]*Task, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := loadRelations(q, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// loadRelations fills the Dependencies and Subtasks slices from the
// relationship tables.
func loadRelations(q querier, t *Task) error {
	deps, err := queryIDs(q, `SELECT depends_on FROM task_dependencies WHERE task_id=? ORDER BY depends_on`, t.ID)
	if err != nil {
		return fmt.Errorf("load dependencies %s: %w", t.ID, err)
	}
	t.Dependencies = deps

	subs, err := queryIDs(q, `SELECT child_id FROM task_subtasks WHERE parent_id=? ORDER BY child_id`, t.ID)
	if err != nil {
		return fmt.Errorf("load subtasks %s: %w", t.ID, err)
	}
	t.Subtasks = subs
	return nil
}

func queryIDs(q querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, metricsJSON, notesJSON, metadataJSON string
	var priority int
	var startedAt, completedAt, deadline sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority, &t.ParentID,
		&t.AssignedAgent, &t.AssignedDivision, &t.CompletionPercentage,
		&metricsJSON, &notesJSON, &metadataJSON,
		&t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt, &deadline,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)

	_ = json.Unmarshal([]byte(metricsJSON), &t.Metrics)
	_ = json.Unmarshal([]byte(notesJSON), &t.Notes)
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if deadline.Valid {
		t.Deadline = &deadline.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
