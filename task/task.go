// Package task defines the task model, persistence, and the dependency
// service that drives status transitions and cascading block/unblock.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
	StatusOnHold     Status = "on_hold"
)

// Statuses lists every task status, in lifecycle order. It drives the
// projection buckets and CLI output.
var Statuses = []Status{
	StatusPending, StatusInProgress, StatusCompleted,
	StatusBlocked, StatusFailed, StatusOnHold,
}

// Priority determines task scheduling order.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityMedium   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Note is a single timestamped entry in a task's append-only audit log.
type Note struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Metrics tracks execution counters for a task.
type Metrics struct {
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`
	ErrorCount       int     `json:"error_count,omitempty"`
	RetryCount       int     `json:"retry_count,omitempty"`
}

// Task is a unit of work with a status lifecycle and optional
// dependency/subtask relationships.
type Task struct {
	ID                   string            `json:"id"`
	Title                string            `json:"title"`
	Description          string            `json:"description"`
	Status               Status            `json:"status"`
	Priority             Priority          `json:"priority"`
	ParentID             string            `json:"parent_id,omitempty"`
	Subtasks             []string          `json:"subtasks,omitempty"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	AssignedAgent        string            `json:"assigned_agent,omitempty"`
	AssignedDivision     string            `json:"assigned_division,omitempty"`
	CompletionPercentage float64           `json:"completion_percentage"`
	Metrics              Metrics           `json:"metrics"`
	Notes                []Note            `json:"notes,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	Deadline             *time.Time        `json:"deadline,omitempty"`
}

// AddNote appends a timestamped entry to the task's audit log.
func (t *Task) AddNote(text string) {
	t.Notes = append(t.Notes, Note{Time: time.Now().UTC(), Text: text})
}

// Store persists and retrieves tasks along with their relationship rows
// and the derived status-bucket projection.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(t *Task) error

	// List returns tasks matching the given filter.
	List(filter Filter) ([]*Task, error)

	// Delete removes a task and its relationship rows. It fails if the
	// task is still listed as a dependency of another task.
	Delete(id string) error

	// Dependents returns the tasks that list id as a dependency.
	Dependents(id string) ([]*Task, error)

	// StatusSnapshot returns the derived projection document for a
	// status bucket.
	StatusSnapshot(status Status) ([]*Task, error)

	// RebuildSnapshots regenerates every projection bucket from the
	// canonical tables alone.
	RebuildSnapshots() error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status   *Status   `json:"status,omitempty"`
	Priority *Priority `json:"priority,omitempty"`
	Agent    string    `json:"agent,omitempty"`
	Division string    `json:"division,omitempty"`
	ParentID string    `json:"parent_id,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}
