// Package workflow models composite step graphs and drives their
// execution through pluggable step-type handlers.
package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a workflow or step.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// StepType identifies the handler a step dispatches to.
type StepType string

const (
	StepTask      StepType = "task"
	StepDecision  StepType = "decision"
	StepParallel  StepType = "parallel"
	StepSequence  StepType = "sequence"
	StepCondition StepType = "condition"
	StepLoop      StepType = "loop"
	StepEvent     StepType = "event"
)

// Step is a typed node in a workflow graph.
type Step struct {
	ID          string         `json:"id"`
	Type        StepType       `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"` // task type only
	Requires    []string       `json:"requires,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	State       State          `json:"state"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Workflow is a named graph of steps with an overall lifecycle state.
// All step mutation goes through its methods; the mutex serializes
// concurrent completion events.
type Workflow struct {
	mu sync.Mutex

	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	State       State            `json:"state"`
	Steps       map[string]*Step `json:"steps"`
	Variables   map[string]any   `json:"variables,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// New creates an empty pending workflow.
func New(name, description string) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		State:       StatePending,
		Steps:       make(map[string]*Step),
		Variables:   make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AddStep inserts a step into the workflow's step map. Steps are added
// before the workflow starts.
func (w *Workflow) AddStep(s *Step) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = StatePending
	}
	w.Steps[s.ID] = s
	w.UpdatedAt = time.Now().UTC()
}

// Validate checks the requires-graph: every referenced step must exist
// and the graph must be acyclic. Callers must validate before starting
// execution and reject the start if this returns false.
func (w *Workflow) Validate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range w.Steps {
		for _, req := range s.Requires {
			if _, ok := w.Steps[req]; !ok {
				return false
			}
		}
	}

	// Depth-first walk with an on-path set: revisiting a step still on
	// the path means a cycle.
	onPath := make(map[string]bool, len(w.Steps))
	visited := make(map[string]bool, len(w.Steps))
	var walk func(id string) bool
	walk = func(id string) bool {
		if onPath[id] {
			return true
		}
		if visited[id] {
			return false
		}
		onPath[id] = true
		for _, req := range w.Steps[id].Requires {
			if walk(req) {
				return true
			}
		}
		onPath[id] = false
		visited[id] = true
		return false
	}
	for id := range w.Steps {
		if walk(id) {
			return false
		}
	}
	return true
}

// NextSteps returns every pending step whose required steps are all
// completed. It is a pure function of current state, recomputed on
// demand; workflows are small enough that the full scan stays cheap.
func (w *Workflow) NextSteps() []*Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextStepsLocked()
}

func (w *Workflow) nextStepsLocked() []*Step {
	var ready []*Step
	for _, s := range w.Steps {
		if s.State != StatePending {
			continue
		}
		ok := true
		for _, req := range s.Requires {
			if w.Steps[req].State != StateCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// IsCompleted reports whether every step is completed or cancelled.
func (w *Workflow) IsCompleted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.Steps {
		if s.State != StateCompleted && s.State != StateCancelled {
			return false
		}
	}
	return true
}

// SetStepState sets a step's state and result, stamping StartedAt on the
// first transition to active and CompletedAt on completed/failed.
func (w *Workflow) SetStepState(stepID string, state State, result any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.Steps[stepID]
	if !ok {
		return false
	}
	s.State = state
	now := time.Now().UTC()
	switch state {
	case StateActive:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case StateCompleted, StateFailed:
		s.CompletedAt = &now
	}
	if result != nil {
		s.Result = result
	}
	w.UpdatedAt = now
	return true
}

// FailStep marks a step failed and records the error text on it.
func (w *Workflow) FailStep(stepID, errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.Steps[stepID]
	if !ok {
		return
	}
	s.State = StateFailed
	s.Error = errMsg
	now := time.Now().UTC()
	s.CompletedAt = &now
	w.UpdatedAt = now
}

// claimStep atomically moves a pending step to active. Two concurrent
// triggers cannot both claim the same step.
func (w *Workflow) claimStep(stepID string) (*Step, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.Steps[stepID]
	if !ok || s.State != StatePending {
		return nil, false
	}
	s.State = StateActive
	now := time.Now().UTC()
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	w.UpdatedAt = now
	return s, true
}

// setState transitions the workflow if the current state is one of the
// allowed sources, returning whether the transition happened.
func (w *Workflow) setState(to State, from ...State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range from {
		if w.State == f {
			w.State = to
			w.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// CurrentState returns the workflow state under the lock.
func (w *Workflow) CurrentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.State
}

// Step returns a step by id.
func (w *Workflow) Step(id string) (*Step, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.Steps[id]
	return s, ok
}
