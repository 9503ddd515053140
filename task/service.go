package task

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service coordinates task creation, status transitions, and the
// cascading block/unblock of dependent tasks. It keeps an in-memory
// dependency index (predecessor -> dependents) so a cascade touches only
// the out-degree of the completed task instead of scanning every task.
type Service struct {
	store  Store
	logger *slog.Logger

	mu         sync.RWMutex
	dependents map[string][]string // task id -> ids that depend on it
	byAgent    map[string][]string
	byDivision map[string][]string
}

// CreateRequest carries the fields accepted when creating a task.
type CreateRequest struct {
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Priority         Priority          `json:"priority"`
	Dependencies     []string          `json:"dependencies,omitempty"`
	ParentID         string            `json:"parent_id,omitempty"`
	AssignedAgent    string            `json:"assigned_agent,omitempty"`
	AssignedDivision string            `json:"assigned_division,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewService creates a Service over the given store and builds its
// indices from the canonical data.
func NewService(store Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger}
	if err := s.RebuildCaches(); err != nil {
		return nil, fmt.Errorf("build indices: %w", err)
	}
	return s, nil
}

// CreateTask validates and persists a new task. Every dependency must
// reference an existing task and the resulting dependency graph must
// stay acyclic; a rejected create leaves no trace in the store.
func (s *Service) CreateTask(req CreateRequest) (*Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	for _, dep := range req.Dependencies {
		if _, err := s.store.Get(dep); err != nil {
			return nil, fmt.Errorf("%w: dependency %s does not exist", ErrValidation, dep)
		}
	}
	if req.ParentID != "" {
		if _, err := s.store.Get(req.ParentID); err != nil {
			return nil, fmt.Errorf("%w: parent %s does not exist", ErrValidation, req.ParentID)
		}
	}

	t := &Task{
		Title:            req.Title,
		Description:      req.Description,
		Status:           StatusPending,
		Priority:         req.Priority,
		ParentID:         req.ParentID,
		Dependencies:     req.Dependencies,
		AssignedAgent:    req.AssignedAgent,
		AssignedDivision: req.AssignedDivision,
		Metadata:         req.Metadata,
	}

	if err := s.checkAcyclic(t); err != nil {
		return nil, err
	}

	id, err := s.store.Create(t)
	if err != nil {
		return nil, err
	}

	if req.ParentID != "" {
		parent, err := s.store.Get(req.ParentID)
		if err == nil {
			parent.Subtasks = append(parent.Subtasks, id)
			if err := s.store.Update(parent); err != nil {
				s.logger.Warn("link subtask", "parent", req.ParentID, "child", id, "error", err)
			}
		}
	}

	s.mu.Lock()
	for _, dep := range t.Dependencies {
		s.dependents[dep] = append(s.dependents[dep], id)
	}
	s.indexAssignment(t)
	s.mu.Unlock()

	s.logger.Info("task created", "id", id, "title", t.Title, "deps", len(t.Dependencies))
	return t, nil
}

// Get retrieves a task by id.
func (s *Service) Get(id string) (*Task, error) {
	return s.store.Get(id)
}

// List returns the tasks matching the filter. Queries go straight to
// the store, which sees every persisted mutation.
func (s *Service) List(f Filter) ([]*Task, error) {
	return s.store.List(f)
}

// UpdateStatus applies a status transition, appends an audit note if a
// message is given, persists, and cascades to dependent tasks:
//
//   - completed: every blocked dependent whose dependencies are now all
//     completed transitions back to pending ("unblocked by <id>").
//   - blocked: every dependent not already completed transitions to
//     blocked ("blocked by <id>").
//
// Progress must be within [0,100]; pass a nil percentage to leave it
// unchanged.
func (s *Service) UpdateStatus(id string, status Status, message string, percentage *float64) (*Task, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if percentage != nil && (*percentage < 0 || *percentage > 100) {
		return nil, fmt.Errorf("%w: completion percentage %v out of range", ErrValidation, *percentage)
	}

	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	applyTransition(t, status)
	if percentage != nil && status != StatusCompleted {
		t.CompletionPercentage = *percentage
	}
	if message != "" {
		t.AddNote(message)
	}

	if err := s.store.Update(t); err != nil {
		return nil, err
	}
	s.logger.Info("status updated", "id", id, "status", status)

	switch status {
	case StatusCompleted:
		s.unblockDependents(id)
	case StatusBlocked:
		s.blockDependents(id)
	}
	return t, nil
}

// Assign moves a task to a new agent and/or division, keeping the
// assignment indices in step.
func (s *Service) Assign(id, agent, division string) (*Task, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.unindexAssignment(t)
	t.AssignedAgent = agent
	t.AssignedDivision = division
	s.indexAssignment(t)
	s.mu.Unlock()

	if err := s.store.Update(t); err != nil {
		return nil, err
	}
	s.logger.Info("task assigned", "id", id, "agent", agent, "division", division)
	return t, nil
}

// DeleteTask removes a task. It fails with ErrConflict while the task is
// still a dependency of another task.
func (s *Service) DeleteTask(id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}

	s.mu.Lock()
	s.unindexAssignment(t)
	delete(s.dependents, id)
	for dep, ids := range s.dependents {
		s.dependents[dep] = removeID(ids, id)
	}
	s.mu.Unlock()
	return nil
}

// AgentTasks returns the tasks currently assigned to an agent.
func (s *Service) AgentTasks(agent string) ([]*Task, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byAgent[agent]...)
	s.mu.RUnlock()
	return s.loadAll(ids)
}

// DivisionTasks returns the tasks currently assigned to a division.
func (s *Service) DivisionTasks(division string) ([]*Task, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byDivision[division]...)
	s.mu.RUnlock()
	return s.loadAll(ids)
}

// CriticalTasks returns every task with critical priority.
func (s *Service) CriticalTasks() ([]*Task, error) {
	p := PriorityCritical
	return s.store.List(Filter{Priority: &p})
}

// BlockedTasks returns every blocked task, served from the store's
// status-bucket projection.
func (s *Service) BlockedTasks() ([]*Task, error) {
	return s.store.StatusSnapshot(StatusBlocked)
}

// RebuildCaches recomputes the dependency and assignment indices from
// the store's canonical data. Used after bulk import or any detected
// index corruption.
func (s *Service) RebuildCaches() error {
	tasks, err := s.store.List(Filter{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependents = make(map[string][]string)
	s.byAgent = make(map[string][]string)
	s.byDivision = make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], t.ID)
		}
		s.indexAssignment(t)
	}
	return nil
}

// unblockDependents re-checks every dependent of id and moves the fully
// satisfied blocked ones back to pending. The blocked-state guard makes
// repeated checks idempotent.
func (s *Service) unblockDependents(id string) {
	for _, depID := range s.dependentIDs(id) {
		dep, err := s.store.Get(depID)
		if err != nil {
			s.logger.Warn("load dependent", "id", depID, "error", err)
			continue
		}
		if dep.Status != StatusBlocked {
			continue
		}
		if !s.allDependenciesCompleted(dep) {
			continue
		}
		dep.Status = StatusPending
		dep.AddNote("unblocked by " + id)
		if err := s.store.Update(dep); err != nil {
			s.logger.Warn("unblock dependent", "id", depID, "error", err)
			continue
		}
		s.logger.Info("task unblocked", "id", depID, "by", id)
	}
}

// blockDependents cascades a blocked status to every dependent that has
// not already completed.
func (s *Service) blockDependents(id string) {
	for _, depID := range s.dependentIDs(id) {
		dep, err := s.store.Get(depID)
		if err != nil {
			s.logger.Warn("load dependent", "id", depID, "error", err)
			continue
		}
		if dep.Status == StatusCompleted || dep.Status == StatusBlocked {
			continue
		}
		dep.Status = StatusBlocked
		dep.AddNote("blocked by " + id)
		if err := s.store.Update(dep); err != nil {
			s.logger.Warn("block dependent", "id", depID, "error", err)
			continue
		}
		s.logger.Info("task blocked", "id", depID, "by", id)
	}
}

func (s *Service) dependentIDs(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dependents[id]...)
}

func (s *Service) allDependenciesCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, err := s.store.Get(dep)
		if err != nil || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// checkAcyclic rejects a task whose dependency edges would introduce a
// cycle into the graph over all persisted tasks.
func (s *Service) checkAcyclic(t *Task) error {
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("%w: task %s cannot depend on itself", ErrValidation, t.ID)
		}
	}

	// Walk the existing graph from each new edge; reaching the new task
	// id again means the edge closes a cycle.
	tasks, err := s.store.List(Filter{})
	if err != nil {
		return err
	}
	edges := make(map[string][]string, len(tasks)+1)
	for _, existing := range tasks {
		edges[existing.ID] = existing.Dependencies
	}
	edges[t.ID] = t.Dependencies

	onPath := map[string]bool{}
	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if onPath[id] {
			return true
		}
		if visited[id] {
			return false
		}
		onPath[id] = true
		for _, next := range edges[id] {
			if walk(next) {
				return true
			}
		}
		onPath[id] = false
		visited[id] = true
		return false
	}
	if walk(t.ID) {
		return fmt.Errorf("%w: dependencies of %s introduce a cycle", ErrValidation, t.ID)
	}
	return nil
}

func (s *Service) loadAll(ids []string) ([]*Task, error) {
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// indexAssignment adds the task to its assignment buckets. Caller holds mu.
func (s *Service) indexAssignment(t *Task) {
	if t.AssignedAgent != "" {
		s.byAgent[t.AssignedAgent] = append(s.byAgent[t.AssignedAgent], t.ID)
	}
	if t.AssignedDivision != "" {
		s.byDivision[t.AssignedDivision] = append(s.byDivision[t.AssignedDivision], t.ID)
	}
}

// unindexAssignment removes the task from its assignment buckets. Caller holds mu.
func (s *Service) unindexAssignment(t *Task) {
	if t.AssignedAgent != "" {
		s.byAgent[t.AssignedAgent] = removeID(s.byAgent[t.AssignedAgent], t.ID)
	}
	if t.AssignedDivision != "" {
		s.byDivision[t.AssignedDivision] = removeID(s.byDivision[t.AssignedDivision], t.ID)
	}
}

// applyTransition sets the new status and stamps the lifecycle
// timestamps: StartedAt on the first in_progress transition, CompletedAt
// and full completion on completed.
func applyTransition(t *Task, status Status) {
	t.Status = status
	switch status {
	case StatusInProgress:
		if t.StartedAt == nil {
			now := nowUTC()
			t.StartedAt = &now
		}
	case StatusCompleted:
		t.CompletionPercentage = 100
		now := nowUTC()
		t.CompletedAt = &now
		if t.StartedAt != nil {
			t.Metrics.ExecutionSeconds = now.Sub(*t.StartedAt).Seconds()
		}
	case StatusFailed:
		t.Metrics.ErrorCount++
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

func validStatus(s Status) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	filtered := ids[:0]
	for _, v := range ids {
		if v != id {
			filtered = append(filtered, v)
		}
	}
	return filtered
}
