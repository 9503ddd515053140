package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sentinel errors returned by the executor.
var (
	// ErrNotFound indicates the referenced workflow or step id is absent.
	ErrNotFound = errors.New("workflow not found")

	// ErrValidation indicates the workflow graph is invalid: a cycle in
	// the requires-graph or a requires id that is not a step.
	ErrValidation = errors.New("workflow validation failed")
)

// Handler executes one step type. Implementations must observe ctx at
// suspension points so a cancelled workflow stops cooperatively.
type Handler interface {
	Run(ctx context.Context, wf *Workflow, step *Step) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, wf *Workflow, step *Step) (any, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, wf *Workflow, step *Step) (any, error) {
	return f(ctx, wf, step)
}

// Executor drives workflows through their state machine, dispatching
// ready steps to the handler registered for each step type.
type Executor struct {
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[StepType]Handler
	workflows map[string]*Workflow
	contexts  map[string]context.Context
	cancels   map[string]context.CancelFunc
}

// NewExecutor creates an Executor with an empty handler registry.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:    logger,
		handlers:  make(map[StepType]Handler),
		workflows: make(map[string]*Workflow),
		contexts:  make(map[string]context.Context),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// RegisterHandler adds a handler for a step type.
// Returns an error if the type already has a handler registered.
func (e *Executor) RegisterHandler(t StepType, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[t]; exists {
		return fmt.Errorf("handler for step type %q already registered", t)
	}
	e.handlers[t] = h
	return nil
}

// Handler returns the handler registered for a step type.
func (e *Executor) Handler(t StepType) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[t]
	return h, ok
}

// Workflow returns a registered workflow by id.
func (e *Executor) Workflow(id string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// Workflows returns every registered workflow.
func (e *Executor) Workflows() []*Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	return out
}

// Register adds a workflow to the executor without starting it.
func (e *Executor) Register(wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.ID] = wf
}

// Start validates and activates a workflow, then dispatches every ready
// step. The workflow runs under its own lifetime context: values from
// ctx carry over, but its cancellation does not, so a workflow started
// from an HTTP handler outlives the request. Only Cancel aborts it.
func (e *Executor) Start(ctx context.Context, wf *Workflow) error {
	if !wf.Validate() {
		return fmt.Errorf("%w: %s has an invalid step graph", ErrValidation, wf.ID)
	}
	if !wf.setState(StateActive, StatePending) {
		return fmt.Errorf("%w: %s is %s, not pending", ErrValidation, wf.ID, wf.CurrentState())
	}

	wfCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.contexts[wf.ID] = wfCtx
	e.cancels[wf.ID] = cancel
	e.mu.Unlock()

	e.logger.Info("workflow started", "id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	e.dispatchReady(wfCtx, wf)
	return nil
}

// ExecuteStep runs one step if it is still pending. The pending->active
// claim is atomic, so two completion events that both observe a
// dependent as ready cannot execute it twice. On handler failure the
// step is marked failed and the workflow stays active; sibling branches
// may still be viable.
func (e *Executor) ExecuteStep(ctx context.Context, workflowID, stepID string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if wf.CurrentState() != StateActive {
		return nil
	}

	step, claimed := wf.claimStep(stepID)
	if !claimed {
		// Not pending: already claimed by a concurrent trigger, or unknown.
		return nil
	}

	handler, ok := e.Handler(step.Type)
	if !ok {
		msg := fmt.Sprintf("no handler registered for step type %q", step.Type)
		wf.FailStep(stepID, msg)
		e.logger.Error("step failed", "workflow", workflowID, "step", stepID, "error", msg)
		return nil
	}

	e.logger.Debug("step dispatched", "workflow", workflowID, "step", stepID, "type", step.Type)
	result, err := handler.Run(ctx, wf, step)
	if err != nil {
		wf.FailStep(stepID, err.Error())
		e.logger.Error("step failed", "workflow", workflowID, "step", stepID, "error", err)
		return nil
	}

	wf.SetStepState(stepID, StateCompleted, result)
	e.logger.Info("step completed", "workflow", workflowID, "step", stepID)

	// Re-scan the whole ready set rather than only direct successors;
	// simpler, and workflows are small.
	e.dispatchReady(ctx, wf)

	if wf.IsCompleted() {
		if wf.setState(StateCompleted, StateActive) {
			e.logger.Info("workflow completed", "id", workflowID)
		}
	}
	return nil
}

// dispatchReady executes every currently ready step, each in its own
// goroutine so sibling branches proceed concurrently.
func (e *Executor) dispatchReady(ctx context.Context, wf *Workflow) {
	for _, step := range wf.NextSteps() {
		go func(stepID string) {
			if err := e.ExecuteStep(ctx, wf.ID, stepID); err != nil {
				e.logger.Error("execute step", "workflow", wf.ID, "step", stepID, "error", err)
			}
		}(step.ID)
	}
}

// Pause suspends an active workflow. In-flight handlers finish their
// current step; no new steps are dispatched while paused.
func (e *Executor) Pause(workflowID string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if !wf.setState(StatePaused, StateActive) {
		return fmt.Errorf("%w: cannot pause workflow in state %s", ErrValidation, wf.CurrentState())
	}
	e.logger.Info("workflow paused", "id", workflowID)
	return nil
}

// Resume reactivates a paused workflow and re-dispatches every ready
// step, picking up steps that became ready while paused. Dispatch runs
// under the workflow's lifetime context, so Cancel still reaches
// handlers started after a pause/resume cycle.
func (e *Executor) Resume(workflowID string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if !wf.setState(StateActive, StatePaused) {
		return fmt.Errorf("%w: cannot resume workflow in state %s", ErrValidation, wf.CurrentState())
	}

	e.mu.RLock()
	wfCtx := e.contexts[workflowID]
	e.mu.RUnlock()
	if wfCtx == nil {
		wfCtx = context.Background()
	}

	e.logger.Info("workflow resumed", "id", workflowID)
	e.dispatchReady(wfCtx, wf)
	return nil
}

// Cancel marks the workflow cancelled and cancels its context so
// in-flight handlers observe the cancellation at their suspension points.
func (e *Executor) Cancel(workflowID string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if !wf.setState(StateCancelled, StatePending, StateActive, StatePaused) {
		return fmt.Errorf("%w: cannot cancel workflow in state %s", ErrValidation, wf.CurrentState())
	}

	e.mu.Lock()
	cancel := e.cancels[workflowID]
	delete(e.cancels, workflowID)
	delete(e.contexts, workflowID)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.logger.Info("workflow cancelled", "id", workflowID)
	return nil
}
