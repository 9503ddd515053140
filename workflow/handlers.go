package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/expr"
	"github.com/GoCodeAlone/pinion/task"
)

// TaskHandler executes task-type steps by handing them to an agent over
// the message bus and waiting for the correlated status update.
type TaskHandler struct {
	Bus          comms.Bus
	PollInterval time.Duration // how long each Receive waits; default 200ms
	Timeout      time.Duration // total wait for a completion signal; default 2m
}

// Run publishes a task assignment for the step's agent, then polls the
// bus with a bounded wait until a status update correlated by task id
// reports completed or failed. Cancellation is observed between polls.
func (h *TaskHandler) Run(ctx context.Context, wf *Workflow, step *Step) (any, error) {
	if step.AgentID == "" {
		return nil, fmt.Errorf("task step %s has no agent_id", step.ID)
	}

	poll := h.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	taskID := step.ID
	if id, ok := step.Config["task_id"].(string); ok && id != "" {
		taskID = id
	}
	t := &task.Task{
		ID:          taskID,
		Title:       step.Name,
		Description: step.Description,
	}

	// Each step waits on its own subscriber so completion signals for
	// sibling steps cannot be consumed by the wrong waiter. The queue
	// must exist before the assignment goes out; a fast agent can reply
	// before the first poll below.
	subscriber := "exec:" + wf.ID + ":" + step.ID
	h.Bus.OpenQueue(subscriber)
	if err := comms.SendTaskAssignment(ctx, h.Bus, t, subscriber, step.AgentID, task.PriorityMedium); err != nil {
		return nil, fmt.Errorf("send assignment for %s: %w", step.ID, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("task step %s cancelled: %w", step.ID, err)
		}
		msg, err := h.Bus.Receive(subscriber, poll)
		if err != nil {
			return nil, fmt.Errorf("receive for %s: %w", step.ID, err)
		}
		if msg == nil || msg.Type != comms.TypeStatusUpdate || msg.Content.TaskID != taskID {
			continue
		}
		switch task.Status(msg.Content.Status) {
		case task.StatusCompleted:
			return msg.Content.Result, nil
		case task.StatusFailed:
			return nil, fmt.Errorf("task %s failed: %s", taskID, msg.Content.Error)
		}
	}
	return nil, fmt.Errorf("task step %s timed out after %s", step.ID, timeout)
}

// DecisionHandler evaluates a boolean condition against the step's
// variable bag merged over the workflow variables.
type DecisionHandler struct{}

// Run evaluates Config["condition"] and returns {"decision": bool}.
func (DecisionHandler) Run(_ context.Context, wf *Workflow, step *Step) (any, error) {
	condition, ok := step.Config["condition"].(string)
	if !ok || condition == "" {
		return nil, fmt.Errorf("decision step %s has no condition", step.ID)
	}

	vars := make(map[string]any, len(wf.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	if stepVars, ok := step.Config["variables"].(map[string]any); ok {
		for k, v := range stepVars {
			vars[k] = v
		}
	}

	decision, err := expr.EvalBool(condition, vars)
	if err != nil {
		return nil, fmt.Errorf("decision step %s: %w", step.ID, err)
	}
	return map[string]any{"decision": decision}, nil
}

// Resolver looks up the handler for a step type. The Executor satisfies
// it, letting composite handlers dispatch their sub-steps.
type Resolver interface {
	Handler(t StepType) (Handler, bool)
}

// ParallelHandler expands embedded sub-step specs and runs them
// concurrently. A failing branch does not stop its siblings.
type ParallelHandler struct {
	Resolver Resolver
}

// Run dispatches every sub-step in its own goroutine and returns the
// aggregate outcomes in declared order.
func (h *ParallelHandler) Run(ctx context.Context, wf *Workflow, step *Step) (any, error) {
	subs, err := parseSubSteps(step)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Step) {
			defer wg.Done()
			results[i] = h.runSub(ctx, wf, sub)
		}(i, sub)
	}
	wg.Wait()

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r
	}
	return out, nil
}

func (h *ParallelHandler) runSub(ctx context.Context, wf *Workflow, sub *Step) map[string]any {
	handler, ok := h.Resolver.Handler(sub.Type)
	if !ok {
		return map[string]any{"step": sub.Name, "error": fmt.Sprintf("no handler for step type %q", sub.Type)}
	}
	result, err := handler.Run(ctx, wf, sub)
	if err != nil {
		return map[string]any{"step": sub.Name, "error": err.Error()}
	}
	return map[string]any{"step": sub.Name, "result": result}
}

// SequenceHandler expands embedded sub-step specs and runs them one at a
// time in declared order, stopping at the first failure.
type SequenceHandler struct {
	Resolver Resolver
}

// Run executes the sub-steps in order and returns the completed results;
// the first error aborts the remainder and propagates.
func (h *SequenceHandler) Run(ctx context.Context, wf *Workflow, step *Step) (any, error) {
	subs, err := parseSubSteps(step)
	if err != nil {
		return nil, err
	}

	var results []any
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sequence step %s cancelled: %w", step.ID, err)
		}
		handler, ok := h.Resolver.Handler(sub.Type)
		if !ok {
			return nil, fmt.Errorf("no handler for step type %q", sub.Type)
		}
		result, err := handler.Run(ctx, wf, sub)
		if err != nil {
			return nil, fmt.Errorf("sub-step %s: %w", sub.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// parseSubSteps expands the Config["steps"] sub-step specs of a
// parallel or sequence step.
func parseSubSteps(step *Step) ([]*Step, error) {
	raw, ok := step.Config["steps"].([]any)
	if !ok {
		return nil, fmt.Errorf("step %s has no sub-step specs", step.ID)
	}

	subs := make([]*Step, 0, len(raw))
	for i, entry := range raw {
		spec, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %s: sub-step %d is not an object", step.ID, i)
		}
		sub := &Step{
			ID:    fmt.Sprintf("%s.%d", step.ID, i),
			State: StatePending,
		}
		if v, ok := spec["type"].(string); ok {
			sub.Type = StepType(v)
		}
		if v, ok := spec["name"].(string); ok {
			sub.Name = v
		}
		if v, ok := spec["description"].(string); ok {
			sub.Description = v
		}
		if v, ok := spec["agent_id"].(string); ok {
			sub.AgentID = v
		}
		if v, ok := spec["config"].(map[string]any); ok {
			sub.Config = v
		}
		if sub.Type == "" {
			return nil, fmt.Errorf("step %s: sub-step %d has no type", step.ID, i)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
