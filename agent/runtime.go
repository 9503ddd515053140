package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/task"
)

// Runtime is a single agent worker. It subscribes to the bus under its
// agent ID, queues incoming task assignments, runs them through the
// configured Executor, and publishes a status update for each outcome.
type Runtime struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *slog.Logger
	status    Status
	startedAt time.Time
	curTask   string // current task ID

	assignments chan *comms.Message

	cancel context.CancelFunc
	unsub  func()
}

// NewRuntime creates a new agent runtime from the given config.
func NewRuntime(cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		status:      StatusIdle,
		assignments: make(chan *comms.Message, 64),
	}
}

// Info returns the agent's current metadata.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		ID:          r.cfg.ID,
		Name:        r.cfg.Name,
		Division:    r.cfg.Division,
		Status:      r.status,
		CurrentTask: r.curTask,
		StartedAt:   r.startedAt,
	}
}

// Start begins the agent's processing loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusIdle && r.status != StatusStopped {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already running (status=%s)", r.cfg.ID, r.status)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.status = StatusIdle
	r.startedAt = time.Now()
	r.mu.Unlock()

	if r.cfg.Bus != nil {
		unsub := r.cfg.Bus.Subscribe(r.cfg.ID, func(_ context.Context, msg *comms.Message) error {
			if msg.Type != comms.TypeTaskAssignment {
				return nil
			}
			select {
			case r.assignments <- msg:
			default:
				r.logger.Warn("assignment queue full", "agent", r.cfg.ID, "task", msg.Content.TaskID)
			}
			return nil
		})
		r.mu.Lock()
		r.unsub = unsub
		r.mu.Unlock()
	}

	go r.loop(ctx)
	return nil
}

// Stop gracefully shuts down the agent.
func (r *Runtime) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	r.status = StatusStopped
	return nil
}

// loop drains the assignment queue until the context ends.
func (r *Runtime) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.status != StatusStopped {
				r.status = StatusStopped
			}
			r.mu.Unlock()
			return
		case msg := <-r.assignments:
			r.processAssignment(ctx, msg)
		}
	}
}

// processAssignment runs one assigned task and reports the outcome back
// to the assignment's sender, correlated by task id.
func (r *Runtime) processAssignment(ctx context.Context, msg *comms.Message) {
	taskID := msg.Content.TaskID

	r.mu.Lock()
	r.status = StatusWorking
	r.curTask = taskID
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.status = StatusIdle
		r.curTask = ""
		r.mu.Unlock()
	}()

	r.logger.Info("assignment received", "agent", r.cfg.ID, "task", taskID, "from", msg.From)

	t := r.loadTask(taskID)

	status := task.StatusCompleted
	result, err := r.execute(ctx, t)
	errText := ""
	if err != nil {
		status = task.StatusFailed
		errText = err.Error()
		r.logger.Error("task execution failed", "agent", r.cfg.ID, "task", taskID, "error", err)
	}

	if r.cfg.Bus != nil {
		reply := &comms.Message{
			ID:          uuid.NewString(),
			Type:        comms.TypeStatusUpdate,
			From:        r.cfg.ID,
			To:          msg.From,
			Content:     comms.Payload{TaskID: taskID, Status: string(status), Result: result, Error: errText},
			Correlation: msg.Correlation,
			Timestamp:   time.Now().UTC(),
		}
		if err := r.cfg.Bus.Publish(ctx, reply); err != nil {
			r.logger.Error("publish status update", "agent", r.cfg.ID, "task", taskID, "error", err)
		}
	}
}

// loadTask fetches the full task record when a store is configured,
// falling back to a bare record carrying only the id.
func (r *Runtime) loadTask(taskID string) *task.Task {
	if r.cfg.Tasks != nil {
		if t, err := r.cfg.Tasks.Get(taskID); err == nil {
			return t
		}
	}
	return &task.Task{ID: taskID}
}

func (r *Runtime) execute(ctx context.Context, t *task.Task) (string, error) {
	if r.cfg.Executor == nil {
		return "", fmt.Errorf("agent %s has no executor", r.cfg.ID)
	}
	return r.cfg.Executor(ctx, t)
}
