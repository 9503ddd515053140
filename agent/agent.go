// Package agent runs worker runtimes that consume task assignments from
// the message bus and report completion back to the engine. The payload
// an agent actually executes is pluggable; the engine only sees the
// assignment/completion boundary.
package agent

import (
	"context"
	"time"

	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/task"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusStopped Status = "stopped"
)

// Executor runs the payload of an assigned task and returns its result.
// Implementations live outside the engine (an LLM runtime, a shell
// worker, a test stub).
type Executor func(ctx context.Context, t *task.Task) (result string, err error)

// Config defines a single agent worker.
type Config struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Division string `json:"division,omitempty" yaml:"division"`

	Bus      comms.Bus  `json:"-" yaml:"-"`
	Tasks    task.Store `json:"-" yaml:"-"`
	Executor Executor   `json:"-" yaml:"-"`
}

// Info provides read-only metadata about an agent.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Division    string    `json:"division,omitempty"`
	Status      Status    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}
