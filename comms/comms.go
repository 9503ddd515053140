// Package comms provides the message bus used to hand tasks to agent
// workers and receive their completion signals.
package comms

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/pinion/task"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	TypeTaskAssignment MessageType = "task_assignment" // hand a task to a worker
	TypeStatusUpdate   MessageType = "status_update"   // completion/failure signal
	TypeDirect         MessageType = "direct"          // point-to-point message
	TypeBroadcast      MessageType = "broadcast"       // sent to all subscribers
)

// Payload carries the task-correlated content of a message.
type Payload struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Message is a communication unit between the engine and its workers.
type Message struct {
	ID          string        `json:"id"`
	Type        MessageType   `json:"type"`
	From        string        `json:"from"`
	To          string        `json:"to"` // empty for broadcast
	Content     Payload       `json:"content"`
	Correlation string        `json:"correlation,omitempty"`
	Priority    task.Priority `json:"priority"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Handler processes incoming messages for a subscriber.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the messaging backbone. Subscribers either register a handler
// or poll their queue with Receive.
type Bus interface {
	// Publish sends a message. For direct messages, the To field routes
	// to a specific subscriber. For broadcasts, every subscriber receives it.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for messages addressed to subscriberID.
	// Returns an unsubscribe function.
	Subscribe(subscriberID string, handler Handler) (unsubscribe func())

	// OpenQueue ensures the pending-message queue for subscriberID
	// exists. Call it before triggering a reply; a message published
	// ahead of the subscriber's first Receive is otherwise dropped.
	OpenQueue(subscriberID string)

	// Receive returns the next queued message for subscriberID, waiting
	// up to timeout. A nil message with a nil error means the wait timed
	// out without a message arriving.
	Receive(subscriberID string, timeout time.Duration) (*Message, error)

	// History returns recent messages visible to the given subscriber.
	History(subscriberID string, limit int) ([]*Message, error)
}

// SendTaskAssignment publishes an assignment message handing t from
// sender to receiver.
func SendTaskAssignment(ctx context.Context, bus Bus, t *task.Task, sender, receiver string, priority task.Priority) error {
	return bus.Publish(ctx, &Message{
		ID:          uuid.NewString(),
		Type:        TypeTaskAssignment,
		From:        sender,
		To:          receiver,
		Content:     Payload{TaskID: t.ID},
		Correlation: t.ID,
		Priority:    priority,
		Timestamp:   time.Now().UTC(),
	})
}
