package comms

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/pinion/task"
)

func TestInMemoryBus_PublishToSubscriber(t *testing.T) {
	bus := NewInMemoryBus()

	var received atomic.Int32
	unsub := bus.Subscribe("worker-1", func(_ context.Context, msg *Message) error {
		if msg.Content.TaskID != "t1" {
			t.Errorf("TaskID = %q, want t1", msg.Content.TaskID)
		}
		received.Add(1)
		return nil
	})
	defer unsub()

	err := bus.Publish(context.Background(), &Message{
		Type:    TypeDirect,
		From:    "engine",
		To:      "worker-1",
		Content: Payload{TaskID: "t1"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", received.Load())
	}
}

func TestInMemoryBus_DirectNotDeliveredToOthers(t *testing.T) {
	bus := NewInMemoryBus()

	var wrong atomic.Int32
	unsub := bus.Subscribe("worker-2", func(context.Context, *Message) error {
		wrong.Add(1)
		return nil
	})
	defer unsub()

	if err := bus.Publish(context.Background(), &Message{Type: TypeDirect, To: "worker-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if wrong.Load() != 0 {
		t.Error("direct message delivered to a different subscriber")
	}
}

func TestInMemoryBus_Broadcast(t *testing.T) {
	bus := NewInMemoryBus()

	var count atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		unsub := bus.Subscribe(id, func(context.Context, *Message) error {
			count.Add(1)
			return nil
		})
		defer unsub()
	}

	if err := bus.Publish(context.Background(), &Message{Type: TypeBroadcast, From: "engine"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count.Load() != 3 {
		t.Errorf("broadcast reached %d subscribers, want 3", count.Load())
	}
}

func TestInMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()

	var count atomic.Int32
	unsub := bus.Subscribe("worker-1", func(context.Context, *Message) error {
		count.Add(1)
		return nil
	})
	unsub()

	if err := bus.Publish(context.Background(), &Message{Type: TypeDirect, To: "worker-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count.Load() != 0 {
		t.Error("unsubscribed handler still invoked")
	}
}

func TestInMemoryBus_Receive(t *testing.T) {
	bus := NewInMemoryBus()

	// Queue is created on first use, so Receive-before-Publish works too.
	done := make(chan *Message, 1)
	go func() {
		msg, _ := bus.Receive("worker-1", 5*time.Second)
		done <- msg
	}()
	time.Sleep(10 * time.Millisecond)

	if err := bus.Publish(context.Background(), &Message{Type: TypeDirect, To: "worker-1", Content: Payload{TaskID: "t1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-done:
		if msg == nil || msg.Content.TaskID != "t1" {
			t.Errorf("received %v, want TaskID t1", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive never returned")
	}
}

func TestInMemoryBus_OpenQueueBeforePublish(t *testing.T) {
	bus := NewInMemoryBus()

	// With the queue opened up front, a message published before the
	// first Receive is held instead of dropped.
	bus.OpenQueue("worker-1")
	if err := bus.Publish(context.Background(), &Message{Type: TypeDirect, To: "worker-1", Content: Payload{TaskID: "t1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := bus.Receive("worker-1", time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg == nil || msg.Content.TaskID != "t1" {
		t.Errorf("received %v, want TaskID t1", msg)
	}
}

func TestInMemoryBus_ReceiveTimeout(t *testing.T) {
	bus := NewInMemoryBus()
	msg, err := bus.Receive("nobody", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg != nil {
		t.Errorf("Receive on empty queue = %v, want nil", msg)
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	_ = bus.Publish(ctx, &Message{ID: "1", Type: TypeDirect, From: "a", To: "b"})
	_ = bus.Publish(ctx, &Message{ID: "2", Type: TypeDirect, From: "b", To: "a"})
	_ = bus.Publish(ctx, &Message{ID: "3", Type: TypeBroadcast, From: "c"})
	_ = bus.Publish(ctx, &Message{ID: "4", Type: TypeDirect, From: "c", To: "d"})

	// "a" sees messages it sent, messages to it, and broadcasts,
	// in chronological order.
	hist, err := bus.History("a", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History(a) = %d messages, want 3", len(hist))
	}
	if hist[0].ID != "1" || hist[1].ID != "2" || hist[2].ID != "3" {
		t.Errorf("History order = [%s %s %s], want [1 2 3]", hist[0].ID, hist[1].ID, hist[2].ID)
	}

	hist, err = bus.History("a", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != "3" {
		t.Errorf("History limit=1 = %v, want newest message", hist)
	}
}

func TestSendTaskAssignment(t *testing.T) {
	bus := NewInMemoryBus()

	bus.OpenQueue("worker-1")
	tsk := &task.Task{ID: "task-9", Title: "ship"}
	if err := SendTaskAssignment(context.Background(), bus, tsk, "engine", "worker-1", task.PriorityHigh); err != nil {
		t.Fatalf("SendTaskAssignment: %v", err)
	}

	msg, err := bus.Receive("worker-1", time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg == nil {
		t.Fatal("assignment not delivered")
	}
	if msg.Type != TypeTaskAssignment {
		t.Errorf("Type = %q, want task_assignment", msg.Type)
	}
	if msg.Content.TaskID != "task-9" || msg.Correlation != "task-9" {
		t.Errorf("correlation fields = %q/%q, want task-9", msg.Content.TaskID, msg.Correlation)
	}
	if msg.From != "engine" || msg.To != "worker-1" {
		t.Errorf("routing = %s->%s, want engine->worker-1", msg.From, msg.To)
	}
}
