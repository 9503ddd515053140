package comms

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryBus is a thread-safe in-process message bus. Messages are
// fanned out to registered handlers and appended to per-subscriber
// queues that back Receive.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // subscriberID -> handlers
	queues   map[string]chan *Message  // subscriberID -> pending messages
	history  []*Message
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-message history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		queues:   make(map[string]chan *Message),
		maxHist:  1000,
	}
}

// Publish sends a message to its intended recipients. For TypeBroadcast
// messages the To field is ignored and every subscriber receives it.
func (b *InMemoryBus) Publish(ctx context.Context, msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	// Collect handlers and queues to feed outside the lock.
	var targets []Handler
	var queues []chan *Message
	if msg.Type == TypeBroadcast {
		for _, entries := range b.handlers {
			for _, e := range entries {
				targets = append(targets, e.handler)
			}
		}
		for _, q := range b.queues {
			queues = append(queues, q)
		}
	} else {
		for _, e := range b.handlers[msg.To] {
			targets = append(targets, e.handler)
		}
		if q, ok := b.queues[msg.To]; ok {
			queues = append(queues, q)
		}
	}
	b.mu.Unlock()

	for _, q := range queues {
		select {
		case q <- msg:
		default:
			// Subscriber queue full, drop for that subscriber.
		}
	}

	var errs []error
	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for messages addressed to subscriberID.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(subscriberID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[subscriberID] = append(b.handlers[subscriberID], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[subscriberID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, subscriberID)
		} else {
			b.handlers[subscriberID] = filtered
		}
	}
}

// OpenQueue creates the pending-message queue for subscriberID if it
// does not exist yet, so messages published before the first Receive
// are queued instead of dropped.
func (b *InMemoryBus) OpenQueue(subscriberID string) {
	b.queue(subscriberID)
}

// Receive returns the next queued message for subscriberID, waiting up
// to timeout. It returns (nil, nil) when the wait times out.
func (b *InMemoryBus) Receive(subscriberID string, timeout time.Duration) (*Message, error) {
	q := b.queue(subscriberID)
	select {
	case msg := <-q:
		return msg, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// queue returns the pending-message queue for subscriberID, creating it
// on first use.
func (b *InMemoryBus) queue(subscriberID string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subscriberID]
	if !ok {
		q = make(chan *Message, 256)
		b.queues[subscriberID] = q
	}
	return q
}

// History returns the most recent limit messages visible to subscriberID:
// direct messages to it, messages it sent, and broadcasts.
func (b *InMemoryBus) History(subscriberID string, limit int) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if m.To == subscriberID || m.From == subscriberID || m.Type == TypeBroadcast {
			result = append(result, m)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
