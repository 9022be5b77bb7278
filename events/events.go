// Package events broadcasts task lifecycle notifications to interested
// subscribers. Delivery is best-effort: a missing or slow subscriber never
// blocks or fails task execution.
package events

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber that falls this far behind.
const subscriberBufferSize = 128

// Event types.
const (
	TaskCreated          = "task_created"
	TaskStarted          = "task_started"
	TaskContainerCreated = "task_container_created"
	TaskContainerExited  = "task_container_exited"
	TaskCompleted        = "task_completed"
	TaskFailed           = "task_failed"
	TaskCancelled        = "task_cancelled"
	TaskStdout           = "task_stdout"
	TaskStderr           = "task_stderr"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Container string    `json:"container,omitempty"`
	ExitCodes []int     `json:"exit_codes,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Broadcaster fans events out to subscribers. It is safe for concurrent use.
// The zero value is not usable; call NewBroadcaster.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and an unsubscribe
// function. If the broadcaster is closed the returned channel is already
// closed.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish delivers ev to every subscriber, dropping it for subscribers whose
// buffers are full. Publish on a nil broadcaster is a no-op so callers can
// emit unconditionally.
func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close stops event delivery and closes all subscriber channels. Future
// Subscribe calls return a closed channel.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
