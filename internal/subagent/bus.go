package subagent

import (
	"context"
	"sync"
	"time"
)

// EventKind names a lifecycle transition on the bus.
type EventKind string

const (
	EventStarted   EventKind = "task.started"
	EventCompleted EventKind = "task.completed"
	EventFailed    EventKind = "task.failed"
)

// Event is one lifecycle notification. Completed and failed events carry
// the terminal outcome; started events carry only identity.
type Event struct {
	Kind        EventKind `json:"kind"`
	TaskID      string    `json:"task_id"`
	Role        string    `json:"role"`
	Label       string    `json:"label,omitempty"`
	Instruction string    `json:"instruction"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          int64     `json:"at"`
}

// Terminal reports whether the event ends a task.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Bus delivers lifecycle events to at most one subscriber in publish order.
// Events published before a subscriber attaches are retained and delivered
// first, so a late or restarted listener never misses a completion.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
}

func NewBus() *Bus {
	return &Bus{notify: make(chan struct{}, 1)}
}

// Publish enqueues an event. It never blocks.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pending reports how many events are queued and undelivered.
func (b *Bus) Pending() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// pop removes and returns the oldest queued event.
func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

// Requeue puts an event back at the head of the queue. Subscribers use it
// to return an event whose handling did not finish, so the next subscriber
// sees it first.
func (b *Bus) Requeue(e Event) {
	b.mu.Lock()
	b.queue = append([]Event{e}, b.queue...)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Subscribe streams events until ctx is done. The returned channel is
// closed on cancellation. Each event is removed from the retained queue
// only after the subscriber receives it; an event in flight when the
// subscriber dies goes back to the head of the queue for the next
// subscriber.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			e, ok := b.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-b.notify:
					continue
				}
			}
			select {
			case out <- e:
			case <-ctx.Done():
				b.Requeue(e)
				return
			}
		}
	}()
	return out
}
