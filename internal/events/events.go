// Package events carries session lifecycle notifications between the
// daemon's components.
//
// Publishers enqueue typed events; a single dispatcher goroutine delivers
// them to subscribers in publish order, so consumers observe state
// transitions in the order they were committed. Publish never blocks:
// when the queue is full the oldest undelivered event is dropped.
package events

import (
	"log/slog"
	"sync"
)

// defaultQueueSize bounds undelivered events before drop-oldest kicks in.
const defaultQueueSize = 256

// Event is a typed bus payload.
type Event interface {
	// EventName identifies the event kind on the wire and in logs.
	EventName() string
}

// SessionCreated fires once a session's child process is running.
type SessionCreated struct {
	ID      string
	Name    string
	AgentID string
}

// EventName implements Event.
func (SessionCreated) EventName() string { return "session_created" }

// SessionStateChanged fires on every committed state transition.
type SessionStateChanged struct {
	ID    string
	State string
}

// EventName implements Event.
func (SessionStateChanged) EventName() string { return "session_state_changed" }

// SessionDestroyed fires after a session is torn down, whether by request
// or because the child exited on its own.
type SessionDestroyed struct {
	ID       string
	ExitCode int
	Signaled bool
}

// EventName implements Event.
func (SessionDestroyed) EventName() string { return "session_destroyed" }

// Bus is the in-process event dispatcher.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]func(Event)
	nextID  int
	closed  bool
	dropped int

	queue chan Event
	done  chan struct{}

	logger *slog.Logger
}

// NewBus creates a bus and starts its dispatcher goroutine.
func NewBus(logger *slog.Logger) *Bus {
	return newBus(defaultQueueSize, logger)
}

func newBus(queueSize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:   make(map[int]func(Event)),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go b.run()
	return b
}

// Subscribe registers fn for every future event. The returned cancel
// removes the subscription. fn runs on the dispatcher goroutine and must
// not block.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish enqueues e for delivery. Safe to call under component locks:
// it never blocks, dropping the oldest queued event under pressure.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	select {
	case b.queue <- e:
		return
	default:
	}

	// Queue full: evict the oldest, then retry once.
	select {
	case old := <-b.queue:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		b.logger.Warn("event queue full, dropped oldest", "event", old.EventName(), "total_dropped", n)
	default:
	}
	select {
	case b.queue <- e:
	default:
	}
}

// Dropped returns how many events were evicted undelivered.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops the dispatcher after draining queued events. Publish
// becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) run() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case <-b.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case e := <-b.queue:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
