// Package broker connects transports to sessions.
//
// Each connected client is a Subscriber with a buffered frame queue.
// Subscribers join one session room at a time; joining delivers the
// output snapshot strictly before any live chunk, and joining another
// room implicitly leaves the first. Queues never block the session
// reader: a slow consumer loses its oldest frames, not the daemon.
package broker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Helmi/cacd/internal/session"
)

// DefaultQueueSize is the per-subscriber frame buffer.
const DefaultQueueSize = 256

// Frame is one unit of delivery to a subscriber: either terminal output
// (Data set) or a state update (State set).
type Frame struct {
	SessionID string
	Data      []byte
	State     string
}

// Subscriber is one connected client.
type Subscriber struct {
	id   string
	out  chan Frame
	done chan struct{}
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// Frames is the delivery queue. Consumers select on it together with
// Done.
func (s *Subscriber) Frames() <-chan Frame { return s.out }

// Done closes when the subscriber is disconnected.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// subEntry is the broker's bookkeeping for one subscriber.
type subEntry struct {
	sub       *Subscriber
	sessionID string
	detach    func()

	mu      sync.Mutex
	dropped int
}

// enqueue delivers f without ever blocking, evicting the oldest queued
// frame under pressure.
func (e *subEntry) enqueue(f Frame) {
	select {
	case e.sub.out <- f:
		return
	default:
	}

	select {
	case <-e.sub.out:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	default:
	}
	select {
	case e.sub.out <- f:
	default:
	}
}

func (e *subEntry) droppedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Broker owns the subscriber table and room membership.
type Broker struct {
	registry *session.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*subEntry
}

// New creates a broker over the given registry.
func New(registry *session.Registry, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		registry: registry,
		logger:   logger,
		entries:  make(map[string]*subEntry),
	}
}

// Connect registers a new subscriber with no room.
func (b *Broker) Connect() *Subscriber {
	return b.connect(DefaultQueueSize)
}

func (b *Broker) connect(queueSize int) *Subscriber {
	sub := &Subscriber{
		id:   uuid.New().String(),
		out:  make(chan Frame, queueSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.entries[sub.id] = &subEntry{sub: sub}
	b.mu.Unlock()

	b.logger.Debug("subscriber connected", "subscriber", sub.id[:8])
	return sub
}

// Disconnect removes the subscriber and closes Done. Queued frames are
// discarded with it.
func (b *Broker) Disconnect(sub *Subscriber) {
	b.mu.Lock()
	entry, ok := b.entries[sub.id]
	if ok {
		b.leaveLocked(entry)
		delete(b.entries, sub.id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
		b.logger.Debug("subscriber disconnected", "subscriber", sub.id[:8])
	}
}

// Join moves the subscriber into sessionID's room. Any previous room is
// left first. The session's retained output is enqueued as a single
// snapshot frame strictly before any live frame from that session.
func (b *Broker) Join(sub *Subscriber, sessionID string) error {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[sub.id]
	if !ok {
		return fmt.Errorf("subscriber %s not connected", sub.id)
	}
	b.leaveLocked(entry)

	// Gate live chunks until the snapshot frame is queued. Attach makes
	// the snapshot boundary exact; the gate makes queue order match it.
	ready := make(chan struct{})
	snapshot, detach := sess.Attach(func(chunk []byte) {
		<-ready
		entry.enqueue(Frame{SessionID: sessionID, Data: chunk})
	})
	if len(snapshot) > 0 {
		entry.enqueue(Frame{SessionID: sessionID, Data: snapshot})
	}
	close(ready)

	entry.sessionID = sessionID
	entry.detach = detach

	b.logger.Debug("subscriber joined", "subscriber", sub.id[:8], "session", sessionID[:8])
	return nil
}

// Leave removes the subscriber from its room, if any.
func (b *Broker) Leave(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[sub.id]; ok {
		b.leaveLocked(entry)
	}
}

func (b *Broker) leaveLocked(entry *subEntry) {
	if entry.detach != nil {
		entry.detach()
		entry.detach = nil
	}
	entry.sessionID = ""
}

// RoomOf returns the session id the subscriber currently watches.
func (b *Broker) RoomOf(sub *Subscriber) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[sub.id]; ok {
		return entry.sessionID
	}
	return ""
}

// DroppedFrames returns how many frames the subscriber lost to
// backpressure.
func (b *Broker) DroppedFrames(sub *Subscriber) int {
	b.mu.Lock()
	entry, ok := b.entries[sub.id]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return entry.droppedCount()
}

// Input forwards raw input bytes to a session. Room membership is not
// required: a client may drive one session while watching another.
func (b *Broker) Input(sessionID string, data []byte) error {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.WriteInput(data)
}

// Resize changes a session's window.
func (b *Broker) Resize(sessionID string, cols, rows int) error {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// BroadcastState fans a state update out to every connected subscriber,
// not just the session's room: listings everywhere stay current.
func (b *Broker) BroadcastState(sessionID, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.entries {
		entry.enqueue(Frame{SessionID: sessionID, State: state})
	}
}

// SessionClosed clears room membership for a destroyed session. Its
// subscribers stay connected, just roomless.
func (b *Broker) SessionClosed(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.entries {
		if entry.sessionID == sessionID {
			b.leaveLocked(entry)
		}
	}
}

// SubscriberCount returns how many clients are connected.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
