// Package events implements the per-queue transition fan-out. Delivery is
// best-effort and not durable: each queue keeps only its latest event plus a
// strictly monotonic sequence number, and a subscriber that was disconnected
// simply misses the events published in that window.
package events

import (
	"sync"
	"time"

	"labtasker/internal/models"
)

// Current is the latest event published to a queue.
type Current struct {
	Sequence  uint64
	Timestamp time.Time
	Event     models.StateTransitionEvent
}

type queueState struct {
	seq     uint64
	current *Current
	notify  chan struct{} // closed and replaced on every publish
}

// Bus fans out state-transition events per queue.
type Bus struct {
	mu     sync.Mutex
	queues map[string]*queueState
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{queues: make(map[string]*queueState), now: time.Now}
}

func (b *Bus) state(queueID string) *queueState {
	st, ok := b.queues[queueID]
	if !ok {
		st = &queueState{notify: make(chan struct{})}
		b.queues[queueID] = st
	}
	return st
}

// Publish records ev as the queue's current event and wakes all subscribers.
func (b *Bus) Publish(queueID string, ev models.StateTransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(queueID)
	st.seq++
	st.current = &Current{Sequence: st.seq, Timestamp: b.now(), Event: ev}
	close(st.notify)
	st.notify = make(chan struct{})
}

// Current returns the queue's latest event, or nil when none was published.
func (b *Bus) Current(queueID string) *Current {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(queueID).current
}

// Notify returns a channel that is closed on the queue's next publish.
func (b *Bus) Notify(queueID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(queueID).notify
}
