package orchestrator

import (
	"sync"

	"github.com/teranos/RONIN/job"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Emitter fans stage events out to subscribers such as the status server's
// websocket broadcaster. Delivery is best effort: the audit trail in the
// store is the durable record, the emitter only exists for live observers.
type Emitter struct {
	mu          sync.Mutex
	subscribers []chan *job.StageEvent
}

// NewEmitter creates an emitter with no subscribers
func NewEmitter() *Emitter {
	return &Emitter{
		subscribers: make([]chan *job.StageEvent, 0),
	}
}

// Subscribe returns a channel receiving every stage event the orchestrator
// records from now on. The channel is buffered; a subscriber that stops
// draining loses events rather than stalling the orchestrator.
func (e *Emitter) Subscribe() chan *job.StageEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan *job.StageEvent, SubscriberChannelBufferSize)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed by
// this method - callers should close it themselves after unsubscribing if
// needed. This prevents double-close panics.
func (e *Emitter) Unsubscribe(ch chan *job.StageEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers. Uses non-blocking send to avoid
// stalling if a subscriber is slow.
func (e *Emitter) Emit(events ...*job.StageEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range events {
		if ev == nil {
			continue
		}
		for _, ch := range e.subscribers {
			select {
			case ch <- ev:
			default:
				// Channel full, skip
			}
		}
	}
}
