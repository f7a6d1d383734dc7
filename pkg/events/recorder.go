package events

import (
	"sync"
)

// DefaultRecorderCapacity is the ring size when no configuration overrides it
const DefaultRecorderCapacity = 256

// Recorder subscribes to a broker and keeps the most recent events in a
// fixed-size ring, so the API can serve an event feed without replaying
// history from storage.
type Recorder struct {
	broker *Broker
	sub    Subscriber

	mu     sync.RWMutex
	ring   []*Event
	next   int
	filled bool

	doneCh chan struct{}
}

// NewRecorder subscribes to the broker and starts recording
func NewRecorder(b *Broker, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	r := &Recorder{
		broker: b,
		sub:    b.Subscribe(),
		ring:   make([]*Event, capacity),
		doneCh: make(chan struct{}),
	}
	go r.run()
	return r
}

// Stop unsubscribes from the broker and waits for the record loop
func (r *Recorder) Stop() {
	r.broker.Unsubscribe(r.sub)
	<-r.doneCh
}

func (r *Recorder) run() {
	defer close(r.doneCh)

	for event := range r.sub {
		r.mu.Lock()
		r.ring[r.next] = event
		r.next = (r.next + 1) % len(r.ring)
		if r.next == 0 {
			r.filled = true
		}
		r.mu.Unlock()
	}
}

// Recent returns the recorded events, oldest first
func (r *Recorder) Recent() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.filled {
		out := make([]*Event, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]*Event, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}
