// Package bus is the in-process agent-event stream: typed pub/sub keyed by
// runId with bounded per-subscriber channels.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event streams.
const (
	StreamLifecycle  = "lifecycle"
	StreamTool       = "tool"
	StreamCompaction = "compaction"
	StreamBlock      = "block"
	StreamError      = "error"
)

// Event is one agent event observed during a run.
type Event struct {
	TS     time.Time `json:"ts"`
	Stream string    `json:"stream"`
	Data   any       `json:"data,omitempty"`
}

// defaultBuffer bounds each subscriber channel. When full, non-lifecycle
// events (tool updates and the like) are dropped and counted; lifecycle
// events evict the oldest buffered event so a terminal end/error is never
// lost and delivery never blocks.
const defaultBuffer = 128

// Subscription receives events for one runId until Close or the terminal
// lifecycle event. Sends and the close are serialized by mu so a publish
// racing an unsubscribe can never hit a closed channel.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// Dropped returns how many events were discarded due to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers ev unless the subscription is closed. Non-critical events
// are dropped when the buffer is full; critical ones displace the oldest
// buffered event.
func (s *Subscription) send(ev Event, critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	if !critical {
		s.dropped.Add(1)
		return
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Bus multiplexes run events to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription // runId → subscribers
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: map[string][]*Subscription{}}
}

// Subscribe attaches to a run's event stream.
func (b *Bus) Subscribe(runID string) *Subscription {
	ch := make(chan Event, defaultBuffer)
	sub := &Subscription{C: ch, ch: ch}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches a subscription before the run ends.
func (b *Bus) Unsubscribe(runID string, sub *Subscription) {
	b.mu.Lock()
	list := b.subs[runID]
	for i, s := range list {
		if s == sub {
			b.subs[runID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every subscriber of runID.
func (b *Bus) Publish(runID, stream string, data any) {
	ev := Event{TS: time.Now().UTC(), Stream: stream, Data: data}

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[runID]...)
	b.mu.Unlock()

	critical := stream == StreamLifecycle || stream == StreamError
	for _, sub := range subs {
		sub.send(ev, critical)
	}
}

// Finish publishes the terminal lifecycle event and closes all subscribers.
// Every lifecycle.start must be matched by exactly one Finish.
func (b *Bus) Finish(runID string, data any) {
	b.Publish(runID, StreamLifecycle, data)

	b.mu.Lock()
	subs := b.subs[runID]
	delete(b.subs, runID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
