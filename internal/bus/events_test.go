package bus

import (
	"sync"
	"testing"
	"time"
)

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe("run-1")
	s2 := b.Subscribe("run-1")
	other := b.Subscribe("run-2")

	b.Publish("run-1", StreamTool, map[string]any{"phase": "start"})

	for _, sub := range []*Subscription{s1, s2} {
		evs := collect(sub, 1, time.Second)
		if len(evs) != 1 || evs[0].Stream != StreamTool {
			t.Fatalf("events = %+v", evs)
		}
	}
	select {
	case ev := <-other.C:
		t.Fatalf("cross-run leak: %+v", ev)
	default:
	}
}

func TestFinishClosesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	b.Finish("run-1", map[string]any{"phase": "end"})

	evs := collect(sub, 2, time.Second)
	if len(evs) != 1 || evs[0].Stream != StreamLifecycle {
		t.Fatalf("events = %+v", evs)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel must be closed after Finish")
	}

	// Publishing after Finish must not panic or block.
	b.Publish("run-1", StreamLifecycle, nil)
}

func TestBackpressureDropsNonLifecycle(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")

	// Fill the buffer and then some; no reader attached.
	for i := 0; i < defaultBuffer+10; i++ {
		b.Publish("run-1", StreamTool, i)
	}
	if got := sub.Dropped(); got != 10 {
		t.Errorf("Dropped = %d, want 10", got)
	}
	// Buffered events still arrive in order.
	evs := collect(sub, defaultBuffer, time.Second)
	if len(evs) != defaultBuffer {
		t.Fatalf("got %d events, want %d", len(evs), defaultBuffer)
	}
	if evs[0].Data != 0 {
		t.Errorf("first event = %+v", evs[0])
	}
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	b := New()
	for i := 0; i < 200; i++ {
		sub := b.Subscribe("run-1")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish("run-1", StreamLifecycle, nil)
			b.Publish("run-1", StreamTool, nil)
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe("run-1", sub)
		}()
		wg.Wait()
	}
}

func TestLifecycleNeverBlocksOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")

	// Fill the buffer with tool noise; no reader attached.
	for i := 0; i < defaultBuffer; i++ {
		b.Publish("run-1", StreamTool, i)
	}
	done := make(chan struct{})
	go func() {
		b.Finish("run-1", map[string]any{"phase": "end"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Finish blocked on a full subscriber buffer")
	}

	// The oldest buffered event was evicted; the terminal event is last.
	evs := collect(sub, defaultBuffer, time.Second)
	if len(evs) != defaultBuffer {
		t.Fatalf("got %d events, want %d", len(evs), defaultBuffer)
	}
	if evs[len(evs)-1].Stream != StreamLifecycle {
		t.Errorf("last event = %+v, want the terminal lifecycle event", evs[len(evs)-1])
	}
	if evs[0].Data != 1 {
		t.Errorf("first event = %+v, want oldest evicted", evs[0])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	b.Unsubscribe("run-1", sub)

	if _, ok := <-sub.C; ok {
		t.Error("channel must be closed after Unsubscribe")
	}
	b.Publish("run-1", StreamTool, nil)
	// Finish with no remaining subscribers is a no-op.
	b.Finish("run-1", nil)
}
