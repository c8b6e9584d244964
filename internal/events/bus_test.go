package events

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestBusFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBus()
	defer b.Close()

	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	b.Publish(Event{Type: TypeTaskCreated, TaskID: "TASK-1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeTaskCreated || ev.TaskID != "TASK-1" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
			if ev.Timestamp.IsZero() {
				t.Fatal("publish must stamp events")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBus()
	defer b.Close()

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Nobody is draining; overflow past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+100; i++ {
			b.Publish(Event{Type: TypeAgentProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := len(ch); got != subscriberBuffer {
		t.Fatalf("buffered %d events, want %d", got, subscriberBuffer)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	id, ch := b.Subscribe()
	b.Unsubscribe(id)
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel must be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypePhaseChanged})
}

func TestBusCloseIdempotent(t *testing.T) {
	b := NewBus()
	_, ch := b.Subscribe()
	b.Close()
	b.Close()
	if _, open := <-ch; open {
		t.Fatal("close must close subscriber channels")
	}
	// Subscribing after close yields an already-closed channel.
	_, late := b.Subscribe()
	if _, open := <-late; open {
		t.Fatal("late subscription must yield a closed channel")
	}
	b.Publish(Event{Type: TypeTaskCompleted})
}
