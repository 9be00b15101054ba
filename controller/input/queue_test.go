package input

import (
	"testing"
	"time"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue(4)
	now := time.Now()
	for _, b := range []string{ButtonNext, ButtonSelect, ButtonAbort} {
		if !q.Push(Event{Button: b, At: now}) {
			t.Fatalf("push %s failed", b)
		}
	}
	for _, want := range []string{ButtonNext, ButtonSelect, ButtonAbort} {
		ev, ok := q.Pop()
		if !ok || ev.Button != want {
			t.Errorf("got %q ok=%v, want %q", ev.Button, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("pop on empty queue should fail")
	}
}

func TestQueueOverflow(t *testing.T) {
	q := NewQueue(2)
	now := time.Now()
	q.Push(Event{Button: ButtonNext, At: now})
	q.Push(Event{Button: ButtonNext, At: now})
	if q.Push(Event{Button: ButtonReset, At: now}) {
		t.Error("push beyond capacity should fail")
	}
	if q.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", q.Dropped())
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
	// The dropped press must be the newest; the queued ones survive.
	ev, _ := q.Pop()
	if ev.Button != ButtonNext {
		t.Errorf("oldest press lost: got %q", ev.Button)
	}
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 16; i++ {
		if !q.Push(Event{Button: ButtonNext}) {
			t.Fatalf("push %d failed before default capacity", i)
		}
	}
	if q.Push(Event{Button: ButtonNext}) {
		t.Error("expected default capacity of 16")
	}
}
