package input

import (
	"sync"
	"time"
)

// Logical button ids. The core never sees pins or debounce, only these.
const (
	ButtonNext   = "next"   // start calibration / capture point
	ButtonSelect = "select" // cycle reference buffer
	ButtonAbort  = "abort"  // cancel calibration
	ButtonReset  = "reset"  // operator reset of a locked doser
)

// Event is one discrete button press.
type Event struct {
	Button string    `json:"button"`
	At     time.Time `json:"at"`
}

// Queue is a bounded FIFO of press events. Producers (GPIO poller, REST
// endpoint) push from their own goroutines; the tick loop pops exactly one
// event per tick. Overflow drops the newest press and counts it.
type Queue struct {
	mu      sync.Mutex
	events  []Event
	max     int
	dropped uint64
}

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 16
	}
	return &Queue{max: max}
}

// Push enqueues a press. Returns false when the queue is full.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.max {
		q.dropped++
		return false
	}
	q.events = append(q.events, ev)
	return true
}

// Pop removes the oldest pending press, one per tick.
func (q *Queue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
