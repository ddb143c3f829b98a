package vm

import (
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Clock supplies the current time to timers, leases and the scheduler.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a clock that only moves when told to. It is used by
// simulations and tests together with SimulatedWaker.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t if t is later than the current time.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// TimerQueue: time-ordered wakeups, one per process
// ---------------------------------------------------------------------------

type timerEntry struct {
	when time.Time
	proc *Process
	fire func(*Process)
	next *timerEntry
}

// TimerQueue is a singly linked list of pending wakeups in ascending time
// order. A process has at most one pending entry.
type TimerQueue struct {
	head   *timerEntry
	byProc map[*Process]*timerEntry
}

// NewTimerQueue creates an empty queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{byProc: make(map[*Process]*timerEntry)}
}

// Len returns the number of pending entries.
func (q *TimerQueue) Len() int { return len(q.byProc) }

// Schedule arranges for fire(p) to be called once the clock reaches when.
// A pending entry for p is replaced.
func (q *TimerQueue) Schedule(p *Process, when time.Time, fire func(*Process)) {
	q.Cancel(p)
	e := &timerEntry{when: when, proc: p, fire: fire}
	q.byProc[p] = e

	// Entries with equal times fire in insertion order.
	link := &q.head
	for *link != nil && !(*link).when.After(when) {
		link = &(*link).next
	}
	e.next = *link
	*link = e
}

// Cancel removes the pending entry of p, if any.
func (q *TimerQueue) Cancel(p *Process) bool {
	e, ok := q.byProc[p]
	if !ok {
		return false
	}
	delete(q.byProc, p)
	for link := &q.head; *link != nil; link = &(*link).next {
		if *link == e {
			*link = e.next
			break
		}
	}
	return true
}

// Pending reports whether p has a pending entry.
func (q *TimerQueue) Pending(p *Process) bool {
	_, ok := q.byProc[p]
	return ok
}

// Next returns the earliest pending wake time.
func (q *TimerQueue) Next() (time.Time, bool) {
	if q.head == nil {
		return time.Time{}, false
	}
	return q.head.when, true
}

// Fire pops and runs every entry due at now, returning how many fired.
func (q *TimerQueue) Fire(now time.Time) int {
	n := 0
	for q.head != nil && !q.head.when.After(now) {
		e := q.head
		q.head = e.next
		delete(q.byProc, e.proc)
		e.fire(e.proc)
		n++
	}
	return n
}
