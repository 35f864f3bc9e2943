// Package timer keeps per-connection idle deadlines in an indexed min-heap.
//
// Each live entry knows its owner and every time an entry moves the owner is
// told its new slot through the relocate callback, so an owner can invalidate
// its entry in O(1). Invalidated entries stay in the heap as tombstones until
// they reach the root. The clock is always armed to the earliest deadline.
package timer

import (
	"errors"
	"fmt"
	"time"
)

// NoIndex marks an owner with no entry in the heap.
const NoIndex = -1

// ErrTimerFull is returned by Schedule when the heap holds max entries.
var ErrTimerFull = errors.New("timer: too many events")

// Clock is the deadline source. Deadlines are absolute monotonic nanoseconds.
type Clock interface {
	Now() int64
	Arm(deadline int64) error
	Disarm() error
}

// Event is one heap entry.
type Event struct {
	Deadline int64
	Owner    uint64
	Valid    bool
}

// Timer is not safe for concurrent use; the reactor goroutine owns it.
type Timer struct {
	events   []Event
	max      int
	clock    Clock
	relocate func(owner uint64, index int)
}

// New creates a timer holding at most max entries. relocate is called with
// the new index of every live entry that moves, and with NoIndex when a live
// entry is popped.
func New(max int, clock Clock, relocate func(owner uint64, index int)) *Timer {
	if relocate == nil {
		relocate = func(uint64, int) {}
	}
	return &Timer{
		events:   make([]Event, 0, min(max, 1024)),
		max:      max,
		clock:    clock,
		relocate: relocate,
	}
}

// Len returns the number of entries, tombstones included.
func (t *Timer) Len() int {
	return len(t.events)
}

// Earliest returns the root entry.
func (t *Timer) Earliest() (Event, bool) {
	if len(t.events) == 0 {
		return Event{}, false
	}
	return t.events[0], true
}

// Schedule adds a deadline of now+timeout for owner. The owner learns its
// index through relocate before Schedule returns.
func (t *Timer) Schedule(owner uint64, timeout time.Duration) error {
	if len(t.events) >= t.max {
		return ErrTimerFull
	}
	t.events = append(t.events, Event{
		Deadline: t.clock.Now() + int64(timeout),
		Owner:    owner,
		Valid:    true,
	})
	i := t.up(len(t.events) - 1)
	t.relocate(owner, i)

	if i == 0 {
		return t.arm()
	}
	return nil
}

// Invalidate turns the entry at index into a tombstone. Out of range indexes
// (NoIndex included) and repeated calls are no-ops.
func (t *Timer) Invalidate(index int) {
	if index < 0 || index >= len(t.events) {
		return
	}
	t.events[index].Valid = false
}

// Reset replaces owner's entry at index with a fresh deadline.
func (t *Timer) Reset(index int, owner uint64, timeout time.Duration) error {
	t.Invalidate(index)
	return t.Schedule(owner, timeout)
}

// PopEarliest removes the root, restores the heap and re-arms the clock to
// the new root (or disarms it when the heap is empty).
func (t *Timer) PopEarliest() (Event, bool, error) {
	if len(t.events) == 0 {
		return Event{}, false, nil
	}
	ev := t.remove()
	return ev, true, t.arm()
}

// Expire pops every entry whose deadline is not after now and calls fn for
// each live one. The clock is re-armed once at the end.
func (t *Timer) Expire(now int64, fn func(owner uint64)) (int, error) {
	fired := 0
	for len(t.events) > 0 && t.events[0].Deadline <= now {
		ev := t.remove()
		if ev.Valid {
			fired++
			fn(ev.Owner)
		}
	}
	return fired, t.arm()
}

func (t *Timer) remove() Event {
	ev := t.events[0]
	last := len(t.events) - 1
	t.events[0] = t.events[last]
	t.events[last] = Event{}
	t.events = t.events[:last]

	if last > 0 {
		t.moved(t.down(0))
	}
	if ev.Valid {
		t.relocate(ev.Owner, NoIndex)
	}
	return ev
}

func (t *Timer) arm() error {
	if len(t.events) == 0 {
		if err := t.clock.Disarm(); err != nil {
			return fmt.Errorf("timer: disarm: %w", err)
		}
		return nil
	}
	if err := t.clock.Arm(t.events[0].Deadline); err != nil {
		return fmt.Errorf("timer: arm: %w", err)
	}
	return nil
}

// moved reports a live entry's index to its owner; tombstones stay silent
// because their owner may already hold a newer entry.
func (t *Timer) moved(i int) {
	if e := &t.events[i]; e.Valid {
		t.relocate(e.Owner, i)
	}
}

func (t *Timer) up(i int) int {
	for i > 0 {
		p := (i - 1) / 2
		if t.events[p].Deadline <= t.events[i].Deadline {
			break
		}
		t.events[i], t.events[p] = t.events[p], t.events[i]
		t.moved(i)
		i = p
	}
	return i
}

func (t *Timer) down(i int) int {
	n := len(t.events)
	for {
		smallest := i
		l, r := 2*i+1, 2*i+2
		if l < n && t.events[l].Deadline < t.events[smallest].Deadline {
			smallest = l
		}
		if r < n && t.events[r].Deadline < t.events[smallest].Deadline {
			smallest = r
		}
		if smallest == i {
			return i
		}
		t.events[i], t.events[smallest] = t.events[smallest], t.events[i]
		t.moved(i)
		i = smallest
	}
}
