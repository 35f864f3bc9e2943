package pools

import (
	"errors"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ErrSlabFull is returned when every slot of a bounded slab is in use.
var ErrSlabFull = errors.New("pools: slab full")

// Handle names a slab slot: generation in the high 32 bits, index in the low.
// Generations start at 1, so the zero Handle never resolves.
type Handle uint64

// Index returns the slot index part of h.
func (h Handle) Index() int { return int(uint32(h)) }

func (h Handle) generation() uint32 { return uint32(h >> 32) }

func makeHandle(index int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(index)))
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Slab is an arena of values addressed by stable handles. Removing a value
// bumps its slot generation, so handles still held elsewhere (e.g. in a
// pending epoll event) stop resolving instead of reaching the next occupant.
// Freed slots are reused in FIFO order.
//
// Slab is not safe for concurrent use; the counters are atomic so Stats can be
// read from another goroutine.
type Slab[T any] struct {
	slots []slot[T]
	free  *queue.Queue
	max   int

	live    atomic.Int64
	inserts atomic.Uint64
	removes atomic.Uint64
}

// NewSlab creates a slab holding at most max values (0 means unbounded).
func NewSlab[T any](max int) *Slab[T] {
	return &Slab[T]{
		free: queue.New(),
		max:  max,
	}
}

// Insert stores v and returns its handle.
func (s *Slab[T]) Insert(v T) (Handle, error) {
	var idx int
	if s.free.Length() > 0 {
		idx = s.free.Remove().(int)
	} else {
		if s.max > 0 && len(s.slots) >= s.max {
			return 0, ErrSlabFull
		}
		idx = len(s.slots)
		s.slots = append(s.slots, slot[T]{gen: 1})
	}

	sl := &s.slots[idx]
	sl.used = true
	sl.val = v
	s.live.Add(1)
	s.inserts.Add(1)
	return makeHandle(idx, sl.gen), nil
}

// Get returns a pointer to the value behind h, or false for a stale handle.
// The pointer is valid until the next Insert.
func (s *Slab[T]) Get(h Handle) (*T, bool) {
	idx := h.Index()
	if idx >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[idx]
	if !sl.used || sl.gen != h.generation() {
		return nil, false
	}
	return &sl.val, true
}

// Remove frees the slot behind h and returns its value.
func (s *Slab[T]) Remove(h Handle) (T, bool) {
	var zero T
	idx := h.Index()
	if idx >= len(s.slots) {
		return zero, false
	}
	sl := &s.slots[idx]
	if !sl.used || sl.gen != h.generation() {
		return zero, false
	}

	v := sl.val
	sl.val = zero
	sl.used = false
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	s.free.Add(idx)
	s.live.Add(-1)
	s.removes.Add(1)
	return v, true
}

// Range calls fn for every live value until fn returns false.
func (s *Slab[T]) Range(fn func(h Handle, v *T) bool) {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.used && !fn(makeHandle(i, sl.gen), &sl.val) {
			return
		}
	}
}

// Len returns the number of live values.
func (s *Slab[T]) Len() int {
	return int(s.live.Load())
}

// Stats returns cumulative insert and remove counts.
func (s *Slab[T]) Stats() (inserts, removes uint64) {
	return s.inserts.Load(), s.removes.Load()
}
