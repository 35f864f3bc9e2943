// Package ring implements a fixed-capacity byte ring used as a response sink.
//
// The ring never grows and never overwrites unread bytes. Head and tail are
// free-running uint64 counters masked by size-1 for addressing, and one slot is
// always left empty so that a full ring can be told apart from an empty one.
package ring

import "errors"

// ErrNoSpace is returned when a write does not fit in the free space.
var ErrNoSpace = errors.New("ring: not enough space")

// Ring is a single-producer single-consumer byte ring (power-of-two size).
// It is not safe for concurrent use.
type Ring struct {
	buf  []byte
	mask uint64
	head uint64 // write position
	tail uint64 // read position
}

// New allocates a ring with size bytes of storage (must be power of two).
// The usable capacity is size-1.
func New(size int) *Ring {
	if size < 2 || size&(size-1) != 0 {
		panic("ring size must be power of two")
	}
	return &Ring{
		buf:  make([]byte, size),
		mask: uint64(size - 1),
	}
}

// Len returns the number of unread bytes.
func (r *Ring) Len() int {
	return int((r.head - r.tail) & r.mask)
}

// Free returns how many bytes can be written before the ring is full.
func (r *Ring) Free() int {
	return len(r.buf) - r.Len() - 1
}

// Cap returns the usable capacity (size-1).
func (r *Ring) Cap() int {
	return len(r.buf) - 1
}

// Empty reports whether there is nothing to read.
func (r *Ring) Empty() bool {
	return r.head == r.tail
}

// Full reports whether no more bytes can be written.
func (r *Ring) Full() bool {
	return r.Len() == len(r.buf)-1
}

// Write appends all of p or nothing. A write that crosses the physical end
// is split into two copies.
func (r *Ring) Write(p []byte) (int, error) {
	if len(p) > r.Free() {
		return 0, ErrNoSpace
	}
	head := r.head & r.mask
	first := copy(r.buf[head:], p)
	copy(r.buf, p[first:])
	r.head += uint64(len(p))
	return len(p), nil
}

// WriteString is Write for strings, without converting to a byte slice.
func (r *Ring) WriteString(s string) (int, error) {
	if len(s) > r.Free() {
		return 0, ErrNoSpace
	}
	head := r.head & r.mask
	first := copy(r.buf[head:], s)
	copy(r.buf, s[first:])
	r.head += uint64(len(s))
	return len(s), nil
}

// Peek copies up to len(p) unread bytes into p without consuming them.
func (r *Ring) Peek(p []byte) int {
	n := len(p)
	if l := r.Len(); n > l {
		n = l
	}
	tail := r.tail & r.mask
	first := copy(p[:n], r.buf[tail:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	return n
}

// Read copies up to len(p) unread bytes into p and consumes them.
func (r *Ring) Read(p []byte) (int, error) {
	n := r.Peek(p)
	r.tail += uint64(n)
	return n, nil
}

// Contiguous returns the longest unread run that does not wrap. It stays
// valid until the next Write.
func (r *Ring) Contiguous() []byte {
	l := uint64(r.Len())
	tail := r.tail & r.mask
	end := tail + l
	if end > uint64(len(r.buf)) {
		end = uint64(len(r.buf))
	}
	return r.buf[tail:end]
}

// Discard consumes n unread bytes (clamped to Len).
func (r *Ring) Discard(n int) int {
	if l := r.Len(); n > l {
		n = l
	}
	r.tail += uint64(n)
	return n
}

// Reset empties the ring.
func (r *Ring) Reset() {
	r.head = 0
	r.tail = 0
}
