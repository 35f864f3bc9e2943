// Package poller wraps epoll for the reactor.
//
// Every registration carries a 64-bit token chosen by the caller. The kernel
// hands the token back with each readiness event, so the reactor never has to
// map descriptors back to objects.
package poller

// Event is one readiness notification.
type Event struct {
	Token  uint64
	Events uint32
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, token uint64, events uint32) error
	Modify(fd int, token uint64, events uint32) error
	Remove(fd int) error
	// Wait blocks up to msec milliseconds (-1 forever). The returned slice is
	// reused by the next call.
	Wait(msec int) ([]Event, error)
	Close() error
}
