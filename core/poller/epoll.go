//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// Interest and readiness bits
const (
	In            = uint32(unix.EPOLLIN)
	Out           = uint32(unix.EPOLLOUT)
	RdHup         = uint32(unix.EPOLLRDHUP)
	Hup           = uint32(unix.EPOLLHUP)
	Err           = uint32(unix.EPOLLERR)
	EdgeTriggered = uint32(unix.EPOLLET)
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Event
}

// NewPoller creates an epoll instance that reports at most maxEvents per Wait.
func NewPoller(maxEvents int) (*EpollPoller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}, nil
}

// The token is split across the Fd and Pad words of epoll_data.
func encode(token uint64, events uint32) unix.EpollEvent {
	return unix.EpollEvent{
		Events: events,
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}
}

func decode(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, token uint64, events uint32) error {
	ev := encode(token, events)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest set of a registered descriptor
func (p *EpollPoller) Modify(fd int, token uint64, events uint32) error {
	ev := encode(token, events)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events. EINTR is retried.
func (p *EpollPoller) Wait(msec int) ([]Event, error) {
	var (
		n   int
		err error
	)
	for {
		n, err = unix.EpollWait(p.epfd, p.events, msec)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, Event{
			Token:  decode(&p.events[i]),
			Events: p.events[i].Events,
		})
	}
	return p.ready, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}
