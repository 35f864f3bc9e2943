package core

import (
	"errors"
	"fmt"
	"log"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/searchktools/loom/core/poller"
	"github.com/searchktools/loom/core/pools"
	"github.com/searchktools/loom/core/timer"
)

// itemKind tags what a registry slot holds.
type itemKind uint8

const (
	kindShutdown itemKind = iota
	kindListener
	kindClient
	kindTimer
)

func (k itemKind) String() string {
	switch k {
	case kindShutdown:
		return "shutdown"
	case kindListener:
		return "listener"
	case kindClient:
		return "client"
	case kindTimer:
		return "timer"
	}
	return "unknown"
}

// item is a registry entry. Its handle is the epoll token for fd; conn is set
// only for clients.
type item struct {
	kind itemKind
	fd   int
	conn *Connection
}

// register adds fd to the registry and to epoll under the new handle.
func (e *Engine) register(kind itemKind, fd int, conn *Connection, events uint32) (pools.Handle, error) {
	h, err := e.registry.Insert(item{kind: kind, fd: fd, conn: conn})
	if err != nil {
		return 0, err
	}
	if err := e.poller.Add(fd, uint64(h), events); err != nil {
		e.registry.Remove(h)
		return 0, fmt.Errorf("epoll add %s fd=%d: %w", kind, fd, err)
	}
	return h, nil
}

// modify updates the interest set of a registered client.
func (e *Engine) modify(h pools.Handle, c *Connection, events uint32) error {
	if events == c.events {
		return nil
	}
	if err := e.poller.Modify(c.fd, uint64(h), events); err != nil {
		return err
	}
	c.events = events
	return nil
}

// deregister removes a non-client item from epoll and the registry. The
// descriptor itself is left to its owner.
func (e *Engine) deregister(h pools.Handle) {
	it, ok := e.registry.Remove(h)
	if !ok {
		return
	}
	e.poller.Remove(it.fd)
}

// run is the event loop. It returns nil on shutdown and an error only when
// waiting or the timer fails.
func (e *Engine) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		events, err := e.poller.Wait(-1)
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		for _, ev := range events {
			h := pools.Handle(ev.Token)
			it, ok := e.registry.Get(h)
			if !ok {
				// torn down earlier in this batch
				continue
			}
			kind, conn := it.kind, it.conn

			switch kind {
			case kindShutdown:
				var buf [8]byte
				unix.Read(e.shutdownFd, buf[:])
				return nil
			case kindListener:
				e.accept()
			case kindTimer:
				if err := e.expire(); err != nil {
					return err
				}
			case kindClient:
				e.serveClient(h, conn, ev.Events)
			}
		}
	}
}

// serveClient runs the read step, then the write step, then checks for hangup.
func (e *Engine) serveClient(h pools.Handle, c *Connection, events uint32) {
	if events&poller.In != 0 {
		c.onReadable()
		if c.flags&flagWriting != 0 {
			c.flush()
			c.resume()
		}
		if !e.updateInterest(h, c) {
			return
		}
	}

	if events&poller.Out != 0 {
		c.flush()
		c.resume()
		if !e.updateInterest(h, c) {
			return
		}
	}

	if events&(poller.RdHup|poller.Hup|poller.Err) != 0 {
		e.closeConnection(h)
	}
}

// updateInterest re-registers c or tears it down; it reports whether c is still alive.
func (e *Engine) updateInterest(h pools.Handle, c *Connection) bool {
	events, closing := c.interest()
	if closing {
		e.closeConnection(h)
		return false
	}
	if err := e.modify(h, c, events); err != nil {
		log.Printf("epoll mod fd=%d: %v", c.fd, err)
		e.closeConnection(h)
		return false
	}
	return true
}

// accept takes every pending connection; the listener is edge triggered.
func (e *Engine) accept() {
	for {
		fd, _, err := unix.Accept4(e.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.stats.AcceptError()
				log.Printf("accept: %v", err)
			}
			return
		}

		if e.clients >= e.opts.MaxConnections {
			e.stats.ConnRejected()
			unix.Close(fd)
			continue
		}

		// TCP_NODELAY: Disable Nagle's algorithm
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		if err := e.addClient(fd); err != nil {
			e.stats.ConnRejected()
			log.Printf("register client fd=%d: %v", fd, err)
			unix.Close(fd)
		}
	}
}

func (e *Engine) addClient(fd int) error {
	c := newConnection(fd, &e.env, e.opts.RequestBufferSize, e.opts.ResponseBufferSize, e.opts.MaxHeaders)
	c.events = poller.In | poller.RdHup | poller.EdgeTriggered

	h, err := e.register(kindClient, fd, c, c.events)
	if err != nil {
		c.release()
		return err
	}
	c.handle = h

	if err := e.timer.Schedule(uint64(h), e.opts.IdleTimeout); err != nil {
		e.deregister(h)
		c.release()
		return err
	}

	e.clients++
	e.stats.ConnAccepted()
	return nil
}

// relocate keeps a client's timeoutIndex in step with its heap entry.
func (e *Engine) relocate(owner uint64, index int) {
	it, ok := e.registry.Get(pools.Handle(owner))
	if !ok || it.kind != kindClient {
		return
	}
	it.conn.timeoutIndex = index
}

// expire tears down every client whose idle deadline has passed. One tick can
// cover several deadlines.
func (e *Engine) expire() error {
	if _, err := e.clock.Consume(); err != nil {
		return fmt.Errorf("timerfd read: %w", err)
	}
	_, err := e.timer.Expire(e.clock.Now(), func(owner uint64) {
		h := pools.Handle(owner)
		if _, ok := e.registry.Get(h); ok {
			e.stats.ConnTimedOut()
			e.closeConnection(h)
		}
	})
	return err
}

// closeConnection is the only teardown path for a client: timer entry,
// epoll registration, buffers, descriptor, registry slot.
func (e *Engine) closeConnection(h pools.Handle) {
	it, ok := e.registry.Get(h)
	if !ok || it.kind != kindClient {
		return
	}
	c := it.conn

	e.timer.Invalidate(c.timeoutIndex)
	c.timeoutIndex = timer.NoIndex
	e.poller.Remove(c.fd)
	c.release()
	unix.Close(c.fd)
	c.fd = -1
	e.registry.Remove(h)

	e.clients--
	e.stats.ConnClosed()
}

// closeClients tears down every live client; used when the loop exits.
func (e *Engine) closeClients() {
	var handles []pools.Handle
	e.registry.Range(func(h pools.Handle, it *item) bool {
		if it.kind == kindClient {
			handles = append(handles, h)
		}
		return true
	})
	for _, h := range handles {
		e.closeConnection(h)
	}
}
