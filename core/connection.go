package core

import (
	"errors"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/loom/core/http"
	"github.com/searchktools/loom/core/poller"
	"github.com/searchktools/loom/core/pools"
	"github.com/searchktools/loom/core/stats"
	"github.com/searchktools/loom/core/timer"
)

// Router looks up the handler for a request. Captured route parameters are
// stored on req. *router.RadixRouter implements it.
type Router interface {
	Find(method http.Method, path []byte, req *http.Request) http.HandlerFunc
}

// Connection flags: the low two bits hold the read state, the rest are
// independent booleans.
const (
	readingHeaders uint8 = 0
	readingBody    uint8 = 1
	requestReady   uint8 = 2
	readStateMask  uint8 = 0x03

	flagWriting     uint8 = 0x04
	flagShouldClose uint8 = 0x08
	flagClosing     uint8 = 0x10
	flagPending     uint8 = 0x20 // c.resp waits for write space
)

// connEnv is what every connection shares: read-only after the engine starts.
type connEnv struct {
	routes Router
	pool   *pools.BytePool
	stats  *stats.Monitor
}

// Connection is the per-socket state machine. It is owned by its registry
// slot and torn down only by Engine.closeConnection.
type Connection struct {
	fd     int
	handle pools.Handle
	flags  uint8
	events uint32 // interest set currently registered with epoll
	eof    bool

	rbuf      []byte
	rlen      int
	headerLen int
	bodyLen   int

	wbuf  []byte
	wlen  int
	wsent int

	timeoutIndex int

	start time.Time
	req   *http.Request
	resp  http.Response
	env   *connEnv
}

func newConnection(fd int, env *connEnv, requestSize, responseSize, maxHeaders int) *Connection {
	return &Connection{
		fd:           fd,
		rbuf:         env.pool.Get(requestSize),
		wbuf:         env.pool.Get(responseSize),
		timeoutIndex: timer.NoIndex,
		req:          http.NewRequest(maxHeaders),
		env:          env,
	}
}

func (c *Connection) readState() uint8 {
	return c.flags & readStateMask
}

func (c *Connection) setReadState(s uint8) {
	c.flags = c.flags&^readStateMask | s
}

// onReadable drains the socket and processes every complete request in the
// buffer. Because the socket is edge triggered, a drain that stopped on a full
// buffer is repeated once processing has made room.
func (c *Connection) onReadable() {
	for {
		full := c.drain()
		c.process()
		if c.flags&flagPending != 0 {
			return
		}
		if c.eof {
			c.flags |= flagShouldClose
		}
		if !full || c.flags&flagShouldClose != 0 || c.rlen == len(c.rbuf) {
			return
		}
	}
}

// drain reads until EAGAIN, EOF or a full buffer; it reports the latter.
func (c *Connection) drain() bool {
	for c.rlen < len(c.rbuf) {
		n, err := unix.Read(c.fd, c.rbuf[c.rlen:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false
		case err != nil:
			c.ioError("read", err)
			return false
		case n == 0:
			c.eof = true
			return false
		}
		c.rlen += n
	}
	return true
}

// process runs the read state machine over the buffered bytes until it needs
// more input, a response is pending or the connection is marked to close.
func (c *Connection) process() {
	for c.flags&(flagShouldClose|flagPending) == 0 {
		switch c.readState() {
		case readingHeaders:
			end := http.HeaderEnd(c.rbuf[:c.rlen])
			if end < 0 {
				if c.rlen >= len(c.rbuf) {
					c.fail(http.StatusPayloadTooLarge)
				}
				return
			}
			c.headerLen = end
			if _, err := http.ParseRequest(c.req, c.rbuf[:end]); err != nil {
				c.fail(http.StatusBadRequest)
				return
			}
			if c.req.ContentLength == 0 {
				c.setReadState(requestReady)
				continue
			}
			if c.req.ContentLength > len(c.rbuf)-c.headerLen {
				c.fail(http.StatusPayloadTooLarge)
				return
			}
			c.bodyLen = c.req.ContentLength
			c.setReadState(readingBody)

		case readingBody:
			if c.rlen-c.headerLen < c.bodyLen {
				return
			}
			c.req.Body = c.rbuf[c.headerLen : c.headerLen+c.bodyLen]
			c.setReadState(requestReady)

		case requestReady:
			if !c.respond() {
				return
			}
			c.compact()
		}
	}
}

// respond runs the handler and renders its response into the write buffer.
// It returns false when the connection must not process further requests yet.
func (c *Connection) respond() bool {
	c.start = time.Now()

	h := c.env.routes.Find(c.req.Method, c.req.Path, c.req)
	if h == nil {
		c.fail(http.StatusNotFound)
		return false
	}

	resp := &c.resp
	resp.Reset()
	if err := h(c.req, resp); err != nil {
		resp.Release(c.env.pool.Put)
		c.env.stats.HandlerError()
		log.Printf("handler %s %s: %v", c.req.Method, c.req.Path, err)
		c.fail(http.StatusInternalServerError)
		return false
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if c.req.WantsClose() {
		resp.ConnectionClose = true
	}
	return c.emit()
}

// emit queues c.resp. A response that fits an empty write buffer but not
// behind output the socket has not taken yet is kept, with the request still
// ready, until resume finds room for it.
func (c *Connection) emit() bool {
	resp := &c.resp
	n, err := c.render(resp)
	if err != nil && c.wlen > 0 && resp.Size() <= len(c.wbuf) {
		c.flags |= flagPending
		return false
	}

	status, closeAfter := resp.StatusCode, resp.ConnectionClose
	resp.Release(c.env.pool.Put)
	if err != nil {
		c.fail(http.StatusPayloadTooLarge)
		return false
	}

	c.wlen += n
	c.flags |= flagWriting
	c.env.stats.RecordResponse(status, time.Since(c.start))

	if closeAfter {
		c.flags |= flagShouldClose
		return false
	}
	return true
}

// resume retries a pending response after a flush, then carries on with the
// requests pipelined behind it. It stops when a response is pending again,
// which only happens while the socket refuses writes.
func (c *Connection) resume() {
	for c.flags&flagPending != 0 && c.flags&flagShouldClose == 0 {
		c.flags &^= flagPending
		if !c.emit() {
			return
		}
		c.compact()
		c.onReadable()
	}
}

// fail queues an error response and marks the connection to close. If even
// the error does not fit, nothing is sent.
func (c *Connection) fail(status int) {
	c.flags |= flagShouldClose

	resp := &c.resp
	resp.MakeError(status)
	n, err := c.render(resp)
	resp.Release(c.env.pool.Put)
	c.env.stats.RecordResponse(status, 0)
	if err != nil {
		return
	}
	c.wlen += n
	c.flags |= flagWriting
}

// render serializes resp after whatever is already queued. When it does not
// fit behind earlier pipelined responses, those are flushed first.
func (c *Connection) render(resp *http.Response) (int, error) {
	n, err := resp.Render(c.wbuf[c.wlen:])
	if err != nil && c.wlen > 0 {
		c.makeRoom()
		n, err = resp.Render(c.wbuf[c.wlen:])
	}
	return n, err
}

// compact drops the request just answered and moves any pipelined bytes to
// the front of the buffer. The request view is released first since it
// points into the region being overwritten.
func (c *Connection) compact() {
	consumed := c.headerLen + c.bodyLen
	c.req.Release()
	c.rlen = copy(c.rbuf, c.rbuf[consumed:c.rlen])
	c.headerLen = 0
	c.bodyLen = 0
	c.setReadState(readingHeaders)
}

// flush sends queued response bytes until done or EAGAIN.
func (c *Connection) flush() {
	for c.wsent < c.wlen {
		n, err := unix.SendmsgN(c.fd, c.wbuf[c.wsent:c.wlen], nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			c.ioError("write", err)
			return
		}
		c.wsent += n
	}
	c.wlen = 0
	c.wsent = 0
	c.flags &^= flagWriting
}

// makeRoom flushes and shifts any unsent tail to the front of the write buffer.
func (c *Connection) makeRoom() {
	c.flush()
	if c.wsent > 0 {
		c.wlen = copy(c.wbuf, c.wbuf[c.wsent:c.wlen])
		c.wsent = 0
	}
}

// ioError drops anything queued and marks the connection for teardown.
func (c *Connection) ioError(op string, err error) {
	if !errors.Is(err, unix.ECONNRESET) && !errors.Is(err, unix.EPIPE) {
		log.Printf("%s fd=%d: %v", op, c.fd, err)
	}
	c.env.stats.IOError()
	c.wlen = 0
	c.wsent = 0
	c.flags &^= flagWriting
	c.flags |= flagShouldClose
}

// interest computes the epoll interest set. A connection with nothing left to
// write that should close becomes closing, which the caller answers with
// teardown.
func (c *Connection) interest() (uint32, bool) {
	if c.flags&flagWriting == 0 && c.flags&flagShouldClose != 0 {
		c.flags |= flagClosing
	}
	if c.flags&flagClosing != 0 {
		return 0, true
	}

	events := poller.EdgeTriggered | poller.RdHup
	if c.flags&flagWriting != 0 {
		events |= poller.Out
	}
	if c.flags&flagShouldClose == 0 {
		events |= poller.In
	}
	return events, false
}

// release hands the buffers back to the pool. The descriptor is closed by the engine.
func (c *Connection) release() {
	c.req.Release()
	c.resp.Release(c.env.pool.Put)
	c.env.pool.Put(c.rbuf)
	c.env.pool.Put(c.wbuf)
	c.rbuf = nil
	c.wbuf = nil
	c.rlen, c.wlen, c.wsent = 0, 0, 0
}
