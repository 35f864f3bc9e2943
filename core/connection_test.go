package core

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/searchktools/loom/core/http"
	"github.com/searchktools/loom/core/poller"
	"github.com/searchktools/loom/core/pools"
	"github.com/searchktools/loom/core/router"
	"github.com/searchktools/loom/core/stats"
)

const helloResponse = "HTTP/1.1 200 OK\r\nConnection: keep-alive\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"

type connHarness struct {
	c    *Connection
	peer int
	env  *connEnv
}

func testRoutes() *router.RadixRouter {
	r := router.NewRadixRouter()
	r.Add("GET", "/hello", func(req *http.Request, resp *http.Response) error {
		resp.String(http.StatusOK, "hello")
		return nil
	})
	r.Add("POST", "/echo", func(req *http.Request, resp *http.Response) error {
		resp.String(http.StatusOK, string(req.Body))
		return nil
	})
	r.Add("GET", "/fail", func(req *http.Request, resp *http.Response) error {
		return errors.New("boom")
	})
	r.Add("GET", "/big", func(req *http.Request, resp *http.Response) error {
		resp.String(http.StatusOK, strings.Repeat("x", 4096))
		return nil
	})
	r.Add("GET", "/users/:id", func(req *http.Request, resp *http.Response) error {
		resp.String(http.StatusOK, "user "+req.Param("id"))
		return nil
	})
	return r
}

func newConnHarness(t *testing.T, requestSize, responseSize int) *connHarness {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	env := &connEnv{routes: testRoutes(), pool: pools.NewBytePool(), stats: stats.NewMonitor()}
	h := &connHarness{
		c:    newConnection(fds[0], env, requestSize, responseSize, 16),
		peer: fds[1],
		env:  env,
	}
	t.Cleanup(func() {
		h.c.release()
		unix.Close(fds[0])
		if h.peer >= 0 {
			unix.Close(h.peer)
		}
	})
	return h
}

func (h *connHarness) send(t *testing.T, s string) {
	t.Helper()
	if _, err := unix.Write(h.peer, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// step runs one readable event the way the reactor does.
func (h *connHarness) step() {
	h.c.onReadable()
	if h.c.flags&flagWriting != 0 {
		h.c.flush()
		h.c.resume()
	}
}

// writable runs one writable event, then flushes what resume queued the way
// the re-armed EPOLLOUT would.
func (h *connHarness) writable() {
	h.c.flush()
	h.c.resume()
	if h.c.flags&flagWriting != 0 {
		h.c.flush()
	}
}

// fillSocket writes filler from the server side until the kernel refuses
// more, and returns how many bytes the peer will have to read first.
func (h *connHarness) fillSocket(t *testing.T) int {
	t.Helper()
	total := 0
	for _, chunk := range [][]byte{make([]byte, 4096), make([]byte, 1)} {
		for {
			n, err := unix.Write(h.c.fd, chunk)
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				t.Fatalf("fill: %v", err)
			}
			total += n
		}
	}
	return total
}

func (h *connHarness) recv(t *testing.T) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(h.peer, buf)
		if err == unix.EAGAIN || n == 0 {
			return string(out)
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		out = append(out, buf[:n]...)
	}
}

func (h *connHarness) closing() bool {
	_, closing := h.c.interest()
	return closing
}

func TestConnectionSingleRequest(t *testing.T) {
	h := newConnHarness(t, 1024, 1024)
	h.send(t, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	h.step()

	if got := h.recv(t); got != helloResponse {
		t.Fatalf("response = %q", got)
	}
	if h.closing() {
		t.Fatal("keep-alive connection marked closing")
	}
	events, _ := h.c.interest()
	if events&poller.In == 0 || events&poller.Out != 0 {
		t.Errorf("interest = %#x, want IN without OUT", events)
	}
	if h.c.rlen != 0 || h.c.readState() != readingHeaders {
		t.Errorf("buffer not compacted: rlen=%d state=%d", h.c.rlen, h.c.readState())
	}
}

func TestConnectionPipelining(t *testing.T) {
	h := newConnHarness(t, 1024, 1024)
	h.send(t, "GET /hello HTTP/1.1\r\n\r\nGET /users/42 HTTP/1.1\r\n\r\nGET /hello HTTP/1.1\r\n\r\n")
	h.step()

	got := h.recv(t)
	want := helloResponse +
		"HTTP/1.1 200 OK\r\nConnection: keep-alive\r\nContent-Type: text/plain\r\nContent-Length: 7\r\n\r\nuser 42" +
		helloResponse
	if got != want {
		t.Fatalf("responses = %q\nwant %q", got, want)
	}
	if s := h.env.stats.Snapshot(); s.Requests != 3 || s.Responses[2] != 3 {
		t.Errorf("requests=%d 2xx=%d", s.Requests, s.Responses[2])
	}
}

func TestConnectionFragmentedBody(t *testing.T) {
	h := newConnHarness(t, 1024, 1024)
	h.send(t, "POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel")
	h.step()

	if got := h.recv(t); got != "" {
		t.Fatalf("early response %q", got)
	}
	if h.c.readState() != readingBody {
		t.Fatalf("state = %d, want readingBody", h.c.readState())
	}

	h.send(t, "lo")
	h.step()
	if got := h.recv(t); got != helloResponse {
		t.Fatalf("response = %q", got)
	}
}

func TestConnectionRedrainsFullBuffer(t *testing.T) {
	// Five requests do not fit the 64 byte buffer at once; edge-triggered
	// delivery means they must all be answered from one event.
	h := newConnHarness(t, 64, 1024)
	h.send(t, strings.Repeat("GET /hello HTTP/1.1\r\n\r\n", 5))
	h.step()

	got := h.recv(t)
	if n := strings.Count(got, "HTTP/1.1 200 OK"); n != 5 {
		t.Fatalf("got %d responses, want 5: %q", n, got)
	}
}

func TestConnectionBackpressureKeepsResponse(t *testing.T) {
	// Room for one hello response only, and a peer that is not reading: the
	// second response has to wait instead of becoming an error.
	h := newConnHarness(t, 1024, 128)
	filler := h.fillSocket(t)
	h.send(t, "GET /hello HTTP/1.1\r\n\r\nGET /hello HTTP/1.1\r\n\r\n")
	h.step()

	if h.c.flags&flagPending == 0 || h.c.readState() != requestReady {
		t.Fatalf("flags = %#x, want a pending response", h.c.flags)
	}
	events, closing := h.c.interest()
	if closing || events&poller.Out == 0 {
		t.Fatalf("interest = %#x closing=%v, want OUT", events, closing)
	}

	got := h.recv(t)
	h.writable()
	got += h.recv(t)

	if len(got) < filler || got[filler:] != helloResponse+helloResponse {
		t.Fatalf("responses after %d filler bytes = %q", filler, got[min(filler, len(got)):])
	}
	if h.c.flags&flagPending != 0 || h.closing() {
		t.Errorf("flags = %#x after the socket drained", h.c.flags)
	}
	if s := h.env.stats.Snapshot(); s.Responses[2] != 2 || s.Responses[4] != 0 {
		t.Errorf("2xx=%d 4xx=%d", s.Responses[2], s.Responses[4])
	}
}

func TestConnectionErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status string
	}{
		{"no route", "GET /missing HTTP/1.1\r\n\r\n", "404 Not Found"},
		{"unknown method", "BREW /hello HTTP/1.1\r\n\r\n", "404 Not Found"},
		{"malformed", "GET /hello HTTP/9\r\n\r\n", "400 Bad Request"},
		{"header too large", "GET /hello HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 300), "413 Payload Too Large"},
		{"body too large", "POST /echo HTTP/1.1\r\nContent-Length: 1000\r\n\r\n", "413 Payload Too Large"},
		{"handler error", "GET /fail HTTP/1.1\r\n\r\n", "500 Internal Server Error"},
		{"response too large", "GET /big HTTP/1.1\r\n\r\n", "413 Payload Too Large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newConnHarness(t, 256, 512)
			h.send(t, tt.input)
			h.step()

			got := h.recv(t)
			if !strings.HasPrefix(got, "HTTP/1.1 "+tt.status+"\r\nConnection: close\r\n") {
				t.Fatalf("response = %q", got)
			}
			if !h.closing() {
				t.Error("error response should close the connection")
			}
		})
	}
}

func TestConnectionErrorStopsPipeline(t *testing.T) {
	h := newConnHarness(t, 1024, 1024)
	h.send(t, "GET /missing HTTP/1.1\r\n\r\nGET /hello HTTP/1.1\r\n\r\n")
	h.step()

	got := h.recv(t)
	if strings.Count(got, "HTTP/1.1 ") != 1 || !strings.HasPrefix(got, "HTTP/1.1 404") {
		t.Fatalf("responses = %q", got)
	}
}

func TestConnectionHandlerErrorCounted(t *testing.T) {
	h := newConnHarness(t, 256, 512)
	h.send(t, "GET /fail HTTP/1.1\r\n\r\n")
	h.step()
	h.recv(t)

	if s := h.env.stats.Snapshot(); s.HandlerErrors != 1 || s.Responses[5] != 1 {
		t.Errorf("handlerErrors=%d 5xx=%d", s.HandlerErrors, s.Responses[5])
	}
}

func TestConnectionClientClose(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"connection close", "GET /hello HTTP/1.1\r\nConnection: close\r\n\r\n"},
		{"http/1.0", "GET /hello HTTP/1.0\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newConnHarness(t, 256, 512)
			h.send(t, tt.input)
			h.step()

			got := h.recv(t)
			if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\nConnection: close\r\n") || !strings.HasSuffix(got, "hello") {
				t.Fatalf("response = %q", got)
			}
			if !h.closing() {
				t.Error("connection should close after the response")
			}
		})
	}

	h := newConnHarness(t, 256, 512)
	h.send(t, "GET /hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	h.step()
	if got := h.recv(t); !strings.Contains(got, "Connection: keep-alive") || h.closing() {
		t.Errorf("HTTP/1.0 keep-alive: %q closing=%v", got, h.closing())
	}
}

func TestConnectionPeerEOF(t *testing.T) {
	h := newConnHarness(t, 256, 512)
	h.send(t, "GET /hello HTTP/1.1\r\n\r\n")
	if err := unix.Shutdown(h.peer, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	h.step()

	if got := h.recv(t); got != helloResponse {
		t.Fatalf("buffered request not answered: %q", got)
	}
	if !h.closing() {
		t.Error("connection should close after peer EOF")
	}
}

func TestConnectionWriteError(t *testing.T) {
	h := newConnHarness(t, 256, 512)
	h.send(t, "GET /hello HTTP/1.1\r\n\r\n")
	unix.Close(h.peer)
	h.peer = -1
	h.step()

	if h.c.flags&flagWriting != 0 || h.c.wlen != 0 {
		t.Errorf("write queue kept after error: wlen=%d", h.c.wlen)
	}
	if !h.closing() {
		t.Error("connection should close after a write error")
	}
	if s := h.env.stats.Snapshot(); s.IOErrors != 1 {
		t.Errorf("ioErrors = %d, want 1", s.IOErrors)
	}
}

func TestConnectionInterest(t *testing.T) {
	tests := []struct {
		flags   uint8
		events  uint32
		closing bool
	}{
		{0, poller.EdgeTriggered | poller.RdHup | poller.In, false},
		{flagWriting, poller.EdgeTriggered | poller.RdHup | poller.In | poller.Out, false},
		{flagWriting | flagShouldClose, poller.EdgeTriggered | poller.RdHup | poller.Out, false},
		{flagShouldClose, 0, true},
		{flagClosing | flagWriting, 0, true},
	}

	for _, tt := range tests {
		c := &Connection{flags: tt.flags}
		events, closing := c.interest()
		if events != tt.events || closing != tt.closing {
			t.Errorf("flags %#x: events=%#x closing=%v, want %#x %v", tt.flags, events, closing, tt.events, tt.closing)
		}
	}
}
