// Package stats counts what the server does and serves the counters over HTTP.
package stats

import (
	"sync/atomic"
	"time"
)

// Monitor holds server counters. The reactor goroutine writes them; any
// goroutine may read a Snapshot.
type Monitor struct {
	started time.Time

	accepted     atomic.Uint64
	active       atomic.Int64
	closed       atomic.Uint64
	timedOut     atomic.Uint64
	rejected     atomic.Uint64
	acceptErrors atomic.Uint64
	ioErrors     atomic.Uint64

	requests      atomic.Uint64
	handlerErrors atomic.Uint64
	byClass       [6]atomic.Uint64 // index = status/100, 0 for out of range
	totalDuration atomic.Uint64

	latencyBuckets [len(latencyBounds) + 1]atomic.Uint64
}

// Upper bounds of the handler latency buckets; the last bucket is open.
var latencyBounds = [...]time.Duration{
	50 * time.Microsecond,
	100 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}

// NewMonitor creates a monitor with the uptime clock started.
func NewMonitor() *Monitor {
	return &Monitor{started: time.Now()}
}

// ConnAccepted records a new registered connection.
func (m *Monitor) ConnAccepted() {
	m.accepted.Add(1)
	m.active.Add(1)
}

// ConnClosed records a connection teardown.
func (m *Monitor) ConnClosed() {
	m.closed.Add(1)
	m.active.Add(-1)
}

// ConnTimedOut records a teardown caused by the idle timer. ConnClosed is
// still called for the same connection.
func (m *Monitor) ConnTimedOut() { m.timedOut.Add(1) }

// ConnRejected records an accepted socket closed at once (limit reached or setup failure).
func (m *Monitor) ConnRejected() { m.rejected.Add(1) }

// AcceptError records a failed accept.
func (m *Monitor) AcceptError() { m.acceptErrors.Add(1) }

// IOError records a read or write failure on a client socket.
func (m *Monitor) IOError() { m.ioErrors.Add(1) }

// HandlerError records a handler that returned an error.
func (m *Monitor) HandlerError() { m.handlerErrors.Add(1) }

// RecordResponse records one serialized response and the time spent producing it.
func (m *Monitor) RecordResponse(status int, d time.Duration) {
	m.requests.Add(1)

	class := status / 100
	if class < 1 || class > 5 {
		class = 0
	}
	m.byClass[class].Add(1)

	if d < 0 {
		d = 0
	}
	m.totalDuration.Add(uint64(d))

	idx := len(latencyBounds)
	for i, bound := range latencyBounds {
		if d < bound {
			idx = i
			break
		}
	}
	m.latencyBuckets[idx].Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime time.Duration

	Accepted     uint64
	Active       int64
	Closed       uint64
	TimedOut     uint64
	Rejected     uint64
	AcceptErrors uint64
	IOErrors     uint64

	Requests      uint64
	HandlerErrors uint64
	Responses     [6]uint64
	AvgLatency    time.Duration
	Latency       [len(latencyBounds) + 1]uint64
}

// Snapshot reads every counter.
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		Uptime:        time.Since(m.started),
		Accepted:      m.accepted.Load(),
		Active:        m.active.Load(),
		Closed:        m.closed.Load(),
		TimedOut:      m.timedOut.Load(),
		Rejected:      m.rejected.Load(),
		AcceptErrors:  m.acceptErrors.Load(),
		IOErrors:      m.ioErrors.Load(),
		Requests:      m.requests.Load(),
		HandlerErrors: m.handlerErrors.Load(),
	}
	for i := range m.byClass {
		s.Responses[i] = m.byClass[i].Load()
	}
	for i := range m.latencyBuckets {
		s.Latency[i] = m.latencyBuckets[i].Load()
	}
	if s.Requests > 0 {
		s.AvgLatency = time.Duration(m.totalDuration.Load() / s.Requests)
	}
	return s
}
