package core

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/loom/core/http"
	"github.com/searchktools/loom/core/middleware"
	"github.com/searchktools/loom/core/poller"
	"github.com/searchktools/loom/core/pools"
	"github.com/searchktools/loom/core/router"
	"github.com/searchktools/loom/core/static"
	"github.com/searchktools/loom/core/stats"
	"github.com/searchktools/loom/core/timer"
)

// Options are the fixed limits of an Engine. Zero fields take the defaults
// from constants.go; Port 0 binds an ephemeral port.
type Options struct {
	Host               string
	Port               int
	Backlog            int
	RequestBufferSize  int
	ResponseBufferSize int
	MaxHeaders         int
	MaxTimerEvents     int
	IdleTimeout        time.Duration
	MaxEvents          int
	MaxConnections     int
	FileCacheSize      int
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Host:               DefaultHost,
		Port:               DefaultPort,
		Backlog:            unix.SOMAXCONN,
		RequestBufferSize:  DefaultRequestBufferSize,
		ResponseBufferSize: DefaultResponseBufferSize,
		MaxHeaders:         DefaultMaxHeaders,
		MaxTimerEvents:     DefaultMaxTimerEvents,
		IdleTimeout:        DefaultIdleTimeout,
		MaxEvents:          DefaultMaxEvents,
		MaxConnections:     DefaultMaxConnections,
		FileCacheSize:      DefaultFileCacheSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.Port < 0 {
		o.Port = d.Port
	}
	if o.Backlog <= 0 {
		o.Backlog = d.Backlog
	}
	if o.RequestBufferSize <= 0 {
		o.RequestBufferSize = d.RequestBufferSize
	}
	if o.ResponseBufferSize <= 0 {
		o.ResponseBufferSize = d.ResponseBufferSize
	}
	if o.MaxHeaders <= 0 {
		o.MaxHeaders = d.MaxHeaders
	}
	if o.MaxTimerEvents <= 0 {
		o.MaxTimerEvents = d.MaxTimerEvents
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = d.MaxEvents
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = d.MaxConnections
	}
	if o.FileCacheSize <= 0 {
		o.FileCacheSize = d.FileCacheSize
	}
	return o
}

// Engine is a single-threaded edge-triggered epoll HTTP/1.1 server.
//
// Routes are registered before Run and are read-only afterwards. Run owns
// every descriptor and buffer; Shutdown is the only method that may be called
// from another goroutine while Run is active.
type Engine struct {
	opts Options

	router     *router.RadixRouter
	middleware *middleware.Pipeline
	pool       *pools.BytePool
	stats      *stats.Monitor
	files      *static.FileCache
	static     *static.Server
	env        connEnv

	poller   *poller.EpollPoller
	registry *pools.Slab[item]
	timer    *timer.Timer
	clock    *timer.TimerFD
	clients  int

	shutdownMu sync.Mutex // guards shutdownFd against Shutdown racing release
	shutdownFd int
	listenFd   int

	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewEngine creates an engine with its epoll instance, shutdown eventfd and
// idle timer. Call Listen (or Run) to bind the socket.
func NewEngine(opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	e := &Engine{
		opts:       opts,
		router:     router.NewRadixRouter(),
		middleware: middleware.NewPipeline(),
		pool:       pools.NewBytePool(),
		stats:      stats.NewMonitor(),
		files:      static.NewFileCache(opts.FileCacheSize),
		registry:   pools.NewSlab[item](0),
		shutdownFd: -1,
		listenFd:   -1,
		done:       make(chan struct{}),
	}
	e.static = static.NewServer(e.files, e.pool, opts.ResponseBufferSize)
	e.env = connEnv{routes: e.router, pool: e.pool, stats: e.stats}

	if err := e.setup(); err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

func (e *Engine) setup() error {
	var err error
	if e.poller, err = poller.NewPoller(e.opts.MaxEvents); err != nil {
		return fmt.Errorf("epoll create: %w", err)
	}

	if e.clock, err = timer.NewTimerFD(); err != nil {
		return err
	}
	e.timer = timer.New(e.opts.MaxTimerEvents, e.clock, e.relocate)
	if _, err := e.register(kindTimer, e.clock.Fd(), nil, poller.In|poller.EdgeTriggered); err != nil {
		return err
	}

	if e.shutdownFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		e.shutdownFd = -1
		return fmt.Errorf("eventfd: %w", err)
	}
	if _, err := e.register(kindShutdown, e.shutdownFd, nil, poller.In); err != nil {
		return err
	}
	return nil
}

// Use adds middleware applied to routes registered after the call.
func (e *Engine) Use(mw ...middleware.Middleware) {
	e.middleware.Use(mw...)
}

// Handle registers a route for method.
func (e *Engine) Handle(method, path string, handler http.HandlerFunc) {
	e.router.Add(method, path, e.middleware.Then(handler))
}

// GET registers a GET route
func (e *Engine) GET(path string, handler http.HandlerFunc) {
	e.Handle("GET", path, handler)
}

// POST registers a POST route
func (e *Engine) POST(path string, handler http.HandlerFunc) {
	e.Handle("POST", path, handler)
}

// PUT registers a PUT route
func (e *Engine) PUT(path string, handler http.HandlerFunc) {
	e.Handle("PUT", path, handler)
}

// DELETE registers a DELETE route
func (e *Engine) DELETE(path string, handler http.HandlerFunc) {
	e.Handle("DELETE", path, handler)
}

// PATCH registers a PATCH route
func (e *Engine) PATCH(path string, handler http.HandlerFunc) {
	e.Handle("PATCH", path, handler)
}

// HEAD registers a HEAD route
func (e *Engine) HEAD(path string, handler http.HandlerFunc) {
	e.Handle("HEAD", path, handler)
}

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(path string, handler http.HandlerFunc) {
	e.Handle("OPTIONS", path, handler)
}

// File serves one file at path.
func (e *Engine) File(path, file string, ct http.ContentType) {
	e.GET(path, e.static.File(file, ct))
}

// Static serves the tree below root under prefix.
func (e *Engine) Static(prefix, root string) {
	e.GET(strings.TrimSuffix(prefix, "/")+"/*filepath", e.static.Dir(root, "filepath"))
}

// Stats returns the engine's counters.
func (e *Engine) Stats() *stats.Monitor {
	return e.stats
}

// StatsHandler serves the counters together with registry, timer and pool figures.
func (e *Engine) StatsHandler() http.HandlerFunc {
	return stats.Handler(e.stats, e.pool, func() map[string]any {
		return e.PoolStats().Fields()
	})
}

// Listen binds and registers the listening socket. Run calls it if needed.
func (e *Engine) Listen() error {
	if e.closed.Load() {
		return ErrServerClosed
	}
	if e.listenFd >= 0 {
		return nil
	}

	ip, err := resolveIPv4(e.opts.Host)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: e.opts.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s:%d: %w", e.opts.Host, e.opts.Port, err)
	}
	if err := unix.Listen(fd, e.opts.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	if _, err := e.register(kindListener, fd, nil, poller.In|poller.EdgeTriggered); err != nil {
		unix.Close(fd)
		return err
	}
	e.listenFd = fd

	log.Printf("🚀 loom listening on %s", e.Addr())
	log.Printf("⚡ epoll edge-triggered, %d events per wait, idle timeout %s", e.opts.MaxEvents, e.opts.IdleTimeout)
	log.Printf("📊 buffers: request %dB, response %dB, %d headers, %d connections max",
		e.opts.RequestBufferSize, e.opts.ResponseBufferSize, e.opts.MaxHeaders, e.opts.MaxConnections)
	return nil
}

func resolveIPv4(host string) (net.IP, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return ip, nil
}

// Addr returns the bound address, or "" before Listen.
func (e *Engine) Addr() string {
	if e.listenFd < 0 {
		return ""
	}
	sa, err := unix.Getsockname(e.listenFd)
	if err != nil {
		return ""
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	return net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
}

// Run serves until Shutdown is called or the event loop fails, then releases
// every resource. It returns nil after a shutdown.
func (e *Engine) Run() error {
	if e.closed.Load() {
		return ErrServerClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)
	defer e.release()

	if err := e.Listen(); err != nil {
		return err
	}

	err := e.run()
	if err != nil {
		log.Printf("event loop failed: %v", err)
	}
	log.Printf("🛑 shutting down, closing %d connections", e.clients)
	return err
}

// Shutdown asks Run to return. It is safe from any goroutine, including a
// signal handler, and before Run has started.
func (e *Engine) Shutdown() {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()
	if e.shutdownFd < 0 {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(e.shutdownFd, buf[:])
}

// Close releases the engine. If Run is active it is shut down first and
// Close waits for it to return. Close is idempotent.
func (e *Engine) Close() error {
	if e.running.Load() {
		e.Shutdown()
		<-e.done
		return nil
	}
	e.release()
	return nil
}

// release tears down clients, then the listener, timer, epoll and eventfd.
func (e *Engine) release() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		if e.poller != nil && e.timer != nil {
			e.closeClients()
		}
		if e.listenFd >= 0 {
			unix.Close(e.listenFd)
			e.listenFd = -1
		}
		if e.clock != nil {
			e.clock.Close()
		}
		if e.poller != nil {
			e.poller.Close()
		}
		e.shutdownMu.Lock()
		if e.shutdownFd >= 0 {
			unix.Close(e.shutdownFd)
			e.shutdownFd = -1
		}
		e.shutdownMu.Unlock()
		e.files.Close()
	})
}
