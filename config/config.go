package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/loom/core"
	"github.com/searchktools/loom/core/pools"
)

const somaxconnPath = "/proc/sys/net/core/somaxconn"

// Config holds all application configuration.
type Config struct {
	Host               string `config:"host"`
	Port               int    `config:"port"`
	Backlog            int    `config:"backlog"`
	RequestBufferSize  int    `config:"request_buffer"`
	ResponseBufferSize int    `config:"response_buffer"`
	MaxHeaders         int    `config:"max_headers"`
	MaxTimerEvents     int    `config:"max_timer_events"`
	IdleTimeout        int    `config:"idle_timeout"` // seconds
	MaxEvents          int    `config:"max_events"`
	MaxConnections     int    `config:"max_connections"`
	FileCacheSize      int    `config:"file_cache_size"`
	Env                string `config:"env"`
	GOGC               int    `config:"gogc"`            // 0 keeps the runtime default
	MemoryLimitMB      int    `config:"memory_limit_mb"` // 0 means no limit

	File string `config:"-"` // path given with --config
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:               core.DefaultHost,
		Port:               core.DefaultPort,
		Backlog:            Somaxconn(),
		RequestBufferSize:  core.DefaultRequestBufferSize,
		ResponseBufferSize: core.DefaultResponseBufferSize,
		MaxHeaders:         core.DefaultMaxHeaders,
		MaxTimerEvents:     core.DefaultMaxTimerEvents,
		IdleTimeout:        int(core.DefaultIdleTimeout / time.Second),
		MaxEvents:          core.DefaultMaxEvents,
		MaxConnections:     core.DefaultMaxConnections,
		FileCacheSize:      core.DefaultFileCacheSize,
		Env:                "development",
	}
}

// Somaxconn returns the kernel's listen backlog limit, or SOMAXCONN when it
// cannot be read.
func Somaxconn() int {
	data, err := os.ReadFile(somaxconnPath)
	if err != nil {
		return unix.SOMAXCONN
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return unix.SOMAXCONN
	}
	return n
}

// New loads configuration from the command line and environment. It exits
// with status 0 after --help and status 1 on invalid input.
func New() *Config {
	cfg, err := Load(os.Args[1:], os.Environ())
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Load layers defaults, the JSON file named by --config (or LOOM_CONFIG),
// LOOM_* variables from environ (PORT is accepted for the port) and finally
// explicit flags, then validates the result. --help yields flag.ErrHelp.
func Load(args []string, environ []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("loom", flag.ContinueOnError)
	shown := *cfg
	fs.StringVar(&shown.Host, "host", shown.Host, "IPv4 address to listen on")
	fs.IntVar(&shown.Port, "port", shown.Port, "TCP port (1-65535)")
	fs.IntVar(&shown.Backlog, "backlog", shown.Backlog, "listen backlog (1-somaxconn)")
	fs.IntVar(&shown.RequestBufferSize, "request-buffer", shown.RequestBufferSize, "per-connection request buffer in bytes")
	fs.IntVar(&shown.ResponseBufferSize, "response-buffer", shown.ResponseBufferSize, "per-connection response buffer in bytes")
	fs.IntVar(&shown.MaxHeaders, "max-headers", shown.MaxHeaders, "headers kept per request")
	fs.IntVar(&shown.MaxTimerEvents, "max-timer-events", shown.MaxTimerEvents, "idle timer capacity")
	fs.IntVar(&shown.IdleTimeout, "idle-timeout", shown.IdleTimeout, "idle connection timeout (seconds)")
	fs.IntVar(&shown.MaxEvents, "max-events", shown.MaxEvents, "events per epoll wait")
	fs.IntVar(&shown.MaxConnections, "max-connections", shown.MaxConnections, "concurrent connection limit")
	fs.IntVar(&shown.FileCacheSize, "file-cache-size", shown.FileCacheSize, "open files kept for static routes")
	fs.StringVar(&shown.Env, "env", shown.Env, "Environment (development/production)")
	fs.IntVar(&shown.GOGC, "gogc", shown.GOGC, "GC target percentage (0 = runtime default)")
	fs.IntVar(&shown.MemoryLimitMB, "memory-limit-mb", shown.MemoryLimitMB, "soft memory limit in MiB (0 = none)")
	fs.StringVar(&shown.File, "config", "", "JSON configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	m := NewManager()
	env := NewManager()
	env.LoadFromEnv("LOOM", environ)

	cfg.File = shown.File
	if cfg.File == "" {
		cfg.File = env.GetString("config")
	}
	if cfg.File != "" {
		if err := m.LoadFromJSON(cfg.File); err != nil {
			return nil, err
		}
	}

	if port, ok := lookup(environ, "PORT"); ok {
		m.Set("port", port, "env")
	}
	for key, value := range env.GetAll() {
		m.Set(key, value, "env")
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name != "config" {
			m.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String(), "flag")
		}
	})

	if err := m.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookup(environ []string, name string) (string, bool) {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == name {
			return v, true
		}
	}
	return "", false
}

// Validate checks ranges: port 1-65535, backlog 1-somaxconn, every size positive.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if limit := Somaxconn(); c.Backlog < 1 || c.Backlog > limit {
		return fmt.Errorf("backlog %d out of range 1-%d", c.Backlog, limit)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"request_buffer", c.RequestBufferSize},
		{"response_buffer", c.ResponseBufferSize},
		{"max_headers", c.MaxHeaders},
		{"max_timer_events", c.MaxTimerEvents},
		{"idle_timeout", c.IdleTimeout},
		{"max_events", c.MaxEvents},
		{"max_connections", c.MaxConnections},
		{"file_cache_size", c.FileCacheSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.GOGC < 0 || c.MemoryLimitMB < 0 {
		return fmt.Errorf("gogc and memory_limit_mb must not be negative")
	}
	return nil
}

// GCConfig maps the GC settings onto pools.GCConfig.
func (c *Config) GCConfig() pools.GCConfig {
	return pools.GCConfig{
		GOGC:        c.GOGC,
		MemoryLimit: int64(c.MemoryLimitMB) << 20,
	}
}

// EngineOptions maps the configuration onto core.Options.
func (c *Config) EngineOptions() core.Options {
	return core.Options{
		Host:               c.Host,
		Port:               c.Port,
		Backlog:            c.Backlog,
		RequestBufferSize:  c.RequestBufferSize,
		ResponseBufferSize: c.ResponseBufferSize,
		MaxHeaders:         c.MaxHeaders,
		MaxTimerEvents:     c.MaxTimerEvents,
		IdleTimeout:        time.Duration(c.IdleTimeout) * time.Second,
		MaxEvents:          c.MaxEvents,
		MaxConnections:     c.MaxConnections,
		FileCacheSize:      c.FileCacheSize,
	}
}
