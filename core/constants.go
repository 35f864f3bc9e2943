package core

import (
	"errors"
	"time"
)

// Defaults applied to zero Options fields
const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 6969
	DefaultRequestBufferSize  = 8192
	DefaultResponseBufferSize = 8192
	DefaultMaxHeaders         = 128
	DefaultMaxTimerEvents     = 819200
	DefaultIdleTimeout        = 30 * time.Second
	DefaultMaxEvents          = 1024
	DefaultMaxConnections     = 100000
	DefaultFileCacheSize      = 256
)

// Error definitions
var (
	ErrServerClosed   = errors.New("core: server closed")
	ErrAlreadyRunning = errors.New("core: engine already running")
	ErrInvalidHost    = errors.New("core: host is not an IPv4 address")
)
