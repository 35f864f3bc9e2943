package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters. Zero fields leave the runtime default.
type GCConfig struct {
	// GOGC sets the garbage collection target percentage
	GOGC int

	// MemoryLimit sets the soft memory limit in bytes
	MemoryLimit int64
}

// ApplyGCConfig applies cfg and returns the previous GC percentage.
func ApplyGCConfig(cfg GCConfig) int {
	prev := -1
	if cfg.GOGC > 0 {
		prev = debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	AvgPause     time.Duration
	AllocBytes   uint64
	TotalAlloc   uint64
	Sys          uint64
	NumGoroutine int
}

// ReadGCStats returns current GC statistics. It stops the world briefly.
func ReadGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		AllocBytes:   ms.Alloc,
		TotalAlloc:   ms.TotalAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
		PauseTotal:   time.Duration(ms.PauseTotalNs),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
		stats.AvgPause = stats.PauseTotal / time.Duration(ms.NumGC)
	}

	return stats
}

// Fields flattens the stats for the stats endpoint.
func (s GCStats) Fields() map[string]any {
	return map[string]any{
		"num_gc":         s.NumGC,
		"pause_total_us": s.PauseTotal.Microseconds(),
		"last_pause_us":  s.LastPause.Microseconds(),
		"avg_pause_us":   s.AvgPause.Microseconds(),
		"alloc_bytes":    s.AllocBytes,
		"total_alloc":    s.TotalAlloc,
		"sys_bytes":      s.Sys,
		"goroutines":     s.NumGoroutine,
	}
}
