package core

import "github.com/searchktools/loom/core/pools"

// PoolStats is a snapshot of the engine's registry, timer and buffer pools.
// It is read on the reactor goroutine (from a handler) or after Run returns.
type PoolStats struct {
	Registry  RegistryStats
	Timer     TimerStats
	BytePool  BytePoolStats
	OpenFiles int
	GC        pools.GCStats
}

type RegistryStats struct {
	Live    int
	Clients int
	Inserts uint64
	Removes uint64
}

type TimerStats struct {
	Pending  int
	Capacity int
}

type BytePoolStats struct {
	Gets uint64
	Puts uint64
}

// PoolStats returns statistics for the registry and all memory pools
func (e *Engine) PoolStats() PoolStats {
	stats := PoolStats{
		OpenFiles: e.files.Len(),
		GC:        pools.ReadGCStats(),
	}

	stats.Registry.Live = e.registry.Len()
	stats.Registry.Clients = e.clients
	stats.Registry.Inserts, stats.Registry.Removes = e.registry.Stats()

	stats.Timer.Pending = e.timer.Len()
	stats.Timer.Capacity = e.opts.MaxTimerEvents

	stats.BytePool.Gets, stats.BytePool.Puts = e.pool.Stats()

	return stats
}

// Fields flattens the stats for the stats endpoint.
func (s PoolStats) Fields() map[string]any {
	return map[string]any{
		"registry": map[string]any{
			"live":    s.Registry.Live,
			"clients": s.Registry.Clients,
			"inserts": s.Registry.Inserts,
			"removes": s.Registry.Removes,
		},
		"timer": map[string]any{
			"pending":  s.Timer.Pending,
			"capacity": s.Timer.Capacity,
		},
		"byte_pool": map[string]any{
			"gets": s.BytePool.Gets,
			"puts": s.BytePool.Puts,
		},
		"open_files": s.OpenFiles,
		"gc":         s.GC.Fields(),
	}
}
