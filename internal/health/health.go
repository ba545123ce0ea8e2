// Package health periodically samples this process's own Go runtime stats.
// A Maelstrom node has no container to inspect for cgroup memory limits, so
// this samples runtime.ReadMemStats/NumGoroutine instead and logs the
// result — there is nowhere to serve a /healthz endpoint from, since stdout
// is reserved for the wire protocol.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Stats is one snapshot of process health.
type Stats struct {
	Goroutines int
	HeapAlloc  uint64
	NumGC      uint32
}

// Sample reads the current snapshot.
func Sample() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		NumGC:      m.NumGC,
	}
}

// Run logs a Stats snapshot every interval until ctx is cancelled. It is
// started as best-effort background work by cmd/*/main.go; a node that
// never logs health data still functions correctly, so this never returns
// an error that would tear down the process.
func Run(ctx context.Context, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := Sample()
			logger.Info().
				Int("goroutines", s.Goroutines).
				Uint64("heap_alloc_bytes", s.HeapAlloc).
				Uint32("num_gc", s.NumGC).
				Msg("health sample")
		}
	}
}
