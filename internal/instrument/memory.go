package instrument

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// DefaultMemoryInterval is the sampling cadence when none is configured.
const DefaultMemoryInterval = 30 * time.Second

// ReadMemory samples the Go heap. Limit is the soft memory limit when one
// is set, otherwise the memory obtained from the OS.
func ReadMemory() telemetry.MemoryUsage {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	limit := stats.Sys
	if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
		limit = uint64(soft)
	}
	return telemetry.MemoryUsage{
		Used:  stats.HeapAlloc,
		Total: stats.HeapSys,
		Limit: limit,
	}
}

// MemorySampler reports a memory sample to the hooks on every tick.
type MemorySampler struct {
	Clock    clock.Clock
	Interval time.Duration
	// Read defaults to ReadMemory.
	Read func() telemetry.MemoryUsage
}

func (MemorySampler) Name() string { return "memory-sampler" }

func (s MemorySampler) Install(h *Hooks) (func(), error) {
	c := s.Clock
	if c == nil {
		c = clock.Real()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultMemoryInterval
	}
	read := s.Read
	if read == nil {
		read = ReadMemory
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := c.NewTicker(interval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(h, read)
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (MemorySampler) sample(h *Hooks, read func() telemetry.MemoryUsage) {
	defer h.contain("memory read")
	h.OnMemorySample(read())
}
