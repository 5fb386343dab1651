package health

import (
	"runtime"
	"time"

	"github.com/nathannam/console-observability/internal/instrument"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// System describes the host process at probe time.
type System struct {
	CPUEstimate   float64               `json:"cpuEstimate"`
	Goroutines    int                   `json:"goroutines"`
	UptimeSeconds float64               `json:"uptimeSeconds"`
	Memory        telemetry.MemoryUsage `json:"memory"`
}

// Report is posted to the health-report endpoint after every probe.
type Report struct {
	telemetry.HealthSnapshot
	System      System      `json:"system"`
	Application Application `json:"application"`
}

func (p *Probe) report(snap telemetry.HealthSnapshot) Report {
	p.mu.Lock()
	cpu := p.cpu.estimate()
	p.mu.Unlock()

	return Report{
		HealthSnapshot: snap,
		System: System{
			CPUEstimate:   cpu,
			Goroutines:    runtime.NumGoroutine(),
			UptimeSeconds: p.clock.Now().Sub(p.started).Seconds(),
			Memory:        instrument.ReadMemory(),
		},
		Application: p.app,
	}
}

// cpuEstimator derives a rough load percentage from how much slower a fixed
// workload runs than the fastest run observed.
type cpuEstimator struct {
	fastest time.Duration
}

const cpuWorkload = 50000

func (c *cpuEstimator) estimate() float64 {
	start := time.Now()
	x := 0
	for i := 0; i < cpuWorkload; i++ {
		x += i * i % 7
	}
	elapsed := time.Since(start)
	if x < 0 || elapsed <= 0 {
		return 0
	}

	if c.fastest == 0 || elapsed < c.fastest {
		c.fastest = elapsed
	}
	load := (1 - float64(c.fastest)/float64(elapsed)) * 100
	if load < 0 {
		return 0
	}
	return load
}
