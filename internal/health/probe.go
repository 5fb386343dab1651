// Package health periodically probes the backend health endpoint and keeps
// a bounded history of the results.
package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/ring"
	"github.com/nathannam/console-observability/internal/telemetry"
	"github.com/nathannam/console-observability/internal/transport"
)

const (
	DefaultInterval          = 15 * time.Second
	DefaultTimeout           = 5 * time.Second
	DefaultDegradedThreshold = 2 * time.Second
	HistorySize              = 20
)

// ErrorTracker records probe failures in the telemetry taxonomy.
type ErrorTracker interface {
	TrackError(category telemetry.Category, data telemetry.EventData)
}

// Application identifies the running console in health reports.
type Application struct {
	Version      string          `json:"version"`
	Environment  string          `json:"environment"`
	FeatureFlags map[string]bool `json:"featureFlags,omitempty"`
}

// Probe checks the health endpoint on a fixed cadence.
type Probe struct {
	url               string
	client            *http.Client
	clock             clock.Clock
	interval          time.Duration
	timeout           time.Duration
	degradedThreshold time.Duration
	tracker           ErrorTracker
	reporter          transport.Sender
	app               Application
	logger            *slog.Logger
	onSnapshot        func(telemetry.HealthSnapshot)
	started           time.Time

	history *ring.Buffer[telemetry.HealthSnapshot]

	mu       sync.Mutex
	current  telemetry.HealthSnapshot
	checks   uint64
	failures uint64
	cpu      cpuEstimator
}

// Option configures a Probe.
type Option func(*Probe)

func WithClock(c clock.Clock) Option               { return func(p *Probe) { p.clock = c } }
func WithInterval(d time.Duration) Option          { return func(p *Probe) { p.interval = d } }
func WithTimeout(d time.Duration) Option           { return func(p *Probe) { p.timeout = d } }
func WithDegradedThreshold(d time.Duration) Option { return func(p *Probe) { p.degradedThreshold = d } }
func WithTracker(t ErrorTracker) Option            { return func(p *Probe) { p.tracker = t } }
func WithLogger(l *slog.Logger) Option             { return func(p *Probe) { p.logger = l } }
func WithHTTPClient(c *http.Client) Option         { return func(p *Probe) { p.client = c } }

// WithReporter posts every snapshot, with system and application details,
// to the health endpoint of s.
func WithReporter(s transport.Sender, app Application) Option {
	return func(p *Probe) {
		p.reporter = s
		p.app = app
	}
}

// WithSnapshotHook is called after every probe.
func WithSnapshotHook(fn func(telemetry.HealthSnapshot)) Option {
	return func(p *Probe) { p.onSnapshot = fn }
}

// NewProbe creates a probe for url.
func NewProbe(url string, opts ...Option) *Probe {
	p := &Probe{
		url:               url,
		clock:             clock.Real(),
		interval:          DefaultInterval,
		timeout:           DefaultTimeout,
		degradedThreshold: DefaultDegradedThreshold,
		history:           ring.New[telemetry.HealthSnapshot](HistorySize),
		current:           telemetry.HealthSnapshot{Status: telemetry.HealthUnknown},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if p.logger == nil {
		p.logger = telemetry.GetLogger()
	}
	p.started = p.clock.Now()
	return p
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "Health probe started", "url", p.url, "interval", p.interval)
	p.ProbeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Health probe stopped", "url", p.url)
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs one health check, records it and returns the result.
func (p *Probe) ProbeOnce(ctx context.Context) telemetry.HealthSnapshot {
	snap := p.check(ctx)

	p.mu.Lock()
	p.current = snap
	p.checks++
	if snap.Status != telemetry.HealthHealthy {
		p.failures++
	}
	p.mu.Unlock()
	p.history.Push(snap)

	if snap.Status == telemetry.HealthError && p.tracker != nil {
		p.tracker.TrackError(telemetry.CategoryNetworkError, telemetry.EventData{
			Message: "Health check failed: " + snap.Error,
			Payload: map[string]any{"url": p.url, "latencyMs": snap.LatencyMs},
		})
	}

	if p.reporter != nil {
		if err := p.reporter.Send(ctx, transport.Health, p.report(snap)); err != nil {
			p.logger.WarnContext(ctx, "Failed to send health report", "error", err)
		}
	}
	if p.onSnapshot != nil {
		p.onSnapshot(snap)
	}
	return snap
}

func (p *Probe) check(ctx context.Context) telemetry.HealthSnapshot {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	status, err := p.get(ctx)
	latency := p.clock.Now().Sub(start)

	snap := telemetry.HealthSnapshot{
		StatusCode: status,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		Timestamp:  p.clock.Now(),
	}
	switch {
	case err != nil:
		snap.Status = telemetry.HealthError
		snap.Error = err.Error()
	case status < 200 || status > 299:
		snap.Status = telemetry.HealthUnhealthy
	case latency > p.degradedThreshold:
		snap.Status = telemetry.HealthDegraded
	default:
		snap.Status = telemetry.HealthHealthy
	}
	return snap
}

func (p *Probe) get(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "building health request for %s", p.url)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "probing %s", p.url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Latest returns the most recent snapshot, or status "unknown" before the
// first probe.
func (p *Probe) Latest() telemetry.HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Data is the document returned by GetHealthData.
type Data struct {
	Current       telemetry.HealthSnapshot   `json:"current"`
	History       []telemetry.HealthSnapshot `json:"history"`
	Checks        uint64                     `json:"checks"`
	Failures      uint64                     `json:"failures"`
	UptimeSeconds float64                    `json:"uptimeSeconds"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// GetHealthData returns a fresh copy of the current state and history.
func (p *Probe) GetHealthData() Data {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Data{
		Current:       p.current,
		History:       p.history.Items(),
		Checks:        p.checks,
		Failures:      p.failures,
		UptimeSeconds: now.Sub(p.started).Seconds(),
		Timestamp:     now,
	}
}
