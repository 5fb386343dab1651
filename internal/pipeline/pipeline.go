// Package pipeline wires the trackers, instrumentation, reporter, health
// probe and fallback cache into one object owned by the host.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/config"
	"github.com/nathannam/console-observability/internal/dispatch"
	"github.com/nathannam/console-observability/internal/fallback"
	"github.com/nathannam/console-observability/internal/health"
	"github.com/nathannam/console-observability/internal/instrument"
	"github.com/nathannam/console-observability/internal/reporter"
	"github.com/nathannam/console-observability/internal/telemetry"
	"github.com/nathannam/console-observability/internal/transport"
)

// State is the pipeline lifecycle stage.
type State string

const (
	StateInitialized State = "initialized"
	StateActive      State = "active"
	StateDisposed    State = "disposed"
)

// Stats aggregates the tracker, reporter and registry counters.
type Stats struct {
	State     State                  `json:"state"`
	Tracker   telemetry.TrackerStats `json:"tracker"`
	Reporter  reporter.Stats         `json:"reporter"`
	Observers int                    `json:"observers"`
}

// Pipeline owns every component of the observability pipeline.
type Pipeline struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *slog.Logger

	session   telemetry.Session
	observers *telemetry.ObserverRegistry
	events    *telemetry.EventTracker
	analytics *telemetry.AnalyticsTracker
	hooks     *instrument.Hooks
	adapters  []instrument.Adapter
	sender    transport.Sender
	queue     *dispatch.Queue
	reporter  *reporter.Reporter
	probe     *health.Probe
	cache     *fallback.Cache

	// writes runs fallback store writes off the recording goroutine.
	writes *dispatch.Queue

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	clock       clock.Clock
	logger      *slog.Logger
	meter       metric.Meter
	sender      transport.Sender
	kv          fallback.KV
	page        telemetry.Page
	userID      func() string
	props       *telemetry.UserProperties
	adapters    []instrument.Adapter
	probeClient *http.Client
}

// Option configures a Pipeline.
type Option func(*options)

func WithClock(c clock.Clock) Option          { return func(o *options) { o.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(o *options) { o.logger = l } }
func WithMeter(m metric.Meter) Option         { return func(o *options) { o.meter = m } }
func WithPage(p telemetry.Page) Option        { return func(o *options) { o.page = p } }
func WithUserID(fn func() string) Option      { return func(o *options) { o.userID = fn } }
func WithProbeClient(c *http.Client) Option   { return func(o *options) { o.probeClient = c } }
func WithFallbackStore(kv fallback.KV) Option { return func(o *options) { o.kv = kv } }
func WithSender(s transport.Sender) Option    { return func(o *options) { o.sender = s } }

// WithAdapters replaces DefaultAdapters. Passing none installs nothing.
func WithAdapters(a ...instrument.Adapter) Option {
	return func(o *options) { o.adapters = append([]instrument.Adapter{}, a...) }
}

// WithUserProperties replaces the properties resolved from the process
// environment.
func WithUserProperties(p telemetry.UserProperties) Option {
	return func(o *options) { o.props = &p }
}

// DefaultAdapters are installed when no adapters are given: the process
// default slog logger and a Go runtime memory sampler.
func DefaultAdapters(cfg *config.Config, c clock.Clock) []instrument.Adapter {
	return []instrument.Adapter{
		instrument.DefaultLoggerAdapter{},
		instrument.MemorySampler{Clock: c, Interval: cfg.Intervals.MemorySample},
	}
}

// New builds a pipeline from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = telemetry.GetLogger()
	}
	if o.meter == nil {
		o.meter = telemetry.GetMeter()
	}
	if o.page == nil {
		o.page = telemetry.StaticPage{}
	}
	if o.adapters == nil {
		o.adapters = DefaultAdapters(cfg, o.clock)
	}

	collectorURLs, err := cfg.Endpoints.CollectorURLs()
	if err != nil {
		return nil, errors.Wrap(err, "resolving collector endpoints")
	}
	healthURL, err := cfg.Endpoints.Resolve(cfg.Endpoints.HealthCheck)
	if err != nil {
		return nil, errors.Wrap(err, "resolving health check endpoint")
	}

	p := &Pipeline{
		cfg:      cfg,
		clock:    o.clock,
		logger:   o.logger,
		session:  telemetry.NewSession(o.clock.Now()),
		adapters: o.adapters,
		state:    StateInitialized,
	}

	kv := o.kv
	if kv == nil {
		kv = fallback.NewMemoryKV()
		if cfg.Fallback.Path != "" {
			fileKV, err := fallback.NewFileKV(cfg.Fallback.Path)
			if err != nil {
				return nil, errors.Wrap(err, "opening fallback store")
			}
			kv = fileKV
		}
	}

	sender := o.sender
	if sender == nil {
		if sender, err = transport.New(cfg, p.session.ID); err != nil {
			return nil, errors.Wrap(err, "creating transport")
		}
	}
	p.sender = sender

	p.cache = fallback.NewCache(kv, cfg.Fallback.MaxEntries, o.logger)
	p.writes = dispatch.New(cfg.Dispatch.QueueSize, cfg.Dispatch.Timeout, dispatch.WithLogger(o.logger))

	p.observers = telemetry.NewObserverRegistry(o.logger)
	common := []telemetry.Option{
		telemetry.WithClock(o.clock),
		telemetry.WithLogger(o.logger),
		telemetry.WithMeter(o.meter),
		telemetry.WithSession(p.session),
		telemetry.WithPage(o.page),
		telemetry.WithObservers(p.observers),
	}
	if o.userID != nil {
		common = append(common, telemetry.WithUserID(o.userID))
	}

	with := func(extra ...telemetry.Option) []telemetry.Option {
		return append(append([]telemetry.Option{}, common...), extra...)
	}

	p.events = telemetry.NewEventTracker(with(
		telemetry.WithCapacity(cfg.Buffers.Capacity),
		telemetry.WithFallback(fallback.NewAsync(p.cache, p.writes)),
	)...)

	analyticsOpts := with(
		telemetry.WithCapacity(cfg.Buffers.AnalyticsCapacity),
		telemetry.WithImportantEvents(cfg.Analytics.ImportantEvents...),
	)
	if o.props != nil {
		analyticsOpts = append(analyticsOpts, telemetry.WithUserProperties(*o.props))
	}
	p.analytics = telemetry.NewAnalyticsTracker(analyticsOpts...)

	p.queue = dispatch.New(cfg.Dispatch.QueueSize, cfg.Dispatch.Timeout,
		dispatch.WithLogger(o.logger),
		dispatch.WithMeter(o.meter),
	)
	p.reporter = reporter.New(p.events, p.analytics, p.sender, p.queue,
		reporter.WithClock(o.clock),
		reporter.WithLogger(o.logger),
		reporter.WithIntervals(cfg.Intervals.ErrorFlush, cfg.Intervals.AnalyticsFlush, cfg.Intervals.Cleanup),
		reporter.WithRetention(cfg.Retention),
		reporter.WithBatchSize(cfg.Buffers.BatchSize),
	)
	p.events.SetEscalator(p.reporter)
	p.analytics.SetEscalator(p.reporter)

	p.hooks = instrument.New(p.events, p.analytics,
		instrument.WithLogger(o.logger),
		instrument.WithIgnoredURLs(urlFilter(collectorURLs)),
	)

	if healthURL != "" {
		p.probe = p.newProbe(healthURL, o)
	}
	return p, nil
}

func (p *Pipeline) newProbe(target string, o options) *health.Probe {
	probeOpts := []health.Option{
		health.WithClock(o.clock),
		health.WithLogger(o.logger),
		health.WithInterval(p.cfg.Intervals.HealthProbe),
		health.WithTimeout(p.cfg.Health.Timeout),
		health.WithDegradedThreshold(p.cfg.Health.DegradedThreshold),
		health.WithTracker(p.events),
	}
	if p.cfg.Endpoints.HealthReport != "" {
		probeOpts = append(probeOpts, health.WithReporter(p.sender, health.Application{
			Version:      p.cfg.Version,
			Environment:  p.cfg.Environment,
			FeatureFlags: p.cfg.FeatureFlags,
		}))
	}
	if o.probeClient != nil {
		probeOpts = append(probeOpts, health.WithHTTPClient(o.probeClient))
	}
	return health.NewProbe(target, probeOpts...)
}

// urlFilter matches the collector URLs, ignoring query and fragment.
func urlFilter(urls []string) func(string) bool {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return func(raw string) bool {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		_, ok := set[raw]
		return ok
	}
}

// Start installs the instrumentation and starts the reporter and health
// probe. Calling Start on an active pipeline does nothing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateActive:
		return nil
	case StateDisposed:
		return ErrDisposed
	}

	p.events.Init()
	p.analytics.Init()
	p.hooks.Install(p.adapters...)

	ctx, p.cancel = context.WithCancel(ctx)
	p.reporter.Start(ctx)
	if p.probe != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.probe.Run(ctx)
		}()
	}

	p.state = StateActive
	p.logger.InfoContext(ctx, "Observability pipeline started",
		"session_id", p.session.ID,
		"service", p.cfg.ServiceName,
		"transport", p.cfg.Transport.Kind)
	return nil
}

// Dispose stops every cycle and observer, performs exactly one final
// flush, drains the dispatch queues and closes the transport. Later calls
// return nil.
func (p *Pipeline) Dispose(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDisposed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDisposed
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.hooks.Uninstall()

	var errs []error
	if err := p.reporter.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.writes.Close(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "draining fallback writes"))
	}
	if err := p.sender.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "closing transport"))
	}

	p.logger.InfoContext(ctx, "Observability pipeline disposed", "session_id", p.session.ID, "errors", len(errs))
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// State returns the lifecycle stage.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Config() *config.Config                 { return p.cfg }
func (p *Pipeline) Session() telemetry.Session             { return p.session }
func (p *Pipeline) Events() *telemetry.EventTracker        { return p.events }
func (p *Pipeline) Analytics() *telemetry.AnalyticsTracker { return p.analytics }
func (p *Pipeline) Hooks() *instrument.Hooks               { return p.hooks }
func (p *Pipeline) Reporter() *reporter.Reporter           { return p.reporter }
func (p *Pipeline) Fallback() *fallback.Cache              { return p.cache }

// Subscribe registers fn for category, or telemetry.CategoryAll.
func (p *Pipeline) Subscribe(category telemetry.Category, fn telemetry.Observer) (unsubscribe func()) {
	return p.observers.Subscribe(category, fn)
}

// Flush sends the buffered errors, metrics and analytics now.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.reporter.Flush(ctx)
}

// GetMetrics returns a fresh metrics snapshot.
func (p *Pipeline) GetMetrics() telemetry.MetricsSnapshot {
	return telemetry.CollectMetrics(p.events, p.analytics)
}

// GetHealthData returns the probe state. Without a health-check endpoint
// the status is unknown.
func (p *Pipeline) GetHealthData() health.Data {
	if p.probe == nil {
		return health.Data{
			Current:   telemetry.HealthSnapshot{Status: telemetry.HealthUnknown},
			History:   []telemetry.HealthSnapshot{},
			Timestamp: p.clock.Now(),
		}
	}
	return p.probe.GetHealthData()
}

// GetStats returns the tracker, reporter and registry counters.
func (p *Pipeline) GetStats() Stats {
	tracker := p.events.Stats()
	tracker.AnalyticsBuffered = p.analytics.Buffered()
	return Stats{
		State:     p.State(),
		Tracker:   tracker,
		Reporter:  p.reporter.Stats(),
		Observers: p.observers.Len(),
	}
}
