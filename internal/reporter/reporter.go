// Package reporter ships buffered telemetry to the collector on fixed
// cadences and purges stale entries.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/dispatch"
	"github.com/nathannam/console-observability/internal/telemetry"
	"github.com/nathannam/console-observability/internal/transport"
)

const (
	DefaultErrorInterval     = 5 * time.Minute
	DefaultAnalyticsInterval = 30 * time.Second
	DefaultCleanupInterval   = time.Hour
	DefaultRetention         = 24 * time.Hour
	DefaultBatchSize         = 50
)

// ErrorBatch is the document posted to the errors endpoint. Escalated
// events are sent alone, without counters.
type ErrorBatch struct {
	Errors    []telemetry.MetricEvent       `json:"errors"`
	Counters  map[telemetry.Category]uint64 `json:"counters,omitempty"`
	SessionID string                        `json:"sessionId"`
	Timestamp time.Time                     `json:"timestamp"`
}

// AnalyticsBatch is the document posted to the analytics endpoint.
type AnalyticsBatch struct {
	Events         []telemetry.AnalyticsEvent `json:"events"`
	UserProperties telemetry.UserProperties   `json:"userProperties"`
}

// Stats counts flush cycles and their outcomes.
type Stats struct {
	ErrorFlushes       uint64         `json:"errorFlushes"`
	ErrorFailures      uint64         `json:"errorFailures"`
	EventsSent         uint64         `json:"eventsSent"`
	AnalyticsFlushes   uint64         `json:"analyticsFlushes"`
	AnalyticsFailures  uint64         `json:"analyticsFailures"`
	AnalyticsSent      uint64         `json:"analyticsSent"`
	Cleanups           uint64         `json:"cleanups"`
	Purged             uint64         `json:"purged"`
	Escalations        uint64         `json:"escalations"`
	LastErrorFlush     time.Time      `json:"lastErrorFlush"`
	LastAnalyticsFlush time.Time      `json:"lastAnalyticsFlush"`
	Dispatch           dispatch.Stats `json:"dispatch"`
}

// Reporter runs the error flush, analytics flush and cleanup cycles.
type Reporter struct {
	events    *telemetry.EventTracker
	analytics *telemetry.AnalyticsTracker
	sender    transport.Sender
	queue     *dispatch.Queue

	clock             clock.Clock
	logger            *slog.Logger
	tracer            trace.Tracer
	errorInterval     time.Duration
	analyticsInterval time.Duration
	cleanupInterval   time.Duration
	retention         time.Duration
	batchSize         int

	// flushMu serializes error flushes so a watermark is never committed
	// twice; analyticsMu does the same for analytics acknowledgements.
	flushMu     sync.Mutex
	mark        telemetry.Watermark
	analyticsMu sync.Mutex

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	errorFlushes      atomic.Uint64
	errorFailures     atomic.Uint64
	eventsSent        atomic.Uint64
	analyticsFlushes  atomic.Uint64
	analyticsFailures atomic.Uint64
	analyticsSent     atomic.Uint64
	cleanups          atomic.Uint64
	purged            atomic.Uint64
	escalations       atomic.Uint64
	lastErrorFlush    atomic.Pointer[time.Time]
	lastAnalytics     atomic.Pointer[time.Time]
}

// Option configures a Reporter.
type Option func(*Reporter)

func WithClock(c clock.Clock) Option       { return func(r *Reporter) { r.clock = c } }
func WithLogger(l *slog.Logger) Option     { return func(r *Reporter) { r.logger = l } }
func WithTracer(t trace.Tracer) Option     { return func(r *Reporter) { r.tracer = t } }
func WithRetention(d time.Duration) Option { return func(r *Reporter) { r.retention = d } }
func WithBatchSize(n int) Option           { return func(r *Reporter) { r.batchSize = n } }

// WithIntervals sets the three cadences. Non-positive values keep the
// defaults.
func WithIntervals(errorFlush, analyticsFlush, cleanup time.Duration) Option {
	return func(r *Reporter) {
		if errorFlush > 0 {
			r.errorInterval = errorFlush
		}
		if analyticsFlush > 0 {
			r.analyticsInterval = analyticsFlush
		}
		if cleanup > 0 {
			r.cleanupInterval = cleanup
		}
	}
}

// New creates a reporter. analytics may be nil. Escalated sends are
// submitted to queue.
func New(events *telemetry.EventTracker, analytics *telemetry.AnalyticsTracker, sender transport.Sender, queue *dispatch.Queue, opts ...Option) *Reporter {
	r := &Reporter{
		events:            events,
		analytics:         analytics,
		sender:            sender,
		queue:             queue,
		clock:             clock.Real(),
		errorInterval:     DefaultErrorInterval,
		analyticsInterval: DefaultAnalyticsInterval,
		cleanupInterval:   DefaultCleanupInterval,
		retention:         DefaultRetention,
		batchSize:         DefaultBatchSize,
		mark:              telemetry.Watermark{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = telemetry.GetLogger()
	}
	if r.tracer == nil {
		r.tracer = telemetry.GetTracer()
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.retention <= 0 {
		r.retention = DefaultRetention
	}
	return r
}

// Start launches the periodic cycles. It is a no-op when already running
// or stopped.
func (r *Reporter) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.running || r.stopped {
		return
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.every(ctx, "errors", r.errorInterval, func(ctx context.Context) { _ = r.FlushErrors(ctx) })
	if r.analytics != nil {
		r.every(ctx, "analytics", r.analyticsInterval, func(ctx context.Context) { _ = r.FlushAnalytics(ctx) })
	}
	r.every(ctx, "cleanup", r.cleanupInterval, func(ctx context.Context) { r.Cleanup(ctx) })

	r.logger.InfoContext(ctx, "Reporter started",
		"error_interval", r.errorInterval,
		"analytics_interval", r.analyticsInterval,
		"cleanup_interval", r.cleanupInterval)
}

func (r *Reporter) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := r.clock.NewTicker(interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runCycle(ctx, name, fn)
			}
		}
	}()
}

func (r *Reporter) runCycle(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WarnContext(ctx, "Reporter cycle panicked", "cycle", name, "panic", p)
		}
	}()
	fn(ctx)
}

// Stop cancels the cycles and performs exactly one final flush. Later
// calls return nil without flushing.
func (r *Reporter) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	if r.stopped {
		r.lifecycleMu.Unlock()
		return nil
	}
	r.stopped = true
	cancel := r.cancel
	r.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	err := r.Flush(ctx)
	r.logger.InfoContext(ctx, "Reporter stopped", "error", err)
	return err
}

// Flush runs one error flush and one analytics flush now.
func (r *Reporter) Flush(ctx context.Context) error {
	errFlush := r.FlushErrors(ctx)
	errAnalytics := r.FlushAnalytics(ctx)
	if errFlush != nil {
		return errFlush
	}
	return errAnalytics
}

// FlushErrors sends the most recent error-family events recorded since the
// last successful flush, with the counter summary, and then the metrics
// snapshot. The watermark only advances when the errors send succeeds.
func (r *Reporter) FlushErrors(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "reporter.flush_errors")
	defer span.End()

	r.errorFlushes.Add(1)
	pending, next := r.events.Pending(r.mark, r.batchSize)
	span.SetAttributes(attribute.Int("events.pending", len(pending)))

	var sendErr error
	if len(pending) > 0 {
		batch := ErrorBatch{
			Errors:    pending,
			Counters:  r.events.Counters(),
			SessionID: r.events.Session().ID,
			Timestamp: r.clock.Now(),
		}
		sendErr = r.sender.Send(ctx, transport.Errors, batch)
		switch {
		case sendErr == nil:
			r.mark = next
			r.eventsSent.Add(uint64(len(pending)))
		case errors.Is(sendErr, transport.ErrNoEndpoint):
			sendErr = nil
		default:
			r.errorFailures.Add(1)
			span.RecordError(sendErr)
			span.SetStatus(codes.Error, "Failed to send error batch")
			r.logger.WarnContext(ctx, "Error batch not delivered, keeping it for the next cycle",
				"events", len(pending), "error", sendErr)
		}
	}

	metrics := telemetry.CollectMetrics(r.events, r.analytics)
	if err := r.sender.Send(ctx, transport.Metrics, metrics); err != nil && !errors.Is(err, transport.ErrNoEndpoint) {
		span.RecordError(err)
		r.logger.WarnContext(ctx, "Metrics snapshot not delivered", "error", err)
		if sendErr == nil {
			sendErr = err
		}
	}

	now := r.clock.Now()
	r.lastErrorFlush.Store(&now)
	return errors.Wrap(sendErr, "flushing errors")
}

// FlushAnalytics sends the buffered analytics events and user properties.
// Events are removed only after a successful send; events recorded during
// the send stay buffered.
func (r *Reporter) FlushAnalytics(ctx context.Context) error {
	if r.analytics == nil {
		return nil
	}
	r.analyticsMu.Lock()
	defer r.analyticsMu.Unlock()

	pending, seq := r.analytics.Pending()
	if len(pending) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "reporter.flush_analytics")
	defer span.End()
	span.SetAttributes(attribute.Int("events.pending", len(pending)))

	r.analyticsFlushes.Add(1)
	err := r.sender.Send(ctx, transport.Analytics, AnalyticsBatch{
		Events:         pending,
		UserProperties: r.analytics.UserProperties(),
	})
	if errors.Is(err, transport.ErrNoEndpoint) {
		return nil
	}
	if err != nil {
		r.analyticsFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to send analytics batch")
		r.logger.WarnContext(ctx, "Analytics batch not delivered, keeping it for the next cycle",
			"events", len(pending), "error", err)
		return errors.Wrap(err, "flushing analytics")
	}

	r.analytics.Acknowledge(seq)
	r.analyticsSent.Add(uint64(len(pending)))
	now := r.clock.Now()
	r.lastAnalytics.Store(&now)
	return nil
}

// Cleanup removes every stored entry older than the retention window and
// returns how many were removed.
func (r *Reporter) Cleanup(ctx context.Context) int {
	_, span := r.tracer.Start(ctx, "reporter.cleanup")
	defer span.End()

	removed := r.events.Cleanup(r.retention)
	if r.analytics != nil {
		removed += r.analytics.Cleanup(r.retention)
	}
	span.SetAttributes(attribute.Int("entries.removed", removed))

	r.cleanups.Add(1)
	r.purged.Add(uint64(removed))
	if removed > 0 {
		r.logger.DebugContext(ctx, "Purged stale telemetry", "removed", removed, "retention", r.retention)
	}
	return removed
}

// EscalateError sends ev on the dispatch queue without waiting. Failures
// are logged by the queue and leave local storage untouched.
func (r *Reporter) EscalateError(ev telemetry.MetricEvent) {
	r.escalate("escalate_error", func(ctx context.Context) error {
		return r.sender.Send(ctx, transport.Errors, ErrorBatch{
			Errors:    []telemetry.MetricEvent{ev},
			SessionID: ev.SessionID,
			Timestamp: r.clock.Now(),
		})
	})
}

// EscalateAnalytics sends an important analytics event without waiting.
// The event leaves the batch buffer only once that send succeeds.
func (r *Reporter) EscalateAnalytics(ev telemetry.AnalyticsEvent) {
	r.escalate("escalate_analytics", func(ctx context.Context) error {
		err := r.sender.Send(ctx, transport.Analytics, AnalyticsBatch{
			Events:         []telemetry.AnalyticsEvent{ev},
			UserProperties: r.analytics.UserProperties(),
		})
		if err != nil {
			return err
		}
		r.analytics.Delivered(ev.ID)
		return nil
	})
}

func (r *Reporter) escalate(name string, task dispatch.Task) {
	r.escalations.Add(1)
	if err := r.queue.Submit(name, task); err != nil {
		r.logger.Warn("Immediate send dropped", "task", name, "error", err)
	}
}

// Stats returns the cycle counters and the dispatch queue outcomes.
func (r *Reporter) Stats() Stats {
	s := Stats{
		ErrorFlushes:      r.errorFlushes.Load(),
		ErrorFailures:     r.errorFailures.Load(),
		EventsSent:        r.eventsSent.Load(),
		AnalyticsFlushes:  r.analyticsFlushes.Load(),
		AnalyticsFailures: r.analyticsFailures.Load(),
		AnalyticsSent:     r.analyticsSent.Load(),
		Cleanups:          r.cleanups.Load(),
		Purged:            r.purged.Load(),
		Escalations:       r.escalations.Load(),
		Dispatch:          r.queue.Stats(),
	}
	if t := r.lastErrorFlush.Load(); t != nil {
		s.LastErrorFlush = *t
	}
	if t := r.lastAnalytics.Load(); t != nil {
		s.LastAnalyticsFlush = *t
	}
	return s
}
