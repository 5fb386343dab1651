package telemetry

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/ring"
)

// Appender persists raw records for offline diagnostics. It is called on
// the recording goroutine and must not block.
type Appender interface {
	Append(record any) error
}

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	meter     metric.Meter
	page      Page
	userID    func() string
	session   *Session
	capacity  int
	observers *ObserverRegistry
	fallback  Appender
	important []string
	props     *UserProperties
}

// Option configures a tracker.
type Option func(*options)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Defaults to GetLogger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeter sets the meter used for the OpenTelemetry counters.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithPage sets the page context stamped onto events.
func WithPage(p Page) Option {
	return func(o *options) { o.page = p }
}

// WithUserID sets the resolver for the current user id. An empty result
// is recorded as AnonymousUser.
func WithUserID(fn func() string) Option {
	return func(o *options) { o.userID = fn }
}

// WithSession shares a session between trackers.
func WithSession(s Session) Option {
	return func(o *options) { o.session = &s }
}

// WithCapacity sets the ring-buffer capacity for each group.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithObservers sets the registry notified for each recorded event.
func WithObservers(r *ObserverRegistry) Option {
	return func(o *options) { o.observers = r }
}

// WithFallback sets the local cache that receives error-family events.
func WithFallback(a Appender) Option {
	return func(o *options) { o.fallback = a }
}

// WithImportantEvents sets the analytics event names sent immediately.
func WithImportantEvents(names ...string) Option {
	return func(o *options) { o.important = names }
}

// WithUserProperties sets the resolved environment properties.
func WithUserProperties(p UserProperties) Option {
	return func(o *options) { o.props = &p }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    clock.Real(),
		page:     StaticPage{},
		capacity: ring.DefaultCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = GetLogger()
	}
	if o.meter == nil {
		o.meter = GetMeter()
	}
	if o.observers == nil {
		o.observers = NewObserverRegistry(o.logger)
	}
	if o.session == nil {
		s := NewSession(o.clock.Now())
		o.session = &s
	}
	return o
}

func (o options) resolveUser() string {
	if o.userID == nil {
		return AnonymousUser
	}
	if id := o.userID(); id != "" {
		return id
	}
	return AnonymousUser
}
