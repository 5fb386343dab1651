package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/ring"
)

// PageViewEvent is the analytics event name used by TrackPageView.
const PageViewEvent = "page_view"

// DefaultImportantEvents are sent immediately instead of waiting for the
// analytics batch.
var DefaultImportantEvents = []string{"error", "exception", "critical_action"}

// AnalyticsEscalator delivers an important analytics event immediately.
type AnalyticsEscalator interface {
	EscalateAnalytics(ev AnalyticsEvent)
}

// AnalyticsTracker stores page views and custom events and counts user
// interactions.
type AnalyticsTracker struct {
	initOnce    sync.Once
	initialized bool

	clock   clock.Clock
	session Session
	page    Page
	opts    options
	logger  *slog.Logger

	important map[string]struct{}

	escalatorMu sync.RWMutex
	escalator   AnalyticsEscalator

	mu           sync.Mutex
	props        UserProperties
	events       *ring.Buffer[AnalyticsEvent]
	pageViews    uint64
	interactions map[string]uint64
}

// NewAnalyticsTracker creates an analytics tracker.
func NewAnalyticsTracker(opts ...Option) *AnalyticsTracker {
	o := buildOptions(opts)
	names := o.important
	if names == nil {
		names = DefaultImportantEvents
	}
	important := make(map[string]struct{}, len(names))
	for _, name := range names {
		important[name] = struct{}{}
	}
	return &AnalyticsTracker{
		clock:        o.clock,
		session:      *o.session,
		page:         o.page,
		opts:         o,
		logger:       o.logger,
		important:    important,
		events:       ring.New[AnalyticsEvent](o.capacity),
		interactions: make(map[string]uint64),
	}
}

// Init resolves the user properties once. It is idempotent.
func (a *AnalyticsTracker) Init() {
	a.initOnce.Do(func() {
		props := DefaultUserProperties()
		if a.opts.props != nil {
			props = *a.opts.props
		}
		if props.UserAgent == "" {
			props.UserAgent = a.page.UserAgent()
		}

		a.mu.Lock()
		a.props = props
		a.initialized = true
		a.mu.Unlock()

		a.logger.Info("Analytics tracker initialized", "session_id", a.session.ID, "locale", props.Locale)
	})
}

// Initialized reports whether Init has run.
func (a *AnalyticsTracker) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// SetEscalator installs the immediate-send path for important events.
func (a *AnalyticsTracker) SetEscalator(e AnalyticsEscalator) {
	a.escalatorMu.Lock()
	a.escalator = e
	a.escalatorMu.Unlock()
}

// TrackPageView records a page view.
func (a *AnalyticsTracker) TrackPageView(path, title string) {
	a.mu.Lock()
	a.pageViews++
	a.mu.Unlock()
	a.TrackEvent(PageViewEvent, map[string]any{"path": path, "title": title})
}

// TrackEvent records a custom event. Important events are also sent
// immediately.
func (a *AnalyticsTracker) TrackEvent(name string, properties map[string]any) {
	defer a.contain("track event")
	a.Init()

	var props any
	if properties != nil {
		props = properties
	}
	ev := AnalyticsEvent{
		ID:         newEventID(),
		Name:       name,
		Properties: EncodePayload(props),
		Timestamp:  a.clock.Now(),
		SessionID:  a.session.ID,
		UserID:     a.opts.resolveUser(),
		URL:        a.page.URL(),
	}
	a.events.Push(ev)

	if _, ok := a.important[name]; ok {
		a.escalatorMu.RLock()
		escalator := a.escalator
		a.escalatorMu.RUnlock()
		if escalator != nil {
			escalator.EscalateAnalytics(ev.clone())
		}
	}
}

// TrackInteraction counts a user interaction such as a click or key press.
func (a *AnalyticsTracker) TrackInteraction(kind, target string) {
	a.mu.Lock()
	a.interactions[kind]++
	a.mu.Unlock()
}

func (a *AnalyticsTracker) contain(op string) {
	if r := recover(); r != nil {
		a.logger.Warn("Telemetry failure contained", "op", op, "panic", r)
	}
}

// UserProperties returns the resolved environment properties.
func (a *AnalyticsTracker) UserProperties() UserProperties {
	a.Init()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.props
}

// Events returns a copy of the buffered events, oldest first.
func (a *AnalyticsTracker) Events() []AnalyticsEvent {
	return cloneAnalytics(a.events.Items())
}

// Pending returns every buffered event together with the sequence number
// to acknowledge once they are delivered.
func (a *AnalyticsTracker) Pending() ([]AnalyticsEvent, uint64) {
	events, last := a.events.Since(0)
	return cloneAnalytics(events), last
}

// Acknowledge drops every buffered event up to and including seq. Events
// recorded after Pending returned are kept.
func (a *AnalyticsTracker) Acknowledge(seq uint64) int {
	return a.events.RemoveThrough(seq)
}

// Delivered drops the buffered event with the given id once it has been
// sent on its own.
func (a *AnalyticsTracker) Delivered(id string) int {
	return a.events.RemoveFunc(func(ev AnalyticsEvent) bool {
		return ev.ID == id
	})
}

// Cleanup removes buffered events older than maxAge.
func (a *AnalyticsTracker) Cleanup(maxAge time.Duration) int {
	cutoff := a.clock.Now().Add(-maxAge)
	return a.events.RemoveFunc(func(ev AnalyticsEvent) bool {
		return ev.Timestamp.Before(cutoff)
	})
}

// Interactions returns the interaction counts by kind and the page-view
// count.
func (a *AnalyticsTracker) Interactions() InteractionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := InteractionStats{
		PageViews: a.pageViews,
		ByKind:    make(map[string]uint64, len(a.interactions)),
	}
	for kind, n := range a.interactions {
		stats.ByKind[kind] = n
		stats.Total += n
	}
	return stats
}

func cloneAnalytics(events []AnalyticsEvent) []AnalyticsEvent {
	out := make([]AnalyticsEvent, len(events))
	for i, ev := range events {
		out[i] = ev.clone()
	}
	return out
}
