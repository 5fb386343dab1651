package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/ring"
)

// Group is the ring buffer an event is stored in.
type Group string

const (
	GroupErrors      Group = "errors"
	GroupWarnings    Group = "warnings"
	GroupAPIErrors   Group = "apiErrors"
	GroupPerformance Group = "performanceIssues"
)

// Groups lists the error-family groups in a stable order.
var Groups = []Group{GroupErrors, GroupWarnings, GroupAPIErrors, GroupPerformance}

// Watermark records, per group, the newest sequence number already
// delivered to the collector.
type Watermark map[Group]uint64

// ErrorEscalator delivers an event immediately, bypassing the periodic
// batch.
type ErrorEscalator interface {
	EscalateError(ev MetricEvent)
}

// EventTracker classifies and stores errors, warnings, API failures and
// performance issues. All methods are safe for concurrent use and never
// panic into the caller.
type EventTracker struct {
	initOnce    sync.Once
	initialized bool

	clock     clock.Clock
	session   Session
	page      Page
	opts      options
	logger    *slog.Logger
	observers *ObserverRegistry
	fallback  Appender

	escalatorMu sync.RWMutex
	escalator   ErrorEscalator

	// mu guards counters and makes counter increments and buffer pushes
	// atomic with respect to snapshots.
	mu            sync.Mutex
	buffers       map[Group]*ring.Buffer[MetricEvent]
	counters      map[Category]uint64
	calls         *ring.Buffer[APICall]
	callsTotal    uint64
	callsFailed   uint64
	callsDuration time.Duration
	performance   PerformanceSnapshot

	eventCounter metric.Int64Counter
	callCounter  metric.Int64Counter
}

// NewEventTracker creates a tracker. Call Init before use; tracking calls
// made earlier initialize it implicitly.
func NewEventTracker(opts ...Option) *EventTracker {
	o := buildOptions(opts)
	t := &EventTracker{
		clock:     o.clock,
		session:   *o.session,
		page:      o.page,
		opts:      o,
		logger:    o.logger,
		observers: o.observers,
		fallback:  o.fallback,
		buffers:   make(map[Group]*ring.Buffer[MetricEvent], len(Groups)),
		counters:  make(map[Category]uint64, len(Categories)),
		calls:     ring.New[APICall](o.capacity),
	}
	for _, g := range Groups {
		t.buffers[g] = ring.New[MetricEvent](o.capacity)
	}
	return t
}

// Init prepares the OpenTelemetry instruments. It is idempotent.
func (t *EventTracker) Init() {
	t.initOnce.Do(func() {
		var err error
		t.eventCounter, err = t.opts.meter.Int64Counter("console.events",
			metric.WithDescription("Telemetry events recorded by category and severity"))
		if err != nil {
			t.logger.Warn("Failed to create event counter", "error", err)
		}
		t.callCounter, err = t.opts.meter.Int64Counter("console.network_calls",
			metric.WithDescription("Network calls observed by the instrumentation"))
		if err != nil {
			t.logger.Warn("Failed to create network call counter", "error", err)
		}

		t.mu.Lock()
		t.initialized = true
		t.mu.Unlock()

		t.logger.Info("Event tracker initialized", "session_id", t.session.ID)
	})
}

// Initialized reports whether Init has run.
func (t *EventTracker) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Session returns the tracker's session.
func (t *EventTracker) Session() Session { return t.session }

// Observers returns the registry notified for every recorded event.
func (t *EventTracker) Observers() *ObserverRegistry { return t.observers }

// SetEscalator installs the immediate-send path.
func (t *EventTracker) SetEscalator(e ErrorEscalator) {
	t.escalatorMu.Lock()
	t.escalator = e
	t.escalatorMu.Unlock()
}

// TrackError records an error in the errors group.
func (t *EventTracker) TrackError(category Category, data EventData) {
	t.record(GroupErrors, category, data)
}

// TrackWarning records a warning in the warnings group.
func (t *EventTracker) TrackWarning(category Category, data EventData) {
	t.record(GroupWarnings, category, data)
}

// TrackPerformanceIssue records a performance issue.
func (t *EventTracker) TrackPerformanceIssue(category Category, data EventData) {
	t.record(GroupPerformance, category, data)
}

// TrackAPIError records a failed network call as an api-error.
func (t *EventTracker) TrackAPIError(call APICall) {
	severity := SeverityMedium
	if call.Status == 0 || call.Status >= 500 {
		severity = SeverityHigh
	}

	var message string
	switch {
	case call.Error != "":
		message = fmt.Sprintf("%s %s failed: %s", call.Method, call.URL, call.Error)
	default:
		message = fmt.Sprintf("%s %s failed with status %d", call.Method, call.URL, call.Status)
	}

	t.record(GroupAPIErrors, CategoryAPIError, EventData{
		Message:  message,
		Severity: severity,
		Payload:  normalizeCall(call),
	})
}

// TrackAPICall records one observed network call and, when it failed,
// an api-error.
func (t *EventTracker) TrackAPICall(call APICall) {
	defer t.contain("track api call")
	t.Init()

	call = normalizeCall(call)
	if call.Timestamp.IsZero() {
		call.Timestamp = t.clock.Now()
	}

	t.mu.Lock()
	t.callsTotal++
	t.callsDuration += call.Duration
	if !call.Success {
		t.callsFailed++
	}
	t.calls.Push(call)
	t.mu.Unlock()

	if t.callCounter != nil {
		t.callCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("method", call.Method),
			attribute.Bool("success", call.Success),
		))
	}

	if !call.Success {
		t.TrackAPIError(call)
	}
}

func normalizeCall(call APICall) APICall {
	if call.Method == "" {
		call.Method = "GET"
	}
	call.DurationMs = float64(call.Duration) / float64(time.Millisecond)
	return call
}

func (t *EventTracker) record(group Group, category Category, data EventData) {
	defer t.contain("record event")
	t.Init()

	if !category.Valid() || category == CategoryAll {
		t.logger.Warn("Dropping event with unknown category", "category", category, "group", group)
		return
	}

	severity := data.Severity
	if severity == SeverityDefault {
		severity = DefaultSeverity(category)
	}
	message := data.Message
	if message == "" && data.Err != nil {
		message = data.Err.Error()
	}
	payload := data.Payload
	if payload == nil && data.Err != nil {
		payload = data.Err
	}

	ev := MetricEvent{
		ID:        newEventID(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Data:      EncodePayload(payload),
		Timestamp: t.clock.Now(),
		SessionID: t.session.ID,
		UserID:    t.opts.resolveUser(),
		URL:       t.page.URL(),
		UserAgent: t.page.UserAgent(),
	}

	t.mu.Lock()
	t.counters[category]++
	t.buffers[group].Push(ev)
	t.mu.Unlock()

	if t.eventCounter != nil {
		t.eventCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("category", string(category)),
			attribute.String("severity", severity.String()),
		))
	}

	if t.fallback != nil && group != GroupPerformance {
		if err := t.fallback.Append(ev.clone()); err != nil {
			t.logger.Warn("Failed to store fallback record", "event_id", ev.ID, "error", err)
		}
	}

	t.observers.Notify(ev)

	if ShouldEscalate(ev) {
		t.escalatorMu.RLock()
		escalator := t.escalator
		t.escalatorMu.RUnlock()
		if escalator != nil {
			escalator.EscalateError(ev.clone())
		}
	}
}

// ShouldEscalate reports whether ev must be sent immediately: CRITICAL
// severity, or a framework or runtime error.
func ShouldEscalate(ev MetricEvent) bool {
	return ev.Severity == SeverityCritical ||
		ev.Category == CategoryFrameworkError ||
		ev.Category == CategoryRuntimeError
}

func (t *EventTracker) contain(op string) {
	if r := recover(); r != nil {
		t.logger.Warn("Telemetry failure contained", "op", op, "panic", r)
	}
}

// RecordLCP stores the largest-contentful-paint time.
func (t *EventTracker) RecordLCP(d time.Duration) {
	t.mu.Lock()
	t.performance.LCPMs = durationMs(d)
	t.mu.Unlock()
}

// RecordFID stores the first-input delay.
func (t *EventTracker) RecordFID(d time.Duration) {
	t.mu.Lock()
	t.performance.FIDMs = durationMs(d)
	t.mu.Unlock()
}

// AddLayoutShift accumulates a layout-shift score into CLS and returns the
// new total.
func (t *EventTracker) AddLayoutShift(score float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.performance.CLS += score
	return t.performance.CLS
}

// RecordLongTask counts a long task.
func (t *EventTracker) RecordLongTask() {
	t.mu.Lock()
	t.performance.LongTasks++
	t.mu.Unlock()
}

// RecordMemory stores the latest memory sample.
func (t *EventTracker) RecordMemory(m MemoryUsage) {
	t.mu.Lock()
	t.performance.Memory = &m
	t.mu.Unlock()
}

// RecordNavigation stores page-load timings.
func (t *EventTracker) RecordNavigation(n NavigationTiming) {
	t.mu.Lock()
	t.performance.Navigation = n
	t.mu.Unlock()
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Buffer returns a copy of the events stored in group, oldest first.
func (t *EventTracker) Buffer(group Group) []MetricEvent {
	buf, ok := t.buffers[group]
	if !ok {
		return nil
	}
	return cloneEvents(buf.Items())
}

// Counter returns the cumulative count for category.
func (t *EventTracker) Counter(category Category) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[category]
}

// Counters returns a copy of every non-zero category counter.
func (t *EventTracker) Counters() map[Category]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Category]uint64, len(t.counters))
	for c, n := range t.counters {
		out[c] = n
	}
	return out
}

// Pending returns at most limit of the most recent error-family events
// recorded after mark, ordered by timestamp, and the watermark to commit
// once they are delivered.
func (t *EventTracker) Pending(mark Watermark, limit int) ([]MetricEvent, Watermark) {
	next := make(Watermark, len(Groups))
	var events []MetricEvent
	for _, g := range Groups {
		items, last := t.buffers[g].Since(mark[g])
		events = append(events, items...)
		next[g] = last
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return cloneEvents(events), next
}

// Cleanup removes every stored entry older than maxAge and returns the
// number removed. Counters are unaffected.
func (t *EventTracker) Cleanup(maxAge time.Duration) int {
	cutoff := t.clock.Now().Add(-maxAge)
	removed := 0
	for _, g := range Groups {
		removed += t.buffers[g].RemoveFunc(func(ev MetricEvent) bool {
			return ev.Timestamp.Before(cutoff)
		})
	}
	removed += t.calls.RemoveFunc(func(call APICall) bool {
		return call.Timestamp.Before(cutoff)
	})
	return removed
}

// Reset clears every buffer, counter and call statistic.
func (t *EventTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range Groups {
		t.buffers[g].Reset()
	}
	t.calls.Reset()
	t.counters = make(map[Category]uint64, len(Categories))
	t.callsTotal, t.callsFailed, t.callsDuration = 0, 0, 0
	t.performance = PerformanceSnapshot{}
}

func cloneEvents(events []MetricEvent) []MetricEvent {
	out := make([]MetricEvent, len(events))
	for i, ev := range events {
		out[i] = ev.clone()
	}
	return out
}
