// Package instrument turns host-level signals (log records, network calls,
// panics, performance entries, memory samples, connectivity changes and
// user interactions) into tracker calls.
//
// Hosts register capability adapters explicitly with Install; every
// adapter feature-detects its capability and is skipped when unsupported.
package instrument

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/telemetry"
)

// Thresholds above which a measurement is recorded as a performance issue.
type Thresholds struct {
	LongTask    time.Duration
	LCP         time.Duration
	FID         time.Duration
	CLS         float64
	MemoryRatio float64
}

// DefaultThresholds are the "poor" boundaries of the web vitals.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LongTask:    50 * time.Millisecond,
		LCP:         4 * time.Second,
		FID:         300 * time.Millisecond,
		CLS:         0.25,
		MemoryRatio: 0.9,
	}
}

// Adapter connects one host capability to the hooks. The returned func
// removes the instrumentation.
type Adapter interface {
	Name() string
	Install(h *Hooks) (uninstall func(), err error)
}

// ErrorInfo describes an uncaught error or unhandled rejection.
type ErrorInfo struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ResourceError is a failed load of a script, stylesheet, image or other
// element resource.
type ResourceError struct {
	Tag string `json:"tag"`
	URL string `json:"url"`
}

// EntryType names a performance entry.
type EntryType string

const (
	EntryLongTask    EntryType = "longtask"
	EntryLCP         EntryType = "largest-contentful-paint"
	EntryFirstInput  EntryType = "first-input"
	EntryLayoutShift EntryType = "layout-shift"
)

// PerformanceEntry is one observed performance measurement. Times are
// relative to navigation start.
type PerformanceEntry struct {
	Type            EntryType
	Name            string
	StartTime       time.Duration
	Duration        time.Duration
	ProcessingStart time.Duration
	Value           float64
	HadRecentInput  bool
}

// Connectivity is the current network state.
type Connectivity struct {
	Online        bool
	EffectiveType string
}

// Hooks routes host signals into the trackers. All methods are safe for
// concurrent use and never panic into the caller.
type Hooks struct {
	events     *telemetry.EventTracker
	analytics  *telemetry.AnalyticsTracker
	thresholds Thresholds
	ignore     func(url string) bool
	logger     *slog.Logger

	mu        sync.Mutex
	installed bool
	uninstall []func()

	clsReported     atomic.Bool
	offlineReported atomic.Bool
}

// Option configures Hooks.
type Option func(*Hooks)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(h *Hooks) { h.thresholds = t }
}

// WithIgnoredURLs skips network calls for which ignore returns true, so
// the pipeline's own collector traffic is not recorded.
func WithIgnoredURLs(ignore func(url string) bool) Option {
	return func(h *Hooks) { h.ignore = ignore }
}

// WithLogger sets the logger for adapter failures.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hooks) { h.logger = l }
}

// New creates hooks feeding events and, when non-nil, analytics.
func New(events *telemetry.EventTracker, analytics *telemetry.AnalyticsTracker, opts ...Option) *Hooks {
	h := &Hooks{
		events:     events,
		analytics:  analytics,
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = telemetry.GetLogger()
	}
	return h
}

// Install registers adapters. It is idempotent: only the first call
// installs anything. Adapters that fail are logged and skipped.
func (h *Hooks) Install(adapters ...Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.installed {
		return
	}
	h.installed = true

	for _, a := range adapters {
		undo, err := h.installAdapter(a)
		switch {
		case errors.Is(err, ErrUnsupported):
			h.logger.Debug("Instrumentation skipped", "adapter", a.Name())
		case err != nil:
			h.logger.Warn("Instrumentation failed", "adapter", a.Name(), "error", err)
		default:
			if undo != nil {
				h.uninstall = append(h.uninstall, undo)
			}
		}
	}
}

func (h *Hooks) installAdapter(a Adapter) (undo func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("adapter %s panicked: %v", a.Name(), r)
		}
	}()
	return a.Install(h)
}

// Installed reports whether Install has run.
func (h *Hooks) Installed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed
}

// Uninstall removes every installed adapter, newest first.
func (h *Hooks) Uninstall() {
	h.mu.Lock()
	undo := h.uninstall
	h.uninstall = nil
	h.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		func() {
			defer h.contain("uninstall")
			undo[i]()
		}()
	}
}

func (h *Hooks) contain(op string) {
	if r := recover(); r != nil {
		h.logger.Warn("Instrumentation failure contained", "op", op, "panic", r)
	}
}

// OnLog records a log record. Errors become console-error, warnings
// console-warn; lower levels are recorded as a LOW console-error only when
// the message mentions "error" or "failed".
func (h *Hooks) OnLog(level slog.Level, msg string, attrs map[string]any) {
	defer h.contain("log")

	message := formatLog(msg, attrs)
	var payload any
	if len(attrs) > 0 {
		payload = attrs
	}

	switch {
	case level >= slog.LevelError:
		h.events.TrackError(telemetry.CategoryConsoleError, telemetry.EventData{Message: message, Payload: payload})
	case level >= slog.LevelWarn:
		h.events.TrackWarning(telemetry.CategoryConsoleWarn, telemetry.EventData{Message: message, Payload: payload})
	default:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			h.events.TrackError(telemetry.CategoryConsoleError, telemetry.EventData{
				Message:  message,
				Severity: telemetry.SeverityLow,
				Payload:  payload,
			})
		}
	}
}

func formatLog(msg string, attrs map[string]any) string {
	if len(attrs) == 0 {
		return msg
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}

// OnNetworkCall records one completed network call.
func (h *Hooks) OnNetworkCall(call telemetry.APICall) {
	defer h.contain("network call")
	if h.ignore != nil && h.ignore(call.URL) {
		return
	}
	h.events.TrackAPICall(call)
}

// OnUncaughtError records an uncaught error as runtime-error.
func (h *Hooks) OnUncaughtError(info ErrorInfo) {
	defer h.contain("uncaught error")
	h.events.TrackError(telemetry.CategoryRuntimeError, telemetry.EventData{
		Message: info.Message,
		Payload: info,
	})
}

// OnUnhandledRejection records an unhandled promise rejection.
func (h *Hooks) OnUnhandledRejection(info ErrorInfo) {
	defer h.contain("unhandled rejection")
	h.events.TrackError(telemetry.CategoryUnhandledRejection, telemetry.EventData{
		Message: "Unhandled promise rejection: " + info.Message,
		Payload: info,
	})
}

// OnResourceError records a failed resource load.
func (h *Hooks) OnResourceError(r ResourceError) {
	defer h.contain("resource error")
	h.events.TrackError(telemetry.CategoryResourceLoadError, telemetry.EventData{
		Message: fmt.Sprintf("Failed to load %s: %s", r.Tag, r.URL),
		Payload: r,
	})
}

// OnPerformanceEntry updates the performance snapshot and records an issue
// when a measurement crosses its threshold.
func (h *Hooks) OnPerformanceEntry(e PerformanceEntry) {
	defer h.contain("performance entry")

	switch e.Type {
	case EntryLongTask:
		h.events.RecordLongTask()
		if e.Duration > h.thresholds.LongTask {
			h.performanceIssue(fmt.Sprintf("Long task detected: %dms", e.Duration.Milliseconds()),
				map[string]any{"name": e.Name, "durationMs": e.Duration.Milliseconds()})
		}
	case EntryLCP:
		h.events.RecordLCP(e.StartTime)
		if e.StartTime > h.thresholds.LCP {
			h.performanceIssue(fmt.Sprintf("Poor largest contentful paint: %dms", e.StartTime.Milliseconds()),
				map[string]any{"lcpMs": e.StartTime.Milliseconds()})
		}
	case EntryFirstInput:
		delay := e.ProcessingStart - e.StartTime
		h.events.RecordFID(delay)
		if delay > h.thresholds.FID {
			h.performanceIssue(fmt.Sprintf("Poor first input delay: %dms", delay.Milliseconds()),
				map[string]any{"fidMs": delay.Milliseconds()})
		}
	case EntryLayoutShift:
		if e.HadRecentInput {
			return
		}
		total := h.events.AddLayoutShift(e.Value)
		if total > h.thresholds.CLS && h.clsReported.CompareAndSwap(false, true) {
			h.performanceIssue(fmt.Sprintf("Poor cumulative layout shift: %.3f", total),
				map[string]any{"cls": total})
		}
	}
}

func (h *Hooks) performanceIssue(message string, payload map[string]any) {
	h.events.TrackPerformanceIssue(telemetry.CategoryPerformanceIssue, telemetry.EventData{
		Message: message,
		Payload: payload,
	})
}

// OnMemorySample stores a memory reading and records an issue when usage
// exceeds the threshold share of the limit.
func (h *Hooks) OnMemorySample(m telemetry.MemoryUsage) {
	defer h.contain("memory sample")
	h.events.RecordMemory(m)
	if m.Limit == 0 {
		return
	}
	ratio := float64(m.Used) / float64(m.Limit)
	if ratio > h.thresholds.MemoryRatio {
		h.performanceIssue(fmt.Sprintf("High memory usage: %.1f%%", ratio*100),
			map[string]any{"used": m.Used, "total": m.Total, "limit": m.Limit})
	}
}

// OnConnectivity records going offline or a slow connection as a
// network-error performance issue. The first loss of connection is HIGH
// and later ones MEDIUM. Coming back online is not recorded.
func (h *Hooks) OnConnectivity(c Connectivity) {
	defer h.contain("connectivity")
	switch {
	case !c.Online:
		severity := telemetry.SeverityMedium
		if h.offlineReported.CompareAndSwap(false, true) {
			severity = telemetry.SeverityHigh
		}
		h.events.TrackPerformanceIssue(telemetry.CategoryNetworkError, telemetry.EventData{
			Message:  "Network connection lost",
			Severity: severity,
			Payload:  map[string]any{"online": false},
		})
	case c.EffectiveType == "slow-2g" || c.EffectiveType == "2g":
		h.events.TrackPerformanceIssue(telemetry.CategoryNetworkError, telemetry.EventData{
			Message:  "Slow network connection detected: " + c.EffectiveType,
			Severity: telemetry.SeverityMedium,
			Payload:  map[string]any{"effectiveType": c.EffectiveType},
		})
	}
}

// OnNavigation stores page-load timings.
func (h *Hooks) OnNavigation(n telemetry.NavigationTiming) {
	defer h.contain("navigation")
	h.events.RecordNavigation(n)
}

// OnInteraction counts a user interaction.
func (h *Hooks) OnInteraction(kind, target string) {
	defer h.contain("interaction")
	if h.analytics != nil {
		h.analytics.TrackInteraction(kind, target)
	}
}
