package telemetry

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// recentLimit bounds the event lists embedded in snapshots.
const recentLimit = 20

// InteractionStats counts user interactions.
type InteractionStats struct {
	Total     uint64            `json:"total"`
	PageViews uint64            `json:"pageViews"`
	ByKind    map[string]uint64 `json:"byKind"`
}

// APICallStats summarizes observed network calls.
type APICallStats struct {
	Total             uint64    `json:"total"`
	Failed            uint64    `json:"failed"`
	AverageDurationMs float64   `json:"averageDurationMs"`
	Recent            []APICall `json:"recent"`
}

// ErrorStats summarizes recorded error-family events.
type ErrorStats struct {
	Total             uint64              `json:"total"`
	Counts            map[Category]uint64 `json:"counts"`
	Recent            []MetricEvent       `json:"recent"`
	Warnings          []MetricEvent       `json:"warnings"`
	APIErrors         []MetricEvent       `json:"apiErrors"`
	PerformanceIssues []MetricEvent       `json:"performanceIssues"`
}

// MetricsSnapshot is the document returned by GetMetrics and sent to the
// metrics collector.
type MetricsSnapshot struct {
	PageLoad         NavigationTiming    `json:"pageLoad"`
	UserInteractions InteractionStats    `json:"userInteractions"`
	APICalls         APICallStats        `json:"apiCalls"`
	Errors           ErrorStats          `json:"errors"`
	Performance      PerformanceSnapshot `json:"performance"`
	Timestamp        time.Time           `json:"timestamp"`
	SessionID        string              `json:"sessionId"`
}

// TrackerStats are the counters and buffer fill levels.
type TrackerStats struct {
	SessionID         string              `json:"sessionId"`
	Counters          map[Category]uint64 `json:"counters"`
	TotalEvents       uint64              `json:"totalEvents"`
	BufferLengths     map[Group]int       `json:"bufferLengths"`
	BufferCapacity    int                 `json:"bufferCapacity"`
	AnalyticsBuffered int                 `json:"analyticsBuffered"`
	NetworkCalls      uint64              `json:"networkCalls"`
	Timestamp         time.Time           `json:"timestamp"`
}

// CollectMetrics assembles a fresh, deep-copied metrics snapshot.
// analytics may be nil.
func CollectMetrics(events *EventTracker, analytics *AnalyticsTracker) MetricsSnapshot {
	snap := MetricsSnapshot{
		Timestamp: events.clock.Now(),
		SessionID: events.session.ID,
	}

	events.mu.Lock()
	snap.PageLoad = events.performance.Navigation
	snap.Performance = events.performance.clone()
	snap.APICalls = APICallStats{
		Total:  events.callsTotal,
		Failed: events.callsFailed,
	}
	if events.callsTotal > 0 {
		snap.APICalls.AverageDurationMs = durationMs(events.callsDuration) / float64(events.callsTotal)
	}
	snap.Errors.Counts = make(map[Category]uint64, len(events.counters))
	for c, n := range events.counters {
		snap.Errors.Counts[c] = n
		snap.Errors.Total += n
	}
	events.mu.Unlock()

	snap.APICalls.Recent = events.calls.Tail(recentLimit)
	snap.Errors.Recent = cloneEvents(events.buffers[GroupErrors].Tail(recentLimit))
	snap.Errors.Warnings = cloneEvents(events.buffers[GroupWarnings].Tail(recentLimit))
	snap.Errors.APIErrors = cloneEvents(events.buffers[GroupAPIErrors].Tail(recentLimit))
	snap.Errors.PerformanceIssues = cloneEvents(events.buffers[GroupPerformance].Tail(recentLimit))

	if analytics != nil {
		snap.UserInteractions = analytics.Interactions()
	} else {
		snap.UserInteractions.ByKind = map[string]uint64{}
	}
	return snap
}

// Stats returns a fresh copy of the tracker counters and fill levels.
func (t *EventTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TrackerStats{
		SessionID:      t.session.ID,
		Counters:       make(map[Category]uint64, len(t.counters)),
		BufferLengths:  make(map[Group]int, len(Groups)),
		BufferCapacity: t.buffers[GroupErrors].Cap(),
		NetworkCalls:   t.callsTotal,
		Timestamp:      t.clock.Now(),
	}
	for c, n := range t.counters {
		stats.Counters[c] = n
		stats.TotalEvents += n
	}
	for _, g := range Groups {
		stats.BufferLengths[g] = t.buffers[g].Len()
	}
	return stats
}

// Buffered returns the number of analytics events awaiting delivery.
func (a *AnalyticsTracker) Buffered() int {
	return a.events.Len()
}

// DefaultUserProperties resolves the properties available to a native
// process: locale from LANG, platform from the Go runtime and the local
// timezone.
func DefaultUserProperties() UserProperties {
	locale := os.Getenv("LANG")
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "" {
		locale = "en_US"
	}
	return UserProperties{
		Locale:   strings.ReplaceAll(locale, "_", "-"),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Timezone: time.Local.String(),
	}
}
