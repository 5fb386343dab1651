package telemetry

import (
	"encoding/json"
	"time"
)

// Category classifies a recorded event.
type Category string

const (
	CategoryConsoleError       Category = "console-error"
	CategoryConsoleWarn        Category = "console-warn"
	CategoryAPIError           Category = "api-error"
	CategoryNetworkError       Category = "network-error"
	CategoryFrameworkError     Category = "framework-error"
	CategoryRuntimeError       Category = "runtime-error"
	CategoryPerformanceIssue   Category = "performance-issue"
	CategoryUnhandledRejection Category = "unhandled-rejection"
	CategoryResourceLoadError  Category = "resource-load-error"
	CategoryFormError          Category = "form-error"
	CategoryAuthError          Category = "auth-error"

	// CategoryAll subscribes an observer to every category.
	CategoryAll Category = "all"
)

// Categories lists every recordable category in a stable order.
var Categories = []Category{
	CategoryConsoleError,
	CategoryConsoleWarn,
	CategoryAPIError,
	CategoryNetworkError,
	CategoryFrameworkError,
	CategoryRuntimeError,
	CategoryPerformanceIssue,
	CategoryUnhandledRejection,
	CategoryResourceLoadError,
	CategoryFormError,
	CategoryAuthError,
}

// Valid reports whether c is one of the recordable categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Severity is the ordered urgency of an event. The zero value means
// "use the category default".
type Severity int

const (
	SeverityDefault Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "default"
	}
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = ParseSeverity(name)
	return nil
}

// ParseSeverity maps a name back to a Severity; unknown names map to
// SeverityDefault.
func ParseSeverity(name string) Severity {
	switch name {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityDefault
	}
}

// DefaultSeverity is the severity assigned to c when a call does not
// override it.
func DefaultSeverity(c Category) Severity {
	switch c {
	case CategoryConsoleWarn, CategoryPerformanceIssue, CategoryFormError:
		return SeverityLow
	case CategoryConsoleError, CategoryAPIError, CategoryResourceLoadError:
		return SeverityMedium
	case CategoryNetworkError, CategoryFrameworkError, CategoryRuntimeError,
		CategoryUnhandledRejection, CategoryAuthError:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// MetricEvent is one recorded error, warning, API failure or performance
// issue. It is immutable once recorded: the payload is serialized at
// record time.
type MetricEvent struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Severity  Severity        `json:"severity"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	URL       string          `json:"url,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
}

// clone returns a copy that shares no memory with e.
func (e MetricEvent) clone() MetricEvent {
	if e.Data != nil {
		e.Data = append(json.RawMessage(nil), e.Data...)
	}
	return e
}

// EventData is the caller-supplied part of an event.
type EventData struct {
	Message  string
	Severity Severity
	// Err, when set, supplies Message if it is empty and is recorded in
	// the payload.
	Err     error
	Payload any
}

// APICall describes one network call observed by the instrumentation.
type APICall struct {
	URL        string        `json:"url"`
	Method     string        `json:"method"`
	Status     int           `json:"status"`
	Duration   time.Duration `json:"-"`
	DurationMs float64       `json:"durationMs"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// AnalyticsEvent is a page view, interaction or custom event.
type AnalyticsEvent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	URL        string          `json:"url,omitempty"`
}

func (e AnalyticsEvent) clone() AnalyticsEvent {
	if e.Properties != nil {
		e.Properties = append(json.RawMessage(nil), e.Properties...)
	}
	return e
}

// UserProperties are the environment properties resolved once at init.
type UserProperties struct {
	Locale         string `json:"locale"`
	Platform       string `json:"platform"`
	ScreenWidth    int    `json:"screenWidth"`
	ScreenHeight   int    `json:"screenHeight"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
	Timezone       string `json:"timezone"`
	UserAgent      string `json:"userAgent"`
}

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthError     = "error"
	HealthUnknown   = "unknown"
)

// HealthSnapshot is the result of one health probe.
type HealthSnapshot struct {
	Status     string    `json:"status"`
	StatusCode int       `json:"statusCode,omitempty"`
	LatencyMs  float64   `json:"latencyMs"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// MemoryUsage is a heap sample in bytes.
type MemoryUsage struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
	Limit uint64 `json:"limit"`
}

// NavigationTiming holds page-load phase durations in milliseconds.
type NavigationTiming struct {
	DNSMs              float64 `json:"dnsMs"`
	ConnectMs          float64 `json:"connectMs"`
	TTFBMs             float64 `json:"ttfbMs"`
	DOMContentLoadedMs float64 `json:"domContentLoadedMs"`
	LoadMs             float64 `json:"loadMs"`
}

// PerformanceSnapshot aggregates the latest web-vital and memory readings.
type PerformanceSnapshot struct {
	LCPMs      float64          `json:"lcpMs"`
	FIDMs      float64          `json:"fidMs"`
	CLS        float64          `json:"cls"`
	LongTasks  int              `json:"longTasks"`
	Memory     *MemoryUsage     `json:"memory,omitempty"`
	Navigation NavigationTiming `json:"navigation"`
}

func (p PerformanceSnapshot) clone() PerformanceSnapshot {
	if p.Memory != nil {
		m := *p.Memory
		p.Memory = &m
	}
	return p
}
