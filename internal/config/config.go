// Package config loads the observability pipeline settings: collector
// endpoints, transport, buffer capacities and every cadence the trackers
// run on.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// CONSOLE_TELEMETRY_INTERVALS_ERROR_FLUSH=1m.
const EnvPrefix = "CONSOLE_TELEMETRY"

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config is the resolved pipeline configuration.
type Config struct {
	ServiceName  string          `yaml:"service_name"`
	Version      string          `yaml:"version"`
	Environment  string          `yaml:"environment"`
	FeatureFlags map[string]bool `yaml:"feature_flags,omitempty"`

	Endpoints Endpoints     `yaml:"endpoints"`
	Transport Transport     `yaml:"transport"`
	Buffers   Buffers       `yaml:"buffers"`
	Intervals Intervals     `yaml:"intervals"`
	Retention time.Duration `yaml:"retention"`
	Fallback  Fallback      `yaml:"fallback"`
	Dispatch  Dispatch      `yaml:"dispatch"`
	Health    Health        `yaml:"health"`
	Analytics Analytics     `yaml:"analytics"`
}

// Endpoints are the collector URLs. Relative endpoints are resolved
// against BaseURL. Empty endpoints are skipped.
type Endpoints struct {
	BaseURL      string `yaml:"base_url"`
	Errors       string `yaml:"errors"`
	Metrics      string `yaml:"metrics"`
	Analytics    string `yaml:"analytics"`
	HealthReport string `yaml:"health_report"`
	HealthCheck  string `yaml:"health_check"`
}

// Resolve resolves path against BaseURL. An empty path resolves to "".
func (e Endpoints) Resolve(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrapf(err, "parsing endpoint %q", path)
	}
	if e.BaseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing base url %q", e.BaseURL)
	}
	return base.ResolveReference(ref).String(), nil
}

// CollectorURLs returns every configured endpoint, resolved.
func (e Endpoints) CollectorURLs() ([]string, error) {
	var urls []string
	for _, path := range []string{e.Errors, e.Metrics, e.Analytics, e.HealthReport, e.HealthCheck} {
		u, err := e.Resolve(path)
		if err != nil {
			return nil, err
		}
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// Transport selects how batches leave the process.
type Transport struct {
	Kind          string        `yaml:"kind"`
	NATSURL       string        `yaml:"nats_url,omitempty"`
	SubjectPrefix string        `yaml:"subject_prefix,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Buffers sizes the ring buffers.
type Buffers struct {
	Capacity          int `yaml:"capacity"`
	AnalyticsCapacity int `yaml:"analytics_capacity"`
	// BatchSize is the number of most recent error-family entries sent per
	// error flush.
	BatchSize int `yaml:"batch_size"`
}

// Intervals holds every periodic cadence.
type Intervals struct {
	ErrorFlush     time.Duration `yaml:"error_flush"`
	AnalyticsFlush time.Duration `yaml:"analytics_flush"`
	HealthProbe    time.Duration `yaml:"health_probe"`
	Cleanup        time.Duration `yaml:"cleanup"`
	MemorySample   time.Duration `yaml:"memory_sample"`
}

// Fallback configures the local diagnostic cache.
type Fallback struct {
	Path       string `yaml:"path,omitempty"`
	MaxEntries int    `yaml:"max_entries"`
}

// Dispatch sizes the queues used for immediate sends and fallback writes.
type Dispatch struct {
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Health configures the probe.
type Health struct {
	Timeout           time.Duration `yaml:"timeout"`
	DegradedThreshold time.Duration `yaml:"degraded_threshold"`
}

// Analytics configures the analytics tracker.
type Analytics struct {
	ImportantEvents []string `yaml:"important_events"`
}

// Default returns a Config populated with the stock cadences and sizes.
func Default() *Config {
	return &Config{
		ServiceName: "admin-console",
		Version:     "dev",
		Environment: "development",
		Endpoints: Endpoints{
			BaseURL:      "http://localhost:8080",
			Errors:       "/api/monitoring/errors",
			Metrics:      "/api/monitoring/metrics",
			Analytics:    "/api/analytics/events",
			HealthReport: "/api/monitoring/health",
			HealthCheck:  "/health",
		},
		Transport: Transport{
			Kind:          TransportHTTP,
			SubjectPrefix: "console.telemetry",
			Timeout:       10 * time.Second,
		},
		Buffers: Buffers{
			Capacity:          100,
			AnalyticsCapacity: 100,
			BatchSize:         50,
		},
		Intervals: Intervals{
			ErrorFlush:     5 * time.Minute,
			AnalyticsFlush: 30 * time.Second,
			HealthProbe:    15 * time.Second,
			Cleanup:        time.Hour,
			MemorySample:   30 * time.Second,
		},
		Retention: 24 * time.Hour,
		Fallback:  Fallback{MaxEntries: 10},
		Dispatch: Dispatch{
			QueueSize: 64,
			Timeout:   10 * time.Second,
		},
		Health: Health{
			Timeout:           5 * time.Second,
			DegradedThreshold: 2 * time.Second,
		},
		Analytics: Analytics{
			ImportantEvents: []string{"error", "exception", "critical_action"},
		},
	}
}

// Load reads configuration from path (YAML) with environment overrides.
// An empty path reads only defaults and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg.ServiceName = v.GetString("service_name")
	cfg.Version = v.GetString("version")
	cfg.Environment = v.GetString("environment")
	if flags := v.GetStringMap("feature_flags"); len(flags) > 0 {
		cfg.FeatureFlags = make(map[string]bool, len(flags))
		for name := range flags {
			cfg.FeatureFlags[name] = v.GetBool("feature_flags." + name)
		}
	}

	cfg.Endpoints.BaseURL = v.GetString("endpoints.base_url")
	cfg.Endpoints.Errors = v.GetString("endpoints.errors")
	cfg.Endpoints.Metrics = v.GetString("endpoints.metrics")
	cfg.Endpoints.Analytics = v.GetString("endpoints.analytics")
	cfg.Endpoints.HealthReport = v.GetString("endpoints.health_report")
	cfg.Endpoints.HealthCheck = v.GetString("endpoints.health_check")

	cfg.Transport.Kind = strings.ToLower(v.GetString("transport.kind"))
	cfg.Transport.NATSURL = v.GetString("transport.nats_url")
	cfg.Transport.SubjectPrefix = v.GetString("transport.subject_prefix")
	cfg.Transport.Timeout = v.GetDuration("transport.timeout")

	cfg.Buffers.Capacity = v.GetInt("buffers.capacity")
	cfg.Buffers.AnalyticsCapacity = v.GetInt("buffers.analytics_capacity")
	cfg.Buffers.BatchSize = v.GetInt("buffers.batch_size")

	cfg.Intervals.ErrorFlush = v.GetDuration("intervals.error_flush")
	cfg.Intervals.AnalyticsFlush = v.GetDuration("intervals.analytics_flush")
	cfg.Intervals.HealthProbe = v.GetDuration("intervals.health_probe")
	cfg.Intervals.Cleanup = v.GetDuration("intervals.cleanup")
	cfg.Intervals.MemorySample = v.GetDuration("intervals.memory_sample")
	cfg.Retention = v.GetDuration("retention")

	cfg.Fallback.Path = v.GetString("fallback.path")
	cfg.Fallback.MaxEntries = v.GetInt("fallback.max_entries")
	cfg.Dispatch.QueueSize = v.GetInt("dispatch.queue_size")
	cfg.Dispatch.Timeout = v.GetDuration("dispatch.timeout")
	cfg.Health.Timeout = v.GetDuration("health.timeout")
	cfg.Health.DegradedThreshold = v.GetDuration("health.degraded_threshold")
	cfg.Analytics.ImportantEvents = v.GetStringSlice("analytics.important_events")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service_name", cfg.ServiceName)
	v.SetDefault("version", cfg.Version)
	v.SetDefault("environment", cfg.Environment)
	v.SetDefault("endpoints.base_url", cfg.Endpoints.BaseURL)
	v.SetDefault("endpoints.errors", cfg.Endpoints.Errors)
	v.SetDefault("endpoints.metrics", cfg.Endpoints.Metrics)
	v.SetDefault("endpoints.analytics", cfg.Endpoints.Analytics)
	v.SetDefault("endpoints.health_report", cfg.Endpoints.HealthReport)
	v.SetDefault("endpoints.health_check", cfg.Endpoints.HealthCheck)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.nats_url", cfg.Transport.NATSURL)
	v.SetDefault("transport.subject_prefix", cfg.Transport.SubjectPrefix)
	v.SetDefault("transport.timeout", cfg.Transport.Timeout)
	v.SetDefault("buffers.capacity", cfg.Buffers.Capacity)
	v.SetDefault("buffers.analytics_capacity", cfg.Buffers.AnalyticsCapacity)
	v.SetDefault("buffers.batch_size", cfg.Buffers.BatchSize)
	v.SetDefault("intervals.error_flush", cfg.Intervals.ErrorFlush)
	v.SetDefault("intervals.analytics_flush", cfg.Intervals.AnalyticsFlush)
	v.SetDefault("intervals.health_probe", cfg.Intervals.HealthProbe)
	v.SetDefault("intervals.cleanup", cfg.Intervals.Cleanup)
	v.SetDefault("intervals.memory_sample", cfg.Intervals.MemorySample)
	v.SetDefault("retention", cfg.Retention)
	v.SetDefault("fallback.path", cfg.Fallback.Path)
	v.SetDefault("fallback.max_entries", cfg.Fallback.MaxEntries)
	v.SetDefault("dispatch.queue_size", cfg.Dispatch.QueueSize)
	v.SetDefault("dispatch.timeout", cfg.Dispatch.Timeout)
	v.SetDefault("health.timeout", cfg.Health.Timeout)
	v.SetDefault("health.degraded_threshold", cfg.Health.DegradedThreshold)
	v.SetDefault("analytics.important_events", cfg.Analytics.ImportantEvents)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	switch c.Transport.Kind {
	case TransportHTTP:
	case TransportNATS:
		if c.Transport.NATSURL == "" {
			return errors.New("transport.nats_url is required for the nats transport")
		}
	default:
		return errors.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}

	sizes := map[string]int{
		"buffers.capacity":           c.Buffers.Capacity,
		"buffers.analytics_capacity": c.Buffers.AnalyticsCapacity,
		"buffers.batch_size":         c.Buffers.BatchSize,
		"fallback.max_entries":       c.Fallback.MaxEntries,
		"dispatch.queue_size":        c.Dispatch.QueueSize,
	}
	for key, n := range sizes {
		if n <= 0 {
			return errors.Errorf("%s must be positive, got %d", key, n)
		}
	}

	durations := map[string]time.Duration{
		"intervals.error_flush":     c.Intervals.ErrorFlush,
		"intervals.analytics_flush": c.Intervals.AnalyticsFlush,
		"intervals.health_probe":    c.Intervals.HealthProbe,
		"intervals.cleanup":         c.Intervals.Cleanup,
		"intervals.memory_sample":   c.Intervals.MemorySample,
		"retention":                 c.Retention,
		"transport.timeout":         c.Transport.Timeout,
		"dispatch.timeout":          c.Dispatch.Timeout,
		"health.timeout":            c.Health.Timeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", key, d)
		}
	}
	return nil
}
