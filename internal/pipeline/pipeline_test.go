package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/config"
	"github.com/nathannam/console-observability/internal/fallback"
	"github.com/nathannam/console-observability/internal/instrument"
	"github.com/nathannam/console-observability/internal/telemetry"
	"github.com/nathannam/console-observability/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type request struct {
	path    string
	session string
	body    map[string]json.RawMessage
}

// collector is an httptest server standing in for the backend.
type collector struct {
	*httptest.Server
	mu       sync.Mutex
	requests []request
	health   chan struct{}
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{health: make(chan struct{}, 16)}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			select {
			case c.health <- struct{}{}:
			default:
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.requests = append(c.requests, request{path: r.URL.Path, session: r.Header.Get(transport.SessionHeader), body: body})
		c.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *collector) to(path string) []request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []request
	for _, r := range c.requests {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Endpoints.BaseURL = baseURL
	cfg.Transport.Timeout = 2 * time.Second
	cfg.Health.Timeout = time.Second
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithAdapters()}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Dispose(context.Background()) })
	return p
}

func TestPipeline_Lifecycle(t *testing.T) {
	srv := newCollector(t)
	p := newTestPipeline(t, testConfig(srv.URL))

	if p.State() != StateInitialized {
		t.Fatalf("expected initialized, got %s", p.State())
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if p.State() != StateActive {
		t.Fatalf("expected active, got %s", p.State())
	}

	select {
	case <-srv.health:
	case <-time.After(5 * time.Second):
		t.Fatal("health endpoint was not probed on start")
	}

	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if p.State() != StateDisposed {
		t.Errorf("expected disposed, got %s", p.State())
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

func TestPipeline_DisposeFlushesOnce(t *testing.T) {
	srv := newCollector(t)
	p := newTestPipeline(t, testConfig(srv.URL))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Events().TrackError(telemetry.CategoryConsoleError, telemetry.EventData{Message: "grid failed to render"})
	p.Analytics().TrackPageView("/tenants", "Tenants")

	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	_ = p.Dispose(context.Background())

	errs := srv.to("/api/monitoring/errors")
	if len(errs) != 1 {
		t.Fatalf("expected 1 errors batch, got %d", len(errs))
	}
	if errs[0].session != p.Session().ID {
		t.Errorf("expected session header %q, got %q", p.Session().ID, errs[0].session)
	}
	var batch []telemetry.MetricEvent
	if err := json.Unmarshal(errs[0].body["errors"], &batch); err != nil {
		t.Fatalf("decoding errors: %v", err)
	}
	if len(batch) != 1 || batch[0].Message != "grid failed to render" {
		t.Errorf("unexpected batch %+v", batch)
	}

	if got := len(srv.to("/api/monitoring/metrics")); got != 1 {
		t.Errorf("expected 1 metrics snapshot, got %d", got)
	}
	if got := len(srv.to("/api/analytics/events")); got != 1 {
		t.Errorf("expected 1 analytics batch, got %d", got)
	}
}

func TestPipeline_CriticalErrorIsSentBeforeFlush(t *testing.T) {
	srv := newCollector(t)
	p := newTestPipeline(t, testConfig(srv.URL))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Events().TrackError(telemetry.CategoryFrameworkError, telemetry.EventData{Message: "component tree unmounted"})

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.to("/api/monitoring/errors")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("escalated error was not sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.GetStats().Reporter.Dispatch.Submitted; got != 1 {
		t.Errorf("expected 1 dispatched send, got %d", got)
	}
}

func TestPipeline_CollectorTrafficIsNotInstrumented(t *testing.T) {
	srv := newCollector(t)
	client := &http.Client{}
	p := newTestPipeline(t, testConfig(srv.URL), WithAdapters(instrument.ClientAdapter{Client: client}))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, path := range []string{"/api/monitoring/errors?batch=1", "/api/tenants"} {
		resp, err := client.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("Post %s: %v", path, err)
		}
		resp.Body.Close()
	}

	metrics := p.GetMetrics()
	if metrics.APICalls.Total != 1 {
		t.Fatalf("expected only the application call recorded, got %d", metrics.APICalls.Total)
	}
	if got := metrics.APICalls.Recent[0].URL; got != srv.URL+"/api/tenants" {
		t.Errorf("unexpected recorded call %q", got)
	}
}

func TestPipeline_SubscribeAndStats(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	cfg.Endpoints.HealthCheck = ""
	p := newTestPipeline(t, cfg, WithSender(nopSender{}))

	var got []telemetry.MetricEvent
	unsubscribe := p.Subscribe(telemetry.CategoryAll, func(ev telemetry.MetricEvent) {
		got = append(got, ev)
	})

	p.Events().TrackWarning(telemetry.CategoryConsoleWarn, telemetry.EventData{Message: "deprecated filter"})
	if stats := p.GetStats(); stats.Observers != 1 || stats.Tracker.TotalEvents != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	unsubscribe()
	p.Events().TrackWarning(telemetry.CategoryConsoleWarn, telemetry.EventData{Message: "second"})
	if len(got) != 1 {
		t.Errorf("expected 1 delivered event, got %d", len(got))
	}
	if health := p.GetHealthData(); health.Current.Status != telemetry.HealthUnknown {
		t.Errorf("expected unknown health before probing, got %s", health.Current.Status)
	}
}

func TestPipeline_FallbackFile(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	cfg.Fallback.Path = filepath.Join(t.TempDir(), "fallback.json")
	cfg.Fallback.MaxEntries = 2
	p := newTestPipeline(t, cfg, WithSender(nopSender{}))

	for _, msg := range []string{"a", "b", "c"} {
		p.Events().TrackError(telemetry.CategoryFormError, telemetry.EventData{Message: msg})
	}
	p.Events().TrackPerformanceIssue(telemetry.CategoryPerformanceIssue, telemetry.EventData{Message: "slow"})
	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	kv, err := fallback.NewFileKV(cfg.Fallback.Path)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	records, err := fallback.NewCache(kv, 2, quietLogger()).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	var last telemetry.MetricEvent
	if err := json.Unmarshal(records[1], &last); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if last.Message != "c" {
		t.Errorf("expected the newest error last, got %q", last.Message)
	}
}

func TestPipeline_TrackErrorDoesNotWaitForFallbackLock(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	cfg.Fallback.Path = filepath.Join(t.TempDir(), "fallback.json")
	p := newTestPipeline(t, cfg, WithSender(nopSender{}))

	other := flock.New(cfg.Fallback.Path + ".lock")
	if locked, err := other.TryLock(); !locked || err != nil {
		t.Fatalf("acquiring competing lock: locked=%v err=%v", locked, err)
	}

	start := time.Now()
	p.Events().TrackError(telemetry.CategoryAuthError, telemetry.EventData{Message: "token expired"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("TrackError blocked for %s while the fallback store was locked", elapsed)
	}
	if got := len(p.Events().Buffer(telemetry.GroupErrors)); got != 1 {
		t.Errorf("expected the error buffered, got %d", got)
	}

	_ = other.Unlock()
	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	records, err := p.Fallback().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected the record stored after the lock was released, got %d", len(records))
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Buffers.Capacity = 0
	if _, err := New(cfg, WithLogger(quietLogger())); err == nil {
		t.Error("expected an invalid configuration error")
	}
}

type nopSender struct{}

func (nopSender) Send(context.Context, transport.Endpoint, any) error { return nil }
func (nopSender) Close() error                                        { return nil }
