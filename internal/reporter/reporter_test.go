package reporter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/dispatch"
	"github.com/nathannam/console-observability/internal/telemetry"
	"github.com/nathannam/console-observability/internal/transport"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	endpoint transport.Endpoint
	payload  any
}

// captureSender records every send. Sends to an endpoint listed in fail
// return that error.
type captureSender struct {
	mu     sync.Mutex
	sends  []sent
	fail   map[transport.Endpoint]error
	onSend func(transport.Endpoint)
	notify chan transport.Endpoint
}

func newCaptureSender() *captureSender {
	return &captureSender{
		fail:   map[transport.Endpoint]error{},
		notify: make(chan transport.Endpoint, 64),
	}
}

func (c *captureSender) Send(_ context.Context, endpoint transport.Endpoint, payload any) error {
	c.mu.Lock()
	c.sends = append(c.sends, sent{endpoint: endpoint, payload: payload})
	err := c.fail[endpoint]
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(endpoint)
	}
	c.notify <- endpoint
	return err
}

func (c *captureSender) Close() error { return nil }

func (c *captureSender) setFailure(endpoint transport.Endpoint, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[endpoint] = err
}

func (c *captureSender) to(endpoint transport.Endpoint) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, s := range c.sends {
		if s.endpoint == endpoint {
			out = append(out, s)
		}
	}
	return out
}

func (c *captureSender) waitFor(t *testing.T, endpoint transport.Endpoint) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-c.notify:
			if got == endpoint {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a send to %s", endpoint)
		}
	}
}

type fixture struct {
	clock     *clock.Fake
	events    *telemetry.EventTracker
	analytics *telemetry.AnalyticsTracker
	sender    *captureSender
	queue     *dispatch.Queue
	reporter  *Reporter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewFake(testStart), sender: newCaptureSender()}
	f.events = telemetry.NewEventTracker(telemetry.WithClock(f.clock), telemetry.WithLogger(quietLogger()))
	f.analytics = telemetry.NewAnalyticsTracker(
		telemetry.WithClock(f.clock),
		telemetry.WithLogger(quietLogger()),
		telemetry.WithUserProperties(telemetry.UserProperties{Locale: "en-US", Platform: "linux"}),
	)
	f.queue = dispatch.New(8, time.Second, dispatch.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = f.queue.Close(context.Background()) })

	opts = append([]Option{WithClock(f.clock), WithLogger(quietLogger())}, opts...)
	f.reporter = New(f.events, f.analytics, f.sender, f.queue, opts...)
	f.events.SetEscalator(f.reporter)
	f.analytics.SetEscalator(f.reporter)
	return f
}

func (f *fixture) trackErrors(n int) {
	for i := 0; i < n; i++ {
		f.events.TrackError(telemetry.CategoryConsoleError, telemetry.EventData{Message: fmt.Sprintf("error %d", i)})
		f.clock.Advance(time.Millisecond)
	}
}

func TestReporter_CriticalErrorIsSentImmediately(t *testing.T) {
	f := newFixture(t)

	f.events.TrackError(telemetry.CategoryAuthError, telemetry.EventData{
		Message:  "session hijack suspected",
		Severity: telemetry.SeverityCritical,
	})
	f.sender.waitFor(t, transport.Errors)

	sends := f.sender.to(transport.Errors)
	if len(sends) != 1 {
		t.Fatalf("expected 1 immediate send, got %d", len(sends))
	}
	batch := sends[0].payload.(ErrorBatch)
	if len(batch.Errors) != 1 || batch.Errors[0].Message != "session hijack suspected" {
		t.Errorf("unexpected batch %+v", batch)
	}
	if batch.Counters != nil {
		t.Errorf("escalated batches carry no counters, got %v", batch.Counters)
	}
	if got := len(f.events.Buffer(telemetry.GroupErrors)); got != 1 {
		t.Errorf("escalated event must stay buffered, got %d", got)
	}
}

func TestReporter_EscalationFailureLeavesStorageUnchanged(t *testing.T) {
	f := newFixture(t)
	f.sender.setFailure(transport.Errors, errors.New("collector down"))

	f.events.TrackError(telemetry.CategoryRuntimeError, telemetry.EventData{Message: "undefined is not a function"})
	f.sender.waitFor(t, transport.Errors)

	if err := f.queue.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := f.reporter.Stats().Dispatch.Failed; got != 1 {
		t.Errorf("expected 1 failed dispatch, got %d", got)
	}
	if got := f.events.Counter(telemetry.CategoryRuntimeError); got != 1 {
		t.Errorf("expected counter 1, got %d", got)
	}
}

func TestReporter_FlushErrorsSendsBatchAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.trackErrors(3)
	f.events.TrackWarning(telemetry.CategoryConsoleWarn, telemetry.EventData{Message: "slow render"})

	if err := f.reporter.FlushErrors(context.Background()); err != nil {
		t.Fatalf("FlushErrors: %v", err)
	}

	errs := f.sender.to(transport.Errors)
	if len(errs) != 1 {
		t.Fatalf("expected 1 errors send, got %d", len(errs))
	}
	batch := errs[0].payload.(ErrorBatch)
	if len(batch.Errors) != 4 {
		t.Errorf("expected 4 events, got %d", len(batch.Errors))
	}
	if batch.Counters[telemetry.CategoryConsoleError] != 3 || batch.Counters[telemetry.CategoryConsoleWarn] != 1 {
		t.Errorf("unexpected counters %v", batch.Counters)
	}
	if batch.SessionID != f.events.Session().ID {
		t.Errorf("unexpected session %q", batch.SessionID)
	}

	metrics := f.sender.to(transport.Metrics)
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metrics send, got %d", len(metrics))
	}
	if snap := metrics[0].payload.(telemetry.MetricsSnapshot); snap.Errors.Total != 4 {
		t.Errorf("expected 4 errors in the snapshot, got %d", snap.Errors.Total)
	}

	// Delivered events are not resent.
	if err := f.reporter.FlushErrors(context.Background()); err != nil {
		t.Fatalf("FlushErrors: %v", err)
	}
	if got := len(f.sender.to(transport.Errors)); got != 1 {
		t.Errorf("expected no second errors send, got %d sends", got)
	}
}

func TestReporter_FailedFlushIsRetriedNextCycle(t *testing.T) {
	f := newFixture(t)
	f.trackErrors(2)
	f.sender.setFailure(transport.Errors, errors.New("502 bad gateway"))

	if err := f.reporter.FlushErrors(context.Background()); err == nil {
		t.Fatal("expected the failed send to be reported")
	}
	if got := len(f.events.Buffer(telemetry.GroupErrors)); got != 2 {
		t.Errorf("buffer must be unchanged after a failure, got %d", got)
	}

	f.sender.setFailure(transport.Errors, nil)
	f.trackErrors(1)
	if err := f.reporter.FlushErrors(context.Background()); err != nil {
		t.Fatalf("FlushErrors: %v", err)
	}

	errs := f.sender.to(transport.Errors)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors sends, got %d", len(errs))
	}
	if got := len(errs[1].payload.(ErrorBatch).Errors); got != 3 {
		t.Errorf("expected the retry to carry all 3 events, got %d", got)
	}
	stats := f.reporter.Stats()
	if stats.ErrorFailures != 1 || stats.EventsSent != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReporter_BatchHoldsMostRecentEvents(t *testing.T) {
	f := newFixture(t, WithBatchSize(50))
	f.trackErrors(60)

	if err := f.reporter.FlushErrors(context.Background()); err != nil {
		t.Fatalf("FlushErrors: %v", err)
	}
	batch := f.sender.to(transport.Errors)[0].payload.(ErrorBatch)
	if len(batch.Errors) != 50 {
		t.Fatalf("expected 50 events, got %d", len(batch.Errors))
	}
	if batch.Errors[0].Message != "error 10" || batch.Errors[49].Message != "error 59" {
		t.Errorf("unexpected window %q..%q", batch.Errors[0].Message, batch.Errors[49].Message)
	}
}

func TestReporter_UnconfiguredEndpointIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.trackErrors(1)
	f.sender.setFailure(transport.Errors, transport.ErrNoEndpoint)
	f.sender.setFailure(transport.Metrics, transport.ErrNoEndpoint)

	if err := f.reporter.FlushErrors(context.Background()); err != nil {
		t.Errorf("expected unconfigured endpoints to be skipped, got %v", err)
	}
}

func TestReporter_AnalyticsAcknowledgedOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.analytics.TrackPageView("/users", "Users")
	f.analytics.TrackEvent("filter_applied", map[string]any{"role": "admin"})

	f.sender.setFailure(transport.Analytics, errors.New("timeout"))
	if err := f.reporter.FlushAnalytics(context.Background()); err == nil {
		t.Fatal("expected the failed send to be reported")
	}
	if got := f.analytics.Buffered(); got != 2 {
		t.Fatalf("expected events kept after a failure, got %d", got)
	}

	f.sender.setFailure(transport.Analytics, nil)
	f.sender.onSend = func(endpoint transport.Endpoint) {
		if endpoint == transport.Analytics {
			f.analytics.TrackEvent("late_event", nil)
		}
	}
	if err := f.reporter.FlushAnalytics(context.Background()); err != nil {
		t.Fatalf("FlushAnalytics: %v", err)
	}

	sends := f.sender.to(transport.Analytics)
	batch := sends[len(sends)-1].payload.(AnalyticsBatch)
	if len(batch.Events) != 2 || batch.UserProperties.Locale != "en-US" {
		t.Errorf("unexpected batch %+v", batch)
	}
	remaining := f.analytics.Events()
	if len(remaining) != 1 || remaining[0].Name != "late_event" {
		t.Errorf("expected only the event recorded during the send to remain, got %+v", remaining)
	}
}

func TestReporter_ImportantAnalyticsEventIsSentImmediately(t *testing.T) {
	f := newFixture(t)
	f.analytics.TrackEvent("critical_action", map[string]any{"action": "delete_tenant"})
	f.sender.waitFor(t, transport.Analytics)

	batch := f.sender.to(transport.Analytics)[0].payload.(AnalyticsBatch)
	if len(batch.Events) != 1 || batch.Events[0].Name != "critical_action" {
		t.Errorf("unexpected batch %+v", batch)
	}
}

func TestReporter_EscalatedAnalyticsEventIsDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	f.analytics.TrackEvent("critical_action", map[string]any{"action": "delete_tenant"})
	f.analytics.TrackEvent("filter_applied", nil)

	// Drain the queue so the escalated send has completed.
	if err := f.queue.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.reporter.FlushAnalytics(context.Background()); err != nil {
		t.Fatalf("FlushAnalytics: %v", err)
	}

	delivered := map[string]int{}
	for _, s := range f.sender.to(transport.Analytics) {
		for _, ev := range s.payload.(AnalyticsBatch).Events {
			delivered[ev.Name]++
		}
	}
	if delivered["critical_action"] != 1 || delivered["filter_applied"] != 1 {
		t.Errorf("expected each event delivered once, got %v", delivered)
	}
}

func TestReporter_FailedEscalationLeavesAnalyticsEventBuffered(t *testing.T) {
	f := newFixture(t)
	f.sender.setFailure(transport.Analytics, errors.New("offline"))
	f.analytics.TrackEvent("critical_action", nil)

	if err := f.queue.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := f.analytics.Buffered(); got != 1 {
		t.Fatalf("expected the event kept for the next batch, got %d", got)
	}

	f.sender.setFailure(transport.Analytics, nil)
	if err := f.reporter.FlushAnalytics(context.Background()); err != nil {
		t.Fatalf("FlushAnalytics: %v", err)
	}
	if got := f.analytics.Buffered(); got != 0 {
		t.Errorf("expected the batch to deliver the event, got %d buffered", got)
	}
}

func TestReporter_CleanupHonoursRetention(t *testing.T) {
	f := newFixture(t, WithRetention(24*time.Hour))
	f.trackErrors(1)
	f.analytics.TrackEvent("old", nil)

	f.clock.Advance(23*time.Hour + 59*time.Minute)
	if removed := f.reporter.Cleanup(context.Background()); removed != 0 {
		t.Fatalf("expected nothing removed at 23h59m, got %d", removed)
	}

	f.clock.Advance(2 * time.Minute)
	if removed := f.reporter.Cleanup(context.Background()); removed != 2 {
		t.Errorf("expected 2 entries removed at 24h01m, got %d", removed)
	}
	if got := f.events.Counter(telemetry.CategoryConsoleError); got != 1 {
		t.Errorf("cleanup must not touch counters, got %d", got)
	}
}

func TestReporter_CyclesRunOnTicks(t *testing.T) {
	f := newFixture(t, WithIntervals(5*time.Minute, 30*time.Second, time.Hour))
	f.trackErrors(1)
	f.analytics.TrackEvent("clicked", nil)

	f.reporter.Start(context.Background())
	f.clock.Advance(30 * time.Second)
	f.sender.waitFor(t, transport.Analytics)

	f.clock.Advance(5 * time.Minute)
	f.sender.waitFor(t, transport.Errors)

	if err := f.reporter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(f.sender.to(transport.Errors)); got != 1 {
		t.Errorf("expected 1 errors send, got %d", got)
	}
}

func TestReporter_StopFlushesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.reporter.Start(context.Background())
	f.trackErrors(2)

	if err := f.reporter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.reporter.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if got := len(f.sender.to(transport.Errors)); got != 1 {
		t.Errorf("expected exactly 1 final errors send, got %d", got)
	}
	if got := len(f.sender.to(transport.Metrics)); got != 1 {
		t.Errorf("expected exactly 1 final metrics send, got %d", got)
	}

	// Start after Stop is a no-op.
	f.reporter.Start(context.Background())
	f.clock.Advance(10 * time.Minute)
	if got := len(f.sender.to(transport.Metrics)); got != 1 {
		t.Errorf("expected no cycles after Stop, got %d metrics sends", got)
	}
}
