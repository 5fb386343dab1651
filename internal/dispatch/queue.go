// Package dispatch runs fire-and-forget sends on a bounded queue so that
// recording telemetry never waits on the network.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nathannam/console-observability/internal/telemetry"
)

const (
	DefaultSize    = 64
	DefaultTimeout = 10 * time.Second
)

// Outcome is how a submitted task ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeDropped   Outcome = "dropped"
)

// Task is one unit of work. It must honour ctx cancellation.
type Task func(ctx context.Context) error

// Stats counts task outcomes. Every submitted task ends in exactly one of
// Succeeded, Failed, TimedOut or Dropped.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timedOut"`
	Dropped   uint64 `json:"dropped"`
	Depth     int    `json:"depth"`
}

type job struct {
	name string
	task Task
}

// Queue is a bounded FIFO of tasks served by a single worker goroutine.
type Queue struct {
	tasks   chan job
	timeout time.Duration
	logger  *slog.Logger
	counter metric.Int64Counter
	onDone  func(name string, outcome Outcome)

	// mu guards closed and makes Submit's channel send safe against Close.
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for failed tasks.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMeter records outcomes on a console.dispatch.tasks counter.
func WithMeter(m metric.Meter) Option {
	return func(q *Queue) {
		counter, err := m.Int64Counter("console.dispatch.tasks",
			metric.WithDescription("Dispatched telemetry sends by outcome"))
		if err == nil {
			q.counter = counter
		}
	}
}

// WithOutcomeHook is called after every task ends, including dropped ones.
func WithOutcomeHook(fn func(name string, outcome Outcome)) Option {
	return func(q *Queue) { q.onDone = fn }
}

// New starts a queue holding at most size pending tasks, each run with the
// given timeout. Non-positive values fall back to the defaults.
func New(size int, timeout time.Duration, opts ...Option) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:   make(chan job, size),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = telemetry.GetLogger()
	}

	q.wg.Add(1)
	go q.work()
	return q
}

// Submit enqueues task without blocking. When the queue is full or closed
// the task is dropped and counted.
func (q *Queue) Submit(name string, task Task) error {
	q.submitted.Add(1)

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.finish(name, OutcomeDropped)
		return ErrQueueClosed
	}

	select {
	case q.tasks <- job{name: name, task: task}:
		return nil
	default:
		q.finish(name, OutcomeDropped)
		return ErrQueueFull
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.tasks {
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := invoke(ctx, j.task)
	switch {
	case err == nil:
		q.finish(j.name, OutcomeSucceeded)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		q.logger.Warn("Dispatched task timed out", "task", j.name, "timeout", q.timeout, "error", err)
		q.finish(j.name, OutcomeTimedOut)
	default:
		q.logger.Warn("Dispatched task failed", "task", j.name, "error", err)
		q.finish(j.name, OutcomeFailed)
	}
}

func invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (q *Queue) finish(name string, outcome Outcome) {
	switch outcome {
	case OutcomeSucceeded:
		q.succeeded.Add(1)
	case OutcomeFailed:
		q.failed.Add(1)
	case OutcomeTimedOut:
		q.timedOut.Add(1)
	case OutcomeDropped:
		q.dropped.Add(1)
	}
	if q.counter != nil {
		q.counter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("task", name),
			attribute.String("outcome", string(outcome)),
		))
	}
	if q.onDone != nil {
		q.onDone(name, outcome)
	}
}

// Stats returns the current outcome counts.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		TimedOut:  q.timedOut.Load(),
		Dropped:   q.dropped.Load(),
		Depth:     len(q.tasks),
	}
}

// Close stops accepting tasks and waits for the pending ones to run. If ctx
// ends first, the running task is cancelled and Close returns ctx's error.
// Close is idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return errors.Wrap(ctx.Err(), "draining dispatch queue")
	}
}
