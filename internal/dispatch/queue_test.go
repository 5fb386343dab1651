package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	done     chan struct{}
	want     int
	seen     int
}

func newOutcomeLog(want int) *outcomeLog {
	return &outcomeLog{outcomes: map[Outcome]int{}, done: make(chan struct{}), want: want}
}

func (l *outcomeLog) hook(_ string, outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes[outcome]++
	l.seen++
	if l.seen == l.want {
		close(l.done)
	}
}

func (l *outcomeLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task outcomes")
	}
}

func TestQueue_Outcomes(t *testing.T) {
	log := newOutcomeLog(4)
	q := New(8, 50*time.Millisecond, WithLogger(quietLogger()), WithOutcomeHook(log.hook))
	defer q.Close(context.Background())

	submit := func(name string, task Task) {
		if err := q.Submit(name, task); err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
	}
	submit("ok", func(context.Context) error { return nil })
	submit("fails", func(context.Context) error { return errors.New("collector unavailable") })
	submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	submit("panics", func(context.Context) error { panic("boom") })

	log.wait(t)

	stats := q.Stats()
	if stats.Submitted != 4 {
		t.Errorf("expected 4 submitted, got %d", stats.Submitted)
	}
	if stats.Succeeded != 1 || stats.Failed != 2 || stats.TimedOut != 1 || stats.Dropped != 0 {
		t.Errorf("unexpected outcome counts %+v", stats)
	}
}

func TestQueue_FullQueueDrops(t *testing.T) {
	q := New(1, time.Second, WithLogger(quietLogger()))

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	noop := func(context.Context) error { return nil }

	if err := q.Submit("blocking", blocking); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := q.Submit("queued", noop); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if err := q.Submit("overflow", noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats := q.Stats()
	if stats.Succeeded != 2 || stats.Dropped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Submitted != stats.Succeeded+stats.Failed+stats.TimedOut+stats.Dropped {
		t.Errorf("every task must end in exactly one outcome: %+v", stats)
	}
}

func TestQueue_CloseDrainsPendingTasks(t *testing.T) {
	q := New(16, time.Second, WithLogger(quietLogger()))

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		if err := q.Submit("count", func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Errorf("expected all 10 tasks to run before Close returned, got %d", ran)
	}
}

func TestQueue_SubmitAfterClose(t *testing.T) {
	q := New(4, time.Second, WithLogger(quietLogger()))
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}

	err := q.Submit("late", func(context.Context) error { return nil })
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if q.Stats().Dropped != 1 {
		t.Errorf("expected late task to be counted as dropped")
	}
}

func TestQueue_CloseDeadlineCancelsRunningTask(t *testing.T) {
	q := New(4, time.Minute, WithLogger(quietLogger()))

	started := make(chan struct{})
	if err := q.Submit("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error from Close, got %v", err)
	}
}

func TestSentinelsLogOnOneLine(t *testing.T) {
	for _, err := range []error{ErrQueueFull, ErrQueueClosed} {
		var out bytes.Buffer
		slog.New(slog.NewTextHandler(&out, nil)).Warn("Immediate send dropped", "error", err)
		if got := strings.Count(out.String(), "\n"); got != 1 {
			t.Errorf("expected %q to log on one line, got:\n%s", err, out.String())
		}
	}
}
