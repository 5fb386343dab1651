package fallback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/dispatch"
)

func TestAsync_AppendDoesNotWaitForHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	kv, err := NewFileKV(path)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	cache := NewCache(kv, 10, quietLogger())
	queue := dispatch.New(4, 5*time.Second, dispatch.WithLogger(quietLogger()))

	other := flock.New(path + ".lock")
	if locked, err := other.TryLock(); !locked || err != nil {
		t.Fatalf("acquiring competing lock: locked=%v err=%v", locked, err)
	}

	start := time.Now()
	if err := NewAsync(cache, queue).Append(map[string]string{"message": "token expired"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Append blocked for %s while the store was locked", elapsed)
	}

	_ = other.Unlock()
	if err := queue.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	records, err := cache.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected the record written once the lock was released, got %d", len(records))
	}
}

func TestAsync_ClosedQueueDropsRecord(t *testing.T) {
	cache := NewCache(NewMemoryKV(), 10, quietLogger())
	queue := dispatch.New(1, time.Second, dispatch.WithLogger(quietLogger()))
	if err := queue.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := NewAsync(cache, queue).Append("late"); !errors.Is(err, dispatch.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if records, _ := cache.List(); len(records) != 0 {
		t.Errorf("expected nothing stored, got %d records", len(records))
	}
}
