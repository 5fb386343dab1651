package fallback

import (
	"context"

	"github.com/nathannam/console-observability/internal/dispatch"
)

// Async writes records to a Cache on a dispatch queue's worker, so Append
// returns without touching the store. A full queue drops the record.
type Async struct {
	cache *Cache
	queue *dispatch.Queue
}

// NewAsync wraps cache. The caller owns queue and closes it to drain the
// pending writes.
func NewAsync(cache *Cache, queue *dispatch.Queue) *Async {
	return &Async{cache: cache, queue: queue}
}

// Append enqueues record and returns dispatch.ErrQueueFull or
// dispatch.ErrQueueClosed when it was dropped.
func (a *Async) Append(record any) error {
	return a.queue.Submit("fallback_append", func(context.Context) error {
		return a.cache.Append(record)
	})
}

// Cache returns the wrapped cache.
func (a *Async) Cache() *Cache { return a.cache }
