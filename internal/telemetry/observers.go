package telemetry

import (
	"log/slog"
	"slices"
	"sync"
)

// Observer receives a freshly recorded event.
type Observer func(MetricEvent)

type subscription struct {
	id       uint64
	category Category
	fn       Observer
}

// ObserverRegistry fans recorded events out to in-process subscribers.
// Observers run synchronously on the recording goroutine, in subscription
// order, and receive their own copy of the event.
type ObserverRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *slog.Logger
}

// NewObserverRegistry creates an empty registry.
func NewObserverRegistry(logger *slog.Logger) *ObserverRegistry {
	if logger == nil {
		logger = GetLogger()
	}
	return &ObserverRegistry{logger: logger}
}

// Subscribe registers fn for events of category, or for every event when
// category is CategoryAll. The returned func removes the subscription.
func (r *ObserverRegistry) Subscribe(category Category, fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, category: category, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.subs = slices.DeleteFunc(r.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Len returns the number of active subscriptions.
func (r *ObserverRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Notify delivers ev to the observers of its category and to CategoryAll
// observers. A panicking observer is logged and skipped.
func (r *ObserverRegistry) Notify(ev MetricEvent) {
	r.mu.RLock()
	var targets []Observer
	for _, s := range r.subs {
		if s.category == ev.Category || s.category == CategoryAll {
			targets = append(targets, s.fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range targets {
		r.deliver(fn, ev.clone())
	}
}

func (r *ObserverRegistry) deliver(fn Observer, ev MetricEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Observer panicked", "category", ev.Category, "event_id", ev.ID, "panic", rec)
		}
	}()
	fn(ev)
}
