// Package ring provides the fixed-capacity FIFO store used for every
// category group of recorded telemetry.
package ring

import "sync"

// DefaultCapacity is the number of entries a buffer keeps when no capacity
// is configured.
const DefaultCapacity = 100

// Buffer is a fixed-capacity circular buffer that evicts its oldest entry
// when full. Every pushed entry is assigned a sequence number that grows
// monotonically for the lifetime of the buffer, so readers can ask for
// "everything after sequence N" across evictions and removals.
//
// All methods are safe for concurrent use.
type Buffer[T any] struct {
	mutex    sync.Mutex
	entries  []entry[T]
	capacity int
	// start is the index of the oldest entry; size the number stored.
	start int
	size  int
	// written is the sequence number of the most recent push.
	written uint64
}

type entry[T any] struct {
	seq   uint64
	value T
}

// New creates a buffer holding at most capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{
		entries:  make([]entry[T], capacity),
		capacity: capacity,
	}
}

// Push appends value, evicting the oldest entry if the buffer is full.
// It returns the sequence number assigned to value.
func (b *Buffer[T]) Push(value T) uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.written++
	position := (b.start + b.size) % b.capacity
	b.entries[position] = entry[T]{seq: b.written, value: value}
	if b.size < b.capacity {
		b.size++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
	return b.written
}

// Len returns the number of entries currently stored.
func (b *Buffer[T]) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int { return b.capacity }

// Written returns the sequence number of the most recent push, which is
// also the total number of pushes ever made.
func (b *Buffer[T]) Written() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.written
}

// Items returns the stored values, oldest first.
func (b *Buffer[T]) Items() []T {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(b.start+i)%b.capacity].value)
	}
	return out
}

// Tail returns at most n of the most recent values, oldest first.
func (b *Buffer[T]) Tail(n int) []T {
	items := b.Items()
	if n >= 0 && len(items) > n {
		items = items[len(items)-n:]
	}
	return items
}

// Since returns the values pushed after sequence number seq, oldest first,
// together with the sequence number of the newest value in the buffer.
func (b *Buffer[T]) Since(seq uint64) ([]T, uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var out []T
	for i := 0; i < b.size; i++ {
		e := b.entries[(b.start+i)%b.capacity]
		if e.seq > seq {
			out = append(out, e.value)
		}
	}
	return out, b.written
}

// RemoveFunc deletes every entry for which remove returns true and reports
// how many were deleted. Relative order of the survivors is preserved.
func (b *Buffer[T]) RemoveFunc(remove func(T) bool) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.compact(func(e entry[T]) bool { return remove(e.value) })
}

// RemoveThrough deletes every entry with a sequence number at or below seq.
func (b *Buffer[T]) RemoveThrough(seq uint64) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.compact(func(e entry[T]) bool { return e.seq <= seq })
}

// Reset drops every entry. Sequence numbers keep growing.
func (b *Buffer[T]) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	var zero entry[T]
	for i := range b.entries {
		b.entries[i] = zero
	}
	b.start, b.size = 0, 0
}

func (b *Buffer[T]) compact(remove func(entry[T]) bool) int {
	kept := make([]entry[T], 0, b.size)
	for i := 0; i < b.size; i++ {
		e := b.entries[(b.start+i)%b.capacity]
		if !remove(e) {
			kept = append(kept, e)
		}
	}
	removed := b.size - len(kept)
	if removed == 0 {
		return 0
	}

	var zero entry[T]
	for i := range b.entries {
		b.entries[i] = zero
	}
	copy(b.entries, kept)
	b.start, b.size = 0, len(kept)
	return removed
}
