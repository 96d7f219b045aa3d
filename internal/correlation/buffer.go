// Package correlation estimates the broadcaster-to-viewer stream delay from
// speech and chat activity signals and scores chat messages against recent
// transcriptions. Matches above a confidence floor are published for
// downstream consumers.
package correlation

import (
	"sync"
	"time"
)

// SlidingBuffer keeps timestamped items bounded both by age and by count.
// Items are stored in arrival order; arrivals are assumed to be roughly
// time-ordered, which lets pruning stop at the first still-fresh item.
type SlidingBuffer[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	items   []bufferEntry[T]
	now     func() time.Time
}

type bufferEntry[T any] struct {
	at   time.Time
	item T
}

// NewSlidingBuffer bounds items to the given age window and count.
func NewSlidingBuffer[T any](window time.Duration, maxSize int) *SlidingBuffer[T] {
	if window <= 0 {
		window = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SlidingBuffer[T]{
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add appends an item and prunes anything that fell out of the window or
// exceeds the size bound.
func (b *SlidingBuffer[T]) Add(at time.Time, item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, bufferEntry[T]{at: at, item: item})
	b.pruneLocked()
}

// Range returns items with timestamps in [minT, maxT], oldest first.
func (b *SlidingBuffer[T]) Range(minT, maxT time.Time) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []T
	for _, e := range b.items {
		if e.at.Before(minT) || e.at.After(maxT) {
			continue
		}
		out = append(out, e.item)
	}
	return out
}

// List returns buffered items oldest first. A positive maxAge restricts the
// result to items younger than that.
func (b *SlidingBuffer[T]) List(maxAge time.Duration) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = b.now().Add(-maxAge)
	}
	var out []T
	for _, e := range b.items {
		if !cutoff.IsZero() && e.at.Before(cutoff) {
			continue
		}
		out = append(out, e.item)
	}
	return out
}

// Size reports the current item count.
func (b *SlidingBuffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Prune drops items older than the window and trims to the size bound.
func (b *SlidingBuffer[T]) Prune() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
}

func (b *SlidingBuffer[T]) pruneLocked() {
	cutoff := b.now().Add(-b.window)
	drop := 0
	for drop < len(b.items) && b.items[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(b.items) - drop - b.maxSize; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.items = append(b.items[:0], b.items[drop:]...)
	}
}
