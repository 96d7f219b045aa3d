package activitylog

import (
	"context"
	"sync"
)

// MemorySink keeps entries in memory. Used when the activity log is enabled
// without a database, and in tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewMemorySink bounds retention at limit entries, oldest evicted first;
// zero means 1000.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySink{limit: limit}
}

// Write appends the entry, evicting the oldest past the limit.
func (s *MemorySink) Write(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
	return nil
}

// Entries snapshots the retained entries, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
