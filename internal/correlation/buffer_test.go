package correlation

import (
	"testing"
	"time"
)

func TestSlidingBufferSizeBound(t *testing.T) {
	buf := NewSlidingBuffer[int](time.Minute, 3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		buf.Add(base.Add(time.Duration(i)*time.Second), i)
	}
	if got := buf.Size(); got != 3 {
		t.Fatalf("size = %d, want 3", got)
	}
	got := buf.List(0)
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list = %v, want %v (oldest first)", got, want)
		}
	}
}

func TestSlidingBufferAgeBound(t *testing.T) {
	buf := NewSlidingBuffer[string](30*time.Second, 100)
	now := time.Unix(1700000000, 0)
	buf.now = func() time.Time { return now }

	buf.Add(now.Add(-40*time.Second), "stale")
	buf.Add(now.Add(-10*time.Second), "fresh")
	if got := buf.Size(); got != 1 {
		t.Fatalf("size = %d, want 1 after age prune", got)
	}
	if got := buf.List(0); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("list = %v, want [fresh]", got)
	}
}

func TestSlidingBufferRangeInclusive(t *testing.T) {
	buf := NewSlidingBuffer[int](time.Hour, 100)
	base := time.Unix(1700000000, 0)
	buf.now = func() time.Time { return base.Add(time.Minute) }
	for i, offset := range []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second} {
		buf.Add(base.Add(offset), i)
	}
	got := buf.Range(base.Add(15*time.Second), base.Add(30*time.Second))
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("range = %v, want [1 2] oldest first", got)
	}
}

func TestSlidingBufferListMaxAge(t *testing.T) {
	buf := NewSlidingBuffer[string](time.Hour, 100)
	now := time.Unix(1700000000, 0)
	buf.now = func() time.Time { return now }
	buf.Add(now.Add(-45*time.Second), "old")
	buf.Add(now.Add(-5*time.Second), "new")
	if got := buf.List(10 * time.Second); len(got) != 1 || got[0] != "new" {
		t.Fatalf("list(10s) = %v, want [new]", got)
	}
	if got := buf.List(0); len(got) != 2 {
		t.Fatalf("list(0) = %v, want both items", got)
	}
}

func TestSlidingBufferPruneStopsAtFreshItem(t *testing.T) {
	buf := NewSlidingBuffer[int](30*time.Second, 100)
	now := time.Unix(1700000000, 0)
	buf.now = func() time.Time { return now }

	// A late arrival older than the window that lands behind fresh items
	// survives pruning; arrivals are only roughly ordered and the prune
	// scan stops at the first fresh entry.
	buf.Add(now.Add(-10*time.Second), 1)
	buf.Add(now.Add(-40*time.Second), 2)
	if got := buf.Size(); got != 2 {
		t.Fatalf("size = %d, want 2 (late arrival kept)", got)
	}
}
