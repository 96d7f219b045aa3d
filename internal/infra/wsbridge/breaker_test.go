package wsbridge

import (
	"testing"
	"time"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := newBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	if ok, _ := b.allow(); !ok {
		t.Fatal("closed breaker must allow dials")
	}

	b.recordFailure()
	if ok, _ := b.allow(); !ok {
		t.Fatal("one failure below threshold must still allow")
	}

	b.recordFailure()
	ok, retryIn := b.allow()
	if ok {
		t.Fatal("breaker must open at the failure threshold")
	}
	if retryIn != time.Minute {
		t.Fatalf("retryIn = %v, want %v", retryIn, time.Minute)
	}

	now = now.Add(30 * time.Second)
	ok, retryIn = b.allow()
	if ok {
		t.Fatal("breaker must stay open during cooldown")
	}
	if retryIn != 30*time.Second {
		t.Fatalf("retryIn = %v, want %v", retryIn, 30*time.Second)
	}

	now = now.Add(31 * time.Second)
	if ok, _ := b.allow(); !ok {
		t.Fatal("cooldown elapsed; probe must be allowed")
	}

	b.recordFailure()
	if ok, _ := b.allow(); ok {
		t.Fatal("failed probe must reopen immediately")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := b.allow(); !ok {
		t.Fatal("second probe must be allowed after another cooldown")
	}
	b.recordSuccess()

	b.recordFailure()
	if ok, _ := b.allow(); !ok {
		t.Fatal("a single failure after recovery must not reopen")
	}
}
