package bytelimiter

import (
	"testing"
	"time"
)

func TestNewDisabledWhenMaxNonPositive(t *testing.T) {
	if New(0) != nil {
		t.Fatal("expected nil limiter for max <= 0")
	}
	if New(-1) != nil {
		t.Fatal("expected nil limiter for negative max")
	}
}

func TestTryAcquireRespectsCapacity(t *testing.T) {
	b := New(100)
	if !b.TryAcquire(60) {
		t.Fatal("expected first acquire to succeed")
	}
	if b.TryAcquire(60) {
		t.Fatal("expected second acquire to fail over capacity")
	}
	if b.Used() != 60 {
		t.Fatalf("got %d", b.Used())
	}
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	b := New(10)
	b.Acquire(10)

	unblocked := make(chan struct{})
	go func() {
		b.Acquire(5)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("acquire should still be blocked")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release(10)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("expected release to unblock waiter")
	}
}

func TestNilLimiterIsANoop(t *testing.T) {
	var b *ByteLimiter
	b.Acquire(1 << 20)
	if !b.TryAcquire(1 << 20) {
		t.Fatal("nil limiter TryAcquire should always succeed")
	}
	b.Release(1 << 20)
	b.Close()
	if b.Used() != 0 || b.Capacity() != 0 {
		t.Fatalf("got used=%d capacity=%d", b.Used(), b.Capacity())
	}
}
