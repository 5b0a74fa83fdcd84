package llm

import (
	"context"
	"testing"
	"time"
)

func TestSessionLimiter_ExampleEFromSpec(t *testing.T) {
	l := NewSessionLimiter(LimiterConfig{GlobalLimit: 3, PerSessionLimit: 2})

	p1, ok := l.TryAcquire("S1")
	if !ok {
		t.Fatal("expected first S1 acquire to succeed")
	}
	p2, ok := l.TryAcquire("S1")
	if !ok {
		t.Fatal("expected second S1 acquire to succeed")
	}
	if _, ok := l.TryAcquire("S1"); ok {
		t.Fatal("expected third S1 acquire to fail (per-session limit is 2)")
	}

	if _, ok := l.TryAcquire("S2"); !ok {
		t.Fatal("expected first S2 acquire to succeed (global has one slot left)")
	}
	if _, ok := l.TryAcquire("S2"); ok {
		t.Fatal("expected second S2 acquire to fail (global limit is saturated)")
	}

	p1.Release()
	if _, ok := l.TryAcquire("S2"); !ok {
		t.Fatal("expected S2 acquire to succeed after releasing an S1 permit")
	}
	p2.Release()
}

func TestSessionLimiter_ReleaseIsIdempotent(t *testing.T) {
	l := NewSessionLimiter(LimiterConfig{GlobalLimit: 1, PerSessionLimit: 1})
	p, ok := l.TryAcquire("S1")
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	p.Release()
	p.Release() // must not double-decrement

	stats := l.Stats()
	if stats.GlobalInUse != 0 {
		t.Fatalf("GlobalInUse = %d, want 0 after idempotent release", stats.GlobalInUse)
	}
}

func TestSessionLimiter_AcquireBlocksUntilReleased(t *testing.T) {
	l := NewSessionLimiter(LimiterConfig{GlobalLimit: 1, PerSessionLimit: 1})
	p, ok := l.TryAcquire("S1")
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := l.Acquire(ctx, "S2"); err != nil {
			t.Errorf("Acquire: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before the blocking permit was released")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestSessionLimiter_AcquireRespectsContextCancellation(t *testing.T) {
	l := NewSessionLimiter(LimiterConfig{GlobalLimit: 1, PerSessionLimit: 1})
	if _, ok := l.TryAcquire("S1"); !ok {
		t.Fatal("expected acquire to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "S2"); err == nil {
		t.Fatal("expected Acquire to fail once its context is done")
	}
}

func TestSessionLimiter_RemoveSessionDoesNotRevokeLeakedPermits(t *testing.T) {
	l := NewSessionLimiter(LimiterConfig{GlobalLimit: 1, PerSessionLimit: 1})
	p, ok := l.TryAcquire("S1")
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	l.RemoveSession("S1")
	stats := l.Stats()
	if stats.GlobalInUse != 1 {
		t.Fatalf("GlobalInUse = %d, want 1 (leaked permit still holds global slot)", stats.GlobalInUse)
	}
	if _, tracked := stats.Sessions["S1"]; tracked {
		t.Fatal("expected S1 tracking to be cleared")
	}

	p.Release()
	if got := l.Stats().GlobalInUse; got != 0 {
		t.Fatalf("GlobalInUse after release = %d, want 0", got)
	}
}

func TestSessionLimiter_DefaultsAppliedForNonPositiveBounds(t *testing.T) {
	l := NewSessionLimiter(LimiterConfig{})
	stats := l.Stats()
	if stats.GlobalLimit != DefaultLimiterConfig().GlobalLimit {
		t.Fatalf("GlobalLimit = %d, want default", stats.GlobalLimit)
	}
	if stats.PerSessionLimit != DefaultLimiterConfig().PerSessionLimit {
		t.Fatalf("PerSessionLimit = %d, want default", stats.PerSessionLimit)
	}
}
