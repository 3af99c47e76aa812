package lockx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := l.Acquire(ctx, "lock:booking:x", time.Minute); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one holder, got %d", wins)
	}
}

func TestMemoryLockerReleaseRequiresToken(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lock, ok, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	if err := l.Release(ctx, &Lock{Key: "k", Token: "someone-else"}); err != nil {
		t.Fatalf("foreign release should be a no-op, got %v", err)
	}
	if !l.Held("k") {
		t.Fatalf("lock released by foreign token")
	}
	if err := l.Release(ctx, lock); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, lock); err != nil {
		t.Fatalf("second release should be idempotent, got %v", err)
	}
	if l.Held("k") {
		t.Fatalf("lock still held after release")
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLocker().WithClock(func() time.Time { return now })
	ctx := context.Background()

	first, ok, _ := l.Acquire(ctx, "k", time.Second)
	if !ok {
		t.Fatalf("first acquire failed")
	}
	if _, ok, _ := l.Acquire(ctx, "k", time.Second); ok {
		t.Fatalf("second acquire should fail while held")
	}

	now = now.Add(2 * time.Second)
	second, ok, _ := l.Acquire(ctx, "k", time.Second)
	if !ok {
		t.Fatalf("expired lock should be re-acquirable")
	}
	// the stale holder must not release the new grant
	_ = l.Release(ctx, first)
	if !l.Held("k") {
		t.Fatalf("stale token released a newer grant")
	}
	_ = l.Release(ctx, second)
}

func TestAcquireArgs(t *testing.T) {
	l := NewMemoryLocker()
	if _, _, err := l.Acquire(context.Background(), "", time.Second); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, _, err := l.Acquire(context.Background(), "k", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}

func TestAcquireWithinTimesOutWithoutError(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	if _, ok, _ := l.Acquire(ctx, "lock:vehicle:a", time.Minute); !ok {
		t.Fatalf("setup acquire failed")
	}

	start := time.Now()
	lock, ok, err := AcquireWithin(ctx, l, "lock:vehicle:a", Wait{TTL: time.Minute, Timeout: 30 * time.Millisecond, Retry: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if ok || lock != nil {
		t.Fatalf("expected no grant, got %#v", lock)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("returned before the wait elapsed")
	}
}

func TestAcquireWithinWaitsForRelease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	held, _, _ := l.Acquire(ctx, "k", time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Release(ctx, held)
	}()

	lock, ok, err := AcquireWithin(ctx, l, "k", Wait{TTL: time.Minute, Timeout: time.Second, Retry: 5 * time.Millisecond})
	if err != nil || !ok || lock == nil {
		t.Fatalf("expected grant after release: ok=%v err=%v", ok, err)
	}
}

func TestAcquireWithinHonoursCancel(t *testing.T) {
	l := NewMemoryLocker()
	if _, ok, _ := l.Acquire(context.Background(), "k", time.Minute); !ok {
		t.Fatalf("setup acquire failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok, err := AcquireWithin(ctx, l, "k", Wait{TTL: time.Minute, Timeout: time.Second, Retry: 5 * time.Millisecond})
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got ok=%v err=%v", ok, err)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := NewMemoryLocker()
	boom := errors.New("boom")
	acquired, err := WithLock(context.Background(), l, "k", Wait{TTL: time.Minute}, func(ctx context.Context) error {
		if !l.Held("k") {
			t.Fatalf("lock not held inside fn")
		}
		return boom
	})
	if !acquired || !errors.Is(err, boom) {
		t.Fatalf("expected acquired with fn error, got acquired=%v err=%v", acquired, err)
	}
	if l.Held("k") {
		t.Fatalf("lock leaked after fn error")
	}
}

func TestWithLockReleasesAfterCallerCancel(t *testing.T) {
	l := NewMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	acquired, _ := WithLock(ctx, l, "k", Wait{TTL: time.Minute}, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !acquired {
		t.Fatalf("expected acquisition")
	}
	if l.Held("k") {
		t.Fatalf("lock leaked after caller cancellation")
	}
}

func TestWithLockSerializesCriticalSection(t *testing.T) {
	l := NewMemoryLocker()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = WithLock(context.Background(), l, "k", Wait{TTL: time.Minute, Timeout: 5 * time.Second, Retry: time.Millisecond}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("critical section overlapped: max %d", maxInside)
	}
}

func TestBookingKey(t *testing.T) {
	model := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	station := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	a := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	b := time.Date(2024, 5, 1, 10, 0, 55, 0, time.UTC)
	c := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)

	if BookingKey(model, station, a, 0) != BookingKey(model, station, c, 0) {
		t.Fatalf("unbucketed key must ignore start time")
	}
	if BookingKey(model, station, a, time.Minute) != BookingKey(model, station, b, time.Minute) {
		t.Fatalf("same bucket should share a key")
	}
	if BookingKey(model, station, a, time.Minute) == BookingKey(model, station, c, time.Minute) {
		t.Fatalf("different buckets should differ")
	}
	if keyKind(BookingKey(model, station, a, 0)) != "booking" || keyKind(VehicleKey(model)) != "vehicle" || keyKind(OrderKey("X1")) != "order" {
		t.Fatalf("unexpected key kinds")
	}
}
