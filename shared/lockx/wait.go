package lockx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/shared/metricsx"
)

type Wait struct {
	TTL     time.Duration
	Timeout time.Duration
	Retry   time.Duration
}

func (w Wait) normalized() Wait {
	if w.Retry <= 0 {
		w.Retry = 50 * time.Millisecond
	}
	if w.Timeout < 0 {
		w.Timeout = 0
	}
	return w
}

// AcquireWithin polls Acquire until it succeeds or w.Timeout elapses.
// Contention that outlasts the timeout is reported as (nil, false, nil);
// only store failures and context cancellation are errors.
func AcquireWithin(ctx context.Context, locker Locker, key string, w Wait) (*Lock, bool, error) {
	w = w.normalized()
	kind := keyKind(key)
	start := time.Now()
	deadline := start.Add(w.Timeout)

	for {
		lock, ok, err := locker.Acquire(ctx, key, w.TTL)
		if err != nil {
			metricsx.ObserveLock(kind, "error", time.Since(start))
			return nil, false, err
		}
		if ok {
			metricsx.ObserveLock(kind, "acquired", time.Since(start))
			return lock, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metricsx.ObserveLock(kind, "timeout", time.Since(start))
			return nil, false, nil
		}
		sleep := w.Retry
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			metricsx.ObserveLock(kind, "error", time.Since(start))
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// WithLock runs fn while holding key. It reports acquired=false without
// calling fn when the wait times out. The lock is released on every path,
// using a context detached from ctx so a cancelled caller still frees it.
func WithLock(ctx context.Context, locker Locker, key string, w Wait, fn func(ctx context.Context) error) (bool, error) {
	lock, ok, err := AcquireWithin(ctx, locker, key, w)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = locker.Release(releaseCtx, lock)
	}()
	return true, fn(ctx)
}

// BookingKey serializes allocation for one model at one station. A positive
// bucket adds the start time truncated to that granularity.
func BookingKey(modelID uuid.UUID, stationID uuid.UUID, start time.Time, bucket time.Duration) string {
	key := "lock:booking:" + modelID.String() + ":" + stationID.String()
	if bucket > 0 {
		key += ":" + start.UTC().Truncate(bucket).Format("200601021504")
	}
	return key
}

func VehicleKey(vehicleID uuid.UUID) string {
	return "lock:vehicle:" + vehicleID.String()
}

func OrderKey(orderCode string) string {
	return "lock:order:" + orderCode
}

func ContractKey(contractID uuid.UUID) string {
	return "lock:contract:" + contractID.String()
}

func keyKind(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) >= 2 && parts[0] == "lock" {
		return parts[1]
	}
	return "other"
}
