package lockx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker implements Locker inside one process. It is used by tests and
// by STORE_BACKEND=memory; multi-instance deployments must use RedisLocker.
type MemoryLocker struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now, entries: make(map[string]memoryEntry)}
}

// WithClock replaces the time source; expiry is evaluated lazily against it.
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if err := checkArgs(key, ttl); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.entries[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.entries[lock.Key]; ok && cur.token == lock.Token {
		delete(l.entries, lock.Key)
	}
	return nil
}

// Held reports whether key currently has an unexpired holder.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[key]
	return ok && l.now().Before(cur.expiresAt)
}
