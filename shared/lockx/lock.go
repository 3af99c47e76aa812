package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidTTL = errors.New("ttl must be > 0")
	ErrEmptyKey   = errors.New("lock key is required")
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Lock is the grant returned by a successful Acquire. Token identifies this
// particular holder; Release is a no-op for any other token.
type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Locker is a keyed TTL mutex shared by every service instance.
// Acquire reports false without error when the key is held by someone else.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error)
	Release(ctx context.Context, lock *Lock) error
}

type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, script: redis.NewScript(releaseScript)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if err := checkArgs(key, ttl); err != nil {
		return nil, false, err
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, lock *Lock) error {
	if l == nil || l.client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{lock.Key}, lock.Token).Err()
}

func checkArgs(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
