package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a Locker backed by SET NX with a per-acquisition token. The lock
// expires after TTL so a crashed holder cannot block a record forever.
type Redis struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long an acquired lock lives (default: 10s).
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRetryInterval sets the polling interval while waiting (default: 25ms).
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.retry = d }
}

// WithWaitTimeout bounds how long Lock waits before giving up (default: 5s).
func WithWaitTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.wait = d }
}

// WithKeyPrefix namespaces lock keys (default: "tally:lock:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: "tally:lock:",
		ttl:    10 * time.Second,
		retry:  25 * time.Millisecond,
		wait:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock makes a single acquisition attempt and returns the token on success.
func (r *Redis) TryLock(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, errors.New("lock: redis client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock: key is empty")
	}
	if r.ttl <= 0 {
		return "", false, errors.New("lock: ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the lock if it is still held with token.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	if r == nil || r.client == nil || key == "" || token == "" {
		return nil
	}
	return r.script.Run(ctx, r.client, []string{r.prefix + key}, token).Err()
}

// Lock implements Locker by polling TryLock until it succeeds, ctx is done or
// the wait timeout elapses.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	deadline := time.Now().Add(r.wait)
	for {
		token, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					_ = r.Release(context.Background(), key, token) //nolint:errcheck // lock expires on its own
				})
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
