package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/domain"
)

const keyPrefix = "fiscal:submit:"

// Release gives the lock back. Releasing a lock that already expired is a no-op.
type Release func(ctx context.Context) error

// Locker serializes work on a key across callers. Acquire fails with
// domain.ErrSubmissionInProgress while another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionInProgress, key)
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, token).Err()
	}, nil
}

type held struct {
	token   string
	expires time.Time
}

// MemoryLocker is the single-process Locker used when Redis is not configured.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]held
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]held), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.locks[key]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionInProgress, key)
	}
	token := uuid.NewString()
	l.locks[key] = held{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.locks[key]; ok && h.token == token {
			delete(l.locks, key)
		}
		return nil
	}, nil
}

// NewRedisClient connects to Redis, or returns (nil, nil) when no URL is configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New picks the Redis locker when a client is available.
func New(client *redis.Client) Locker {
	if client == nil {
		return NewMemoryLocker()
	}
	return NewRedisLocker(client)
}
