package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// globalKey is the lock key used when cycles exclude each other
// process-wide.
const globalKey = "global"

// CycleLock guards a cycle. TryAcquire never waits: a held key reports
// ok=false.
type CycleLock interface {
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// LocalLock is an in-process lock set.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]bool)}
}

func (l *LocalLock) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock excludes cycles across processes sharing one Redis. The TTL
// bounds how long a crashed holder blocks others.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLock(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLock {
	return &RedisLock{client: client, prefix: "crew:cycle:", ttl: ttl, logger: logger}
}

func (l *RedisLock) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
				l.logger.Warn("release cycle lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}
