package buyerlock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "starshop:purchase-lock:"
	defaultTTL       = 30 * time.Second
	releaseTimeout   = 5 * time.Second
	refreshDivisor   = 3
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisClient is the part of the go-redis client the locker uses. redis.UniversalClient satisfies it.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker shares locks across processes through Redis keys with an expiry.
// A held lock is refreshed in the background until it is released, so the TTL only
// bounds how long a crashed holder keeps the buyer locked.
type RedisLocker struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisOption customizes a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the key expiry. Held locks are refreshed every third of it.
func WithTTL(ttl time.Duration) RedisOption {
	return func(locker *RedisLocker) {
		if ttl > 0 {
			locker.ttl = ttl
		}
	}
}

// WithKeyPrefix namespaces the lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(locker *RedisLocker) {
		if strings.TrimSpace(prefix) != "" {
			locker.keyPrefix = prefix
		}
	}
}

// NewRedisLocker wires a RedisLocker.
func NewRedisLocker(client RedisClient, logger *zap.Logger, options ...RedisOption) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("buyerlock: redis client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := &RedisLocker{client: client, keyPrefix: defaultKeyPrefix, ttl: defaultTTL, logger: logger}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker, nil
}

// Acquire sets the buyer key only if it is absent and keeps it alive until release.
// Release deletes the key only while it still holds this token.
func (locker *RedisLocker) Acquire(ctx context.Context, buyerID string) (func(), error) {
	key := locker.keyPrefix + strings.TrimSpace(buyerID)
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, key, token, locker.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("buyerlock: acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrBusy
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go locker.keepAlive(key, token, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, locker.client, []string{key}, token).Err(); err != nil {
				locker.logger.Warn("buyer lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (locker *RedisLocker) keepAlive(key string, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	interval := locker.ttl / refreshDivisor
	if interval <= 0 {
		interval = locker.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), interval)
		refreshed, err := refreshScript.Run(refreshCtx, locker.client, []string{key}, token, locker.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			locker.logger.Warn("buyer lock refresh failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if refreshed == 0 {
			locker.logger.Error("buyer lock lost before release", zap.String("key", key))
			return
		}
	}
}
