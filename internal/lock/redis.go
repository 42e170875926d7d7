package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

var errLeaseBusy = errors.New("lease held by another holder")

// releaseScript deletes the key only if it still carries our token, so an
// expired lease taken over by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares leases between replicas through SET NX PX. A held
// lease is extended every ttl/3 until released, so ttl only bounds how long
// a crashed holder blocks the key.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	interval time.Duration
	logger   *logger.Logger
}

// NewRedisLocker creates a locker whose leases expire ttl after the last
// renewal.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		client:   client,
		prefix:   "relay:lock:",
		ttl:      ttl,
		interval: 100 * time.Millisecond,
		logger:   log.Named("lock"),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	b := backoff.WithContext(backoff.NewConstantBackOff(l.interval), ctx)
	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("acquire lease %s: %w", key, err))
		}
		if !ok {
			return errLeaseBusy
		}
		return nil
	}, b)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(redisKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lease", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}, nil
}

// renew extends the lease until stop is closed. A lease that expired and
// was taken over is reported once and no longer extended.
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("failed to extend lease", zap.String("key", redisKey), zap.Error(err))
		case n == 0:
			l.logger.Error("lease lost while held", zap.String("key", redisKey))
			return
		}
	}
}
