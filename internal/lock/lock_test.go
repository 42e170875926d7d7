package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

func exerciseExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "thread-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLockerSerialisesSameKey(t *testing.T) {
	exerciseExclusion(t, NewLocalLocker())
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	r1, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r2, err := l.Acquire(ctx, "b")
	require.NoError(t, err)
	r2()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	again, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	again()
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	l, mr, _ := newObservedRedisLocker(t, time.Minute)
	return l, mr
}

func newObservedRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis, *observer.ObservedLogs) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewRedisLocker(client, ttl, &logger.Logger{Logger: zap.New(core)})
	l.interval = time.Millisecond
	return l, mr, logs
}

func TestRedisLockerSerialisesSameKey(t *testing.T) {
	l, _ := newRedisLocker(t)
	exerciseExclusion(t, l)
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	l, mr := newRedisLocker(t)

	release, err := l.Acquire(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("relay:lock:thread-1"))

	// Simulate expiry followed by another holder taking the lease.
	mr.Set("relay:lock:thread-1", "someone-else")
	release()

	got, err := mr.Get("relay:lock:thread-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockerHonoursContext(t *testing.T) {
	l, _ := newRedisLocker(t)
	release, err := l.Acquire(context.Background(), "thread-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "thread-1")
	require.Error(t, err)
}

func TestRedisLockerExtendsHeldLease(t *testing.T) {
	l, mr, logs := newObservedRedisLocker(t, 60*time.Millisecond)

	release, err := l.Acquire(context.Background(), "thread-1")
	require.NoError(t, err)

	mr.SetTTL("relay:lock:thread-1", time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL("relay:lock:thread-1") == 60*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	release()
	assert.False(t, mr.Exists("relay:lock:thread-1"))
	assert.Zero(t, logs.FilterMessage("lease lost while held").Len())
}

func TestRedisLockerReportsLostLease(t *testing.T) {
	l, mr, logs := newObservedRedisLocker(t, 30*time.Millisecond)

	release, err := l.Acquire(context.Background(), "thread-1")
	require.NoError(t, err)
	defer release()

	mr.Set("relay:lock:thread-1", "someone-else")
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("lease lost while held").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRedisLockerLogsReleaseFailure(t *testing.T) {
	l, _, logs := newObservedRedisLocker(t, time.Minute)

	release, err := l.Acquire(context.Background(), "thread-1")
	require.NoError(t, err)

	require.NoError(t, l.client.Close())
	release()
	assert.Equal(t, 1, logs.FilterMessage("failed to release lease").Len())
}
