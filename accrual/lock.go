package accrual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// LOCKER - Per-user serialization of orchestrator calls
// =============================================================================

// Locker serializes work per user. The returned unlock func must be called
// exactly once; calling it again is a no-op.
type Locker interface {
	Lock(ctx context.Context, userID ledger.UserID) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[ledger.UserID]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[ledger.UserID]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[userID]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[userID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(userID, e)
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockNotObtained, userID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(userID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(userID ledger.UserID, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, userID)
	}
}

// size is the number of live entries.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// =============================================================================
// REDIS LOCKER - Serialization across server instances
// =============================================================================

const (
	DefaultLockTTL     = 30 * time.Second
	redisLockKeyPrefix = "leave-ledger:lock:"
)

// RedisLocker holds a Redis lock per user for the duration of a call.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	retries int
	log     logrus.FieldLogger
}

// NewRedisLocker creates a locker on rdb. A non-positive ttl uses
// DefaultLockTTL. Acquisition retries linearly for about one ttl.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	backoff := 100 * time.Millisecond
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		backoff: backoff,
		retries: int(ttl / backoff),
		log:     log,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	key := redisLockKeyPrefix + string(userID)
	lock, err := r.client.Obtain(ctx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrLockNotObtained, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockNotObtained, userID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done; release on our own.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.log.WithError(err).WithField("key", key).Warn("failed to release lock")
			}
		})
	}, nil
}
