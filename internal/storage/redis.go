package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auto-earn/internal/config"
	"github.com/auto-earn/internal/logging"
	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NewAccountLock returns the lock serializing sweeps of one Safe across processes
func (r *RedisCache) NewAccountLock(safe string, ttl time.Duration) *DistLock {
	return NewDistLock(r.client, AccountLockKey(safe), ttl)
}

// Lease is a held account lock kept alive in the background. Lost is closed
// once the lock can no longer be shown to be ours.
type Lease interface {
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// AccountLocker hands out per-Safe sweep locks backed by redis
type AccountLocker struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewAccountLocker creates a locker whose locks expire after ttl unless renewed
func NewAccountLocker(cache *RedisCache, ttl time.Duration) *AccountLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &AccountLocker{cache: cache, ttl: ttl}
}

// TryLockAccount takes the sweep lock for safe without waiting. ok is false when
// another run holds it. The returned lease renews the lock every ttl/3 until
// released.
func (l *AccountLocker) TryLockAccount(ctx context.Context, safe string) (lease Lease, ok bool, err error) {
	lock := l.cache.NewAccountLock(safe, l.ttl)
	ok, err = lock.TryLock(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to take sweep lock for %s: %w", safe, err)
	}
	if !ok {
		return nil, false, nil
	}

	al := &accountLease{
		lock: lock,
		ttl:  l.ttl,
		lost: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go al.keepAlive(logging.FromContext(ctx).WithField("lock", lock.Key()))
	return al, true, nil
}

type accountLease struct {
	lock *DistLock
	ttl  time.Duration
	lost chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (a *accountLease) Lost() <-chan struct{} {
	return a.lost
}

// keepAlive extends the lock until stopped. A refused extension means the key
// expired or changed hands; failed calls are tolerated until the last good
// extension is a full ttl old, by which point redis has dropped the key anyway.
func (a *accountLease) keepAlive(logger *logging.Logger) {
	defer close(a.done)

	ticker := time.NewTicker(a.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.ttl/3)
		err := a.lock.Extend(ctx)
		cancel()

		switch {
		case err == nil:
			lastOK = time.Now()
			continue
		case errors.Is(err, ErrLockNotHeld):
			logger.Warn("Sweep lock taken over by another holder")
		case time.Since(lastOK) >= a.ttl:
			logger.WithError(err).Warn("Sweep lock could not be renewed before it expired")
		default:
			logger.WithError(err).Debug("Sweep lock renewal failed, retrying")
			continue
		}
		close(a.lost)
		return
	}
}

// Release stops renewal and deletes the lock if it is still ours
func (a *accountLease) Release(ctx context.Context) error {
	a.once.Do(func() { close(a.stop) })
	<-a.done
	return a.lock.Unlock(ctx)
}
