package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by Unlock and Extend when the key expired or belongs to another holder
var ErrLockNotHeld = errors.New("lock not held")

// Deletes the key only if it still carries our token.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Resets the expiry only if the key still carries our token.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// AccountLockKey is the redis key guarding sweeps of one Safe
func AccountLockKey(safe string) string {
	return "auto-earn:sweep-lock:" + strings.ToLower(safe)
}

// DistLock is a single-holder redis lock with a token so only the holder can release it
type DistLock struct {
	client     *redis.Client
	key        string
	token      string
	expiration time.Duration
}

// NewDistLock creates a lock on key that expires after expiration if never released
func NewDistLock(client *redis.Client, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(),
		expiration: expiration,
	}
}

// Key returns the redis key of the lock
func (l *DistLock) Key() string {
	return l.key
}

// TryLock attempts to take the lock once without waiting
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Extend pushes the expiry of a held lock back to the full expiration
func (l *DistLock) Extend(ctx context.Context) error {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrLockNotHeld
	}
	return nil
}

// Unlock releases the lock if this instance still holds it
func (l *DistLock) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrLockNotHeld
	}
	return nil
}
