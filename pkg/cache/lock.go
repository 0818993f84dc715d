package cache

import (
	"context"
	"errors"
	"time"

	"trionyx/pkg/utils"
)

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("cache: lock timeout")

// PollInterval is the delay between acquisition attempts.
const PollInterval = 100 * time.Millisecond

// Lock is a named compare-and-set lock stored in a Cache. It has no
// fairness guarantee and Release is a plain delete.
type Lock struct {
	cache   Cache
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// NewLock derives the lock key from the MD5 of the joined parts.
func NewLock(c Cache, ttl time.Duration, parts ...any) *Lock {
	return &Lock{cache: c, key: "lock." + utils.HashKey(parts...), ttl: ttl}
}

// WithTimeout bounds Acquire. Zero waits until ctx is done.
func (l *Lock) WithTimeout(d time.Duration) *Lock {
	l.timeout = d
	return l
}

// Key returns the cache key guarding the lock.
func (l *Lock) Key() string { return l.key }

// TryAcquire makes a single attempt.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.cache.Add(ctx, l.key, []byte("1"), l.ttl)
}

// Acquire polls every PollInterval until the lock is taken, the timeout
// passes or ctx is cancelled.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrLockTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release drops the lock. Releasing a free lock is not an error.
func (l *Lock) Release(ctx context.Context) error {
	return l.cache.Delete(ctx, l.key)
}

// Do runs fn while holding the lock and releases it on every path.
func (l *Lock) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()
	return fn(ctx)
}
