package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when the lock is held by another owner and the
// acquire wait expired.
var ErrHeld = errors.New("lock held")

// ErrUnavailable is returned when the lock backend cannot be reached. The
// caller decides whether to fail open or closed.
var ErrUnavailable = errors.New("lock backend unavailable")

// ReleaseFunc releases an acquired lock. Safe to call more than once.
type ReleaseFunc func(context.Context) error

// Locker serializes pipeline runs per game across processes.
type Locker interface {
	// Acquire takes the lock for key, waiting up to the locker's configured
	// bound. The lock expires after ttl even if never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

const pollInterval = 100 * time.Millisecond

// releaseScript deletes the key only when it still carries our token, so an
// expired lock reacquired by someone else is never deleted by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX plus a compare-and-delete
// release.
type RedisLocker struct {
	Client      *redis.Client
	AcquireWait time.Duration
}

func NewRedisLocker(addr, password string, db int, acquireWait time.Duration) *RedisLocker {
	return &RedisLocker{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		AcquireWait: acquireWait,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.AcquireWait)
	for {
		ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, errors.Join(ErrUnavailable, err)
		}
		if ok {
			return l.releaseFunc(key, token), nil
		}
		if time.Now().After(deadline) {
			return nil, ErrHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *RedisLocker) releaseFunc(key, token string) ReleaseFunc {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = releaseScript.Run(ctx, l.Client, []string{key}, token).Err()
			if err == redis.Nil {
				err = nil
			}
		})
		return err
	}
}

// MemoryLocker is the in-process Locker used when no Redis address is
// configured. Only correct for a single node.
type MemoryLocker struct {
	AcquireWait time.Duration

	mu    sync.Mutex
	held  map[string]string
	timer map[string]*time.Timer
}

func NewMemoryLocker(acquireWait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		AcquireWait: acquireWait,
		held:        make(map[string]string),
		timer:       make(map[string]*time.Timer),
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.AcquireWait)
	for {
		if l.tryAcquire(key, token, ttl) {
			return l.releaseFunc(key, token), nil
		}
		if time.Now().After(deadline) {
			return nil, ErrHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = token
	l.timer[key] = time.AfterFunc(ttl, func() {
		l.release(key, token)
	})
	return true
}

func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return
	}
	delete(l.held, key)
	if t := l.timer[key]; t != nil {
		t.Stop()
		delete(l.timer, key)
	}
}

func (l *MemoryLocker) releaseFunc(key, token string) ReleaseFunc {
	return func(context.Context) error {
		l.release(key, token)
		return nil
	}
}
