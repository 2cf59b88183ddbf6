package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes check-then-commit sequences on sub-ledger keys.
// Lock acquires every key or none; keys are taken in sorted order so two
// callers locking overlapping sets cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// ErrLockTimeout is returned when a key could not be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// subLedgerKey names the lock guarding one bucket of an account.
func subLedgerKey(accountID string, a Attribution) string {
	return accountID + "|" + a.bucket()
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KeyedLocker is an in-process Locker. Each key is a one-slot channel so
// waiting honours context cancellation.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*keySlot)}
}

func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, k := range keys {
		slot := l.acquireSlot(k)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.dropRef(k)
			release()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, k)
			}
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *KeyedLocker) acquireSlot(key string) *keySlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	<-s.ch
	l.dropRef(key)
}

func (l *KeyedLocker) dropRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// RedisLocker coordinates several ledger processes sharing one store.
// Each key is a SET NX PX entry holding a random token; release only
// deletes entries still carrying that token.
type RedisLocker struct {
	Redis     *redis.Client
	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		Redis:     client,
		Prefix:    "trust-ledger:lock:",
		TTL:       10 * time.Second,
		RetryWait: 5 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	if l.Redis == nil {
		return nil, redis.ErrClosed
	}
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release must work even if the caller's context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			releaseScript.Run(ctx, l.Redis, []string{l.Prefix + held[i]}, token)
		}
	}

	for _, k := range keys {
		if err := l.acquire(ctx, l.Prefix+k, token); err != nil {
			release()
			return nil, fmt.Errorf("failed to lock %s: %w", k, err)
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.Redis.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return lockCtxErr(ctx)
			}
			return Transient(err)
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(l.RetryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lockCtxErr(ctx)
		case <-timer.C:
		}
	}
}

func lockCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return ctx.Err()
}
