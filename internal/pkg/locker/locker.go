// Package locker provides a keyed mutual-exclusion lock backed by Redis,
// or by an in-process map when Redis is not configured.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when the lock could not be taken before ctx ended.
var ErrTimeout = errors.New("locker: timed out waiting for lock")

// Locker takes exclusive locks on string keys. The returned unlock func is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Dial connects to Redis and pings it. It returns a nil client when addr is
// empty.
func Dial(addr, pass string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// New builds a Redis locker and falls back to an in-memory one when addr is
// empty or Redis does not answer. The error reports the failed ping; the
// returned Locker is usable either way.
func New(addr, pass string, db int) (Locker, error) {
	client, err := Dial(addr, pass, db)
	if client == nil {
		return NewMemory(), err
	}
	return NewRedis(client, "pingx:lock"), nil
}

// ForClient returns a Redis locker on client with keys under prefix:lock, or
// a memory locker when client is nil.
func ForClient(client *redis.Client, prefix string) Locker {
	if client == nil {
		return NewMemory()
	}
	if prefix == "" {
		prefix = "pingx"
	}
	return NewRedis(client, prefix+":lock")
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

// NewRedis returns a Locker using SET NX PX on client.
func NewRedis(client *redis.Client, prefix string) Locker {
	return &redisLocker{client: client, prefix: prefix, poll: 50 * time.Millisecond}
}

func (l *redisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	full := l.prefix + ":" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = releaseScript.Run(ctx, l.client, []string{full}, token).Err()
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}

type slot struct {
	ch   chan struct{}
	refs int
}

type memoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewMemory returns a process-local Locker. The ttl argument is ignored.
func NewMemory() Locker {
	return &memoryLocker{slots: make(map[string]*slot)}
}

func (l *memoryLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *memoryLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
