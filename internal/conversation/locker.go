// ABOUTME: Per-chat turn serialization: an in-process mutex map or a Redis lock
// ABOUTME: Submit and regenerate hold the chat's lock for the whole turn

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout indicates the chat lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for chat lock")

// Locker serializes turns per chat.
type Locker interface {
	Lock(ctx context.Context, chatID string) (unlock func(), err error)
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serializes turns within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[chatID]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[chatID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, lk, false)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(chatID, lk, true) }) }, nil
}

func (l *LocalLocker) release(chatID string, lk *localLock, held bool) {
	if held {
		<-lk.ch
	}
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, chatID)
	}
	l.mu.Unlock()
}

// held reports how many callers hold or wait for chatID's lock.
func (l *LocalLocker) held(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, ok := l.locks[chatID]; ok {
		return lk.refs
	}
	return 0
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes turns across gateway replicas sharing one Redis.
// The lock expires after ttl so a crashed holder cannot wedge a chat.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger *slog.Logger
}

// RedisLockerConfig contains configuration for the RedisLocker.
type RedisLockerConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   *slog.Logger
}

func NewRedisLocker(cfg RedisLockerConfig) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: rdb,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "coven-apps:chat-lock:",
		logger: logger.With("component", "chat-lock"),
	}
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}

func (r *RedisLocker) Lock(ctx context.Context, chatID string) (func(), error) {
	key := r.prefix + chatID
	token := uuid.New().String()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquiring chat lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("failed to release chat lock", "chat_id", chatID, "error", err)
			}
		})
	}, nil
}
