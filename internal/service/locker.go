package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Locker не дает запустить два прогона одной сессии одновременно
type Locker interface {
	// Acquire возвращает функцию освобождения или segment.ErrSessionBusy
	Acquire(ctx context.Context, sessionID string) (func(), error)
}

// LocalLocker блокировки в памяти процесса (когда Redis отключен)
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker создает локальный Locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[sessionID]; busy {
		return nil, segment.ErrSessionBusy
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// SessionLockStore хранилище распределенных блокировок (repository.RedisRepository)
type SessionLockStore interface {
	AcquireSessionLock(ctx context.Context, sessionID string, ttl time.Duration) (string, error)
	ReleaseSessionLock(ctx context.Context, sessionID, token string) error
}

// RedisLocker распределенные блокировки с TTL
type RedisLocker struct {
	store  SessionLockStore
	ttl    time.Duration
	logger *utils.Logger
}

// NewRedisLocker создает распределенный Locker
func NewRedisLocker(store SessionLockStore, ttl time.Duration, logger *utils.Logger) (*RedisLocker, error) {
	if store == nil {
		return nil, fmt.Errorf("lock store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	return &RedisLocker{store: store, ttl: ttl, logger: logger}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	token, err := l.store.AcquireSessionLock(ctx, sessionID, l.ttl)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Контекст прогона может быть уже отменен
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := l.store.ReleaseSessionLock(releaseCtx, sessionID, token); err != nil {
				l.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to release session lock")
			}
		})
	}, nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
