package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

const (
	// SessionLockPrefix lock:session:{id} -> токен владельца
	SessionLockPrefix = "lock:session:"
)

// releaseScript удаляет блокировку, только если она принадлежит владельцу токена
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRepository распределенные блокировки прогонов и доступ к клиенту Redis
type RedisRepository struct {
	client *redis.Client
	logger *utils.Logger
	config *config.RedisConfig
}

// NewRedisRepository создает новый Redis репозиторий
func NewRedisRepository(cfg *config.RedisConfig, logger *utils.Logger) (*RedisRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	// Парсим Redis URL
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Дополнительные настройки
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return &RedisRepository{
		client: redis.NewClient(opt),
		logger: logger,
		config: cfg,
	}, nil
}

// Ping проверяет соединение с Redis
func (r *RedisRepository) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// GetClient возвращает Redis клиент (используется справочником мест)
func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

// AcquireSessionLock захватывает блокировку сессии на ttl (SET NX PX).
// Возвращает токен владельца или segment.ErrSessionBusy.
func (r *RedisRepository) AcquireSessionLock(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, SessionLockPrefix+sessionID, token, ttl).Result()
	if err != nil {
		return "", &segment.TransientError{Op: "acquire session lock", Err: err}
	}
	if !ok {
		return "", segment.ErrSessionBusy
	}

	r.logger.WithField("session_id", sessionID).Debug("Session lock acquired")
	return token, nil
}

// ReleaseSessionLock освобождает блокировку, если она все еще принадлежит токену
func (r *RedisRepository) ReleaseSessionLock(ctx context.Context, sessionID, token string) error {
	released, err := releaseScript.Run(ctx, r.client, []string{SessionLockPrefix + sessionID}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	if released == 0 {
		r.logger.WithField("session_id", sessionID).Warn("Session lock expired before release")
	}
	return nil
}
