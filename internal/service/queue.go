package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/flybeeper/session-segmenter/internal/metrics"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

var (
	// ErrQueueFull очередь прогонов переполнена
	ErrQueueFull = errors.New("run queue is full")
	// ErrQueueStopped очередь остановлена
	ErrQueueStopped = errors.New("run queue is stopped")
)

// QueueConfig конфигурация очереди прогонов
type QueueConfig struct {
	Workers       int           `json:"workers"`         // Количество worker'ов
	Size          int           `json:"size"`            // Размер буфера очереди
	RunsPerSecond float64       `json:"runs_per_second"` // Ограничение частоты прогонов (0 = без ограничения)
	Burst         int           `json:"burst"`
	MaxRetries    int           `json:"max_retries"` // Повторы для временных ошибок и занятой сессии
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultQueueConfig возвращает конфигурацию по умолчанию
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:       4,
		Size:          1000,
		RunsPerSecond: 20,
		Burst:         5,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// RunRequest запрос на прогон
type RunRequest struct {
	SessionID  string               `json:"session_id"`
	Context    models.SessionContext `json:"context"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
}

// QueueStats счетчики очереди
type QueueStats struct {
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Depth     int   `json:"depth"`
}

// RunQueue асинхронная очередь прогонов с пулом worker'ов и ограничением частоты
type RunQueue struct {
	runner  SessionRunner
	limiter *rate.Limiter
	config  QueueConfig
	logger  *utils.Logger

	requests chan RunRequest

	// Контроль жизненного цикла
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewRunQueue создает очередь и запускает worker'ы
func NewRunQueue(runner SessionRunner, cfg QueueConfig, logger *utils.Logger) (*RunQueue, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Workers <= 0 || cfg.Size <= 0 {
		return nil, fmt.Errorf("workers and queue size must be positive")
	}

	limit := rate.Inf
	if cfg.RunsPerSecond > 0 {
		limit = rate.Limit(cfg.RunsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &RunQueue{
		runner:   runner,
		limiter:  rate.NewLimiter(limit, burst),
		config:   cfg,
		logger:   logger,
		requests: make(chan RunRequest, cfg.Size),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	logger.WithFields(map[string]interface{}{
		"workers":         cfg.Workers,
		"queue_size":      cfg.Size,
		"runs_per_second": cfg.RunsPerSecond,
	}).Info("Started segmentation run queue")

	return q, nil
}

// Enqueue ставит прогон в очередь без блокировки
func (q *RunQueue) Enqueue(sessionID string, sc models.SessionContext) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		q.rejected.Add(1)
		metrics.RunQueueRejected.WithLabelValues("stopped").Inc()
		return ErrQueueStopped
	}

	select {
	case q.requests <- RunRequest{SessionID: sessionID, Context: sc, EnqueuedAt: time.Now()}:
		q.queued.Add(1)
		metrics.RunQueueSize.Set(float64(len(q.requests)))
		return nil
	default:
		q.rejected.Add(1)
		metrics.RunQueueRejected.WithLabelValues("full").Inc()
		return ErrQueueFull
	}
}

func (q *RunQueue) worker(id int) {
	defer q.wg.Done()

	for req := range q.requests {
		metrics.RunQueueSize.Set(float64(len(q.requests)))

		if err := q.limiter.Wait(q.ctx); err != nil {
			// Остановка с истекшим таймаутом: оставшиеся запросы отбрасываются
			q.failed.Add(1)
			continue
		}

		if err := q.process(req); err != nil {
			q.failed.Add(1)
			q.logger.WithError(err).WithFields(map[string]interface{}{
				"worker":     id,
				"session_id": req.SessionID,
				"mode":       string(req.Context.Mode),
			}).Error("Queued segmentation run failed")
			continue
		}
		q.completed.Add(1)
	}
}

// process выполняет прогон с повтором временных ошибок
func (q *RunQueue) process(req RunRequest) error {
	var lastErr error

	for attempt := 0; attempt <= q.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(q.config.RetryDelay * time.Duration(attempt)):
			case <-q.ctx.Done():
				return q.ctx.Err()
			}
		}

		_, lastErr = q.runner.Run(q.ctx, req.SessionID, req.Context)
		if lastErr == nil {
			return nil
		}
		if !segment.IsRetryable(lastErr) && !errors.Is(lastErr, segment.ErrSessionBusy) {
			return lastErr
		}

		q.logger.WithField("attempt", attempt+1).
			WithField("max_retries", q.config.MaxRetries).
			WithField("session_id", req.SessionID).
			WithField("error", lastErr).
			Warn("Segmentation run failed, retrying")
	}

	return fmt.Errorf("run failed after %d retries: %w", q.config.MaxRetries, lastErr)
}

// Stats возвращает счетчики очереди
func (q *RunQueue) Stats() QueueStats {
	return QueueStats{
		Queued:    q.queued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
		Depth:     len(q.requests),
	}
}

// Stop прекращает прием и дожидается выполнения уже поставленных прогонов.
// По истечении ctx текущие прогоны отменяются.
func (q *RunQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.requests)
	q.mu.Unlock()

	q.logger.WithField("pending", len(q.requests)).Info("Stopping segmentation run queue...")

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("Segmentation run queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("run queue stopped before draining: %w", ctx.Err())
	}
}
