package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/internal/service"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// RunEnqueuer асинхронный запуск прогонов (service.RunQueue)
type RunEnqueuer interface {
	Enqueue(sessionID string, sc models.SessionContext) error
	Stats() service.QueueStats
}

// ResultReader чтение сохраненных результатов (repository.SQLRepository)
type ResultReader interface {
	GetSessionResults(ctx context.Context, sessionID string) ([]models.StationaryCluster, []models.MovementEvent, error)
}

// RESTHandler обработчик REST API endpoints
type RESTHandler struct {
	runner  service.SessionRunner
	queue   RunEnqueuer
	results ResultReader
	logger  *utils.Logger
	timeout time.Duration
}

// NewRESTHandler создает новый REST handler. queue может быть nil: асинхронный запуск отключен.
func NewRESTHandler(runner service.SessionRunner, queue RunEnqueuer, results ResultReader, timeout time.Duration, logger *utils.Logger) (*RESTHandler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if results == nil {
		return nil, fmt.Errorf("result reader cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTHandler{
		runner:  runner,
		queue:   queue,
		results: results,
		logger:  logger,
		timeout: timeout,
	}, nil
}

// RunSegmentation синхронно сегментирует сессию
// POST /api/v1/sessions/:id/segmentation?mode=complete&cutoff=2024-05-06T07:00:00Z&persist=false
func (h *RESTHandler) RunSegmentation(c *gin.Context) {
	sc, ok := h.parseSessionContext(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.runner.Run(ctx, c.Param("id"), sc)
	if err != nil {
		h.writeRunError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// EnqueueSegmentation ставит прогон в очередь
// POST /api/v1/sessions/:id/segmentation/async
func (h *RESTHandler) EnqueueSegmentation(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"code":    "async_disabled",
			"message": "Asynchronous runs are not configured",
		})
		return
	}

	sc, ok := h.parseSessionContext(c)
	if !ok {
		return
	}
	if sc.ShouldPersist() && sc.Cutoff != nil {
		h.writeRunError(c, segment.ErrPartialReplace)
		return
	}

	sessionID := c.Param("id")
	if err := h.queue.Enqueue(sessionID, sc); err != nil {
		if errors.Is(err, service.ErrQueueFull) || errors.Is(err, service.ErrQueueStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "queue_unavailable",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sessionID,
		"mode":       sc.Mode,
		"status":     "queued",
	})
}

// GetResults возвращает сохраненные стоянки и перемещения сессии
// GET /api/v1/sessions/:id/results
func (h *RESTHandler) GetResults(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	sessionID := c.Param("id")
	clusters, events, err := h.results.GetSessionResults(ctx, sessionID)
	if err != nil {
		h.writeRunError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"clusters":   clusters,
		"events":     events,
	})
}

// parseSessionContext разбирает mode, cutoff, persist и subject_id
func (h *RESTHandler) parseSessionContext(c *gin.Context) (models.SessionContext, bool) {
	mode, err := models.ParseRunMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_mode",
			"message": "Mode must be complete or incremental",
		})
		return models.SessionContext{}, false
	}

	sc := models.SessionContext{
		SubjectID: c.Query("subject_id"),
		Mode:      mode,
	}

	if raw := c.Query("cutoff"); raw != "" {
		cutoff, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "invalid_cutoff",
				"message": "Cutoff must be an RFC3339 timestamp",
			})
			return models.SessionContext{}, false
		}
		sc.Cutoff = &cutoff
	}

	if raw := c.Query("persist"); raw != "" {
		persist, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "invalid_persist",
				"message": "Persist must be a boolean",
			})
			return models.SessionContext{}, false
		}
		sc.PersistInProgress = persist
	}

	return sc, true
}

// writeRunError отображает ошибки прогона на HTTP статусы
func (h *RESTHandler) writeRunError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, segment.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, segment.ErrSessionBusy):
		status, code = http.StatusConflict, "session_busy"
	case errors.Is(err, segment.ErrPartialReplace):
		status, code = http.StatusUnprocessableEntity, "partial_replace"
	case errors.Is(err, segment.ErrOutOfOrder):
		status, code = http.StatusUnprocessableEntity, "out_of_order"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case segment.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "temporarily_unavailable"
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("session_id", c.Param("id")).Error("Segmentation request failed")
	}

	c.JSON(status, gin.H{
		"code":    code,
		"message": err.Error(),
	})
}

func (h *RESTHandler) queueStats() (service.QueueStats, bool) {
	if h.queue == nil {
		return service.QueueStats{}, false
	}
	return h.queue.Stats(), true
}
