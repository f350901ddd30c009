package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flybeeper/session-segmenter/internal/metrics"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// SessionRunner прогон сегментации одной сессии (segment.Engine или SegmentationService)
type SessionRunner interface {
	Run(ctx context.Context, sessionID string, sc models.SessionContext) (*segment.Result, error)
}

// SegmentationService оркестрация прогонов: блокировка, таймаут, метрики
type SegmentationService struct {
	engine     SessionRunner
	locker     Locker
	runTimeout time.Duration
	logger     *utils.Logger
}

// NewSegmentationService создает сервис сегментации
func NewSegmentationService(engine SessionRunner, locker Locker, runTimeout time.Duration, logger *utils.Logger) (*SegmentationService, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &SegmentationService{
		engine:     engine,
		locker:     locker,
		runTimeout: runTimeout,
		logger:     logger,
	}, nil
}

// Run выполняет прогон под блокировкой сессии
func (s *SegmentationService) Run(ctx context.Context, sessionID string, sc models.SessionContext) (*segment.Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if sc.Mode == "" {
		sc.Mode = models.RunModeComplete
	}

	log := s.logger.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"mode":       string(sc.Mode),
	})

	release, err := s.locker.Acquire(ctx, sessionID)
	if err != nil {
		metrics.RunsTotal.WithLabelValues(string(sc.Mode), runStatus(err)).Inc()
		return nil, err
	}
	defer release()

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.engine.Run(ctx, sessionID, sc)
	duration := time.Since(start)

	metrics.RunsTotal.WithLabelValues(string(sc.Mode), runStatus(err)).Inc()
	metrics.RunDuration.WithLabelValues(string(sc.Mode)).Observe(duration.Seconds())

	if err != nil {
		log.WithError(err).WithField("retryable", segment.IsRetryable(err)).Warn("Segmentation run failed")
		return nil, err
	}

	recordStats(result)
	log.WithFields(map[string]interface{}{
		"clusters":  len(result.Clusters),
		"events":    len(result.Events),
		"persisted": result.Persisted,
		"duration":  duration,
	}).Info("Segmentation run completed")

	return result, nil
}

// runStatus значение метки status для ошибки прогона
func runStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, segment.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, segment.ErrSessionBusy):
		return "busy"
	case segment.IsRetryable(err):
		return "transient"
	default:
		return "error"
	}
}

func recordStats(result *segment.Result) {
	st := result.Stats

	metrics.FixesTotal.WithLabelValues("processed").Add(float64(st.FixesProcessed))
	metrics.FixesTotal.WithLabelValues("discarded").Add(float64(st.FixesDiscarded))
	metrics.FixesTotal.WithLabelValues("before_cutoff").Add(float64(st.FixesBeforeCutoff))

	metrics.TrackerTransitions.WithLabelValues("promotion").Add(float64(st.Promotions))
	metrics.TrackerTransitions.WithLabelValues("false_alarm").Add(float64(st.FalseAlarms))
	metrics.TrackerTransitions.WithLabelValues("abandoned_tentative").Add(float64(st.AbandonedTentatives))
	metrics.TrackerTransitions.WithLabelValues("gap_episode").Add(float64(st.GapEpisodes))

	for reason, n := range st.TripsRejected {
		metrics.TripsRejected.WithLabelValues(string(reason)).Add(float64(n))
	}
	metrics.CollaboratorErrors.WithLabelValues("classifier").Add(float64(st.ClassifierErrors))
	metrics.CollaboratorErrors.WithLabelValues("resolver").Add(float64(st.ResolverErrors))

	metrics.ClustersDetected.Add(float64(len(result.Clusters)))
	for _, e := range result.Events {
		metrics.EventsEmitted.WithLabelValues(string(e.TransportMode)).Inc()
	}
}
