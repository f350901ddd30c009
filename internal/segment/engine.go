package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Stats статистика одного прогона
type Stats struct {
	FixesRead           int                  `json:"fixes_read"`
	FixesDiscarded      int                  `json:"fixes_discarded"`
	FixesBeforeCutoff   int                  `json:"fixes_before_cutoff"`
	FixesProcessed      int                  `json:"fixes_processed"`
	Promotions          int                  `json:"promotions"`
	FalseAlarms         int                  `json:"false_alarms"`
	AbandonedTentatives int                  `json:"abandoned_tentatives"`
	GapEpisodes         int                  `json:"gap_episodes"`
	TripsRejected       map[RejectReason]int `json:"trips_rejected"`
	ClassifierErrors    int                  `json:"classifier_errors"`
	ResolverErrors      int                  `json:"resolver_errors"`
	Duration            time.Duration        `json:"duration"`
}

// Result результат сегментации одной сессии
type Result struct {
	SessionID string                     `json:"session_id"`
	Clusters  []models.StationaryCluster `json:"clusters"`
	Events    []models.MovementEvent     `json:"events"`
	Tags      []models.PointClusterTag   `json:"-"`
	Persisted bool                       `json:"persisted"`
	Stats     Stats                      `json:"stats"`
}

// Engine сегментация сессии на стоянки и перемещения
type Engine struct {
	params      Parameters
	source      FixSource
	store       Persistence
	resolver    LocationResolver
	synthesizer *Synthesizer
	logger      *utils.Logger
}

// NewEngine создает движок сегментации. store может быть nil, если прогоны
// только инкрементальные без сохранения.
func NewEngine(params Parameters, source FixSource, store Persistence, classifier TransportClassifier, resolver LocationResolver, logger *utils.Logger) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("fix source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	synthesizer, err := NewSynthesizer(params, classifier, resolver, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{
		params:      params,
		source:      source,
		store:       store,
		resolver:    resolver,
		synthesizer: synthesizer,
		logger:      logger,
	}, nil
}

// Run полный прогон: чтение сессии, сегментация и (при необходимости) атомарная
// замена результатов. При ошибке ничего не записывается.
func (e *Engine) Run(ctx context.Context, sessionID string, sc models.SessionContext) (*Result, error) {
	persist := sc.ShouldPersist()
	if persist && sc.Cutoff != nil {
		return nil, ErrPartialReplace
	}
	if persist && e.store == nil {
		return nil, fmt.Errorf("persistence is not configured")
	}

	session, err := e.source.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &TransientError{Op: "load session", Err: fmt.Errorf("session %s: %w", sessionID, err)}
	}
	if sc.SubjectID == "" {
		sc.SubjectID = session.SubjectID
	}

	stream, err := e.source.StreamFixes(ctx, sessionID, sc.Cutoff)
	if err != nil {
		return nil, &TransientError{Op: "open fix stream", Err: err}
	}
	result, err := e.Segment(ctx, *session, sc, stream)
	if closeErr := stream.Close(); closeErr != nil {
		e.logger.WithFields(map[string]interface{}{
			"session_id": sessionID,
			"error":      closeErr,
		}).Warn("Failed to close fix stream")
	}
	if err != nil {
		return nil, err
	}

	if persist {
		if err := e.store.ReplaceSessionResults(ctx, sessionID, result.Clusters, result.Events, result.Tags); err != nil {
			return nil, &TransientError{Op: "replace session results", Err: err}
		}
		result.Persisted = true
	}

	return result, nil
}

// Segment выполняет один проход по потоку точек. Без побочных эффектов,
// кроме обращений к классификатору и справочнику мест.
func (e *Engine) Segment(ctx context.Context, session models.Session, sc models.SessionContext, stream FixStream) (*Result, error) {
	started := time.Now()
	subjectID := sc.SubjectID
	if subjectID == "" {
		subjectID = session.SubjectID
	}

	run := &segmentRun{
		engine:    e,
		session:   session,
		subjectID: subjectID,
		tags:      make(map[int64]string),
		result: &Result{
			SessionID: session.ID,
			Clusters:  []models.StationaryCluster{},
			Events:    []models.MovementEvent{},
			Stats:     Stats{TripsRejected: make(map[RejectReason]int)},
		},
	}

	reader := NewReader(stream, e.params, sc.Cutoff)
	tracker := NewTracker(e.params)

	for reader.Next() {
		fix := reader.Fix()
		run.order = append(run.order, fix.ID)

		promotion, err := tracker.Observe(fix)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", session.ID, err)
		}
		if promotion != nil {
			run.promote(ctx, promotion)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, &TransientError{Op: "read fixes", Err: err}
	}

	final, trailing := tracker.Finish()
	run.finish(ctx, final, trailing)

	stats := &run.result.Stats
	stats.FixesRead, stats.FixesDiscarded, stats.FixesBeforeCutoff = reader.Counts()
	stats.FixesProcessed = len(run.order)
	counters := tracker.Counters()
	stats.Promotions = counters.Promotions
	stats.FalseAlarms = counters.FalseAlarms
	stats.AbandonedTentatives = counters.AbandonedTentatives
	stats.GapEpisodes = counters.GapEpisodes
	stats.Duration = time.Since(started)

	run.result.Tags = make([]models.PointClusterTag, 0, len(run.order))
	for _, fixID := range run.order {
		tag := models.PointClusterTag{FixID: fixID}
		if clusterID, ok := run.tags[fixID]; ok {
			id := clusterID
			tag.ClusterID = &id
		}
		run.result.Tags = append(run.result.Tags, tag)
	}

	e.logger.WithFields(map[string]interface{}{
		"session_id":      session.ID,
		"mode":            string(sc.Mode),
		"fixes_read":      stats.FixesRead,
		"fixes_discarded": stats.FixesDiscarded,
		"clusters":        len(run.result.Clusters),
		"events":          len(run.result.Events),
		"promotions":      stats.Promotions,
		"duration_ms":     stats.Duration.Milliseconds(),
	}).Info("Session segmented")

	return run.result, nil
}

// segmentRun изменяемое состояние одного прогона
type segmentRun struct {
	engine    *Engine
	session   models.Session
	subjectID string

	order []int64
	tags  map[int64]string

	result *Result
}

func (r *segmentRun) promote(ctx context.Context, p *Promotion) {
	log := r.engine.logger.WithField("session_id", r.session.ID)

	var departing *models.StationaryCluster
	if p.Departing != nil {
		cluster := r.finalize(ctx, p.Departing)
		departing = &cluster
	}

	arriving := buildCluster(r.session.ID, r.subjectID, p.Arriving)
	r.synthesize(ctx, departing, &arriving, p.Transit)

	if log.IsDebug() {
		centroid, _ := p.Arriving.Centroid()
		log.WithFields(map[string]interface{}{
			"transit_points": p.Transit.Count(),
			"arriving_lat":   centroid.Latitude,
			"arriving_lon":   centroid.Longitude,
			"had_departing":  p.Departing != nil,
		}).Debug("Tentative cluster promoted")
	}
}

func (r *segmentRun) finish(ctx context.Context, final, trailing *PointAccumulator) {
	var departing *models.StationaryCluster
	if final != nil {
		cluster := r.finalize(ctx, final)
		departing = &cluster
	}
	r.synthesize(ctx, departing, nil, trailing)
}

func (r *segmentRun) synthesize(ctx context.Context, departing, arriving *models.StationaryCluster, transit *PointAccumulator) {
	outcome := r.engine.synthesizer.Synthesize(ctx, TripInput{
		SessionID: r.session.ID,
		SubjectID: r.subjectID,
		Departing: departing,
		Arriving:  arriving,
		Transit:   transit,
	})

	stats := &r.result.Stats
	if outcome.ClassifierError {
		stats.ClassifierErrors++
	}
	stats.ResolverErrors += outcome.ResolverErrors
	if outcome.Rejected != "" {
		stats.TripsRejected[outcome.Rejected]++
	}
	if outcome.Event != nil {
		r.result.Events = append(r.result.Events, *outcome.Event)
	}
}

// finalize фиксирует кластер: центр, сопоставление с местом, привязка точек
func (r *segmentRun) finalize(ctx context.Context, acc *PointAccumulator) models.StationaryCluster {
	cluster := buildCluster(r.session.ID, r.subjectID, acc)

	placeID, err := r.engine.resolver.ResolveLocation(ctx, cluster.CentroidLatitude, cluster.CentroidLongitude, cluster.CentroidAccuracy)
	if err != nil {
		r.engine.logger.WithFields(map[string]interface{}{
			"session_id": r.session.ID,
			"cluster_id": cluster.ID,
			"error":      err,
		}).Warn("Location resolver failed, leaving cluster unmatched")
		r.result.Stats.ResolverErrors++
	} else {
		cluster.MatchedPlaceID = placeID
	}

	for _, fix := range acc.Fixes() {
		r.tags[fix.ID] = cluster.ID
	}

	r.result.Clusters = append(r.result.Clusters, cluster)
	return cluster
}

// buildCluster строит запись кластера из аккумулятора без сопоставления с местом
func buildCluster(sessionID, subjectID string, acc *PointAccumulator) models.StationaryCluster {
	centroid, accuracy := acc.Centroid()
	first, last := acc.First(), acc.Last()
	gap, episodes := acc.Gap()

	return models.StationaryCluster{
		ID:                ClusterID(sessionID, first.CapturedAt, first.ID),
		SessionID:         sessionID,
		SubjectID:         subjectID,
		CentroidLatitude:  centroid.Latitude,
		CentroidLongitude: centroid.Longitude,
		CentroidAccuracy:  accuracy,
		StartedAt:         first.CapturedAt,
		EndedAt:           last.CapturedAt,
		DurationSeconds:   int64(last.CapturedAt.Sub(first.CapturedAt) / time.Second),
		PointCount:        acc.Count(),
		GapSeconds:        int64(gap / time.Second),
		GapEpisodeCount:   episodes,
	}
}
