package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// RejectReason причина отбраковки перемещения
type RejectReason string

const (
	RejectBelowMinimum          RejectReason = "below_minimum_distance"
	RejectDrivingTooShort       RejectReason = "driving_too_short"
	RejectDrivingNoDisplacement RejectReason = "driving_no_displacement"
	RejectDrivingWander         RejectReason = "driving_gps_wander"
	RejectWalkingNoDisplacement RejectReason = "walking_no_displacement"
)

// TripCandidate перемещение до применения фильтров
type TripCandidate struct {
	Event          models.MovementEvent
	DisplacementKm float64
	Transit        *PointAccumulator
}

// TripFilter фильтр, отбраковывающий кандидата после классификации
type TripFilter interface {
	Reject(c *TripCandidate) bool
	Reason() RejectReason
}

type tripFilterFunc struct {
	reason RejectReason
	reject func(c *TripCandidate) bool
}

func (f tripFilterFunc) Reject(c *TripCandidate) bool { return f.reject(c) }
func (f tripFilterFunc) Reason() RejectReason         { return f.reason }

// modeFilters фильтры, зависящие от типа передвижения, в порядке применения
func modeFilters(p Parameters) []TripFilter {
	driving := func(c *TripCandidate) bool { return c.Event.TransportMode == models.TransportDriving }
	return []TripFilter{
		tripFilterFunc{RejectDrivingTooShort, func(c *TripCandidate) bool {
			return driving(c) && c.Event.CorrectedDistanceKm < p.MinDrivingKm
		}},
		tripFilterFunc{RejectDrivingNoDisplacement, func(c *TripCandidate) bool {
			return driving(c) && c.DisplacementKm < p.MinDrivingDisplacementKm
		}},
		tripFilterFunc{RejectDrivingWander, func(c *TripCandidate) bool {
			return driving(c) &&
				c.Event.TransitPointCount <= p.MaxWanderPoints &&
				c.Event.CorrectedDistanceKm > 0 &&
				c.DisplacementKm/c.Event.CorrectedDistanceKm < p.MinStraightness
		}},
		tripFilterFunc{RejectWalkingNoDisplacement, func(c *TripCandidate) bool {
			return c.Event.TransportMode == models.TransportWalking && c.DisplacementKm < p.MinWalkingDisplacementKm
		}},
	}
}

// TripInput данные для построения перемещения
type TripInput struct {
	SessionID string
	SubjectID string
	Departing *models.StationaryCluster // nil, если сессия началась в движении
	Arriving  *models.StationaryCluster // nil для незавершенного перемещения
	Transit   *PointAccumulator
}

// TripOutcome результат синтеза
type TripOutcome struct {
	Event           *models.MovementEvent // nil, если отбраковано или строить нечего
	Rejected        RejectReason
	ClassifierError bool
	ResolverErrors  int
}

// Synthesizer строит перемещения и применяет фильтры ложных поездок
type Synthesizer struct {
	params     Parameters
	classifier TransportClassifier
	resolver   LocationResolver
	filters    []TripFilter
	logger     *utils.Logger
}

// NewSynthesizer создает синтезатор перемещений
func NewSynthesizer(params Parameters, classifier TransportClassifier, resolver LocationResolver, logger *utils.Logger) (*Synthesizer, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Synthesizer{
		params:     params,
		classifier: classifier,
		resolver:   resolver,
		filters:    modeFilters(params),
		logger:     logger,
	}, nil
}

// Synthesize строит кандидата, классифицирует и фильтрует его
func (s *Synthesizer) Synthesize(ctx context.Context, in TripInput) TripOutcome {
	var outcome TripOutcome

	candidate, ok := s.build(in)
	if !ok {
		return outcome
	}

	if candidate.Event.CorrectedDistanceKm < s.params.MinTripKm {
		outcome.Rejected = RejectBelowMinimum
		s.logReject(candidate, outcome.Rejected)
		return outcome
	}

	mode, err := s.classifier.ClassifyTransportMode(ctx, candidate.Transit.Fixes())
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"session_id": in.SessionID,
			"error":      err,
		}).Warn("Transport classifier failed, treating as unknown")
		outcome.ClassifierError = true
		mode = models.TransportUnknown
	}
	candidate.Event.TransportMode = mode

	for _, f := range s.filters {
		if f.Reject(candidate) {
			outcome.Rejected = f.Reason()
			s.logReject(candidate, outcome.Rejected)
			return outcome
		}
	}

	event := candidate.Event
	startAcc, endAcc := s.endpointAccuracies(in)
	event.StartPlaceID, outcome.ResolverErrors = s.resolve(ctx, in.SessionID, event.Start(), startAcc, outcome.ResolverErrors)
	event.EndPlaceID, outcome.ResolverErrors = s.resolve(ctx, in.SessionID, event.End(), endAcc, outcome.ResolverErrors)

	outcome.Event = &event
	return outcome
}

func (s *Synthesizer) build(in TripInput) (*TripCandidate, bool) {
	transit := in.Transit
	if transit == nil {
		transit = NewPointAccumulator()
	}
	if (in.Departing == nil || in.Arriving == nil) && transit.Count() == 0 {
		return nil, false
	}

	var (
		start, end         models.GeoPoint
		startedAt, endedAt time.Time
	)
	if in.Departing != nil {
		start = in.Departing.Centroid()
		startedAt = in.Departing.EndedAt
	} else {
		first := transit.First()
		start = first.Point()
		startedAt = first.CapturedAt
	}
	if in.Arriving != nil {
		end = in.Arriving.Centroid()
		endedAt = in.Arriving.StartedAt
	} else {
		last := transit.Last()
		end = last.Point()
		endedAt = last.CapturedAt
	}

	greatCircleKm := start.DistanceTo(end)
	duration := endedAt.Sub(startedAt)
	transitGap, _ := transit.Gap()

	event := models.MovementEvent{
		ID:                    EventID(in.SessionID, startedAt, endedAt),
		SessionID:             in.SessionID,
		SubjectID:             in.SubjectID,
		StartedAt:             startedAt,
		EndedAt:               endedAt,
		StartLatitude:         start.Latitude,
		StartLongitude:        start.Longitude,
		EndLatitude:           end.Latitude,
		EndLongitude:          end.Longitude,
		GreatCircleDistanceKm: greatCircleKm,
		CorrectedDistanceKm:   greatCircleKm * s.params.RoadFactor,
		DurationMinutes:       duration.Minutes(),
		TransportMode:         models.TransportUnknown,
		TransitPointCount:     transit.Count(),
		LowAccuracyPointCount: transit.CountAccuracyAbove(s.params.LowAccuracyMeters),
		HasCoverageGap:        coverageGap(transitGap, transit.Count(), duration, s.params.GapGrace),
	}
	if in.Departing != nil {
		id := in.Departing.ID
		event.PrecedingClusterID = &id
	}
	if in.Arriving != nil {
		id := in.Arriving.ID
		event.FollowingClusterID = &id
	}

	return &TripCandidate{Event: event, DisplacementKm: greatCircleKm, Transit: transit}, true
}

// coverageGap: пропуск во время перемещения при почти пустом транзите,
// то есть меньше одной точки на каждый льготный интервал
func coverageGap(gap time.Duration, transitPoints int, duration, grace time.Duration) bool {
	if gap <= 0 {
		return false
	}
	if transitPoints == 0 {
		return true
	}
	return float64(transitPoints) < duration.Seconds()/grace.Seconds()
}

func (s *Synthesizer) endpointAccuracies(in TripInput) (float64, float64) {
	var startAcc, endAcc float64
	if in.Departing != nil {
		startAcc = in.Departing.CentroidAccuracy
	} else if in.Transit != nil && in.Transit.Count() > 0 {
		startAcc = in.Transit.FirstAccuracy()
	}
	if in.Arriving != nil {
		endAcc = in.Arriving.CentroidAccuracy
	} else if in.Transit != nil && in.Transit.Count() > 0 {
		endAcc = in.Transit.LastAccuracy()
	}
	return startAcc, endAcc
}

func (s *Synthesizer) resolve(ctx context.Context, sessionID string, p models.GeoPoint, accuracy float64, errCount int) (*string, int) {
	placeID, err := s.resolver.ResolveLocation(ctx, p.Latitude, p.Longitude, accuracy)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"session_id": sessionID,
			"lat":        p.Latitude,
			"lon":        p.Longitude,
			"error":      err,
		}).Warn("Location resolver failed, leaving place unmatched")
		return nil, errCount + 1
	}
	return placeID, errCount
}

func (s *Synthesizer) logReject(c *TripCandidate, reason RejectReason) {
	s.logger.WithFields(map[string]interface{}{
		"session_id":      c.Event.SessionID,
		"reason":          string(reason),
		"corrected_km":    c.Event.CorrectedDistanceKm,
		"displacement_km": c.DisplacementKm,
		"transit_points":  c.Event.TransitPointCount,
		"mode":            string(c.Event.TransportMode),
	}).Debug("Movement event rejected")
}
