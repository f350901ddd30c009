package segment

import (
	"time"

	"github.com/flybeeper/session-segmenter/internal/config"
)

// Parameters константы алгоритма сегментации
type Parameters struct {
	MaxAccuracyMeters     float64       // Точки с худшей точностью отбрасываются
	DefaultAccuracyMeters float64       // Точность для точек без значения
	ClusterRadiusMeters   float64
	ConfirmationDuration  time.Duration // Минимальная длительность подтвержденного кластера
	GapGrace              time.Duration

	RoadFactor               float64 // Поправка great-circle расстояния на дорожное
	MinTripKm                float64
	MinDrivingKm             float64
	MinDrivingDisplacementKm float64
	MaxWanderPoints          int
	MinStraightness          float64
	MinWalkingDisplacementKm float64
	LowAccuracyMeters        float64
}

// DefaultParameters возвращает параметры по умолчанию
func DefaultParameters() Parameters {
	return Parameters{
		MaxAccuracyMeters:        200,
		DefaultAccuracyMeters:    20,
		ClusterRadiusMeters:      50,
		ConfirmationDuration:     3 * time.Minute,
		GapGrace:                 5 * time.Minute,
		RoadFactor:               1.3,
		MinTripKm:                0.2,
		MinDrivingKm:             0.5,
		MinDrivingDisplacementKm: 0.05,
		MaxWanderPoints:          10,
		MinStraightness:          0.10,
		MinWalkingDisplacementKm: 0.1,
		LowAccuracyMeters:        50,
	}
}

// ParametersFromConfig строит параметры из конфигурации
func ParametersFromConfig(cfg config.SegmentationConfig) Parameters {
	return Parameters{
		MaxAccuracyMeters:        cfg.MaxAccuracyMeters,
		DefaultAccuracyMeters:    cfg.DefaultAccuracyMeters,
		ClusterRadiusMeters:      cfg.ClusterRadiusMeters,
		ConfirmationDuration:     cfg.ConfirmationDuration,
		GapGrace:                 cfg.GapGrace,
		RoadFactor:               cfg.RoadFactor,
		MinTripKm:                cfg.MinTripKm,
		MinDrivingKm:             cfg.MinDrivingKm,
		MinDrivingDisplacementKm: cfg.MinDrivingDisplacementKm,
		MaxWanderPoints:          cfg.MaxWanderPoints,
		MinStraightness:          cfg.MinStraightness,
		MinWalkingDisplacementKm: cfg.MinWalkingDisplacementKm,
		LowAccuracyMeters:        cfg.LowAccuracyMeters,
	}
}
