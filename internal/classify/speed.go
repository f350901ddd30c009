package classify

import (
	"context"
	"fmt"
	"sort"

	"github.com/flybeeper/session-segmenter/internal/config"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// SpeedClassifier определяет тип передвижения по медианной скорости транзитных точек
type SpeedClassifier struct {
	walkingMax float64 // м/с, не быстрее пешехода
	drivingMin float64 // м/с, не медленнее автомобиля
	minPoints  int
	logger     *utils.Logger
}

// NewSpeedClassifier создает классификатор
func NewSpeedClassifier(cfg *config.ClassifierConfig, logger *utils.Logger) (*SpeedClassifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("classifier config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DrivingMinSpeedMps <= cfg.WalkingMaxSpeedMps {
		return nil, fmt.Errorf("driving min speed must exceed walking max speed")
	}
	return &SpeedClassifier{
		walkingMax: cfg.WalkingMaxSpeedMps,
		drivingMin: cfg.DrivingMinSpeedMps,
		minPoints:  cfg.MinPoints,
		logger:     logger,
	}, nil
}

// ClassifyTransportMode возвращает walking, driving или unknown (промежуточная скорость
// или недостаточно точек)
func (c *SpeedClassifier) ClassifyTransportMode(_ context.Context, points []models.LocationFix) (models.TransportMode, error) {
	if len(points) < c.minPoints {
		return models.TransportUnknown, nil
	}

	speeds := Speeds(points)
	if len(speeds) == 0 {
		return models.TransportUnknown, nil
	}
	median := Median(speeds)

	mode := models.TransportUnknown
	switch {
	case median <= c.walkingMax:
		mode = models.TransportWalking
	case median >= c.drivingMin:
		mode = models.TransportDriving
	}

	c.logger.WithFields(map[string]interface{}{
		"points":       len(points),
		"median_speed": median,
		"mode":         string(mode),
	}).Debug("Transport mode classified")

	return mode, nil
}

// Speeds скорости точек в м/с: измеренная скорость, если есть, иначе вычисленная
// по предыдущей точке. Пары с нулевым интервалом пропускаются.
func Speeds(points []models.LocationFix) []float64 {
	speeds := make([]float64, 0, len(points))
	for i, p := range points {
		if p.SpeedMps != nil {
			speeds = append(speeds, *p.SpeedMps)
			continue
		}
		if i == 0 {
			continue
		}
		prev := points[i-1]
		dt := p.CapturedAt.Sub(prev.CapturedAt).Seconds()
		if dt <= 0 {
			continue
		}
		speeds = append(speeds, prev.Point().DistanceMeters(p.Point())/dt)
	}
	return speeds
}

// Median медиана (значения копируются)
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
