package segment

import (
	"math"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"gonum.org/v1/gonum/stat"
)

// PointAccumulator набор точек одной области (кластер, кандидат или транзитный буфер)
type PointAccumulator struct {
	fixes      []models.LocationFix
	lats       []float64
	lngs       []float64
	weights    []float64
	accuracies []float64

	gap         time.Duration
	gapEpisodes int

	// Кэш центра, сбрасывается при каждом изменении набора
	valid    bool
	centroid models.GeoPoint
	accuracy float64
}

// NewPointAccumulator создает пустой аккумулятор
func NewPointAccumulator() *PointAccumulator {
	return &PointAccumulator{}
}

// Add добавляет точку с уже нормализованной точностью
func (a *PointAccumulator) Add(fix models.LocationFix, accuracyMeters float64) {
	a.fixes = append(a.fixes, fix)
	a.lats = append(a.lats, fix.Latitude)
	a.lngs = append(a.lngs, fix.Longitude)
	a.weights = append(a.weights, 1/math.Max(accuracyMeters, 1))
	a.accuracies = append(a.accuracies, accuracyMeters)
	a.valid = false
}

// AddGap учитывает пропуск данных сверх льготного периода
func (a *PointAccumulator) AddGap(excess time.Duration) {
	if excess <= 0 {
		return
	}
	a.gap += excess
	a.gapEpisodes++
}

// Merge переносит все точки и пропуски other в a, сохраняя порядок по времени
func (a *PointAccumulator) Merge(other *PointAccumulator) {
	if other == nil || other.Count() == 0 {
		if other != nil {
			a.gap += other.gap
			a.gapEpisodes += other.gapEpisodes
		}
		return
	}

	merged := &PointAccumulator{
		gap:         a.gap + other.gap,
		gapEpisodes: a.gapEpisodes + other.gapEpisodes,
	}
	i, j := 0, 0
	for i < len(a.fixes) || j < len(other.fixes) {
		takeA := j >= len(other.fixes) ||
			(i < len(a.fixes) && !other.fixes[j].CapturedAt.Before(a.fixes[i].CapturedAt))
		if takeA {
			merged.Add(a.fixes[i], a.accuracies[i])
			i++
		} else {
			merged.Add(other.fixes[j], other.accuracies[j])
			j++
		}
	}
	*a = *merged
}

// Centroid возвращает взвешенный по точности центр и его точность.
// Вес точки 1/max(acc,1), точность центра 1/sqrt(Σ 1/max(acc²,1)).
func (a *PointAccumulator) Centroid() (models.GeoPoint, float64) {
	if len(a.fixes) == 0 {
		return models.GeoPoint{}, 0
	}
	if a.valid {
		return a.centroid, a.accuracy
	}

	var inverseVariance float64
	for _, acc := range a.accuracies {
		inverseVariance += 1 / math.Max(acc*acc, 1)
	}

	a.centroid = models.GeoPoint{
		Latitude:  stat.Mean(a.lats, a.weights),
		Longitude: stat.Mean(a.lngs, a.weights),
	}
	a.accuracy = 1 / math.Sqrt(inverseVariance)
	a.valid = true
	return a.centroid, a.accuracy
}

// Count количество точек
func (a *PointAccumulator) Count() int {
	return len(a.fixes)
}

// Span время между первой и последней точкой
func (a *PointAccumulator) Span() time.Duration {
	if len(a.fixes) < 2 {
		return 0
	}
	return a.fixes[len(a.fixes)-1].CapturedAt.Sub(a.fixes[0].CapturedAt)
}

// First первая точка, аккумулятор не должен быть пустым
func (a *PointAccumulator) First() models.LocationFix {
	return a.fixes[0]
}

// Last последняя точка, аккумулятор не должен быть пустым
func (a *PointAccumulator) Last() models.LocationFix {
	return a.fixes[len(a.fixes)-1]
}

// FirstAccuracy нормализованная точность первой точки
func (a *PointAccumulator) FirstAccuracy() float64 {
	return a.accuracies[0]
}

// LastAccuracy нормализованная точность последней точки
func (a *PointAccumulator) LastAccuracy() float64 {
	return a.accuracies[len(a.accuracies)-1]
}

// Fixes точки в порядке времени
func (a *PointAccumulator) Fixes() []models.LocationFix {
	return a.fixes
}

// CountAccuracyAbove количество точек с точностью хуже порога
func (a *PointAccumulator) CountAccuracyAbove(thresholdMeters float64) int {
	n := 0
	for _, acc := range a.accuracies {
		if acc > thresholdMeters {
			n++
		}
	}
	return n
}

// Gap суммарный пропуск и количество эпизодов
func (a *PointAccumulator) Gap() (time.Duration, int) {
	return a.gap, a.gapEpisodes
}
