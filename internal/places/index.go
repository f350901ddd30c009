package places

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/flybeeper/session-segmenter/internal/metrics"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

const metersPerDegree = models.EarthRadiusMeters * math.Pi / 180

// Lister источник справочника мест
type Lister interface {
	ListPlaces(ctx context.Context) ([]models.Place, error)
}

// IndexResolver сопоставляет точки с местами по in-memory индексу geohash ячеек
type IndexResolver struct {
	precision uint
	logger    *utils.Logger

	mu        sync.RWMutex
	buckets   map[string][]models.Place
	all       []models.Place
	maxRadius float64
}

// NewIndexResolver создает пустой индекс
func NewIndexResolver(precision int, logger *utils.Logger) (*IndexResolver, error) {
	if precision < 1 || precision > 12 {
		return nil, fmt.Errorf("geohash precision must be in [1, 12], got %d", precision)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &IndexResolver{
		precision: uint(precision),
		logger:    logger,
		buckets:   make(map[string][]models.Place),
	}, nil
}

// Load заменяет содержимое индекса. Некорректные места пропускаются.
func (r *IndexResolver) Load(places []models.Place) int {
	buckets := make(map[string][]models.Place, len(places))
	all := make([]models.Place, 0, len(places))
	maxRadius := 0.0

	for _, p := range places {
		if err := p.Validate(); err != nil {
			r.logger.WithError(err).WithField("place_id", p.ID).Warn("Skipping invalid place")
			continue
		}
		cell := p.Point().Geohash(int(r.precision))
		buckets[cell] = append(buckets[cell], p)
		all = append(all, p)
		maxRadius = math.Max(maxRadius, p.RadiusMeters)
	}

	r.mu.Lock()
	r.buckets = buckets
	r.all = all
	r.maxRadius = maxRadius
	r.mu.Unlock()

	r.logger.WithFields(map[string]interface{}{
		"places": len(all),
		"cells":  len(buckets),
	}).Debug("Place index loaded")

	return len(all)
}

// Len количество мест в индексе
func (r *IndexResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// ResolveLocation возвращает ближайшее место, в геозону которого (с учетом точности) попадает точка
func (r *IndexResolver) ResolveLocation(_ context.Context, latitude, longitude, accuracyMeters float64) (*string, error) {
	point := models.GeoPoint{Latitude: latitude, Longitude: longitude}
	if err := point.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.all) == 0 {
		return nil, nil
	}

	var best *models.Place
	bestDistance := math.Inf(1)
	for _, candidate := range r.candidates(point, accuracyMeters) {
		p := candidate
		d := point.DistanceMeters(p.Point())
		if d > p.RadiusMeters+accuracyMeters {
			continue
		}
		if d < bestDistance || (d == bestDistance && p.ID < best.ID) {
			best = &p
			bestDistance = d
		}
	}

	if best == nil {
		return nil, nil
	}
	id := best.ID
	return &id, nil
}

// candidates места из ячейки точки и восьми соседних. Если самая большая геозона
// шире ячейки, соседей недостаточно и просматривается весь справочник.
func (r *IndexResolver) candidates(point models.GeoPoint, accuracyMeters float64) []models.Place {
	cell := point.Geohash(int(r.precision))
	if r.maxRadius+accuracyMeters >= cellSizeMeters(cell) {
		return r.all
	}

	result := append([]models.Place(nil), r.buckets[cell]...)
	for _, neighbor := range geohash.Neighbors(cell) {
		result = append(result, r.buckets[neighbor]...)
	}
	return result
}

// cellSizeMeters меньшая сторона ячейки geohash
func cellSizeMeters(cell string) float64 {
	box := geohash.BoundingBox(cell)
	lat := (box.MinLat + box.MaxLat) / 2
	height := (box.MaxLat - box.MinLat) * metersPerDegree
	width := (box.MaxLng - box.MinLng) * metersPerDegree * math.Cos(lat*math.Pi/180)
	return math.Min(height, width)
}

// Refresh перезагружает индекс из справочника
func (r *IndexResolver) Refresh(ctx context.Context, lister Lister) error {
	places, err := lister.ListPlaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list places: %w", err)
	}
	metrics.PlacesLoaded.Set(float64(r.Load(places)))
	return nil
}
