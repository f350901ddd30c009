package places

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/session-segmenter/internal/metrics"
	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Redis ключи справочника мест
const (
	PlacesGeoKey       = "places:geo"        // GEO индекс мест
	PlacePrefix        = "place:"            // place:{id} -> HSET с атрибутами
	PlacesMaxRadiusKey = "places:max_radius" // наибольший радиус геозоны, метры
)

// RedisResolver сопоставляет точки с местами через GEO индекс Redis
type RedisResolver struct {
	client       *redis.Client
	searchRadius float64 // метры, минимальный радиус GEOSEARCH
	logger       *utils.Logger

	mu        sync.RWMutex
	maxRadius float64 // наибольший радиус из последней загрузки
}

// NewRedisResolver создает резолвер поверх существующего клиента
func NewRedisResolver(client *redis.Client, searchRadiusMeters float64, logger *utils.Logger) (*RedisResolver, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if searchRadiusMeters <= 0 {
		return nil, fmt.Errorf("search radius must be positive")
	}
	return &RedisResolver{
		client:       client,
		searchRadius: searchRadiusMeters,
		logger:       logger,
	}, nil
}

// Load заменяет справочник в Redis одной транзакцией
func (r *RedisResolver) Load(ctx context.Context, places []models.Place) (int, error) {
	previous, err := r.client.ZRange(ctx, PlacesGeoKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to read place index: %w", err)
	}

	loaded := 0
	maxRadius := 0.0
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, PlacesGeoKey)
		for _, id := range previous {
			pipe.Del(ctx, PlacePrefix+id)
		}

		for _, p := range places {
			if err := p.Validate(); err != nil {
				r.logger.WithError(err).WithField("place_id", p.ID).Warn("Skipping invalid place")
				continue
			}
			pipe.GeoAdd(ctx, PlacesGeoKey, &redis.GeoLocation{
				Name:      p.ID,
				Longitude: p.Longitude,
				Latitude:  p.Latitude,
			})
			pipe.HSet(ctx, PlacePrefix+p.ID, map[string]interface{}{
				"name":          p.Name,
				"radius_meters": p.RadiusMeters,
			})
			loaded++
			maxRadius = math.Max(maxRadius, p.RadiusMeters)
		}
		pipe.Set(ctx, PlacesMaxRadiusKey, maxRadius, 0)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load places: %w", err)
	}

	r.mu.Lock()
	r.maxRadius = maxRadius
	r.mu.Unlock()

	r.logger.WithField("places", loaded).Debug("Places loaded into Redis")
	return loaded, nil
}

// Refresh перезагружает справочник
func (r *RedisResolver) Refresh(ctx context.Context, lister Lister) error {
	places, err := lister.ListPlaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list places: %w", err)
	}
	loaded, err := r.Load(ctx, places)
	if err != nil {
		return err
	}
	metrics.PlacesLoaded.Set(float64(loaded))
	return nil
}

// ResolveLocation ищет ближайшее место, геозона которого с учетом точности накрывает точку.
// При равном расстоянии выбирается место с меньшим ID.
func (r *RedisResolver) ResolveLocation(ctx context.Context, latitude, longitude, accuracyMeters float64) (*string, error) {
	if err := (models.GeoPoint{Latitude: latitude, Longitude: longitude}).Validate(); err != nil {
		return nil, err
	}

	maxRadius, err := r.currentMaxRadius(ctx)
	if err != nil {
		return nil, &segment.TransientError{Op: "read max place radius", Err: err}
	}

	locations, err := r.client.GeoSearchLocation(ctx, PlacesGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  longitude,
			Latitude:   latitude,
			Radius:     math.Max(r.searchRadius, maxRadius) + accuracyMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, &segment.TransientError{Op: "geosearch places", Err: err}
	}
	if len(locations) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(locations))
	for i, loc := range locations {
		cmds[i] = pipe.HGet(ctx, PlacePrefix+loc.Name, "radius_meters")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &segment.TransientError{Op: "read place radius", Err: err}
	}

	candidates := make([]placeCandidate, 0, len(locations))
	for i, loc := range locations {
		raw, err := cmds[i].Result()
		if err != nil {
			continue
		}
		radius, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			r.logger.WithField("place_id", loc.Name).Warn("Invalid place radius in Redis")
			continue
		}
		candidates = append(candidates, placeCandidate{id: loc.Name, distance: loc.Dist, radius: radius})
	}
	return nearestCovering(candidates, accuracyMeters), nil
}

// currentMaxRadius наибольший радиус геозоны: из последней загрузки этим
// экземпляром или, если он еще не загружал, из Redis
func (r *RedisResolver) currentMaxRadius(ctx context.Context) (float64, error) {
	r.mu.RLock()
	maxRadius := r.maxRadius
	r.mu.RUnlock()
	if maxRadius > 0 {
		return maxRadius, nil
	}

	maxRadius, err := r.client.Get(ctx, PlacesMaxRadiusKey).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return maxRadius, err
}

// placeCandidate место из выдачи GEOSEARCH
type placeCandidate struct {
	id       string
	distance float64
	radius   float64
}

// nearestCovering выбирает ближайшее место, накрывающее точку; ничья по меньшему ID
func nearestCovering(candidates []placeCandidate, accuracyMeters float64) *string {
	var best *placeCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.distance > c.radius+accuracyMeters {
			continue
		}
		if best == nil || c.distance < best.distance || (c.distance == best.distance && c.id < best.id) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	id := best.id
	return &id
}
