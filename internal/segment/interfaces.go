package segment

import (
	"context"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
)

// TransportClassifier определяет тип передвижения по транзитным точкам
type TransportClassifier interface {
	ClassifyTransportMode(ctx context.Context, points []models.LocationFix) (models.TransportMode, error)
}

// LocationResolver сопоставляет точку с ближайшим известным местом.
// nil без ошибки означает, что подходящего места нет.
type LocationResolver interface {
	ResolveLocation(ctx context.Context, latitude, longitude, accuracyMeters float64) (*string, error)
}

// Persistence атомарно заменяет результаты сессии
type Persistence interface {
	ReplaceSessionResults(ctx context.Context, sessionID string, clusters []models.StationaryCluster, events []models.MovementEvent, tags []models.PointClusterTag) error
}

// FixSource источник сессий и упорядоченных точек
type FixSource interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	StreamFixes(ctx context.Context, sessionID string, cutoff *time.Time) (FixStream, error)
}

// FixStream ленивая одноразовая последовательность точек, упорядоченная по CapturedAt
type FixStream interface {
	Next() bool
	Fix() models.LocationFix
	Err() error
	Close() error
}

// UnknownClassifier всегда возвращает unknown
type UnknownClassifier struct{}

func (UnknownClassifier) ClassifyTransportMode(context.Context, []models.LocationFix) (models.TransportMode, error) {
	return models.TransportUnknown, nil
}

// NoPlaces ни с чем не сопоставляет
type NoPlaces struct{}

func (NoPlaces) ResolveLocation(context.Context, float64, float64, float64) (*string, error) {
	return nil, nil
}

var (
	_ TransportClassifier = UnknownClassifier{}
	_ LocationResolver    = NoPlaces{}
)
