package segment

import (
	"context"
	"math"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
	"github.com/stretchr/testify/mock"
)

const metersPerDegreeLat = models.EarthRadiusMeters * math.Pi / 180

var t0 = time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)

// trackBuilder генерирует точки с возрастающими id
type trackBuilder struct {
	sessionID string
	nextID    int64
	fixes     []models.LocationFix
}

func newTrack(sessionID string) *trackBuilder {
	return &trackBuilder{sessionID: sessionID, nextID: 1}
}

func (b *trackBuilder) add(offset time.Duration, p models.GeoPoint, accuracy float64) *trackBuilder {
	fix := models.LocationFix{
		ID:         b.nextID,
		SessionID:  b.sessionID,
		CapturedAt: t0.Add(offset),
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
	}
	if accuracy > 0 {
		fix.AccuracyMeters = models.Float64(accuracy)
	}
	b.nextID++
	b.fixes = append(b.fixes, fix)
	return b
}

// dwell добавляет count точек в одной позиции с шагом step начиная с from
func (b *trackBuilder) dwell(from time.Duration, step time.Duration, count int, p models.GeoPoint, accuracy float64) *trackBuilder {
	for i := 0; i < count; i++ {
		b.add(from+time.Duration(i)*step, p, accuracy)
	}
	return b
}

func north(p models.GeoPoint, meters float64) models.GeoPoint {
	return models.GeoPoint{Latitude: p.Latitude + meters/metersPerDegreeLat, Longitude: p.Longitude}
}

func lerp(a, b models.GeoPoint, f float64) models.GeoPoint {
	return models.GeoPoint{
		Latitude:  a.Latitude + (b.Latitude-a.Latitude)*f,
		Longitude: a.Longitude + (b.Longitude-a.Longitude)*f,
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func testLogger() *utils.Logger {
	return utils.NopLogger()
}

// fixedClassifier всегда возвращает заданный режим и запоминает вызовы
type fixedClassifier struct {
	mode  models.TransportMode
	err   error
	calls [][]models.LocationFix
}

func (c *fixedClassifier) ClassifyTransportMode(_ context.Context, points []models.LocationFix) (models.TransportMode, error) {
	c.calls = append(c.calls, points)
	if c.err != nil {
		return "", c.err
	}
	return c.mode, nil
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveLocation(ctx context.Context, latitude, longitude, accuracyMeters float64) (*string, error) {
	args := m.Called(ctx, latitude, longitude, accuracyMeters)
	placeID, _ := args.Get(0).(*string)
	return placeID, args.Error(1)
}

type mockPersistence struct {
	mock.Mock
}

func (m *mockPersistence) ReplaceSessionResults(ctx context.Context, sessionID string, clusters []models.StationaryCluster, events []models.MovementEvent, tags []models.PointClusterTag) error {
	args := m.Called(ctx, sessionID, clusters, events, tags)
	return args.Error(0)
}

// fakeSource источник точек в памяти
type fakeSource struct {
	sessions  map[string]models.Session
	fixes     map[string][]models.LocationFix
	getErr    error
	streamErr error
	closeErr  error
}

// closeFailingStream поток, закрытие которого завершается ошибкой
type closeFailingStream struct {
	*SliceStream
	err error
}

func (s *closeFailingStream) Close() error {
	return s.err
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sessions: make(map[string]models.Session),
		fixes:    make(map[string][]models.LocationFix),
	}
}

func (s *fakeSource) put(session models.Session, fixes []models.LocationFix) {
	s.sessions[session.ID] = session
	s.fixes[session.ID] = fixes
}

func (s *fakeSource) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *fakeSource) StreamFixes(_ context.Context, sessionID string, _ *time.Time) (FixStream, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	if s.closeErr != nil {
		return &closeFailingStream{SliceStream: NewSliceStream(s.fixes[sessionID]), err: s.closeErr}, nil
	}
	return NewSliceStream(s.fixes[sessionID]), nil
}
