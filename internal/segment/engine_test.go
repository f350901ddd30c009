package segment

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var yard = models.GeoPoint{Latitude: 48.2380, Longitude: -79.0195}

// siteToYardTrack 33 точки на площадке за ~18 минут, 4 транзитные точки за 2 минуты,
// затем 65 точек во дворе за ~43 минуты
func siteToYardTrack(sessionID string) []models.LocationFix {
	track := newTrack(sessionID).dwell(0, 33*time.Second, 33, site, 5)
	for i := 1; i <= 4; i++ {
		track.add(secs(1050+i*30), lerp(site, yard, float64(i)*0.2), 5)
	}
	track.dwell(secs(1200), 40*time.Second, 65, yard, 5)
	return track.fixes
}

func newTestEngine(t *testing.T, source FixSource, store Persistence, classifier TransportClassifier) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultParameters(), source, store, classifier, NoPlaces{}, testLogger())
	require.NoError(t, err)
	return engine
}

func segmentFixes(t *testing.T, classifier TransportClassifier, fixes []models.LocationFix) *Result {
	t.Helper()
	engine := newTestEngine(t, newFakeSource(), nil, classifier)
	result, err := engine.Segment(context.Background(),
		models.Session{ID: "s-1", SubjectID: "worker-7", StartedAt: t0},
		models.SessionContext{Mode: models.RunModeIncremental},
		NewSliceStream(fixes))
	require.NoError(t, err)
	return result
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(DefaultParameters(), nil, nil, UnknownClassifier{}, NoPlaces{}, testLogger())
	assert.Error(t, err)
	_, err = NewEngine(DefaultParameters(), newFakeSource(), nil, UnknownClassifier{}, NoPlaces{}, nil)
	assert.Error(t, err)
	_, err = NewEngine(DefaultParameters(), newFakeSource(), nil, nil, NoPlaces{}, testLogger())
	assert.Error(t, err)
}

func TestEngine_SiteToYardScenario(t *testing.T) {
	classifier := &fixedClassifier{mode: models.TransportWalking}
	result := segmentFixes(t, classifier, siteToYardTrack("s-1"))

	require.Len(t, result.Clusters, 2)
	require.Len(t, result.Events, 1)

	first, second := result.Clusters[0], result.Clusters[1]
	assert.Equal(t, 33, first.PointCount)
	assert.Equal(t, 65, second.PointCount)
	assert.InDelta(t, site.Latitude, first.CentroidLatitude, 1e-9)
	assert.InDelta(t, yard.Longitude, second.CentroidLongitude, 1e-9)
	assert.Equal(t, int64(1056), first.DurationSeconds)
	assert.Equal(t, "worker-7", first.SubjectID)

	event := result.Events[0]
	assert.Equal(t, 4, event.TransitPointCount)
	assert.InDelta(t, 0.3296, event.GreatCircleDistanceKm, 0.002)
	assert.InDelta(t, 0.4285, event.CorrectedDistanceKm, 0.003)
	assert.InDelta(t, 2.4, event.DurationMinutes, 1e-9)
	assert.Equal(t, models.TransportWalking, event.TransportMode)
	require.NotNil(t, event.PrecedingClusterID)
	require.NotNil(t, event.FollowingClusterID)
	assert.Equal(t, first.ID, *event.PrecedingClusterID)
	assert.Equal(t, second.ID, *event.FollowingClusterID)
	assert.False(t, event.HasCoverageGap)

	// Классификатор получил ровно транзитные точки
	require.Len(t, classifier.calls, 1)
	require.Len(t, classifier.calls[0], 4)
	assert.Equal(t, int64(34), classifier.calls[0][0].ID)

	assert.Equal(t, 1, result.Stats.Promotions)
	assert.Equal(t, 4, result.Stats.AbandonedTentatives)
	assert.Equal(t, 102, result.Stats.FixesProcessed)
}

func TestEngine_TagsPoints(t *testing.T) {
	result := segmentFixes(t, &fixedClassifier{mode: models.TransportWalking}, siteToYardTrack("s-1"))

	require.Len(t, result.Tags, 102)
	for i, tag := range result.Tags {
		assert.Equal(t, int64(i+1), tag.FixID)
		switch {
		case i < 33:
			require.NotNil(t, tag.ClusterID)
			assert.Equal(t, result.Clusters[0].ID, *tag.ClusterID)
		case i < 37:
			assert.Nil(t, tag.ClusterID, "transit fix %d must not be tagged", tag.FixID)
		default:
			require.NotNil(t, tag.ClusterID)
			assert.Equal(t, result.Clusters[1].ID, *tag.ClusterID)
		}
	}
}

func TestEngine_Deterministic(t *testing.T) {
	fixes := siteToYardTrack("s-1")
	first := segmentFixes(t, &fixedClassifier{mode: models.TransportWalking}, fixes)
	second := segmentFixes(t, &fixedClassifier{mode: models.TransportWalking}, fixes)

	assert.Empty(t, cmp.Diff(first.Clusters, second.Clusters))
	assert.Empty(t, cmp.Diff(first.Events, second.Events))
	assert.Empty(t, cmp.Diff(first.Tags, second.Tags))
}

func TestEngine_ClustersDoNotOverlapAndRespectRadius(t *testing.T) {
	fixes := siteToYardTrack("s-1")
	result := segmentFixes(t, &fixedClassifier{mode: models.TransportWalking}, fixes)

	for i := 1; i < len(result.Clusters); i++ {
		prev, cur := result.Clusters[i-1], result.Clusters[i]
		assert.False(t, prev.Overlaps(cur))
		assert.True(t, prev.StartedAt.Before(cur.StartedAt))
	}

	byID := make(map[string]models.StationaryCluster)
	for _, c := range result.Clusters {
		byID[c.ID] = c
	}
	fixByID := make(map[int64]models.LocationFix)
	for _, f := range fixes {
		fixByID[f.ID] = f
	}
	for _, tag := range result.Tags {
		if tag.ClusterID == nil {
			continue
		}
		fix := fixByID[tag.FixID]
		centroid := byID[*tag.ClusterID].Centroid()
		adjusted := centroid.DistanceMeters(fix.Point()) - fix.Accuracy(20)
		assert.LessOrEqual(t, adjusted, 50.0)
	}
}

func TestEngine_GapDoesNotSplit(t *testing.T) {
	track := newTrack("s-1").
		dwell(0, time.Minute, 11, site, 10).
		dwell(60*time.Minute, time.Minute, 11, site, 10)

	result := segmentFixes(t, UnknownClassifier{}, track.fixes)

	require.Len(t, result.Clusters, 1)
	assert.Equal(t, int64(2700), result.Clusters[0].GapSeconds)
	assert.Equal(t, 1, result.Clusters[0].GapEpisodeCount)
	assert.Equal(t, int64(70*60), result.Clusters[0].DurationSeconds)
	assert.Empty(t, result.Events)
}

func TestEngine_ZeroTransitTrip(t *testing.T) {
	next := north(site, 300)
	track := newTrack("s-1").
		dwell(0, time.Minute, 11, site, 10).
		dwell(11*time.Minute, time.Minute, 11, next, 10)

	result := segmentFixes(t, UnknownClassifier{}, track.fixes)

	require.Len(t, result.Clusters, 2)
	require.Len(t, result.Events, 1)
	assert.Equal(t, 0, result.Events[0].TransitPointCount)
	assert.InDelta(t, 0.39, result.Events[0].CorrectedDistanceKm, 0.001)
	assert.False(t, result.Events[0].HasCoverageGap)
}

func TestEngine_GhostClustersProduceNoEvents(t *testing.T) {
	// Два кластера в 30 м друг от друга сливаются в один, перемещений нет
	track := newTrack("s-1").
		dwell(0, time.Minute, 11, site, 5).
		dwell(11*time.Minute, time.Minute, 11, north(site, 30), 5)

	result := segmentFixes(t, &fixedClassifier{mode: models.TransportDriving}, track.fixes)

	assert.Len(t, result.Clusters, 1)
	assert.Empty(t, result.Events)
}

func TestEngine_CoverageGapAcrossTransit(t *testing.T) {
	far := north(site, 1000)
	track := newTrack("s-1").
		dwell(0, time.Minute, 11, site, 10).
		dwell(40*time.Minute, time.Minute, 11, far, 10)

	result := segmentFixes(t, UnknownClassifier{}, track.fixes)

	require.Len(t, result.Clusters, 2)
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].HasCoverageGap)
	assert.Equal(t, int64(0), result.Clusters[0].GapSeconds)
	assert.Equal(t, int64(0), result.Clusters[1].GapSeconds)
	assert.Equal(t, 1, result.Stats.GapEpisodes)
}

func TestEngine_TrailingOpenEvent(t *testing.T) {
	track := newTrack("s-1").dwell(0, time.Minute, 11, site, 10)
	for i := 1; i <= 6; i++ {
		track.add(10*time.Minute+time.Duration(i)*time.Minute, north(site, float64(i*100)), 10)
	}

	result := segmentFixes(t, UnknownClassifier{}, track.fixes)

	require.Len(t, result.Clusters, 1)
	require.Len(t, result.Events, 1)
	event := result.Events[0]
	assert.True(t, event.IsOpen())
	require.NotNil(t, event.PrecedingClusterID)
	assert.Equal(t, result.Clusters[0].ID, *event.PrecedingClusterID)
	assert.Equal(t, 6, event.TransitPointCount)
	assert.Equal(t, t0.Add(16*time.Minute), event.EndedAt)
}

func TestEngine_SessionStartsMoving(t *testing.T) {
	track := newTrack("s-1")
	for i := 0; i < 6; i++ {
		track.add(time.Duration(i)*time.Minute, north(site, float64(i*100)), 5)
	}
	track.dwell(6*time.Minute, time.Minute, 11, north(site, 800), 5)

	result := segmentFixes(t, UnknownClassifier{}, track.fixes)

	require.Len(t, result.Clusters, 1)
	require.Len(t, result.Events, 1)
	assert.Nil(t, result.Events[0].PrecedingClusterID)
	assert.Equal(t, t0, result.Events[0].StartedAt)
	assert.Equal(t, 6, result.Events[0].TransitPointCount)
}

func TestEngine_OutOfOrderFailsLoudly(t *testing.T) {
	track := newTrack("s-1").add(time.Minute, site, 5).add(0, site, 5)

	engine := newTestEngine(t, newFakeSource(), nil, UnknownClassifier{})
	_, err := engine.Segment(context.Background(), models.Session{ID: "s-1"}, models.SessionContext{}, NewSliceStream(track.fixes))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.False(t, IsRetryable(err))
}

func TestEngine_EmptyStream(t *testing.T) {
	result := segmentFixes(t, UnknownClassifier{}, nil)
	assert.Empty(t, result.Clusters)
	assert.Empty(t, result.Events)
	assert.Empty(t, result.Tags)
}

func TestEngine_RunPersists(t *testing.T) {
	source := newFakeSource()
	source.put(models.Session{ID: "s-1", SubjectID: "worker-7", StartedAt: t0}, siteToYardTrack("s-1"))

	store := new(mockPersistence)
	store.On("ReplaceSessionResults", mock.Anything, "s-1",
		mock.AnythingOfType("[]models.StationaryCluster"),
		mock.AnythingOfType("[]models.MovementEvent"),
		mock.AnythingOfType("[]models.PointClusterTag")).Return(nil).Once()

	engine := newTestEngine(t, source, store, &fixedClassifier{mode: models.TransportWalking})
	result, err := engine.Run(context.Background(), "s-1", models.SessionContext{Mode: models.RunModeComplete})

	require.NoError(t, err)
	assert.True(t, result.Persisted)
	assert.Equal(t, "worker-7", result.Clusters[0].SubjectID)
	store.AssertExpectations(t)
}

func TestEngine_RunLogsStreamCloseError(t *testing.T) {
	source := newFakeSource()
	source.put(models.Session{ID: "s-1", SubjectID: "worker-7", StartedAt: t0}, siteToYardTrack("s-1"))
	source.closeErr = errors.New("cursor already closed")

	var buf bytes.Buffer
	engine, err := NewEngine(DefaultParameters(), source, nil, &fixedClassifier{mode: models.TransportWalking},
		NoPlaces{}, utils.NewLoggerWithOutput("warn", "text", &buf))
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), "s-1", models.SessionContext{Mode: models.RunModeIncremental})
	require.NoError(t, err)
	assert.Len(t, result.Clusters, 2)
	assert.Contains(t, buf.String(), "Failed to close fix stream")
	assert.Contains(t, buf.String(), "cursor already closed")
}

func TestEngine_RunIdempotent(t *testing.T) {
	source := newFakeSource()
	source.put(models.Session{ID: "s-1", SubjectID: "worker-7", StartedAt: t0}, siteToYardTrack("s-1"))

	var writes [][]models.StationaryCluster
	store := new(mockPersistence)
	store.On("ReplaceSessionResults", mock.Anything, "s-1", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			writes = append(writes, args.Get(2).([]models.StationaryCluster))
		}).Return(nil).Twice()

	engine := newTestEngine(t, source, store, &fixedClassifier{mode: models.TransportWalking})
	for i := 0; i < 2; i++ {
		_, err := engine.Run(context.Background(), "s-1", models.SessionContext{Mode: models.RunModeComplete})
		require.NoError(t, err)
	}

	require.Len(t, writes, 2)
	assert.Empty(t, cmp.Diff(writes[0], writes[1]))
}

func TestEngine_RunErrors(t *testing.T) {
	cutoff := t0.Add(time.Hour)

	tests := []struct {
		name      string
		setup     func(s *fakeSource)
		sc        models.SessionContext
		sessionID string
		storeErr  error
		check     func(t *testing.T, err error)
	}{
		{
			name:      "persisting a cutoff run",
			sc:        models.SessionContext{Mode: models.RunModeComplete, Cutoff: &cutoff},
			sessionID: "s-1",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrPartialReplace)
			},
		},
		{
			name:      "session not found",
			sc:        models.SessionContext{Mode: models.RunModeComplete},
			sessionID: "missing",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrSessionNotFound)
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:      "source unreachable",
			setup:     func(s *fakeSource) { s.getErr = errors.New("connection refused") },
			sc:        models.SessionContext{Mode: models.RunModeComplete},
			sessionID: "s-1",
			check: func(t *testing.T, err error) {
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:      "stream unavailable",
			setup:     func(s *fakeSource) { s.streamErr = errors.New("too many connections") },
			sc:        models.SessionContext{Mode: models.RunModeComplete},
			sessionID: "s-1",
			check: func(t *testing.T, err error) {
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:      "persistence failure",
			sc:        models.SessionContext{Mode: models.RunModeComplete},
			sessionID: "s-1",
			storeErr:  errors.New("deadlock"),
			check: func(t *testing.T, err error) {
				assert.True(t, IsRetryable(err))
				assert.Contains(t, err.Error(), "replace session results")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			source.put(models.Session{ID: "s-1", SubjectID: "w", StartedAt: t0}, siteToYardTrack("s-1"))
			if tt.setup != nil {
				tt.setup(source)
			}

			store := new(mockPersistence)
			store.On("ReplaceSessionResults", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(tt.storeErr).Maybe()

			engine := newTestEngine(t, source, store, UnknownClassifier{})
			result, err := engine.Run(context.Background(), tt.sessionID, tt.sc)

			require.Error(t, err)
			assert.Nil(t, result)
			tt.check(t, err)
		})
	}
}

func TestEngine_IncrementalRunSkipsPersistence(t *testing.T) {
	source := newFakeSource()
	source.put(models.Session{ID: "s-1", SubjectID: "w", StartedAt: t0}, siteToYardTrack("s-1"))
	store := new(mockPersistence)

	engine := newTestEngine(t, source, store, UnknownClassifier{})
	cutoff := t0.Add(10 * time.Minute)
	result, err := engine.Run(context.Background(), "s-1", models.SessionContext{
		Mode:   models.RunModeIncremental,
		Cutoff: &cutoff,
	})

	require.NoError(t, err)
	assert.False(t, result.Persisted)
	assert.Less(t, result.Stats.FixesProcessed, result.Stats.FixesRead)
	store.AssertNotCalled(t, "ReplaceSessionResults", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_ClusterResolverErrorsDegrade(t *testing.T) {
	resolver := new(mockResolver)
	resolver.On("ResolveLocation", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout"))

	engine, err := NewEngine(DefaultParameters(), newFakeSource(), nil, &fixedClassifier{mode: models.TransportWalking}, resolver, testLogger())
	require.NoError(t, err)

	result, err := engine.Segment(context.Background(), models.Session{ID: "s-1"}, models.SessionContext{}, NewSliceStream(siteToYardTrack("s-1")))
	require.NoError(t, err)

	require.Len(t, result.Clusters, 2)
	assert.Nil(t, result.Clusters[0].MatchedPlaceID)
	// 2 кластера + 2 конца перемещения
	assert.Equal(t, 4, result.Stats.ResolverErrors)
}
