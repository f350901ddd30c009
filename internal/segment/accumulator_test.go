package segment

import (
	"math"
	"testing"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointAccumulator_CentroidMatchesClosedForm(t *testing.T) {
	acc := NewPointAccumulator()
	acc.Add(models.LocationFix{ID: 1, CapturedAt: t0, Latitude: 48.0, Longitude: -79.0}, 5)
	acc.Add(models.LocationFix{ID: 2, CapturedAt: t0.Add(time.Minute), Latitude: 48.0002, Longitude: -79.0}, 10)
	// Точность меньше 1 м ограничивается единицей
	acc.Add(models.LocationFix{ID: 3, CapturedAt: t0.Add(2 * time.Minute), Latitude: 48.0, Longitude: -79.0003}, 0.5)

	centroid, accuracy := acc.Centroid()

	weights := []float64{1.0 / 5, 1.0 / 10, 1.0}
	sumW := weights[0] + weights[1] + weights[2]
	wantLat := (48.0*weights[0] + 48.0002*weights[1] + 48.0*weights[2]) / sumW
	wantLon := (-79.0*weights[0] + -79.0*weights[1] + -79.0003*weights[2]) / sumW
	wantAcc := 1 / math.Sqrt(1.0/25+1.0/100+1.0)

	assert.InDelta(t, wantLat, centroid.Latitude, 1e-12)
	assert.InDelta(t, wantLon, centroid.Longitude, 1e-12)
	assert.InDelta(t, wantAcc, accuracy, 1e-12)
}

func TestPointAccumulator_CentroidRecomputedAfterAdd(t *testing.T) {
	acc := NewPointAccumulator()
	acc.Add(models.LocationFix{ID: 1, CapturedAt: t0, Latitude: 10, Longitude: 10}, 10)
	first, _ := acc.Centroid()
	assert.Equal(t, 10.0, first.Latitude)

	acc.Add(models.LocationFix{ID: 2, CapturedAt: t0.Add(time.Second), Latitude: 20, Longitude: 10}, 10)
	second, _ := acc.Centroid()
	assert.InDelta(t, 15.0, second.Latitude, 1e-12)
}

func TestPointAccumulator_SpanAndBounds(t *testing.T) {
	acc := NewPointAccumulator()
	assert.Equal(t, time.Duration(0), acc.Span())
	assert.Equal(t, 0, acc.Count())

	centroid, accuracy := acc.Centroid()
	assert.Equal(t, models.GeoPoint{}, centroid)
	assert.Equal(t, 0.0, accuracy)

	acc.Add(models.LocationFix{ID: 1, CapturedAt: t0}, 20)
	assert.Equal(t, time.Duration(0), acc.Span())

	acc.Add(models.LocationFix{ID: 2, CapturedAt: t0.Add(90 * time.Second)}, 80)
	assert.Equal(t, 90*time.Second, acc.Span())
	assert.Equal(t, int64(1), acc.First().ID)
	assert.Equal(t, int64(2), acc.Last().ID)
	assert.Equal(t, 20.0, acc.FirstAccuracy())
	assert.Equal(t, 80.0, acc.LastAccuracy())
	assert.Equal(t, 1, acc.CountAccuracyAbove(50))
}

func TestPointAccumulator_MergeKeepsTimeOrderAndGaps(t *testing.T) {
	a := NewPointAccumulator()
	a.Add(models.LocationFix{ID: 1, CapturedAt: t0}, 10)
	a.Add(models.LocationFix{ID: 4, CapturedAt: t0.Add(4 * time.Minute)}, 10)
	a.AddGap(30 * time.Second)

	b := NewPointAccumulator()
	b.Add(models.LocationFix{ID: 2, CapturedAt: t0.Add(1 * time.Minute)}, 10)
	b.Add(models.LocationFix{ID: 3, CapturedAt: t0.Add(2 * time.Minute)}, 10)
	b.AddGap(90 * time.Second)

	a.Merge(b)

	require.Equal(t, 4, a.Count())
	for i, fix := range a.Fixes() {
		assert.Equal(t, int64(i+1), fix.ID)
	}
	gap, episodes := a.Gap()
	assert.Equal(t, 2*time.Minute, gap)
	assert.Equal(t, 2, episodes)
}

func TestPointAccumulator_MergeEmptyKeepsGap(t *testing.T) {
	a := NewPointAccumulator()
	b := NewPointAccumulator()
	b.AddGap(time.Minute)

	a.Merge(b)
	a.Merge(nil)

	gap, episodes := a.Gap()
	assert.Equal(t, time.Minute, gap)
	assert.Equal(t, 1, episodes)
	assert.Equal(t, 0, a.Count())
}

func TestPointAccumulator_IgnoresNonPositiveGap(t *testing.T) {
	a := NewPointAccumulator()
	a.AddGap(0)
	a.AddGap(-time.Second)

	gap, episodes := a.Gap()
	assert.Equal(t, time.Duration(0), gap)
	assert.Equal(t, 0, episodes)
}
