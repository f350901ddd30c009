package segment

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/flybeeper/session-segmenter/internal/models"
)

// benchmarkTrack строит смену из чередующихся стоянок и переездов с шумом позиции
func benchmarkTrack(stops int, seed int64) []models.LocationFix {
	rng := rand.New(rand.NewSource(seed))
	b := newTrack("bench")
	at := time.Duration(0)
	pos := models.GeoPoint{Latitude: 46.52, Longitude: 6.57}

	for s := 0; s < stops; s++ {
		for i := 0; i < 40; i++ {
			jitter := north(pos, (rng.Float64()*2-1)*8)
			b.add(at, jitter, 5+rng.Float64()*10)
			at += 30 * time.Second
		}
		next := north(pos, 1500+rng.Float64()*3000)
		for i := 1; i <= 20; i++ {
			b.add(at, lerp(pos, next, float64(i)/20), 10)
			at += 15 * time.Second
		}
		pos = next
	}
	return b.fixes
}

// BenchmarkEngineSegment измеряет полный проход по треку без сохранения
func BenchmarkEngineSegment(b *testing.B) {
	for _, stops := range []int{5, 50, 200} {
		fixes := benchmarkTrack(stops, 42)
		session := models.Session{ID: "bench", SubjectID: "subject", StartedAt: t0}
		engine, err := NewEngine(DefaultParameters(), newFakeSource(), nil, UnknownClassifier{}, NoPlaces{}, testLogger())
		if err != nil {
			b.Fatal(err)
		}

		b.Run(fmt.Sprintf("Stops%d_Fixes%d", stops, len(fixes)), func(b *testing.B) {
			ctx := context.Background()
			sc := models.SessionContext{Mode: models.RunModeIncremental}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := engine.Segment(ctx, session, sc, NewSliceStream(fixes)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkTrackerObserve измеряет стоимость одной точки в трекере
func BenchmarkTrackerObserve(b *testing.B) {
	fixes := benchmarkTrack(20, 7)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := NewReader(NewSliceStream(fixes), DefaultParameters(), nil)
		tracker := NewTracker(DefaultParameters())
		for reader.Next() {
			if _, err := tracker.Observe(reader.Fix()); err != nil {
				b.Fatal(err)
			}
		}
	}
}
