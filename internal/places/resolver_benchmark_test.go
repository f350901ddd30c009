package places

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// benchmarkPlaces раскладывает n геозон по региону около 50x50 км
func benchmarkPlaces(n int) []models.Place {
	rng := rand.New(rand.NewSource(1))
	places := make([]models.Place, n)
	for i := range places {
		places[i] = models.Place{
			ID:           fmt.Sprintf("place-%05d", i),
			Name:         fmt.Sprintf("Place %d", i),
			Latitude:     46.3 + rng.Float64()*0.45,
			Longitude:    6.3 + rng.Float64()*0.65,
			RadiusMeters: 50 + rng.Float64()*250,
		}
	}
	return places
}

func BenchmarkIndexResolver(b *testing.B) {
	for _, count := range []int{100, 1000, 10000} {
		places := benchmarkPlaces(count)
		for _, precision := range []int{5, 6, 7} {
			r, err := NewIndexResolver(precision, utils.NopLogger())
			if err != nil {
				b.Fatal(err)
			}
			r.Load(places)

			b.Run(fmt.Sprintf("Places%d_Precision%d", count, precision), func(b *testing.B) {
				ctx := context.Background()
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					p := places[i%len(places)]
					_, _ = r.ResolveLocation(ctx, p.Latitude, p.Longitude, 15)
				}
			})
		}
	}
}

func BenchmarkRedisResolver(b *testing.B) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		b.Skip("Redis not available:", err)
		return
	}
	defer client.FlushDB(ctx)

	r, err := NewRedisResolver(client, 500, utils.NopLogger())
	if err != nil {
		b.Fatal(err)
	}
	places := benchmarkPlaces(1000)
	if _, err := r.Load(ctx, places); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := places[i%len(places)]
		_, _ = r.ResolveLocation(ctx, p.Latitude, p.Longitude, 15)
	}
}
