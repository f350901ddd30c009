package places

import (
	"context"
	"time"

	"github.com/flybeeper/session-segmenter/pkg/utils"
)

// Refresher резолвер, умеющий перезагружать справочник
type Refresher interface {
	Refresh(ctx context.Context, lister Lister) error
}

// StartRefresh периодически перезагружает справочник до отмены контекста
func StartRefresh(ctx context.Context, r Refresher, lister Lister, interval time.Duration, logger *utils.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx, lister); err != nil {
					logger.WithError(err).Warn("Failed to refresh places")
				}
			}
		}
	}()
}

var (
	_ Refresher = (*IndexResolver)(nil)
	_ Refresher = (*RedisResolver)(nil)
)
