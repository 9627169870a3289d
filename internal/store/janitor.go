package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartJanitor prunes terminal jobs older than ttl every interval until ctx is
// done. A non-positive interval or ttl disables it.
func StartJanitor(ctx context.Context, s JobStore, interval, ttl time.Duration, logger *zap.Logger) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune(ctx, s, ttl, logger)
			}
		}
	}()
}

func prune(ctx context.Context, s JobStore, ttl time.Duration, logger *zap.Logger) {
	removed, err := s.Prune(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		logger.Warn("prune conversions failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("pruned conversions", zap.Int("removed", removed), zap.Duration("ttl", ttl))
	}
}
