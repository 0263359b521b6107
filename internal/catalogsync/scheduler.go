package catalogsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a full sync followed by orphan cleanup on a fixed interval.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(s *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{service: s, interval: interval, logger: s.logger.Named("scheduler")}
}

// Run blocks until ctx is done. The first pass starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("catalog scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	started := time.Now()
	bulk, err := s.service.SyncAllProducts(ctx)
	if err != nil {
		s.logger.Error("catalog sync pass failed", zap.Error(err))
	}
	cleanup, err := s.service.CleanupInactiveStripeProducts(ctx)
	if err != nil {
		s.logger.Error("orphan cleanup pass failed", zap.Error(err))
	}
	s.logger.Info("catalog pass done",
		zap.Int("synced", bulk.Succeeded),
		zap.Int("sync_failed", bulk.Failed),
		zap.Int("archived_products", cleanup.ArchivedProducts),
		zap.Duration("took", time.Since(started)),
	)
}
