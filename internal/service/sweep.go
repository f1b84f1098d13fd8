package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartExpirationSweep запускает фоновое истечение скидок с указанным интервалом.
// При interval <= 0 ничего не делает.
func (s *Service) StartExpirationSweep(ctx context.Context, interval time.Duration) {
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
				if _, err := s.ExpireDiscounts(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("expiration sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
