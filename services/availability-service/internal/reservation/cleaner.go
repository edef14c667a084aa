package reservation

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner periodically clears expired holds. Reserve already treats an expired hold as
// free, so a late or missed sweep only leaves stale fields behind.
type Cleaner struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
}

func NewCleaner(service *Service, logger *slog.Logger, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Cleaner{service: service, logger: logger, interval: interval}
}

func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.service.Cleanup(ctx)
			if err != nil {
				c.logger.Error("reservation cleanup failed", "err", err, "released", n)
				continue
			}
			if n > 0 {
				c.logger.Info("expired reservations released", "released", n)
			}
		}
	}
}
