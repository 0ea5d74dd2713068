package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiryWorker 周期性取消长时间未完成的签到
type ExpiryWorker struct {
	visits   VisitService
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
}

func NewExpiryWorker(visits VisitService, maxAge, interval time.Duration, logger *zap.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ExpiryWorker{visits: visits, maxAge: maxAge, interval: interval, logger: logger}
}

// Run 阻塞运行直到 ctx 取消；maxAge<=0 时直接返回
func (w *ExpiryWorker) Run(ctx context.Context) error {
	if w.maxAge <= 0 {
		w.logger.Info("Check-in expiry disabled")
		return nil
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Check-in expiry worker started",
		zap.Duration("max_age", w.maxAge),
		zap.Duration("interval", w.interval),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.visits.ExpireStaleCheckIns(ctx, w.maxAge); err != nil {
				w.logger.Error("Check-in expiry sweep failed", zap.Error(err))
			}
		}
	}
}
