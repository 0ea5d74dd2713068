package trail

import (
	"context"
	"time"

	"fieldrep/internal/repository"

	"go.uber.org/zap"
)

// Flusher 定期把待写样本批量落库
type Flusher struct {
	trail    *Trail
	repo     repository.TrailRepository
	interval time.Duration
	logger   *zap.Logger
}

func NewFlusher(trail *Trail, repo repository.TrailRepository, interval time.Duration, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Flusher{trail: trail, repo: repo, interval: interval, logger: logger}
}

// Run 阻塞运行直到 ctx 取消；退出前再刷一次
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("Trail flusher started", zap.Duration("interval", f.interval))
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := f.Flush(flushCtx); err != nil {
				f.logger.Error("Final trail flush failed", zap.Error(err))
			}
			cancel()
			f.logger.Info("Trail flusher stopped")
			return nil
		case <-ticker.C:
			if _, err := f.Flush(ctx); err != nil {
				f.logger.Error("Trail flush failed", zap.Error(err))
			}
		}
	}
}

// Flush 写入当前所有待写样本，失败时放回队列
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	samples := f.trail.DrainPending()
	if len(samples) == 0 {
		return 0, nil
	}
	if err := f.repo.SaveSamples(ctx, samples); err != nil {
		f.trail.Requeue(samples)
		return 0, err
	}
	f.logger.Debug("Flushed trail samples", zap.Int("count", len(samples)))
	return len(samples), nil
}
