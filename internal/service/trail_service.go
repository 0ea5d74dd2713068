package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/location"
	"fieldrep/internal/repository"
	"fieldrep/internal/store"
	"fieldrep/internal/trail"

	"go.uber.org/zap"
)

// TrailService 轨迹写入与渲染视图
type TrailService struct {
	trail         *trail.Trail
	flusher       *trail.Flusher
	samples       repository.TrailRepository
	visits        repository.VisitsRepository
	live          *store.LiveCache
	scorer        *location.Scorer
	displayWindow int
	logger        *zap.Logger
	now           func() time.Time
}

// NewTrailService 创建轨迹服务；live 可为 nil
func NewTrailService(
	tr *trail.Trail,
	flusher *trail.Flusher,
	samples repository.TrailRepository,
	visits repository.VisitsRepository,
	live *store.LiveCache,
	scorer *location.Scorer,
	displayWindow int,
	logger *zap.Logger,
) *TrailService {
	return &TrailService{
		trail:         tr,
		flusher:       flusher,
		samples:       samples,
		visits:        visits,
		live:          live,
		scorer:        scorer,
		displayWindow: displayWindow,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordSample 追加到代表轨迹并刷新实时位置；质量分与精度等级由服务端重新计算
func (s *TrailService) RecordSample(ctx context.Context, sample domain.LocationSample) error {
	if !sample.SourceTier.Valid() {
		return domain.NewValidationError("source_tier", fmt.Sprintf("unknown tier %q", sample.SourceTier))
	}
	sample.QualityScore, sample.AccuracyClass = s.scorer.Score(sample.SourceTier, sample.AccuracyMeters)
	if err := s.trail.Append(sample.RepID, sample); err != nil {
		return err
	}
	if s.live != nil {
		if cur := s.trail.Current(sample.RepID); cur != nil {
			if err := s.live.Put(ctx, *cur); err != nil {
				s.logger.Warn("Failed to update live marker", zap.String("rep_id", sample.RepID), zap.Error(err))
			}
		}
	}
	return nil
}

// View 最近 since 时长内的渲染视图
func (s *TrailService) View(ctx context.Context, repID string, since time.Duration) (*trail.View, error) {
	repID = strings.TrimSpace(repID)
	if repID == "" {
		return nil, domain.NewValidationError("rep_id", "is required")
	}
	if since <= 0 {
		since = 24 * time.Hour
	}
	now := s.now().UTC()
	from := now.Add(-since)

	if !s.trail.Seeded(repID) && s.samples != nil {
		persisted, err := s.samples.ListSamples(ctx, repID, from, now.Add(time.Minute), s.displayWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to load trail: %w", err)
		}
		s.trail.Seed(repID, persisted)
	}

	history := make([]domain.LocationSample, 0)
	for _, sample := range s.trail.History(repID) {
		if !sample.CapturedAt.Before(from) {
			history = append(history, sample)
		}
	}

	current, err := s.currentSample(ctx, repID)
	if err != nil {
		return nil, err
	}

	visits, err := s.visits.ListRepVisitsBetween(ctx, repID, from, now.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load visit markers: %w", err)
	}

	view := trail.BuildView(repID, current, history, visits)
	return &view, nil
}

// Samples 导出用：先落库待写样本，再按时间范围读取
func (s *TrailService) Samples(ctx context.Context, repID string, from, to time.Time) ([]domain.LocationSample, error) {
	if strings.TrimSpace(repID) == "" {
		return nil, domain.NewValidationError("rep_id", "is required")
	}
	if !from.Before(to) {
		return nil, domain.NewValidationError("from", "must be before to")
	}
	if s.flusher != nil {
		if _, err := s.flusher.Flush(ctx); err != nil {
			s.logger.Warn("Flush before export failed", zap.Error(err))
		}
	}
	return s.samples.ListSamples(ctx, repID, from, to, 0)
}

func (s *TrailService) currentSample(ctx context.Context, repID string) (*domain.LocationSample, error) {
	if cur := s.trail.Current(repID); cur != nil {
		return cur, nil
	}
	if s.live != nil {
		cur, err := s.live.Get(ctx, repID)
		if err != nil {
			s.logger.Warn("Failed to read live marker", zap.String("rep_id", repID), zap.Error(err))
		} else if cur != nil {
			return cur, nil
		}
	}
	if s.samples == nil {
		return nil, nil
	}
	return s.samples.LatestSample(ctx, repID)
}

// Export 审计导出：时间范围内的全部样本与签到标记
func (s *TrailService) Export(ctx context.Context, repID string, from, to time.Time) ([]domain.LocationSample, []trail.Marker, error) {
	samples, err := s.Samples(ctx, repID, from, to)
	if err != nil {
		return nil, nil, err
	}
	visits, err := s.visits.ListRepVisitsBetween(ctx, repID, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load visit markers: %w", err)
	}
	view := trail.BuildView(repID, nil, nil, visits)
	return samples, view.Markers, nil
}
