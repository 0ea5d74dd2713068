package service

import (
	"context"
	"strings"

	"fieldrep/internal/domain"
	"fieldrep/internal/location"

	"go.uber.org/zap"
)

// AcquisitionResult 一次定位流程的全部样本与最终结果
type AcquisitionResult struct {
	Outcome location.Outcome        `json:"outcome"`
	Samples []domain.LocationSample `json:"samples"`
}

// AcquisitionService 服务端发起定位：每个样本立即写入轨迹与实时位置
type AcquisitionService struct {
	acquirer *location.Acquirer
	trails   *TrailService
	logger   *zap.Logger
}

func NewAcquisitionService(acquirer *location.Acquirer, trails *TrailService, logger *zap.Logger) *AcquisitionService {
	return &AcquisitionService{acquirer: acquirer, trails: trails, logger: logger}
}

// Acquire 运行定位流程直到结束（同一代表的旧流程会被取消）
func (s *AcquisitionService) Acquire(ctx context.Context, repID string) (*AcquisitionResult, error) {
	repID = strings.TrimSpace(repID)
	if repID == "" {
		return nil, domain.NewValidationError("rep_id", "is required")
	}

	result := &AcquisitionResult{Samples: []domain.LocationSample{}}
	result.Outcome = s.acquirer.Acquire(ctx, repID, func(sample domain.LocationSample) {
		result.Samples = append(result.Samples, sample)
		if err := s.trails.RecordSample(ctx, sample); err != nil {
			s.logger.Warn("Failed to record acquired sample",
				zap.String("rep_id", repID),
				zap.String("sample_id", sample.SampleID),
				zap.Error(err),
			)
		}
	})

	s.logger.Info("Location acquisition finished",
		zap.String("rep_id", repID),
		zap.String("source_tier", string(result.Outcome.Sample.SourceTier)),
		zap.Int("quality_score", result.Outcome.Sample.QualityScore),
		zap.Bool("requires_confirmation", result.Outcome.RequiresConfirmation),
		zap.Bool("cancelled", result.Outcome.Cancelled),
		zap.Int("samples", len(result.Samples)),
	)
	return result, nil
}

// Cancel 取消代表当前的定位流程
func (s *AcquisitionService) Cancel(repID string) bool {
	return s.acquirer.CancelSession(repID)
}
