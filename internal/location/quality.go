package location

import (
	"fieldrep/internal/config"
	"fieldrep/internal/domain"
)

// 各来源/精度对应的质量分
const (
	ScoreExcellent  = 100
	ScoreGood       = 80
	ScoreAcceptable = 60
	ScorePoor       = 20
	ScoreNetwork    = 40
	ScoreFallback   = 0
)

// Scorer 精度分级与质量评分（纯函数，无副作用）
type Scorer struct {
	excellent  float64
	good       float64
	acceptable float64
	verified   int
}

// NewScorer 按配置阈值创建评分器
func NewScorer(cfg config.AcquisitionConfig) *Scorer {
	return &Scorer{
		excellent:  cfg.Thresholds.Excellent,
		good:       cfg.Thresholds.Good,
		acceptable: cfg.Thresholds.Acceptable,
		verified:   cfg.VerifiedThreshold,
	}
}

// Classify 按 GPS 报告精度分级，边界值归入更好的一级
func (s *Scorer) Classify(accuracyMeters float64) domain.AccuracyClass {
	switch {
	case accuracyMeters <= s.excellent:
		return domain.AccuracyExcellent
	case accuracyMeters <= s.good:
		return domain.AccuracyGood
	case accuracyMeters <= s.acceptable:
		return domain.AccuracyAcceptable
	default:
		return domain.AccuracyPoor
	}
}

// Score 计算样本质量分；仅 HighAccuracyGPS 返回精度分级
func (s *Scorer) Score(tier domain.SourceTier, accuracyMeters *float64) (int, domain.AccuracyClass) {
	switch tier {
	case domain.TierHighAccuracyGPS:
		if accuracyMeters == nil {
			return ScorePoor, domain.AccuracyPoor
		}
		class := s.Classify(*accuracyMeters)
		switch class {
		case domain.AccuracyExcellent:
			return ScoreExcellent, class
		case domain.AccuracyGood:
			return ScoreGood, class
		case domain.AccuracyAcceptable:
			return ScoreAcceptable, class
		default:
			return ScorePoor, class
		}
	case domain.TierNetwork:
		return ScoreNetwork, ""
	default:
		return ScoreFallback, ""
	}
}

// IsVerified 质量分是否足以作为到场证据
func (s *Scorer) IsVerified(score int) bool {
	return score >= s.verified
}

// VerifiedThreshold 到场验证阈值
func (s *Scorer) VerifiedThreshold() int {
	return s.verified
}
