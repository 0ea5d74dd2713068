package domain

import (
	"fmt"
	"math"
	"time"
)

// SourceTier 定位来源层级（严格按优先级尝试）
type SourceTier string

const (
	TierHighAccuracyGPS SourceTier = "HighAccuracyGPS"
	TierNetwork         SourceTier = "Network"
	TierDefaultFallback SourceTier = "DefaultFallback"
)

// Valid 是否为已知层级
func (t SourceTier) Valid() bool {
	switch t {
	case TierHighAccuracyGPS, TierNetwork, TierDefaultFallback:
		return true
	}
	return false
}

// AccuracyClass GPS 精度分级（仅 HighAccuracyGPS 有值）
type AccuracyClass string

const (
	AccuracyExcellent  AccuracyClass = "Excellent"
	AccuracyGood       AccuracyClass = "Good"
	AccuracyAcceptable AccuracyClass = "Acceptable"
	AccuracyPoor       AccuracyClass = "Poor"
)

// Confidence 展示层可信度提示（不是业务规则）
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// LocationSample 一次定位结果
type LocationSample struct {
	SampleID       string        `json:"sample_id" db:"sample_id"`             // ULID，按采集顺序可排序
	RepID          string        `json:"rep_id" db:"rep_id"`                   // 代表ID
	Latitude       float64       `json:"latitude" db:"latitude"`
	Longitude      float64       `json:"longitude" db:"longitude"`
	AccuracyMeters *float64      `json:"accuracy_meters" db:"accuracy_meters"` // 仅 DefaultFallback 时为 nil
	CapturedAt     time.Time     `json:"captured_at" db:"captured_at"`
	SourceTier     SourceTier    `json:"source_tier" db:"source_tier"`
	AttemptNumber  int           `json:"attempt_number" db:"attempt_number"`
	QualityScore   int           `json:"quality_score" db:"quality_score"` // 0-100
	AccuracyClass  AccuracyClass `json:"accuracy_class,omitempty" db:"accuracy_class"`
}

// HasCoordinates 坐标是否可用（非 NaN/Inf）
func (s LocationSample) HasCoordinates() bool {
	return isFinite(s.Latitude) && isFinite(s.Longitude)
}

// Validate 校验样本自身不变量
func (s LocationSample) Validate() error {
	if !s.HasCoordinates() {
		return fmt.Errorf("sample coordinates are missing")
	}
	if !s.SourceTier.Valid() {
		return fmt.Errorf("invalid source_tier: %q", s.SourceTier)
	}
	if s.SourceTier == TierDefaultFallback && s.AccuracyMeters != nil {
		return fmt.Errorf("accuracy_meters must be null for %s", TierDefaultFallback)
	}
	if s.SourceTier != TierDefaultFallback && s.AccuracyMeters == nil {
		return fmt.Errorf("accuracy_meters is required for %s", s.SourceTier)
	}
	if s.QualityScore < 0 || s.QualityScore > 100 {
		return fmt.Errorf("quality_score out of range: %d", s.QualityScore)
	}
	return nil
}

// Confidence 根据来源层级与精度分级得出的展示可信度
func (s LocationSample) Confidence() Confidence {
	if s.SourceTier != TierHighAccuracyGPS {
		return ConfidenceLow
	}
	switch s.AccuracyClass {
	case AccuracyExcellent, AccuracyGood:
		return ConfidenceHigh
	case AccuracyAcceptable:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
