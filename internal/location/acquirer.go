package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldrep/internal/config"
	"fieldrep/internal/domain"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// FallbackAdvisory 兜底坐标附带的提示
const FallbackAdvisory = "device location unavailable; default coordinates used, confirm presence manually"

// Outcome 一次定位流程的最终结果，总会有一个样本
type Outcome struct {
	Sample               domain.LocationSample `json:"sample"`
	Resolved             bool                  `json:"resolved"`              // 由设备定位（GPS/网络）得出
	Degraded             bool                  `json:"degraded"`              // 未拿到高精度 GPS
	Verified             bool                  `json:"verified"`              // qualityScore >= 验证阈值
	RequiresConfirmation bool                  `json:"requires_confirmation"` // 兜底坐标，需要人工确认
	Cancelled            bool                  `json:"cancelled"`             // 流程被取消/取代，样本未发出
	Advisory             string                `json:"advisory,omitempty"`
	Reason               string                `json:"reason,omitempty"` // 降级原因
}

// Acquirer 三级定位：高精度 GPS → 网络定位 → 兜底坐标
type Acquirer struct {
	cfg      config.AcquisitionConfig
	provider Provider
	scorer   *Scorer
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // rep_id → 当前有效流程
}

// NewAcquirer 创建定位获取器
func NewAcquirer(cfg config.AcquisitionConfig, provider Provider, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{
		cfg:      cfg,
		provider: provider,
		scorer:   NewScorer(cfg),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Scorer 返回评分器
func (a *Acquirer) Scorer() *Scorer { return a.scorer }

// Start 为代表启动一次定位流程，同一代表的旧流程立即失效
func (a *Acquirer) Start(ctx context.Context, repID string) *Session {
	s := newSession(ctx, repID)

	a.mu.Lock()
	if prev, ok := a.sessions[repID]; ok {
		prev.cancel()
		a.logger.Debug("Superseded location session", zap.String("rep_id", repID))
	}
	a.sessions[repID] = s
	a.mu.Unlock()

	go a.run(s)
	return s
}

// Acquire 同步执行定位；emit 在调用方 goroutine 中按产生顺序回调每个样本
func (a *Acquirer) Acquire(ctx context.Context, repID string, emit func(domain.LocationSample)) Outcome {
	s := a.Start(ctx, repID)
	for sample := range s.Samples() {
		if emit != nil {
			emit(sample)
		}
	}
	return s.Outcome()
}

// CancelSession 取消代表当前的定位流程
func (a *Acquirer) CancelSession(repID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[repID]
	if !ok {
		return false
	}
	s.cancel()
	delete(a.sessions, repID)
	return true
}

// ActiveSessions 当前进行中的流程数
func (a *Acquirer) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Acquirer) release(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[s.repID] == s {
		delete(a.sessions, s.repID)
	}
}

func (a *Acquirer) run(s *Session) {
	defer a.release(s)

	pipelineCtx, cancel := context.WithTimeout(s.ctx, a.cfg.Watchdog)
	defer cancel()

	outcome, reason := a.runDeviceTiers(pipelineCtx, s)
	if outcome != nil {
		s.finish(*outcome)
		return
	}

	fallback := a.fallbackSample(s.repID)
	if s.ctx.Err() != nil {
		a.logger.Debug("Location session cancelled", zap.String("rep_id", s.repID))
		s.finish(Outcome{
			Sample:               fallback,
			Degraded:             true,
			RequiresConfirmation: true,
			Cancelled:            true,
			Advisory:             FallbackAdvisory,
			Reason:               "session cancelled",
		})
		return
	}
	if pipelineCtx.Err() != nil {
		reason = fmt.Sprintf("acquisition exceeded %s", a.cfg.Watchdog)
	}

	a.logger.Info("Location fell back to default coordinates",
		zap.String("rep_id", s.repID),
		zap.String("reason", reason),
	)
	s.emit(fallback)
	s.finish(Outcome{
		Sample:               fallback,
		Degraded:             true,
		RequiresConfirmation: true,
		Advisory:             FallbackAdvisory,
		Reason:               reason,
	})
}

// runDeviceTiers 依次尝试 GPS 与网络定位；返回 nil 表示需要兜底
func (a *Acquirer) runDeviceTiers(ctx context.Context, s *Session) (*Outcome, string) {
	hc := a.cfg.HighAccuracy
	lastReason := "no usable high-accuracy fix"

	for attempt := 1; attempt <= hc.Attempts; attempt++ {
		fix, err := a.attempt(ctx, hc.Timeout, func(actx context.Context) (Fix, error) {
			return a.provider.RequestHighAccuracyFix(actx, s.repID, hc.Timeout, hc.MaxAge)
		})
		if ctx.Err() != nil {
			return nil, lastReason
		}
		if isTerminalProviderError(err) {
			return nil, err.Error()
		}
		if err == nil && !validFix(fix) {
			err = ErrNoFix
		}
		if err != nil {
			lastReason = err.Error()
			a.logger.Debug("High-accuracy attempt failed",
				zap.String("rep_id", s.repID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			sample := a.buildSample(s.repID, fix, domain.TierHighAccuracyGPS, attempt)
			if !s.emit(sample) {
				return nil, lastReason
			}
			if sample.AccuracyClass != domain.AccuracyPoor {
				return a.resolved(sample, false, ""), ""
			}
			lastReason = fmt.Sprintf("gps accuracy %.0fm is poor", *sample.AccuracyMeters)
		}
		if attempt < hc.Attempts && !sleepCtx(ctx, hc.RetryBackoff) {
			return nil, lastReason
		}
	}

	nc := a.cfg.Network
	fix, err := a.attempt(ctx, nc.Timeout, func(actx context.Context) (Fix, error) {
		return a.provider.RequestLowAccuracyFix(actx, s.repID, nc.Timeout, nc.MaxAge)
	})
	if ctx.Err() != nil {
		return nil, lastReason
	}
	if err == nil && !validFix(fix) {
		err = ErrNoFix
	}
	if err != nil {
		a.logger.Debug("Network attempt failed", zap.String("rep_id", s.repID), zap.Error(err))
		return nil, err.Error()
	}
	sample := a.buildSample(s.repID, fix, domain.TierNetwork, 1)
	if !s.emit(sample) {
		return nil, lastReason
	}
	return a.resolved(sample, true, lastReason), ""
}

type fixResult struct {
	fix Fix
	err error
}

// attempt 设备请求与本地计时赛跑，先到者胜出，另一方结果丢弃
func (a *Acquirer) attempt(ctx context.Context, timeout time.Duration, call func(context.Context) (Fix, error)) (Fix, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fixResult, 1)
	go func() {
		fix, err := call(actx)
		results <- fixResult{fix: fix, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.fix, r.err
	case <-timer.C:
		return Fix{}, errAttemptTimeout
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}
}

func (a *Acquirer) resolved(sample domain.LocationSample, degraded bool, reason string) *Outcome {
	return &Outcome{
		Sample:   sample,
		Resolved: true,
		Degraded: degraded,
		Verified: a.scorer.IsVerified(sample.QualityScore),
		Reason:   reason,
	}
}

func (a *Acquirer) buildSample(repID string, fix Fix, tier domain.SourceTier, attempt int) domain.LocationSample {
	score, class := a.scorer.Score(tier, fix.AccuracyMeters)
	capturedAt := fix.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = a.now()
	}
	acc := *fix.AccuracyMeters
	return domain.LocationSample{
		SampleID:       ulid.Make().String(),
		RepID:          repID,
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		AccuracyMeters: &acc,
		CapturedAt:     capturedAt.UTC(),
		SourceTier:     tier,
		AttemptNumber:  attempt,
		QualityScore:   score,
		AccuracyClass:  class,
	}
}

func (a *Acquirer) fallbackSample(repID string) domain.LocationSample {
	return domain.LocationSample{
		SampleID:      ulid.Make().String(),
		RepID:         repID,
		Latitude:      a.cfg.Fallback.Latitude,
		Longitude:     a.cfg.Fallback.Longitude,
		CapturedAt:    a.now().UTC(),
		SourceTier:    domain.TierDefaultFallback,
		AttemptNumber: 1,
		QualityScore:  ScoreFallback,
	}
}

// validFix 设备定位必须带坐标与精度
func validFix(f Fix) bool {
	if f.AccuracyMeters == nil || !(*f.AccuracyMeters >= 0) {
		return false
	}
	return domain.LocationSample{Latitude: f.Latitude, Longitude: f.Longitude}.HasCoordinates()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
