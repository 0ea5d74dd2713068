package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/location"
	"fieldrep/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExpiryReason 超时未完成的签到被自动取消时的原因
const ExpiryReason = "auto-expired: check-in not completed"

// VisitService 拜访生命周期服务接口
type VisitService interface {
	// Schedule 创建 planned 拜访
	Schedule(ctx context.Context, req ScheduleVisitRequest) (*domain.Visit, error)

	// CheckIn planned → checked_in，附带定位证据
	CheckIn(ctx context.Context, req CheckInRequest) (*domain.Visit, error)

	// Complete checked_in → completed
	Complete(ctx context.Context, req CompleteVisitRequest) (*domain.Visit, error)

	// Cancel planned/checked_in → cancelled
	Cancel(ctx context.Context, visitID, reason string) (*domain.Visit, error)

	// GetVisit 获取拜访
	GetVisit(ctx context.Context, visitID string) (*domain.Visit, error)

	// ListVisits 查询拜访（过滤 + 分页）
	ListVisits(ctx context.Context, req ListVisitsRequest) (*ListVisitsResponse, error)

	// ExpireStaleCheckIns 自动取消签到后超过 maxAge 仍未完成的拜访
	ExpireStaleCheckIns(ctx context.Context, maxAge time.Duration) (int, error)
}

// ============================================
// Request/Response DTOs
// ============================================

// ScheduleVisitRequest 创建拜访请求
type ScheduleVisitRequest struct {
	RepID       string    // 代表ID（必填）
	ClinicID    string    // 诊所ID（必填，须已分配给代表）
	VisitType   string    // 拜访类型，默认 routine
	ScheduledAt time.Time // 计划时间（必填，允许过去时间）
}

// CheckInRequest 签到请求
type CheckInRequest struct {
	VisitID string
	Sample  domain.LocationSample // 调用前已获取的定位
	Notes   string
}

// CompleteVisitRequest 完成拜访请求
type CompleteVisitRequest struct {
	VisitID            string
	Outcome            string // 必填
	EffectivenessScore int    // 1-5
	DoctorSatisfaction *int   // 1-5，nil 表示未填写
	FollowUpRequired   bool
	Suggestions        string
}

// ListVisitsRequest 查询拜访请求
type ListVisitsRequest struct {
	Filters  repository.VisitFilters
	Page     int
	PageSize int
}

// ListVisitsResponse 查询拜访响应
type ListVisitsResponse struct {
	Items      []*domain.Visit `json:"items"`
	Pagination PaginationDTO   `json:"pagination"`
}

// PaginationDTO 分页信息
type PaginationDTO struct {
	Size  int `json:"size"`
	Page  int `json:"page"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// visitService 实现
type visitService struct {
	visits  repository.VisitsRepository
	clinics ClinicDirectory
	scorer  *location.Scorer
	sink    VisitEventSink
	logger  *zap.Logger
	locks   *keyedMutex
	now     func() time.Time
}

// NewVisitService 创建 VisitService 实例
func NewVisitService(
	visits repository.VisitsRepository,
	clinics ClinicDirectory,
	scorer *location.Scorer,
	sink VisitEventSink,
	logger *zap.Logger,
) VisitService {
	if clinics == nil {
		clinics = OpenClinicDirectory{}
	}
	return &visitService{
		visits:  visits,
		clinics: clinics,
		scorer:  scorer,
		sink:    sink,
		logger:  logger,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

func (s *visitService) Schedule(ctx context.Context, req ScheduleVisitRequest) (*domain.Visit, error) {
	req.RepID = strings.TrimSpace(req.RepID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	req.VisitType = strings.TrimSpace(req.VisitType)
	if req.RepID == "" {
		return nil, domain.NewValidationError("rep_id", "is required")
	}
	if req.ClinicID == "" {
		return nil, domain.NewValidationError("clinic_id", "is required")
	}
	if req.ScheduledAt.IsZero() {
		return nil, domain.NewValidationError("scheduled_at", "is required")
	}
	if req.VisitType == "" {
		req.VisitType = "routine"
	}

	assigned, err := s.clinics.IsAssigned(ctx, req.RepID, req.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify clinic assignment: %w", err)
	}
	if !assigned {
		return nil, fmt.Errorf("clinic %s: %w", req.ClinicID, domain.ErrClinicNotAssigned)
	}

	now := s.now().UTC()
	visit := &domain.Visit{
		VisitID:     uuid.NewString(),
		ClinicID:    req.ClinicID,
		RepID:       req.RepID,
		VisitType:   req.VisitType,
		Status:      domain.VisitPlanned,
		ScheduledAt: req.ScheduledAt.UTC(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.visits.CreateVisit(ctx, visit); err != nil {
		return nil, err
	}

	s.logger.Info("Visit scheduled",
		zap.String("visit_id", visit.VisitID),
		zap.String("rep_id", visit.RepID),
		zap.String("clinic_id", visit.ClinicID),
		zap.Time("scheduled_at", visit.ScheduledAt),
	)
	s.publish(ctx, visit, "schedule", "")
	return visit, nil
}

func (s *visitService) CheckIn(ctx context.Context, req CheckInRequest) (*domain.Visit, error) {
	sample, err := s.normalizeSample(req.Sample)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, req.VisitID, "check-in", func(v *domain.Visit, now time.Time) error {
		if v.Status != domain.VisitPlanned {
			return &domain.TransitionError{VisitID: v.VisitID, Op: "check-in", Current: v.Status}
		}
		if sample.RepID == "" {
			sample.RepID = v.RepID
		}
		v.Status = domain.VisitCheckedIn
		v.CheckIn = &domain.VisitCheckIn{
			Sample:      sample,
			Notes:       strings.TrimSpace(req.Notes),
			CheckedInAt: now,
		}
		v.LowConfidencePresence = !s.scorer.IsVerified(sample.QualityScore)
		return nil
	})
}

func (s *visitService) Complete(ctx context.Context, req CompleteVisitRequest) (*domain.Visit, error) {
	outcome := strings.TrimSpace(req.Outcome)
	if outcome == "" {
		return nil, domain.NewValidationError("outcome", "is required")
	}
	if req.EffectivenessScore < 1 || req.EffectivenessScore > 5 {
		return nil, domain.NewValidationError("effectiveness_score", "must be between 1 and 5")
	}
	if d := req.DoctorSatisfaction; d != nil && (*d < 1 || *d > 5) {
		return nil, domain.NewValidationError("doctor_satisfaction", "must be between 1 and 5")
	}

	var satisfaction *int
	if req.DoctorSatisfaction != nil {
		d := *req.DoctorSatisfaction
		satisfaction = &d
	}

	return s.transition(ctx, req.VisitID, "complete", func(v *domain.Visit, now time.Time) error {
		if v.Status != domain.VisitCheckedIn {
			return &domain.TransitionError{VisitID: v.VisitID, Op: "complete", Current: v.Status}
		}
		v.Status = domain.VisitCompleted
		v.Completion = &domain.VisitCompletion{
			Outcome:            outcome,
			EffectivenessScore: req.EffectivenessScore,
			DoctorSatisfaction: satisfaction,
			FollowUpRequired:   req.FollowUpRequired,
			Suggestions:        strings.TrimSpace(req.Suggestions),
			CompletedAt:        now,
		}
		return nil
	})
}

func (s *visitService) Cancel(ctx context.Context, visitID, reason string) (*domain.Visit, error) {
	return s.cancel(ctx, visitID, reason, "cancel")
}

func (s *visitService) cancel(ctx context.Context, visitID, reason, op string) (*domain.Visit, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, visitID, op, func(v *domain.Visit, now time.Time) error {
		if v.Status != domain.VisitPlanned && v.Status != domain.VisitCheckedIn {
			return &domain.TransitionError{VisitID: v.VisitID, Op: "cancel", Current: v.Status}
		}
		v.Cancellation = &domain.VisitCancellation{
			Reason:         reason,
			PreviousStatus: v.Status,
			CancelledAt:    now,
			PriorCheckIn:   v.CheckIn,
		}
		v.CheckIn = nil
		v.Status = domain.VisitCancelled
		return nil
	})
}

func (s *visitService) GetVisit(ctx context.Context, visitID string) (*domain.Visit, error) {
	if strings.TrimSpace(visitID) == "" {
		return nil, domain.NewValidationError("visit_id", "is required")
	}
	return s.visits.GetVisit(ctx, visitID)
}

func (s *visitService) ListVisits(ctx context.Context, req ListVisitsRequest) (*ListVisitsResponse, error) {
	if req.Filters.Status != "" && !req.Filters.Status.Valid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", req.Filters.Status))
	}
	if req.Filters.From != nil && req.Filters.To != nil && !req.Filters.From.Before(*req.Filters.To) {
		return nil, domain.NewValidationError("from", "must be before to")
	}
	page, size := req.Page, req.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	items, total, err := s.visits.ListVisits(ctx, &req.Filters, page, size)
	if err != nil {
		return nil, err
	}
	return &ListVisitsResponse{
		Items: items,
		Pagination: PaginationDTO{
			Size:  size,
			Page:  page,
			Count: len(items),
			Total: total,
		},
	}, nil
}

func (s *visitService) ExpireStaleCheckIns(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	stale, err := s.visits.ListStaleCheckIns(ctx, s.now().UTC().Add(-maxAge), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, v := range stale {
		if _, err := s.cancel(ctx, v.VisitID, ExpiryReason, "expire"); err != nil {
			// 扫描期间被完成/取消的拜访直接跳过
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConcurrencyConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("Expired stale check-ins", zap.Int("count", expired), zap.Duration("max_age", maxAge))
	}
	return expired, nil
}

// transition 串行化同一 visit 的变更：加锁 → 读取 → 校验/变更 → 版本号写回
func (s *visitService) transition(ctx context.Context, visitID, op string, mutate func(*domain.Visit, time.Time) error) (*domain.Visit, error) {
	if strings.TrimSpace(visitID) == "" {
		return nil, domain.NewValidationError("visit_id", "is required")
	}

	unlock := s.locks.Lock(visitID)
	defer unlock()

	visit, err := s.visits.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	from := visit.Status
	expected := visit.Version

	now := s.now().UTC()
	if err := mutate(visit, now); err != nil {
		return nil, err
	}
	visit.UpdatedAt = now
	if err := visit.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("visit %s: %w", visitID, err)
	}

	if err := s.visits.UpdateVisit(ctx, visit, expected); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, s.conflictError(ctx, visitID, op, err)
		}
		return nil, err
	}

	s.logger.Info("Visit transition",
		zap.String("visit_id", visit.VisitID),
		zap.String("op", op),
		zap.String("from", string(from)),
		zap.String("to", string(visit.Status)),
		zap.Bool("low_confidence_presence", visit.LowConfidencePresence),
	)
	s.publish(ctx, visit, op, from)
	return visit, nil
}

// conflictError 版本冲突时报告对方写入后的当前状态
func (s *visitService) conflictError(ctx context.Context, visitID, op string, cause error) error {
	cur, err := s.visits.GetVisit(ctx, visitID)
	if err != nil {
		return cause
	}
	opName := op
	if op == "expire" {
		opName = "cancel"
	}
	if cur.Status.IsTerminal() || (opName == "check-in" && cur.Status != domain.VisitPlanned) {
		return &domain.TransitionError{VisitID: visitID, Op: opName, Current: cur.Status}
	}
	return cause
}

// normalizeSample 校验样本并按来源/精度重新计算质量分
func (s *visitService) normalizeSample(sample domain.LocationSample) (domain.LocationSample, error) {
	if !sample.SourceTier.Valid() {
		return sample, domain.NewValidationError("sample.source_tier", fmt.Sprintf("unknown tier %q", sample.SourceTier))
	}
	sample.QualityScore, sample.AccuracyClass = s.scorer.Score(sample.SourceTier, sample.AccuracyMeters)
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = s.now().UTC()
	}
	if err := sample.Validate(); err != nil {
		return sample, domain.NewValidationError("sample", err.Error())
	}
	return sample, nil
}

func (s *visitService) publish(ctx context.Context, v *domain.Visit, op string, from domain.VisitStatus) {
	notify(ctx, s.sink, VisitEvent{
		VisitID:               v.VisitID,
		RepID:                 v.RepID,
		ClinicID:              v.ClinicID,
		Op:                    op,
		From:                  from,
		To:                    v.Status,
		LowConfidencePresence: v.LowConfidencePresence,
		Version:               v.Version,
		OccurredAt:            v.UpdatedAt,
	}, s.logger)
}
