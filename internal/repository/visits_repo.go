package repository

import (
	"context"
	"time"

	"fieldrep/internal/domain"
)

// VisitFilters 拜访记录查询过滤器
type VisitFilters struct {
	RepID     string             // 代表ID
	ClinicID  string             // 诊所ID
	VisitType string             // 拜访类型
	Status    domain.VisitStatus // 状态
	From      *time.Time         // scheduled_at >= From
	To        *time.Time         // scheduled_at < To
}

// VisitsRepository 拜访记录Repository接口
type VisitsRepository interface {
	// CreateVisit 创建拜访（visit_id 由调用方生成）
	CreateVisit(ctx context.Context, visit *domain.Visit) error

	// GetVisit 获取拜访，不存在返回 domain.ErrVisitNotFound
	GetVisit(ctx context.Context, visitID string) (*domain.Visit, error)

	// ListVisits 批量查询（按 scheduled_at 升序，分页）
	ListVisits(ctx context.Context, filters *VisitFilters, page, size int) ([]*domain.Visit, int, error)

	// ListRepVisitsBetween 代表在 [from, to) 内的全部拜访（看板聚合用）
	ListRepVisitsBetween(ctx context.Context, repID string, from, to time.Time) ([]*domain.Visit, error)

	// ListUpcoming 代表在 after 之后仍为 planned 的拜访，按时间升序
	ListUpcoming(ctx context.Context, repID string, after time.Time, limit int) ([]*domain.Visit, error)

	// ListStaleCheckIns 签到时间早于 before 且仍为 checked_in 的拜访
	ListStaleCheckIns(ctx context.Context, before time.Time, limit int) ([]*domain.Visit, error)

	// UpdateVisit 按版本号更新（乐观锁）：成功后 visit.Version = expectedVersion+1，
	// 版本不匹配返回 domain.ErrConcurrencyConflict
	UpdateVisit(ctx context.Context, visit *domain.Visit, expectedVersion int) error
}

// TrailRepository 轨迹样本持久化接口
type TrailRepository interface {
	// SaveSamples 批量写入，sample_id 重复的忽略
	SaveSamples(ctx context.Context, samples []domain.LocationSample) error

	// ListSamples 代表在 [from, to) 内的样本，按采集时间升序；limit<=0 不限制
	ListSamples(ctx context.Context, repID string, from, to time.Time, limit int) ([]domain.LocationSample, error)

	// LatestSample 代表最近一个样本，无记录返回 nil
	LatestSample(ctx context.Context, repID string) (*domain.LocationSample, error)
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
