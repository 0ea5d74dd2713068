package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/repository"
	"fieldrep/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PeriodStats 某一时间段内的拜访计数（按 scheduled_at 归属）
type PeriodStats struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Total         int       `json:"total"`
	Planned       int       `json:"planned"`
	CheckedIn     int       `json:"checked_in"`
	Completed     int       `json:"completed"`
	Cancelled     int       `json:"cancelled"`
	LowConfidence int       `json:"low_confidence"`
}

// DashboardSnapshot 代表看板（按需计算，非独立维护的计数器）
type DashboardSnapshot struct {
	RepID          string          `json:"rep_id"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Timezone       string          `json:"timezone"`
	Today          PeriodStats     `json:"today"`
	ThisWeek       PeriodStats     `json:"this_week"`
	ThisMonth      PeriodStats     `json:"this_month"`
	CompletionRate float64         `json:"completion_rate"` // 本月 completed / total
	Upcoming       []*domain.Visit `json:"upcoming"`
}

// DashboardService 看板聚合服务
type DashboardService struct {
	visits         repository.VisitsRepository
	cache          *store.JSONCache
	loc            *time.Location
	upcomingLimit  int
	group          singleflight.Group
	computeTimeout time.Duration // 合并计算不跟随任何单个调用方的 ctx，只受此上限约束
	logger         *zap.Logger
	now            func() time.Time
}

// NewDashboardService 创建看板服务；cache 为 nil 时每次重新计算
func NewDashboardService(visits repository.VisitsRepository, cache *store.JSONCache, loc *time.Location, upcomingLimit int, logger *zap.Logger) *DashboardService {
	if loc == nil {
		loc = time.UTC
	}
	if upcomingLimit <= 0 {
		upcomingLimit = 10
	}
	return &DashboardService{
		visits:         visits,
		cache:          cache,
		loc:            loc,
		upcomingLimit:  upcomingLimit,
		computeTimeout: 10 * time.Second,
		logger:         logger,
		now:            time.Now,
	}
}

// GetDashboard 读取看板：缓存命中直接返回，否则合并并发请求后计算
func (s *DashboardService) GetDashboard(ctx context.Context, repID string) (*DashboardSnapshot, error) {
	repID = strings.TrimSpace(repID)
	if repID == "" {
		return nil, domain.NewValidationError("rep_id", "is required")
	}

	if s.cache != nil {
		var cached DashboardSnapshot
		hit, err := s.cache.Get(ctx, repID, &cached)
		if err != nil {
			s.logger.Warn("Dashboard cache read failed", zap.String("rep_id", repID), zap.Error(err))
		} else if hit {
			return &cached, nil
		}
	}

	ch := s.group.DoChan(repID, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.computeTimeout)
		defer cancel()
		snap, err := s.Compute(cctx, repID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(cctx, repID, snap); err != nil {
				s.logger.Warn("Dashboard cache write failed", zap.String("rep_id", repID), zap.Error(err))
			}
		}
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DashboardSnapshot), nil
	}
}

// Compute 从拜访记录直接计算看板
func (s *DashboardService) Compute(ctx context.Context, repID string) (*DashboardSnapshot, error) {
	now := s.now().In(s.loc)
	today := startOfDay(now)
	week := startOfWeek(now)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)

	ranges := [3][2]time.Time{
		{today, today.AddDate(0, 0, 1)},
		{week, week.AddDate(0, 0, 7)},
		{month, month.AddDate(0, 1, 0)},
	}
	from, to := ranges[0][0], ranges[0][1]
	for _, r := range ranges[1:] {
		if r[0].Before(from) {
			from = r[0]
		}
		if r[1].After(to) {
			to = r[1]
		}
	}

	visits, err := s.visits.ListRepVisitsBetween(ctx, repID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load visits for dashboard: %w", err)
	}
	upcoming, err := s.visits.ListUpcoming(ctx, repID, now.UTC(), s.upcomingLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load upcoming visits: %w", err)
	}

	snap := &DashboardSnapshot{
		RepID:       repID,
		GeneratedAt: now.UTC(),
		Timezone:    s.loc.String(),
		Today:       countPeriod(visits, ranges[0][0], ranges[0][1]),
		ThisWeek:    countPeriod(visits, ranges[1][0], ranges[1][1]),
		ThisMonth:   countPeriod(visits, ranges[2][0], ranges[2][1]),
		Upcoming:    upcoming,
	}
	if snap.ThisMonth.Total > 0 {
		snap.CompletionRate = float64(snap.ThisMonth.Completed) / float64(snap.ThisMonth.Total)
	}
	return snap, nil
}

// VisitChanged 拜访变更后让该代表的看板缓存失效
func (s *DashboardService) VisitChanged(ctx context.Context, event VisitEvent) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, event.RepID)
}

func countPeriod(visits []*domain.Visit, from, to time.Time) PeriodStats {
	p := PeriodStats{From: from.UTC(), To: to.UTC()}
	for _, v := range visits {
		if v.ScheduledAt.Before(from) || !v.ScheduledAt.Before(to) {
			continue
		}
		p.Total++
		switch v.Status {
		case domain.VisitPlanned:
			p.Planned++
		case domain.VisitCheckedIn:
			p.CheckedIn++
		case domain.VisitCompleted:
			p.Completed++
		case domain.VisitCancelled:
			p.Cancelled++
		}
		if v.LowConfidencePresence {
			p.LowConfidence++
		}
	}
	return p
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek 周一为一周起点
func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return startOfDay(t).AddDate(0, 0, -offset)
}
