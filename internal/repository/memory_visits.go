package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldrep/internal/domain"
)

// MemoryVisitsRepo DB 未启用时使用的内存实现（DB_ENABLED=false / 单元测试）
// - 读写均返回副本，调用方修改不影响存储
// - 与 Postgres 实现一样按 version 做乐观锁
type MemoryVisitsRepo struct {
	mu     sync.RWMutex
	visits map[string]*domain.Visit
}

func NewMemoryVisitsRepo() *MemoryVisitsRepo {
	return &MemoryVisitsRepo{visits: map[string]*domain.Visit{}}
}

var _ VisitsRepository = (*MemoryVisitsRepo)(nil)

func (r *MemoryVisitsRepo) CreateVisit(_ context.Context, visit *domain.Visit) error {
	if visit.VisitID == "" {
		return fmt.Errorf("visit_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visits[visit.VisitID]; ok {
		return fmt.Errorf("visit %s already exists: %w", visit.VisitID, domain.ErrConcurrencyConflict)
	}
	r.visits[visit.VisitID] = cloneVisit(visit)
	return nil
}

func (r *MemoryVisitsRepo) GetVisit(_ context.Context, visitID string) (*domain.Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[visitID]
	if !ok {
		return nil, fmt.Errorf("visit %s: %w", visitID, domain.ErrVisitNotFound)
	}
	return cloneVisit(v), nil
}

func (r *MemoryVisitsRepo) ListVisits(_ context.Context, filters *VisitFilters, page, size int) ([]*domain.Visit, int, error) {
	matched := r.filter(func(v *domain.Visit) bool { return matchFilters(v, filters) })
	total := len(matched)

	page, size = normalizePage(page, size)
	start := (page - 1) * size
	if start >= total {
		return []*domain.Visit{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryVisitsRepo) ListRepVisitsBetween(_ context.Context, repID string, from, to time.Time) ([]*domain.Visit, error) {
	return r.filter(func(v *domain.Visit) bool {
		return v.RepID == repID && !v.ScheduledAt.Before(from) && v.ScheduledAt.Before(to)
	}), nil
}

func (r *MemoryVisitsRepo) ListUpcoming(_ context.Context, repID string, after time.Time, limit int) ([]*domain.Visit, error) {
	if limit <= 0 {
		limit = 10
	}
	out := r.filter(func(v *domain.Visit) bool {
		return v.RepID == repID && v.Status == domain.VisitPlanned && !v.ScheduledAt.Before(after)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryVisitsRepo) ListStaleCheckIns(_ context.Context, before time.Time, limit int) ([]*domain.Visit, error) {
	if limit <= 0 {
		limit = 100
	}
	out := r.filter(func(v *domain.Visit) bool {
		return v.Status == domain.VisitCheckedIn && v.CheckIn != nil && v.CheckIn.CheckedInAt.Before(before)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryVisitsRepo) UpdateVisit(_ context.Context, visit *domain.Visit, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.visits[visit.VisitID]
	if !ok || cur.Version != expectedVersion {
		return fmt.Errorf("visit %s version %d: %w", visit.VisitID, expectedVersion, domain.ErrConcurrencyConflict)
	}
	visit.Version = expectedVersion + 1
	r.visits[visit.VisitID] = cloneVisit(visit)
	return nil
}

func (r *MemoryVisitsRepo) filter(keep func(*domain.Visit) bool) []*domain.Visit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*domain.Visit{}
	for _, v := range r.visits {
		if keep(v) {
			out = append(out, cloneVisit(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].VisitID < out[j].VisitID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

func matchFilters(v *domain.Visit, f *VisitFilters) bool {
	if f == nil {
		return true
	}
	if f.RepID != "" && v.RepID != f.RepID {
		return false
	}
	if f.ClinicID != "" && v.ClinicID != f.ClinicID {
		return false
	}
	if f.VisitType != "" && v.VisitType != f.VisitType {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.From != nil && v.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !v.ScheduledAt.Before(*f.To) {
		return false
	}
	return true
}

func cloneVisit(v *domain.Visit) *domain.Visit {
	c := *v
	if v.CheckIn != nil {
		ci := *v.CheckIn
		c.CheckIn = &ci
	}
	if v.Completion != nil {
		co := *v.Completion
		if co.DoctorSatisfaction != nil {
			d := *co.DoctorSatisfaction
			co.DoctorSatisfaction = &d
		}
		c.Completion = &co
	}
	if v.Cancellation != nil {
		ca := *v.Cancellation
		if ca.PriorCheckIn != nil {
			p := *ca.PriorCheckIn
			ca.PriorCheckIn = &p
		}
		c.Cancellation = &ca
	}
	return &c
}
