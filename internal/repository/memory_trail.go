package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"fieldrep/internal/domain"
)

// MemoryTrailRepo 内存轨迹存储（DB_ENABLED=false / 单元测试）
type MemoryTrailRepo struct {
	mu      sync.RWMutex
	byRep   map[string][]domain.LocationSample
	seenIDs map[string]struct{}
}

func NewMemoryTrailRepo() *MemoryTrailRepo {
	return &MemoryTrailRepo{
		byRep:   map[string][]domain.LocationSample{},
		seenIDs: map[string]struct{}{},
	}
}

var _ TrailRepository = (*MemoryTrailRepo)(nil)

func (r *MemoryTrailRepo) SaveSamples(_ context.Context, samples []domain.LocationSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	touched := map[string]bool{}
	for _, s := range samples {
		if s.SampleID != "" {
			if _, dup := r.seenIDs[s.SampleID]; dup {
				continue
			}
			r.seenIDs[s.SampleID] = struct{}{}
		}
		r.byRep[s.RepID] = append(r.byRep[s.RepID], s)
		touched[s.RepID] = true
	}
	for repID := range touched {
		list := r.byRep[repID]
		sort.SliceStable(list, func(i, j int) bool { return list[i].CapturedAt.Before(list[j].CapturedAt) })
	}
	return nil
}

func (r *MemoryTrailRepo) ListSamples(_ context.Context, repID string, from, to time.Time, limit int) ([]domain.LocationSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.LocationSample{}
	for _, s := range r.byRep[repID] {
		if !s.CapturedAt.Before(from) && s.CapturedAt.Before(to) {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MemoryTrailRepo) LatestSample(_ context.Context, repID string) (*domain.LocationSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byRep[repID]
	if len(list) == 0 {
		return nil, nil
	}
	s := list[len(list)-1]
	return &s, nil
}
