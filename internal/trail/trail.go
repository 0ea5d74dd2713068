package trail

import (
	"sort"
	"sync"

	"fieldrep/internal/domain"
)

// Trail 代表移动轨迹（内存，按代表隔离）
//
// 每个代表保留最近 window 个样本用于渲染；尚未持久化的样本单独排队，
// 由 Flusher 批量写库。
type Trail struct {
	window int

	mu   sync.RWMutex
	reps map[string]*repTrail
}

type repTrail struct {
	mu      sync.Mutex
	samples []domain.LocationSample
	pending []domain.LocationSample
	seeded  bool // 已合并过持久化样本
}

// New 创建轨迹，window<=0 时取 500
func New(window int) *Trail {
	if window <= 0 {
		window = 500
	}
	return &Trail{window: window, reps: make(map[string]*repTrail)}
}

func (t *Trail) rep(repID string, create bool) *repTrail {
	t.mu.RLock()
	r, ok := t.reps[repID]
	t.mu.RUnlock()
	if ok || !create {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.reps[repID]; !ok {
		r = &repTrail{}
		t.reps[repID] = r
	}
	return r
}

// Append 追加样本（仅校验坐标）
func (t *Trail) Append(repID string, sample domain.LocationSample) error {
	if repID == "" {
		return domain.NewValidationError("rep_id", "is required")
	}
	if !sample.HasCoordinates() {
		return domain.NewValidationError("sample", "latitude and longitude must be finite numbers")
	}
	if sample.RepID == "" {
		sample.RepID = repID
	} else if sample.RepID != repID {
		return domain.NewValidationError("rep_id", "sample belongs to a different rep")
	}

	r := t.rep(repID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, sample)
	// 超过两倍窗口时整体收缩，均摊 O(1)
	if len(r.samples) > 2*t.window {
		kept := make([]domain.LocationSample, t.window, 2*t.window)
		copy(kept, r.samples[len(r.samples)-t.window:])
		r.samples = kept
	}
	r.pending = append(r.pending, sample)
	return nil
}

// Current 最近一次追加的样本，没有则返回 nil
func (t *Trail) Current(repID string) *domain.LocationSample {
	r := t.rep(repID, false)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return nil
	}
	s := r.samples[len(r.samples)-1]
	return &s
}

// History 窗口内的样本，旧→新
func (t *Trail) History(repID string) []domain.LocationSample {
	r := t.rep(repID, false)
	if r == nil {
		return []domain.LocationSample{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if len(r.samples) > t.window {
		start = len(r.samples) - t.window
	}
	out := make([]domain.LocationSample, len(r.samples)-start)
	copy(out, r.samples[start:])
	return out
}

// Seed 用已持久化的样本预热窗口（不进入待写队列）
//
// 持久化样本排在内存样本之前，按 sample_id 去重；每个代表只合并一次。
func (t *Trail) Seed(repID string, persisted []domain.LocationSample) {
	r := t.rep(repID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seeded {
		return
	}
	r.seeded = true

	seen := make(map[string]struct{}, len(persisted))
	merged := make([]domain.LocationSample, 0, len(persisted)+len(r.samples))
	for _, s := range persisted {
		if s.SampleID != "" {
			seen[s.SampleID] = struct{}{}
		}
		merged = append(merged, s)
	}
	for _, s := range r.samples {
		if _, dup := seen[s.SampleID]; dup && s.SampleID != "" {
			continue
		}
		merged = append(merged, s)
	}
	if len(merged) > t.window {
		merged = merged[len(merged)-t.window:]
	}
	r.samples = append(make([]domain.LocationSample, 0, len(merged)), merged...)
}

// Seeded 该代表是否已合并过持久化样本
func (t *Trail) Seeded(repID string) bool {
	r := t.rep(repID, false)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seeded
}

// DrainPending 取出所有待持久化样本
func (t *Trail) DrainPending() []domain.LocationSample {
	t.mu.RLock()
	reps := make([]*repTrail, 0, len(t.reps))
	for _, r := range t.reps {
		reps = append(reps, r)
	}
	t.mu.RUnlock()

	var out []domain.LocationSample
	for _, r := range reps {
		r.mu.Lock()
		out = append(out, r.pending...)
		r.pending = nil
		r.mu.Unlock()
	}
	return out
}

// Requeue 写库失败后放回待写队列（保持原有顺序在前）
func (t *Trail) Requeue(samples []domain.LocationSample) {
	byRep := map[string][]domain.LocationSample{}
	for _, s := range samples {
		byRep[s.RepID] = append(byRep[s.RepID], s)
	}
	for repID, list := range byRep {
		r := t.rep(repID, true)
		r.mu.Lock()
		r.pending = append(list, r.pending...)
		r.mu.Unlock()
	}
}

// PendingCount 待持久化样本数
func (t *Trail) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.reps {
		r.mu.Lock()
		n += len(r.pending)
		r.mu.Unlock()
	}
	return n
}

// Reps 有轨迹的代表（排序）
func (t *Trail) Reps() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.reps))
	for id := range t.reps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
