package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/repository"
	"fieldrep/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedDashboardVisit(t *testing.T, repo *repository.MemoryVisitsRepo, id string, at time.Time, status domain.VisitStatus, lowConfidence bool) {
	t.Helper()
	v := &domain.Visit{
		VisitID: id, ClinicID: "clinic-1", RepID: "rep-1", VisitType: "routine",
		Status: status, ScheduledAt: at, Version: 1, LowConfidencePresence: lowConfidence,
	}
	switch status {
	case domain.VisitCheckedIn:
		v.CheckIn = &domain.VisitCheckIn{CheckedInAt: at}
	case domain.VisitCompleted:
		v.CheckIn = &domain.VisitCheckIn{CheckedInAt: at}
		v.Completion = &domain.VisitCompletion{Outcome: "ok", EffectivenessScore: 4, CompletedAt: at}
	case domain.VisitCancelled:
		v.Cancellation = &domain.VisitCancellation{CancelledAt: at}
	}
	require.NoError(t, repo.CreateVisit(context.Background(), v))
}

func newTestDashboard(t *testing.T, cache *store.JSONCache, now time.Time) (*DashboardService, *repository.MemoryVisitsRepo) {
	t.Helper()
	repo := repository.NewMemoryVisitsRepo()
	svc := NewDashboardService(repo, cache, time.UTC, 10, zap.NewNop())
	svc.now = func() time.Time { return now }
	return svc, repo
}

func TestDashboard_Compute(t *testing.T) {
	svc, repo := newTestDashboard(t, nil, testNow) // 2026-03-04 周三

	seedDashboardVisit(t, repo, "today-am", time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC), domain.VisitPlanned, false)
	seedDashboardVisit(t, repo, "today-pm", time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), domain.VisitPlanned, false)
	seedDashboardVisit(t, repo, "monday", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), domain.VisitCompleted, true)
	seedDashboardVisit(t, repo, "sunday", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), domain.VisitCancelled, false)
	seedDashboardVisit(t, repo, "last-month", time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC), domain.VisitCompleted, false)
	seedDashboardVisit(t, repo, "later", time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC), domain.VisitPlanned, false)

	snap, err := svc.Compute(context.Background(), "rep-1")
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Today.Total)
	assert.Equal(t, 2, snap.Today.Planned)

	assert.Equal(t, 3, snap.ThisWeek.Total)
	assert.Equal(t, 1, snap.ThisWeek.Completed)
	assert.Equal(t, 1, snap.ThisWeek.LowConfidence)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), snap.ThisWeek.From)

	assert.Equal(t, 5, snap.ThisMonth.Total)
	assert.Equal(t, 1, snap.ThisMonth.Cancelled)
	assert.InDelta(t, 0.2, snap.CompletionRate, 1e-9)

	require.Len(t, snap.Upcoming, 2)
	assert.Equal(t, "today-pm", snap.Upcoming[0].VisitID)
	assert.Equal(t, "later", snap.Upcoming[1].VisitID)
}

func TestDashboard_WeekSpanningMonths(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) // 周三
	svc, repo := newTestDashboard(t, nil, now)
	seedDashboardVisit(t, repo, "march-monday", time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC), domain.VisitCompleted, false)

	snap, err := svc.Compute(context.Background(), "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ThisWeek.Total)
	assert.Equal(t, 0, snap.ThisMonth.Total)
	assert.Equal(t, 0.0, snap.CompletionRate)
}

func TestDashboard_CachedAndInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := store.NewJSONCache(store.NewRedisKVStore(client), "fieldrep:dashboard:", time.Minute)

	svc, repo := newTestDashboard(t, cache, testNow)
	ctx := context.Background()
	seedDashboardVisit(t, repo, "a", testNow.Add(time.Hour), domain.VisitPlanned, false)

	first, err := svc.GetDashboard(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Today.Total)
	assert.True(t, mr.Exists("fieldrep:dashboard:rep-1"))

	// 直接写库不触发失效，读取到的是缓存快照
	seedDashboardVisit(t, repo, "b", testNow.Add(2*time.Hour), domain.VisitPlanned, false)
	cached, err := svc.GetDashboard(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Today.Total)

	require.NoError(t, svc.VisitChanged(ctx, VisitEvent{RepID: "rep-1"}))
	fresh, err := svc.GetDashboard(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Today.Total)
}

func TestDashboard_ConcurrentReadsShareComputation(t *testing.T) {
	svc, repo := newTestDashboard(t, nil, testNow)
	seedDashboardVisit(t, repo, "a", testNow, domain.VisitPlanned, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := svc.GetDashboard(context.Background(), "rep-1")
			assert.NoError(t, err)
			assert.Equal(t, 1, snap.Today.Total)
		}()
	}
	wg.Wait()
}

// gatedVisitsRepo 看板查询在 release 关闭前阻塞，并尊重传入的 ctx
type gatedVisitsRepo struct {
	*repository.MemoryVisitsRepo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedVisitsRepo() *gatedVisitsRepo {
	return &gatedVisitsRepo{
		MemoryVisitsRepo: repository.NewMemoryVisitsRepo(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
}

func (g *gatedVisitsRepo) ListRepVisitsBetween(ctx context.Context, repID string, from, to time.Time) ([]*domain.Visit, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryVisitsRepo.ListRepVisitsBetween(ctx, repID, from, to)
}

func TestDashboard_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := store.NewJSONCache(store.NewRedisKVStore(client), "fieldrep:dashboard:", time.Minute)

	repo := newGatedVisitsRepo()
	seedDashboardVisit(t, repo.MemoryVisitsRepo, "a", testNow, domain.VisitPlanned, false)
	svc := NewDashboardService(repo, cache, time.UTC, 10, zap.NewNop())
	svc.now = func() time.Time { return testNow }

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GetDashboard(firstCtx, "rep-1")
		firstErr <- err
	}()
	<-repo.entered

	// 第一个调用方放弃等待，计算仍在进行
	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the shared computation")
	}

	type result struct {
		snap *DashboardSnapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := svc.GetDashboard(context.Background(), "rep-1")
		second <- result{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(repo.release)

	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.snap.Today.Total)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never received the dashboard")
	}
	assert.True(t, mr.Exists("fieldrep:dashboard:rep-1"))
}

func TestDashboard_ComputationIsBounded(t *testing.T) {
	repo := newGatedVisitsRepo()
	svc := NewDashboardService(repo, nil, time.UTC, 10, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	svc.computeTimeout = 30 * time.Millisecond

	start := time.Now()
	_, err := svc.GetDashboard(context.Background(), "rep-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDashboard_RequiresRep(t *testing.T) {
	svc, _ := newTestDashboard(t, nil, testNow)
	_, err := svc.GetDashboard(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStartOfWeek_Monday(t *testing.T) {
	sunday := time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), startOfWeek(sunday))
	monday := time.Date(2026, 3, 9, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), startOfWeek(monday))
}
