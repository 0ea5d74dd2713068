package service

import (
	"context"
	"testing"
	"time"

	"fieldrep/internal/config"
	"fieldrep/internal/domain"
	"fieldrep/internal/location"
	"fieldrep/internal/repository"
	"fieldrep/internal/store"
	"fieldrep/internal/trail"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type trailFixture struct {
	svc     *TrailService
	trail   *trail.Trail
	samples *repository.MemoryTrailRepo
	visits  *repository.MemoryVisitsRepo
	live    *store.LiveCache
}

func newTrailFixture(t *testing.T) *trailFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr := trail.New(100)
	samples := repository.NewMemoryTrailRepo()
	visits := repository.NewMemoryVisitsRepo()
	live := store.NewLiveCache(store.NewRedisKVStore(client), "fieldrep:rep:", time.Minute, zap.NewNop())
	flusher := trail.NewFlusher(tr, samples, time.Minute, zap.NewNop())

	scorer := location.NewScorer(testAcquisitionConfig())
	svc := NewTrailService(tr, flusher, samples, visits, live, scorer, 100, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return &trailFixture{svc: svc, trail: tr, samples: samples, visits: visits, live: live}
}

func trailSample(id string, at time.Time, tier domain.SourceTier) domain.LocationSample {
	s := domain.LocationSample{SampleID: id, RepID: "rep-1", Latitude: 30, Longitude: 31, CapturedAt: at, SourceTier: tier}
	if tier != domain.TierDefaultFallback {
		acc := 25.0
		s.AccuracyMeters = &acc
		s.AccuracyClass = domain.AccuracyExcellent
	}
	return s
}

func TestTrailService_RecordAndView(t *testing.T) {
	f := newTrailFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RecordSample(ctx, trailSample("old", testNow.Add(-48*time.Hour), domain.TierNetwork)))
	require.NoError(t, f.svc.RecordSample(ctx, trailSample("a", testNow.Add(-2*time.Hour), domain.TierHighAccuracyGPS)))
	require.NoError(t, f.svc.RecordSample(ctx, trailSample("b", testNow.Add(-time.Hour), domain.TierDefaultFallback)))

	checkedIn := &domain.Visit{
		VisitID: "v-1", ClinicID: "clinic-1", RepID: "rep-1", Status: domain.VisitCheckedIn,
		ScheduledAt: testNow.Add(-time.Hour), Version: 1,
		CheckIn: &domain.VisitCheckIn{Sample: trailSample("a", testNow.Add(-2*time.Hour), domain.TierHighAccuracyGPS), CheckedInAt: testNow.Add(-time.Hour)},
	}
	planned := &domain.Visit{VisitID: "v-2", ClinicID: "clinic-2", RepID: "rep-1", Status: domain.VisitPlanned,
		ScheduledAt: testNow.Add(time.Hour), Version: 1}
	require.NoError(t, f.visits.CreateVisit(ctx, checkedIn))
	require.NoError(t, f.visits.CreateVisit(ctx, planned))

	view, err := f.svc.View(ctx, "rep-1", 24*time.Hour)
	require.NoError(t, err)

	require.NotNil(t, view.Current)
	assert.Equal(t, "b", view.Current.SampleID)
	assert.Equal(t, domain.ConfidenceLow, view.Current.Confidence)
	require.Len(t, view.History, 2)
	assert.Equal(t, "a", view.History[0].SampleID)
	assert.Equal(t, domain.ConfidenceHigh, view.History[0].Confidence)
	require.Len(t, view.Markers, 1)
	assert.Equal(t, "v-1", view.Markers[0].VisitID)

	live, err := f.live.Get(ctx, "rep-1")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "b", live.SampleID)
}

func TestTrailService_ViewSeedsFromStorage(t *testing.T) {
	f := newTrailFixture(t)
	ctx := context.Background()

	require.NoError(t, f.samples.SaveSamples(ctx, []domain.LocationSample{
		trailSample("p1", testNow.Add(-3*time.Hour), domain.TierHighAccuracyGPS),
		trailSample("p2", testNow.Add(-2*time.Hour), domain.TierNetwork),
	}))

	view, err := f.svc.View(ctx, "rep-1", 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, view.History, 2)
	assert.Equal(t, "p1", view.History[0].SampleID)
	require.NotNil(t, view.Current)
	assert.Equal(t, "p2", view.Current.SampleID)
	assert.Equal(t, 0, f.trail.PendingCount())
}

func TestTrailService_ViewMergesStorageWithNewSamples(t *testing.T) {
	f := newTrailFixture(t)
	ctx := context.Background()

	require.NoError(t, f.samples.SaveSamples(ctx, []domain.LocationSample{
		trailSample("p1", testNow.Add(-3*time.Hour), domain.TierHighAccuracyGPS),
		trailSample("p2", testNow.Add(-2*time.Hour), domain.TierNetwork),
	}))
	// 进程重启后首个样本先于首次渲染到达
	require.NoError(t, f.svc.RecordSample(ctx, trailSample("new", testNow.Add(-time.Minute), domain.TierHighAccuracyGPS)))

	view, err := f.svc.View(ctx, "rep-1", 24*time.Hour)
	require.NoError(t, err)

	ids := make([]string, 0, len(view.History))
	for _, h := range view.History {
		ids = append(ids, h.SampleID)
	}
	assert.Equal(t, []string{"p1", "p2", "new"}, ids)
	require.NotNil(t, view.Current)
	assert.Equal(t, "new", view.Current.SampleID)
	assert.True(t, f.trail.Seeded("rep-1"))

	// 落库后再次渲染不会出现重复
	_, err = f.svc.Samples(ctx, "rep-1", testNow.Add(-24*time.Hour), testNow)
	require.NoError(t, err)
	view, err = f.svc.View(ctx, "rep-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, view.History, 3)
}

func TestTrailService_RecordSampleRescoresOnServer(t *testing.T) {
	f := newTrailFixture(t)
	ctx := context.Background()

	// 客户端自报满分，实际精度 800m
	s := trailSample("gps-800", testNow.Add(-time.Minute), domain.TierHighAccuracyGPS)
	acc := 800.0
	s.AccuracyMeters = &acc
	s.QualityScore = 100
	s.AccuracyClass = domain.AccuracyExcellent
	require.NoError(t, f.svc.RecordSample(ctx, s))

	cur := f.trail.Current("rep-1")
	require.NotNil(t, cur)
	assert.Equal(t, location.ScorePoor, cur.QualityScore)
	assert.Equal(t, domain.AccuracyPoor, cur.AccuracyClass)
	assert.Equal(t, domain.ConfidenceLow, cur.Confidence())

	// 网络定位不论自报多少都是 40 分
	n := trailSample("net", testNow, domain.TierNetwork)
	n.QualityScore = 95
	require.NoError(t, f.svc.RecordSample(ctx, n))
	assert.Equal(t, location.ScoreNetwork, f.trail.Current("rep-1").QualityScore)

	live, err := f.live.Get(ctx, "rep-1")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, location.ScoreNetwork, live.QualityScore)
}

func TestTrailService_RecordSampleRejectsUnknownTier(t *testing.T) {
	f := newTrailFixture(t)
	s := trailSample("x", testNow, domain.SourceTier("satellite"))
	assert.ErrorIs(t, f.svc.RecordSample(context.Background(), s), domain.ErrValidation)
	assert.Nil(t, f.trail.Current("rep-1"))
}

func TestTrailService_EmptyRep(t *testing.T) {
	f := newTrailFixture(t)
	view, err := f.svc.View(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Nil(t, view.Current)
	assert.Empty(t, view.History)
	assert.Empty(t, view.Markers)
}

func TestTrailService_RejectsSampleWithoutRep(t *testing.T) {
	f := newTrailFixture(t)
	s := trailSample("x", testNow, domain.TierNetwork)
	s.RepID = ""
	assert.ErrorIs(t, f.svc.RecordSample(context.Background(), s), domain.ErrValidation)
}

func TestTrailService_SamplesFlushesPending(t *testing.T) {
	f := newTrailFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.RecordSample(ctx, trailSample("a", testNow.Add(-time.Hour), domain.TierHighAccuracyGPS)))

	out, err := f.svc.Samples(ctx, "rep-1", testNow.Add(-24*time.Hour), testNow)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0, f.trail.PendingCount())

	_, err = f.svc.Samples(ctx, "rep-1", testNow, testNow)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// stubProvider 固定返回一次高精度定位
type stubProvider struct {
	accuracy float64
}

func (p stubProvider) RequestHighAccuracyFix(context.Context, string, time.Duration, time.Duration) (location.Fix, error) {
	acc := p.accuracy
	return location.Fix{Latitude: 30.1, Longitude: 31.1, AccuracyMeters: &acc, CapturedAt: testNow}, nil
}

func (p stubProvider) RequestLowAccuracyFix(context.Context, string, time.Duration, time.Duration) (location.Fix, error) {
	return location.Fix{}, location.ErrUnavailable
}

func testAcquisitionConfig() config.AcquisitionConfig {
	var c config.AcquisitionConfig
	c.HighAccuracy.Attempts = 3
	c.HighAccuracy.Timeout = 100 * time.Millisecond
	c.HighAccuracy.RetryBackoff = time.Millisecond
	c.Network.Timeout = 100 * time.Millisecond
	c.Thresholds.Excellent = 30
	c.Thresholds.Good = 100
	c.Thresholds.Acceptable = 500
	c.VerifiedThreshold = 60
	c.Watchdog = time.Second
	c.Fallback.Latitude = 30.0444
	c.Fallback.Longitude = 31.2357
	return c
}

func TestAcquisitionService_RecordsEverySample(t *testing.T) {
	f := newTrailFixture(t)
	acq := location.NewAcquirer(testAcquisitionConfig(), stubProvider{accuracy: 900}, zap.NewNop())
	svc := NewAcquisitionService(acq, f.svc, zap.NewNop())

	res, err := svc.Acquire(context.Background(), "rep-1")
	require.NoError(t, err)

	// 3 次 Poor GPS + 兜底
	require.Len(t, res.Samples, 4)
	assert.Equal(t, domain.TierDefaultFallback, res.Outcome.Sample.SourceTier)
	assert.True(t, res.Outcome.RequiresConfirmation)
	assert.Len(t, f.trail.History("rep-1"), 4)
	assert.Equal(t, domain.TierDefaultFallback, f.trail.Current("rep-1").SourceTier)
}

func TestAcquisitionService_RequiresRep(t *testing.T) {
	f := newTrailFixture(t)
	acq := location.NewAcquirer(testAcquisitionConfig(), stubProvider{accuracy: 10}, zap.NewNop())
	svc := NewAcquisitionService(acq, f.svc, zap.NewNop())

	_, err := svc.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, svc.Cancel("rep-1"))
}
