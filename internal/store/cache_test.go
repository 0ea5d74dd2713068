package store

import (
	"context"
	"testing"
	"time"

	"fieldrep/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestKV(t *testing.T) (*miniredis.Miniredis, *RedisKVStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisKVStore(client)
}

func TestRedisKVStore_Miss(t *testing.T) {
	_, kv := newTestKV(t)
	_, err := kv.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLiveCache_PutGetAndExpire(t *testing.T) {
	mr, kv := newTestKV(t)
	c := NewLiveCache(kv, "fieldrep:rep:", time.Minute, zap.NewNop())
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	acc := 20.0
	s := domain.LocationSample{SampleID: "s1", RepID: "rep-1", Latitude: 1, Longitude: 2,
		AccuracyMeters: &acc, CapturedAt: now, SourceTier: domain.TierHighAccuracyGPS, QualityScore: 100}
	require.NoError(t, c.Put(ctx, s))
	assert.True(t, mr.Exists("fieldrep:rep:rep-1:live"))

	got, err := c.Get(ctx, "rep-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SampleID)
	assert.True(t, now.Equal(got.CapturedAt))

	// 更早的样本不覆盖
	older := s
	older.SampleID = "s0"
	older.CapturedAt = now.Add(-time.Minute)
	require.NoError(t, c.Put(ctx, older))
	got, _ = c.Get(ctx, "rep-1")
	assert.Equal(t, "s1", got.SampleID)

	mr.FastForward(2 * time.Minute)
	got, err = c.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJSONCache_SetGetInvalidate(t *testing.T) {
	_, kv := newTestKV(t)
	c := NewJSONCache(kv, "fieldrep:dashboard:", time.Minute)
	ctx := context.Background()

	type snapshot struct {
		Total int `json:"total"`
	}
	var out snapshot
	hit, err := c.Get(ctx, "rep-1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "rep-1", snapshot{Total: 7}))
	hit, err = c.Get(ctx, "rep-1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 7, out.Total)

	require.NoError(t, c.Invalidate(ctx, "rep-1"))
	hit, _ = c.Get(ctx, "rep-1", &out)
	assert.False(t, hit)
}
