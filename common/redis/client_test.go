package redis

import (
	"context"
	"testing"
	"time"

	"fieldrep/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_AppliesPoolAndTimeouts(t *testing.T) {
	opts := Options(&config.RedisConfig{Addr: "cache:6379", Password: "pw", DB: 2, PoolSize: 32, DialTimeout: 3 * time.Second})
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 32, opts.PoolSize)
	assert.Equal(t, 3*time.Second, opts.DialTimeout)

	// 未配置时交给驱动取默认值
	opts = Options(&config.RedisConfig{Addr: "cache:6379"})
	assert.Zero(t, opts.PoolSize)
	assert.Zero(t, opts.DialTimeout)
}

func TestConnect_Reachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), &config.RedisConfig{Addr: mr.Addr()}, 3, 10*time.Millisecond)
	require.NoError(t, err)
	defer Close(client)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConnect_UnreachableGivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := &config.RedisConfig{Addr: addr, DialTimeout: 50 * time.Millisecond}
	_, err := Connect(context.Background(), cfg, 2, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestConnect_StopsOnContextCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Connect(ctx, &config.RedisConfig{Addr: addr, DialTimeout: 20 * time.Millisecond}, 100, time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestClose_Nil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
