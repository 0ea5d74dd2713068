package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldrep/internal/domain"

	"go.uber.org/zap"
)

// LiveCache 代表实时位置（最新样本）缓存
//
// key: {prefix}{rep_id}:live，TTL 过期即视为离线
type LiveCache struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewLiveCache(kv KVStore, prefix string, ttl time.Duration, logger *zap.Logger) *LiveCache {
	return &LiveCache{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *LiveCache) key(repID string) string {
	return fmt.Sprintf("%s%s:live", c.prefix, repID)
}

// Put 写入最新样本；比缓存中更早的样本不覆盖
func (c *LiveCache) Put(ctx context.Context, sample domain.LocationSample) error {
	if cur, err := c.Get(ctx, sample.RepID); err == nil && cur != nil && cur.CapturedAt.After(sample.CapturedAt) {
		return nil
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal live sample: %w", err)
	}
	if err := c.kv.Set(ctx, c.key(sample.RepID), string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to set live sample: %w", err)
	}
	c.logger.Debug("Updated live marker",
		zap.String("rep_id", sample.RepID),
		zap.String("source_tier", string(sample.SourceTier)),
	)
	return nil
}

// Get 读取实时位置，未命中返回 nil
func (c *LiveCache) Get(ctx context.Context, repID string) (*domain.LocationSample, error) {
	val, err := c.kv.Get(ctx, c.key(repID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	var s domain.LocationSample
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal live sample: %w", err)
	}
	return &s, nil
}

// JSONCache 带 TTL 的 JSON 快照缓存（看板聚合等）
type JSONCache struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
}

func NewJSONCache(kv KVStore, prefix string, ttl time.Duration) *JSONCache {
	return &JSONCache{kv: kv, prefix: prefix, ttl: ttl}
}

// Get 命中时解码到 out 并返回 true
func (c *JSONCache) Get(ctx context.Context, id string, out any) (bool, error) {
	val, err := c.kv.Get(ctx, c.prefix+id)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", id, err)
	}
	return true, nil
}

func (c *JSONCache) Set(ctx context.Context, id string, v any) error {
	if c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	return c.kv.Set(ctx, c.prefix+id, string(data), c.ttl)
}

func (c *JSONCache) Invalidate(ctx context.Context, id string) error {
	return c.kv.Del(ctx, c.prefix+id)
}
