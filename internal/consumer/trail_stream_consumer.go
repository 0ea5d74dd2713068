package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldrep/internal/config"
	"fieldrep/internal/domain"

	rediscommon "fieldrep/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SampleRecorder 样本落入轨迹（TrailService 实现）
type SampleRecorder interface {
	RecordSample(ctx context.Context, sample domain.LocationSample) error
}

// TrailStreamConsumer 消费设备上报样本 Stream，写入代表轨迹
type TrailStreamConsumer struct {
	cfg         config.TrailConfig
	redisClient *redis.Client
	recorder    SampleRecorder
	block       time.Duration
	logger      *zap.Logger
}

// NewTrailStreamConsumer 创建轨迹 Stream 消费者
func NewTrailStreamConsumer(cfg config.TrailConfig, redisClient *redis.Client, recorder SampleRecorder, logger *zap.Logger) *TrailStreamConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &TrailStreamConsumer{
		cfg:         cfg,
		redisClient: redisClient,
		recorder:    recorder,
		block:       2 * time.Second,
		logger:      logger,
	}
}

// Start 阻塞消费直到 ctx 取消
func (c *TrailStreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup); err != nil {
		return err
	}

	c.logger.Info("Trail stream consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.ConsumerGroup),
		zap.String("consumer_name", c.cfg.ConsumerName),
	)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume trail stream",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// consumeOnce 读取一批消息并处理，返回确认的条数
func (c *TrailStreamConsumer) consumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient,
		c.cfg.Stream, c.cfg.ConsumerGroup, c.cfg.ConsumerName, c.cfg.BatchSize, c.block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
	}

	acked := make([]string, 0, len(messages))
	for _, msg := range messages {
		err := c.processMessage(ctx, msg)
		switch {
		case err == nil:
			acked = append(acked, msg.ID)
		case errors.Is(err, domain.ErrValidation):
			// 无法修复的消息直接确认，避免反复投递
			c.logger.Warn("Dropping invalid trail sample",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			acked = append(acked, msg.ID)
		default:
			c.logger.Error("Failed to process trail sample",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	if err := rediscommon.AckMessages(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup, acked...); err != nil {
		return 0, fmt.Errorf("failed to ack trail samples: %w", err)
	}
	return len(acked), nil
}

func (c *TrailStreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return domain.NewValidationError("data", "missing payload")
	}
	var sample domain.LocationSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return domain.NewValidationError("data", err.Error())
	}
	if err := sample.Validate(); err != nil {
		return domain.NewValidationError("sample", err.Error())
	}
	if err := c.recorder.RecordSample(ctx, sample); err != nil {
		return err
	}

	c.logger.Debug("Recorded pushed sample",
		zap.String("rep_id", sample.RepID),
		zap.String("sample_id", sample.SampleID),
		zap.String("source_tier", string(sample.SourceTier)),
	)
	return nil
}
