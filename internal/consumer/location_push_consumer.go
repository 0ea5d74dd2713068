package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/location"

	mqttcommon "fieldrep/common/mqtt"
	rediscommon "fieldrep/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// pushedFix 设备主动上报的定位
//
// 主题格式: fieldrep/{rep_id}/location
type pushedFix struct {
	SampleID       string    `json:"sample_id,omitempty"`
	Latitude       *float64  `json:"latitude"`
	Longitude      *float64  `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
	Source         string    `json:"source"` // gps | network
}

// LocationPushConsumer 接收设备上报，评分后发布到轨迹 Stream
type LocationPushConsumer struct {
	subscriber  Subscriber
	redisClient *redis.Client
	scorer      *location.Scorer
	topic       string
	qos         byte
	stream      string
	logger      *zap.Logger
	now         func() time.Time
}

// NewLocationPushConsumer 创建上报消费者
func NewLocationPushConsumer(
	subscriber Subscriber,
	redisClient *redis.Client,
	scorer *location.Scorer,
	topic string,
	qos byte,
	stream string,
	logger *zap.Logger,
) *LocationPushConsumer {
	return &LocationPushConsumer{
		subscriber:  subscriber,
		redisClient: redisClient,
		scorer:      scorer,
		topic:       topic,
		qos:         qos,
		stream:      stream,
		logger:      logger,
		now:         time.Now,
	}
}

// Start 订阅上报主题并阻塞到 ctx 取消
func (c *LocationPushConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}
	c.logger.Info("Location push consumer started",
		zap.String("topic", c.topic),
		zap.String("stream", c.stream),
	)

	<-ctx.Done()
	return c.Stop()
}

// Stop 取消订阅
func (c *LocationPushConsumer) Stop() error {
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.String("topic", c.topic), zap.Error(err))
		return err
	}
	c.logger.Info("Location push consumer stopped")
	return nil
}

func (c *LocationPushConsumer) handleMessage(topic string, payload []byte) error {
	repID, err := repFromTopic(topic)
	if err != nil {
		return err
	}

	var fix pushedFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		c.logger.Warn("Failed to unmarshal location push", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	sample, err := c.toSample(repID, fix)
	if err != nil {
		c.logger.Warn("Rejected location push", zap.String("rep_id", repID), zap.Error(err))
		return err
	}

	streamID, err := rediscommon.PublishJSONToStream(context.Background(), c.redisClient, c.stream, sample)
	if err != nil {
		c.logger.Error("Failed to publish to Redis Streams", zap.String("stream", c.stream), zap.Error(err))
		return fmt.Errorf("failed to publish to stream: %w", err)
	}

	c.logger.Debug("Published pushed sample",
		zap.String("rep_id", repID),
		zap.String("sample_id", sample.SampleID),
		zap.String("stream_id", streamID),
	)
	return nil
}

// toSample 上报只可能来自设备层级，兜底样本不会经由此路径
func (c *LocationPushConsumer) toSample(repID string, fix pushedFix) (domain.LocationSample, error) {
	if fix.Latitude == nil || fix.Longitude == nil {
		return domain.LocationSample{}, domain.NewValidationError("sample", "latitude and longitude are required")
	}
	if fix.AccuracyMeters == nil || !(*fix.AccuracyMeters >= 0) {
		return domain.LocationSample{}, domain.NewValidationError("accuracy_meters", "must be a non-negative number")
	}

	var tier domain.SourceTier
	switch strings.ToLower(fix.Source) {
	case "", "gps":
		tier = domain.TierHighAccuracyGPS
	case "network":
		tier = domain.TierNetwork
	default:
		return domain.LocationSample{}, domain.NewValidationError("source", fmt.Sprintf("unknown source %q", fix.Source))
	}

	sampleID := fix.SampleID
	if sampleID == "" {
		sampleID = ulid.Make().String()
	}
	capturedAt := fix.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = c.now()
	}
	acc := *fix.AccuracyMeters
	score, class := c.scorer.Score(tier, &acc)

	sample := domain.LocationSample{
		SampleID:       sampleID,
		RepID:          repID,
		Latitude:       *fix.Latitude,
		Longitude:      *fix.Longitude,
		AccuracyMeters: &acc,
		CapturedAt:     capturedAt.UTC(),
		SourceTier:     tier,
		AttemptNumber:  1,
		QualityScore:   score,
		AccuracyClass:  class,
	}
	if err := sample.Validate(); err != nil {
		return domain.LocationSample{}, domain.NewValidationError("sample", err.Error())
	}
	return sample, nil
}

func repFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] != "location" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}
