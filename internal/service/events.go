package service

import (
	"context"
	"time"

	redisclient "fieldrep/common/redis"
	"fieldrep/internal/domain"

	"go.uber.org/zap"
)

// VisitEvent 拜访状态变更事件
type VisitEvent struct {
	VisitID               string             `json:"visit_id"`
	RepID                 string             `json:"rep_id"`
	ClinicID              string             `json:"clinic_id"`
	Op                    string             `json:"op"` // schedule | check-in | complete | cancel | expire
	From                  domain.VisitStatus `json:"from,omitempty"`
	To                    domain.VisitStatus `json:"to"`
	LowConfidencePresence bool               `json:"low_confidence_presence"`
	Version               int                `json:"version"`
	OccurredAt            time.Time          `json:"occurred_at"`
}

// VisitEventSink 接收拜访变更通知；失败只记录日志，不回滚状态
type VisitEventSink interface {
	VisitChanged(ctx context.Context, event VisitEvent) error
}

// StreamEventSink 写入 Redis Stream（下游报表/通知消费）
type StreamEventSink struct {
	client *redisclient.Client
	stream string
}

func NewStreamEventSink(client *redisclient.Client, stream string) *StreamEventSink {
	return &StreamEventSink{client: client, stream: stream}
}

func (s *StreamEventSink) VisitChanged(ctx context.Context, event VisitEvent) error {
	_, err := redisclient.PublishJSONToStream(ctx, s.client, s.stream, event)
	return err
}

// MultiSink 依次通知多个 sink
type MultiSink []VisitEventSink

func (m MultiSink) VisitChanged(ctx context.Context, event VisitEvent) error {
	var firstErr error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.VisitChanged(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func notify(ctx context.Context, sink VisitEventSink, event VisitEvent, logger *zap.Logger) {
	if sink == nil {
		return
	}
	if err := sink.VisitChanged(ctx, event); err != nil {
		logger.Warn("Failed to publish visit event",
			zap.String("visit_id", event.VisitID),
			zap.String("op", event.Op),
			zap.Error(err),
		)
	}
}
