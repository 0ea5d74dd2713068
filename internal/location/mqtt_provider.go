package location

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttcommon "fieldrep/common/mqtt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Messenger MQTT 发布/订阅能力（*mqtt.Client 满足该接口）
type Messenger interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
}

// fixRequest 下发给设备的定位请求
type fixRequest struct {
	RequestID string `json:"request_id"`
	Mode      string `json:"mode"` // "high" | "low"
	TimeoutMs int64  `json:"timeout_ms"`
	MaxAgeMs  int64  `json:"max_age_ms"`
}

// fixResponse 设备回传的定位结果
type fixResponse struct {
	RequestID      string    `json:"request_id"`
	Status         string    `json:"status"` // ok | permission_denied | unavailable | timeout | error
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy"`
	CapturedAt     time.Time `json:"captured_at"`
	Message        string    `json:"message,omitempty"`
}

// MQTTProvider 通过 MQTT 请求/响应向代表设备获取定位
//
// 请求发布到 requestTopic（%s 为 rep_id），响应统一订阅 responseTopic，
// 按 request_id 匹配；无人等待的响应（超时后才到达）直接丢弃。
type MQTTProvider struct {
	client        Messenger
	qos           byte
	requestTopic  string
	responseTopic string
	logger        *zap.Logger

	mu      sync.Mutex
	pending map[string]chan fixResponse
}

// NewMQTTProvider 创建 Provider 并订阅响应主题
func NewMQTTProvider(client Messenger, qos byte, requestTopic, responseTopic string, logger *zap.Logger) (*MQTTProvider, error) {
	if !strings.Contains(requestTopic, "%s") {
		return nil, fmt.Errorf("request topic %q must contain %%s for rep_id", requestTopic)
	}
	p := &MQTTProvider{
		client:        client,
		qos:           qos,
		requestTopic:  requestTopic,
		responseTopic: responseTopic,
		logger:        logger,
		pending:       make(map[string]chan fixResponse),
	}
	if err := client.Subscribe(responseTopic, qos, p.handleResponse); err != nil {
		return nil, err
	}
	logger.Info("Subscribed to location responses", zap.String("topic", responseTopic))
	return p, nil
}

// RequestHighAccuracyFix 请求高精度 GPS 定位
func (p *MQTTProvider) RequestHighAccuracyFix(ctx context.Context, repID string, timeout, maxAge time.Duration) (Fix, error) {
	return p.request(ctx, repID, "high", timeout, maxAge)
}

// RequestLowAccuracyFix 请求网络定位
func (p *MQTTProvider) RequestLowAccuracyFix(ctx context.Context, repID string, timeout, maxAge time.Duration) (Fix, error) {
	return p.request(ctx, repID, "low", timeout, maxAge)
}

// Pending 等待中的请求数
func (p *MQTTProvider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *MQTTProvider) request(ctx context.Context, repID, mode string, timeout, maxAge time.Duration) (Fix, error) {
	req := fixRequest{
		RequestID: uuid.NewString(),
		Mode:      mode,
		TimeoutMs: timeout.Milliseconds(),
		MaxAgeMs:  maxAge.Milliseconds(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Fix{}, fmt.Errorf("failed to marshal location request: %w", err)
	}

	ch := make(chan fixResponse, 1)
	p.mu.Lock()
	p.pending[req.RequestID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, req.RequestID)
		p.mu.Unlock()
	}()

	if err := p.client.Publish(fmt.Sprintf(p.requestTopic, repID), p.qos, false, payload); err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	select {
	case resp := <-ch:
		return resp.toFix()
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}
}

func (p *MQTTProvider) handleResponse(topic string, payload []byte) error {
	var resp fixResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("failed to parse location response: %w", err)
	}

	p.mu.Lock()
	ch, ok := p.pending[resp.RequestID]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("Discarded late location response",
			zap.String("topic", topic),
			zap.String("request_id", resp.RequestID),
		)
		return nil
	}

	select {
	case ch <- resp:
	default:
	}
	return nil
}

func (r fixResponse) toFix() (Fix, error) {
	switch r.Status {
	case "ok", "":
		return Fix{
			Latitude:       r.Latitude,
			Longitude:      r.Longitude,
			AccuracyMeters: r.AccuracyMeters,
			CapturedAt:     r.CapturedAt,
		}, nil
	case "permission_denied":
		return Fix{}, ErrPermissionDenied
	case "unavailable":
		return Fix{}, ErrUnavailable
	default:
		if r.Message != "" {
			return Fix{}, fmt.Errorf("%w: %s", ErrNoFix, r.Message)
		}
		return Fix{}, ErrNoFix
	}
}
