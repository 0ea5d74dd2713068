package location

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied 设备拒绝定位权限，直接降级到兜底坐标
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrUnavailable 设备定位服务不可用
	ErrUnavailable = errors.New("location service unavailable")
	// ErrNoFix 本次请求未得到有效定位，可重试
	ErrNoFix = errors.New("no location fix")
	// errAttemptTimeout 单次尝试超时（内部重试信号）
	errAttemptTimeout = errors.New("location attempt timed out")
)

// Fix 设备返回的原始定位
type Fix struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters *float64
	CapturedAt     time.Time
}

// Provider 设备定位能力
//
// timeout 与 maxAge 原样转交设备端；调用方自己也会按 timeout 计时，
// 超时后到达的结果会被丢弃。
type Provider interface {
	RequestHighAccuracyFix(ctx context.Context, repID string, timeout, maxAge time.Duration) (Fix, error)
	RequestLowAccuracyFix(ctx context.Context, repID string, timeout, maxAge time.Duration) (Fix, error)
}

// UnavailableProvider 未接入设备通道时使用，所有请求直接走兜底坐标
type UnavailableProvider struct{}

func (UnavailableProvider) RequestHighAccuracyFix(context.Context, string, time.Duration, time.Duration) (Fix, error) {
	return Fix{}, ErrUnavailable
}

func (UnavailableProvider) RequestLowAccuracyFix(context.Context, string, time.Duration, time.Duration) (Fix, error) {
	return Fix{}, ErrUnavailable
}

// isTerminalProviderError 权限/不可用无需重试，直接跳到兜底
func isTerminalProviderError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable)
}
