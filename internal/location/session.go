package location

import (
	"context"
	"sync"

	"fieldrep/internal/domain"
)

// Session 一次定位获取流程
//
// 同一代表只有最新的 Session 有效；被取代或取消后，
// 之后到达的任何结果都不会再发出。
type Session struct {
	repID  string
	ctx    context.Context
	cancel context.CancelFunc

	samples chan domain.LocationSample
	done    chan struct{}

	mu      sync.Mutex
	outcome Outcome
}

func newSession(parent context.Context, repID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		repID:   repID,
		ctx:     ctx,
		cancel:  cancel,
		samples: make(chan domain.LocationSample, 8),
		done:    make(chan struct{}),
	}
}

// RepID 所属代表
func (s *Session) RepID() string { return s.repID }

// Samples 每个产生的样本立即发出；流程结束后关闭
func (s *Session) Samples() <-chan domain.LocationSample { return s.samples }

// Done 流程结束（含取消）后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel 放弃本次流程
func (s *Session) Cancel() { s.cancel() }

// Cancelled 是否已被取消或取代
func (s *Session) Cancelled() bool { return s.ctx.Err() != nil }

// Outcome 阻塞直到流程结束，返回最终结果
func (s *Session) Outcome() Outcome {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// emit 发出样本；已失效的 Session 直接丢弃
func (s *Session) emit(sample domain.LocationSample) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.samples <- sample:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) finish(outcome Outcome) {
	s.mu.Lock()
	s.outcome = outcome
	s.mu.Unlock()
	close(s.samples)
	close(s.done)
}
