package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrVisitNotFound 拜访记录不存在
	ErrVisitNotFound = errors.New("visit not found")
	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyFinalized 终态拜访拒绝一切变更
	ErrAlreadyFinalized = errors.New("already finalized")
	// ErrValidation 必填字段缺失或取值非法
	ErrValidation = errors.New("validation error")
	// ErrConcurrencyConflict 并发写同一拜访，版本号已变化
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrClinicNotAssigned 诊所未分配给该代表
	ErrClinicNotAssigned = errors.New("clinic not assigned to rep")
)

// TransitionError 状态机拒绝的变更，带当前状态
type TransitionError struct {
	VisitID string
	Op      string
	Current VisitStatus
}

func (e *TransitionError) Error() string {
	if e.Current.IsTerminal() {
		return fmt.Sprintf("cannot %s visit %s: already finalized (status: %s)", e.Op, e.VisitID, e.Current)
	}
	if e.Op == "check-in" && e.Current == VisitCheckedIn {
		return fmt.Sprintf("cannot check-in visit %s: already checked in", e.VisitID)
	}
	return fmt.Sprintf("cannot %s visit %s: invalid transition from status %s", e.Op, e.VisitID, e.Current)
}

// Is 终态返回 ErrAlreadyFinalized，二者都匹配 ErrInvalidTransition
func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return target == ErrAlreadyFinalized && e.Current.IsTerminal()
}

// ValidationError 字段校验失败
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError 构造校验错误
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
