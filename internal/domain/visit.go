package domain

import (
	"fmt"
	"time"
)

// VisitStatus 拜访状态
type VisitStatus string

const (
	VisitPlanned   VisitStatus = "planned"
	VisitCheckedIn VisitStatus = "checked_in"
	VisitCompleted VisitStatus = "completed"
	VisitCancelled VisitStatus = "cancelled"
)

// Valid 是否为已知状态
func (s VisitStatus) Valid() bool {
	switch s {
	case VisitPlanned, VisitCheckedIn, VisitCompleted, VisitCancelled:
		return true
	}
	return false
}

// IsTerminal completed/cancelled 为终态，不可再修改
func (s VisitStatus) IsTerminal() bool {
	return s == VisitCompleted || s == VisitCancelled
}

// VisitCheckIn 签到证据
type VisitCheckIn struct {
	Sample      LocationSample `json:"sample"`
	Notes       string         `json:"notes,omitempty"`
	CheckedInAt time.Time      `json:"checked_in_at"`
}

// VisitCompletion 完成数据
type VisitCompletion struct {
	Outcome            string    `json:"outcome"`
	EffectivenessScore int       `json:"effectiveness_score"`           // 1-5
	DoctorSatisfaction *int      `json:"doctor_satisfaction,omitempty"` // 1-5，未填写为 nil
	FollowUpRequired   bool      `json:"follow_up_required"`
	Suggestions        string    `json:"suggestions,omitempty"`
	CompletedAt        time.Time `json:"completed_at"`
}

// VisitCancellation 取消信息
type VisitCancellation struct {
	Reason         string      `json:"reason"`
	PreviousStatus VisitStatus `json:"previous_status"`
	CancelledAt    time.Time   `json:"cancelled_at"`
	// 从 checked_in 取消时保留原签到证据供审计，check_in 字段本身清空
	PriorCheckIn *VisitCheckIn `json:"prior_check_in,omitempty"`
}

// Visit 拜访记录领域模型（对应 visits 表）
type Visit struct {
	VisitID   string `json:"visit_id" db:"visit_id"`     // UUID, PRIMARY KEY
	ClinicID  string `json:"clinic_id" db:"clinic_id"`   // 诊所ID（外部数据层）
	RepID     string `json:"rep_id" db:"rep_id"`         // 代表ID
	VisitType string `json:"visit_type" db:"visit_type"` // 'routine'/'follow_up'/'product_launch' 等，自由文本

	Status      VisitStatus `json:"status" db:"status"`
	ScheduledAt time.Time   `json:"scheduled_at" db:"scheduled_at"`

	CheckIn               *VisitCheckIn      `json:"check_in,omitempty"`
	LowConfidencePresence bool               `json:"low_confidence_presence" db:"low_confidence_presence"`
	Completion            *VisitCompletion   `json:"completion,omitempty"`
	Cancellation          *VisitCancellation `json:"cancellation,omitempty"`

	// 乐观锁版本号，每次状态变更 +1
	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CheckInvariants 校验记录结构与状态一致
func (v *Visit) CheckInvariants() error {
	if !v.Status.Valid() {
		return fmt.Errorf("invalid status: %q", v.Status)
	}
	hasCheckIn := v.CheckIn != nil
	wantCheckIn := v.Status == VisitCheckedIn || v.Status == VisitCompleted
	if hasCheckIn != wantCheckIn {
		return fmt.Errorf("check_in presence does not match status %s", v.Status)
	}
	if (v.Completion != nil) != (v.Status == VisitCompleted) {
		return fmt.Errorf("completion presence does not match status %s", v.Status)
	}
	if (v.Cancellation != nil) != (v.Status == VisitCancelled) {
		return fmt.Errorf("cancellation presence does not match status %s", v.Status)
	}
	return nil
}
