package trail

import (
	"time"

	"fieldrep/internal/domain"
)

// Point 带展示可信度的样本
type Point struct {
	domain.LocationSample
	Confidence domain.Confidence `json:"confidence"`
}

// Marker 已签到拜访在地图上的标记
type Marker struct {
	VisitID               string             `json:"visit_id"`
	ClinicID              string             `json:"clinic_id"`
	Status                domain.VisitStatus `json:"status"`
	CheckedInAt           time.Time          `json:"checked_in_at"`
	LowConfidencePresence bool               `json:"low_confidence_presence"`
	Point                 Point              `json:"point"`
}

// View 渲染层需要的三份只读数据
type View struct {
	RepID   string   `json:"rep_id"`
	Current *Point   `json:"current"`
	History []Point  `json:"history"`
	Markers []Marker `json:"markers"`
}

// NewPoint 计算样本的展示可信度
func NewPoint(s domain.LocationSample) Point {
	return Point{LocationSample: s, Confidence: s.Confidence()}
}

// BuildView 组装渲染视图；只有 check_in 非空的拜访生成标记
func BuildView(repID string, current *domain.LocationSample, history []domain.LocationSample, visits []*domain.Visit) View {
	v := View{
		RepID:   repID,
		History: make([]Point, 0, len(history)),
		Markers: []Marker{},
	}
	if current != nil {
		p := NewPoint(*current)
		v.Current = &p
	}
	for _, s := range history {
		v.History = append(v.History, NewPoint(s))
	}
	for _, visit := range visits {
		if visit.CheckIn == nil {
			continue
		}
		v.Markers = append(v.Markers, Marker{
			VisitID:               visit.VisitID,
			ClinicID:              visit.ClinicID,
			Status:                visit.Status,
			CheckedInAt:           visit.CheckIn.CheckedInAt,
			LowConfidencePresence: visit.LowConfidencePresence,
			Point:                 NewPoint(visit.CheckIn.Sample),
		})
	}
	return v
}
