package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/service"

	"go.uber.org/zap"
)

// TrailHandler 定位采集、轨迹写入、渲染视图与导出
type TrailHandler struct {
	acquisition *service.AcquisitionService
	trails      *service.TrailService
	logger      *zap.Logger
	now         func() time.Time
}

func NewTrailHandler(acquisition *service.AcquisitionService, trails *service.TrailService, logger *zap.Logger) *TrailHandler {
	return &TrailHandler{acquisition: acquisition, trails: trails, logger: logger, now: time.Now}
}

// Acquire POST /location/api/v1/reps/{repId}/acquire
// 同一代表的新请求会取消旧的采集，旧请求返回 cancelled 结果
func (h *TrailHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	res, err := h.acquisition.Acquire(r.Context(), r.PathValue("repId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// CancelAcquire DELETE /location/api/v1/reps/{repId}/acquire
func (h *TrailHandler) CancelAcquire(w http.ResponseWriter, r *http.Request) {
	cancelled := h.acquisition.Cancel(r.PathValue("repId"))
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"cancelled": cancelled}))
}

// AppendSample POST /trail/api/v1/reps/{repId}/samples
func (h *TrailHandler) AppendSample(w http.ResponseWriter, r *http.Request) {
	var sample domain.LocationSample
	if err := readBodyJSON(r, maxBodyBytes, &sample); err != nil {
		writeError(w, err)
		return
	}
	repID := r.PathValue("repId")
	if sample.RepID == "" {
		sample.RepID = repID
	} else if sample.RepID != repID {
		writeError(w, domain.NewValidationError("rep_id", "sample belongs to a different rep"))
		return
	}
	if err := sample.Validate(); err != nil {
		writeError(w, domain.NewValidationError("sample", err.Error()))
		return
	}
	if err := h.trails.RecordSample(r.Context(), sample); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Ok(sample))
}

// View GET /trail/api/v1/reps/{repId}?since=24h
func (h *TrailHandler) View(w http.ResponseWriter, r *http.Request) {
	var since time.Duration
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, domain.NewValidationError("since", "must be a positive duration"))
			return
		}
		since = d
	}
	view, err := h.trails.View(r.Context(), r.PathValue("repId"), since)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("Failed to build trail view", zap.String("rep_id", r.PathValue("repId")), zap.Error(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// Export GET /trail/api/v1/reps/{repId}/export?from=&to=
// 默认导出最近 7 天
func (h *TrailHandler) Export(w http.ResponseWriter, r *http.Request) {
	repID := r.PathValue("repId")
	q := r.URL.Query()
	to := h.now().UTC()
	from := to.Add(-7 * 24 * time.Hour)
	if t, err := parseTimeParam("from", q.Get("from")); err != nil {
		writeError(w, err)
		return
	} else if t != nil {
		from = *t
	}
	if t, err := parseTimeParam("to", q.Get("to")); err != nil {
		writeError(w, err)
		return
	} else if t != nil {
		to = *t
	}

	samples, markers, err := h.trails.Export(r.Context(), repID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := GenerateTrailExport(repID, samples, markers)
	if err != nil {
		h.logger.Error("Failed to generate trail export", zap.String("rep_id", repID), zap.Error(err))
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("trail_%s_%s.xlsx", repID, to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// RegisterTrailRoutes 注册定位与轨迹路由
func (r *Router) RegisterTrailRoutes(h *TrailHandler) {
	r.Handle("POST /location/api/v1/reps/{repId}/acquire", h.Acquire)
	r.Handle("DELETE /location/api/v1/reps/{repId}/acquire", h.CancelAcquire)
	r.Handle("POST /trail/api/v1/reps/{repId}/samples", h.AppendSample)
	r.Handle("GET /trail/api/v1/reps/{repId}", h.View)
	r.Handle("GET /trail/api/v1/reps/{repId}/export", h.Export)
}
