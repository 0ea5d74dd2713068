package httpapi

import (
	"net/http"
	"strings"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/repository"
	"fieldrep/internal/service"

	"go.uber.org/zap"
)

// VisitHandler 拜访生命周期与看板接口
type VisitHandler struct {
	visits    service.VisitService
	dashboard *service.DashboardService
	logger    *zap.Logger
}

func NewVisitHandler(visits service.VisitService, dashboard *service.DashboardService, logger *zap.Logger) *VisitHandler {
	return &VisitHandler{visits: visits, dashboard: dashboard, logger: logger}
}

type scheduleVisitBody struct {
	RepID       string    `json:"rep_id"`
	ClinicID    string    `json:"clinic_id"`
	VisitType   string    `json:"visit_type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

type checkInBody struct {
	Sample *domain.LocationSample `json:"sample"`
	Notes  string                 `json:"notes"`
}

type completeVisitBody struct {
	Outcome            string `json:"outcome"`
	EffectivenessScore int    `json:"effectiveness_score"`
	DoctorSatisfaction *int   `json:"doctor_satisfaction"`
	FollowUpRequired   bool   `json:"follow_up_required"`
	Suggestions        string `json:"suggestions"`
}

type cancelVisitBody struct {
	Reason string `json:"reason"`
}

// Schedule POST /visit/api/v1/visits
func (h *VisitHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleVisitBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	visit, err := h.visits.Schedule(r.Context(), service.ScheduleVisitRequest{
		RepID:       body.RepID,
		ClinicID:    body.ClinicID,
		VisitType:   body.VisitType,
		ScheduledAt: body.ScheduledAt,
	})
	if err != nil {
		h.fail(w, "schedule", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(visit))
}

// List GET /visit/api/v1/visits
func (h *VisitHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := repository.VisitFilters{
		RepID:     strings.TrimSpace(q.Get("rep_id")),
		ClinicID:  strings.TrimSpace(q.Get("clinic_id")),
		VisitType: strings.TrimSpace(q.Get("visit_type")),
		Status:    domain.VisitStatus(strings.TrimSpace(q.Get("status"))),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		writeError(w, domain.NewValidationError("status", "unknown status "+string(filters.Status)))
		return
	}
	var err error
	if filters.From, err = parseTimeParam("from", q.Get("from")); err != nil {
		writeError(w, err)
		return
	}
	if filters.To, err = parseTimeParam("to", q.Get("to")); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.visits.ListVisits(r.Context(), service.ListVisitsRequest{
		Filters:  filters,
		Page:     parseInt(q.Get("page"), 1),
		PageSize: parseInt(q.Get("size"), 20),
	})
	if err != nil {
		h.fail(w, "list", "", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Get GET /visit/api/v1/visits/{id}
func (h *VisitHandler) Get(w http.ResponseWriter, r *http.Request) {
	visit, err := h.visits.GetVisit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "get", r.PathValue("id"), err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(visit))
}

// CheckIn POST /visit/api/v1/visits/{id}/check-in
func (h *VisitHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body checkInBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Sample == nil {
		writeError(w, domain.NewValidationError("sample", "is required"))
		return
	}
	visit, err := h.visits.CheckIn(r.Context(), service.CheckInRequest{VisitID: id, Sample: *body.Sample, Notes: body.Notes})
	if err != nil {
		h.fail(w, "check-in", id, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(visit))
}

// Complete POST /visit/api/v1/visits/{id}/complete
func (h *VisitHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body completeVisitBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	visit, err := h.visits.Complete(r.Context(), service.CompleteVisitRequest{
		VisitID:            id,
		Outcome:            body.Outcome,
		EffectivenessScore: body.EffectivenessScore,
		DoctorSatisfaction: body.DoctorSatisfaction,
		FollowUpRequired:   body.FollowUpRequired,
		Suggestions:        body.Suggestions,
	})
	if err != nil {
		h.fail(w, "complete", id, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(visit))
}

// Cancel POST /visit/api/v1/visits/{id}/cancel
func (h *VisitHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body cancelVisitBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	visit, err := h.visits.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		h.fail(w, "cancel", id, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(visit))
}

// Dashboard GET /visit/api/v1/dashboard?rep_id=
func (h *VisitHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.dashboard.GetDashboard(r.Context(), r.URL.Query().Get("rep_id"))
	if err != nil {
		h.fail(w, "dashboard", "", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(snap))
}

func (h *VisitHandler) fail(w http.ResponseWriter, op, visitID string, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.logger.Error("Visit request failed", zap.String("op", op), zap.String("visit_id", visitID), zap.Error(err))
	}
	writeError(w, err)
}

// RegisterVisitRoutes 注册拜访路由
func (r *Router) RegisterVisitRoutes(h *VisitHandler) {
	r.Handle("POST /visit/api/v1/visits", h.Schedule)
	r.Handle("GET /visit/api/v1/visits", h.List)
	r.Handle("GET /visit/api/v1/visits/{id}", h.Get)
	r.Handle("POST /visit/api/v1/visits/{id}/check-in", h.CheckIn)
	r.Handle("POST /visit/api/v1/visits/{id}/complete", h.Complete)
	r.Handle("POST /visit/api/v1/visits/{id}/cancel", h.Cancel)
	r.Handle("GET /visit/api/v1/dashboard", h.Dashboard)
}
