package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldrep/internal/config"
	"fieldrep/internal/domain"
	"fieldrep/internal/location"
	"fieldrep/internal/repository"
	"fieldrep/internal/service"
	"fieldrep/internal/trail"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type gpsProvider struct{ accuracy float64 }

func (p gpsProvider) RequestHighAccuracyFix(context.Context, string, time.Duration, time.Duration) (location.Fix, error) {
	acc := p.accuracy
	return location.Fix{Latitude: 30.06, Longitude: 31.22, AccuracyMeters: &acc, CapturedAt: time.Now()}, nil
}

func (p gpsProvider) RequestLowAccuracyFix(context.Context, string, time.Duration, time.Duration) (location.Fix, error) {
	return location.Fix{}, location.ErrUnavailable
}

func acquisitionConfig() config.AcquisitionConfig {
	var c config.AcquisitionConfig
	c.HighAccuracy.Attempts = 3
	c.HighAccuracy.Timeout = 100 * time.Millisecond
	c.HighAccuracy.RetryBackoff = time.Millisecond
	c.Network.Timeout = 100 * time.Millisecond
	c.Thresholds.Excellent = 30
	c.Thresholds.Good = 100
	c.Thresholds.Acceptable = 500
	c.VerifiedThreshold = 60
	c.Watchdog = time.Second
	c.Fallback.Latitude = 30.0444
	c.Fallback.Longitude = 31.2357
	return c
}

type apiFixture struct {
	server *httptest.Server
	mr     *miniredis.Miniredis
	visits *repository.MemoryVisitsRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	visitsRepo := repository.NewMemoryVisitsRepo()
	samplesRepo := repository.NewMemoryTrailRepo()
	acquirer := location.NewAcquirer(acquisitionConfig(), gpsProvider{accuracy: 15}, logger)

	dashboard := service.NewDashboardService(visitsRepo, nil, time.UTC, 10, logger)
	visits := service.NewVisitService(visitsRepo, service.OpenClinicDirectory{}, acquirer.Scorer(), dashboard, logger)

	tr := trail.New(100)
	flusher := trail.NewFlusher(tr, samplesRepo, time.Minute, logger)
	trails := service.NewTrailService(tr, flusher, samplesRepo, visitsRepo, nil, acquirer.Scorer(), 100, logger)
	acquisition := service.NewAcquisitionService(acquirer, trails, logger)

	router := NewRouter(logger)
	router.RegisterDoctorRoutes(NewDoctorHandler(nil, client, logger))
	router.RegisterVisitRoutes(NewVisitHandler(visits, dashboard, logger))
	router.RegisterTrailRoutes(NewTrailHandler(acquisition, trails, logger))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, mr: mr, visits: visitsRepo}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func resultMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	m, ok := body["result"].(map[string]any)
	require.True(t, ok, "result should be an object: %v", body)
	return m
}

func gpsSampleBody(repID string, accuracy float64) map[string]any {
	return map[string]any{
		"sample_id":       "01HZX0000000000000000000AA",
		"rep_id":          repID,
		"latitude":        30.06,
		"longitude":       31.22,
		"accuracy_meters": accuracy,
		"captured_at":     time.Now().UTC().Format(time.RFC3339),
		"source_tier":     "HighAccuracyGPS",
		"attempt_number":  1,
	}
}

func TestVisitAPI_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/visit/api/v1/visits", map[string]any{
		"rep_id": "rep-1", "clinic_id": "clinic-9", "scheduled_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(ResultSuccess), body["code"])
	visit := resultMap(t, body)
	id := visit["visit_id"].(string)
	assert.Equal(t, "planned", visit["status"])
	assert.Equal(t, "routine", visit["visit_type"])

	resp, body = f.do(t, http.MethodPost, "/visit/api/v1/visits/"+id+"/check-in",
		map[string]any{"sample": gpsSampleBody("rep-1", 18), "notes": "front desk"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	visit = resultMap(t, body)
	assert.Equal(t, "checked_in", visit["status"])
	assert.Equal(t, false, visit["low_confidence_presence"])

	resp, _ = f.do(t, http.MethodPost, "/visit/api/v1/visits/"+id+"/check-in",
		map[string]any{"sample": gpsSampleBody("rep-1", 18)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/visit/api/v1/visits/"+id+"/complete", map[string]any{
		"outcome": "samples delivered", "effectiveness_score": 4, "doctor_satisfaction": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := resultMap(t, body)
	assert.Equal(t, "completed", completed["status"])
	completion := completed["completion"].(map[string]any)
	assert.Equal(t, float64(5), completion["doctor_satisfaction"])

	resp, body = f.do(t, http.MethodPost, "/visit/api/v1/visits/"+id+"/cancel", map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, float64(ResultError), body["code"])
	assert.Contains(t, body["message"], "already finalized")

	resp, body = f.do(t, http.MethodGet, "/visit/api/v1/visits/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", resultMap(t, body)["status"])
}

func TestVisitAPI_Errors(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/visit/api/v1/visits", map[string]any{"rep_id": "rep-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/visit/api/v1/visits/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/visit/api/v1/visits/missing/check-in", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "sample is required")

	resp, _ = f.do(t, http.MethodGet, "/visit/api/v1/visits?status=unknown", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/visit/api/v1/visits?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/visit/api/v1/visits", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestVisitAPI_ListAndDashboard(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()
	for i, clinic := range []string{"clinic-1", "clinic-2", "clinic-1"} {
		resp, _ := f.do(t, http.MethodPost, "/visit/api/v1/visits", map[string]any{
			"rep_id": "rep-1", "clinic_id": clinic, "visit_type": "follow_up",
			"scheduled_at": now.Add(time.Duration(i+1) * time.Minute).Format(time.RFC3339),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/visit/api/v1/visits?rep_id=rep-1&clinic_id=clinic-1&page=1&size=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := resultMap(t, body)
	assert.Len(t, result["items"], 2)
	assert.Equal(t, float64(2), result["pagination"].(map[string]any)["total"])

	resp, body = f.do(t, http.MethodGet, "/visit/api/v1/dashboard?rep_id=rep-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := resultMap(t, body)
	assert.Len(t, snap["upcoming"], 3)

	resp, _ = f.do(t, http.MethodGet, "/visit/api/v1/dashboard", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrailAPI_AcquireAppendViewExport(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/location/api/v1/reps/rep-1/acquire", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := resultMap(t, body)
	outcome := result["outcome"].(map[string]any)
	assert.Equal(t, true, outcome["verified"])
	assert.Len(t, result["samples"], 1)

	// 客户端自报的评分会被服务端覆盖
	sample := gpsSampleBody("", 250)
	sample["quality_score"] = 100
	sample["accuracy_class"] = "Excellent"
	resp, _ = f.do(t, http.MethodPost, "/trail/api/v1/reps/rep-1/samples", sample)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/trail/api/v1/reps/rep-1/samples", gpsSampleBody("rep-2", 10))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/trail/api/v1/reps/rep-1?since=1h", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := resultMap(t, body)
	assert.Len(t, view["history"], 2)
	current := view["current"].(map[string]any)
	assert.Equal(t, "medium", current["confidence"])
	assert.Equal(t, float64(60), current["quality_score"])
	assert.Equal(t, "Acceptable", current["accuracy_class"])

	resp, _ = f.do(t, http.MethodGet, "/trail/api/v1/reps/rep-1?since=forever", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	exportResp, err := http.Get(f.server.URL + "/trail/api/v1/reps/rep-1/export")
	require.NoError(t, err)
	defer exportResp.Body.Close()
	require.Equal(t, http.StatusOK, exportResp.StatusCode)
	assert.Contains(t, exportResp.Header.Get("Content-Disposition"), "trail_rep-1_")

	xlsx, err := excelize.OpenReader(exportResp.Body)
	require.NoError(t, err)
	defer xlsx.Close()
	rows, err := xlsx.GetRows("Samples")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, TrailSamplesHeader, rows[0])
	assert.Equal(t, []string{"Samples", "Visits"}, xlsx.GetSheetList())
}

func TestDoctorAPI(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = f.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ready"])

	f.mr.Close()
	resp, _ = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.NewValidationError("x", "y")))
	assert.Equal(t, http.StatusConflict, statusFor(&domain.TransitionError{VisitID: "v", Op: "complete", Current: domain.VisitPlanned}))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrConcurrencyConflict))
	assert.Equal(t, http.StatusForbidden, statusFor(domain.ErrClinicNotAssigned))
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrVisitNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
