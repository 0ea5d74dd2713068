package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DoctorHandler 健康与就绪检查
type DoctorHandler struct {
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
	now         func() time.Time
}

// NewDoctorHandler db 为 nil 表示内存模式
func NewDoctorHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *DoctorHandler {
	return &DoctorHandler{db: db, redisClient: redisClient, logger: logger, now: time.Now}
}

// HealthCheckResponse 健康检查响应
type HealthCheckResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (d *DoctorHandler) pingRedis(ctx context.Context) error {
	return d.redisClient.Ping(ctx).Err()
}

// HealthCheck 逐个依赖检查并报告原因
func (d *DoctorHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	services := map[string]string{}

	if d.redisClient == nil {
		services["redis"] = "not configured"
	} else if err := d.pingRedis(ctx); err != nil {
		status = "unhealthy"
		services["redis"] = "unhealthy: " + err.Error()
	} else {
		services["redis"] = "healthy"
	}

	if d.db == nil {
		services["database"] = "memory"
	} else if err := d.db.PingContext(ctx); err != nil {
		status = "unhealthy"
		services["database"] = "unhealthy: " + err.Error()
	} else {
		services["database"] = "healthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
		d.logger.Warn("Health check failed", zap.Any("services", services))
	}
	writeJSON(w, code, HealthCheckResponse{Status: status, Timestamp: d.now().UTC(), Services: services})
}

// Ready 就绪探针：Redis 必须可用，数据库可选
func (d *DoctorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	checks := map[string]bool{
		"redis":    d.redisClient != nil && d.pingRedis(ctx) == nil,
		"database": d.db == nil || d.db.PingContext(ctx) == nil,
	}
	ready := checks["redis"] && checks["database"]

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": checks})
}

// RegisterDoctorRoutes 注册诊断路由
func (r *Router) RegisterDoctorRoutes(d *DoctorHandler) {
	r.Handle("GET /health", d.HealthCheck)
	r.Handle("GET /ready", d.Ready)
}
