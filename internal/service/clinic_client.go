package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ClinicDirectory 外部诊所数据层（只用于校验诊所是否分配给代表）
type ClinicDirectory interface {
	IsAssigned(ctx context.Context, repID, clinicID string) (bool, error)
}

// OpenClinicDirectory 未配置外部数据层时使用：任何诊所都视为可拜访
type OpenClinicDirectory struct{}

func (OpenClinicDirectory) IsAssigned(context.Context, string, string) (bool, error) {
	return true, nil
}

// clinicAssignment 数据层返回的分配信息
type clinicAssignment struct {
	ClinicID string `json:"clinic_id"`
	RepID    string `json:"rep_id"`
	Assigned bool   `json:"assigned"`
	Status   string `json:"status,omitempty"` // active | archived
}

// RESTClinicDirectory 通过 REST 查询诊所分配
//
// GET {base}/clinics/{clinic_id}/assignments/{rep_id}
// 404 视为未分配
type RESTClinicDirectory struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewRESTClinicDirectory 创建诊所目录客户端
func NewRESTClinicDirectory(baseURL, token string, timeout time.Duration, logger *zap.Logger) *RESTClinicDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &RESTClinicDirectory{httpClient: client, logger: logger}
}

// IsAssigned 诊所是否分配给代表且仍有效
func (c *RESTClinicDirectory) IsAssigned(ctx context.Context, repID, clinicID string) (bool, error) {
	var result clinicAssignment
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"clinicId": clinicID,
			"repId":    repID,
		}).
		SetResult(&result).
		Get("/clinics/{clinicId}/assignments/{repId}")
	if err != nil {
		return false, fmt.Errorf("clinic directory request failed: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		c.logger.Warn("Clinic directory returned unexpected status",
			zap.String("clinic_id", clinicID),
			zap.String("rep_id", repID),
			zap.Int("status", resp.StatusCode()),
		)
		return false, fmt.Errorf("clinic directory returned status %d", resp.StatusCode())
	}

	if result.Status == "archived" {
		return false, nil
	}
	return result.Assigned, nil
}
