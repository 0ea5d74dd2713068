package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	commoncfg "fieldrep/common/config"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config fieldrep 服务配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig
	MQTT      MQTTConfig

	Log struct {
		Level  string
		Format string
	}

	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Visit       VisitConfig
	Dashboard   DashboardConfig
	Trail       TrailConfig
	Clinic      ClinicConfig
}

// MQTTConfig MQTT 配置（定位请求/响应 + 设备位置上报）
type MQTTConfig struct {
	Enabled bool
	commoncfg.MQTTConfig
	// 主题模板，%s 为 rep_id
	RequestTopic  string // 如 "fieldrep/%s/location/request"
	ResponseTopic string // 订阅通配，如 "fieldrep/+/location/response"
	PushTopic     string // 设备主动上报，如 "fieldrep/+/location"
}

// AcquisitionConfig 三级定位策略参数
type AcquisitionConfig struct {
	HighAccuracy struct {
		Attempts     int           `yaml:"attempts"`      // 默认 3
		Timeout      time.Duration `yaml:"timeout"`       // 默认 25s
		MaxAge       time.Duration `yaml:"max_age"`       // 默认 0（不接受缓存定位）
		RetryBackoff time.Duration `yaml:"retry_backoff"` // 默认 2.5s
	} `yaml:"high_accuracy"`

	Network struct {
		Timeout time.Duration `yaml:"timeout"` // 默认 15s
		MaxAge  time.Duration `yaml:"max_age"` // 默认 10s
	} `yaml:"network"`

	// 精度分级阈值（米）
	Thresholds struct {
		Excellent  float64 `yaml:"excellent"`  // ≤30m
		Good       float64 `yaml:"good"`       // ≤100m
		Acceptable float64 `yaml:"acceptable"` // ≤500m
	} `yaml:"thresholds"`

	// qualityScore 达到该值视为"已验证到场"
	VerifiedThreshold int `yaml:"verified_threshold"`

	// 整个获取流程的上限（与各级超时独立）
	Watchdog time.Duration `yaml:"watchdog"`

	Fallback struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"fallback"`
}

// VisitConfig 拜访生命周期配置
type VisitConfig struct {
	// checked_in 超过该时长未完成/取消则自动取消；0 关闭
	CheckInExpiry time.Duration
	SweepInterval time.Duration
	Timezone      string // 统计"今天/本周/本月"使用的时区
	EventStream   string // 拜访事件 Redis Stream
}

// DashboardConfig 看板聚合配置
type DashboardConfig struct {
	CacheKeyPrefix string
	CacheTTL       time.Duration
	UpcomingLimit  int
}

// TrailConfig 轨迹配置
type TrailConfig struct {
	DisplayWindow int           // 内存中保留/渲染的最近样本数
	FlushInterval time.Duration // 持久化间隔
	LiveKeyPrefix string        // 实时位置缓存键前缀
	LiveTTL       time.Duration

	Stream        string // 设备上报样本 Stream
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
}

// ClinicConfig 外部诊所数据层
type ClinicConfig struct {
	DirectoryURL string // 为空时使用内存目录（不校验分配）
	APIToken     string
	Timeout      time.Duration
}

// Load 加载配置：.env → 环境变量 → 可选 YAML 覆盖定位参数
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "fieldrep"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "fieldrep-api"
	cfg.MQTT.QoS = 1
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.RequestTopic = getEnv("MQTT_REQUEST_TOPIC", "fieldrep/%s/location/request")
	cfg.MQTT.ResponseTopic = getEnv("MQTT_RESPONSE_TOPIC", "fieldrep/+/location/response")
	cfg.MQTT.PushTopic = getEnv("MQTT_PUSH_TOPIC", "fieldrep/+/location")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Acquisition = DefaultAcquisitionConfig()
	a := &cfg.Acquisition
	a.HighAccuracy.Attempts = parseInt(os.Getenv("ACQ_HIGH_ATTEMPTS"), a.HighAccuracy.Attempts)
	a.HighAccuracy.Timeout = parseDuration(os.Getenv("ACQ_HIGH_TIMEOUT"), a.HighAccuracy.Timeout)
	a.HighAccuracy.MaxAge = parseDuration(os.Getenv("ACQ_HIGH_MAX_AGE"), a.HighAccuracy.MaxAge)
	a.HighAccuracy.RetryBackoff = parseDuration(os.Getenv("ACQ_HIGH_RETRY_BACKOFF"), a.HighAccuracy.RetryBackoff)
	a.Network.Timeout = parseDuration(os.Getenv("ACQ_NETWORK_TIMEOUT"), a.Network.Timeout)
	a.Network.MaxAge = parseDuration(os.Getenv("ACQ_NETWORK_MAX_AGE"), a.Network.MaxAge)
	a.VerifiedThreshold = parseInt(os.Getenv("ACQ_VERIFIED_THRESHOLD"), a.VerifiedThreshold)
	a.Watchdog = parseDuration(os.Getenv("ACQ_WATCHDOG"), a.Watchdog)
	a.Fallback.Latitude = parseFloat(os.Getenv("ACQ_FALLBACK_LAT"), a.Fallback.Latitude)
	a.Fallback.Longitude = parseFloat(os.Getenv("ACQ_FALLBACK_LON"), a.Fallback.Longitude)

	if path := os.Getenv("ACQUISITION_CONFIG_FILE"); path != "" {
		if err := loadAcquisitionFile(path, a); err != nil {
			return nil, err
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	cfg.Visit.CheckInExpiry = parseDuration(getEnv("VISIT_CHECKIN_EXPIRY", "12h"), 12*time.Hour)
	cfg.Visit.SweepInterval = parseDuration(getEnv("VISIT_SWEEP_INTERVAL", "5m"), 5*time.Minute)
	cfg.Visit.Timezone = getEnv("VISIT_TIMEZONE", "UTC")
	cfg.Visit.EventStream = getEnv("VISIT_EVENT_STREAM", "visit:events")
	if _, err := time.LoadLocation(cfg.Visit.Timezone); err != nil {
		return nil, fmt.Errorf("invalid VISIT_TIMEZONE %q: %w", cfg.Visit.Timezone, err)
	}

	cfg.Dashboard.CacheKeyPrefix = getEnv("DASHBOARD_CACHE_PREFIX", "fieldrep:dashboard:")
	cfg.Dashboard.CacheTTL = parseDuration(getEnv("DASHBOARD_CACHE_TTL", "30s"), 30*time.Second)
	cfg.Dashboard.UpcomingLimit = parseInt(getEnv("DASHBOARD_UPCOMING_LIMIT", "10"), 10)

	cfg.Trail.DisplayWindow = parseInt(getEnv("TRAIL_DISPLAY_WINDOW", "500"), 500)
	cfg.Trail.FlushInterval = parseDuration(getEnv("TRAIL_FLUSH_INTERVAL", "30s"), 30*time.Second)
	cfg.Trail.LiveKeyPrefix = getEnv("TRAIL_LIVE_PREFIX", "fieldrep:rep:")
	cfg.Trail.LiveTTL = parseDuration(getEnv("TRAIL_LIVE_TTL", "10m"), 10*time.Minute)
	cfg.Trail.Stream = getEnv("TRAIL_STREAM", "trail:samples:stream")
	cfg.Trail.ConsumerGroup = getEnv("TRAIL_CONSUMER_GROUP", "trail-consumer-group")
	cfg.Trail.ConsumerName = getEnv("TRAIL_CONSUMER_NAME", "trail-consumer-1")
	cfg.Trail.BatchSize = int64(parseInt(getEnv("TRAIL_BATCH_SIZE", "50"), 50))

	cfg.Clinic.DirectoryURL = getEnv("CLINIC_DIRECTORY_URL", "")
	cfg.Clinic.APIToken = getEnv("CLINIC_API_TOKEN", "")
	cfg.Clinic.Timeout = parseDuration(getEnv("CLINIC_TIMEOUT", "5s"), 5*time.Second)

	return cfg, nil
}

// DefaultAcquisitionConfig 定位参数默认值
func DefaultAcquisitionConfig() AcquisitionConfig {
	var a AcquisitionConfig
	a.HighAccuracy.Attempts = 3
	a.HighAccuracy.Timeout = 25 * time.Second
	a.HighAccuracy.RetryBackoff = 2500 * time.Millisecond
	a.Network.Timeout = 15 * time.Second
	a.Network.MaxAge = 10 * time.Second
	a.Thresholds.Excellent = 30
	a.Thresholds.Good = 100
	a.Thresholds.Acceptable = 500
	a.VerifiedThreshold = 60
	// 分级预算 95s + 25s 余量
	a.Watchdog = 120 * time.Second
	a.Fallback.Latitude = 30.0444
	a.Fallback.Longitude = 31.2357
	return a
}

// Validate 校验定位参数
func (a *AcquisitionConfig) Validate() error {
	if a.HighAccuracy.Attempts < 1 {
		return fmt.Errorf("acquisition: high_accuracy.attempts must be >= 1")
	}
	if a.HighAccuracy.Timeout <= 0 || a.Network.Timeout <= 0 {
		return fmt.Errorf("acquisition: tier timeouts must be positive")
	}
	t := a.Thresholds
	if !(t.Excellent > 0 && t.Excellent <= t.Good && t.Good <= t.Acceptable) {
		return fmt.Errorf("acquisition: thresholds must satisfy 0 < excellent <= good <= acceptable")
	}
	if a.VerifiedThreshold < 0 || a.VerifiedThreshold > 100 {
		return fmt.Errorf("acquisition: verified_threshold must be within 0-100")
	}
	if a.Watchdog <= 0 {
		return fmt.Errorf("acquisition: watchdog must be positive")
	}
	if budget := a.TierBudget(); a.Watchdog < budget {
		return fmt.Errorf("acquisition: watchdog %s must cover tier budget %s", a.Watchdog, budget)
	}
	return nil
}

// TierBudget GPS 全部尝试 + 重试间隔 + 网络定位的最坏耗时
func (a *AcquisitionConfig) TierBudget() time.Duration {
	h := a.HighAccuracy
	budget := time.Duration(h.Attempts)*h.Timeout + a.Network.Timeout
	if h.Attempts > 1 {
		budget += time.Duration(h.Attempts-1) * h.RetryBackoff
	}
	return budget
}

func loadAcquisitionFile(path string, a *AcquisitionConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read acquisition config %s: %w", path, err)
	}
	var file struct {
		Acquisition *AcquisitionConfig `yaml:"acquisition"`
	}
	file.Acquisition = a
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse acquisition config %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
