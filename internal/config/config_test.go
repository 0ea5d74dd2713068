package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	if cfg.Database.Host != "localhost" {
		t.Errorf("Expected DB_HOST default 'localhost', got '%s'", cfg.Database.Host)
	}
	if cfg.Database.Database != "fieldrep" {
		t.Errorf("Expected DB_NAME default 'fieldrep', got '%s'", cfg.Database.Database)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR default 'localhost:6379', got '%s'", cfg.Redis.Addr)
	}

	a := cfg.Acquisition
	assert.Equal(t, 3, a.HighAccuracy.Attempts)
	assert.Equal(t, 25*time.Second, a.HighAccuracy.Timeout)
	assert.Equal(t, time.Duration(0), a.HighAccuracy.MaxAge)
	assert.Equal(t, 2500*time.Millisecond, a.HighAccuracy.RetryBackoff)
	assert.Equal(t, 15*time.Second, a.Network.Timeout)
	assert.Equal(t, 10*time.Second, a.Network.MaxAge)
	assert.Equal(t, 30.0, a.Thresholds.Excellent)
	assert.Equal(t, 100.0, a.Thresholds.Good)
	assert.Equal(t, 500.0, a.Thresholds.Acceptable)
	assert.Equal(t, 60, a.VerifiedThreshold)
	assert.Equal(t, 120*time.Second, a.Watchdog)
	assert.Equal(t, 95*time.Second, a.TierBudget())
	assert.GreaterOrEqual(t, a.Watchdog, a.TierBudget())

	assert.Equal(t, 12*time.Hour, cfg.Visit.CheckInExpiry)
	assert.Equal(t, "UTC", cfg.Visit.Timezone)
	assert.Equal(t, "trail:samples:stream", cfg.Trail.Stream)
	assert.False(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.DBEnabled)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("ACQ_HIGH_ATTEMPTS", "5")
	t.Setenv("ACQ_HIGH_TIMEOUT", "10s")
	t.Setenv("VISIT_CHECKIN_EXPIRY", "0s")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.False(t, cfg.DBEnabled)
	assert.Equal(t, 5, cfg.Acquisition.HighAccuracy.Attempts)
	assert.Equal(t, 10*time.Second, cfg.Acquisition.HighAccuracy.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Visit.CheckInExpiry)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
}

func TestLoad_AcquisitionFileOverride(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "acquisition.yaml")
	content := `
acquisition:
  high_accuracy:
    attempts: 2
    timeout: 8s
  thresholds:
    excellent: 20
    good: 80
    acceptable: 400
  fallback:
    latitude: 1.5
    longitude: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("ACQUISITION_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	a := cfg.Acquisition
	assert.Equal(t, 2, a.HighAccuracy.Attempts)
	assert.Equal(t, 8*time.Second, a.HighAccuracy.Timeout)
	// 未覆盖的字段保持环境默认
	assert.Equal(t, 2500*time.Millisecond, a.HighAccuracy.RetryBackoff)
	assert.Equal(t, 20.0, a.Thresholds.Excellent)
	assert.Equal(t, 400.0, a.Thresholds.Acceptable)
	assert.Equal(t, 1.5, a.Fallback.Latitude)
	assert.Equal(t, 2.5, a.Fallback.Longitude)
}

func TestLoad_InvalidThresholds(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "acquisition.yaml")
	require.NoError(t, os.WriteFile(path, []byte("acquisition:\n  thresholds:\n    excellent: 200\n"), 0o600))
	t.Setenv("ACQUISITION_CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidTimezone(t *testing.T) {
	os.Clearenv()
	t.Setenv("VISIT_TIMEZONE", "Not/AZone")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_WatchdogBelowTierBudget(t *testing.T) {
	os.Clearenv()
	// 默认分级预算 95s
	t.Setenv("ACQ_WATCHDOG", "60s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier budget 1m35s")
}

func TestAcquisitionConfig_TierBudget(t *testing.T) {
	var a AcquisitionConfig
	a.HighAccuracy.Attempts = 3
	a.HighAccuracy.Timeout = 25 * time.Second
	a.HighAccuracy.RetryBackoff = 2500 * time.Millisecond
	a.Network.Timeout = 15 * time.Second
	a.Thresholds.Excellent = 30
	a.Thresholds.Good = 100
	a.Thresholds.Acceptable = 500
	a.VerifiedThreshold = 60

	assert.Equal(t, 95*time.Second, a.TierBudget())

	a.Watchdog = 95 * time.Second
	assert.NoError(t, a.Validate())

	a.Watchdog = 94 * time.Second
	assert.Error(t, a.Validate())

	a.HighAccuracy.Attempts = 1
	assert.Equal(t, 40*time.Second, a.TierBudget())
	assert.NoError(t, a.Validate())
}
