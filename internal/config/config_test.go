package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KioskTelemetryAgent/internal/config"
)

// TestLoadDefaults 不给配置文件时全部落到默认值
func TestLoadDefaults(t *testing.T) {
	t.Log("⚙️ 测试默认配置...")

	cfg, _, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "kiosk-unknown", cfg.Kiosk.ID)
	assert.Equal(t, "http://localhost:8080", cfg.Backend.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Backend.UploadTimeout)

	assert.Equal(t, 10*time.Second, cfg.Telemetry.FlushInterval)
	assert.Equal(t, 20, cfg.Telemetry.MaxBatchSize)
	assert.Equal(t, 3, cfg.Telemetry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Telemetry.RetryInterval)
	assert.Equal(t, 500, cfg.Telemetry.MaxQueueSize)

	assert.Equal(t, 30*time.Minute, cfg.Session.SnapshotMaxAge)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)

	assert.Equal(t, time.Second, cfg.Recording.FrameInterval)
	assert.Equal(t, 300, cfg.Recording.MaxFrames)
	assert.Equal(t, 5*time.Minute, cfg.Recording.MaxDuration)
	assert.Equal(t, 640, cfg.Recording.Width)
	assert.Equal(t, 480, cfg.Recording.Height)

	assert.True(t, cfg.Diagnostics.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Diagnostics.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

// TestLoadFromFile 配置文件覆盖默认值，未写的键仍用默认
func TestLoadFromFile(t *testing.T) {
	t.Log("📄 测试配置文件加载...")

	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
kiosk:
  id: store-042-front
backend:
  base_url: https://telemetry.example.com
  auth_token: tok-123
telemetry:
  max_batch_size: 50
recording:
  width: 320
  height: 240
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, _, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "store-042-front", cfg.Kiosk.ID)
	assert.Equal(t, "https://telemetry.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "tok-123", cfg.Backend.AuthToken)
	assert.Equal(t, 50, cfg.Telemetry.MaxBatchSize)
	assert.Equal(t, 320, cfg.Recording.Width)
	assert.Equal(t, 240, cfg.Recording.Height)

	// 未覆盖的键保持默认
	assert.Equal(t, 10*time.Second, cfg.Telemetry.FlushInterval)
	assert.Equal(t, 300, cfg.Recording.MaxFrames)
}

// TestLoadMissingFile 指定了不存在的配置文件时报错
func TestLoadMissingFile(t *testing.T) {
	_, _, err := config.Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	require.Error(t, err)
}

// TestEnvOverride KIOSK_*环境变量优先于默认值
func TestEnvOverride(t *testing.T) {
	t.Log("🌿 测试环境变量覆盖...")

	t.Setenv("KIOSK_KIOSK_ID", "env-kiosk-9")
	t.Setenv("KIOSK_BACKEND_BASE_URL", "http://10.0.0.5:8080")

	cfg, _, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-kiosk-9", cfg.Kiosk.ID)
	assert.Equal(t, "http://10.0.0.5:8080", cfg.Backend.BaseURL)
}

// TestValidateRejectsBadValues 非法值在加载期被拦下
func TestValidateRejectsBadValues(t *testing.T) {
	t.Log("🛡️ 测试配置校验...")

	cases := []struct {
		name    string
		mutate  func(cfg *config.AgentConfig)
		message string
	}{
		{
			name:    "空终端ID",
			mutate:  func(cfg *config.AgentConfig) { cfg.Kiosk.ID = "" },
			message: "kiosk.id",
		},
		{
			name:    "空后端地址",
			mutate:  func(cfg *config.AgentConfig) { cfg.Backend.BaseURL = "" },
			message: "backend.base_url",
		},
		{
			name:    "非法批次大小",
			mutate:  func(cfg *config.AgentConfig) { cfg.Telemetry.MaxBatchSize = 0 },
			message: "max_batch_size",
		},
		{
			name:    "非法帧间隔",
			mutate:  func(cfg *config.AgentConfig) { cfg.Recording.FrameInterval = -time.Second },
			message: "frame_interval",
		},
		{
			name:    "非法分辨率",
			mutate:  func(cfg *config.AgentConfig) { cfg.Recording.Width = 0 },
			message: "分辨率",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, _, err := config.Load("")
			require.NoError(t, err)

			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

// TestLoadRejectsInvalidFile 配置文件里的非法值同样被拦下
func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  max_batch_size: -5\n"), 0o644))

	_, _, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_batch_size")
}

// TestConfigManagerCachesLoad 管理器重复Load返回同一份配置
func TestConfigManagerCachesLoad(t *testing.T) {
	cm := config.NewConfigManager()

	first, err := cm.Load()
	require.NoError(t, err)

	second, err := cm.Load()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, cm.Current())
}
