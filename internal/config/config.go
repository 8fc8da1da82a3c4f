package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig 终端遥测代理的统一配置
type AgentConfig struct {
	Kiosk       KioskConfig       `mapstructure:"kiosk"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Session     SessionConfig     `mapstructure:"session"`
	Recording   RecordingConfig   `mapstructure:"recording"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type KioskConfig struct {
	ID string `mapstructure:"id"`
}

type BackendConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	AuthToken     string        `mapstructure:"auth_token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
}

type TelemetryConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
}

type SessionConfig struct {
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
	DatabasePath   string        `mapstructure:"database_path"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

type RecordingConfig struct {
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	MaxFrames     int           `mapstructure:"max_frames"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	Width         int           `mapstructure:"width"`
	Height        int           `mapstructure:"height"`
}

type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// setDefaults 注入各项默认值，配置文件和环境变量都可覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("kiosk.id", "kiosk-unknown")

	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.auth_token", "")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.upload_timeout", "60s")

	v.SetDefault("telemetry.flush_interval", "10s")
	v.SetDefault("telemetry.max_batch_size", 20)
	v.SetDefault("telemetry.max_retries", 3)
	v.SetDefault("telemetry.retry_interval", "1s")
	v.SetDefault("telemetry.max_queue_size", 500)

	v.SetDefault("session.snapshot_max_age", "30m")
	v.SetDefault("session.database_path", "kiosk-agent.db")
	v.SetDefault("session.idle_timeout", "2m")

	v.SetDefault("recording.frame_interval", "1s")
	v.SetDefault("recording.max_frames", 300)
	v.SetDefault("recording.max_duration", "5m")
	v.SetDefault("recording.width", 640)
	v.SetDefault("recording.height", 480)

	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.addr", "127.0.0.1:9090")

	v.SetDefault("logging.level", "info")
}

// Load 加载配置：默认值 ← 配置文件（可缺省）← KIOSK_*环境变量
func Load(path string) (*AgentConfig, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

// Validate 基本合法性校验
func (c *AgentConfig) Validate() error {
	if c.Kiosk.ID == "" {
		return fmt.Errorf("配置无效: kiosk.id 不能为空")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("配置无效: backend.base_url 不能为空")
	}
	if c.Telemetry.MaxBatchSize <= 0 {
		return fmt.Errorf("配置无效: telemetry.max_batch_size 必须为正数")
	}
	if c.Telemetry.FlushInterval <= 0 {
		return fmt.Errorf("配置无效: telemetry.flush_interval 必须为正数")
	}
	if c.Session.SnapshotMaxAge <= 0 {
		return fmt.Errorf("配置无效: session.snapshot_max_age 必须为正数")
	}
	if c.Recording.FrameInterval <= 0 {
		return fmt.Errorf("配置无效: recording.frame_interval 必须为正数")
	}
	if c.Recording.MaxFrames <= 0 {
		return fmt.Errorf("配置无效: recording.max_frames 必须为正数")
	}
	if c.Recording.Width <= 0 || c.Recording.Height <= 0 {
		return fmt.Errorf("配置无效: recording 分辨率必须为正数")
	}
	return nil
}
