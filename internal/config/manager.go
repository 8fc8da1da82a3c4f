package config

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReloadFunc 配置热更新回调
type ReloadFunc func(cfg *AgentConfig)

// ConfigManager 配置管理器，支持文件监控热更新
type ConfigManager struct {
	mu           sync.RWMutex
	cfg          *AgentConfig
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	onReload     ReloadFunc
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithReloadHandler 注册热更新回调
func WithReloadHandler(fn ReloadFunc) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onReload = fn
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置，必要时启动文件监控
func (cm *ConfigManager) Load() (*AgentConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.cfg != nil {
		return cm.cfg, nil
	}

	cfg, v, err := Load(cm.configPath)
	if err != nil {
		return nil, err
	}

	cm.cfg = cfg
	cm.viper = v

	if cm.watchEnabled && cm.configPath != "" {
		cm.watch()
	}

	return cfg, nil
}

// Current 返回当前配置
func (cm *ConfigManager) Current() *AgentConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.cfg
}

// watch 监控配置文件变更并热更新；非法的新配置被拒绝，沿用旧配置
func (cm *ConfigManager) watch() {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("检测到配置文件变更: %s", e.Name)

		var next AgentConfig
		if err := cm.viper.Unmarshal(&next); err != nil {
			log.Printf("热更新解析失败，保留旧配置: %v", err)
			return
		}
		if err := next.Validate(); err != nil {
			log.Printf("热更新校验失败，保留旧配置: %v", err)
			return
		}

		cm.mu.Lock()
		cm.cfg = &next
		onReload := cm.onReload
		cm.mu.Unlock()

		if onReload != nil {
			onReload(&next)
		}
		log.Printf("配置已热更新")
	})
	cm.viper.WatchConfig()
}
