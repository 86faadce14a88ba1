package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 配置文件名（不含扩展名）与环境变量前缀
const (
	ConfigName = "interview-config"
	EnvPrefix  = "INTERVIEW"
)

// ChangeListener 热更新回调，只在新配置通过校验后调用
type ChangeListener func(old, updated *Config)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	v            *viper.Viper
	configPath   string
	searchPaths  []string
	envFile      string
	watchEnabled bool
	listeners    []ChangeListener
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 指定配置文件，不再按目录搜索
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithSearchPaths 覆盖默认搜索目录
func WithSearchPaths(paths ...string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.searchPaths = paths
	}
}

// WithEnvFile 设置.env文件路径，为空时不加载
func WithEnvFile(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.envFile = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{
		searchPaths: []string{"./configs", "../configs", "."},
		envFile:     ".env",
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 读取.env、配置文件与环境变量，校验后缓存
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	if cm.envFile != "" {
		if err := godotenv.Load(cm.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("加载 %s 失败: %w", cm.envFile, err)
		}
	}

	v := viper.New()
	if cm.configPath != "" {
		v.SetConfigFile(cm.configPath)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		for _, p := range cm.searchPaths {
			v.AddConfigPath(p)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		log.Printf("未找到 %s，使用默认配置", ConfigName)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	cm.v = v

	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// Get 当前配置，未加载时返回nil
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile 实际使用的配置文件
func (cm *ConfigManager) ConfigFile() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.v == nil {
		return ""
	}
	return cm.v.ConfigFileUsed()
}

// OnChange 注册热更新回调
func (cm *ConfigManager) OnChange(fn ChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, fn)
}

// Reload 重新解析配置，校验失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	if cm.v == nil {
		cm.mu.Unlock()
		return errors.New("config is not loaded")
	}
	updated, err := decode(cm.v)
	if err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}
	old := cm.config
	cm.config = updated
	listeners := append([]ChangeListener(nil), cm.listeners...)
	cm.mu.Unlock()

	for _, fn := range listeners {
		fn(old, updated)
	}
	return nil
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("配置文件变化: %s", e.Name)
		if err := cm.Reload(); err != nil {
			log.Printf("%v", err)
		}
	})
	cm.v.WatchConfig()
}

// Summary 配置摘要，不包含密钥
func (cm *ConfigManager) Summary() map[string]interface{} {
	cfg := cm.Get()
	if cfg == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"config_file":           cm.ConfigFile(),
		"server_addr":           cfg.Server.Addr,
		"collaborator_provider": cfg.Collaborator.Provider,
		"question_count":        cfg.Interview.QuestionCount,
		"follow_up_probability": cfg.Interview.FollowUpProbability,
		"media_enabled":         cfg.Media.Enabled,
		"media_loopback":        cfg.Media.Loopback,
		"archive_enabled":       cfg.Archive.Enabled,
	}
}
