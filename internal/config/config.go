package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 协作方实现
const (
	ProviderStatic = "static"
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
)

// Config 面试引擎配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Interview    InterviewConfig    `mapstructure:"interview"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Media        MediaConfig        `mapstructure:"media"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig HTTP服务
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// InterviewConfig 状态机相关参数，带*的字段支持热更新
type InterviewConfig struct {
	QuestionCount       int           `mapstructure:"question_count"`        // *
	FollowUpProbability float64       `mapstructure:"follow_up_probability"` // *
	TurnTimeout         time.Duration `mapstructure:"turn_timeout"`
	ScriptFile          string        `mapstructure:"script_file"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	Retention           time.Duration `mapstructure:"retention"`
}

// CollaboratorConfig AI协作方
type CollaboratorConfig struct {
	Provider        string        `mapstructure:"provider"`
	Timeout         time.Duration `mapstructure:"timeout"` // *
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	OpenAI          OpenAIConfig  `mapstructure:"openai"`
	GRPC            GRPCConfig    `mapstructure:"grpc"`
}

type OpenAIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type GRPCConfig struct {
	Target string `mapstructure:"target"`
	Listen string `mapstructure:"listen"`
}

// MediaConfig 媒体房间与面试官连接
type MediaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	WarmupDelay  time.Duration `mapstructure:"warmup_delay"` // *
	Loopback     bool          `mapstructure:"loopback"`
	LoopbackAddr string        `mapstructure:"loopback_addr"`
}

// ArchiveConfig 已结束面试的归档库
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type LogConfig struct {
	Stream bool `mapstructure:"stream"`
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("interview.question_count", 5)
	v.SetDefault("interview.follow_up_probability", 0.5)
	v.SetDefault("interview.turn_timeout", "90s")
	v.SetDefault("interview.script_file", "")
	v.SetDefault("interview.cleanup_interval", "5m")
	v.SetDefault("interview.retention", "1h")

	v.SetDefault("collaborator.provider", ProviderStatic)
	v.SetDefault("collaborator.timeout", "30s")
	v.SetDefault("collaborator.max_retries", 2)
	v.SetDefault("collaborator.initial_interval", "500ms")
	v.SetDefault("collaborator.max_interval", "5s")
	v.SetDefault("collaborator.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("collaborator.openai.api_key", "")
	v.SetDefault("collaborator.openai.model", "gpt-4.1-mini")
	v.SetDefault("collaborator.grpc.target", "localhost:50051")
	v.SetDefault("collaborator.grpc.listen", ":50051")

	v.SetDefault("media.enabled", false)
	v.SetDefault("media.url", "ws://localhost:7880/rtc")
	v.SetDefault("media.api_key", "devkey")
	v.SetDefault("media.api_secret", "")
	v.SetDefault("media.token_ttl", "10m")
	v.SetDefault("media.warmup_delay", "3s")
	v.SetDefault("media.loopback", false)
	v.SetDefault("media.loopback_addr", ":7880")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.max_conns", 10)

	v.SetDefault("log.stream", true)
}

// bindEnv 常用密钥也接受不带前缀的环境变量
func bindEnv(v *viper.Viper) error {
	if err := v.BindEnv("collaborator.openai.api_key", "INTERVIEW_COLLABORATOR_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return err
	}
	if err := v.BindEnv("archive.dsn", "INTERVIEW_ARCHIVE_DSN", "DATABASE_URL"); err != nil {
		return err
	}
	return nil
}

// validateConfig 验证配置有效性
func validateConfig(c *Config) error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Interview.QuestionCount < 1 || c.Interview.QuestionCount > 20 {
		errs = append(errs, fmt.Errorf("invalid interview.question_count: %d (must be 1-20)", c.Interview.QuestionCount))
	}
	if c.Interview.FollowUpProbability < 0 || c.Interview.FollowUpProbability > 1 {
		errs = append(errs, fmt.Errorf("invalid interview.follow_up_probability: %f (must be between 0 and 1)",
			c.Interview.FollowUpProbability))
	}
	if c.Interview.TurnTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid interview.turn_timeout: %v", c.Interview.TurnTimeout))
	}
	if c.Interview.CleanupInterval <= 0 || c.Interview.Retention <= 0 {
		errs = append(errs, errors.New("interview.cleanup_interval and interview.retention must be positive"))
	}

	switch c.Collaborator.Provider {
	case ProviderStatic:
	case ProviderOpenAI:
		if c.Collaborator.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("collaborator.openai.api_key is required for the openai provider"))
		}
	case ProviderGRPC:
		if c.Collaborator.GRPC.Target == "" {
			errs = append(errs, errors.New("collaborator.grpc.target is required for the grpc provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown collaborator.provider %q", c.Collaborator.Provider))
	}
	if c.Collaborator.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid collaborator.timeout: %v", c.Collaborator.Timeout))
	}
	if c.Collaborator.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid collaborator.max_retries: %d", c.Collaborator.MaxRetries))
	}

	if c.Media.Enabled {
		if c.Media.APISecret == "" {
			errs = append(errs, errors.New("media.api_secret is required when media is enabled"))
		}
		if !strings.HasPrefix(c.Media.URL, "ws://") && !strings.HasPrefix(c.Media.URL, "wss://") {
			errs = append(errs, fmt.Errorf("invalid media.url %q", c.Media.URL))
		}
	}
	if c.Media.WarmupDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid media.warmup_delay: %v", c.Media.WarmupDelay))
	}

	if c.Archive.Enabled && c.Archive.DSN == "" {
		errs = append(errs, errors.New("archive.dsn is required when archive is enabled"))
	}

	return errors.Join(errs...)
}
