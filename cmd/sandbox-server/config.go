package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/cache"
	commonmw "github.com/pipixiangz/ppxoj-code-sandbox/internal/common/http/middleware"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/mq"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/container"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/filter"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/process"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/service"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultJobTTL          = 24 * time.Hour
	defaultRequestTopic    = "sandbox.requests"
	defaultResultTopic     = "sandbox.results"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// PipelineConfig holds per-case time limits.
type PipelineConfig struct {
	CaseTimeout    time.Duration `yaml:"caseTimeout"`
	MaxCaseTimeout time.Duration `yaml:"maxCaseTimeout"`
}

// ContainerConfig enables the container strategy.
type ContainerConfig struct {
	Enabled bool             `yaml:"enabled"`
	Limits  container.Config `yaml:",inline"`
}

// RedisConfig enables the job store.
type RedisConfig struct {
	Enabled bool              `yaml:"enabled"`
	Client  cache.RedisConfig `yaml:",inline"`
	JobTTL  time.Duration     `yaml:"jobTTL"`
}

// KafkaConfig enables the queue consumer and result publisher.
type KafkaConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Queue         mq.KafkaConfig `yaml:",inline"`
	RequestTopic  string         `yaml:"requestTopic"`
	ResultTopic   string         `yaml:"resultTopic"`
	ConsumerGroup string         `yaml:"consumerGroup"`
	Concurrency   int            `yaml:"concurrency"`
	MaxRetries    int            `yaml:"maxRetries"`
	RetryDelay    time.Duration  `yaml:"retryDelay"`
	DeadLetter    string         `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration  `yaml:"messageTTL"`
}

// AppConfig holds sandbox-server config.
type AppConfig struct {
	Server    ServerConfig             `yaml:"server"`
	Logger    logger.Config            `yaml:"logger"`
	Workspace workspace.Config         `yaml:"workspace"`
	Languages []command.LanguageSpec   `yaml:"languages"`
	Pipeline  PipelineConfig           `yaml:"pipeline"`
	Process   process.Config           `yaml:"process"`
	Container ContainerConfig          `yaml:"container"`
	Filter    filter.Config            `yaml:"filter"`
	Service   service.Config           `yaml:"service"`
	Auth      commonmw.AuthConfig      `yaml:"auth"`
	RateLimit commonmw.RateLimitConfig `yaml:"rateLimit"`
	Redis     RedisConfig              `yaml:"redis"`
	Kafka     KafkaConfig              `yaml:"kafka"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = command.DefaultLanguages()
	}
	if cfg.Filter.Enabled && len(cfg.Filter.Words) == 0 {
		cfg.Filter.Words = filter.DefaultWords
	}
	if cfg.Redis.JobTTL == 0 {
		cfg.Redis.JobTTL = defaultJobTTL
	}
	if cfg.Redis.Enabled {
		applyRedisDefaults(&cfg.Redis.Client)
	}
	if cfg.Kafka.RequestTopic == "" {
		cfg.Kafka.RequestTopic = defaultRequestTopic
	}
	if cfg.Kafka.ResultTopic == "" {
		cfg.Kafka.ResultTopic = defaultResultTopic
	}
	if cfg.Kafka.Enabled && cfg.Service.ResultTopic == "" {
		cfg.Service.ResultTopic = cfg.Kafka.ResultTopic
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required when auth is enabled")
	}
	if cfg.Redis.Enabled && cfg.Redis.Client.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Queue.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if cfg.Kafka.Enabled && !cfg.Redis.Enabled {
		return fmt.Errorf("kafka consumer requires redis for message deduplication")
	}
	for _, lang := range cfg.Languages {
		if lang.Strategy == command.StrategyContainer && !cfg.Container.Enabled {
			return fmt.Errorf("language %s uses the container strategy but container is disabled", lang.ID)
		}
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}
