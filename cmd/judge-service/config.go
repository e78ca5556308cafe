package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"judgebox/internal/common/cache"
	commonmw "judgebox/internal/common/http/middleware"
	"judgebox/internal/common/mq"
	"judgebox/internal/judge/sandbox/engine"
	"judgebox/internal/judge/sandbox/limits"
	"judgebox/internal/judge/sandbox/toolchain"
	problemrepo "judgebox/internal/problem/repository"
	"judgebox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStatusTTL       = 24 * time.Hour
	defaultStatusTimeout   = 2 * time.Second
	defaultWorkRoot        = "/tmp/judgebox"
	defaultCgroupRoot      = "/sys/fs/cgroup/judgebox"
	defaultMaxInflight     = 4
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// SandboxConfig holds isolation backend settings. Relative profile paths
// are resolved against the config file directory.
type SandboxConfig struct {
	Backend               string   `yaml:"backend"`
	WorkRoot              string   `yaml:"workRoot"`
	HelperPath            string   `yaml:"helperPath"`
	CgroupRoot            string   `yaml:"cgroupRoot"`
	SeccompProfile        string   `yaml:"seccompProfile"`
	CompileSeccompProfile string   `yaml:"compileSeccompProfile"`
	RootFS                string   `yaml:"rootfs"`
	ReadOnlyMounts        []string `yaml:"readOnlyMounts"`
	EnableSeccomp         bool     `yaml:"enableSeccomp"`
	// EnableCgroup and EnableNamespaces default to true.
	EnableCgroup     *bool `yaml:"enableCgroup"`
	EnableNamespaces *bool `yaml:"enableNamespaces"`
	// AllowUnisolated must be set to turn either of them off.
	AllowUnisolated bool   `yaml:"allowUnisolated"`
	RunAsUID        int    `yaml:"runAsUID"`
	RunAsGID        int    `yaml:"runAsGID"`
	DockerHost      string `yaml:"dockerHost"`
	DefaultImage    string `yaml:"defaultImage"`
}

// LimitsConfig holds the fallback limits per task type and the ceiling
// callers may ask for.
type LimitsConfig struct {
	Run     limits.Defaults `yaml:"run"`
	Compile limits.Defaults `yaml:"compile"`
	Max     limits.Defaults `yaml:"max"`
}

// JudgeConfig holds judge scheduling settings.
type JudgeConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxInflight       int           `yaml:"maxInflight"`
	SubmissionTimeout time.Duration `yaml:"submissionTimeout"`
	MaxCodeBytes      int           `yaml:"maxCodeBytes"`
	AcquireTimeout    time.Duration `yaml:"acquireTimeout"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	Timeout     time.Duration `yaml:"timeout"`
	ResultTopic string        `yaml:"resultTopic"`
}

// ProblemsConfig holds problem catalogue settings. TTL applies to the redis
// store only.
type ProblemsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// KafkaConfig holds Kafka settings. Queue intake is off without brokers.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	RequestTopic  string        `yaml:"requestTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	PrefetchCount int           `yaml:"prefetchCount"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	RetryTopic    string        `yaml:"retryTopic"`
	PoolRetryMax  int           `yaml:"poolRetryMax"`
	PoolRetryBase time.Duration `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD time.Duration `yaml:"poolRetryMaxDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server    ServerConfig              `yaml:"server"`
	Logger    logger.Config             `yaml:"logger"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Limits    LimitsConfig              `yaml:"limits"`
	Judge     JudgeConfig               `yaml:"judge"`
	Languages []toolchain.ToolchainSpec `yaml:"languages"`
	// Redis is optional. Status and problems stay in memory without it.
	Redis    cache.RedisConfig `yaml:"redis"`
	Kafka    KafkaConfig       `yaml:"kafka"`
	Status   StatusConfig      `yaml:"status"`
	Problems ProblemsConfig    `yaml:"problems"`
	// RateLimit guards the routes that start a judge run. It needs redis.
	RateLimit commonmw.RateLimitPolicy `yaml:"rateLimit"`
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
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	cfg.Sandbox.resolvePaths(filepath.Dir(path))
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
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
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stdout"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}

	cfg.Sandbox.Backend = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Backend))
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = engine.BackendNative
	}
	if cfg.Sandbox.Backend != engine.BackendNative && cfg.Sandbox.Backend != engine.BackendDocker {
		return fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = defaultWorkRoot
	}
	if cfg.Sandbox.CgroupRoot == "" {
		cfg.Sandbox.CgroupRoot = defaultCgroupRoot
	}
	if cfg.Sandbox.EnableCgroup == nil {
		cfg.Sandbox.EnableCgroup = boolPtr(true)
	}
	if cfg.Sandbox.EnableNamespaces == nil {
		cfg.Sandbox.EnableNamespaces = boolPtr(true)
	}
	if cfg.Sandbox.Backend == engine.BackendNative && !cfg.Sandbox.AllowUnisolated &&
		(!*cfg.Sandbox.EnableCgroup || !*cfg.Sandbox.EnableNamespaces) {
		return fmt.Errorf("sandbox cgroup and namespaces can only be disabled with allowUnisolated")
	}
	if cfg.Sandbox.EnableSeccomp && cfg.Sandbox.SeccompProfile == "" {
		return fmt.Errorf("sandbox seccompProfile is required when seccomp is enabled")
	}

	cfg.Limits.Max = cfg.Limits.Max.Fill(limits.MaxDefaults())
	for _, task := range []struct {
		name     string
		defaults limits.Defaults
	}{
		{"run", cfg.Limits.Run.Fill(limits.RunDefaults())},
		{"compile", cfg.Limits.Compile.Fill(limits.CompileDefaults())},
	} {
		if field := limits.Exceeds(task.defaults, cfg.Limits.Max); field != "" {
			return fmt.Errorf("limits.%s.%s exceeds limits.max", task.name, field)
		}
	}

	if cfg.Judge.Concurrency <= 0 {
		cfg.Judge.Concurrency = 1
	}
	if cfg.Judge.MaxInflight <= 0 {
		cfg.Judge.MaxInflight = defaultMaxInflight
	}
	if cfg.Judge.SubmissionTimeout < 0 {
		return fmt.Errorf("judge submissionTimeout must not be negative")
	}

	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Status.Timeout == 0 {
		cfg.Status.Timeout = defaultStatusTimeout
	}
	if cfg.Problems.TTL < 0 {
		return fmt.Errorf("problems ttl must not be negative")
	}
	if cfg.Problems.TTL == 0 {
		cfg.Problems.TTL = problemrepo.DefaultProblemTTL
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}
	if cfg.RateLimit.IPMax > 0 && cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if cfg.Kafka.RequestTopic == "" {
			cfg.Kafka.RequestTopic = "judge.requests"
		}
		if cfg.Status.ResultTopic == "" {
			cfg.Status.ResultTopic = "judge.results"
		}
		if cfg.Kafka.RetryTopic == "" {
			cfg.Kafka.RetryTopic = cfg.Kafka.RequestTopic
		}
		if cfg.Kafka.PoolRetryMax <= 0 {
			cfg.Kafka.PoolRetryMax = 5
		}
		if cfg.Kafka.PoolRetryBase == 0 {
			cfg.Kafka.PoolRetryBase = time.Second
		}
		if cfg.Kafka.PoolRetryMaxD == 0 {
			cfg.Kafka.PoolRetryMaxD = 30 * time.Second
		}
		if cfg.Kafka.DeadLetter == "" {
			cfg.Kafka.DeadLetter = cfg.Kafka.RequestTopic + ".dlq"
		}
	}
	return nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		PrefetchCount:   k.PrefetchCount,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s *SandboxConfig) resolvePaths(dir string) {
	for _, p := range []*string{&s.SeccompProfile, &s.CompileSeccompProfile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		Backend:          s.Backend,
		WorkRoot:         s.WorkRoot,
		HelperPath:       s.HelperPath,
		CgroupRoot:       s.CgroupRoot,
		SeccompProfile:   s.SeccompProfile,
		RootFS:           s.RootFS,
		ReadOnlyMounts:   s.ReadOnlyMounts,
		EnableSeccomp:    s.EnableSeccomp,
		EnableCgroup:     s.EnableCgroup == nil || *s.EnableCgroup,
		EnableNamespaces: s.EnableNamespaces == nil || *s.EnableNamespaces,
		AllowUnisolated:  s.AllowUnisolated,
		RunAsUID:         s.RunAsUID,
		RunAsGID:         s.RunAsGID,
		DockerHost:       s.DockerHost,
		DefaultImage:     s.DefaultImage,
	}
}

func boolPtr(v bool) *bool {
	return &v
}
