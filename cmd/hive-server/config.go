package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"hive/internal/common/cache"
	"hive/internal/common/db"
	"hive/internal/common/mq"
	"hive/internal/common/storage"
	"hive/internal/grader/runner"
	"hive/internal/grader/workspace"
	harnessrepo "hive/internal/harness/repository"
	"hive/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxHarnessBytes = 64 << 20
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// TrustUserHeader accepts X-User-Id from the gateway.
	TrustUserHeader *bool `yaml:"trustUserHeader"`
}

// KafkaConfig configures completion events. Events are disabled when no
// brokers are listed.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	RequiredAcks string        `yaml:"requiredAcks"` // none, one, all
	Compression  string        `yaml:"compression"`  // gzip, snappy, lz4, zstd
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

func (c KafkaConfig) producerConfig() (mq.KafkaConfig, error) {
	out := mq.KafkaConfig{
		Brokers:      c.Brokers,
		ClientID:     c.ClientID,
		BatchSize:    c.BatchSize,
		BatchTimeout: c.BatchTimeout,
		DialTimeout:  c.DialTimeout,
		WriteTimeout: c.WriteTimeout,
	}
	switch strings.ToLower(c.RequiredAcks) {
	case "", "one":
		out.RequiredAcks = kafka.RequireOne
	case "all":
		out.RequiredAcks = kafka.RequireAll
	case "none":
		out.RequiredAcks = kafka.RequireNone
	default:
		return out, fmt.Errorf("unknown kafka requiredAcks %q", c.RequiredAcks)
	}
	switch strings.ToLower(c.Compression) {
	case "":
	case "gzip":
		out.Compression = kafka.Gzip
	case "snappy":
		out.Compression = kafka.Snappy
	case "lz4":
		out.Compression = kafka.Lz4
	case "zstd":
		out.Compression = kafka.Zstd
	default:
		return out, fmt.Errorf("unknown kafka compression %q", c.Compression)
	}
	return out, nil
}

// GradingConfig holds pipeline settings.
type GradingConfig struct {
	Workers         int              `yaml:"workers"`
	QueueSize       int              `yaml:"queueSize"`
	AdmitWait       time.Duration    `yaml:"admitWait"`
	CompileTimeout  time.Duration    `yaml:"compileTimeout"`
	RunTimeout      time.Duration    `yaml:"runTimeout"`
	CompleteRetries int              `yaml:"completeRetries"`
	CompleteBackoff time.Duration    `yaml:"completeBackoff"`
	SideTimeout     time.Duration    `yaml:"sideTimeout"`
	MaxFileBytes    int64            `yaml:"maxFileBytes"`
	InstanceID      string           `yaml:"instanceID"`
	LeaseTTL        time.Duration    `yaml:"leaseTTL"`
	StaleAfter      time.Duration    `yaml:"staleAfter"`
	Workspace       workspace.Config `yaml:"workspace"`

	SubmissionCacheTTL time.Duration `yaml:"submissionCacheTTL"`
	SubmissionEmptyTTL time.Duration `yaml:"submissionEmptyTTL"`
}

// AppConfig holds hive-server configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Harness  harnessrepo.Config  `yaml:"harness"`
	Grading  GradingConfig       `yaml:"grading"`
	Runner   runner.Config       `yaml:"runner"`
}

// loadDotEnv loads .env next to the working directory if there is one.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env failed: %w", err)
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyServerDefaults(&cfg.Server)
	applyGradingDefaults(&cfg.Grading)
	applyHarnessDefaults(&cfg.Harness, cfg.MinIO)
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "hive.submission.completed"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "hive-server"
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.MinIO.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.TrustUserHeader == nil {
		trust := true
		cfg.TrustUserHeader = &trust
	}
}

func applyGradingDefaults(cfg *GradingConfig) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4 * cfg.Workers
	}
	if cfg.AdmitWait == 0 {
		cfg.AdmitWait = 2 * time.Second
	}
	if cfg.CompileTimeout == 0 {
		cfg.CompileTimeout = 5 * time.Second
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 5 * time.Second
	}
	if cfg.CompleteRetries == 0 {
		cfg.CompleteRetries = 3
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.SubmissionCacheTTL == 0 {
		cfg.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.SubmissionEmptyTTL == 0 {
		cfg.SubmissionEmptyTTL = time.Minute
	}
}

func applyHarnessDefaults(cfg *harnessrepo.Config, minio storage.MinIOConfig) {
	if cfg.Bucket == "" {
		cfg.Bucket = minio.Bucket
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "hive"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.MaxArchiveBytes == 0 {
		cfg.MaxArchiveBytes = defaultMaxHarnessBytes
	}
}
