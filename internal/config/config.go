package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	AWS        AWSConfig        `yaml:"aws"`
	JWT        JWTConfig        `yaml:"jwt"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Worker     WorkerConfig     `yaml:"worker"`
	Estimation EstimationConfig `yaml:"estimation"`
	Chat       ChatConfig       `yaml:"chat"`
	APNs       APNsConfig       `yaml:"apns"`
	Retention  RetentionConfig  `yaml:"retention"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port" envconfig:"SERVER_PORT"`
	Host string `yaml:"host" envconfig:"SERVER_HOST"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host" envconfig:"DB_HOST"`
	Port     int    `yaml:"port" envconfig:"DB_PORT"`
	User     string `yaml:"user" envconfig:"DB_USER"`
	Password string `yaml:"password" envconfig:"DB_PASSWORD"`
	DBName   string `yaml:"dbname" envconfig:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
}

// RedisConfig holds the optional shared group-buffer store configuration.
// When Addr is empty the aggregator uses its in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
}

// AWSConfig holds object storage configuration
type AWSConfig struct {
	Region    string `yaml:"region" envconfig:"AWS_REGION"`
	S3Bucket  string `yaml:"s3_bucket" envconfig:"S3_BUCKET"`
	AccessKey string `yaml:"access_key" envconfig:"AWS_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" envconfig:"AWS_SECRET_KEY"`
	Endpoint  string `yaml:"endpoint" envconfig:"AWS_ENDPOINT"`
}

// JWTConfig holds JWT verification settings for the mini-app API.
// Tokens are minted by the auth gateway; this service only verifies them.
type JWTConfig struct {
	Secret string `yaml:"secret" envconfig:"JWT_SECRET"`
}

// WebhookConfig holds the shared secret expected from the chat-platform gateway
type WebhookConfig struct {
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
}

// AggregatorConfig holds media-group aggregation settings
type AggregatorConfig struct {
	FlushWindow time.Duration `yaml:"flush_window" envconfig:"AGGREGATOR_FLUSH_WINDOW"`
	MaxPhotos   int           `yaml:"max_photos" envconfig:"AGGREGATOR_MAX_PHOTOS"`
}

// WorkerConfig holds estimation worker pool settings
type WorkerConfig struct {
	PoolSize      int           `yaml:"pool_size" envconfig:"WORKER_POOL_SIZE"`
	PollInterval  time.Duration `yaml:"poll_interval" envconfig:"WORKER_POLL_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"WORKER_MAX_ATTEMPTS"`
	MaxJobAge     time.Duration `yaml:"max_job_age" envconfig:"WORKER_MAX_JOB_AGE"`
	FetchParallel int           `yaml:"fetch_parallel" envconfig:"WORKER_FETCH_PARALLEL"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" envconfig:"WORKER_FETCH_TIMEOUT"`
	LeaseDuration time.Duration `yaml:"lease_duration" envconfig:"WORKER_LEASE_DURATION"`
}

// EstimationConfig holds the vision nutrition-estimation endpoint settings
type EstimationConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"ESTIMATION_BASE_URL"`
	APIKey  string        `yaml:"api_key" envconfig:"ESTIMATION_API_KEY"`
	Model   string        `yaml:"model" envconfig:"ESTIMATION_MODEL"`
	Timeout time.Duration `yaml:"timeout" envconfig:"ESTIMATION_TIMEOUT"`
}

// ChatConfig holds the chat-gateway notice delivery endpoint
type ChatConfig struct {
	GatewayURL string `yaml:"gateway_url" envconfig:"CHAT_GATEWAY_URL"`
	Token      string `yaml:"token" envconfig:"CHAT_GATEWAY_TOKEN"`
}

// APNsConfig holds Apple push notification settings (optional)
type APNsConfig struct {
	CertFile     string `yaml:"cert_file" envconfig:"APNS_CERT_FILE"`
	CertPassword string `yaml:"cert_password" envconfig:"APNS_CERT_PASSWORD"`
	Topic        string `yaml:"topic" envconfig:"APNS_TOPIC"`
	Production   bool   `yaml:"production" envconfig:"APNS_PRODUCTION"`
}

// RetentionConfig holds the optional physical sweep cadence
type RetentionConfig struct {
	SweepEnabled  bool          `yaml:"sweep_enabled" envconfig:"RETENTION_SWEEP_ENABLED"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"RETENTION_SWEEP_INTERVAL"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
}

// Load reads configuration from a YAML file, then applies MEALLENS_* env
// variable overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("MEALLENS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Aggregator.FlushWindow <= 0 {
		c.Aggregator.FlushWindow = 200 * time.Millisecond
	}
	if c.Aggregator.MaxPhotos <= 0 {
		c.Aggregator.MaxPhotos = 5
	}
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 4
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.MaxJobAge <= 0 {
		c.Worker.MaxJobAge = 15 * time.Minute
	}
	if c.Worker.FetchParallel <= 0 {
		c.Worker.FetchParallel = 3
	}
	if c.Worker.FetchTimeout <= 0 {
		c.Worker.FetchTimeout = 20 * time.Second
	}
	if c.Worker.LeaseDuration <= 0 {
		c.Worker.LeaseDuration = 2 * time.Minute
	}
	if c.Estimation.Timeout <= 0 {
		c.Estimation.Timeout = 60 * time.Second
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = 24 * time.Hour
	}
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
