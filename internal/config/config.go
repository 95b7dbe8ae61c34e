package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Sink types
const (
	SinkSimulated = "simulated"
	SinkWebhook   = "webhook"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig     `yaml:"worker"`
	Sink       SinkConfig       `yaml:"sink"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// QueueConfig holds RabbitMQ queue configuration. The queue is always durable.
type QueueConfig struct {
	Name string `yaml:"name"`
}

// DeadLetterConfig names where rejected messages are routed
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish settings
type PublishConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	TagPrefix     string `yaml:"tag_prefix"`
}

// RedisConfig holds the idempotency key store connection
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// DispatcherConfig holds producer settings
type DispatcherConfig struct {
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	MaxRetries         int           `yaml:"max_retries"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout"`
	StoreRetryAttempts int           `yaml:"store_retry_attempts"`
	StoreRetryInterval time.Duration `yaml:"store_retry_interval"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// SinkConfig selects and tunes the delivery sink
type SinkConfig struct {
	Type      string          `yaml:"type"`
	Simulated SimulatedConfig `yaml:"simulated"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// SimulatedConfig tunes the in-process sink
type SimulatedConfig struct {
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
	FailureRate float64       `yaml:"failure_rate"`
}

// WebhookConfig tunes the HTTP sink
type WebhookConfig struct {
	URL           string  `yaml:"url"`
	Token         string  `yaml:"token"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// seeded before decoding: an explicit 0 means unbounded retries
	config := Config{Worker: WorkerConfig{MaxRetries: defaultMaxRetries}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()

	return &config, nil
}

const defaultMaxRetries = 5

func (c *Config) applyDefaults() {
	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 10*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 20)
	setInt(&c.Database.MaxIdleConns, 5)
	setInt(&c.Database.ConnectAttempts, 5)
	setDuration(&c.Database.ConnectInterval, 2*time.Second)

	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setString(&c.RabbitMQ.RoutingKey, c.RabbitMQ.Queue.Name)
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 3*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDuration(&c.RabbitMQ.Connection.ConnectionTimeout, 5*time.Second)
	setDuration(&c.RabbitMQ.Publish.ConfirmTimeout, 5*time.Second)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, 5)
	setString(&c.RabbitMQ.Consumer.TagPrefix, "notify-worker")

	setDuration(&c.Dispatcher.SubmitTimeout, 10*time.Second)
	setDuration(&c.Dispatcher.IdempotencyTTL, 24*time.Hour)

	setInt(&c.Worker.Concurrency, 5)
	setDuration(&c.Worker.DeliveryTimeout, 30*time.Second)
	setInt(&c.Worker.StoreRetryAttempts, 5)
	setDuration(&c.Worker.StoreRetryInterval, 500*time.Millisecond)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setString(&c.Sink.Type, SinkSimulated)
}

// applyEnv lets secrets and hosts come from the environment (or .env).
func (c *Config) applyEnv() {
	overrideString(&c.Database.Host, "DATABASE_HOST")
	overrideString(&c.Database.Password, "DATABASE_PASSWORD")
	overrideString(&c.RabbitMQ.Host, "RABBITMQ_HOST")
	overrideString(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Redis.Password, "REDIS_PASSWORD")
	overrideString(&c.Sink.Webhook.Token, "SINK_WEBHOOK_TOKEN")
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func overrideString(v *string, env string) {
	if val, ok := os.LookupEnv(env); ok && strings.TrimSpace(val) != "" {
		*v = val
	}
}

// validateInfra checks settings both services need
func (c *Config) validateInfra() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if (c.RabbitMQ.DeadLetter.Exchange == "") != (c.RabbitMQ.DeadLetter.Queue == "") {
		return fmt.Errorf("rabbitmq dead_letter exchange and queue must be set together")
	}

	return nil
}

// ValidateAPIConfig checks the api-service configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateInfra(); err != nil {
		return err
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	if c.Dispatcher.SubmitTimeout <= 0 {
		return fmt.Errorf("dispatcher submit_timeout must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the worker-service configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateInfra(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.RabbitMQ.Consumer.PrefetchCount < c.Worker.Concurrency {
		return fmt.Errorf("rabbitmq prefetch_count (%d) must be at least worker concurrency (%d)",
			c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	if c.Worker.DeliveryTimeout <= 0 {
		return fmt.Errorf("worker delivery_timeout must be greater than 0")
	}

	if c.Worker.StoreRetryAttempts <= 0 {
		return fmt.Errorf("worker store_retry_attempts must be greater than 0")
	}

	switch c.Sink.Type {
	case SinkSimulated:
		s := c.Sink.Simulated
		if s.FailureRate < 0 || s.FailureRate > 1 {
			return fmt.Errorf("sink failure_rate must be between 0 and 1")
		}
		if s.MaxLatency < s.MinLatency {
			return fmt.Errorf("sink max_latency must not be less than min_latency")
		}
	case SinkWebhook:
		if c.Sink.Webhook.URL == "" {
			return fmt.Errorf("sink webhook url is required")
		}
	default:
		return fmt.Errorf("unknown sink type: %q", c.Sink.Type)
	}

	return nil
}
